package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/atick/internal/atick"
	"github.com/srg/atick/internal/store"
)

type readOptions struct {
	meter  meterFlags
	ratio  bool
	format string
}

func newReadCmd() *cobra.Command {
	opts := &readOptions{}
	cmd := &cobra.Command{
		Use:   "read <device-address>",
		Short: "Read counters and device information over GATT",
		Long: `Connect to a meter and read its registers.

By default a full update is performed: model, manufacturer, firmware
version and counters. With --ratio only the counter ratios are read.
The connection is closed afterwards. When the config names a state file the
result is persisted there.

The meter must be paired with the host before it serves its registers.

Examples:
  atick read AA:BB:CC:DD:EE:FF
  atick read AA:BB:CC:DD:EE:FF --ratio
  atick read AA:BB:CC:DD:EE:FF --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(cmd, args[0], opts)
		},
	}

	opts.meter.register(cmd)
	cmd.Flags().BoolVar(&opts.ratio, "ratio", false, "Read only the counter ratios")
	cmd.Flags().StringVarP(&opts.format, "format", "f", formatTable, "Output format (table, json)")
	return cmd
}

func runRead(cmd *cobra.Command, address string, opts *readOptions) error {
	if err := validateFormat(opts.format); err != nil {
		return err
	}
	if err := opts.meter.validate(); err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, logrus.PanicLevel)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	st, err := store.Open(cfg.StateFile, logger)
	if err != nil {
		return err
	}

	stack := newBLEStack(logger)
	defer closeStack(stack, logger)

	driverOpts := cfg.DriverOptions(opts.meter.deviceConfig(cfg, address), logger)
	driverOpts.Seed = st.Seed(address)
	driver := atick.NewDriver(stack, driverOpts)
	defer driver.Stop()

	ctx, cancel := withInterrupt(cmd.Context(), cmd.ErrOrStderr())
	defer cancel()

	stopProgress := func() {}
	if isTerminal(cmd.ErrOrStderr()) {
		progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Reading meter %s", address), "Connecting")
		progress.Start()
		stopProgress = progress.Stop
	}

	before := driver.Counters()
	if opts.ratio {
		err = driver.RatioUpdate(ctx)
	} else {
		err = driver.ActiveFullUpdate(ctx)
	}
	stopProgress()
	if err != nil {
		return interrupted(ctx, err)
	}

	snap := driver.Snapshot()
	st.Put(snap, time.Now())
	if err := st.Flush(); err != nil {
		logger.WithField("error", err).Warn("Failed to persist state")
	}

	if opts.format == formatJSON {
		return writeJSON(cmd.OutOrStdout(), snapshotMap(snap))
	}
	return printSnapshot(cmd.OutOrStdout(), newStyles(cmd), snap, before != snap.Counters)
}
