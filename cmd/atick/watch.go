package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/atick/internal/atick"
	"github.com/srg/atick/internal/coordinator"
	"github.com/srg/atick/internal/groutine"
	"github.com/srg/atick/internal/store"
	"github.com/srg/atick/pkg/config"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type watchOptions struct {
	meter    meterFlags
	active   bool
	format   string
	duration time.Duration
}

func newWatchCmd() *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch [device-address...]",
		Short: "Follow meters from their advertisements and active polls",
		Long: `Watch the meters named in the config file and on the command line.

Counters are taken from advertisements as they arrive. With active polling
enabled (poll.active in the config, or --active) meters that have not
advertised fresh counters for a poll interval are read over GATT. State is
persisted to state_file when configured.

Examples:
  atick watch
  atick watch AA:BB:CC:DD:EE:FF --pin 654321
  atick watch --active --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, args, opts)
		},
	}

	opts.meter.register(cmd)
	cmd.Flags().BoolVar(&opts.active, "active", false, "Enable active polls regardless of the config")
	cmd.Flags().StringVarP(&opts.format, "format", "f", formatTable, "Output format (table, json)")
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "Stop after this long (0 runs until interrupted)")
	return cmd
}

func runWatch(cmd *cobra.Command, args []string, opts *watchOptions) error {
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
	logger, err := configureLogger(cmd, cfg.Level())
	if err != nil {
		return err
	}

	devices := watchDevices(cfg, args, &opts.meter)
	if len(devices) == 0 {
		return fmt.Errorf("%w: pass device addresses or add them to the config", ErrUnknownDevice)
	}

	cmd.SilenceUsage = true

	st, err := store.Open(cfg.StateFile, logger)
	if err != nil {
		return err
	}

	stack := newBLEStack(logger)
	defer closeStack(stack, logger)

	coord := coordinator.New(stack, coordinator.Options{
		CheckInterval:    cfg.Poll.CheckInterval,
		UnavailableAfter: cfg.UnavailableAfter,
		ActivePoll:       cfg.Poll.Active || opts.active,
		FilterDuplicates: cfg.Scan.FilterDuplicates,
		Store:            st,
		Logger:           logger,
	})
	for _, d := range devices {
		driverOpts := cfg.DriverOptions(d, logger)
		driverOpts.Seed = st.Seed(d.Address)
		coord.Add(atick.NewDriver(stack, driverOpts))
	}

	ctx, cancel := withInterrupt(cmd.Context(), cmd.ErrOrStderr())
	defer cancel()
	if opts.duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, opts.duration)
		defer stop()
	}

	errCh := make(chan error, 1)
	groutine.Go(ctx, "atick-watch", func(ctx context.Context) {
		errCh <- coord.Run(ctx)
	})

	printer := newEventPrinter(cmd.OutOrStdout(), newStyles(cmd), opts.format)
	for ev := range coord.Events() {
		if err := printer.print(ev); err != nil {
			logger.WithField("error", err).Warn("Failed to print event")
		}
	}
	return <-errCh
}

// watchDevices merges config entries with addresses given as arguments.
// Flag overrides apply to argument addresses only.
func watchDevices(cfg *config.Config, args []string, flags *meterFlags) []config.DeviceConfig {
	seen := make(map[string]struct{})
	var out []config.DeviceConfig
	for _, d := range cfg.Devices {
		seen[strings.ToUpper(d.Address)] = struct{}{}
		out = append(out, d)
	}
	for _, addr := range args {
		k := strings.ToUpper(addr)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, flags.deviceConfig(cfg, addr))
	}
	return out
}

// eventPrinter renders coordinator events, highlighting counters that
// changed since the previous event of the same device.
type eventPrinter struct {
	out    io.Writer
	st     *styles
	format string
	last   map[string]atick.Optional[atick.Counters]
}

func newEventPrinter(out io.Writer, st *styles, format string) *eventPrinter {
	return &eventPrinter{
		out:    out,
		st:     st,
		format: format,
		last:   make(map[string]atick.Optional[atick.Counters]),
	}
}

func (p *eventPrinter) print(ev coordinator.Event) error {
	prev, known := p.last[ev.Address]
	changed := known && prev != ev.Snapshot.Counters
	p.last[ev.Address] = ev.Snapshot.Counters

	if p.format == formatJSON {
		m := orderedmap.New[string, any]()
		m.Set("event", ev.Type.String())
		m.Set("at", ev.At.UTC().Format(time.RFC3339))
		m.Set("address", ev.Address)
		m.Set("rssi", ev.RSSI)
		if ev.Err != nil {
			m.Set("error", FormatUserError(ev.Err))
		}
		m.Set("state", snapshotMap(ev.Snapshot))
		return writeJSON(p.out, m)
	}

	counters := formatCounters(ev.Snapshot.Counters)
	if changed {
		counters = p.st.changed.Sprint(counters)
	}
	line := fmt.Sprintf("%s  %-14s %s  %s",
		p.st.muted.Sprint(ev.At.Local().Format(time.TimeOnly)), ev.Type, ev.Address, counters)
	if ev.Err != nil {
		line += "  " + p.st.warn.Sprint(FormatUserError(ev.Err))
	}
	_, err := fmt.Fprintln(p.out, line)
	return err
}
