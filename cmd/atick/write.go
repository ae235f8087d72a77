package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/atick/internal/atick"
	"github.com/srg/atick/internal/bledb"
	"github.com/srg/atick/internal/device"
)

func newWriteCmd() *cobra.Command {
	opts := &meterFlags{}
	cmd := &cobra.Command{
		Use:   "write <device-address> <char-uuid> <hex-payload>",
		Short: "Write a raw value to a meter register",
		Long: `Write a hex encoded value to a characteristic of the meter service and
wait for the acknowledgement. The connection is closed afterwards.

Examples:
  atick write AA:BB:CC:DD:EE:FF fff2 "0a d7 23 3c 0a d7 23 3c"
  atick write AA:BB:CC:DD:EE:FF 0000fff2-0000-1000-8000-00805f9b34fb 0x0ad7233c0ad7233c`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(cmd, args[0], args[1], args[2], opts)
		},
	}
	opts.register(cmd)
	return cmd
}

func runWrite(cmd *cobra.Command, address, char, payload string, opts *meterFlags) error {
	uuids, err := device.ValidateUUID(char)
	if err != nil {
		return fmt.Errorf("invalid characteristic UUID: %w", err)
	}
	data, err := atick.ParseHexPayload(payload)
	if err != nil {
		return err
	}
	if err := opts.validate(); err != nil {
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

	stack := newBLEStack(logger)
	defer closeStack(stack, logger)

	driver := atick.NewDriver(stack, cfg.DriverOptions(opts.deviceConfig(cfg, address), logger))
	defer driver.Stop()

	ctx, cancel := withInterrupt(cmd.Context(), cmd.ErrOrStderr())
	defer cancel()

	if err := driver.WriteRegister(ctx, uuids[0], payload); err != nil {
		return interrupted(ctx, err)
	}
	target := uuids[0]
	if name := bledb.LookupCharacteristic(target); name != "" {
		target = fmt.Sprintf("%s (%s)", target, name)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d byte(s) to %s\n", len(data), target)
	return nil
}
