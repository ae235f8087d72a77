package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/atick/internal/atick"
	"github.com/srg/atick/internal/device"
	goble "github.com/srg/atick/internal/device/go-ble"
	"github.com/srg/atick/pkg/config"
)

// bleStack is the host controller as the commands use it.
type bleStack interface {
	device.Transport
	device.ScanningDevice
	Close() error
}

// newBLEStack opens the host controller (can be overridden in tests).
var newBLEStack = func(logger *logrus.Logger) bleStack {
	return goble.NewAdapter(logger)
}

// loadConfig reads --config, or the default path when present. A missing
// default file yields the default configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	explicit := path != ""
	if !explicit {
		path = config.DefaultConfigPath()
	}
	if path == "" {
		return config.DefaultConfig(), nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// meterFlags are the per-device overrides shared by read, write and watch.
type meterFlags struct {
	pin  string
	mac  string
	name string
}

func (f *meterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.pin, "pin", "", "Meter PIN (default from config, else "+atick.DefaultPIN+")")
	cmd.Flags().StringVar(&f.mac, "mac", "", "Hardware address used for decoding when the platform reports another identifier")
	cmd.Flags().StringVar(&f.name, "name", "", "Display name of the meter")
}

func (f *meterFlags) validate() error {
	return validatePINFlag(f.pin)
}

func validatePINFlag(pin string) error {
	if err := config.ValidatePIN(pin); err != nil {
		return fmt.Errorf("invalid --pin: %w", err)
	}
	return nil
}

// deviceConfig merges the config entry for address with flag overrides.
func (f *meterFlags) deviceConfig(cfg *config.Config, address string) config.DeviceConfig {
	d, ok := cfg.Device(address)
	if !ok {
		d = config.DeviceConfig{Address: address}
	}
	if f.pin != "" {
		d.PIN = f.pin
	}
	if f.mac != "" {
		d.MAC = f.mac
	}
	if f.name != "" {
		d.Name = f.name
	}
	return d
}

// withInterrupt cancels the returned context on Ctrl+C or SIGTERM.
func withInterrupt(parent context.Context, out io.Writer) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(out, "\nCtrl+C pressed, cancelling...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

func closeStack(stack bleStack, logger *logrus.Logger) {
	if err := stack.Close(); err != nil {
		logger.WithField("error", err).Warn("Failed to stop BLE controller")
	}
}

// interrupted reports a user cancel as context.Canceled so main exits
// quietly; the driver folds it into a ConnectError otherwise.
func interrupted(ctx context.Context, err error) error {
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		return context.Canceled
	}
	return err
}
