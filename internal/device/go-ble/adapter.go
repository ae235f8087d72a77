package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/atick/internal/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

// Adapter owns the host BLE controller and implements both device.Transport
// and device.ScanningDevice on top of it. The controller is opened lazily on
// first use and shared by every dial and scan afterwards.
type Adapter struct {
	logger *logrus.Logger

	once sync.Once
	dev  ble.Device
	err  error
}

// NewAdapter creates an Adapter; the controller is not opened until needed.
func NewAdapter(logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Adapter{logger: logger}
}

func (a *Adapter) device() (ble.Device, error) {
	a.once.Do(func() {
		dev, err := DeviceFactory()
		if err != nil {
			a.err = fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
			return
		}
		a.dev = dev
	})
	return a.dev, a.err
}

// Dial connects to the peripheral and discovers its GATT profile.
// The caller's context bounds the whole operation.
func (a *Adapter) Dial(ctx context.Context, address string) (device.Connection, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	dev, err := a.device()
	if err != nil {
		return nil, err
	}

	a.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}

	conn, err := newBLEConnection(ctx, address, client, a.logger)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			a.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return nil, err
	}
	return conn, nil
}

// Scan wraps the raw ble.Device.Scan to convert ble.Advertisement to the device.Advertisement
func (a *Adapter) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	dev, err := a.device()
	if err != nil {
		return err
	}
	bleHandler := func(adv ble.Advertisement) {
		handler(NewBLEAdvertisement(adv))
	}
	if err := dev.Scan(ctx, allowDup, bleHandler); err != nil {
		return NormalizeError(err)
	}
	return nil
}

// Close stops the host controller if it was opened. It waits for an
// in-flight open to finish, and a controller never opened stays closed.
func (a *Adapter) Close() error {
	a.once.Do(func() {
		a.err = fmt.Errorf("BLE adapter closed: %w", device.ErrNotInitialized)
	})
	if a.dev == nil {
		return nil
	}
	return a.dev.Stop()
}
