package goble

import (
	"fmt"

	"github.com/srg/atick/internal/device"
)

// NormalizeError maps known go-ble error strings to structured ConnectionError types.
// It ensures consistent handling even if the upstream library changes messages slightly.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case device.ContainsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case device.ContainsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case device.ContainsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case device.ContainsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", device.ErrAlreadyConnected, err)
	case device.ContainsIgnoreCase(msg, "connection is not initialized"):
		return fmt.Errorf("%w: %v", device.ErrNotInitialized, err)
	default:
		return err
	}
}
