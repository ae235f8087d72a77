package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/atick/internal/atick"
	"github.com/srg/atick/internal/device"
)

// Command-level errors
var (
	// ErrUnknownDevice is returned by watch when neither the config nor the
	// arguments name a meter.
	ErrUnknownDevice = errors.New("no devices configured")
)

// FormatUserError turns the typed errors of the driver stack into one-line
// messages for the terminal.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var connErr *atick.ConnectError
	if errors.As(err, &connErr) {
		if connErr.Kind == atick.ConnectTimeout {
			return fmt.Sprintf("meter %s did not answer in time; check that it is in range and advertising", connErr.Address)
		}
		if connErr.Reason != "" {
			return fmt.Sprintf("could not connect to meter %s: %s", connErr.Address, connErr.Reason)
		}
		return fmt.Sprintf("could not connect to meter %s", connErr.Address)
	}

	var gattErr *atick.GattError
	if errors.As(err, &gattErr) {
		var nf *device.NotFoundError
		switch {
		case errors.As(err, &nf):
			return fmt.Sprintf("register %s not found in service %s; check the registers section of the config",
				gattErr.Characteristic, gattErr.Service)
		case errors.Is(err, device.ErrTimeout):
			return fmt.Sprintf("%s of register %s timed out", gattErr.Op, gattErr.Characteristic)
		case errors.Is(err, device.ErrNotConnected):
			return fmt.Sprintf("meter disconnected during %s of register %s", gattErr.Op, gattErr.Characteristic)
		}
		return fmt.Sprintf("%s of register %s failed: %v", gattErr.Op, gattErr.Characteristic, gattErr.Err)
	}

	var payloadErr *atick.PayloadError
	if errors.As(err, &payloadErr) {
		return fmt.Sprintf("meter returned unexpected data for %s: %s", payloadErr.Characteristic, payloadErr.Detail)
	}

	var decodeErr *atick.DecodeError
	if errors.As(err, &decodeErr) {
		return fmt.Sprintf("cannot decode payload (%s): %s", decodeErr.Kind, decodeErr.Detail)
	}

	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off; enable it and retry"
	case errors.Is(err, device.ErrNotInitialized):
		return "Bluetooth adapter is not available"
	case errors.Is(err, context.DeadlineExceeded):
		return "operation timed out"
	}

	return err.Error()
}
