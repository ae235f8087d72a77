package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
	BluetoothOff     ConnectionState = "bluetooth_off"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
	ErrBluetoothOff     = &ConnectionError{State: BluetoothOff, Msg: "Bluetooth is turned off"}
)

// Operation errors
var (
	ErrTimeout     = errors.New("timeout")
	ErrUnsupported = errors.New("unsupported")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// ContainsIgnoreCase checks substring case-insensitively
func ContainsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Advertisement is a single received advertising frame.
type Advertisement interface {
	LocalName() string
	// ManufacturerData returns the vendor payload with the 2-byte company
	// identifier already stripped. nil when the frame carries none.
	ManufacturerData() []byte
	// CompanyID is the Bluetooth SIG company identifier of ManufacturerData, 0 if absent.
	CompanyID() uint16
	Services() []string
	Connectable() bool
	RSSI() int
	Addr() string
}

// ScanningDevice represents a BLE device capable of scanning for advertisements
type ScanningDevice interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}

// Transport dials peripherals by address.
type Transport interface {
	Dial(ctx context.Context, address string) (Connection, error)
}

// Connection represents a live GATT link to one peripheral.
type Connection interface {
	Address() string
	GetCharacteristic(service, uuid string) (Characteristic, error)
	IsConnected() bool
	// Disconnected is closed when the link drops or Disconnect completes.
	Disconnected() <-chan struct{}
	Disconnect() error
}

// CharacteristicInfo represents characteristic metadata
type CharacteristicInfo interface {
	UUID() string
	KnownName() string
}

// CharacteristicReader provides read operations
type CharacteristicReader interface {
	Read(timeout time.Duration) ([]byte, error)
}

// CharacteristicWriter provides write operations
type CharacteristicWriter interface {
	Write(data []byte, withResponse bool, timeout time.Duration) error
}

// Characteristic combines info + operations
type Characteristic interface {
	CharacteristicInfo
	CharacteristicReader
	CharacteristicWriter
}
