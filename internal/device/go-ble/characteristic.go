package goble

import (
	"fmt"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/atick/internal/bledb"
	"github.com/srg/atick/internal/device"
)

const (
	// DefaultReadTimeout is the default timeout for characteristic read operations.
	DefaultReadTimeout = 5 * time.Second

	// MaxWritePayload is the largest value sent in one ATT write.
	// BLE 4.0/4.1 ATT_MTU of 23 bytes leaves 20 bytes of payload.
	MaxWritePayload = 20
)

// BLECharacteristic is a discovered characteristic bound to its parent connection
type BLECharacteristic struct {
	uuid       string
	knownName  string
	BLEChar    *ble.Characteristic
	connection *BLEConnection
}

func newCharacteristic(c *ble.Characteristic, conn *BLEConnection) *BLECharacteristic {
	rawUUID := c.UUID.String()
	return &BLECharacteristic{
		uuid:       device.NormalizeUUID(rawUUID),
		knownName:  bledb.LookupCharacteristic(rawUUID),
		BLEChar:    c,
		connection: conn,
	}
}

func (c *BLECharacteristic) UUID() string      { return c.uuid }
func (c *BLECharacteristic) KnownName() string { return c.knownName }

type opResult struct {
	data []byte
	err  error
}

// Read reads the current value of the characteristic with the specified timeout.
func (c *BLECharacteristic) Read(timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}

	client, err := c.connection.snapshotClient()
	if err != nil {
		return nil, fmt.Errorf("cannot read characteristic %s: %w", c.uuid, err)
	}

	resultCh := make(chan opResult, 1)
	go func() {
		data, err := client.ReadCharacteristic(c.BLEChar)
		resultCh <- opResult{data: data, err: err}
	}()

	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, fmt.Errorf("failed to read characteristic %s: %w", c.uuid, NormalizeError(result.err))
		}
		return result.data, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("reading characteristic %s after %v: %w", c.uuid, timeout, device.ErrTimeout)
	}
}

// Write sends data as a single ATT write; values larger than MaxWritePayload
// are refused. writeMutex stays held until the ATT operation returns, even
// after a timeout, so writes on one connection never interleave.
func (c *BLECharacteristic) Write(data []byte, withResponse bool, timeout time.Duration) error {
	if len(data) > MaxWritePayload {
		return fmt.Errorf("cannot write characteristic %s: %d bytes exceeds the %d byte limit: %w",
			c.uuid, len(data), MaxWritePayload, device.ErrUnsupported)
	}
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}

	client, err := c.connection.snapshotClient()
	if err != nil {
		return fmt.Errorf("cannot write characteristic %s: %w", c.uuid, err)
	}

	c.connection.writeMutex.Lock()

	resultCh := make(chan opResult, 1)
	go func() {
		defer c.connection.writeMutex.Unlock()
		resultCh <- opResult{err: client.WriteCharacteristic(c.BLEChar, data, !withResponse)}
	}()

	select {
	case result := <-resultCh:
		if result.err != nil {
			return fmt.Errorf("failed to write characteristic %s: %w", c.uuid, NormalizeError(result.err))
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("writing characteristic %s after %v: %w", c.uuid, timeout, device.ErrTimeout)
	}
}
