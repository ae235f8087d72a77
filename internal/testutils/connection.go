package testutils

import (
	"sync"
	"sync/atomic"

	"github.com/srg/atick/internal/device"
)

// FakeConnection is an in-memory device.Connection over a fixed GATT table.
type FakeConnection struct {
	address string
	chars   map[string]map[string]device.Characteristic

	disconnectErr error
	connected     atomic.Bool
	disconnects   atomic.Int32
	once          sync.Once
	done          chan struct{}
}

// NewFakeConnection returns a connected fake. chars maps normalized service
// UUIDs to normalized characteristic UUIDs.
func NewFakeConnection(address string, chars map[string]map[string]device.Characteristic, disconnectErr error) *FakeConnection {
	c := &FakeConnection{
		address:       address,
		chars:         chars,
		disconnectErr: disconnectErr,
		done:          make(chan struct{}),
	}
	c.connected.Store(true)
	return c
}

func (c *FakeConnection) Address() string { return c.address }

func (c *FakeConnection) GetCharacteristic(service, uuid string) (device.Characteristic, error) {
	svc := device.NormalizeUUID(service)
	char := device.NormalizeUUID(uuid)
	if ch, ok := c.chars[svc][char]; ok {
		return ch, nil
	}
	return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{svc, char}}
}

func (c *FakeConnection) IsConnected() bool { return c.connected.Load() }

func (c *FakeConnection) Disconnected() <-chan struct{} { return c.done }

// Disconnect counts every call and returns the configured error, if any.
func (c *FakeConnection) Disconnect() error {
	c.disconnects.Add(1)
	c.Drop()
	return c.disconnectErr
}

// Drop simulates the peripheral going away without a Disconnect call.
func (c *FakeConnection) Drop() {
	c.connected.Store(false)
	c.once.Do(func() { close(c.done) })
}

// Disconnects returns how many times Disconnect was called.
func (c *FakeConnection) Disconnects() int {
	return int(c.disconnects.Load())
}
