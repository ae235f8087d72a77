package testutils

import (
	"sync"
	"time"

	"github.com/srg/atick/internal/device"
	"github.com/srg/atick/internal/testutils/mocks"
	"github.com/stretchr/testify/mock"
)

type charConfig struct {
	uuid     string
	value    []byte
	readErr  error
	writeErr error
}

type serviceConfig struct {
	uuid  string
	chars []*charConfig
}

// PeripheralBuilder builds a mocked transport serving one peripheral.
//
//	transport := testutils.NewPeripheralBuilder("AA:BB:CC:DD:EE:FF").
//	    WithService("fff0").
//	    WithCharacteristic("fff1", testutils.Float32Pair(12.34, 0.56)).
//	    Build()
type PeripheralBuilder struct {
	address       string
	services      []*serviceConfig
	delay         time.Duration
	dialErr       error
	disconnectErr error

	mu    sync.Mutex
	conns []*FakeConnection
	chars map[string]*mocks.MockCharacteristic
}

// NewPeripheralBuilder starts a builder for the peripheral at address.
func NewPeripheralBuilder(address string) *PeripheralBuilder {
	return &PeripheralBuilder{
		address: address,
		chars:   make(map[string]*mocks.MockCharacteristic),
	}
}

// WithService adds a service; following characteristics belong to it.
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.services = append(b.services, &serviceConfig{uuid: device.NormalizeUUID(uuid)})
	return b
}

// WithCharacteristic adds a readable and writable characteristic to the last service.
func (b *PeripheralBuilder) WithCharacteristic(uuid string, value []byte) *PeripheralBuilder {
	if len(b.services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	svc := b.services[len(b.services)-1]
	svc.chars = append(svc.chars, &charConfig{uuid: device.NormalizeUUID(uuid), value: value})
	return b
}

// WithReadError makes reads of the last added characteristic fail.
func (b *PeripheralBuilder) WithReadError(err error) *PeripheralBuilder {
	b.lastChar().readErr = err
	return b
}

// WithWriteError makes writes of the last added characteristic fail.
func (b *PeripheralBuilder) WithWriteError(err error) *PeripheralBuilder {
	b.lastChar().writeErr = err
	return b
}

// WithConnectDelay holds every Dial for d, or until its context expires.
func (b *PeripheralBuilder) WithConnectDelay(d time.Duration) *PeripheralBuilder {
	b.delay = d
	return b
}

// WithDialError makes every Dial fail with err.
func (b *PeripheralBuilder) WithDialError(err error) *PeripheralBuilder {
	b.dialErr = err
	return b
}

// WithDisconnectError makes Disconnect on every connection return err.
func (b *PeripheralBuilder) WithDisconnectError(err error) *PeripheralBuilder {
	b.disconnectErr = err
	return b
}

// Build creates the transport. Each successful Dial hands out a new
// FakeConnection sharing the same characteristic mocks.
func (b *PeripheralBuilder) Build() *mocks.MockTransport {
	table := make(map[string]map[string]device.Characteristic)
	for _, svc := range b.services {
		if table[svc.uuid] == nil {
			table[svc.uuid] = make(map[string]device.Characteristic)
		}
		for _, cc := range svc.chars {
			mc := &mocks.MockCharacteristic{UUIDValue: cc.uuid}
			mc.On("Read", mock.Anything).Return(cc.value, cc.readErr)
			mc.On("Write", mock.Anything, mock.Anything, mock.Anything).Return(cc.writeErr)
			table[svc.uuid][cc.uuid] = mc
			b.chars[cc.uuid] = mc
		}
	}

	transport := &mocks.MockTransport{Delay: b.delay}
	if b.dialErr != nil {
		transport.On("Dial", mock.Anything, b.address).Return(nil, b.dialErr)
		return transport
	}

	transport.On("Dial", mock.Anything, b.address).Return(func() device.Connection {
		conn := NewFakeConnection(b.address, table, b.disconnectErr)
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()
		return conn
	}, nil)
	return transport
}

// Connections returns every connection handed out so far.
func (b *PeripheralBuilder) Connections() []*FakeConnection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*FakeConnection(nil), b.conns...)
}

// Characteristic returns the mock behind uuid, for call assertions.
func (b *PeripheralBuilder) Characteristic(uuid string) *mocks.MockCharacteristic {
	return b.chars[device.NormalizeUUID(uuid)]
}

// OpenConnections counts handed out connections that are still up.
func (b *PeripheralBuilder) OpenConnections() int {
	n := 0
	for _, c := range b.Connections() {
		if c.IsConnected() {
			n++
		}
	}
	return n
}

func (b *PeripheralBuilder) lastChar() *charConfig {
	if len(b.services) == 0 || len(b.services[len(b.services)-1].chars) == 0 {
		panic("no characteristic added yet, call WithCharacteristic first")
	}
	svc := b.services[len(b.services)-1]
	return svc.chars[len(svc.chars)-1]
}
