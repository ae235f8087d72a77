package mocks

import (
	"context"
	"time"

	"github.com/srg/atick/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockTransport is a testify mock of device.Transport.
//
// Delay, when set, holds every Dial until it elapses or ctx is done; an
// expired ctx makes Dial return ctx.Err() regardless of the expectation.
type MockTransport struct {
	mock.Mock
	Delay time.Duration
}

// Dial records the call, then returns the configured connection. The first
// return value may also be a func() device.Connection to hand out a fresh
// connection per call.
func (m *MockTransport) Dial(ctx context.Context, address string) (device.Connection, error) {
	args := m.Called(ctx, address)

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := args.Error(1); err != nil {
		return nil, err
	}
	switch v := args.Get(0).(type) {
	case func() device.Connection:
		return v(), nil
	case device.Connection:
		return v, nil
	default:
		return nil, nil
	}
}

// MockCharacteristic is a testify mock of device.Characteristic. UUID and
// KnownName are plain fields.
type MockCharacteristic struct {
	mock.Mock
	UUIDValue string
	Name      string
}

func (m *MockCharacteristic) UUID() string      { return m.UUIDValue }
func (m *MockCharacteristic) KnownName() string { return m.Name }

func (m *MockCharacteristic) Read(timeout time.Duration) ([]byte, error) {
	args := m.Called(timeout)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockCharacteristic) Write(data []byte, withResponse bool, timeout time.Duration) error {
	args := m.Called(data, withResponse, timeout)
	return args.Error(0)
}

// MockScanner is a testify mock of device.ScanningDevice. Adverts are
// delivered to the handler before the expectation's return value.
type MockScanner struct {
	mock.Mock
	Adverts []device.Advertisement
}

func (m *MockScanner) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	args := m.Called(ctx, allowDup)
	for _, adv := range m.Adverts {
		if ctx.Err() != nil {
			break
		}
		handler(adv)
	}
	return args.Error(0)
}
