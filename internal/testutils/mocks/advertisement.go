package mocks

import (
	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// MockAdvertisement is a testify mock of ble.Advertisement.
type MockAdvertisement struct {
	mock.Mock
}

func (m *MockAdvertisement) LocalName() string {
	return m.Called().String(0)
}

func (m *MockAdvertisement) ManufacturerData() []byte {
	data, _ := m.Called().Get(0).([]byte)
	return data
}

func (m *MockAdvertisement) ServiceData() []ble.ServiceData {
	data, _ := m.Called().Get(0).([]ble.ServiceData)
	return data
}

func (m *MockAdvertisement) Services() []ble.UUID {
	uuids, _ := m.Called().Get(0).([]ble.UUID)
	return uuids
}

func (m *MockAdvertisement) OverflowService() []ble.UUID {
	uuids, _ := m.Called().Get(0).([]ble.UUID)
	return uuids
}

func (m *MockAdvertisement) TxPowerLevel() int {
	return m.Called().Int(0)
}

func (m *MockAdvertisement) Connectable() bool {
	return m.Called().Bool(0)
}

func (m *MockAdvertisement) SolicitedService() []ble.UUID {
	uuids, _ := m.Called().Get(0).([]ble.UUID)
	return uuids
}

func (m *MockAdvertisement) RSSI() int {
	return m.Called().Int(0)
}

func (m *MockAdvertisement) Addr() ble.Addr {
	addr, _ := m.Called().Get(0).(ble.Addr)
	return addr
}

// MockAddr is a testify mock of ble.Addr.
type MockAddr struct {
	mock.Mock
}

func (m *MockAddr) String() string {
	return m.Called().String(0)
}
