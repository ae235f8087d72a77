package testutils

import (
	"encoding/binary"

	"github.com/go-ble/ble"
	"github.com/srg/atick/internal/device"
	"github.com/srg/atick/internal/testutils/mocks"
)

// Advertisement is a plain device.Advertisement value.
type Advertisement struct {
	Name          string
	Address       string
	RSSIValue     int
	Company       uint16
	Manufacturer  []byte
	ServiceList   []string
	IsConnectable bool
}

func (a *Advertisement) LocalName() string        { return a.Name }
func (a *Advertisement) ManufacturerData() []byte { return a.Manufacturer }
func (a *Advertisement) CompanyID() uint16        { return a.Company }
func (a *Advertisement) Services() []string       { return a.ServiceList }
func (a *Advertisement) Connectable() bool        { return a.IsConnectable }
func (a *Advertisement) RSSI() int                { return a.RSSIValue }
func (a *Advertisement) Addr() string             { return a.Address }

// AdvertisementBuilder builds advertisements for scanner and coordinator tests.
// It starts connectable with no manufacturer data.
type AdvertisementBuilder struct {
	adv Advertisement
}

// NewAdvertisementBuilder creates a builder with connectable=true.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: Advertisement{IsConnectable: true}}
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.RSSIValue = rssi
	return b
}

func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.ServiceList = append(b.adv.ServiceList, device.NormalizeUUIDs(uuids)...)
	return b
}

// WithManufacturerData sets the vendor payload, company identifier excluded.
func (b *AdvertisementBuilder) WithManufacturerData(company uint16, data []byte) *AdvertisementBuilder {
	b.adv.Company = company
	b.adv.Manufacturer = data
	return b
}

func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.IsConnectable = c
	return b
}

// Build returns a copy of the configured advertisement.
func (b *AdvertisementBuilder) Build() *Advertisement {
	adv := b.adv
	adv.Manufacturer = append([]byte(nil), b.adv.Manufacturer...)
	adv.ServiceList = append([]string(nil), b.adv.ServiceList...)
	return &adv
}

// BuildBLE returns a go-ble advertisement mock. Manufacturer data is framed
// the way go-ble reports it: company identifier first, little-endian.
func (b *AdvertisementBuilder) BuildBLE() *mocks.MockAdvertisement {
	adv := &mocks.MockAdvertisement{}

	addr := &mocks.MockAddr{}
	addr.On("String").Return(b.adv.Address).Maybe()

	var services []ble.UUID
	for _, s := range b.adv.ServiceList {
		services = append(services, ble.MustParse(s))
	}

	var manuf []byte
	if b.adv.Manufacturer != nil {
		manuf = make([]byte, 2, 2+len(b.adv.Manufacturer))
		binary.LittleEndian.PutUint16(manuf, b.adv.Company)
		manuf = append(manuf, b.adv.Manufacturer...)
	}

	adv.On("Addr").Return(addr).Maybe()
	adv.On("LocalName").Return(b.adv.Name).Maybe()
	adv.On("RSSI").Return(b.adv.RSSIValue).Maybe()
	adv.On("Connectable").Return(b.adv.IsConnectable).Maybe()
	adv.On("ManufacturerData").Return(manuf).Maybe()
	adv.On("Services").Return(services).Maybe()
	return adv
}
