package goble

import (
	"encoding/binary"

	"github.com/go-ble/ble"
	"github.com/srg/atick/internal/device"
)

// companyIDLen is the size of the little-endian company identifier that
// prefixes go-ble's raw manufacturer data.
const companyIDLen = 2

// BLEAdvertisement wraps ble.Advertisement to implement device.Advertisement interface
type BLEAdvertisement struct {
	adv ble.Advertisement
}

// NewBLEAdvertisement creates a new BLEAdvertisement wrapper
func NewBLEAdvertisement(adv ble.Advertisement) device.Advertisement {
	return &BLEAdvertisement{adv: adv}
}

func (a *BLEAdvertisement) LocalName() string { return a.adv.LocalName() }
func (a *BLEAdvertisement) Connectable() bool { return a.adv.Connectable() }
func (a *BLEAdvertisement) RSSI() int         { return a.adv.RSSI() }
func (a *BLEAdvertisement) Addr() string      { return a.adv.Addr().String() }

// ManufacturerData returns the vendor payload that follows the company identifier.
func (a *BLEAdvertisement) ManufacturerData() []byte {
	raw := a.adv.ManufacturerData()
	if len(raw) <= companyIDLen {
		return nil
	}
	return raw[companyIDLen:]
}

func (a *BLEAdvertisement) CompanyID() uint16 {
	raw := a.adv.ManufacturerData()
	if len(raw) < companyIDLen {
		return 0
	}
	return binary.LittleEndian.Uint16(raw[:companyIDLen])
}

func (a *BLEAdvertisement) Services() []string {
	bleServices := a.adv.Services()
	result := make([]string, len(bleServices))
	for i, svc := range bleServices {
		result[i] = device.NormalizeUUID(svc.String())
	}
	return result
}

// Unwrap returns the underlying ble.Advertisement for internal use within go-ble package
func (a *BLEAdvertisement) Unwrap() ble.Advertisement {
	return a.adv
}
