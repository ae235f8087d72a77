package atick

import (
	"time"

	"github.com/srg/atick/internal/bledb"
)

const (
	// DefaultPIN is used when no PIN was configured for a device.
	DefaultPIN = "123456"

	// ActivePollInterval is both the passive freshness window and the minimum
	// spacing between active polls.
	ActivePollInterval = 300 * time.Second

	// DefaultConnectTimeout bounds a single connect attempt.
	DefaultConnectTimeout = 15 * time.Second

	// MaxConnectTimeout is the upper bound accepted for slow deployments.
	MaxConnectTimeout = 30 * time.Second

	// DefaultReadTimeout bounds a single register read or write.
	DefaultReadTimeout = 5 * time.Second

	// DefaultRatio is the counter scale reported until the ratio register is read.
	DefaultRatio = 0.01

	// DeviceNamePrefix identifies aTick meters by their advertised local name.
	DeviceNamePrefix = "aTick"
)

// Registers holds the GATT UUIDs of the meter. All characteristics are
// resolved inside Service.
type Registers struct {
	Service         string `yaml:"service"`
	FirmwareVersion string `yaml:"firmware_version"`
	Manufacturer    string `yaml:"manufacturer"`
	ModelName       string `yaml:"model_name"`
	CountersValue   string `yaml:"counters_value"`
	CountersRatio   string `yaml:"counters_ratio"`
}

// DefaultRegisters returns the register map shipped with the meter firmware.
func DefaultRegisters() Registers {
	return Registers{
		Service:         "0000fff0-0000-1000-8000-00805f9b34fb",
		FirmwareVersion: "00002a26-0000-1000-8000-00805f9b34fb",
		Manufacturer:    "00002a29-0000-1000-8000-00805f9b34fb",
		ModelName:       "00002a24-0000-1000-8000-00805f9b34fb",
		CountersValue:   "0000fff1-0000-1000-8000-00805f9b34fb",
		CountersRatio:   "0000fff2-0000-1000-8000-00805f9b34fb",
	}
}

// withDefaults fills empty fields from DefaultRegisters.
func (r Registers) withDefaults() Registers {
	d := DefaultRegisters()
	if r.Service == "" {
		r.Service = d.Service
	}
	if r.FirmwareVersion == "" {
		r.FirmwareVersion = d.FirmwareVersion
	}
	if r.Manufacturer == "" {
		r.Manufacturer = d.Manufacturer
	}
	if r.ModelName == "" {
		r.ModelName = d.ModelName
	}
	if r.CountersValue == "" {
		r.CountersValue = d.CountersValue
	}
	if r.CountersRatio == "" {
		r.CountersRatio = d.CountersRatio
	}
	return r
}

// registerNames makes vendor registers readable in logs.
func (r Registers) registerNames() {
	bledb.Register(bledb.Service, r.Service, "aTick Meter")
	bledb.Register(bledb.Characteristic, r.CountersValue, "Counters Value")
	bledb.Register(bledb.Characteristic, r.CountersRatio, "Counters Ratio")
}

// ResolvePIN substitutes DefaultPIN for an empty PIN.
func ResolvePIN(pin string) string {
	if pin == "" {
		return DefaultPIN
	}
	return pin
}
