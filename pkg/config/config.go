package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/atick/internal/atick"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel         string          `yaml:"log_level" default:"info"`
	StateFile        string          `yaml:"state_file"`
	ConnectTimeout   time.Duration   `yaml:"connect_timeout" default:"15s"`
	ReadTimeout      time.Duration   `yaml:"read_timeout" default:"5s"`
	UnavailableAfter time.Duration   `yaml:"unavailable_after" default:"5m"`
	Scan             ScanConfig      `yaml:"scan"`
	Poll             PollConfig      `yaml:"poll"`
	Registers        atick.Registers `yaml:"registers"`
	Devices          []DeviceConfig  `yaml:"devices"`
}

// ScanConfig controls advertisement scanning.
type ScanConfig struct {
	Duration time.Duration `yaml:"duration" default:"10s"`
	// FilterDuplicates asks the controller to report each address once,
	// which starves the passive update path.
	FilterDuplicates bool `yaml:"filter_duplicates"`
}

// PollConfig controls the active (connected) update path.
type PollConfig struct {
	Interval      time.Duration `yaml:"interval" default:"5m"`
	CheckInterval time.Duration `yaml:"check_interval" default:"30s"`
	// Active enables connected polls. Off by default: the meter must be
	// paired before it serves its registers.
	Active bool `yaml:"active"`
}

// DeviceConfig identifies one meter.
type DeviceConfig struct {
	Address string `yaml:"address"`
	// MAC is the hardware address used as decode key material when Address
	// is a platform specific identifier.
	MAC  string `yaml:"mac"`
	PIN  string `yaml:"pin"`
	Name string `yaml:"name"`
}

// DefaultConfigPath returns ~/.config/atick/config.yaml.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "atick", "config.yaml")
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads, defaults and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, rejecting unknown keys, then applies defaults and
// validates. Empty input yields the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	defaults.SetDefaults(c)
	defaults.SetDefaults(&c.Scan)
	defaults.SetDefaults(&c.Poll)
	c.Registers = withRegisterDefaults(c.Registers)
}

func withRegisterDefaults(r atick.Registers) atick.Registers {
	d := atick.DefaultRegisters()
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&r.Service, d.Service)
	fill(&r.FirmwareVersion, d.FirmwareVersion)
	fill(&r.Manufacturer, d.Manufacturer)
	fill(&r.ModelName, d.ModelName)
	fill(&r.CountersValue, d.CountersValue)
	fill(&r.CountersRatio, d.CountersRatio)
	return r
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.ConnectTimeout < atick.DefaultConnectTimeout || c.ConnectTimeout > atick.MaxConnectTimeout {
		return fmt.Errorf("connect_timeout must be between %v and %v, got %v",
			atick.DefaultConnectTimeout, atick.MaxConnectTimeout, c.ConnectTimeout)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read_timeout must be > 0")
	}
	if c.UnavailableAfter <= 0 {
		return fmt.Errorf("unavailable_after must be > 0")
	}
	if c.Scan.Duration < 0 {
		return fmt.Errorf("scan.duration must not be negative")
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be > 0")
	}
	if c.Poll.CheckInterval <= 0 {
		return fmt.Errorf("poll.check_interval must be > 0")
	}

	seen := make(map[string]struct{}, len(c.Devices))
	for i, d := range c.Devices {
		if strings.TrimSpace(d.Address) == "" {
			return fmt.Errorf("devices[%d].address must not be empty", i)
		}
		key := strings.ToLower(d.Address)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("devices[%d].address %q is listed twice", i, d.Address)
		}
		seen[key] = struct{}{}

		if err := ValidatePIN(d.PIN); err != nil {
			return fmt.Errorf("devices[%d].pin: %w", i, err)
		}
	}
	return nil
}

// ValidatePIN accepts an empty PIN (default applies) or 4, 6 or 8 digits.
func ValidatePIN(pin string) error {
	if pin == "" {
		return nil
	}
	switch len(pin) {
	case 4, 6, 8:
	default:
		return fmt.Errorf("must be 4, 6 or 8 digits, got %d characters", len(pin))
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return fmt.Errorf("must contain digits only")
		}
	}
	return nil
}

// Device returns the entry for address, matched case-insensitively.
func (c *Config) Device(address string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if strings.EqualFold(d.Address, address) {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

// DriverOptions maps a device entry onto driver options.
func (c *Config) DriverOptions(d DeviceConfig, logger *logrus.Logger) atick.Options {
	return atick.Options{
		Address:        d.Address,
		Name:           d.Name,
		PIN:            d.PIN,
		MAC:            d.MAC,
		Registers:      c.Registers,
		ConnectTimeout: c.ConnectTimeout,
		ReadTimeout:    c.ReadTimeout,
		Policy:         atick.Policy{Interval: c.Poll.Interval},
		Logger:         logger,
	}
}

// Level returns the parsed log level, info when unparsable.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
