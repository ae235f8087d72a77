package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/atick/internal/atick"
	"github.com/srg/atick/internal/device"
	"github.com/srg/atick/internal/ringchan"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

type DeviceEvent struct {
	Type      DeviceEventType
	Discovery Discovery
}

// Discovery is what the scan learned about one address.
type Discovery struct {
	Address          string
	Name             string
	RSSI             int
	Connectable      bool
	CompanyID        uint16
	ManufacturerData []byte
	Services         []string
	FirstSeen        time.Time
	LastSeen         time.Time
	Adverts          int
}

// IsMeter reports whether the advertised name marks an aTick meter.
func (d Discovery) IsMeter() bool {
	return strings.HasPrefix(d.Name, atick.DeviceNamePrefix)
}

// Scanner handles BLE device discovery
type Scanner struct {
	dev     device.ScanningDevice
	devices *hashmap.Map[string, *Discovery]
	events  *ringchan.RingChannel[DeviceEvent]
	logger  *logrus.Logger
	now     func() time.Time

	scanOptions *ScanOptions
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool
	// MetersOnly keeps devices whose local name starts with the aTick prefix.
	MetersOnly   bool
	ServiceUUIDs []string
	AllowList    []string
	BlockList    []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
		MetersOnly:      true,
	}
}

// NewScanner creates a new BLE scanner
func NewScanner(dev device.ScanningDevice, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		dev:    dev,
		events: ringchan.New[DeviceEvent](100),
		logger: logger,
		now:    time.Now,
	}
}

// Scan performs BLE discovery with provided options. The result is sorted by
// descending signal strength.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) ([]Discovery, error) {
	s.devices = hashmap.New[string, *Discovery]()

	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")
	progressCallback("Scanning")

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.scanOptions = opts
	defer func() {
		s.scanOptions = nil
	}()
	err := s.dev.Scan(ctx, !opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")
	progressCallback("Processing results")

	return s.makeDeviceList(), nil
}

// handleAdvertisement updates existing or adds a new device
func (s *Scanner) handleAdvertisement(adv device.Advertisement) {
	address := adv.Addr()
	now := s.now()

	d, existing := s.devices.Get(address)
	if !existing {
		if !s.shouldIncludeDevice(adv, s.scanOptions) {
			return
		}
		d, existing = s.devices.GetOrInsert(address, &Discovery{Address: address, FirstSeen: now})
	}

	// a scan delivers advertisements from one goroutine
	d.RSSI = adv.RSSI()
	d.Connectable = adv.Connectable()
	d.LastSeen = now
	d.Adverts++
	if name := adv.LocalName(); name != "" {
		d.Name = name
	}
	if data := adv.ManufacturerData(); data != nil {
		d.CompanyID = adv.CompanyID()
		d.ManufacturerData = append([]byte(nil), data...)
	}
	if svcs := adv.Services(); len(svcs) > 0 {
		d.Services = svcs
	}

	event := DeviceEvent{Discovery: *d, Type: EventUpdated}
	if !existing {
		s.logger.WithFields(logrus.Fields{
			"device":  d.Name,
			"address": d.Address,
			"rssi":    d.RSSI,
		}).Info("Discovered new device")
		event.Type = EventNew
	}

	s.events.Send(event)
}

// shouldIncludeDevice applies to allow/block/service/name filters
func (s *Scanner) shouldIncludeDevice(adv device.Advertisement, opts *ScanOptions) bool {
	addr := adv.Addr()

	for _, blocked := range opts.BlockList {
		if strings.EqualFold(addr, blocked) {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if strings.EqualFold(addr, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if opts.MetersOnly && !strings.HasPrefix(adv.LocalName(), atick.DeviceNamePrefix) {
		return false
	}

	if len(opts.ServiceUUIDs) > 0 {
		advertised := make(map[string]struct{}, len(adv.Services()))
		for _, u := range adv.Services() {
			advertised[device.NormalizeUUID(u)] = struct{}{}
		}
		for _, required := range opts.ServiceUUIDs {
			if _, ok := advertised[device.NormalizeUUID(required)]; ok {
				return true
			}
		}
		return false
	}

	return true
}

// makeDeviceList returns a snapshot of discovered devices
func (s *Scanner) makeDeviceList() []Discovery {
	devs := make([]Discovery, 0, s.devices.Len())

	s.devices.Range(func(key string, value *Discovery) bool {
		devs = append(devs, *value)
		return true
	})

	sort.Slice(devs, func(i, j int) bool {
		if devs[i].RSSI != devs[j].RSSI {
			return devs[i].RSSI > devs[j].RSSI
		}
		return devs[i].Address < devs[j].Address
	})
	return devs
}

// Events return a read-only channel of device events
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}
