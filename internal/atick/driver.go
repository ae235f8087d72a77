package atick

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/srg/atick/internal/device"
)

// Options configures a Driver. Zero values select the defaults.
type Options struct {
	Address string
	Name    string
	PIN     string
	// MAC overrides Address as decode key material. Needed where the
	// platform reports an opaque identifier instead of the hardware address.
	MAC            string
	Registers      Registers
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Policy         Policy
	Seed           Seed
	Clock          func() time.Time
	Logger         *logrus.Logger
}

// Driver owns the connection, the register access and the cached state of
// one meter.
type Driver struct {
	pin       string
	mac       string
	registers Registers
	policy    Policy
	now       func() time.Time
	logger    *logrus.Logger

	conns *ConnectionManager
	regs  *RegisterAccessor
	state *state
}

// NewDriver creates a driver; it does not connect.
func NewDriver(transport device.Transport, opts Options) *Driver {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	policy := opts.Policy
	if policy.Interval <= 0 {
		policy = DefaultPolicy()
	}
	mac := opts.MAC
	if mac == "" {
		mac = opts.Address
	}
	registers := opts.Registers.withDefaults()
	registers.registerNames()

	conns := NewConnectionManager(transport, opts.Address, opts.ConnectTimeout, logger)
	return &Driver{
		pin:       ResolvePIN(opts.PIN),
		mac:       mac,
		registers: registers,
		policy:    policy,
		now:       clock,
		logger:    logger,
		conns:     conns,
		regs:      NewRegisterAccessor(conns, registers.Service, opts.ReadTimeout, logger),
		state:     newState(Identity{Address: opts.Address, Name: opts.Name}, opts.Seed),
	}
}

// Identity returns the immutable identity.
func (d *Driver) Identity() Identity {
	return d.state.identity
}

// Info returns the current metadata.
func (d *Driver) Info() Info {
	return d.state.snapshot().Info
}

// Counters returns the last accepted reading.
func (d *Driver) Counters() Optional[Counters] {
	return d.state.snapshot().Counters
}

// Ratios returns the counter scale pair. Stored for reference, never applied.
func (d *Driver) Ratios() Counters {
	return d.state.snapshot().Ratios
}

// Snapshot returns a consistent copy of the whole state.
func (d *Driver) Snapshot() Snapshot {
	return d.state.snapshot()
}

// ConnState reports the managed connection state.
func (d *Driver) ConnState() ConnState {
	return d.conns.State()
}

// UpdateFirmwareVersion reads and stores the firmware version.
func (d *Driver) UpdateFirmwareVersion(ctx context.Context) error {
	return d.updateText(ctx, d.registers.FirmwareVersion, func(s *state, v string) {
		s.info.FirmwareVersion = Some(v)
	})
}

// UpdateManufacturer reads and stores the manufacturer name.
func (d *Driver) UpdateManufacturer(ctx context.Context) error {
	return d.updateText(ctx, d.registers.Manufacturer, func(s *state, v string) {
		s.info.Manufacturer = Some(v)
	})
}

// UpdateModelName reads and stores the model name.
func (d *Driver) UpdateModelName(ctx context.Context) error {
	return d.updateText(ctx, d.registers.ModelName, func(s *state, v string) {
		s.info.Model = Some(v)
	})
}

// UpdateCountersValue reads the counters register. A connected read is
// trusted and bypasses the change filter.
func (d *Driver) UpdateCountersValue(ctx context.Context) error {
	c, ok, err := d.readPair(ctx, d.registers.CountersValue)
	if err != nil || !ok {
		return err
	}
	d.state.update(func(s *state) {
		s.counters = Some(c)
	})
	d.logger.WithFields(logrus.Fields{
		"address":   d.state.identity.Address,
		"counter_a": c.A,
		"counter_b": c.B,
	}).Debug("Counters read over GATT")
	return nil
}

// UpdateCountersRatio reads the ratio register.
func (d *Driver) UpdateCountersRatio(ctx context.Context) error {
	r, ok, err := d.readPair(ctx, d.registers.CountersRatio)
	if err != nil || !ok {
		return err
	}
	d.state.update(func(s *state) {
		s.ratios = r
	})
	return nil
}

// DeviceInfoUpdate reads model, manufacturer and firmware in that order,
// stopping at the first failure.
func (d *Driver) DeviceInfoUpdate(ctx context.Context) error {
	if err := d.UpdateModelName(ctx); err != nil {
		return err
	}
	if err := d.UpdateManufacturer(ctx); err != nil {
		return err
	}
	return d.UpdateFirmwareVersion(ctx)
}

// ActiveFullUpdate reads metadata and counters over one connection and
// always releases it before returning.
func (d *Driver) ActiveFullUpdate(ctx context.Context) error {
	defer d.conns.Release()

	if err := d.DeviceInfoUpdate(ctx); err != nil {
		return err
	}
	if err := d.UpdateCountersValue(ctx); err != nil {
		return err
	}

	d.state.update(func(s *state) {
		s.lastActiveUpdate = Some(d.now())
	})
	return nil
}

// RatioUpdate reads the ratio register over a scoped connection.
func (d *Driver) RatioUpdate(ctx context.Context) error {
	defer d.conns.Release()
	return d.UpdateCountersRatio(ctx)
}

// WriteRegister writes a hex encoded payload with acknowledgement and
// releases the connection afterwards.
func (d *Driver) WriteRegister(ctx context.Context, char, payload string) error {
	data, err := ParseHexPayload(payload)
	if err != nil {
		return err
	}
	defer d.conns.Release()
	return d.regs.Write(ctx, char, data)
}

// ParseAdvertisement decodes a manufacturer payload without touching state.
// Undecodable payloads yield the zero pair.
func (d *Driver) ParseAdvertisement(raw []byte) Counters {
	c, err := DecodePayload(raw, d.pin, d.mac)
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"address": d.state.identity.Address,
			"error":   err,
		}).Debug("Advertisement not decodable")
		return Counters{}
	}
	return c
}

// HandleAdvertisement decodes raw, runs the change filter and stores an
// accepted reading. It never blocks on the transport and reports whether the
// counters changed.
func (d *Driver) HandleAdvertisement(raw []byte, wasUnavailable bool) bool {
	candidate := d.ParseAdvertisement(raw)
	now := d.now()

	var accepted bool
	d.state.update(func(s *state) {
		s.lastAdvertisement = Some(now)
		if ShouldAccept(candidate, s.counters, wasUnavailable) {
			s.counters = Some(candidate)
			accepted = true
		}
	})

	if accepted {
		d.logger.WithFields(logrus.Fields{
			"address":   d.state.identity.Address,
			"counter_a": candidate.A,
			"counter_b": candidate.B,
			"resync":    wasUnavailable,
		}).Debug("Counters updated from advertisement")
	}
	return accepted
}

// NeedsActivePoll applies the driver policy. A driver that never completed an
// active update treats its last active poll as infinitely old.
func (d *Driver) NeedsActivePoll(sinceLastPassive Optional[time.Duration]) bool {
	sinceActive := time.Duration(math.MaxInt64)
	if t, ok := d.state.snapshot().LastActiveUpdate.Get(); ok {
		sinceActive = d.now().Sub(t)
	}
	return d.policy.NeedsActivePoll(sinceLastPassive, sinceActive)
}

// Stop drops any open connection. Safe to call repeatedly.
func (d *Driver) Stop() {
	d.conns.Release()
}

func (d *Driver) updateText(ctx context.Context, char string, store func(*state, string)) error {
	data, err := d.regs.Read(ctx, char)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		d.logger.WithFields(logrus.Fields{
			"address":   d.state.identity.Address,
			"char_uuid": device.NormalizeUUID(char),
		}).Debug("Empty register value ignored")
		return nil
	}
	if !utf8.Valid(data) {
		return &PayloadError{Characteristic: device.NormalizeUUID(char), Detail: "not valid UTF-8"}
	}

	value := strings.TrimRight(string(data), "\x00")
	d.state.update(func(s *state) {
		store(s, value)
	})
	return nil
}

// readPair reports ok=false for an empty register, which leaves state alone.
func (d *Driver) readPair(ctx context.Context, char string) (Counters, bool, error) {
	data, err := d.regs.Read(ctx, char)
	if err != nil {
		return Counters{}, false, err
	}
	if len(data) == 0 {
		d.logger.WithFields(logrus.Fields{
			"address":   d.state.identity.Address,
			"char_uuid": device.NormalizeUUID(char),
		}).Debug("Empty register value ignored")
		return Counters{}, false, nil
	}
	c, err := DecodePair(device.NormalizeUUID(char), data)
	if err != nil {
		return Counters{}, false, err
	}
	return c, true, nil
}

// DecodePair interprets an 8 byte register value as two little-endian float32
// values rounded to two decimals.
func DecodePair(char string, data []byte) (Counters, error) {
	if len(data) != payloadLen {
		return Counters{}, &PayloadError{
			Characteristic: char,
			Detail:         fmt.Sprintf("got %d bytes, want %d", len(data), payloadLen),
		}
	}
	a := float64(math.Float32frombits(binary.LittleEndian.Uint32(data[0:4])))
	b := float64(math.Float32frombits(binary.LittleEndian.Uint32(data[4:8])))
	if !isFinite(a) || !isFinite(b) {
		return Counters{}, &PayloadError{Characteristic: char, Detail: fmt.Sprintf("non-finite values (%v, %v)", a, b)}
	}
	return Counters{A: round2(a), B: round2(b)}, nil
}

// EncodePair is the inverse of DecodePair.
func EncodePair(a, b float32) []byte {
	out := make([]byte, payloadLen)
	binary.LittleEndian.PutUint32(out[0:4], math.Float32bits(a))
	binary.LittleEndian.PutUint32(out[4:8], math.Float32bits(b))
	return out
}

// ErrEmptyPayload is returned for a write without data.
var ErrEmptyPayload = errors.New("empty payload")

// ParseHexPayload accepts hex with optional 0x prefix and spaces or colons
// between bytes.
func ParseHexPayload(s string) ([]byte, error) {
	clean := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	clean = strings.NewReplacer(" ", "", ":", "", "-", "").Replace(clean)
	if clean == "" {
		return nil, ErrEmptyPayload
	}
	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload %q: %w", s, err)
	}
	return data, nil
}
