// Package coordinator schedules meter drivers: it routes advertisements to
// the passive path, tracks availability and runs active polls when the
// drivers ask for them.
package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/atick/internal/atick"
	"github.com/srg/atick/internal/device"
	"github.com/srg/atick/internal/groutine"
	"github.com/srg/atick/internal/ringchan"
	"github.com/srg/atick/internal/store"
	"golang.org/x/sync/errgroup"
)

// EventType marks what changed for a device.
type EventType int

const (
	EventPassiveUpdate EventType = iota
	EventActiveUpdate
	EventActiveFailed
	EventAvailable
	EventUnavailable
)

func (t EventType) String() string {
	switch t {
	case EventPassiveUpdate:
		return "passive_update"
	case EventActiveUpdate:
		return "active_update"
	case EventActiveFailed:
		return "active_failed"
	case EventAvailable:
		return "available"
	case EventUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Event is published for every state change of a device.
type Event struct {
	Type     EventType
	Address  string
	Snapshot atick.Snapshot
	RSSI     int
	Err      error
	At       time.Time
}

// Options configures a Coordinator. Zero values select the defaults.
type Options struct {
	CheckInterval    time.Duration
	UnavailableAfter time.Duration
	// ActivePoll enables connected updates.
	ActivePoll bool
	// FilterDuplicates is passed to the scanner.
	FilterDuplicates bool
	EventBuffer      int
	Store            *store.Store
	Clock            func() time.Time
	Logger           *logrus.Logger
}

type entry struct {
	driver *atick.Driver

	mu          sync.Mutex
	available   bool
	lastSeen    atick.Optional[time.Time]
	lastPassive atick.Optional[time.Time] // last accepted passive reading
	rssi        int
	connectable bool
	polling     bool
}

// Coordinator drives a fixed set of meters from one scanner.
type Coordinator struct {
	scanner device.ScanningDevice
	devices *hashmap.Map[string, *entry]
	events  *ringchan.RingChannel[Event]
	opts    Options
	now     func() time.Time
	logger  *logrus.Logger

	polls sync.WaitGroup
}

// New creates a coordinator; drivers are registered with Add.
func New(scanner device.ScanningDevice, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 30 * time.Second
	}
	if opts.UnavailableAfter <= 0 {
		opts.UnavailableAfter = atick.ActivePollInterval
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	return &Coordinator{
		scanner: scanner,
		devices: hashmap.New[string, *entry](),
		events:  ringchan.New[Event](opts.EventBuffer),
		opts:    opts,
		now:     opts.Clock,
		logger:  opts.Logger,
	}
}

// Add registers a driver. A device starts unavailable until its first advertisement.
func (c *Coordinator) Add(d *atick.Driver) bool {
	return c.devices.Insert(key(d.Identity().Address), &entry{driver: d})
}

// Driver returns the driver registered for address.
func (c *Coordinator) Driver(address string) (*atick.Driver, bool) {
	e, ok := c.devices.Get(key(address))
	if !ok {
		return nil, false
	}
	return e.driver, true
}

// Len returns the number of registered drivers.
func (c *Coordinator) Len() int {
	return c.devices.Len()
}

// Events returns the event stream. Slow consumers lose the oldest events.
func (c *Coordinator) Events() <-chan Event {
	return c.events.C()
}

// Available reports whether the device has been heard from recently.
func (c *Coordinator) Available(address string) bool {
	e, ok := c.devices.Get(key(address))
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.available
}

// HandleAdvertisement routes one advertisement to its driver. It never blocks
// on the transport; advertisements of unknown devices are ignored.
func (c *Coordinator) HandleAdvertisement(adv device.Advertisement) {
	e, ok := c.devices.Get(key(adv.Addr()))
	if !ok {
		return
	}
	now := c.now()

	e.mu.Lock()
	wasUnavailable := !e.available
	e.available = true
	e.lastSeen = atick.Some(now)
	e.rssi = adv.RSSI()
	e.connectable = adv.Connectable()
	rssi := e.rssi
	e.mu.Unlock()

	address := e.driver.Identity().Address
	if wasUnavailable {
		c.logger.WithFields(logrus.Fields{
			"address": address,
			"rssi":    rssi,
		}).Info("Device available")
		c.publish(Event{Type: EventAvailable, Address: address, RSSI: rssi, At: now, Snapshot: e.driver.Snapshot()})
	}

	if !e.driver.HandleAdvertisement(adv.ManufacturerData(), wasUnavailable) {
		return
	}
	e.mu.Lock()
	e.lastPassive = atick.Some(now)
	e.mu.Unlock()

	snap := e.driver.Snapshot()
	if c.opts.Store != nil {
		c.opts.Store.Put(snap, now)
	}
	c.publish(Event{Type: EventPassiveUpdate, Address: address, RSSI: rssi, At: now, Snapshot: snap})
}

// CheckAvailability marks devices unavailable that have been silent longer
// than UnavailableAfter.
func (c *Coordinator) CheckAvailability() {
	now := c.now()
	c.devices.Range(func(_ string, e *entry) bool {
		e.mu.Lock()
		seen, ok := e.lastSeen.Get()
		expired := e.available && ok && now.Sub(seen) > c.opts.UnavailableAfter
		if expired {
			e.available = false
		}
		e.mu.Unlock()

		if expired {
			address := e.driver.Identity().Address
			c.logger.WithFields(logrus.Fields{
				"address":   address,
				"last_seen": seen,
			}).Info("Device unavailable")
			c.publish(Event{Type: EventUnavailable, Address: address, At: now, Snapshot: e.driver.Snapshot()})
		}
		return true
	})
}

// PollDue starts an active update for every available, connectable device
// whose driver asks for one. The policy sees the age of the last accepted
// passive reading: a meter repeating unchanged counters keeps advertising
// but its data still ages. At most one poll per device runs at a time.
func (c *Coordinator) PollDue(ctx context.Context) int {
	if !c.opts.ActivePoll {
		return 0
	}

	now := c.now()
	started := 0
	c.devices.Range(func(_ string, e *entry) bool {
		e.mu.Lock()
		eligible := e.available && e.connectable && !e.polling
		since := atick.None[time.Duration]()
		if passive, ok := e.lastPassive.Get(); ok {
			since = atick.Some(now.Sub(passive))
		}
		e.mu.Unlock()

		if !eligible || !e.driver.NeedsActivePoll(since) {
			return true
		}

		e.mu.Lock()
		if e.polling {
			e.mu.Unlock()
			return true
		}
		e.polling = true
		e.mu.Unlock()

		started++
		groutine.GoTracked(ctx, &c.polls, "atick-active-poll", func(ctx context.Context) {
			defer func() {
				e.mu.Lock()
				e.polling = false
				e.mu.Unlock()
			}()
			c.poll(ctx, e)
		})
		return true
	})
	return started
}

// Wait blocks until running polls finish.
func (c *Coordinator) Wait() {
	c.polls.Wait()
}

func (c *Coordinator) poll(ctx context.Context, e *entry) {
	address := e.driver.Identity().Address
	c.logger.WithField("address", address).Debug("Active poll started")

	err := e.driver.ActiveFullUpdate(ctx)
	now := c.now()
	snap := e.driver.Snapshot()

	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Warn("Active poll failed")
		c.publish(Event{Type: EventActiveFailed, Address: address, At: now, Snapshot: snap, Err: err})
		return
	}

	if c.opts.Store != nil {
		c.opts.Store.Put(snap, now)
	}
	c.publish(Event{Type: EventActiveUpdate, Address: address, At: now, Snapshot: snap})
}

// Run scans and schedules until ctx is done. On return every driver is
// stopped, the store is flushed and the event stream is closed.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.events.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := c.scanner.Scan(gctx, !c.opts.FilterDuplicates, c.HandleAdvertisement)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(c.opts.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				c.tick(gctx)
			}
		}
	})

	err := g.Wait()
	c.shutdown()
	return err
}

func (c *Coordinator) tick(ctx context.Context) {
	c.CheckAvailability()
	c.PollDue(ctx)
	c.flush()
}

func (c *Coordinator) shutdown() {
	c.polls.Wait()
	c.devices.Range(func(_ string, e *entry) bool {
		e.driver.Stop()
		return true
	})
	c.flush()
}

func (c *Coordinator) flush() {
	if c.opts.Store == nil {
		return
	}
	if err := c.opts.Store.Flush(); err != nil {
		c.logger.WithField("error", err).Warn("Failed to persist state")
	}
}

func (c *Coordinator) publish(ev Event) {
	if c.events.Send(ev) {
		c.logger.WithField("address", ev.Address).Debug("Event buffer full, oldest event dropped")
	}
}

func key(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}
