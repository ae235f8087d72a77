package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/srg/atick/internal/atick"
	"github.com/srg/atick/internal/device"
	"github.com/srg/atick/internal/store"
	"github.com/srg/atick/internal/testutils"
	"github.com/srg/atick/internal/testutils/mocks"
	"github.com/srg/atick/pkg/config"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

const (
	meterAddr = "AA:BB:CC:DD:EE:FF"
	meterPIN  = "123456"
)

type CoordinatorSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	regs   atick.Registers

	mu  sync.Mutex
	now time.Time
}

func (s *CoordinatorSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.regs = atick.DefaultRegisters()
	s.now = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
}

func (s *CoordinatorSuite) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *CoordinatorSuite) advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
}

func (s *CoordinatorSuite) meter() *testutils.PeripheralBuilder {
	return testutils.NewPeripheralBuilder(meterAddr).
		WithService(s.regs.Service).
		WithCharacteristic(s.regs.ModelName, []byte("aTick W1")).
		WithCharacteristic(s.regs.Manufacturer, []byte("Arkhipenko")).
		WithCharacteristic(s.regs.FirmwareVersion, []byte("1.4.2")).
		WithCharacteristic(s.regs.CountersValue, testutils.Float32Pair(20.5, 3.25))
}

func (s *CoordinatorSuite) driver(builder *testutils.PeripheralBuilder) *atick.Driver {
	return atick.NewDriver(builder.Build(), atick.Options{
		Address:        meterAddr,
		PIN:            meterPIN,
		ConnectTimeout: time.Second,
		Clock:          s.clock,
		Logger:         s.helper.Logger,
	})
}

func (s *CoordinatorSuite) advert(a, b float32, connectable bool) device.Advertisement {
	raw, err := atick.EncodePayload(a, b, 0x01, meterPIN, meterAddr)
	s.Require().NoError(err)
	return testutils.NewAdvertisementBuilder().
		WithAddress(meterAddr).
		WithName("aTick 1234").
		WithRSSI(-60).
		WithConnectable(connectable).
		WithManufacturerData(0x0059, raw).
		Build()
}

func (s *CoordinatorSuite) coordinator(opts Options) *Coordinator {
	opts.Clock = s.clock
	opts.Logger = s.helper.Logger
	return New(&mocks.MockScanner{}, opts)
}

func (s *CoordinatorSuite) drain(c *Coordinator) []Event {
	var out []Event
	for {
		select {
		case ev := <-c.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (s *CoordinatorSuite) types(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func (s *CoordinatorSuite) TestPassiveUpdateAndAvailability() {
	// GOAL: Advertisements drive availability and passive counter updates
	//
	// TEST SCENARIO: First advert → available + update → repeat → nothing → silence → unavailable → zero advert → forced resync

	c := s.coordinator(Options{UnavailableAfter: time.Minute})
	d := s.driver(s.meter())
	s.Require().True(c.Add(d))
	s.False(c.Add(d), "duplicate registration MUST be refused")
	s.False(c.Available(meterAddr), "device MUST start unavailable")

	c.HandleAdvertisement(s.advert(10, 20, true))
	s.True(c.Available(meterAddr))
	s.Equal(atick.Some(atick.Counters{A: 10, B: 20}), d.Counters())
	s.Equal([]EventType{EventAvailable, EventPassiveUpdate}, s.types(s.drain(c)))

	c.HandleAdvertisement(s.advert(10, 20, true))
	s.Empty(s.drain(c), "repeat MUST NOT publish")

	s.advance(2 * time.Minute)
	c.CheckAvailability()
	s.False(c.Available(meterAddr))
	s.Equal([]EventType{EventUnavailable}, s.types(s.drain(c)))

	c.HandleAdvertisement(s.advert(0, 0, true))
	s.Equal(atick.Some(atick.Counters{}), d.Counters(), "return from unavailable MUST force a resync")
	s.Equal([]EventType{EventAvailable, EventPassiveUpdate}, s.types(s.drain(c)))
}

func (s *CoordinatorSuite) TestUnknownDeviceIgnored() {
	c := s.coordinator(Options{})
	c.HandleAdvertisement(testutils.NewAdvertisementBuilder().WithAddress("11:22:33:44:55:66").Build())
	s.Empty(s.drain(c))
	s.Zero(c.Len())
}

func (s *CoordinatorSuite) TestPollDue() {
	// GOAL: Active polls run only when enabled, connectable and requested by the policy
	//
	// TEST SCENARIO: Seen recently → no poll → passive data ages out → poll → counters from GATT → link released

	builder := s.meter()
	c := s.coordinator(Options{ActivePoll: true})
	d := s.driver(builder)
	c.Add(d)

	s.Zero(c.PollDue(context.Background()), "unavailable device MUST NOT be polled")

	c.HandleAdvertisement(s.advert(1, 2, true))
	s.drain(c)
	s.Zero(c.PollDue(context.Background()), "fresh passive data MUST suppress the poll")

	s.advance(atick.ActivePollInterval + time.Second)
	s.Equal(1, c.PollDue(context.Background()))
	c.Wait()

	s.Equal(atick.Some(atick.Counters{A: 20.5, B: 3.25}), d.Counters())
	s.Equal([]EventType{EventActiveUpdate}, s.types(s.drain(c)))
	s.Zero(builder.OpenConnections(), "poll MUST release its connection")

	s.Zero(c.PollDue(context.Background()), "just polled MUST NOT poll again")
}

func (s *CoordinatorSuite) TestTickPollsWithDefaultConfig() {
	// GOAL: With the shipped defaults a meter repeating unchanged counters is still polled
	//
	// TEST SCENARIO: Default config + active polling → advert every 10s, tick every 30s for 20 minutes →
	// device stays available → at least two active updates, spaced by at least the poll interval

	cfg := config.DefaultConfig()
	builder := s.meter()
	c := s.coordinator(Options{
		CheckInterval:    cfg.Poll.CheckInterval,
		UnavailableAfter: cfg.UnavailableAfter,
		ActivePoll:       true,
	})
	opts := cfg.DriverOptions(config.DeviceConfig{Address: meterAddr, PIN: meterPIN}, s.helper.Logger)
	opts.Clock = s.clock
	d := atick.NewDriver(builder.Build(), opts)
	c.Add(d)

	ctx := context.Background()
	advert := s.advert(1, 2, true)
	var polls []time.Time
	for elapsed := time.Duration(0); elapsed < 20*time.Minute; elapsed += 10 * time.Second {
		c.HandleAdvertisement(advert)
		if elapsed%cfg.Poll.CheckInterval == 0 {
			c.tick(ctx)
			c.Wait()
		}
		for _, ev := range s.drain(c) {
			s.NotEqual(EventUnavailable, ev.Type, "advertising device MUST stay available")
			if ev.Type == EventActiveUpdate {
				polls = append(polls, ev.At)
			}
		}
		s.advance(10 * time.Second)
	}

	s.GreaterOrEqual(len(polls), 2, "default config MUST let active polls run")
	for i := 1; i < len(polls); i++ {
		s.GreaterOrEqual(polls[i].Sub(polls[i-1]), cfg.Poll.Interval, "polls MUST be spaced by the poll interval")
	}
	s.Zero(builder.OpenConnections(), "polls MUST release their connection")
}

func (s *CoordinatorSuite) TestRepeatedAdvertDoesNotRefreshPassiveAge() {
	// GOAL: Only accepted readings count as fresh passive data
	//
	// TEST SCENARIO: Accepted advert → unchanged adverts for a poll interval → poll starts anyway

	c := s.coordinator(Options{ActivePoll: true})
	c.Add(s.driver(s.meter()))

	c.HandleAdvertisement(s.advert(1, 2, true))
	for i := 0; i < 31; i++ {
		s.advance(10 * time.Second)
		c.HandleAdvertisement(s.advert(1, 2, true))
	}
	s.Equal(1, c.PollDue(context.Background()), "unchanged adverts MUST NOT suppress the poll")
	c.Wait()
}

func (s *CoordinatorSuite) TestPollSkipsNonConnectable() {
	c := s.coordinator(Options{ActivePoll: true})
	c.Add(s.driver(s.meter()))

	c.HandleAdvertisement(s.advert(1, 2, false))
	s.advance(atick.ActivePollInterval + time.Second)
	s.Zero(c.PollDue(context.Background()))
}

func (s *CoordinatorSuite) TestPollDisabled() {
	c := s.coordinator(Options{})
	c.Add(s.driver(s.meter()))

	c.HandleAdvertisement(s.advert(1, 2, true))
	s.advance(atick.ActivePollInterval + time.Second)
	s.Zero(c.PollDue(context.Background()))
}

func (s *CoordinatorSuite) TestPollFailurePublishes() {
	builder := s.meter().WithDialError(errors.New("connection refused"))
	c := s.coordinator(Options{ActivePoll: true})
	d := s.driver(builder)
	c.Add(d)

	c.HandleAdvertisement(s.advert(1, 2, true))
	s.drain(c)
	s.advance(atick.ActivePollInterval + time.Second)
	s.Equal(1, c.PollDue(context.Background()))
	c.Wait()

	events := s.drain(c)
	s.Require().Len(events, 1)
	s.Equal(EventActiveFailed, events[0].Type)
	s.ErrorIs(events[0].Err, atick.ErrConnectFailed)
	s.Equal(atick.Some(atick.Counters{A: 1, B: 2}), d.Counters(), "failed poll MUST keep the passive value")
}

func (s *CoordinatorSuite) TestRunPersistsAndShutsDown() {
	// GOAL: Run feeds scanner adverts through, persists state and closes the stream
	//
	// TEST SCENARIO: Scanner delivers one advert → cancel → store holds counters → events channel closed

	path := filepath.Join(s.T().TempDir(), "state.yaml")
	st, err := store.Open(path, s.helper.Logger)
	s.Require().NoError(err)

	scanner := &mocks.MockScanner{Adverts: []device.Advertisement{s.advert(4.5, 5.5, true)}}
	scanner.On("Scan", mock.Anything, true).Return(nil)

	c := New(scanner, Options{
		CheckInterval: 10 * time.Millisecond,
		Store:         st,
		Clock:         s.clock,
		Logger:        s.helper.Logger,
	})
	c.Add(s.driver(s.meter()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	var got []EventType
	s.Eventually(func() bool {
		select {
		case ev := <-c.Events():
			got = append(got, ev.Type)
		default:
		}
		return len(got) == 2
	}, time.Second, time.Millisecond)
	s.Equal([]EventType{EventAvailable, EventPassiveUpdate}, got)

	cancel()
	s.Require().NoError(<-done)

	_, open := <-c.Events()
	s.False(open, "event stream MUST be closed after Run")

	reopened, err := store.Open(path, s.helper.Logger)
	s.Require().NoError(err)
	s.Equal(atick.Some(atick.Counters{A: 4.5, B: 5.5}), reopened.Seed(meterAddr).Counters)
	scanner.AssertExpectations(s.T())
}

func (s *CoordinatorSuite) TestRunReturnsScanError() {
	scanner := &mocks.MockScanner{}
	scanner.On("Scan", mock.Anything, false).Return(device.ErrBluetoothOff)

	c := New(scanner, Options{FilterDuplicates: true, Logger: s.helper.Logger})
	err := c.Run(context.Background())
	s.ErrorIs(err, device.ErrBluetoothOff)
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}
