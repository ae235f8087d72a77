package atick

import (
	"sync"
	"time"
)

// Identity is fixed at construction.
type Identity struct {
	Address string
	Name    string
}

// Info is the metadata read over GATT. Fields stay unknown until the first
// successful read.
type Info struct {
	Model           Optional[string]
	Manufacturer    Optional[string]
	FirmwareVersion Optional[string]
}

// Seed carries state persisted by a previous process lifetime.
type Seed struct {
	Counters Optional[Counters]
	Ratios   Optional[Counters]
	Info     Info
}

// Snapshot is a consistent copy of the device state.
type Snapshot struct {
	Identity          Identity
	Info              Info
	Counters          Optional[Counters]
	Ratios            Counters
	LastActiveUpdate  Optional[time.Time]
	LastAdvertisement Optional[time.Time]
}

// state is the mutable cache behind a Driver. Readers may be concurrent;
// writers are the update paths of the Driver only.
type state struct {
	mu sync.RWMutex

	identity          Identity
	info              Info
	counters          Optional[Counters]
	ratios            Counters
	lastActiveUpdate  Optional[time.Time]
	lastAdvertisement Optional[time.Time]
}

func newState(id Identity, seed Seed) *state {
	return &state{
		identity: id,
		info:     seed.Info,
		counters: seed.Counters,
		ratios:   seed.Ratios.OrElse(Counters{A: DefaultRatio, B: DefaultRatio}),
	}
}

func (s *state) snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Identity:          s.identity,
		Info:              s.info,
		Counters:          s.counters,
		Ratios:            s.ratios,
		LastActiveUpdate:  s.lastActiveUpdate,
		LastAdvertisement: s.lastAdvertisement,
	}
}

func (s *state) update(fn func(*state)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}
