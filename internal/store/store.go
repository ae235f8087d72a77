// Package store keeps the last known state of each meter across restarts.
// Only the latest value per device is retained.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/atick/internal/atick"
	"gopkg.in/yaml.v3"
)

const fileVersion = 1

// Record is the persisted state of one meter.
type Record struct {
	Name            string          `yaml:"name,omitempty"`
	Counters        *atick.Counters `yaml:"counters,omitempty"`
	Ratios          *atick.Counters `yaml:"ratios,omitempty"`
	Model           string          `yaml:"model,omitempty"`
	Manufacturer    string          `yaml:"manufacturer,omitempty"`
	FirmwareVersion string          `yaml:"firmware_version,omitempty"`
	UpdatedAt       time.Time       `yaml:"updated_at"`
}

type document struct {
	Version int               `yaml:"version"`
	Devices map[string]Record `yaml:"devices"`
}

// Store is a YAML file of Records keyed by device address. An empty path
// keeps records in memory only.
type Store struct {
	path   string
	logger *logrus.Logger

	mu      sync.Mutex
	records map[string]Record
	dirty   bool
}

// Open loads path. A missing file is an empty store.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Store{
		path:    path,
		logger:  logger,
		records: make(map[string]Record),
	}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.WithField("path", path).Debug("State file not found, starting empty")
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing state file %s: %w", path, err)
	}
	if doc.Version > fileVersion {
		return nil, fmt.Errorf("state file %s has version %d, this build supports %d", path, doc.Version, fileVersion)
	}
	for addr, rec := range doc.Devices {
		s.records[key(addr)] = rec
	}

	logger.WithFields(logrus.Fields{
		"path":    path,
		"devices": len(s.records),
	}).Debug("State file loaded")
	return s, nil
}

// Get returns the record for address.
func (s *Store) Get(address string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key(address)]
	return rec, ok
}

// Len returns the number of stored devices.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Seed converts the stored record into driver warm-start state.
func (s *Store) Seed(address string) atick.Seed {
	rec, ok := s.Get(address)
	if !ok {
		return atick.Seed{}
	}

	var seed atick.Seed
	if rec.Counters != nil {
		seed.Counters = atick.Some(*rec.Counters)
	}
	if rec.Ratios != nil {
		seed.Ratios = atick.Some(*rec.Ratios)
	}
	seed.Info.Model = optionalString(rec.Model)
	seed.Info.Manufacturer = optionalString(rec.Manufacturer)
	seed.Info.FirmwareVersion = optionalString(rec.FirmwareVersion)
	return seed
}

// Put replaces the record of the snapshot's device. Unknown fields keep
// their stored value.
func (s *Store) Put(snap atick.Snapshot, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(snap.Identity.Address)
	rec := s.records[k]
	if snap.Identity.Name != "" {
		rec.Name = snap.Identity.Name
	}
	if c, ok := snap.Counters.Get(); ok {
		rec.Counters = &c
	}
	ratios := snap.Ratios
	rec.Ratios = &ratios
	if v, ok := snap.Info.Model.Get(); ok {
		rec.Model = v
	}
	if v, ok := snap.Info.Manufacturer.Get(); ok {
		rec.Manufacturer = v
	}
	if v, ok := snap.Info.FirmwareVersion.Get(); ok {
		rec.FirmwareVersion = v
	}
	rec.UpdatedAt = now.UTC()

	s.records[k] = rec
	s.dirty = true
}

// Flush writes the store if it changed since the last flush. The file is
// replaced atomically.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" || !s.dirty {
		return nil
	}

	doc := document{Version: fileVersion, Devices: s.records}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	// Write to temp file first, then rename (atomic)
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("moving state file: %w", err)
	}

	s.dirty = false
	s.logger.WithFields(logrus.Fields{
		"path":    s.path,
		"devices": len(s.records),
	}).Debug("State file written")
	return nil
}

func key(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

func optionalString(v string) atick.Optional[string] {
	if v == "" {
		return atick.None[string]()
	}
	return atick.Some(v)
}
