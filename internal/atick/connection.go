package atick

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/atick/internal/device"
	"golang.org/x/sync/singleflight"
)

// ConnState is the lifecycle state of the managed connection.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ConnectionManager owns the single transport connection to one device.
// Concurrent Acquire calls collapse into one physical connect attempt and all
// of them observe its outcome.
type ConnectionManager struct {
	transport device.Transport
	address   string
	timeout   time.Duration
	logger    *logrus.Logger

	// opMu makes connect/release transitions exclusive with register access.
	opMu  sync.RWMutex
	mu    sync.Mutex
	conn  device.Connection
	state ConnState
	// generation advances on every Release so a connect that raced a
	// Release can detect it and drop its fresh link.
	generation uint64

	group singleflight.Group
	dials atomic.Int64
}

// NewConnectionManager creates a manager; no connection is made until Acquire.
func NewConnectionManager(transport device.Transport, address string, timeout time.Duration, logger *logrus.Logger) *ConnectionManager {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return &ConnectionManager{
		transport: transport,
		address:   address,
		timeout:   timeout,
		logger:    logger,
	}
}

// State returns the current lifecycle state.
func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateConnected && (m.conn == nil || !m.conn.IsConnected()) {
		return StateDisconnected
	}
	return m.state
}

// Dials returns the number of physical connect attempts made so far.
func (m *ConnectionManager) Dials() int64 {
	return m.dials.Load()
}

// Acquire returns the live connection, connecting first if there is none.
func (m *ConnectionManager) Acquire(ctx context.Context) (device.Connection, error) {
	if conn := m.live(); conn != nil {
		m.logger.WithField("address", m.address).Debug("Connection reused")
		return conn, nil
	}

	ch := m.group.DoChan(m.address, func() (interface{}, error) {
		return m.connect(ctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(device.Connection), nil
	case <-ctx.Done():
		return nil, m.translate(ctx.Err())
	}
}

// WithConnection runs fn against the live connection while holding off
// connect and release transitions.
func (m *ConnectionManager) WithConnection(ctx context.Context, fn func(device.Connection) error) error {
	conn, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	return m.runOn(conn, fn)
}

// runOn runs fn only while conn is still the managed connection. A Release
// that won the race yields a ConnectError.
func (m *ConnectionManager) runOn(conn device.Connection, fn func(device.Connection) error) error {
	m.opMu.RLock()
	defer m.opMu.RUnlock()

	if m.live() != conn {
		return &ConnectError{Kind: ConnectFailed, Address: m.address, Reason: "connection released before use"}
	}
	return fn(conn)
}

// Release disconnects and forgets the connection. It is idempotent, tolerates
// an absent connection and never fails: disconnect errors are logged.
func (m *ConnectionManager) Release() {
	m.opMu.Lock()
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.generation++
	m.mu.Unlock()
	m.opMu.Unlock()

	if conn == nil {
		m.logger.WithField("address", m.address).Debug("Release called but already disconnected")
		return
	}

	if err := conn.Disconnect(); err != nil {
		m.logger.WithFields(logrus.Fields{
			"address": m.address,
			"error":   err,
		}).Warn("Disconnect failed, connection dropped anyway")
		return
	}
	m.logger.WithField("address", m.address).Debug("Connection released")
}

// live returns the cached connection if it is still up.
func (m *ConnectionManager) live() device.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil && m.state == StateConnected && m.conn.IsConnected() {
		return m.conn
	}
	return nil
}

func (m *ConnectionManager) connect(ctx context.Context) (device.Connection, error) {
	m.opMu.Lock()
	m.mu.Lock()
	if m.conn != nil && m.conn.IsConnected() {
		conn := m.conn
		m.mu.Unlock()
		m.opMu.Unlock()
		return conn, nil
	}
	stale := m.conn
	m.conn = nil
	m.state = StateConnecting
	gen := m.generation
	m.mu.Unlock()
	m.opMu.Unlock()

	if stale != nil {
		// link dropped underneath us; make sure the transport forgets it
		if err := stale.Disconnect(); err != nil {
			m.logger.WithField("error", err).Debug("Stale connection cleanup failed")
		}
	}

	m.logger.WithFields(logrus.Fields{
		"address": m.address,
		"timeout": m.timeout,
	}).Debug("Connecting")

	dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	m.dials.Add(1)
	conn, err := m.transport.Dial(dialCtx, m.address)
	if err == nil && dialCtx.Err() != nil {
		// transport ignored the deadline; do not keep a late link
		_ = conn.Disconnect()
		conn, err = nil, dialCtx.Err()
	}
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		translated := m.translate(err)
		m.logger.WithFields(logrus.Fields{
			"address": m.address,
			"error":   err,
		}).Debug(translated.Error())
		return nil, translated
	}

	m.mu.Lock()
	if m.generation != gen {
		m.state = StateDisconnected
		m.mu.Unlock()
		if derr := conn.Disconnect(); derr != nil {
			m.logger.WithField("error", derr).Debug("Disconnect of superseded connection failed")
		}
		return nil, &ConnectError{Address: m.address, Reason: "released during connect"}
	}
	m.conn = conn
	m.state = StateConnected
	m.mu.Unlock()

	m.logger.WithField("address", m.address).Debug("Connected")
	return conn, nil
}

// translate maps any transport or context error to a ConnectError.
func (m *ConnectionManager) translate(err error) error {
	var cerr *ConnectError
	if errors.As(err, &cerr) {
		return cerr
	}
	kind := ConnectFailed
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, device.ErrTimeout) {
		kind = ConnectTimeout
	}
	return &ConnectError{
		Address: m.address,
		Kind:    kind,
		Reason:  err.Error(),
	}
}
