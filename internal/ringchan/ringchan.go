// Package ringchan provides a bounded channel that drops its oldest element
// instead of blocking the producer.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel wraps a buffered channel with overwrite-oldest semantics.
// Producers never block: when the buffer is full the oldest element is
// discarded. Consumers read C() like any channel.
//
//	rc := ringchan.New[Event](16)
//	rc.Send(ev)              // advertisement path, never blocks
//	for ev := range rc.C() { // consumer
//	    ...
//	}
type RingChannel[T any] struct {
	// sendMu makes drop-then-insert atomic across producers.
	sendMu sync.Mutex
	ch     chan T
	closed bool

	written     atomic.Int64
	overwritten atomic.Int64
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element if the buffer is full.
// It reports whether an element was dropped. Sends after Close are ignored.
func (rc *RingChannel[T]) Send(v T) (dropped bool) {
	rc.sendMu.Lock()
	defer rc.sendMu.Unlock()

	if rc.closed {
		return false
	}

	for {
		select {
		case rc.ch <- v:
			rc.written.Add(1)
			return dropped
		default:
		}

		// the consumer may drain between the two selects
		select {
		case <-rc.ch:
			rc.overwritten.Add(1)
			dropped = true
		default:
		}
	}
}

// TrySend inserts v only if there is room.
func (rc *RingChannel[T]) TrySend(v T) bool {
	rc.sendMu.Lock()
	defer rc.sendMu.Unlock()

	if rc.closed {
		return false
	}
	select {
	case rc.ch <- v:
		rc.written.Add(1)
		return true
	default:
		return false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the receive side. Idempotent.
func (rc *RingChannel[T]) Close() {
	rc.sendMu.Lock()
	defer rc.sendMu.Unlock()
	if !rc.closed {
		rc.closed = true
		close(rc.ch)
	}
}

// Metrics is a snapshot of producer counters.
type Metrics struct {
	Written     int64
	Overwritten int64
}

// GetMetrics returns the current counters.
func (rc *RingChannel[T]) GetMetrics() Metrics {
	return Metrics{
		Written:     rc.written.Load(),
		Overwritten: rc.overwritten.Load(),
	}
}
