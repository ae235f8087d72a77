package main

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter renders a single status line with elapsed or remaining
// seconds while a scan or connect is in flight.
//
// A ProgressPrinter is single-use: Start at most once, Stop any number of
// times. Stop must be called or the render goroutine leaks.
type ProgressPrinter struct {
	out        io.Writer
	prefix     string
	phase      atomic.Value        // string
	stopPhases map[string]struct{} // phases that end the display
	startTime  time.Time
	ticker     atomic.Pointer[time.Ticker]
	stopChan   chan struct{}
	done       chan struct{}
	started    atomic.Bool
	countUp    bool
	duration   time.Duration // countdown only
}

// NewProgressPrinter creates a printer that counts elapsed seconds.
func NewProgressPrinter(out io.Writer, prefix, phase string, stopPhases ...string) *ProgressPrinter {
	return newProgressPrinter(out, prefix, phase, true, 0, stopPhases)
}

// NewCountdownProgressPrinter creates a printer that counts down from duration.
func NewCountdownProgressPrinter(out io.Writer, prefix, phase string, duration time.Duration, stopPhases ...string) *ProgressPrinter {
	return newProgressPrinter(out, prefix, phase, false, duration, stopPhases)
}

func newProgressPrinter(out io.Writer, prefix, phase string, countUp bool, duration time.Duration, stopPhases []string) *ProgressPrinter {
	stopSet := make(map[string]struct{}, len(stopPhases))
	for _, p := range stopPhases {
		stopSet[p] = struct{}{}
	}
	p := &ProgressPrinter{
		out:        out,
		prefix:     prefix,
		stopPhases: stopSet,
		countUp:    countUp,
		duration:   duration,
	}
	p.phase.Store(phase)
	return p
}

// Start begins rendering in a background goroutine.
// Panics if called more than once on the same instance.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}

	p.done = make(chan struct{})
	p.stopChan = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, p.phase.Load().(string))

	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				phase := p.phase.Load().(string)
				if _, stop := p.stopPhases[phase]; stop {
					return
				}
				p.print(phase, p.seconds(time.Since(p.startTime)))
			}
		}
	}()
}

func (p *ProgressPrinter) seconds(elapsed time.Duration) int {
	if p.countUp {
		return int(elapsed.Seconds())
	}
	remaining := p.duration - elapsed
	if remaining <= 0 {
		return 0
	}
	// nearest second
	return int(remaining.Seconds() + 0.5)
}

func (p *ProgressPrinter) print(phase string, seconds int) {
	if seconds > 0 {
		fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, phase)
	}
}

// Callback returns a phase setter. Setting a stop phase stops the printer.
// Safe for concurrent use.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, stop := p.stopPhases[phase]; stop {
			p.Stop()
		}
	}
}

// Stop ends rendering and clears the line. Only the first call has an effect.
func (p *ProgressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return
	}

	ticker.Stop()
	close(p.stopChan)
	<-p.done

	fmt.Fprint(p.out, clearLineSequence)
}
