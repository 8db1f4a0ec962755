// Package coalesce collapses bursts of change notifications into a single
// downstream propagation per scheduling window.
//
// Upstream components fire a cheap "something changed" signal arbitrarily
// often; the coalescer guarantees at most one flush per window and that the
// flush always runs after the most recent signal, so the consumer observes
// the final state of a burst rather than a stale intermediate one.
package coalesce

import (
	"sync"
	"time"
)

// Coalescer schedules at most one flush per window. Each Signal cancels any
// pending flush and reschedules it, so the flush that eventually runs trails
// the last signal of a burst. Independent instances never interfere with each
// other; use one per signal source.
type Coalescer struct {
	window time.Duration
	flush  func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool

	// afterFunc is a test seam; defaults to time.AfterFunc.
	afterFunc func(time.Duration, func()) *time.Timer
}

// New creates a coalescer that invokes flush at most once per window.
// A zero or negative window degenerates to a minimal 1ms window rather than
// synchronous delivery, keeping the "next tick" contract.
func New(window time.Duration, flush func()) *Coalescer {
	if window <= 0 {
		window = time.Millisecond
	}
	return &Coalescer{
		window:    window,
		flush:     flush,
		afterFunc: time.AfterFunc,
	}
}

// Signal records that upstream state changed. The pending flush, if any, is
// rescheduled so it runs one window after the latest signal.
func (c *Coalescer) Signal() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.afterFunc(c.window, c.fire)
}

// fire runs the flush outside the lock so the callback may call Signal again.
func (c *Coalescer) fire() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	flush := c.flush
	c.mu.Unlock()

	if flush != nil {
		flush()
	}
}

// Stop cancels any pending flush and drops all future signals.
// Safe to call multiple times and from within the flush callback.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
