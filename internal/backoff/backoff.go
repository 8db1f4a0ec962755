// Package backoff computes retry delay sequences for reconnecting components.
//
// The curve has two phases: a fast phase for the first few attempts (a quick
// reconnect usually succeeds after a transient drop) and a slower long-haul
// phase with a higher cap for outages that persist. Uniform jitter is added so
// many clients recovering from the same outage do not reconnect in lockstep.
package backoff

import (
	"math/rand"
	"time"
)

// fastPhaseAttempts is the number of attempts served by the first curve phase.
const fastPhaseAttempts = 3

// Policy describes a two-phase exponential backoff curve.
// NextDelay is a pure function of the attempt number; a Policy carries no
// mutable state and is safe to share between components.
type Policy struct {
	// Base1 is the delay for attempt 1. Doubles per attempt up to Cap1
	// for attempts 1 through 3.
	Base1 time.Duration

	// Cap1 bounds the fast phase.
	Cap1 time.Duration

	// Base2 is the starting delay for attempt 4. Doubles per attempt up
	// to Cap2 for every attempt beyond the fast phase.
	Base2 time.Duration

	// Cap2 bounds the slow phase. Must be >= Cap1.
	Cap2 time.Duration

	// Jitter is the upper bound of the uniform random term added to every
	// delay. Zero disables jitter.
	Jitter time.Duration

	// randFloat is a test seam; defaults to math/rand.Float64.
	randFloat func() float64
}

// Default returns the policy used by the stream and terminal connections:
// 500ms doubling to 4s for the first three attempts, then 5s doubling to 30s,
// with up to 250ms of jitter. The fast phase matches the original desktop
// reconnect cadence.
func Default() Policy {
	return Policy{
		Base1:  500 * time.Millisecond,
		Cap1:   4 * time.Second,
		Base2:  5 * time.Second,
		Cap2:   30 * time.Second,
		Jitter: 250 * time.Millisecond,
	}
}

// NextDelay returns the delay to wait before the given reconnect attempt.
// Attempts are 1-indexed; attempt 0 is treated as attempt 1.
func (p Policy) NextDelay(attempt uint) time.Duration {
	if attempt == 0 {
		attempt = 1
	}

	var delay time.Duration
	if attempt <= fastPhaseAttempts {
		delay = shiftCapped(p.Base1, attempt-1, p.Cap1)
	} else {
		delay = shiftCapped(p.Base2, attempt-fastPhaseAttempts-1, p.Cap2)
	}

	if p.Jitter > 0 {
		rf := p.randFloat
		if rf == nil {
			rf = rand.Float64
		}
		delay += time.Duration(rf() * float64(p.Jitter))
	}
	return delay
}

// shiftCapped computes base * 2^exp without overflowing past cap.
func shiftCapped(base time.Duration, exp uint, cap time.Duration) time.Duration {
	delay := base
	for i := uint(0); i < exp; i++ {
		delay *= 2
		if delay >= cap || delay < 0 {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}
