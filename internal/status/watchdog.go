package status

import (
	"log"
	"sync"
	"time"

	"github.com/openchamber/client/internal/api"
	"github.com/openchamber/client/internal/lifecycle"
)

const (
	watchdogInterval = 30 * time.Second

	// activityWindow is how long a working session may go without any
	// observed activity before it is suspect.
	activityWindow = time.Minute

	// stuckAfter is how long a session must have been in its working
	// state before the watchdog will demote it. Long runs are normal;
	// long runs with no activity at all are not.
	stuckAfter = 5 * time.Minute
)

// Demoter flips a stuck session back to idle. *Poller satisfies it.
type Demoter interface {
	Demote(sessionID string)
}

// Watchdog demotes sessions that report a working state (busy or retry) but
// have produced no activity for a full minute while in that state for over
// five minutes. Stream events and terminal output count as activity via
// RecordActivity.
type Watchdog struct {
	demoter Demoter
	loop    lifecycle.LoopOwner

	mu           sync.Mutex
	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
	lastActivity map[string]time.Time
	state        map[string]api.SessionState
	stateSince   map[string]time.Time

	now      func() time.Time
	interval time.Duration
}

// NewWatchdog creates a watchdog that reports stuck sessions to the demoter.
func NewWatchdog(demoter Demoter) *Watchdog {
	return &Watchdog{
		demoter:      demoter,
		lastActivity: make(map[string]time.Time),
		state:        make(map[string]api.SessionState),
		stateSince:   make(map[string]time.Time),
		now:          time.Now,
		interval:     watchdogInterval,
	}
}

// Start launches the periodic check. No-op when already started.
func (w *Watchdog) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	stopCh := w.stopCh
	doneCh := w.doneCh
	w.mu.Unlock()

	go func() {
		w.loop.Acquire()
		defer close(doneCh)
		defer w.loop.Release()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				w.check()
			}
		}
	}()
}

// Stop terminates the periodic check. Safe to call multiple times, and safe
// to call from inside the demoter (which runs on the check loop): that case
// returns without waiting for the loop, which unwinds once the demoter
// returns.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	stopCh := w.stopCh
	doneCh := w.doneCh
	w.mu.Unlock()

	close(stopCh)
	if w.loop.OnLoop() {
		return
	}
	<-doneCh
}

// RecordActivity notes that a session produced output or a stream event.
func (w *Watchdog) RecordActivity(sessionID string) {
	w.mu.Lock()
	w.lastActivity[sessionID] = w.now()
	w.mu.Unlock()
}

// Observe tracks state transitions from merged snapshots. The state-entry
// time only resets when the state actually changes, so repeated busy
// observations do not keep a stuck session looking fresh.
func (w *Watchdog) Observe(sessionID string, state api.SessionState, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	prev, seen := w.state[sessionID]
	if !seen || prev != state {
		w.state[sessionID] = state
		w.stateSince[sessionID] = at
		if !seen {
			// First sighting counts as activity; without this a
			// session already mid-run at client start could be
			// demoted on the first check.
			w.lastActivity[sessionID] = at
		}
	}
}

// Forget drops all tracking for a session (deleted or switched away).
func (w *Watchdog) Forget(sessionID string) {
	w.mu.Lock()
	delete(w.lastActivity, sessionID)
	delete(w.state, sessionID)
	delete(w.stateSince, sessionID)
	w.mu.Unlock()
}

// check demotes every session that is both silent past the activity window
// and stuck past the threshold. Recorded activity restarts the stuck clock:
// the threshold is measured from the later of the state-entry time and the
// last activity, so a session that produced output three minutes into a run
// is not demoted at the six minute mark.
func (w *Watchdog) check() {
	now := w.now()

	w.mu.Lock()
	var stuck []string
	for id, state := range w.state {
		if state != api.SessionBusy && state != api.SessionRetry {
			continue
		}
		if now.Sub(w.lastActivity[id]) < activityWindow {
			continue
		}
		since := w.stateSince[id]
		if la := w.lastActivity[id]; la.After(since) {
			since = la
		}
		if now.Sub(since) < stuckAfter {
			continue
		}
		stuck = append(stuck, id)
	}
	for _, id := range stuck {
		w.state[id] = api.SessionIdle
		w.stateSince[id] = now
	}
	w.mu.Unlock()

	for _, id := range stuck {
		log.Printf("status: session %s looks stuck, demoting to idle", id)
		w.demoter.Demote(id)
	}
}
