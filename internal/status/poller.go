// Package status keeps the client's view of per-session activity states
// fresh, and guards against sessions that look busy forever.
//
// The Poller merges periodic server snapshots into a local table; merged
// server state is authoritative and supersedes any optimistic local marking.
// The Watchdog demotes sessions that have been busy far longer than any
// plausible run without producing activity.
package status

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/openchamber/client/internal/api"
	"github.com/openchamber/client/internal/lifecycle"
)

const (
	defaultPollInterval = 5 * time.Second
	minPollSpacing      = time.Second
)

// Fetcher provides the two server snapshots the poller merges.
// *api.Client satisfies it.
type Fetcher interface {
	SessionStatuses(ctx context.Context) (*api.StatusSnapshot, error)
	Attention(ctx context.Context) (*api.AttentionSnapshot, error)
}

// Snapshot is the merged local view delivered to subscribers.
type Snapshot struct {
	Sessions  map[string]api.SessionStatus
	Attention map[string]api.AttentionStatus
}

// Observer is notified of state transitions during merges. The watchdog
// implements it to track how long each session has been in its state.
type Observer interface {
	Observe(sessionID string, state api.SessionState, at time.Time)
}

// PollerConfig holds configuration for a status poller.
type PollerConfig struct {
	Fetcher Fetcher

	// Interval between unprompted polls. Zero means 5 seconds.
	Interval time.Duration

	// Observer, when set, sees every merged state transition.
	Observer Observer
}

// Poller periodically fetches session status and attention snapshots and
// merges them into one local table.
type Poller struct {
	fetcher  Fetcher
	interval time.Duration
	limiter  *rate.Limiter
	observer Observer
	loop     lifecycle.LoopOwner

	mu          sync.Mutex
	running     bool
	stopping    bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	cancel      context.CancelFunc
	requestCh   chan struct{}
	sessions    map[string]api.SessionStatus
	attention   map[string]api.AttentionStatus
	subscribers map[int]func(Snapshot)
	nextSubID   int

	now func() time.Time
}

// NewPoller creates a status poller (not started).
func NewPoller(cfg PollerConfig) *Poller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Poller{
		fetcher:     cfg.Fetcher,
		interval:    interval,
		limiter:     rate.NewLimiter(rate.Every(minPollSpacing), 1),
		observer:    cfg.Observer,
		requestCh:   make(chan struct{}, 1),
		sessions:    make(map[string]api.SessionStatus),
		attention:   make(map[string]api.AttentionStatus),
		subscribers: make(map[int]func(Snapshot)),
		now:         time.Now,
	}
}

// Start launches the poll loop. No-op when already started.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.running || p.stopping {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	stopCh := p.stopCh
	doneCh := p.doneCh
	p.mu.Unlock()

	go p.run(stopCh, doneCh)
}

// Stop terminates the poll loop and waits for it to exit. Safe to call
// multiple times, and safe to call from inside an observer or subscriber
// callback: that case returns without waiting, and the loop unwinds once the
// callback does.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	if p.stopping {
		doneCh := p.doneCh
		p.mu.Unlock()
		if p.loop.OnLoop() {
			return
		}
		<-doneCh
		return
	}
	p.stopping = true
	stopCh := p.stopCh
	doneCh := p.doneCh
	cancel := p.cancel
	p.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}
	if p.loop.OnLoop() {
		return
	}
	<-doneCh
}

// Refresh requests a poll as soon as the throttle allows. Triggers arriving
// while one is already queued coalesce into a single poll.
func (p *Poller) Refresh() {
	select {
	case p.requestCh <- struct{}{}:
	default:
	}
}

// MarkBusy optimistically flips a session to busy so the UI reacts before
// the server round-trip. The next merged snapshot supersedes it.
func (p *Poller) MarkBusy(sessionID string) {
	p.mu.Lock()
	st := p.sessions[sessionID]
	st.Status = api.SessionBusy
	st.LastUpdateAt = p.now().UnixMilli()
	p.sessions[sessionID] = st
	p.mu.Unlock()

	p.notify()
}

// Demote forces a session to idle locally. Used by the watchdog for sessions
// stuck in a working state.
func (p *Poller) Demote(sessionID string) {
	p.mu.Lock()
	st, ok := p.sessions[sessionID]
	if !ok || st.Status == api.SessionIdle {
		p.mu.Unlock()
		return
	}
	st.Status = api.SessionIdle
	st.Note = "demoted: no activity observed"
	p.sessions[sessionID] = st
	p.mu.Unlock()

	p.notify()
}

// Subscribe registers a snapshot listener and returns its unsubscribe
// function. The current view is replayed immediately.
func (p *Poller) Subscribe(fn func(Snapshot)) func() {
	p.mu.Lock()
	id := p.nextSubID
	p.nextSubID++
	p.subscribers[id] = fn
	current := p.snapshotLocked()
	p.mu.Unlock()

	fn(current)

	return func() {
		p.mu.Lock()
		delete(p.subscribers, id)
		p.mu.Unlock()
	}
}

// Current returns the merged view.
func (p *Poller) Current() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Poller) snapshotLocked() Snapshot {
	sessions := make(map[string]api.SessionStatus, len(p.sessions))
	for id, st := range p.sessions {
		sessions[id] = st
	}
	attention := make(map[string]api.AttentionStatus, len(p.attention))
	for id, st := range p.attention {
		attention[id] = st
	}
	return Snapshot{Sessions: sessions, Attention: attention}
}

// run serializes all polls through one goroutine, so at most one fetch can
// ever be in flight, and spaces them at least a second apart. The loop
// finishes its own teardown on exit, since a re-entrant Stop does not wait
// around to do it.
func (p *Poller) run(stopCh <-chan struct{}, doneCh chan struct{}) {
	p.loop.Acquire()
	defer close(doneCh)
	defer p.loop.Release()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.stopping = false
		p.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
		case <-p.requestCh:
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		p.pollOnce(ctx)
	}
}

// pollOnce fetches both snapshots and merges them. Fetch errors leave the
// local view untouched; the next tick retries.
func (p *Poller) pollOnce(ctx context.Context) {
	statuses, err := p.fetcher.SessionStatuses(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("status: poll failed: %v", err)
		}
		return
	}
	attention, err := p.fetcher.Attention(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("status: attention poll failed: %v", err)
		}
		return
	}
	p.merge(statuses, attention)
}

// merge replaces the local view with the server's. A locally busy session the
// server reports in neither snapshot is demoted to idle rather than dropped,
// so a stale optimistic marking cannot survive a merge; one still present in
// the attention snapshot is kept as-is, since the server clearly knows it.
func (p *Poller) merge(statuses *api.StatusSnapshot, attention *api.AttentionSnapshot) {
	at := p.now()

	p.mu.Lock()
	next := make(map[string]api.SessionStatus, len(statuses.Sessions))
	for id, st := range statuses.Sessions {
		next[id] = st
	}
	for id, st := range p.sessions {
		if _, ok := next[id]; ok {
			continue
		}
		if st.Status != api.SessionBusy && st.Status != api.SessionRetry {
			continue
		}
		if _, ok := attention.Sessions[id]; ok {
			next[id] = st
			continue
		}
		st.Status = api.SessionIdle
		st.Note = ""
		next[id] = st
	}
	p.sessions = next

	p.attention = make(map[string]api.AttentionStatus, len(attention.Sessions))
	for id, st := range attention.Sessions {
		p.attention[id] = st
	}

	observer := p.observer
	observed := make(map[string]api.SessionState, len(next))
	for id, st := range next {
		observed[id] = st.Status
	}
	p.mu.Unlock()

	if observer != nil {
		for id, state := range observed {
			observer.Observe(id, state, at)
		}
	}
	p.notify()
}

// notify delivers the merged view to every subscriber.
func (p *Poller) notify() {
	p.mu.Lock()
	snap := p.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(p.subscribers))
	for _, fn := range p.subscribers {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}
