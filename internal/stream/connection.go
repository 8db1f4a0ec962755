// Package stream maintains the long-lived event-stream subscription to the
// agent server.
//
// One Connection owns one subscription per (base URL, directory) target. It
// reconnects with backoff after any drop, exposes a status machine so UIs can
// render "reconnecting, attempt N", and fans events out to any number of
// subscribers. The stream is best-effort and at-most-once: consumers must
// treat it as a change notifier, never as the sole source of truth — the
// catch-up path (message reconciler, status poller) fills gaps.
package stream

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/openchamber/client/internal/backoff"
	ocerrors "github.com/openchamber/client/internal/errors"
	"github.com/openchamber/client/internal/lifecycle"
)

// replayLimit bounds the buffer of recent events served to new consumers.
const replayLimit = 256

// Config holds configuration for a stream connection.
type Config struct {
	// BaseURL is the server's HTTP(S) base URL.
	BaseURL string

	// Directory optionally scopes the subscription to one working
	// directory. Changeable at runtime via SetDirectory.
	Directory string

	// Token is the bearer token attached to the subscription request.
	Token string

	// Backoff is the reconnect delay policy. Zero value means Default().
	Backoff backoff.Policy

	// HTTPClient overrides the transport. The default dials with a 10s
	// timeout and never applies an overall request timeout, since the
	// subscription is expected to stay open indefinitely.
	HTTPClient *http.Client
}

// Event is one typed frame from the stream. Unknown types pass through
// untouched; forward compatibility is the consumer's concern.
type Event struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
}

// Connection is a reconnecting event-stream subscription.
type Connection struct {
	cfg    Config
	policy backoff.Policy
	http   *http.Client
	loop   lifecycle.LoopOwner

	mu          sync.Mutex
	running     bool
	stopping    bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	cancel      context.CancelFunc
	directory   string
	status      Status
	attempt     uint
	lastEventID string
	replay      []Event
	eventSubs   map[int]func(Event)
	statusSubs  map[int]func(Status)
	nextSubID   int
}

// NewConnection creates a stream connection (not started).
func NewConnection(cfg Config) *Connection {
	policy := cfg.Backoff
	if policy.Base1 == 0 {
		policy = backoff.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				ResponseHeaderTimeout: 15 * time.Second,
			},
		}
	}
	return &Connection{
		cfg:        cfg,
		policy:     policy,
		http:       hc,
		directory:  cfg.Directory,
		status:     Status{State: StateIdle},
		eventSubs:  make(map[int]func(Event)),
		statusSubs: make(map[int]func(Status)),
	}
}

// Start opens the subscription loop in a background goroutine.
// Calling Start while already started is a no-op.
func (c *Connection) Start() {
	c.mu.Lock()
	if c.running || c.stopping {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.attempt = 0
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	stopCh := c.stopCh
	doneCh := c.doneCh
	c.mu.Unlock()

	go c.run(stopCh, doneCh)
}

// Stop tears the subscription down and waits for the loop to exit, leaving
// no further events, status changes, or pending reconnect timers. Safe to
// call multiple times, and safe to call from inside one of the connection's
// own listeners: that case returns without waiting, and the loop unwinds as
// soon as the listener does.
func (c *Connection) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	if c.stopping {
		doneCh := c.doneCh
		c.mu.Unlock()
		if c.loop.OnLoop() {
			return
		}
		<-doneCh
		return
	}
	c.stopping = true
	stopCh := c.stopCh
	doneCh := c.doneCh
	cancel := c.cancel
	c.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}
	if c.loop.OnLoop() {
		return
	}
	<-doneCh
}

// SetDirectory switches the subscription's directory scope. A no-op when the
// target is unchanged; otherwise the connection is torn down and restarted
// against the new target (if it was running).
func (c *Connection) SetDirectory(directory string) {
	c.mu.Lock()
	if c.directory == directory {
		c.mu.Unlock()
		return
	}
	c.directory = directory
	wasRunning := c.running && !c.stopping
	c.mu.Unlock()

	if wasRunning {
		c.Stop()
		c.Start()
	}
}

// OnEvent registers an event listener and returns its unsubscribe function.
func (c *Connection) OnEvent(fn func(Event)) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.eventSubs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.eventSubs, id)
		c.mu.Unlock()
	}
}

// OnStatus registers a status listener and returns its unsubscribe function.
// The current status is replayed to the listener immediately so no observer
// has to special-case "no status event yet".
func (c *Connection) OnStatus(fn func(Status)) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.statusSubs[id] = fn
	current := c.status
	c.mu.Unlock()

	deliverOne(fn, current)

	return func() {
		c.mu.Lock()
		delete(c.statusSubs, id)
		c.mu.Unlock()
	}
}

// CurrentStatus returns the connection's status.
func (c *Connection) CurrentStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ReplayBuffer returns a copy of the recent events retained for new
// consumers (bounded at replayLimit).
func (c *Connection) ReplayBuffer() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.replay))
	copy(out, c.replay)
	return out
}

// run is the subscription loop: connect, consume until the stream breaks,
// then wait out one backoff delay and try again. Exactly one reconnect wait
// is ever pending, by construction of the loop. The loop finishes its own
// teardown on exit, since a re-entrant Stop does not wait around to do it.
func (c *Connection) run(stopCh <-chan struct{}, doneCh chan struct{}) {
	c.loop.Acquire()
	defer close(doneCh)
	defer c.loop.Release()
	defer func() {
		c.setStatus(Status{State: StateIdle})
		c.mu.Lock()
		c.running = false
		c.stopping = false
		c.mu.Unlock()
	}()

	for {
		c.setStatus(c.connectingStatus())

		err := c.consume(stopCh)
		if stopped(stopCh) {
			return
		}
		if err != nil {
			log.Printf("stream: connection lost: %v", err)
		}

		c.mu.Lock()
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()

		c.setStatus(Status{State: StateReconnecting, Attempt: attempt})

		select {
		case <-stopCh:
			return
		case <-time.After(c.policy.NextDelay(attempt)):
		}
	}
}

// connectingStatus keeps the attempt count visible while re-dialing.
func (c *Connection) connectingStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt > 0 {
		return Status{State: StateReconnecting, Attempt: c.attempt}
	}
	return Status{State: StateConnecting}
}

// consume opens one subscription and reads it until it ends. Returns the
// transport or protocol error that broke the stream; a clean end-of-stream
// while still running also counts as a drop.
func (c *Connection) consume(stopCh <-chan struct{}) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	lastEventID := c.lastEventID
	directory := c.directory
	c.mu.Unlock()

	target := strings.TrimRight(c.cfg.BaseURL, "/") + "/global/event"
	if directory != "" {
		target += "?directory=" + url.QueryEscape(directory)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return ocerrors.Wrap(ocerrors.CodeStreamConnectFailed, "build subscribe request", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ocerrors.Wrap(ocerrors.CodeStreamConnectFailed, "subscribe", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ocerrors.New(ocerrors.CodeStreamHTTPStatus,
			fmt.Sprintf("subscribe returned HTTP %d", resp.StatusCode))
	}

	// Connected. Reset the attempt counter so the next drop starts the
	// backoff curve from the beginning.
	c.mu.Lock()
	c.attempt = 0
	c.mu.Unlock()
	c.setStatus(Status{State: StateConnected})

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var frame frameBuffer
	for scanner.Scan() {
		if stopped(stopCh) {
			return nil
		}
		if ev, id, ok := frame.feed(scanner.Text()); ok {
			if id != "" {
				c.mu.Lock()
				c.lastEventID = id
				c.mu.Unlock()
			}
			c.dispatch(ev)
		}
	}

	if err := scanner.Err(); err != nil {
		return ocerrors.Wrap(ocerrors.CodeStreamReadFailed, "read stream", err)
	}
	return ocerrors.New(ocerrors.CodeStreamClosed, "server ended the stream")
}

// dispatch buffers the event and delivers it to every subscriber. A panic in
// one listener is logged and must not prevent delivery to the others.
func (c *Connection) dispatch(ev Event) {
	c.mu.Lock()
	if len(c.replay) >= replayLimit {
		c.replay = c.replay[1:]
	}
	c.replay = append(c.replay, ev)
	subs := make([]func(Event), 0, len(c.eventSubs))
	for _, fn := range c.eventSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		deliverOne(fn, ev)
	}
}

// setStatus records the new status and notifies status subscribers.
func (c *Connection) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	subs := make([]func(Status), 0, len(c.statusSubs))
	for _, fn := range c.statusSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		deliverOne(fn, s)
	}
}

// deliverOne invokes a listener with panic isolation.
func deliverOne[T any](fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("stream: listener panic: %v", r)
		}
	}()
	fn(v)
}

func stopped(stopCh <-chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}
