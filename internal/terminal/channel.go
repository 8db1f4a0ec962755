// Package terminal maintains the duplex WebSocket channel that carries a
// remote terminal's input and output.
//
// Each Channel binds to one server-side terminal identified by a channel id.
// Output arrives as data events in arrival order. Input goes out as raw bytes
// in binary frames; resize requests go out as JSON text frames, so the server
// distinguishes the two by frame type. A dropped socket is re-dialed with
// backoff up to a bounded retry budget; a normal close from the server means
// the remote terminal exited and the channel is done.
package terminal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openchamber/client/internal/backoff"
	ocerrors "github.com/openchamber/client/internal/errors"
	"github.com/openchamber/client/internal/lifecycle"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultMaxRetries     = 5
	writeTimeout          = 10 * time.Second
	maxMessageSize        = 512 * 1024
)

// Event kinds delivered to channel listeners.
const (
	EventConnected = "connected" // socket reached open state
	EventData      = "data"      // terminal output chunk
	EventExit      = "exit"      // remote terminal ended
	EventError     = "error"     // channel gave up
)

// Event is one channel lifecycle or output notification.
type Event struct {
	Kind string
	// Data carries the output chunk for data events and a human-readable
	// reason for error events.
	Data string
}

// Config holds configuration for a terminal channel.
type Config struct {
	// BaseURL is the server's HTTP(S) base URL. The WebSocket endpoint is
	// derived from it (http becomes ws, https becomes wss).
	BaseURL string

	// ChannelID identifies the server-side terminal.
	ChannelID string

	// Token is the bearer token attached to the dial request.
	Token string

	// Backoff is the redial delay policy. Zero value means Default().
	Backoff backoff.Policy

	// MaxRetries bounds consecutive failed dial attempts before the
	// channel gives up. Zero means the default of 5.
	MaxRetries uint

	// ConnectTimeout bounds how long one dial may take to reach the open
	// state. Zero means the default of 10 seconds.
	ConnectTimeout time.Duration

	// Cols and Rows are the initial terminal dimensions, carried on the
	// dial URL so the server sizes the PTY before the first output. Zero
	// values leave sizing to the server; Resize adjusts later.
	Cols int
	Rows int
}

// controlMessage is the JSON frame sent for resize requests.
type controlMessage struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// Channel is a reconnecting terminal WebSocket connection.
type Channel struct {
	cfg        Config
	policy     backoff.Policy
	maxRetries uint
	timeout    time.Duration
	loop       lifecycle.LoopOwner

	mu        sync.Mutex
	running   bool
	stopping  bool
	open      bool
	conn      *websocket.Conn
	stopCh    chan struct{}
	doneCh    chan struct{}
	attempt   uint
	listeners map[int]func(Event)
	nextSubID int

	// writeMu serializes socket writes; the websocket allows only one
	// concurrent writer.
	writeMu sync.Mutex
}

// NewChannel creates a terminal channel for the given channel id (not
// started).
func NewChannel(cfg Config) *Channel {
	policy := cfg.Backoff
	if policy.Base1 == 0 {
		policy = backoff.Default()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	return &Channel{
		cfg:        cfg,
		policy:     policy,
		maxRetries: maxRetries,
		timeout:    timeout,
		listeners:  make(map[int]func(Event)),
	}
}

// Start dials the channel in a background goroutine. No-op when already
// started.
func (c *Channel) Start() {
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

// Stop closes the socket and waits for the loop to exit. Safe to call
// multiple times, and safe to call from inside a channel listener: that case
// returns without waiting, and the loop unwinds once the listener does.
func (c *Channel) Stop() {
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
	conn := c.conn
	c.mu.Unlock()

	close(stopCh)
	if conn != nil {
		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}
	if c.loop.OnLoop() {
		return
	}
	<-doneCh
}

// OnEvent registers a channel listener and returns its unsubscribe function.
func (c *Channel) OnEvent(fn func(Event)) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Open reports whether the socket is currently in the open state.
func (c *Channel) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// SendInput forwards keyboard input to the remote terminal as raw bytes.
// Returns a coded error when the socket is not open; callers must not buffer
// input across reconnects.
func (c *Channel) SendInput(data string) error {
	return c.writeFrame(websocket.BinaryMessage, []byte(data))
}

// Resize tells the remote terminal its new dimensions.
func (c *Channel) Resize(cols, rows int) error {
	payload, err := json.Marshal(controlMessage{Type: "resize", Cols: cols, Rows: rows})
	if err != nil {
		return ocerrors.Wrap(ocerrors.CodeChannelDialFailed, "encode resize message", err)
	}
	return c.writeFrame(websocket.TextMessage, payload)
}

func (c *Channel) writeFrame(msgType int, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	open := c.open
	c.mu.Unlock()

	if !open || conn == nil {
		return ocerrors.ChannelNotOpen(c.cfg.ChannelID)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(msgType, payload); err != nil {
		// A write failure means the socket is on its way down; callers
		// see the same class of error as a not-yet-open channel.
		return ocerrors.Wrap(ocerrors.CodeChannelNotOpen, "write frame", err)
	}
	return nil
}

// run dials, reads until the socket breaks, and re-dials with backoff. A
// normal or going-away close from the server ends the channel with an exit
// event; a spent retry budget ends it with an error event. The loop finishes
// its own teardown on exit, since a re-entrant Stop does not wait around to
// do it.
func (c *Channel) run(stopCh <-chan struct{}, doneCh chan struct{}) {
	c.loop.Acquire()
	defer close(doneCh)
	defer c.loop.Release()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.stopping = false
		c.open = false
		c.conn = nil
		c.mu.Unlock()
	}()

	for {
		conn, err := c.dial()
		if stopped(stopCh) {
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			log.Printf("terminal: channel %s dial failed: %v", c.cfg.ChannelID, err)
			if !c.waitRetry(stopCh) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.open = true
		c.attempt = 0
		c.mu.Unlock()

		c.emit(Event{Kind: EventConnected})

		exited := c.readLoop(conn, stopCh)

		c.mu.Lock()
		c.open = false
		c.conn = nil
		c.mu.Unlock()
		conn.Close()

		if stopped(stopCh) {
			return
		}
		if exited {
			c.emit(Event{Kind: EventExit})
			return
		}
		if !c.waitRetry(stopCh) {
			return
		}
	}
}

// waitRetry advances the attempt counter and waits out the backoff delay.
// Returns false when the budget is spent or the channel was stopped; the
// spent budget is reported to listeners as an error event.
func (c *Channel) waitRetry(stopCh <-chan struct{}) bool {
	c.mu.Lock()
	c.attempt++
	attempt := c.attempt
	c.mu.Unlock()

	if attempt > c.maxRetries {
		err := ocerrors.RetryExhausted(c.cfg.ChannelID, attempt-1)
		c.emit(Event{Kind: EventError, Data: err.Error()})
		return false
	}

	select {
	case <-stopCh:
		return false
	case <-time.After(c.policy.NextDelay(attempt)):
		return true
	}
}

// dial opens one socket. The handshake is bounded by the connect timeout;
// exceeding it yields a connect-timeout coded error.
func (c *Channel) dial() (*websocket.Conn, error) {
	target, err := websocketURL(c.cfg.BaseURL, c.cfg.ChannelID, c.cfg.Cols, c.cfg.Rows)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.timeout}
	header := make(map[string][]string)
	if c.cfg.Token != "" {
		header["Authorization"] = []string{"Bearer " + c.cfg.Token}
	}

	conn, resp, err := dialer.Dial(target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ocerrors.ConnectTimeout(c.cfg.ChannelID, c.timeout)
		}
		return nil, ocerrors.Wrap(ocerrors.CodeChannelDialFailed, "dial terminal socket", err)
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// readLoop delivers output frames until the socket breaks. Returns true when
// the server closed the channel deliberately (remote terminal exited).
func (c *Channel) readLoop(conn *websocket.Conn, stopCh <-chan struct{}) bool {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true
			}
			if !stopped(stopCh) {
				log.Printf("terminal: channel %s read error: %v", c.cfg.ChannelID, err)
			}
			return false
		}
		switch msgType {
		case websocket.TextMessage, websocket.BinaryMessage:
			c.emit(Event{Kind: EventData, Data: string(data)})
		}
	}
}

// emit delivers an event to every listener with panic isolation.
func (c *Channel) emit(ev Event) {
	c.mu.Lock()
	subs := make([]func(Event), 0, len(c.listeners))
	for _, fn := range c.listeners {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("terminal: listener panic: %v", r)
				}
			}()
			fn(ev)
		}()
	}
}

// websocketURL derives the terminal socket endpoint from the HTTP base URL.
// Initial dimensions travel as query parameters when both are known.
func websocketURL(base, channelID string, cols, rows int) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", ocerrors.Wrap(ocerrors.CodeChannelDialFailed, "parse base URL", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", ocerrors.New(ocerrors.CodeChannelDialFailed,
			fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	u.Path = "/terminal/" + url.PathEscape(channelID) + "/ws"
	if cols > 0 && rows > 0 {
		q := url.Values{}
		q.Set("cols", strconv.Itoa(cols))
		q.Set("rows", strconv.Itoa(rows))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func stopped(stopCh <-chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}
