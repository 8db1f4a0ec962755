// Package session composes the resilience pieces into one per-server session
// manager: it feeds stream deltas into the local message caches, reconciles
// against the authoritative lists on reconnect and focus, runs the optimistic
// send path, and keeps the status machinery informed of observed activity.
package session

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openchamber/client/internal/coalesce"
	"github.com/openchamber/client/internal/msgsync"
	"github.com/openchamber/client/internal/status"
	"github.com/openchamber/client/internal/stream"
)

const (
	// fastWindow batches message notifications during part streaming, so
	// a token-by-token burst repaints once.
	fastWindow = 75 * time.Millisecond

	// slowWindow batches the status refreshes that stream activity
	// requests.
	slowWindow = 400 * time.Millisecond
)

// Messenger is the message API surface the manager needs. *api.Client
// satisfies it.
type Messenger interface {
	Messages(ctx context.Context, sessionID string) ([]msgsync.Message, error)
	SendMessage(ctx context.Context, sessionID, clientID, text string) error
}

// Config holds the manager's collaborators. All are injected; the manager
// owns none of their lifecycles except the coalescers it creates.
type Config struct {
	Messenger Messenger
	Stream    *stream.Connection
	Poller    *status.Poller
	Watchdog  *status.Watchdog

	// OnMessages is invoked (coalesced) whenever a session's message list
	// changed. The slice is a private copy.
	OnMessages func(sessionID string, messages []msgsync.Message)

	// newID and now are test seams.
	newID func() string
	now   func() time.Time
}

// Manager maintains the local message caches for every session on one server.
type Manager struct {
	messenger Messenger
	stream    *stream.Connection
	poller    *status.Poller
	watchdog  *status.Watchdog
	onMsgs    func(string, []msgsync.Message)
	newID     func() string
	now       func() time.Time

	fast *coalesce.Coalescer
	slow *coalesce.Coalescer

	mu            sync.Mutex
	started       bool
	messages      map[string][]msgsync.Message
	dirty         map[string]bool
	lastCompleted map[string]string
	wasDegraded   bool
	unsubs        []func()
}

// NewManager creates a session manager (not started).
func NewManager(cfg Config) *Manager {
	newID := cfg.newID
	if newID == nil {
		newID = uuid.NewString
	}
	now := cfg.now
	if now == nil {
		now = time.Now
	}
	m := &Manager{
		messenger:     cfg.Messenger,
		stream:        cfg.Stream,
		poller:        cfg.Poller,
		watchdog:      cfg.Watchdog,
		onMsgs:        cfg.OnMessages,
		newID:         newID,
		now:           now,
		messages:      make(map[string][]msgsync.Message),
		dirty:         make(map[string]bool),
		lastCompleted: make(map[string]string),
	}
	m.fast = coalesce.New(fastWindow, m.flushDirty)
	m.slow = coalesce.New(slowWindow, m.refreshStatus)
	return m
}

// Start subscribes the manager to the stream. No-op when already started.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	// Stop tears the coalescers down; a restart needs fresh ones.
	m.fast = coalesce.New(fastWindow, m.flushDirty)
	m.slow = coalesce.New(slowWindow, m.refreshStatus)
	m.mu.Unlock()

	if m.stream == nil {
		return
	}
	// Subscribe outside the lock (OnStatus replays the current status
	// synchronously), then store the unsubscribes under it. If a Stop won
	// the race in between, undo the subscriptions instead of leaking them.
	unsubs := []func(){
		m.stream.OnEvent(m.handleEvent),
		m.stream.OnStatus(m.handleStreamStatus),
	}
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		for _, unsub := range unsubs {
			unsub()
		}
		return
	}
	m.unsubs = append(m.unsubs, unsubs...)
	m.mu.Unlock()
}

// Stop unsubscribes and stops the coalescers. Cached messages survive so a
// restart picks up where it left off.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	unsubs := m.unsubs
	m.unsubs = nil
	fast, slow := m.fast, m.slow
	m.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	fast.Stop()
	slow.Stop()
}

// Messages returns a copy of the cached list for a session.
func (m *Manager) Messages(sessionID string) []msgsync.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	cached := m.messages[sessionID]
	out := make([]msgsync.Message, len(cached))
	copy(out, cached)
	return out
}

// Send runs the optimistic send path: append a local echo immediately, mark
// the session busy, then deliver. A failed delivery rolls the echo back.
func (m *Manager) Send(ctx context.Context, sessionID, text string) error {
	clientID := m.newID()
	echo := msgsync.Message{
		ID:        clientID,
		Role:      msgsync.RoleUser,
		CreatedAt: m.now(),
		Parts:     []msgsync.Part{{Type: "text", Text: text}},
		LocalEcho: true,
	}

	m.mu.Lock()
	m.messages[sessionID] = append(m.messages[sessionID], echo)
	m.mu.Unlock()
	m.notify(sessionID)

	if m.poller != nil {
		m.poller.MarkBusy(sessionID)
	}
	if m.watchdog != nil {
		m.watchdog.RecordActivity(sessionID)
	}

	if err := m.messenger.SendMessage(ctx, sessionID, clientID, text); err != nil {
		m.mu.Lock()
		m.messages[sessionID] = removeByID(m.messages[sessionID], clientID)
		m.mu.Unlock()
		m.notify(sessionID)
		return err
	}
	return nil
}

// CatchUp refetches the authoritative list for a session and reconciles the
// cache against it. Called on reconnect, focus, and visibility changes.
func (m *Manager) CatchUp(ctx context.Context, sessionID string) error {
	server, err := m.messenger.Messages(ctx, sessionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	local := m.messages[sessionID]
	merged, outcome := msgsync.Reconcile(local, server)
	if outcome != msgsync.OutcomeNoop {
		m.messages[sessionID] = merged
	}
	m.mu.Unlock()

	if outcome != msgsync.OutcomeNoop {
		log.Printf("session: %s reconciled (%s, %d messages)", sessionID, outcome, len(merged))
		m.notify(sessionID)
	}
	return nil
}

// Forget drops all local state for a session.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	delete(m.messages, sessionID)
	delete(m.dirty, sessionID)
	delete(m.lastCompleted, sessionID)
	m.mu.Unlock()

	if m.watchdog != nil {
		m.watchdog.Forget(sessionID)
	}
	if m.onMsgs != nil {
		m.onMsgs(sessionID, nil)
	}
}

// messageInfo is the message.updated event payload.
type messageInfo struct {
	msgsync.Message
	SessionID string `json:"sessionID"`
}

// partInfo is the message.part.updated event payload.
type partInfo struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"`
	Text      string `json:"text"`
}

// handleEvent applies one stream delta to the caches. Unknown event types
// are ignored here; other subscribers may care about them.
func (m *Manager) handleEvent(ev stream.Event) {
	switch ev.Type {
	case "message.updated":
		var info messageInfo
		if !decodeProp(ev.Properties, "info", &info) || info.SessionID == "" || info.ID == "" {
			return
		}
		m.applyMessage(info)
	case "message.part.updated":
		var part partInfo
		if !decodeProp(ev.Properties, "part", &part) || part.SessionID == "" || part.MessageID == "" {
			return
		}
		m.applyPart(part)
	case "session.deleted":
		if id, ok := ev.Properties["sessionID"].(string); ok && id != "" {
			m.Forget(id)
		}
	}
}

// applyMessage upserts a message record. Parts already streamed in are kept
// when the update carries none.
func (m *Manager) applyMessage(info messageInfo) {
	m.mu.Lock()
	list := m.messages[info.SessionID]
	if i := indexOf(list, info.ID); i >= 0 {
		if len(info.Parts) == 0 {
			info.Parts = list[i].Parts
		}
		list[i] = info.Message
	} else {
		list = append(list, info.Message)
	}
	m.messages[info.SessionID] = list
	m.dirty[info.SessionID] = true

	completed := info.Role == msgsync.RoleAssistant && info.Completed() &&
		m.lastCompleted[info.SessionID] != info.ID
	if completed {
		m.lastCompleted[info.SessionID] = info.ID
	}
	fast, slow := m.fast, m.slow
	m.mu.Unlock()

	if m.watchdog != nil {
		m.watchdog.RecordActivity(info.SessionID)
	}
	fast.Signal()
	if completed {
		// The agent finished a turn; the session state almost
		// certainly changed with it.
		slow.Signal()
	}
}

// applyPart folds a streamed part delta into its message. Parts arrive
// keyed by message, replacing the trailing text part as tokens accumulate.
func (m *Manager) applyPart(part partInfo) {
	m.mu.Lock()
	list := m.messages[part.SessionID]
	i := indexOf(list, part.MessageID)
	if i < 0 {
		// Part for a message the stream never introduced; the next
		// catch-up will fetch it whole.
		m.mu.Unlock()
		return
	}
	msg := list[i]
	if n := len(msg.Parts); n > 0 && msg.Parts[n-1].Type == part.Type {
		msg.Parts[n-1].Text = part.Text
	} else {
		msg.Parts = append(msg.Parts, msgsync.Part{Type: part.Type, Text: part.Text})
	}
	list[i] = msg
	m.messages[part.SessionID] = list
	m.dirty[part.SessionID] = true

	finished := part.Type == "step-finish" &&
		m.lastCompleted[part.SessionID] != part.MessageID
	if finished {
		m.lastCompleted[part.SessionID] = part.MessageID
	}
	fast, slow := m.fast, m.slow
	m.mu.Unlock()

	if m.watchdog != nil {
		m.watchdog.RecordActivity(part.SessionID)
	}
	fast.Signal()
	if finished {
		slow.Signal()
	}
}

// handleStreamStatus triggers a full catch-up when the stream recovers from
// a degraded state: anything could have been missed while it was down.
func (m *Manager) handleStreamStatus(s stream.Status) {
	m.mu.Lock()
	recovered := s.State == stream.StateConnected && m.wasDegraded
	m.wasDegraded = s.State == stream.StateReconnecting || s.State == stream.StateIdle
	sessions := make([]string, 0, len(m.messages))
	if recovered {
		for id := range m.messages {
			sessions = append(sessions, id)
		}
	}
	m.mu.Unlock()

	if !recovered {
		return
	}

	if m.poller != nil {
		m.poller.Refresh()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, id := range sessions {
			if err := m.CatchUp(ctx, id); err != nil {
				log.Printf("session: catch-up for %s failed: %v", id, err)
			}
		}
	}()
}

// flushDirty is the fast coalescer's flush: notify every changed session.
func (m *Manager) flushDirty() {
	m.mu.Lock()
	sessions := make([]string, 0, len(m.dirty))
	for id := range m.dirty {
		sessions = append(sessions, id)
	}
	m.dirty = make(map[string]bool)
	m.mu.Unlock()

	for _, id := range sessions {
		m.notify(id)
	}
}

// refreshStatus is the slow coalescer's flush.
func (m *Manager) refreshStatus() {
	if m.poller != nil {
		m.poller.Refresh()
	}
}

func (m *Manager) notify(sessionID string) {
	if m.onMsgs == nil {
		return
	}
	m.onMsgs(sessionID, m.Messages(sessionID))
}

// decodeProp remarshals one property value into a typed struct.
func decodeProp(props map[string]any, key string, out any) bool {
	raw, ok := props[key]
	if !ok {
		return false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, out) == nil
}

func indexOf(msgs []msgsync.Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func removeByID(msgs []msgsync.Message, id string) []msgsync.Message {
	for i := range msgs {
		if msgs[i].ID == id {
			return append(msgs[:i], msgs[i+1:]...)
		}
	}
	return msgs
}
