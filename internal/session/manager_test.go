package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openchamber/client/internal/msgsync"
	"github.com/openchamber/client/internal/stream"
)

type fakeMessenger struct {
	mu        sync.Mutex
	lists     map[string][]msgsync.Message
	listErr   error
	sendErr   error
	sent      []sentCall
	fetchedCh chan string
}

type sentCall struct {
	sessionID, clientID, text string
}

func (f *fakeMessenger) Messages(_ context.Context, sessionID string) ([]msgsync.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchedCh != nil {
		f.fetchedCh <- sessionID
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.lists[sessionID], nil
}

func (f *fakeMessenger) SendMessage(_ context.Context, sessionID, clientID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentCall{sessionID, clientID, text})
	return nil
}

type notifyRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *notifyRecorder) record(id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

func (r *notifyRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func newTestManager(messenger *fakeMessenger) (*Manager, *notifyRecorder) {
	rec := &notifyRecorder{}
	m := NewManager(Config{
		Messenger:  messenger,
		OnMessages: func(id string, _ []msgsync.Message) { rec.record(id) },
		newID:      func() string { return "client-id-1" },
		now:        func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	return m, rec
}

func TestSendAppendsLocalEcho(t *testing.T) {
	messenger := &fakeMessenger{}
	m, _ := newTestManager(messenger)

	if err := m.Send(context.Background(), "s1", "hello there"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs := m.Messages("s1")
	if len(msgs) != 1 {
		t.Fatalf("cached messages = %d, want 1 echo", len(msgs))
	}
	echo := msgs[0]
	if echo.ID != "client-id-1" || !echo.LocalEcho || !echo.IsUser() {
		t.Fatalf("echo = %+v", echo)
	}
	if echo.NormalizedText() != "hello there" {
		t.Fatalf("echo text = %q", echo.NormalizedText())
	}

	if len(messenger.sent) != 1 || messenger.sent[0].clientID != "client-id-1" {
		t.Fatalf("sent = %+v, want one call carrying the echo's client id", messenger.sent)
	}
}

func TestSendRollsBackEchoOnFailure(t *testing.T) {
	messenger := &fakeMessenger{sendErr: errors.New("boom")}
	m, _ := newTestManager(messenger)

	if err := m.Send(context.Background(), "s1", "hello"); err == nil {
		t.Fatal("Send must surface the delivery error")
	}
	if got := m.Messages("s1"); len(got) != 0 {
		t.Fatalf("echo survived a failed send: %+v", got)
	}
}

func messageUpdated(sessionID, id, role string, completed bool, text string) stream.Event {
	info := map[string]any{
		"sessionID": sessionID,
		"id":        id,
		"role":      role,
		"createdAt": "2026-03-01T12:00:00Z",
	}
	if completed {
		info["completedAt"] = "2026-03-01T12:00:05Z"
	}
	if text != "" {
		info["parts"] = []any{map[string]any{"type": "text", "text": text}}
	}
	return stream.Event{Type: "message.updated", Properties: map[string]any{"info": info}}
}

func partUpdated(sessionID, messageID, text string) stream.Event {
	return stream.Event{Type: "message.part.updated", Properties: map[string]any{
		"part": map[string]any{
			"sessionID": sessionID,
			"messageID": messageID,
			"type":      "text",
			"text":      text,
		},
	}}
}

func TestStreamDeltasBuildMessages(t *testing.T) {
	m, _ := newTestManager(&fakeMessenger{})

	m.handleEvent(messageUpdated("s1", "m1", msgsync.RoleAssistant, false, ""))
	m.handleEvent(partUpdated("s1", "m1", "Work"))
	m.handleEvent(partUpdated("s1", "m1", "Working on it"))

	msgs := m.Messages("s1")
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	// Successive part deltas replace the trailing part, not stack up.
	if got := msgs[0].NormalizedText(); got != "Working on it" {
		t.Fatalf("streamed text = %q, want final delta only", got)
	}

	// A later message.updated without parts keeps the streamed ones.
	m.handleEvent(messageUpdated("s1", "m1", msgsync.RoleAssistant, true, ""))
	msgs = m.Messages("s1")
	if got := msgs[0].NormalizedText(); got != "Working on it" {
		t.Fatalf("completion update dropped streamed parts: %q", got)
	}
	if !msgs[0].Completed() {
		t.Fatal("completion timestamp not applied")
	}
}

func TestPartForUnknownMessageIgnored(t *testing.T) {
	m, _ := newTestManager(&fakeMessenger{})

	m.handleEvent(partUpdated("s1", "never-seen", "text"))
	if got := m.Messages("s1"); len(got) != 0 {
		t.Fatalf("orphan part created a message: %+v", got)
	}
}

func TestCatchUpReplacesEchoWithServerRecord(t *testing.T) {
	serverTime := time.Date(2026, 3, 1, 12, 0, 2, 0, time.UTC)
	messenger := &fakeMessenger{lists: map[string][]msgsync.Message{
		"s1": {
			{ID: "srv-1", Role: msgsync.RoleUser, CreatedAt: serverTime,
				Parts: []msgsync.Part{{Type: "text", Text: "hello there"}}},
			{ID: "srv-2", Role: msgsync.RoleAssistant, CreatedAt: serverTime.Add(time.Second),
				Parts: []msgsync.Part{{Type: "text", Text: "hi"}}},
		},
	}}
	m, _ := newTestManager(messenger)

	if err := m.Send(context.Background(), "s1", "hello there"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := m.CatchUp(context.Background(), "s1"); err != nil {
		t.Fatalf("CatchUp: %v", err)
	}

	msgs := m.Messages("s1")
	if len(msgs) != 2 {
		t.Fatalf("messages after catch-up = %d, want 2", len(msgs))
	}
	if msgs[0].ID != "srv-1" || msgs[1].ID != "srv-2" {
		t.Fatalf("catch-up kept the echo: %+v", msgs)
	}
}

func TestCatchUpNoopLeavesCacheAlone(t *testing.T) {
	shared := []msgsync.Message{
		{ID: "m1", Role: msgsync.RoleUser, CreatedAt: time.Now(),
			Parts: []msgsync.Part{{Type: "text", Text: "q"}}},
	}
	messenger := &fakeMessenger{lists: map[string][]msgsync.Message{"s1": shared}}
	m, notified := newTestManager(messenger)

	m.mu.Lock()
	m.messages["s1"] = append([]msgsync.Message(nil), shared...)
	m.mu.Unlock()

	if err := m.CatchUp(context.Background(), "s1"); err != nil {
		t.Fatalf("CatchUp: %v", err)
	}
	if notified.count() != 0 {
		t.Fatalf("agreeing catch-up notified anyway: %v", notified.ids)
	}
}

func TestSessionDeletedEventForgets(t *testing.T) {
	m, _ := newTestManager(&fakeMessenger{})

	m.handleEvent(messageUpdated("s1", "m1", msgsync.RoleAssistant, false, "x"))
	m.handleEvent(stream.Event{Type: "session.deleted", Properties: map[string]any{"sessionID": "s1"}})

	if got := m.Messages("s1"); len(got) != 0 {
		t.Fatalf("deleted session kept messages: %+v", got)
	}
}

func TestStreamRecoveryTriggersCatchUp(t *testing.T) {
	fetched := make(chan string, 4)
	messenger := &fakeMessenger{fetchedCh: fetched}
	m, _ := newTestManager(messenger)

	m.mu.Lock()
	m.messages["s1"] = []msgsync.Message{{ID: "m1"}}
	m.mu.Unlock()

	m.handleStreamStatus(stream.Status{State: stream.StateReconnecting, Attempt: 1})
	m.handleStreamStatus(stream.Status{State: stream.StateConnected})

	select {
	case id := <-fetched:
		if id != "s1" {
			t.Fatalf("catch-up fetched %q, want s1", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream recovery did not trigger a catch-up fetch")
	}

	// A connected status without a preceding degradation must not refetch.
	m.handleStreamStatus(stream.Status{State: stream.StateConnected})
	select {
	case id := <-fetched:
		t.Fatalf("steady connected status triggered a fetch for %q", id)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStartStopConcurrentLeavesNoSubscriptions(t *testing.T) {
	conn := stream.NewConnection(stream.Config{BaseURL: "http://127.0.0.1:0"})
	m := NewManager(Config{
		Messenger: &fakeMessenger{},
		Stream:    conn,
	})

	// Start subscribes, Stop unsubscribes; racing pairs must neither lose
	// track of an unsubscribe nor corrupt the registration list.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Start()
			m.Stop()
		}()
	}
	wg.Wait()

	m.Stop()
	if got := len(m.unsubs); got != 0 {
		t.Fatalf("unsubscribes still registered after stop: %d", got)
	}

	// The manager restarts cleanly afterwards.
	m.Start()
	m.Stop()
}

func TestUnknownEventTypeIgnored(t *testing.T) {
	m, _ := newTestManager(&fakeMessenger{})
	m.handleEvent(stream.Event{Type: "totally.unknown", Properties: map[string]any{"x": 1}})
	if got := m.Messages("s1"); len(got) != 0 {
		t.Fatalf("unknown event mutated state: %+v", got)
	}
}
