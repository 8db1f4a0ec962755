package terminal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openchamber/client/internal/backoff"
	ocerrors "github.com/openchamber/client/internal/errors"
)

var upgrader = websocket.Upgrader{}

func fastPolicy() backoff.Policy {
	return backoff.Policy{
		Base1: time.Millisecond,
		Cap1:  4 * time.Millisecond,
		Base2: 5 * time.Millisecond,
		Cap2:  10 * time.Millisecond,
	}
}

func collectEvents(ch *Channel) <-chan Event {
	events := make(chan Event, 64)
	ch.OnEvent(func(ev Event) { events <- ev })
	return events
}

func waitKind(t *testing.T, events <-chan Event, kind string) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", kind)
		}
	}
}

func TestChannelConnectsAndDeliversOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/terminal/term-1/ws" {
			t.Errorf("dial path = %q, want /terminal/term-1/ws", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q, want Bearer tok", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte("hello "))
		conn.WriteMessage(websocket.BinaryMessage, []byte("world"))
		// Hold the socket open until the client is done.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ch := NewChannel(Config{
		BaseURL:   srv.URL,
		ChannelID: "term-1",
		Token:     "tok",
		Backoff:   fastPolicy(),
	})
	events := collectEvents(ch)
	ch.Start()
	defer ch.Stop()

	waitKind(t, events, EventConnected)
	if !ch.Open() {
		t.Fatal("channel must report open after the connected event")
	}

	// Text and binary frames both surface as string data, in order.
	var out strings.Builder
	out.WriteString(waitKind(t, events, EventData).Data)
	out.WriteString(waitKind(t, events, EventData).Data)
	if out.String() != "hello world" {
		t.Fatalf("output = %q, want %q", out.String(), "hello world")
	}
}

func TestChannelNormalCloseEmitsExit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		conn.Close()
	}))
	defer srv.Close()

	ch := NewChannel(Config{BaseURL: srv.URL, ChannelID: "t", Backoff: fastPolicy()})
	events := collectEvents(ch)
	ch.Start()
	defer ch.Stop()

	waitKind(t, events, EventConnected)
	waitKind(t, events, EventExit)

	if ch.Open() {
		t.Fatal("channel must not report open after exit")
	}
}

func TestChannelRetriesThenGivesUp(t *testing.T) {
	dials := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials++
		// Refuse the upgrade so every dial fails.
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ch := NewChannel(Config{
		BaseURL:    srv.URL,
		ChannelID:  "t",
		Backoff:    fastPolicy(),
		MaxRetries: 3,
	})
	events := collectEvents(ch)
	ch.Start()
	defer ch.Stop()

	ev := waitKind(t, events, EventError)
	if !strings.Contains(ev.Data, "gave up") {
		t.Fatalf("error event data = %q, want retry-exhausted reason", ev.Data)
	}
	// Initial dial plus three retries.
	if dials != 4 {
		t.Fatalf("dial count = %d, want 4", dials)
	}
}

func TestChannelReconnectsAfterAbnormalDrop(t *testing.T) {
	dialCount := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dialCount++
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if dialCount == 1 {
			// Drop without a close frame.
			conn.Close()
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte("back"))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ch := NewChannel(Config{BaseURL: srv.URL, ChannelID: "t", Backoff: fastPolicy()})
	events := collectEvents(ch)
	ch.Start()
	defer ch.Stop()

	waitKind(t, events, EventConnected)
	// Second connected event proves the redial, and output still flows.
	waitKind(t, events, EventConnected)
	if got := waitKind(t, events, EventData).Data; got != "back" {
		t.Fatalf("post-reconnect output = %q, want %q", got, "back")
	}
}

func TestSendInputRequiresOpenSocket(t *testing.T) {
	ch := NewChannel(Config{BaseURL: "http://localhost:1", ChannelID: "t", Backoff: fastPolicy()})

	err := ch.SendInput("ls\n")
	if !ocerrors.IsCode(err, ocerrors.CodeChannelNotOpen) {
		t.Fatalf("SendInput on closed channel = %v, want %s", err, ocerrors.CodeChannelNotOpen)
	}
}

func TestInputAndResizeFrames(t *testing.T) {
	type frame struct {
		msgType int
		data    string
	}
	frames := make(chan frame, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- frame{msgType, string(data)}
		}
	}))
	defer srv.Close()

	ch := NewChannel(Config{BaseURL: srv.URL, ChannelID: "t", Backoff: fastPolicy()})
	events := collectEvents(ch)
	ch.Start()
	defer ch.Stop()

	waitKind(t, events, EventConnected)

	if err := ch.SendInput("echo hi\n"); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	if err := ch.Resize(120, 40); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	// Input goes out verbatim as a binary frame.
	select {
	case got := <-frames:
		if got.msgType != websocket.BinaryMessage || got.data != "echo hi\n" {
			t.Fatalf("input frame = %+v, want raw binary echo hi", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for input frame")
	}

	// Resize goes out as a JSON text frame.
	select {
	case got := <-frames:
		if got.msgType != websocket.TextMessage {
			t.Fatalf("resize frame type = %d, want text", got.msgType)
		}
		var msg controlMessage
		if err := json.Unmarshal([]byte(got.data), &msg); err != nil {
			t.Fatalf("decode resize frame %q: %v", got.data, err)
		}
		if msg != (controlMessage{Type: "resize", Cols: 120, Rows: 40}) {
			t.Fatalf("resize frame = %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for resize frame")
	}
}

func TestStopFromChannelListener(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ch := NewChannel(Config{BaseURL: srv.URL, ChannelID: "t", Backoff: fastPolicy()})
	returned := make(chan struct{})
	ch.OnEvent(func(ev Event) {
		if ev.Kind != EventConnected {
			return
		}
		// Stopping the channel from its own delivery goroutine must not
		// block waiting for that goroutine to exit.
		ch.Stop()
		close(returned)
	})

	ch.Start()
	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop called from a channel listener did not return")
	}

	external := make(chan struct{})
	go func() {
		ch.Stop()
		close(external)
	}()
	select {
	case <-external:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop after a re-entrant stop never returned")
	}
	if ch.Open() {
		t.Fatal("channel still open after stop")
	}
}

func TestWebsocketURLDerivation(t *testing.T) {
	tests := []struct {
		base       string
		channel    string
		cols, rows int
		want       string
		wantErr    bool
	}{
		{base: "http://host:7070", channel: "abc", want: "ws://host:7070/terminal/abc/ws"},
		{base: "https://host", channel: "abc", want: "wss://host/terminal/abc/ws"},
		{base: "wss://host", channel: "abc", want: "wss://host/terminal/abc/ws"},
		{base: "http://host", channel: "abc", cols: 120, rows: 40, want: "ws://host/terminal/abc/ws?cols=120&rows=40"},
		{base: "http://host", channel: "abc", cols: 120, want: "ws://host/terminal/abc/ws"},
		{base: "ftp://host", channel: "abc", wantErr: true},
	}
	for _, tt := range tests {
		got, err := websocketURL(tt.base, tt.channel, tt.cols, tt.rows)
		if tt.wantErr {
			if err == nil {
				t.Errorf("websocketURL(%q): expected error", tt.base)
			}
			continue
		}
		if err != nil {
			t.Errorf("websocketURL(%q): %v", tt.base, err)
			continue
		}
		if got != tt.want {
			t.Errorf("websocketURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}
