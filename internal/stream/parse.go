package stream

import (
	"encoding/json"
	"log"
	"strings"
)

// frameBuffer accumulates text/event-stream lines into complete frames.
//
// The wire grammar handled here: "data:" lines carry the payload (multiple
// data lines join with newlines), "id:" lines set the frame id, lines
// starting with ":" are keep-alive comments, and a blank line terminates the
// frame. Field names without the optional space after the colon are accepted.
type frameBuffer struct {
	data []string
	id   string
}

// feed consumes one line. When the line completes a frame that decodes to an
// event, it returns the event, the frame id (possibly empty) and true.
func (b *frameBuffer) feed(line string) (Event, string, bool) {
	switch {
	case line == "":
		ev, ok := b.flush()
		id := b.id
		b.data = nil
		b.id = ""
		return ev, id, ok
	case strings.HasPrefix(line, ":"):
		// keep-alive comment
		return Event{}, "", false
	case strings.HasPrefix(line, "data:"):
		b.data = append(b.data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		return Event{}, "", false
	case strings.HasPrefix(line, "id:"):
		b.id = strings.TrimPrefix(strings.TrimPrefix(line, "id:"), " ")
		return Event{}, "", false
	default:
		// Unknown field; ignore per the format's tolerance rules.
		return Event{}, "", false
	}
}

// flush decodes the accumulated data lines into an Event.
func (b *frameBuffer) flush() (Event, bool) {
	if len(b.data) == 0 {
		return Event{}, false
	}
	raw := strings.Join(b.data, "\n")
	ev, ok := decodeEvent([]byte(raw))
	if !ok {
		log.Printf("stream: discarding undecodable frame (%d bytes)", len(raw))
	}
	return ev, ok
}

// envelope is the directory-scoped wrapper some servers put around events.
type envelope struct {
	Directory string          `json:"directory"`
	Payload   json.RawMessage `json:"payload"`
}

// decodeEvent parses a frame body into an Event, unwrapping the
// {directory, payload} envelope when present. Unknown event types pass
// through untouched.
func decodeEvent(raw []byte) (Event, bool) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Payload) > 0 {
		raw = env.Payload
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, false
	}
	if ev.Type == "" {
		return Event{}, false
	}
	return ev, true
}
