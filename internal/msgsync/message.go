// Package msgsync converges a locally buffered message list with the
// server-authoritative list for a session.
//
// The event stream is best-effort: it can drop deltas across reconnects and
// offers no gap-filling. Whenever the client regains the stream, focus, or
// visibility it refetches the full authoritative list and reconciles, so the
// local view always converges regardless of what the stream lost.
package msgsync

import (
	"strings"
	"time"
)

// RoleUser is the role value for user-authored messages.
const RoleUser = "user"

// RoleAssistant is the role value for agent-authored messages.
const RoleAssistant = "assistant"

// Part is one ordered piece of a message (text, tool call, attachment...).
// Only text parts participate in fuzzy matching; other types pass through.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Message is one record in a session's ordered message sequence.
//
// IDs are normally server-assigned, but messages created by the local send
// path before the server echoes them back carry a client-generated ID and
// the LocalEcho marker. Reconciliation replaces these with their server
// counterparts once the authoritative list contains them.
type Message struct {
	ID          string     `json:"id"`
	Role        string     `json:"role"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Parts       []Part     `json:"parts"`

	// LocalEcho marks a message appended by this client's send path.
	// Role classification honors it alongside Role: records from other
	// client instances may carry the marker without a role.
	LocalEcho bool `json:"localEcho,omitempty"`
}

// Completed reports whether the message has a completion timestamp.
func (m Message) Completed() bool {
	return m.CompletedAt != nil
}

// IsUser reports whether the message counts as user-authored for matching.
// Both the role field and the client-side echo marker are honored, since
// records can originate from different client instances.
func (m Message) IsUser() bool {
	return m.Role == RoleUser || m.LocalEcho
}

// NormalizedText returns the whitespace-normalized concatenation of the
// message's text parts. This is the equality basis for fuzzy matching.
func (m Message) NormalizedText() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type != "text" || p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p.Text)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
