package api

import "github.com/openchamber/client/internal/msgsync"

// SessionState is the server-reported lifecycle state of a session.
type SessionState string

const (
	// SessionIdle means the agent has no work in flight.
	SessionIdle SessionState = "idle"

	// SessionBusy means the agent is actively working.
	SessionBusy SessionState = "busy"

	// SessionRetry means the agent hit a recoverable failure and is
	// retrying server-side.
	SessionRetry SessionState = "retry"
)

// SessionStatus is one entry in the authoritative status snapshot.
type SessionStatus struct {
	Status       SessionState   `json:"status"`
	LastUpdateAt int64          `json:"lastUpdateAt"` // unix millis
	Attempt      uint           `json:"attempt,omitempty"`
	Note         string         `json:"note,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// StatusSnapshot is the response of the session-status endpoint. The map
// covers every session the server tracks; absence means deleted or finished.
type StatusSnapshot struct {
	Sessions   map[string]SessionStatus `json:"sessions"`
	ServerTime int64                    `json:"serverTime"` // unix millis
}

// AttentionStatus is one entry in the authoritative attention snapshot.
type AttentionStatus struct {
	NeedsAttention     bool         `json:"needsAttention"`
	LastUserMessageAt  int64        `json:"lastUserMessageAt,omitempty"`
	LastStatusChangeAt int64        `json:"lastStatusChangeAt,omitempty"`
	Status             SessionState `json:"status,omitempty"`
	IsViewed           bool         `json:"isViewed"`
}

// AttentionSnapshot is the response of the attention endpoint.
type AttentionSnapshot struct {
	Sessions   map[string]AttentionStatus `json:"sessions"`
	ServerTime int64                      `json:"serverTime"` // unix millis
}

// sendMessageRequest is the message send body. MessageID is client-generated
// so the local echo can be correlated with the server's record.
type sendMessageRequest struct {
	MessageID string        `json:"messageID"`
	Parts     []msgsync.Part `json:"parts"`
}
