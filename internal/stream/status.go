package stream

import "strconv"

// State is the coarse connection state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Status is the connection's state plus the reconnect attempt counter.
// Attempt is nonzero only while reconnecting.
type Status struct {
	State   State
	Attempt uint
}

func (s Status) String() string {
	if s.State == StateReconnecting {
		return string(s.State) + " (attempt " + strconv.FormatUint(uint64(s.Attempt), 10) + ")"
	}
	return string(s.State)
}
