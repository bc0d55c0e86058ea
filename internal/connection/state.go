package connection

import "project-board-sync/internal/transport"

// State of the logical connection
type State int

// State constants
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// MarshalText renders the state name in JSON status bodies
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is delivered to status observers on every change
type Status struct {
	State     State          `json:"state"`
	Exhausted bool           `json:"exhausted"`
	Mode      transport.Mode `json:"mode,omitempty"`
	Rooms     int            `json:"rooms"`
	Err       error          `json:"-"`
}
