package connection

import "time"

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Status is handed to status listeners on every transition.
type Status struct {
	State State
	// Transport names the active adapter, empty while none is selected.
	Transport string
	// LastUpdate is the time of the last transition into Connected or the
	// last received snapshot, whichever is later.
	LastUpdate time.Time
	// Attempt counts consecutive failed connection attempts.
	Attempt int
	// Err is the failure behind Reconnecting and Error.
	Err error
}
