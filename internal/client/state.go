package client

// State is the lifecycle of a Manager's connection.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

type trigger int

const (
	trigConnect trigger = iota
	trigHandshakeOK
	trigHandshakeFailed
	trigAuthFailed
	trigDropped
	trigRetry
	trigDisconnect
)

func (t trigger) String() string {
	switch t {
	case trigConnect:
		return "connect"
	case trigHandshakeOK:
		return "handshake_ok"
	case trigHandshakeFailed:
		return "handshake_failed"
	case trigAuthFailed:
		return "auth_failed"
	case trigDropped:
		return "dropped"
	case trigRetry:
		return "retry"
	case trigDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// transition is the whole state machine. ok is false when the trigger does not apply in from;
// callers then leave the state alone.
func transition(from State, t trigger) (to State, ok bool) {
	if t == trigDisconnect {
		return StateIdle, true
	}
	switch from {
	case StateIdle, StateError:
		if t == trigConnect {
			return StateConnecting, true
		}
	case StateConnecting:
		switch t {
		case trigHandshakeOK:
			return StateConnected, true
		case trigHandshakeFailed:
			return StateReconnecting, true
		case trigAuthFailed:
			return StateError, true
		}
	case StateConnected:
		if t == trigDropped {
			return StateReconnecting, true
		}
	case StateReconnecting:
		switch t {
		case trigRetry, trigConnect:
			return StateConnecting, true
		case trigAuthFailed:
			return StateError, true
		}
	}
	return from, false
}
