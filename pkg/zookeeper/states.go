package zookeeper

// SessionState is the caller-visible state of the session engine.
type SessionState int32

const (
	// StateIdle is the state before Start.
	StateIdle SessionState = iota
	// StateConnecting covers the first handshake attempts, before the
	// session has ever been established.
	StateConnecting
	// StateConnected means a live connection carries the session.
	StateConnected
	// StateReconnecting means the connection died and the engine is trying
	// to re-establish the session against another ensemble member.
	StateReconnecting
	// StateClosed is terminal: the caller stopped the engine.
	StateClosed
	// StateExpired is terminal: the server no longer recognizes the
	// session, or the client has been disconnected past the session
	// timeout and declared it dead itself.
	StateExpired
	// StateAuthFailed is terminal: the server rejected the configured
	// credentials.
	StateAuthFailed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	case StateClosed:
		return "Closed"
	case StateExpired:
		return "Expired"
	case StateAuthFailed:
		return "AuthFailed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transitions can follow s.
func (s SessionState) Terminal() bool {
	return s == StateClosed || s == StateExpired || s == StateAuthFailed
}

// SessionEvent names the transition that produced a state change.
type SessionEvent int32

const (
	EventSessionConnecting SessionEvent = iota
	EventSessionConnected
	EventSessionReconnected
	EventSessionDisconnected
	EventSessionClosed
	EventSessionExpired
	EventSessionAuthFailed
)

func (e SessionEvent) String() string {
	switch e {
	case EventSessionConnecting:
		return "Connecting"
	case EventSessionConnected:
		return "Connected"
	case EventSessionReconnected:
		return "Reconnected"
	case EventSessionDisconnected:
		return "Disconnected"
	case EventSessionClosed:
		return "Closed"
	case EventSessionExpired:
		return "Expired"
	case EventSessionAuthFailed:
		return "AuthFailed"
	default:
		return "Unknown"
	}
}

// StateChange is one entry in the ordered stream a session listener
// receives: the state entered and the event that caused the transition.
type StateChange struct {
	State SessionState
	Event SessionEvent
}
