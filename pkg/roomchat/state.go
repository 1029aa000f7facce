package roomchat

// State is the lifecycle state of a session's connection.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	// StateDisconnected is reached when reconnection gave up or the room was
	// rejected. Reconnect leaves it; Close moves to StateClosed.
	StateDisconnected State = "disconnected"
	StateClosed       State = "closed"
)

func (s State) String() string { return string(s) }

// Terminal reports whether no further transition happens without caller action.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateDisconnected
}
