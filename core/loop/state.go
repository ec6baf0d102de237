package loop

// State is a coordination loop lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateListening
	StateReconnecting
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateReconnecting:
		return "reconnecting"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
