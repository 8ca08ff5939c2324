package connection

// State is the supervisor's connection state.
type State int

const (
	// Disconnected is the initial state and the state after an exhausted
	// retry sequence or an explicit Disconnect.
	Disconnected State = iota
	// Connecting means a connect sequence is in flight.
	Connecting
	// Connected means the last connect sequence succeeded.
	Connected
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
