package session

// State is a session lifecycle state.
type State int

const (
	Idle State = iota
	ConfigBuilt
	Connecting
	Connected
	Disconnecting
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ConfigBuilt:
		return "config_built"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	Idle:          {ConfigBuilt, Failed, Closed},
	ConfigBuilt:   {Connecting, Failed, Disconnecting},
	Connecting:    {Connected, Failed},
	Connected:     {Disconnecting},
	Failed:        {Disconnecting},
	Disconnecting: {Closed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
