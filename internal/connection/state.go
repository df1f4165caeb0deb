package connection

// State is the lifecycle state of the managed connection.
type State int

const (
	StateAbsent State = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateDegraded
	StateClosing
)

var stateNames = [...]string{
	StateAbsent:      "absent",
	StateConnecting:  "connecting",
	StateHandshaking: "handshaking",
	StateReady:       "ready",
	StateDegraded:    "degraded",
	StateClosing:     "closing",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Live reports whether a published connection exists in this state.
func (s State) Live() bool { return s == StateReady || s == StateDegraded }
