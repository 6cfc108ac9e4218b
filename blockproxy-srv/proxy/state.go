package proxy

import "fmt"

// State is the lifecycle position of one client connection.
type State int

const (
	StateAccepted State = iota
	StateParsed
	StateParseFailed
	StateBlocked
	StateConnecting
	StateConnectFailed
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "ACCEPTED"
	case StateParsed:
		return "PARSED"
	case StateParseFailed:
		return "PARSE_FAILED"
	case StateBlocked:
		return "BLOCKED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnectFailed:
		return "CONNECT_FAILED"
	case StateRelaying:
		return "RELAYING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var stateTransitions = map[State][]State{
	StateAccepted:   {StateParsed, StateParseFailed},
	StateParsed:     {StateBlocked, StateConnecting},
	StateConnecting: {StateConnectFailed, StateRelaying},
}

// CanTransition reports whether from may move to to. Every state except
// CLOSED may close.
func CanTransition(from, to State) bool {
	if from == StateClosed {
		return false
	}
	if to == StateClosed {
		return true
	}
	for _, next := range stateTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
