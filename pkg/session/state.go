package session

import "time"

// State is the lifecycle state of the single logical session.
type State int

const (
	StateInactive State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "INACTIVE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateChange represents a state transition event.
type StateChange struct {
	From   State
	To     State
	Reason string
	// Err is set when the transition was caused by a failure.
	Err  error
	Time time.Time
}

// StateListener observes session state changes.
type StateListener interface {
	OnStateChange(change StateChange)
}

// StateListenerFunc adapts a function to StateListener.
type StateListenerFunc func(change StateChange)

func (f StateListenerFunc) OnStateChange(change StateChange) { f(change) }

var validTransitions = map[State][]State{
	StateInactive:   {StateConnecting},
	StateConnecting: {StateConnected, StateInactive},
	StateConnected:  {StateInactive},
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid session transition from " + e.From.String() + " to " + e.To.String()
}
