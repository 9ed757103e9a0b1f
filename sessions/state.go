package sessions

import (
	"fmt"
)

// State is where a session is in its lifecycle.
type State uint8

const (
	// Idle sessions have a client connection but no initialize yet.
	Idle State = iota
	// Negotiating sessions are waiting for the upstream initialize result.
	Negotiating
	// Active sessions forward traffic.
	Active
	// Streaming sessions are relaying an SSE response.
	Streaming
	// Closing sessions are releasing their transports.
	Closing
	// Closed is terminal.
	Closed
)

var stateNames = [...]string{"idle", "negotiating", "active", "streaming", "closing", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", s)
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("sessions: unknown state %q", b)
}

var transitions = map[State][]State{
	Idle:        {Negotiating, Closing},
	Negotiating: {Active, Idle, Closing},
	Active:      {Streaming, Closing},
	Streaming:   {Active, Closing},
	Closing:     {Closed},
}

// CanTransition reports whether from -> to is a legal step. Staying in the
// same state is always allowed except for Closed.
func CanTransition(from, to State) bool {
	if from == to {
		return from != Closed
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError reports an illegal state change.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("sessions: illegal transition %s -> %s", e.From, e.To)
}

// IsTerminal reports whether the session can no longer carry traffic.
func (s State) IsTerminal() bool { return s == Closing || s == Closed }
