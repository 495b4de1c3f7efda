package domain

type State string

const (
	StatePending    State = "PENDING"
	StateArmed      State = "ARMED"
	StateAttempting State = "ATTEMPTING"
	StateSucceeded  State = "SUCCEEDED"
	StateFailed     State = "FAILED"
	StateExpired    State = "EXPIRED"
	StateCancelled  State = "CANCELLED"
)

var transitions = map[State][]State{
	StatePending:    {StateArmed, StateCancelled, StateExpired},
	StateArmed:      {StateAttempting, StateCancelled, StateExpired},
	StateAttempting: {StateAttempting, StateSucceeded, StateFailed},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateExpired, StateCancelled:
		return true
	}
	return false
}

func (s State) Valid() bool {
	switch s {
	case StatePending, StateArmed, StateAttempting,
		StateSucceeded, StateFailed, StateExpired, StateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the intent state
// machine. ATTEMPTING -> ATTEMPTING is the only self edge; it carries attempt
// bookkeeping and never restarts the attempt.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
