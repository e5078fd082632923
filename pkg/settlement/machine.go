package settlement

import "fmt"

var transitions = map[State][]State{
	StatePending:    {StateQueued},
	StateQueued:     {StateProcessing},
	StateProcessing: {StatePaid, StateFailed, StateAPIRetry, StateQueued},
	StateAPIRetry:   {StateQueued},
}

// Valid reports whether s is a known state
func (s State) Valid() bool {
	switch s {
	case StatePending, StateQueued, StateProcessing, StatePaid, StateFailed, StateAPIRetry:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s
func (s State) Terminal() bool {
	return s == StatePaid || s == StateFailed
}

// CanTransition reports whether the machine allows s -> to.
// PROCESSING -> QUEUED is the stale requeue.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates s -> to
func Transition(from, to State) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
