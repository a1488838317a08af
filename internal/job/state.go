package job

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a state change is not part of the lifecycle.
var ErrInvalidTransition = errors.New("invalid job state transition")

// State is a job lifecycle state.
type State string

const (
	StateQueued       State = "queued"
	StateAdmitted     State = "admitted"
	StateFetching     State = "fetching"
	StateTransferring State = "transferring"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

var transitions = map[State][]State{
	StateQueued:       {StateAdmitted, StateCancelled},
	StateAdmitted:     {StateFetching, StateCancelled},
	StateFetching:     {StateTransferring, StateFailed, StateCancelled},
	StateTransferring: {StateCompleted, StateFailed, StateCancelled},
}

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}

	return false
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

func checkTransition(from, to State) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	return nil
}
