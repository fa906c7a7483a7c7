package domain

import (
	"fmt"
	"time"
)

var transitions = map[DepositState][]DepositState{
	StatePending:       {StateAwaitingMatch, StateRejected, StateExpired},
	StateAwaitingMatch: {StateAwaitingMatch, StateMatched, StateRejected, StateExpired},
	StateMatched:       {StateSettled},
}

// Terminal reports whether no further transition is allowed out of s.
func (s DepositState) Terminal() bool {
	return s == StateSettled || s == StateRejected || s == StateExpired
}

// CanTransition reports whether from -> to is an edge of the deposit state machine.
func CanTransition(from, to DepositState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves d to state `to`, stamping UpdatedAt. The record is left
// untouched when the edge is not allowed.
func (d *DepositRecord) Transition(to DepositState, now time.Time) error {
	if !CanTransition(d.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, d.State, to)
	}
	d.State = to
	d.UpdatedAt = now
	return nil
}
