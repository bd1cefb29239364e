// Package cards holds the card state machine, construction of cards from planner
// proposals, and duplicate suppression.
package cards

import (
	"errors"
	"fmt"

	"cardflow/internal/models"
)

// ErrInvalidTransition is returned when a state change is not in the transition table.
var ErrInvalidTransition = errors.New("invalid card transition")

var transitions = map[models.CardState][]models.CardState{
	models.StateScheduled: {models.StateSuggested, models.StateRejected},
	models.StateSuggested: {models.StateInReview, models.StateApproved, models.StateRejected},
	models.StateInReview:  {models.StateSuggested, models.StateApproved, models.StateRejected},
	models.StateApproved:  {models.StateExecuting},
	models.StateExecuting: {models.StateDone, models.StateBlocked},
	models.StateBlocked:   {models.StateApproved},
}

// CanTransition reports whether from -> to is a legal card transition.
func CanTransition(from, to models.CardState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a card in state s never moves again without a human.
func Terminal(s models.CardState) bool {
	return len(transitions[s]) == 0
}

// checkHuman validates a transition requested from outside the executor. Entering or
// leaving executing is reserved for the atomic claim and its completion.
func checkHuman(from, to models.CardState) error {
	if to == models.StateExecuting || from == models.StateExecuting {
		return fmt.Errorf("%w: %s -> %s is reserved for the executor", ErrInvalidTransition, from, to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
