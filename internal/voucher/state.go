package voucher

import (
	"errors"
	"fmt"
)

// State is a voucher lifecycle state.
type State string

const (
	StatePending    State = "pending"
	StateCollecting State = "collecting"
	StateCollected  State = "collected"
	StateClaiming   State = "claiming"
	StateClaimed    State = "claimed"
	StateInvalid    State = "invalid"
	StateExpired    State = "expired"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StatePending, StateCollecting, StateCollected, StateClaiming,
	StateClaimed, StateInvalid, StateExpired,
}

var (
	ErrInvalidReceipt    = errors.New("invalid receipt")
	ErrInvalidTransition = errors.New("invalid voucher state transition")
)

var transitions = map[State][]State{
	StatePending:    {StateCollecting, StateInvalid, StateExpired},
	StateCollecting: {StateCollected, StatePending, StateInvalid, StateExpired},
	// collected -> claimed only happens when a claim that was given up on is found mined.
	StateCollected: {StateClaiming, StateExpired, StateClaimed},
	StateClaiming:  {StateClaimed, StateCollected},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

func (s State) Valid() bool {
	for _, v := range AllStates {
		if v == s {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition for illegal moves.
func CheckTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
