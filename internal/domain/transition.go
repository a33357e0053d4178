package domain

import "fmt"

// edges holds the allowed state transitions.
// claimed -> pending and running -> pending are reclaims after a lost lease
// or a release on shutdown.
var edges = map[State][]State{
	StatePending: {StateClaimed, StateCancelled},
	StateClaimed: {StateRunning, StatePending, StateFailed, StateCancelled},
	StateRunning: {StateCompleted, StateFailed, StateCancelled, StatePending},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to State) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesOf returns every state that may transition into to.
func SourcesOf(to State) []State {
	var sources []State
	for _, from := range AllStates {
		if CanTransition(from, to) {
			sources = append(sources, from)
		}
	}
	return sources
}

// CheckTransition returns ErrInvalidTransition wrapped with the offending edge.
func CheckTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
