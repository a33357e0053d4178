package domain

import "slices"

// State is the lifecycle state of a job
type State string

// Job state constants
const (
	StatePending   State = "pending"
	StateClaimed   State = "claimed"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Error codes stored in a job's output
const (
	CodeUnknownKind      = "unknown_kind"
	CodeExecutionError   = "execution_error"
	CodePanic            = "panic"
	CodeCancelled        = "cancelled"
	CodeDeadlineExceeded = "deadline_exceeded"
	CodeLeaseExpired     = "lease_expired"
	CodeInvalidOutput    = "invalid_output"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StatePending,
	StateClaimed,
	StateRunning,
	StateCompleted,
	StateFailed,
	StateCancelled,
}

// TerminalStates lists the states with no outgoing transitions.
var TerminalStates = []State{StateCompleted, StateFailed, StateCancelled}

// IsTerminal reports whether no transition may leave s.
func (s State) IsTerminal() bool {
	return slices.Contains(TerminalStates, s)
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	for _, st := range AllStates {
		if st == s {
			return true
		}
	}
	return false
}

// IsHeld reports whether a worker holds a claim on a job in state s.
func (s State) IsHeld() bool {
	return s == StateClaimed || s == StateRunning
}

func (s State) String() string {
	return string(s)
}

// ParseState converts a textual state, rejecting unknown values.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.IsValid() {
		return "", NewValidationError("state", "unknown state %q", s)
	}
	return st, nil
}
