package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job cannot be found in the store
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a state change violates the state machine
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrValidation is returned when a job input or request is rejected
	ErrValidation = errors.New("validation failed")

	// ErrUnknownKind is returned when no handler is registered for a kind
	ErrUnknownKind = errors.New("unknown job kind")

	// ErrForbidden is returned when the requester may not act on a job
	ErrForbidden = errors.New("forbidden")

	// ErrCancelled is returned by handlers that honored a cancellation request
	ErrCancelled = errors.New("job cancelled")

	// ErrDeadlineExceeded marks a job that ran past its expiry
	ErrDeadlineExceeded = errors.New("job deadline exceeded")

	// ErrLeaseLost is returned when a worker no longer holds the claim on a job
	ErrLeaseLost = errors.New("job lease lost")

	// ErrNoJob is returned by a claim attempt when nothing is claimable
	ErrNoJob = errors.New("no claimable job")

	// ErrNotTerminal is returned when deleting a job that has not finished
	ErrNotTerminal = errors.New("job is not in a terminal state")
)

// ValidationError describes a rejected field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError creates a validation error for field
func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ExecutionError wraps a failure reported by a handler
type ExecutionError struct {
	Code string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution error (%s): %v", e.Code, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// NewExecutionError creates an execution error with a machine readable code
func NewExecutionError(code string, err error) error {
	return &ExecutionError{Code: code, Err: err}
}

// StoreError wraps a failure of the persistence layer
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError wraps err as a persistence failure for op
func NewStoreError(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// IsStoreError reports whether err came from the persistence layer
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
