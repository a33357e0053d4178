// Package registry maps job kinds to the handlers that execute them.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/cuongbtq/jobserver/internal/domain"
	"github.com/cuongbtq/jobserver/internal/progress"
)

// Handler executes one kind of job.
//
// Validate runs at submission and must not have side effects. Execute runs in
// the dispatcher's supervised goroutine; it should check cancel (or ctx) at
// checkpoints and return domain.ErrCancelled when a cancel was requested.
// The returned value is encoded as JSON into the job output.
type Handler interface {
	Validate(input json.RawMessage) error
	Execute(ctx context.Context, input json.RawMessage, rep progress.Reporter, cancel progress.Cancellation) (any, error)
}

// Func adapts a plain function into a Handler that accepts any input.
type Func func(ctx context.Context, input json.RawMessage, rep progress.Reporter, cancel progress.Cancellation) (any, error)

func (f Func) Validate(json.RawMessage) error { return nil }

func (f Func) Execute(ctx context.Context, input json.RawMessage, rep progress.Reporter, cancel progress.Cancellation) (any, error) {
	return f(ctx, input, rep, cancel)
}

// Definition describes a handler whose input decodes into T.
type Definition[T any] struct {
	// Check validates the decoded input. Optional.
	Check func(in T) error
	Run   func(ctx context.Context, in T, rep progress.Reporter, cancel progress.Cancellation) (any, error)
}

// Typed wraps a Definition as a Handler that decodes JSON input into T.
func Typed[T any](def Definition[T]) Handler {
	return typed[T]{def: def}
}

type typed[T any] struct {
	def Definition[T]
}

func (h typed[T]) decode(input json.RawMessage) (T, error) {
	var in T
	if len(input) == 0 {
		return in, nil
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return in, domain.NewValidationError("input", "%v", err)
	}
	return in, nil
}

func (h typed[T]) Validate(input json.RawMessage) error {
	in, err := h.decode(input)
	if err != nil {
		return err
	}
	if h.def.Check != nil {
		return h.def.Check(in)
	}
	return nil
}

func (h typed[T]) Execute(ctx context.Context, input json.RawMessage, rep progress.Reporter, cancel progress.Cancellation) (any, error) {
	in, err := h.decode(input)
	if err != nil {
		return nil, domain.NewExecutionError(domain.CodeExecutionError, err)
	}
	return h.def.Run(ctx, in, rep, cancel)
}

// Registry maps kinds to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	frozen   bool
}

// New creates an empty registry
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds kind to h. It panics on an empty kind, a duplicate kind or
// a frozen registry, all of which are programming errors.
func (r *Registry) Register(kind string, h Handler) {
	if kind == "" {
		panic("registry: empty job kind")
	}
	if h == nil {
		panic(fmt.Sprintf("registry: nil handler for kind %q", kind))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		panic(fmt.Sprintf("registry: register %q after freeze", kind))
	}
	if _, dup := r.handlers[kind]; dup {
		panic(fmt.Sprintf("registry: kind %q registered twice", kind))
	}
	r.handlers[kind] = h
}

// Freeze rejects later registrations. Called once startup is done.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the handler for kind.
func (r *Registry) Lookup(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Validate checks input against the handler for kind. It returns
// domain.ErrUnknownKind when no handler is registered.
func (r *Registry) Validate(kind string, input json.RawMessage) error {
	h, ok := r.Lookup(kind)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownKind, kind)
	}
	return h.Validate(input)
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}
