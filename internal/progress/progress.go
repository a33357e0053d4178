// Package progress carries progress snapshots from a running handler to the
// store and to live subscribers, and carries cancellation requests back to
// the handler.
package progress

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cuongbtq/jobserver/internal/domain"
	"github.com/google/uuid"
)

// Update is what a handler reports. The tracker assigns the sequence number.
// An update with a Message also becomes a line of the job's status log.
type Update struct {
	Percent float64
	Stage   string
	Message string
	// Level of the status line; empty means domain.LevelInfo.
	Level string
	Meta  map[string]any
}

// Reporter is handed to handlers for publishing progress.
type Reporter interface {
	Report(u Update)
}

// Cancellation is the handler's view of a cancel request. Handlers must check
// it at loop iterations and before expensive sub-steps, and return
// domain.ErrCancelled once it is set.
type Cancellation interface {
	Requested() bool
	Done() <-chan struct{}
	Err() error
}

// Publisher forwards snapshots to live subscribers. Implementations must not
// block the caller for long.
type Publisher interface {
	Publish(ctx context.Context, jobID uuid.UUID, p domain.Progress)
}

// Feed lets readers follow snapshots of one job as they are published.
type Feed interface {
	Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan domain.Progress, func(), error)
}

// Publishers fans a snapshot out to several publishers in order.
type Publishers []Publisher

func (ps Publishers) Publish(ctx context.Context, jobID uuid.UUID, p domain.Progress) {
	for _, pub := range ps {
		if pub != nil {
			pub.Publish(ctx, jobID, p)
		}
	}
}

// Token is a single-writer, multi-reader cancellation flag.
type Token struct {
	once      sync.Once
	done      chan struct{}
	requested atomic.Bool
}

// NewToken creates an unset token
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel sets the flag. Later calls are no-ops.
func (t *Token) Cancel() {
	t.once.Do(func() {
		t.requested.Store(true)
		close(t.done)
	})
}

func (t *Token) Requested() bool {
	return t.requested.Load()
}

func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Err returns domain.ErrCancelled once the flag is set.
func (t *Token) Err() error {
	if t.Requested() {
		return domain.ErrCancelled
	}
	return nil
}
