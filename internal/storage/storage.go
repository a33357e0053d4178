// Package storage defines the job record store, the source of truth for job
// state across processes and restarts.
package storage

import (
	"context"
	"time"

	"github.com/cuongbtq/jobserver/internal/domain"
	"github.com/google/uuid"
)

// Store persists jobs and performs every state change atomically.
// Claims and transitions are the only operations that need exclusivity;
// implementations enforce it in the backing store, never in process memory.
type Store interface {
	// Create inserts a new pending job.
	Create(ctx context.Context, job *domain.Job) error

	// Get returns the job or domain.ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// List returns jobs newest first. It fetches one row past PageSize so
	// callers can tell whether another page exists.
	List(ctx context.Context, filter JobFilter) ([]*domain.Job, error)

	// TryClaim atomically moves the oldest claimable job to claimed and
	// returns it, or domain.ErrNoJob.
	TryClaim(ctx context.Context, req ClaimRequest) (*domain.Job, error)

	// Start moves a claimed job to running and renews its lease.
	Start(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) (*domain.Job, error)

	// Heartbeat renews the lease of a held job and reports the cancel flag.
	// Returns domain.ErrLeaseLost when workerID no longer holds the job.
	Heartbeat(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) (Lease, error)

	// UpdateProgress stores p when it is newer than the stored snapshot and
	// appends the status lines newer than the stored log, keeping the newest
	// domain.MaxStatuses. Stale snapshots are ignored without error.
	UpdateProgress(ctx context.Context, id uuid.UUID, workerID string, p domain.Progress, statuses []domain.Status) error

	// Transition applies a state change. Terminal targets write the output
	// and ended_at exactly once.
	Transition(ctx context.Context, t Transition) (*domain.Job, error)

	// RequestCancel sets the cancel flag. Pending jobs become cancelled
	// immediately; terminal jobs are returned unchanged.
	RequestCancel(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// ReclaimExpired returns held jobs with a lapsed lease to pending, or
	// fails them once maxAttempts claims have been used.
	ReclaimExpired(ctx context.Context, maxAttempts int) ([]*domain.Job, error)

	// CancelOverdue cancels jobs past their deadline. Running jobs whose
	// lease is still live are left to their worker for grace past the deadline.
	CancelOverdue(ctx context.Context, grace time.Duration) ([]*domain.Job, error)

	// Delete removes a terminal job.
	Delete(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// PruneTerminal deletes up to limit terminal jobs that ended before cutoff.
	PruneTerminal(ctx context.Context, before time.Time, limit int) ([]*domain.Job, error)
}

// JobFilter narrows List results
type JobFilter struct {
	Owner    *domain.Owner
	Kind     string
	State    domain.State
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is a keyset position in the newest-first ordering
type JobCursor struct {
	CreatedAt time.Time
	JobID     uuid.UUID
}

// ClaimRequest describes a claim attempt by one worker
type ClaimRequest struct {
	WorkerID string
	Lease    time.Duration
	// MaxAttempts bounds how often an expired claim is handed out again.
	MaxAttempts int
	// ExcludeKinds skips kinds the worker has no capacity for.
	ExcludeKinds []string
}

// Transition is a requested state change
type Transition struct {
	ID uuid.UUID
	To domain.State
	// Output is required for terminal targets and ignored otherwise.
	Output *domain.Output
	// WorkerID, when set, requires the caller to hold the job.
	WorkerID string
}

// Lease is the result of a successful heartbeat
type Lease struct {
	Until           time.Time
	CancelRequested bool
}

// Less reports whether a sorts after b in newest-first order.
func Less(a, b *domain.Job) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID.String() > b.ID.String()
}

// Before reports whether job comes strictly after the cursor position.
func (c *JobCursor) Before(job *domain.Job) bool {
	if job.CreatedAt.Equal(c.CreatedAt) {
		return job.ID.String() < c.JobID.String()
	}
	return job.CreatedAt.Before(c.CreatedAt)
}

// Matches reports whether job satisfies the filter, cursor included.
func (f JobFilter) Matches(job *domain.Job) bool {
	if f.Owner != nil && job.Owner != *f.Owner {
		return false
	}
	if f.Kind != "" && job.Kind != f.Kind {
		return false
	}
	if f.State != "" && job.State != f.State {
		return false
	}
	if f.Cursor != nil && !f.Cursor.Before(job) {
		return false
	}
	return true
}
