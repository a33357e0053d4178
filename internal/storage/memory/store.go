// Package memory provides an in-process Store for tests and single-process
// development. Every method returns copies, so callers never share state
// with the store.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/jobserver/internal/domain"
	"github.com/cuongbtq/jobserver/internal/storage"
	"github.com/google/uuid"
)

var _ storage.Store = (*Store)(nil)

// Option configures a Store
type Option func(*Store)

// WithClock replaces time.Now, letting tests move time forward.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store is a mutex guarded map of jobs
type Store struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.Job
	now  func() time.Time
}

// New creates an empty Store
func New(opts ...Option) *Store {
	s := &Store{
		jobs: make(map[uuid.UUID]*domain.Job),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Create(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.State != domain.StatePending {
		return domain.NewValidationError("state", "new jobs must be pending, got %s", job.State)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job.Clone(), nil
}

func (s *Store) List(_ context.Context, filter storage.JobFilter) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Job
	for _, job := range s.jobs {
		if filter.Matches(job) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return storage.Less(out[i], out[j]) })

	if filter.PageSize > 0 && len(out) > filter.PageSize+1 {
		out = out[:filter.PageSize+1]
	}
	for i, job := range out {
		out[i] = job.Clone()
	}
	return out, nil
}

func (s *Store) TryClaim(_ context.Context, req storage.ClaimRequest) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var candidate *domain.Job
	for _, job := range s.jobs {
		if !claimable(job, now, req) {
			continue
		}
		if candidate == nil || job.CreatedAt.Before(candidate.CreatedAt) {
			candidate = job
		}
	}
	if candidate == nil {
		return nil, domain.ErrNoJob
	}

	lease := now.Add(req.Lease)
	candidate.State = domain.StateClaimed
	candidate.WorkerID = req.WorkerID
	candidate.LeaseUntil = &lease
	candidate.HeartbeatAt = &now
	candidate.Attempts++
	candidate.UpdatedAt = now
	return candidate.Clone(), nil
}

func claimable(job *domain.Job, now time.Time, req storage.ClaimRequest) bool {
	if job.Expired(now) || slices.Contains(req.ExcludeKinds, job.Kind) {
		return false
	}
	switch job.State {
	case domain.StatePending:
		return true
	case domain.StateClaimed:
		return job.LeaseExpired(now) && job.Attempts < req.MaxAttempts
	}
	return false
}

func (s *Store) Start(_ context.Context, id uuid.UUID, workerID string, lease time.Duration) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.held(id, workerID)
	if err != nil {
		return nil, err
	}
	if err := domain.CheckTransition(job.State, domain.StateRunning); err != nil {
		return nil, err
	}

	now := s.now()
	until := now.Add(lease)
	job.State = domain.StateRunning
	if job.StartedAt == nil {
		started := domain.After(now, job.CreatedAt)
		job.StartedAt = &started
	}
	job.LeaseUntil = &until
	job.HeartbeatAt = &now
	job.UpdatedAt = now
	return job.Clone(), nil
}

func (s *Store) Heartbeat(_ context.Context, id uuid.UUID, workerID string, lease time.Duration) (storage.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.held(id, workerID)
	if err != nil {
		return storage.Lease{}, err
	}

	now := s.now()
	until := now.Add(lease)
	job.LeaseUntil = &until
	job.HeartbeatAt = &now
	job.UpdatedAt = now
	return storage.Lease{Until: until, CancelRequested: job.CancelRequested}, nil
}

func (s *Store) UpdateProgress(_ context.Context, id uuid.UUID, workerID string, p domain.Progress, statuses []domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.held(id, workerID)
	if err != nil {
		return err
	}
	if job.State != domain.StateRunning {
		return domain.ErrLeaseLost
	}
	if job.Progress != nil && p.Seq <= job.Progress.Seq {
		return nil
	}

	job.Progress = p.Clone()
	job.Statuses = domain.AppendStatuses(job.Statuses, domain.CloneStatuses(statuses))
	job.UpdatedAt = s.now()
	return nil
}

func (s *Store) Transition(_ context.Context, t storage.Transition) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[t.ID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if t.WorkerID != "" && (!job.State.IsHeld() || job.WorkerID != t.WorkerID) {
		return nil, domain.ErrLeaseLost
	}
	if err := domain.CheckTransition(job.State, t.To); err != nil {
		return nil, err
	}
	switch t.To {
	case domain.StateRunning:
		return nil, fmt.Errorf("%w: use Start to run a job", domain.ErrInvalidTransition)
	case domain.StateClaimed:
		return nil, fmt.Errorf("%w: use TryClaim to claim a job", domain.ErrInvalidTransition)
	}

	s.apply(job, t.To, t.Output, s.now())
	return job.Clone(), nil
}

// apply performs a validated transition.
func (s *Store) apply(job *domain.Job, to domain.State, output *domain.Output, now time.Time) {
	job.State = to
	job.UpdatedAt = now
	job.LeaseUntil = nil

	switch {
	case to.IsTerminal():
		if output == nil {
			output = &domain.Output{}
		}
		ref := job.CreatedAt
		if job.StartedAt != nil {
			ref = *job.StartedAt
		}
		ended := domain.After(now, ref)
		job.EndedAt = &ended
		job.Output = output.Clone()
	case to == domain.StatePending:
		job.WorkerID = ""
		job.HeartbeatAt = nil
	}
}

func (s *Store) RequestCancel(_ context.Context, id uuid.UUID) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if job.State.IsTerminal() {
		return job.Clone(), nil
	}

	now := s.now()
	job.CancelRequested = true
	job.UpdatedAt = now
	if job.State == domain.StatePending {
		s.apply(job, domain.StateCancelled, domain.Failure(domain.CodeCancelled, "cancelled before start"), now)
	}
	return job.Clone(), nil
}

func (s *Store) ReclaimExpired(_ context.Context, maxAttempts int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []*domain.Job
	for _, job := range s.sorted() {
		if !job.LeaseExpired(now) {
			continue
		}
		switch {
		case job.CancelRequested:
			s.apply(job, domain.StateCancelled, domain.Failure(domain.CodeCancelled, "cancelled while lease expired"), now)
		case job.Attempts >= maxAttempts:
			s.apply(job, domain.StateFailed, domain.Failure(domain.CodeLeaseExpired,
				fmt.Sprintf("lease expired after %d attempts", job.Attempts)), now)
		default:
			s.apply(job, domain.StatePending, nil, now)
		}
		out = append(out, job.Clone())
	}
	return out, nil
}

func (s *Store) CancelOverdue(_ context.Context, grace time.Duration) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []*domain.Job
	for _, job := range s.sorted() {
		if job.State.IsTerminal() || !job.Expired(now) {
			continue
		}
		liveWorker := job.State == domain.StateRunning && !job.LeaseExpired(now)
		if liveWorker && now.Before(job.ExpiresAt.Add(grace)) {
			continue
		}
		s.apply(job, domain.StateCancelled, domain.Failure(domain.CodeDeadlineExceeded, "job exceeded its deadline"), now)
		out = append(out, job.Clone())
	}
	return out, nil
}

func (s *Store) Delete(_ context.Context, id uuid.UUID) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !job.State.IsTerminal() {
		return nil, domain.ErrNotTerminal
	}
	delete(s.jobs, id)
	return job, nil
}

func (s *Store) PruneTerminal(_ context.Context, before time.Time, limit int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var victims []*domain.Job
	for _, job := range s.jobs {
		if job.State.IsTerminal() && job.EndedAt != nil && job.EndedAt.Before(before) {
			victims = append(victims, job)
		}
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].EndedAt.Before(*victims[j].EndedAt) })
	if limit > 0 && len(victims) > limit {
		victims = victims[:limit]
	}
	for _, job := range victims {
		delete(s.jobs, job.ID)
	}
	return victims, nil
}

// held returns the live record when workerID holds the claim.
func (s *Store) held(id uuid.UUID, workerID string) (*domain.Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !job.State.IsHeld() || job.WorkerID != workerID {
		return nil, domain.ErrLeaseLost
	}
	return job, nil
}

// sorted returns live records oldest first.
func (s *Store) sorted() []*domain.Job {
	out := make([]*domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
