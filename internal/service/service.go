// Package service is the facade bot modules and the HTTP API use to submit,
// inspect and cancel jobs. It never runs handlers itself.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobserver/internal/artifact"
	"github.com/cuongbtq/jobserver/internal/domain"
	"github.com/cuongbtq/jobserver/internal/progress"
	"github.com/cuongbtq/jobserver/internal/registry"
	"github.com/cuongbtq/jobserver/internal/storage"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	nudgeTimeout    = 2 * time.Second
)

// Publisher sends nudges to workers
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// Notifier receives jobs the service moved to a terminal state itself
type Notifier interface {
	Notify(job *domain.Job)
}

// Config holds the service collaborators and limits
type Config struct {
	Logger      *slog.Logger
	Store       storage.Store
	Registry    *registry.Registry
	Permissions Permissions
	Nudger      Publisher
	Notifier    Notifier
	Artifacts   artifact.Store
	Feed        progress.Feed
	Now         func() time.Time

	// StrictKinds rejects unregistered kinds at submission instead of
	// letting the worker fail them.
	StrictKinds   bool
	DefaultExpiry time.Duration
	MaxExpiry     time.Duration
	MaxInputBytes int
}

// Service implements submission, status, cancellation and listing
type Service struct {
	cfg    Config
	logger *slog.Logger
	store  storage.Store
}

// SubmitRequest describes a new job
type SubmitRequest struct {
	Kind  string
	Input json.RawMessage
	Owner domain.Owner
	// Expiry is relative to submission. Zero uses the configured default.
	Expiry time.Duration
}

// ListRequest filters a listing
type ListRequest struct {
	Owner    *domain.Owner
	Kind     string
	State    domain.State
	PageSize int
	Cursor   *storage.JobCursor
}

// Page is one page of a listing
type Page struct {
	Jobs []*domain.Job
	Next *storage.JobCursor
}

// New creates a service
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("service: store is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("service: registry is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Permissions == nil {
		cfg.Permissions = OwnerOrAdmin{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxInputBytes <= 0 {
		cfg.MaxInputBytes = 1 << 20
	}
	return &Service{cfg: cfg, logger: cfg.Logger, store: cfg.Store}, nil
}

// Submit validates and persists a job, then nudges workers. The job is
// durable once Submit returns, whether or not the nudge went out.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*domain.Job, error) {
	if req.Kind == "" {
		return nil, domain.NewValidationError("kind", "is required")
	}
	if req.Owner.IsZero() || req.Owner.Type == "" || req.Owner.ID == "" {
		return nil, domain.NewValidationError("owner", "type and id are required")
	}
	input := bytes.TrimSpace(req.Input)
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if len(input) > s.cfg.MaxInputBytes {
		return nil, domain.NewValidationError("input", "exceeds %d bytes", s.cfg.MaxInputBytes)
	}
	if !json.Valid(input) {
		return nil, domain.NewValidationError("input", "must be a JSON document")
	}

	expiry := req.Expiry
	switch {
	case expiry < 0:
		return nil, domain.NewValidationError("expiry", "must not be negative")
	case expiry == 0:
		expiry = s.cfg.DefaultExpiry
	}
	if s.cfg.MaxExpiry > 0 && expiry > s.cfg.MaxExpiry {
		return nil, domain.NewValidationError("expiry", "must be at most %s", s.cfg.MaxExpiry)
	}

	if err := s.cfg.Registry.Validate(req.Kind, input); err != nil {
		if !errors.Is(err, domain.ErrUnknownKind) || s.cfg.StrictKinds {
			return nil, err
		}
	}

	job := domain.NewJob(req.Kind, json.RawMessage(input), req.Owner, expiry, s.cfg.Now())
	if err := s.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.logger.Info("Job submitted",
		slog.String("job_id", job.ID.String()),
		slog.String("kind", job.Kind),
		slog.String("owner", job.Owner.String()),
	)
	s.nudge(ctx, domain.Nudge{JobID: job.ID, Event: domain.NudgeCreated})
	return job, nil
}

// Status returns the current snapshot of a job
func (s *Service) Status(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return s.store.Get(ctx, id)
}

// Permissions returns the policy applied to requesters
func (s *Service) Permissions() Permissions {
	return s.cfg.Permissions
}

// Authorize checks that requester may perform action on job id and returns
// the job.
func (s *Service) Authorize(ctx context.Context, id uuid.UUID, requester domain.Owner, action Action) (*domain.Job, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Permissions.Check(ctx, requester, action, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Cancel requests cancellation. Pending jobs are cancelled immediately;
// running jobs stop at their next checkpoint. Cancelling a terminal job is a
// no-op that returns it unchanged.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, requester domain.Owner) (*domain.Job, error) {
	job, err := s.Authorize(ctx, id, requester, ActionCancel)
	if err != nil {
		return nil, err
	}
	if job.State.IsTerminal() {
		return job, nil
	}

	updated, err := s.store.RequestCancel(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("request cancel: %w", err)
	}

	logger := s.logger.With(slog.String("job_id", id.String()), slog.String("requester", requester.String()))
	switch {
	case updated.State.IsTerminal():
		logger.Info("Job cancelled before start")
		if s.cfg.Notifier != nil {
			s.cfg.Notifier.Notify(updated)
		}
	default:
		logger.Info("Cancel requested for job", slog.String("state", updated.State.String()))
		s.nudge(ctx, domain.Nudge{JobID: id, Event: domain.NudgeCancel})
	}
	return updated, nil
}

// List returns one page of jobs, newest first
func (s *Service) List(ctx context.Context, req ListRequest) (Page, error) {
	size := req.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	if req.State != "" && !req.State.IsValid() {
		return Page{}, domain.NewValidationError("state", "unknown state %q", req.State)
	}

	jobs, err := s.store.List(ctx, storage.JobFilter{
		Owner:    req.Owner,
		Kind:     req.Kind,
		State:    req.State,
		PageSize: size,
		Cursor:   req.Cursor,
	})
	if err != nil {
		return Page{}, fmt.Errorf("list jobs: %w", err)
	}

	page := Page{Jobs: jobs}
	if len(jobs) > size {
		page.Jobs = jobs[:size]
		last := page.Jobs[size-1]
		page.Next = &storage.JobCursor{CreatedAt: last.CreatedAt, JobID: last.ID}
	}
	return page, nil
}

// Delete removes a terminal job and its artifacts
func (s *Service) Delete(ctx context.Context, id uuid.UUID, requester domain.Owner) error {
	job, err := s.Authorize(ctx, id, requester, ActionDelete)
	if err != nil {
		return err
	}
	if !job.State.IsTerminal() {
		return fmt.Errorf("%w: job is %s", domain.ErrNotTerminal, job.State)
	}

	if s.cfg.Artifacts != nil {
		if err := s.cfg.Artifacts.DeletePrefix(ctx, artifact.Prefix(id)); err != nil {
			return fmt.Errorf("delete artifacts: %w", err)
		}
	}
	if _, err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}

	s.logger.Info("Job deleted", slog.String("job_id", id.String()), slog.String("requester", requester.String()))
	return nil
}

// OpenArtifact opens the output artifact of a completed job
func (s *Service) OpenArtifact(ctx context.Context, id uuid.UUID, requester domain.Owner) (io.ReadCloser, *domain.ArtifactRef, error) {
	job, err := s.Authorize(ctx, id, requester, ActionView)
	if err != nil {
		return nil, nil, err
	}
	if job.Output == nil || job.Output.Artifact == nil || s.cfg.Artifacts == nil {
		return nil, nil, fmt.Errorf("%w: job has no artifact", artifact.ErrNotFound)
	}
	rc, err := s.cfg.Artifacts.Open(ctx, job.Output.Artifact.Key)
	if err != nil {
		return nil, nil, err
	}
	return rc, job.Output.Artifact, nil
}

func (s *Service) nudge(ctx context.Context, n domain.Nudge) {
	if s.cfg.Nudger == nil {
		return
	}
	body, err := json.Marshal(n)
	if err != nil {
		s.logger.Error("Failed to encode nudge", slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), nudgeTimeout)
	defer cancel()
	if err := s.cfg.Nudger.Publish(ctx, n.RoutingKey(), body, "application/json"); err != nil {
		// workers still find the job on their next poll
		s.logger.Warn("Failed to publish nudge",
			slog.String("job_id", n.JobID.String()),
			slog.String("event", n.Event),
			slog.Any("error", err),
		)
	}
}
