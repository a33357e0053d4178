// Package worker claims jobs from the store and runs them under supervision:
// bounded concurrency, lease heartbeats, progress persistence, cooperative
// cancellation and deadlines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cuongbtq/jobserver/internal/artifact"
	"github.com/cuongbtq/jobserver/internal/backoff"
	"github.com/cuongbtq/jobserver/internal/domain"
	"github.com/cuongbtq/jobserver/internal/progress"
	"github.com/cuongbtq/jobserver/internal/registry"
	"github.com/cuongbtq/jobserver/internal/storage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/cuongbtq/jobserver/internal/worker"

var (
	errShutdown  = errors.New("worker shutting down")
	errLeaseLost = fmt.Errorf("heartbeat: %w", domain.ErrLeaseLost)
)

// Notifier receives jobs that reached a terminal state
type Notifier interface {
	Notify(job *domain.Job)
}

// Config holds worker configuration
type Config struct {
	Logger    *slog.Logger
	Store     storage.Store
	Registry  *registry.Registry
	Notifier  Notifier
	Publisher progress.Publisher
	Artifacts artifact.Store
	Tracer    trace.Tracer
	Backoff   backoff.Strategy
	Now       func() time.Time

	WorkerID    string
	Concurrency int
	KindLimits  map[string]int
	MaxAttempts int

	Lease              time.Duration
	HeartbeatInterval  time.Duration
	PollInterval       time.Duration
	LeaseCheckInterval time.Duration
	ForceGrace         time.Duration
	ProgressInterval   time.Duration
	ShutdownTimeout    time.Duration

	// ArtifactThreshold is the encoded output size above which results are
	// written to the artifact store instead of the job record.
	ArtifactThreshold int
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer(tracerName)
	}
	if c.Backoff == nil {
		c.Backoff = backoff.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.WorkerID == "" {
		host, _ := os.Hostname()
		c.WorkerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 3 * c.HeartbeatInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.LeaseCheckInterval <= 0 {
		c.LeaseCheckInterval = 15 * time.Second
	}
	if c.ForceGrace <= 0 {
		c.ForceGrace = 10 * time.Second
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.ArtifactThreshold <= 0 {
		c.ArtifactThreshold = 64 << 10
	}
}

// Worker runs one claim loop and one reaper per process
type Worker struct {
	cfg      Config
	logger   *slog.Logger
	store    storage.Store
	registry *registry.Registry
	slots    *slots
	wakeCh   chan struct{}

	// base is the parent of every execution context; cancelled on shutdown.
	base       context.Context
	cancelBase context.CancelCauseFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	active map[uuid.UUID]*execution
	stop   context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Store == nil {
		return nil, errors.New("worker: store is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("worker: registry is required")
	}
	cfg.applyDefaults()
	if cfg.Lease <= cfg.HeartbeatInterval {
		return nil, fmt.Errorf("worker: lease %s must be longer than heartbeat interval %s", cfg.Lease, cfg.HeartbeatInterval)
	}

	base, cancel := context.WithCancelCause(context.Background())
	return &Worker{
		cfg:        cfg,
		logger:     cfg.Logger.With(slog.String("worker_id", cfg.WorkerID)),
		store:      cfg.Store,
		registry:   cfg.Registry,
		slots:      newSlots(cfg.Concurrency, cfg.KindLimits),
		wakeCh:     make(chan struct{}, 1),
		base:       base,
		cancelBase: cancel,
		active:     make(map[uuid.UUID]*execution),
		done:       make(chan struct{}),
	}, nil
}

// ID returns the identity this worker claims jobs under
func (w *Worker) ID() string {
	return w.cfg.WorkerID
}

// Start runs the claim loop and the reaper until ctx is cancelled or Stop is
// called, then releases or finishes in-flight jobs.
func (w *Worker) Start(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	w.mu.Lock()
	w.stop = stop
	w.mu.Unlock()
	defer close(w.done)
	defer stop()

	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.cfg.Concurrency),
		slog.Any("kind_limits", w.cfg.KindLimits),
		slog.Duration("lease", w.cfg.Lease),
		slog.Duration("heartbeat_interval", w.cfg.HeartbeatInterval),
		slog.Any("kinds", w.registry.Kinds()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.claimLoop(gctx) })
	g.Go(func() error { return w.reaperLoop(gctx) })
	err := g.Wait()

	w.shutdown()
	return err
}

// Stop cancels Start and waits for it to return
func (w *Worker) Stop() {
	w.mu.Lock()
	stop := w.stop
	w.mu.Unlock()
	if stop == nil {
		return
	}

	w.logger.Info("Stopping worker...")
	stop()
	<-w.done
	w.logger.Info("Worker stopped")
}

// Wake makes the claim loop look for work now instead of at the next poll.
func (w *Worker) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// Kick makes the heartbeat of a running job check the store now, so a
// cancel request is seen without waiting for the next interval.
func (w *Worker) Kick(jobID uuid.UUID) bool {
	w.mu.Lock()
	exec, ok := w.active[jobID]
	w.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case exec.kick <- struct{}{}:
	default:
	}
	return true
}

// SetKindLimit changes the ceiling for one kind at runtime. A limit of zero
// removes it.
func (w *Worker) SetKindLimit(kind string, limit int) {
	w.slots.setLimit(kind, limit)
	w.logger.Info("Kind limit changed", slog.String("kind", kind), slog.Int("limit", limit))
}

// Active returns the ids of jobs executing in this process. Bookkeeping
// only; the store decides who holds a job.
func (w *Worker) Active() []uuid.UUID {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(w.active))
	for id := range w.active {
		ids = append(ids, id)
	}
	return ids
}

func (w *Worker) shutdown() {
	running, _ := w.slots.usage()
	w.logger.Info("Worker draining in-flight jobs", slog.Int("running", running))

	w.cancelBase(errShutdown)

	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		w.logger.Info("All in-flight jobs finished")
	case <-time.After(w.cfg.ShutdownTimeout):
		w.logger.Warn("Shutdown timeout reached with jobs still running",
			slog.Any("job_ids", w.Active()),
		)
	}
}

func (w *Worker) claimLoop(ctx context.Context) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		if w.slots.full() {
			w.wait(ctx, w.slots.freed)
			continue
		}

		job, err := w.store.TryClaim(ctx, storage.ClaimRequest{
			WorkerID:     w.cfg.WorkerID,
			Lease:        w.cfg.Lease,
			MaxAttempts:  w.cfg.MaxAttempts,
			ExcludeKinds: w.slots.saturated(),
		})
		switch {
		case errors.Is(err, domain.ErrNoJob):
			failures = 0
			w.wait(ctx, w.slots.freed)
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			failures++
			delay := w.cfg.Backoff.Delay(failures)
			w.logger.Warn("Failed to claim job, backing off",
				slog.Int("failures", failures),
				slog.Duration("retry_after", delay),
				slog.Any("error", err),
			)
			sleep(ctx, delay)
			continue
		}

		failures = 0
		w.dispatch(ctx, job)
	}
}

// wait blocks until a wake-up, a freed slot, the poll interval or ctx end.
func (w *Worker) wait(ctx context.Context, freed <-chan struct{}) {
	t := time.NewTimer(w.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-w.wakeCh:
	case <-freed:
	case <-t.C:
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
