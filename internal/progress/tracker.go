package progress

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cuongbtq/jobserver/internal/domain"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// PersistFunc writes a snapshot and the status lines reported since the last
// successful write to the job record.
type PersistFunc func(ctx context.Context, p domain.Progress, statuses []domain.Status) error

// TrackerConfig configures a Tracker
type TrackerConfig struct {
	Persist   PersistFunc
	Publisher Publisher
	Logger    *slog.Logger
	// Interval is the minimum spacing between persistence requests.
	Interval time.Duration
	// StartSeq continues numbering after a snapshot left by an earlier attempt.
	StartSeq int64
	Now      func() time.Time
}

// Tracker numbers the snapshots of one execution, publishes each one
// immediately and asks for persistence at a throttled rate. A report that
// falls inside the interval schedules a request for when the interval ends,
// so the newest snapshot is never left unwritten for longer than that.
type Tracker struct {
	jobID     uuid.UUID
	persist   PersistFunc
	publisher Publisher
	logger    *slog.Logger
	limiter   *rate.Limiter
	now       func() time.Time
	dirty     chan struct{}

	mu        sync.Mutex
	seq       int64
	latest    *domain.Progress
	pending   []domain.Status
	persisted int64
	deferred  *time.Timer
	stopped   bool
}

// NewTracker creates a tracker for one execution of a job
func NewTracker(jobID uuid.UUID, cfg TrackerConfig) *Tracker {
	limit := rate.Inf
	if cfg.Interval > 0 {
		limit = rate.Every(cfg.Interval)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Tracker{
		jobID:     jobID,
		persist:   cfg.Persist,
		publisher: cfg.Publisher,
		logger:    logger,
		limiter:   rate.NewLimiter(limit, 1),
		now:       now,
		dirty:     make(chan struct{}, 1),
		seq:       cfg.StartSeq,
		persisted: cfg.StartSeq,
	}
}

// Report records a snapshot. It never waits on the store.
func (t *Tracker) Report(u Update) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	snap := domain.Progress{
		Seq:       t.seq,
		Percent:   clampPercent(u.Percent),
		Stage:     u.Stage,
		Message:   u.Message,
		Meta:      maps.Clone(u.Meta),
		UpdatedAt: t.now(),
	}
	t.latest = &snap

	if u.Message != "" {
		level := u.Level
		if level == "" {
			level = domain.LevelInfo
		}
		t.pending = append(t.pending, domain.Status{
			Seq:     snap.Seq,
			Level:   level,
			Stage:   u.Stage,
			Message: u.Message,
			Fields:  maps.Clone(u.Meta),
			At:      snap.UpdatedAt,
		})
		if len(t.pending) > domain.MaxStatuses {
			t.pending = t.pending[len(t.pending)-domain.MaxStatuses:]
		}
	}

	// Published under the lock so subscribers see sequence order.
	if t.publisher != nil {
		t.publisher.Publish(context.Background(), t.jobID, snap)
	}

	if t.deferred != nil || t.stopped {
		return
	}
	if t.limiter.Allow() {
		t.signal()
		return
	}
	r := t.limiter.Reserve()
	if !r.OK() {
		return
	}
	t.deferred = time.AfterFunc(r.Delay(), func() {
		t.mu.Lock()
		t.deferred = nil
		t.mu.Unlock()
		t.signal()
	})
}

func (t *Tracker) signal() {
	select {
	case t.dirty <- struct{}{}:
	default:
	}
}

// Stop cancels a scheduled persistence request. Reports after Stop are
// still recorded and can be flushed.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.deferred != nil {
		t.deferred.Stop()
		t.deferred = nil
	}
}

// Dirty signals that a snapshot is waiting to be persisted.
func (t *Tracker) Dirty() <-chan struct{} {
	return t.dirty
}

// Latest returns a copy of the newest snapshot, or nil.
func (t *Tracker) Latest() *domain.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest.Clone()
}

// Flush persists the newest snapshot and the pending status lines if they
// have not been written yet.
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	snap := t.latest.Clone()
	written := t.persisted
	lines := domain.CloneStatuses(t.pending)
	t.mu.Unlock()

	if snap == nil || snap.Seq <= written || t.persist == nil {
		return nil
	}

	if err := t.persist(ctx, *snap, lines); err != nil {
		t.logger.Warn("Failed to persist job progress",
			slog.String("job_id", t.jobID.String()),
			slog.Int64("seq", snap.Seq),
			slog.Any("error", err),
		)
		return err
	}

	t.mu.Lock()
	if snap.Seq > t.persisted {
		t.persisted = snap.Seq
	}
	t.pending = slices.DeleteFunc(t.pending, func(st domain.Status) bool {
		return st.Seq <= snap.Seq
	})
	t.mu.Unlock()
	return nil
}

func clampPercent(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
