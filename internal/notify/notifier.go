// Package notify delivers terminal job results to whoever is waiting on them.
// Delivery is best effort: failures are retried and logged but never change
// the state of a job.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/jobserver/internal/backoff"
	"github.com/cuongbtq/jobserver/internal/domain"
)

// Config configures a Notifier
type Config struct {
	Logger      *slog.Logger
	QueueSize   int
	MaxAttempts int
	Backoff     backoff.Strategy
	// SendTimeout bounds one delivery attempt to one sink.
	SendTimeout time.Duration
	// DrainTimeout bounds delivery of queued messages after Run's context ends.
	DrainTimeout time.Duration
}

// Notifier queues notifications and delivers them to every sink from a
// background goroutine.
type Notifier struct {
	sinks  []Sink
	queue  chan Message
	logger *slog.Logger
	cfg    Config

	mu     sync.RWMutex
	closed bool
}

func New(cfg Config, sinks ...Sink) *Notifier {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.Exponential{Initial: 200 * time.Millisecond, Max: 5 * time.Second}
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}

	return &Notifier{
		sinks:  sinks,
		queue:  make(chan Message, cfg.QueueSize),
		logger: cfg.Logger,
		cfg:    cfg,
	}
}

// Notify enqueues the notification for a terminal job without blocking.
// Non-terminal jobs are ignored.
func (n *Notifier) Notify(job *domain.Job) {
	if job == nil || !job.State.IsTerminal() {
		return
	}
	msg := FromJob(job)

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.logger.Warn("Notifier stopped, dropping notification", slog.String("job_id", msg.JobID.String()))
		return
	}

	select {
	case n.queue <- msg:
	default:
		n.logger.Warn("Notification queue full, dropping notification",
			slog.String("job_id", msg.JobID.String()),
			slog.String("state", msg.State.String()),
		)
	}
}

// Run delivers queued notifications until ctx is done, then drains what is
// left within DrainTimeout.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case msg := <-n.queue:
			n.deliver(ctx, msg)
		case <-ctx.Done():
			n.drain()
			return nil
		}
	}
}

func (n *Notifier) drain() {
	n.mu.Lock()
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.DrainTimeout)
	defer cancel()
	for msg := range n.queue {
		if ctx.Err() != nil {
			n.logger.Warn("Drain timeout, dropping notification", slog.String("job_id", msg.JobID.String()))
			continue
		}
		n.deliver(ctx, msg)
	}
}

func (n *Notifier) deliver(ctx context.Context, msg Message) {
	for _, sink := range n.sinks {
		n.deliverTo(ctx, sink, msg)
	}
}

func (n *Notifier) deliverTo(ctx context.Context, sink Sink, msg Message) {
	var err error
	for attempt := 1; attempt <= n.cfg.MaxAttempts; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, n.cfg.SendTimeout)
		err = sink.Send(sendCtx, msg)
		cancel()
		if err == nil {
			return
		}

		if attempt == n.cfg.MaxAttempts || !sleep(ctx, n.cfg.Backoff.Delay(attempt)) {
			break
		}
	}

	n.logger.Error("Failed to deliver notification",
		slog.String("sink", sink.Name()),
		slog.String("job_id", msg.JobID.String()),
		slog.String("state", msg.State.String()),
		slog.Any("error", err),
	)
}

// sleep waits for d and reports false if ctx ended first.
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
