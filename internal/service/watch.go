package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobserver/internal/domain"
	"github.com/google/uuid"
)

// ErrWatchIdle ends a watch when the job did not change for the idle timeout
var ErrWatchIdle = errors.New("no status change before idle timeout")

const (
	defaultWatchInterval = time.Second
	defaultIdleTimeout   = 5 * time.Minute
)

// WatchOptions tune a watch stream
type WatchOptions struct {
	// Interval between store reads.
	Interval time.Duration
	// IdleTimeout ends the stream with ErrWatchIdle when nothing changed for
	// this long. Negative disables it.
	IdleTimeout time.Duration
}

// Event is one item of a watch stream. Exactly one field is set. Job events
// come from the store; Progress events come from the live feed and may
// arrive between store reads.
type Event struct {
	Job      *domain.Job
	Progress *domain.Progress
	Err      error
}

// Watch streams snapshots of a job until it reaches a terminal state, ctx
// ends or the idle timeout passes. The first event is the current snapshot
// and the last Job event is terminal. The channel is closed at the end.
func (s *Service) Watch(ctx context.Context, id uuid.UUID, opts WatchOptions) (<-chan Event, error) {
	if opts.Interval <= 0 {
		opts.Interval = defaultWatchInterval
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}

	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var (
		live        <-chan domain.Progress
		unsubscribe func()
	)
	if s.cfg.Feed != nil && !job.State.IsTerminal() {
		live, unsubscribe, err = s.cfg.Feed.Subscribe(ctx, id)
		if err != nil {
			s.logger.Warn("Live progress unavailable, polling only",
				slog.String("job_id", id.String()),
				slog.Any("error", err),
			)
			live, unsubscribe = nil, nil
		}
	}

	out := make(chan Event, 16)
	go s.watch(ctx, job, opts, live, unsubscribe, out)
	return out, nil
}

func (s *Service) watch(ctx context.Context, job *domain.Job, opts WatchOptions, live <-chan domain.Progress, unsubscribe func(), out chan<- Event) {
	defer close(out)
	if unsubscribe != nil {
		defer unsubscribe()
	}

	send := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !send(Event{Job: job}) || job.State.IsTerminal() {
		return
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	var (
		idle      <-chan time.Time
		resetIdle = func() {}
	)
	if opts.IdleTimeout > 0 {
		timer := time.NewTimer(opts.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
		resetIdle = func() { timer.Reset(opts.IdleTimeout) }
	}
	s.pollLoop(ctx, job, opts, live, ticker.C, idle, resetIdle, send)
}

func (s *Service) pollLoop(
	ctx context.Context,
	prev *domain.Job,
	opts WatchOptions,
	live <-chan domain.Progress,
	tick, idle <-chan time.Time,
	resetIdle func(),
	send func(Event) bool,
) {
	lastSeq := seqOf(prev)
	// newest live snapshot, replaces older progress read from the store
	var newest *domain.Progress
	for {
		select {
		case <-ctx.Done():
			return

		case <-idle:
			send(Event{Err: fmt.Errorf("%w: %s", ErrWatchIdle, opts.IdleTimeout)})
			return

		case p, ok := <-live:
			if !ok {
				live = nil
				continue
			}
			if p.Seq <= lastSeq {
				continue
			}
			lastSeq = p.Seq
			newest = p.Clone()
			resetIdle()
			if !send(Event{Progress: &p}) {
				return
			}

		case <-tick:
			cur, err := s.store.Get(ctx, prev.ID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !send(Event{Err: err}) || errors.Is(err, domain.ErrNotFound) {
					return
				}
				continue
			}
			if !changed(prev, cur) {
				continue
			}
			progressOnly := !recordChanged(prev, cur)
			prev = cur
			if seqOf(cur) < lastSeq {
				// persistence lags the live feed
				if progressOnly {
					continue
				}
				cur = cur.Clone()
				cur.Progress = newest.Clone()
			}
			lastSeq = max(lastSeq, seqOf(cur))
			resetIdle()
			if !send(Event{Job: cur}) || cur.State.IsTerminal() {
				return
			}
		}
	}
}

func changed(prev, cur *domain.Job) bool {
	return recordChanged(prev, cur) || seqOf(prev) != seqOf(cur)
}

// recordChanged reports changes other than the progress snapshot.
func recordChanged(prev, cur *domain.Job) bool {
	return prev.State != cur.State ||
		prev.CancelRequested != cur.CancelRequested ||
		prev.LastStatusSeq() != cur.LastStatusSeq()
}

func seqOf(job *domain.Job) int64 {
	if job.Progress == nil {
		return 0
	}
	return job.Progress.Seq
}
