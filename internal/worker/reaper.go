package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobserver/internal/domain"
)

// reaperLoop recovers jobs whose worker stopped heartbeating and cancels
// jobs past their deadline, once per lease check interval.
func (w *Worker) reaperLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.LeaseCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.reap(ctx)
		}
	}
}

func (w *Worker) reap(ctx context.Context) {
	reclaimed, err := w.store.ReclaimExpired(ctx, w.cfg.MaxAttempts)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("Failed to reclaim expired leases", slog.Any("error", err))
		}
	} else if len(reclaimed) > 0 {
		requeued := 0
		for _, job := range reclaimed {
			w.logger.Info("Reclaimed job with expired lease",
				slog.String("job_id", job.ID.String()),
				slog.String("kind", job.Kind),
				slog.String("state", job.State.String()),
				slog.Int("attempts", job.Attempts),
			)
			if job.State.IsTerminal() {
				w.notify(job)
			} else {
				requeued++
			}
		}
		if requeued > 0 {
			w.Wake()
		}
	}

	overdue, err := w.store.CancelOverdue(ctx, w.cfg.ForceGrace)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("Failed to cancel overdue jobs", slog.Any("error", err))
		}
		return
	}
	for _, job := range overdue {
		w.logger.Info("Cancelled job past its deadline",
			slog.String("job_id", job.ID.String()),
			slog.String("kind", job.Kind),
		)
		w.notify(job)
	}
}

func (w *Worker) notify(job *domain.Job) {
	if w.cfg.Notifier != nil {
		w.cfg.Notifier.Notify(job)
	}
}
