// Package retention prunes terminal jobs and their artifacts on a cron
// schedule.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobserver/internal/artifact"
	"github.com/cuongbtq/jobserver/internal/storage"
	cronlib "github.com/robfig/cron/v3"
)

// parser accepts standard 5-field expressions and descriptors like "@every 1h".
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Config holds pruner settings
type Config struct {
	Logger    *slog.Logger
	Store     storage.Store
	Artifacts artifact.Store
	Now       func() time.Time

	Schedule  string
	MaxAge    time.Duration
	BatchSize int
}

// Pruner deletes terminal jobs older than MaxAge
type Pruner struct {
	cfg      Config
	logger   *slog.Logger
	schedule cronlib.Schedule
}

// New validates the schedule and creates a pruner
func New(cfg Config) (*Pruner, error) {
	if cfg.Store == nil {
		return nil, errors.New("retention: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1h"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}

	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("retention: invalid schedule %q: %w", cfg.Schedule, err)
	}

	return &Pruner{
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("component", "retention")),
		schedule: schedule,
	}, nil
}

// Run prunes on schedule until ctx is done, then waits for a running prune
// to finish.
func (p *Pruner) Run(ctx context.Context) error {
	c := cronlib.New(
		cronlib.WithParser(parser),
		cronlib.WithLogger(cronLogger{p.logger}),
		cronlib.WithChain(cronlib.SkipIfStillRunning(cronLogger{p.logger})),
	)
	c.Schedule(p.schedule, cronlib.FuncJob(func() {
		if _, err := p.Prune(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("Retention prune failed", slog.Any("error", err))
		}
	}))

	p.logger.Info("Retention pruner started",
		slog.String("schedule", p.cfg.Schedule),
		slog.Duration("max_age", p.cfg.MaxAge),
	)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	p.logger.Info("Retention pruner stopped")
	return nil
}

// Prune deletes every terminal job that ended before now minus MaxAge, in
// batches, and removes their artifacts. It returns the number of jobs
// deleted.
func (p *Pruner) Prune(ctx context.Context) (int, error) {
	cutoff := p.cfg.Now().Add(-p.cfg.MaxAge)
	total := 0

	for {
		jobs, err := p.cfg.Store.PruneTerminal(ctx, cutoff, p.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("prune terminal jobs: %w", err)
		}
		total += len(jobs)

		if p.cfg.Artifacts != nil {
			for _, job := range jobs {
				if err := p.cfg.Artifacts.DeletePrefix(ctx, artifact.Prefix(job.ID)); err != nil {
					// the row is gone; a leftover object is only wasted space
					p.logger.Warn("Failed to delete job artifacts",
						slog.String("job_id", job.ID.String()),
						slog.Any("error", err),
					)
				}
			}
		}

		if len(jobs) < p.cfg.BatchSize {
			break
		}
	}

	if total > 0 {
		p.logger.Info("Pruned terminal jobs", slog.Int("count", total), slog.Time("cutoff", cutoff))
	}
	return total, nil
}

// cronLogger routes cron's own logging through slog
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, slog.Any("error", err))...)
}
