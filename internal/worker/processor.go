package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cuongbtq/jobserver/internal/artifact"
	"github.com/cuongbtq/jobserver/internal/domain"
	"github.com/cuongbtq/jobserver/internal/progress"
	"github.com/cuongbtq/jobserver/internal/registry"
	"github.com/cuongbtq/jobserver/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	storeTimeout   = 5 * time.Second
	finalAttempts  = 5
	outputFilename = "output.json"
)

// execution is the in-process bookkeeping for one running job
type execution struct {
	job     *domain.Job
	token   *progress.Token
	tracker *progress.Tracker
	kick    chan struct{}
}

// result is what the handler goroutine hands back
type result struct {
	out       any
	err       error
	panicked  bool
	abandoned bool
}

// PanicError carries a recovered handler panic
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

// dispatch decides what to do with a freshly claimed job.
func (w *Worker) dispatch(ctx context.Context, job *domain.Job) {
	logger := w.logger.With(
		slog.String("job_id", job.ID.String()),
		slog.String("kind", job.Kind),
		slog.Int("attempt", job.Attempts),
	)
	logger.Info("Job claimed")

	if job.CancelRequested {
		logger.Info("Job was cancelled before it started")
		w.finalize(job, domain.StateCancelled, domain.Failure(domain.CodeCancelled, "cancelled before start"))
		return
	}

	handler, ok := w.registry.Lookup(job.Kind)
	if !ok {
		logger.Warn("No handler registered for job kind")
		w.finalize(job, domain.StateFailed, domain.Failure(domain.CodeUnknownKind,
			fmt.Sprintf("no handler registered for kind %q", job.Kind)))
		return
	}

	if !w.slots.tryAcquire(job.Kind) {
		// only possible when a kind limit was lowered after the claim
		logger.Info("No slot for claimed job, releasing")
		w.finalize(job, domain.StatePending, nil)
		return
	}

	started, err := w.store.Start(ctx, job.ID, w.cfg.WorkerID, w.cfg.Lease)
	if err != nil {
		w.slots.release(job.Kind)
		if errors.Is(err, domain.ErrLeaseLost) || errors.Is(err, domain.ErrNotFound) {
			logger.Warn("Lost claim before start", slog.Any("error", err))
			return
		}
		logger.Error("Failed to start job", slog.Any("error", err))
		return
	}

	w.wg.Add(1)
	go w.execute(started, handler, logger)
}

// execute runs the handler and supervises it until it returns, is cancelled
// or is abandoned after the force grace period.
func (w *Worker) execute(job *domain.Job, handler registry.Handler, logger *slog.Logger) {
	defer w.wg.Done()
	defer w.Wake()
	defer w.slots.release(job.Kind)

	ctx, cancel := context.WithCancelCause(w.base)
	defer cancel(nil)

	if job.ExpiresAt != nil {
		remaining := job.ExpiresAt.Sub(w.cfg.Now())
		var cancelDeadline context.CancelFunc
		ctx, cancelDeadline = context.WithTimeoutCause(ctx, remaining, domain.ErrDeadlineExceeded)
		defer cancelDeadline()
	}

	ctx, span := w.cfg.Tracer.Start(ctx, "jobserver.job.execute",
		trace.WithAttributes(
			attribute.String("job.id", job.ID.String()),
			attribute.String("job.kind", job.Kind),
			attribute.String("job.owner", job.Owner.String()),
			attribute.Int("job.attempt", job.Attempts),
			attribute.String("worker.id", w.cfg.WorkerID),
		),
	)
	defer span.End()

	var startSeq int64
	if job.Progress != nil {
		startSeq = job.Progress.Seq
	}
	exec := &execution{
		job:   job,
		token: progress.NewToken(),
		kick:  make(chan struct{}, 1),
	}
	exec.tracker = progress.NewTracker(job.ID, progress.TrackerConfig{
		Persist: func(ctx context.Context, p domain.Progress, statuses []domain.Status) error {
			return w.store.UpdateProgress(ctx, job.ID, w.cfg.WorkerID, p, statuses)
		},
		Publisher: w.cfg.Publisher,
		Logger:    logger,
		Interval:  w.cfg.ProgressInterval,
		StartSeq:  startSeq,
		Now:       w.cfg.Now,
	})
	// handlers that only poll the token still stop on deadline or shutdown
	stopToken := context.AfterFunc(ctx, exec.token.Cancel)
	defer stopToken()

	w.mu.Lock()
	w.active[job.ID] = exec
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.active, job.ID)
		w.mu.Unlock()
	}()

	logger.Info("Executing job")

	hbDone := make(chan struct{})
	hbExited := make(chan struct{})
	go func() {
		defer close(hbExited)
		w.heartbeat(exec, cancel, hbDone, logger)
	}()

	results := make(chan result, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				results <- result{err: &PanicError{Value: v, Stack: debug.Stack()}, panicked: true}
			}
		}()
		out, err := handler.Execute(ctx, job.Input, exec.tracker, exec.token)
		results <- result{out: out, err: err}
	}()

	var res result
	select {
	case res = <-results:
	case <-ctx.Done():
		timer := time.NewTimer(w.cfg.ForceGrace)
		select {
		case res = <-results:
		case <-timer.C:
			logger.Warn("Handler ignored cancellation, abandoning it",
				slog.Duration("force_grace", w.cfg.ForceGrace),
				slog.Any("cause", context.Cause(ctx)),
			)
			res = result{err: context.Cause(ctx), abandoned: true}
		}
		timer.Stop()
	}

	close(hbDone)
	<-hbExited
	exec.tracker.Stop()

	state, output := w.outcome(job, exec, res, context.Cause(ctx), logger)
	if state == "" {
		return
	}

	if res.err != nil {
		span.RecordError(res.err)
	}
	if state == domain.StateCompleted {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(state))
	}
	span.SetAttributes(attribute.String("job.state", state.String()))

	if state.IsTerminal() {
		flushCtx, cancelFlush := context.WithTimeout(context.Background(), storeTimeout)
		_ = exec.tracker.Flush(flushCtx)
		cancelFlush()
	}
	w.finalize(job, state, output)
}

// outcome maps how an execution ended to the state it should move to. An
// empty state means the worker no longer owns the job.
func (w *Worker) outcome(job *domain.Job, exec *execution, res result, cause error, logger *slog.Logger) (domain.State, *domain.Output) {
	switch {
	case res.err == nil && !res.abandoned:
		output, err := w.encodeOutput(job, res.out)
		if err != nil {
			logger.Error("Failed to store job output", slog.Any("error", err))
			return domain.StateFailed, domain.Failure(domain.CodeInvalidOutput, err.Error())
		}
		return domain.StateCompleted, output

	case errors.Is(cause, domain.ErrLeaseLost):
		logger.Warn("Lease lost while running, leaving job to its new owner")
		return "", nil

	case errors.Is(cause, errShutdown):
		logger.Info("Releasing job for another worker")
		return domain.StatePending, nil

	case errors.Is(cause, domain.ErrDeadlineExceeded) || errors.Is(res.err, domain.ErrDeadlineExceeded):
		logger.Info("Job exceeded its deadline")
		return domain.StateCancelled, domain.Failure(domain.CodeDeadlineExceeded, "job exceeded its deadline")

	case exec.token.Requested() || errors.Is(res.err, domain.ErrCancelled):
		logger.Info("Job cancelled")
		return domain.StateCancelled, domain.Failure(domain.CodeCancelled, "cancelled by request")

	case res.panicked:
		var pe *PanicError
		errors.As(res.err, &pe)
		logger.Error("Job handler panicked",
			slog.Any("panic", pe.Value),
			slog.String("stack", string(pe.Stack)),
		)
		return domain.StateFailed, domain.Failure(domain.CodePanic, res.err.Error())
	}

	logger.Warn("Job execution failed", slog.Any("error", res.err))
	var execErr *domain.ExecutionError
	if errors.As(res.err, &execErr) && execErr.Code != "" {
		return domain.StateFailed, domain.Failure(execErr.Code, execErr.Err.Error())
	}
	return domain.StateFailed, domain.Failure(domain.CodeExecutionError, res.err.Error())
}

// encodeOutput stores small results inline and spills large ones to the
// artifact store.
func (w *Worker) encodeOutput(job *domain.Job, out any) (*domain.Output, error) {
	if out == nil {
		return domain.Success(nil), nil
	}

	raw, ok := out.(json.RawMessage)
	if !ok {
		data, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("encode output: %w", err)
		}
		raw = data
	}
	if !json.Valid(raw) {
		return nil, errors.New("handler returned invalid JSON")
	}

	if len(raw) <= w.cfg.ArtifactThreshold || w.cfg.Artifacts == nil {
		return domain.Success(raw), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	key := artifact.Key(job.ID, outputFilename)
	size, err := w.cfg.Artifacts.Put(ctx, key, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}
	return &domain.Output{Artifact: &domain.ArtifactRef{Filename: outputFilename, Key: key, Size: size}}, nil
}

// heartbeat renews the lease, flushes progress and watches for cancellation
// until done is closed. cancel is called with errLeaseLost when the claim is
// gone and with domain.ErrCancelled when a cancel request is seen.
func (w *Worker) heartbeat(exec *execution, cancel context.CancelCauseFunc, done <-chan struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-exec.tracker.Dirty():
			ctx, c := context.WithTimeout(context.Background(), storeTimeout)
			_ = exec.tracker.Flush(ctx)
			c()
		case <-exec.kick:
			if !w.renew(exec, cancel, logger) {
				return
			}
		case <-ticker.C:
			if !w.renew(exec, cancel, logger) {
				return
			}
		}
	}
}

// renew reports false once the lease is lost.
func (w *Worker) renew(exec *execution, cancel context.CancelCauseFunc, logger *slog.Logger) bool {
	ctx, c := context.WithTimeout(context.Background(), storeTimeout)
	defer c()

	_ = exec.tracker.Flush(ctx)

	lease, err := w.store.Heartbeat(ctx, exec.job.ID, w.cfg.WorkerID, w.cfg.Lease)
	switch {
	case errors.Is(err, domain.ErrLeaseLost) || errors.Is(err, domain.ErrNotFound):
		logger.Warn("Job lease lost", slog.Any("error", err))
		cancel(errLeaseLost)
		return false
	case err != nil:
		logger.Warn("Failed to renew job lease", slog.Any("error", err))
		return true
	}

	logger.Debug("Job heartbeat updated", slog.Time("lease_until", lease.Until))

	if lease.CancelRequested && !exec.token.Requested() {
		logger.Info("Cancel requested, signalling handler")
		exec.token.Cancel()
		cancel(domain.ErrCancelled)
	}
	return true
}

// finalize writes the transition, retrying store failures, and notifies
// terminal results.
func (w *Worker) finalize(job *domain.Job, to domain.State, output *domain.Output) {
	logger := w.logger.With(slog.String("job_id", job.ID.String()), slog.String("to", to.String()))

	t := storage.Transition{ID: job.ID, To: to, Output: output, WorkerID: w.cfg.WorkerID}
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		updated, err := w.store.Transition(ctx, t)
		cancel()

		switch {
		case err == nil:
			logger.Info("Job transitioned", slog.String("state", updated.State.String()))
			if updated.State.IsTerminal() {
				w.notify(updated)
			}
			if to == domain.StatePending {
				w.Wake()
			}
			return
		case errors.Is(err, domain.ErrLeaseLost), errors.Is(err, domain.ErrNotFound):
			logger.Warn("Job no longer held by this worker", slog.Any("error", err))
			return
		case errors.Is(err, domain.ErrInvalidTransition):
			logger.Error("Invalid job transition", slog.Any("error", err))
			return
		case attempt >= finalAttempts:
			logger.Error("Giving up on job transition, lease expiry will recover it",
				slog.Int("attempts", attempt),
				slog.Any("error", err),
			)
			return
		}

		delay := w.cfg.Backoff.Delay(attempt)
		logger.Warn("Failed to write job transition, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", delay),
			slog.Any("error", err),
		)
		time.Sleep(delay)
	}
}
