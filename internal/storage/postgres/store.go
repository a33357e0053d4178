// Package postgres implements storage.Store on PostgreSQL. The database clock
// (NOW()) is the only clock used for leases and deadlines, so workers on
// different hosts agree on expiry.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"time"

	"github.com/cuongbtq/jobserver/internal/domain"
	"github.com/cuongbtq/jobserver/internal/storage"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

var _ storage.Store = (*Store)(nil)

// Store handles all database operations for jobs
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store instance
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(files)

	for _, name := range files {
		data, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
		s.logger.Info("Migration applied", slog.String("file", name))
	}
	return nil
}

func (s *Store) Create(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (
			id, kind, input, owner_type, owner_id, state,
			attempts, expires_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			0, $7, $8, $8
		)
	`

	input := []byte(job.Input)
	if len(input) == 0 {
		input = []byte("{}")
	}

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.Kind,
		input,
		job.Owner.Type,
		job.Owner.ID,
		string(job.State),
		nullable(job.ExpiresAt),
		job.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("job %s already exists", job.ID)
		}
		return domain.NewStoreError("create", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.NewStoreError("get", err)
	}
	return row.toDomain()
}

func (s *Store) List(ctx context.Context, filter storage.JobFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Owner != nil {
		query += fmt.Sprintf(" AND owner_type = $%d AND owner_id = $%d", argIdx, argIdx+1)
		args = append(args, filter.Owner.Type, filter.Owner.ID)
		argIdx += 2
	}

	if filter.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, filter.Kind)
		argIdx++
	}

	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(filter.State))
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"

	if filter.PageSize > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.PageSize+1)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, domain.NewStoreError("list", err)
	}
	return toDomainList(rows)
}

func (s *Store) TryClaim(ctx context.Context, req storage.ClaimRequest) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET state = 'claimed',
		    worker_id = $1,
		    lease_until = NOW() + make_interval(secs => $2),
		    heartbeat_at = NOW(),
		    attempts = attempts + 1,
		    updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE (state = 'pending'
			       OR (state = 'claimed' AND lease_until < NOW() AND attempts < $3))
			  AND (expires_at IS NULL OR expires_at > NOW())
			  AND NOT (kind = ANY($4))
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns

	exclude := req.ExcludeKinds
	if exclude == nil {
		exclude = []string{}
	}

	var row jobRow
	err := s.db.GetContext(ctx, &row, query, req.WorkerID, req.Lease.Seconds(), req.MaxAttempts, pq.Array(exclude))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNoJob
		}
		return nil, domain.NewStoreError("claim", err)
	}

	s.logger.Debug("Job claimed",
		slog.String("job_id", row.ID.String()),
		slog.String("worker_id", req.WorkerID),
		slog.String("kind", row.Kind),
		slog.Int("attempts", row.Attempts),
	)
	return row.toDomain()
}

func (s *Store) Start(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET state = 'running',
		    started_at = COALESCE(started_at, GREATEST(NOW(), created_at + interval '1 microsecond')),
		    lease_until = NOW() + make_interval(secs => $3),
		    heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND state = 'claimed'
		RETURNING ` + jobColumns

	var row jobRow
	err := s.db.GetContext(ctx, &row, query, id, workerID, lease.Seconds())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.classify(ctx, id, workerID, domain.StateRunning)
		}
		return nil, domain.NewStoreError("start", err)
	}
	return row.toDomain()
}

func (s *Store) Heartbeat(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) (storage.Lease, error) {
	query := `
		UPDATE jobs
		SET lease_until = NOW() + make_interval(secs => $3),
		    heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND state IN ('claimed', 'running')
		RETURNING lease_until, cancel_requested
	`

	var out struct {
		LeaseUntil      time.Time `db:"lease_until"`
		CancelRequested bool      `db:"cancel_requested"`
	}
	err := s.db.GetContext(ctx, &out, query, id, workerID, lease.Seconds())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Lease{}, domain.ErrLeaseLost
		}
		return storage.Lease{}, domain.NewStoreError("heartbeat", err)
	}
	return storage.Lease{Until: out.LeaseUntil, CancelRequested: out.CancelRequested}, nil
}

func (s *Store) UpdateProgress(ctx context.Context, id uuid.UUID, workerID string, p domain.Progress, statuses []domain.Status) error {
	data, err := jsonMarshal(p)
	if err != nil {
		return err
	}
	if statuses == nil {
		statuses = []domain.Status{}
	}
	lines, err := jsonMarshal(statuses)
	if err != nil {
		return err
	}

	// New lines are those past the last stored seq; the log keeps its
	// newest $6 entries in order.
	query := `
		UPDATE jobs
		SET progress = $1,
		    statuses = (
		        SELECT COALESCE(jsonb_agg(t.e ORDER BY t.n), '[]'::jsonb)
		        FROM (
		            SELECT a.e, a.n
		            FROM jsonb_array_elements(jobs.statuses || COALESCE((
		                SELECT jsonb_agg(x.e ORDER BY x.n)
		                FROM jsonb_array_elements($5::jsonb) WITH ORDINALITY AS x(e, n)
		                WHERE (x.e->>'seq')::bigint > COALESCE((jobs.statuses->-1->>'seq')::bigint, 0)
		            ), '[]'::jsonb)) WITH ORDINALITY AS a(e, n)
		            ORDER BY a.n DESC
		            LIMIT $6
		        ) t
		    ),
		    updated_at = NOW()
		WHERE id = $2 AND worker_id = $3 AND state = 'running'
		  AND (progress IS NULL OR (progress->>'seq')::bigint < $4)
	`
	res, err := s.db.ExecContext(ctx, query, data, id, workerID, p.Seq, lines, domain.MaxStatuses)
	if err != nil {
		return domain.NewStoreError("update progress", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	// Nothing updated: either the snapshot is stale or the claim is gone.
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.State != domain.StateRunning || job.WorkerID != workerID {
		return domain.ErrLeaseLost
	}
	return nil
}

func (s *Store) Transition(ctx context.Context, t storage.Transition) (*domain.Job, error) {
	switch t.To {
	case domain.StateRunning:
		return nil, fmt.Errorf("%w: use Start to run a job", domain.ErrInvalidTransition)
	case domain.StateClaimed:
		return nil, fmt.Errorf("%w: use TryClaim to claim a job", domain.ErrInvalidTransition)
	}
	sources := domain.SourcesOf(t.To)
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: nothing transitions to %s", domain.ErrInvalidTransition, t.To)
	}

	var (
		set  string
		args = []interface{}{t.ID, string(t.To), pq.Array(stateStrings(sources))}
	)
	if t.To.IsTerminal() {
		out, err := marshalOutput(t.Output)
		if err != nil {
			return nil, err
		}
		args = append(args, out)
		set = `output = $4,
		       ended_at = GREATEST(NOW(), COALESCE(started_at, created_at) + interval '1 microsecond'),
		       lease_until = NULL`
	} else {
		set = `worker_id = NULL, lease_until = NULL, heartbeat_at = NULL`
	}

	query := `UPDATE jobs SET state = $2, ` + set + `, updated_at = NOW()
		WHERE id = $1 AND state = ANY($3)`
	if t.WorkerID != "" {
		args = append(args, t.WorkerID)
		query += fmt.Sprintf(" AND worker_id = $%d", len(args))
	}
	query += ` RETURNING ` + jobColumns

	var row jobRow
	err := s.db.GetContext(ctx, &row, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.classify(ctx, t.ID, t.WorkerID, t.To)
		}
		return nil, domain.NewStoreError("transition", err)
	}

	s.logger.Debug("Job transitioned",
		slog.String("job_id", t.ID.String()),
		slog.String("state", string(t.To)),
	)
	return row.toDomain()
}

// classify explains why a conditional update touched no row.
func (s *Store) classify(ctx context.Context, id uuid.UUID, workerID string, to domain.State) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if workerID != "" && (!job.State.IsHeld() || job.WorkerID != workerID) {
		return domain.ErrLeaseLost
	}
	if err := domain.CheckTransition(job.State, to); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s raced with another update", domain.ErrInvalidTransition, job.State, to)
}

func (s *Store) RequestCancel(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	out, err := marshalOutput(domain.Failure(domain.CodeCancelled, "cancelled before start"))
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE jobs
		SET cancel_requested = TRUE,
		    output = CASE WHEN state = 'pending' THEN $2::jsonb ELSE output END,
		    ended_at = CASE WHEN state = 'pending'
		                    THEN GREATEST(NOW(), created_at + interval '1 microsecond')
		                    ELSE ended_at END,
		    state = CASE WHEN state = 'pending' THEN 'cancelled' ELSE state END,
		    updated_at = NOW()
		WHERE id = $1 AND NOT (state = ANY($3))
		RETURNING ` + jobColumns

	var row jobRow
	err = s.db.GetContext(ctx, &row, query, id, out, terminalStates)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Missing or already terminal.
			return s.Get(ctx, id)
		}
		return nil, domain.NewStoreError("request cancel", err)
	}
	return row.toDomain()
}

func (s *Store) ReclaimExpired(ctx context.Context, maxAttempts int) ([]*domain.Job, error) {
	failed, err := marshalOutput(domain.Failure(domain.CodeLeaseExpired, "lease expired and attempts exhausted"))
	if err != nil {
		return nil, err
	}
	cancelled, err := marshalOutput(domain.Failure(domain.CodeCancelled, "cancelled while lease expired"))
	if err != nil {
		return nil, err
	}

	query := `
		WITH expired AS (
			SELECT id,
			       CASE WHEN cancel_requested THEN 'cancelled'
			            WHEN attempts >= $1 THEN 'failed'
			            ELSE 'pending' END AS next_state
			FROM jobs
			WHERE state IN ('claimed', 'running') AND lease_until < NOW()
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET state = e.next_state,
		    output = CASE e.next_state
		                 WHEN 'failed' THEN $2::jsonb
		                 WHEN 'cancelled' THEN $3::jsonb
		                 ELSE j.output END,
		    ended_at = CASE WHEN e.next_state = 'pending' THEN NULL
		                    ELSE GREATEST(NOW(), COALESCE(j.started_at, j.created_at) + interval '1 microsecond') END,
		    worker_id = CASE WHEN e.next_state = 'pending' THEN NULL ELSE j.worker_id END,
		    heartbeat_at = CASE WHEN e.next_state = 'pending' THEN NULL ELSE j.heartbeat_at END,
		    lease_until = NULL,
		    updated_at = NOW()
		FROM expired e
		WHERE j.id = e.id
		RETURNING ` + prefixed("j")

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, maxAttempts, failed, cancelled); err != nil {
		return nil, domain.NewStoreError("reclaim expired", err)
	}
	return toDomainList(rows)
}

func (s *Store) CancelOverdue(ctx context.Context, grace time.Duration) ([]*domain.Job, error) {
	out, err := marshalOutput(domain.Failure(domain.CodeDeadlineExceeded, "job exceeded its deadline"))
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE jobs
		SET state = 'cancelled',
		    output = $1,
		    ended_at = GREATEST(NOW(), COALESCE(started_at, created_at) + interval '1 microsecond'),
		    lease_until = NULL,
		    updated_at = NOW()
		WHERE state IN ('pending', 'claimed', 'running')
		  AND expires_at IS NOT NULL
		  AND expires_at <= NOW()
		  AND (state <> 'running'
		       OR lease_until < NOW()
		       OR expires_at + make_interval(secs => $2) <= NOW())
		RETURNING ` + jobColumns

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, out, grace.Seconds()); err != nil {
		return nil, domain.NewStoreError("cancel overdue", err)
	}
	return toDomainList(rows)
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	query := `
		DELETE FROM jobs
		WHERE id = $1 AND state = ANY($2)
		RETURNING ` + jobColumns

	var row jobRow
	err := s.db.GetContext(ctx, &row, query, id, terminalStates)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.Get(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, domain.ErrNotTerminal
		}
		return nil, domain.NewStoreError("delete", err)
	}
	return row.toDomain()
}

func (s *Store) PruneTerminal(ctx context.Context, before time.Time, limit int) ([]*domain.Job, error) {
	query := `
		DELETE FROM jobs
		WHERE id IN (
			SELECT id FROM jobs
			WHERE state = ANY($3) AND ended_at < $1
			ORDER BY ended_at
			LIMIT $2
		)
		RETURNING ` + jobColumns

	var lim any = limit
	if limit <= 0 {
		lim = nil
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, before, lim, terminalStates); err != nil {
		return nil, domain.NewStoreError("prune", err)
	}
	return toDomainList(rows)
}

var terminalStates = pq.Array(stateStrings(domain.TerminalStates))

func stateStrings(states []domain.State) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}
