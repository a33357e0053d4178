package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/jobserver/internal/domain"
	"github.com/google/uuid"
)

// jobColumns is the select list matching jobRow.
const jobColumns = `
	id, kind, input, owner_type, owner_id, state, progress, statuses, output,
	cancel_requested, worker_id, attempts, lease_until, heartbeat_at,
	expires_at, created_at, started_at, ended_at, updated_at`

// jobRow is the database representation of a job
type jobRow struct {
	ID              uuid.UUID      `db:"id"`
	Kind            string         `db:"kind"`
	Input           []byte         `db:"input"`
	OwnerType       string         `db:"owner_type"`
	OwnerID         string         `db:"owner_id"`
	State           string         `db:"state"`
	Progress        []byte         `db:"progress"`
	Statuses        []byte         `db:"statuses"`
	Output          []byte         `db:"output"`
	CancelRequested bool           `db:"cancel_requested"`
	WorkerID        sql.NullString `db:"worker_id"`
	Attempts        int            `db:"attempts"`
	LeaseUntil      sql.NullTime   `db:"lease_until"`
	HeartbeatAt     sql.NullTime   `db:"heartbeat_at"`
	ExpiresAt       sql.NullTime   `db:"expires_at"`
	CreatedAt       time.Time      `db:"created_at"`
	StartedAt       sql.NullTime   `db:"started_at"`
	EndedAt         sql.NullTime   `db:"ended_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r *jobRow) toDomain() (*domain.Job, error) {
	job := &domain.Job{
		ID:              r.ID,
		Kind:            r.Kind,
		Input:           json.RawMessage(r.Input),
		Owner:           domain.Owner{Type: r.OwnerType, ID: r.OwnerID},
		State:           domain.State(r.State),
		CancelRequested: r.CancelRequested,
		WorkerID:        r.WorkerID.String,
		Attempts:        r.Attempts,
		LeaseUntil:      nullTime(r.LeaseUntil),
		HeartbeatAt:     nullTime(r.HeartbeatAt),
		ExpiresAt:       nullTime(r.ExpiresAt),
		CreatedAt:       r.CreatedAt,
		StartedAt:       nullTime(r.StartedAt),
		EndedAt:         nullTime(r.EndedAt),
		UpdatedAt:       r.UpdatedAt,
	}

	if len(r.Progress) > 0 {
		var p domain.Progress
		if err := json.Unmarshal(r.Progress, &p); err != nil {
			return nil, fmt.Errorf("failed to decode progress of job %s: %w", r.ID, err)
		}
		job.Progress = &p
	}

	if len(r.Statuses) > 0 {
		if err := json.Unmarshal(r.Statuses, &job.Statuses); err != nil {
			return nil, fmt.Errorf("failed to decode statuses of job %s: %w", r.ID, err)
		}
		if len(job.Statuses) == 0 {
			job.Statuses = nil
		}
	}

	if len(r.Output) > 0 {
		var o domain.Output
		if err := json.Unmarshal(r.Output, &o); err != nil {
			return nil, fmt.Errorf("failed to decode output of job %s: %w", r.ID, err)
		}
		job.Output = &o
	}

	return job, nil
}

func toDomainList(rows []jobRow) ([]*domain.Job, error) {
	jobs := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// nullable converts an optional time into a driver value.
func nullable(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// marshalOutput encodes an output column value; nil stays SQL NULL.
func marshalOutput(o *domain.Output) ([]byte, error) {
	if o == nil {
		o = &domain.Output{}
	}
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal output: %w", err)
	}
	return data, nil
}

func jsonMarshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return data, nil
}

// prefixed qualifies jobColumns with a table alias.
func prefixed(alias string) string {
	cols := strings.Split(jobColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
