package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/jobserver/internal/domain"
)

// CreateJobRequest is the body of POST /api/v1/jobs
type CreateJobRequest struct {
	Kind  string          `json:"kind" binding:"required"`
	Input json.RawMessage `json:"input"`
	// Owner in type/id form. Defaults to the requester.
	Owner string `json:"owner"`
	// Expiry is a Go duration string such as "15m".
	Expiry string `json:"expiry"`
}

type ListJobsRequest struct {
	Owner    string `form:"owner"`
	Kind     string `form:"kind"`
	State    string `form:"state"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type ProgressDTO struct {
	Seq       int64          `json:"seq"`
	Percent   float64        `json:"percent"`
	Stage     string         `json:"stage,omitempty"`
	Message   string         `json:"message,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	UpdatedAt string         `json:"updated_at"`
}

// StatusDTO is one line of a job's status log
type StatusDTO struct {
	Seq     int64          `json:"seq"`
	Level   string         `json:"level"`
	Stage   string         `json:"stage,omitempty"`
	Message string         `json:"msg"`
	Fields  map[string]any `json:"fields,omitempty"`
	TS      string         `json:"ts"`
}

type ErrorDTO struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ArtifactDTO struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

type JobDTO struct {
	JobID           string          `json:"job_id"`
	Kind            string          `json:"kind"`
	Owner           string          `json:"owner"`
	State           string          `json:"state"`
	Input           json.RawMessage `json:"input,omitempty"`
	Progress        *ProgressDTO    `json:"progress,omitempty"`
	Statuses        []StatusDTO     `json:"statuses,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *ErrorDTO       `json:"error,omitempty"`
	Artifact        *ArtifactDTO    `json:"artifact,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	Attempts        int             `json:"attempts"`
	ExpiresAt       string          `json:"expires_at,omitempty"`
	CreatedAt       string          `json:"created_at"`
	StartedAt       string          `json:"started_at,omitempty"`
	EndedAt         string          `json:"ended_at,omitempty"`
	UpdatedAt       string          `json:"updated_at"`
}

// FromJob converts a job snapshot to its wire form
func FromJob(job *domain.Job) JobDTO {
	d := JobDTO{
		JobID:           job.ID.String(),
		Kind:            job.Kind,
		Owner:           job.Owner.String(),
		State:           job.State.String(),
		Input:           job.Input,
		CancelRequested: job.CancelRequested,
		Attempts:        job.Attempts,
		ExpiresAt:       formatTime(job.ExpiresAt),
		CreatedAt:       job.CreatedAt.Format(time.RFC3339Nano),
		StartedAt:       formatTime(job.StartedAt),
		EndedAt:         formatTime(job.EndedAt),
		UpdatedAt:       job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if job.Progress != nil {
		d.Progress = FromProgress(job.Progress)
	}
	for _, st := range job.Statuses {
		d.Statuses = append(d.Statuses, StatusDTO{
			Seq:     st.Seq,
			Level:   st.Level,
			Stage:   st.Stage,
			Message: st.Message,
			Fields:  st.Fields,
			TS:      st.At.Format(time.RFC3339Nano),
		})
	}
	if out := job.Output; out != nil {
		d.Result = out.Result
		if out.Error != nil {
			d.Error = &ErrorDTO{Code: out.Error.Code, Message: out.Error.Message}
		}
		if out.Artifact != nil {
			d.Artifact = &ArtifactDTO{Filename: out.Artifact.Filename, Size: out.Artifact.Size}
		}
	}
	return d
}

// FromProgress converts a progress snapshot to its wire form
func FromProgress(p *domain.Progress) *ProgressDTO {
	return &ProgressDTO{
		Seq:       p.Seq,
		Percent:   p.Percent,
		Stage:     p.Stage,
		Message:   p.Message,
		Meta:      p.Meta,
		UpdatedAt: p.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}
