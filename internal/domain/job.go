package domain

import (
	"encoding/json"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Owner identifies who a job runs on behalf of, e.g. guild/123
type Owner struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ParseOwner parses the textual form "type/id".
func ParseOwner(s string) (Owner, error) {
	typ, id, ok := strings.Cut(s, "/")
	if !ok || typ == "" || id == "" || strings.Contains(id, "/") {
		return Owner{}, NewValidationError("owner", "expected type/id, got %q", s)
	}
	return Owner{Type: typ, ID: id}, nil
}

func (o Owner) String() string {
	return o.Type + "/" + o.ID
}

// IsZero reports whether the owner is unset.
func (o Owner) IsZero() bool {
	return o.Type == "" && o.ID == ""
}

// Progress is the latest snapshot reported by a running handler.
// Seq strictly increases per job.
type Progress struct {
	Seq       int64          `json:"seq"`
	Percent   float64        `json:"percent"`
	Stage     string         `json:"stage,omitempty"`
	Message   string         `json:"message,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// MaxStatuses bounds the status log kept on a job record.
const MaxStatuses = 50

// Status levels
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Status is one line of a job's status log. Seq is the progress sequence
// number the line was reported with.
type Status struct {
	Seq     int64          `json:"seq"`
	Level   string         `json:"level"`
	Stage   string         `json:"stage,omitempty"`
	Message string         `json:"msg"`
	Fields  map[string]any `json:"fields,omitempty"`
	At      time.Time      `json:"ts"`
}

// AppendStatuses appends the entries of add that are newer than the last
// entry of log and keeps the newest MaxStatuses. log is not modified.
func AppendStatuses(log, add []Status) []Status {
	var last int64
	if n := len(log); n > 0 {
		last = log[n-1].Seq
	}
	out := make([]Status, 0, len(log)+len(add))
	out = append(out, log...)
	for _, st := range add {
		if st.Seq > last {
			out = append(out, st)
			last = st.Seq
		}
	}
	if len(out) > MaxStatuses {
		out = out[len(out)-MaxStatuses:]
	}
	return out
}

// ErrorDetail describes why a job did not complete
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ArtifactRef points to an output persisted in object storage
type ArtifactRef struct {
	Filename string `json:"filename"`
	Key      string `json:"key"`
	Size     int64  `json:"size"`
}

// Output is written once when a job enters a terminal state
type Output struct {
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *ErrorDetail    `json:"error,omitempty"`
	Artifact *ArtifactRef    `json:"artifact,omitempty"`
}

// Success builds the output of a completed job
func Success(result json.RawMessage) *Output {
	return &Output{Result: result}
}

// Failure builds the output of a failed or cancelled job
func Failure(code, message string) *Output {
	return &Output{Error: &ErrorDetail{Code: code, Message: message}}
}

// Job is the unit of asynchronous work
type Job struct {
	ID              uuid.UUID       `json:"id"`
	Kind            string          `json:"kind"`
	Input           json.RawMessage `json:"input"`
	Owner           Owner           `json:"owner"`
	State           State           `json:"state"`
	Progress        *Progress       `json:"progress,omitempty"`
	Statuses        []Status        `json:"statuses,omitempty"`
	Output          *Output         `json:"output,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`

	WorkerID    string     `json:"worker_id,omitempty"`
	Attempts    int        `json:"attempts"`
	LeaseUntil  *time.Time `json:"lease_until,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`

	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewJob creates a pending job with a fresh id
func NewJob(kind string, input json.RawMessage, owner Owner, expiry time.Duration, now time.Time) *Job {
	job := &Job{
		ID:        uuid.New(),
		Kind:      kind,
		Input:     input,
		Owner:     owner,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if expiry > 0 {
		deadline := now.Add(expiry)
		job.ExpiresAt = &deadline
	}
	return job
}

// Expired reports whether the job deadline has passed at now.
func (j *Job) Expired(now time.Time) bool {
	return j.ExpiresAt != nil && !now.Before(*j.ExpiresAt)
}

// LeaseExpired reports whether a held claim has lapsed at now.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.State.IsHeld() && j.LeaseUntil != nil && now.After(*j.LeaseUntil)
}

// Clone returns a deep copy that shares no mutable state with j.
func (j *Job) Clone() *Job {
	c := *j
	c.Input = cloneRaw(j.Input)
	c.Progress = j.Progress.Clone()
	c.Statuses = CloneStatuses(j.Statuses)
	c.Output = j.Output.Clone()
	c.LeaseUntil = cloneTime(j.LeaseUntil)
	c.HeartbeatAt = cloneTime(j.HeartbeatAt)
	c.ExpiresAt = cloneTime(j.ExpiresAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.EndedAt = cloneTime(j.EndedAt)
	return &c
}

// Clone returns a deep copy of p; nil stays nil.
func (p *Progress) Clone() *Progress {
	if p == nil {
		return nil
	}
	c := *p
	c.Meta = maps.Clone(p.Meta)
	return &c
}

// LastStatusSeq returns the sequence number of the newest status line.
func (j *Job) LastStatusSeq() int64 {
	if n := len(j.Statuses); n > 0 {
		return j.Statuses[n-1].Seq
	}
	return 0
}

// CloneStatuses returns a deep copy of a status log.
func CloneStatuses(in []Status) []Status {
	if in == nil {
		return nil
	}
	out := make([]Status, len(in))
	for i, st := range in {
		st.Fields = maps.Clone(st.Fields)
		out[i] = st
	}
	return out
}

// Clone returns a deep copy of o; nil stays nil.
func (o *Output) Clone() *Output {
	if o == nil {
		return nil
	}
	c := Output{Result: cloneRaw(o.Result)}
	if o.Error != nil {
		e := *o.Error
		c.Error = &e
	}
	if o.Artifact != nil {
		a := *o.Artifact
		c.Artifact = &a
	}
	return &c
}

// After returns t when it is strictly later than ref, otherwise ref plus one
// microsecond. Keeps created_at < started_at < ended_at under coarse clocks.
func After(t, ref time.Time) time.Time {
	if t.After(ref) {
		return t
	}
	return ref.Add(time.Microsecond)
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	out := make(json.RawMessage, len(r))
	copy(out, r)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
