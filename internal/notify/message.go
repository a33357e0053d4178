package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/cuongbtq/jobserver/internal/domain"
	"github.com/cuongbtq/jobserver/internal/platform"
	"github.com/google/uuid"
)

// Message is the terminal-state notification for one job
type Message struct {
	JobID     uuid.UUID    `json:"job_id" msgpack:"job_id"`
	Kind      string       `json:"kind" msgpack:"kind"`
	Owner     string       `json:"owner" msgpack:"owner"`
	State     domain.State `json:"state" msgpack:"state"`
	Summary   string       `json:"summary" msgpack:"summary"`
	ErrorCode string       `json:"error_code,omitempty" msgpack:"error_code,omitempty"`
	EndedAt   time.Time    `json:"ended_at" msgpack:"ended_at"`
}

// FromJob builds the notification for a terminal job.
func FromJob(j *domain.Job) Message {
	msg := Message{
		JobID: j.ID,
		Kind:  j.Kind,
		Owner: j.Owner.String(),
		State: j.State,
	}
	if j.EndedAt != nil {
		msg.EndedAt = *j.EndedAt
	}

	var detail string
	if out := j.Output; out != nil {
		switch {
		case out.Error != nil:
			msg.ErrorCode = out.Error.Code
			detail = out.Error.Message
		case out.Artifact != nil:
			detail = fmt.Sprintf("output saved as %s (%d bytes)", out.Artifact.Filename, out.Artifact.Size)
		case len(out.Result) > 0:
			var buf bytes.Buffer
			if err := json.Compact(&buf, out.Result); err == nil {
				detail = buf.String()
			} else {
				detail = string(out.Result)
			}
		}
	}

	summary := fmt.Sprintf("Job %s (%s) %s", j.ID, j.Kind, j.State)
	if detail != "" {
		summary += ": " + detail
	}
	msg.Summary = Truncate(summary, platform.MaxMessageLength)
	return msg
}

// Truncate cuts s to at most limit characters, marking the cut with "...".
func Truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	const marker = "..."
	if limit <= len(marker) {
		return string([]rune(s)[:limit])
	}
	return string([]rune(s)[:limit-len(marker)]) + marker
}
