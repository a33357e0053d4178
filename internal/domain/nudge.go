package domain

import "github.com/google/uuid"

// Nudge events sent from the API to workers. Nudges only shorten latency;
// workers re-read the store before acting on one.
const (
	NudgeCreated = "created"
	NudgeCancel  = "cancel"
)

// Nudge is the broker message telling workers that a job changed.
type Nudge struct {
	JobID uuid.UUID `json:"job_id"`
	Event string    `json:"event"`
}

// RoutingKey returns the key the nudge is published with.
func (n Nudge) RoutingKey() string {
	return "nudge." + n.Event
}
