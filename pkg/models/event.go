package models

import (
	"time"

	"github.com/google/uuid"
)

// Progress event types emitted over the stream. Clients rely on exactly one
// terminal "done" or "error" event per job, after which the stream closes.
const (
	EventStart         = "start"
	EventAgentProgress = "agent_progress"
	EventAgentComplete = "agent_complete"
	EventStepComplete  = "step_complete"
	EventDecision      = "decision"
	EventError         = "error"
	EventDone          = "done"
)

// ProgressEvent is one frame on a job's progress stream. Transient: events
// live only in the stream buffer, never in the database.
type ProgressEvent struct {
	JobID      uuid.UUID `json:"job_id"`
	Type       string    `json:"type"`
	Status     string    `json:"status,omitempty"`
	Step       string    `json:"step,omitempty"`
	Progress   int       `json:"progress"`
	Message    string    `json:"message,omitempty"`
	Confidence *int      `json:"confidence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Terminal reports whether this event ends the stream for its job.
func (e ProgressEvent) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}
