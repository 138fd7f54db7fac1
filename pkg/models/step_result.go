package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// StepResult is the recorded outcome of one pipeline step for one subject.
// Results are kept per subject so a selective re-run can reuse the latest
// output of steps it does not re-execute.
type StepResult struct {
	ID           uuid.UUID       `db:"id"            json:"id"`
	JobID        uuid.UUID       `db:"job_id"        json:"job_id"`
	SubjectID    uuid.UUID       `db:"subject_id"    json:"subject_id"`
	Step         string          `db:"step"          json:"step"`
	Success      bool            `db:"success"       json:"success"`
	Output       json.RawMessage `db:"output"        json:"output,omitempty"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	Confidence   *int            `db:"confidence"    json:"confidence,omitempty"`
	DurationMs   int64           `db:"duration_ms"   json:"duration_ms"`
	StartedAt    time.Time       `db:"started_at"    json:"started_at"`
}
