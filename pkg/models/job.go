package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job statuses. waiting_for_user is the only non-terminal status reachable
// from running; completed, failed and cancelled are terminal and immutable.
const (
	JobStatusPending        = "pending"
	JobStatusRunning        = "running"
	JobStatusWaitingForUser = "waiting_for_user"
	JobStatusCompleted      = "completed"
	JobStatusFailed         = "failed"
	JobStatusCancelled      = "cancelled"
)

// Job types, one per pipeline.
const (
	JobTypeQuickScan = "quick_scan"
	JobTypeDeepScan  = "deep_scan"
	JobTypePrequal   = "prequal_processing"
	JobTypeAuditScan = "audit_scan"
)

// ValidJobTypes maps the job types accepted on POST /jobs/{type}.
var ValidJobTypes = map[string]bool{
	JobTypeQuickScan: true,
	JobTypeDeepScan:  true,
	JobTypePrequal:   true,
	JobTypeAuditScan: true,
}

// TerminalStatus reports whether a job status admits no further transitions.
func TerminalStatus(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled
}

// Job tracks one pipeline execution. The API returns a job id on
// POST /api/v1/jobs/{type}; clients follow progress over SSE or by polling
// GET /api/v1/jobs/{id} until the status is terminal.
type Job struct {
	ID             uuid.UUID       `db:"id"              json:"id"`
	TenantID       uuid.UUID       `db:"tenant_id"       json:"tenant_id"`
	SubjectID      uuid.UUID       `db:"subject_id"      json:"subject_id"`
	Type           string          `db:"type"            json:"type"`
	Status         string          `db:"status"          json:"status"`
	Progress       int             `db:"progress"        json:"progress"`
	CurrentStep    string          `db:"current_step"    json:"current_step,omitempty"`
	CompletedSteps []string        `db:"completed_steps" json:"completed_steps"`
	PendingSteps   []string        `db:"pending_steps"   json:"pending_steps"`
	Question       *string         `db:"question"        json:"question,omitempty"`
	ErrorMessage   *string         `db:"error_message"   json:"error_message,omitempty"`
	Result         json.RawMessage `db:"result"          json:"result,omitempty"`
	Attempt        int             `db:"attempt"         json:"attempt"`
	Version        int             `db:"version"         json:"-"`
	StartedAt      *time.Time      `db:"started_at"      json:"started_at,omitempty"`
	CompletedAt    *time.Time      `db:"completed_at"    json:"completed_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"      json:"updated_at"`
}
