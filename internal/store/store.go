package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jreinhardt/bidpilot/pkg/models"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicateKey = errors.New("duplicate key violation")
	// ErrInvalidState is returned for a job transition the state machine
	// forbids, including any write against a terminal job.
	ErrInvalidState = errors.New("invalid job state transition")
	// ErrConflict is returned when an optimistic-lock version check fails.
	ErrConflict = errors.New("job version conflict")
)

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error

	CreateSubject(ctx context.Context, subject *models.Subject) error
	GetSubject(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Subject, error)

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error)
	// GetActiveJob returns the pending/running/waiting job for a subject and
	// type, or ErrNotFound. Backs the duplicate-submission guard.
	GetActiveJob(ctx context.Context, subjectID uuid.UUID, jobType string) (*models.Job, error)
	// StartJob claims a job: pending or waiting_for_user to running. Returns
	// the fresh row so the worker holds the current version.
	StartJob(ctx context.Context, id uuid.UUID, attempt int) (*models.Job, error)
	// UpdateJobProgress is a compare-and-swap on the job's version. Progress
	// never decreases; a stale version returns ErrConflict, a terminal or
	// non-running status ErrInvalidState.
	UpdateJobProgress(ctx context.Context, id uuid.UUID, version int, upd ProgressUpdate) (*models.Job, error)
	CompleteJob(ctx context.Context, id uuid.UUID, result json.RawMessage) (*models.Job, error)
	FailJob(ctx context.Context, id uuid.UUID, errorMessage string) (*models.Job, error)
	CancelJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error)
	// PauseJob parks a running job on the human-in-the-loop gate.
	PauseJob(ctx context.Context, id uuid.UUID, question string) (*models.Job, error)
	// RequeueJob moves a waiting_for_user (answer received) or running
	// (stalled worker) job back to pending for a fresh claim.
	RequeueJob(ctx context.Context, id uuid.UUID) (*models.Job, error)

	UpsertStepResult(ctx context.Context, result *models.StepResult) error
	ListStepResults(ctx context.Context, jobID uuid.UUID) ([]*models.StepResult, error)
	// LatestStepResults returns the most recent result per step for a
	// subject, across jobs. Selective re-runs reuse these.
	LatestStepResults(ctx context.Context, subjectID uuid.UUID) (map[string]*models.StepResult, error)
}

// ProgressUpdate carries the incremental fields a worker writes as steps
// finish.
type ProgressUpdate struct {
	Progress       int
	CurrentStep    string
	CompletedSteps []string
	PendingSteps   []string
}
