package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jreinhardt/bidpilot/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tenants ---

func (s *PostgresStore) GetDefaultTenant(ctx context.Context) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM tenants WHERE name = 'default' LIMIT 1`,
	).Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default tenant: %w", err)
	}
	return &t, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenantID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// --- Subjects ---

func (s *PostgresStore) CreateSubject(ctx context.Context, subject *models.Subject) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subjects (id, tenant_id, kind, name, website_url, requirements, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		subject.ID, subject.TenantID, subject.Kind, subject.Name, subject.WebsiteURL,
		subject.Requirements, subject.CreatedAt, subject.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create subject: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubject(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Subject, error) {
	var sub models.Subject
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, kind, name, website_url, requirements, created_at, updated_at
		 FROM subjects WHERE id = $1 AND tenant_id = $2`, id, tenantID,
	).Scan(&sub.ID, &sub.TenantID, &sub.Kind, &sub.Name, &sub.WebsiteURL,
		&sub.Requirements, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subject: %w", err)
	}
	return &sub, nil
}

// --- Jobs ---

const jobColumns = `id, tenant_id, subject_id, type, status, progress, current_step,
	completed_steps, pending_steps, question, error_message, result, attempt, version,
	started_at, completed_at, created_at, updated_at`

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, tenant_id, subject_id, type, status, progress, current_step,
		   completed_steps, pending_steps, attempt, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID, job.TenantID, job.SubjectID, job.Type, job.Status, job.Progress, job.CurrentStep,
		job.CompletedSteps, job.PendingSteps, job.Attempt, job.Version, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	return scanJob(row, "get job")
}

func (s *PostgresStore) GetActiveJob(ctx context.Context, subjectID uuid.UUID, jobType string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE subject_id = $1 AND type = $2
		   AND status IN ('pending', 'running', 'waiting_for_user')
		 ORDER BY created_at DESC LIMIT 1`, subjectID, jobType)
	return scanJob(row, "get active job")
}

// StartJob claims a pending or answered job for a worker. The version bump
// invalidates any stale writer still holding the old version.
func (s *PostgresStore) StartJob(ctx context.Context, id uuid.UUID, attempt int) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'running', attempt = $2, started_at = COALESCE(started_at, NOW()),
		   version = version + 1, updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'waiting_for_user')
		 RETURNING `+jobColumns, id, attempt)
	return s.scanTransition(ctx, row, id, "start job")
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id uuid.UUID, version int, upd ProgressUpdate) (*models.Job, error) {
	// Progress is monotonic while running; GREATEST guards against a late
	// writer lowering it.
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET progress = GREATEST(progress, $3), current_step = $4,
		   completed_steps = $5, pending_steps = $6, version = version + 1, updated_at = NOW()
		 WHERE id = $1 AND version = $2 AND status = 'running'
		 RETURNING `+jobColumns,
		id, version, upd.Progress, upd.CurrentStep, upd.CompletedSteps, upd.PendingSteps)
	job, err := scanJob(row, "update job progress")
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	// Row exists but the version or status check failed: classify.
	current, gerr := s.getJobByID(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	if current.Status != models.JobStatusRunning {
		return nil, fmt.Errorf("update job progress: status %s: %w", current.Status, ErrInvalidState)
	}
	return nil, ErrConflict
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id uuid.UUID, result json.RawMessage) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'completed', progress = 100, current_step = '', result = $2,
		   version = version + 1, completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = 'running'
		 RETURNING `+jobColumns, id, result)
	return s.scanTransition(ctx, row, id, "complete job")
}

func (s *PostgresStore) FailJob(ctx context.Context, id uuid.UUID, errorMessage string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'failed', error_message = $2,
		   version = version + 1, completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'running')
		 RETURNING `+jobColumns, id, errorMessage)
	return s.scanTransition(ctx, row, id, "fail job")
}

// CancelJob is valid from pending, running or waiting_for_user. It sets
// completed_at immediately; an in-flight worker's later writes bounce off
// the terminal status guard, so its results are discarded.
func (s *PostgresStore) CancelJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'cancelled', version = version + 1,
		   completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND status IN ('pending', 'running', 'waiting_for_user')
		 RETURNING `+jobColumns, id, tenantID)
	job, err := scanJob(row, "cancel job")
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if _, gerr := s.GetJob(ctx, id, tenantID); gerr != nil {
		return nil, gerr
	}
	return nil, fmt.Errorf("cancel job: %w", ErrInvalidState)
}

func (s *PostgresStore) PauseJob(ctx context.Context, id uuid.UUID, question string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'waiting_for_user', question = $2,
		   version = version + 1, updated_at = NOW()
		 WHERE id = $1 AND status = 'running'
		 RETURNING `+jobColumns, id, question)
	return s.scanTransition(ctx, row, id, "pause job")
}

func (s *PostgresStore) RequeueJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'pending', question = NULL,
		   version = version + 1, updated_at = NOW()
		 WHERE id = $1 AND status IN ('running', 'waiting_for_user')
		 RETURNING `+jobColumns, id)
	return s.scanTransition(ctx, row, id, "requeue job")
}

func (s *PostgresStore) getJobByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row, "get job")
}

// scanTransition distinguishes a missing row from a transition the guard
// rejected, so callers get ErrNotFound or ErrInvalidState accordingly.
func (s *PostgresStore) scanTransition(ctx context.Context, row pgx.Row, id uuid.UUID, op string) (*models.Job, error) {
	job, err := scanJob(row, op)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	current, gerr := s.getJobByID(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	return nil, fmt.Errorf("%s: status %s: %w", op, current.Status, ErrInvalidState)
}

func scanJob(row pgx.Row, op string) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.TenantID, &j.SubjectID, &j.Type, &j.Status, &j.Progress, &j.CurrentStep,
		&j.CompletedSteps, &j.PendingSteps, &j.Question, &j.ErrorMessage, &j.Result, &j.Attempt, &j.Version,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &j, nil
}

// --- Step results ---

func (s *PostgresStore) UpsertStepResult(ctx context.Context, result *models.StepResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO step_results (id, job_id, subject_id, step, success, output, error_message, confidence, duration_ms, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (job_id, step) DO UPDATE SET
		   success = EXCLUDED.success,
		   output = EXCLUDED.output,
		   error_message = EXCLUDED.error_message,
		   confidence = EXCLUDED.confidence,
		   duration_ms = EXCLUDED.duration_ms,
		   started_at = EXCLUDED.started_at`,
		result.ID, result.JobID, result.SubjectID, result.Step, result.Success, result.Output,
		result.ErrorMessage, result.Confidence, result.DurationMs, result.StartedAt)
	if err != nil {
		return fmt.Errorf("upsert step result: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListStepResults(ctx context.Context, jobID uuid.UUID) ([]*models.StepResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, subject_id, step, success, output, error_message, confidence, duration_ms, started_at
		 FROM step_results WHERE job_id = $1 ORDER BY started_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list step results: %w", err)
	}
	defer rows.Close()

	var results []*models.StepResult
	for rows.Next() {
		var r models.StepResult
		if err := rows.Scan(&r.ID, &r.JobID, &r.SubjectID, &r.Step, &r.Success, &r.Output,
			&r.ErrorMessage, &r.Confidence, &r.DurationMs, &r.StartedAt); err != nil {
			return nil, fmt.Errorf("scan step result: %w", err)
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}

func (s *PostgresStore) LatestStepResults(ctx context.Context, subjectID uuid.UUID) (map[string]*models.StepResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (step) id, job_id, subject_id, step, success, output, error_message, confidence, duration_ms, started_at
		 FROM step_results WHERE subject_id = $1
		 ORDER BY step, started_at DESC`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("latest step results: %w", err)
	}
	defer rows.Close()

	results := make(map[string]*models.StepResult)
	for rows.Next() {
		var r models.StepResult
		if err := rows.Scan(&r.ID, &r.JobID, &r.SubjectID, &r.Step, &r.Success, &r.Output,
			&r.ErrorMessage, &r.Confidence, &r.DurationMs, &r.StartedAt); err != nil {
			return nil, fmt.Errorf("scan step result: %w", err)
		}
		results[r.Step] = &r
	}
	return results, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
