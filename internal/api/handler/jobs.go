// Package handler contains the HTTP handlers for the job API. Handlers
// validate input, translate store and queue errors to the response
// envelope, and never touch SQL or Redis directly.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/jreinhardt/bidpilot/internal/api/middleware"
	"github.com/jreinhardt/bidpilot/internal/api/response"
	"github.com/jreinhardt/bidpilot/internal/cache"
	"github.com/jreinhardt/bidpilot/internal/queue"
	"github.com/jreinhardt/bidpilot/internal/scan"
	"github.com/jreinhardt/bidpilot/internal/store"
	"github.com/jreinhardt/bidpilot/internal/stream"
	"github.com/jreinhardt/bidpilot/pkg/models"
)

const terminalSnapshotTTL = 5 * time.Minute

// NewSubmitJobHandler returns the handler for POST /api/v1/jobs/{type}.
// Submitting while a job of the same type is already active for the subject
// returns 409 with the existing job's id.
func NewSubmitJobHandler(st store.Store, q *queue.Queue, catalogs map[string]*scan.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		jobType := chi.URLParam(r, "type")
		catalog, ok := catalogs[jobType]
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"Unknown job type", map[string]string{"type": jobType})
			return
		}

		var req struct {
			SubjectID string   `json:"subject_id"`
			Steps     []string `json:"steps"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		subjectID, err := uuid.Parse(req.SubjectID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "subject_id must be a valid UUID", nil)
			return
		}
		for _, step := range req.Steps {
			if _, ok := catalog.Registry.Get(step); !ok {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"Unknown step", map[string]string{"step": step})
				return
			}
		}

		if _, err := st.GetSubject(r.Context(), subjectID, tenantID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Subject not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load subject", nil)
			return
		}

		if existing, err := st.GetActiveJob(r.Context(), subjectID, jobType); err == nil {
			response.Error(w, http.StatusConflict, "JOB_ALREADY_ACTIVE",
				"A job of this type is already active for the subject",
				map[string]string{"job_id": existing.ID.String()})
			return
		} else if !errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to check active jobs", nil)
			return
		}

		pending := req.Steps
		if len(pending) == 0 {
			pending = catalog.Registry.Steps()
		}
		job := &models.Job{
			ID:           uuid.New(),
			TenantID:     tenantID,
			SubjectID:    subjectID,
			Type:         jobType,
			Status:       models.JobStatusPending,
			PendingSteps: pending,
			Attempt:      1,
		}
		if err := st.CreateJob(r.Context(), job); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create job", nil)
			return
		}

		task := queue.Task{
			JobID:     job.ID,
			TenantID:  tenantID,
			SubjectID: subjectID,
			Type:      jobType,
			Steps:     req.Steps,
			Attempt:   1,
		}
		if err := q.Enqueue(r.Context(), task); err != nil {
			if errors.Is(err, queue.ErrDuplicate) {
				// Lost a race with a concurrent submission; the record just
				// created never ran, so cancel it.
				_, _ = st.CancelJob(r.Context(), job.ID, tenantID)
				response.Error(w, http.StatusConflict, "JOB_ALREADY_ACTIVE",
					"A job of this type is already active for the subject", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to enqueue job", nil)
			return
		}

		response.Accepted(w, job)
	}
}

// NewGetJobHandler returns the handler for GET /api/v1/jobs/{jobID}, the
// polling fallback for clients without SSE. Terminal jobs are served from
// cache when possible; their records no longer change.
func NewGetJobHandler(st store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
			return
		}

		if cached, hit, cerr := c.GetJobSnapshot(r.Context(), jobID); cerr == nil && hit {
			var job models.Job
			if json.Unmarshal(cached, &job) == nil && job.TenantID == tenantID {
				response.JSON(w, &job)
				return
			}
		}

		job, err := st.GetJob(r.Context(), jobID, tenantID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
			return
		}

		if models.TerminalStatus(job.Status) {
			if raw, merr := json.Marshal(job); merr == nil {
				_ = c.SetJobSnapshot(r.Context(), jobID, raw, terminalSnapshotTTL)
			}
		}
		response.JSON(w, job)
	}
}

// NewCancelJobHandler returns the handler for DELETE /api/v1/jobs/{jobID}.
// Cancellation is cooperative: the record flips immediately and the worker
// is signalled, but an in-flight step may still finish. Its results are
// discarded by the terminal-status guard.
func NewCancelJobHandler(st store.Store, q *queue.Queue, bus *stream.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
			return
		}

		job, err := st.CancelJob(r.Context(), jobID, tenantID)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			case errors.Is(err, store.ErrInvalidState):
				response.Error(w, http.StatusBadRequest, "JOB_NOT_CANCELLABLE",
					"Job has already finished", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to cancel job", nil)
			}
			return
		}

		// The worker signal and the terminal event are best effort; the
		// record is cancelled regardless, and any late worker writes are
		// rejected by the terminal-status guard.
		_ = q.RequestCancel(r.Context(), jobID)
		_ = bus.Publish(r.Context(), models.ProgressEvent{
			JobID:     jobID,
			Type:      models.EventDone,
			Status:    models.JobStatusCancelled,
			Progress:  job.Progress,
			Timestamp: time.Now().UTC(),
		})
		response.JSON(w, job)
	}
}
