package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/jreinhardt/bidpilot/internal/api/middleware"
	"github.com/jreinhardt/bidpilot/internal/api/response"
	"github.com/jreinhardt/bidpilot/internal/queue"
	"github.com/jreinhardt/bidpilot/internal/scan"
	"github.com/jreinhardt/bidpilot/internal/store"
	"github.com/jreinhardt/bidpilot/pkg/models"
)

// NewSelectiveRunHandler returns the handler for
// POST /api/v1/pipelines/{subjectID}/selective. It re-runs the experts
// behind the named report sections plus every downstream synthesis step,
// reusing stored outputs for everything else.
func NewSelectiveRunHandler(st store.Store, q *queue.Queue, catalogs map[string]*scan.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}
		subjectID, err := uuid.Parse(chi.URLParam(r, "subjectID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "subjectID must be a valid UUID", nil)
			return
		}

		var req struct {
			JobType    string   `json:"job_type"`
			SectionIDs []string `json:"section_ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.JobType == "" {
			req.JobType = models.JobTypeDeepScan
		}
		catalog, ok := catalogs[req.JobType]
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"Unknown job type", map[string]string{"type": req.JobType})
			return
		}
		if len(req.SectionIDs) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "section_ids is required", nil)
			return
		}

		steps, err := catalog.ResolveSections(req.SectionIDs)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		if _, err := st.GetSubject(r.Context(), subjectID, tenantID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Subject not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load subject", nil)
			return
		}

		if existing, err := st.GetActiveJob(r.Context(), subjectID, req.JobType); err == nil {
			response.Error(w, http.StatusConflict, "JOB_ALREADY_ACTIVE",
				"A job of this type is already active for the subject",
				map[string]string{"job_id": existing.ID.String()})
			return
		} else if !errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to check active jobs", nil)
			return
		}

		job := &models.Job{
			ID:           uuid.New(),
			TenantID:     tenantID,
			SubjectID:    subjectID,
			Type:         req.JobType,
			Status:       models.JobStatusPending,
			PendingSteps: steps,
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
			Type:      req.JobType,
			Steps:     steps,
			Attempt:   1,
		}
		if err := q.Enqueue(r.Context(), task); err != nil {
			if errors.Is(err, queue.ErrDuplicate) {
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
