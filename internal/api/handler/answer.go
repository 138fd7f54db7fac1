package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/jreinhardt/bidpilot/internal/api/middleware"
	"github.com/jreinhardt/bidpilot/internal/api/response"
	"github.com/jreinhardt/bidpilot/internal/queue"
	"github.com/jreinhardt/bidpilot/internal/scan"
	"github.com/jreinhardt/bidpilot/internal/store"
	"github.com/jreinhardt/bidpilot/pkg/models"
)

// NewAnswerHandler returns the handler for POST /api/v1/jobs/{jobID}/answer.
// It resumes a job parked on a human-in-the-loop question: the paused step
// re-runs with the answer available, followed by the steps still pending.
// Steps already completed before the pause are not re-executed.
func NewAnswerHandler(st store.Store, q *queue.Queue, catalogs map[string]*scan.Catalog) http.HandlerFunc {
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

		var req struct {
			Answer    string `json:"answer"`
			Reasoning string `json:"reasoning"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		req.Answer = strings.TrimSpace(req.Answer)
		if req.Answer == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "answer is required", nil)
			return
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
		if job.Status != models.JobStatusWaitingForUser {
			response.Error(w, http.StatusBadRequest, "JOB_NOT_WAITING",
				"Job is not waiting for an answer", map[string]string{"status": job.Status})
			return
		}
		if _, ok := catalogs[job.Type]; !ok {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "No pipeline for job type", nil)
			return
		}

		// The paused step plus everything not yet run. Completed steps are
		// served from stored outputs on the resumed run.
		steps := resumeSteps(job)

		answer := req.Answer
		if reasoning := strings.TrimSpace(req.Reasoning); reasoning != "" {
			answer = answer + "\n\nReasoning: " + reasoning
		}

		if _, err := st.RequeueJob(r.Context(), jobID); err != nil {
			if errors.Is(err, store.ErrInvalidState) {
				response.Error(w, http.StatusBadRequest, "JOB_NOT_WAITING",
					"Job is not waiting for an answer", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to requeue job", nil)
			return
		}

		task := queue.Task{
			JobID:     job.ID,
			TenantID:  tenantID,
			SubjectID: job.SubjectID,
			Type:      job.Type,
			Steps:     steps,
			Answer:    answer,
			Attempt:   job.Attempt,
		}
		if err := q.Enqueue(r.Context(), task); err != nil && !errors.Is(err, queue.ErrDuplicate) {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to enqueue job", nil)
			return
		}

		response.Accepted(w, job)
	}
}

func resumeSteps(job *models.Job) []string {
	seen := make(map[string]bool, len(job.PendingSteps)+1)
	var steps []string
	if job.CurrentStep != "" {
		seen[job.CurrentStep] = true
		steps = append(steps, job.CurrentStep)
	}
	for _, name := range job.PendingSteps {
		if !seen[name] {
			seen[name] = true
			steps = append(steps, name)
		}
	}
	return steps
}
