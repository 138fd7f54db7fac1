package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/jreinhardt/bidpilot/internal/api/middleware"
	"github.com/jreinhardt/bidpilot/internal/api/response"
	"github.com/jreinhardt/bidpilot/internal/store"
	"github.com/jreinhardt/bidpilot/internal/stream"
	"github.com/jreinhardt/bidpilot/pkg/models"
)

// maxStreamJobs bounds one SSE connection's fan-in.
const maxStreamJobs = 20

// NewProgressHandler returns the handler for
// GET /api/v1/jobs/{jobID}/progress, a single-job SSE stream.
func NewProgressHandler(st store.Store, streamer *stream.Streamer) http.HandlerFunc {
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

		job, err := st.GetJob(r.Context(), jobID, tenantID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
			return
		}

		_ = streamer.Serve(w, r, []*models.Job{job}, snapshotFunc(st, tenantID))
	}
}

// NewMultiStreamHandler returns the handler for
// GET /api/v1/jobs/stream?ids=<uuid>,<uuid>,..., one SSE connection
// multiplexing several jobs. The stream closes when every job is terminal.
func NewMultiStreamHandler(st store.Store, streamer *stream.Streamer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		raw := strings.TrimSpace(r.URL.Query().Get("ids"))
		if raw == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "ids query parameter is required", nil)
			return
		}
		parts := strings.Split(raw, ",")
		if len(parts) > maxStreamJobs {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"Too many job ids", map[string]int{"max": maxStreamJobs})
			return
		}

		jobs := make([]*models.Job, 0, len(parts))
		for _, part := range parts {
			jobID, err := uuid.Parse(strings.TrimSpace(part))
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"ids must be comma-separated UUIDs", nil)
				return
			}
			job, err := st.GetJob(r.Context(), jobID, tenantID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					response.Error(w, http.StatusNotFound, "NOT_FOUND",
						"Job not found", map[string]string{"job_id": jobID.String()})
					return
				}
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
				return
			}
			jobs = append(jobs, job)
		}

		_ = streamer.Serve(w, r, jobs, snapshotFunc(st, tenantID))
	}
}

func snapshotFunc(st store.Store, tenantID uuid.UUID) stream.SnapshotFunc {
	return func(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
		return st.GetJob(ctx, jobID, tenantID)
	}
}
