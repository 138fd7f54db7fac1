package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/jreinhardt/bidpilot/internal/api/middleware"
	"github.com/jreinhardt/bidpilot/internal/api/response"
	"github.com/jreinhardt/bidpilot/internal/store"
	"github.com/jreinhardt/bidpilot/pkg/models"
)

var validSubjectKinds = map[string]bool{
	"qualification": true,
	"rfp":           true,
	"pitch":         true,
}

// NewCreateSubjectHandler returns the handler for POST /api/v1/subjects.
func NewCreateSubjectHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		var req struct {
			Kind         string          `json:"kind"`
			Name         string          `json:"name"`
			WebsiteURL   *string         `json:"website_url"`
			Requirements json.RawMessage `json:"requirements"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if !validSubjectKinds[req.Kind] {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"kind must be one of qualification, rfp, pitch", nil)
			return
		}
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}

		subject := &models.Subject{
			ID:           uuid.New(),
			TenantID:     tenantID,
			Kind:         req.Kind,
			Name:         req.Name,
			WebsiteURL:   req.WebsiteURL,
			Requirements: req.Requirements,
		}
		if err := st.CreateSubject(r.Context(), subject); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create subject", nil)
			return
		}
		response.Created(w, subject)
	}
}

// NewGetSubjectHandler returns the handler for GET /api/v1/subjects/{subjectID}.
func NewGetSubjectHandler(st store.Store) http.HandlerFunc {
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
		subject, err := st.GetSubject(r.Context(), subjectID, tenantID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Subject not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load subject", nil)
			return
		}
		response.JSON(w, subject)
	}
}

// NewListStepResultsHandler returns the handler for
// GET /api/v1/jobs/{jobID}/steps, the per-step breakdown of a run.
func NewListStepResultsHandler(st store.Store) http.HandlerFunc {
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
		if _, err := st.GetJob(r.Context(), jobID, tenantID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
			return
		}
		results, err := st.ListStepResults(r.Context(), jobID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load step results", nil)
			return
		}
		response.JSON(w, results)
	}
}
