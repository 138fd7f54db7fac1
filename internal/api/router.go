package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/jreinhardt/bidpilot/internal/api/middleware"
	"github.com/jreinhardt/bidpilot/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	CreateSubjectHandler http.HandlerFunc
	GetSubjectHandler    http.HandlerFunc

	SubmitJobHandler   http.HandlerFunc
	GetJobHandler      http.HandlerFunc
	CancelJobHandler   http.HandlerFunc
	ListStepsHandler   http.HandlerFunc
	ProgressHandler    http.HandlerFunc
	MultiStreamHandler http.HandlerFunc
	AnswerHandler      http.HandlerFunc
	SelectiveHandler   http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/subjects", orNotImplemented(deps.CreateSubjectHandler))
		r.Get("/api/v1/subjects/{subjectID}", orNotImplemented(deps.GetSubjectHandler))

		// "stream" before "{jobID}" so the literal route wins.
		r.Get("/api/v1/jobs/stream", orNotImplemented(deps.MultiStreamHandler))
		r.Post("/api/v1/jobs/{type}", orNotImplemented(deps.SubmitJobHandler))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
		r.Delete("/api/v1/jobs/{jobID}", orNotImplemented(deps.CancelJobHandler))
		r.Get("/api/v1/jobs/{jobID}/steps", orNotImplemented(deps.ListStepsHandler))
		r.Get("/api/v1/jobs/{jobID}/progress", orNotImplemented(deps.ProgressHandler))
		r.Post("/api/v1/jobs/{jobID}/answer", orNotImplemented(deps.AnswerHandler))

		r.Post("/api/v1/pipelines/{subjectID}/selective", orNotImplemented(deps.SelectiveHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
