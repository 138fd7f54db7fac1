package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jreinhardt/bidpilot/internal/api"
	"github.com/jreinhardt/bidpilot/internal/api/handler"
	mw "github.com/jreinhardt/bidpilot/internal/api/middleware"
	"github.com/jreinhardt/bidpilot/internal/expert/mock"
	"github.com/jreinhardt/bidpilot/internal/scan"
	"github.com/jreinhardt/bidpilot/internal/store"
	"github.com/jreinhardt/bidpilot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testRawKey = "bp_router_test_0123456789abcdef"

// stubStore authenticates testRawKey and returns not-found for everything
// else, which exercises the router's validation and error paths without a
// database.
type stubStore struct {
	key *models.APIKey
}

func newStubStore(t *testing.T, tenantID uuid.UUID) *stubStore {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testRawKey), bcrypt.MinCost)
	require.NoError(t, err)
	return &stubStore{key: &models.APIKey{
		ID:        uuid.New(),
		TenantID:  tenantID,
		KeyHash:   string(hash),
		KeyPrefix: testRawKey[:8],
		Scopes:    []string{"jobs"},
	}}
}

func (s *stubStore) Ping(_ context.Context) error { return nil }
func (s *stubStore) GetDefaultTenant(_ context.Context) (*models.Tenant, error) {
	return nil, store.ErrNotFound
}
func (s *stubStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	if s.key != nil && s.key.KeyPrefix == prefix {
		return []*models.APIKey{s.key}, nil
	}
	return nil, nil
}
func (s *stubStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }
func (s *stubStore) CreateAPIKey(_ context.Context, _ *models.APIKey) error    { return nil }
func (s *stubStore) ListAPIKeys(_ context.Context, _ uuid.UUID) ([]*models.APIKey, error) {
	return nil, nil
}
func (s *stubStore) RevokeAPIKey(_ context.Context, _ uuid.UUID, _ uuid.UUID) error { return nil }
func (s *stubStore) CreateSubject(_ context.Context, _ *models.Subject) error       { return nil }
func (s *stubStore) GetSubject(_ context.Context, _ uuid.UUID, _ uuid.UUID) (*models.Subject, error) {
	return nil, store.ErrNotFound
}
func (s *stubStore) CreateJob(_ context.Context, _ *models.Job) error { return nil }
func (s *stubStore) GetJob(_ context.Context, _ uuid.UUID, _ uuid.UUID) (*models.Job, error) {
	return nil, store.ErrNotFound
}
func (s *stubStore) GetActiveJob(_ context.Context, _ uuid.UUID, _ string) (*models.Job, error) {
	return nil, store.ErrNotFound
}
func (s *stubStore) StartJob(_ context.Context, _ uuid.UUID, _ int) (*models.Job, error) {
	return nil, store.ErrNotFound
}
func (s *stubStore) UpdateJobProgress(_ context.Context, _ uuid.UUID, _ int, _ store.ProgressUpdate) (*models.Job, error) {
	return nil, store.ErrNotFound
}
func (s *stubStore) CompleteJob(_ context.Context, _ uuid.UUID, _ json.RawMessage) (*models.Job, error) {
	return nil, store.ErrNotFound
}
func (s *stubStore) FailJob(_ context.Context, _ uuid.UUID, _ string) (*models.Job, error) {
	return nil, store.ErrNotFound
}
func (s *stubStore) CancelJob(_ context.Context, _ uuid.UUID, _ uuid.UUID) (*models.Job, error) {
	return nil, store.ErrNotFound
}
func (s *stubStore) PauseJob(_ context.Context, _ uuid.UUID, _ string) (*models.Job, error) {
	return nil, store.ErrNotFound
}
func (s *stubStore) RequeueJob(_ context.Context, _ uuid.UUID) (*models.Job, error) {
	return nil, store.ErrNotFound
}
func (s *stubStore) UpsertStepResult(_ context.Context, _ *models.StepResult) error { return nil }
func (s *stubStore) ListStepResults(_ context.Context, _ uuid.UUID) ([]*models.StepResult, error) {
	return nil, nil
}
func (s *stubStore) LatestStepResults(_ context.Context, _ uuid.UUID) (map[string]*models.StepResult, error) {
	return nil, nil
}

type stubCache struct{}

func (stubCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (stubCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (stubCache) Delete(_ context.Context, _ string) error                          { return nil }
func (stubCache) Ping(_ context.Context) error                                      { return nil }
func (stubCache) SetJobSnapshot(_ context.Context, _ uuid.UUID, _ []byte, _ time.Duration) error {
	return nil
}
func (stubCache) GetJobSnapshot(_ context.Context, _ uuid.UUID) ([]byte, bool, error) {
	return nil, false, nil
}
func (stubCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	st := newStubStore(t, uuid.New())
	catalogs := scan.NewCatalogs(mock.NewProvider())

	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(stubCache{}, 1000),

		CreateSubjectHandler: handler.NewCreateSubjectHandler(st),
		GetSubjectHandler:    handler.NewGetSubjectHandler(st),
		SubmitJobHandler:     handler.NewSubmitJobHandler(st, nil, catalogs),
		GetJobHandler:        handler.NewGetJobHandler(st, stubCache{}),
		ListStepsHandler:     handler.NewListStepResultsHandler(st),
		AnswerHandler:        handler.NewAnswerHandler(st, nil, catalogs),
		SelectiveHandler:     handler.NewSelectiveRunHandler(st, nil, catalogs),
	})
}

func doRequest(t *testing.T, router http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if authed {
		req.Header.Set("Authorization", "Bearer "+testRawKey)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Code
}

func TestRouter_ProtectedRoutesRequireAuth(t *testing.T) {
	router := newTestRouter(t)

	paths := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/jobs/deep_scan"},
		{"GET", "/api/v1/jobs/" + uuid.NewString()},
		{"DELETE", "/api/v1/jobs/" + uuid.NewString()},
		{"GET", "/api/v1/jobs/stream?ids=" + uuid.NewString()},
		{"POST", "/api/v1/subjects"},
	}
	for _, p := range paths {
		w := doRequest(t, router, p.method, p.path, "", false)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", p.method, p.path)
	}
}

func TestRouter_SubmitUnknownJobType(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(t, router, "POST", "/api/v1/jobs/mystery_scan",
		`{"subject_id":"`+uuid.NewString()+`"}`, true)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", errCode(t, w))
}

func TestRouter_SubmitUnknownSubject(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(t, router, "POST", "/api/v1/jobs/deep_scan",
		`{"subject_id":"`+uuid.NewString()+`"}`, true)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errCode(t, w))
}

func TestRouter_SubmitInvalidSubjectID(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(t, router, "POST", "/api/v1/jobs/deep_scan",
		`{"subject_id":"not-a-uuid"}`, true)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_GetJobNotFound(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(t, router, "GET", "/api/v1/jobs/"+uuid.NewString(), "", true)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_GetJobInvalidID(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(t, router, "GET", "/api/v1/jobs/not-a-uuid", "", true)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_StreamRequiresIDs(t *testing.T) {
	router := newTestRouter(t)

	// The literal "stream" segment must win over the jobID route.
	w := doRequest(t, router, "GET", "/api/v1/jobs/stream", "", true)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", errCode(t, w))
}

func TestRouter_AnswerRequiresBody(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(t, router, "POST", "/api/v1/jobs/"+uuid.NewString()+"/answer",
		`{"answer":"   "}`, true)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_SelectiveUnknownSection(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(t, router, "POST", "/api/v1/pipelines/"+uuid.NewString()+"/selective",
		`{"section_ids":["no_such_section"]}`, true)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_CreateSubjectValidatesKind(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(t, router, "POST", "/api/v1/subjects",
		`{"kind":"novel","name":"Acme"}`, true)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_AdminRoutesRequireScope(t *testing.T) {
	router := newTestRouter(t)

	// Key carries only the jobs scope.
	w := doRequest(t, router, "GET", "/api/v1/admin/keys", "", true)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", errCode(t, w))
}

func TestRouter_UnwiredRouteReturns501(t *testing.T) {
	st := newStubStore(t, uuid.New())
	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(stubCache{}, 1000),
	})

	w := doRequest(t, router, "GET", "/api/v1/health", "", false)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}
