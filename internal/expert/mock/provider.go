package mock

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jreinhardt/bidpilot/pkg/models"
)

// MockProvider satisfies models.ExpertProvider for testing and local runs.
type MockProvider struct {
	Name_      string
	InvokeFunc func(ctx context.Context, req models.ExpertRequest) (models.ExpertResult, error)
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Invoke(ctx context.Context, req models.ExpertRequest) (models.ExpertResult, error) {
	if m.InvokeFunc != nil {
		return m.InvokeFunc(ctx, req)
	}
	return models.ExpertResult{}, nil
}

// NewProvider returns a MockProvider with sensible default responses: every
// expert succeeds with a canned finding and a mid-range confidence.
func NewProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		InvokeFunc: func(_ context.Context, req models.ExpertRequest) (models.ExpertResult, error) {
			out, _ := json.Marshal(map[string]string{
				"expert":  req.Expert,
				"finding": fmt.Sprintf("Simulated %s finding for %s", req.Expert, req.Subject.Name),
			})
			return models.ExpertResult{Output: out, Confidence: 80}, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		InvokeFunc: func(_ context.Context, _ models.ExpertRequest) (models.ExpertResult, error) {
			return models.ExpertResult{}, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		InvokeFunc: func(ctx context.Context, _ models.ExpertRequest) (models.ExpertResult, error) {
			<-ctx.Done()
			return models.ExpertResult{}, ctx.Err()
		},
	}
}

// Compile-time check that MockProvider implements ExpertProvider.
var _ models.ExpertProvider = (*MockProvider)(nil)
