package expert

import (
	"fmt"

	"github.com/jreinhardt/bidpilot/internal/config"
	"github.com/jreinhardt/bidpilot/internal/expert/anthropic"
	"github.com/jreinhardt/bidpilot/internal/expert/mock"
	"github.com/jreinhardt/bidpilot/internal/expert/openai"
	"github.com/jreinhardt/bidpilot/pkg/models"
)

// NewProvider constructs the appropriate expert provider based on config.
// Called once at startup.
func NewProvider(cfg config.ExpertConfig) (models.ExpertProvider, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.NewProvider(cfg.Anthropic), nil
	case "openai":
		return openai.NewProvider(cfg.OpenAI), nil
	case "mock":
		return mock.NewProvider(), nil
	default:
		return nil, fmt.Errorf("unknown expert provider %q: must be one of anthropic, openai, mock", cfg.Provider)
	}
}
