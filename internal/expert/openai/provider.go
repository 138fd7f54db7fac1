// Package openai implements models.ExpertProvider against the OpenAI chat
// completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jreinhardt/bidpilot/internal/config"
	"github.com/jreinhardt/bidpilot/internal/expert/prompt"
	"github.com/jreinhardt/bidpilot/pkg/models"
)

// Provider implements models.ExpertProvider using OpenAI.
type Provider struct {
	cfg    config.OpenAIConfig
	client *http.Client
}

func NewProvider(cfg config.OpenAIConfig) *Provider {
	return &Provider{cfg: cfg, client: &http.Client{}}
}

func (p *Provider) Name() string { return "openai" }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (p *Provider) Invoke(ctx context.Context, req models.ExpertRequest) (models.ExpertResult, error) {
	body, err := json.Marshal(chatRequest{
		Model: p.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt.System(req.Expert)},
			{Role: "user", Content: prompt.User(req)},
		},
	})
	if err != nil {
		return models.ExpertResult{}, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return models.ExpertResult{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return models.ExpertResult{}, fmt.Errorf("expert %s: %w", req.Expert, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.ExpertResult{}, fmt.Errorf("expert %s: openai status %d", req.Expert, resp.StatusCode)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return models.ExpertResult{}, fmt.Errorf("expert %s: decoding response: %w", req.Expert, err)
	}
	if len(chatResp.Choices) == 0 {
		return models.ExpertResult{}, fmt.Errorf("expert %s: empty completion", req.Expert)
	}
	return prompt.ParseResult(chatResp.Choices[0].Message.Content)
}

var _ models.ExpertProvider = (*Provider)(nil)
