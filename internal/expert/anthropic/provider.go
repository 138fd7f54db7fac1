// Package anthropic implements models.ExpertProvider against the Anthropic
// Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/jreinhardt/bidpilot/internal/config"
	"github.com/jreinhardt/bidpilot/internal/expert/prompt"
	"github.com/jreinhardt/bidpilot/pkg/models"
)

// Provider implements models.ExpertProvider using Anthropic.
type Provider struct {
	cfg    config.AnthropicConfig
	client *http.Client
}

func NewProvider(cfg config.AnthropicConfig) *Provider {
	return &Provider{cfg: cfg, client: &http.Client{}}
}

func (p *Provider) Name() string { return "anthropic" }

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (p *Provider) Invoke(ctx context.Context, req models.ExpertRequest) (models.ExpertResult, error) {
	body, err := json.Marshal(messagesRequest{
		Model:     p.cfg.Model,
		MaxTokens: 4096,
		System:    prompt.System(req.Expert),
		Messages:  []message{{Role: "user", Content: prompt.User(req)}},
	})
	if err != nil {
		return models.ExpertResult{}, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return models.ExpertResult{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return models.ExpertResult{}, fmt.Errorf("expert %s: provider timeout: %w", req.Expert, err)
		}
		return models.ExpertResult{}, fmt.Errorf("expert %s: %w", req.Expert, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.ExpertResult{}, fmt.Errorf("expert %s: anthropic status %d", req.Expert, resp.StatusCode)
	}

	var msgResp messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&msgResp); err != nil {
		return models.ExpertResult{}, fmt.Errorf("expert %s: decoding response: %w", req.Expert, err)
	}

	var text string
	for _, block := range msgResp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return prompt.ParseResult(text)
}

var _ models.ExpertProvider = (*Provider)(nil)
