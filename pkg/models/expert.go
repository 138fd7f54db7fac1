// Package models contains shared data models used across the BidPilot codebase.
package models

import (
	"context"
	"encoding/json"
)

// ExpertProvider is the core interface behind every AI-backed analysis call.
// Callers must not reach a specific vendor directly; inject this interface.
type ExpertProvider interface {
	// Invoke runs one named expert against a subject and returns its
	// structured output. Implementations must honor ctx cancellation.
	Invoke(ctx context.Context, req ExpertRequest) (ExpertResult, error)
	// Name returns the provider identifier (e.g., "anthropic", "openai").
	Name() string
}

// ExpertRequest is the input to a single expert invocation.
type ExpertRequest struct {
	Expert  string          // expert step name, e.g. "tech_stack"
	Subject Subject         // the entity under analysis
	Prior   json.RawMessage // aggregated upstream outputs, for synthesis experts
	Answer  string          // human-supplied answer, set on resume after a gate
}

// ExpertResult is the structured output of one expert.
type ExpertResult struct {
	Output     json.RawMessage `json:"output"`
	Confidence int             `json:"confidence"` // self-reported, 0-100
	Evidence   []EvidenceChunk `json:"evidence,omitempty"`
}

// EvidenceChunk is one retrieved piece of supporting material with its
// similarity score. Section confidence shown to clients is the rounded mean
// of these scores when any exist.
type EvidenceChunk struct {
	Source     string `json:"source"`
	Excerpt    string `json:"excerpt"`
	Confidence int    `json:"confidence"` // 0-100
}
