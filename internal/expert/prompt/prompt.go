// Package prompt builds the vendor-neutral prompt and parses the JSON
// envelope every expert is asked to reply with.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jreinhardt/bidpilot/pkg/models"
)

// System returns the system prompt for a named expert.
func System(expert string) string {
	return fmt.Sprintf(
		"You are the %q analysis expert of a business-development platform. "+
			"Analyze the subject and reply with a single JSON object: "+
			`{"output": <structured findings>, "confidence": <0-100>, `+
			`"evidence": [{"source": "...", "excerpt": "...", "confidence": <0-100>}]}. `+
			"No prose outside the JSON.", expert)
}

// User renders the subject, upstream outputs and any human answer into the
// user message.
func User(req models.ExpertRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s (%s)\n", req.Subject.Name, req.Subject.Kind)
	if req.Subject.WebsiteURL != nil {
		fmt.Fprintf(&b, "Website: %s\n", *req.Subject.WebsiteURL)
	}
	if len(req.Subject.Requirements) > 0 {
		fmt.Fprintf(&b, "Requirements: %s\n", req.Subject.Requirements)
	}
	if len(req.Prior) > 0 {
		fmt.Fprintf(&b, "Upstream expert outputs: %s\n", req.Prior)
	}
	if req.Answer != "" {
		fmt.Fprintf(&b, "Clarifying answer from the account owner: %s\n", req.Answer)
	}
	return b.String()
}

// ParseResult decodes the reply envelope. A reply that is not the expected
// envelope but still valid JSON is kept as raw output with zero confidence.
func ParseResult(text string) (models.ExpertResult, error) {
	text = strings.TrimSpace(text)
	// Tolerate fenced replies.
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var res models.ExpertResult
	if err := json.Unmarshal([]byte(text), &res); err == nil && len(res.Output) > 0 {
		return res, nil
	}
	if json.Valid([]byte(text)) {
		return models.ExpertResult{Output: json.RawMessage(text)}, nil
	}
	return models.ExpertResult{}, fmt.Errorf("invalid expert reply: %.120s", text)
}
