package aiclient

import (
	"context"
	"fmt"
	"strings"
)

// SimulatedClient is a deterministic offline provider for development and
// tests. It returns a complete string with no native stream; the orchestrator
// synthesizes token-by-token emission from it.
type SimulatedClient struct {
	// Response overrides the generated text when set.
	Response string
	// Err, when set, fails every Generate call.
	Err error
}

func (c *SimulatedClient) Name() string {
	return "simulated"
}

func (c *SimulatedClient) Models() []string {
	return []string{"simulated"}
}

func (c *SimulatedClient) Validate(req Request) error {
	if req.Model == "" {
		return &ValidationError{Field: "model", Reason: "model is required"}
	}
	if req.Model != "simulated" {
		return &ValidationError{Field: "model", Reason: fmt.Sprintf("unknown model %q", req.Model)}
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return &ValidationError{Field: "prompt", Reason: "prompt is required"}
	}
	if temperature, ok := floatParam(req.Parameters, "temperature"); ok && (temperature < 0 || temperature > 2) {
		return &ValidationError{Field: "temperature", Reason: "temperature must be between 0 and 2"}
	}
	if maxTokens, ok := intParam(req.Parameters, "max_tokens"); ok && maxTokens <= 0 {
		return &ValidationError{Field: "max_tokens", Reason: "max_tokens must be positive"}
	}
	return nil
}

func (c *SimulatedClient) Generate(ctx context.Context, req Request) (*Generation, error) {
	if err := c.Validate(req); err != nil {
		return nil, err
	}
	if c.Err != nil {
		return nil, c.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := c.Response
	if text == "" {
		text = fmt.Sprintf("Simulated response to: %s", firstWords(req.Prompt, 12))
	}
	return &Generation{Text: text}, nil
}

func firstWords(text string, n int) string {
	words := strings.Fields(text)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}
