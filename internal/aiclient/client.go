// Package aiclient abstracts the model providers behind one generation
// contract. Providers either expose a true token stream or return the full
// completion text; the streaming orchestrator gives callers a uniform
// streaming surface either way.
package aiclient

import (
	"context"
	"errors"
	"fmt"
)

// Request is one generation call.
type Request struct {
	Model        string
	Prompt       string
	SystemPrompt string
	// Parameters carries free-form generation options. Recognized keys:
	// temperature, max_tokens, top_p.
	Parameters map[string]any
}

// Usage is the provider-reported or estimated token accounting.
type Usage struct {
	Input     int
	Output    int
	Total     int
	Estimated bool
}

// Chunk is one unit of streamed output.
type Chunk struct {
	Content string
}

// TokenStream delivers provider output incrementally. Recv returns io.EOF
// when the stream ends; Usage is only meaningful after that.
type TokenStream interface {
	Recv() (Chunk, error)
	Usage() *Usage
	Close() error
}

// Generation is the result of starting a generation. Exactly one of Stream
// and Text is populated: Stream for providers with native streaming, Text for
// providers that only return a complete string.
type Generation struct {
	Stream TokenStream
	Text   string
	Usage  *Usage
}

// Client is one model provider.
type Client interface {
	Name() string
	Models() []string
	// Validate rejects unusable requests before any trace work happens.
	// Rejections are *ValidationError so callers can distinguish them from
	// provider failures.
	Validate(req Request) error
	Generate(ctx context.Context, req Request) (*Generation, error)
}

// ValidationError marks a request the caller can fix. Its message is safe to
// show verbatim; provider failures are not.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is a request validation failure.
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

func floatParam(params map[string]any, key string) (float64, bool) {
	if params == nil {
		return 0, false
	}
	switch value := params[key].(type) {
	case float64:
		return value, true
	case float32:
		return float64(value), true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	}
	return 0, false
}

func intParam(params map[string]any, key string) (int, bool) {
	if params == nil {
		return 0, false
	}
	switch value := params[key].(type) {
	case int:
		return value, true
	case int64:
		return int(value), true
	case float64:
		return int(value), true
	}
	return 0, false
}
