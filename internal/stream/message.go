package stream

import "github.com/promptlab/engine/internal/trace"

// Message types emitted to the client channel.
const (
	MessageConnected  = "connected"
	MessageToken      = "token"
	MessageStructured = "structured"
	MessageParseError = "parse_error"
	MessageComplete   = "complete"
	MessageError      = "error"
)

// Error codes recorded on failed generations.
const (
	CodeValidationError     = "VALIDATION_ERROR"
	CodeGenerationException = "GENERATION_EXCEPTION"
	CodeRequestError        = "REQUEST_ERROR"
)

// Message is one discrete unit sent to the consumer. The zero fields of
// unrelated types are omitted on the wire.
type Message struct {
	Type    string `json:"type"`
	TraceID string `json:"trace_id,omitempty"`

	Content string `json:"content,omitempty"`
	Index   int    `json:"index,omitempty"`

	Structured any    `json:"structured,omitempty"`
	ParseError string `json:"parse_error,omitempty"`

	Usage      *trace.TokenUsage `json:"usage,omitempty"`
	Cost       *trace.Cost       `json:"cost,omitempty"`
	DurationMS int64             `json:"duration_ms,omitempty"`

	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}
