package trace

import "time"

// Status is the lifecycle state of a trace. Transitions are
// pending -> streaming -> {success, error, cancelled}, or pending directly to
// a terminal state. A terminal status never changes again.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is one of the final states.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCancelled
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusStreaming, StatusSuccess, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Request sources.
const (
	SourcePlayground = "playground"
	SourceAPI        = "api"
	SourceTest       = "test"
)

// TokenUsage holds token counts for one interaction.
type TokenUsage struct {
	Input  int
	Output int
	Total  int
}

// Cost holds the USD cost breakdown for one interaction.
type Cost struct {
	Input  float64
	Output float64
	Total  float64
}

// Trace is one durable AI interaction record.
type Trace struct {
	ID            string
	ParentTraceID string
	SessionID     string
	UserID        string
	PromptID      string

	Source        string
	Provider      string
	ModelID       string
	PromptContent string
	SystemPrompt  string
	Parameters    map[string]any

	ResponseContent string
	Tokens          *TokenUsage
	Cost            *Cost

	StartTime           time.Time
	EndTime             *time.Time
	DurationMS          int64
	FirstTokenLatencyMS int64
	TokensPerSecond     float64

	Status       Status
	Streamed     bool
	ErrorMessage string
	ErrorCode    string

	QualityScore *float64
	UserRating   *int

	// MirrorTraceID correlates the record with the external observability
	// mirror when mirroring is enabled.
	MirrorTraceID string

	UserAgent    string
	IPAddress    string
	TraceVersion int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Event types recorded against a trace.
const (
	EventStart      = "start"
	EventToken      = "token"
	EventStructured = "structured"
	EventError      = "error"
	EventComplete   = "complete"
	EventUserAction = "user_action"
)

// Event is one append-only telemetry record for a trace. Display ordering
// relies on SequenceNumber, not wall-clock time.
type Event struct {
	ID             string
	TraceID        string
	Type           string
	Data           map[string]any
	Timestamp      time.Time
	SequenceNumber int64
}
