package trace

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("trace store record not found")
var ErrNotImplemented = errors.New("trace store method not implemented")

// Store is the durable side of the tracing engine. Both the SQLite and
// Postgres implementations satisfy it; everything above this interface is
// driver-agnostic.
type Store interface {
	InsertTrace(ctx context.Context, t *Trace) error
	UpdateTrace(ctx context.Context, id string, update TraceUpdate) error
	// CompleteTrace writes the terminal fields in one update. It returns
	// false when the trace was already terminal, in which case nothing was
	// written; callers treat that as a benign duplicate completion.
	CompleteTrace(ctx context.Context, id string, completion Completion) (bool, error)
	GetTrace(ctx context.Context, id string) (*Trace, error)
	QueryTraces(ctx context.Context, filter Filter) (*QueryResult, error)
	// SearchTraces matches query case-insensitively against prompt and
	// response content. It does not paginate; results are capped at the
	// filter limit.
	SearchTraces(ctx context.Context, query string, filter Filter) ([]*Trace, error)
	TracesInRange(ctx context.Context, from, to time.Time) ([]*Trace, error)
	GetMetrics(ctx context.Context, filter Filter) (*Metrics, error)
	LiveTraces(ctx context.Context, window time.Duration) (*LiveSnapshot, error)

	AppendEvent(ctx context.Context, event *Event) error
	AppendEvents(ctx context.Context, events []*Event) error
	GetEvents(ctx context.Context, traceID string) ([]*Event, error)

	UpsertDailyUsage(ctx context.Context, row *DailyUsage) error
	DailyUsageRange(ctx context.Context, from, to time.Time) ([]DailyUsage, error)
	UpsertModelStatistics(ctx context.Context, row *ModelStatistics) error
	ModelStatisticsRange(ctx context.Context, periodType string, from, to time.Time) ([]ModelStatistics, error)
	UpsertCostAnalysis(ctx context.Context, row *CostAnalysis) error
	UpsertUserActivity(ctx context.Context, row *UserActivity) error
	UpsertPromptPerformance(ctx context.Context, row *PromptPerformance) error

	Close() error
}

// TraceUpdate is a partial update; nil fields are left untouched. Status may
// only move a live trace to streaming here; terminal transitions go through
// CompleteTrace.
type TraceUpdate struct {
	Status              *Status
	Streamed            *bool
	ResponseContent     *string
	FirstTokenLatencyMS *int64
	Tokens              *TokenUsage
	Cost                *Cost
	QualityScore        *float64
	UserRating          *int
	MirrorTraceID       *string
	ErrorMessage        *string
	ErrorCode           *string
}

// Completion carries every terminal field written by CompleteTrace.
type Completion struct {
	Status              Status
	EndTime             time.Time
	DurationMS          int64
	ResponseContent     string
	Tokens              *TokenUsage
	Cost                *Cost
	TokensPerSecond     float64
	FirstTokenLatencyMS int64
	ErrorMessage        string
	ErrorCode           string
	QualityScore        *float64
}

// Filter selects traces for queries, searches, and metric aggregation.
// Zero values mean "no constraint".
type Filter struct {
	UserID    string
	ModelID   string
	Source    string
	SessionID string
	PromptID  string
	Status    Status

	From time.Time
	To   time.Time

	MinDurationMS int64
	MaxDurationMS int64
	MinCost       float64
	MaxCost       float64

	HasError  *bool
	Streaming *bool

	Limit  int
	Offset int
}

type QueryResult struct {
	Traces     []*Trace
	TotalCount int64
	HasMore    bool
}

// Metrics is a point-in-time aggregate over a filtered trace set. Every
// average and rate is zero when the set is empty.
type Metrics struct {
	TotalTraces            int64
	SuccessfulTraces       int64
	ErrorTraces            int64
	AverageDurationMS      float64
	AverageLatencyMS       float64
	TotalCost              float64
	AverageTokensPerSecond float64
	ErrorRate              float64
	StreamingRate          float64
}

// LiveSnapshot feeds real-time dashboards: traces still in flight within the
// window plus rolling latency/error figures from traces completed in the same
// window.
type LiveSnapshot struct {
	Active       []*Trace
	ActiveCount  int
	AvgLatencyMS float64
	ErrorRate    float64
}

const defaultQueryLimit = 50
const maxQueryLimit = 200

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultQueryLimit
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
