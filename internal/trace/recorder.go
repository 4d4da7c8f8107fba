package trace

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/promptlab/engine/internal/livetrace"
)

// StartArgs describes a new interaction to record.
type StartArgs struct {
	TraceID       string
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

	UserAgent string
	IPAddress string
}

// Recorder is the single source of truth bridging the in-memory registry to
// durable storage. All trace reads and writes flow through it. The trace row
// itself is written synchronously; events ride the best-effort writer queue.
type Recorder struct {
	store    Store
	registry *livetrace.Registry
	events   *EventWriter
	logger   *slog.Logger
}

func NewRecorder(store Store, registry *livetrace.Registry, events *EventWriter, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:    store,
		registry: registry,
		events:   events,
		logger:   logger,
	}
}

// Registry exposes the in-memory side for collaborators that only need
// ephemeral context lookups.
func (r *Recorder) Registry() *livetrace.Registry {
	return r.registry
}

// StartTrace registers the in-memory context, inserts the durable pending
// row, and appends a start event. An insert failure is fatal for the request;
// the model call must not proceed with an un-persisted trace because cost and
// usage accounting depend on the row.
func (r *Recorder) StartTrace(ctx context.Context, args StartArgs) (*livetrace.TraceContext, error) {
	source := args.Source
	if source == "" {
		source = SourceAPI
	}

	live := r.registry.CreateTrace(livetrace.TraceContext{
		TraceID:       args.TraceID,
		ParentTraceID: args.ParentTraceID,
		SessionID:     args.SessionID,
		UserID:        args.UserID,
		Metadata: map[string]any{
			"source":    source,
			"prompt_id": args.PromptID,
			"model":     args.ModelID,
			"provider":  args.Provider,
		},
	})

	row := &Trace{
		ID:            live.TraceID,
		ParentTraceID: args.ParentTraceID,
		SessionID:     live.SessionID,
		UserID:        args.UserID,
		PromptID:      args.PromptID,
		Source:        source,
		Provider:      args.Provider,
		ModelID:       args.ModelID,
		PromptContent: args.PromptContent,
		SystemPrompt:  args.SystemPrompt,
		Parameters:    args.Parameters,
		StartTime:     live.StartTime,
		Status:        StatusPending,
		UserAgent:     args.UserAgent,
		IPAddress:     args.IPAddress,
	}

	if err := r.store.InsertTrace(ctx, row); err != nil {
		return nil, fmt.Errorf("start trace %q: %w", live.TraceID, err)
	}

	r.AddEvent(live.TraceID, EventStart, map[string]any{
		"model":  args.ModelID,
		"source": source,
	})

	return live, nil
}

// UpdateTrace merges the partial update into the live context and issues the
// durable update. Errors from the durable side propagate.
func (r *Recorder) UpdateTrace(ctx context.Context, traceID string, update TraceUpdate) error {
	if meta := liveMetadataFor(update); len(meta) > 0 {
		r.registry.UpdateTrace(traceID, livetrace.Update{Metadata: meta})
	}
	return r.store.UpdateTrace(ctx, traceID, update)
}

// CompleteTrace is the single finalization path. It fills duration from the
// in-memory start time when the caller did not (falling back to the stored
// row when the live entry has been swept), derives tokens per second
// when usage and duration are both present, writes every terminal field in
// one update, and appends a complete event. A second completion is a benign
// no-op; the first write wins and applied comes back false.
func (r *Recorder) CompleteTrace(ctx context.Context, traceID string, completion Completion) (bool, error) {
	if completion.EndTime.IsZero() {
		completion.EndTime = time.Now().UTC()
	}
	if completion.DurationMS == 0 {
		if live := r.registry.ActiveTrace(traceID); live != nil {
			completion.DurationMS = completion.EndTime.Sub(live.StartTime).Milliseconds()
		} else if row, err := r.store.GetTrace(ctx, traceID); err == nil {
			completion.DurationMS = completion.EndTime.Sub(row.StartTime).Milliseconds()
		}
	}
	if completion.TokensPerSecond == 0 && completion.Tokens != nil && completion.Tokens.Total > 0 && completion.DurationMS > 0 {
		completion.TokensPerSecond = float64(completion.Tokens.Total) / float64(completion.DurationMS) * 1000
	}

	applied, err := r.store.CompleteTrace(ctx, traceID, completion)
	if err != nil {
		return false, err
	}

	if applied {
		data := map[string]any{
			"status":      string(completion.Status),
			"duration_ms": completion.DurationMS,
		}
		if completion.Tokens != nil {
			data["total_tokens"] = completion.Tokens.Total
		}
		if completion.Cost != nil {
			data["total_cost"] = completion.Cost.Total
		}
		if completion.ErrorCode != "" {
			data["error_code"] = completion.ErrorCode
		}
		r.AddEvent(traceID, EventComplete, data)
	}

	r.registry.CompleteTrace(traceID, map[string]any{
		"status":      string(completion.Status),
		"duration_ms": completion.DurationMS,
	})

	return applied, nil
}

// AddEvent queues one telemetry event. Events are best-effort; when the queue
// is full or the writer is stopped the event is dropped and logged, never
// surfaced to the request path.
func (r *Recorder) AddEvent(traceID, eventType string, data map[string]any) {
	event := &Event{
		TraceID: traceID,
		Type:    eventType,
		Data:    data,
	}
	if r.events == nil {
		return
	}
	if !r.events.Enqueue(event) {
		r.logger.Warn("trace event dropped",
			slog.String("trace_id", traceID),
			slog.String("event_type", eventType))
	}
}

// AddEventSync writes one event directly, bypassing the queue. Used by tests
// and the one-shot tooling paths where ordering against reads matters.
func (r *Recorder) AddEventSync(ctx context.Context, event *Event) error {
	return r.store.AppendEvent(ctx, event)
}

func (r *Recorder) GetTrace(ctx context.Context, traceID string) (*Trace, error) {
	return r.store.GetTrace(ctx, traceID)
}

// GetTraceWithEvents loads the trace row and its ordered event history.
func (r *Recorder) GetTraceWithEvents(ctx context.Context, traceID string) (*Trace, []*Event, error) {
	row, err := r.store.GetTrace(ctx, traceID)
	if err != nil {
		return nil, nil, err
	}
	events, err := r.store.GetEvents(ctx, traceID)
	if err != nil {
		return nil, nil, err
	}
	return row, events, nil
}

func (r *Recorder) QueryTraces(ctx context.Context, filter Filter) (*QueryResult, error) {
	return r.store.QueryTraces(ctx, filter)
}

func (r *Recorder) SearchTraces(ctx context.Context, query string, filter Filter) ([]*Trace, error) {
	return r.store.SearchTraces(ctx, query, filter)
}

func (r *Recorder) GetEvents(ctx context.Context, traceID string) ([]*Event, error) {
	return r.store.GetEvents(ctx, traceID)
}

func (r *Recorder) GetMetrics(ctx context.Context, filter Filter) (*Metrics, error) {
	return r.store.GetMetrics(ctx, filter)
}

// LiveTraces returns the real-time dashboard feed: in-flight traces from the
// last five minutes plus rolling latency and error figures.
func (r *Recorder) LiveTraces(ctx context.Context) (*LiveSnapshot, error) {
	return r.store.LiveTraces(ctx, 5*time.Minute)
}

// Diagnostics reports event pipeline queue pressure and drop counters.
func (r *Recorder) Diagnostics() EventPipelineDiagnostics {
	if r.events == nil {
		return EventPipelineDiagnostics{}
	}
	return r.events.EventPipelineDiagnostics()
}

// liveMetadataFor mirrors the durable update into the ephemeral context so
// concurrent readers of the registry see current token and status facts.
func liveMetadataFor(update TraceUpdate) map[string]any {
	meta := make(map[string]any)
	if update.Status != nil {
		meta["status"] = string(*update.Status)
	}
	if update.Streamed != nil {
		meta["streamed"] = *update.Streamed
	}
	if update.FirstTokenLatencyMS != nil {
		meta["first_token_latency_ms"] = *update.FirstTokenLatencyMS
	}
	if update.Tokens != nil {
		meta["total_tokens"] = update.Tokens.Total
	}
	if update.QualityScore != nil {
		meta["quality_score"] = *update.QualityScore
	}
	return meta
}
