// Package livetrace keeps fast, non-durable bookkeeping of traces and spans
// currently in flight, independent of the database. Entries linger for a
// grace period after completion so concurrent readers can still resolve them,
// and a periodic sweep evicts anything leaked by a crashed request.
package livetrace

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultCompletionGrace keeps a completed trace resolvable for late reads.
	DefaultCompletionGrace = 60 * time.Second
	// DefaultSpanGrace keeps a finished span resolvable for late reads.
	DefaultSpanGrace = 30 * time.Second
	// DefaultMaxAge evicts entries leaked by crashed requests.
	DefaultMaxAge = 30 * time.Minute
	// DefaultSweepInterval is how often the background sweep runs.
	DefaultSweepInterval = 5 * time.Minute
)

// TraceContext is the in-memory, ephemeral view of one in-flight trace.
type TraceContext struct {
	TraceID       string
	ParentTraceID string
	SessionID     string
	UserID        string
	StartTime     time.Time
	Metadata      map[string]any

	Completed   bool
	CompletedAt time.Time
}

// SpanLog is one ordered log entry on a span.
type SpanLog struct {
	Timestamp time.Time
	Level     string
	Message   string
	Data      map[string]any
}

// Span statuses.
const (
	SpanPending = "pending"
	SpanSuccess = "success"
	SpanError   = "error"
)

// Span is a sub-operation inside a trace, such as one provider call.
type Span struct {
	SpanID        string
	TraceID       string
	ParentSpanID  string
	OperationName string
	StartTime     time.Time
	EndTime       *time.Time
	Tags          map[string]any
	Logs          []SpanLog
	Status        string
}

// Update is a partial trace mutation. Nil fields are left untouched and
// Metadata is deep-merged into the existing metadata map.
type Update struct {
	ParentTraceID *string
	SessionID     *string
	UserID        *string
	Metadata      map[string]any
}

type traceEntry struct {
	ctx      *TraceContext
	removeAt time.Time // zero while the trace is live
}

type spanEntry struct {
	span     *Span
	removeAt time.Time
}

// Options tune the registry timing, mainly for tests. Zero values take the
// package defaults.
type Options struct {
	CompletionGrace time.Duration
	SpanGrace       time.Duration
	MaxAge          time.Duration
	SweepInterval   time.Duration
}

// Registry is the shared in-flight trace/span map. All methods are safe for
// concurrent use.
type Registry struct {
	mu     sync.Mutex
	traces map[string]*traceEntry
	spans  map[string]*spanEntry

	completionGrace time.Duration
	spanGrace       time.Duration
	maxAge          time.Duration
	sweepInterval   time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewRegistry(opts Options) *Registry {
	if opts.CompletionGrace <= 0 {
		opts.CompletionGrace = DefaultCompletionGrace
	}
	if opts.SpanGrace <= 0 {
		opts.SpanGrace = DefaultSpanGrace
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}

	return &Registry{
		traces:          make(map[string]*traceEntry),
		spans:           make(map[string]*spanEntry),
		completionGrace: opts.CompletionGrace,
		spanGrace:       opts.SpanGrace,
		maxAge:          opts.MaxAge,
		sweepInterval:   opts.SweepInterval,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Start launches the periodic sweep. It returns immediately; Stop (or ctx
// cancellation) ends the goroutine.
func (r *Registry) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.Cleanup(time.Now())
			}
		}
	}()
}

// Stop ends the sweep goroutine. Safe to call more than once.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
}

// CreateTrace registers a new in-flight trace. Missing trace and session ids
// are generated; a zero start time becomes now.
func (r *Registry) CreateTrace(partial TraceContext) *TraceContext {
	ctx := partial
	if ctx.TraceID == "" {
		ctx.TraceID = uuid.NewString()
	}
	if ctx.SessionID == "" {
		ctx.SessionID = uuid.NewString()
	}
	if ctx.StartTime.IsZero() {
		ctx.StartTime = time.Now().UTC()
	}
	if ctx.Metadata == nil {
		ctx.Metadata = make(map[string]any)
	}
	ctx.Completed = false
	ctx.CompletedAt = time.Time{}

	r.mu.Lock()
	r.traces[ctx.TraceID] = &traceEntry{ctx: &ctx}
	r.mu.Unlock()

	return copyTraceContext(&ctx)
}

// ActiveTrace returns a snapshot of the trace, or nil if it is not in the
// registry. It never consults durable storage.
func (r *Registry) ActiveTrace(traceID string) *TraceContext {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.traces[traceID]
	if !ok {
		return nil
	}
	return copyTraceContext(entry.ctx)
}

// UpdateTrace merges the update into the live trace. Updating a trace absent
// from the registry is a no-op; the durable update happens separately.
func (r *Registry) UpdateTrace(traceID string, update Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.traces[traceID]
	if !ok {
		return
	}

	ctx := entry.ctx
	if update.ParentTraceID != nil {
		ctx.ParentTraceID = *update.ParentTraceID
	}
	if update.SessionID != nil {
		ctx.SessionID = *update.SessionID
	}
	if update.UserID != nil {
		ctx.UserID = *update.UserID
	}
	if len(update.Metadata) > 0 {
		if ctx.Metadata == nil {
			ctx.Metadata = make(map[string]any, len(update.Metadata))
		}
		mergeMetadata(ctx.Metadata, update.Metadata)
	}
}

// CompleteTrace attaches the result to the trace metadata, stamps the end
// time, and schedules removal after the completion grace period. Completing
// an unknown trace is a no-op.
func (r *Registry) CompleteTrace(traceID string, result map[string]any) {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.traces[traceID]
	if !ok {
		return
	}

	ctx := entry.ctx
	ctx.Completed = true
	ctx.CompletedAt = now
	if ctx.Metadata == nil {
		ctx.Metadata = make(map[string]any)
	}
	if result != nil {
		ctx.Metadata["result"] = result
	}
	ctx.Metadata["end_time"] = now
	ctx.Metadata["duration_ms"] = now.Sub(ctx.StartTime).Milliseconds()

	entry.removeAt = now.Add(r.completionGrace)
}

// CreateSpan registers a sub-operation under a trace.
func (r *Registry) CreateSpan(traceID, parentSpanID, operationName string) *Span {
	span := &Span{
		SpanID:        uuid.NewString(),
		TraceID:       traceID,
		ParentSpanID:  parentSpanID,
		OperationName: operationName,
		StartTime:     time.Now().UTC(),
		Tags:          make(map[string]any),
		Status:        SpanPending,
	}

	r.mu.Lock()
	r.spans[span.SpanID] = &spanEntry{span: span}
	r.mu.Unlock()

	return copySpan(span)
}

// Span returns a snapshot of the span, or nil if unknown.
func (r *Registry) Span(spanID string) *Span {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.spans[spanID]
	if !ok {
		return nil
	}
	return copySpan(entry.span)
}

// FinishSpan stamps the end time and status and schedules removal after the
// span grace period. Unknown span ids are a no-op.
func (r *Registry) FinishSpan(spanID, status string) {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.spans[spanID]
	if !ok {
		return
	}
	if status != SpanSuccess && status != SpanError {
		status = SpanSuccess
	}
	end := now
	entry.span.EndTime = &end
	entry.span.Status = status
	entry.removeAt = now.Add(r.spanGrace)
}

// AddSpanLog appends one log entry to the span.
func (r *Registry) AddSpanLog(spanID, level, message string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.spans[spanID]
	if !ok {
		return
	}
	entry.span.Logs = append(entry.span.Logs, SpanLog{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Data:      data,
	})
}

// SetSpanTags merges tags into the span.
func (r *Registry) SetSpanTags(spanID string, tags map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.spans[spanID]
	if !ok {
		return
	}
	if entry.span.Tags == nil {
		entry.span.Tags = make(map[string]any, len(tags))
	}
	for key, value := range tags {
		entry.span.Tags[key] = value
	}
}

// ActiveCount returns the number of traces still in the registry.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.traces)
}

// Cleanup sweeps both maps, evicting entries whose grace period elapsed and
// anything older than the maximum age. It returns the number of evictions.
func (r *Registry) Cleanup(now time.Time) int {
	now = now.UTC()
	evicted := 0

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, entry := range r.traces {
		if r.expired(entry.removeAt, entry.ctx.StartTime, now) {
			delete(r.traces, id)
			evicted++
		}
	}
	for id, entry := range r.spans {
		if r.expired(entry.removeAt, entry.span.StartTime, now) {
			delete(r.spans, id)
			evicted++
		}
	}
	return evicted
}

func (r *Registry) expired(removeAt, startTime, now time.Time) bool {
	if !removeAt.IsZero() && !now.Before(removeAt) {
		return true
	}
	return now.Sub(startTime) > r.maxAge
}

func mergeMetadata(dst, src map[string]any) {
	for key, value := range src {
		if srcMap, ok := value.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				mergeMetadata(dstMap, srcMap)
				continue
			}
		}
		dst[key] = value
	}
}

func copyTraceContext(ctx *TraceContext) *TraceContext {
	snapshot := *ctx
	if ctx.Metadata != nil {
		snapshot.Metadata = copyMap(ctx.Metadata)
	}
	return &snapshot
}

func copySpan(span *Span) *Span {
	snapshot := *span
	if span.Tags != nil {
		snapshot.Tags = copyMap(span.Tags)
	}
	if span.Logs != nil {
		snapshot.Logs = append([]SpanLog(nil), span.Logs...)
	}
	if span.EndTime != nil {
		end := *span.EndTime
		snapshot.EndTime = &end
	}
	return &snapshot
}

func copyMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for key, value := range src {
		if nested, ok := value.(map[string]any); ok {
			dst[key] = copyMap(nested)
			continue
		}
		dst[key] = value
	}
	return dst
}
