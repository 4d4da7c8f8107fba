package livetrace

import (
	"testing"
	"time"
)

func TestCreateTraceGeneratesIdentifiers(t *testing.T) {
	registry := NewRegistry(Options{})

	ctx := registry.CreateTrace(TraceContext{UserID: "user-1"})
	if ctx.TraceID == "" || ctx.SessionID == "" {
		t.Fatalf("missing generated ids: %+v", ctx)
	}
	if ctx.StartTime.IsZero() {
		t.Fatal("StartTime must default to now")
	}
	if ctx.Completed {
		t.Fatal("new trace must not be completed")
	}

	supplied := registry.CreateTrace(TraceContext{TraceID: "trace-1", SessionID: "session-1"})
	if supplied.TraceID != "trace-1" || supplied.SessionID != "session-1" {
		t.Fatalf("supplied ids must be kept: %+v", supplied)
	}
}

func TestActiveTraceReturnsSnapshot(t *testing.T) {
	registry := NewRegistry(Options{})
	created := registry.CreateTrace(TraceContext{TraceID: "trace-1", Metadata: map[string]any{"model": "m"}})

	// Mutating the returned copy must not touch registry state.
	created.Metadata["model"] = "tampered"

	got := registry.ActiveTrace("trace-1")
	if got == nil {
		t.Fatal("ActiveTrace returned nil for a registered trace")
	}
	if got.Metadata["model"] != "m" {
		t.Fatalf("registry state leaked through snapshot: %v", got.Metadata)
	}
	if registry.ActiveTrace("unknown") != nil {
		t.Fatal("unknown trace must resolve to nil")
	}
}

func TestUpdateTraceMergesMetadata(t *testing.T) {
	registry := NewRegistry(Options{})
	registry.CreateTrace(TraceContext{TraceID: "trace-1", Metadata: map[string]any{"a": 1}})

	user := "user-2"
	registry.UpdateTrace("trace-1", Update{
		UserID:   &user,
		Metadata: map[string]any{"b": 2},
	})
	registry.UpdateTrace("missing", Update{UserID: &user})

	got := registry.ActiveTrace("trace-1")
	if got.UserID != "user-2" {
		t.Fatalf("UserID = %s, want user-2", got.UserID)
	}
	if got.Metadata["a"] != 1 || got.Metadata["b"] != 2 {
		t.Fatalf("metadata merge lost keys: %v", got.Metadata)
	}
}

func TestCompleteTraceKeepsEntryForGracePeriod(t *testing.T) {
	registry := NewRegistry(Options{CompletionGrace: 50 * time.Millisecond})
	registry.CreateTrace(TraceContext{TraceID: "trace-1"})

	registry.CompleteTrace("trace-1", map[string]any{"status": "success"})

	got := registry.ActiveTrace("trace-1")
	if got == nil {
		t.Fatal("completed trace must stay resolvable during the grace period")
	}
	if !got.Completed || got.CompletedAt.IsZero() {
		t.Fatalf("completion facts missing: %+v", got)
	}
	if _, ok := got.Metadata["duration_ms"]; !ok {
		t.Fatalf("duration missing from metadata: %v", got.Metadata)
	}

	if evicted := registry.Cleanup(time.Now().UTC().Add(time.Second)); evicted != 1 {
		t.Fatalf("Cleanup evicted %d entries, want 1", evicted)
	}
	if registry.ActiveTrace("trace-1") != nil {
		t.Fatal("trace must be gone after the grace period")
	}
}

func TestCleanupEvictsLeakedTraces(t *testing.T) {
	registry := NewRegistry(Options{MaxAge: time.Minute})
	registry.CreateTrace(TraceContext{TraceID: "leaked", StartTime: time.Now().UTC().Add(-2 * time.Minute)})
	registry.CreateTrace(TraceContext{TraceID: "fresh"})

	if evicted := registry.Cleanup(time.Now().UTC()); evicted != 1 {
		t.Fatalf("Cleanup evicted %d entries, want 1 (the leaked trace)", evicted)
	}
	if registry.ActiveTrace("leaked") != nil {
		t.Fatal("leaked trace must be evicted")
	}
	if registry.ActiveTrace("fresh") == nil {
		t.Fatal("fresh trace must survive the sweep")
	}
	if registry.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", registry.ActiveCount())
	}
}

func TestSpanLifecycle(t *testing.T) {
	registry := NewRegistry(Options{SpanGrace: 50 * time.Millisecond})

	span := registry.CreateSpan("trace-1", "", "model_call")
	if span.SpanID == "" || span.Status != SpanPending {
		t.Fatalf("new span = %+v", span)
	}

	registry.AddSpanLog(span.SpanID, "info", "first token", map[string]any{"index": 0})
	registry.SetSpanTags(span.SpanID, map[string]any{"provider": "openai"})
	registry.FinishSpan(span.SpanID, SpanError)

	got := registry.Span(span.SpanID)
	if got.Status != SpanError || got.EndTime == nil {
		t.Fatalf("finished span = %+v", got)
	}
	if len(got.Logs) != 1 || got.Logs[0].Message != "first token" {
		t.Fatalf("logs = %+v", got.Logs)
	}
	if got.Tags["provider"] != "openai" {
		t.Fatalf("tags = %v", got.Tags)
	}

	if evicted := registry.Cleanup(time.Now().UTC().Add(time.Second)); evicted != 1 {
		t.Fatalf("Cleanup evicted %d spans, want 1", evicted)
	}
	if registry.Span(span.SpanID) != nil {
		t.Fatal("span must be gone after the grace period")
	}
}

func TestFinishSpanNormalizesUnknownStatus(t *testing.T) {
	registry := NewRegistry(Options{})
	span := registry.CreateSpan("trace-1", "", "op")

	registry.FinishSpan(span.SpanID, "bogus")
	if got := registry.Span(span.SpanID); got.Status != SpanSuccess {
		t.Fatalf("Status = %s, want success fallback", got.Status)
	}
}
