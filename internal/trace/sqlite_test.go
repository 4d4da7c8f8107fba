package trace

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

func insertTestTrace(t *testing.T, store *SQLiteStore, row *Trace) *Trace {
	t.Helper()
	if err := store.InsertTrace(context.Background(), row); err != nil {
		t.Fatalf("InsertTrace(%s): %v", row.ID, err)
	}
	return row
}

func TestSQLiteInsertAndGetTraceRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	quality := 0.82
	rating := 4
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	end := start.Add(1200 * time.Millisecond)
	insertTestTrace(t, store, &Trace{
		ID:            "trace-1",
		ParentTraceID: "parent-1",
		SessionID:     "session-1",
		UserID:        "user-1",
		PromptID:      "prompt-1",
		Source:        SourcePlayground,
		Provider:      "openai",
		ModelID:       "gpt-4o",
		PromptContent: "Summarize the quarterly report",
		SystemPrompt:  "You are concise.",
		Parameters:    map[string]any{"temperature": 0.2},

		ResponseContent: "The quarter closed up 4%.",
		Tokens:          &TokenUsage{Input: 120, Output: 40},
		Cost:            &Cost{Input: 0.0003, Output: 0.0004, Total: 0.0007},

		StartTime:           start,
		EndTime:             &end,
		FirstTokenLatencyMS: 180,
		TokensPerSecond:     33.3,

		Status:       StatusSuccess,
		Streamed:     true,
		QualityScore: &quality,
		UserRating:   &rating,
		UserAgent:    "curl/8.0",
		IPAddress:    "10.0.0.7",
	})

	got, err := store.GetTrace(ctx, "trace-1")
	if err != nil {
		t.Fatalf("GetTrace: %v", err)
	}

	if got.SessionID != "session-1" || got.UserID != "user-1" || got.PromptID != "prompt-1" {
		t.Fatalf("identity fields did not round trip: %+v", got)
	}
	if got.Tokens == nil || got.Tokens.Input != 120 || got.Tokens.Output != 40 || got.Tokens.Total != 160 {
		t.Fatalf("Tokens = %+v, want {120 40 160}", got.Tokens)
	}
	if got.Cost == nil || got.Cost.Total != 0.0007 {
		t.Fatalf("Cost = %+v", got.Cost)
	}
	if !got.StartTime.Equal(start) {
		t.Fatalf("StartTime = %s, want %s", got.StartTime, start)
	}
	if got.EndTime == nil || !got.EndTime.Equal(end) {
		t.Fatalf("EndTime = %v, want %s", got.EndTime, end)
	}
	if got.DurationMS != 1200 {
		t.Fatalf("DurationMS = %d, want 1200 (derived from end-start)", got.DurationMS)
	}
	if got.QualityScore == nil || *got.QualityScore != quality {
		t.Fatalf("QualityScore = %v, want %v", got.QualityScore, quality)
	}
	if got.UserRating == nil || *got.UserRating != rating {
		t.Fatalf("UserRating = %v, want %v", got.UserRating, rating)
	}
	if got.Parameters["temperature"] != 0.2 {
		t.Fatalf("Parameters = %v", got.Parameters)
	}
	if got.TraceVersion != 1 {
		t.Fatalf("TraceVersion = %d, want 1", got.TraceVersion)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatal("expected created_at/updated_at to be populated")
	}
}

func TestSQLiteGetTraceNotFound(t *testing.T) {
	store := newTestSQLiteStore(t)

	if _, err := store.GetTrace(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("GetTrace(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteCompleteTraceWritesTerminalFieldsOnce(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	insertTestTrace(t, store, &Trace{ID: "trace-1", PromptContent: "p", Status: StatusStreaming})

	end := time.Now().UTC().Truncate(time.Second)
	completed, err := store.CompleteTrace(ctx, "trace-1", Completion{
		Status:              StatusSuccess,
		EndTime:             end,
		DurationMS:          900,
		ResponseContent:     "done",
		Tokens:              &TokenUsage{Input: 10, Output: 20, Total: 30},
		Cost:                &Cost{Total: 0.001},
		TokensPerSecond:     22.2,
		FirstTokenLatencyMS: 150,
	})
	if err != nil {
		t.Fatalf("CompleteTrace: %v", err)
	}
	if !completed {
		t.Fatal("first completion should report completed=true")
	}

	// A second completion is a benign duplicate: no error, nothing written.
	completed, err = store.CompleteTrace(ctx, "trace-1", Completion{
		Status:       StatusError,
		EndTime:      end.Add(time.Second),
		ErrorMessage: "late failure",
		ErrorCode:    "GENERATION_EXCEPTION",
	})
	if err != nil {
		t.Fatalf("duplicate CompleteTrace: %v", err)
	}
	if completed {
		t.Fatal("duplicate completion should report completed=false")
	}

	got, err := store.GetTrace(ctx, "trace-1")
	if err != nil {
		t.Fatalf("GetTrace: %v", err)
	}
	if got.Status != StatusSuccess {
		t.Fatalf("Status = %s, want success after duplicate completion", got.Status)
	}
	if got.ResponseContent != "done" || got.ErrorMessage != "" {
		t.Fatalf("terminal fields changed on duplicate completion: %+v", got)
	}
	if got.DurationMS != 900 || got.FirstTokenLatencyMS != 150 {
		t.Fatalf("timing fields = (%d, %d), want (900, 150)", got.DurationMS, got.FirstTokenLatencyMS)
	}
}

func TestSQLiteCompleteTraceRejectsNonTerminalStatus(t *testing.T) {
	store := newTestSQLiteStore(t)
	insertTestTrace(t, store, &Trace{ID: "trace-1", PromptContent: "p"})

	if _, err := store.CompleteTrace(context.Background(), "trace-1", Completion{Status: StatusStreaming}); err == nil {
		t.Fatal("expected error for non-terminal completion status")
	}
}

func TestSQLiteUpdateTracePartialFields(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	insertTestTrace(t, store, &Trace{ID: "trace-1", PromptContent: "p", Status: StatusPending})

	streaming := StatusStreaming
	streamed := true
	firstToken := int64(210)
	if err := store.UpdateTrace(ctx, "trace-1", TraceUpdate{
		Status:              &streaming,
		Streamed:            &streamed,
		FirstTokenLatencyMS: &firstToken,
	}); err != nil {
		t.Fatalf("UpdateTrace: %v", err)
	}

	got, err := store.GetTrace(ctx, "trace-1")
	if err != nil {
		t.Fatalf("GetTrace: %v", err)
	}
	if got.Status != StatusStreaming || !got.Streamed || got.FirstTokenLatencyMS != 210 {
		t.Fatalf("update did not apply: %+v", got)
	}
	if got.PromptContent != "p" {
		t.Fatal("untouched fields must survive a partial update")
	}
}

func TestSQLiteUpdateTraceStatusGuards(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	insertTestTrace(t, store, &Trace{ID: "trace-1", PromptContent: "p", Status: StatusPending})

	success := StatusSuccess
	if err := store.UpdateTrace(ctx, "trace-1", TraceUpdate{Status: &success}); err == nil {
		t.Fatal("terminal status must be rejected outside CompleteTrace")
	}

	if _, err := store.CompleteTrace(ctx, "trace-1", Completion{Status: StatusCancelled, EndTime: time.Now().UTC()}); err != nil {
		t.Fatalf("CompleteTrace: %v", err)
	}

	// A late streaming update must not resurrect a terminal trace.
	streaming := StatusStreaming
	if err := store.UpdateTrace(ctx, "trace-1", TraceUpdate{Status: &streaming}); err != nil {
		t.Fatalf("UpdateTrace: %v", err)
	}
	got, err := store.GetTrace(ctx, "trace-1")
	if err != nil {
		t.Fatalf("GetTrace: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("Status = %s, want cancelled to stick", got.Status)
	}
}

func TestSQLiteQueryTracesFiltersAndPaginates(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		status := StatusSuccess
		model := "gpt-4o-mini"
		if i%2 == 1 {
			status = StatusError
			model = "gpt-4o"
		}
		insertTestTrace(t, store, &Trace{
			ID:            "trace-" + string(rune('a'+i)),
			UserID:        "user-1",
			ModelID:       model,
			PromptContent: "p",
			StartTime:     base.Add(time.Duration(i) * time.Minute),
			Status:        status,
			Cost:          &Cost{Total: float64(i) * 0.01},
		})
	}

	result, err := store.QueryTraces(ctx, Filter{ModelID: "gpt-4o"})
	if err != nil {
		t.Fatalf("QueryTraces: %v", err)
	}
	if result.TotalCount != 2 || len(result.Traces) != 2 {
		t.Fatalf("model filter: total=%d len=%d, want 2/2", result.TotalCount, len(result.Traces))
	}

	hasError := true
	result, err = store.QueryTraces(ctx, Filter{HasError: &hasError})
	if err != nil {
		t.Fatalf("QueryTraces: %v", err)
	}
	if result.TotalCount != 2 {
		t.Fatalf("has_error filter total = %d, want 2", result.TotalCount)
	}

	result, err = store.QueryTraces(ctx, Filter{Limit: 2})
	if err != nil {
		t.Fatalf("QueryTraces: %v", err)
	}
	if len(result.Traces) != 2 || !result.HasMore || result.TotalCount != 5 {
		t.Fatalf("pagination: len=%d hasMore=%v total=%d", len(result.Traces), result.HasMore, result.TotalCount)
	}
	// Newest first.
	if result.Traces[0].StartTime.Before(result.Traces[1].StartTime) {
		t.Fatal("expected start_time descending order")
	}

	result, err = store.QueryTraces(ctx, Filter{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("QueryTraces: %v", err)
	}
	if len(result.Traces) != 1 || result.HasMore {
		t.Fatalf("last page: len=%d hasMore=%v", len(result.Traces), result.HasMore)
	}

	result, err = store.QueryTraces(ctx, Filter{MinCost: 0.02, MaxCost: 0.03})
	if err != nil {
		t.Fatalf("QueryTraces: %v", err)
	}
	if result.TotalCount != 2 {
		t.Fatalf("cost band filter total = %d, want 2", result.TotalCount)
	}
}

func TestSQLiteSearchTracesIsCaseInsensitive(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	insertTestTrace(t, store, &Trace{ID: "trace-1", PromptContent: "Explain RAFT consensus"})
	insertTestTrace(t, store, &Trace{ID: "trace-2", PromptContent: "weather", ResponseContent: "Sunny with raft-like clouds"})
	insertTestTrace(t, store, &Trace{ID: "trace-3", PromptContent: "unrelated"})

	matches, err := store.SearchTraces(ctx, "RAFT", Filter{})
	if err != nil {
		t.Fatalf("SearchTraces: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("len(matches) = %d, want 2 (prompt and response matches)", len(matches))
	}
}

func TestSQLiteGetMetricsRates(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	insertTestTrace(t, store, &Trace{ID: "t1", PromptContent: "p", Status: StatusSuccess, Streamed: true, Cost: &Cost{Total: 0.01}})
	insertTestTrace(t, store, &Trace{ID: "t2", PromptContent: "p", Status: StatusSuccess, Cost: &Cost{Total: 0.02}})
	insertTestTrace(t, store, &Trace{ID: "t3", PromptContent: "p", Status: StatusError})
	insertTestTrace(t, store, &Trace{ID: "t4", PromptContent: "p", Status: StatusCancelled})

	metrics, err := store.GetMetrics(ctx, Filter{})
	if err != nil {
		t.Fatalf("GetMetrics: %v", err)
	}
	if metrics.TotalTraces != 4 || metrics.SuccessfulTraces != 2 || metrics.ErrorTraces != 1 {
		t.Fatalf("counts = %+v", metrics)
	}
	if metrics.ErrorRate != 25 {
		t.Fatalf("ErrorRate = %v, want 25", metrics.ErrorRate)
	}
	if metrics.StreamingRate != 25 {
		t.Fatalf("StreamingRate = %v, want 25", metrics.StreamingRate)
	}
	if diff := metrics.TotalCost - 0.03; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("TotalCost = %v, want 0.03", metrics.TotalCost)
	}
}

func TestSQLiteLiveTracesWindow(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	insertTestTrace(t, store, &Trace{ID: "live-1", PromptContent: "p", Status: StatusStreaming, StartTime: now.Add(-time.Minute)})
	insertTestTrace(t, store, &Trace{ID: "live-2", PromptContent: "p", Status: StatusPending, StartTime: now.Add(-2 * time.Minute)})
	insertTestTrace(t, store, &Trace{ID: "old-1", PromptContent: "p", Status: StatusPending, StartTime: now.Add(-time.Hour)})
	insertTestTrace(t, store, &Trace{ID: "done-1", PromptContent: "p", Status: StatusError, StartTime: now.Add(-time.Minute), FirstTokenLatencyMS: 300})

	snapshot, err := store.LiveTraces(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("LiveTraces: %v", err)
	}
	if snapshot.ActiveCount != 2 {
		t.Fatalf("ActiveCount = %d, want 2 (window excludes old pending trace)", snapshot.ActiveCount)
	}
	if snapshot.ErrorRate != 100 {
		t.Fatalf("ErrorRate = %v, want 100 (one completed trace, errored)", snapshot.ErrorRate)
	}
}

func TestSQLiteEventSequenceAssignment(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	insertTestTrace(t, store, &Trace{ID: "trace-1", PromptContent: "p"})

	batch := []*Event{
		{TraceID: "trace-1", Type: EventStart},
		{TraceID: "trace-1", Type: EventToken, Data: map[string]any{"index": 1}},
		{TraceID: "trace-1", Type: EventComplete},
	}
	if err := store.AppendEvents(ctx, batch); err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}
	if err := store.AppendEvent(ctx, &Event{TraceID: "trace-1", Type: EventUserAction}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	events, err := store.GetEvents(ctx, "trace-1")
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("len(events) = %d, want 4", len(events))
	}
	for i, event := range events {
		if event.SequenceNumber != int64(i+1) {
			t.Fatalf("events[%d].SequenceNumber = %d, want %d", i, event.SequenceNumber, i+1)
		}
	}
	if events[1].Data["index"] != float64(1) {
		t.Fatalf("event data did not round trip: %v", events[1].Data)
	}
	if events[3].Type != EventUserAction {
		t.Fatalf("events[3].Type = %s, want %s", events[3].Type, EventUserAction)
	}
}

func TestSQLiteDailyUsageUpsertOverwrites(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	day := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	if err := store.UpsertDailyUsage(ctx, &DailyUsage{Day: day, TotalRequests: 10, UniqueUsers: 2, TotalCost: 1.5, TotalTokens: 900, ErrorCount: 1}); err != nil {
		t.Fatalf("UpsertDailyUsage: %v", err)
	}
	if err := store.UpsertDailyUsage(ctx, &DailyUsage{Day: day, TotalRequests: 12, UniqueUsers: 3, TotalCost: 1.8, TotalTokens: 1100, ErrorCount: 1}); err != nil {
		t.Fatalf("UpsertDailyUsage (second): %v", err)
	}

	rows, err := store.DailyUsageRange(ctx, day, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("DailyUsageRange: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1 (upsert must not duplicate)", len(rows))
	}
	if rows[0].TotalRequests != 12 || rows[0].UniqueUsers != 3 || rows[0].TotalTokens != 1100 {
		t.Fatalf("row = %+v, want the second upsert's values", rows[0])
	}
}

func TestSQLiteTracesInRange(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	insertTestTrace(t, store, &Trace{ID: "in-1", PromptContent: "p", StartTime: base})
	insertTestTrace(t, store, &Trace{ID: "in-2", PromptContent: "p", StartTime: base.Add(time.Hour)})
	insertTestTrace(t, store, &Trace{ID: "out-1", PromptContent: "p", StartTime: base.Add(48 * time.Hour)})

	traces, err := store.TracesInRange(ctx, base, base.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("TracesInRange: %v", err)
	}
	if len(traces) != 2 {
		t.Fatalf("len(traces) = %d, want 2", len(traces))
	}
	if traces[0].ID != "in-1" || traces[1].ID != "in-2" {
		t.Fatalf("expected ascending start_time order, got %s, %s", traces[0].ID, traces[1].ID)
	}
}
