package trace

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/promptlab/engine/internal/livetrace"
)

type recorderStore struct {
	Store

	mu          sync.Mutex
	inserted    []*Trace
	updates     map[string][]TraceUpdate
	completions map[string]Completion
	events      []*Event
}

func newRecorderStore() *recorderStore {
	return &recorderStore{
		updates:     make(map[string][]TraceUpdate),
		completions: make(map[string]Completion),
	}
}

func (s *recorderStore) InsertTrace(_ context.Context, t *Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *t
	s.inserted = append(s.inserted, &clone)
	return nil
}

func (s *recorderStore) UpdateTrace(_ context.Context, id string, update TraceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[id] = append(s.updates[id], update)
	return nil
}

func (s *recorderStore) CompleteTrace(_ context.Context, id string, completion Completion) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.completions[id]; done {
		return false, nil
	}
	s.completions[id] = completion
	return true, nil
}

func (s *recorderStore) GetTrace(_ context.Context, id string) (*Trace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.inserted {
		if row.ID == id {
			clone := *row
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *recorderStore) AppendEvents(_ context.Context, events []*Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *recorderStore) AppendEvent(ctx context.Context, event *Event) error {
	return s.AppendEvents(ctx, []*Event{event})
}

func (s *recorderStore) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.events))
	for _, event := range s.events {
		types = append(types, event.Type)
	}
	return types
}

func newTestRecorder(t *testing.T, store *recorderStore) *Recorder {
	t.Helper()

	registry := livetrace.NewRegistry(livetrace.Options{})
	registry.Start(context.Background())
	t.Cleanup(registry.Stop)

	writer := NewEventWriter(store, 64)
	writer.Start(context.Background())
	t.Cleanup(writer.Stop)

	return NewRecorder(store, registry, writer, nil)
}

func TestRecorderStartTraceInsertsPendingRow(t *testing.T) {
	store := newRecorderStore()
	recorder := newTestRecorder(t, store)

	live, err := recorder.StartTrace(context.Background(), StartArgs{
		UserID:        "user-1",
		ModelID:       "gpt-4o-mini",
		Provider:      "openai",
		PromptContent: "hello",
	})
	if err != nil {
		t.Fatalf("StartTrace: %v", err)
	}
	if live.TraceID == "" || live.SessionID == "" {
		t.Fatalf("live context missing generated ids: %+v", live)
	}

	store.mu.Lock()
	if len(store.inserted) != 1 {
		store.mu.Unlock()
		t.Fatalf("inserted %d rows, want 1", len(store.inserted))
	}
	row := store.inserted[0]
	store.mu.Unlock()

	if row.Status != StatusPending {
		t.Fatalf("Status = %s, want pending", row.Status)
	}
	if row.Source != SourceAPI {
		t.Fatalf("Source = %s, want api default", row.Source)
	}
	if row.ID != live.TraceID || row.SessionID != live.SessionID {
		t.Fatal("durable row must reuse the live context identifiers")
	}

	if recorder.Registry().ActiveTrace(live.TraceID) == nil {
		t.Fatal("trace missing from the live registry")
	}
}

func TestRecorderCompleteTraceDerivesThroughput(t *testing.T) {
	store := newRecorderStore()
	recorder := newTestRecorder(t, store)

	live, err := recorder.StartTrace(context.Background(), StartArgs{ModelID: "m", PromptContent: "p"})
	if err != nil {
		t.Fatalf("StartTrace: %v", err)
	}

	applied, err := recorder.CompleteTrace(context.Background(), live.TraceID, Completion{
		Status:     StatusSuccess,
		DurationMS: 2000,
		Tokens:     &TokenUsage{Input: 20, Output: 80, Total: 100},
	})
	if err != nil {
		t.Fatalf("CompleteTrace: %v", err)
	}
	if !applied {
		t.Fatal("first completion must apply")
	}

	store.mu.Lock()
	completion := store.completions[live.TraceID]
	store.mu.Unlock()
	if completion.TokensPerSecond != 50 {
		t.Fatalf("TokensPerSecond = %v, want 50 (100 tokens over 2s)", completion.TokensPerSecond)
	}
	if completion.EndTime.IsZero() {
		t.Fatal("EndTime must be filled when the caller omits it")
	}

	applied, err = recorder.CompleteTrace(context.Background(), live.TraceID, Completion{Status: StatusError})
	if err != nil {
		t.Fatalf("duplicate CompleteTrace: %v", err)
	}
	if applied {
		t.Fatal("duplicate completion must not apply")
	}
}

func TestRecorderCompleteTraceFallsBackToStoredStartTime(t *testing.T) {
	store := newRecorderStore()
	recorder := newTestRecorder(t, store)

	live, err := recorder.StartTrace(context.Background(), StartArgs{ModelID: "m", PromptContent: "p"})
	if err != nil {
		t.Fatalf("StartTrace: %v", err)
	}

	// Age the durable row, then sweep the live entry past its max age so the
	// registry no longer resolves the trace.
	store.mu.Lock()
	store.inserted[0].StartTime = time.Now().UTC().Add(-2 * time.Second)
	store.mu.Unlock()
	recorder.Registry().Cleanup(time.Now().UTC().Add(31 * time.Minute))
	if recorder.Registry().ActiveTrace(live.TraceID) != nil {
		t.Fatal("live entry should be evicted before completion")
	}

	applied, err := recorder.CompleteTrace(context.Background(), live.TraceID, Completion{Status: StatusSuccess})
	if err != nil {
		t.Fatalf("CompleteTrace: %v", err)
	}
	if !applied {
		t.Fatal("completion must apply")
	}

	store.mu.Lock()
	completion := store.completions[live.TraceID]
	store.mu.Unlock()
	if completion.DurationMS < 1500 || completion.DurationMS > 10000 {
		t.Fatalf("DurationMS = %d, want roughly the 2s elapsed since the stored start time", completion.DurationMS)
	}
}

func TestRecorderEmitsStartAndCompleteEvents(t *testing.T) {
	store := newRecorderStore()
	recorder := newTestRecorder(t, store)

	live, err := recorder.StartTrace(context.Background(), StartArgs{ModelID: "m", PromptContent: "p"})
	if err != nil {
		t.Fatalf("StartTrace: %v", err)
	}
	if _, err := recorder.CompleteTrace(context.Background(), live.TraceID, Completion{Status: StatusSuccess}); err != nil {
		t.Fatalf("CompleteTrace: %v", err)
	}

	// Events ride the async queue; wait for the writer to drain.
	deadline := time.Now().Add(2 * time.Second)
	for {
		types := store.eventTypes()
		if contains(types, EventStart) && contains(types, EventComplete) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("event types %v never included start and complete", types)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecorderToleratesNilEventWriter(t *testing.T) {
	store := newRecorderStore()
	registry := livetrace.NewRegistry(livetrace.Options{})
	registry.Start(context.Background())
	t.Cleanup(registry.Stop)

	recorder := NewRecorder(store, registry, nil, nil)

	live, err := recorder.StartTrace(context.Background(), StartArgs{ModelID: "m", PromptContent: "p"})
	if err != nil {
		t.Fatalf("StartTrace: %v", err)
	}
	recorder.AddEvent(live.TraceID, EventToken, nil)

	if diagnostics := recorder.Diagnostics(); diagnostics.QueueCapacity != 0 {
		t.Fatalf("Diagnostics = %+v, want zero value without a writer", diagnostics)
	}
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
