package trace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// eventCaptureStore records appended events and can be told to fail batch or
// per-event writes. The embedded Store panics on anything else the writer
// should never call.
type eventCaptureStore struct {
	Store

	mu            sync.Mutex
	events        []*Event
	failBatch     bool
	failPerEvent  bool
	batchAttempts int
}

func (s *eventCaptureStore) AppendEvents(_ context.Context, events []*Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchAttempts++
	if s.failBatch {
		return errors.New("batch write refused")
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *eventCaptureStore) AppendEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPerEvent {
		return errors.New("event write refused")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *eventCaptureStore) captured() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, len(s.events))
	copy(out, s.events)
	return out
}

func TestEventWriterFlushesEnqueuedEvents(t *testing.T) {
	store := &eventCaptureStore{}
	writer := NewEventWriter(store, 16)
	writer.Start(context.Background())

	for i := 0; i < 5; i++ {
		if !writer.Enqueue(&Event{TraceID: "trace-1", Type: EventToken}) {
			t.Fatalf("Enqueue #%d refused with room in the queue", i)
		}
	}
	if err := writer.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if got := len(store.captured()); got != 5 {
		t.Fatalf("persisted %d events, want 5", got)
	}

	diagnostics := writer.EventPipelineDiagnostics()
	if diagnostics.EnqueueAcceptedTotal != 5 {
		t.Fatalf("EnqueueAcceptedTotal = %d, want 5", diagnostics.EnqueueAcceptedTotal)
	}
	if diagnostics.EnqueueDroppedTotal != 0 || diagnostics.WriteDroppedTotal != 0 {
		t.Fatalf("unexpected drops: %+v", diagnostics)
	}
}

func TestEventWriterDropsWhenQueueIsFull(t *testing.T) {
	store := &eventCaptureStore{}
	writer := NewEventWriter(store, 2)

	dropped := 0
	writer.SetMetrics(&EventWriterMetrics{OnDrop: func() { dropped++ }})

	// Worker not started, so the queue fills at capacity.
	if !writer.Enqueue(&Event{Type: EventToken}) || !writer.Enqueue(&Event{Type: EventToken}) {
		t.Fatal("first two enqueues must succeed")
	}
	if writer.Enqueue(&Event{Type: EventToken}) {
		t.Fatal("third enqueue must be dropped")
	}
	if dropped != 1 {
		t.Fatalf("OnDrop fired %d times, want 1", dropped)
	}

	diagnostics := writer.EventPipelineDiagnostics()
	if diagnostics.EnqueueDroppedTotal != 1 {
		t.Fatalf("EnqueueDroppedTotal = %d, want 1", diagnostics.EnqueueDroppedTotal)
	}
	if diagnostics.QueuePressureState != EventQueuePressureSaturated {
		t.Fatalf("QueuePressureState = %s, want saturated", diagnostics.QueuePressureState)
	}
	if diagnostics.LastEnqueueDropAt == nil {
		t.Fatal("expected LastEnqueueDropAt to be set")
	}
}

func TestEventWriterRefusesEnqueueAfterShutdown(t *testing.T) {
	writer := NewEventWriter(&eventCaptureStore{}, 4)
	writer.Start(context.Background())
	if err := writer.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if writer.Enqueue(&Event{Type: EventToken}) {
		t.Fatal("Enqueue after shutdown must return false")
	}
}

func TestEventWriterFallsBackToPerEventWrites(t *testing.T) {
	store := &eventCaptureStore{failBatch: true}
	writer := NewEventWriter(store, 16)

	var failureMu sync.Mutex
	var failures []EventWriteFailure
	writer.SetWriteFailureHandler(func(failure EventWriteFailure) {
		failureMu.Lock()
		failures = append(failures, failure)
		failureMu.Unlock()
	})

	writer.Start(context.Background())
	for i := 0; i < 3; i++ {
		writer.Enqueue(&Event{TraceID: "trace-1", Type: EventToken})
	}
	if err := writer.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if got := len(store.captured()); got != 3 {
		t.Fatalf("persisted %d events via fallback, want 3", got)
	}
	failureMu.Lock()
	defer failureMu.Unlock()
	if len(failures) != 0 {
		t.Fatalf("fallback succeeded, but %d failures were reported", len(failures))
	}
}

func TestEventWriterReportsWriteFailures(t *testing.T) {
	store := &eventCaptureStore{failBatch: true, failPerEvent: true}
	writer := NewEventWriter(store, 16)

	var failureMu sync.Mutex
	var failures []EventWriteFailure
	writer.SetWriteFailureHandler(func(failure EventWriteFailure) {
		failureMu.Lock()
		failures = append(failures, failure)
		failureMu.Unlock()
	})

	writer.Start(context.Background())
	for i := 0; i < 2; i++ {
		writer.Enqueue(&Event{TraceID: "trace-1", Type: EventToken})
	}
	if err := writer.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	failureMu.Lock()
	total := 0
	for _, failure := range failures {
		total += failure.FailedCount
		if failure.ErrorClass == "" {
			t.Fatal("expected a classified write failure")
		}
	}
	failureMu.Unlock()
	if total != 2 {
		t.Fatalf("reported %d failed events, want 2", total)
	}

	diagnostics := writer.EventPipelineDiagnostics()
	if diagnostics.WriteDroppedTotal != 2 {
		t.Fatalf("WriteDroppedTotal = %d, want 2", diagnostics.WriteDroppedTotal)
	}
	if diagnostics.TotalDroppedTotal != 2 {
		t.Fatalf("TotalDroppedTotal = %d, want 2", diagnostics.TotalDroppedTotal)
	}
	if len(diagnostics.WriteFailuresByClass) == 0 {
		t.Fatal("expected per-class failure counters")
	}
}

func TestEventWriterShutdownHonorsContext(t *testing.T) {
	writer := NewEventWriter(&eventCaptureStore{}, 4)
	// Never started: the first Shutdown marks done immediately, so use a
	// second writer whose worker never runs to exercise the timeout path.
	writer.started.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := writer.Shutdown(ctx); err == nil {
		t.Fatal("expected context deadline error when the worker never drains")
	}
}

func TestEventQueuePressureStates(t *testing.T) {
	cases := []struct {
		utilization int
		want        string
	}{
		{0, EventQueuePressureOK},
		{49, EventQueuePressureOK},
		{50, EventQueuePressureElevated},
		{79, EventQueuePressureElevated},
		{80, EventQueuePressureHigh},
		{99, EventQueuePressureHigh},
		{100, EventQueuePressureSaturated},
	}
	for _, tc := range cases {
		if got := eventQueuePressureState(tc.utilization); got != tc.want {
			t.Errorf("eventQueuePressureState(%d) = %s, want %s", tc.utilization, got, tc.want)
		}
	}
}

func TestEventQueueUtilizationPct(t *testing.T) {
	cases := []struct {
		depth, capacity, want int
	}{
		{0, 10, 0},
		{5, 10, 50},
		{10, 10, 100},
		{12, 10, 100},
		{1, 0, 0},
	}
	for _, tc := range cases {
		if got := eventQueueUtilizationPct(tc.depth, tc.capacity); got != tc.want {
			t.Errorf("eventQueueUtilizationPct(%d, %d) = %d, want %d", tc.depth, tc.capacity, got, tc.want)
		}
	}
}
