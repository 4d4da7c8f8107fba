package trace

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const eventWriterBatchSize = 64

const (
	EventQueuePressureOK        = "ok"
	EventQueuePressureElevated  = "elevated"
	EventQueuePressureHigh      = "high"
	EventQueuePressureSaturated = "saturated"
)

// EventPipelineDiagnostics captures event pipeline queue pressure and drop
// signals. Event persistence is best-effort; the trace row itself is written
// synchronously and never passes through this queue.
type EventPipelineDiagnostics struct {
	QueueCapacity           int              `json:"queue_capacity"`
	QueueDepth              int              `json:"queue_depth"`
	QueueDepthHighWatermark int              `json:"queue_depth_high_watermark"`
	QueueUtilizationPct     int              `json:"queue_utilization_pct"`
	QueuePressureState      string           `json:"queue_pressure_state"`
	EnqueueAcceptedTotal    int64            `json:"enqueue_accepted_total"`
	EnqueueDroppedTotal     int64            `json:"enqueue_dropped_total"`
	WriteDroppedTotal       int64            `json:"write_dropped_total"`
	TotalDroppedTotal       int64            `json:"total_dropped_total"`
	LastEnqueueDropAt       *time.Time       `json:"last_enqueue_drop_at,omitempty"`
	LastWriteDropAt         *time.Time       `json:"last_write_drop_at,omitempty"`
	WriteFailuresByClass    map[string]int64 `json:"write_failures_by_class,omitempty"`
	StoreDriver             string           `json:"store_driver,omitempty"`
}

// EventWriteFailure describes trace events that could not be persisted.
type EventWriteFailure struct {
	BatchSize   int
	FailedCount int
	Err         error
	ErrorClass  string
}

// EventWriteFailureHandler receives asynchronous event write failure signals.
type EventWriteFailureHandler func(EventWriteFailure)

var noopEventWriteFailureHandler = EventWriteFailureHandler(func(EventWriteFailure) {})

// EventWriterMetrics holds optional callbacks the writer invokes at key
// pipeline points.
type EventWriterMetrics struct {
	OnEnqueue func()
	OnDrop    func()
	OnFlush   func(batchSize int, duration time.Duration)
}

// EventWriter batches trace events onto storage from a bounded queue. A full
// queue drops the event rather than stalling the streaming hot path.
type EventWriter struct {
	store Store
	queue chan *Event
	wg    sync.WaitGroup

	started            atomic.Bool
	stopped            atomic.Bool
	stopOnce           sync.Once
	doneOnce           sync.Once
	done               chan struct{}
	queueMu            sync.RWMutex
	lifecycleMu        sync.RWMutex
	workerCancel       context.CancelFunc
	writeFailureHandle atomic.Value // EventWriteFailureHandler
	metrics            atomic.Value // *EventWriterMetrics

	queueDepthHighWatermark atomic.Int64
	enqueueAcceptedTotal    atomic.Int64
	enqueueDroppedTotal     atomic.Int64
	writeDroppedTotal       atomic.Int64
	lastEnqueueDropUnixNano atomic.Int64
	lastWriteDropUnixNano   atomic.Int64

	writeFailureConnection atomic.Int64
	writeFailureTimeout    atomic.Int64
	writeFailureContention atomic.Int64
	writeFailureConstraint atomic.Int64
	writeFailureUnknown    atomic.Int64
}

func NewEventWriter(store Store, bufferSize int) *EventWriter {
	if bufferSize <= 0 {
		bufferSize = 1024
	}

	writer := &EventWriter{
		store: store,
		queue: make(chan *Event, bufferSize),
		done:  make(chan struct{}),
	}
	writer.writeFailureHandle.Store(noopEventWriteFailureHandler)
	writer.metrics.Store(&EventWriterMetrics{})
	return writer
}

// SetWriteFailureHandler replaces the callback used for dropped event signals.
func (w *EventWriter) SetWriteFailureHandler(handler EventWriteFailureHandler) {
	if w == nil {
		return
	}
	if handler == nil {
		handler = noopEventWriteFailureHandler
	}
	w.writeFailureHandle.Store(handler)
}

// SetMetrics replaces the metric callbacks used by the writer pipeline.
func (w *EventWriter) SetMetrics(m *EventWriterMetrics) {
	if w == nil {
		return
	}
	if m == nil {
		m = &EventWriterMetrics{}
	}
	w.metrics.Store(m)
}

func (w *EventWriter) loadMetrics() *EventWriterMetrics {
	m, _ := w.metrics.Load().(*EventWriterMetrics)
	return m
}

// QueueLen returns the current number of events waiting in the write queue.
func (w *EventWriter) QueueLen() int {
	if w == nil {
		return 0
	}
	return len(w.queue)
}

func (w *EventWriter) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	w.lifecycleMu.Lock()
	w.workerCancel = cancel
	w.lifecycleMu.Unlock()

	w.wg.Add(1)
	go func(workerCtx context.Context) {
		defer w.wg.Done()
		defer w.markDone()

		for {
			select {
			case <-workerCtx.Done():
				return
			case event, ok := <-w.queue:
				if !ok {
					return
				}

				batch := make([]*Event, 0, eventWriterBatchSize)
				if event != nil {
					batch = append(batch, event)
				}
			drain:
				for len(batch) < eventWriterBatchSize {
					select {
					case <-workerCtx.Done():
						// Use a fresh context so the drain flush is not
						// rejected by the store due to context cancellation.
						w.flushBatch(context.Background(), batch)
						return
					case next, ok := <-w.queue:
						if !ok {
							w.flushBatch(context.Background(), batch)
							return
						}
						if next != nil {
							batch = append(batch, next)
						}
					default:
						break drain
					}
				}
				w.flushBatch(workerCtx, batch)
			}
		}
	}(workerCtx)
}

func (w *EventWriter) Enqueue(event *Event) bool {
	if w.stopped.Load() {
		return false
	}
	w.queueMu.RLock()
	defer w.queueMu.RUnlock()
	if w.stopped.Load() {
		return false
	}

	select {
	case w.queue <- event:
		w.enqueueAcceptedTotal.Add(1)
		w.observeQueueDepth(len(w.queue))
		if m := w.loadMetrics(); m != nil && m.OnEnqueue != nil {
			m.OnEnqueue()
		}
		return true
	default:
		w.enqueueDroppedTotal.Add(1)
		w.observeQueueDepth(cap(w.queue))
		w.lastEnqueueDropUnixNano.Store(time.Now().UTC().UnixNano())
		if m := w.loadMetrics(); m != nil && m.OnDrop != nil {
			m.OnDrop()
		}
		return false
	}
}

func (w *EventWriter) Stop() {
	_ = w.Shutdown(context.Background())
}

func (w *EventWriter) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		w.queueMu.Lock()
		close(w.queue)
		w.queueMu.Unlock()
		if !w.started.Load() {
			w.markDone()
		}
	})

	select {
	case <-w.done:
		w.wg.Wait()
		w.cancelWorker()
		return nil
	case <-ctx.Done():
		w.cancelWorker()
		return ctx.Err()
	}
}

func (w *EventWriter) cancelWorker() {
	if w == nil {
		return
	}
	w.lifecycleMu.RLock()
	cancel := w.workerCancel
	w.lifecycleMu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (w *EventWriter) markDone() {
	w.doneOnce.Do(func() {
		close(w.done)
	})
}

func (w *EventWriter) reportWriteFailure(failure EventWriteFailure) {
	if w == nil || failure.FailedCount <= 0 {
		return
	}
	failure.ErrorClass = ClassifyWriteError(failure.Err)
	w.writeDroppedTotal.Add(int64(failure.FailedCount))
	w.lastWriteDropUnixNano.Store(time.Now().UTC().UnixNano())

	count := int64(failure.FailedCount)
	switch failure.ErrorClass {
	case WriteErrorClassConnection:
		w.writeFailureConnection.Add(count)
	case WriteErrorClassTimeout:
		w.writeFailureTimeout.Add(count)
	case WriteErrorClassContention:
		w.writeFailureContention.Add(count)
	case WriteErrorClassConstraint:
		w.writeFailureConstraint.Add(count)
	default:
		w.writeFailureUnknown.Add(count)
	}

	handler, ok := w.writeFailureHandle.Load().(EventWriteFailureHandler)
	if !ok || handler == nil {
		return
	}
	handler(failure)
}

// EventPipelineDiagnostics returns a point-in-time snapshot of queue pressure
// and dropped-event counters for operator diagnostics.
func (w *EventWriter) EventPipelineDiagnostics() EventPipelineDiagnostics {
	if w == nil {
		return EventPipelineDiagnostics{}
	}

	queueCapacity := cap(w.queue)
	queueDepth := len(w.queue)
	queueDepthHighWatermark := int(w.queueDepthHighWatermark.Load())
	if queueDepth > queueDepthHighWatermark {
		queueDepthHighWatermark = queueDepth
	}

	queueUtilPct := eventQueueUtilizationPct(queueDepth, queueCapacity)

	enqueueDropped := w.enqueueDroppedTotal.Load()
	writeDropped := w.writeDroppedTotal.Load()

	snapshot := EventPipelineDiagnostics{
		QueueCapacity:           queueCapacity,
		QueueDepth:              queueDepth,
		QueueDepthHighWatermark: queueDepthHighWatermark,
		QueueUtilizationPct:     queueUtilPct,
		QueuePressureState:      eventQueuePressureState(queueUtilPct),
		EnqueueAcceptedTotal:    w.enqueueAcceptedTotal.Load(),
		EnqueueDroppedTotal:     enqueueDropped,
		WriteDroppedTotal:       writeDropped,
		TotalDroppedTotal:       enqueueDropped + writeDropped,
	}

	if ts := w.lastEnqueueDropUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastEnqueueDropAt = &last
	}
	if ts := w.lastWriteDropUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastWriteDropAt = &last
	}

	byClass := make(map[string]int64)
	if v := w.writeFailureConnection.Load(); v > 0 {
		byClass[WriteErrorClassConnection] = v
	}
	if v := w.writeFailureTimeout.Load(); v > 0 {
		byClass[WriteErrorClassTimeout] = v
	}
	if v := w.writeFailureContention.Load(); v > 0 {
		byClass[WriteErrorClassContention] = v
	}
	if v := w.writeFailureConstraint.Load(); v > 0 {
		byClass[WriteErrorClassConstraint] = v
	}
	if v := w.writeFailureUnknown.Load(); v > 0 {
		byClass[WriteErrorClassUnknown] = v
	}
	if len(byClass) > 0 {
		snapshot.WriteFailuresByClass = byClass
	}

	return snapshot
}

func (w *EventWriter) observeQueueDepth(depth int) {
	if w == nil || depth < 0 {
		return
	}
	depthValue := int64(depth)
	for {
		current := w.queueDepthHighWatermark.Load()
		if depthValue <= current {
			return
		}
		if w.queueDepthHighWatermark.CompareAndSwap(current, depthValue) {
			return
		}
	}
}

func eventQueueUtilizationPct(depth, capacity int) int {
	if capacity <= 0 || depth <= 0 {
		return 0
	}
	if depth >= capacity {
		return 100
	}
	return int((int64(depth) * 100) / int64(capacity))
}

func eventQueuePressureState(utilizationPct int) string {
	switch {
	case utilizationPct >= 100:
		return EventQueuePressureSaturated
	case utilizationPct >= 80:
		return EventQueuePressureHigh
	case utilizationPct >= 50:
		return EventQueuePressureElevated
	default:
		return EventQueuePressureOK
	}
}

func (w *EventWriter) flushBatch(ctx context.Context, batch []*Event) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()
	defer func() {
		if m := w.loadMetrics(); m != nil && m.OnFlush != nil {
			m.OnFlush(len(batch), time.Since(start))
		}
	}()

	if err := w.store.AppendEvents(ctx, batch); err != nil {
		// Fall back to per-event writes so one bad event does not drop the
		// whole batch.
		failedWrites := 0
		var fallbackErr error
		for _, event := range batch {
			if eventErr := w.store.AppendEvent(ctx, event); eventErr != nil {
				failedWrites++
				if fallbackErr == nil {
					fallbackErr = eventErr
				}
			}
		}
		if failedWrites > 0 {
			w.reportWriteFailure(EventWriteFailure{
				BatchSize:   len(batch),
				FailedCount: failedWrites,
				Err:         errors.Join(err, fallbackErr),
			})
		}
	}
}
