package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/promptlab/engine/internal/stream"
	"github.com/promptlab/engine/internal/trace"
)

// CompletionMirror exports one span per completed generation so traces show
// up in any OTLP backend alongside the engine's own storage. Export is
// fire-and-forget; the batch processor owns delivery.
type CompletionMirror struct {
	runtime *Runtime
}

func NewCompletionMirror(runtime *Runtime) *CompletionMirror {
	return &CompletionMirror{runtime: runtime}
}

var _ stream.Mirror = (*CompletionMirror)(nil)

// ObserveCompletion records the completed generation as a span whose start
// and end reconstruct the measured duration.
func (m *CompletionMirror) ObserveCompletion(ctx context.Context, completed stream.MirrorRecord) {
	if !m.runtime.Enabled() {
		return
	}

	end := time.Now().UTC()
	start := end.Add(-time.Duration(completed.DurationMS) * time.Millisecond)

	tracer := otel.Tracer(instrumentationName)
	_, span := tracer.Start(ctx, "generate "+completed.Model,
		oteltrace.WithTimestamp(start),
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			attribute.String("gen_ai.request.model", completed.Model),
			attribute.String("gen_ai.system", completed.Provider),
			attribute.Int("gen_ai.usage.input_tokens", completed.Usage.Input),
			attribute.Int("gen_ai.usage.output_tokens", completed.Usage.Output),
			attribute.Float64("engine.cost_usd", completed.Cost.Total),
			attribute.Int64("engine.first_token_latency_ms", completed.FirstTokenLatencyMS),
			attribute.Bool("engine.streamed", completed.Streamed),
			attribute.String("engine.trace_id", completed.TraceID),
			attribute.String("engine.session_id", completed.SessionID),
			attribute.String("engine.status", string(completed.Status)),
		),
	)
	if completed.UserID != "" {
		span.SetAttributes(attribute.String("engine.user_id", completed.UserID))
	}
	if completed.Status == trace.StatusError {
		span.SetStatus(codes.Error, "generation failed")
	}
	span.End(oteltrace.WithTimestamp(end))
}
