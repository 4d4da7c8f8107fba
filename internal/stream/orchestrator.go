// Package stream drives a generation request through its full lifecycle:
// trace creation, validation, token emission, structured-output parsing, and
// finalization. The state machine is pending -> streaming -> one of success,
// error, or cancelled; every path ends in exactly one terminal completion.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/promptlab/engine/internal/aiclient"
	"github.com/promptlab/engine/internal/livetrace"
	"github.com/promptlab/engine/internal/trace"
)

// tokenBatchInterval samples persistence token events: one batched event per
// ten emitted tokens instead of one per token.
const tokenBatchInterval = 10

// defaultPaceDelay spaces out synthesized tokens when a provider only
// returns complete text.
const defaultPaceDelay = 20 * time.Millisecond

// clientErrorMessage is the only text shown for internal failures.
// Validation failures show their specific message instead.
const clientErrorMessage = "Generation failed. Please try again."

// Mirror receives completed generations for export to an external
// observability backend. Calls are fire-and-forget; implementations must not
// block the finalization path.
type Mirror interface {
	ObserveCompletion(ctx context.Context, completed MirrorRecord)
}

// MirrorRecord is the fact set exported per completed generation.
type MirrorRecord struct {
	TraceID             string
	SessionID           string
	UserID              string
	Model               string
	Provider            string
	Status              trace.Status
	DurationMS          int64
	FirstTokenLatencyMS int64
	Usage               trace.TokenUsage
	Cost                trace.Cost
	Streamed            bool
}

// Request is one streaming generation call.
type Request struct {
	// TraceID, when set and still active, correlates this generation with a
	// caller-initiated trace instead of creating a fresh one.
	TraceID       string
	ParentTraceID string
	SessionID     string
	UserID        string
	PromptID      string

	Model        string
	Prompt       string
	SystemPrompt string
	Parameters   map[string]any

	// StructuredOutput requests a JSON parse of the assembled content after
	// streaming ends. Parse failure never fails the trace.
	StructuredOutput bool

	Source    string
	UserAgent string
	IPAddress string
}

// Emit delivers one message to the consumer. A non-nil return means the
// consumer is gone and the orchestrator treats the request as cancelled.
type Emit func(Message) error

// Orchestrator coordinates providers, the recorder, and the consumer channel.
type Orchestrator struct {
	recorder  *trace.Recorder
	clients   *aiclient.Registry
	mirror    Mirror
	logger    *slog.Logger
	paceDelay time.Duration
}

type Options struct {
	Mirror    Mirror
	PaceDelay time.Duration
	Logger    *slog.Logger
}

func NewOrchestrator(recorder *trace.Recorder, clients *aiclient.Registry, opts Options) *Orchestrator {
	if opts.PaceDelay <= 0 {
		opts.PaceDelay = defaultPaceDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		recorder:  recorder,
		clients:   clients,
		mirror:    opts.Mirror,
		logger:    opts.Logger,
		paceDelay: opts.PaceDelay,
	}
}

// Run executes one generation. It always finalizes the trace exactly once,
// whatever path the request takes; the returned error reflects only
// pre-trace failures the caller must map to a transport error itself.
func (o *Orchestrator) Run(ctx context.Context, req Request, emit Emit) error {
	client, ok := o.clients.ForModel(req.Model)
	if !ok {
		client, ok = o.pickFallbackClient()
	}
	if !ok {
		return fmt.Errorf("no provider registered")
	}

	live, reused, err := o.resolveTrace(ctx, req, client.Name())
	if err != nil {
		// The trace row never existed; cost accounting cannot proceed.
		return fmt.Errorf("persist trace: %w", err)
	}
	traceID := live.TraceID

	// From here on every exit path finalizes the trace.
	if err := client.Validate(aiclient.Request{
		Model:        req.Model,
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		Parameters:   req.Parameters,
	}); err != nil {
		o.failTrace(ctx, traceID, CodeValidationError, err, emit)
		return nil
	}

	if err := emit(Message{Type: MessageConnected, TraceID: traceID}); err != nil {
		o.cancelTrace(ctx, traceID, 0, 0)
		return nil
	}

	streaming := trace.StatusStreaming
	streamed := true
	if updateErr := o.recorder.UpdateTrace(ctx, traceID, trace.TraceUpdate{
		Status:   &streaming,
		Streamed: &streamed,
	}); updateErr != nil {
		o.logger.Warn("mark trace streaming", slog.String("trace_id", traceID), slog.Any("error", updateErr))
	}
	if reused {
		o.logger.Debug("reusing active trace", slog.String("trace_id", traceID))
	}

	generation, err := client.Generate(ctx, aiclient.Request{
		Model:        req.Model,
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		Parameters:   req.Parameters,
	})
	if err != nil {
		if aiclient.IsValidationError(err) {
			o.failTrace(ctx, traceID, CodeValidationError, err, emit)
		} else {
			o.failTrace(ctx, traceID, CodeGenerationException, err, emit)
		}
		return nil
	}

	result, err := o.consume(ctx, traceID, live.StartTime, req, generation, emit)
	if err != nil {
		o.failTrace(ctx, traceID, CodeGenerationException, err, emit)
		return nil
	}
	if result.cancelled {
		o.cancelTrace(ctx, traceID, result.tokenCount, len(result.content))
		return nil
	}

	o.finalize(ctx, traceID, live.SessionID, req, client.Name(), result, emit)
	return nil
}

type runResult struct {
	content           string
	tokenCount        int
	firstTokenLatency int64
	usage             *aiclient.Usage
	cancelled         bool
}

// consume drives either the provider's native stream or the synthesized
// whitespace-split fallback, emitting token messages and sampled persistence
// events along the way.
func (o *Orchestrator) consume(ctx context.Context, traceID string, startTime time.Time, req Request, generation *aiclient.Generation, emit Emit) (*runResult, error) {
	result := &runResult{usage: generation.Usage}
	var builder strings.Builder

	emitToken := func(tokenText string) (bool, error) {
		result.tokenCount++
		builder.WriteString(tokenText)

		if result.tokenCount == 1 {
			latency := time.Since(startTime).Milliseconds()
			result.firstTokenLatency = latency
			if err := o.recorder.UpdateTrace(ctx, traceID, trace.TraceUpdate{
				FirstTokenLatencyMS: &latency,
			}); err != nil {
				o.logger.Warn("persist first token latency", slog.String("trace_id", traceID), slog.Any("error", err))
			}
			o.recorder.AddEvent(traceID, trace.EventToken, map[string]any{
				"action":     "first_token",
				"latency_ms": latency,
			})
		}

		if result.tokenCount%tokenBatchInterval == 0 {
			o.recorder.AddEvent(traceID, trace.EventToken, map[string]any{
				"action":         "token_batch",
				"tokens_so_far":  result.tokenCount,
				"content_length": builder.Len(),
			})
		}

		if err := emit(Message{
			Type:    MessageToken,
			TraceID: traceID,
			Content: tokenText,
			Index:   result.tokenCount,
		}); err != nil {
			return false, nil
		}
		return true, nil
	}

	if generation.Stream != nil {
		defer generation.Stream.Close()
		for {
			select {
			case <-ctx.Done():
				result.content = builder.String()
				result.cancelled = true
				return result, nil
			default:
			}

			chunk, err := generation.Stream.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			alive, err := emitToken(chunk.Content)
			if err != nil {
				return nil, err
			}
			if !alive {
				result.content = builder.String()
				result.cancelled = true
				return result, nil
			}
		}
		if usage := generation.Stream.Usage(); usage != nil {
			result.usage = usage
		}
		result.content = builder.String()
		return result, nil
	}

	// Fallback: synthesize token-by-token emission from the complete string
	// so callers get a uniform streaming UX regardless of provider.
	tokens := aiclient.SplitTokens(generation.Text)
	for i, tokenText := range tokens {
		select {
		case <-ctx.Done():
			result.content = builder.String()
			result.cancelled = true
			return result, nil
		case <-time.After(o.paceDelay):
		}

		if i > 0 {
			tokenText = " " + tokenText
		}
		alive, err := emitToken(tokenText)
		if err != nil {
			return nil, err
		}
		if !alive {
			result.content = builder.String()
			result.cancelled = true
			return result, nil
		}
	}
	result.content = builder.String()
	return result, nil
}

func (o *Orchestrator) finalize(ctx context.Context, traceID, sessionID string, req Request, provider string, result *runResult, emit Emit) {
	if req.StructuredOutput {
		o.parseStructured(traceID, result.content, emit)
	}

	usage := result.usage
	if usage == nil || usage.Total == 0 {
		estimated := aiclient.EstimateUsage(req.Prompt, result.tokenCount)
		usage = &estimated
	}
	cost := aiclient.EstimateCost(req.Model, *usage)
	tokens := trace.TokenUsage{Input: usage.Input, Output: usage.Output, Total: usage.Total}

	endTime := time.Now().UTC()
	applied, err := o.recorder.CompleteTrace(ctx, traceID, trace.Completion{
		Status:              trace.StatusSuccess,
		EndTime:             endTime,
		ResponseContent:     result.content,
		Tokens:              &tokens,
		Cost:                &cost,
		FirstTokenLatencyMS: result.firstTokenLatency,
	})
	if err != nil {
		o.logger.Error("complete trace", slog.String("trace_id", traceID), slog.Any("error", err))
		_ = emit(Message{
			Type:    MessageError,
			TraceID: traceID,
			Error:   clientErrorMessage,
			Code:    CodeRequestError,
		})
		return
	}

	row, rowErr := o.recorder.GetTrace(ctx, traceID)
	var durationMS int64
	if rowErr == nil {
		durationMS = row.DurationMS
	}

	_ = emit(Message{
		Type:       MessageComplete,
		TraceID:    traceID,
		Content:    result.content,
		Usage:      &tokens,
		Cost:       &cost,
		DurationMS: durationMS,
	})

	o.logger.Info("generation complete",
		slog.String("trace_id", traceID),
		slog.String("model", req.Model),
		slog.Int("total_tokens", tokens.Total),
		slog.Float64("total_cost", cost.Total),
		slog.Int64("duration_ms", durationMS),
		slog.Bool("usage_estimated", usage.Estimated))

	if applied && o.mirror != nil {
		record := MirrorRecord{
			TraceID:             traceID,
			SessionID:           sessionID,
			UserID:              req.UserID,
			Model:               req.Model,
			Provider:            provider,
			Status:              trace.StatusSuccess,
			DurationMS:          durationMS,
			FirstTokenLatencyMS: result.firstTokenLatency,
			Usage:               tokens,
			Cost:                cost,
			Streamed:            true,
		}
		// Best-effort: the mirror never fails the request.
		func() {
			defer func() {
				if r := recover(); r != nil {
					o.logger.Warn("observability mirror panicked", slog.Any("panic", r))
				}
			}()
			o.mirror.ObserveCompletion(ctx, record)
		}()
	}
}

func (o *Orchestrator) parseStructured(traceID, content string, emit Emit) {
	var structured any
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &structured); err != nil {
		o.recorder.AddEvent(traceID, trace.EventError, map[string]any{
			"action": "parse_error",
			"error":  err.Error(),
		})
		_ = emit(Message{
			Type:       MessageParseError,
			TraceID:    traceID,
			ParseError: err.Error(),
		})
		return
	}

	o.recorder.AddEvent(traceID, trace.EventStructured, map[string]any{
		"action": "structured_output",
	})
	_ = emit(Message{
		Type:       MessageStructured,
		TraceID:    traceID,
		Structured: structured,
	})
}

// failTrace finalizes an errored generation. Validation failures surface
// their specific message; everything else gets the generic client text while
// the real error goes to the log and the trace row.
func (o *Orchestrator) failTrace(ctx context.Context, traceID, code string, cause error, emit Emit) {
	message := clientErrorMessage
	if code == CodeValidationError {
		message = cause.Error()
	}

	o.recorder.AddEvent(traceID, trace.EventError, map[string]any{
		"error_code": code,
		"error":      cause.Error(),
	})

	if _, err := o.recorder.CompleteTrace(ctx, traceID, trace.Completion{
		Status:       trace.StatusError,
		ErrorMessage: cause.Error(),
		ErrorCode:    code,
	}); err != nil {
		o.logger.Error("finalize errored trace", slog.String("trace_id", traceID), slog.Any("error", err))
	}

	o.logger.Warn("generation failed",
		slog.String("trace_id", traceID),
		slog.String("code", code),
		slog.Any("error", cause))

	_ = emit(Message{
		Type:    MessageError,
		TraceID: traceID,
		Error:   message,
		Code:    code,
	})
}

// cancelTrace finalizes a consumer-initiated cancellation. A race with a
// concurrent completion is tolerated: the completion write is conditional on
// a live status, so the loser becomes a no-op.
func (o *Orchestrator) cancelTrace(ctx context.Context, traceID string, tokenCount, contentLength int) {
	o.recorder.AddEvent(traceID, trace.EventUserAction, map[string]any{
		"action":         "cancelled",
		"tokens_emitted": tokenCount,
		"content_length": contentLength,
	})

	if _, err := o.recorder.CompleteTrace(context.WithoutCancel(ctx), traceID, trace.Completion{
		Status: trace.StatusCancelled,
	}); err != nil {
		o.logger.Warn("finalize cancelled trace", slog.String("trace_id", traceID), slog.Any("error", err))
	}
}

// resolveTrace reuses a supplied active trace, for correlation with a prior
// non-streaming leg, or starts a fresh one.
func (o *Orchestrator) resolveTrace(ctx context.Context, req Request, provider string) (*livetrace.TraceContext, bool, error) {
	if req.TraceID != "" {
		if live := o.recorder.Registry().ActiveTrace(req.TraceID); live != nil {
			return live, true, nil
		}
	}

	live, err := o.recorder.StartTrace(ctx, trace.StartArgs{
		TraceID:       req.TraceID,
		ParentTraceID: req.ParentTraceID,
		SessionID:     req.SessionID,
		UserID:        req.UserID,
		PromptID:      req.PromptID,
		Source:        req.Source,
		Provider:      provider,
		ModelID:       req.Model,
		PromptContent: req.Prompt,
		SystemPrompt:  req.SystemPrompt,
		Parameters:    req.Parameters,
		UserAgent:     req.UserAgent,
		IPAddress:     req.IPAddress,
	})
	if err != nil {
		return nil, false, err
	}
	return live, false, nil
}

func (o *Orchestrator) pickFallbackClient() (aiclient.Client, bool) {
	names := o.clients.Names()
	if len(names) == 0 {
		return nil, false
	}
	return o.clients.Get(names[0])
}
