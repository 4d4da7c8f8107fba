package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/promptlab/engine/internal/eval"
	"github.com/promptlab/engine/internal/trace"
)

const evaluateBodyLimit = 1 << 20

type evaluateItem struct {
	Prompt         string         `json:"prompt"`
	Response       string         `json:"response"`
	Context        string         `json:"context,omitempty"`
	ExpectedOutput string         `json:"expected_output,omitempty"`
	EvaluatorID    string         `json:"evaluator_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`

	// TraceID, when set, writes the resulting score back to the trace as its
	// quality score.
	TraceID string `json:"trace_id,omitempty"`
}

type evaluateRequest struct {
	evaluateItem

	Batch []evaluateItem `json:"batch,omitempty"`
}

type evaluateResult struct {
	EvaluatorID string         `json:"evaluator_id"`
	Score       float64        `json:"score"`
	Reasoning   string         `json:"reasoning,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Error       string         `json:"error,omitempty"`
}

// EvaluateHandler scores one response, or a batch, with the registered
// evaluators. Single requests fail with a transport error; batch items carry
// their errors inline so one bad item never sinks the batch.
func EvaluateHandler(registry *eval.Registry, recorder *trace.Recorder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if registry == nil {
			writeError(w, http.StatusServiceUnavailable, "evaluation is not configured")
			return
		}

		var payload evaluateRequest
		decoder := json.NewDecoder(io.LimitReader(r.Body, evaluateBodyLimit))
		if err := decoder.Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}

		if len(payload.Batch) > 0 {
			requests := make([]eval.Request, len(payload.Batch))
			for i, item := range payload.Batch {
				requests[i] = toEvalRequest(item)
			}
			results, errs := registry.BatchEvaluate(r.Context(), requests)

			items := make([]evaluateResult, len(results))
			for i := range results {
				items[i] = toEvaluateResult(requests[i].EvaluatorID, results[i], errs[i])
				if errs[i] == nil {
					persistScore(r, recorder, payload.Batch[i].TraceID, results[i].Score)
				}
			}
			writeJSON(w, http.StatusOK, map[string]any{"results": items})
			return
		}

		req := toEvalRequest(payload.evaluateItem)
		if strings.TrimSpace(req.Response) == "" {
			writeError(w, http.StatusBadRequest, "response is required")
			return
		}

		result, err := registry.Evaluate(r.Context(), req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		persistScore(r, recorder, payload.TraceID, result.Score)
		writeJSON(w, http.StatusOK, toEvaluateResult(req.EvaluatorID, result, nil))
	})
}

func toEvalRequest(item evaluateItem) eval.Request {
	evaluatorID := strings.TrimSpace(item.EvaluatorID)
	if evaluatorID == "" {
		evaluatorID = "quality"
	}
	return eval.Request{
		Prompt:         item.Prompt,
		Response:       item.Response,
		Context:        item.Context,
		ExpectedOutput: item.ExpectedOutput,
		EvaluatorID:    evaluatorID,
		Metadata:       item.Metadata,
	}
}

func toEvaluateResult(evaluatorID string, result *eval.Result, err error) evaluateResult {
	if err != nil {
		return evaluateResult{
			EvaluatorID: evaluatorID,
			Error:       err.Error(),
			Timestamp:   time.Now().UTC(),
		}
	}
	return evaluateResult{
		EvaluatorID: evaluatorID,
		Score:       result.Score,
		Reasoning:   result.Reasoning,
		Metadata:    result.Metadata,
		Timestamp:   result.Timestamp,
	}
}

// persistScore is best effort: the evaluation result stands even when the
// trace row no longer accepts updates.
func persistScore(r *http.Request, recorder *trace.Recorder, traceID string, score float64) {
	traceID = strings.TrimSpace(traceID)
	if recorder == nil || traceID == "" {
		return
	}
	_ = recorder.UpdateTrace(r.Context(), traceID, trace.TraceUpdate{QualityScore: &score})
}
