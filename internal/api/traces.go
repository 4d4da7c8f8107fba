package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/promptlab/engine/internal/trace"
)

type tracesResponse struct {
	Items      []traceSummary `json:"items"`
	TotalCount int64          `json:"total_count"`
	HasMore    bool           `json:"has_more"`
}

type traceSummary struct {
	ID                  string     `json:"id"`
	SessionID           string     `json:"session_id,omitempty"`
	UserID              string     `json:"user_id,omitempty"`
	PromptID            string     `json:"prompt_id,omitempty"`
	Source              string     `json:"source,omitempty"`
	Provider            string     `json:"provider,omitempty"`
	ModelID             string     `json:"model_id"`
	Status              string     `json:"status"`
	Streamed            bool       `json:"streamed"`
	StartTime           time.Time  `json:"start_time"`
	EndTime             *time.Time `json:"end_time,omitempty"`
	DurationMS          int64      `json:"duration_ms"`
	FirstTokenLatencyMS int64      `json:"first_token_latency_ms"`
	TokensPerSecond     float64    `json:"tokens_per_second,omitempty"`
	InputTokens         int        `json:"input_tokens"`
	OutputTokens        int        `json:"output_tokens"`
	TotalTokens         int        `json:"total_tokens"`
	CostUSD             float64    `json:"cost_usd"`
	QualityScore        *float64   `json:"quality_score,omitempty"`
	UserRating          *int       `json:"user_rating,omitempty"`
	ErrorCode           string     `json:"error_code,omitempty"`
}

type traceDetail struct {
	traceSummary

	ParentTraceID   string         `json:"parent_trace_id,omitempty"`
	PromptContent   string         `json:"prompt_content,omitempty"`
	SystemPrompt    string         `json:"system_prompt,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	ResponseContent string         `json:"response_content,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	MirrorTraceID   string         `json:"mirror_trace_id,omitempty"`
	QualityGrade    string         `json:"quality_grade,omitempty"`
	TraceVersion    int            `json:"trace_version"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`

	Events []traceEvent `json:"events"`
}

type traceEvent struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Data           map[string]any `json:"data,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	SequenceNumber int64          `json:"sequence_number"`
}

func TracesHandler(recorder *trace.Recorder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if recorder == nil {
			writeError(w, http.StatusServiceUnavailable, "trace store is not configured")
			return
		}

		filter, err := parseTraceFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		if search := strings.TrimSpace(r.URL.Query().Get("search")); search != "" {
			items, err := recorder.SearchTraces(r.Context(), search, filter)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to search traces")
				return
			}
			writeJSON(w, http.StatusOK, tracesResponse{
				Items:      summarizeTraces(items),
				TotalCount: int64(len(items)),
			})
			return
		}

		result, err := recorder.QueryTraces(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to query traces")
			return
		}

		writeJSON(w, http.StatusOK, tracesResponse{
			Items:      summarizeTraces(result.Traces),
			TotalCount: result.TotalCount,
			HasMore:    result.HasMore,
		})
	})
}

func TraceDetailHandler(recorder *trace.Recorder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if recorder == nil {
			writeError(w, http.StatusServiceUnavailable, "trace store is not configured")
			return
		}

		id := strings.TrimPrefix(r.URL.Path, "/api/traces/")
		if id == "" || strings.Contains(id, "/") {
			http.NotFound(w, r)
			return
		}

		item, events, err := recorder.GetTraceWithEvents(r.Context(), id)
		if err != nil {
			if errors.Is(err, trace.ErrNotFound) {
				writeError(w, http.StatusNotFound, "trace not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to load trace")
			return
		}

		writeJSON(w, http.StatusOK, detailTrace(item, events))
	})
}

func parseTraceFilter(r *http.Request) (trace.Filter, error) {
	query := r.URL.Query()

	limit, err := parseIntQuery(query.Get("limit"), "limit", 0, 200)
	if err != nil {
		return trace.Filter{}, err
	}
	offset, err := parseIntQuery(query.Get("offset"), "offset", 0, 0)
	if err != nil {
		return trace.Filter{}, err
	}
	minDuration, err := parseIntQuery(query.Get("min_duration_ms"), "min_duration_ms", 0, 0)
	if err != nil {
		return trace.Filter{}, err
	}
	maxDuration, err := parseIntQuery(query.Get("max_duration_ms"), "max_duration_ms", 0, 0)
	if err != nil {
		return trace.Filter{}, err
	}
	if minDuration > 0 && maxDuration > 0 && maxDuration < minDuration {
		return trace.Filter{}, fmt.Errorf("max_duration_ms must be greater than or equal to min_duration_ms")
	}
	minCost, err := parseFloatQuery(query.Get("min_cost"), "min_cost")
	if err != nil {
		return trace.Filter{}, err
	}
	maxCost, err := parseFloatQuery(query.Get("max_cost"), "max_cost")
	if err != nil {
		return trace.Filter{}, err
	}
	if minCost > 0 && maxCost > 0 && maxCost < minCost {
		return trace.Filter{}, fmt.Errorf("max_cost must be greater than or equal to min_cost")
	}

	from, err := parseTimeQuery(query.Get("from"), false)
	if err != nil {
		return trace.Filter{}, fmt.Errorf("invalid from: %w", err)
	}
	to, err := parseTimeQuery(query.Get("to"), true)
	if err != nil {
		return trace.Filter{}, fmt.Errorf("invalid to: %w", err)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return trace.Filter{}, fmt.Errorf("to must be greater than or equal to from")
	}

	status := trace.Status(strings.TrimSpace(query.Get("status")))
	if status != "" && !status.Valid() {
		return trace.Filter{}, fmt.Errorf("status must be one of pending, streaming, success, error, cancelled")
	}

	hasError, err := parseBoolQuery(query.Get("has_error"), "has_error")
	if err != nil {
		return trace.Filter{}, err
	}
	streaming, err := parseBoolQuery(query.Get("streaming"), "streaming")
	if err != nil {
		return trace.Filter{}, err
	}

	return trace.Filter{
		UserID:        strings.TrimSpace(query.Get("user_id")),
		ModelID:       strings.TrimSpace(query.Get("model_id")),
		Source:        strings.TrimSpace(query.Get("source")),
		SessionID:     strings.TrimSpace(query.Get("session_id")),
		PromptID:      strings.TrimSpace(query.Get("prompt_id")),
		Status:        status,
		From:          from,
		To:            to,
		MinDurationMS: int64(minDuration),
		MaxDurationMS: int64(maxDuration),
		MinCost:       minCost,
		MaxCost:       maxCost,
		HasError:      hasError,
		Streaming:     streaming,
		Limit:         limit,
		Offset:        offset,
	}, nil
}

func summarizeTraces(items []*trace.Trace) []traceSummary {
	summaries := make([]traceSummary, 0, len(items))
	for _, item := range items {
		summaries = append(summaries, summarizeTrace(item))
	}
	return summaries
}

func summarizeTrace(item *trace.Trace) traceSummary {
	summary := traceSummary{
		ID:                  item.ID,
		SessionID:           item.SessionID,
		UserID:              item.UserID,
		PromptID:            item.PromptID,
		Source:              item.Source,
		Provider:            item.Provider,
		ModelID:             item.ModelID,
		Status:              string(item.Status),
		Streamed:            item.Streamed,
		StartTime:           item.StartTime,
		EndTime:             item.EndTime,
		DurationMS:          item.DurationMS,
		FirstTokenLatencyMS: item.FirstTokenLatencyMS,
		TokensPerSecond:     item.TokensPerSecond,
		QualityScore:        item.QualityScore,
		UserRating:          item.UserRating,
		ErrorCode:           item.ErrorCode,
	}
	if item.Tokens != nil {
		summary.InputTokens = item.Tokens.Input
		summary.OutputTokens = item.Tokens.Output
		summary.TotalTokens = item.Tokens.Total
	}
	if item.Cost != nil {
		summary.CostUSD = item.Cost.Total
	}
	return summary
}

// qualityGrade letter-grades quality_score on the 0-5 viewer scale. The
// model-statistics rollup buckets the same column on a 0-1 scale; both
// threshold sets are kept as-is (see trace.ModelStatistics).
func qualityGrade(score *float64) string {
	if score == nil {
		return ""
	}
	switch s := *score; {
	case s >= 4.5:
		return "A"
	case s >= 3.5:
		return "B"
	case s >= 2.5:
		return "C"
	case s >= 1.5:
		return "D"
	default:
		return "F"
	}
}

func detailTrace(item *trace.Trace, events []*trace.Event) traceDetail {
	detail := traceDetail{
		traceSummary:    summarizeTrace(item),
		QualityGrade:    qualityGrade(item.QualityScore),
		ParentTraceID:   item.ParentTraceID,
		PromptContent:   item.PromptContent,
		SystemPrompt:    item.SystemPrompt,
		Parameters:      item.Parameters,
		ResponseContent: item.ResponseContent,
		ErrorMessage:    item.ErrorMessage,
		MirrorTraceID:   item.MirrorTraceID,
		TraceVersion:    item.TraceVersion,
		CreatedAt:       item.CreatedAt,
		UpdatedAt:       item.UpdatedAt,
		Events:          make([]traceEvent, 0, len(events)),
	}
	for _, event := range events {
		detail.Events = append(detail.Events, traceEvent{
			ID:             event.ID,
			Type:           event.Type,
			Data:           event.Data,
			Timestamp:      event.Timestamp,
			SequenceNumber: event.SequenceNumber,
		})
	}
	return detail
}
