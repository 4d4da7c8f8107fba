// Package api exposes the engine over HTTP: streaming generation, trace
// queries, analytics, optimizer reports, evaluation, and health.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/promptlab/engine/internal/analytics"
	"github.com/promptlab/engine/internal/eval"
	"github.com/promptlab/engine/internal/optimizer"
	"github.com/promptlab/engine/internal/stream"
	"github.com/promptlab/engine/internal/trace"
)

type RouterOptions struct {
	AppVersion    string
	Recorder      *trace.Recorder
	Orchestrator  *stream.Orchestrator
	Analytics     *analytics.Engine
	Optimizer     *optimizer.Optimizer
	Evaluators    *eval.Registry
	StorageDriver string
	StoragePath   string
}

func NewRouter(options RouterOptions) http.Handler {
	startedAt := time.Now().UTC()
	mux := http.NewServeMux()

	mux.Handle("/api/health", HealthHandler(HealthOptions{
		Version:       options.AppVersion,
		StartedAt:     startedAt,
		StorageDriver: options.StorageDriver,
		StoragePath:   options.StoragePath,
		Recorder:      options.Recorder,
	}))
	mux.Handle("/api/generate/stream", GenerateStreamHandler(options.Orchestrator))
	mux.Handle("/api/traces", TracesHandler(options.Recorder))
	mux.Handle("/api/traces/", TraceDetailHandler(options.Recorder))
	mux.Handle("/api/live", LiveHandler(options.Recorder))
	mux.Handle("/api/analytics/metrics", MetricsHandler(options.Analytics))
	mux.Handle("/api/analytics/models", ModelsHandler(options.Analytics))
	mux.Handle("/api/analytics/usage", UsageHandler(options.Analytics))
	mux.Handle("/api/analytics/insights", InsightsHandler(options.Analytics))
	mux.Handle("/api/analytics/dashboard", DashboardHandler(options.Analytics))
	mux.Handle("/api/optimizer/recommendations", RecommendationsHandler(options.Optimizer))
	mux.Handle("/api/optimizer/forecast", ForecastHandler(options.Optimizer))
	mux.Handle("/api/optimizer/efficiency", EfficiencyHandler(options.Optimizer))
	mux.Handle("/api/optimizer/alerts", AlertsHandler(options.Optimizer))
	mux.Handle("/api/evaluate", EvaluateHandler(options.Evaluators, options.Recorder))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "promptlab engine",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	return withCORS(mux)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func withCORS(next http.Handler) http.Handler {
	allowedHeaders := strings.Join([]string{
		"Content-Type",
		"Authorization",
		"X-Trace-ID",
		"X-Session-ID",
		"X-Parent-Trace-ID",
	}, ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func parseIntQuery(raw, name string, min, max int) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if parsed < min {
		return 0, fmt.Errorf("%s must be >= %d", name, min)
	}
	if max != 0 && parsed > max {
		return 0, fmt.Errorf("%s must be <= %d", name, max)
	}
	return parsed, nil
}

func parseFloatQuery(raw, name string) (float64, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return parsed, nil
}

func parseTimeQuery(raw string, endOfDay bool) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02",
	}
	for _, layout := range layouts {
		if layout == "2006-01-02" {
			parsed, err := time.ParseInLocation(layout, value, time.UTC)
			if err == nil {
				if endOfDay {
					return parsed.Add(24*time.Hour - time.Nanosecond), nil
				}
				return parsed, nil
			}
			continue
		}
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD")
}

// parseRangeQuery reads from/to query parameters, defaulting to the trailing
// defaultDays window ending now.
func parseRangeQuery(r *http.Request, defaultDays int) (time.Time, time.Time, error) {
	query := r.URL.Query()
	from, err := parseTimeQuery(query.Get("from"), false)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid from: %w", err)
	}
	to, err := parseTimeQuery(query.Get("to"), true)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid to: %w", err)
	}

	now := time.Now().UTC()
	if to.IsZero() {
		to = now
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -defaultDays)
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("to must be greater than or equal to from")
	}
	return from, to, nil
}

func parseBoolQuery(raw, name string) (*bool, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return nil, fmt.Errorf("%s must be a boolean", name)
	}
	return &parsed, nil
}
