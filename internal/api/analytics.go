package api

import (
	"net/http"

	"github.com/promptlab/engine/internal/analytics"
)

// MetricsHandler serves graded performance metrics over a filtered trace set.
func MetricsHandler(engine *analytics.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if engine == nil {
			writeError(w, http.StatusServiceUnavailable, "analytics is not configured")
			return
		}

		filter, err := parseTraceFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		metrics, err := engine.GetPerformanceMetrics(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to compute metrics")
			return
		}
		writeJSON(w, http.StatusOK, metrics)
	})
}

func ModelsHandler(engine *analytics.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if engine == nil {
			writeError(w, http.StatusServiceUnavailable, "analytics is not configured")
			return
		}

		from, to, err := parseRangeQuery(r, 7)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		models, err := engine.AnalyzeModelPerformance(r.Context(), from, to)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to analyze models")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"models": models})
	})
}

func UsageHandler(engine *analytics.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if engine == nil {
			writeError(w, http.StatusServiceUnavailable, "analytics is not configured")
			return
		}

		from, to, err := parseRangeQuery(r, 30)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		report, err := engine.GenerateUsageReport(r.Context(), from, to)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to generate usage report")
			return
		}
		writeJSON(w, http.StatusOK, report)
	})
}

func InsightsHandler(engine *analytics.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if engine == nil {
			writeError(w, http.StatusServiceUnavailable, "analytics is not configured")
			return
		}

		from, to, err := parseRangeQuery(r, 7)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		insights, err := engine.GetPerformanceInsights(r.Context(), from, to)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to compute insights")
			return
		}
		writeJSON(w, http.StatusOK, insights)
	})
}

func DashboardHandler(engine *analytics.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if engine == nil {
			writeError(w, http.StatusServiceUnavailable, "analytics is not configured")
			return
		}

		dashboard, err := engine.GetDashboardData(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load dashboard")
			return
		}
		writeJSON(w, http.StatusOK, dashboard)
	})
}
