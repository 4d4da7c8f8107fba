package api

import (
	"net/http"
	"strings"

	"github.com/promptlab/engine/internal/optimizer"
	"github.com/promptlab/engine/internal/trace"
)

func RecommendationsHandler(opt *optimizer.Optimizer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if opt == nil {
			writeError(w, http.StatusServiceUnavailable, "optimizer is not configured")
			return
		}

		from, to, err := parseRangeQuery(r, 30)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		minSavings, err := parseFloatQuery(r.URL.Query().Get("min_savings"), "min_savings")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		recommendations, err := opt.GenerateRecommendations(r.Context(), from, to, minSavings)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to generate recommendations")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"recommendations": recommendations})
	})
}

func ForecastHandler(opt *optimizer.Optimizer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if opt == nil {
			writeError(w, http.StatusServiceUnavailable, "optimizer is not configured")
			return
		}

		period := strings.TrimSpace(r.URL.Query().Get("period"))
		if period == "" {
			period = trace.PeriodMonth
		}
		historicalDays, err := parseIntQuery(r.URL.Query().Get("historical_days"), "historical_days", 0, 365)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		forecast, err := opt.GenerateCostForecast(r.Context(), period, historicalDays)
		if err != nil {
			if strings.Contains(err.Error(), "unknown forecast period") {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to generate forecast")
			return
		}
		writeJSON(w, http.StatusOK, forecast)
	})
}

func EfficiencyHandler(opt *optimizer.Optimizer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if opt == nil {
			writeError(w, http.StatusServiceUnavailable, "optimizer is not configured")
			return
		}

		from, to, err := parseRangeQuery(r, 30)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		models, err := opt.AnalyzeModelEfficiency(r.Context(), from, to)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to analyze efficiency")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"models": models})
	})
}

func AlertsHandler(opt *optimizer.Optimizer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if opt == nil {
			writeError(w, http.StatusServiceUnavailable, "optimizer is not configured")
			return
		}

		alerts, err := opt.GetCostAlerts(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to check alerts")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
	})
}
