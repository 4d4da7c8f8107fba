package api

import (
	"net/http"

	"github.com/promptlab/engine/internal/trace"
)

type liveResponse struct {
	Active       []traceSummary `json:"active"`
	ActiveCount  int            `json:"active_count"`
	AvgLatencyMS float64        `json:"avg_latency_ms"`
	ErrorRate    float64        `json:"error_rate"`
}

// LiveHandler returns traces still in flight within the live window.
func LiveHandler(recorder *trace.Recorder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if recorder == nil {
			writeError(w, http.StatusServiceUnavailable, "trace store is not configured")
			return
		}

		snapshot, err := recorder.LiveTraces(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load live traces")
			return
		}

		writeJSON(w, http.StatusOK, liveResponse{
			Active:       summarizeTraces(snapshot.Active),
			ActiveCount:  snapshot.ActiveCount,
			AvgLatencyMS: snapshot.AvgLatencyMS,
			ErrorRate:    snapshot.ErrorRate,
		})
	})
}
