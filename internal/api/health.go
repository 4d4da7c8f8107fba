package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/promptlab/engine/internal/trace"
)

type HealthOptions struct {
	Version       string
	StartedAt     time.Time
	StorageDriver string
	StoragePath   string
	Recorder      *trace.Recorder
}

type healthResponse struct {
	Status        string                          `json:"status"`
	Version       string                          `json:"version"`
	UptimeSec     int64                           `json:"uptime_sec"`
	StorageDriver string                          `json:"storage_driver"`
	DBSizeBytes   int64                           `json:"db_size_bytes,omitempty"`
	EventPipeline *trace.EventPipelineDiagnostics `json:"event_pipeline,omitempty"`
}

// HealthHandler reports process liveness plus event pipeline pressure. The
// status degrades when the async event queue runs hot but the endpoint
// always answers 200 while the process serves requests.
func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		uptime := time.Since(options.StartedAt)

		status := "ok"
		var pipeline *trace.EventPipelineDiagnostics
		if options.Recorder != nil {
			diagnostics := options.Recorder.Diagnostics()
			pipeline = &diagnostics
			switch diagnostics.QueuePressureState {
			case trace.EventQueuePressureHigh, trace.EventQueuePressureSaturated:
				status = "degraded"
			}
		}

		dbSizeBytes := int64(0)
		if strings.EqualFold(options.StorageDriver, "sqlite") && options.StoragePath != "" {
			if info, err := os.Stat(options.StoragePath); err == nil {
				dbSizeBytes = info.Size()
			}
		}

		writeJSON(w, http.StatusOK, healthResponse{
			Status:        status,
			Version:       options.Version,
			UptimeSec:     int64(uptime.Seconds()),
			StorageDriver: options.StorageDriver,
			DBSizeBytes:   dbSizeBytes,
			EventPipeline: pipeline,
		})
	})
}
