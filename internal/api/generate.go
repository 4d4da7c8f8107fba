package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/promptlab/engine/internal/correlation"
	"github.com/promptlab/engine/internal/stream"
)

const generateBodyLimit = 1 << 20

type generateRequest struct {
	Model            string         `json:"model"`
	Prompt           string         `json:"prompt"`
	SystemPrompt     string         `json:"system_prompt,omitempty"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	UserID           string         `json:"user_id,omitempty"`
	PromptID         string         `json:"prompt_id,omitempty"`
	Source           string         `json:"source,omitempty"`
	StructuredOutput bool           `json:"structured_output,omitempty"`
}

// GenerateStreamHandler runs one generation and streams its lifecycle as
// server-sent events. The HTTP status is always 200 once streaming starts;
// failures after that surface as error messages in the stream itself.
func GenerateStreamHandler(orchestrator *stream.Orchestrator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if orchestrator == nil {
			writeError(w, http.StatusServiceUnavailable, "streaming is not configured")
			return
		}

		var payload generateRequest
		decoder := json.NewDecoder(io.LimitReader(r.Body, generateBodyLimit))
		if err := decoder.Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming unsupported by connection")
			return
		}

		r, ids := correlation.EnsureRequest(r)
		// The trace id must be on the response headers before streaming
		// starts, so generate it here when the caller supplied none; the
		// orchestrator keeps a supplied id.
		if ids.TraceID == "" {
			ids.TraceID = correlation.NewID()
		}

		req := stream.Request{
			TraceID:          ids.TraceID,
			ParentTraceID:    ids.ParentTraceID,
			SessionID:        ids.SessionID,
			UserID:           strings.TrimSpace(payload.UserID),
			PromptID:         strings.TrimSpace(payload.PromptID),
			Model:            strings.TrimSpace(payload.Model),
			Prompt:           payload.Prompt,
			SystemPrompt:     payload.SystemPrompt,
			Parameters:       payload.Parameters,
			StructuredOutput: payload.StructuredOutput,
			Source:           strings.TrimSpace(payload.Source),
			UserAgent:        r.UserAgent(),
			IPAddress:        clientAddr(r),
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set(correlation.HeaderTraceID, ids.TraceID)
		w.Header().Set(correlation.HeaderSessionID, ids.SessionID)
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		emit := func(message stream.Message) error {
			frame, err := json.Marshal(message)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		}

		if err := orchestrator.Run(r.Context(), req, emit); err != nil {
			// The stream never opened a trace; report the failure as a final
			// SSE frame so clients see a terminal error either way.
			if r.Context().Err() == nil {
				_ = emit(stream.Message{
					Type:  stream.MessageError,
					Error: "Generation failed. Please try again.",
					Code:  stream.CodeRequestError,
				})
			}
		}
	})
}

func clientAddr(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		if idx := strings.IndexByte(forwarded, ','); idx > 0 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return forwarded
	}
	host := r.RemoteAddr
	if idx := strings.LastIndexByte(host, ':'); idx > 0 {
		host = host[:idx]
	}
	return host
}
