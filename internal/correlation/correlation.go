// Package correlation extracts and propagates the trace correlation headers
// that tie a generation request to an existing trace, a session, and an
// optional parent trace.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Correlation headers recognized on incoming requests.
const (
	HeaderTraceID       = "X-Trace-ID"
	HeaderSessionID     = "X-Session-ID"
	HeaderParentTraceID = "X-Parent-Trace-ID"

	maxIDLen = 128
)

// IDs carries the correlation identifiers for one request. TraceID and
// ParentTraceID are empty unless the caller supplied them; SessionID is
// always populated after EnsureRequest.
type IDs struct {
	TraceID       string
	SessionID     string
	ParentTraceID string
}

type contextKey struct{}

var correlationContextKey contextKey

// EnsureRequest normalizes the correlation headers, generates a session
// identifier when none was supplied, and stores the result on the request
// context and headers.
func EnsureRequest(req *http.Request) (*http.Request, IDs) {
	if req == nil {
		return nil, IDs{}
	}
	if ids, ok := FromContext(req.Context()); ok {
		setHeaders(req, ids)
		return req, ids
	}

	ids := FromHeaders(req.Header)
	if ids.SessionID == "" {
		ids.SessionID = NewID()
	}

	req = req.WithContext(WithContext(req.Context(), ids))
	setHeaders(req, ids)
	return req, ids
}

func setHeaders(req *http.Request, ids IDs) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if ids.TraceID != "" {
		req.Header.Set(HeaderTraceID, ids.TraceID)
	}
	req.Header.Set(HeaderSessionID, ids.SessionID)
	if ids.ParentTraceID != "" {
		req.Header.Set(HeaderParentTraceID, ids.ParentTraceID)
	}
}

// WithContext stores normalized correlation identifiers in context.
func WithContext(ctx context.Context, ids IDs) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized := IDs{
		TraceID:       normalizeID(ids.TraceID),
		SessionID:     normalizeID(ids.SessionID),
		ParentTraceID: normalizeID(ids.ParentTraceID),
	}
	if normalized == (IDs{}) {
		return ctx
	}
	return context.WithValue(ctx, correlationContextKey, normalized)
}

// FromContext extracts correlation identifiers from context.
func FromContext(ctx context.Context) (IDs, bool) {
	if ctx == nil {
		return IDs{}, false
	}
	ids, ok := ctx.Value(correlationContextKey).(IDs)
	if !ok || ids == (IDs{}) {
		return IDs{}, false
	}
	return ids, true
}

// FromHeaders extracts normalized correlation identifiers from the request
// headers. Malformed values are dropped rather than rejected.
func FromHeaders(headers http.Header) IDs {
	if headers == nil {
		return IDs{}
	}
	return IDs{
		TraceID:       normalizeID(headers.Get(HeaderTraceID)),
		SessionID:     normalizeID(headers.Get(HeaderSessionID)),
		ParentTraceID: normalizeID(headers.Get(HeaderParentTraceID)),
	}
}

// NewID returns a new correlation identifier.
func NewID() string {
	return uuid.NewString()
}

func normalizeID(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	if len(value) > maxIDLen {
		value = value[:maxIDLen]
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return ""
		}
	}
	return value
}
