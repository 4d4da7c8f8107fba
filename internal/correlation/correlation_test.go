package correlation

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEnsureRequestUsesIncomingHeadersWhenValid(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/api/generate/stream", nil)
	req.Header.Set(HeaderTraceID, "trace-123")
	req.Header.Set(HeaderSessionID, "session-456")
	req.Header.Set(HeaderParentTraceID, "trace-000")

	updated, ids := EnsureRequest(req)
	if updated == nil {
		t.Fatal("updated request is nil")
	}
	if ids.TraceID != "trace-123" {
		t.Fatalf("trace id=%q, want trace-123", ids.TraceID)
	}
	if ids.SessionID != "session-456" {
		t.Fatalf("session id=%q, want session-456", ids.SessionID)
	}
	if ids.ParentTraceID != "trace-000" {
		t.Fatalf("parent trace id=%q, want trace-000", ids.ParentTraceID)
	}
	if fromCtx, ok := FromContext(updated.Context()); !ok || fromCtx != ids {
		t.Fatalf("context correlation=%+v (ok=%v), want %+v", fromCtx, ok, ids)
	}
}

func TestEnsureRequestGeneratesSessionIDWhenMissing(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/api/generate/stream", nil)

	updated, ids := EnsureRequest(req)
	if ids.SessionID == "" {
		t.Fatal("expected generated session id")
	}
	if ids.TraceID != "" {
		t.Fatalf("trace id=%q, want empty when not supplied", ids.TraceID)
	}
	if got := updated.Header.Get(HeaderSessionID); got != ids.SessionID {
		t.Fatalf("%s=%q, want %q", HeaderSessionID, got, ids.SessionID)
	}
}

func TestFromHeadersDropsMalformedValues(t *testing.T) {
	t.Parallel()

	headers := make(http.Header)
	headers.Set(HeaderTraceID, "bad value with spaces")
	headers.Set(HeaderSessionID, "session-1")

	ids := FromHeaders(headers)
	if ids.TraceID != "" {
		t.Fatalf("trace id=%q, want empty for malformed header", ids.TraceID)
	}
	if ids.SessionID != "session-1" {
		t.Fatalf("session id=%q, want session-1", ids.SessionID)
	}
}

func TestEnsureRequestIsStableAcrossCalls(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/api/generate/stream", nil)

	first, ids := EnsureRequest(req)
	second, again := EnsureRequest(first)
	if again != ids {
		t.Fatalf("second EnsureRequest returned %+v, want stable %+v", again, ids)
	}
	if second != first {
		t.Fatal("expected request to be reused once correlation is on context")
	}
}
