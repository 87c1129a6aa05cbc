package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kordahl/insight-server/internal/httpmw"
)

func makeRequestWithIP(handler http.Handler, clientIP, path string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	r = r.WithContext(httpmw.WithClientIP(r.Context(), clientIP))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	return w
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_QuotaHeadersOnAllowed(t *testing.T) {
	l := New(NewMemoryStore())
	p := Policy{Name: "read", Window: time.Minute, MaxRequests: 10}
	handler := l.Middleware(p)(okHandler())

	w := makeRequestWithIP(handler, "203.0.113.1", "/api/records")
	if w.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Limit"); got != "10" {
		t.Errorf("X-RateLimit-Limit = %q, want 10", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "9" {
		t.Errorf("X-RateLimit-Remaining = %q, want 9", got)
	}
	if w.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("X-RateLimit-Reset missing")
	}
	if w.Header().Get("Retry-After") != "" {
		t.Error("Retry-After should only be set on denial")
	}
}

func TestMiddleware_DenialResponse(t *testing.T) {
	l := New(NewMemoryStore())
	p := Policy{Name: "strict", Window: time.Minute, MaxRequests: 1}
	handler := l.Middleware(p)(okHandler())

	makeRequestWithIP(handler, "203.0.113.1", "/")
	w := makeRequestWithIP(handler, "203.0.113.1", "/")

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("got %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing on denial")
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}

	var body struct {
		Error      string `json:"error"`
		Limit      int    `json:"limit"`
		Remaining  int    `json:"remaining"`
		RetryAfter int    `json:"retry_after"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("denial body is not valid JSON: %v (%q)", err, w.Body.String())
	}
	if body.Error != "rate_limited" {
		t.Errorf("error code = %q, want rate_limited", body.Error)
	}
	if body.Limit != 1 || body.Remaining != 0 {
		t.Errorf("body limit/remaining = %d/%d, want 1/0", body.Limit, body.Remaining)
	}
	if body.RetryAfter < 1 {
		t.Errorf("body retry_after = %d, want >= 1", body.RetryAfter)
	}
}

func TestMiddleware_DeniedRequestDoesNotReachHandler(t *testing.T) {
	l := New(NewMemoryStore())
	p := Policy{Name: "strict", Window: time.Minute, MaxRequests: 1}

	var reached atomic.Int32
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	handler := l.Middleware(p)(inner)

	makeRequestWithIP(handler, "203.0.113.1", "/")
	makeRequestWithIP(handler, "203.0.113.1", "/")
	makeRequestWithIP(handler, "203.0.113.1", "/")

	if got := reached.Load(); got != 1 {
		t.Fatalf("inner handler reached %d times, want 1", got)
	}
}

func TestMiddleware_ClientsIndependent(t *testing.T) {
	l := New(NewMemoryStore())
	p := Policy{Name: "strict", Window: time.Minute, MaxRequests: 1}
	handler := l.Middleware(p)(okHandler())

	makeRequestWithIP(handler, "203.0.113.1", "/")
	if w := makeRequestWithIP(handler, "203.0.113.1", "/"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("exhausted client: got %d, want 429", w.Code)
	}

	if w := makeRequestWithIP(handler, "203.0.113.2", "/"); w.Code != http.StatusOK {
		t.Fatalf("different client: got %d, want 200", w.Code)
	}
}

func TestMiddleware_PoliciesIndependentForSameClient(t *testing.T) {
	l := New(NewMemoryStore())
	transcripts := Policy{Name: "transcripts", Window: time.Minute, MaxRequests: 2}
	analytics := Policy{Name: "analytics", Window: time.Minute, MaxRequests: 2}

	mux := http.NewServeMux()
	mux.Handle("/api/transcripts", l.Middleware(transcripts)(okHandler()))
	mux.Handle("/api/analytics", l.Middleware(analytics)(okHandler()))

	makeRequestWithIP(mux, "203.0.113.1", "/api/transcripts")
	makeRequestWithIP(mux, "203.0.113.1", "/api/transcripts")
	if w := makeRequestWithIP(mux, "203.0.113.1", "/api/transcripts"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("transcripts call 3: got %d, want 429", w.Code)
	}

	if w := makeRequestWithIP(mux, "203.0.113.1", "/api/analytics"); w.Code != http.StatusOK {
		t.Fatalf("analytics for same client: got %d, want 200", w.Code)
	}
}

func TestMiddleware_FailsOpenOnStoreError(t *testing.T) {
	l := New(failStore{})
	p := Policy{Name: "read", Window: time.Minute, MaxRequests: 1}
	handler := l.Middleware(p)(okHandler())

	// well past the limit, but the store is down: everything is admitted
	for i := 0; i < 5; i++ {
		w := makeRequestWithIP(handler, "203.0.113.1", "/")
		if w.Code != http.StatusOK {
			t.Fatalf("request %d with broken store: got %d, want 200", i+1, w.Code)
		}
		// quota headers still describe the (fail-open) verdict
		if got := w.Header().Get("X-RateLimit-Limit"); got != "1" {
			t.Fatalf("request %d: X-RateLimit-Limit = %q, want 1", i+1, got)
		}
		if got := w.Header().Get("X-RateLimit-Remaining"); got != "1" {
			t.Fatalf("request %d: X-RateLimit-Remaining = %q, want 1", i+1, got)
		}
		if w.Header().Get("X-RateLimit-Reset") == "" {
			t.Fatalf("request %d: X-RateLimit-Reset missing", i+1)
		}
	}
}
