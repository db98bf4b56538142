package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithRequestID(t *testing.T) {
	t.Run("echoes caller id", func(t *testing.T) {
		var seen string
		h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = RequestID(r)
		}))
		req := httptest.NewRequest(http.MethodGet, "/api/repositories", nil)
		req.Header.Set(RequestIDHeader, "gw-42")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if seen != "gw-42" {
			t.Fatalf("context id = %q, want gw-42", seen)
		}
		if got := rec.Header().Get(RequestIDHeader); got != "gw-42" {
			t.Fatalf("response header = %q, want gw-42", got)
		}
	})

	t.Run("generates when absent", func(t *testing.T) {
		var seen string
		h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = RequestID(r)
		}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		if seen == "" {
			t.Fatal("expected a generated id in context")
		}
		if rec.Header().Get(RequestIDHeader) != seen {
			t.Fatalf("header %q does not match context id %q", rec.Header().Get(RequestIDHeader), seen)
		}
	})
}

func TestRequestIDOutsideMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	if got := RequestID(req); got != "" {
		t.Fatalf("expected empty id without middleware, got %q", got)
	}
}
