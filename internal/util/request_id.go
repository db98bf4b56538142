package util

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// RequestIDHeader correlates gateway logs with compute service logs: the
// header is echoed on the response and forwarded upstream by the proxy.
const RequestIDHeader = "X-Request-Id"

type requestIDKey struct{}

// WithRequestID assigns every request an id, keeping a caller-supplied one
// when present. The id is stored in the context alongside a logger already
// tagged with it, so handlers log correlated lines via LoggerFromContext.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" {
			id = NewID()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		ctx = ContextWithLogger(ctx, slog.Default().With("request_id", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned to the request, or "" outside the
// middleware.
func RequestID(r *http.Request) string {
	if r == nil {
		return ""
	}
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}
