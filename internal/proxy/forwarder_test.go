package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"repochat/internal/servicetoken"
)

func newTestForwarder(t *testing.T, upstreamURL string, routes []Route, signer *servicetoken.Signer) *Forwarder {
	t.Helper()
	f, err := NewForwarder(Config{
		UpstreamURL: upstreamURL,
		Routes:      routes,
		Signer:      signer,
		Audience:    "compute",
	})
	if err != nil {
		t.Fatalf("new forwarder: %v", err)
	}
	return f
}

func TestForwardParsedRewritesPathAndPreservesBody(t *testing.T) {
	type upstreamCapture struct {
		path          string
		method        string
		contentType   string
		contentLength string
		body          []byte
	}
	captured := make(chan upstreamCapture, 1)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		captured <- upstreamCapture{
			path:          r.URL.Path,
			method:        r.Method,
			contentType:   r.Header.Get("Content-Type"),
			contentLength: r.Header.Get("Content-Length"),
			body:          body,
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	f := newTestForwarder(t, upstream.URL, []Route{
		{Prefix: "/api/github", RewritePrefix: "/github", Timeout: 5 * time.Second},
	}, nil)

	parsed := map[string]string{"url": "https://example.com/a/b"}
	want, _ := json.Marshal(parsed)

	// The handler drained the original body before forwarding; the forwarder
	// must re-serialize the parsed value, not replay the drained stream.
	req := httptest.NewRequest(http.MethodPost, "/api/github/process", bytes.NewReader([]byte("{}")))
	_, _ = io.ReadAll(req.Body)
	rec := httptest.NewRecorder()
	f.ForwardParsed(rec, req, parsed)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	got := <-captured
	if got.path != "/github/process" {
		t.Fatalf("expected rewritten path /github/process, got %s", got.path)
	}
	if got.method != http.MethodPost {
		t.Fatalf("expected POST, got %s", got.method)
	}
	if !bytes.Equal(got.body, want) {
		t.Fatalf("body mismatch:\nwant %s\ngot  %s", want, got.body)
	}
	if got.contentType != "application/json" {
		t.Fatalf("expected application/json, got %q", got.contentType)
	}
	if got.contentLength != strconv.Itoa(len(want)) {
		t.Fatalf("expected content-length %d, got %q", len(want), got.contentLength)
	}
}

func TestForwardAttachesServiceToken(t *testing.T) {
	received := make(chan string, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Get(servicetoken.Header)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	signer := servicetoken.NewSigner("shared-secret", "gateway", time.Minute)
	f := newTestForwarder(t, upstream.URL, []Route{
		{Prefix: "/api/github", RewritePrefix: "/github", Timeout: 5 * time.Second},
	}, signer)

	req := httptest.NewRequest(http.MethodGet, "/api/github/health", nil)
	rec := httptest.NewRecorder()
	f.Forward(rec, req)

	raw := <-received
	if raw == "" {
		t.Fatalf("expected service token header on forwarded request")
	}
	verifier, err := servicetoken.NewVerifier("shared-secret", "gateway", "compute")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if _, err := verifier.Verify(raw); err != nil {
		t.Fatalf("verify forwarded token: %v", err)
	}
}

func TestForwardUpstreamTimeoutYields504(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer upstream.Close()
	defer close(release)

	f := newTestForwarder(t, upstream.URL, []Route{
		{Prefix: "/api/chat", RewritePrefix: "/chat", Timeout: 100 * time.Millisecond},
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/chat/message", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()

	start := time.Now()
	f.Forward(rec, req)
	elapsed := time.Since(start)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d: %s", rec.Code, rec.Body.String())
	}
	if elapsed > 2*time.Second {
		t.Fatalf("timeout response took too long: %s", elapsed)
	}
	var errResp struct {
		Message string `json:"message"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if errResp.Message == "" {
		t.Fatalf("expected error message in body")
	}
}

func TestForwardUnreachableUpstreamYields502(t *testing.T) {
	// A server that is immediately closed leaves a port nothing listens on.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	f := newTestForwarder(t, upstream.URL, []Route{
		{Prefix: "/api/github", RewritePrefix: "/github", Timeout: 2 * time.Second},
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/github/repositories", nil)
	rec := httptest.NewRecorder()
	f.Forward(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", rec.Code, rec.Body.String())
	}
	var errResp struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if errResp.Message != "compute service unavailable" {
		t.Fatalf("unexpected message %q", errResp.Message)
	}
}

func TestRouteMatchingPrefersLongestPrefix(t *testing.T) {
	f := newTestForwarder(t, "http://127.0.0.1:1", []Route{
		{Prefix: "/api", RewritePrefix: "/", Timeout: time.Second},
		{Prefix: "/api/chat", RewritePrefix: "/chat", Timeout: time.Minute},
	}, nil)

	route, ok := f.route("/api/chat/message")
	if !ok || route.Prefix != "/api/chat" {
		t.Fatalf("expected /api/chat route, got %+v ok=%v", route, ok)
	}
	route, ok = f.route("/api/other")
	if !ok || route.Prefix != "/api" {
		t.Fatalf("expected /api route, got %+v ok=%v", route, ok)
	}
	if _, ok := f.route("/unmatched"); ok {
		t.Fatalf("expected no route for unmatched path")
	}
}

func TestRewritePath(t *testing.T) {
	cases := []struct {
		path  string
		route Route
		want  string
	}{
		{"/api/github/process", Route{Prefix: "/api/github", RewritePrefix: "/github"}, "/github/process"},
		{"/api/github", Route{Prefix: "/api/github", RewritePrefix: "/github"}, "/github/"},
		{"/api/chat/message", Route{Prefix: "/api/chat", RewritePrefix: "/chat"}, "/chat/message"},
		{"/api/list", Route{Prefix: "/api", RewritePrefix: "/"}, "/list"},
	}
	for _, tc := range cases {
		if got := rewritePath(tc.path, tc.route); got != tc.want {
			t.Fatalf("rewritePath(%q): want %q, got %q", tc.path, tc.want, got)
		}
	}
}
