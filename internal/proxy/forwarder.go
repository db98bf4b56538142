// Package proxy forwards API traffic to the compute service. It rewrites the
// gateway's public prefixes onto the compute service's route space and maps
// upstream failures into the gateway's error taxonomy.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"repochat/internal/servicetoken"
	"repochat/internal/util"
	"repochat/pkg/apperr"
)

// Route describes one proxied route class. Prefix is matched against the
// incoming path, RewritePrefix replaces it on the upstream request, and
// Timeout bounds the whole upstream exchange for that class.
type Route struct {
	Prefix        string
	RewritePrefix string
	Timeout       time.Duration
}

// Forwarder proxies requests to a single upstream compute service.
type Forwarder struct {
	upstream *url.URL
	routes   []Route
	signer   *servicetoken.Signer
	audience string
	logger   *slog.Logger

	transport http.RoundTripper
}

// Config wires a forwarder.
type Config struct {
	// UpstreamURL is the compute service base URL, e.g. http://127.0.0.1:8001.
	UpstreamURL string
	Routes      []Route
	// Signer, when non-nil, attaches an internal service token to every
	// forwarded request.
	Signer   *servicetoken.Signer
	Audience string
	Logger   *slog.Logger
}

func NewForwarder(cfg Config) (*Forwarder, error) {
	upstream, err := url.Parse(strings.TrimSpace(cfg.UpstreamURL))
	if err != nil {
		return nil, fmt.Errorf("parse upstream URL: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("upstream URL %q must include scheme and host", cfg.UpstreamURL)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		upstream:  upstream,
		routes:    cfg.Routes,
		signer:    cfg.Signer,
		audience:  cfg.Audience,
		logger:    logger.With("component", "proxy"),
		transport: http.DefaultTransport,
	}, nil
}

// route returns the route class for a path, or a zero Route when no prefix
// matches. Longest prefix wins so /api/chat can shadow /api.
func (f *Forwarder) route(path string) (Route, bool) {
	var best Route
	found := false
	for _, r := range f.routes {
		if !strings.HasPrefix(path, r.Prefix) {
			continue
		}
		if !found || len(r.Prefix) > len(best.Prefix) {
			best = r
			found = true
		}
	}
	return best, found
}

// rewritePath swaps the matched public prefix for the upstream prefix.
func rewritePath(path string, route Route) string {
	rest := strings.TrimPrefix(path, route.Prefix)
	if rest == "" || !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	rewritten := strings.TrimRight(route.RewritePrefix, "/") + rest
	if rewritten == "" {
		rewritten = "/"
	}
	return rewritten
}

// Forward proxies the request as-is (streaming the original body) to the
// upstream, applying the route's prefix rewrite and timeout.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request) {
	f.forward(w, r, nil)
}

// ForwardParsed proxies a request whose body the gateway has already parsed
// and possibly acted on. The parsed value is re-serialized as the upstream
// body, with Content-Type and Content-Length set to match the new bytes, so
// the upstream never sees a length from the original request paired with a
// different payload.
func (f *Forwarder) ForwardParsed(w http.ResponseWriter, r *http.Request, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		f.writeError(w, r, apperr.Internal("failed to encode upstream request", err))
		return
	}
	f.forward(w, r, payload)
}

func (f *Forwarder) forward(w http.ResponseWriter, r *http.Request, replacedBody []byte) {
	route, ok := f.route(r.URL.Path)
	if !ok {
		f.writeError(w, r, apperr.NotFound("no upstream route for %s", r.URL.Path))
		return
	}

	ctx := r.Context()
	cancel := context.CancelFunc(func() {})
	if route.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, route.Timeout)
	}
	defer cancel()

	start := time.Now()
	status := 0
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(f.upstream)
			pr.Out.URL.Path = rewritePath(r.URL.Path, route)
			pr.Out.URL.RawPath = ""
			pr.Out.Host = f.upstream.Host
			pr.SetXForwarded()
			if replacedBody != nil {
				pr.Out.Body = io.NopCloser(bytes.NewReader(replacedBody))
				pr.Out.ContentLength = int64(len(replacedBody))
				pr.Out.Header.Set("Content-Type", "application/json")
				pr.Out.Header.Set("Content-Length", strconv.Itoa(len(replacedBody)))
			}
			if f.signer != nil {
				if err := f.signer.Attach(pr.Out, f.audience); err != nil {
					f.logger.Error("failed to sign service token", "err", err)
				}
			}
		},
		Transport: f.transport,
		ModifyResponse: func(resp *http.Response) error {
			status = resp.StatusCode
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			f.writeError(w, r, classifyUpstreamError(err))
		},
	}
	rp.ServeHTTP(w, r.WithContext(ctx))

	if status != 0 {
		f.logger.Info("proxied request",
			"method", r.Method,
			"path", r.URL.Path,
			"upstream_path", rewritePath(r.URL.Path, route),
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// classifyUpstreamError separates deadline failures from connection failures
// so clients can tell "compute is slow" from "compute is down".
func classifyUpstreamError(err error) *apperr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.UpstreamTimeout("compute service timed out", err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.UpstreamTimeout("compute service timed out", err)
	}
	return apperr.UpstreamUnavailable("compute service unavailable", err)
}

func (f *Forwarder) writeError(w http.ResponseWriter, r *http.Request, appErr *apperr.Error) {
	f.logger.Warn("proxy error",
		"method", r.Method,
		"path", r.URL.Path,
		"status", appErr.HTTPStatus(),
		"err", appErr.Error(),
	)
	util.WriteAppError(w, appErr)
}
