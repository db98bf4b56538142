// Package server exposes the gateway's HTTP API: repository and message
// CRUD, the ingestion entry point, chat, and the transparent passthrough to
// the compute service.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"repochat/internal/computeclient"
	"repochat/internal/ingest"
	"repochat/internal/proxy"
	"repochat/internal/ratelimit"
	"repochat/internal/retrieval"
	"repochat/internal/snapshot"
	"repochat/internal/util"
	"repochat/pkg/domain"
	"repochat/pkg/queue"
	"repochat/pkg/store"
)

// ComputeGateway is the subset of the compute client the handlers use.
type ComputeGateway interface {
	ProcessRepository(ctx context.Context, req computeclient.ProcessRequest) (computeclient.ProcessResult, error)
	Chat(ctx context.Context, turn domain.ChatTurn, contextText string) (string, error)
}

// Enqueuer enqueues embedding jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, repositoryID string) (queue.JobStatus, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	Store     store.Store
	Machine   *ingest.Machine
	Assembler *retrieval.Assembler
	Forwarder *proxy.Forwarder
	Compute   ComputeGateway
	Queue     Enqueuer
	Archiver  *snapshot.Archiver

	RedisAddr                 string
	RedisPassword             string
	ProcessRateLimitPerMinute int
	TrustedProxies            *util.TrustedProxies

	// ProcessTimeout bounds the synchronous fetch call during ingestion;
	// ChatTimeout bounds the model call of a chat turn.
	ProcessTimeout time.Duration
	ChatTimeout    time.Duration

	Logger *slog.Logger
}

// Server exposes HTTP endpoints for the gateway.
type Server struct {
	store          store.Store
	machine        *ingest.Machine
	assembler      *retrieval.Assembler
	forwarder      *proxy.Forwarder
	compute        ComputeGateway
	queue          Enqueuer
	archiver       *snapshot.Archiver
	trustedProxies *util.TrustedProxies
	processTimeout time.Duration
	chatTimeout    time.Duration
	logger         *slog.Logger
	mux            *http.ServeMux
	processLimiter *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured. A zero
// ProcessRateLimitPerMinute disables rate limiting; a positive value requires
// a reachable Redis.
func New(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var processLimiter *ratelimit.FixedWindowLimiter
	if cfg.ProcessRateLimitPerMinute > 0 {
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(
			cfg.RedisAddr, cfg.RedisPassword,
			"repochat:ratelimit:process",
			cfg.ProcessRateLimitPerMinute, time.Minute,
		)
		if err != nil {
			return nil, fmt.Errorf("init process limiter: %w", err)
		}
		processLimiter = limiter
	}
	processTimeout := cfg.ProcessTimeout
	if processTimeout <= 0 {
		processTimeout = 2 * time.Minute
	}
	chatTimeout := cfg.ChatTimeout
	if chatTimeout <= 0 {
		chatTimeout = 2 * time.Minute
	}
	s := &Server{
		store:          cfg.Store,
		machine:        cfg.Machine,
		assembler:      cfg.Assembler,
		forwarder:      cfg.Forwarder,
		compute:        cfg.Compute,
		queue:          cfg.Queue,
		archiver:       cfg.Archiver,
		trustedProxies: cfg.TrustedProxies,
		processTimeout: processTimeout,
		chatTimeout:    chatTimeout,
		logger:         logger.With("component", "server"),
		mux:            http.NewServeMux(),
		processLimiter: processLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler wrapped in the middleware chain.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("gateway", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// repositories & messages
	s.mux.HandleFunc("/api/repositories", s.handleRepositories)
	s.mux.HandleFunc("/api/repositories/", s.handleRepositoryByID)

	// ingestion & chat
	s.mux.HandleFunc("/api/github/repositories", s.handleListRepositories)
	s.mux.HandleFunc("/api/github/process", s.handleProcess)
	s.mux.HandleFunc("/api/chat/message", s.handleChat)

	// everything else under the github prefix passes through to the compute
	// service untouched
	if s.forwarder != nil {
		s.mux.HandleFunc("/api/github/", s.handlePassthrough)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	s.forwarder.Forward(w, r)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request) bool {
	if s.processLimiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if s.processLimiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	util.WriteJSON(w, http.StatusTooManyRequests, util.ErrorResponse{Message: "too many processing requests"})
	return false
}

func methodNotAllowed(w http.ResponseWriter) {
	util.WriteJSON(w, http.StatusMethodNotAllowed, util.ErrorResponse{Message: "method not allowed"})
}
