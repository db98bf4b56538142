// Package compute supervises the backend compute process that performs
// repository fetching, embedding, and language-model inference.
package compute

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const logComponent = "compute"

// Supervisor owns the compute process handle. It launches the process,
// mirrors its output into the structured log, and records its exit. It does
// not restart a crashed process: the gateway keeps serving in degraded mode
// and the forwarder converts unreachable-upstream into gateway errors.
type Supervisor struct {
	command  string
	args     []string
	workDir  string
	extraEnv []string
	baseURL  string
	logger   *slog.Logger

	httpClient *http.Client

	mu      sync.Mutex
	cmd     *exec.Cmd
	started bool
	done    chan struct{}
}

// Config wires the supervisor.
type Config struct {
	// Command is the executable that starts the compute service. Empty means
	// the compute service is managed externally and Start is a no-op.
	Command  string
	Args     []string
	WorkDir  string
	ExtraEnv []string
	// BaseURL is the compute service address used for readiness probes.
	BaseURL string
	Logger  *slog.Logger
}

func NewSupervisor(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		command:    strings.TrimSpace(cfg.Command),
		args:       cfg.Args,
		workDir:    cfg.WorkDir,
		extraEnv:   cfg.ExtraEnv,
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		logger:     logger.With("component", logComponent),
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
}

// Start launches the compute process. The process inherits the gateway's
// environment plus any configured extras. Stdout and stderr are captured and
// forwarded line by line to the structured log.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.command == "" {
		s.logger.Info("no compute command configured, assuming externally managed process")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("compute process already started")
	}

	cmd := exec.CommandContext(ctx, s.command, s.args...)
	cmd.Dir = s.workDir
	cmd.Env = append(os.Environ(), s.extraEnv...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("compute stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("compute stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		s.logger.Error("compute process failed to launch, continuing degraded", "command", s.command, "err", err)
		return fmt.Errorf("launch compute process: %w", err)
	}
	s.cmd = cmd
	s.started = true
	s.done = make(chan struct{})
	s.logger.Info("compute process started", "command", s.command, "pid", cmd.Process.Pid)

	go s.forwardLines(stdout, "stdout")
	go s.forwardLines(stderr, "stderr")
	go s.waitExit()
	return nil
}

func (s *Supervisor) forwardLines(r io.Reader, stream string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.logger.Info("compute output", "stream", stream, "line", scanner.Text())
	}
}

func (s *Supervisor) waitExit() {
	err := s.cmd.Wait()
	defer close(s.done)
	if err == nil {
		s.logger.Info("compute process exited cleanly")
		return
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		s.logger.Error("compute process exited", "code", exitErr.ExitCode())
		return
	}
	s.logger.Error("compute process wait failed", "err", err)
}

// Done returns a channel closed when a supervised process exits. It returns
// nil when no process was launched.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Stop terminates a supervised process, if any.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.cmd == nil || s.cmd.Process == nil {
		return
	}
	_ = s.cmd.Process.Kill()
}

// WaitReady polls the compute health endpoint with capped exponential
// backoff until it answers or the context expires. Readiness is advisory:
// route wiring never depends on it, and the forwarder treats an unreachable
// upstream as a transient gateway error.
func (s *Supervisor) WaitReady(ctx context.Context, backoffCap time.Duration) error {
	if s.baseURL == "" {
		return errors.New("no compute base URL configured")
	}
	if backoffCap <= 0 {
		backoffCap = 5 * time.Second
	}
	delay := 100 * time.Millisecond
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := s.httpClient.Do(req)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode < 500 {
				s.logger.Info("compute service ready", "status", resp.StatusCode)
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("compute service not ready: %w", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > backoffCap {
			delay = backoffCap
		}
	}
}
