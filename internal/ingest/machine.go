// Package ingest owns the repository lifecycle: pending, processing,
// completed or error, with vectorized as a secondary attribute of completed.
// All status mutation goes through the Machine so the lifecycle invariants
// hold regardless of which caller (API handler, embed worker, sweeper) drives
// a transition.
package ingest

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"repochat/internal/util"
	"repochat/pkg/apperr"
	"repochat/pkg/domain"
	"repochat/pkg/store"
)

// Notifier receives best-effort status events on terminal transitions.
// Implementations must not block; failures are the implementation's problem.
type Notifier interface {
	RepositoryStatusChanged(ctx context.Context, repo domain.Repository)
}

// Machine enforces the ingestion state machine over a Store.
type Machine struct {
	store    store.Store
	notifier Notifier
	logger   *slog.Logger
	locks    *lockArena
}

func NewMachine(st store.Store, notifier Notifier, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:    st,
		notifier: notifier,
		logger:   logger.With("component", "ingest"),
		locks:    newLockArena(),
	}
}

// Create inserts a new pending repository for a well-formed repository URL.
func (m *Machine) Create(ctx context.Context, rawURL string) (domain.Repository, error) {
	owner, name, err := parseRepositoryURL(rawURL)
	if err != nil {
		return domain.Repository{}, err
	}
	repo := domain.Repository{
		ID:        util.NewID(),
		URL:       strings.TrimSpace(rawURL),
		Name:      name,
		Owner:     owner,
		Status:    domain.StatusPending,
		Branch:    "main",
		Path:      "",
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateRepository(ctx, repo); err != nil {
		return domain.Repository{}, apperr.Internal("failed to create repository", err)
	}
	m.logger.Info("repository created", "repository_id", repo.ID, "url", repo.URL)
	return repo, nil
}

// CreateIngested inserts a repository that was fetched outside the gateway,
// landing directly in completed. Used by the pre-fetched create endpoint.
func (m *Machine) CreateIngested(ctx context.Context, rawURL string, meta domain.RepositoryMeta, files []domain.RepoFile) (domain.Repository, error) {
	owner, name, err := parseRepositoryURL(rawURL)
	if err != nil {
		return domain.Repository{}, err
	}
	if len(files) == 0 {
		return domain.Repository{}, apperr.Validation("repository files must not be empty")
	}
	if meta.Name == "" {
		meta.Name = name
	}
	if meta.Owner == "" {
		meta.Owner = owner
	}
	if meta.Branch == "" {
		meta.Branch = "main"
	}
	now := time.Now().UTC()
	repo := domain.Repository{
		ID:          util.NewID(),
		URL:         strings.TrimSpace(rawURL),
		Name:        meta.Name,
		Owner:       meta.Owner,
		Description: meta.Description,
		Files:       files,
		Status:      domain.StatusCompleted,
		Branch:      meta.Branch,
		Path:        meta.Path,
		CreatedAt:   now,
		ProcessedAt: &now,
	}
	if err := m.store.CreateRepository(ctx, repo); err != nil {
		return domain.Repository{}, apperr.Internal("failed to create repository", err)
	}
	m.logger.Info("repository created pre-fetched", "repository_id", repo.ID, "files", len(files))
	return repo, nil
}

// BeginProcessing transitions pending to processing. A repository already
// processing yields a ConflictError; a second fetch must never start while
// one is in flight.
func (m *Machine) BeginProcessing(ctx context.Context, id string) error {
	release := m.locks.acquire(id)
	defer release()

	repo, found, err := m.store.GetRepository(ctx, id)
	if err != nil {
		return apperr.Internal("failed to load repository", err)
	}
	if !found {
		return apperr.NotFound("repository %s not found", id)
	}
	switch repo.Status {
	case domain.StatusPending:
	case domain.StatusProcessing:
		return apperr.Conflict("repository %s is already processing", id)
	default:
		return apperr.Validation("repository %s is %s, cannot start processing", id, repo.Status)
	}
	if err := m.store.UpdateRepositoryStatus(ctx, id, domain.StatusProcessing, "", false); err != nil {
		return apperr.Internal("failed to update repository status", err)
	}
	m.logger.Info("processing started", "repository_id", id)
	return nil
}

// CompleteProcessing stores fetched files and metadata and transitions
// processing to completed, stamping processed_at.
func (m *Machine) CompleteProcessing(ctx context.Context, id string, files []domain.RepoFile, meta domain.RepositoryMeta) error {
	release := m.locks.acquire(id)
	defer release()

	repo, found, err := m.store.GetRepository(ctx, id)
	if err != nil {
		return apperr.Internal("failed to load repository", err)
	}
	if !found {
		return apperr.NotFound("repository %s not found", id)
	}
	if repo.Status != domain.StatusProcessing {
		return apperr.Validation("repository %s is %s, cannot complete processing", id, repo.Status)
	}
	if len(files) == 0 {
		return m.failLocked(ctx, id, "fetch returned no files")
	}
	if err := m.store.SetRepositoryContent(ctx, id, files, meta); err != nil {
		return apperr.Internal("failed to store repository content", err)
	}
	if err := m.store.UpdateRepositoryStatus(ctx, id, domain.StatusCompleted, "", true); err != nil {
		return apperr.Internal("failed to update repository status", err)
	}
	m.logger.Info("processing completed", "repository_id", id, "files", len(files))
	m.notify(ctx, id)
	return nil
}

// FailProcessing transitions processing to error with a reason.
func (m *Machine) FailProcessing(ctx context.Context, id, reason string) error {
	release := m.locks.acquire(id)
	defer release()
	return m.failLocked(ctx, id, reason)
}

func (m *Machine) failLocked(ctx context.Context, id, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "processing failed"
	}
	repo, found, err := m.store.GetRepository(ctx, id)
	if err != nil {
		return apperr.Internal("failed to load repository", err)
	}
	if !found {
		return apperr.NotFound("repository %s not found", id)
	}
	if repo.Status != domain.StatusProcessing && repo.Status != domain.StatusCompleted {
		return apperr.Validation("repository %s is %s, cannot mark failed", id, repo.Status)
	}
	if err := m.store.UpdateRepositoryStatus(ctx, id, domain.StatusError, reason, false); err != nil {
		return apperr.Internal("failed to update repository status", err)
	}
	m.logger.Warn("processing failed", "repository_id", id, "reason", reason)
	m.notify(ctx, id)
	return nil
}

// BeginEmbedding reports whether an embedding run should proceed. An already
// vectorized repository yields (false, nil): re-triggering embedding is an
// idempotent no-op, not an error, because UI polling can race a legitimate
// re-trigger.
func (m *Machine) BeginEmbedding(ctx context.Context, id string) (bool, error) {
	release := m.locks.acquire(id)
	defer release()

	repo, found, err := m.store.GetRepository(ctx, id)
	if err != nil {
		return false, apperr.Internal("failed to load repository", err)
	}
	if !found {
		return false, apperr.NotFound("repository %s not found", id)
	}
	if repo.Vectorized {
		return false, nil
	}
	if repo.Status != domain.StatusCompleted {
		return false, apperr.Validation("repository %s is %s, embedding requires completed", id, repo.Status)
	}
	return true, nil
}

// CompleteEmbedding stores embedded chunks and flips vectorized. Invoking it
// on an already vectorized repository succeeds without touching the stored
// vectors.
func (m *Machine) CompleteEmbedding(ctx context.Context, id string, chunks []domain.Chunk) error {
	release := m.locks.acquire(id)
	defer release()

	repo, found, err := m.store.GetRepository(ctx, id)
	if err != nil {
		return apperr.Internal("failed to load repository", err)
	}
	if !found {
		return apperr.NotFound("repository %s not found", id)
	}
	if repo.Vectorized {
		return nil
	}
	if repo.Status != domain.StatusCompleted {
		return apperr.Validation("repository %s is %s, embedding requires completed", id, repo.Status)
	}
	if len(chunks) == 0 {
		return apperr.Validation("embedding result must not be empty")
	}
	for i := range chunks {
		if chunks[i].ID == "" {
			chunks[i].ID = util.NewID()
		}
		chunks[i].RepositoryID = id
		chunks[i].Position = i
		if len(chunks[i].Embedding) == 0 {
			return apperr.Validation("chunk %d has no embedding", i)
		}
	}
	if err := m.store.ReplaceChunks(ctx, id, chunks); err != nil {
		return apperr.Internal("failed to store embedded chunks", err)
	}
	if err := m.store.SetVectorized(ctx, id, true); err != nil {
		return apperr.Internal("failed to mark repository vectorized", err)
	}
	m.logger.Info("embedding completed", "repository_id", id, "chunks", len(chunks))
	m.notify(ctx, id)
	return nil
}

// FailEmbedding marks a repository whose embedding run exhausted its retries.
func (m *Machine) FailEmbedding(ctx context.Context, id, reason string) error {
	release := m.locks.acquire(id)
	defer release()
	if strings.TrimSpace(reason) == "" {
		reason = "embedding failed"
	}
	return m.failLocked(ctx, id, reason)
}

func (m *Machine) notify(ctx context.Context, id string) {
	if m.notifier == nil {
		return
	}
	repo, found, err := m.store.GetRepository(ctx, id)
	if err != nil || !found {
		return
	}
	m.notifier.RepositoryStatusChanged(ctx, repo)
}

// parseRepositoryURL validates an absolute http(s) repository URL with at
// least owner and name path segments.
func parseRepositoryURL(rawURL string) (owner, name string, err error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", "", apperr.Validation("repository url is required")
	}
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil {
		return "", "", apperr.Validation("repository url is malformed")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", apperr.Validation("repository url must be http or https")
	}
	if u.Host == "" {
		return "", "", apperr.Validation("repository url must include a host")
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", apperr.Validation("repository url must include owner and name")
	}
	name = strings.TrimSuffix(parts[1], ".git")
	if name == "" {
		return "", "", apperr.Validation("repository url must include owner and name")
	}
	return parts[0], name, nil
}
