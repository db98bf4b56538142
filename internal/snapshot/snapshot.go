// Package snapshot archives the raw fetched file set of a repository in
// object storage. The archive is a convenience for operators and re-ingestion
// tooling; losing it never affects ingestion correctness.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"repochat/pkg/domain"
	"repochat/pkg/storage"
)

// DefaultPresignExpiry bounds how long an archive download link stays valid.
const DefaultPresignExpiry = 15 * time.Minute

// Archiver writes and serves repository snapshots. A nil Archiver is a valid
// no-op for deployments without object storage.
type Archiver struct {
	store  storage.ObjectStore
	logger *slog.Logger
}

func NewArchiver(store storage.ObjectStore, logger *slog.Logger) *Archiver {
	if store == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{store: store, logger: logger.With("component", "snapshot")}
}

type archiveDocument struct {
	RepositoryID string            `json:"repositoryId"`
	URL          string            `json:"url"`
	Name         string            `json:"name"`
	Owner        string            `json:"owner"`
	Branch       string            `json:"branch"`
	Path         string            `json:"path"`
	FetchedAt    time.Time         `json:"fetchedAt"`
	Files        []domain.RepoFile `json:"files"`
}

// Save writes the repository's fetched files as a JSON document. Failures are
// logged and swallowed.
func (a *Archiver) Save(ctx context.Context, repo domain.Repository) {
	if a == nil {
		return
	}
	doc := archiveDocument{
		RepositoryID: repo.ID,
		URL:          repo.URL,
		Name:         repo.Name,
		Owner:        repo.Owner,
		Branch:       repo.Branch,
		Path:         repo.Path,
		FetchedAt:    time.Now().UTC(),
		Files:        repo.Files,
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		a.logger.Warn("failed to encode snapshot", "repository_id", repo.ID, "err", err)
		return
	}
	key := objectKey(repo.ID)
	if err := a.store.Put(ctx, key, bytes.NewReader(payload), int64(len(payload)), "application/json"); err != nil {
		a.logger.Warn("failed to archive snapshot", "repository_id", repo.ID, "key", key, "err", err)
		return
	}
	a.logger.Info("snapshot archived", "repository_id", repo.ID, "key", key, "bytes", len(payload))
}

// PresignGet returns a time-limited download URL for a repository's snapshot.
// The second return is false when no snapshot exists.
func (a *Archiver) PresignGet(ctx context.Context, repositoryID string) (string, bool, error) {
	if a == nil {
		return "", false, nil
	}
	key := objectKey(repositoryID)
	exists, err := a.store.Exists(ctx, key)
	if err != nil {
		return "", false, err
	}
	if !exists {
		return "", false, nil
	}
	url, err := a.store.PresignGet(ctx, key, DefaultPresignExpiry)
	if err != nil {
		return "", false, err
	}
	return url, true, nil
}

// Enabled reports whether archiving is configured.
func (a *Archiver) Enabled() bool { return a != nil }

func objectKey(repositoryID string) string {
	return fmt.Sprintf("snapshots/%s.json", repositoryID)
}
