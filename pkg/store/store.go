package store

import (
	"context"
	"time"

	"repochat/pkg/domain"
)

// Store is the persistence boundary for repositories, messages, and embedded
// chunks. All status mutation is expected to go through the ingestion state
// machine, never through direct field writes.
type Store interface {
	CreateRepository(ctx context.Context, repo domain.Repository) error
	GetRepository(ctx context.Context, id string) (domain.Repository, bool, error)
	// ListRepositories returns repositories newest-first without file bodies.
	ListRepositories(ctx context.Context) ([]domain.Repository, error)
	// ListProcessingBefore returns ids of repositories stuck in processing
	// whose last update is older than the cutoff. Used by the staleness sweep.
	ListProcessingBefore(ctx context.Context, cutoff time.Time) ([]string, error)

	// UpdateRepositoryStatus writes status plus error message. Passing
	// processed=true also stamps processed_at.
	UpdateRepositoryStatus(ctx context.Context, id string, status domain.RepositoryStatus, errMsg string, processed bool) error
	// SetRepositoryContent stores fetched files and metadata on a repository.
	SetRepositoryContent(ctx context.Context, id string, files []domain.RepoFile, meta domain.RepositoryMeta) error
	// SetVectorized flips the vectorized flag.
	SetVectorized(ctx context.Context, id string, vectorized bool) error

	// ReplaceChunks replaces the embedded chunks of a repository in one
	// transaction, preserving the supplied order.
	ReplaceChunks(ctx context.Context, repositoryID string, chunks []domain.Chunk) error
	// ListChunks returns chunks for a repository in stored order.
	ListChunks(ctx context.Context, repositoryID string) ([]domain.Chunk, error)
	// CountChunks returns the number of embedded chunks for a repository.
	CountChunks(ctx context.Context, repositoryID string) (int, error)

	AppendMessage(ctx context.Context, msg domain.Message) error
	// ListMessages returns messages for a repository in non-decreasing
	// timestamp order.
	ListMessages(ctx context.Context, repositoryID string) ([]domain.Message, error)
}
