// Package retrieval gathers admissible embedded content for a chat turn and
// imposes the ordering and size policy. Relevance ranking belongs to the
// compute service; everything here is deterministic and model-free.
package retrieval

import (
	"context"
	"log/slog"
	"strings"

	"repochat/pkg/apperr"
	"repochat/pkg/domain"
	"repochat/pkg/store"
)

// DefaultMaxContextBytes bounds the assembled context when no limit is
// configured.
const DefaultMaxContextBytes = 512 * 1024

// Assembler builds bounded retrieval context from vectorized repositories.
type Assembler struct {
	store    store.Store
	maxBytes int
	logger   *slog.Logger
}

func NewAssembler(st store.Store, maxBytes int, logger *slog.Logger) *Assembler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxContextBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		store:    st,
		maxBytes: maxBytes,
		logger:   logger.With("component", "retrieval"),
	}
}

// Assemble validates every referenced repository and concatenates their
// chunks: repositories in caller-supplied order, chunks in stored order,
// stopping at the byte budget. Any non-vectorized repository rejects the
// whole turn before any content is gathered; there is no partial retrieval.
// Truncation is silent to the caller but logged.
func (a *Assembler) Assemble(ctx context.Context, repositoryIDs []string) (string, error) {
	if len(repositoryIDs) == 0 {
		return "", apperr.Validation("at least one repository id is required")
	}

	// Admission pass first so a rejection never reads chunk content.
	repos := make([]domain.Repository, 0, len(repositoryIDs))
	for _, id := range repositoryIDs {
		repo, found, err := a.store.GetRepository(ctx, id)
		if err != nil {
			return "", apperr.Internal("failed to load repository", err)
		}
		if !found {
			return "", apperr.NotFound("repository %s not found", id)
		}
		if !repo.Vectorized {
			return "", apperr.Validation("repository %s is not vectorized", id)
		}
		repos = append(repos, repo)
	}

	var sb strings.Builder
	total := 0
	truncated := false

assembly:
	for _, repo := range repos {
		chunks, err := a.store.ListChunks(ctx, repo.ID)
		if err != nil {
			return "", apperr.Internal("failed to load repository chunks", err)
		}
		for _, chunk := range chunks {
			section := formatChunk(repo, chunk)
			if total+len(section) > a.maxBytes {
				remaining := a.maxBytes - total
				if remaining > 0 {
					sb.WriteString(section[:remaining])
					total += remaining
				}
				truncated = true
				break assembly
			}
			sb.WriteString(section)
			total += len(section)
		}
	}

	if truncated {
		a.logger.Info("retrieval context truncated",
			"repositories", len(repos),
			"max_bytes", a.maxBytes,
			"bytes", total,
		)
	}
	return sb.String(), nil
}

func formatChunk(repo domain.Repository, chunk domain.Chunk) string {
	var sb strings.Builder
	sb.WriteString("### ")
	sb.WriteString(repo.Owner)
	sb.WriteString("/")
	sb.WriteString(repo.Name)
	if chunk.FileName != "" {
		sb.WriteString(" ")
		sb.WriteString(chunk.FileName)
	}
	sb.WriteString("\n")
	sb.WriteString(chunk.Content)
	sb.WriteString("\n\n")
	return sb.String()
}
