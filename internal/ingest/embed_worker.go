package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"repochat/internal/computeclient"
	"repochat/pkg/apperr"
	"repochat/pkg/domain"
	"repochat/pkg/queue"
	"repochat/pkg/store"
)

const (
	// maxChunkBytes splits oversized files so a single chunk stays within
	// what the embedding model accepts.
	maxChunkBytes = 8 * 1024
	// embedBatchSize is how many chunks go into one compute call.
	embedBatchSize = 16
	// embedParallelism bounds concurrent compute calls per job.
	embedParallelism = 4
)

// EmbedWorker turns queued embed jobs into stored vectors. It loads the
// repository's files, chunks them, embeds the chunks through the compute
// service, and drives the state machine to its terminal embedding state.
type EmbedWorker struct {
	machine *Machine
	store   store.Store
	compute *computeclient.Client
	logger  *slog.Logger
}

func NewEmbedWorker(machine *Machine, st store.Store, compute *computeclient.Client, logger *slog.Logger) *EmbedWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmbedWorker{
		machine: machine,
		store:   st,
		compute: compute,
		logger:  logger.With("component", "embed-worker"),
	}
}

// Handle processes one job. A nil return acks the job; an error lets the
// queue retry until the budget is spent, after which HandleExhausted runs.
// Only errors a retry cannot fix (bad input, missing repository) are acked.
func (w *EmbedWorker) Handle(ctx context.Context, job queue.JobStatus) error {
	id := job.RepositoryID
	proceed, err := w.machine.BeginEmbedding(ctx, id)
	if err != nil {
		if apperr.IsKind(err, apperr.KindValidation) || apperr.IsKind(err, apperr.KindNotFound) {
			w.logger.Warn("embed job rejected", "repository_id", id, "err", err)
			return nil
		}
		return fmt.Errorf("begin embedding for %s: %w", id, err)
	}
	if !proceed {
		w.logger.Info("repository already vectorized, skipping", "repository_id", id)
		return nil
	}

	repo, found, err := w.store.GetRepository(ctx, id)
	if err != nil {
		return fmt.Errorf("load repository %s: %w", id, err)
	}
	if !found {
		w.logger.Warn("embed job for missing repository", "repository_id", id)
		return nil
	}

	chunks := chunkFiles(repo.Files)
	if len(chunks) == 0 {
		return w.machine.FailEmbedding(ctx, id, "repository has no embeddable content")
	}

	if err := w.embedChunks(ctx, chunks); err != nil {
		return fmt.Errorf("embed repository %s: %w", id, err)
	}
	if err := w.machine.CompleteEmbedding(ctx, id, chunks); err != nil {
		return fmt.Errorf("complete embedding for %s: %w", id, err)
	}
	return nil
}

// HandleExhausted marks the repository failed once the queue's retry budget
// is spent.
func (w *EmbedWorker) HandleExhausted(ctx context.Context, job queue.JobStatus, cause string) {
	if err := w.machine.FailEmbedding(ctx, job.RepositoryID, cause); err != nil {
		w.logger.Warn("failed to mark repository after exhausted retries", "repository_id", job.RepositoryID, "err", err)
	}
}

// embedChunks fills the Embedding field of every chunk in place, batching
// compute calls with bounded parallelism.
func (w *EmbedWorker) embedChunks(ctx context.Context, chunks []domain.Chunk) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedParallelism)

	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		// Each goroutine writes a disjoint slice of the chunk array.
		batch := chunks[start:end]
		g.Go(func() error {
			inputs := make([]string, len(batch))
			for i, chunk := range batch {
				inputs[i] = chunk.Content
			}
			vectors, err := w.compute.Embeddings(gctx, inputs)
			if err != nil {
				return err
			}
			for i := range batch {
				batch[i].Embedding = vectors[i]
			}
			return nil
		})
	}
	return g.Wait()
}

// chunkFiles produces chunks in file order, splitting files that exceed the
// per-chunk byte limit.
func chunkFiles(files []domain.RepoFile) []domain.Chunk {
	var chunks []domain.Chunk
	for _, file := range files {
		content := file.Content
		if content == "" {
			continue
		}
		for len(content) > 0 {
			piece := content
			if len(piece) > maxChunkBytes {
				piece = piece[:maxChunkBytes]
			}
			content = content[len(piece):]
			chunks = append(chunks, domain.Chunk{
				FileName: file.Name,
				Content:  piece,
			})
		}
	}
	return chunks
}
