package store

import (
	"context"
	"testing"
	"time"

	"repochat/pkg/domain"
)

func seedRepo(t *testing.T, st *MemoryStore, id string, createdAt time.Time) {
	t.Helper()
	err := st.CreateRepository(context.Background(), domain.Repository{
		ID:        id,
		URL:       "https://github.com/acme/" + id,
		Name:      id,
		Owner:     "acme",
		Status:    domain.StatusPending,
		Files:     []domain.RepoFile{{Name: "a.go", Content: "package a"}},
		CreatedAt: createdAt,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestListRepositoriesNewestFirstWithoutFiles(t *testing.T) {
	st := NewMemoryStore()
	base := time.Now().UTC()
	seedRepo(t, st, "older", base.Add(-time.Hour))
	seedRepo(t, st, "newer", base)

	repos, err := st.ListRepositories(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(repos) != 2 {
		t.Fatalf("expected 2 repositories, got %d", len(repos))
	}
	if repos[0].ID != "newer" || repos[1].ID != "older" {
		t.Fatalf("unexpected order: %s, %s", repos[0].ID, repos[1].ID)
	}
	for _, repo := range repos {
		if repo.Files != nil {
			t.Fatalf("list must omit file bodies")
		}
	}

	// The full record still carries files.
	got, found, _ := st.GetRepository(context.Background(), "newer")
	if !found || len(got.Files) != 1 {
		t.Fatalf("get lost files: found=%v files=%d", found, len(got.Files))
	}
}

func TestUpdateRepositoryStatusStampsProcessedAt(t *testing.T) {
	st := NewMemoryStore()
	seedRepo(t, st, "r1", time.Now().UTC())
	ctx := context.Background()

	if err := st.UpdateRepositoryStatus(ctx, "r1", domain.StatusCompleted, "", true); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _, _ := st.GetRepository(ctx, "r1")
	if got.ProcessedAt == nil {
		t.Fatalf("expected processed_at")
	}

	if err := st.UpdateRepositoryStatus(ctx, "missing", domain.StatusError, "x", false); err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestListProcessingBeforeHonorsCutoff(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	seedRepo(t, st, "stale", now)
	seedRepo(t, st, "fresh", now)
	seedRepo(t, st, "done", now)

	_ = st.UpdateRepositoryStatus(ctx, "stale", domain.StatusProcessing, "", false)
	_ = st.UpdateRepositoryStatus(ctx, "fresh", domain.StatusProcessing, "", false)
	_ = st.UpdateRepositoryStatus(ctx, "done", domain.StatusCompleted, "", true)
	st.TouchUpdatedAt("stale", now.Add(-time.Hour))

	ids, err := st.ListProcessingBefore(ctx, now.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("list processing: %v", err)
	}
	if len(ids) != 1 || ids[0] != "stale" {
		t.Fatalf("expected [stale], got %v", ids)
	}
}

func TestReplaceChunksAssignsPositions(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	chunks := []domain.Chunk{
		{ID: "c1", Content: "one", Embedding: []float32{1}},
		{ID: "c2", Content: "two", Embedding: []float32{2}},
	}
	if err := st.ReplaceChunks(ctx, "r1", chunks); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, _ := st.ListChunks(ctx, "r1")
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(got))
	}
	for i, chunk := range got {
		if chunk.Position != i || chunk.RepositoryID != "r1" {
			t.Fatalf("chunk %d not normalized: %+v", i, chunk)
		}
	}

	// Replace, not append.
	if err := st.ReplaceChunks(ctx, "r1", chunks[:1]); err != nil {
		t.Fatalf("replace again: %v", err)
	}
	count, _ := st.CountChunks(ctx, "r1")
	if count != 1 {
		t.Fatalf("expected 1 chunk after replace, got %d", count)
	}
}

func TestListMessagesSortsByTimestamp(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, offset := range []time.Duration{time.Second, 3 * time.Second, 0} {
		err := st.AppendMessage(ctx, domain.Message{
			ID:           string(rune('a' + i)),
			RepositoryID: "r1",
			Role:         domain.RoleUser,
			Content:      "m",
			CreatedAt:    base.Add(offset),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	msgs, err := st.ListMessages(ctx, "r1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("messages out of order at %d", i)
		}
	}
}
