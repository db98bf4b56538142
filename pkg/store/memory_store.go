package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"repochat/pkg/domain"
)

// MemoryStore is an in-memory Store used by tests. It mirrors GormStore
// semantics, including the updated_at bookkeeping the staleness sweep
// depends on.
type MemoryStore struct {
	mu        sync.RWMutex
	repos     map[string]domain.Repository
	updatedAt map[string]time.Time
	chunks    map[string][]domain.Chunk
	messages  map[string][]domain.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		repos:     make(map[string]domain.Repository),
		updatedAt: make(map[string]time.Time),
		chunks:    make(map[string][]domain.Chunk),
		messages:  make(map[string][]domain.Message),
	}
}

func (s *MemoryStore) CreateRepository(_ context.Context, repo domain.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[repo.ID] = repo
	s.updatedAt[repo.ID] = repo.CreatedAt
	return nil
}

func (s *MemoryStore) GetRepository(_ context.Context, id string) (domain.Repository, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	repo, ok := s.repos[id]
	return repo, ok, nil
}

func (s *MemoryStore) ListRepositories(_ context.Context) ([]domain.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]domain.Repository, 0, len(s.repos))
	for _, repo := range s.repos {
		repo.Files = nil
		res = append(res, repo)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

func (s *MemoryStore) ListProcessingBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, repo := range s.repos {
		if repo.Status == domain.StatusProcessing && s.updatedAt[id].Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) UpdateRepositoryStatus(_ context.Context, id string, status domain.RepositoryStatus, errMsg string, processed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repos[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	repo.Status = status
	repo.ErrorMessage = errMsg
	if processed {
		now := time.Now().UTC()
		repo.ProcessedAt = &now
	}
	s.repos[id] = repo
	s.updatedAt[id] = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetRepositoryContent(_ context.Context, id string, files []domain.RepoFile, meta domain.RepositoryMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repos[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	repo.Files = append([]domain.RepoFile(nil), files...)
	repo.Name = meta.Name
	repo.Owner = meta.Owner
	repo.Description = meta.Description
	repo.Branch = meta.Branch
	repo.Path = meta.Path
	s.repos[id] = repo
	s.updatedAt[id] = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetVectorized(_ context.Context, id string, vectorized bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repos[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	repo.Vectorized = vectorized
	s.repos[id] = repo
	s.updatedAt[id] = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ReplaceChunks(_ context.Context, repositoryID string, chunks []domain.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]domain.Chunk, len(chunks))
	for i, chunk := range chunks {
		chunk.RepositoryID = repositoryID
		chunk.Position = i
		copied[i] = chunk
	}
	s.chunks[repositoryID] = copied
	return nil
}

func (s *MemoryStore) ListChunks(_ context.Context, repositoryID string) ([]domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Chunk(nil), s.chunks[repositoryID]...), nil
}

func (s *MemoryStore) CountChunks(_ context.Context, repositoryID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks[repositoryID]), nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.RepositoryID] = append(s.messages[msg.RepositoryID], msg)
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, repositoryID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := append([]domain.Message(nil), s.messages[repositoryID]...)
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}

// TouchUpdatedAt backdates a repository's last update. Test helper for the
// staleness sweep.
func (s *MemoryStore) TouchUpdatedAt(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updatedAt[id] = at
}
