package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"repochat/pkg/domain"
)

const migrateLockID int64 = 52105210

const (
	defaultEmbeddingDim      = 3072
	canonicalEmbeddingDimEnv = "REPOCHAT_EMBEDDING_DIM"
)

type GormStoreOptions struct {
	EmbeddingDim int
}

type GormStoreOption func(*GormStoreOptions)

// WithEmbeddingDim sets the canonical embedding dimension used by storage.
func WithEmbeddingDim(dim int) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.EmbeddingDim = dim
	}
}

// GormStore implements Store using GORM + Postgres with pgvector columns for
// chunk embeddings.
type GormStore struct {
	db           *gorm.DB
	embeddingDim int
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	embeddingDim, err := resolveEmbeddingDim(opts.EmbeddingDim)
	if err != nil {
		return nil, err
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create pgvector extension: %w", err)
		}
		if err := tx.AutoMigrate(&RepositoryModel{}, &MessageModel{}, &RepoChunkModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(fmt.Sprintf(`
			DO $$
			BEGIN
			IF EXISTS (
				SELECT 1 FROM information_schema.columns
				WHERE table_name = 'repo_chunk_models' AND column_name = 'embedding'
			) THEN
				ALTER TABLE repo_chunk_models ALTER COLUMN embedding TYPE vector(%d);
			END IF;
			END $$;
		`, embeddingDim)).Error; err != nil {
			return fmt.Errorf("alter chunk embedding type: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM repo_chunk_models c
				WHERE NOT EXISTS (SELECT 1 FROM repository_models r WHERE r.id = c.repository_id);
				DELETE FROM message_models m
				WHERE NOT EXISTS (SELECT 1 FROM repository_models r WHERE r.id = m.repository_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'repo_chunk_models'
					AND constraint_name = 'repo_chunk_models_repository_id_fkey'
				) THEN
					ALTER TABLE repo_chunk_models
					ADD CONSTRAINT repo_chunk_models_repository_id_fkey
					FOREIGN KEY (repository_id) REFERENCES repository_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'message_models'
					AND constraint_name = 'message_models_repository_id_fkey'
				) THEN
					ALTER TABLE message_models
					ADD CONSTRAINT message_models_repository_id_fkey
					FOREIGN KEY (repository_id) REFERENCES repository_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure repository foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, embeddingDim: embeddingDim}, nil
}

func resolveEmbeddingDim(configValue int) (int, error) {
	if configValue > 0 {
		return configValue, nil
	}
	raw := strings.TrimSpace(os.Getenv(canonicalEmbeddingDimEnv))
	if raw == "" {
		return defaultEmbeddingDim, nil
	}
	dim, err := strconv.Atoi(raw)
	if err != nil || dim <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", canonicalEmbeddingDimEnv, raw)
	}
	return dim, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateRepository inserts a new repository record.
func (s *GormStore) CreateRepository(ctx context.Context, repo domain.Repository) error {
	model, err := repositoryToModel(repo)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetRepository retrieves a repository including file bodies.
func (s *GormStore) GetRepository(ctx context.Context, id string) (domain.Repository, bool, error) {
	var model RepositoryModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Repository{}, false, nil
		}
		return domain.Repository{}, false, err
	}
	repo, err := repositoryFromModel(model)
	if err != nil {
		return domain.Repository{}, false, err
	}
	return repo, true, nil
}

// ListRepositories returns repositories newest-first. File bodies are omitted
// to keep the listing cheap for status polling.
func (s *GormStore) ListRepositories(ctx context.Context) ([]domain.Repository, error) {
	var models []RepositoryModel
	if err := s.db.WithContext(ctx).
		Omit("files").
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Repository, 0, len(models))
	for _, m := range models {
		repo, err := repositoryFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, repo)
	}
	return res, nil
}

// ListProcessingBefore returns ids of processing repositories not updated
// since the cutoff.
func (s *GormStore) ListProcessingBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&RepositoryModel{}).
		Where("status = ? AND updated_at < ?", string(domain.StatusProcessing), cutoff.UTC()).
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// UpdateRepositoryStatus writes status plus error message.
func (s *GormStore) UpdateRepositoryStatus(ctx context.Context, id string, status domain.RepositoryStatus, errMsg string, processed bool) error {
	updates := map[string]any{
		"status":        string(status),
		"error_message": errMsg,
		"updated_at":    time.Now().UTC(),
	}
	if processed {
		updates["processed_at"] = time.Now().UTC()
	}
	tx := s.db.WithContext(ctx).Model(&RepositoryModel{}).Where("id = ?", id).Updates(updates)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetRepositoryContent stores fetched files and metadata on a repository.
func (s *GormStore) SetRepositoryContent(ctx context.Context, id string, files []domain.RepoFile, meta domain.RepositoryMeta) error {
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}
	tx := s.db.WithContext(ctx).Model(&RepositoryModel{}).Where("id = ?", id).Updates(map[string]any{
		"files":       filesJSON,
		"name":        meta.Name,
		"owner":       meta.Owner,
		"description": meta.Description,
		"branch":      meta.Branch,
		"path":        meta.Path,
		"updated_at":  time.Now().UTC(),
	})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetVectorized flips the vectorized flag.
func (s *GormStore) SetVectorized(ctx context.Context, id string, vectorized bool) error {
	tx := s.db.WithContext(ctx).Model(&RepositoryModel{}).Where("id = ?", id).Updates(map[string]any{
		"vectorized": vectorized,
		"updated_at": time.Now().UTC(),
	})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ReplaceChunks replaces all chunks for a repository in one transaction.
func (s *GormStore) ReplaceChunks(ctx context.Context, repositoryID string, chunks []domain.Chunk) error {
	if err := s.validateChunkDims(chunks); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&RepoChunkModel{}, "repository_id = ?", repositoryID).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		models := make([]RepoChunkModel, 0, len(chunks))
		for i, chunk := range chunks {
			model := chunkToModel(chunk)
			model.RepositoryID = repositoryID
			model.Position = i
			models = append(models, model)
		}
		return tx.CreateInBatches(&models, 200).Error
	})
}

// ListChunks returns chunks for a repository in stored order.
func (s *GormStore) ListChunks(ctx context.Context, repositoryID string) ([]domain.Chunk, error) {
	var models []RepoChunkModel
	if err := s.db.WithContext(ctx).
		Where("repository_id = ?", repositoryID).
		Order("position ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	chunks := make([]domain.Chunk, 0, len(models))
	for _, model := range models {
		chunks = append(chunks, chunkFromModel(model))
	}
	return chunks, nil
}

// CountChunks returns the number of embedded chunks for a repository.
func (s *GormStore) CountChunks(ctx context.Context, repositoryID string) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&RepoChunkModel{}).
		Where("repository_id = ?", repositoryID).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// AppendMessage records a message.
func (s *GormStore) AppendMessage(ctx context.Context, msg domain.Message) error {
	model := messageToModel(msg)
	return s.db.WithContext(ctx).Create(&model).Error
}

// ListMessages returns messages for a repository in non-decreasing timestamp
// order regardless of insertion order.
func (s *GormStore) ListMessages(ctx context.Context, repositoryID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.WithContext(ctx).
		Where("repository_id = ?", repositoryID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msgs = append(msgs, messageFromModel(model))
	}
	return msgs, nil
}

func (s *GormStore) validateChunkDims(chunks []domain.Chunk) error {
	if s.embeddingDim <= 0 {
		return nil
	}
	for _, chunk := range chunks {
		if len(chunk.Embedding) == 0 {
			return fmt.Errorf("chunk %s has empty embedding", chunk.ID)
		}
		if len(chunk.Embedding) != s.embeddingDim {
			return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(chunk.Embedding), s.embeddingDim)
		}
	}
	return nil
}

func repositoryToModel(r domain.Repository) (RepositoryModel, error) {
	filesJSON, err := json.Marshal(r.Files)
	if err != nil {
		return RepositoryModel{}, fmt.Errorf("marshal files: %w", err)
	}
	return RepositoryModel{
		ID:           r.ID,
		URL:          r.URL,
		Name:         r.Name,
		Owner:        r.Owner,
		Description:  r.Description,
		Files:        filesJSON,
		Status:       string(r.Status),
		Branch:       r.Branch,
		Path:         r.Path,
		Vectorized:   r.Vectorized,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.CreatedAt,
		ProcessedAt:  r.ProcessedAt,
	}, nil
}

func repositoryFromModel(m RepositoryModel) (domain.Repository, error) {
	var files []domain.RepoFile
	if len(m.Files) > 0 {
		if err := json.Unmarshal(m.Files, &files); err != nil {
			return domain.Repository{}, fmt.Errorf("unmarshal files: %w", err)
		}
	}
	return domain.Repository{
		ID:           m.ID,
		URL:          m.URL,
		Name:         m.Name,
		Owner:        m.Owner,
		Description:  m.Description,
		Files:        files,
		Status:       domain.RepositoryStatus(m.Status),
		Branch:       m.Branch,
		Path:         m.Path,
		Vectorized:   m.Vectorized,
		ErrorMessage: m.ErrorMessage,
		CreatedAt:    m.CreatedAt,
		ProcessedAt:  m.ProcessedAt,
	}, nil
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:           msg.ID,
		RepositoryID: msg.RepositoryID,
		Role:         string(msg.Role),
		Content:      msg.Content,
		CreatedAt:    msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:           m.ID,
		RepositoryID: m.RepositoryID,
		Role:         domain.MessageRole(m.Role),
		Content:      m.Content,
		CreatedAt:    m.CreatedAt,
	}
}

func chunkToModel(chunk domain.Chunk) RepoChunkModel {
	model := RepoChunkModel{
		ID:           chunk.ID,
		RepositoryID: chunk.RepositoryID,
		Position:     chunk.Position,
		FileName:     chunk.FileName,
		Content:      chunk.Content,
		CreatedAt:    chunk.CreatedAt,
	}
	if len(chunk.Embedding) > 0 {
		vec := pgvector.NewVector(chunk.Embedding)
		model.Embedding = &vec
	}
	return model
}

func chunkFromModel(model RepoChunkModel) domain.Chunk {
	chunk := domain.Chunk{
		ID:           model.ID,
		RepositoryID: model.RepositoryID,
		Position:     model.Position,
		FileName:     model.FileName,
		Content:      model.Content,
		CreatedAt:    model.CreatedAt,
	}
	if model.Embedding != nil {
		chunk.Embedding = model.Embedding.Slice()
	}
	return chunk
}
