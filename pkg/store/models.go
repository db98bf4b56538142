package store

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type RepositoryModel struct {
	ID           string `gorm:"primaryKey"`
	URL          string `gorm:"not null"`
	Name         string `gorm:"not null"`
	Owner        string `gorm:"not null"`
	Description  string
	Files        datatypes.JSON `gorm:"type:jsonb"`
	Status       string         `gorm:"not null;index"`
	Branch       string         `gorm:"not null"`
	Path         string
	Vectorized   bool `gorm:"not null;index"`
	ErrorMessage string
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
	ProcessedAt  *time.Time
}

type MessageModel struct {
	ID           string    `gorm:"primaryKey"`
	RepositoryID string    `gorm:"not null;index"`
	Role         string    `gorm:"not null"`
	Content      string    `gorm:"type:text;not null"`
	CreatedAt    time.Time `gorm:"not null;index"`
}

type RepoChunkModel struct {
	ID           string           `gorm:"primaryKey"`
	RepositoryID string           `gorm:"not null;index"`
	Position     int              `gorm:"not null"`
	FileName     string           `gorm:"not null"`
	Content      string           `gorm:"type:text;not null"`
	Embedding    *pgvector.Vector `gorm:"type:vector(3072)"`
	CreatedAt    time.Time        `gorm:"not null"`
}
