package domain

import "time"

type RepositoryStatus string

const (
	StatusPending    RepositoryStatus = "pending"
	StatusProcessing RepositoryStatus = "processing"
	StatusCompleted  RepositoryStatus = "completed"
	StatusError      RepositoryStatus = "error"
)

// RepoFile is one (filename, content) pair fetched from a repository.
// Files keep the order they were ingested in.
type RepoFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type Repository struct {
	ID           string           `json:"id"`
	URL          string           `json:"url"`
	Name         string           `json:"name"`
	Owner        string           `json:"owner"`
	Description  string           `json:"description,omitempty"`
	Files        []RepoFile       `json:"files,omitempty"`
	Status       RepositoryStatus `json:"status"`
	Branch       string           `json:"branch"`
	Path         string           `json:"path"`
	Vectorized   bool             `json:"vectorized"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	ProcessedAt  *time.Time       `json:"processedAt,omitempty"`
}

// RepositoryMeta carries the metadata half of a fetch result, separate from
// the file contents.
type RepositoryMeta struct {
	Name        string `json:"name"`
	Owner       string `json:"owner"`
	Description string `json:"description"`
	Branch      string `json:"branch"`
	Path        string `json:"path"`
}

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one turn of a repository conversation. Messages are append-only;
// there is no update or delete path.
type Message struct {
	ID           string      `json:"id"`
	RepositoryID string      `json:"repositoryId"`
	Role         MessageRole `json:"role"`
	Content      string      `json:"content"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// Chunk is one embedded unit of repository content, kept in the stored order
// of the files it was derived from.
type Chunk struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repositoryId"`
	Position     int       `json:"position"`
	FileName     string    `json:"fileName"`
	Content      string    `json:"content"`
	Embedding    []float32 `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ChatTurn is the transient request shape of one chat exchange. It is built
// per request and discarded once the compute service has answered; only the
// resulting messages are persisted.
type ChatTurn struct {
	RepositoryIDs []string      `json:"repository_ids"`
	Message       string        `json:"message"`
	ChatHistory   []HistoryItem `json:"chat_history"`
}

type HistoryItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ValidRole reports whether role is one of the persisted message roles.
func ValidRole(role string) bool {
	switch MessageRole(role) {
	case RoleUser, RoleAssistant:
		return true
	}
	return false
}
