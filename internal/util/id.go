package util

import "github.com/google/uuid"

// NewID returns a fresh identifier for repositories, messages, and chunks.
func NewID() string {
	return uuid.NewString()
}
