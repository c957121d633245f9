package utils

import "github.com/google/uuid"

// NewID returns a random identifier for gateway sessions and correlation.
func NewID() string {
	return uuid.NewString()
}
