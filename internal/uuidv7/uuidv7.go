// Package uuidv7 generates time-ordered request identifiers.
package uuidv7

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a UUIDv7 value or panics if generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns a string representation of a UUIDv7.
func NewString() string {
	return New().String()
}

// RequestID returns candidate when it is a well formed UUID supplied by an
// upstream proxy, otherwise a fresh UUIDv7 string.
func RequestID(candidate string) string {
	candidate = strings.TrimSpace(candidate)
	if candidate != "" {
		if parsed, err := uuid.Parse(candidate); err == nil {
			return parsed.String()
		}
	}
	return NewString()
}
