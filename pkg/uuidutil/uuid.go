// Package uuidutil generates identifiers for sessions.
package uuidutil

import "github.com/google/uuid"

// NewV4 generates a random UUID v4 string.
func NewV4() string {
	return uuid.NewString()
}

// Short returns the first eight characters of an identifier, for display.
func Short(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
