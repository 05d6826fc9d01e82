// Package id provides unique identifier generation for sessions.
package id

import (
	"strings"

	"github.com/google/uuid"
)

// Prefix is prepended to every generated session ID.
const Prefix = "sess-"

// Generate creates a new unique session ID.
// Format: sess-<uuid v4>
// Example: sess-0b7c1f1e-4d39-4a7b-9b8e-2f6c1a5d3e90
func Generate() string {
	return Prefix + uuid.NewString()
}

// Valid reports whether s looks like an ID produced by Generate.
func Valid(s string) bool {
	rest, ok := strings.CutPrefix(s, Prefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
