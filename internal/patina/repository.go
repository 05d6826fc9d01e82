package patina

import (
	"context"
	"errors"
)

// ErrSessionNotFound is returned when a session cannot be found by ID.
var ErrSessionNotFound = errors.New("session not found")

// Repository defines the interface for session persistence.
// Sessions carry their own lock, so implementations hand out the stored
// instance rather than a copy.
type Repository interface {
	// Save stores a session, replacing any session with the same ID.
	Save(ctx context.Context, sess *Session) error

	// FindByID retrieves a session by its unique identifier.
	// Returns ErrSessionNotFound if the session does not exist.
	FindByID(ctx context.Context, id string) (*Session, error)

	// List returns all sessions.
	List(ctx context.Context) ([]*Session, error)

	// Delete removes a session.
	// Returns ErrSessionNotFound if the session does not exist.
	Delete(ctx context.Context, id string) error
}
