package session

import (
	"context"
	"errors"
)

// Common errors for store operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("session store is closed")
)

// Store abstracts durable session persistence.
// Implementations must be safe for concurrent use and must serialize
// concurrent writes to the same session at their own boundary.
type Store interface {
	// Load retrieves a session by workflow and ID.
	// Returns ErrSessionNotFound if the session doesn't exist.
	Load(ctx context.Context, workflow, sessionID string) (*SessionData, error)

	// Save creates or updates a session.
	Save(ctx context.Context, data *SessionData) error

	// List returns sessions for a workflow ordered by most recent update,
	// filtered and bounded by opts.
	List(ctx context.Context, workflow string, opts ListOptions) ([]*SessionData, error)

	// Delete removes a session. Deleting a missing session is not an error.
	Delete(ctx context.Context, workflow, sessionID string) error

	// Close releases any resources held by the store.
	Close() error
}

// ListOptions provides filtering for session listing.
type ListOptions struct {
	// UserID filters sessions by user.
	UserID string
	// Limit caps the number of results (0 = no cap).
	Limit int
}
