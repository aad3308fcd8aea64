// Package storage defines the session persistence boundary.
package storage

import (
	"context"
	"errors"

	"clinscribe/internal/models"
)

// ErrNotFound is returned by Update and Delete for unknown ids.
var ErrNotFound = errors.New("session not found")

// Store persists sessions. Implementations reject structurally invalid
// sessions with an error wrapping schema.ErrInvalidSession.
type Store interface {
	// Save inserts or replaces the whole session.
	Save(ctx context.Context, s *models.Session) error
	// Get returns the session, or nil with no error when id is unknown.
	Get(ctx context.Context, id string) (*models.Session, error)
	// Update applies a partial update and refreshes UpdatedAt.
	Update(ctx context.Context, id string, p models.Patch) error
	Delete(ctx context.Context, id string) error
	// List returns all sessions, newest first.
	List(ctx context.Context) ([]*models.Session, error)
	Close() error
}
