// Package store persists users and their serialized dashboard state.
package store

import (
	"context"
	"time"

	"github.com/ashureev/site-insights/internal/domain"
)

// Repository stores anonymous users and one state snapshot per user.
type Repository interface {
	// GetUser returns the user, or nil without error when it does not exist.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates a user or refreshes its last-seen time.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// LoadState returns the user's snapshot, or nil without error when none was saved.
	LoadState(ctx context.Context, userID string) ([]byte, error)

	// SaveState overwrites the user's snapshot.
	SaveState(ctx context.Context, userID string, data []byte) error

	// DeleteState removes the user's snapshot.
	DeleteState(ctx context.Context, userID string) error

	// GetIdleUsers returns users last seen more than idle ago that still have state.
	GetIdleUsers(ctx context.Context, idle time.Duration) ([]*domain.User, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
