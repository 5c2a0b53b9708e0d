package contextstore

import (
	"context"
	"errors"
)

// Common errors for tier operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist in a tier.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTierClosed is returned when operating on a closed tier.
	ErrTierClosed = errors.New("storage tier is closed")
	// ErrDurabilityFailure is returned when a write to a required tier fails.
	// The turn must be considered not persisted.
	ErrDurabilityFailure = errors.New("durable tier write failed")
)

// Tier is one storage backend in the layered store.
// Implementations must be safe for concurrent use.
type Tier interface {
	// Name identifies the tier in logs and metrics (e.g. "redis", "file").
	Name() string

	// SaveSession creates or updates session metadata.
	SaveSession(ctx context.Context, meta *SessionMetadata) error

	// LoadSession retrieves session metadata by ID.
	// Returns ErrSessionNotFound if the session doesn't exist.
	LoadSession(ctx context.Context, sessionID string) (*SessionMetadata, error)

	// DeleteSession removes a session and all its turns.
	DeleteSession(ctx context.Context, sessionID string) error

	// ListSessions returns metadata for every session held by this tier.
	ListSessions(ctx context.Context) ([]*SessionMetadata, error)

	// AppendTurn adds a turn to a session (append-only).
	AppendTurn(ctx context.Context, sessionID string, turn *Turn) error

	// LoadTurns retrieves the turns a tier holds for a session, in seq order.
	// Bounded tiers may hold only the most recent turns.
	LoadTurns(ctx context.Context, sessionID string) ([]*Turn, error)

	// Close releases any resources held by the tier.
	Close() error
}
