// Package session manages session lifecycle: creation with id uniqueness,
// TTL-based eviction from the volatile tiers, explicit purge, and listing.
// A session is "active" while the hot/warm tiers hold it; a session present
// only in the cold tier is archived, not active.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/eyevi-dev/hostagent/pkg/contextstore"
)

// ErrConflict is returned when creating a session whose id is already active.
var ErrConflict = errors.New("session id already active")

// DefaultTTL is how long an idle session stays in the volatile tiers.
const DefaultTTL = 24 * time.Hour

// Manager manages session lifecycle on top of the tiered store.
type Manager struct {
	store *contextstore.Store
}

// NewManager creates a lifecycle manager.
func NewManager(store *contextstore.Store) *Manager {
	return &Manager{store: store}
}

// Create registers a new session and returns its id. A missing id is
// generated; a caller-supplied id that is already active returns ErrConflict.
func (m *Manager) Create(ctx context.Context, sessionID, userID string) (string, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	} else if m.store.HasActive(ctx, sessionID) {
		return "", fmt.Errorf("%w: %s", ErrConflict, sessionID)
	}

	now := time.Now().UTC()
	meta := &contextstore.SessionMetadata{
		ID:        sessionID,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.SaveSession(ctx, meta); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}
	return sessionID, nil
}

// Get returns metadata for a session from any tier.
func (m *Manager) Get(ctx context.Context, sessionID string) (*contextstore.SessionMetadata, error) {
	return m.store.GetSession(ctx, sessionID)
}

// List returns the active sessions, most recently updated first.
func (m *Manager) List(ctx context.Context) ([]*contextstore.SessionMetadata, error) {
	return m.store.ListActive(ctx)
}

// ListForUser returns the active sessions belonging to a user.
func (m *Manager) ListForUser(ctx context.Context, userID string) ([]*contextstore.SessionMetadata, error) {
	sessions, err := m.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	out := sessions[:0]
	for _, meta := range sessions {
		if meta.UserID == userID {
			out = append(out, meta)
		}
	}
	return out, nil
}

// Delete purges a session from every tier, including the durable one.
// This is the explicit, user-initiated removal.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	return m.store.Delete(ctx, sessionID)
}

// ExpireStale evicts sessions idle beyond ttl from the volatile tiers only.
// The cold tier keeps their history indefinitely. Returns the number of
// sessions evicted.
func (m *Manager) ExpireStale(ctx context.Context, ttl time.Duration) int {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	sessions, err := m.store.ListActive(ctx)
	if err != nil {
		log.Printf("session: stale sweep could not list sessions: %v", err)
		return 0
	}

	cutoff := time.Now().UTC().Add(-ttl)
	evicted := 0
	for _, meta := range sessions {
		if meta.UpdatedAt.Before(cutoff) {
			m.store.Evict(ctx, meta.ID)
			evicted++
		}
	}
	if evicted > 0 {
		log.Printf("session: evicted %d stale sessions from volatile tiers", evicted)
	}
	return evicted
}
