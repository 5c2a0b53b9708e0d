package contextstore

import (
	"context"
	"sort"
	"sync"
)

// DefaultBufferTurns is the per-session turn bound for volatile tiers.
const DefaultBufferTurns = 50

// MemoryTier is the warm tier: a process-local conversational buffer.
// It is authoritative for the current process's recent history and holds at
// most maxTurns turns per session, dropping the oldest beyond that bound.
type MemoryTier struct {
	maxTurns int
	mu       sync.RWMutex
	sessions map[string]*memorySession
	closed   bool
}

type memorySession struct {
	meta  SessionMetadata
	turns []*Turn
}

// NewMemoryTier creates a warm tier bounded to maxTurns turns per session.
// A non-positive maxTurns falls back to DefaultBufferTurns.
func NewMemoryTier(maxTurns int) *MemoryTier {
	if maxTurns <= 0 {
		maxTurns = DefaultBufferTurns
	}
	return &MemoryTier{
		maxTurns: maxTurns,
		sessions: make(map[string]*memorySession),
	}
}

// Name identifies the tier.
func (m *MemoryTier) Name() string { return "memory" }

// SaveSession creates or updates session metadata.
func (m *MemoryTier) SaveSession(ctx context.Context, meta *SessionMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrTierClosed
	}

	sess, ok := m.sessions[meta.ID]
	if !ok {
		sess = &memorySession{}
		m.sessions[meta.ID] = sess
	}
	sess.meta = *meta
	return nil
}

// LoadSession retrieves session metadata by ID.
func (m *MemoryTier) LoadSession(ctx context.Context, sessionID string) (*SessionMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrTierClosed
	}

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	meta := sess.meta
	return &meta, nil
}

// DeleteSession removes a session and its buffered turns.
func (m *MemoryTier) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrTierClosed
	}

	delete(m.sessions, sessionID)
	return nil
}

// ListSessions returns metadata for every buffered session.
func (m *MemoryTier) ListSessions(ctx context.Context) ([]*SessionMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrTierClosed
	}

	sessions := make([]*SessionMetadata, 0, len(m.sessions))
	for _, sess := range m.sessions {
		meta := sess.meta
		sessions = append(sessions, &meta)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// AppendTurn adds a turn to the session buffer, evicting the oldest turn when
// the buffer is full. The session is created implicitly if unseen.
func (m *MemoryTier) AppendTurn(ctx context.Context, sessionID string, turn *Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrTierClosed
	}

	sess, ok := m.sessions[sessionID]
	if !ok {
		sess = &memorySession{meta: SessionMetadata{ID: sessionID}}
		m.sessions[sessionID] = sess
	}

	t := *turn
	sess.turns = append(sess.turns, &t)
	if len(sess.turns) > m.maxTurns {
		sess.turns = sess.turns[len(sess.turns)-m.maxTurns:]
	}
	return nil
}

// LoadTurns returns the buffered turns for a session in seq order.
func (m *MemoryTier) LoadTurns(ctx context.Context, sessionID string) ([]*Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrTierClosed
	}

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	turns := make([]*Turn, 0, len(sess.turns))
	for _, t := range sess.turns {
		c := *t
		turns = append(turns, &c)
	}
	return turns, nil
}

// Close releases the buffer.
func (m *MemoryTier) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.sessions = nil
	return nil
}
