package contextstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

// stubTier is an in-memory Tier with injectable failures.
type stubTier struct {
	name       string
	sessions   map[string]*SessionMetadata
	turns      map[string][]*Turn
	failReads  bool
	failWrites bool
	appends    int
}

func newStubTier(name string) *stubTier {
	return &stubTier{
		name:     name,
		sessions: make(map[string]*SessionMetadata),
		turns:    make(map[string][]*Turn),
	}
}

func (s *stubTier) Name() string { return s.name }

func (s *stubTier) SaveSession(ctx context.Context, meta *SessionMetadata) error {
	if s.failWrites {
		return errors.New(s.name + " is down")
	}
	m := *meta
	s.sessions[meta.ID] = &m
	return nil
}

func (s *stubTier) LoadSession(ctx context.Context, sessionID string) (*SessionMetadata, error) {
	if s.failReads {
		return nil, errors.New(s.name + " is down")
	}
	meta, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	m := *meta
	return &m, nil
}

func (s *stubTier) DeleteSession(ctx context.Context, sessionID string) error {
	if s.failWrites {
		return errors.New(s.name + " is down")
	}
	delete(s.sessions, sessionID)
	delete(s.turns, sessionID)
	return nil
}

func (s *stubTier) ListSessions(ctx context.Context) ([]*SessionMetadata, error) {
	if s.failReads {
		return nil, errors.New(s.name + " is down")
	}
	out := make([]*SessionMetadata, 0, len(s.sessions))
	for _, meta := range s.sessions {
		m := *meta
		out = append(out, &m)
	}
	return out, nil
}

func (s *stubTier) AppendTurn(ctx context.Context, sessionID string, turn *Turn) error {
	if s.failWrites {
		return errors.New(s.name + " is down")
	}
	s.appends++
	t := *turn
	s.turns[sessionID] = append(s.turns[sessionID], &t)
	return nil
}

func (s *stubTier) LoadTurns(ctx context.Context, sessionID string) ([]*Turn, error) {
	if s.failReads {
		return nil, errors.New(s.name + " is down")
	}
	turns, ok := s.turns[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := make([]*Turn, 0, len(turns))
	for _, t := range turns {
		c := *t
		out = append(out, &c)
	}
	return out, nil
}

func (s *stubTier) Close() error { return nil }

func turnSeq(sessionID string, seq int) *Turn {
	return &Turn{
		SessionID: sessionID,
		Seq:       seq,
		Role:      RoleUser,
		Text:      "turn",
		Timestamp: time.Now().UTC(),
	}
}

func TestStoreReadFallsBackAndRepopulates(t *testing.T) {
	ctx := context.Background()
	hot := newStubTier("hot")
	cold := newStubTier("cold")

	store := NewStore()
	store.AddTier(hot, false)
	store.AddTier(cold, true)

	// History exists only in the cold tier, out of order.
	cold.sessions["s1"] = &SessionMetadata{ID: "s1", TurnCount: 3}
	cold.turns["s1"] = []*Turn{turnSeq("s1", 3), turnSeq("s1", 1), turnSeq("s1", 2)}

	turns, err := store.Read(ctx, "s1")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	for i, turn := range turns {
		if turn.Seq != i+1 {
			t.Errorf("turn %d: expected seq %d, got %d", i, i+1, turn.Seq)
		}
	}

	// The hot tier should now hold the history (read-through).
	if hot.appends != 3 {
		t.Errorf("expected 3 repopulated turns in hot tier, got %d", hot.appends)
	}
	if _, ok := hot.sessions["s1"]; !ok {
		t.Error("expected session metadata repopulated in hot tier")
	}
}

func TestStoreReadUnknownSession(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	store.AddTier(newStubTier("hot"), false)
	store.AddTier(newStubTier("cold"), true)

	turns, err := store.Read(ctx, "nope")
	if err != nil {
		t.Fatalf("expected empty history, got error: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("expected no turns, got %d", len(turns))
	}
}

func TestStoreReadAllTiersDown(t *testing.T) {
	ctx := context.Background()
	hot := newStubTier("hot")
	cold := newStubTier("cold")
	hot.failReads = true
	cold.failReads = true

	store := NewStore()
	store.AddTier(hot, false)
	store.AddTier(cold, true)

	// "Store down" must be distinguishable from "no history".
	if _, err := store.Read(ctx, "s1"); err == nil {
		t.Fatal("expected error when every tier fails")
	}
}

func TestStoreReadRecentBounds(t *testing.T) {
	ctx := context.Background()
	cold := newStubTier("cold")
	store := NewStore()
	store.AddTier(cold, true)

	for i := 1; i <= 10; i++ {
		cold.turns["s1"] = append(cold.turns["s1"], turnSeq("s1", i))
	}

	turns, err := store.ReadRecent(ctx, "s1", 4)
	if err != nil {
		t.Fatalf("ReadRecent failed: %v", err)
	}
	if len(turns) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(turns))
	}
	if turns[0].Seq != 7 || turns[3].Seq != 10 {
		t.Errorf("expected seqs 7..10, got %d..%d", turns[0].Seq, turns[3].Seq)
	}
}

func TestStoreAppendRequiredTierFailure(t *testing.T) {
	ctx := context.Background()
	hot := newStubTier("hot")
	cold := newStubTier("cold")
	cold.failWrites = true

	store := NewStore()
	store.AddTier(hot, false)
	store.AddTier(cold, true)

	err := store.AppendTurn(ctx, "s1", turnSeq("s1", 1))
	if !errors.Is(err, ErrDurabilityFailure) {
		t.Fatalf("expected ErrDurabilityFailure, got %v", err)
	}
}

func TestStoreAppendOptionalTierFailure(t *testing.T) {
	ctx := context.Background()
	hot := newStubTier("hot")
	cold := newStubTier("cold")
	hot.failWrites = true

	store := NewStore()
	store.AddTier(hot, false)
	store.AddTier(cold, true)

	// An optional tier down must not fail the write.
	if err := store.AppendTurn(ctx, "s1", turnSeq("s1", 1)); err != nil {
		t.Fatalf("expected degraded success, got %v", err)
	}
	if len(cold.turns["s1"]) != 1 {
		t.Errorf("expected turn in cold tier, got %d", len(cold.turns["s1"]))
	}
}

func TestStoreEvictKeepsColdTier(t *testing.T) {
	ctx := context.Background()
	hot := newStubTier("hot")
	cold := newStubTier("cold")

	store := NewStore()
	store.AddTier(hot, false)
	store.AddTier(cold, true)

	meta := &SessionMetadata{ID: "s1"}
	if err := store.SaveSession(ctx, meta); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if err := store.AppendTurn(ctx, "s1", turnSeq("s1", 1)); err != nil {
		t.Fatalf("AppendTurn failed: %v", err)
	}

	store.Evict(ctx, "s1")

	if _, ok := hot.sessions["s1"]; ok {
		t.Error("expected session evicted from hot tier")
	}
	if _, ok := cold.sessions["s1"]; !ok {
		t.Error("expected session retained in cold tier")
	}
	if len(cold.turns["s1"]) != 1 {
		t.Error("expected turns retained in cold tier")
	}
}

func TestStoreDeletePurgesEveryTier(t *testing.T) {
	ctx := context.Background()
	hot := newStubTier("hot")
	cold := newStubTier("cold")

	store := NewStore()
	store.AddTier(hot, false)
	store.AddTier(cold, true)

	if err := store.SaveSession(ctx, &SessionMetadata{ID: "s1"}); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := hot.sessions["s1"]; ok {
		t.Error("expected session deleted from hot tier")
	}
	if _, ok := cold.sessions["s1"]; ok {
		t.Error("expected session deleted from cold tier")
	}
}

func TestStoreListActiveExcludesArchived(t *testing.T) {
	ctx := context.Background()
	hot := newStubTier("hot")
	cold := newStubTier("cold")

	store := NewStore()
	store.AddTier(hot, false)
	store.AddTier(cold, true)

	now := time.Now().UTC()
	hot.sessions["active"] = &SessionMetadata{ID: "active", UpdatedAt: now}
	cold.sessions["active"] = &SessionMetadata{ID: "active", UpdatedAt: now}
	cold.sessions["archived"] = &SessionMetadata{ID: "archived", UpdatedAt: now.Add(-48 * time.Hour)}

	sessions, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 active session, got %d", len(sessions))
	}
	if sessions[0].ID != "active" {
		t.Errorf("expected session %q, got %q", "active", sessions[0].ID)
	}
}

func TestStoreHasActive(t *testing.T) {
	ctx := context.Background()
	hot := newStubTier("hot")
	cold := newStubTier("cold")

	store := NewStore()
	store.AddTier(hot, false)
	store.AddTier(cold, true)

	cold.sessions["archived"] = &SessionMetadata{ID: "archived"}
	if store.HasActive(ctx, "archived") {
		t.Error("cold-only session must not count as active")
	}

	hot.sessions["live"] = &SessionMetadata{ID: "live"}
	if !store.HasActive(ctx, "live") {
		t.Error("expected hot-tier session to be active")
	}
}
