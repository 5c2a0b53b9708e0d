package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eyevi-dev/hostagent/pkg/contextstore"
)

func setupManager(t *testing.T) (*Manager, *contextstore.Store) {
	t.Helper()

	store := contextstore.NewStore()
	store.AddTier(contextstore.NewMemoryTier(0), false)

	fileTier, err := contextstore.NewFileTier(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileTier failed: %v", err)
	}
	store.AddTier(fileTier, true)

	t.Cleanup(func() { _ = store.Close() })
	return NewManager(store), store
}

func TestCreateGeneratesID(t *testing.T) {
	mgr, _ := setupManager(t)
	ctx := context.Background()

	id, err := mgr.Create(ctx, "", "user-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated session id")
	}

	meta, err := mgr.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if meta.UserID != "user-1" {
		t.Errorf("UserID mismatch: got %s", meta.UserID)
	}
}

func TestCreateConflictOnActiveID(t *testing.T) {
	mgr, _ := setupManager(t)
	ctx := context.Background()

	if _, err := mgr.Create(ctx, "sess-1", "user-1"); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}

	_, err := mgr.Create(ctx, "sess-1", "user-2")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCreateReusesArchivedID(t *testing.T) {
	mgr, store := setupManager(t)
	ctx := context.Background()

	if _, err := mgr.Create(ctx, "sess-1", "user-1"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Evicted from the volatile tiers: only the archive holds it now,
	// so the id is no longer active and may be reused.
	store.Evict(ctx, "sess-1")

	if _, err := mgr.Create(ctx, "sess-1", "user-1"); err != nil {
		t.Fatalf("expected reuse of archived id, got %v", err)
	}
}

func TestListForUser(t *testing.T) {
	mgr, _ := setupManager(t)
	ctx := context.Background()

	if _, err := mgr.Create(ctx, "a", "alice"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := mgr.Create(ctx, "b", "bob"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := mgr.Create(ctx, "c", "alice"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	sessions, err := mgr.ListForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("ListForUser failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions for alice, got %d", len(sessions))
	}
	for _, meta := range sessions {
		if meta.UserID != "alice" {
			t.Errorf("unexpected session %s for user %s", meta.ID, meta.UserID)
		}
	}
}

func TestDeletePurgesArchive(t *testing.T) {
	mgr, store := setupManager(t)
	ctx := context.Background()

	if _, err := mgr.Create(ctx, "sess-1", "user-1"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	turn := &contextstore.Turn{SessionID: "sess-1", Seq: 1, Role: contextstore.RoleUser, Text: "m"}
	if err := store.AppendTurn(ctx, "sess-1", turn); err != nil {
		t.Fatalf("AppendTurn failed: %v", err)
	}

	if err := mgr.Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := mgr.Get(ctx, "sess-1"); !errors.Is(err, contextstore.ErrSessionNotFound) {
		t.Errorf("expected session gone everywhere, got %v", err)
	}
}

func TestExpireStaleKeepsArchive(t *testing.T) {
	mgr, store := setupManager(t)
	ctx := context.Background()

	stale := &contextstore.SessionMetadata{
		ID:        "stale",
		UserID:    "user-1",
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
		UpdatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	if err := store.SaveSession(ctx, stale); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	fresh := &contextstore.SessionMetadata{
		ID:        "fresh",
		UpdatedAt: time.Now().UTC(),
	}
	if err := store.SaveSession(ctx, fresh); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	evicted := mgr.ExpireStale(ctx, 24*time.Hour)
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}

	// Stale sessions leave the active set but stay in the archive.
	if store.HasActive(ctx, "stale") {
		t.Error("expected stale session out of the active set")
	}
	if _, err := mgr.Get(ctx, "stale"); err != nil {
		t.Errorf("expected stale session still archived, got %v", err)
	}
	if !store.HasActive(ctx, "fresh") {
		t.Error("expected fresh session untouched")
	}
}

func TestExpireStaleDefaultTTL(t *testing.T) {
	mgr, _ := setupManager(t)

	// ttl <= 0 falls back to the default instead of evicting everything.
	if evicted := mgr.ExpireStale(context.Background(), 0); evicted != 0 {
		t.Errorf("expected no evictions on empty store, got %d", evicted)
	}
}
