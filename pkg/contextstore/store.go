package contextstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"golang.org/x/sync/singleflight"

	"github.com/eyevi-dev/hostagent/pkg/observability"
)

// tierEntry pairs a tier with its durability requirement.
type tierEntry struct {
	tier     Tier
	required bool
}

// Store unifies an ordered list of tiers behind one read/write interface.
//
// Reads try tiers in order and fall back on miss or unavailability; a hit from
// a later tier repopulates the earlier optional tiers (read-through caching).
// Writes fan out to every tier: a required-tier failure aborts the operation
// with ErrDurabilityFailure, optional-tier failures are logged and swallowed.
// This generalizes beyond exactly three tiers; hostagent wires hot (Redis),
// warm (memory), cold (file) in that order with only the cold tier required.
type Store struct {
	tiers []tierEntry
	group singleflight.Group
}

// NewStore creates an empty store. Tiers are consulted in the order added.
func NewStore() *Store {
	return &Store{}
}

// AddTier appends a tier to the fallback chain.
// A required tier's write failures are fatal to the operation.
func (s *Store) AddTier(t Tier, required bool) {
	s.tiers = append(s.tiers, tierEntry{tier: t, required: required})
}

// Tiers returns the names of the configured tiers in fallback order.
func (s *Store) Tiers() []string {
	names := make([]string, 0, len(s.tiers))
	for _, e := range s.tiers {
		names = append(names, e.tier.Name())
	}
	return names
}

func durabilityErr(tierName string, err error) error {
	return fmt.Errorf("%w: %s tier: %v", ErrDurabilityFailure, tierName, err)
}

// Read returns the turns visible for a session in chronological seq order.
// The first tier holding any turns answers; earlier optional tiers are then
// repopulated best-effort. A session nobody holds reads as empty only when at
// least one tier answered without error; if every tier failed, the last error
// is returned so callers can distinguish "no history" from "store down".
func (s *Store) Read(ctx context.Context, sessionID string) ([]*Turn, error) {
	var lastErr error
	answered := false

	for i, e := range s.tiers {
		turns, err := e.tier.LoadTurns(ctx, sessionID)
		if err != nil {
			if !errors.Is(err, ErrSessionNotFound) {
				log.Printf("contextstore: read from %s tier failed, falling back: %v", e.tier.Name(), err)
				lastErr = err
			} else {
				answered = true
			}
			continue
		}
		answered = true
		if len(turns) == 0 {
			continue
		}

		sort.Slice(turns, func(a, b int) bool { return turns[a].Seq < turns[b].Seq })

		if i > 0 {
			s.repopulate(ctx, sessionID, i, turns)
		}
		return turns, nil
	}

	if !answered && lastErr != nil {
		return nil, fmt.Errorf("all tiers failed: %w", lastErr)
	}
	return []*Turn{}, nil
}

// ReadRecent returns at most n of the most recent turns, still in
// chronological order. n <= 0 means no bound.
func (s *Store) ReadRecent(ctx context.Context, sessionID string, n int) ([]*Turn, error) {
	turns, err := s.Read(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns, nil
}

// repopulate writes a session's turns and metadata back into the optional
// tiers that missed. Deduplicated per session so concurrent fallback reads
// don't race the same refill; failures only cost read latency later.
func (s *Store) repopulate(ctx context.Context, sessionID string, upto int, turns []*Turn) {
	s.group.Do("repopulate:"+sessionID, func() (any, error) {
		meta, err := s.GetSession(ctx, sessionID)
		if err != nil {
			meta = nil
		}
		for _, e := range s.tiers[:upto] {
			if e.required {
				continue
			}
			if meta != nil {
				if err := e.tier.SaveSession(ctx, meta); err != nil {
					log.Printf("contextstore: repopulate %s tier metadata: %v", e.tier.Name(), err)
					continue
				}
			}
			for _, turn := range turns {
				if err := e.tier.AppendTurn(ctx, sessionID, turn); err != nil {
					log.Printf("contextstore: repopulate %s tier: %v", e.tier.Name(), err)
					break
				}
			}
		}
		return nil, nil
	})
}

// GetSession returns session metadata via the same fallback order as Read.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*SessionMetadata, error) {
	var lastErr error

	for _, e := range s.tiers {
		meta, err := e.tier.LoadSession(ctx, sessionID)
		if err == nil {
			return meta, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			lastErr = err
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrSessionNotFound
}

// SaveSession fans metadata out to every tier.
func (s *Store) SaveSession(ctx context.Context, meta *SessionMetadata) error {
	for _, e := range s.tiers {
		if err := e.tier.SaveSession(ctx, meta); err != nil {
			if e.required {
				return durabilityErr(e.tier.Name(), err)
			}
			observability.RecordTierWriteFailure(e.tier.Name())
			log.Printf("contextstore: save session to %s tier failed (degraded): %v", e.tier.Name(), err)
		}
	}
	return nil
}

// AppendTurn fans a turn out to every tier. History of record must not
// silently lose a turn: a required-tier failure fails the append, while
// optional-tier failures only degrade to slower reads.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, turn *Turn) error {
	for _, e := range s.tiers {
		if err := e.tier.AppendTurn(ctx, sessionID, turn); err != nil {
			if e.required {
				return durabilityErr(e.tier.Name(), err)
			}
			observability.RecordTierWriteFailure(e.tier.Name())
			log.Printf("contextstore: append to %s tier failed (degraded): %v", e.tier.Name(), err)
		}
	}
	return nil
}

// Evict removes a session from the optional tiers only. The cold tier keeps
// the history; this is what TTL expiry uses.
func (s *Store) Evict(ctx context.Context, sessionID string) {
	for _, e := range s.tiers {
		if e.required {
			continue
		}
		if err := e.tier.DeleteSession(ctx, sessionID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			log.Printf("contextstore: evict from %s tier: %v", e.tier.Name(), err)
		}
	}
}

// Delete removes a session from every tier, including the durable one.
// This is the explicit, user-initiated purge.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	for _, e := range s.tiers {
		err := e.tier.DeleteSession(ctx, sessionID)
		if err == nil || errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if e.required {
			return durabilityErr(e.tier.Name(), err)
		}
		log.Printf("contextstore: delete from %s tier failed: %v", e.tier.Name(), err)
	}
	return nil
}

// HasActive reports whether any optional tier currently holds the session.
func (s *Store) HasActive(ctx context.Context, sessionID string) bool {
	for _, e := range s.tiers {
		if e.required {
			continue
		}
		if _, err := e.tier.LoadSession(ctx, sessionID); err == nil {
			return true
		}
	}
	return false
}

// ListActive returns metadata for sessions present in the optional tiers,
// deduplicated, most recently updated first. Sessions held only by the cold
// tier are archived and not listed here.
func (s *Store) ListActive(ctx context.Context) ([]*SessionMetadata, error) {
	seen := make(map[string]*SessionMetadata)
	var lastErr error

	for _, e := range s.tiers {
		if e.required {
			continue
		}
		sessions, err := e.tier.ListSessions(ctx)
		if err != nil {
			log.Printf("contextstore: list from %s tier failed: %v", e.tier.Name(), err)
			lastErr = err
			continue
		}
		for _, meta := range sessions {
			if cur, ok := seen[meta.ID]; !ok || meta.UpdatedAt.After(cur.UpdatedAt) {
				seen[meta.ID] = meta
			}
		}
	}

	if len(seen) == 0 && lastErr != nil {
		return nil, lastErr
	}

	out := make([]*SessionMetadata, 0, len(seen))
	for _, meta := range seen {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Close closes every tier, returning the first error encountered.
func (s *Store) Close() error {
	var firstErr error
	for _, e := range s.tiers {
		if err := e.tier.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
