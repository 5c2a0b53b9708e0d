package orchestrator

import "sync"

// sessionLocks serializes the persist step per session so two racing turns
// on the same session cannot assign duplicate or skipped sequence numbers.
// The lock is held only across sequence assignment and the appends, never
// across classifier or dispatch calls.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*lockEntry)}
}

// lock acquires the per-session lock and returns its release func.
// Entries are reference-counted and removed when unused, so the map does not
// grow with the total number of sessions ever seen.
func (s *sessionLocks) lock(sessionID string) func() {
	s.mu.Lock()
	e, ok := s.locks[sessionID]
	if !ok {
		e = &lockEntry{}
		s.locks[sessionID] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		s.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(s.locks, sessionID)
		}
		s.mu.Unlock()
	}
}
