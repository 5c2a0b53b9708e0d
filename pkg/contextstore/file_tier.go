package contextstore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrInvalidPathComponent is returned when a session ID contains unsafe characters.
var ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")

// validatePathComponent checks that a string is safe to use as a path component.
// It rejects empty strings, path separators, and traversal sequences.
func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

// FileTier is the cold tier: the append-only durable history of record.
// Storage layout:
//
//	<base-dir>/
//	  ├── sessions.json      # Session index
//	  └── <session-id>.jsonl # Turn log, one JSON turn per line
type FileTier struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileTier creates a cold tier rooted at baseDir.
// If baseDir is empty, uses ~/.hostagent/sessions.
func NewFileTier(baseDir string) (*FileTier, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".hostagent", "sessions")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileTier{baseDir: baseDir}, nil
}

// Name identifies the tier.
func (f *FileTier) Name() string { return "file" }

func (f *FileTier) indexPath() string {
	return filepath.Join(f.baseDir, "sessions.json")
}

func (f *FileTier) turnsPath(sessionID string) string {
	return filepath.Join(f.baseDir, sessionID+".jsonl")
}

// loadIndex reads the session index. Caller must hold a lock.
func (f *FileTier) loadIndex() (map[string]*SessionMetadata, error) {
	index := make(map[string]*SessionMetadata)

	data, err := os.ReadFile(f.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return index, nil
		}
		return nil, fmt.Errorf("read sessions index: %w", err)
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse sessions index: %w", err)
	}
	return index, nil
}

// writeIndex persists the session index. Caller must hold the write lock.
func (f *FileTier) writeIndex(index map[string]*SessionMetadata) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions index: %w", err)
	}
	if err := os.WriteFile(f.indexPath(), data, 0600); err != nil {
		return fmt.Errorf("write sessions index: %w", err)
	}
	return nil
}

// SaveSession creates or updates session metadata in the index.
func (f *FileTier) SaveSession(ctx context.Context, meta *SessionMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrTierClosed
	}
	if err := validatePathComponent(meta.ID); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}

	index, err := f.loadIndex()
	if err != nil {
		return err
	}
	index[meta.ID] = meta
	return f.writeIndex(index)
}

// LoadSession retrieves session metadata by ID.
func (f *FileTier) LoadSession(ctx context.Context, sessionID string) (*SessionMetadata, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrTierClosed
	}
	if err := validatePathComponent(sessionID); err != nil {
		return nil, fmt.Errorf("invalid session ID: %w", err)
	}

	index, err := f.loadIndex()
	if err != nil {
		return nil, err
	}
	meta, ok := index[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return meta, nil
}

// DeleteSession removes a session's turn log and its index entry.
// This is an explicit purge; TTL-based eviction never reaches this tier.
func (f *FileTier) DeleteSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrTierClosed
	}
	if err := validatePathComponent(sessionID); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}

	index, err := f.loadIndex()
	if err != nil {
		return err
	}
	if _, ok := index[sessionID]; !ok {
		return ErrSessionNotFound
	}

	_ = os.Remove(f.turnsPath(sessionID)) // Ignore if doesn't exist

	delete(index, sessionID)
	return f.writeIndex(index)
}

// ListSessions returns metadata for every archived session, most recent first.
func (f *FileTier) ListSessions(ctx context.Context) ([]*SessionMetadata, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrTierClosed
	}

	index, err := f.loadIndex()
	if err != nil {
		return nil, err
	}

	sessions := make([]*SessionMetadata, 0, len(index))
	for _, meta := range index {
		sessions = append(sessions, meta)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// AppendTurn appends a turn to the session's JSONL log.
// The session is created in the index implicitly if unseen.
func (f *FileTier) AppendTurn(ctx context.Context, sessionID string, turn *Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrTierClosed
	}
	if err := validatePathComponent(sessionID); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}

	file, err := os.OpenFile(f.turnsPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // #nosec G304 - path component validated to prevent traversal
	if err != nil {
		return fmt.Errorf("open turn log: %w", err)
	}
	defer func() { _ = file.Close() }()

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write turn: %w", err)
	}
	return nil
}

// LoadTurns retrieves all turns for a session in append order.
func (f *FileTier) LoadTurns(ctx context.Context, sessionID string) ([]*Turn, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrTierClosed
	}
	if err := validatePathComponent(sessionID); err != nil {
		return nil, fmt.Errorf("invalid session ID: %w", err)
	}

	file, err := os.Open(f.turnsPath(sessionID)) // #nosec G304 - path component validated to prevent traversal
	if err != nil {
		if os.IsNotExist(err) {
			return []*Turn{}, nil
		}
		return nil, fmt.Errorf("open turn log: %w", err)
	}
	defer func() { _ = file.Close() }()

	var turns []*Turn
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var turn Turn
		if err := json.Unmarshal(scanner.Bytes(), &turn); err != nil {
			return nil, fmt.Errorf("parse turn: %w", err)
		}
		turns = append(turns, &turn)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan turn log: %w", err)
	}
	return turns, nil
}

// Close marks the tier closed.
func (f *FileTier) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}
