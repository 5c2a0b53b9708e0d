// Package contextstore provides tiered conversational storage for hostagent
// sessions. A Store layers a fast volatile hot tier, a process-local warm
// tier, and a durable cold tier behind a single read/write interface with a
// defined fallback order.
package contextstore

import (
	"encoding/json"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	// RoleUser marks a turn written by the end user.
	RoleUser Role = "user"
	// RoleAssistant marks a turn produced by the assistant.
	RoleAssistant Role = "assistant"
)

// Turn is a single message in a session. Turns are append-only and immutable
// once written; Seq is monotonic within a session, starting at 1.
type Turn struct {
	// SessionID is the owning session.
	SessionID string `json:"sessionId"`
	// Seq is the position of this turn within the session.
	Seq int `json:"seq"`
	// Role is who produced the turn.
	Role Role `json:"role"`
	// Text is the message content.
	Text string `json:"text"`
	// Files holds opaque attached-file handles, not content.
	Files []string `json:"files,omitempty"`
	// AgentID names the agent that produced an assistant turn.
	// Empty means the turn was answered directly.
	AgentID string `json:"agentId,omitempty"`
	// Decision is the raw classifier payload for the turn, kept for
	// observability and never parsed after the fact.
	Decision json.RawMessage `json:"decision,omitempty"`
	// Note records degraded-mode markers (classifier fallback, tier outage).
	Note string `json:"note,omitempty"`
	// Timestamp is when the turn was created.
	Timestamp time.Time `json:"timestamp"`
}

// SessionMetadata holds session summary information, stored separately from
// turns so listings do not load full histories.
type SessionMetadata struct {
	// ID is the unique session identifier.
	ID string `json:"id"`
	// UserID identifies the user (optional).
	UserID string `json:"userId,omitempty"`
	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is when the session last saw activity.
	UpdatedAt time.Time `json:"updatedAt"`
	// TurnCount is the number of turns appended so far.
	TurnCount int `json:"turnCount"`
}
