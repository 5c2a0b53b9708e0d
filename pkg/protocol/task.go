// Package protocol implements the client side of the inter-agent protocol.
// A task is POSTed to the target agent's /handle endpoint as JSON; the
// response is normalized into a single Result shape or a typed dispatch
// failure. Every dispatch attempt updates the shared registry's health state.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ContextTurn is one entry of the bounded conversational excerpt sent along
// with a task. Only role and text cross the wire; file handles and decision
// payloads stay local.
type ContextTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Task is the unit of work sent to a remote agent.
type Task struct {
	// SessionID identifies the conversation.
	SessionID string `json:"session_id"`
	// Message is the text to handle, possibly enriched by the classifier.
	Message string `json:"message"`
	// Context is a bounded excerpt of recent turns.
	Context []ContextTurn `json:"context,omitempty"`
	// Files holds opaque attached-file handles.
	Files []string `json:"files,omitempty"`
}

// Result is the normalized successful response from an agent.
type Result struct {
	// Text is the agent's response text.
	Text string `json:"response"`
	// Data is optional structured payload, passed through opaquely.
	Data json.RawMessage `json:"data,omitempty"`
	// AgentID is the agent that actually produced the result.
	// It must equal the dispatched target.
	AgentID string `json:"agent_id"`
}

// FailureKind classifies a dispatch failure.
type FailureKind string

const (
	// KindTimeout means the per-call deadline elapsed.
	KindTimeout FailureKind = "timeout"
	// KindUnreachable means transport-level failure after the single retry.
	KindUnreachable FailureKind = "unreachable"
	// KindAgent means the agent returned a well-formed error response.
	KindAgent FailureKind = "agent_error"
)

// DispatchError is a typed dispatch failure.
type DispatchError struct {
	// Kind classifies the failure.
	Kind FailureKind
	// AgentID is the dispatched target.
	AgentID string
	// Code is the agent's error code, for KindAgent failures.
	Code string
	// Message describes the failure. For KindAgent it is the agent's own
	// error message, surfaced verbatim.
	Message string
	// Err is the underlying transport error, if any.
	Err error
}

func (e *DispatchError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("dispatch to %s failed (%s/%s): %s", e.AgentID, e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("dispatch to %s failed (%s): %s", e.AgentID, e.Kind, e.Message)
}

func (e *DispatchError) Unwrap() error { return e.Err }
