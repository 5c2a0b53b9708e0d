// Package orchestrator runs the per-turn control loop: load context, classify,
// dispatch to a backend agent or answer directly, persist both turns, respond.
// Every inbound message produces a response; downstream failures degrade the
// answer instead of failing the turn, except when durability itself is lost.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/eyevi-dev/hostagent/internal/classifier"
	"github.com/eyevi-dev/hostagent/internal/observability"
	"github.com/eyevi-dev/hostagent/pkg/contextstore"
	obsmetrics "github.com/eyevi-dev/hostagent/pkg/observability"
	"github.com/eyevi-dev/hostagent/pkg/protocol"
	"github.com/eyevi-dev/hostagent/pkg/registry"
)

// Status is the user-visible outcome of a turn.
type Status string

const (
	// StatusSuccess means the turn completed on its intended path.
	StatusSuccess Status = "success"
	// StatusDegraded means a fallback produced the answer.
	StatusDegraded Status = "degraded"
	// StatusError means the turn could not be completed or persisted.
	StatusError Status = "error"
)

// turnState names a position in the per-turn state machine. States are
// recorded as span events; transitions are linear per branch.
type turnState string

const (
	stateReceived        turnState = "Received"
	stateContextLoaded   turnState = "ContextLoaded"
	stateClassified      turnState = "Classified"
	stateDispatching     turnState = "Dispatching"
	stateDispatched      turnState = "Dispatched"
	stateDirectAnswering turnState = "DirectAnswering"
	statePersisted       turnState = "Persisted"
	stateResponded       turnState = "Responded"
	stateFailed          turnState = "Failed"
)

// ErrInvalidInput is returned for an empty message with no files.
var ErrInvalidInput = errors.New("message is empty and no files are attached")

// FallbackText is the substituted answer when both the routed agent and the
// direct responder are unavailable.
const FallbackText = "I'm sorry, I can't fully process your request right now. Please try again in a moment."

// Request is one inbound user message.
type Request struct {
	// SessionID is the conversation id; generated when empty.
	SessionID string
	// UserID identifies the user (optional).
	UserID string
	// Text is the message content.
	Text string
	// Files holds opaque attached-file handles.
	Files []string
}

// Response is the unified per-turn result.
type Response struct {
	// Text is the answer shown to the user.
	Text string `json:"response"`
	// AgentUsed names the agent that produced the answer; empty means the
	// answer came from the direct path.
	AgentUsed string `json:"agent_used,omitempty"`
	// SessionID is the (possibly generated) conversation id.
	SessionID string `json:"session_id"`
	// ClarifiedMessage is the classifier's context-enriched restatement.
	ClarifiedMessage string `json:"clarified_message,omitempty"`
	// Analysis is the classifier's routing explanation, passed through.
	Analysis string `json:"analysis,omitempty"`
	// Data is the agent's optional structured payload.
	Data json.RawMessage `json:"data,omitempty"`
	// Status is "success", "degraded", or "error".
	Status Status `json:"status"`
	// Timestamp is when the response was assembled.
	Timestamp time.Time `json:"timestamp"`
}

// Router produces a routing decision; it must never fail the turn.
type Router interface {
	Classify(ctx context.Context, message string, recent []*contextstore.Turn, agents []registry.AgentDescriptor) classifier.Decision
}

// Dispatcher sends a task to a resolved agent.
type Dispatcher interface {
	Dispatch(ctx context.Context, desc registry.AgentDescriptor, task protocol.Task) (*protocol.Result, error)
}

// DirectResponder answers a message without a backend agent.
type DirectResponder interface {
	Respond(ctx context.Context, message string, recent []*contextstore.Turn) (string, error)
}

// Options configures an Orchestrator.
type Options struct {
	// ContextTurns bounds the history excerpt loaded per turn.
	ContextTurns int
}

// Orchestrator coordinates one turn at a time per call. Turns for different
// sessions run concurrently; the persist step is serialized per session.
type Orchestrator struct {
	store        *contextstore.Store
	registry     *registry.Registry
	router       Router
	dispatcher   Dispatcher
	responder    DirectResponder
	locks        *sessionLocks
	contextTurns int
}

// New creates an orchestrator.
func New(store *contextstore.Store, reg *registry.Registry, router Router, dispatcher Dispatcher, responder DirectResponder, opts Options) *Orchestrator {
	if opts.ContextTurns <= 0 {
		opts.ContextTurns = classifier.DefaultMaxContextTurns
	}
	return &Orchestrator{
		store:        store,
		registry:     reg,
		router:       router,
		dispatcher:   dispatcher,
		responder:    responder,
		locks:        newSessionLocks(),
		contextTurns: opts.ContextTurns,
	}
}

// HandleMessage runs the full turn state machine. It always returns a
// non-nil Response; err is non-nil only for invalid input or a durability
// failure, mirroring the response's "error" status for the transport layer.
//
// Re-delivery of the same message on the same session is not deduplicated:
// there is no idempotency key, and each call appends a fresh pair of turns.
func (o *Orchestrator) HandleMessage(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	resp, err := o.handle(ctx, req)

	obsmetrics.RecordTurn(string(resp.Status), time.Since(start))
	return resp, err
}

func (o *Orchestrator) handle(ctx context.Context, req Request) (*Response, error) {
	now := time.Now().UTC()

	if strings.TrimSpace(req.Text) == "" && len(req.Files) == 0 {
		return &Response{
			Text:      "Message is empty. Send some text or attach a file.",
			SessionID: req.SessionID,
			Status:    StatusError,
			Timestamp: now,
		}, ErrInvalidInput
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
		log.Printf("orchestrator: generated session id %s", sessionID)
	}

	ctx, span := observability.StartSpan(ctx, "orchestrator.turn",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()
	span.AddEvent(string(stateReceived))

	// Context read is best-effort: a fully unavailable store yields an empty
	// history, not a failed turn.
	var note string
	recent, err := o.store.ReadRecent(ctx, sessionID, o.contextTurns)
	if err != nil {
		log.Printf("orchestrator: context read failed for %s, proceeding with empty history: %v", sessionID, err)
		recent = nil
		note = "context unavailable: " + err.Error()
	}
	span.AddEvent(string(stateContextLoaded))

	decision := o.router.Classify(ctx, req.Text, recent, o.registry.ListHealthy())
	span.AddEvent(string(stateClassified),
		trace.WithAttributes(attribute.String("decision.target", decision.Target)))
	if decision.Note != "" {
		note = joinNotes(note, decision.Note)
	}

	status := StatusSuccess
	if decision.Fallback == classifier.FallbackUnavailable {
		status = StatusDegraded
	}

	var (
		answer    string
		agentUsed string
		data      json.RawMessage
	)

	if !decision.IsDirect() {
		span.AddEvent(string(stateDispatching))
		result, dispatchErr := o.dispatch(ctx, sessionID, decision, recent, req.Files)
		if dispatchErr == nil {
			span.AddEvent(string(stateDispatched))
			answer = result.Text
			agentUsed = result.AgentID
			data = result.Data
		} else {
			// Never leave the user without a response because a downstream
			// agent is down; substitute a direct answer.
			log.Printf("orchestrator: dispatch to %s failed, degrading to direct answer: %v", decision.Target, dispatchErr)
			status = StatusDegraded
			note = joinNotes(note, "agent dispatch failed: "+dispatchErr.Error())
			decision.Target = ""
		}
	}

	if decision.IsDirect() && answer == "" {
		span.AddEvent(string(stateDirectAnswering))
		text, respondErr := o.responder.Respond(ctx, decision.Message, recent)
		if respondErr != nil {
			log.Printf("orchestrator: direct responder failed: %v", respondErr)
			status = StatusDegraded
			note = joinNotes(note, "direct responder failed: "+respondErr.Error())
			text = FallbackText
		}
		answer = text
	}

	if err := o.persist(ctx, sessionID, req, decision, answer, agentUsed, note); err != nil {
		// Durability is gone; the caller must know the turn did not persist.
		span.AddEvent(string(stateFailed))
		span.RecordError(err)
		return &Response{
			Text:      "Your message was processed but could not be saved. Please retry.",
			SessionID: sessionID,
			Status:    StatusError,
			Timestamp: time.Now().UTC(),
		}, err
	}
	span.AddEvent(string(statePersisted))

	resp := &Response{
		Text:             answer,
		AgentUsed:        agentUsed,
		SessionID:        sessionID,
		ClarifiedMessage: decision.Message,
		Analysis:         decision.Reason,
		Data:             data,
		Status:           status,
		Timestamp:        time.Now().UTC(),
	}
	span.AddEvent(string(stateResponded))
	return resp, nil
}

// dispatch resolves the decision's target and sends the task.
func (o *Orchestrator) dispatch(ctx context.Context, sessionID string, decision classifier.Decision, recent []*contextstore.Turn, files []string) (*protocol.Result, error) {
	desc, err := o.registry.Resolve(decision.Target)
	if err != nil {
		return nil, fmt.Errorf("resolve agent %q: %w", decision.Target, err)
	}

	excerpt := make([]protocol.ContextTurn, 0, len(recent))
	for _, turn := range recent {
		excerpt = append(excerpt, protocol.ContextTurn{
			Role: string(turn.Role),
			Text: turn.Text,
		})
	}

	return o.dispatcher.Dispatch(ctx, desc, protocol.Task{
		SessionID: sessionID,
		Message:   decision.Message,
		Context:   excerpt,
		Files:     files,
	})
}

// persist appends the user turn and the assistant turn atomically from the
// caller's perspective: sequence numbers are assigned under the per-session
// lock, and any required-tier failure reports the whole turn as unsaved.
func (o *Orchestrator) persist(ctx context.Context, sessionID string, req Request, decision classifier.Decision, answer, agentUsed, note string) error {
	unlock := o.locks.lock(sessionID)
	defer unlock()

	now := time.Now().UTC()

	meta, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, contextstore.ErrSessionNotFound) {
			return fmt.Errorf("load session metadata: %w", err)
		}
		meta = &contextstore.SessionMetadata{
			ID:        sessionID,
			UserID:    req.UserID,
			CreatedAt: now,
		}
	}

	userTurn := &contextstore.Turn{
		SessionID: sessionID,
		Seq:       meta.TurnCount + 1,
		Role:      contextstore.RoleUser,
		Text:      req.Text,
		Files:     req.Files,
		Timestamp: now,
	}
	assistantTurn := &contextstore.Turn{
		SessionID: sessionID,
		Seq:       meta.TurnCount + 2,
		Role:      contextstore.RoleAssistant,
		Text:      answer,
		AgentID:   agentUsed,
		Decision:  decision.Raw,
		Note:      note,
		Timestamp: now,
	}

	if err := o.store.AppendTurn(ctx, sessionID, userTurn); err != nil {
		return err
	}
	if err := o.store.AppendTurn(ctx, sessionID, assistantTurn); err != nil {
		return err
	}

	meta.TurnCount += 2
	meta.UpdatedAt = now
	if meta.UserID == "" {
		meta.UserID = req.UserID
	}
	return o.store.SaveSession(ctx, meta)
}

func joinNotes(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + "; " + b
}
