package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eyevi-dev/hostagent/internal/classifier"
	"github.com/eyevi-dev/hostagent/pkg/contextstore"
	"github.com/eyevi-dev/hostagent/pkg/protocol"
	"github.com/eyevi-dev/hostagent/pkg/registry"
)

// stubRouter returns a fixed decision.
type stubRouter struct {
	decision classifier.Decision
}

func (s stubRouter) Classify(ctx context.Context, message string, recent []*contextstore.Turn, agents []registry.AgentDescriptor) classifier.Decision {
	return s.decision
}

// stubResponder returns fixed direct-answer text.
type stubResponder struct {
	text string
	err  error
}

func (s stubResponder) Respond(ctx context.Context, message string, recent []*contextstore.Turn) (string, error) {
	return s.text, s.err
}

// stubDispatcher records the task it was given.
type stubDispatcher struct {
	result *protocol.Result
	err    error
	task   protocol.Task
	called bool
}

func (s *stubDispatcher) Dispatch(ctx context.Context, desc registry.AgentDescriptor, task protocol.Task) (*protocol.Result, error) {
	s.called = true
	s.task = task
	return s.result, s.err
}

// failingTier rejects every write; used as the required tier to simulate a
// durable-store outage.
type failingTier struct{}

func (failingTier) Name() string { return "broken" }
func (failingTier) SaveSession(ctx context.Context, meta *contextstore.SessionMetadata) error {
	return errors.New("disk full")
}
func (failingTier) LoadSession(ctx context.Context, sessionID string) (*contextstore.SessionMetadata, error) {
	return nil, contextstore.ErrSessionNotFound
}
func (failingTier) DeleteSession(ctx context.Context, sessionID string) error { return nil }
func (failingTier) ListSessions(ctx context.Context) ([]*contextstore.SessionMetadata, error) {
	return nil, nil
}
func (failingTier) AppendTurn(ctx context.Context, sessionID string, turn *contextstore.Turn) error {
	return errors.New("disk full")
}
func (failingTier) LoadTurns(ctx context.Context, sessionID string) ([]*contextstore.Turn, error) {
	return nil, contextstore.ErrSessionNotFound
}
func (failingTier) Close() error { return nil }

func testStore(t *testing.T) *contextstore.Store {
	t.Helper()

	store := contextstore.NewStore()
	store.AddTier(contextstore.NewMemoryTier(0), false)

	fileTier, err := contextstore.NewFileTier(t.TempDir())
	require.NoError(t, err)
	store.AddTier(fileTier, true)

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func directDecision(message string) classifier.Decision {
	raw, _ := json.Marshal(map[string]string{"agent": "direct", "message": message})
	return classifier.Decision{Message: message, Reason: "small talk", Raw: raw}
}

func routedDecision(target, message string) classifier.Decision {
	raw, _ := json.Marshal(map[string]string{"agent": target, "message": message})
	return classifier.Decision{Target: target, Message: message, Reason: "routed", Raw: raw}
}

func TestGreetingAnsweredDirectly(t *testing.T) {
	store := testStore(t)
	reg := registry.New([]registry.AgentDescriptor{{ID: "search", Address: "http://search:7001"}})
	dispatcher := &stubDispatcher{}

	o := New(store, reg,
		stubRouter{decision: directDecision("Xin chào")},
		dispatcher,
		stubResponder{text: "Chào bạn! Tôi có thể giúp gì cho bạn?"},
		Options{})

	resp, err := o.HandleMessage(context.Background(), Request{SessionID: "sess-1", Text: "Xin chào"})
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, "Chào bạn! Tôi có thể giúp gì cho bạn?", resp.Text)
	assert.Empty(t, resp.AgentUsed, "direct answers carry no agent attribution")
	assert.False(t, dispatcher.called)

	// Both turns persisted with contiguous sequence numbers.
	turns, err := store.Read(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, 1, turns[0].Seq)
	assert.Equal(t, contextstore.RoleUser, turns[0].Role)
	assert.Equal(t, "Xin chào", turns[0].Text)
	assert.Equal(t, 2, turns[1].Seq)
	assert.Equal(t, contextstore.RoleAssistant, turns[1].Role)
	assert.NotEmpty(t, turns[1].Decision, "decision payload persists on the assistant turn")
}

func TestRoutedDispatchSuccess(t *testing.T) {
	store := testStore(t)
	reg := registry.New([]registry.AgentDescriptor{{ID: "search", Address: "http://search:7001"}})
	data := json.RawMessage(`{"count": 2}`)
	dispatcher := &stubDispatcher{result: &protocol.Result{Text: "two matches", Data: data, AgentID: "search"}}

	o := New(store, reg,
		stubRouter{decision: routedDecision("search", "find red sneakers")},
		dispatcher,
		stubResponder{text: "unused"},
		Options{})

	resp, err := o.HandleMessage(context.Background(), Request{SessionID: "sess-1", Text: "do you have these?", Files: []string{"img-1"}})
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, "two matches", resp.Text)
	assert.Equal(t, "search", resp.AgentUsed)
	assert.Equal(t, "find red sneakers", resp.ClarifiedMessage)
	assert.Equal(t, "routed", resp.Analysis)
	assert.JSONEq(t, `{"count": 2}`, string(resp.Data))

	// The enriched message and file handles reach the agent.
	assert.Equal(t, "find red sneakers", dispatcher.task.Message)
	assert.Equal(t, []string{"img-1"}, dispatcher.task.Files)
	assert.Equal(t, "sess-1", dispatcher.task.SessionID)

	turns, err := store.Read(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "search", turns[1].AgentID)
	assert.Equal(t, []string{"img-1"}, turns[0].Files)
}

func TestDispatchFailureDegradesToDirect(t *testing.T) {
	store := testStore(t)
	reg := registry.New([]registry.AgentDescriptor{{ID: "search", Address: "http://search:7001"}})
	dispatcher := &stubDispatcher{err: &protocol.DispatchError{Kind: protocol.KindUnreachable, AgentID: "search", Message: "connection refused"}}

	o := New(store, reg,
		stubRouter{decision: routedDecision("search", "find shoes")},
		dispatcher,
		stubResponder{text: "I couldn't reach the search service, but here's what I know."},
		Options{})

	resp, err := o.HandleMessage(context.Background(), Request{SessionID: "sess-1", Text: "find shoes"})
	require.NoError(t, err, "a downstream outage must not fail the turn")

	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Equal(t, "I couldn't reach the search service, but here's what I know.", resp.Text)
	assert.Empty(t, resp.AgentUsed)

	turns, err := store.Read(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Contains(t, turns[1].Note, "dispatch failed")
}

func TestAgentTimeoutMarksUnhealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	store := testStore(t)
	reg := registry.New([]registry.AgentDescriptor{{ID: "search", Address: server.URL}})
	client := protocol.NewClient(reg, protocol.Options{
		Timeout:           50 * time.Millisecond,
		RetryBackoff:      time.Millisecond,
		UnhealthyCooldown: 30 * time.Second,
	})

	o := New(store, reg,
		stubRouter{decision: routedDecision("search", "find shoes")},
		client,
		stubResponder{text: "degraded answer"},
		Options{})

	resp, err := o.HandleMessage(context.Background(), Request{SessionID: "sess-1", Text: "find shoes"})
	require.NoError(t, err)

	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Equal(t, "degraded answer", resp.Text)
	assert.False(t, reg.IsHealthy("search"), "timed-out agent must be marked unhealthy")
}

func TestBothPathsDownSubstitutesFallbackText(t *testing.T) {
	store := testStore(t)
	reg := registry.New(nil)

	o := New(store, reg,
		stubRouter{decision: directDecision("hello")},
		&stubDispatcher{},
		stubResponder{err: errors.New("llm down")},
		Options{})

	resp, err := o.HandleMessage(context.Background(), Request{SessionID: "sess-1", Text: "hello"})
	require.NoError(t, err)

	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Equal(t, FallbackText, resp.Text)

	// The canned answer still persists as the assistant turn.
	turns, err := store.Read(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, FallbackText, turns[1].Text)
	assert.Contains(t, turns[1].Note, "responder failed")
}

func TestClassifierUnavailableDegrades(t *testing.T) {
	store := testStore(t)
	reg := registry.New(nil)

	decision := classifier.Decision{
		Message:  "hello",
		Fallback: classifier.FallbackUnavailable,
		Note:     "classifier unavailable: connection refused",
		Raw:      json.RawMessage(`{"agent": "direct"}`),
	}

	o := New(store, reg,
		stubRouter{decision: decision},
		&stubDispatcher{},
		stubResponder{text: "direct answer"},
		Options{})

	resp, err := o.HandleMessage(context.Background(), Request{SessionID: "sess-1", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Equal(t, "direct answer", resp.Text)
}

func TestParseFallbackKeepsSuccess(t *testing.T) {
	store := testStore(t)
	reg := registry.New(nil)

	decision := classifier.Decision{
		Message:  "hello",
		Fallback: classifier.FallbackParse,
		Note:     "unparseable classifier output",
		Raw:      json.RawMessage(`{"agent": "direct"}`),
	}

	o := New(store, reg,
		stubRouter{decision: decision},
		&stubDispatcher{},
		stubResponder{text: "answer"},
		Options{})

	resp, err := o.HandleMessage(context.Background(), Request{SessionID: "sess-1", Text: "hello"})
	require.NoError(t, err)

	// A parse fallback still answers normally; only the note records it.
	assert.Equal(t, StatusSuccess, resp.Status)

	turns, err := store.Read(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Contains(t, turns[1].Note, "unparseable")
}

func TestSequentialTurnsExtendSequence(t *testing.T) {
	store := testStore(t)
	reg := registry.New(nil)

	o := New(store, reg,
		stubRouter{decision: directDecision("hi")},
		&stubDispatcher{},
		stubResponder{text: "hello"},
		Options{})

	ctx := context.Background()
	_, err := o.HandleMessage(ctx, Request{SessionID: "sess-1", Text: "first"})
	require.NoError(t, err)
	_, err = o.HandleMessage(ctx, Request{SessionID: "sess-1", Text: "second"})
	require.NoError(t, err)

	turns, err := store.Read(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, turns, 4)
	for i, turn := range turns {
		assert.Equal(t, i+1, turn.Seq)
	}

	meta, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 4, meta.TurnCount)
}

func TestEmptyInputRejected(t *testing.T) {
	store := testStore(t)
	reg := registry.New(nil)

	o := New(store, reg,
		stubRouter{decision: directDecision("")},
		&stubDispatcher{},
		stubResponder{text: "unused"},
		Options{})

	resp, err := o.HandleMessage(context.Background(), Request{SessionID: "sess-1", Text: "   "})
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, StatusError, resp.Status)

	// Nothing persisted.
	turns, readErr := store.Read(context.Background(), "sess-1")
	require.NoError(t, readErr)
	assert.Empty(t, turns)
}

func TestFilesOnlyInputAccepted(t *testing.T) {
	store := testStore(t)
	reg := registry.New(nil)

	o := New(store, reg,
		stubRouter{decision: directDecision("")},
		&stubDispatcher{},
		stubResponder{text: "nice picture"},
		Options{})

	resp, err := o.HandleMessage(context.Background(), Request{SessionID: "sess-1", Files: []string{"img-1"}})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, resp.Status)
}

func TestGeneratedSessionID(t *testing.T) {
	store := testStore(t)
	reg := registry.New(nil)

	o := New(store, reg,
		stubRouter{decision: directDecision("hi")},
		&stubDispatcher{},
		stubResponder{text: "hello"},
		Options{})

	resp, err := o.HandleMessage(context.Background(), Request{Text: "hi"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.SessionID)

	turns, err := store.Read(context.Background(), resp.SessionID)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestDurabilityFailureReportsError(t *testing.T) {
	store := contextstore.NewStore()
	store.AddTier(contextstore.NewMemoryTier(0), false)
	store.AddTier(failingTier{}, true)

	reg := registry.New(nil)
	o := New(store, reg,
		stubRouter{decision: directDecision("hi")},
		&stubDispatcher{},
		stubResponder{text: "hello"},
		Options{})

	resp, err := o.HandleMessage(context.Background(), Request{SessionID: "sess-1", Text: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, contextstore.ErrDurabilityFailure)
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Text, "could not be saved")
}

func TestVolatileOnlyStoreStillAnswers(t *testing.T) {
	// A store with no durable tier configured: writes have no required tier
	// to fail, so turns still complete.
	store := contextstore.NewStore()
	store.AddTier(contextstore.NewMemoryTier(0), false)

	reg := registry.New(nil)
	o := New(store, reg,
		stubRouter{decision: directDecision("hi")},
		&stubDispatcher{},
		stubResponder{text: "hello"},
		Options{})

	resp, err := o.HandleMessage(context.Background(), Request{SessionID: "sess-1", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, "hello", resp.Text)
}
