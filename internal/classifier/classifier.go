// Package classifier turns a user message plus recent context into a routing
// decision: a target agent id or the direct-answer path. The classifier is a
// fixed prompt contract over an LLM call; it never fails a turn. Any decode
// failure or upstream outage degrades to the direct-answer decision with a
// flagged note, so routing is never a single point of total failure.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/eyevi-dev/hostagent/internal/llm"
	"github.com/eyevi-dev/hostagent/pkg/contextstore"
	"github.com/eyevi-dev/hostagent/pkg/observability"
	"github.com/eyevi-dev/hostagent/pkg/registry"
)

// DirectSentinel is the agent value the model uses to mean "answer directly".
const DirectSentinel = "direct"

// Defaults, overridable via config.
const (
	DefaultMaxContextTurns = 6
	DefaultTimeout         = 15 * time.Second
	defaultTemperature     = 0.3
)

// FallbackKind records why a decision degraded to direct-answer.
type FallbackKind string

const (
	// FallbackNone means the decision came from the model as-is.
	FallbackNone FallbackKind = ""
	// FallbackUnavailable means the classifier call itself failed.
	FallbackUnavailable FallbackKind = "classifier_unavailable"
	// FallbackParse means the model output was unparseable.
	FallbackParse FallbackKind = "unparseable_output"
	// FallbackUnknownAgent means the model chose an agent not on offer.
	FallbackUnknownAgent FallbackKind = "unknown_agent"
)

// Decision is the classifier's structured routing output.
// It is created fresh per turn and persisted only on the owning Turn.
type Decision struct {
	// Target is the selected agent id; empty means answer directly.
	Target string
	// Reason is the model's explanation, passed through opaquely.
	Reason string
	// Message is the exact text to forward, possibly enriched with context.
	Message string
	// Fallback is set when the decision degraded to direct-answer.
	Fallback FallbackKind
	// Note is the human-readable degraded-mode marker kept on the Turn.
	Note string
	// Raw is the decision payload as recorded on the Turn.
	Raw json.RawMessage
}

// IsDirect reports whether the decision selects the direct-answer path.
func (d Decision) IsDirect() bool { return d.Target == "" }

// Classifier wraps the LLM routing call.
type Classifier struct {
	client          llm.ChatClient
	model           string
	maxContextTurns int
	timeout         time.Duration
}

// Options configures a Classifier.
type Options struct {
	// Model is the completion model to use.
	Model string
	// MaxContextTurns bounds the prior-turn excerpt sent to the model.
	MaxContextTurns int
	// Timeout bounds the classification call.
	Timeout time.Duration
}

// New creates a classifier over the given chat client.
func New(client llm.ChatClient, opts Options) *Classifier {
	if opts.Model == "" {
		opts.Model = openai.GPT4oMini
	}
	if opts.MaxContextTurns <= 0 {
		opts.MaxContextTurns = DefaultMaxContextTurns
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Classifier{
		client:          client,
		model:           opts.Model,
		maxContextTurns: opts.MaxContextTurns,
		timeout:         opts.Timeout,
	}
}

// modelDecision is the JSON shape the model is asked to produce.
type modelDecision struct {
	Agent   string `json:"agent"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Classify produces a routing decision for the message. It never returns an
// error: every failure mode collapses to the direct-answer decision with a
// distinct fallback kind and a note that the orchestrator keeps on the Turn.
func (c *Classifier) Classify(ctx context.Context, message string, recent []*contextstore.Turn, agents []registry.AgentDescriptor) Decision {
	if len(agents) == 0 {
		return fallbackDecision(message, FallbackNone, "no agents available, answering directly")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: defaultTemperature,
		Messages:    c.buildMessages(message, recent, agents),
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		observability.RecordClassifierFallback(string(FallbackUnavailable))
		return fallbackDecision(message, FallbackUnavailable, fmt.Sprintf("classifier unavailable: %v", err))
	}
	if len(resp.Choices) == 0 {
		observability.RecordClassifierFallback(string(FallbackParse))
		return fallbackDecision(message, FallbackParse, "classifier returned no choices")
	}

	raw := resp.Choices[0].Message.Content

	var md modelDecision
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		observability.RecordClassifierFallback(string(FallbackParse))
		return fallbackDecision(message, FallbackParse, fmt.Sprintf("unparseable classifier output: %v", err))
	}

	forward := strings.TrimSpace(md.Message)
	if forward == "" {
		forward = message
	}

	target := strings.TrimSpace(md.Agent)
	if target == "" || strings.EqualFold(target, DirectSentinel) {
		return Decision{
			Target:  "",
			Reason:  md.Reason,
			Message: forward,
			Raw:     json.RawMessage(raw),
		}
	}

	// Only agents on offer are trusted as control signals.
	for _, a := range agents {
		if a.ID == target {
			return Decision{
				Target:  target,
				Reason:  md.Reason,
				Message: forward,
				Raw:     json.RawMessage(raw),
			}
		}
	}

	observability.RecordClassifierFallback(string(FallbackUnknownAgent))
	return fallbackDecision(message, FallbackUnknownAgent, fmt.Sprintf("classifier selected unknown agent %q", target))
}

func (c *Classifier) buildMessages(message string, recent []*contextstore.Turn, agents []registry.AgentDescriptor) []openai.ChatCompletionMessage {
	var b strings.Builder
	b.WriteString("You route user messages in a multi-agent assistant.\n")
	b.WriteString("Available agents:\n")
	for _, a := range agents {
		b.WriteString("- ")
		b.WriteString(a.ID)
		if a.Label != "" {
			b.WriteString(" (")
			b.WriteString(a.Label)
			b.WriteString(")")
		}
		if len(a.Capabilities) > 0 {
			b.WriteString(": ")
			b.WriteString(strings.Join(a.Capabilities, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString("- " + DirectSentinel + ": greetings, small talk, and anything no agent covers\n\n")
	b.WriteString(`Respond with a JSON object: {"agent": "<agent id or direct>", ` +
		`"reason": "<why>", "message": "<the user's request, restated with any ` +
		`context needed for the agent to handle it standalone>"}`)

	if len(recent) > c.maxContextTurns {
		recent = recent[len(recent)-c.maxContextTurns:]
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: b.String()},
	}
	for _, turn := range recent {
		role := openai.ChatMessageRoleUser
		if turn.Role == contextstore.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Text})
	}
	return append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: message,
	})
}

// fallbackDecision builds the direct-answer decision used for every degraded
// path, with the note recorded in the raw payload for the Turn.
func fallbackDecision(message string, kind FallbackKind, note string) Decision {
	raw, _ := json.Marshal(map[string]string{
		"agent":    DirectSentinel,
		"fallback": string(kind),
		"note":     note,
	})
	return Decision{
		Target:   "",
		Message:  message,
		Fallback: kind,
		Note:     note,
		Raw:      raw,
	}
}
