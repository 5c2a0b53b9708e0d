// Package llm wraps the OpenAI chat completion API behind a small interface
// so the classifier and the direct responder can be tested with a mock client.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/eyevi-dev/hostagent/pkg/contextstore"
)

// ChatClient is the subset of the OpenAI client hostagent uses.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// NewChatClient creates a real OpenAI-backed client.
// baseURL overrides the API endpoint for compatible gateways (optional).
func NewChatClient(apiKey, baseURL string) ChatClient {
	if baseURL == "" {
		return openai.NewClient(apiKey)
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return openai.NewClientWithConfig(cfg)
}

// Responder produces direct answers when no specialized agent is selected.
type Responder struct {
	client  ChatClient
	model   string
	timeout time.Duration
}

// DefaultResponderTimeout bounds a direct-answer completion.
const DefaultResponderTimeout = 30 * time.Second

const responderSystemPrompt = "You are a helpful multi-agent assistant. " +
	"Answer the user's message directly and concisely, using the conversation " +
	"history for context. Reply in the user's language."

// NewResponder creates a direct responder.
func NewResponder(client ChatClient, model string, timeout time.Duration) *Responder {
	if model == "" {
		model = openai.GPT4oMini
	}
	if timeout <= 0 {
		timeout = DefaultResponderTimeout
	}
	return &Responder{client: client, model: model, timeout: timeout}
}

// Respond answers the message directly, using recent turns as context.
func (r *Responder) Respond(ctx context.Context, message string, recent []*contextstore.Turn) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, len(recent)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: responderSystemPrompt,
	})
	for _, turn := range recent {
		role := openai.ChatMessageRoleUser
		if turn.Role == contextstore.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: turn.Text,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: message,
	})

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    r.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("direct completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("direct completion: empty response")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("direct completion: empty content")
	}
	return text, nil
}
