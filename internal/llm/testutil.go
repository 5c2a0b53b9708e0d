package llm

import (
	"context"
	"sync"

	"github.com/sashabaranov/go-openai"
)

// MockChatClient is a scripted ChatClient for tests.
type MockChatClient struct {
	responses []openai.ChatCompletionResponse
	errors    []error
	calls     []openai.ChatCompletionRequest
	callIndex int
	mu        sync.Mutex
}

// NewMockChatClient creates an empty mock.
func NewMockChatClient() *MockChatClient {
	return &MockChatClient{}
}

// CreateChatCompletion returns the next scripted response or error.
func (m *MockChatClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)

	if m.callIndex >= len(m.responses) {
		return openai.ChatCompletionResponse{}, nil
	}

	resp := m.responses[m.callIndex]
	var err error
	if m.callIndex < len(m.errors) {
		err = m.errors[m.callIndex]
	}
	m.callIndex++
	return resp, err
}

// AddResponse scripts one response/error pair.
func (m *MockChatClient) AddResponse(resp openai.ChatCompletionResponse, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	m.errors = append(m.errors, err)
}

// AddTextResponse scripts a plain text completion.
func (m *MockChatClient) AddTextResponse(content string) {
	m.AddResponse(openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}},
		},
	}, nil)
}

// Calls returns a copy of the recorded requests.
func (m *MockChatClient) Calls() []openai.ChatCompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]openai.ChatCompletionRequest, len(m.calls))
	copy(calls, m.calls)
	return calls
}
