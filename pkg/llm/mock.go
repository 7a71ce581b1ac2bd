package llm

import (
	"context"
	"sync"
)

// MockLLMClient is a configurable LLMClient for tests. Safe for concurrent use.
type MockLLMClient struct {
	// GenerateResponseFunc is called by GenerateResponse. If nil, an empty result is returned.
	GenerateResponseFunc func(ctx context.Context, prompt string, systemMessage string, temperature float64) (*GenerateResponseResult, error)

	Model    string
	Provider string

	mu      sync.Mutex
	prompts []string
}

// NewMockLLMClient creates a mock with default model and provider names.
func NewMockLLMClient() *MockLLMClient {
	return &MockLLMClient{Model: "mock-model", Provider: "mock"}
}

func (m *MockLLMClient) GenerateResponse(ctx context.Context, prompt string, systemMessage string, temperature float64) (*GenerateResponseResult, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()

	if m.GenerateResponseFunc != nil {
		return m.GenerateResponseFunc(ctx, prompt, systemMessage, temperature)
	}
	return &GenerateResponseResult{}, nil
}

func (m *MockLLMClient) GetModel() string {
	if m.Model == "" {
		return "mock-model"
	}
	return m.Model
}

func (m *MockLLMClient) GetProvider() string {
	if m.Provider == "" {
		return "mock"
	}
	return m.Provider
}

// Calls returns how many times GenerateResponse ran.
func (m *MockLLMClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

// Prompts returns a copy of every prompt received.
func (m *MockLLMClient) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

var _ LLMClient = (*MockLLMClient)(nil)
