// Package llm provides the chat-completion clients behind the external field classifier.
package llm

import "context"

// LLMClient is a provider-neutral chat completion client.
type LLMClient interface {
	// GenerateResponse sends one system + user message pair and returns the reply.
	GenerateResponse(ctx context.Context, prompt string, systemMessage string, temperature float64) (*GenerateResponseResult, error)

	// GetModel returns the configured model name.
	GetModel() string

	// GetProvider returns the provider name (openai, anthropic).
	GetProvider() string
}

// GenerateResponseResult carries the reply text and token usage.
type GenerateResponseResult struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}
