package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Provider names.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config holds the settings shared by every provider client.
type Config struct {
	Endpoint  string // optional base URL override
	Model     string
	APIKey    string
	MaxTokens int // anthropic requires a value; defaults to 512
}

// OpenAIClient talks to OpenAI-compatible chat completion endpoints.
type OpenAIClient struct {
	client   *openai.Client
	endpoint string
	model    string
	logger   *zap.Logger
}

// NewOpenAIClient creates an OpenAI-compatible client.
func NewOpenAIClient(cfg *Config, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	endpoint := clientConfig.BaseURL
	if cfg.Endpoint != "" {
		endpoint = strings.TrimSuffix(cfg.Endpoint, "/")
		clientConfig.BaseURL = endpoint
	}

	return &OpenAIClient{
		client:   openai.NewClientWithConfig(clientConfig),
		endpoint: endpoint,
		model:    cfg.Model,
		logger:   logger.Named("llm-openai"),
	}, nil
}

var _ LLMClient = (*OpenAIClient)(nil)

func (c *OpenAIClient) GenerateResponse(ctx context.Context, prompt string, systemMessage string, temperature float64) (*GenerateResponseResult, error) {
	start := time.Now()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemMessage},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: float32(temperature),
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		c.logger.Warn("Completion request failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, c.classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, NewError(ErrorTypeResponse, "no choices in response", false, nil)
	}

	c.logger.Debug("Completion request finished",
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("elapsed", time.Since(start)))

	return &GenerateResponseResult{
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, nil
}

func (c *OpenAIClient) GetModel() string { return c.model }

func (c *OpenAIClient) GetProvider() string { return ProviderOpenAI }

// classify uses the structured API error when the SDK provides one.
func (c *OpenAIClient) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return errorFromStatus(apiErr.HTTPStatusCode, err, c.model, c.endpoint)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return errorFromStatus(reqErr.HTTPStatusCode, err, c.model, c.endpoint)
	}
	classified := ClassifyError(err)
	classified.Model = c.model
	classified.Endpoint = c.endpoint
	return classified
}
