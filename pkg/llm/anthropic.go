package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/liushuangls/go-anthropic/v2"
	"go.uber.org/zap"
)

const defaultMaxTokens = 512

// AnthropicClient talks to the Anthropic messages API.
type AnthropicClient struct {
	client    *anthropic.Client
	model     string
	maxTokens int
	endpoint  string
	logger    *zap.Logger
}

// NewAnthropicClient creates an Anthropic client.
func NewAnthropicClient(cfg *Config, logger *zap.Logger) (*AnthropicClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	var opts []anthropic.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, anthropic.WithBaseURL(strings.TrimSuffix(cfg.Endpoint, "/")))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &AnthropicClient{
		client:    anthropic.NewClient(cfg.APIKey, opts...),
		model:     cfg.Model,
		maxTokens: maxTokens,
		endpoint:  cfg.Endpoint,
		logger:    logger.Named("llm-anthropic"),
	}, nil
}

var _ LLMClient = (*AnthropicClient)(nil)

func (c *AnthropicClient) GenerateResponse(ctx context.Context, prompt string, systemMessage string, temperature float64) (*GenerateResponseResult, error) {
	start := time.Now()
	temp := float32(temperature)

	resp, err := c.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:       anthropic.Model(c.model),
		System:      systemMessage,
		MaxTokens:   c.maxTokens,
		Temperature: &temp,
		Messages: []anthropic.Message{
			anthropic.NewUserTextMessage(prompt),
		},
	})
	if err != nil {
		c.logger.Warn("Messages request failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, c.classify(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == anthropic.MessagesContentTypeText && block.Text != nil {
			text.WriteString(*block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, NewError(ErrorTypeResponse, "no text content in response", false, nil)
	}

	c.logger.Debug("Messages request finished",
		zap.Int("input_tokens", resp.Usage.InputTokens),
		zap.Int("output_tokens", resp.Usage.OutputTokens),
		zap.Duration("elapsed", time.Since(start)))

	return &GenerateResponseResult{
		Content:          text.String(),
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}, nil
}

func (c *AnthropicClient) GetModel() string { return c.model }

func (c *AnthropicClient) GetProvider() string { return ProviderAnthropic }

func (c *AnthropicClient) classify(err error) error {
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.IsRateLimitErr():
			return errorFromStatus(429, err, c.model, c.endpoint)
		case apiErr.IsOverloadedErr(), apiErr.IsApiErr():
			return errorFromStatus(503, err, c.model, c.endpoint)
		case apiErr.IsAuthenticationErr(), apiErr.IsPermissionErr():
			return errorFromStatus(401, err, c.model, c.endpoint)
		case apiErr.IsNotFoundErr():
			return errorFromStatus(404, err, c.model, c.endpoint)
		case apiErr.IsInvalidRequestErr():
			return errorFromStatus(400, err, c.model, c.endpoint)
		}
	}
	var reqErr *anthropic.RequestError
	if errors.As(err, &reqErr) && reqErr.StatusCode > 0 {
		return errorFromStatus(reqErr.StatusCode, err, c.model, c.endpoint)
	}
	classified := ClassifyError(err)
	classified.Model = c.model
	classified.Endpoint = c.endpoint
	return classified
}
