package llm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/config"
)

// NewClient builds the provider client selected by the classifier config.
func NewClient(cfg *config.ClassifierConfig, logger *zap.Logger) (LLMClient, error) {
	clientCfg := &Config{
		Endpoint: cfg.BaseURL,
		Model:    cfg.Model,
		APIKey:   cfg.APIKey,
	}

	switch cfg.Provider {
	case "", ProviderOpenAI:
		return NewOpenAIClient(clientCfg, logger)
	case ProviderAnthropic:
		return NewAnthropicClient(clientCfg, logger)
	default:
		return nil, fmt.Errorf("unsupported classifier provider %q", cfg.Provider)
	}
}
