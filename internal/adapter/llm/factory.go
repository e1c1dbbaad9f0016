package llm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/relay/internal/config"
	"github.com/xiaot623/gogo/relay/internal/logger"
)

const (
	ProviderLiteLLM = "litellm"
	ProviderOpenAI  = "openai"
	ProviderMock    = "mock"
)

// NewLLMClient creates the completion client selected by cfg.LLMProvider.
func NewLLMClient(cfg *config.Config) (LLMClient, error) {
	switch cfg.LLMProvider {
	case ProviderMock:
		logger.Info("using mock LLM client")
		return NewMockClient(), nil
	case ProviderOpenAI:
		logger.Info("using openai LLM client", zap.String("base_url", cfg.OpenAIBaseURL))
		return NewOpenAIClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.LLMTimeout), nil
	case ProviderLiteLLM, "":
		logger.Info("using litellm LLM client", zap.String("base_url", cfg.LiteLLMURL))
		return NewClient(cfg.LiteLLMURL, cfg.LiteLLMAPIKey, cfg.LLMTimeout), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLMProvider)
	}
}
