// Package llm selects the langchaingo model used for the summary turn.
package llm

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
)

// Provider identifies a supported LLM backend.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// ValidateProvider normalizes and checks a provider name.
func ValidateProvider(name string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(name))) {
	case ProviderOpenAI, "":
		return ProviderOpenAI, nil
	case ProviderAnthropic:
		return ProviderAnthropic, nil
	default:
		return "", fmt.Errorf("unsupported LLM provider: %s", name)
	}
}

// DefaultModel returns the provider's default model ID.
func DefaultModel(provider Provider) string {
	switch provider {
	case ProviderAnthropic:
		return "claude-3-5-haiku-latest"
	default:
		return "gpt-4o-mini"
	}
}

// NewModel creates a langchaingo model for the provider. API keys come
// from the conventional environment variables (OPENAI_API_KEY,
// ANTHROPIC_API_KEY) read by the underlying clients.
func NewModel(provider Provider, modelID string) (llms.Model, error) {
	if modelID == "" {
		modelID = DefaultModel(provider)
	}
	switch provider {
	case ProviderAnthropic:
		model, err := anthropic.New(anthropic.WithModel(modelID))
		if err != nil {
			return nil, fmt.Errorf("failed to create anthropic model: %w", err)
		}
		return model, nil
	default:
		model, err := openai.New(openai.WithModel(modelID))
		if err != nil {
			return nil, fmt.Errorf("failed to create openai model: %w", err)
		}
		return model, nil
	}
}
