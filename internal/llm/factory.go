package llm

import (
	"fmt"

	"rowlift/internal/config"
	"rowlift/internal/types"
)

// New builds an LLM client for the configured provider. The preset is
// applied first so callers can pass a config with only provider and key
// set. Unknown providers with an explicit base URL fall back to the
// OpenAI-compatible client, which covers most self-hosted gateways.
func New(cfg config.LLMConfig) (types.LLMClient, error) {
	cfg.ApplyPreset()

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: no API key configured for provider %q", cfg.Provider)
	}

	switch cfg.Provider {
	case "gemini":
		return NewGeminiClient(cfg), nil
	case "dashscope", "deepseek", "openai":
		return NewOpenAIClient(cfg), nil
	default:
		if cfg.BaseURL != "" {
			return NewOpenAIClient(cfg), nil
		}
		return nil, fmt.Errorf("llm: unknown provider %q (valid: %v)", cfg.Provider, config.ValidProviders)
	}
}
