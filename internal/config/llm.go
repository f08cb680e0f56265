package config

import (
	"strings"
	"time"
)

// LLMConfig configures the chat completion client.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // dashscope, deepseek, openai, gemini
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	Timeout     string  `yaml:"timeout"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	MaxRetries  int     `yaml:"max_retries"`

	// EnableSearch asks the provider to ground completions with its own web
	// search. Only honored for models that accept the enable_search knob,
	// see SupportsNativeSearch.
	EnableSearch bool `yaml:"enable_search"`
}

// ProviderPreset holds the default endpoint and model for a provider.
type ProviderPreset struct {
	BaseURL string
	Model   string
}

// ProviderPresets maps provider names to their OpenAI-compatible endpoints.
//
// Supported models by provider:
//   - dashscope: qwen-plus (default), qwen-max, qwen-turbo, deepseek-r1
//   - deepseek:  deepseek-chat (default), deepseek-reasoner
//   - openai:    gpt-4o-mini (default), gpt-4o, gpt-4o-search-preview
//   - gemini:    gemini-2.0-flash (default), gemini-2.5-flash
var ProviderPresets = map[string]ProviderPreset{
	"dashscope": {
		BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1",
		Model:   "qwen-plus",
	},
	"deepseek": {
		BaseURL: "https://api.deepseek.com/v1",
		Model:   "deepseek-chat",
	},
	"openai": {
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o-mini",
	},
	"gemini": {
		BaseURL: "https://generativelanguage.googleapis.com/v1beta",
		Model:   "gemini-2.0-flash",
	},
}

// GetTimeout returns the request timeout, falling back to 180s when the
// configured value is absent or unparseable.
func (c LLMConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 180 * time.Second
	}
	return d
}

// ApplyPreset fills in the base URL and model from the provider preset
// when they are not explicitly configured.
func (c *LLMConfig) ApplyPreset() {
	preset, ok := ProviderPresets[c.Provider]
	if !ok {
		return
	}
	if c.BaseURL == "" {
		c.BaseURL = preset.BaseURL
	}
	if c.Model == "" {
		c.Model = preset.Model
	}
}

// searchCapableModels are model name fragments whose providers accept the
// enable_search extension on chat completion requests.
var searchCapableModels = []string{
	"deepseek-r1",
	"qwen",
	"gpt-4o-search",
	"gpt-4-search",
}

// SupportsNativeSearch reports whether the model can ground responses with
// provider-side web search.
func SupportsNativeSearch(model string) bool {
	lower := strings.ToLower(model)
	for _, fragment := range searchCapableModels {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// IsReasoningModel reports whether the model emits explicit reasoning
// content. Reasoning models ignore the enable_thinking toggle, so the
// client only sends it for everything else.
func IsReasoningModel(model string) bool {
	lower := strings.ToLower(model)
	return strings.Contains(lower, "deepseek-r1") || strings.Contains(lower, "deepseek-reasoner") ||
		strings.Contains(lower, "qwq") || strings.Contains(lower, "o1") || strings.Contains(lower, "o3")
}
