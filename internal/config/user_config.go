package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// UserConfig holds per-workspace settings from .rowlift/config.json.
// This is the profile a user edits with `rowlift config set`; the YAML
// Config is assembled from it plus environment overrides at startup.
//
// Supported models by provider:
//   - dashscope: qwen-plus (default), qwen-max, qwen-turbo, deepseek-r1
//   - deepseek:  deepseek-chat (default), deepseek-reasoner
//   - openai:    gpt-4o-mini (default), gpt-4o, gpt-4o-search-preview
//   - gemini:    gemini-2.0-flash (default), gemini-2.5-flash
type UserConfig struct {
	// Provider selection (dashscope, deepseek, openai, gemini)
	Provider string `json:"provider,omitempty"`

	// One stored key per provider; GetActiveProvider picks the live one.
	APIKey          string `json:"api_key,omitempty"`           // Legacy: single key
	DashScopeAPIKey string `json:"dashscope_api_key,omitempty"` // Alibaba DashScope
	DeepSeekAPIKey  string `json:"deepseek_api_key,omitempty"`  // DeepSeek
	OpenAIAPIKey    string `json:"openai_api_key,omitempty"`    // OpenAI
	GeminiAPIKey    string `json:"gemini_api_key,omitempty"`    // Google Gemini

	// Model overrides the provider preset's default model
	Model string `json:"model,omitempty"`

	// Brave Search API key for the web_search tool server
	BraveAPIKey string `json:"brave_api_key,omitempty"`

	// Theme for CLI output ("light" or "dark")
	Theme string `json:"theme,omitempty"`

	// Default schema file used when --schema is not passed
	DefaultSchema string `json:"default_schema,omitempty"`

	// Engine settings (batch size, workers, cache)
	Engine *EngineConfig `json:"engine,omitempty"`

	// MCP tool server settings
	MCP *MCPConfig `json:"mcp,omitempty"`

	// Embedding engine configuration for semantic tool search
	Embedding *EmbeddingConfig `json:"embedding,omitempty"`

	// Logging configuration (also read directly by the logging package)
	Logging *LoggingConfig `json:"logging,omitempty"`
}

// DefaultUserConfigPath returns the default path to .rowlift/config.json.
func DefaultUserConfigPath() string {
	root, err := FindWorkspaceRoot()
	if err != nil {
		return filepath.Join(".rowlift", "config.json")
	}
	return filepath.Join(root, ".rowlift", "config.json")
}

// FindWorkspaceRoot walks up from the working directory looking for a
// .rowlift directory or a go.mod. When neither exists anywhere above,
// the working directory itself is the root.
func FindWorkspaceRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for dir := cwd; ; {
		for _, marker := range []string{".rowlift", "go.mod"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return cwd, nil
		}
		dir = parent
	}
}

// LoadUserConfig reads a profile. A missing file yields an empty profile,
// not an error, so first runs work without any setup.
func LoadUserConfig(path string) (*UserConfig, error) {
	cfg := &UserConfig{}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("config: read profile %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the profile as indented JSON, creating .rowlift/ if needed.
func (c *UserConfig) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal profile: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write profile %s: %w", path, err)
	}
	return nil
}

// GlobalConfig loads the profile from the default workspace path. Missing
// file still gives a usable (empty) profile.
func GlobalConfig() (*UserConfig, error) {
	return LoadUserConfig(DefaultUserConfigPath())
}

// keyFor returns the stored API key for a provider name.
func (c *UserConfig) keyFor(provider string) string {
	switch provider {
	case "dashscope":
		return c.DashScopeAPIKey
	case "deepseek":
		return c.DeepSeekAPIKey
	case "openai":
		return c.OpenAIAPIKey
	case "gemini":
		return c.GeminiAPIKey
	}
	return ""
}

// GetActiveProvider resolves which provider to run with and its key.
// An explicitly selected provider wins when its key is stored. Otherwise
// the first provider with a key, in ValidProviders order. The legacy
// api_key field counts as a dashscope key.
func (c *UserConfig) GetActiveProvider() (provider string, apiKey string) {
	if c.Provider != "" {
		if key := c.keyFor(c.Provider); key != "" {
			return c.Provider, key
		}
	}
	for _, p := range ValidProviders {
		if key := c.keyFor(p); key != "" {
			return p, key
		}
	}
	if c.APIKey != "" {
		return "dashscope", c.APIKey
	}
	return "", ""
}

// GetBraveAPIKey returns the Brave Search key, environment first, then
// the profile. Empty when neither is set.
func (c *UserConfig) GetBraveAPIKey() string {
	if key := os.Getenv("BRAVE_API_KEY"); key != "" {
		return key
	}
	if c != nil && c.BraveAPIKey != "" {
		return c.BraveAPIKey
	}
	return ""
}

// orDefault substitutes def for an empty string value.
func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// GetEngineConfig returns engine settings with defaults filled in.
// CacheEnabled defaults on only when the engine section is absent; an
// explicit section with the flag unset means off.
func (c *UserConfig) GetEngineConfig() EngineConfig {
	if c.Engine == nil {
		return EngineConfig{BatchSize: 15, Workers: 5, CacheEnabled: true, CacheTTL: "168h"}
	}
	cfg := *c.Engine
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 15
	}
	if cfg.Workers == 0 {
		cfg.Workers = 5
	}
	cfg.CacheTTL = orDefault(cfg.CacheTTL, "168h")
	return cfg
}

// GetEmbeddingConfig returns the embedding config, defaulting to local
// Ollama so semantic search works without any cloud key.
func (c *UserConfig) GetEmbeddingConfig() EmbeddingConfig {
	var cfg EmbeddingConfig
	if c.Embedding != nil {
		cfg = *c.Embedding
	}
	cfg.Provider = orDefault(cfg.Provider, "ollama")
	cfg.OllamaEndpoint = orDefault(cfg.OllamaEndpoint, "http://localhost:11434")
	cfg.OllamaModel = orDefault(cfg.OllamaModel, "embeddinggemma")
	cfg.GenAIModel = orDefault(cfg.GenAIModel, "gemini-embedding-001")
	cfg.TaskType = orDefault(cfg.TaskType, "SEMANTIC_SIMILARITY")
	return cfg
}

// GetLogging returns logging settings. DebugMode stays false unless the
// profile turns it on, so production runs write no log files.
func (c *UserConfig) GetLogging() LoggingConfig {
	var cfg LoggingConfig
	if c.Logging != nil {
		cfg = *c.Logging
	}
	cfg.Level = orDefault(cfg.Level, "info")
	cfg.Format = orDefault(cfg.Format, "text")
	return cfg
}

// ToConfig assembles a full Config from the profile, the provider presets,
// and environment overrides. The result is what the CLI actually runs with.
func (c *UserConfig) ToConfig() *Config {
	cfg := DefaultConfig()

	if provider, key := c.GetActiveProvider(); provider != "" {
		cfg.LLM.Provider = provider
		cfg.LLM.APIKey = key
		if preset, ok := ProviderPresets[provider]; ok {
			cfg.LLM.BaseURL = preset.BaseURL
			cfg.LLM.Model = preset.Model
		}
	}
	if c.Model != "" {
		cfg.LLM.Model = c.Model
	}

	cfg.Engine = c.GetEngineConfig()

	if c.MCP != nil {
		cfg.MCP = *c.MCP
		cfg.MCP.InitTimeout = orDefault(cfg.MCP.InitTimeout, "10s")
		cfg.MCP.CallTimeout = orDefault(cfg.MCP.CallTimeout, "30s")
	}

	cfg.Embedding = c.GetEmbeddingConfig()
	cfg.Logging = c.GetLogging()

	cfg.applyEnvOverrides()

	return cfg
}

// DefaultUserConfig returns a UserConfig with sensible defaults.
func DefaultUserConfig() *UserConfig {
	return &UserConfig{
		Provider: "dashscope",
		Model:    "qwen-plus",
		Theme:    "dark",
	}
}
