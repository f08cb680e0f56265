package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration: YAML file merged with
// environment overrides.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM provider configuration
	LLM LLMConfig `yaml:"llm"`

	// Query engine configuration
	Engine EngineConfig `yaml:"engine"`

	// MCP tool server configuration
	MCP MCPConfig `yaml:"mcp"`

	// Tool catalog and result cache storage
	Store StoreConfig `yaml:"store"`

	// Embedding engine for semantic tool search
	Embedding EmbeddingConfig `yaml:"embedding"`

	Logging LoggingConfig `yaml:"logging"`
}

// EngineConfig configures batch chunking and caching for the query engine.
type EngineConfig struct {
	// BatchSize is the number of records sent to the LLM per chunk.
	BatchSize int `yaml:"batch_size"`

	// Workers is the number of concurrent chunk workers for CLI runs.
	// Each worker owns its own engine instance.
	Workers int `yaml:"workers"`

	// CacheEnabled turns the prompt/model result cache on.
	CacheEnabled bool `yaml:"cache_enabled"`

	// CacheTTL is how long cached results stay valid, e.g. "168h".
	CacheTTL string `yaml:"cache_ttl"`
}

// StoreConfig configures the SQLite tool catalog and result cache.
type StoreConfig struct {
	// DatabasePath is where the catalog database lives.
	DatabasePath string `yaml:"database_path"`
}

// DefaultConfig returns the built-in defaults, tuned for dashscope with
// a 15-record chunk and the result cache on.
func DefaultConfig() *Config {
	return &Config{
		Name:    "rowlift",
		Version: "1.0.0",

		LLM: LLMConfig{
			Provider:    "dashscope",
			Model:       "qwen-plus",
			BaseURL:     "https://dashscope.aliyuncs.com/compatible-mode/v1",
			Timeout:     "180s",
			Temperature: 0.1,
			MaxTokens:   4096,
			MaxRetries:  3,
		},

		Engine: EngineConfig{
			BatchSize:    15,
			Workers:      5,
			CacheEnabled: true,
			CacheTTL:     "168h",
		},

		MCP: MCPConfig{
			Enabled:     false,
			InitTimeout: "10s",
			CallTimeout: "30s",
			Servers: map[string]MCPServerConfig{
				"web_search": {
					Enabled: false,
					Command: "npx",
					Args:    []string{"-y", "@modelcontextprotocol/server-brave-search"},
					Env:     map[string]string{"BRAVE_API_KEY": "${BRAVE_API_KEY}"},
				},
				"database": {
					Enabled: false,
					Command: "rowlift-demo-server",
					Args:    []string{"--role", "database"},
				},
			},
		},

		Store: StoreConfig{
			DatabasePath: filepath.Join(".rowlift", "catalog.db"),
		},

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			TaskType:       "SEMANTIC_SIMILARITY",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file over the defaults, then applies
// environment overrides. A missing file is not an error; you get
// defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		cfg.applyEnvOverrides()
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides folds environment variables into the config.
// Provider keys are checked lowest priority first so that the highest
// priority key checked last takes effect when several are set.
func (c *Config) applyEnvOverrides() {
	prior := c.LLM.Provider

	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "gemini"
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "openai"
	}
	if key := os.Getenv("DEEPSEEK_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "deepseek"
	}
	if key := os.Getenv("DASHSCOPE_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "dashscope"
	}

	// A provider override without a key keeps the key already found
	if provider := os.Getenv("ROWLIFT_PROVIDER"); provider != "" {
		c.LLM.Provider = provider
	}

	// When the provider changed, the configured endpoint and model belong
	// to the old provider. Reset them to the new provider's preset.
	if c.LLM.Provider != prior {
		if preset, ok := ProviderPresets[c.LLM.Provider]; ok {
			c.LLM.BaseURL = preset.BaseURL
			c.LLM.Model = preset.Model
		}
	}

	if model := os.Getenv("ROWLIFT_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if url := os.Getenv("ROWLIFT_BASE_URL"); url != "" {
		c.LLM.BaseURL = url
	}

	if path := os.Getenv("ROWLIFT_DB"); path != "" {
		c.Store.DatabasePath = path
	}

	// Embedding overrides
	if key := os.Getenv("GENAI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
		if c.Embedding.Provider == "" || c.Embedding.Provider == "ollama" {
			c.Embedding.Provider = "genai"
		}
	} else if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
		if c.Embedding.Provider == "" || c.Embedding.Provider == "ollama" {
			c.Embedding.Provider = "genai"
		}
	}
	if endpoint := os.Getenv("OLLAMA_ENDPOINT"); endpoint != "" {
		c.Embedding.OllamaEndpoint = endpoint
	}
	if model := os.Getenv("OLLAMA_EMBEDDING_MODEL"); model != "" {
		c.Embedding.OllamaModel = model
	}
}

// GetLLMTimeout returns the LLM call timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	return c.LLM.GetTimeout()
}

// GetMCPInitTimeout returns the MCP server startup timeout as a duration.
func (c *Config) GetMCPInitTimeout() time.Duration {
	d, err := time.ParseDuration(c.MCP.InitTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetMCPCallTimeout returns the MCP tool call timeout as a duration.
func (c *Config) GetMCPCallTimeout() time.Duration {
	d, err := time.ParseDuration(c.MCP.CallTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetCacheTTL returns the result cache TTL as a duration.
func (c *Config) GetCacheTTL() time.Duration {
	d, err := time.ParseDuration(c.Engine.CacheTTL)
	if err != nil {
		return 168 * time.Hour
	}
	return d
}

// GetBatchSize returns the chunk size with the default applied.
func (c *Config) GetBatchSize() int {
	if c.Engine.BatchSize <= 0 {
		return 15
	}
	return c.Engine.BatchSize
}

// GetWorkers returns the worker count with the default applied.
func (c *Config) GetWorkers() int {
	if c.Engine.Workers <= 0 {
		return 5
	}
	return c.Engine.Workers
}

// ValidProviders lists the LLM providers rowlift can talk to.
var ValidProviders = []string{"dashscope", "deepseek", "openai", "gemini"}

// Validate checks that the config is runnable: a key, a known provider,
// and sane engine numbers.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set DASHSCOPE_API_KEY, DEEPSEEK_API_KEY, OPENAI_API_KEY, or GEMINI_API_KEY)")
	}

	known := false
	for _, p := range ValidProviders {
		if c.LLM.Provider == p {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("config: unknown LLM provider %q (valid: %v)", c.LLM.Provider, ValidProviders)
	}

	if c.Engine.BatchSize < 0 {
		return fmt.Errorf("config: engine batch_size must be positive, got %d", c.Engine.BatchSize)
	}
	return nil
}
