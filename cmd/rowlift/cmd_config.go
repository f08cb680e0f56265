// Package main implements profile management CLI commands for rowlift.
// This file handles showing, editing, and testing the user profile in
// .rowlift/config.json.
package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"rowlift/internal/config"
	"rowlift/internal/llm"
	"rowlift/internal/types"

	"github.com/spf13/cobra"
)

// configCmd manages the user profile
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show and edit the rowlift profile",
	Long: `Show and edit the profile stored in .rowlift/config.json.

Subcommands:
  show  - Print the effective configuration
  set   - Set one profile value
  test  - Check that the configured LLM endpoint answers`,
	RunE: runConfigShow,
}

// configShowCmd prints the effective configuration
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE:  runConfigShow,
}

// configSetCmd sets one profile value
var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set one profile value",
	Long: `Sets one value in .rowlift/config.json.

Keys:
  provider           dashscope, deepseek, openai, or gemini
  model              model id for the active provider
  api_key            API key for the active provider
  dashscope_api_key  provider-specific key slots
  deepseek_api_key
  openai_api_key
  gemini_api_key
  brave_api_key      Brave Search key for the web_search server
  theme              light or dark
  default_schema     schema file used when --schema is not passed

Example:
  rowlift config set provider deepseek
  rowlift config set api_key sk-...`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

// configTestCmd checks the LLM connection
var configTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Check that the configured LLM endpoint answers",
	RunE:  runConfigTest,
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	styles := uiStyles()

	user, err := loadProfile()
	if err != nil {
		return err
	}
	cfg := user.ToConfig()

	fmt.Println(styles.Title.Render("⚙ rowlift configuration"))
	fmt.Println(styles.Muted.Render(userConfigPath()))
	fmt.Println(styles.RenderDivider(50))

	fmt.Printf("%-18s %s\n", "provider", cfg.LLM.Provider)
	fmt.Printf("%-18s %s\n", "model", cfg.LLM.Model)
	fmt.Printf("%-18s %s\n", "base_url", cfg.LLM.BaseURL)
	fmt.Printf("%-18s %s\n", "api_key", maskKey(cfg.LLM.APIKey))
	fmt.Printf("%-18s %s\n", "brave_api_key", maskKey(user.GetBraveAPIKey()))
	if user.Theme != "" {
		fmt.Printf("%-18s %s\n", "theme", user.Theme)
	}
	if user.DefaultSchema != "" {
		fmt.Printf("%-18s %s\n", "default_schema", user.DefaultSchema)
	}

	fmt.Println(styles.RenderDivider(50))
	fmt.Printf("%-18s %d\n", "batch_size", cfg.GetBatchSize())
	fmt.Printf("%-18s %d\n", "workers", cfg.GetWorkers())
	fmt.Printf("%-18s %v (ttl %s)\n", "cache", cfg.Engine.CacheEnabled, cfg.GetCacheTTL())
	fmt.Printf("%-18s %s (%s)\n", "embedding", cfg.Embedding.Provider, embeddingModelName(cfg))

	fmt.Println(styles.RenderDivider(50))
	fmt.Printf("%-18s %v\n", "mcp", cfg.MCP.Enabled)
	roles := make([]string, 0, len(cfg.MCP.Servers))
	for role := range cfg.MCP.Servers {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		server := cfg.MCP.Servers[role]
		state := "off"
		if server.Enabled {
			state = "on"
		}
		fmt.Printf("  %-16s %-3s  %s %s\n", role, state, server.Command, strings.Join(server.Args, " "))
	}
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := strings.ToLower(args[0]), args[1]
	styles := uiStyles()

	user, err := loadProfile()
	if err != nil {
		return err
	}

	display := value
	switch key {
	case "provider":
		if _, ok := config.ProviderPresets[value]; !ok {
			return fmt.Errorf("unknown provider %q (want one of: %s)", value, strings.Join(providerNames(), ", "))
		}
		user.Provider = value
		// Stale model ids from the previous provider would override the
		// new preset, so the switch resets the model.
		if user.Model != "" {
			user.Model = ""
			fmt.Println(styles.Muted.Render("model reset to the " + value + " default"))
		}
	case "model":
		user.Model = value
	case "api_key":
		display = maskKey(value)
		setProviderKey(user, value)
	case "dashscope_api_key":
		display = maskKey(value)
		user.DashScopeAPIKey = value
	case "deepseek_api_key":
		display = maskKey(value)
		user.DeepSeekAPIKey = value
	case "openai_api_key":
		display = maskKey(value)
		user.OpenAIAPIKey = value
	case "gemini_api_key":
		display = maskKey(value)
		user.GeminiAPIKey = value
	case "brave_api_key":
		display = maskKey(value)
		user.BraveAPIKey = value
	case "theme":
		if value != "light" && value != "dark" {
			return fmt.Errorf("theme must be light or dark")
		}
		user.Theme = value
	case "default_schema":
		user.DefaultSchema = value
	default:
		return fmt.Errorf("unknown key %q. See 'rowlift config set --help'", key)
	}

	if err := user.Save(userConfigPath()); err != nil {
		return err
	}
	fmt.Println(styles.Success.Render(fmt.Sprintf("✅ %s = %s", key, display)))
	return nil
}

func runConfigTest(cmd *cobra.Command, args []string) error {
	styles := uiStyles()

	cfg, err := activeConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	client, err := llm.New(cfg.LLM)
	if err != nil {
		return err
	}
	tester, ok := client.(types.ConnectionTester)
	if !ok {
		return fmt.Errorf("%s client does not support connection tests", cfg.LLM.Provider)
	}

	fmt.Printf("Testing %s/%s ...\n", cfg.LLM.Provider, cfg.LLM.Model)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := tester.TestConnection(ctx); err != nil {
		fmt.Println(styles.Error.Render("❌ " + err.Error()))
		return fmt.Errorf("connection test failed")
	}
	fmt.Println(styles.Success.Render(fmt.Sprintf("✅ connected (%s)", time.Since(start).Round(time.Millisecond))))
	return nil
}

// setProviderKey routes a bare api_key to the active provider's slot so
// switching providers later does not clobber it.
func setProviderKey(user *config.UserConfig, value string) {
	provider := user.Provider
	if provider == "" {
		provider, _ = user.GetActiveProvider()
	}
	switch provider {
	case "deepseek":
		user.DeepSeekAPIKey = value
	case "openai":
		user.OpenAIAPIKey = value
	case "gemini":
		user.GeminiAPIKey = value
	case "dashscope":
		user.DashScopeAPIKey = value
	default:
		user.APIKey = value
	}
}

// maskKey hides all but the edges of a credential.
func maskKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func providerNames() []string {
	names := make([]string, 0, len(config.ProviderPresets))
	for name := range config.ProviderPresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func embeddingModelName(cfg *config.Config) string {
	if cfg.Embedding.Provider == "genai" {
		return cfg.Embedding.GenAIModel
	}
	return cfg.Embedding.OllamaModel
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configTestCmd)
}
