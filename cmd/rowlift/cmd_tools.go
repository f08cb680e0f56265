// Package main implements MCP tool CLI commands for rowlift.
// This file handles tool listing, semantic search over the catalog, and
// direct tool invocation for debugging server setups.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"rowlift/cmd/rowlift/ui"
	"rowlift/internal/config"
	"rowlift/internal/embedding"
	"rowlift/internal/logging"
	"rowlift/internal/mcp"
	"rowlift/internal/store"

	"github.com/spf13/cobra"
)

var (
	toolsLive    bool
	toolsTopK    int
	toolsReindex bool
	toolsArgs    string
)

// toolsCmd manages MCP tool servers
var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Inspect and call MCP tool servers",
	Long: `Inspect the tool catalog and talk to MCP servers directly.

The catalog is filled automatically whenever servers start during an
enrichment run, so list and search work offline.

Subcommands:
  list    - List known tools from the catalog (or live servers)
  search  - Find tools by meaning
  call    - Invoke one tool and print the result`,
	RunE: runToolsList,
}

// toolsListCmd lists known tools
var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known tools",
	Long: `Lists tools from the catalog. With --live the configured servers are
started and queried instead, which also refreshes the catalog.`,
	RunE: runToolsList,
}

// toolsSearchCmd searches the catalog semantically
var toolsSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Find tools by meaning",
	Long: `Searches tool descriptions with embeddings when an embedding engine is
configured, falling back to substring matching otherwise.

Example:
  rowlift tools search "run sql against the project database"
  rowlift tools search 联网搜索 --top 3`,
	Args: cobra.MinimumNArgs(1),
	RunE: runToolsSearch,
}

// toolsCallCmd invokes one tool directly
var toolsCallCmd = &cobra.Command{
	Use:   "call <role> <tool>",
	Short: "Invoke one tool and print the result",
	Long: `Starts the configured server for a role, calls the tool, and prints
the response. Useful for checking a server setup before a run.

Example:
  rowlift tools call web_search brave_web_search --args '{"query":"比亚迪"}'
  rowlift tools call database execute_query --args '{"sql":"SELECT 1"}'`,
	Args: cobra.ExactArgs(2),
	RunE: runToolsCall,
}

func runToolsList(cmd *cobra.Command, args []string) error {
	styles := uiStyles()

	if toolsLive {
		return listLiveTools(styles)
	}

	catalog, err := openCatalog(nil)
	if err != nil {
		return err
	}
	defer catalog.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tools, err := catalog.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	if len(tools) == 0 {
		fmt.Println("No tools in the catalog yet.")
		fmt.Println("Run 'rowlift enrich --mcp' or 'rowlift tools list --live' to discover some.")
		return nil
	}

	table := ui.NewTable("🔧 Tool Catalog", []string{"Tool", "Server", "Uses", "OK", "Avg ms", "Indexed"})
	for _, tool := range tools {
		indexed := ""
		if tool.Embedded {
			indexed = "✓"
		}
		table.AddRow(
			tool.Name,
			tool.Server,
			fmt.Sprintf("%d", tool.UsageCount),
			fmt.Sprintf("%d", tool.SuccessCount),
			fmt.Sprintf("%d", tool.AvgLatencyMs),
			indexed,
		)
	}
	fmt.Print(table.View(styles))

	if stats, err := catalog.Stats(ctx); err == nil {
		fmt.Println(styles.Muted.Render(fmt.Sprintf("%d server(s), %d tool(s), %d indexed", stats.Servers, stats.Tools, stats.Embedded)))
	}
	return nil
}

func listLiveTools(styles ui.Styles) error {
	cfg, err := activeConfig()
	if err != nil {
		return err
	}
	servers := cfg.ToServerConfigs()
	if len(servers) == 0 {
		return fmt.Errorf("no MCP servers enabled. Add one with 'rowlift config show' as a starting point")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	catalog, err := openCatalog(nil)
	if err != nil {
		logging.StoreWarn("catalog unavailable for live listing: %v", err)
		catalog = nil
	} else {
		defer catalog.Close()
	}

	var cat mcp.Catalog
	if catalog != nil {
		cat = catalog
	}
	orch := mcp.NewOrchestrator(true, servers, cat)
	defer orch.Shutdown()
	if err := orch.StartAll(ctx); err != nil {
		fmt.Println(styles.Warning.Render("⚠ some servers failed to start: " + err.Error()))
	}

	byRole := orch.Tools()
	if len(byRole) == 0 {
		return fmt.Errorf("no server is running")
	}

	roles := make([]string, 0, len(byRole))
	for role := range byRole {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	table := ui.NewTable("🔧 Live Tools", []string{"Tool", "Server", "Description"})
	for _, role := range roles {
		for _, tool := range byRole[role] {
			table.AddRow(tool.Name, role, truncateStr(tool.Description, 48))
		}
	}
	fmt.Print(table.View(styles))
	return nil
}

func runToolsSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	styles := uiStyles()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cfg, err := activeConfig()
	if err != nil {
		return err
	}

	var embedder embedding.Engine
	if eng, embErr := embedding.NewEngine(cfg.Embedding); embErr == nil {
		embedder = eng
	} else {
		fmt.Println(styles.Warning.Render("⚠ no embedding engine (" + embErr.Error() + "), using substring match"))
	}

	catalog, err := openCatalog(embedder)
	if err != nil {
		return err
	}
	defer catalog.Close()

	if toolsReindex && embedder != nil {
		n, err := catalog.Reindex(ctx)
		if err != nil {
			return fmt.Errorf("reindex failed: %w", err)
		}
		fmt.Println(styles.Muted.Render(fmt.Sprintf("Reindexed %d tool(s)", n)))
	}

	fmt.Printf("🔍 Searching: %s\n", query)

	var hits []store.ToolSearchResult
	if embedder != nil {
		hits, err = catalog.SemanticSearch(ctx, query, toolsTopK)
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}
	} else {
		hits, err = substringSearch(ctx, catalog, query, toolsTopK)
		if err != nil {
			return err
		}
	}

	if len(hits) == 0 {
		fmt.Println("No matching tools found.")
		return nil
	}

	table := ui.NewTable("", []string{"Score", "Tool", "Server", "Description"})
	for _, hit := range hits {
		table.AddRow(
			fmt.Sprintf("%.3f", hit.Score),
			hit.Name,
			hit.Server,
			truncateStr(hit.Description, 48),
		)
	}
	fmt.Print(table.View(styles))
	return nil
}

// substringSearch is the no-embedder fallback: case-insensitive substring
// match over names and descriptions, scored 1.0 so the table still renders.
func substringSearch(ctx context.Context, catalog *store.CatalogStore, query string, topK int) ([]store.ToolSearchResult, error) {
	tools, err := catalog.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 5
	}

	needle := strings.ToLower(query)
	hits := make([]store.ToolSearchResult, 0, topK)
	for _, tool := range tools {
		if !strings.Contains(strings.ToLower(tool.Name), needle) &&
			!strings.Contains(strings.ToLower(tool.Description), needle) {
			continue
		}
		hits = append(hits, store.ToolSearchResult{
			Server:      tool.Server,
			Name:        tool.Name,
			Description: tool.Description,
			Score:       1.0,
		})
		if len(hits) >= topK {
			break
		}
	}
	return hits, nil
}

func runToolsCall(cmd *cobra.Command, args []string) error {
	role, tool := args[0], args[1]
	styles := uiStyles()

	callArgs := map[string]any{}
	if toolsArgs != "" {
		if err := json.Unmarshal([]byte(toolsArgs), &callArgs); err != nil {
			return fmt.Errorf("--args must be a JSON object: %w", err)
		}
	}

	cfg, err := activeConfig()
	if err != nil {
		return err
	}
	servers := cfg.ToServerConfigs()
	server, ok := servers[role]
	if !ok {
		return fmt.Errorf("no enabled server for role %q. Check 'rowlift config show'", role)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	catalog, err := openCatalog(nil)
	if err != nil {
		catalog = nil
	} else {
		defer catalog.Close()
	}

	var cat mcp.Catalog
	if catalog != nil {
		cat = catalog
	}
	// Only the requested role is started.
	orch := mcp.NewOrchestrator(true, map[string]mcp.ServerConfig{role: server}, cat)
	defer orch.Shutdown()
	if err := orch.StartAll(ctx); err != nil {
		return fmt.Errorf("start %s server: %w", role, err)
	}

	result := orch.CallTool(ctx, role, tool, callArgs)
	if result.Success {
		fmt.Println(styles.Success.Render(fmt.Sprintf("✅ %s (%dms)", result.Tool, result.LatencyMs)))
		fmt.Println(result.Output)
		return nil
	}
	fmt.Println(styles.Error.Render(fmt.Sprintf("❌ %s (%dms)", result.Tool, result.LatencyMs)))
	return fmt.Errorf("%s", result.Err)
}

// activeConfig assembles the run config from the user profile.
func activeConfig() (*config.Config, error) {
	user, err := loadProfile()
	if err != nil {
		return nil, err
	}
	return user.ToConfig(), nil
}

// openCatalog opens the catalog store under the active workspace.
func openCatalog(embedder embedding.Engine) (*store.CatalogStore, error) {
	cfg, err := activeConfig()
	if err != nil {
		return nil, err
	}
	return store.NewCatalogStore(storePath(resolveWorkspace(), cfg), embedder)
}

func truncateStr(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

func init() {
	toolsListCmd.Flags().BoolVar(&toolsLive, "live", false, "Start the configured servers and list their tools")
	toolsSearchCmd.Flags().IntVar(&toolsTopK, "top", 5, "Number of results")
	toolsSearchCmd.Flags().BoolVar(&toolsReindex, "reindex", false, "Re-embed stale catalog entries first")
	toolsCallCmd.Flags().StringVar(&toolsArgs, "args", "", "Tool arguments as a JSON object")

	toolsCmd.AddCommand(toolsListCmd, toolsSearchCmd, toolsCallCmd)
}
