// Package main implements the rowlift enrichment command.
// This file runs the full pipeline: read records, query the LLM in
// batches through a worker pool, merge results, write the output table.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"rowlift/cmd/rowlift/ui"
	"rowlift/internal/config"
	"rowlift/internal/embedding"
	"rowlift/internal/engine"
	"rowlift/internal/llm"
	"rowlift/internal/logging"
	"rowlift/internal/mcp"
	"rowlift/internal/parse"
	"rowlift/internal/schema"
	"rowlift/internal/store"
	"rowlift/internal/tabular"
	"rowlift/internal/types"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	enrichSchemaPath string
	enrichIn         string
	enrichOut        string
	enrichBatchSize  int
	enrichWorkers    int
	enrichSingle     bool
	enrichMCP        bool
	enrichCache      bool
	enrichNoJournal  bool
	enrichModel      string
)

// enrichCmd runs the enrichment pipeline over one input file
var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Fill schema output columns for every record in a table",
	Long: `Reads records from a CSV, JSON, or JSONL file, queries the configured
LLM for the schema's output fields, and writes the enriched table.

Records are sent in batches (one LLM call per batch). Rows the model
fails on are kept and marked in the _error column instead of being
dropped, so the output always has a row for every input record.

Examples:
  rowlift enrich --in companies.csv
  rowlift enrich --in companies.csv --out enriched.csv --batch-size 10
  rowlift enrich --in companies.jsonl --single --workers 2
  rowlift enrich --in companies.csv --mcp`,
	RunE: runEnrich,
}

func init() {
	enrichCmd.Flags().StringVarP(&enrichIn, "in", "i", "", "Input file: .csv, .json, or .jsonl (required)")
	enrichCmd.Flags().StringVarP(&enrichOut, "out", "o", "", "Output file (default: <input>_enriched.<ext>)")
	enrichCmd.Flags().StringVarP(&enrichSchemaPath, "schema", "s", "", "Schema file (default: .rowlift/schema.json)")
	enrichCmd.Flags().IntVar(&enrichBatchSize, "batch-size", 0, "Records per LLM call (default: from config)")
	enrichCmd.Flags().IntVar(&enrichWorkers, "workers", 0, "Concurrent workers (default: from config)")
	enrichCmd.Flags().BoolVar(&enrichSingle, "single", false, "One LLM call per record instead of batching")
	enrichCmd.Flags().BoolVar(&enrichMCP, "mcp", false, "Enable MCP tool servers for this run")
	enrichCmd.Flags().BoolVar(&enrichCache, "cache", false, "Enable the result cache for this run")
	enrichCmd.Flags().BoolVar(&enrichNoJournal, "no-journal", false, "Skip writing the per-run journal")
	enrichCmd.Flags().StringVar(&enrichModel, "model", "", "Override the configured model for this run")
	enrichCmd.MarkFlagRequired("in")
}

func runEnrich(cmd *cobra.Command, args []string) error {
	start := time.Now()
	styles := uiStyles()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		fmt.Println(styles.Warning.Render("\nInterrupted, finishing in-flight chunks..."))
		cancel()
	}()

	ws := resolveWorkspace()

	user, err := loadProfile()
	if err != nil {
		return err
	}
	cfg := user.ToConfig()
	applyEnrichOverrides(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	sch, err := loadSchema(ws, user)
	if err != nil {
		return err
	}
	for _, warning := range sch.PlaceholderAudit() {
		fmt.Println(styles.Warning.Render("⚠ " + warning))
	}

	recs, err := tabular.ReadRecords(enrichIn)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println(styles.Muted.Render("Input file has no records, nothing to do."))
		return nil
	}

	client, err := llm.New(cfg.LLM)
	if err != nil {
		return err
	}

	// The catalog database backs both the result cache and the tool
	// catalog; open it only when one of them is in play.
	var catalog *store.CatalogStore
	if cfg.Engine.CacheEnabled || cfg.MCP.Enabled {
		var embedder embedding.Engine
		if cfg.MCP.Enabled {
			if eng, embErr := embedding.NewEngine(cfg.Embedding); embErr == nil {
				embedder = eng
			} else {
				logging.StoreWarn("tool embeddings disabled: %v", embErr)
			}
		}
		catalog, err = store.NewCatalogStore(storePath(ws, cfg), embedder)
		if err != nil {
			logger.Warn("catalog store unavailable", zap.Error(err))
			fmt.Println(styles.Warning.Render("⚠ catalog store unavailable: cache and tool catalog disabled"))
			catalog = nil
		} else {
			defer catalog.Close()
		}
	}

	var cache *store.ResultCache
	if cfg.Engine.CacheEnabled && catalog != nil {
		cache, err = store.NewResultCache(catalog.DB(), cfg.GetCacheTTL())
		if err != nil {
			logger.Warn("result cache unavailable", zap.Error(err))
			cache = nil
		}
	}

	orch := startOrchestrator(ctx, cfg, catalog, styles)
	if orch != nil {
		defer orch.Shutdown()
	}

	var journal *engine.RunJournal
	if !enrichNoJournal {
		journal, err = engine.NewRunJournal(filepath.Join(ws, ".rowlift", "runs"))
		if err != nil {
			logger.Warn("run journal unavailable", zap.Error(err))
			journal = nil
		} else {
			defer journal.Close()
		}
	}

	workers := cfg.GetWorkers()
	batchSize := cfg.GetBatchSize()
	engines := buildEngines(workers, client, sch, engine.Options{
		BatchSize:    batchSize,
		Orchestrator: orch,
		Cache:        cache,
		Journal:      journal,
	})

	jl := logging.JournalWithRun(runID(journal))
	jl.RunStart(len(recs), batchSize, workers)
	jl.FileOp(false, enrichIn, len(recs), true, "")

	printRunHeader(styles, cfg, client, sch, len(recs), batchSize, workers, cache != nil, orch != nil && orch.Enabled())

	results := runPool(ctx, engines, recs, enrichSingle)

	merged := tabular.Merge(recs, results, sch)
	outPath := enrichOut
	if outPath == "" {
		outPath = deriveOutputPath(enrichIn)
	}
	writeErr := tabular.WriteRecords(outPath, merged, tabular.Columns(sch, merged))
	jl.FileOp(true, outPath, len(merged), writeErr == nil, errString(writeErr))
	if writeErr != nil {
		jl.RunEnd(time.Since(start).Milliseconds(), 0, len(recs))
		return writeErr
	}

	sentinels := countSentinels(results)
	jl.RunEnd(time.Since(start).Milliseconds(), len(recs)-sentinels, sentinels)

	printRunSummary(styles, enrichSummary{
		records:   len(recs),
		rows:      len(merged),
		sentinels: sentinels,
		stats:     poolStats(engines),
		cache:     cache,
		journal:   journal,
		outPath:   outPath,
		elapsed:   time.Since(start),
	})
	return nil
}

// loadProfile reads the user profile, honoring the --workspace flag.
func loadProfile() (*config.UserConfig, error) {
	var user *config.UserConfig
	var err error
	if workspace != "" {
		user, err = config.LoadUserConfig(userConfigPath())
	} else {
		user, err = config.GlobalConfig()
	}
	if err != nil {
		return nil, err
	}

	// Server env blocks reference ${BRAVE_API_KEY}; make the profile's
	// key visible to that expansion when the variable is unset.
	if key := user.GetBraveAPIKey(); key != "" {
		os.Setenv("BRAVE_API_KEY", key)
	}
	return user, nil
}

// userConfigPath resolves the profile location under the active workspace.
func userConfigPath() string {
	if workspace != "" {
		return filepath.Join(workspace, ".rowlift", "config.json")
	}
	return config.DefaultUserConfigPath()
}

// applyEnrichOverrides layers the enrich flags over the profile config.
// Boolean flags only override when explicitly passed, so `--cache=false`
// can switch off a cache the profile enables.
func applyEnrichOverrides(cmd *cobra.Command, cfg *config.Config) {
	if enrichModel != "" {
		cfg.LLM.Model = enrichModel
	}
	if enrichBatchSize > 0 {
		cfg.Engine.BatchSize = enrichBatchSize
	}
	if enrichWorkers > 0 {
		cfg.Engine.Workers = enrichWorkers
	}
	if cmd.Flags().Changed("mcp") {
		cfg.MCP.Enabled = enrichMCP
	}
	if cmd.Flags().Changed("cache") {
		cfg.Engine.CacheEnabled = enrichCache
	}
}

// loadSchema resolves the schema path: flag, then profile default, then
// the workspace convention.
func loadSchema(ws string, user *config.UserConfig) (*schema.Schema, error) {
	path := enrichSchemaPath
	if path == "" {
		path = user.DefaultSchema
	}
	if path == "" {
		path = filepath.Join(ws, ".rowlift", "schema.json")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("schema file %s not found. Run 'rowlift schema init' or pass --schema", path)
	}
	return schema.Load(path)
}

// storePath anchors a relative catalog path at the workspace root.
func storePath(ws string, cfg *config.Config) string {
	path := cfg.Store.DatabasePath
	if path == "" {
		path = filepath.Join(".rowlift", "catalog.db")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(ws, path)
	}
	return path
}

// startOrchestrator boots the configured MCP servers. Failures degrade to
// a plain run instead of aborting: enrichment works without tools.
func startOrchestrator(ctx context.Context, cfg *config.Config, catalog *store.CatalogStore, styles ui.Styles) *mcp.Orchestrator {
	if !cfg.MCP.Enabled {
		return nil
	}
	servers := cfg.ToServerConfigs()
	if len(servers) == 0 {
		fmt.Println(styles.Warning.Render("⚠ MCP enabled but no servers configured, running without tools"))
		return nil
	}

	// A nil *CatalogStore must not become a non-nil Catalog interface.
	var cat mcp.Catalog
	if catalog != nil {
		cat = catalog
	}

	orch := mcp.NewOrchestrator(true, servers, cat)
	if err := orch.StartAll(ctx); err != nil {
		fmt.Println(styles.Warning.Render("⚠ some MCP servers failed to start: " + err.Error()))
	}
	if !orch.Enabled() {
		fmt.Println(styles.Warning.Render("⚠ no MCP server is running, continuing without tools"))
		orch.Shutdown()
		return nil
	}

	if catalog != nil {
		keep := make([]string, 0, len(servers))
		for role := range servers {
			keep = append(keep, role)
		}
		if removed, err := catalog.PruneServers(ctx, keep); err == nil && removed > 0 {
			logging.Store("pruned %d stale catalog server(s)", removed)
		}
	}
	return orch
}

// runID returns the journal's run id, or a fresh short id when the
// journal is disabled so debug events still correlate.
func runID(journal *engine.RunJournal) string {
	if journal != nil {
		return journal.RunID()
	}
	return uuid.New().String()[:8]
}

// deriveOutputPath turns data.csv into data_enriched.csv.
func deriveOutputPath(in string) string {
	ext := filepath.Ext(in)
	return strings.TrimSuffix(in, ext) + "_enriched" + ext
}

func countSentinels(results []parse.QueryResult) int {
	n := 0
	for _, res := range results {
		if res == nil || parse.IsErrorResult(res) {
			n++
		}
	}
	return n
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func printRunHeader(styles ui.Styles, cfg *config.Config, client types.LLMClient, sch *schema.Schema, records, batchSize, workers int, cacheOn, toolsOn bool) {
	model := cfg.LLM.Model
	if switcher, ok := client.(types.ModelSwitcher); ok {
		model = switcher.GetModel()
	}

	mode := fmt.Sprintf("batches of %d", batchSize)
	if enrichSingle {
		mode = "single record"
	}
	extras := make([]string, 0, 2)
	if cacheOn {
		extras = append(extras, "cache")
	}
	if toolsOn {
		extras = append(extras, "tools")
	}

	fmt.Println(styles.Title.Render("🚀 " + sch.Name))
	fmt.Println(styles.RenderDivider(50))
	line := fmt.Sprintf("%d records | %s/%s | %s | %d workers", records, cfg.LLM.Provider, model, mode, workers)
	if len(extras) > 0 {
		line += " | " + strings.Join(extras, "+")
	}
	fmt.Println(styles.Body.Render(line))
	fmt.Println(styles.RenderDivider(50))
}

type enrichSummary struct {
	records   int
	rows      int
	sentinels int
	stats     parse.Stats
	cache     *store.ResultCache
	journal   *engine.RunJournal
	outPath   string
	elapsed   time.Duration
}

func printRunSummary(styles ui.Styles, s enrichSummary) {
	table := ui.NewTable("", []string{"Metric", "Value"})
	table.AddRow("Records in", fmt.Sprintf("%d", s.records))
	table.AddRow("Rows out", fmt.Sprintf("%d", s.rows))
	table.AddRow("Failed rows", fmt.Sprintf("%d", s.sentinels))
	table.AddRow("Parsed", fmt.Sprintf("%d ok / %d salvaged / %d multi-entity",
		s.stats.SuccessfulParses, s.stats.FallbackParses, s.stats.MultiEntity))
	for method, n := range s.stats.ByMethod {
		table.AddRow("  via "+method, fmt.Sprintf("%d", n))
	}
	if s.cache != nil {
		if cs, err := s.cache.Stats(); err == nil {
			table.AddRow("Cache", fmt.Sprintf("%d entries, %d hits", cs.Entries, cs.Hits))
		}
	}
	table.AddRow("Elapsed", s.elapsed.Round(time.Millisecond).String())

	fmt.Println()
	fmt.Print(table.View(styles))

	if s.sentinels == 0 {
		fmt.Println(styles.Success.Render("✅ Wrote " + s.outPath))
	} else {
		fmt.Println(styles.Warning.Render(fmt.Sprintf("⚠ Wrote %s (%d row(s) marked in %s)", s.outPath, s.sentinels, tabular.ColError)))
	}
	if s.journal != nil {
		fmt.Println(styles.Muted.Render("Run journal: " + s.journal.Path()))
	}
}

// uiStyles builds styles from the profile theme when one is set.
func uiStyles() ui.Styles {
	user, err := loadProfile()
	if err != nil || user.Theme == "" {
		return ui.DefaultStyles()
	}
	return ui.NewStyles(ui.ThemeFromName(user.Theme))
}
