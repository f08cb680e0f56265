// Package main implements the rowlift CLI: schema-driven enrichment of
// tabular records through LLM queries, with optional MCP tool support.
package main

import (
	"fmt"
	"os"

	"rowlift/internal/config"
	"rowlift/internal/logging"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version = "1.0.0"

var (
	verbose   bool
	workspace string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "rowlift",
	Short: "rowlift - fill spreadsheet columns with LLM answers",
	Long: `rowlift reads a table of records (CSV, JSON, or JSONL), asks an LLM to
fill in the missing columns for each record, and writes the enriched
table back out.

Prompts are driven by a schema file that declares the input fields, the
output fields, and the prompt templates. Records are sent in batches,
and every input row is guaranteed a matching output row even when the
model misbehaves.

Start with:
  rowlift schema init
  rowlift config set api_key sk-...
  rowlift enrich --in companies.csv`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; missing files are not an error.
		_ = godotenv.Load()

		if err := logging.Initialize(resolveWorkspace()); err != nil {
			fmt.Fprintf(os.Stderr, "warning: file logging disabled: %v\n", err)
		}
		if err := logging.InitJournal(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: run journal disabled: %v\n", err)
		}

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseJournal()
		logging.CloseAll()
	},
}

// versionCmd prints the rowlift version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the rowlift version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rowlift %s\n", version)
	},
}

// resolveWorkspace returns the --workspace flag when set, otherwise the
// detected project root.
func resolveWorkspace() string {
	if workspace != "" {
		return workspace
	}
	root, err := config.FindWorkspaceRoot()
	if err != nil {
		root, _ = os.Getwd()
	}
	if root == "" {
		root = "."
	}
	return root
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose console logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: detected project root)")

	rootCmd.AddCommand(enrichCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
