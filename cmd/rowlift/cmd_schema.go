// Package main implements schema management CLI commands for rowlift.
// This file handles schema scaffolding and validation, including the
// fsnotify-based re-validation loop used while editing templates.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"rowlift/cmd/rowlift/ui"
	"rowlift/internal/schema"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var (
	schemaForce bool
	schemaWatch bool
)

// schemaCmd manages prompt schema files
var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Manage prompt schema files",
	Long: `Create and validate the schema that drives prompt generation.

A schema declares the input fields read from each record, the output
fields the LLM must fill, and the single/batch prompt templates.

Subcommands:
  init      - Write a starter schema to edit
  validate  - Check a schema file, optionally re-checking on every save`,
}

// schemaInitCmd writes a starter schema
var schemaInitCmd = &cobra.Command{
	Use:   "init [file]",
	Short: "Write a starter schema file",
	Long: `Writes a starter schema to .rowlift/schema.json (or the given path).

Example:
  rowlift schema init
  rowlift schema init my-schema.json --force`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSchemaInit,
}

// schemaValidateCmd validates a schema file
var schemaValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a schema file",
	Long: `Validates field definitions and prompt templates, and warns about
placeholders the templates never reference.

With --watch the file is re-validated on every save, which makes
template editing a tight loop:

  rowlift schema validate --watch`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSchemaValidate,
}

func schemaFilePath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return filepath.Join(resolveWorkspace(), ".rowlift", "schema.json")
}

func runSchemaInit(cmd *cobra.Command, args []string) error {
	path := schemaFilePath(args)
	styles := uiStyles()

	if _, err := os.Stat(path); err == nil && !schemaForce {
		return fmt.Errorf("%s already exists, pass --force to overwrite", path)
	}

	if err := schema.Default().Save(path); err != nil {
		return err
	}

	fmt.Println(styles.Success.Render("✅ Wrote " + path))
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit the input/output fields and templates")
	fmt.Println("  2. rowlift schema validate " + path)
	fmt.Println("  3. rowlift enrich --in your-data.csv")
	return nil
}

func runSchemaValidate(cmd *cobra.Command, args []string) error {
	path := schemaFilePath(args)
	styles := uiStyles()

	err := checkSchema(styles, path)
	if !schemaWatch {
		return err
	}

	watcher, werr := fsnotify.NewWatcher()
	if werr != nil {
		return fmt.Errorf("start watcher: %w", werr)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors save via rename, which
	// would silently drop a watch on the file itself.
	dir := filepath.Dir(path)
	if dir == "" {
		dir = "."
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	fmt.Println(styles.Muted.Render("👀 Watching " + path + " (Ctrl+C to stop)"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	base := filepath.Base(path)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Editors write in bursts, let the file settle.
			time.Sleep(50 * time.Millisecond)
			fmt.Println(styles.Muted.Render(time.Now().Format("15:04:05") + " changed"))
			_ = checkSchema(styles, path)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Println(styles.Warning.Render("⚠ watch error: " + werr.Error()))
		case <-sigCh:
			fmt.Println(styles.Muted.Render("\nStopped."))
			return nil
		}
	}
}

// checkSchema validates one schema file and prints the outcome.
func checkSchema(styles ui.Styles, path string) error {
	sch, err := schema.Load(path)
	if err != nil {
		fmt.Println(styles.Error.Render("❌ " + err.Error()))
		return err
	}

	for _, warning := range sch.PlaceholderAudit() {
		fmt.Println(styles.Warning.Render("⚠ " + warning))
	}

	fmt.Println(styles.Success.Render(fmt.Sprintf("✅ %s: %d input field(s), %d output field(s)",
		sch.Name, len(sch.InputFields), len(sch.OutputFields))))
	return nil
}

func init() {
	schemaInitCmd.Flags().BoolVar(&schemaForce, "force", false, "Overwrite an existing schema file")
	schemaValidateCmd.Flags().BoolVar(&schemaWatch, "watch", false, "Re-validate on every file change")

	schemaCmd.AddCommand(schemaInitCmd, schemaValidateCmd)
}
