package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rowlift/cmd/rowlift/ui"
	"rowlift/internal/schema"

	"github.com/spf13/cobra"
)

func TestSchemaInitCmd(t *testing.T) {
	noopLogger(t)
	ws := t.TempDir()
	workspace = ws
	defer func() { workspace = "" }()

	path := filepath.Join(ws, ".rowlift", "schema.json")

	if err := runSchemaInit(&cobra.Command{}, []string{}); err != nil {
		t.Fatalf("runSchemaInit failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("schema file was not created: %v", err)
	}

	// Written schema must load back cleanly.
	sch, err := schema.Load(path)
	if err != nil {
		t.Fatalf("starter schema does not validate: %v", err)
	}
	if len(sch.OutputFields) == 0 {
		t.Error("starter schema has no output fields")
	}

	// Second run without --force must refuse.
	if err := runSchemaInit(&cobra.Command{}, []string{}); err == nil {
		t.Fatal("second init should refuse to overwrite")
	}

	schemaForce = true
	defer func() { schemaForce = false }()
	if err := runSchemaInit(&cobra.Command{}, []string{}); err != nil {
		t.Fatalf("init --force failed: %v", err)
	}
}

func TestSchemaInitExplicitPath(t *testing.T) {
	noopLogger(t)
	path := filepath.Join(t.TempDir(), "custom.json")

	if err := runSchemaInit(&cobra.Command{}, []string{path}); err != nil {
		t.Fatalf("runSchemaInit failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("schema file was not created at explicit path: %v", err)
	}
}

func TestCheckSchemaValid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.json")
	if err := schema.Default().Save(path); err != nil {
		t.Fatal(err)
	}

	output := captureOutput(t, func() {
		if err := checkSchema(ui.DefaultStyles(), path); err != nil {
			t.Errorf("checkSchema on valid file: %v", err)
		}
	})
	if !strings.Contains(output, "✅") {
		t.Errorf("expected success marker, got: %s", output)
	}
}

func TestCheckSchemaInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.json")
	if err := os.WriteFile(path, []byte(`{"name":"broken"}`), 0644); err != nil {
		t.Fatal(err)
	}

	output := captureOutput(t, func() {
		if err := checkSchema(ui.DefaultStyles(), path); err == nil {
			t.Error("checkSchema should fail on a schema without fields")
		}
	})
	if !strings.Contains(output, "❌") {
		t.Errorf("expected failure marker, got: %s", output)
	}
}

func TestCheckSchemaMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.json")
	if err := checkSchema(ui.DefaultStyles(), path); err == nil {
		t.Fatal("checkSchema should fail on a missing file")
	}
}

func TestCheckSchemaAuditWarnings(t *testing.T) {
	sch := schema.Default()
	// Typo'd placeholder: nothing will ever substitute {compnay}.
	sch.SingleTemplate = "Details for {compnay}:\n{input_data}"
	path := filepath.Join(t.TempDir(), "schema.json")
	if err := sch.Save(path); err != nil {
		t.Fatal(err)
	}

	output := captureOutput(t, func() {
		_ = checkSchema(ui.DefaultStyles(), path)
	})
	if !strings.Contains(output, "⚠") {
		t.Errorf("expected placeholder warning, got: %s", output)
	}
}
