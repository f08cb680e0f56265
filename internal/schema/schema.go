// Package schema defines the user-declared enrichment schema: which fields
// are read from each source record, which fields the model must produce, and
// the prompt templates that bind them together. Schemas live as JSON files on
// disk and are validated before a run starts.
package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Record is one tabular row keyed by column name.
type Record = map[string]any

// Field describes a single input or output column.
type Field struct {
	Key         string `json:"key"`
	Label       string `json:"label,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// DisplayName returns the label when set, otherwise the key.
func (f Field) DisplayName() string {
	if f.Label != "" {
		return f.Label
	}
	return f.Key
}

// Schema declares the inputs, outputs, and templates for one enrichment task.
type Schema struct {
	Name           string  `json:"name"`
	InputFields    []Field `json:"input_fields"`
	OutputFields   []Field `json:"output_fields"`
	SingleTemplate string  `json:"single_template,omitempty"`
	BatchTemplate  string  `json:"batch_template,omitempty"`

	// Context is free text prepended to every rendered prompt.
	Context string `json:"context,omitempty"`
}

// OutputDescriptions renders the output fields as one description line each,
// in declaration order. This is the value substituted for the
// {output_fields_description} placeholder.
func (s *Schema) OutputDescriptions() string {
	var b strings.Builder
	for i, f := range s.OutputFields {
		if i > 0 {
			b.WriteByte('\n')
		}
		desc := f.Description
		if desc == "" {
			desc = f.DisplayName()
		}
		fmt.Fprintf(&b, "- %s: %s", f.Key, desc)
	}
	return b.String()
}

// OutputKeys returns the output field keys in declaration order.
func (s *Schema) OutputKeys() []string {
	keys := make([]string, len(s.OutputFields))
	for i, f := range s.OutputFields {
		keys[i] = f.Key
	}
	return keys
}

// InputKeys returns the input field keys in declaration order.
func (s *Schema) InputKeys() []string {
	keys := make([]string, len(s.InputFields))
	for i, f := range s.InputFields {
		keys[i] = f.Key
	}
	return keys
}

// Validate checks structural soundness. Template placeholder problems are not
// fatal (rendering falls back at runtime); use PlaceholderAudit for those.
func (s *Schema) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("schema name is required")
	}
	if len(s.OutputFields) == 0 {
		return fmt.Errorf("schema %q declares no output fields", s.Name)
	}
	seen := make(map[string]string, len(s.InputFields)+len(s.OutputFields))
	for _, f := range s.InputFields {
		if strings.TrimSpace(f.Key) == "" {
			return fmt.Errorf("schema %q has an input field with an empty key", s.Name)
		}
		if prev, dup := seen[f.Key]; dup {
			return fmt.Errorf("schema %q: field key %q declared twice (%s and input)", s.Name, f.Key, prev)
		}
		seen[f.Key] = "input"
	}
	for _, f := range s.OutputFields {
		if strings.TrimSpace(f.Key) == "" {
			return fmt.Errorf("schema %q has an output field with an empty key", s.Name)
		}
		if prev, dup := seen[f.Key]; dup {
			return fmt.Errorf("schema %q: field key %q declared twice (%s and output)", s.Name, f.Key, prev)
		}
		seen[f.Key] = "output"
	}
	return nil
}

// placeholderRe matches {name} tokens in templates. Brace runs containing
// nested braces or newlines (JSON examples embedded in a template) are not
// treated as placeholders.
var placeholderRe = regexp.MustCompile(`\{([^{}\n]+)\}`)

// Placeholders returns the distinct placeholder names in tmpl, in order of
// first appearance.
func Placeholders(tmpl string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range placeholderRe.FindAllStringSubmatch(tmpl, -1) {
		name := m[1]
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// PlaceholderAudit reports template placeholders that no substitution will
// resolve. These are warnings: an unresolvable template falls back to the
// canonical prompt at render time instead of failing the run.
func (s *Schema) PlaceholderAudit() []string {
	known := map[string]bool{
		"input_data":                true,
		"batch_data":                true,
		"records_list":              true,
		"companies_list":            true,
		"count":                     true,
		"output_fields_description": true,
	}
	for _, f := range s.InputFields {
		known[f.Key] = true
	}

	var warnings []string
	for tmplName, tmpl := range map[string]string{"single_template": s.SingleTemplate, "batch_template": s.BatchTemplate} {
		for _, name := range Placeholders(tmpl) {
			if !known[name] {
				warnings = append(warnings, fmt.Sprintf("%s: placeholder {%s} has no substitution and will pass through verbatim", tmplName, name))
			}
		}
	}
	return warnings
}

// Load reads and validates a schema from a JSON file.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("schema: parse %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Save writes the schema as indented JSON. Non-ASCII field names and
// templates are written as-is, not escaped.
func (s *Schema) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("schema: create directory %s: %w", dir, err)
		}
	}
	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("schema: marshal %s: %w", s.Name, err)
	}
	if err := os.WriteFile(path, []byte(buf.String()), 0644); err != nil {
		return fmt.Errorf("schema: write %s: %w", path, err)
	}
	return nil
}

// Default returns a starter schema for `rowlift schema init`.
func Default() *Schema {
	return &Schema{
		Name: "company-profile",
		InputFields: []Field{
			{Key: "company", Label: "Company name", Required: true},
		},
		OutputFields: []Field{
			{Key: "full_name", Description: "registered legal name"},
			{Key: "industry", Description: "primary industry"},
			{Key: "founded", Description: "founding year, YYYY"},
		},
		SingleTemplate: "Provide the following details for the company below.\n\n{input_data}\n\nOutput fields:\n{output_fields_description}\n\nRespond with a single JSON object.",
		BatchTemplate:  "Provide the following details for each of the {count} companies below.\n\n{batch_data}\n\nOutput fields:\n{output_fields_description}\n\nRespond with a JSON array, one object per company, in the same order.",
	}
}
