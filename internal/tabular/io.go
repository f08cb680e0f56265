// Package tabular is the file boundary of the pipeline: it reads input
// records from CSV, JSON or JSONL, merges enrichment results back into
// them, and writes the merged table out in the same three formats. The
// enrichment core itself never touches files; everything format-shaped
// lives here.
package tabular

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"rowlift/internal/logging"
	"rowlift/internal/prompt"
	"rowlift/internal/schema"
)

// Merged-row metadata columns. Kept underscore-prefixed so they sort
// away from data columns and are easy to filter in spreadsheet tools.
const (
	ColError       = "_error"
	ColRawResponse = "_raw_response"
)

// jsonlMaxLine bounds a single JSONL line (1 MB).
const jsonlMaxLine = 1024 * 1024

// ReadRecords loads records from path, choosing the format by file
// extension. CSV cells land as strings; JSON and JSONL values keep
// their native types.
func ReadRecords(path string) ([]schema.Record, error) {
	switch format(path) {
	case "csv":
		return readCSV(path)
	case "json":
		return readJSON(path)
	case "jsonl":
		return readJSONL(path)
	default:
		return nil, fmt.Errorf("tabular: unsupported format %q (use .csv, .json or .jsonl)", filepath.Ext(path))
	}
}

// WriteRecords writes records to path in the format its extension
// names. columns fixes the CSV column order; pass nil to derive a
// sorted order from the records themselves (metadata columns last).
// JSON and JSONL ignore columns.
func WriteRecords(path string, recs []schema.Record, columns []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("tabular: create output directory: %w", err)
		}
	}

	switch format(path) {
	case "csv":
		return writeCSV(path, recs, columns)
	case "json":
		return writeJSON(path, recs)
	case "jsonl":
		return writeJSONL(path, recs)
	default:
		return fmt.Errorf("tabular: unsupported format %q (use .csv, .json or .jsonl)", filepath.Ext(path))
	}
}

// Columns builds the canonical column order for a merged table: schema
// input fields, then schema output fields, then any extra columns the
// records carry (sorted), with the metadata columns last. Only columns
// that actually occur in recs are included beyond the schema ones.
func Columns(sch *schema.Schema, recs []schema.Record) []string {
	var cols []string
	known := make(map[string]bool)
	add := func(key string) {
		if !known[key] {
			known[key] = true
			cols = append(cols, key)
		}
	}

	if sch != nil {
		for _, key := range sch.InputKeys() {
			add(key)
		}
		for _, key := range sch.OutputKeys() {
			add(key)
		}
	}

	var extras []string
	meta := make(map[string]bool)
	for _, rec := range recs {
		for key := range rec {
			if known[key] || meta[key] {
				continue
			}
			if key == ColError || key == ColRawResponse {
				meta[key] = true
				continue
			}
			known[key] = true
			extras = append(extras, key)
		}
	}
	sort.Strings(extras)
	cols = append(cols, extras...)

	if meta[ColError] {
		cols = append(cols, ColError)
	}
	if meta[ColRawResponse] {
		cols = append(cols, ColRawResponse)
	}
	return cols
}

func format(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return "csv"
	case ".json":
		return "json"
	case ".jsonl", ".ndjson":
		return "jsonl"
	}
	return ""
}

func readCSV(path string) ([]schema.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tabular: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("tabular: read %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("tabular: %s has no header row", path)
	}

	header := rows[0]
	if len(header) > 0 {
		// Excel exports routinely prepend a UTF-8 BOM.
		header[0] = strings.TrimPrefix(header[0], "﻿")
	}

	recs := make([]schema.Record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := make(schema.Record, len(header))
		for i, key := range header {
			if i < len(row) {
				rec[key] = row[i]
			} else {
				rec[key] = ""
			}
		}
		recs = append(recs, rec)
	}
	logging.Engine("read %d records from %s", len(recs), path)
	return recs, nil
}

func readJSON(path string) ([]schema.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tabular: open %s: %w", path, err)
	}
	var recs []schema.Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("tabular: %s is not a JSON array of records: %w", path, err)
	}
	logging.Engine("read %d records from %s", len(recs), path)
	return recs, nil
}

func readJSONL(path string) ([]schema.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tabular: open %s: %w", path, err)
	}
	defer f.Close()

	var recs []schema.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), jsonlMaxLine)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec schema.Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("tabular: %s line %d: %w", path, lineNo, err)
		}
		recs = append(recs, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("tabular: read %s: %w", path, err)
	}
	logging.Engine("read %d records from %s", len(recs), path)
	return recs, nil
}

func writeCSV(path string, recs []schema.Record, columns []string) error {
	if columns == nil {
		columns = Columns(nil, recs)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("tabular: create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(columns); err != nil {
		return fmt.Errorf("tabular: write header: %w", err)
	}
	for _, rec := range recs {
		row := make([]string, len(columns))
		for i, key := range columns {
			if v, ok := rec[key]; ok {
				row[i] = cellValue(v)
			}
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("tabular: write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("tabular: flush %s: %w", path, err)
	}
	logging.Engine("wrote %d records to %s", len(recs), path)
	return nil
}

func writeJSON(path string, recs []schema.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("tabular: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if recs == nil {
		recs = []schema.Record{}
	}
	if err := enc.Encode(recs); err != nil {
		return fmt.Errorf("tabular: encode %s: %w", path, err)
	}
	logging.Engine("wrote %d records to %s", len(recs), path)
	return nil
}

func writeJSONL(path string, recs []schema.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("tabular: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("tabular: encode %s: %w", path, err)
		}
	}
	logging.Engine("wrote %d records to %s", len(recs), path)
	return nil
}

// cellValue renders one value as a table cell: scalars the way prompts
// render them, composites as compact JSON.
func cellValue(v any) string {
	switch v.(type) {
	case nil, string, float64, bool, int, int64:
		return prompt.Stringify(v)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return prompt.Stringify(v)
	}
	return string(data)
}
