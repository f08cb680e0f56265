package tabular

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rowlift/internal/schema"
)

func testSchema() *schema.Schema {
	return &schema.Schema{
		Name:        "company-profile",
		InputFields: []schema.Field{{Key: "公司"}, {Key: "城市"}},
		OutputFields: []schema.Field{
			{Key: "industry", Description: "primary industry"},
			{Key: "founded", Description: "founding year"},
		},
	}
}

func TestCSVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	recs := []schema.Record{
		{"公司": "阿里巴巴", "城市": "杭州", "industry": "电商"},
		{"公司": "华为", "城市": "深圳", "industry": "通信"},
	}

	if err := WriteRecords(path, recs, []string{"公司", "城市", "industry"}); err != nil {
		t.Fatalf("WriteRecords failed: %v", err)
	}

	got, err := ReadRecords(path)
	if err != nil {
		t.Fatalf("ReadRecords failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(got))
	}
	if got[0]["公司"] != "阿里巴巴" || got[1]["industry"] != "通信" {
		t.Errorf("Round trip lost values: %v", got)
	}
}

func TestReadCSV_BOMAndShortRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.csv")
	raw := "﻿公司,城市\n阿里巴巴,杭州\n华为\n"
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	recs, err := ReadRecords(path)
	if err != nil {
		t.Fatalf("ReadRecords failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(recs))
	}
	// Excel's BOM must not leak into the first column name.
	if _, ok := recs[0]["公司"]; !ok {
		t.Errorf("BOM not stripped from header: %v", recs[0])
	}
	// A short row pads missing cells with empty strings.
	if recs[1]["城市"] != "" {
		t.Errorf("Expected empty cell for short row, got %v", recs[1]["城市"])
	}
}

func TestReadCSV_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}
	if _, err := ReadRecords(path); err == nil {
		t.Error("Expected error for CSV without header row")
	}
}

func TestReadRecords_JSONKeepsNativeTypes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.json")
	raw := `[{"公司":"阿里巴巴","员工数":120000,"上市":true}]`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	recs, err := ReadRecords(path)
	if err != nil {
		t.Fatalf("ReadRecords failed: %v", err)
	}
	if recs[0]["员工数"] != float64(120000) {
		t.Errorf("Expected native number, got %T %v", recs[0]["员工数"], recs[0]["员工数"])
	}
	if recs[0]["上市"] != true {
		t.Errorf("Expected native bool, got %v", recs[0]["上市"])
	}
}

func TestReadRecords_JSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.jsonl")
	raw := `{"公司":"阿里巴巴"}

{"公司":"华为"}
`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	recs, err := ReadRecords(path)
	if err != nil {
		t.Fatalf("ReadRecords failed: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("Expected 2 records (blank line skipped), got %d", len(recs))
	}
}

func TestReadRecords_JSONLBadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	raw := `{"公司":"阿里巴巴"}
not json
`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	_, err := ReadRecords(path)
	if err == nil {
		t.Fatal("Expected error for malformed JSONL line")
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Errorf("Error should name the offending line: %v", err)
	}
}

func TestReadRecords_UnsupportedExtension(t *testing.T) {
	_, err := ReadRecords("input.xlsx")
	if err == nil {
		t.Fatal("Expected error for unsupported format")
	}
	if !strings.Contains(err.Error(), ".xlsx") {
		t.Errorf("Error should name the extension: %v", err)
	}
}

func TestWriteRecords_JSONLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.jsonl")
	recs := []schema.Record{
		{"公司": "阿里巴巴", "industry": "电商"},
		{"公司": "华为", "industry": "通信"},
	}
	if err := WriteRecords(path, recs, nil); err != nil {
		t.Fatalf("WriteRecords failed: %v", err)
	}

	got, err := ReadRecords(path)
	if err != nil {
		t.Fatalf("ReadRecords failed: %v", err)
	}
	if len(got) != 2 || got[0]["公司"] != "阿里巴巴" {
		t.Errorf("Round trip mismatch: %v", got)
	}
}

func TestColumns(t *testing.T) {
	recs := []schema.Record{
		{"公司": "阿里巴巴", "城市": "杭州", "industry": "电商", "备注": "a"},
		{"公司": "华为", "城市": "深圳", ColError: "无返回结果", ColRawResponse: "..."},
	}

	cols := Columns(testSchema(), recs)
	want := []string{"公司", "城市", "industry", "founded", "备注", ColError, ColRawResponse}
	if len(cols) != len(want) {
		t.Fatalf("Expected %d columns, got %d: %v", len(want), len(cols), cols)
	}
	for i := range want {
		if cols[i] != want[i] {
			t.Errorf("Column %d: expected %s, got %s", i, want[i], cols[i])
		}
	}
}

func TestColumns_NoSchema(t *testing.T) {
	recs := []schema.Record{{"b": 1, "a": 2, ColError: "x"}}
	cols := Columns(nil, recs)
	want := []string{"a", "b", ColError}
	for i := range want {
		if cols[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, cols)
		}
	}
}

func TestCellValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"string", "电商", "电商"},
		{"integral float", float64(1999), "1999"},
		{"bool", true, "true"},
		{"nil", nil, ""},
		{"map becomes JSON", map[string]any{"2023": 7042.0}, `{"2023":7042}`},
		{"slice becomes JSON", []any{"a", "b"}, `["a","b"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cellValue(tt.in); got != tt.want {
				t.Errorf("cellValue(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
