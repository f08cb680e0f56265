package main

import (
	"context"
	"strings"
	"testing"
)

func TestRunQuerySelectsSeededRows(t *testing.T) {
	db, err := openDemoDB()
	if err != nil {
		t.Fatalf("openDemoDB: %v", err)
	}
	defer db.Close()

	out, err := runQuery(context.Background(), db, "SELECT name, city FROM companies WHERE founded < 2000 ORDER BY founded")
	if err != nil {
		t.Fatalf("runQuery: %v", err)
	}
	if !strings.HasPrefix(out, "name\tcity\n") {
		t.Errorf("missing header line: %q", out)
	}
	if !strings.Contains(out, "比亚迪股份有限公司\t深圳") {
		t.Errorf("missing seeded row: %q", out)
	}
	if !strings.Contains(out, "(3 row(s))") {
		t.Errorf("wrong row count footer: %q", out)
	}
}

func TestRunQueryRejectsWrites(t *testing.T) {
	db, err := openDemoDB()
	if err != nil {
		t.Fatalf("openDemoDB: %v", err)
	}
	defer db.Close()

	for _, stmt := range []string{
		"DELETE FROM companies",
		"DROP TABLE companies",
		"INSERT INTO companies VALUES ('x', 'y', 'z', 2020)",
		"  ",
	} {
		if _, err := runQuery(context.Background(), db, stmt); err == nil {
			t.Errorf("expected rejection for %q", stmt)
		}
	}
}

func TestCellString(t *testing.T) {
	if got := cellString(nil); got != "NULL" {
		t.Errorf("nil: got %q", got)
	}
	if got := cellString([]byte("深圳")); got != "深圳" {
		t.Errorf("bytes: got %q", got)
	}
	if got := cellString(int64(1995)); got != "1995" {
		t.Errorf("int64: got %q", got)
	}
}
