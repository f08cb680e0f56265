package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"rowlift/internal/schema"
)

func TestRunJournal_RecordsChunks(t *testing.T) {
	journal, err := NewRunJournal(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create journal: %v", err)
	}

	client := &fakeClient{respond: constantResponse(`[{"n":"x"},{"n":"y"}]`)}
	e := New(client, testSchema(), Options{BatchSize: 2, Journal: journal})

	recs := []schema.Record{
		{"公司": "一"}, {"公司": "二"}, {"公司": "三"}, {"公司": "四"},
	}
	e.QueryBatch(context.Background(), recs)
	if err := journal.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(journal.Path())
	if err != nil {
		t.Fatalf("Failed to read journal: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 journal lines, got %d:\n%s", len(lines), data)
	}

	var entries []journalEntry
	for _, line := range lines {
		var entry journalEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("Invalid journal line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}

	if entries[0].RunID != journal.RunID() {
		t.Errorf("Run id mismatch: %s != %s", entries[0].RunID, journal.RunID())
	}
	if entries[0].Offset != 0 || entries[1].Offset != 2 {
		t.Errorf("Chunk offsets wrong: %d, %d", entries[0].Offset, entries[1].Offset)
	}
	if entries[0].Count != 2 {
		t.Errorf("Expected chunk count 2, got %d", entries[0].Count)
	}
	if entries[0].Method != "json" {
		t.Errorf("Expected direct json parse, got %s", entries[0].Method)
	}
	if entries[0].Sentinels != 0 {
		t.Errorf("Expected no sentinels, got %d", entries[0].Sentinels)
	}
}

func TestRunJournal_RecordsFailedSingle(t *testing.T) {
	journal, err := NewRunJournal(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create journal: %v", err)
	}

	client := &fakeClient{respond: func(int, string) (string, error) {
		return "", errors.New("boom")
	}}
	e := New(client, testSchema(), Options{Journal: journal})

	e.QuerySingle(context.Background(), schema.Record{"公司": "阿里巴巴"})
	journal.Close()

	data, err := os.ReadFile(journal.Path())
	if err != nil {
		t.Fatalf("Failed to read journal: %v", err)
	}
	var entry journalEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry); err != nil {
		t.Fatalf("Invalid journal line: %v", err)
	}
	if entry.Count != 1 || entry.Sentinels != 1 {
		t.Errorf("Expected 1 record, 1 sentinel; got %d, %d", entry.Count, entry.Sentinels)
	}
	if entry.Method != "sentinel" {
		t.Errorf("Expected sentinel method, got %s", entry.Method)
	}
}

func TestRunJournal_ConcurrentWrites(t *testing.T) {
	journal, err := NewRunJournal(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create journal: %v", err)
	}

	// Workers share one journal even though each owns its engine.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			journal.record(offset, 3, "json", 0, false, time.Millisecond)
		}(i * 3)
	}
	wg.Wait()
	journal.Close()

	data, err := os.ReadFile(journal.Path())
	if err != nil {
		t.Fatalf("Failed to read journal: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 10 {
		t.Fatalf("Expected 10 journal lines, got %d", len(lines))
	}
	for _, line := range lines {
		var entry journalEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Errorf("Interleaved write corrupted line %q: %v", line, err)
		}
	}
}
