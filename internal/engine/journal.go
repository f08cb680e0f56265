package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"rowlift/internal/logging"
)

// RunJournal appends one JSON line per processed chunk to a per-run
// file so long enrichments can be audited after the fact. Unlike the
// engine itself, the journal is shared across workers and is safe for
// concurrent use.
type RunJournal struct {
	mu    sync.Mutex
	runID string
	path  string
	file  *os.File
	enc   *json.Encoder
}

type journalEntry struct {
	RunID     string    `json:"run_id"`
	Time      time.Time `json:"time"`
	Offset    int       `json:"offset"`
	Count     int       `json:"count"`
	Method    string    `json:"parse_method"`
	Sentinels int       `json:"sentinels"`
	CacheHit  bool      `json:"cache_hit"`
	LatencyMs int64     `json:"latency_ms"`
}

// NewRunJournal opens a journal file named after a fresh run id.
func NewRunJournal(dir string) (*RunJournal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("engine: create journal directory: %w", err)
	}

	runID := uuid.New().String()[:8]
	path := filepath.Join(dir, fmt.Sprintf("run_%s.jsonl", runID))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("engine: open journal: %w", err)
	}

	logging.Engine("run %s journal at %s", runID, path)
	return &RunJournal{
		runID: runID,
		path:  path,
		file:  file,
		enc:   json.NewEncoder(file),
	}, nil
}

// RunID returns the short identifier of this run.
func (j *RunJournal) RunID() string {
	return j.runID
}

// Path returns the journal file path.
func (j *RunJournal) Path() string {
	return j.path
}

// record writes one chunk entry. Write failures are logged, never
// surfaced; the journal must not be able to fail an enrichment.
func (j *RunJournal) record(offset, count int, method string, sentinels int, cacheHit bool, elapsed time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry := journalEntry{
		RunID:     j.runID,
		Time:      time.Now().UTC(),
		Offset:    offset,
		Count:     count,
		Method:    method,
		Sentinels: sentinels,
		CacheHit:  cacheHit,
		LatencyMs: elapsed.Milliseconds(),
	}
	if err := j.enc.Encode(entry); err != nil {
		logging.EngineWarn("journal write failed: %v", err)
	}
}

// Close flushes and closes the journal file.
func (j *RunJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
