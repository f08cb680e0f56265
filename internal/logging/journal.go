// Run journal: structured JSONL events for enrichment runs. One line per
// event, correlated by run ID, written alongside the category logs. The
// journal answers "what happened to row 37" after the fact without
// replaying the run.

package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JournalEventType defines the type of journal event
type JournalEventType string

const (
	// Run lifecycle events
	JournalRunStart JournalEventType = "run_start"
	JournalRunEnd   JournalEventType = "run_end"

	// Chunk events
	JournalChunkComplete JournalEventType = "chunk_complete"
	JournalChunkError    JournalEventType = "chunk_error"

	// LLM API events
	JournalLLMRequest  JournalEventType = "llm_request"
	JournalLLMResponse JournalEventType = "llm_response"
	JournalLLMError    JournalEventType = "llm_error"

	// Tool events
	JournalToolInvoke   JournalEventType = "tool_invoke"
	JournalToolComplete JournalEventType = "tool_complete"
	JournalToolError    JournalEventType = "tool_error"

	// Cache events
	JournalCacheHit   JournalEventType = "cache_hit"
	JournalCacheStore JournalEventType = "cache_store"

	// Tabular I/O events
	JournalFileRead  JournalEventType = "file_read"
	JournalFileWrite JournalEventType = "file_write"
)

// JournalEvent represents one structured journal entry
type JournalEvent struct {
	Timestamp  int64            `json:"ts"`    // Unix milliseconds
	EventType  JournalEventType `json:"event"` // Event type
	RunID      string           `json:"run"`   // Run correlation
	Target     string           `json:"target,omitempty"`
	Action     string           `json:"action,omitempty"`
	Success    bool             `json:"success"`
	DurationMs int64            `json:"dur_ms,omitempty"`
	Error      string           `json:"error,omitempty"`
	Message    string           `json:"msg"`
	Fields     map[string]any   `json:"fields,omitempty"`
}

var (
	journalFile *os.File
	journalMu   sync.Mutex
)

// JournalLogger writes journal events scoped to one run
type JournalLogger struct {
	runID string
}

// InitJournal opens the journal file. No-op in production mode.
func InitJournal() error {
	if !IsDebugMode() {
		return nil
	}

	journalMu.Lock()
	defer journalMu.Unlock()

	if journalFile != nil {
		return nil
	}

	date := time.Now().Format("2006-01-02")
	journalPath := filepath.Join(logsDir, fmt.Sprintf("%s_journal.log", date))

	file, err := os.OpenFile(journalPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("logging: open journal: %w", err)
	}
	journalFile = file

	header := fmt.Sprintf("# Run journal started at %s\n", time.Now().Format(time.RFC3339))
	journalFile.WriteString(header)

	return nil
}

// CloseJournal closes the journal file
func CloseJournal() {
	journalMu.Lock()
	defer journalMu.Unlock()

	if journalFile != nil {
		journalFile.Close()
		journalFile = nil
	}
}

// JournalWithRun creates a journal logger scoped to one run ID
func JournalWithRun(runID string) *JournalLogger {
	return &JournalLogger{runID: runID}
}

// Log writes a journal event
func (j *JournalLogger) Log(event JournalEvent) {
	if !IsDebugMode() || journalFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.RunID == "" {
		event.RunID = j.runID
	}

	journalMu.Lock()
	defer journalMu.Unlock()

	data, err := json.Marshal(event)
	if err == nil {
		journalFile.WriteString(string(data) + "\n")
	}
}

// RunStart logs the beginning of an enrichment run
func (j *JournalLogger) RunStart(records, batchSize, workers int) {
	j.Log(JournalEvent{
		EventType: JournalRunStart,
		Success:   true,
		Fields: map[string]any{
			"records":    records,
			"batch_size": batchSize,
			"workers":    workers,
		},
		Message: fmt.Sprintf("Run started: %d records, batch_size=%d, workers=%d", records, batchSize, workers),
	})
}

// RunEnd logs the end of an enrichment run
func (j *JournalLogger) RunEnd(durationMs int64, okCount, errCount int) {
	j.Log(JournalEvent{
		EventType:  JournalRunEnd,
		Success:    errCount == 0,
		DurationMs: durationMs,
		Fields: map[string]any{
			"ok_count":  okCount,
			"err_count": errCount,
		},
		Message: fmt.Sprintf("Run ended: %d ok, %d errors (%dms)", okCount, errCount, durationMs),
	})
}

// ChunkComplete logs one processed batch chunk
func (j *JournalLogger) ChunkComplete(startIndex, size int, parseMethod string, sentinels int, durationMs int64) {
	j.Log(JournalEvent{
		EventType:  JournalChunkComplete,
		Success:    sentinels == 0,
		DurationMs: durationMs,
		Fields: map[string]any{
			"start_index":  startIndex,
			"size":         size,
			"parse_method": parseMethod,
			"sentinels":    sentinels,
		},
		Message: fmt.Sprintf("Chunk [%d..%d): method=%s sentinels=%d (%dms)", startIndex, startIndex+size, parseMethod, sentinels, durationMs),
	})
}

// ChunkError logs a chunk whose transport call failed outright
func (j *JournalLogger) ChunkError(startIndex, size int, errMsg string) {
	j.Log(JournalEvent{
		EventType: JournalChunkError,
		Success:   false,
		Error:     errMsg,
		Fields: map[string]any{
			"start_index": startIndex,
			"size":        size,
		},
		Message: fmt.Sprintf("Chunk [%d..%d) failed: %s", startIndex, startIndex+size, errMsg),
	})
}

// LLMCall logs an LLM API call
func (j *JournalLogger) LLMCall(model string, promptChars int, durationMs int64, success bool, errMsg string) {
	eventType := JournalLLMResponse
	if !success {
		eventType = JournalLLMError
	}
	j.Log(JournalEvent{
		EventType:  eventType,
		Target:     model,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Fields:     map[string]any{"prompt_chars": promptChars},
		Message:    fmt.Sprintf("LLM call: %s (%d chars, %dms, success=%v)", model, promptChars, durationMs, success),
	})
}

// ToolExec logs an MCP tool execution
func (j *JournalLogger) ToolExec(toolName, action string, durationMs int64, success bool, errMsg string) {
	eventType := JournalToolComplete
	if !success {
		eventType = JournalToolError
	}
	j.Log(JournalEvent{
		EventType:  eventType,
		Target:     toolName,
		Action:     action,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Message:    fmt.Sprintf("Tool %s/%s: %dms ok=%v", toolName, action, durationMs, success),
	})
}

// CacheEvent logs a result cache hit or store
func (j *JournalLogger) CacheEvent(hit bool, key string) {
	eventType := JournalCacheStore
	msg := "Cache store"
	if hit {
		eventType = JournalCacheHit
		msg = "Cache hit"
	}
	j.Log(JournalEvent{
		EventType: eventType,
		Target:    key,
		Success:   true,
		Message:   fmt.Sprintf("%s: %s", msg, key),
	})
}

// FileOp logs a tabular read or write
func (j *JournalLogger) FileOp(write bool, path string, records int, success bool, errMsg string) {
	eventType := JournalFileRead
	if write {
		eventType = JournalFileWrite
	}
	j.Log(JournalEvent{
		EventType: eventType,
		Target:    path,
		Success:   success,
		Error:     errMsg,
		Fields:    map[string]any{"records": records},
		Message:   fmt.Sprintf("File %s: %s (%d records, success=%v)", eventType, path, records, success),
	})
}
