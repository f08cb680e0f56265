// Package logging provides config-driven categorized file-based logging for
// rowlift. Logs are written to .rowlift/logs/ with separate files per
// category. Logging is controlled by debug_mode in .rowlift/config.json;
// when false, no logs are written.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category names one log stream. Each enabled category gets its own
// dated file under the logs directory.
type Category string

const (
	// Core categories
	CategoryBoot   Category = "boot"   // Boot/initialization
	CategoryEngine Category = "engine" // Query engine runs, chunking, reconciliation
	CategoryAPI    Category = "api"    // LLM API calls

	// Pipeline categories
	CategoryPrompt Category = "prompt" // Prompt rendering, template fallbacks
	CategoryParse  Category = "parse"  // Response parsing, cascade hits, sentinels

	// Integration categories
	CategoryTools     Category = "tools"     // MCP servers and tool calls
	CategoryStore     Category = "store"     // Catalog and cache operations
	CategoryEmbedding Category = "embedding" // Embedding engine
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// levelNames indexes text tags and JSON level strings by level.
var levelNames = [4]struct{ tag, lvl string }{
	{"DEBUG", "debug"},
	{"INFO", "info"},
	{"WARN", "warn"},
	{"ERROR", "error"},
}

// loggingConfig duplicates the profile's logging section so this package
// stays import-free of internal/config.
type loggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories"`
	Level      string          `json:"level"`
	JSONFormat bool            `json:"json_format"`
}

// configFile is the slice of .rowlift/config.json this package reads.
type configFile struct {
	Logging loggingConfig `json:"logging"`
}

// StructuredLogEntry represents a JSON log entry for downstream parsing
type StructuredLogEntry struct {
	Timestamp int64          `json:"ts"`            // Unix milliseconds
	Category  string         `json:"cat"`           // Log category
	Level     string         `json:"lvl"`           // debug/info/warn/error
	Message   string         `json:"msg"`           // Log message
	RequestID string         `json:"req,omitempty"` // Run correlation ID
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger writes to one category's dated log file. The zero value (and
// any Logger whose category or file could not be set up) is a no-op.
type Logger struct {
	category Category
	out      *log.Logger
	file     *os.File
}

var (
	open         = make(map[Category]*Logger)
	openMu       sync.RWMutex
	logsDir      string
	workspace    string
	config       loggingConfig
	configLoaded bool
	cfgMu        sync.RWMutex
	logLevel     int // one of the Level constants
)

// Initialize points the package at a workspace and reads its logging
// config. Call once at startup; in production mode (no config, or
// debug_mode false) nothing is created on disk.
func Initialize(ws string) error {
	if ws == "" {
		return fmt.Errorf("workspace path required")
	}
	workspace = ws
	logsDir = filepath.Join(workspace, ".rowlift", "logs")

	if err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "[logging] config unreadable, logging disabled: %v\n", err)
		config.DebugMode = false
	}

	// Production mode never touches the filesystem.
	if !config.DebugMode {
		return nil
	}
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("logging initialized, workspace=%s level=%s", workspace, config.Level)
	if len(config.Categories) > 0 {
		on := 0
		for _, enabled := range config.Categories {
			if enabled {
				on++
			}
		}
		boot.Info("category filter active: %d/%d enabled", on, len(config.Categories))
	}
	return nil
}

// loadConfig reads the logging section of .rowlift/config.json. A missing
// file means production mode, not an error.
func loadConfig() error {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	data, err := os.ReadFile(filepath.Join(workspace, ".rowlift", "config.json"))
	switch {
	case os.IsNotExist(err):
		config.DebugMode = false
		configLoaded = true
		return nil
	case err != nil:
		return err
	}

	var cf configFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	config = cf.Logging
	configLoaded = true
	logLevel = parseLevel(config.Level)
	return nil
}

func parseLevel(s string) int {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}

// ReloadConfig re-reads the config from disk for runtime changes.
func ReloadConfig() error {
	return loadConfig()
}

// IsDebugMode reports whether any logging happens at all.
func IsDebugMode() bool {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return config.DebugMode
}

// IsCategoryEnabled reports whether a category writes anywhere. Categories
// not named in the filter default to enabled.
func IsCategoryEnabled(category Category) bool {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	if !configLoaded || !config.DebugMode {
		return false
	}
	if len(config.Categories) == 0 {
		return true
	}
	if enabled, ok := config.Categories[string(category)]; ok {
		return enabled
	}
	return true
}

// IsJSONFormat reports whether entries are emitted as JSON lines.
func IsJSONFormat() bool {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return config.JSONFormat
}

// Get returns the logger for a category, opening its dated file on first
// use. Disabled categories and setup failures yield a no-op logger.
func Get(category Category) *Logger {
	if logsDir == "" || !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	openMu.RLock()
	l, ok := open[category]
	openMu.RUnlock()
	if ok {
		return l
	}

	openMu.Lock()
	defer openMu.Unlock()
	if l, ok := open[category]; ok {
		return l
	}

	l = openCategory(category)
	if l.file != nil {
		open[category] = l
	}
	return l
}

// openCategory opens today's file for a category. The date prefix keeps
// rotation trivial: a new day opens a new file.
func openCategory(category Category) *Logger {
	name := fmt.Sprintf("%s_%s.log", time.Now().Format("2006-01-02"), category)
	path := filepath.Join(logsDir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] cannot open %s: %v\n", path, err)
		return &Logger{category: category}
	}
	return &Logger{
		category: category,
		file:     file,
		out:      log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
}

// emit is the single write path. Error level always passes the gate.
func (l *Logger) emit(level int, msg string) {
	if l.out == nil || level < logLevel {
		return
	}
	if config.JSONFormat {
		entry := StructuredLogEntry{
			Timestamp: time.Now().UnixMilli(),
			Category:  string(l.category),
			Level:     levelNames[level].lvl,
			Message:   msg,
		}
		if data, err := json.Marshal(entry); err == nil {
			l.out.Printf("%s", data)
			return
		}
	}
	l.out.Printf("[%s] %s", levelNames[level].tag, msg)
}

func (l *Logger) Debug(format string, args ...any) { l.emit(LevelDebug, fmt.Sprintf(format, args...)) }
func (l *Logger) Info(format string, args ...any)  { l.emit(LevelInfo, fmt.Sprintf(format, args...)) }
func (l *Logger) Warn(format string, args ...any)  { l.emit(LevelWarn, fmt.Sprintf(format, args...)) }
func (l *Logger) Error(format string, args ...any) { l.emit(LevelError, fmt.Sprintf(format, args...)) }

// StructuredLog writes an entry with caller-chosen level and fields,
// bypassing the level gate.
func (l *Logger) StructuredLog(level string, msg string, fields map[string]any) {
	if l.out == nil {
		return
	}
	if config.JSONFormat {
		entry := StructuredLogEntry{
			Timestamp: time.Now().UnixMilli(),
			Category:  string(l.category),
			Level:     level,
			Message:   msg,
			Fields:    fields,
		}
		if data, err := json.Marshal(entry); err == nil {
			l.out.Printf("%s", data)
			return
		}
	}
	l.out.Printf("[%s] %s | fields=%v", level, msg, fields)
}

// WithContext returns a logger that appends fixed key-value context to
// every line.
func (l *Logger) WithContext(ctx map[string]any) *ContextLogger {
	return &ContextLogger{base: l, context: ctx}
}

// ContextLogger carries a fixed context map. Lines are always text; the
// context renders as a trailing ctx=map.
type ContextLogger struct {
	base    *Logger
	context map[string]any
}

func (c *ContextLogger) emit(level int, msg string) {
	if c.base.out == nil || level < logLevel {
		return
	}
	c.base.out.Printf("[%s] %s | ctx=%v", levelNames[level].tag, msg, c.context)
}

func (c *ContextLogger) Debug(format string, args ...any) {
	c.emit(LevelDebug, fmt.Sprintf(format, args...))
}
func (c *ContextLogger) Info(format string, args ...any) {
	c.emit(LevelInfo, fmt.Sprintf(format, args...))
}
func (c *ContextLogger) Warn(format string, args ...any) {
	c.emit(LevelWarn, fmt.Sprintf(format, args...))
}
func (c *ContextLogger) Error(format string, args ...any) {
	c.emit(LevelError, fmt.Sprintf(format, args...))
}

// CloseAll closes every open category file and forgets it. Call at
// shutdown; safe to call repeatedly.
func CloseAll() {
	openMu.Lock()
	defer openMu.Unlock()
	for _, l := range open {
		if l.file != nil {
			l.file.Close()
		}
	}
	open = make(map[Category]*Logger)
}

// Per-category shorthands. These are no-ops when the category is off.

func Boot(format string, args ...any)      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...any) { Get(CategoryBoot).Debug(format, args...) }
func BootWarn(format string, args ...any)  { Get(CategoryBoot).Warn(format, args...) }
func BootError(format string, args ...any) { Get(CategoryBoot).Error(format, args...) }

func Engine(format string, args ...any)      { Get(CategoryEngine).Info(format, args...) }
func EngineDebug(format string, args ...any) { Get(CategoryEngine).Debug(format, args...) }
func EngineWarn(format string, args ...any)  { Get(CategoryEngine).Warn(format, args...) }
func EngineError(format string, args ...any) { Get(CategoryEngine).Error(format, args...) }

func API(format string, args ...any)      { Get(CategoryAPI).Info(format, args...) }
func APIDebug(format string, args ...any) { Get(CategoryAPI).Debug(format, args...) }
func APIWarn(format string, args ...any)  { Get(CategoryAPI).Warn(format, args...) }
func APIError(format string, args ...any) { Get(CategoryAPI).Error(format, args...) }

func Prompt(format string, args ...any)      { Get(CategoryPrompt).Info(format, args...) }
func PromptDebug(format string, args ...any) { Get(CategoryPrompt).Debug(format, args...) }
func PromptWarn(format string, args ...any)  { Get(CategoryPrompt).Warn(format, args...) }

func Parse(format string, args ...any)      { Get(CategoryParse).Info(format, args...) }
func ParseDebug(format string, args ...any) { Get(CategoryParse).Debug(format, args...) }
func ParseWarn(format string, args ...any)  { Get(CategoryParse).Warn(format, args...) }

func Tools(format string, args ...any)      { Get(CategoryTools).Info(format, args...) }
func ToolsDebug(format string, args ...any) { Get(CategoryTools).Debug(format, args...) }
func ToolsWarn(format string, args ...any)  { Get(CategoryTools).Warn(format, args...) }
func ToolsError(format string, args ...any) { Get(CategoryTools).Error(format, args...) }

func Store(format string, args ...any)      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...any) { Get(CategoryStore).Debug(format, args...) }
func StoreWarn(format string, args ...any)  { Get(CategoryStore).Warn(format, args...) }
func StoreError(format string, args ...any) { Get(CategoryStore).Error(format, args...) }

func Embedding(format string, args ...any)      { Get(CategoryEmbedding).Info(format, args...) }
func EmbeddingDebug(format string, args ...any) { Get(CategoryEmbedding).Debug(format, args...) }
func EmbeddingWarn(format string, args ...any)  { Get(CategoryEmbedding).Warn(format, args...) }
func EmbeddingError(format string, args ...any) { Get(CategoryEmbedding).Error(format, args...) }

// RequestLogger prefixes every line with a run correlation id so one
// enrichment run can be traced across categories.
type RequestLogger struct {
	base   *Logger
	runID  string
	fields map[string]any
}

// WithRequestID creates a run-scoped logger on the given category.
func WithRequestID(category Category, requestID string) *RequestLogger {
	return &RequestLogger{
		base:   Get(category),
		runID:  requestID,
		fields: make(map[string]any),
	}
}

// WithField attaches a key-value pair to every subsequent line.
func (r *RequestLogger) WithField(key string, value any) *RequestLogger {
	r.fields[key] = value
	return r
}

func (r *RequestLogger) emit(level int, format string, args ...any) {
	if r.base.out == nil || level < logLevel {
		return
	}
	msg := fmt.Sprintf("[req:%s] %s", r.runID, fmt.Sprintf(format, args...))
	if len(r.fields) > 0 {
		msg += fmt.Sprintf(" | %v", r.fields)
	}
	r.base.out.Printf("[%s] %s", levelNames[level].tag, msg)
}

func (r *RequestLogger) Debug(format string, args ...any) { r.emit(LevelDebug, format, args...) }
func (r *RequestLogger) Info(format string, args ...any)  { r.emit(LevelInfo, format, args...) }
func (r *RequestLogger) Warn(format string, args ...any)  { r.emit(LevelWarn, format, args...) }
func (r *RequestLogger) Error(format string, args ...any) { r.emit(LevelError, format, args...) }

// Timer measures one operation and logs the duration on stop.
type Timer struct {
	cat   Category
	name  string
	began time.Time
}

// StartTimer starts measuring a named operation on a category.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{cat: category, name: operation, began: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.began)
	Get(t.cat).Debug("%s completed in %v", t.name, d)
	return d
}

// StopWithInfo ends the timer, logging at info level instead.
func (t *Timer) StopWithInfo() time.Duration {
	d := time.Since(t.began)
	Get(t.cat).Info("%s completed in %v", t.name, d)
	return d
}

// StopWithThreshold warns when the operation ran longer than expected.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	d := time.Since(t.began)
	if d > threshold {
		Get(t.cat).Warn("%s took %v (threshold: %v)", t.name, d, threshold)
	} else {
		Get(t.cat).Debug("%s completed in %v", t.name, d)
	}
	return d
}
