package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"rowlift/internal/logging"
)

// DefaultCacheTTL is how long a cached completion stays valid (7 days).
const DefaultCacheTTL = 168 * time.Hour

// ResultCache stores LLM completions keyed by model and prompt so that
// re-running an enrichment over unchanged records skips the API call.
// Entries expire after the configured TTL and are deleted lazily on
// lookup or in bulk via Purge.
type ResultCache struct {
	mu  sync.Mutex
	db  *sql.DB
	ttl time.Duration
}

// NewResultCache creates the cache table on the given database handle.
// Passing the catalog store's DB keeps everything in one file.
func NewResultCache(db *sql.DB, ttl time.Duration) (*ResultCache, error) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS llm_cache (
			cache_key TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			prompt TEXT NOT NULL,
			response TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			hit_count INTEGER DEFAULT 0
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("store: create llm_cache table: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_llm_cache_created ON llm_cache(created_at)`)

	return &ResultCache{db: db, ttl: ttl}, nil
}

// cacheKey hashes model and prompt together so the same prompt against
// a different model is a distinct entry.
func cacheKey(model, prompt string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + prompt))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached response for a prompt, if present and fresh.
func (c *ResultCache) Get(prompt, model string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(model, prompt)
	var response string
	var createdAt time.Time
	err := c.db.QueryRow(`
		SELECT response, created_at FROM llm_cache WHERE cache_key = ?
	`, key).Scan(&response, &createdAt)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		logging.StoreDebug("cache lookup failed: %v", err)
		return "", false
	}

	if time.Since(createdAt) > c.ttl {
		_, _ = c.db.Exec(`DELETE FROM llm_cache WHERE cache_key = ?`, key)
		return "", false
	}

	_, _ = c.db.Exec(`UPDATE llm_cache SET hit_count = hit_count + 1 WHERE cache_key = ?`, key)
	logging.StoreDebug("cache hit for model %s", model)
	return response, true
}

// Put stores a response, replacing any previous entry for the same
// model and prompt.
func (c *ResultCache) Put(prompt, model, response string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(`
		INSERT INTO llm_cache (cache_key, model, prompt, response, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			response = excluded.response,
			created_at = excluded.created_at
	`, cacheKey(model, prompt), model, prompt, response, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: cache put: %w", err)
	}
	return nil
}

// Purge deletes all expired entries and returns how many were removed.
func (c *ResultCache) Purge() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().UTC().Add(-c.ttl)
	res, err := c.db.Exec(`DELETE FROM llm_cache WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: cache purge: %w", err)
	}
	removed, _ := res.RowsAffected()
	if removed > 0 {
		logging.Store("purged %d expired cache entries", removed)
	}
	return removed, nil
}

// CacheStats summarizes cache contents.
type CacheStats struct {
	Entries int64
	Hits    int64
}

// Stats returns entry and cumulative hit counts.
func (c *ResultCache) Stats() (CacheStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stats CacheStats
	err := c.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(hit_count), 0) FROM llm_cache
	`).Scan(&stats.Entries, &stats.Hits)
	if err != nil {
		return stats, fmt.Errorf("store: cache stats: %w", err)
	}
	return stats, nil
}
