// Package store persists the tool catalog and the LLM result cache in
// a single SQLite database. The catalog records every server and tool
// the orchestrator discovers, tracks per-tool usage statistics, and
// serves semantic tool search backed by sqlite-vec when the extension
// is compiled in, with a brute-force cosine scan as the fallback.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"rowlift/internal/embedding"
	"rowlift/internal/logging"
	"rowlift/internal/mcp"

	_ "github.com/mattn/go-sqlite3"
)

// embedTimeout bounds a single embedding call made outside a caller
// context (catalog hooks fire from the orchestrator startup path).
const embedTimeout = 30 * time.Second

// CatalogStore provides SQLite-backed storage for tool servers and tools.
type CatalogStore struct {
	mu sync.RWMutex

	db        *sql.DB
	embedder  embedding.Engine
	vectorExt bool
	vecDims   int
	dbPath    string
}

var _ mcp.Catalog = (*CatalogStore)(nil)

// NewCatalogStore opens (or creates) the catalog database. The embedder
// is optional; without one the catalog still records servers, tools and
// usage, but semantic search is unavailable.
func NewCatalogStore(dbPath string, embedder embedding.Engine) (*CatalogStore, error) {
	logging.Store("opening catalog store at %s", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// A single connection keeps concurrent workers serialized at the
	// database handle instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &CatalogStore{
		db:       db,
		embedder: embedder,
		dbPath:   dbPath,
	}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	store.initVectorExtension()

	return store, nil
}

// initialize creates the database schema.
func (s *CatalogStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS mcp_servers (
			name TEXT PRIMARY KEY,
			command TEXT NOT NULL,
			args TEXT,
			first_seen DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_seen DATETIME
		)
	`)
	if err != nil {
		return fmt.Errorf("store: create mcp_servers table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS mcp_tools (
			server TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			input_schema TEXT,

			embedding BLOB,
			embedding_model TEXT,

			usage_count INTEGER DEFAULT 0,
			success_count INTEGER DEFAULT 0,
			avg_latency_ms INTEGER DEFAULT 0,
			last_used DATETIME,

			registered_at DATETIME DEFAULT CURRENT_TIMESTAMP,

			PRIMARY KEY (server, name)
		)
	`)
	if err != nil {
		return fmt.Errorf("store: create mcp_tools table: %w", err)
	}

	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_mcp_tools_server ON mcp_tools(server)`)
	return nil
}

// initVectorExtension probes for sqlite-vec and, when available, creates
// the vector index sized to the embedder's dimensions.
func (s *CatalogStore) initVectorExtension() {
	if s.embedder == nil {
		logging.StoreDebug("no embedder configured, vector search disabled")
		return
	}
	s.vecDims = s.embedder.Dimensions()

	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err != nil {
		logging.StoreDebug("sqlite-vec not available: %v", err)
		return
	}
	_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")

	vecTable := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS tool_vec USING vec0(
			tool_key TEXT PRIMARY KEY,
			embedding float[%d]
		)
	`, s.vecDims)
	if _, err := s.db.Exec(vecTable); err != nil {
		logging.StoreWarn("tool_vec create failed: %v", err)
		return
	}

	s.vectorExt = true
	logging.Store("tool vector index initialized (%d dimensions)", s.vecDims)
}

// Close closes the database connection.
func (s *CatalogStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so the result cache can share the
// same database file.
func (s *CatalogStore) DB() *sql.DB {
	return s.db
}

// RecordServer upserts a server row. Called once per orchestrator start.
func (s *CatalogStore) RecordServer(name, command string, args []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	argsJSON, _ := json.Marshal(args)
	_, err := s.db.Exec(`
		INSERT INTO mcp_servers (name, command, args, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			command = excluded.command,
			args = excluded.args,
			last_seen = excluded.last_seen
	`, name, command, string(argsJSON), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: save server: %w", err)
	}
	return nil
}

// RecordTool upserts a tool row and refreshes its embedding when the
// description changed or was never embedded with the current engine.
// Embedding failures are logged, never returned; the catalog row stays
// usable without a vector.
func (s *CatalogStore) RecordTool(server string, tool mcp.ToolSchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prevDescription, prevModel sql.NullString
	var hasEmbedding bool
	err := s.db.QueryRow(`
		SELECT description, embedding_model, embedding IS NOT NULL
		FROM mcp_tools WHERE server = ? AND name = ?
	`, server, tool.Name).Scan(&prevDescription, &prevModel, &hasEmbedding)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("store: look up tool: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO mcp_tools (server, name, description, input_schema)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(server, name) DO UPDATE SET
			description = excluded.description,
			input_schema = excluded.input_schema
	`, server, tool.Name, tool.Description, string(tool.InputSchema))
	if err != nil {
		return fmt.Errorf("store: save tool: %w", err)
	}

	if s.embedder == nil {
		return nil
	}
	current := hasEmbedding &&
		prevModel.String == s.embedder.Name() &&
		prevDescription.String == tool.Description
	if current {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), embedTimeout)
	defer cancel()
	s.embedTool(ctx, server, tool.Name, tool.Description)
	return nil
}

// embedTool computes and stores the embedding for one tool. Caller must
// hold the write lock.
func (s *CatalogStore) embedTool(ctx context.Context, server, name, description string) {
	vec, err := s.embedder.Embed(ctx, embedText(name, description))
	if err != nil {
		logging.EmbeddingWarn("embed tool %s/%s failed: %v", server, name, err)
		return
	}

	_, err = s.db.Exec(`
		UPDATE mcp_tools SET embedding = ?, embedding_model = ?
		WHERE server = ? AND name = ?
	`, float32SliceToBytes(vec), s.embedder.Name(), server, name)
	if err != nil {
		logging.StoreWarn("save embedding for %s/%s failed: %v", server, name, err)
		return
	}

	if s.vectorExt {
		s.updateVectorIndex(toolKey(server, name), vec)
	}
}

// updateVectorIndex replaces the vec0 row for a tool. Caller must hold
// the write lock.
func (s *CatalogStore) updateVectorIndex(key string, vec []float32) {
	_, _ = s.db.Exec("DELETE FROM tool_vec WHERE tool_key = ?", key)
	if _, err := s.db.Exec("INSERT INTO tool_vec (tool_key, embedding) VALUES (?, ?)", key, float32SliceToBytes(vec)); err != nil {
		logging.StoreDebug("vector index update for %s failed: %v", key, err)
	}
}

// RecordUsage updates per-tool counters and the running latency average.
func (s *CatalogStore) RecordUsage(server, tool string, latencyMs int64, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	successInc := 0
	if success {
		successInc = 1
	}
	_, err := s.db.Exec(`
		UPDATE mcp_tools SET
			usage_count = usage_count + 1,
			success_count = success_count + ?,
			avg_latency_ms = ((avg_latency_ms * usage_count) + ?) / (usage_count + 1),
			last_used = ?
		WHERE server = ? AND name = ?
	`, successInc, latencyMs, time.Now().UTC(), server, tool)
	if err != nil {
		return fmt.Errorf("store: record usage: %w", err)
	}
	return nil
}

// CatalogServer is one recorded server row.
type CatalogServer struct {
	Name      string
	Command   string
	Args      []string
	FirstSeen time.Time
	LastSeen  time.Time
}

// ListServers returns all recorded servers ordered by name.
func (s *CatalogStore) ListServers(ctx context.Context) ([]CatalogServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, command, args, first_seen, last_seen
		FROM mcp_servers ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list servers: %w", err)
	}
	defer rows.Close()

	var servers []CatalogServer
	for rows.Next() {
		var server CatalogServer
		var argsJSON sql.NullString
		var firstSeen, lastSeen sql.NullTime
		if err := rows.Scan(&server.Name, &server.Command, &argsJSON, &firstSeen, &lastSeen); err != nil {
			return nil, err
		}
		if argsJSON.Valid && argsJSON.String != "" {
			_ = json.Unmarshal([]byte(argsJSON.String), &server.Args)
		}
		if firstSeen.Valid {
			server.FirstSeen = firstSeen.Time
		}
		if lastSeen.Valid {
			server.LastSeen = lastSeen.Time
		}
		servers = append(servers, server)
	}
	return servers, rows.Err()
}

// CatalogTool is one recorded tool row with its usage statistics.
type CatalogTool struct {
	Server       string
	Name         string
	Description  string
	InputSchema  json.RawMessage
	UsageCount   int64
	SuccessCount int64
	AvgLatencyMs int64
	LastUsed     time.Time
	Embedded     bool
}

// ListTools returns all recorded tools ordered by server then name.
func (s *CatalogStore) ListTools(ctx context.Context) ([]CatalogTool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT server, name, description, input_schema,
			usage_count, success_count, avg_latency_ms, last_used,
			embedding IS NOT NULL
		FROM mcp_tools ORDER BY server, name
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list tools: %w", err)
	}
	defer rows.Close()

	var tools []CatalogTool
	for rows.Next() {
		var tool CatalogTool
		var description, inputSchema sql.NullString
		var lastUsed sql.NullTime
		if err := rows.Scan(
			&tool.Server, &tool.Name, &description, &inputSchema,
			&tool.UsageCount, &tool.SuccessCount, &tool.AvgLatencyMs, &lastUsed,
			&tool.Embedded,
		); err != nil {
			return nil, err
		}
		tool.Description = description.String
		if inputSchema.Valid && inputSchema.String != "" {
			tool.InputSchema = json.RawMessage(inputSchema.String)
		}
		if lastUsed.Valid {
			tool.LastUsed = lastUsed.Time
		}
		tools = append(tools, tool)
	}
	return tools, rows.Err()
}

// ToolSearchResult is one semantic search hit.
type ToolSearchResult struct {
	Server      string
	Name        string
	Description string
	Score       float64
}

// SemanticSearch finds tools whose descriptions are semantically close
// to the query. Uses the vec0 index when available, otherwise a
// brute-force cosine scan over stored embeddings.
func (s *CatalogStore) SemanticSearch(ctx context.Context, query string, topK int) ([]ToolSearchResult, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("store: semantic search requires an embedding engine")
	}
	if topK <= 0 {
		topK = 5
	}

	queryVec, err := s.embedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: embed query: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.vectorExt {
		results, err := s.searchVec(ctx, queryVec, topK)
		if err == nil {
			return results, nil
		}
		logging.StoreDebug("vec search failed, falling back: %v", err)
	}
	return s.searchBruteForce(ctx, queryVec, topK)
}

// embedQuery uses the query-side embedding when the engine distinguishes
// queries from documents.
func (s *CatalogStore) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if qe, ok := s.embedder.(embedding.QueryEmbedder); ok {
		return qe.EmbedQuery(ctx, query)
	}
	return s.embedder.Embed(ctx, query)
}

// searchVec runs a cosine distance scan through the vec0 index.
func (s *CatalogStore) searchVec(ctx context.Context, queryVec []float32, topK int) ([]ToolSearchResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_key, vec_distance_cosine(embedding, ?) AS distance
		FROM tool_vec
		ORDER BY distance
		LIMIT ?
	`, float32SliceToBytes(queryVec), topK)
	if err != nil {
		return nil, err
	}

	type hit struct {
		key      string
		distance float64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.key, &h.distance); err != nil {
			continue
		}
		hits = append(hits, h)
	}
	rows.Close()

	results := make([]ToolSearchResult, 0, len(hits))
	for _, h := range hits {
		server, name := splitToolKey(h.key)
		var description sql.NullString
		_ = s.db.QueryRowContext(ctx, `
			SELECT description FROM mcp_tools WHERE server = ? AND name = ?
		`, server, name).Scan(&description)

		score := 1.0 - h.distance
		if score < 0 {
			score = 0
		}
		results = append(results, ToolSearchResult{
			Server:      server,
			Name:        name,
			Description: description.String,
			Score:       score,
		})
	}
	return results, nil
}

// searchBruteForce scans every stored embedding with cosine similarity.
func (s *CatalogStore) searchBruteForce(ctx context.Context, queryVec []float32, topK int) ([]ToolSearchResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server, name, description, embedding
		FROM mcp_tools WHERE embedding IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("store: scan embeddings: %w", err)
	}

	type row struct {
		server, name, description string
		vec                       []float32
	}
	var candidates []row
	for rows.Next() {
		var r row
		var description sql.NullString
		var blob []byte
		if err := rows.Scan(&r.server, &r.name, &description, &blob); err != nil {
			continue
		}
		if len(blob) == 0 {
			continue
		}
		r.description = description.String
		r.vec = bytesToFloat32Slice(blob)
		candidates = append(candidates, r)
	}
	rows.Close()

	corpus := make([][]float32, len(candidates))
	for i, c := range candidates {
		corpus[i] = c.vec
	}

	var results []ToolSearchResult
	for _, hit := range embedding.FindTopK(queryVec, corpus, topK) {
		c := candidates[hit.Index]
		results = append(results, ToolSearchResult{
			Server:      c.server,
			Name:        c.name,
			Description: c.description,
			Score:       hit.Similarity,
		})
	}
	return results, nil
}

// Reindex re-embeds every tool whose embedding is missing or was built
// by a different engine. Returns the number of tools re-embedded.
func (s *CatalogStore) Reindex(ctx context.Context) (int, error) {
	if s.embedder == nil {
		return 0, fmt.Errorf("store: reindex requires an embedding engine")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT server, name, description
		FROM mcp_tools
		WHERE embedding IS NULL OR embedding_model IS NULL OR embedding_model != ?
	`, s.embedder.Name())
	if err != nil {
		return 0, fmt.Errorf("store: find stale embeddings: %w", err)
	}

	type pending struct {
		server, name, description string
	}
	var stale []pending
	for rows.Next() {
		var p pending
		var description sql.NullString
		if err := rows.Scan(&p.server, &p.name, &description); err != nil {
			continue
		}
		p.description = description.String
		stale = append(stale, p)
	}
	rows.Close()

	count := 0
	for _, p := range stale {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		s.embedTool(ctx, p.server, p.name, p.description)
		count++
	}
	if count > 0 {
		logging.Store("reindexed %d tool embeddings with %s", count, s.embedder.Name())
	}
	return count, nil
}

// PruneServers removes every server not in keep, along with its tools
// and vector index rows. Called on startup so the catalog tracks the
// current configuration instead of accumulating dead servers.
func (s *CatalogStore) PruneServers(ctx context.Context, keep []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keepSet := make(map[string]bool, len(keep))
	for _, name := range keep {
		keepSet[name] = true
	}

	rows, err := s.db.QueryContext(ctx, `SELECT name FROM mcp_servers`)
	if err != nil {
		return 0, fmt.Errorf("store: list servers for prune: %w", err)
	}
	var stale []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			continue
		}
		if !keepSet[name] {
			stale = append(stale, name)
		}
	}
	rows.Close()

	for _, name := range stale {
		if s.vectorExt {
			_, _ = s.db.Exec("DELETE FROM tool_vec WHERE tool_key LIKE ?", name+"/%")
		}
		_, _ = s.db.Exec("DELETE FROM mcp_tools WHERE server = ?", name)
		_, _ = s.db.Exec("DELETE FROM mcp_servers WHERE name = ?", name)
		logging.Store("pruned server %s from catalog", name)
	}
	return len(stale), nil
}

// CatalogStats summarizes catalog contents.
type CatalogStats struct {
	Servers  int64
	Tools    int64
	Embedded int64
}

// Stats returns row counts for the catalog tables.
func (s *CatalogStore) Stats(ctx context.Context) (CatalogStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats CatalogStats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mcp_servers`).Scan(&stats.Servers); err != nil {
		return stats, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mcp_tools`).Scan(&stats.Tools); err != nil {
		return stats, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mcp_tools WHERE embedding IS NOT NULL`).Scan(&stats.Embedded); err != nil {
		return stats, err
	}
	return stats, nil
}

// embedText is the canonical text embedded for a tool.
func embedText(name, description string) string {
	if description == "" {
		return name
	}
	return name + ": " + description
}

func toolKey(server, name string) string {
	return server + "/" + name
}

func splitToolKey(key string) (server, name string) {
	parts := strings.SplitN(key, "/", 2)
	if len(parts) != 2 {
		return key, ""
	}
	return parts[0], parts[1]
}

// Embeddings are stored as little-endian float32 blobs, the layout
// sqlite-vec expects.

func float32SliceToBytes(floats []float32) []byte {
	out := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func bytesToFloat32Slice(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}
