package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"rowlift/internal/mcp"
)

// fakeEmbedder maps text onto a fixed 3-dimensional space so search
// results are deterministic.
type fakeEmbedder struct {
	mu         sync.Mutex
	name       string
	embedCalls int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{name: "fake:v1"}
}

func fakeVector(text string) []float32 {
	switch {
	case strings.Contains(text, "search"):
		return []float32{1, 0, 0}
	case strings.Contains(text, "query"):
		return []float32{0, 1, 0}
	default:
		return []float32{0, 0, 1}
	}
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.embedCalls++
	f.mu.Unlock()
	return fakeVector(text), nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := f.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 3 }
func (f *fakeEmbedder) Name() string    { return f.name }

func (f *fakeEmbedder) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.embedCalls
}

func TestNewCatalogStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data", "catalog.db")
	store, err := NewCatalogStore(dbPath, nil)
	if err != nil {
		t.Fatalf("Failed to create catalog store: %v", err)
	}
	defer store.Close()

	if store.db == nil {
		t.Error("Database connection is nil")
	}
	if store.DB() == nil {
		t.Error("DB returned nil")
	}

	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.Servers != 0 || stats.Tools != 0 {
		t.Errorf("Expected empty catalog, got %+v", stats)
	}
}

func TestCatalogStoreImplementsCatalog(t *testing.T) {
	var _ mcp.Catalog = (*CatalogStore)(nil)
}

func TestRecordServerUpsert(t *testing.T) {
	store, err := NewCatalogStore(":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to create catalog store: %v", err)
	}
	defer store.Close()

	if err := store.RecordServer("web_search", "npx", []string{"-y", "@modelcontextprotocol/server-brave-search"}); err != nil {
		t.Fatalf("RecordServer failed: %v", err)
	}
	// Same server with a changed command should update, not duplicate.
	if err := store.RecordServer("web_search", "bunx", []string{"@modelcontextprotocol/server-brave-search"}); err != nil {
		t.Fatalf("RecordServer upsert failed: %v", err)
	}

	servers, err := store.ListServers(context.Background())
	if err != nil {
		t.Fatalf("ListServers failed: %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("Expected 1 server, got %d", len(servers))
	}
	if servers[0].Command != "bunx" {
		t.Errorf("Expected updated command bunx, got %s", servers[0].Command)
	}
	if len(servers[0].Args) != 1 {
		t.Errorf("Expected 1 arg after upsert, got %v", servers[0].Args)
	}
	if servers[0].LastSeen.IsZero() {
		t.Error("LastSeen not set")
	}
}

func TestRecordToolAndList(t *testing.T) {
	store, err := NewCatalogStore(":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to create catalog store: %v", err)
	}
	defer store.Close()

	schema := json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`)
	tools := []mcp.ToolSchema{
		{Name: "brave_web_search", Description: "联网搜索最新信息", InputSchema: schema},
		{Name: "execute_query", Description: "在SQLite数据库上执行SQL"},
	}
	for _, tool := range tools {
		if err := store.RecordTool("demo", tool); err != nil {
			t.Fatalf("RecordTool(%s) failed: %v", tool.Name, err)
		}
	}

	listed, err := store.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("Expected 2 tools, got %d", len(listed))
	}
	// Ordered by server then name.
	if listed[0].Name != "brave_web_search" || listed[1].Name != "execute_query" {
		t.Errorf("Unexpected tool order: %s, %s", listed[0].Name, listed[1].Name)
	}
	if listed[0].Description != "联网搜索最新信息" {
		t.Errorf("Description mismatch: %s", listed[0].Description)
	}
	if string(listed[0].InputSchema) != string(schema) {
		t.Errorf("InputSchema not preserved: %s", listed[0].InputSchema)
	}
	if listed[0].Embedded {
		t.Error("Tool should not be embedded without an engine")
	}
}

func TestRecordUsageRunningAverage(t *testing.T) {
	store, err := NewCatalogStore(":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to create catalog store: %v", err)
	}
	defer store.Close()

	if err := store.RecordTool("demo", mcp.ToolSchema{Name: "execute_query"}); err != nil {
		t.Fatalf("RecordTool failed: %v", err)
	}

	if err := store.RecordUsage("demo", "execute_query", 100, true); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}
	if err := store.RecordUsage("demo", "execute_query", 300, false); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}

	tools, err := store.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	tool := tools[0]
	if tool.UsageCount != 2 {
		t.Errorf("Expected usage_count 2, got %d", tool.UsageCount)
	}
	if tool.SuccessCount != 1 {
		t.Errorf("Expected success_count 1, got %d", tool.SuccessCount)
	}
	if tool.AvgLatencyMs != 200 {
		t.Errorf("Expected avg_latency_ms 200, got %d", tool.AvgLatencyMs)
	}
	if tool.LastUsed.IsZero() {
		t.Error("LastUsed not set")
	}
}

func TestRecordToolEmbedsOncePerDescription(t *testing.T) {
	embedder := newFakeEmbedder()
	store, err := NewCatalogStore(":memory:", embedder)
	if err != nil {
		t.Fatalf("Failed to create catalog store: %v", err)
	}
	defer store.Close()

	tool := mcp.ToolSchema{Name: "brave_web_search", Description: "联网搜索"}
	if err := store.RecordTool("demo", tool); err != nil {
		t.Fatalf("RecordTool failed: %v", err)
	}
	// Re-registering with an unchanged description must not re-embed.
	if err := store.RecordTool("demo", tool); err != nil {
		t.Fatalf("RecordTool repeat failed: %v", err)
	}
	if got := embedder.calls(); got != 1 {
		t.Errorf("Expected 1 embed call for unchanged tool, got %d", got)
	}

	tool.Description = "联网搜索最新信息"
	if err := store.RecordTool("demo", tool); err != nil {
		t.Fatalf("RecordTool with new description failed: %v", err)
	}
	if got := embedder.calls(); got != 2 {
		t.Errorf("Expected re-embed after description change, got %d calls", got)
	}

	tools, err := store.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if !tools[0].Embedded {
		t.Error("Tool should be embedded")
	}
}

func TestSemanticSearch(t *testing.T) {
	store, err := NewCatalogStore(":memory:", newFakeEmbedder())
	if err != nil {
		t.Fatalf("Failed to create catalog store: %v", err)
	}
	defer store.Close()

	seed := []mcp.ToolSchema{
		{Name: "brave_web_search", Description: "联网搜索最新信息"},
		{Name: "execute_query", Description: "在SQLite数据库上执行SQL"},
	}
	for _, tool := range seed {
		if err := store.RecordTool("demo", tool); err != nil {
			t.Fatalf("RecordTool failed: %v", err)
		}
	}

	results, err := store.SemanticSearch(context.Background(), "search the web for company news", 1)
	if err != nil {
		t.Fatalf("SemanticSearch failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(results))
	}
	if results[0].Name != "brave_web_search" {
		t.Errorf("Expected brave_web_search as top hit, got %s", results[0].Name)
	}
	if results[0].Server != "demo" {
		t.Errorf("Expected server demo, got %s", results[0].Server)
	}
	if results[0].Score < 0.99 {
		t.Errorf("Expected near-perfect score, got %f", results[0].Score)
	}

	// topK <= 0 falls back to the default and returns everything here.
	all, err := store.SemanticSearch(context.Background(), "run a database query", 0)
	if err != nil {
		t.Fatalf("SemanticSearch with default topK failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(all))
	}
	if all[0].Name != "execute_query" {
		t.Errorf("Expected execute_query first for SQL query, got %s", all[0].Name)
	}
}

func TestSemanticSearchNoEmbedder(t *testing.T) {
	store, err := NewCatalogStore(":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to create catalog store: %v", err)
	}
	defer store.Close()

	if _, err := store.SemanticSearch(context.Background(), "anything", 3); err == nil {
		t.Fatal("Expected error without embedding engine")
	} else if !strings.Contains(err.Error(), "embedding engine") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestReindex(t *testing.T) {
	store, err := NewCatalogStore(":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to create catalog store: %v", err)
	}
	defer store.Close()

	for _, name := range []string{"brave_web_search", "execute_query"} {
		if err := store.RecordTool("demo", mcp.ToolSchema{Name: name}); err != nil {
			t.Fatalf("RecordTool failed: %v", err)
		}
	}

	if _, err := store.Reindex(context.Background()); err == nil {
		t.Fatal("Expected error reindexing without an engine")
	}

	// Attach an engine after the fact, as if embeddings were enabled in
	// the config of a later run.
	embedder := newFakeEmbedder()
	store.embedder = embedder

	count, err := store.Reindex(context.Background())
	if err != nil {
		t.Fatalf("Reindex failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 tools reindexed, got %d", count)
	}

	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Embedded != 2 {
		t.Errorf("Expected 2 embedded tools, got %d", stats.Embedded)
	}

	// Everything is current now, so a second pass is a no-op.
	count, err = store.Reindex(context.Background())
	if err != nil {
		t.Fatalf("Second reindex failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected no-op reindex, got %d", count)
	}
}

func TestPruneServers(t *testing.T) {
	store, err := NewCatalogStore(":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to create catalog store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	for _, name := range []string{"web_search", "database", "old_server"} {
		if err := store.RecordServer(name, "cmd", nil); err != nil {
			t.Fatalf("RecordServer failed: %v", err)
		}
		if err := store.RecordTool(name, mcp.ToolSchema{Name: name + "_tool"}); err != nil {
			t.Fatalf("RecordTool failed: %v", err)
		}
	}

	pruned, err := store.PruneServers(ctx, []string{"web_search", "database"})
	if err != nil {
		t.Fatalf("PruneServers failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("Expected 1 pruned server, got %d", pruned)
	}

	servers, err := store.ListServers(ctx)
	if err != nil {
		t.Fatalf("ListServers failed: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("Expected 2 servers after prune, got %d", len(servers))
	}
	tools, err := store.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	for _, tool := range tools {
		if tool.Server == "old_server" {
			t.Errorf("Tool %s survived prune of its server", tool.Name)
		}
	}

	// Pruning again with the same keep list is a no-op.
	pruned, err = store.PruneServers(ctx, []string{"web_search", "database"})
	if err != nil {
		t.Fatalf("Second PruneServers failed: %v", err)
	}
	if pruned != 0 {
		t.Errorf("Expected no-op prune, got %d", pruned)
	}
}

func TestFloat32BlobRoundTrip(t *testing.T) {
	in := []float32{0.1, -2.5, 0, 3.75}
	out := bytesToFloat32Slice(float32SliceToBytes(in))
	if len(out) != len(in) {
		t.Fatalf("Length mismatch: %d != %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("Value %d mismatch: %f != %f", i, in[i], out[i])
		}
	}
}

func TestToolKeyRoundTrip(t *testing.T) {
	server, name := splitToolKey(toolKey("demo", "execute_query"))
	if server != "demo" || name != "execute_query" {
		t.Errorf("Round trip failed: %s, %s", server, name)
	}
	// Tool names may themselves contain slashes.
	server, name = splitToolKey(toolKey("demo", "fs/read"))
	if server != "demo" || name != "fs/read" {
		t.Errorf("Slash round trip failed: %s, %s", server, name)
	}
}
