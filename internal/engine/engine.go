// Package engine drives records through the model and turns responses
// into per-record results. The engine owns the render/enhance/complete/
// parse pipeline and its cardinality guarantee: QueryBatch always
// returns exactly one result per input record, in input order, no
// matter how the transport or the model misbehaves. Failures degrade to
// sentinel results; the engine never returns a Go error for a record.
package engine

import (
	"context"
	"strings"
	"time"

	"rowlift/internal/logging"
	"rowlift/internal/mcp"
	"rowlift/internal/parse"
	"rowlift/internal/prompt"
	"rowlift/internal/schema"
	"rowlift/internal/store"
	"rowlift/internal/types"
)

// DefaultBatchSize is how many records share one batch prompt.
const DefaultBatchSize = 15

// Options carries the optional collaborators of an Engine.
type Options struct {
	// BatchSize overrides DefaultBatchSize when positive.
	BatchSize int
	// Orchestrator enables prompt enhancement through live tool servers.
	Orchestrator *mcp.Orchestrator
	// Cache short-circuits completions for previously seen prompts.
	Cache *store.ResultCache
	// Journal receives one entry per processed chunk.
	Journal *RunJournal
}

// Engine runs enrichment queries against one LLM client. Not
// goroutine-safe: the batch runner gives each worker its own engine and
// reassembles results by index.
type Engine struct {
	llm       types.LLMClient
	builder   *prompt.Builder
	parser    *parse.Parser
	orch      *mcp.Orchestrator
	cache     *store.ResultCache
	journal   *RunJournal
	batchSize int
}

// New creates an engine for the given schema and client.
func New(client types.LLMClient, sch *schema.Schema, opts Options) *Engine {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Engine{
		llm:       client,
		builder:   prompt.NewBuilder(sch),
		parser:    parse.NewParser(),
		orch:      opts.Orchestrator,
		cache:     opts.Cache,
		journal:   opts.Journal,
		batchSize: batchSize,
	}
}

// BatchSize returns the chunk size the engine splits batches into.
func (e *Engine) BatchSize() int {
	return e.batchSize
}

// ParserStats exposes the parse cascade counters for run summaries.
func (e *Engine) ParserStats() parse.Stats {
	return e.parser.Stats()
}

// QuerySingle enriches one record. The result is always usable: model
// or transport failures come back as sentinel results carrying the
// error message, multi-entity responses come back expanded.
func (e *Engine) QuerySingle(ctx context.Context, rec schema.Record) parse.QueryResult {
	started := time.Now()
	rendered := e.builder.RenderSingle(rec)

	raw, fromCache, err := e.complete(ctx, rendered)
	if err != nil {
		logging.EngineError("completion failed: %v", err)
		e.journalChunk(0, 1, parse.MethodSentinel, 1, fromCache, time.Since(started))
		return parse.ErrorResult(parse.NoResultMessage)
	}
	if strings.TrimSpace(raw) == "" {
		logging.EngineWarn("empty model response for record")
		e.journalChunk(0, 1, parse.MethodSentinel, 1, fromCache, time.Since(started))
		return parse.ErrorResult(parse.NoResultMessage)
	}

	if parse.IsMultiEntity(raw) {
		if res, ok := e.parser.ParseMultiEntity(raw); ok {
			logging.Engine("multi-entity response: %v entities", res[parse.KeyCount])
			e.journalChunk(0, 1, parse.MethodEntity, 0, fromCache, time.Since(started))
			return res
		}
	}

	res, outcome := e.parser.ParseObject(raw)
	sentinels := 0
	if parse.IsErrorResult(res) {
		sentinels = 1
	}
	logging.EngineDebug("single record parsed via %s", outcome.Method)
	e.journalChunk(0, 1, outcome.Method, sentinels, fromCache, time.Since(started))
	return res
}

// QueryBatch enriches a slice of records chunk by chunk. The returned
// slice has exactly len(recs) entries in input order. A chunk whose
// completion fails is filled with sentinels; later chunks still run.
func (e *Engine) QueryBatch(ctx context.Context, recs []schema.Record) []parse.QueryResult {
	if len(recs) == 0 {
		return nil
	}

	total := (len(recs) + e.batchSize - 1) / e.batchSize
	out := make([]parse.QueryResult, 0, len(recs))
	for start := 0; start < len(recs); start += e.batchSize {
		end := start + e.batchSize
		if end > len(recs) {
			end = len(recs)
		}
		chunk := recs[start:end]
		logging.Engine("processing chunk %d/%d (%d records)", start/e.batchSize+1, total, len(chunk))
		out = append(out, e.queryChunk(ctx, chunk, start)...)
	}
	return out
}

// queryChunk runs one chunk and always returns len(chunk) results.
func (e *Engine) queryChunk(ctx context.Context, chunk []schema.Record, offset int) []parse.QueryResult {
	started := time.Now()
	rendered := e.builder.RenderBatch(chunk)

	raw, fromCache, err := e.complete(ctx, rendered)
	if err != nil || strings.TrimSpace(raw) == "" {
		if err != nil {
			logging.EngineError("chunk at offset %d failed: %v", offset, err)
		} else {
			logging.EngineWarn("empty model response for chunk at offset %d", offset)
		}
		results := make([]parse.QueryResult, len(chunk))
		for i := range results {
			results[i] = parse.ErrorResult(parse.NoResultMessage)
		}
		e.journalChunk(offset, len(chunk), parse.MethodSentinel, len(chunk), fromCache, time.Since(started))
		return results
	}

	results, outcome := e.parser.ParseArray(raw, len(chunk))
	sentinels := 0
	for _, r := range results {
		if parse.IsErrorResult(r) {
			sentinels++
		}
	}
	if sentinels > 0 {
		logging.EngineWarn("chunk at offset %d: %d/%d sentinel results (via %s)", offset, sentinels, len(chunk), outcome.Method)
	} else {
		logging.EngineDebug("chunk at offset %d parsed via %s", offset, outcome.Method)
	}
	e.journalChunk(offset, len(chunk), outcome.Method, sentinels, fromCache, time.Since(started))
	return results
}

// complete resolves a rendered prompt to raw model output. Cache hits
// skip both enhancement and the transport; the cache key is the
// rendered prompt so hits stay stable across volatile search context.
func (e *Engine) complete(ctx context.Context, rendered string) (raw string, fromCache bool, err error) {
	model := e.modelName()
	if e.cache != nil {
		if resp, ok := e.cache.Get(rendered, model); ok {
			logging.EngineDebug("cache hit, transport skipped")
			return resp, true, nil
		}
	}

	sendPrompt := rendered
	if e.orch != nil {
		sendPrompt = e.orch.EnhancePrompt(ctx, rendered)
	}

	resp, err := e.llm.Complete(ctx, sendPrompt)
	if err != nil {
		return "", false, err
	}
	if e.cache != nil && strings.TrimSpace(resp) != "" {
		if err := e.cache.Put(rendered, model, resp); err != nil {
			logging.EngineDebug("cache put failed: %v", err)
		}
	}
	return resp, false, nil
}

// modelName identifies the active model for cache keying and journals.
func (e *Engine) modelName() string {
	if ms, ok := e.llm.(types.ModelSwitcher); ok {
		return ms.GetModel()
	}
	return "default"
}

func (e *Engine) journalChunk(offset, count int, method string, sentinels int, cacheHit bool, elapsed time.Duration) {
	if e.journal == nil {
		return
	}
	e.journal.record(offset, count, method, sentinels, cacheHit, elapsed)
}
