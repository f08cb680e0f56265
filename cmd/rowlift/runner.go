package main

import (
	"context"

	"rowlift/internal/engine"
	"rowlift/internal/parse"
	"rowlift/internal/schema"
	"rowlift/internal/types"

	"golang.org/x/sync/errgroup"
)

// batchJob is one contiguous slice of the input, processed by a single worker.
type batchJob struct {
	start int
	recs  []schema.Record
}

// buildEngines creates one engine per worker. Engines are not goroutine-safe,
// so each worker owns its own; the client, cache, and journal passed through
// opts are shared and synchronized internally.
func buildEngines(n int, client types.LLMClient, sch *schema.Schema, opts engine.Options) []*engine.Engine {
	if n < 1 {
		n = 1
	}
	engines := make([]*engine.Engine, n)
	for i := range engines {
		engines[i] = engine.New(client, sch, opts)
	}
	return engines
}

// runPool fans input chunks out to the engines and reassembles results by
// index, so a record's result position always equals its input position.
// In single mode every record becomes its own job. Slots the pool never
// reaches after cancellation stay nil; the merge layer turns nil into
// sentinel rows.
func runPool(ctx context.Context, engines []*engine.Engine, recs []schema.Record, single bool) []parse.QueryResult {
	out := make([]parse.QueryResult, len(recs))
	if len(recs) == 0 || len(engines) == 0 {
		return out
	}

	chunk := engines[0].BatchSize()
	if single {
		chunk = 1
	}

	jobs := make(chan batchJob)
	g, gctx := errgroup.WithContext(ctx)

	for _, eng := range engines {
		eng := eng
		g.Go(func() error {
			for job := range jobs {
				if single {
					out[job.start] = eng.QuerySingle(gctx, job.recs[0])
				} else {
					copy(out[job.start:], eng.QueryBatch(gctx, job.recs))
				}
			}
			return nil
		})
	}

	go func() {
		defer close(jobs)
		for start := 0; start < len(recs); start += chunk {
			end := start + chunk
			if end > len(recs) {
				end = len(recs)
			}
			select {
			case jobs <- batchJob{start: start, recs: recs[start:end]}:
			case <-gctx.Done():
				return
			}
		}
	}()

	_ = g.Wait()
	return out
}

// poolStats sums parser statistics across all workers.
func poolStats(engines []*engine.Engine) parse.Stats {
	total := parse.Stats{ByMethod: make(map[string]int)}
	for _, eng := range engines {
		s := eng.ParserStats()
		total.TotalProcessed += s.TotalProcessed
		total.SuccessfulParses += s.SuccessfulParses
		total.FallbackParses += s.FallbackParses
		total.MultiEntity += s.MultiEntity
		for method, n := range s.ByMethod {
			total.ByMethod[method] += n
		}
	}
	return total
}
