// Package embedding generates vector embeddings for the tool catalog.
// Supports two backends: Ollama (local) and Google GenAI (cloud).
package embedding

import (
	"context"
	"fmt"
	"math"
	"sort"

	"rowlift/internal/config"
	"rowlift/internal/logging"
)

// Engine turns text into vectors for catalog indexing and search.
type Engine interface {
	// Embed returns the vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds several texts, preserving order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the width of returned vectors.
	Dimensions() int

	// Name identifies the backend, e.g. "ollama:embeddinggemma".
	Name() string
}

// HealthChecker is an optional interface for engines that can verify
// their backing service is reachable before batch operations.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// QueryEmbedder is an optional interface for engines that distinguish
// retrieval queries from the documents they search over. Callers index
// with Embed and search with EmbedQuery; engines without the distinction
// are used symmetrically.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// NewEngine picks a backend from config: local Ollama or the Gemini API.
func NewEngine(cfg config.EmbeddingConfig) (Engine, error) {
	logging.Embedding("creating embedding engine: provider=%s", cfg.Provider)

	switch cfg.Provider {
	case "ollama":
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel), nil
	case "genai":
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel, cfg.TaskType)
	default:
		logging.EmbeddingError("unsupported embedding provider: %s", cfg.Provider)
		return nil, fmt.Errorf("embedding: unsupported provider %q (use 'ollama' or 'genai')", cfg.Provider)
	}
}

// CosineSimilarity scores two vectors in [-1, 1]. Zero-magnitude
// vectors compare as 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("embedding: vector dimension mismatch: %d != %d", len(a), len(b))
	}

	var dot, aMag, bMag float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aMag += float64(a[i]) * float64(a[i])
		bMag += float64(b[i]) * float64(b[i])
	}
	if aMag == 0 || bMag == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag)), nil
}

// SimilarityResult is one hit from a brute-force similarity scan.
type SimilarityResult struct {
	Index      int
	Similarity float64
}

// FindTopK returns the indices of the top k corpus vectors most similar
// to the query, best first. Vectors whose dimensions do not match the
// query are skipped.
func FindTopK(query []float32, corpus [][]float32, k int) []SimilarityResult {
	if k <= 0 {
		k = 10
	}

	results := make([]SimilarityResult, 0, len(corpus))
	skipped := 0
	for i, vec := range corpus {
		similarity, err := CosineSimilarity(query, vec)
		if err != nil {
			skipped++
			continue
		}
		results = append(results, SimilarityResult{Index: i, Similarity: similarity})
	}
	if skipped > 0 {
		logging.EmbeddingWarn("FindTopK: skipped %d vectors due to dimension mismatch", skipped)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}
