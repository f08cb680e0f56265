package embedding

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// genaiDimensions is requested via OutputDimensionality so the catalog
// vector table stays a fixed width regardless of the model default.
const genaiDimensions = 768

// validTaskTypes are the task types the embedding API accepts.
var validTaskTypes = map[string]bool{
	"SEMANTIC_SIMILARITY": true,
	"CLASSIFICATION":      true,
	"CLUSTERING":          true,
	"RETRIEVAL_DOCUMENT":  true,
	"RETRIEVAL_QUERY":     true,
	"QUESTION_ANSWERING":  true,
	"FACT_VERIFICATION":   true,
}

// GenAIEngine embeds text through Google's Gemini embedding models.
type GenAIEngine struct {
	client   *genai.Client
	model    string
	taskType string
}

// NewGenAIEngine dials the Gemini API. The key is required; model and
// task type fall back to defaults.
func NewGenAIEngine(apiKey, model, taskType string) (*GenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embedding: GenAI API key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: create GenAI client: %w", err)
	}

	return &GenAIEngine{
		client:   client,
		model:    model,
		taskType: normalizeTaskType(taskType),
	}, nil
}

// normalizeTaskType maps the configured task type onto the API vocabulary,
// falling back to SEMANTIC_SIMILARITY for anything unrecognized.
func normalizeTaskType(taskType string) string {
	normalized := strings.ToUpper(strings.TrimSpace(taskType))
	if normalized == "" || !validTaskTypes[normalized] {
		return "SEMANTIC_SIMILARITY"
	}
	return normalized
}

// queryTaskFor pairs a document task type with its query-side counterpart.
// Catalogs indexed as retrieval documents are searched with retrieval
// queries; every other task type embeds both sides the same way.
func queryTaskFor(taskType string) string {
	if taskType == "RETRIEVAL_DOCUMENT" {
		return "RETRIEVAL_QUERY"
	}
	return taskType
}

func (e *GenAIEngine) embedWithTask(ctx context.Context, text, taskType string) ([]float32, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}
	dims := int32(genaiDimensions)
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType:             taskType,
		OutputDimensionality: &dims,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: GenAI embed failed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("embedding: no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}

// Embed embeds one text with the configured document task type.
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.embedWithTask(ctx, text, e.taskType)
}

// EmbedQuery embeds a search query with the query-side task type.
func (e *GenAIEngine) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return e.embedWithTask(ctx, text, queryTaskFor(e.taskType))
}

// EmbedBatch generates embeddings for multiple texts in one request.
func (e *GenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	dims := int32(genaiDimensions)
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType:             e.taskType,
		OutputDimensionality: &dims,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: GenAI batch embed failed: %w", err)
	}

	out := make([][]float32, len(result.Embeddings))
	for i, got := range result.Embeddings {
		out[i] = got.Values
	}
	return out, nil
}

// Dimensions reports the fixed vector width requested from the API.
func (e *GenAIEngine) Dimensions() int {
	return genaiDimensions
}

// Name identifies the engine in logs and catalog stats.
func (e *GenAIEngine) Name() string {
	return "genai:" + e.model
}
