// Package llm provides the chat completion transports behind the
// enrichment engine. The OpenAI-compatible client covers DashScope,
// DeepSeek and OpenAI itself; Gemini speaks its own REST shape. All
// clients share the same discipline: temperature 0.1 requests, bounded
// retries with exponential backoff, a minimum spacing between calls, and
// a request timeout applied whenever the caller's context carries none.
package llm

import (
	"errors"
	"time"
)

// defaultSystemPrompt keeps model output parseable when the caller does
// not supply a system message of its own.
const defaultSystemPrompt = "你是一个专业的数据补全助手。根据提供的字段信息补全目标字段，严格按要求输出JSON，不要输出任何解释性文字。"

var (
	// ErrNoChoices means the provider answered 200 with an empty choice
	// list. Treated as a soft failure by the engine.
	ErrNoChoices = errors.New("llm: no completion choices returned")

	// ErrRateLimited wraps HTTP 429 responses that survived the retry
	// budget.
	ErrRateLimited = errors.New("llm: rate limited")
)

const (
	defaultTemperature = 0.1
	defaultMaxTokens   = 4096
	defaultMaxRetries  = 3

	// minRequestSpacing throttles back-to-back calls against provider
	// burst limits.
	minRequestSpacing = 100 * time.Millisecond
)

// chatMessage is one turn in an OpenAI-compatible conversation.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// chatRequest is the OpenAI-compatible request body. EnableThinking and
// EnableSearch are DashScope-style extension knobs; they are pointers so
// that providers which reject unknown parameters never see them.
type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	Temperature    float64        `json:"temperature,omitempty"`
	Stream         bool           `json:"stream,omitempty"`
	StreamOptions  *streamOptions `json:"stream_options,omitempty"`
	EnableThinking *bool          `json:"enable_thinking,omitempty"`
	EnableSearch   *bool          `json:"enable_search,omitempty"`
}

// chatResponse is the OpenAI-compatible response body, for both full
// completions and streaming deltas.
type chatResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role             string `json:"role"`
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content,omitempty"`
		} `json:"message"`
		Delta *struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content,omitempty"`
		} `json:"delta,omitempty"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

func boolPtr(b bool) *bool { return &b }
