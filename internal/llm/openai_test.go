package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rowlift/internal/config"
	"rowlift/internal/types"
)

func TestOpenAIClient_Complete_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify request shape
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected /chat/completions, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Error("expected test-key authorization")
		}

		var got chatRequest
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if got.Model != "gpt-4o-mini" {
			t.Errorf("expected model gpt-4o-mini, got %s", got.Model)
		}
		if len(got.Messages) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(got.Messages))
		}
		if got.Messages[0].Role != "system" || got.Messages[0].Content != defaultSystemPrompt {
			t.Errorf("expected default system prompt, got %+v", got.Messages[0])
		}
		if got.Messages[1].Role != "user" || got.Messages[1].Content != "补全这条记录" {
			t.Errorf("unexpected user message: %+v", got.Messages[1])
		}
		if got.Temperature != 0.1 {
			t.Errorf("expected temperature 0.1, got %v", got.Temperature)
		}
		if got.MaxTokens != 4096 {
			t.Errorf("expected max_tokens 4096, got %d", got.MaxTokens)
		}
		if got.Stream {
			t.Error("non-streaming call must not set stream")
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"choices": [{"message": {"content": "  {\"行业\":\"电商\"}  "}}],
			"usage": {"total_tokens": 42}
		}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(config.LLMConfig{
		Provider: "openai",
		APIKey:   "test-key",
		Model:    "gpt-4o-mini",
		BaseURL:  server.URL,
	})

	resp, err := client.Complete(context.Background(), "补全这条记录")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp != `{"行业":"电商"}` {
		t.Errorf("expected trimmed completion, got %q", resp)
	}
}

func TestOpenAIClient_CompleteWithSystem_CustomPrompt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got chatRequest
		json.NewDecoder(r.Body).Decode(&got)
		if got.Messages[0].Content != "只输出中文" {
			t.Errorf("expected caller system prompt, got %q", got.Messages[0].Content)
		}
		w.Write([]byte(`{"choices": [{"message": {"content": "好的"}}]}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(config.LLMConfig{
		Provider: "openai",
		APIKey:   "test-key",
		Model:    "gpt-4o-mini",
		BaseURL:  server.URL,
	})

	resp, err := client.CompleteWithSystem(context.Background(), "只输出中文", "你好")
	if err != nil {
		t.Fatalf("CompleteWithSystem failed: %v", err)
	}
	if resp != "好的" {
		t.Errorf("unexpected response: %q", resp)
	}
}

func TestOpenAIClient_Complete_RetryOn429(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"choices": [{"message": {"content": "ok"}}]}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(config.LLMConfig{
		Provider: "deepseek",
		APIKey:   "test-key",
		Model:    "deepseek-chat",
		BaseURL:  server.URL,
	})
	// Speed up retries for the test
	client.backoff = time.Millisecond

	resp, err := client.Complete(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts (2 retries), got %d", attempts)
	}
	if resp != "ok" {
		t.Errorf("unexpected response: %q", resp)
	}
}

func TestOpenAIClient_Complete_MaxRetriesExceeded(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "quota exhausted"}}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(config.LLMConfig{
		Provider:   "openai",
		APIKey:     "test-key",
		Model:      "gpt-4o-mini",
		BaseURL:    server.URL,
		MaxRetries: 1,
	})
	client.backoff = time.Millisecond

	_, err := client.Complete(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited in chain, got %v", err)
	}
	if !strings.Contains(err.Error(), "max retries exceeded") {
		t.Errorf("expected max retries message, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts with maxRetries=1, got %d", attempts)
	}
}

func TestOpenAIClient_Complete_APIErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": {"message": "model not found", "type": "invalid_request_error"}}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(config.LLMConfig{
		Provider: "openai",
		APIKey:   "test-key",
		Model:    "nope",
		BaseURL:  server.URL,
	})

	_, err := client.Complete(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Errorf("expected API error message, got %v", err)
	}
}

func TestOpenAIClient_Complete_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": []}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(config.LLMConfig{
		Provider: "openai",
		APIKey:   "test-key",
		Model:    "gpt-4o-mini",
		BaseURL:  server.URL,
	})

	_, err := client.Complete(context.Background(), "hello")
	if !errors.Is(err, ErrNoChoices) {
		t.Errorf("expected ErrNoChoices, got %v", err)
	}
}

func TestOpenAIClient_Complete_ServerError(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("upstream exploded"))
	}))
	defer server.Close()

	client := NewOpenAIClient(config.LLMConfig{
		Provider: "openai",
		APIKey:   "test-key",
		Model:    "gpt-4o-mini",
		BaseURL:  server.URL,
	})

	_, err := client.Complete(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "status 500") {
		t.Errorf("expected status 500 error, got %v", err)
	}
	// Non-429 statuses fail immediately, no retry
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestOpenAIClient_Complete_NoAPIKey(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()

	client := NewOpenAIClient(config.LLMConfig{
		Provider: "dashscope",
		Model:    "qwen-plus",
		BaseURL:  server.URL,
	})

	_, err := client.Complete(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "API key not configured") {
		t.Errorf("expected missing key error, got %v", err)
	}
	if calls != 0 {
		t.Errorf("expected no HTTP call without a key, got %d", calls)
	}
}

func TestOpenAIClient_ExtensionKnobs(t *testing.T) {
	tests := []struct {
		name         string
		provider     string
		model        string
		enableSearch bool
		wantThinking *bool
		wantSearch   *bool
	}{
		{
			name:         "dashscope hybrid model disables thinking",
			provider:     "dashscope",
			model:        "qwen-plus",
			wantThinking: boolPtr(false),
		},
		{
			name:     "dashscope reasoning model gets no thinking knob",
			provider: "dashscope",
			model:    "qwq-32b",
		},
		{
			name:         "search flag on capable model",
			provider:     "dashscope",
			model:        "qwen-plus",
			enableSearch: true,
			wantThinking: boolPtr(false),
			wantSearch:   boolPtr(true),
		},
		{
			name:         "search flag dropped for incapable model",
			provider:     "openai",
			model:        "gpt-4o-mini",
			enableSearch: true,
		},
		{
			name:         "search-preview model accepts the knob",
			provider:     "openai",
			model:        "gpt-4o-search-preview",
			enableSearch: true,
			wantSearch:   boolPtr(true),
		},
		{
			name:     "plain openai request carries neither knob",
			provider: "openai",
			model:    "gpt-4o-mini",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got chatRequest
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewDecoder(r.Body).Decode(&got)
				w.Write([]byte(`{"choices": [{"message": {"content": "ok"}}]}`))
			}))
			defer server.Close()

			client := NewOpenAIClient(config.LLMConfig{
				Provider:     tt.provider,
				APIKey:       "test-key",
				Model:        tt.model,
				BaseURL:      server.URL,
				EnableSearch: tt.enableSearch,
			})
			if _, err := client.Complete(context.Background(), "hello"); err != nil {
				t.Fatalf("Complete failed: %v", err)
			}

			checkKnob(t, "enable_thinking", got.EnableThinking, tt.wantThinking)
			checkKnob(t, "enable_search", got.EnableSearch, tt.wantSearch)
		})
	}
}

func checkKnob(t *testing.T, name string, got, want *bool) {
	t.Helper()
	if want == nil {
		if got != nil {
			t.Errorf("expected %s to be absent, got %v", name, *got)
		}
		return
	}
	if got == nil {
		t.Errorf("expected %s=%v, got absent", name, *want)
		return
	}
	if *got != *want {
		t.Errorf("expected %s=%v, got %v", name, *want, *got)
	}
}

func TestOpenAIClient_CompleteWithStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Error("expected event-stream accept header")
		}
		var got chatRequest
		json.NewDecoder(r.Body).Decode(&got)
		if !got.Stream {
			t.Error("expected stream=true")
		}
		if got.StreamOptions == nil || !got.StreamOptions.IncludeUsage {
			t.Error("expected stream_options.include_usage")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"深圳\"}}]}\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"科技\"}}]}\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"公司\"}}]}\n\n")
		io.WriteString(w, "data: {\"choices\":[],\"usage\":{\"total_tokens\":9}}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := NewOpenAIClient(config.LLMConfig{
		Provider: "deepseek",
		APIKey:   "test-key",
		Model:    "deepseek-chat",
		BaseURL:  server.URL,
	})

	var deltas []string
	full, err := client.CompleteWithStreaming(context.Background(), "公司名称补全", func(delta string) {
		deltas = append(deltas, delta)
	})
	if err != nil {
		t.Fatalf("CompleteWithStreaming failed: %v", err)
	}
	if full != "深圳科技公司" {
		t.Errorf("expected assembled response, got %q", full)
	}
	if len(deltas) != 3 {
		t.Errorf("expected 3 deltas, got %d: %v", len(deltas), deltas)
	}
}

func TestOpenAIClient_TestConnection(t *testing.T) {
	t.Run("reachable endpoint", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var got chatRequest
			json.NewDecoder(r.Body).Decode(&got)
			if got.MaxTokens != 8 {
				t.Errorf("expected 8-token probe, got %d", got.MaxTokens)
			}
			w.Write([]byte(`{"choices": [{"message": {"content": "你好"}}]}`))
		}))
		defer server.Close()

		client := NewOpenAIClient(config.LLMConfig{
			Provider: "openai",
			APIKey:   "test-key",
			Model:    "gpt-4o-mini",
			BaseURL:  server.URL,
		})
		if err := client.TestConnection(context.Background()); err != nil {
			t.Errorf("TestConnection failed: %v", err)
		}
	})

	t.Run("bad credentials", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error": {"message": "invalid api key"}}`))
		}))
		defer server.Close()

		client := NewOpenAIClient(config.LLMConfig{
			Provider: "openai",
			APIKey:   "bad-key",
			Model:    "gpt-4o-mini",
			BaseURL:  server.URL,
		})
		err := client.TestConnection(context.Background())
		if err == nil || !strings.Contains(err.Error(), "401") {
			t.Errorf("expected 401 error, got %v", err)
		}
	})

	t.Run("missing key", func(t *testing.T) {
		client := NewOpenAIClient(config.LLMConfig{Provider: "openai", Model: "gpt-4o-mini"})
		if err := client.TestConnection(context.Background()); err == nil {
			t.Error("expected error without a key")
		}
	})
}

func TestOpenAIClient_SetModel(t *testing.T) {
	client := NewOpenAIClient(config.LLMConfig{
		Provider: "dashscope",
		APIKey:   "test-key",
		Model:    "qwen-plus",
	})
	if client.GetModel() != "qwen-plus" {
		t.Errorf("expected configured model, got %s", client.GetModel())
	}
	client.SetModel("qwen-max")
	if client.GetModel() != "qwen-max" {
		t.Errorf("expected qwen-max, got %s", client.GetModel())
	}
}

// TestOpenAIClient_LLMClientInterface verifies the client implements the
// engine-facing interfaces.
func TestOpenAIClient_LLMClientInterface(t *testing.T) {
	var _ types.LLMClient = (*OpenAIClient)(nil)
	var _ types.ModelSwitcher = (*OpenAIClient)(nil)
	var _ types.StreamingClient = (*OpenAIClient)(nil)
	var _ types.ConnectionTester = (*OpenAIClient)(nil)
}
