package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"rowlift/internal/config"
	"rowlift/internal/logging"
)

// OpenAIClient talks to any OpenAI-compatible chat completion endpoint.
// DashScope, DeepSeek and OpenAI itself all go through here; only the
// base URL, the credentials and the extension knobs differ.
type OpenAIClient struct {
	provider     string
	apiKey       string
	baseURL      string
	model        string
	temperature  float64
	maxTokens    int
	maxRetries   int
	backoff      time.Duration
	enableSearch bool
	httpClient   *http.Client

	mu          sync.Mutex
	lastRequest time.Time
}

// NewOpenAIClient builds a client from the resolved configuration. Zero
// tuning values fall back to the engine defaults.
func NewOpenAIClient(cfg config.LLMConfig) *OpenAIClient {
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &OpenAIClient{
		provider:     cfg.Provider,
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		model:        cfg.Model,
		temperature:  temperature,
		maxTokens:    maxTokens,
		maxRetries:   maxRetries,
		backoff:      time.Second,
		enableSearch: cfg.EnableSearch,
		httpClient: &http.Client{
			Timeout: cfg.GetTimeout(),
		},
	}
}

// Name reports the provider this client was configured for.
func (c *OpenAIClient) Name() string { return c.provider }

// SetModel changes the model used for completions.
func (c *OpenAIClient) SetModel(model string) { c.model = model }

// GetModel returns the current model.
func (c *OpenAIClient) GetModel() string { return c.model }

// Complete sends a bare user prompt with the default system message.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with a system message. An empty
// system message falls back to the package default.
func (c *OpenAIClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	// Auto-apply timeout if the context has no deadline of its own.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	start := time.Now()
	logging.APIDebug("[%s] complete: model=%s system_len=%d user_len=%d", c.provider, c.model, len(systemPrompt), len(userPrompt))

	if c.apiKey == "" {
		logging.APIError("[%s] complete: API key not configured", c.provider)
		return "", fmt.Errorf("llm: %s API key not configured", c.provider)
	}

	reqBody := c.buildRequest(systemPrompt, userPrompt, false)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 1s, 2s, 4s.
			time.Sleep(time.Duration(1<<uint(attempt-1)) * c.backoff)
		}
		c.throttle()

		body, status, err := c.post(ctx, reqBody)
		if err != nil {
			lastErr = err
			continue
		}
		if status == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("%w: %s", ErrRateLimited, strings.TrimSpace(string(body)))
			logging.APIWarn("[%s] complete: 429, attempt %d/%d", c.provider, attempt+1, c.maxRetries+1)
			continue
		}
		if status != http.StatusOK {
			return "", fmt.Errorf("llm: %s request failed with status %d: %s", c.provider, status, string(body))
		}

		var chatResp chatResponse
		if err := json.Unmarshal(body, &chatResp); err != nil {
			return "", fmt.Errorf("llm: parse %s response: %w", c.provider, err)
		}
		if chatResp.Error != nil {
			return "", fmt.Errorf("llm: %s API error: %s", c.provider, chatResp.Error.Message)
		}
		if len(chatResp.Choices) == 0 {
			logging.APIError("[%s] complete: no choices in response", c.provider)
			return "", ErrNoChoices
		}

		response := strings.TrimSpace(chatResp.Choices[0].Message.Content)
		logging.API("[%s] complete: done in %v response_len=%d tokens=%d", c.provider, time.Since(start), len(response), chatResp.Usage.TotalTokens)
		return response, nil
	}

	logging.APIError("[%s] complete: max retries exceeded after %v: %v", c.provider, time.Since(start), lastErr)
	return "", fmt.Errorf("llm: max retries exceeded: %w", lastErr)
}

// CompleteWithStreaming streams the completion, invoking onDelta for each
// content fragment, and returns the assembled response once the stream
// terminates.
func (c *OpenAIClient) CompleteWithStreaming(ctx context.Context, prompt string, onDelta func(string)) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	start := time.Now()
	if c.apiKey == "" {
		return "", fmt.Errorf("llm: %s API key not configured", c.provider)
	}

	reqBody := c.buildRequest("", prompt, true)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(1<<uint(attempt-1)) * c.backoff)
		}
		c.throttle()

		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			return "", fmt.Errorf("llm: marshal request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			return "", fmt.Errorf("llm: create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("llm: request failed: %w", err)
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: %s", ErrRateLimited, strings.TrimSpace(string(body)))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return "", fmt.Errorf("llm: %s request failed with status %d: %s", c.provider, resp.StatusCode, string(body))
		}

		text, err := c.consumeStream(resp.Body, onDelta)
		resp.Body.Close()
		if err != nil {
			logging.APIError("[%s] stream: error after %v: %v", c.provider, time.Since(start), err)
			return text, err
		}
		logging.API("[%s] stream: done in %v response_len=%d", c.provider, time.Since(start), len(text))
		return text, nil
	}

	logging.APIError("[%s] stream: max retries exceeded after %v: %v", c.provider, time.Since(start), lastErr)
	return "", fmt.Errorf("llm: max retries exceeded: %w", lastErr)
}

func (c *OpenAIClient) consumeStream(body io.Reader, onDelta func(string)) (string, error) {
	var full strings.Builder
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return full.String(), fmt.Errorf("llm: %s API error: %s", c.provider, chunk.Error.Message)
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta != nil {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				full.WriteString(delta)
				if onDelta != nil {
					onDelta(delta)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("llm: stream read: %w", err)
	}
	return strings.TrimSpace(full.String()), nil
}

// TestConnection fires a one-token probe at the endpoint. Used by
// `rowlift config test`; no retries, short deadline.
func (c *OpenAIClient) TestConnection(ctx context.Context) error {
	if c.apiKey == "" {
		return fmt.Errorf("llm: %s API key not configured", c.provider)
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
	}

	probe := chatRequest{
		Model:     c.model,
		Messages:  []chatMessage{{Role: "user", Content: "你好"}},
		MaxTokens: 8,
	}
	body, status, err := c.post(ctx, probe)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("llm: %s probe failed with status %d: %s", c.provider, status, strings.TrimSpace(string(body)))
	}
	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return fmt.Errorf("llm: parse %s response: %w", c.provider, err)
	}
	if chatResp.Error != nil {
		return fmt.Errorf("llm: %s API error: %s", c.provider, chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return ErrNoChoices
	}
	return nil
}

// buildRequest assembles the request body, attaching the DashScope
// extension knobs only where they are understood.
func (c *OpenAIClient) buildRequest(systemPrompt, userPrompt string, stream bool) chatRequest {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = defaultSystemPrompt
	}
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}
	if stream {
		req.Stream = true
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	// Hybrid DashScope models reject non-streaming requests unless
	// thinking is switched off explicitly. Reasoning models ignore the
	// knob, so they never get it.
	if c.provider == "dashscope" && !config.IsReasoningModel(c.model) {
		req.EnableThinking = boolPtr(false)
	}
	if c.enableSearch {
		if config.SupportsNativeSearch(c.model) {
			req.EnableSearch = boolPtr(true)
		} else {
			logging.APIWarn("[%s] model %s does not accept enable_search, continuing without it", c.provider, c.model)
		}
	}
	return req
}

// throttle enforces the minimum spacing between consecutive requests.
func (c *OpenAIClient) throttle() {
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < minRequestSpacing {
		time.Sleep(minRequestSpacing - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()
}

// post sends one request and returns the raw body with the status code.
// Transport errors come back as the error; HTTP errors come back as
// status plus body so the caller decides whether to retry.
func (c *OpenAIClient) post(ctx context.Context, reqBody chatRequest) ([]byte, int, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("llm: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, 0, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("llm: read response: %w", err)
	}
	return body, resp.StatusCode, nil
}
