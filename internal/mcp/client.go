package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"rowlift/internal/logging"
)

const (
	protocolVersion = "2024-11-05"
	clientName      = "rowlift"
	clientVersion   = "1.0.0"

	defaultInitTimeout = 10 * time.Second
	defaultCallTimeout = 30 * time.Second
)

// JSON-RPC 2.0 wire types, one message per line on the child's stdio.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

type listToolsResult struct {
	Tools []ToolSchema `json:"tools"`
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type callToolResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError"`
}

// Client runs one MCP server as a child process and correlates JSON-RPC
// responses back to callers by request id, so concurrent tool calls never
// block each other. Lifecycle: Stopped -> Starting -> Initialized ->
// Running, with Failed reachable from any startup step. Stop is safe to
// call at any time and from any state.
type Client struct {
	cfg ServerConfig

	mu            sync.Mutex
	state         SessionState
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	done          chan struct{}
	tools         []ToolSchema
	serverName    string
	serverVersion string

	// writeMu serializes stdin writes so concurrent requests cannot
	// interleave line fragments.
	writeMu sync.Mutex

	pendMu  sync.Mutex
	nextID  int64
	pending map[int64]chan *rpcResponse

	wg sync.WaitGroup
}

var _ Session = (*Client)(nil)

// NewClient prepares a client for cfg without spawning anything.
func NewClient(cfg ServerConfig) *Client {
	return &Client{
		cfg:     cfg,
		state:   StateStopped,
		pending: make(map[int64]chan *rpcResponse),
	}
}

// Role reports the capability this client was configured for.
func (c *Client) Role() string { return c.cfg.Role }

// State reports the current lifecycle state.
func (c *Client) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ServerInfo reports the name and version the server announced during the
// handshake. Both are empty before the session reaches Initialized.
func (c *Client) ServerInfo() (name, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverName, c.serverVersion
}

// Tools returns the schemas discovered via tools/list at startup.
func (c *Client) Tools() []ToolSchema {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ToolSchema, len(c.tools))
	copy(out, c.tools)
	return out
}

// RefreshTools re-queries tools/list and replaces the cached schemas.
func (c *Client) RefreshTools(ctx context.Context) error {
	if c.State() != StateRunning {
		return ErrNotRunning
	}
	resp, err := c.request(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	var list listToolsResult
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		return fmt.Errorf("mcp: tools/list result: %w", err)
	}
	c.mu.Lock()
	c.tools = list.Tools
	c.mu.Unlock()
	return nil
}

// Start spawns the server process and walks the MCP handshake: initialize,
// the initialized notification, then tools/list to prime the tool cache.
// The whole sequence is bounded by the configured init timeout. On any
// failure the process is torn down and the client lands in Failed.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateStopped, StateFailed:
	default:
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("mcp: server %s already %s", c.cfg.Role, st)
	}
	c.state = StateStarting
	c.done = make(chan struct{})
	c.tools = nil
	c.serverName, c.serverVersion = "", ""
	done := c.done
	c.mu.Unlock()

	initTimeout := c.cfg.InitTimeout
	if initTimeout <= 0 {
		initTimeout = defaultInitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range c.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return c.failf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return c.failf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return c.failf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return c.failf("spawn %s: %w", c.cfg.Command, err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdin
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readLoop(stdout, done)
	go c.readStderr(stderr)

	logging.ToolsDebug("mcp %s: spawned %s (pid %d)", c.cfg.Role, c.cfg.Command, cmd.Process.Pid)
	return c.handshake(ctx)
}

func (c *Client) handshake(ctx context.Context) error {
	resp, err := c.request(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	})
	if err != nil {
		return c.failf("initialize: %w", err)
	}
	var init initializeResult
	if err := json.Unmarshal(resp.Result, &init); err != nil {
		return c.failf("initialize result: %w", err)
	}

	c.mu.Lock()
	c.state = StateInitialized
	c.serverName = init.ServerInfo.Name
	c.serverVersion = init.ServerInfo.Version
	c.mu.Unlock()
	logging.ToolsDebug("mcp %s: initialized %s %s (protocol %s)",
		c.cfg.Role, init.ServerInfo.Name, init.ServerInfo.Version, init.ProtocolVersion)

	if err := c.send(&rpcRequest{JSONRPC: "2.0", Method: "notifications/initialized"}); err != nil {
		return c.failf("initialized notification: %w", err)
	}

	resp, err = c.request(ctx, "tools/list", nil)
	if err != nil {
		return c.failf("tools/list: %w", err)
	}
	var list listToolsResult
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		return c.failf("tools/list result: %w", err)
	}

	c.mu.Lock()
	c.state = StateRunning
	c.tools = list.Tools
	c.mu.Unlock()
	logging.Tools("mcp %s: running with %d tools", c.cfg.Role, len(list.Tools))
	return nil
}

// Call invokes a tool and always returns a result, folding transport and
// protocol failures into CallResult.Err so callers can degrade instead of
// branching on error shapes. Each call is bounded by the call timeout.
func (c *Client) Call(ctx context.Context, tool string, args map[string]any) *CallResult {
	if c.State() != StateRunning {
		return &CallResult{Tool: tool, Err: ErrNotRunning.Error()}
	}

	callTimeout := c.cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.request(ctx, "tools/call", map[string]any{
		"name":      tool,
		"arguments": args,
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		logging.ToolsWarn("mcp %s: %s failed after %dms: %v", c.cfg.Role, tool, latency, err)
		return &CallResult{Tool: tool, Err: err.Error(), LatencyMs: latency}
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return &CallResult{Tool: tool, Err: fmt.Sprintf("decode result: %v", err), LatencyMs: latency}
	}
	parts := make([]string, 0, len(result.Content))
	for _, block := range result.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	output := strings.Join(parts, "\n\n")
	if result.IsError {
		msg := output
		if msg == "" {
			msg = "tool reported an error"
		}
		return &CallResult{Tool: tool, Err: msg, LatencyMs: latency}
	}
	logging.ToolsDebug("mcp %s: %s completed in %dms (%d bytes)", c.cfg.Role, tool, latency, len(output))
	return &CallResult{Tool: tool, Success: true, Output: output, LatencyMs: latency}
}

// Ping checks session liveness with the protocol ping method.
func (c *Client) Ping(ctx context.Context) error {
	if c.State() != StateRunning {
		return ErrNotRunning
	}
	callTimeout := c.cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	_, err := c.request(ctx, "ping", nil)
	return err
}

// Stop tears the session down: stdin closes, the process is killed, and
// pending callers are released. Calling Stop on a stopped client is a no-op.
func (c *Client) Stop() error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopped
	c.mu.Unlock()
	c.teardown()
	logging.ToolsDebug("mcp %s: stopped", c.cfg.Role)
	return nil
}

func (c *Client) failf(format string, args ...any) error {
	err := fmt.Errorf("mcp: %s: "+format, append([]any{c.cfg.Role}, args...)...)
	c.mu.Lock()
	c.state = StateFailed
	c.mu.Unlock()
	c.teardown()
	logging.ToolsError("%v", err)
	return err
}

// teardown releases process resources exactly once; a second call finds
// everything already nil and returns immediately.
func (c *Client) teardown() {
	c.mu.Lock()
	cmd, stdin, done := c.cmd, c.stdin, c.done
	c.cmd, c.stdin, c.done = nil, nil, nil
	c.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	if done != nil {
		close(done)
	}

	c.pendMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.pendMu.Unlock()

	if cmd == nil && stdin == nil && done == nil {
		return
	}
	waited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		logging.ToolsWarn("mcp %s: reader goroutines still draining after 1s", c.cfg.Role)
	}
	if cmd != nil {
		_ = cmd.Wait()
	}
}

// request sends one JSON-RPC request and blocks until its response arrives,
// the context expires, or the session closes. Responses are matched by id,
// so in-flight requests from other goroutines are unaffected.
func (c *Client) request(ctx context.Context, method string, params any) (*rpcResponse, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil, ErrNotRunning
	}

	c.pendMu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan *rpcResponse, 1)
	c.pending[id] = ch
	c.pendMu.Unlock()

	if err := c.send(&rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		c.abandon(id)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNotRunning
		}
		if resp.Error != nil {
			return nil, &ProtocolError{Code: resp.Error.Code, Message: resp.Error.Message, Data: resp.Error.Data}
		}
		return resp, nil
	case <-ctx.Done():
		c.abandon(id)
		return nil, fmt.Errorf("mcp: %s: %w", method, ctx.Err())
	case <-done:
		c.abandon(id)
		return nil, ErrNotRunning
	}
}

func (c *Client) abandon(id int64) {
	c.pendMu.Lock()
	delete(c.pending, id)
	c.pendMu.Unlock()
}

func (c *Client) send(req *rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return ErrNotRunning
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

// readLoop scans stdout line by line and routes each response to the
// goroutine that issued the request. Runs until stdout closes.
func (c *Client) readLoop(r io.Reader, done chan struct{}) {
	defer c.wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			logging.ToolsWarn("mcp %s: unparseable line from server: %v", c.cfg.Role, err)
			continue
		}
		if resp.Method != "" {
			logging.ToolsDebug("mcp %s: unsolicited %s from server", c.cfg.Role, resp.Method)
			continue
		}
		c.pendMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendMu.Unlock()
		if !ok {
			logging.ToolsDebug("mcp %s: response for unknown id %d", c.cfg.Role, resp.ID)
			continue
		}
		ch <- &resp
	}
	select {
	case <-done:
	default:
		logging.ToolsDebug("mcp %s: stdout closed", c.cfg.Role)
	}
}

// readStderr drains the child's stderr into the debug log so server-side
// diagnostics survive without polluting the protocol stream.
func (c *Client) readStderr(r io.Reader) {
	defer c.wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			logging.ToolsDebug("mcp %s stderr: %s", c.cfg.Role, line)
		}
	}
}
