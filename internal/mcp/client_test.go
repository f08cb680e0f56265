package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// TestHelperProcess is not a real test. When re-executed with the guard
// variable set, the test binary becomes a fake MCP server speaking
// newline-delimited JSON-RPC on its stdio. Each request is handled on its
// own goroutine so delayed responses arrive out of request order, which is
// exactly what the id correlation in the client has to cope with.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)
	runFakeServer()
}

func runFakeServer() {
	mute := os.Getenv("ROWLIFT_FAKE_MUTE") == "1"

	var outMu sync.Mutex
	write := func(v any) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		outMu.Lock()
		os.Stdout.Write(append(data, '\n'))
		outMu.Unlock()
	}

	var wg sync.WaitGroup
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if mute {
			continue
		}
		raw := append([]byte(nil), scanner.Bytes()...)
		var req struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(raw, &req); err != nil || req.ID == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			handleFakeRequest(write, *req.ID, req.Method, req.Params)
		}()
	}
	wg.Wait()
}

func handleFakeRequest(write func(any), id int64, method string, params json.RawMessage) {
	reply := func(result any) {
		write(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	}
	switch method {
	case "initialize":
		reply(map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "fake-server", "version": "0.1.0"},
		})
	case "tools/list":
		reply(map[string]any{"tools": []map[string]any{
			{"name": "brave_web_search", "description": "Search the web", "inputSchema": map[string]any{"type": "object"}},
			{"name": "execute_query", "description": "Run a SQL query", "inputSchema": map[string]any{"type": "object"}},
		}})
	case "ping":
		reply(map[string]any{})
	case "tools/call":
		var call struct {
			Name string         `json:"name"`
			Args map[string]any `json:"arguments"`
		}
		_ = json.Unmarshal(params, &call)
		if d, ok := call.Args["delay_ms"].(float64); ok {
			time.Sleep(time.Duration(d) * time.Millisecond)
		}
		switch call.Name {
		case "fail":
			write(map[string]any{"jsonrpc": "2.0", "id": id, "result": map[string]any{
				"content": []map[string]any{{"type": "text", "text": "kaboom"}},
				"isError": true,
			}})
		case "rpcerr":
			write(map[string]any{"jsonrpc": "2.0", "id": id, "error": map[string]any{
				"code": -32000, "message": "tool exploded",
			}})
		case "multi":
			reply(map[string]any{"content": []map[string]any{
				{"type": "text", "text": "part one"},
				{"type": "image", "data": "aGk="},
				{"type": "text", "text": "part two"},
			}})
		default:
			query, _ := call.Args["query"].(string)
			reply(map[string]any{"content": []map[string]any{
				{"type": "text", "text": "result for " + query},
			}})
		}
	default:
		write(map[string]any{"jsonrpc": "2.0", "id": id, "error": map[string]any{
			"code": -32601, "message": "method not found: " + method,
		}})
	}
}

func helperConfig(extraEnv map[string]string) ServerConfig {
	env := map[string]string{"GO_WANT_HELPER_PROCESS": "1"}
	for k, v := range extraEnv {
		env[k] = v
	}
	return ServerConfig{
		Role:        RoleWebSearch,
		Command:     os.Args[0],
		Args:        []string{"-test.run=TestHelperProcess", "--"},
		Env:         env,
		InitTimeout: 5 * time.Second,
		CallTimeout: 5 * time.Second,
	}
}

func TestClientLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := NewClient(helperConfig(nil))
	assert.Equal(t, StateStopped, client.State())

	require.NoError(t, client.Start(context.Background()))
	assert.Equal(t, StateRunning, client.State())

	name, version := client.ServerInfo()
	assert.Equal(t, "fake-server", name)
	assert.Equal(t, "0.1.0", version)

	tools := client.Tools()
	require.Len(t, tools, 2)
	assert.Equal(t, "brave_web_search", tools[0].Name)
	assert.Equal(t, "execute_query", tools[1].Name)
	assert.NotEmpty(t, tools[0].InputSchema)

	assert.NoError(t, client.Ping(context.Background()))

	require.NoError(t, client.Stop())
	assert.Equal(t, StateStopped, client.State())
	require.NoError(t, client.Stop(), "second stop must be a no-op")
}

func TestClientStartTwiceFails(t *testing.T) {
	client := NewClient(helperConfig(nil))
	require.NoError(t, client.Start(context.Background()))
	defer client.Stop()

	err := client.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already")
}

func TestClientCall(t *testing.T) {
	client := NewClient(helperConfig(nil))
	require.NoError(t, client.Start(context.Background()))
	defer client.Stop()

	res := client.Call(context.Background(), "brave_web_search", map[string]any{"query": "acme"})
	require.True(t, res.Success, "call failed: %s", res.Err)
	assert.Equal(t, "result for acme", res.Output)
	assert.Equal(t, "brave_web_search", res.Tool)
	assert.GreaterOrEqual(t, res.LatencyMs, int64(0))

	res = client.Call(context.Background(), "multi", nil)
	require.True(t, res.Success)
	assert.Equal(t, "part one\n\npart two", res.Output, "text blocks join with a blank line, non-text blocks are dropped")

	res = client.Call(context.Background(), "fail", nil)
	require.False(t, res.Success)
	assert.Equal(t, "kaboom", res.Err)

	res = client.Call(context.Background(), "rpcerr", nil)
	require.False(t, res.Success)
	assert.Contains(t, res.Err, "tool exploded")
}

func TestClientCallTimeout(t *testing.T) {
	cfg := helperConfig(nil)
	cfg.CallTimeout = 200 * time.Millisecond
	client := NewClient(cfg)
	require.NoError(t, client.Start(context.Background()))
	defer client.Stop()

	res := client.Call(context.Background(), "brave_web_search", map[string]any{
		"query":    "slow",
		"delay_ms": float64(2000),
	})
	require.False(t, res.Success)
	assert.Contains(t, res.Err, "deadline")
}

func TestClientCallWhenStopped(t *testing.T) {
	client := NewClient(helperConfig(nil))

	res := client.Call(context.Background(), "brave_web_search", map[string]any{"query": "x"})
	require.False(t, res.Success)
	assert.Equal(t, ErrNotRunning.Error(), res.Err)

	assert.ErrorIs(t, client.Ping(context.Background()), ErrNotRunning)
}

func TestClientStartBadCommand(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := helperConfig(nil)
	cfg.Command = "/nonexistent/rowlift-no-such-binary"
	client := NewClient(cfg)

	err := client.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, client.State())

	require.NoError(t, client.Stop())
	assert.Equal(t, StateStopped, client.State())
}

func TestClientStartHandshakeTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := helperConfig(map[string]string{"ROWLIFT_FAKE_MUTE": "1"})
	cfg.InitTimeout = 300 * time.Millisecond
	client := NewClient(cfg)

	err := client.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initialize")
	assert.Equal(t, StateFailed, client.State())

	require.NoError(t, client.Stop())
}

func TestClientConcurrentCalls(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := NewClient(helperConfig(nil))
	require.NoError(t, client.Start(context.Background()))
	defer client.Stop()

	results := make([]*CallResult, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0] = client.Call(context.Background(), "brave_web_search", map[string]any{
			"query":    "slow",
			"delay_ms": float64(300),
		})
	}()
	go func() {
		defer wg.Done()
		time.Sleep(50 * time.Millisecond)
		results[1] = client.Call(context.Background(), "brave_web_search", map[string]any{"query": "fast"})
	}()
	wg.Wait()

	require.True(t, results[0].Success, "slow call failed: %s", results[0].Err)
	require.True(t, results[1].Success, "fast call failed: %s", results[1].Err)
	assert.Equal(t, "result for slow", results[0].Output, "responses must route by id, not arrival order")
	assert.Equal(t, "result for fast", results[1].Output)
}

func TestClientRestart(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := NewClient(helperConfig(nil))
	require.NoError(t, client.Start(context.Background()))
	require.NoError(t, client.Stop())

	require.NoError(t, client.Start(context.Background()), "a stopped client must be restartable")
	assert.Equal(t, StateRunning, client.State())
	assert.Len(t, client.Tools(), 2)

	res := client.Call(context.Background(), "brave_web_search", map[string]any{"query": "again"})
	require.True(t, res.Success)
	assert.Equal(t, "result for again", res.Output)

	require.NoError(t, client.Stop())
}

func TestClientRefreshTools(t *testing.T) {
	client := NewClient(helperConfig(nil))
	require.NoError(t, client.Start(context.Background()))
	defer client.Stop()

	require.NoError(t, client.RefreshTools(context.Background()))
	assert.Len(t, client.Tools(), 2)

	stopped := NewClient(helperConfig(nil))
	assert.ErrorIs(t, stopped.RefreshTools(context.Background()), ErrNotRunning)
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "initialized", StateInitialized.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "failed", StateFailed.String())
}
