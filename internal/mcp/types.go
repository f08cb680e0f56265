// Package mcp manages Model Context Protocol tool servers over stdio.
//
// Each configured server runs as a child process speaking JSON-RPC 2.0,
// one message per line. A Client owns a single server process and walks
// it through the MCP handshake; the Orchestrator groups clients by role
// (web search, database) and exposes the capabilities the enrichment
// engine consumes.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Server roles understood by the orchestrator. The role decides how a
// server's tools are used during enrichment, not which tools it may expose.
const (
	RoleWebSearch = "web_search"
	RoleDatabase  = "database"
)

// ErrNotRunning is returned by operations that need a live session when
// the client is stopped, still starting, or failed.
var ErrNotRunning = errors.New("mcp: server not running")

// ServerConfig describes one tool server process.
type ServerConfig struct {
	// Role groups the server under an orchestrator capability,
	// e.g. RoleWebSearch or RoleDatabase.
	Role string

	// Command is the executable to spawn. Args are passed verbatim.
	Command string
	Args    []string

	// Env holds extra environment variables for the child process,
	// layered on top of the parent environment.
	Env map[string]string

	// InitTimeout bounds the spawn plus handshake. CallTimeout bounds a
	// single tool invocation. Zero values fall back to 10s and 30s.
	InitTimeout time.Duration
	CallTimeout time.Duration
}

// SessionState tracks where a client is in its lifecycle.
type SessionState int

const (
	StateStopped SessionState = iota
	StateStarting
	StateInitialized
	StateRunning
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ToolSchema describes a tool advertised by a server via tools/list.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// CallResult is the outcome of a single tool invocation. Output holds the
// text content blocks of the response joined with blank lines; Err carries
// the failure message when Success is false. A CallResult is always
// returned, even on transport errors, so callers can degrade gracefully.
type CallResult struct {
	Tool      string `json:"tool"`
	Success   bool   `json:"success"`
	Output    string `json:"output,omitempty"`
	Err       string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// ProtocolError is a JSON-RPC error object returned by a server.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mcp: server error %d: %s", e.Code, e.Message)
}

// Session is the client surface the orchestrator drives. *Client is the
// stdio implementation; tests substitute fakes.
type Session interface {
	Start(ctx context.Context) error
	Stop() error
	State() SessionState
	Role() string
	Tools() []ToolSchema
	Call(ctx context.Context, tool string, args map[string]any) *CallResult
	Ping(ctx context.Context) error
}

// Catalog receives discovery and usage events so tool metadata can be
// persisted outside the mcp package. All methods are best-effort; errors
// are logged and never interrupt a session.
type Catalog interface {
	RecordServer(name, command string, args []string) error
	RecordTool(server string, tool ToolSchema) error
	RecordUsage(server, tool string, latencyMs int64, success bool) error
}
