package config

import (
	"os"

	"rowlift/internal/mcp"
)

// MCPConfig configures MCP tool server integrations.
// Servers are keyed by role; the engine currently understands the
// "web_search" and "database" roles, but arbitrary roles are allowed.
type MCPConfig struct {
	// Enabled is the master toggle for tool support.
	Enabled bool `yaml:"enabled"`

	// InitTimeout bounds server startup and the initialize handshake.
	InitTimeout string `yaml:"init_timeout"` // e.g. "10s"

	// CallTimeout bounds a single tool call.
	CallTimeout string `yaml:"call_timeout"` // e.g. "30s"

	// Servers maps role names to server launch configuration.
	Servers map[string]MCPServerConfig `yaml:"servers" json:"servers,omitempty"`
}

// MCPServerConfig configures a single stdio MCP server.
type MCPServerConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled,omitempty"`
	Command string            `yaml:"command" json:"command,omitempty"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"` // values may reference ${VARS}
}

// ToServerConfigs converts the enabled server entries into launch configs
// for the orchestrator. Environment values of the form ${VAR} are expanded
// from the process environment at conversion time.
func (c *Config) ToServerConfigs() map[string]mcp.ServerConfig {
	configs := make(map[string]mcp.ServerConfig)

	if c.MCP.Servers == nil {
		return configs
	}

	initTimeout := c.GetMCPInitTimeout()
	callTimeout := c.GetMCPCallTimeout()

	for role, server := range c.MCP.Servers {
		if !server.Enabled || server.Command == "" {
			continue
		}

		env := make(map[string]string, len(server.Env))
		for k, v := range server.Env {
			env[k] = os.ExpandEnv(v)
		}

		configs[role] = mcp.ServerConfig{
			Role:        role,
			Command:     server.Command,
			Args:        server.Args,
			Env:         env,
			InitTimeout: initTimeout,
			CallTimeout: callTimeout,
		}
	}

	return configs
}

// GetServer returns the configuration for a role, or nil if not configured.
func (c *MCPConfig) GetServer(role string) *MCPServerConfig {
	if c.Servers == nil {
		return nil
	}
	if server, ok := c.Servers[role]; ok {
		return &server
	}
	return nil
}

// IsServerEnabled returns true if the role is configured and enabled.
func (c *MCPConfig) IsServerEnabled(role string) bool {
	server := c.GetServer(role)
	return server != nil && server.Enabled
}
