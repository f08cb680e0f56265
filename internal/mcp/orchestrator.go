package mcp

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"rowlift/internal/logging"
)

const (
	webSearchTool = "brave_web_search"
	databaseTool  = "execute_query"

	// maxSearchContext caps how much search text gets appended to a prompt,
	// in runes, so enrichment never crowds out the actual instructions.
	maxSearchContext = 1000
)

// entityLabelRe pulls the entity name out of the rendered field block,
// which lists one "label: value" pair per line.
var entityLabelRe = regexp.MustCompile(`(?:公司名称|企业名称|[Nn]ame)[：:]\s*([^\n]+)`)

// Orchestrator groups tool server sessions by role and exposes the two
// capabilities the enrichment engine consumes: prompt enhancement through
// the web search role and SQL lookups through the database role. Every
// capability degrades gracefully when its server is missing or down.
type Orchestrator struct {
	enabled bool
	clients map[string]Session
	catalog Catalog
}

// NewOrchestrator builds one client per configured server. catalog may be
// nil; when set it receives discovery and usage events. Nothing is spawned
// until StartAll.
func NewOrchestrator(enabled bool, servers map[string]ServerConfig, catalog Catalog) *Orchestrator {
	clients := make(map[string]Session, len(servers))
	for role, cfg := range servers {
		clients[role] = NewClient(cfg)
	}
	return &Orchestrator{enabled: enabled, clients: clients, catalog: catalog}
}

// StartAll starts every configured client. A server that fails to start is
// logged and skipped; the remaining servers still come up. The joined error
// is informational, callers that only care about degraded operation can
// ignore it and consult Enabled.
func (o *Orchestrator) StartAll(ctx context.Context) error {
	var errs []error
	for _, role := range o.roles() {
		client := o.clients[role]
		if err := client.Start(ctx); err != nil {
			logging.ToolsWarn("mcp %s: start failed: %v", role, err)
			errs = append(errs, err)
			continue
		}
		o.record(role, client)
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) roles() []string {
	roles := make([]string, 0, len(o.clients))
	for role := range o.clients {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// record pushes the server and its discovered tools into the catalog.
func (o *Orchestrator) record(role string, client Session) {
	if o.catalog == nil {
		return
	}
	var command string
	var args []string
	if c, ok := client.(*Client); ok {
		command = c.cfg.Command
		args = c.cfg.Args
	}
	if err := o.catalog.RecordServer(role, command, args); err != nil {
		logging.ToolsWarn("catalog: record server %s: %v", role, err)
		return
	}
	for _, tool := range client.Tools() {
		if err := o.catalog.RecordTool(role, tool); err != nil {
			logging.ToolsWarn("catalog: record tool %s/%s: %v", role, tool.Name, err)
		}
	}
}

// Enabled reports whether enhancement is available: the feature flag must
// be on and at least one server must actually be running.
func (o *Orchestrator) Enabled() bool {
	if !o.enabled {
		return false
	}
	for _, client := range o.clients {
		if client.State() == StateRunning {
			return true
		}
	}
	return false
}

// States reports each configured role's current session state.
func (o *Orchestrator) States() map[string]SessionState {
	states := make(map[string]SessionState, len(o.clients))
	for role, client := range o.clients {
		states[role] = client.State()
	}
	return states
}

// Tools returns the discovered tool schemas grouped by role.
func (o *Orchestrator) Tools() map[string][]ToolSchema {
	tools := make(map[string][]ToolSchema)
	for role, client := range o.clients {
		if client.State() != StateRunning {
			continue
		}
		tools[role] = client.Tools()
	}
	return tools
}

// CallTool invokes a tool on the server registered under role and records
// the usage in the catalog. Like Client.Call it always returns a result.
func (o *Orchestrator) CallTool(ctx context.Context, role, tool string, args map[string]any) *CallResult {
	client, ok := o.clients[role]
	if !ok {
		return &CallResult{Tool: tool, Err: fmt.Sprintf("no server for role %q", role)}
	}
	result := client.Call(ctx, tool, args)
	if o.catalog != nil {
		if err := o.catalog.RecordUsage(role, tool, result.LatencyMs, result.Success); err != nil {
			logging.ToolsDebug("catalog: record usage %s/%s: %v", role, tool, err)
		}
	}
	return result
}

// EnhancePrompt augments a single-record prompt with live web search
// context. The whole path is best-effort: unless the orchestrator is
// enabled, the web search server is running, the prompt names an entity,
// and the search succeeds with non-empty output, the prompt comes back
// unchanged. Callers never see an error from this method.
func (o *Orchestrator) EnhancePrompt(ctx context.Context, prompt string) string {
	if !o.Enabled() {
		return prompt
	}
	client, ok := o.clients[RoleWebSearch]
	if !ok || client.State() != StateRunning {
		return prompt
	}
	if !mentionsEntity(prompt) {
		return prompt
	}
	m := entityLabelRe.FindStringSubmatch(prompt)
	if m == nil {
		return prompt
	}
	name := strings.TrimSpace(m[1])
	if name == "" {
		return prompt
	}

	result := o.CallTool(ctx, RoleWebSearch, webSearchTool, map[string]any{
		"query": name + " 公司信息 官网",
		"count": 5,
	})
	if !result.Success {
		logging.ToolsDebug("mcp enhance: search for %q failed, prompt unchanged: %s", name, result.Err)
		return prompt
	}
	text := truncateRunes(strings.TrimSpace(stripHTML(result.Output)), maxSearchContext)
	if text == "" {
		return prompt
	}
	logging.ToolsDebug("mcp enhance: appended %d chars of search context for %q", len([]rune(text)), name)
	return prompt + "\n\n【实时搜索结果】\n" + text + "\n\n请结合以上搜索结果回答。"
}

// QueryDatabase runs a SQL statement through the database role server.
func (o *Orchestrator) QueryDatabase(ctx context.Context, query string) (string, error) {
	client, ok := o.clients[RoleDatabase]
	if !ok || client.State() != StateRunning {
		return "", ErrNotRunning
	}
	result := o.CallTool(ctx, RoleDatabase, databaseTool, map[string]any{"sql": query})
	if !result.Success {
		return "", fmt.Errorf("mcp: %s: %s", databaseTool, result.Err)
	}
	return result.Output, nil
}

// Shutdown stops every client. Safe to call repeatedly and on an
// orchestrator that never started.
func (o *Orchestrator) Shutdown() {
	for _, role := range o.roles() {
		if err := o.clients[role].Stop(); err != nil {
			logging.ToolsWarn("mcp %s: stop: %v", role, err)
		}
	}
}

// mentionsEntity gates enhancement on the prompt actually being about an
// organization, so generic prompts skip the search round-trip entirely.
func mentionsEntity(prompt string) bool {
	if strings.Contains(prompt, "公司") || strings.Contains(prompt, "企业") {
		return true
	}
	return strings.Contains(strings.ToLower(prompt), "company")
}

// stripHTML drops markup from search results, keeping only text nodes.
// Plain text passes through untouched.
func stripHTML(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt == html.TextToken {
			b.Write(z.Text())
		}
	}
	return b.String()
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
