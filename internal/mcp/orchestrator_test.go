package mcp

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCall struct {
	tool string
	args map[string]any
}

type fakeSession struct {
	role     string
	state    SessionState
	tools    []ToolSchema
	result   *CallResult
	startErr error
	calls    []fakeCall
}

func (f *fakeSession) Start(ctx context.Context) error {
	if f.startErr != nil {
		f.state = StateFailed
		return f.startErr
	}
	f.state = StateRunning
	return nil
}

func (f *fakeSession) Stop() error {
	f.state = StateStopped
	return nil
}

func (f *fakeSession) State() SessionState { return f.state }
func (f *fakeSession) Role() string        { return f.role }
func (f *fakeSession) Tools() []ToolSchema { return f.tools }

func (f *fakeSession) Call(ctx context.Context, tool string, args map[string]any) *CallResult {
	f.calls = append(f.calls, fakeCall{tool: tool, args: args})
	if f.result != nil {
		return f.result
	}
	return &CallResult{Tool: tool, Success: true, Output: "fake output"}
}

func (f *fakeSession) Ping(ctx context.Context) error {
	if f.state != StateRunning {
		return ErrNotRunning
	}
	return nil
}

type fakeCatalog struct {
	servers []string
	tools   []string
	usage   []string
}

func (f *fakeCatalog) RecordServer(name, command string, args []string) error {
	f.servers = append(f.servers, name)
	return nil
}

func (f *fakeCatalog) RecordTool(server string, tool ToolSchema) error {
	f.tools = append(f.tools, server+"/"+tool.Name)
	return nil
}

func (f *fakeCatalog) RecordUsage(server, tool string, latencyMs int64, success bool) error {
	f.usage = append(f.usage, server+"/"+tool)
	return nil
}

func newTestOrchestrator(enabled bool, sessions ...*fakeSession) *Orchestrator {
	o := NewOrchestrator(enabled, nil, nil)
	for _, s := range sessions {
		o.clients[s.role] = s
	}
	return o
}

const companyPrompt = "请补全以下公司信息。\n公司名称：阿里巴巴\n所在地：杭州"

func TestEnhancePromptAppendsSearchContext(t *testing.T) {
	ws := &fakeSession{
		role:   RoleWebSearch,
		state:  StateRunning,
		result: &CallResult{Tool: webSearchTool, Success: true, Output: "阿里巴巴集团，中国电商巨头。官网 alibaba.com"},
	}
	o := newTestOrchestrator(true, ws)

	out := o.EnhancePrompt(context.Background(), companyPrompt)
	require.NotEqual(t, companyPrompt, out)
	assert.True(t, strings.HasPrefix(out, companyPrompt), "original prompt must stay intact at the front")
	assert.Contains(t, out, "【实时搜索结果】")
	assert.Contains(t, out, "阿里巴巴集团")
	assert.Contains(t, out, "请结合以上搜索结果回答。")

	require.Len(t, ws.calls, 1)
	assert.Equal(t, webSearchTool, ws.calls[0].tool)
	assert.Equal(t, "阿里巴巴 公司信息 官网", ws.calls[0].args["query"])
	assert.Equal(t, 5, ws.calls[0].args["count"])
}

func TestEnhancePromptEnglishNameLabel(t *testing.T) {
	ws := &fakeSession{
		role:   RoleWebSearch,
		state:  StateRunning,
		result: &CallResult{Success: true, Output: "Acme Corp, a company."},
	}
	o := newTestOrchestrator(true, ws)

	out := o.EnhancePrompt(context.Background(), "Fill in details for this company.\nname: Acme Corp\ncity: Berlin")
	require.Len(t, ws.calls, 1)
	assert.Equal(t, "Acme Corp 公司信息 官网", ws.calls[0].args["query"])
	assert.Contains(t, out, "【实时搜索结果】")
}

func TestEnhancePromptUnchangedCases(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		session *fakeSession
		prompt  string
	}{
		{
			name:    "feature flag off",
			enabled: false,
			session: &fakeSession{role: RoleWebSearch, state: StateRunning},
			prompt:  companyPrompt,
		},
		{
			name:    "web search server not running",
			enabled: true,
			session: &fakeSession{role: RoleWebSearch, state: StateStopped},
			prompt:  companyPrompt,
		},
		{
			name:    "wrong role running",
			enabled: true,
			session: &fakeSession{role: RoleDatabase, state: StateRunning},
			prompt:  companyPrompt,
		},
		{
			name:    "no entity mention",
			enabled: true,
			session: &fakeSession{role: RoleWebSearch, state: StateRunning},
			prompt:  "name: Acme Corp\ncity: Berlin",
		},
		{
			name:    "entity mention without name label",
			enabled: true,
			session: &fakeSession{role: RoleWebSearch, state: StateRunning},
			prompt:  "请补全以下公司信息。\n所在地：杭州",
		},
		{
			name:    "search call fails",
			enabled: true,
			session: &fakeSession{
				role:   RoleWebSearch,
				state:  StateRunning,
				result: &CallResult{Err: "context deadline exceeded"},
			},
			prompt: companyPrompt,
		},
		{
			name:    "search returns empty output",
			enabled: true,
			session: &fakeSession{
				role:   RoleWebSearch,
				state:  StateRunning,
				result: &CallResult{Success: true, Output: "   \n  "},
			},
			prompt: companyPrompt,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOrchestrator(tt.enabled, tt.session)
			assert.Equal(t, tt.prompt, o.EnhancePrompt(context.Background(), tt.prompt))
		})
	}
}

func TestEnhancePromptStripsAndTruncates(t *testing.T) {
	long := strings.Repeat("结", 2000)
	ws := &fakeSession{
		role:   RoleWebSearch,
		state:  StateRunning,
		result: &CallResult{Success: true, Output: "<html><body><b>标题</b><p>" + long + "</p></body></html>"},
	}
	o := newTestOrchestrator(true, ws)

	out := o.EnhancePrompt(context.Background(), companyPrompt)
	assert.NotContains(t, out, "<b>")
	assert.NotContains(t, out, "<html>")
	assert.Contains(t, out, "标题")

	appended := strings.TrimPrefix(out, companyPrompt)
	body := strings.TrimSuffix(strings.TrimPrefix(appended, "\n\n【实时搜索结果】\n"), "\n\n请结合以上搜索结果回答。")
	assert.LessOrEqual(t, len([]rune(body)), maxSearchContext)
}

func TestQueryDatabase(t *testing.T) {
	db := &fakeSession{
		role:   RoleDatabase,
		state:  StateRunning,
		result: &CallResult{Tool: databaseTool, Success: true, Output: "id|name\n1|acme"},
	}
	o := newTestOrchestrator(true, db)

	out, err := o.QueryDatabase(context.Background(), "SELECT id, name FROM companies")
	require.NoError(t, err)
	assert.Equal(t, "id|name\n1|acme", out)
	require.Len(t, db.calls, 1)
	assert.Equal(t, databaseTool, db.calls[0].tool)
	assert.Equal(t, "SELECT id, name FROM companies", db.calls[0].args["sql"])
}

func TestQueryDatabaseUnavailable(t *testing.T) {
	o := newTestOrchestrator(true)
	_, err := o.QueryDatabase(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, ErrNotRunning)

	o = newTestOrchestrator(true, &fakeSession{role: RoleDatabase, state: StateStopped})
	_, err = o.QueryDatabase(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, ErrNotRunning)

	o = newTestOrchestrator(true, &fakeSession{
		role:   RoleDatabase,
		state:  StateRunning,
		result: &CallResult{Err: "no such table"},
	})
	_, err = o.QueryDatabase(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such table")
}

func TestOrchestratorEnabled(t *testing.T) {
	assert.False(t, newTestOrchestrator(false, &fakeSession{role: RoleWebSearch, state: StateRunning}).Enabled(),
		"flag off wins over a live server")
	assert.False(t, newTestOrchestrator(true, &fakeSession{role: RoleWebSearch, state: StateStopped}).Enabled(),
		"flag on with nothing running is still disabled")
	assert.False(t, newTestOrchestrator(true).Enabled())
	assert.True(t, newTestOrchestrator(true,
		&fakeSession{role: RoleWebSearch, state: StateStopped},
		&fakeSession{role: RoleDatabase, state: StateRunning},
	).Enabled(), "one live server is enough")
}

func TestStartAllContinuesPastFailures(t *testing.T) {
	ws := &fakeSession{role: RoleWebSearch, startErr: errors.New("spawn failed")}
	db := &fakeSession{role: RoleDatabase}
	o := newTestOrchestrator(true, ws, db)

	err := o.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spawn failed")
	assert.Equal(t, StateRunning, db.state, "a failed sibling must not stop the others")
	assert.True(t, o.Enabled())
}

func TestStartAllRecordsCatalog(t *testing.T) {
	catalog := &fakeCatalog{}
	ws := &fakeSession{
		role: RoleWebSearch,
		tools: []ToolSchema{
			{Name: "brave_web_search"},
			{Name: "brave_local_search"},
		},
	}
	o := NewOrchestrator(true, nil, catalog)
	o.clients[RoleWebSearch] = ws

	require.NoError(t, o.StartAll(context.Background()))
	assert.Equal(t, []string{RoleWebSearch}, catalog.servers)
	assert.Equal(t, []string{"web_search/brave_web_search", "web_search/brave_local_search"}, catalog.tools)

	o.CallTool(context.Background(), RoleWebSearch, "brave_web_search", nil)
	assert.Equal(t, []string{"web_search/brave_web_search"}, catalog.usage)
}

func TestCallToolUnknownRole(t *testing.T) {
	o := newTestOrchestrator(true)
	res := o.CallTool(context.Background(), "no_such_role", "anything", nil)
	require.False(t, res.Success)
	assert.Contains(t, res.Err, "no_such_role")
}

func TestToolsAndStates(t *testing.T) {
	ws := &fakeSession{role: RoleWebSearch, state: StateRunning, tools: []ToolSchema{{Name: "brave_web_search"}}}
	db := &fakeSession{role: RoleDatabase, state: StateFailed}
	o := newTestOrchestrator(true, ws, db)

	tools := o.Tools()
	require.Contains(t, tools, RoleWebSearch)
	assert.NotContains(t, tools, RoleDatabase, "non-running servers expose no tools")
	assert.Equal(t, "brave_web_search", tools[RoleWebSearch][0].Name)

	states := o.States()
	assert.Equal(t, StateRunning, states[RoleWebSearch])
	assert.Equal(t, StateFailed, states[RoleDatabase])
}

func TestShutdownIdempotent(t *testing.T) {
	ws := &fakeSession{role: RoleWebSearch, state: StateRunning}
	db := &fakeSession{role: RoleDatabase, state: StateRunning}
	o := newTestOrchestrator(true, ws, db)

	o.Shutdown()
	assert.Equal(t, StateStopped, ws.state)
	assert.Equal(t, StateStopped, db.state)

	o.Shutdown()
	newTestOrchestrator(true).Shutdown()
}

func TestStripHTML(t *testing.T) {
	assert.Equal(t, "plain text stays", stripHTML("plain text stays"))
	assert.Equal(t, "boldtail", stripHTML("<b>bold</b>tail"))
	assert.Equal(t, "深圳市腾讯计算机系统有限公司", stripHTML("<div><span>深圳市腾讯计算机系统有限公司</span></div>"))
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "short", truncateRunes("short", 10))
	assert.Equal(t, "公司信", truncateRunes("公司信息官网", 3))
	assert.Equal(t, "", truncateRunes("", 3))
}

func TestMentionsEntity(t *testing.T) {
	assert.True(t, mentionsEntity("这是一家公司"))
	assert.True(t, mentionsEntity("民营企业五百强"))
	assert.True(t, mentionsEntity("Acme is a Company"))
	assert.False(t, mentionsEntity("name: Acme\ncity: Berlin"))
}
