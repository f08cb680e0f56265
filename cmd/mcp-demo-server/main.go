// Command mcp-demo-server runs a self-contained MCP stdio server for
// rowlift demos and integration tests. It exposes the two tools the
// orchestrator knows how to use: "brave_web_search" with canned results
// (no network, no API key) and "execute_query" against an in-memory
// SQLite database seeded with a demo company table.
//
// Wire it up in .rowlift/config.json:
//
//	"mcp": {"enabled": true, "servers": {
//	  "web_search": {"enabled": true, "command": "mcp-demo-server", "args": ["--role", "web_search"]},
//	  "database":   {"enabled": true, "command": "mcp-demo-server", "args": ["--role", "database"]}
//	}}
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"
)

const serverVersion = "1.0.0"

func main() {
	role := flag.String("role", "all", "which tools to expose: web_search, database, or all")
	flag.Parse()

	// Stdout is the protocol channel; everything human-readable goes to
	// stderr.
	log.SetOutput(os.Stderr)
	log.SetPrefix("[mcp-demo-server] ")

	server := mcp.NewServer(
		&mcp.Implementation{Name: "rowlift-demo-server", Version: serverVersion},
		nil,
	)

	switch *role {
	case "web_search":
		registerSearchTool(server)
	case "database":
		registerQueryTool(server)
	case "all":
		registerSearchTool(server)
		registerQueryTool(server)
	default:
		log.Fatalf("unknown role %q (want web_search, database, or all)", *role)
	}

	log.Printf("serving role=%s on stdio", *role)
	if err := server.Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}

// searchInput matches the Brave search server's argument shape so the
// orchestrator can talk to either interchangeably.
type searchInput struct {
	Query string `json:"query" jsonschema_description:"The search query"`
	Count int    `json:"count,omitempty" jsonschema_description:"Number of results, 1 to 5"`
}

// cannedResult is one fake search hit.
type cannedResult struct {
	title, url, description string
}

// cannedResults keys are substrings matched against the query; the
// fallback set answers everything else.
var cannedResults = map[string][]cannedResult{
	"比亚迪": {
		{"比亚迪股份有限公司 - 官方网站", "https://www.byd.com", "比亚迪成立于1995年，总部位于深圳，业务横跨汽车、轨道交通、新能源和电子四大产业。"},
		{"比亚迪 2024 年度报告", "https://www.byd.com/investor", "2024年比亚迪新能源汽车销量超过300万辆，营业收入突破6000亿元。"},
	},
	"阿里巴巴": {
		{"阿里巴巴集团", "https://www.alibaba.com", "阿里巴巴集团创立于1999年，总部位于杭州，是全球领先的电子商务和云计算公司。"},
		{"阿里云官网", "https://www.aliyun.com", "阿里云是阿里巴巴集团旗下云计算品牌，服务超过400万客户。"},
	},
	"宁德时代": {
		{"宁德时代新能源科技股份有限公司", "https://www.catl.com", "宁德时代成立于2011年，总部位于福建宁德，是全球动力电池龙头企业。"},
	},
}

var fallbackResults = []cannedResult{
	{"示例搜索结果", "https://example.com/result-1", "这是一条演示用的搜索结果，由 rowlift 演示服务器离线生成。"},
	{"示例搜索结果（二）", "https://example.com/result-2", "演示服务器不访问网络，返回固定内容用于测试工具链路。"},
}

func registerSearchTool(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "brave_web_search",
		Description: "联网搜索最新信息（演示版，返回离线固定结果）",
	}, func(_ context.Context, _ *mcp.CallToolRequest, input searchInput) (*mcp.CallToolResult, struct{}, error) {
		count := input.Count
		if count < 1 {
			count = 3
		}
		if count > 5 {
			count = 5
		}

		results := fallbackResults
		for needle, hits := range cannedResults {
			if strings.Contains(input.Query, needle) {
				results = hits
				break
			}
		}
		if len(results) > count {
			results = results[:count]
		}

		var sb strings.Builder
		for i, r := range results {
			fmt.Fprintf(&sb, "%d. %s\n%s\n%s\n\n", i+1, r.title, r.url, r.description)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: strings.TrimSpace(sb.String())}},
		}, struct{}{}, nil
	})
}

// queryInput matches the argument shape the orchestrator sends to the
// database role.
type queryInput struct {
	SQL string `json:"sql" jsonschema_description:"The SQL statement to execute"`
}

func registerQueryTool(server *mcp.Server) {
	db, err := openDemoDB()
	if err != nil {
		log.Fatalf("demo database: %v", err)
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "execute_query",
		Description: "在SQLite数据库上执行SQL查询（演示版，内置公司样例表）",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input queryInput) (*mcp.CallToolResult, struct{}, error) {
		text, err := runQuery(ctx, db, input.SQL)
		if err != nil {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
			}, struct{}{}, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, struct{}{}, nil
	})
}

// openDemoDB seeds an in-memory database with a small company table so
// SELECT queries have something to chew on.
func openDemoDB() (*sql.DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	// A single connection keeps the :memory: database alive and shared.
	db.SetMaxOpenConns(1)

	seed := `
		CREATE TABLE companies (
			name     TEXT PRIMARY KEY,
			city     TEXT NOT NULL,
			industry TEXT NOT NULL,
			founded  INTEGER NOT NULL
		);
		INSERT INTO companies VALUES
			('比亚迪股份有限公司', '深圳', '汽车制造', 1995),
			('阿里巴巴集团', '杭州', '电子商务', 1999),
			('宁德时代新能源科技股份有限公司', '宁德', '动力电池', 2011),
			('腾讯控股有限公司', '深圳', '互联网服务', 1998),
			('小米集团', '北京', '消费电子', 2010);
	`
	if _, err := db.Exec(seed); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// runQuery executes one read-only statement and renders rows as
// tab-separated text with a header line.
func runQuery(ctx context.Context, db *sql.DB, query string) (string, error) {
	stmt := strings.TrimSpace(query)
	if stmt == "" {
		return "", fmt.Errorf("empty sql statement")
	}
	upper := strings.ToUpper(stmt)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return "", fmt.Errorf("only SELECT queries are allowed in the demo server")
	}

	rows, err := db.QueryContext(ctx, stmt)
	if err != nil {
		return "", fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(cols, "\t"))
	sb.WriteString("\n")

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	n := 0
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return "", err
		}
		cells := make([]string, len(cols))
		for i, v := range values {
			cells[i] = cellString(v)
		}
		sb.WriteString(strings.Join(cells, "\t"))
		sb.WriteString("\n")
		n++
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	fmt.Fprintf(&sb, "(%d row(s))", n)
	return sb.String(), nil
}

func cellString(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
