// Package prompt renders schema-driven prompts for single records and
// batches. Substitution is an explicit placeholder→value lookup: known
// placeholders are replaced, unknown ones pass through verbatim, and a
// template that resolves nothing falls back to the canonical prompt instead
// of failing the run.
package prompt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"rowlift/internal/schema"
)

// Canonical prompt fragments. The Chinese fallback shape is kept byte-for-byte
// stable: downstream prompt audits key on it.
const (
	contextPrefixFormat = "📝 上下文信息\n%s\n\n"
	fallbackFormat      = "请处理以下数据：\n%s\n\n输出字段:\n%s"
)

var placeholderRe = regexp.MustCompile(`\{([^{}\n]+)\}`)

// Builder renders prompts for one schema. Stateless apart from the schema;
// safe to share only when the schema is not mutated mid-run.
type Builder struct {
	schema *schema.Schema
}

// NewBuilder creates a builder for the given schema.
func NewBuilder(s *schema.Schema) *Builder {
	return &Builder{schema: s}
}

// RenderSingle renders the prompt for one record. The substitution table
// carries input_data ("key: value" lines), output_fields_description, and
// every record field by name. A template that resolves no placeholder at all
// falls back to the canonical prompt.
func (b *Builder) RenderSingle(rec schema.Record) string {
	table := map[string]string{
		"input_data":                formatRecordLines(rec, b.schema.InputKeys()),
		"output_fields_description": b.schema.OutputDescriptions(),
	}
	for key, value := range rec {
		if _, reserved := table[key]; !reserved {
			table[key] = Stringify(value)
		}
	}

	rendered, resolved := substitute(b.schema.SingleTemplate, table)
	if resolved == 0 {
		rendered = b.fallback(prettyJSON(rec))
	}
	return b.withContext(rendered)
}

// RenderBatch renders the prompt for one chunk of records. The table carries
// batch_data (pretty JSON array), records_list (numbered when the records
// have a company-style name key, the JSON otherwise), count, and
// output_fields_description. companies_list is an alias for records_list so
// older templates keep working.
func (b *Builder) RenderBatch(recs []schema.Record) string {
	batchJSON := prettyJSON(recs)
	list := recordsList(recs, batchJSON)
	table := map[string]string{
		"batch_data":                batchJSON,
		"records_list":              list,
		"companies_list":            list,
		"count":                     strconv.Itoa(len(recs)),
		"output_fields_description": b.schema.OutputDescriptions(),
	}

	rendered, resolved := substitute(b.schema.BatchTemplate, table)
	if resolved == 0 {
		rendered = b.fallback(batchJSON)
	}
	return b.withContext(rendered)
}

// Fallback renders the canonical prompt for the given records, bypassing the
// schema templates entirely.
func (b *Builder) Fallback(recs []schema.Record) string {
	return b.withContext(b.fallback(prettyJSON(recs)))
}

func (b *Builder) fallback(dataJSON string) string {
	return fmt.Sprintf(fallbackFormat, dataJSON, b.schema.OutputDescriptions())
}

func (b *Builder) withContext(prompt string) string {
	if strings.TrimSpace(b.schema.Context) == "" {
		return prompt
	}
	return fmt.Sprintf(contextPrefixFormat, b.schema.Context) + prompt
}

// substitute replaces {name} tokens present in the table and reports how many
// were resolved. Unknown tokens stay verbatim; values are not rescanned, so a
// record value containing braces cannot trigger a second substitution.
func substitute(tmpl string, table map[string]string) (string, int) {
	if tmpl == "" {
		return "", 0
	}
	resolved := 0
	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(tok string) string {
		name := tok[1 : len(tok)-1]
		if value, ok := table[name]; ok {
			resolved++
			return value
		}
		return tok
	})
	return out, resolved
}

// formatRecordLines renders a record as "key: value" lines. Declared input
// fields come first in declaration order, then any extra columns sorted by
// name, so renders are deterministic.
func formatRecordLines(rec schema.Record, declaredOrder []string) string {
	var lines []string
	seen := make(map[string]bool, len(declaredOrder))
	for _, key := range declaredOrder {
		if value, ok := rec[key]; ok {
			lines = append(lines, key+": "+Stringify(value))
			seen[key] = true
		}
	}
	var extra []string
	for key := range rec {
		if !seen[key] {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	for _, key := range extra {
		lines = append(lines, key+": "+Stringify(rec[key]))
	}
	return strings.Join(lines, "\n")
}

// recordsList builds the numbered listing used by {records_list}. Numbering
// applies only when the first record carries a company-style name key;
// anything else lists the raw JSON so no information is dropped.
func recordsList(recs []schema.Record, batchJSON string) string {
	if len(recs) == 0 {
		return batchJSON
	}
	nameKey := companyNameKey(recs[0])
	if nameKey == "" {
		return batchJSON
	}
	lines := make([]string, len(recs))
	for i, rec := range recs {
		lines[i] = fmt.Sprintf("%d. %s", i+1, Stringify(rec[nameKey]))
	}
	return strings.Join(lines, "\n")
}

func companyNameKey(rec schema.Record) string {
	if _, ok := rec["公司"]; ok {
		return "公司"
	}
	for key := range rec {
		if strings.EqualFold(key, "company") {
			return key
		}
	}
	return ""
}

// Stringify renders a record value the way it should appear inside a prompt:
// strings as-is, integral floats without the decimal point, nil as empty.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// prettyJSON marshals with 2-space indentation and unescaped non-ASCII, the
// shape the batch templates embed.
func prettyJSON(v any) string {
	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		// Records come from JSON/CSV decoding and cannot hold unmarshalable
		// values; keep the degraded shape anyway.
		return fmt.Sprintf("%v", v)
	}
	return strings.TrimRight(buf.String(), "\n")
}
