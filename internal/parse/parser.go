// Package parse turns free-form model output back into structured per-record
// results. Parsing never fails: every input ends in a usable QueryResult, in
// the worst case a sentinel carrying the raw response for the operator to
// inspect. The cascade is an explicit ordered list of tagged strategies so
// logs and stats can say which stage actually decoded a response.
package parse

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// PARSE CASCADE
// =============================================================================

// Parse method tags, in cascade order.
const (
	MethodDirect    = "json"
	MethodFenced    = "json_markdown"
	MethodExtracted = "json_extracted"
	MethodEntity    = "entity_sections"
	MethodSentinel  = "sentinel"
)

// ParseOutcome reports which cascade stage decoded a response.
type ParseOutcome struct {
	Method     string
	Confidence float64
}

// objectStrategy is one tagged stage of the object cascade.
type objectStrategy struct {
	name       string
	confidence float64
	attempt    func(raw string) (QueryResult, bool)
}

// arrayStrategy is one tagged stage of the array cascade.
type arrayStrategy struct {
	name       string
	confidence float64
	attempt    func(raw string) ([]QueryResult, bool)
}

// Stats tracks parsing statistics for monitoring.
type Stats struct {
	TotalProcessed   int
	SuccessfulParses int
	FallbackParses   int
	MultiEntity      int
	ByMethod         map[string]int
}

// Parser decodes model responses into QueryResults. Not goroutine-safe:
// one parser per worker, same as the engine that owns it.
type Parser struct {
	objectCascade []objectStrategy
	arrayCascade  []arrayStrategy
	stats         Stats
}

// NewParser creates a parser with the standard cascade: direct JSON, then
// fenced ```json blocks, then balanced-brace extraction from mixed prose.
func NewParser() *Parser {
	p := &Parser{stats: Stats{ByMethod: make(map[string]int)}}
	p.objectCascade = []objectStrategy{
		{MethodDirect, 1.0, p.directObject},
		{MethodFenced, 0.95, p.fencedObject},
		{MethodExtracted, 0.85, p.extractedObject},
	}
	p.arrayCascade = []arrayStrategy{
		{MethodDirect, 1.0, p.directArray},
		{MethodFenced, 0.95, p.fencedArray},
		{MethodExtracted, 0.85, p.extractedArray},
	}
	return p
}

// ParseObject decodes one model response into a single result. It never
// returns an error: when no stage can decode the text, the sentinel result
// carries the raw response.
func (p *Parser) ParseObject(raw string) (QueryResult, ParseOutcome) {
	p.stats.TotalProcessed++
	for _, st := range p.objectCascade {
		if res, ok := st.attempt(raw); ok {
			p.recordHit(st.name)
			return res, ParseOutcome{Method: st.name, Confidence: st.confidence}
		}
	}
	p.recordMiss()
	return RawResult(UnparsableMessage, raw), ParseOutcome{Method: MethodSentinel}
}

// ParseArray decodes a batch response into exactly expectedLen results:
// short arrays are padded with no-result sentinels, long arrays truncated,
// and a fully undecodable response yields expectedLen raw-response
// sentinels. The returned slice length always equals expectedLen.
func (p *Parser) ParseArray(raw string, expectedLen int) ([]QueryResult, ParseOutcome) {
	p.stats.TotalProcessed++
	if expectedLen < 0 {
		expectedLen = 0
	}
	for _, st := range p.arrayCascade {
		if res, ok := st.attempt(raw); ok {
			p.recordHit(st.name)
			return reconcile(res, expectedLen), ParseOutcome{Method: st.name, Confidence: st.confidence}
		}
	}
	p.recordMiss()
	out := make([]QueryResult, expectedLen)
	for i := range out {
		out[i] = RawResult(UnparsableMessage, raw)
	}
	return out, ParseOutcome{Method: MethodSentinel}
}

// reconcile forces the parsed slice to the expected cardinality. Missing
// entries become no-result sentinels; extras are dropped.
func reconcile(results []QueryResult, expectedLen int) []QueryResult {
	if len(results) > expectedLen {
		return results[:expectedLen]
	}
	for len(results) < expectedLen {
		results = append(results, ErrorResult(NoResultMessage))
	}
	return results
}

// Stats returns a copy of the current counters.
func (p *Parser) Stats() Stats {
	out := p.stats
	out.ByMethod = make(map[string]int, len(p.stats.ByMethod))
	for k, v := range p.stats.ByMethod {
		out.ByMethod[k] = v
	}
	return out
}

// ResetStats clears the counters.
func (p *Parser) ResetStats() {
	p.stats = Stats{ByMethod: make(map[string]int)}
}

func (p *Parser) recordHit(method string) {
	p.stats.SuccessfulParses++
	p.stats.ByMethod[method]++
}

func (p *Parser) recordMiss() {
	p.stats.FallbackParses++
	p.stats.ByMethod[MethodSentinel]++
}

// =============================================================================
// OBJECT STAGES
// =============================================================================

func (p *Parser) directObject(raw string) (QueryResult, bool) {
	v, ok := decodeJSON(raw)
	if !ok {
		return nil, false
	}
	return coerceObject(v)
}

func (p *Parser) fencedObject(raw string) (QueryResult, bool) {
	stripped, found := stripFence(raw)
	if !found {
		return nil, false
	}
	return p.directObject(stripped)
}

func (p *Parser) extractedObject(raw string) (QueryResult, bool) {
	candidates := findJSONCandidates(raw, '{', '}')
	if len(candidates) == 0 {
		return nil, false
	}
	// Largest candidate first: prose around a response tends to contain
	// small brace runs, the payload is usually the big one.
	sort.SliceStable(candidates, func(i, j int) bool {
		return len(candidates[i]) > len(candidates[j])
	})
	for _, c := range candidates {
		if v, ok := decodeJSON(c); ok {
			if res, ok := coerceObject(v); ok {
				return res, true
			}
		}
	}
	return nil, false
}

// =============================================================================
// ARRAY STAGES
// =============================================================================

func (p *Parser) directArray(raw string) ([]QueryResult, bool) {
	v, ok := decodeJSON(raw)
	if !ok {
		return nil, false
	}
	return coerceArray(v)
}

func (p *Parser) fencedArray(raw string) ([]QueryResult, bool) {
	stripped, found := stripFence(raw)
	if !found {
		return nil, false
	}
	return p.directArray(stripped)
}

func (p *Parser) extractedArray(raw string) ([]QueryResult, bool) {
	for _, c := range findJSONCandidates(raw, '[', ']') {
		if v, ok := decodeJSON(c); ok {
			if res, ok := coerceArray(v); ok {
				return res, true
			}
		}
	}
	// No decodable array anywhere; a lone object means the model collapsed
	// the batch into one entry.
	if res, ok := p.extractedObject(raw); ok {
		return []QueryResult{res}, true
	}
	return nil, false
}

// =============================================================================
// DECODE HELPERS
// =============================================================================

func decodeJSON(s string) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &v); err != nil {
		return nil, false
	}
	return v, true
}

// coerceObject accepts a decoded JSON value as a single result. Arrays
// contribute their first element when it is an object.
func coerceObject(v any) (QueryResult, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case []any:
		if len(t) > 0 {
			if m, ok := t[0].(map[string]any); ok {
				return m, true
			}
		}
	}
	return nil, false
}

// coerceArray accepts a decoded JSON value as a batch result. A single
// object becomes a one-element batch; non-object array entries become
// sentinels so positions stay aligned.
func coerceArray(v any) ([]QueryResult, bool) {
	switch t := v.(type) {
	case map[string]any:
		return []QueryResult{t}, true
	case []any:
		out := make([]QueryResult, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			} else {
				out = append(out, RawResult(UnparsableMessage, fmt.Sprintf("%v", item)))
			}
		}
		return out, true
	}
	return nil, false
}

// stripFence removes a markdown code fence around the payload. The second
// return value reports whether a fence was actually present, so cascade
// stages can skip redundant re-parses.
func stripFence(s string) (string, bool) {
	s = strings.TrimSpace(s)
	found := false
	for _, prefix := range []string{"```json", "```JSON", "```"} {
		if strings.HasPrefix(s, prefix) {
			s = strings.TrimPrefix(s, prefix)
			found = true
			break
		}
	}
	if strings.HasSuffix(s, "```") {
		s = strings.TrimSuffix(s, "```")
		found = true
	}
	return strings.TrimSpace(s), found
}
