package parse

import (
	"regexp"
	"strconv"
	"strings"
)

// =============================================================================
// MULTI-ENTITY RESPONSES
// =============================================================================
// Some prompts make the model return several matching entities as labeled
// text sections instead of JSON ("公司1：..." / "Entity 1: ..."). This path
// is deliberately lossy: it regex-extracts a fixed field set per section and
// drops anything the patterns do not cover. It is kept separate from the
// JSON cascade so the loss is visible at the call site.

var (
	multiMarkerRe = regexp.MustCompile(`【发现\s*\d+\s*家匹配公司】`)
	entityCN1Re   = regexp.MustCompile(`公司1[:：]`)
	entityCN2Re   = regexp.MustCompile(`公司2[:：]`)
	entityEN1Re   = regexp.MustCompile(`(?i)entity\s*1\s*:`)
	entityEN2Re   = regexp.MustCompile(`(?i)entity\s*2\s*:`)
	entitySplitRe = regexp.MustCompile(`(?:公司|(?i:entity)\s*)\d+\s*[:：]`)
)

// entityFieldPatterns maps labeled lines to result keys. The value classes
// mirror the labels the prompts ask for; anything else in a section is lost.
var entityFieldPatterns = []struct {
	key string
	re  *regexp.Regexp
}{
	{"full_name", regexp.MustCompile(`公司全名[:：]\s*([^\n]+?)(?:\n|$)`)},
	{"unified_social_credit_code", regexp.MustCompile(`统一社会信用代码[:：]\s*([A-Z0-9]{15,18}|[^\n]+?)(?:\n|$)`)},
	{"legal_representative", regexp.MustCompile(`法定代表人[:：]\s*([^\n]+?)(?:\n|$)`)},
	{"registered_address", regexp.MustCompile(`注册地址[:：]\s*([^\n]+?)(?:\n|$)`)},
	{"company_type", regexp.MustCompile(`公司类型[:：]\s*([^\n]+?)(?:\n|$)`)},
	{"industry", regexp.MustCompile(`所属行业[:：]\s*([^\n]+?)(?:\n|$)`)},
	{"reg_capital", regexp.MustCompile(`注册资金[（(]亿元[)）][:：]\s*([0-9.]+)`)},
	{"employee_count", regexp.MustCompile(`员工人数[:：]\s*([0-9,]+)`)},
	{"establishment_date", regexp.MustCompile(`成立时间[:：]\s*([0-9]{4}[-年/][0-9]{1,2}[-月/][0-9]{1,2})`)},
}

var (
	top500Re     = regexp.MustCompile(`是否为中国企业500强[:：]\s*(是|否)`)
	top500AltRe  = regexp.MustCompile(`(?:中国500强|企业500强|500强企业)[:：]\s*是`)
	listedRe     = regexp.MustCompile(`是否上市[:：]\s*(是|否)`)
	listedAltRe  = regexp.MustCompile(`(?:已上市|股票代码|证券代码)[:：]\s*[A-Z0-9]+`)
	revenueRe    = regexp.MustCompile(`([0-9]{4})年营业额[（(]亿元[)）][:：]\s*(-?[0-9.]+)`)
	netProfitRe  = regexp.MustCompile(`([0-9]{4})年净利润[（(]亿元[)）][:：]\s*(-?[0-9.]+)`)
	unknownValue = map[string]bool{"N/A": true, "无": true, "未知": true, "暂无": true}
)

// IsMultiEntity reports whether the response text announces several matching
// entities. Both the Chinese section form and the ASCII "Entity N:" form are
// recognized.
func IsMultiEntity(raw string) bool {
	if multiMarkerRe.MatchString(raw) {
		return true
	}
	if entityCN1Re.MatchString(raw) && entityCN2Re.MatchString(raw) {
		return true
	}
	return entityEN1Re.MatchString(raw) && entityEN2Re.MatchString(raw)
}

// ParseMultiEntity splits a multi-entity response into per-entity results.
// Returns (nil, false) when the text is not a multi-entity response, in
// which case the caller should fall through to ParseObject. Sections that
// yield no entity name are dropped, so the reported count can be lower than
// the number announced in the text.
func (p *Parser) ParseMultiEntity(raw string) (QueryResult, bool) {
	if !IsMultiEntity(raw) {
		return nil, false
	}
	p.stats.MultiEntity++
	p.stats.ByMethod[MethodEntity]++

	sections := entitySplitRe.Split(raw, -1)
	entities := make([]QueryResult, 0, len(sections))
	// The first element is the preamble before the first section header.
	for _, section := range sections[1:] {
		if strings.TrimSpace(section) == "" {
			continue
		}
		entity := parseEntitySection(section)
		if name, _ := entity["full_name"].(string); name != "" && name != "N/A" {
			entities = append(entities, entity)
		}
	}

	return QueryResult{
		KeyMultiple: true,
		KeyEntities: entities,
		KeyCount:    len(entities),
	}, true
}

// parseEntitySection extracts the fixed field set from one entity's text
// block. Unmatched fields keep the "N/A" placeholder.
func parseEntitySection(section string) QueryResult {
	entity := QueryResult{
		"full_name":                  "N/A",
		"unified_social_credit_code": "N/A",
		"legal_representative":       "N/A",
		"registered_address":         "N/A",
		"company_type":               "N/A",
		"industry":                   "N/A",
		"is_top500":                  false,
		"is_listed":                  false,
		"reg_capital":                "N/A",
		"employee_count":             "N/A",
		"establishment_date":         "N/A",
		"revenue":                    map[int]float64{},
		"net_profit":                 map[int]float64{},
	}

	for _, fp := range entityFieldPatterns {
		if m := fp.re.FindStringSubmatch(section); m != nil {
			value := strings.TrimSpace(m[1])
			if value != "" && !unknownValue[value] {
				entity[fp.key] = value
			}
		}
	}

	if m := top500Re.FindStringSubmatch(section); m != nil {
		entity["is_top500"] = m[1] == "是"
	} else if top500AltRe.MatchString(section) {
		entity["is_top500"] = true
	}
	if m := listedRe.FindStringSubmatch(section); m != nil {
		entity["is_listed"] = m[1] == "是"
	} else if listedAltRe.MatchString(section) {
		entity["is_listed"] = true
	}

	extractYearSeries(section, revenueRe, entity["revenue"].(map[int]float64))
	extractYearSeries(section, netProfitRe, entity["net_profit"].(map[int]float64))

	// Sections with no labeled name still carry one on their first line
	// ("Entity 1: Acme Corp"). Without a name the section is useless.
	if entity["full_name"] == "N/A" {
		if name := firstLine(section); name != "" && !unknownValue[name] {
			entity["full_name"] = name
		}
	}

	return entity
}

// extractYearSeries collects "2023年营业额（亿元）：7042" style lines into a
// year→value map. Negative values are kept (losses).
func extractYearSeries(section string, re *regexp.Regexp, into map[int]float64) {
	for _, m := range re.FindAllStringSubmatch(section, -1) {
		year, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(m[2]), 64)
		if err != nil {
			continue
		}
		into[year] = value
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if runes := []rune(s); len(runes) > 200 {
		s = string(runes[:200])
	}
	return s
}
