package tabular

import (
	"rowlift/internal/parse"
	"rowlift/internal/schema"
)

// Merge pairs inputs with results by index and produces the output
// table. Successful results copy the schema's output fields onto a copy
// of the input row; sentinel results carry their message into the
// metadata columns instead; multi-entity results expand into one row
// per entity with the input columns duplicated. The engine guarantees
// equal lengths, but a short results slice degrades to sentinel rows
// rather than panicking.
func Merge(inputs []schema.Record, results []parse.QueryResult, sch *schema.Schema) []schema.Record {
	out := make([]schema.Record, 0, len(inputs))
	for i, input := range inputs {
		var res parse.QueryResult
		if i < len(results) {
			res = results[i]
		}
		if res == nil {
			res = parse.ErrorResult(parse.NoResultMessage)
		}

		if res[parse.KeyMultiple] == true {
			entities := entityList(res)
			if len(entities) == 0 {
				out = append(out, sentinelRow(input, parse.ErrorResult(parse.NoResultMessage)))
				continue
			}
			for _, entity := range entities {
				row := cloneRecord(input)
				for key, v := range entity {
					if reservedKey(key) {
						continue
					}
					row[key] = cellValue(v)
				}
				out = append(out, row)
			}
			continue
		}

		if parse.IsErrorResult(res) {
			out = append(out, sentinelRow(input, res))
			continue
		}

		row := cloneRecord(input)
		for _, key := range sch.OutputKeys() {
			if v, ok := res[key]; ok {
				row[key] = cellValue(v)
			}
		}
		out = append(out, row)
	}
	return out
}

// sentinelRow copies the input and attaches the failure metadata.
func sentinelRow(input schema.Record, res parse.QueryResult) schema.Record {
	row := cloneRecord(input)
	row[ColError] = cellValue(res[parse.KeyError])
	if raw, ok := res[parse.KeyRawResponse].(string); ok && raw != "" {
		row[ColRawResponse] = raw
	}
	return row
}

// entityList tolerates both the in-process []QueryResult shape and the
// []any shape a JSON round trip produces.
func entityList(res parse.QueryResult) []parse.QueryResult {
	switch v := res[parse.KeyEntities].(type) {
	case []parse.QueryResult:
		return v
	case []any:
		out := make([]parse.QueryResult, 0, len(v))
		for _, e := range v {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func cloneRecord(rec schema.Record) schema.Record {
	out := make(schema.Record, len(rec)+4)
	for k, v := range rec {
		out[k] = v
	}
	return out
}

func reservedKey(key string) bool {
	switch key {
	case parse.KeyError, parse.KeyRawResponse, parse.KeyMultiple, parse.KeyEntities, parse.KeyCount:
		return true
	}
	return false
}
