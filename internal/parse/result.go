package parse

// QueryResult is the parsed model output for one record. Reserved keys mark
// the degraded paths: sentinel results carry "error" (and usually
// "raw_response"), multi-entity results carry "multiple_entities",
// "entities", and "count".
type QueryResult = map[string]any

// Reserved QueryResult keys.
const (
	KeyError       = "error"
	KeyRawResponse = "raw_response"
	KeyMultiple    = "multiple_entities"
	KeyEntities    = "entities"
	KeyCount       = "count"
)

// Sentinel messages. NoResultMessage is kept byte-for-byte stable because
// downstream spreadsheet tooling filters on it.
const (
	NoResultMessage   = "无返回结果"
	UnparsableMessage = "无法解析AI响应"
)

// ErrorResult builds the minimal sentinel for a record that produced no
// usable output.
func ErrorResult(msg string) QueryResult {
	return QueryResult{KeyError: msg}
}

// RawResult builds a sentinel that preserves the verbatim model response so
// an operator can see what failed to parse.
func RawResult(msg, raw string) QueryResult {
	return QueryResult{KeyError: msg, KeyRawResponse: raw}
}

// IsErrorResult reports whether r is a sentinel produced by ErrorResult or
// RawResult.
func IsErrorResult(r QueryResult) bool {
	if r == nil {
		return true
	}
	_, ok := r[KeyError]
	return ok
}
