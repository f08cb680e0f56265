package parse

// Scanner states. Quoted text is opaque: delimiters inside string
// literals never open or close a candidate.
const (
	scanning = iota
	inQuote
	afterBackslash
)

// findJSONCandidates returns every complete top-level value in s
// delimited by the open/close pair ('{'/'}' for objects, '['/']' for
// arrays), in order of appearance. Unbalanced trailing input yields no
// candidate. A byte state machine beats regex here: it respects string
// escaping and stays linear on large responses.
//
// Byte iteration is safe because all delimiters are ASCII and UTF-8
// never embeds ASCII bytes inside a multi-byte sequence.
func findJSONCandidates(s string, open, close byte) []string {
	var (
		spans []string
		state = scanning
		depth int
		from  = -1
	)

	for i := 0; i < len(s); i++ {
		switch state {
		case afterBackslash:
			state = inQuote

		case inQuote:
			switch s[i] {
			case '\\':
				state = afterBackslash
			case '"':
				state = scanning
			}

		default:
			switch s[i] {
			case '"':
				state = inQuote
			case open:
				if depth == 0 {
					from = i
				}
				depth++
			case close:
				if depth == 0 {
					continue // stray closer before any opener
				}
				depth--
				if depth == 0 {
					spans = append(spans, s[from:i+1])
					from = -1
				}
			}
		}
	}
	return spans
}
