package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Table renders static tabular output for run summaries and tool
// listings. Column widths are computed from content.
type Table struct {
	Title   string
	Headers []string
	Rows    [][]string
}

// NewTable creates a table with the given title and headers.
func NewTable(title string, headers []string) *Table {
	return &Table{Title: title, Headers: headers}
}

// AddRow appends a row. Short rows render with empty trailing cells
// and cells beyond the header count are ignored.
func (t *Table) AddRow(cells ...string) {
	t.Rows = append(t.Rows, cells)
}

// colWidths returns one padded width per header column, sized to the
// widest cell. lipgloss.Width handles wide runes, plain len would
// misalign CJK cells.
func (t *Table) colWidths() []int {
	widths := make([]int, len(t.Headers))
	for col := range t.Headers {
		widths[col] = lipgloss.Width(t.Headers[col])
		for _, row := range t.Rows {
			if col >= len(row) {
				continue
			}
			if w := lipgloss.Width(row[col]); w > widths[col] {
				widths[col] = w
			}
		}
		widths[col] += 2
	}
	return widths
}

// View renders the table with the provided styles. A table without
// rows renders as an empty string.
func (t *Table) View(styles Styles) string {
	if len(t.Rows) == 0 {
		return ""
	}

	widths := t.colWidths()
	sep := styles.Muted.Render("|")
	line := func(cells []string, cell lipgloss.Style) string {
		var b strings.Builder
		for col, w := range widths {
			if col > 0 {
				b.WriteString(sep)
			}
			text := ""
			if col < len(cells) {
				text = cells[col]
			}
			b.WriteString(cell.Width(w).Render(text))
		}
		return b.String()
	}

	var b strings.Builder
	if t.Title != "" {
		b.WriteString(styles.Title.Render(t.Title))
		b.WriteByte('\n')
	}

	b.WriteString(line(t.Headers, styles.Bold.Padding(0, 1)))
	b.WriteByte('\n')

	rule := len(t.Headers) - 1
	for _, w := range widths {
		rule += w
	}
	b.WriteString(styles.Muted.Render(strings.Repeat("-", rule)))
	b.WriteByte('\n')

	body := styles.Body.Padding(0, 1)
	for _, row := range t.Rows {
		b.WriteString(line(row, body))
		b.WriteByte('\n')
	}
	return b.String()
}
