// Package ui provides the lipgloss styling for rowlift CLI output.
// The CLI prints once and exits, so this is just text styling and a
// static table renderer.
package ui

import (
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Status colors, shared by both themes.
const (
	okColor   = lipgloss.Color("#2f9e44")
	errColor  = lipgloss.Color("#e03131")
	warnColor = lipgloss.Color("#f08c00")
	infoColor = lipgloss.Color("#1971c2")
)

// Theme holds the colors that differ between light and dark terminals.
type Theme struct {
	Foreground lipgloss.Color
	Primary    lipgloss.Color
	Muted      lipgloss.Color
	Border     lipgloss.Color
	IsDark     bool
}

var (
	light = Theme{
		Foreground: lipgloss.Color("#212529"),
		Primary:    lipgloss.Color("#3b5bdb"),
		Muted:      lipgloss.Color("#868e96"),
		Border:     lipgloss.Color("#dee2e6"),
	}
	dark = Theme{
		Foreground: lipgloss.Color("#e9ecef"),
		Primary:    lipgloss.Color("#74c0fc"),
		Muted:      lipgloss.Color("#5c677d"),
		Border:     lipgloss.Color("#343a40"),
		IsDark:     true,
	}
)

// LightTheme returns the light terminal palette.
func LightTheme() Theme { return light }

// DarkTheme returns the dark terminal palette.
func DarkTheme() Theme { return dark }

// ThemeFromName maps a configured theme name to a Theme. Unknown names
// fall back to terminal detection.
func ThemeFromName(name string) Theme {
	switch strings.ToLower(name) {
	case "light":
		return LightTheme()
	case "dark":
		return DarkTheme()
	default:
		return DetectTheme()
	}
}

// DetectTheme picks a palette from the terminal environment. COLORFGBG
// is the usual "fg;bg" hint; ANSI backgrounds 0 through 6 plus 8 count
// as dark.
func DetectTheme() Theme {
	if fgbg := os.Getenv("COLORFGBG"); fgbg != "" {
		if _, bg, found := strings.Cut(fgbg, ";"); found {
			if n, err := strconv.Atoi(bg); err == nil && ((n >= 0 && n <= 6) || n == 8) {
				return DarkTheme()
			}
		}
	}

	if os.Getenv("ROWLIFT_DARK_MODE") == "1" {
		return DarkTheme()
	}

	return LightTheme()
}

// Styles is the styled component kit shared by the CLI commands.
type Styles struct {
	Theme Theme

	Title    lipgloss.Style
	Subtitle lipgloss.Style
	Body     lipgloss.Style
	Bold     lipgloss.Style
	Muted    lipgloss.Style

	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style

	Divider lipgloss.Style
}

// NewStyles builds the kit for one theme.
func NewStyles(theme Theme) Styles {
	body := lipgloss.NewStyle().Foreground(theme.Foreground)
	return Styles{
		Theme:    theme,
		Title:    lipgloss.NewStyle().Foreground(theme.Primary).Bold(true),
		Subtitle: lipgloss.NewStyle().Foreground(theme.Muted).Italic(true),
		Body:     body,
		Bold:     body.Bold(true),
		Muted:    lipgloss.NewStyle().Foreground(theme.Muted),
		Success:  lipgloss.NewStyle().Foreground(okColor).Bold(true),
		Error:    lipgloss.NewStyle().Foreground(errColor).Bold(true),
		Warning:  lipgloss.NewStyle().Foreground(warnColor).Bold(true),
		Info:     lipgloss.NewStyle().Foreground(infoColor),
		Divider:  lipgloss.NewStyle().Foreground(theme.Border),
	}
}

// DefaultStyles returns the kit for the detected theme.
func DefaultStyles() Styles {
	return NewStyles(DetectTheme())
}

// RenderDivider returns a horizontal rule of the given width.
func (s Styles) RenderDivider(width int) string {
	return s.Divider.Render(strings.Repeat("─", width))
}
