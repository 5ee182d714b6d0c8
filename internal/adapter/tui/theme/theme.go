// Package theme holds the CLI's colors, symbols and status-line styles.
// All colors adapt to light and dark terminals.
//
// NO_COLOR (https://no-color.org/) is respected automatically by lipgloss via
// its color profile detection; when set, all color output is suppressed.
package theme

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	ColorSuccess = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}
	ColorError   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	ColorWarning = lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}
	ColorInfo    = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	ColorAccent  = lipgloss.AdaptiveColor{Light: "#6a1b9a", Dark: "#ce93d8"}
	ColorMuted   = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}
	ColorBorder  = lipgloss.AdaptiveColor{Light: "#bdbdbd", Dark: "#616161"}
)

// Symbols default to Unicode and fall back to ASCII; see InitSymbols.
var (
	SymbolSuccess = "✓"
	SymbolError   = "✗"
	SymbolWarning = "⚠"
	SymbolInfo    = "●"
	SymbolArrowR  = "→"
	SymbolBullet  = "•"
)

var (
	Bold = lipgloss.NewStyle().Bold(true)
	Dim  = lipgloss.NewStyle().Faint(true)

	TextSuccess = lipgloss.NewStyle().Foreground(ColorSuccess).Bold(true)
	TextError   = lipgloss.NewStyle().Foreground(ColorError).Bold(true)
	TextWarning = lipgloss.NewStyle().Foreground(ColorWarning).Bold(true)
	TextInfo    = lipgloss.NewStyle().Foreground(ColorInfo)
	TextAccent  = lipgloss.NewStyle().Foreground(ColorAccent)
	TextMuted   = lipgloss.NewStyle().Foreground(ColorMuted)

	// Log line styles for `bridge logs`.
	Timestamp = lipgloss.NewStyle().Foreground(ColorMuted).Faint(true)
	ConnID    = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)

	// Key/value rows in `bridge status`.
	StatLabel = lipgloss.NewStyle().Foreground(ColorMuted).Width(20)
	StatValue = lipgloss.NewStyle().Foreground(ColorInfo).Bold(true)

	Card = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Padding(0, 1)
)

// Success renders a green status line.
func Success(format string, a ...any) string {
	return TextSuccess.Render(SymbolSuccess+" "+fmt.Sprintf(format, a...))
}

// Warning renders an amber status line.
func Warning(format string, a ...any) string {
	return TextWarning.Render(SymbolWarning+" "+fmt.Sprintf(format, a...))
}

// Failure renders a red status line.
func Failure(format string, a ...any) string {
	return TextError.Render(SymbolError+" "+fmt.Sprintf(format, a...))
}

// Info renders a neutral status line.
func Info(format string, a ...any) string {
	return TextInfo.Render(SymbolInfo+" "+fmt.Sprintf(format, a...))
}

// Row renders one aligned key/value pair.
func Row(label string, value any) string {
	return StatLabel.Render(label) + StatValue.Render(fmt.Sprint(value))
}
