// Package ui renders run progress and summaries for the terminal.
package ui

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Color palette
var (
	ColorPrimary = lipgloss.AdaptiveColor{Light: "#5A67D8", Dark: "#7C3AED"}
	ColorSuccess = lipgloss.AdaptiveColor{Light: "#38A169", Dark: "#48BB78"}
	ColorWarning = lipgloss.AdaptiveColor{Light: "#D69E2E", Dark: "#F6E05E"}
	ColorError   = lipgloss.AdaptiveColor{Light: "#E53E3E", Dark: "#FC8181"}
	ColorMuted   = lipgloss.AdaptiveColor{Light: "#718096", Dark: "#A0AEC0"}
	ColorText    = lipgloss.AdaptiveColor{Light: "#1A202C", Dark: "#F7FAFC"}
	ColorBorder  = lipgloss.AdaptiveColor{Light: "#CBD5E0", Dark: "#4A5568"}
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary)

	LabelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorMuted)

	ValueStyle = lipgloss.NewStyle().
			Foreground(ColorText)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(ColorSuccess)

	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	MutedStyle = lipgloss.NewStyle().
			Foreground(ColorMuted)

	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary).
			Padding(0, 1)

	CellStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

// ShouldShowProgress decides whether the animated progress bar is drawn.
// Pipes, log files and --no-progress get plain log lines instead.
func ShouldShowProgress(disabled bool, f *os.File) bool {
	if disabled {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// UsageBar renders a usage bar whose color follows the percentage.
func UsageBar(percent float64, width int) string {
	if width <= 0 {
		width = 20
	}
	percent = max(0, min(percent, 100))

	filled := min(int(percent/100.0*float64(width)), width)
	empty := width - filled

	var style lipgloss.Style
	switch {
	case percent >= 90:
		style = ErrorStyle
	case percent >= 75:
		style = WarningStyle
	default:
		style = SuccessStyle
	}

	return style.Render(strings.Repeat("█", filled)) + MutedStyle.Render(strings.Repeat("░", empty))
}

// FormatKeyValue formats a key-value pair
func FormatKeyValue(key, value string) string {
	return LabelStyle.Render(key+":") + " " + ValueStyle.Render(value)
}
