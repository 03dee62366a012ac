package tui

import (
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Styles groups the lipgloss styles shared by the plain and interactive views.
type Styles struct {
	OK      lipgloss.Style
	Info    lipgloss.Style
	Fail    lipgloss.Style
	Warn    lipgloss.Style
	Running lipgloss.Style
	Skipped lipgloss.Style
	Title   lipgloss.Style
	Detail  lipgloss.Style
	Default lipgloss.Style
}

// NewStyles builds styles for out. Color is dropped automatically when out
// is not a terminal.
func NewStyles(out io.Writer) Styles {
	r := lipgloss.NewRenderer(out)
	return Styles{
		OK:      r.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true),
		Info:    r.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true),
		Fail:    r.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true),
		Warn:    r.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true),
		Running: r.NewStyle().Foreground(lipgloss.Color("#5B8DEF")),
		Skipped: r.NewStyle().Foreground(lipgloss.Color("#999999")),
		Title:   r.NewStyle().Bold(true),
		Detail:  r.NewStyle().Foreground(lipgloss.Color("#A0AEC0")),
		Default: r.NewStyle().Foreground(lipgloss.Color("#CCCCCC")),
	}
}

// friendlyLabel turns identifiers such as "needs-input" into "Needs Input".
func friendlyLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	replacer := strings.NewReplacer("_", " ", "-", " ")
	words := strings.Fields(replacer.Replace(strings.ToLower(value)))
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}
