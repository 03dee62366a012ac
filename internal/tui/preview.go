package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
)

// PreviewOptions controls code rendering for `cadforge show`.
type PreviewOptions struct {
	// Style is a glamour standard style name. Empty picks one from the terminal.
	Style string
	Width int
	Title string
}

// RenderCode renders CadQuery source as a highlighted python block.
func RenderCode(code string, opts PreviewOptions) (string, error) {
	width := opts.Width
	if width <= 0 {
		width = 100
	}
	styleOpt := glamour.WithAutoStyle()
	if opts.Style != "" {
		styleOpt = glamour.WithStandardStyle(opts.Style)
	}
	renderer, err := glamour.NewTermRenderer(styleOpt, glamour.WithWordWrap(width))
	if err != nil {
		return "", fmt.Errorf("tui: create renderer: %w", err)
	}
	var md strings.Builder
	if opts.Title != "" {
		fmt.Fprintf(&md, "## %s\n\n", opts.Title)
	}
	md.WriteString("```python\n")
	md.WriteString(code)
	if !strings.HasSuffix(code, "\n") {
		md.WriteString("\n")
	}
	md.WriteString("```\n")
	out, err := renderer.Render(md.String())
	if err != nil {
		return "", fmt.Errorf("tui: render code: %w", err)
	}
	return out, nil
}
