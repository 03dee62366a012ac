package tui

import (
	"fmt"
	"io"
	"sync"

	"github.com/kingrea/cadforge/internal/pipeline"
)

// Plain prints one tagged line per finished module:
//
//	[OK] CadQuery code saved to flange.py
//	[FAIL] Export STEP: ...
type Plain struct {
	mu     sync.Mutex
	out    io.Writer
	styles Styles
	// Verbose also prints module starts and invalidation notes.
	Verbose bool
}

// NewPlain writes to out.
func NewPlain(out io.Writer) *Plain {
	return &Plain{out: out, styles: NewStyles(out)}
}

// Observe implements pipeline.Observer.
func (p *Plain) Observe(e pipeline.Event) {
	switch e.Kind {
	case pipeline.EventModuleStarted:
		if p.Verbose {
			p.Info("%s ...", e.Name)
		}
	case pipeline.EventModuleFinished:
		if e.Err != nil {
			p.Fail("%s: %v", e.Name, e.Err)
			return
		}
		if e.Message != "" {
			p.OK("%s", e.Message)
		}
	case pipeline.EventArtifactInvalidated:
		if p.Verbose {
			p.Info("%s: %s", e.NodeID, e.Message)
		}
	}
}

// OK prints an [OK] line.
func (p *Plain) OK(format string, args ...any) {
	p.line(p.styles.OK.Render("[OK]"), format, args...)
}

// Info prints an [INFO] line.
func (p *Plain) Info(format string, args ...any) {
	p.line(p.styles.Info.Render("[INFO]"), format, args...)
}

// Warn prints a [WARN] line.
func (p *Plain) Warn(format string, args ...any) {
	p.line(p.styles.Warn.Render("[WARN]"), format, args...)
}

// Fail prints a [FAIL] line.
func (p *Plain) Fail(format string, args ...any) {
	p.line(p.styles.Fail.Render("[FAIL]"), format, args...)
}

func (p *Plain) line(tag, format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s\n", tag, fmt.Sprintf(format, args...))
}
