// internal/tui/progress.go
//
// Live progress for a pipeline run. The pipeline runs in its own goroutine
// and its events reach the bubbletea program through Program.Send; the model
// only renders them.

package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/cadforge/internal/pipeline"
)

type nodePhase int

const (
	phasePending nodePhase = iota
	phaseFresh
	phaseRunning
	phaseDone
	phaseFailed
)

type progressNode struct {
	info    pipeline.NodeInfo
	phase   nodePhase
	started time.Time
	elapsed time.Duration
	message string
}

type eventMsg struct{ event pipeline.Event }

type runDoneMsg struct {
	summary pipeline.Summary
	err     error
}

// Progress is the bubbletea model behind `--tui`.
type Progress struct {
	title   string
	styles  Styles
	spinner spinner.Model
	nodes   []progressNode
	index   map[string]int
	notes   []string
	done    bool
	summary pipeline.Summary
	err     error
	now     func() time.Time
}

// NewProgress builds an empty progress model titled title.
func NewProgress(title string, styles Styles) *Progress {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.Running
	return &Progress{
		title:   title,
		styles:  styles,
		spinner: sp,
		index:   map[string]int{},
		now:     time.Now,
	}
}

// Init implements tea.Model.
func (m *Progress) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model.
func (m *Progress) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case eventMsg:
		m.apply(msg.event)
		return m, nil
	case runDoneMsg:
		m.done = true
		m.summary = msg.summary
		m.err = msg.err
		return m, tea.Quit
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *Progress) apply(e pipeline.Event) {
	switch e.Kind {
	case pipeline.EventRunStarted:
		m.nodes = m.nodes[:0]
		m.index = map[string]int{}
		for _, info := range e.Nodes {
			node := progressNode{info: info}
			if info.Fresh {
				node.phase = phaseFresh
			}
			m.index[info.ID] = len(m.nodes)
			m.nodes = append(m.nodes, node)
		}
	case pipeline.EventModuleStarted:
		node := m.node(e.NodeID, e.Name)
		node.phase = phaseRunning
		node.started = e.Time
		node.message = ""
	case pipeline.EventModuleFinished:
		node := m.node(e.NodeID, e.Name)
		node.elapsed = e.Elapsed
		if e.Err != nil {
			node.phase = phaseFailed
			node.message = e.Err.Error()
		} else {
			node.phase = phaseDone
			node.message = e.Message
		}
	case pipeline.EventArtifactInvalidated:
		m.notes = append(m.notes, fmt.Sprintf("%s: %s", e.NodeID, e.Message))
	}
}

func (m *Progress) node(id, name string) *progressNode {
	if i, ok := m.index[id]; ok {
		return &m.nodes[i]
	}
	m.index[id] = len(m.nodes)
	m.nodes = append(m.nodes, progressNode{info: pipeline.NodeInfo{ID: id, Name: name}})
	return &m.nodes[len(m.nodes)-1]
}

// View implements tea.Model.
func (m *Progress) View() string {
	var b strings.Builder
	b.WriteString(m.styles.Title.Render(m.title))
	b.WriteString("\n\n")
	for _, node := range m.nodes {
		b.WriteString(m.renderNode(node))
		b.WriteString("\n")
	}
	for _, note := range m.notes {
		b.WriteString(m.styles.Detail.Render("  " + note))
		b.WriteString("\n")
	}
	if m.done {
		b.WriteString("\n")
		b.WriteString(m.renderSummary())
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Progress) renderNode(node progressNode) string {
	name := node.info.Name
	if name == "" {
		name = node.info.ID
	}
	switch node.phase {
	case phaseRunning:
		return fmt.Sprintf("%s %s %s", m.spinner.View(), name, m.styles.Detail.Render(humanizeDuration(m.now().Sub(node.started))))
	case phaseDone:
		line := fmt.Sprintf("%s %s %s", m.styles.OK.Render("✓"), name, m.styles.Detail.Render(humanizeDuration(node.elapsed)))
		if node.message != "" {
			line += "\n  " + m.styles.Detail.Render(node.message)
		}
		return line
	case phaseFailed:
		return fmt.Sprintf("%s %s\n  %s", m.styles.Fail.Render("✗"), name, m.styles.Fail.Render(node.message))
	case phaseFresh:
		return fmt.Sprintf("%s %s %s", m.styles.Skipped.Render("="), name, m.styles.Skipped.Render("up to date"))
	default:
		return fmt.Sprintf("%s %s", m.styles.Default.Render("·"), name)
	}
}

func (m *Progress) renderSummary() string {
	if m.err != nil {
		return m.styles.Fail.Render("[FAIL] ") + m.err.Error()
	}
	if m.summary.UpToDate() {
		return m.styles.OK.Render("[OK] ") + fmt.Sprintf("%s is up to date", m.summary.Name)
	}
	return m.styles.OK.Render("[OK] ") + fmt.Sprintf("%s finished in %s", m.summary.Name, humanizeDuration(m.summary.Elapsed))
}

// programObserver forwards pipeline events to a running program.
type programObserver struct {
	program *tea.Program
}

func (o programObserver) Observe(e pipeline.Event) {
	o.program.Send(eventMsg{event: e})
}

// RunProgress runs fn while rendering its events to out. fn receives the
// observer it must pass to the pipeline.
func RunProgress(ctx context.Context, out io.Writer, title string, fn func(pipeline.Observer) (pipeline.Summary, error)) (pipeline.Summary, error) {
	model := NewProgress(title, NewStyles(out))
	program := tea.NewProgram(model,
		tea.WithContext(ctx),
		tea.WithOutput(out),
		tea.WithInput(nil),
		tea.WithoutSignalHandler(),
	)
	var (
		summary pipeline.Summary
		runErr  error
	)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		summary, runErr = fn(programObserver{program: program})
		program.Send(runDoneMsg{summary: summary, err: runErr})
	}()
	_, uiErr := program.Run()
	<-finished
	if uiErr != nil && !errors.Is(uiErr, tea.ErrProgramKilled) && runErr == nil {
		return summary, fmt.Errorf("tui: %w", uiErr)
	}
	return summary, runErr
}

func humanizeDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return ""
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return d.Round(time.Second).String()
	}
}
