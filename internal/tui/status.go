package tui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/cadforge/internal/module"
	"github.com/kingrea/cadforge/internal/pipeline"
	"github.com/kingrea/cadforge/internal/workflow/engine"
	"github.com/kingrea/cadforge/internal/workflow/resolver"
)

// WriteStatus renders a run report for `cadforge status`.
func WriteStatus(out io.Writer, report pipeline.StatusReport) error {
	s := NewStyles(out)
	var b strings.Builder
	state := report.State
	status := friendlyLabel(string(state.Status))
	if status == "" {
		status = "Not Started"
	}
	fmt.Fprintf(&b, "%s · %s · %s\n", s.Title.Render(report.Info.Name), report.Info.WorkflowID, statusStyle(s, state.Status).Render(status))
	if state.StatusReason != "" {
		fmt.Fprintf(&b, "%s\n", s.Detail.Render(state.StatusReason))
	}
	if report.Info.Image != "" {
		fmt.Fprintf(&b, "image:   %s\n", report.Info.Image)
	}
	if report.Info.Backend != "" {
		fmt.Fprintf(&b, "model:   %s (%s)\n", report.Info.Model, report.Info.Backend)
	}
	if done, total := state.Progress(); total > 0 {
		fmt.Fprintf(&b, "modules: %d/%d complete\n", done, total)
	}
	if !state.UpdatedAt.IsZero() {
		fmt.Fprintf(&b, "updated: %s\n", state.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if len(state.Nodes) > 0 {
		b.WriteString("\n")
	}
	for _, node := range state.Nodes {
		b.WriteString(renderModuleLine(s, node))
		b.WriteString("\n")
		if details := renderModuleDetails(s, node); details != "" {
			b.WriteString(details)
			b.WriteString("\n")
		}
	}
	if len(report.Outputs) > 0 {
		b.WriteString("\n")
	}
	for _, output := range report.Outputs {
		mark := s.Skipped.Render("missing")
		switch {
		case output.Edited:
			mark = s.Warn.Render("edited")
		case output.Exists:
			mark = s.OK.Render("present")
		}
		fmt.Fprintf(&b, "%-16s %s  %s\n", output.ID, mark, output.Path)
	}
	_, err := io.WriteString(out, b.String())
	return err
}

func statusStyle(s Styles, status engine.EngineStatus) lipgloss.Style {
	switch status {
	case engine.EngineStatusComplete:
		return s.OK
	case engine.EngineStatusError:
		return s.Fail
	case engine.EngineStatusRunning:
		return s.Running
	case engine.EngineStatusBlocked:
		return s.Warn
	default:
		return s.Default
	}
}

func renderModuleLine(s Styles, node engine.ModuleStatus) string {
	name := node.Name
	if strings.TrimSpace(name) == "" {
		name = node.ID
	}
	labels := []string{labelStyleForState(s, node.State).Render(friendlyLabel(string(node.State)))}
	if node.LastRun != nil {
		style := s.OK
		if node.LastRun.Status == module.StatusFailed {
			style = s.Fail
		}
		labels = append(labels, style.Render("Last Run "+friendlyLabel(string(node.LastRun.Status))))
	}
	return fmt.Sprintf("  %s · [%s]", name, strings.Join(labels, ", "))
}

func renderModuleDetails(s Styles, node engine.ModuleStatus) string {
	var details []string
	if len(node.BlockedBy) > 0 {
		details = append(details, fmt.Sprintf("Blocked by: %s", strings.Join(node.BlockedBy, ", ")))
	}
	if node.Error != "" {
		details = append(details, "error: "+node.Error)
	}
	if run := node.LastRun; run != nil {
		if run.Error != "" {
			details = append(details, "error: "+run.Error)
		} else if run.Message != "" {
			details = append(details, run.Message)
		}
		if d := run.Duration(); d > 0 {
			details = append(details, "took "+d.Round(time.Millisecond).String())
		}
	}
	if len(details) == 0 {
		return ""
	}
	return s.Detail.Render("    " + strings.Join(details, "\n    "))
}

func labelStyleForState(s Styles, state resolver.NodeState) lipgloss.Style {
	switch state {
	case resolver.NodeStateComplete:
		return s.OK
	case resolver.NodeStateReady:
		return s.Running
	case resolver.NodeStateBlocked, resolver.NodeStatePending:
		return s.Warn
	case resolver.NodeStateError:
		return s.Fail
	default:
		return s.Default
	}
}
