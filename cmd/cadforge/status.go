package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/cadforge/internal/logbook"
	"github.com/kingrea/cadforge/internal/pipeline"
	"github.com/kingrea/cadforge/internal/tui"
	"github.com/kingrea/cadforge/internal/workflow"
)

func newStatusCmd(a *app) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show module states and outputs for a run",
		Long:  "Without --name, lists the runs recorded in this project.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(name) == "" {
				return a.listRuns()
			}
			report, err := pipeline.LoadStatus(a.cfg, name)
			if err != nil {
				return err
			}
			return tui.WriteStatus(a.out, report)
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "Run name")
	return cmd
}

func (a *app) listRuns() error {
	names, err := workflow.ListRuns(a.cfg.StateDir)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Fprintln(a.out, "No runs yet. Start one with: cadforge run --image <file> --name <name>")
		return nil
	}
	for _, name := range names {
		info, err := workflow.LoadRunInfo(workflow.ForConfig(a.cfg, name))
		if err != nil {
			fmt.Fprintf(a.out, "%-24s (no run info)\n", name)
			continue
		}
		fmt.Fprintf(a.out, "%-24s %-18s %s\n", name, info.WorkflowID, info.StartedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

func newHistoryCmd(a *app) *cobra.Command {
	var (
		lines int
		level string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the tail of the run journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if lines <= 0 {
				return fmt.Errorf("-n must be positive")
			}
			var keep func(logbook.Entry) bool
			if level != "" {
				floor, err := logbook.ParseLevel(level)
				if err != nil {
					return err
				}
				keep = func(e logbook.Entry) bool { return e.Level.AtLeast(floor) }
			}
			tail, total := a.logbook.TailFunc(lines, keep)
			if total == 0 {
				fmt.Fprintln(a.out, "The journal is empty.")
				return nil
			}
			for _, line := range tail {
				fmt.Fprintln(a.out, line)
			}
			if total > len(tail) {
				fmt.Fprintf(a.out, "(%d of %d entries, see %s)\n", len(tail), total, a.logbook.Path())
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 20, "Number of entries to show")
	cmd.Flags().StringVar(&level, "level", "", "Only show entries at or above this level (info, warn, error)")
	return cmd
}

func newShowCmd(a *app) *cobra.Command {
	var (
		name  string
		style string
		raw   bool
	)
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the generated CadQuery code for a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := workflow.ValidateRunName(name); err != nil {
				return err
			}
			path := workflow.ForConfig(a.cfg, name).CodePath()
			code, err := os.ReadFile(path)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("no CadQuery code for %s: %w", name, err)
				}
				return err
			}
			if raw {
				_, err := a.out.Write(code)
				return err
			}
			rendered, err := tui.RenderCode(string(code), tui.PreviewOptions{Style: style, Title: filepath.Base(path)})
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(a.out, rendered)
			return err
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "Run name (required)")
	cmd.Flags().StringVar(&style, "style", "", "glamour style (dark, light, notty, ...)")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the file without highlighting")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
