package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/cadforge/internal/tui"
	"github.com/kingrea/cadforge/internal/workflow"
)

func newWorkflowsCmd(a *app) *cobra.Command {
	var setDefault string
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "List workflows or change the default one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := a.catalog()
			if err != nil {
				return err
			}
			if id := strings.TrimSpace(setDefault); id != "" {
				if _, err := catalog.Lookup(id); err != nil {
					return err
				}
				if err := a.cfg.SetDefaultWorkflow(id); err != nil {
					return err
				}
				tui.NewPlain(a.out).OK("Default workflow set to %s", id)
				return nil
			}
			current := a.cfg.DefaultWorkflow()
			for _, entry := range catalog.Entries() {
				mark := " "
				if entry.ID == current {
					mark = "*"
				}
				source := entry.Source
				if source != workflow.SourceBuiltin {
					source = relativeTo(a.cfg.ProjectDir, source)
				}
				fmt.Fprintf(a.out, "%s %-20s %-28s %s\n", mark, entry.ID, entry.Name, source)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&setDefault, "set-default", "", "Persist a new default workflow id")
	return cmd
}
