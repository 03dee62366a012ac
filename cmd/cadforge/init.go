package main

import (
	"github.com/spf13/cobra"

	"github.com/kingrea/cadforge/internal/tui"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create .cadforge/ with a default config.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// The directory itself is created for every command in setup.
			plain := tui.NewPlain(a.out)
			plain.OK("Initialized %s", a.cfg.StateDir)
			plain.Info("Edit %s to point inference.python and export.python at your environments", a.cfg.ProjectConfigPath())
			return nil
		},
	}
}
