package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newModulesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List registered modules, including project plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, defs, err := a.registry()
			if err != nil {
				return err
			}
			sources := make(map[string]string, len(defs))
			for _, def := range defs {
				sources[def.Definition.ID] = relativeTo(a.cfg.ProjectDir, def.Path)
			}
			for _, id := range reg.IDs() {
				mod, err := reg.Resolve(id, nil)
				if err != nil {
					fmt.Fprintf(a.out, "%-20s (error: %v)\n", id, err)
					continue
				}
				info := mod.Info()
				source, ok := sources[id]
				if !ok {
					source = "builtin"
				}
				fmt.Fprintf(a.out, "%-20s %-8s %-22s %s\n", id, info.Version, info.Name, source)
			}
			return nil
		},
	}
}

func relativeTo(base, path string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return path
	}
	return rel
}
