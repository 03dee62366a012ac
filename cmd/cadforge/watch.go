package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/cadforge/internal/tui"
	"github.com/kingrea/cadforge/internal/watch"
)

func newWatchCmd(a *app) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Convert every image dropped into a directory",
		Long: `Watches <dir> for new or rewritten images and runs each one through the
workflow, one at a time. The run name is the image file stem. A failing
image is reported and the watcher keeps going; stop it with Ctrl-C.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plain := tui.NewPlain(a.out)
			plain.Verbose = a.verbose
			p, err := a.pipeline(plain)
			if err != nil {
				return err
			}
			overrides, err := opts.request()
			if err != nil {
				return err
			}
			processor := watch.ProcessorFunc(func(ctx context.Context, path string) error {
				req := overrides
				req.ImagePath = path
				req.Name = ""
				_, err := p.Run(ctx, req)
				return err
			})
			w, err := watch.New(args[0], a.cfg.Project.Watch, processor,
				watch.WithLogger(a.log.Named("watch")),
				watch.WithLogbook(a.logbook),
			)
			if err != nil {
				return err
			}
			plain.Info("Watching %s for %s (Ctrl-C to stop)", w.Dir(), strings.Join(a.cfg.Project.Watch.Extensions, ", "))
			return w.Run(cmd.Context())
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.model, "model", "m", "", "Model path or id passed to the vision backend")
	flags.StringVar(&opts.backend, "backend", "", "Vision backend (llava or gemini)")
	flags.StringVarP(&opts.workflow, "workflow", "w", workflowImageToStep, "Workflow to run for each image")
	flags.StringArrayVar(&opts.sets, "set", nil, "Module config override key=value (repeatable)")
	return cmd
}
