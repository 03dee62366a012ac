package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/cadforge/internal/artifact"
	"github.com/kingrea/cadforge/internal/module"
	"github.com/kingrea/cadforge/internal/modules/runtime"
	"github.com/kingrea/cadforge/internal/pipeline"
	"github.com/kingrea/cadforge/internal/tui"
)

// Built-in workflow ids behind run, infer and export.
const (
	workflowImageToStep     = "image-to-step"
	workflowImageToCadQuery = "image-to-cadquery"
	workflowCadQueryToStep  = "cadquery-to-step"
)

type runOptions struct {
	image    string
	model    string
	name     string
	backend  string
	workflow string
	force    bool
	tui      bool
	sets     []string
	skip     []string
	parallel int
}

func (o *runOptions) request() (pipeline.Request, error) {
	overrides, err := parseSets(o.sets)
	if err != nil {
		return pipeline.Request{}, err
	}
	if model := strings.TrimSpace(o.model); model != "" {
		overrides[runtime.KeyModel] = model
	}
	if backend := strings.TrimSpace(o.backend); backend != "" {
		overrides[runtime.KeyBackend] = backend
	}
	// Image paths on the command line are relative to the shell, not --project.
	image := strings.TrimSpace(o.image)
	if image != "" {
		if image, err = filepath.Abs(image); err != nil {
			return pipeline.Request{}, err
		}
	}
	if len(overrides) == 0 {
		overrides = nil
	}
	return pipeline.Request{
		Name:        strings.TrimSpace(o.name),
		WorkflowID:  strings.TrimSpace(o.workflow),
		ImagePath:   image,
		Overrides:   overrides,
		Skip:        o.skip,
		Force:       o.force,
		MaxParallel: o.parallel,
	}, nil
}

func addInferenceFlags(cmd *cobra.Command, opts *runOptions, defaultWorkflow string) {
	flags := cmd.Flags()
	flags.StringVarP(&opts.image, "image", "i", "", "Path to the input image (required)")
	flags.StringVarP(&opts.model, "model", "m", "", "Model path or id passed to the vision backend")
	flags.StringVarP(&opts.name, "name", "n", "", "Run name and output file stem (required)")
	flags.StringVarP(&opts.name, "output", "o", "", "Alias for --name")
	flags.StringVar(&opts.backend, "backend", "", "Vision backend (llava or gemini)")
	flags.StringVarP(&opts.workflow, "workflow", "w", defaultWorkflow, "Workflow to run")
	addCommonFlags(cmd, opts)
	_ = cmd.MarkFlagRequired("image")
}

func addCommonFlags(cmd *cobra.Command, opts *runOptions) {
	flags := cmd.Flags()
	flags.BoolVarP(&opts.force, "force", "f", false, "Regenerate every output even if it is fresh")
	flags.BoolVar(&opts.tui, "tui", false, "Show live progress")
	flags.StringArrayVar(&opts.sets, "set", nil, "Module config override key=value (repeatable)")
	flags.StringSliceVar(&opts.skip, "skip", nil, "Module instance ids that must not run")
	flags.IntVar(&opts.parallel, "max-parallel", 0, "Cap concurrently running modules")
}

func newRunCmd(a *app) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Image to CadQuery code to STEP in one go",
		Example: `  cadforge run --image flange.png --name flange
  cadforge run -i flange.png -n flange --model CADCODER/CAD-Coder --set result_var=part`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireName(opts); err != nil {
				return err
			}
			_, err := a.runPipeline(cmd, opts)
			return err
		},
	}
	addInferenceFlags(cmd, opts, workflowImageToStep)
	return cmd
}

func newInferCmd(a *app) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "infer",
		Short: "Image to CadQuery code only",
		Long: `Runs the vision model and saves <name>.py without exporting it. Use this when
the model and CadQuery live in different Python environments, then run
"cadforge export --name <name>" where CadQuery is installed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireName(opts); err != nil {
				return err
			}
			if _, err := a.runPipeline(cmd, opts); err != nil {
				return err
			}
			tui.NewPlain(a.out).Info("Conversion to STEP must be run in the export environment")
			return nil
		},
	}
	addInferenceFlags(cmd, opts, workflowImageToCadQuery)
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	opts := &runOptions{workflow: workflowCadQueryToStep}
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export <name>.py to <name>.step",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireName(opts); err != nil {
				return err
			}
			_, err := a.runPipeline(cmd, opts)
			return err
		},
	}
	cmd.Flags().StringVarP(&opts.name, "name", "n", "", "Run name; exports <name>.py (required)")
	addCommonFlags(cmd, opts)
	return cmd
}

func requireName(opts *runOptions) error {
	if strings.TrimSpace(opts.name) == "" {
		return fmt.Errorf(`required flag "name" not set`)
	}
	return nil
}

// runPipeline runs one request with plain or live output and reports
// up-to-date runs, which print nothing per module.
func (a *app) runPipeline(cmd *cobra.Command, opts *runOptions) (pipeline.Summary, error) {
	req, err := opts.request()
	if err != nil {
		return pipeline.Summary{}, err
	}
	plain := tui.NewPlain(a.out)
	plain.Verbose = a.verbose

	var summary pipeline.Summary
	if opts.tui {
		title := fmt.Sprintf("%s · %s", req.Name, opts.workflow)
		summary, err = tui.RunProgress(cmd.Context(), a.out, title, func(observer pipeline.Observer) (pipeline.Summary, error) {
			p, err := a.pipeline(observer)
			if err != nil {
				return pipeline.Summary{}, err
			}
			return p.Run(cmd.Context(), req)
		})
		return summary, err
	}
	p, err := a.pipeline(plain)
	if err != nil {
		return pipeline.Summary{}, err
	}
	summary, err = p.Run(cmd.Context(), req)
	if err != nil {
		return summary, err
	}
	if summary.UpToDate() {
		for _, id := range []string{artifact.StepFile.ID, artifact.CadQueryCode.ID} {
			if path, ok := summary.Output(id); ok {
				plain.OK("%s is up to date: %s", summary.Name, path)
				break
			}
		}
	}
	return summary, nil
}

// parseSets turns repeated key=value flags into module config.
func parseSets(values []string) (module.Config, error) {
	cfg := module.Config{}
	for _, value := range values {
		key, val, ok := strings.Cut(value, "=")
		key = strings.TrimSpace(key)
		if !ok {
			return nil, fmt.Errorf("--set expects key=value, got %q", value)
		}
		if key == "" {
			return nil, fmt.Errorf("--set key is empty in %q", value)
		}
		cfg[key] = val
	}
	return cfg, nil
}
