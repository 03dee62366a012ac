// Command module-runner executes one registered module against a named run,
// outside the pipeline. It is meant for debugging modules and plugins.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/cadforge/internal/config"
	"github.com/kingrea/cadforge/internal/logbook"
	"github.com/kingrea/cadforge/internal/logging"
	"github.com/kingrea/cadforge/internal/module"
	"github.com/kingrea/cadforge/internal/modules"
	"github.com/kingrea/cadforge/internal/workflow"
	"github.com/kingrea/cadforge/plugins"
)

type options struct {
	moduleID   string
	name       string
	image      string
	project    string
	configFile string
	sets       []string
	force      bool
	verbose    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cmd := newCommand(os.Stdout, os.Stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand(out, errOut io.Writer) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "module-runner --module <id> --name <run>",
		Short:         "Run a single cadforge module for one run",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModule(cmd.Context(), out, errOut, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.moduleID, "module", "", "Module identifier to execute (e.g. extract-code)")
	flags.StringVarP(&opts.name, "name", "n", "", "Run name")
	flags.StringVarP(&opts.image, "image", "i", "", "Source image, for modules that stage it")
	flags.StringVarP(&opts.project, "project", "p", "", "Project directory (default: current directory)")
	flags.StringVar(&opts.configFile, "config-file", "", "YAML or JSON file with module config overrides")
	flags.StringArrayVar(&opts.sets, "set", nil, "Module config override key=value (repeatable)")
	flags.BoolVarP(&opts.force, "force", "f", false, "Run even if the module reports complete")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Debug logging")
	_ = cmd.MarkFlagRequired("module")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func runModule(ctx context.Context, out, errOut io.Writer, opts *options) error {
	project := opts.project
	if strings.TrimSpace(project) == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("determine working directory: %w", err)
		}
		project = cwd
	}
	abs, err := filepath.Abs(project)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}
	if err := config.InitProjectDir(abs); err != nil {
		return fmt.Errorf("init %s: %w", config.ProjectDirName, err)
	}
	cfg, err := config.NewConfig(abs)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level := cfg.Project.Logging.Level
	if opts.verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Options{Level: level, JSON: cfg.Project.Logging.JSON, LogsDir: cfg.LogsDir(), Console: errOut})
	if err != nil {
		return err
	}
	defer logger.Close()
	lb, err := logbook.New(filepath.Join(cfg.LogsDir(), logbook.FileName))
	if err != nil {
		return fmt.Errorf("open logbook: %w", err)
	}

	if err := workflow.ValidateRunName(opts.name); err != nil {
		return err
	}
	spec := module.RunSpec{Name: opts.name}
	wf := workflow.ForConfig(cfg, opts.name)
	if info, err := workflow.LoadRunInfo(wf); err == nil {
		spec.WorkflowID = info.WorkflowID
		spec.ImagePath = info.Image
		wf = wf.WithImage(info.ImageName)
	} else if !errors.Is(err, workflow.ErrRunNotFound) {
		return err
	}
	if image := strings.TrimSpace(opts.image); image != "" {
		if image, err = filepath.Abs(image); err != nil {
			return err
		}
		spec.ImagePath = image
		wf = wf.WithImage(filepath.Base(image))
	}
	if err := wf.Initialize(); err != nil {
		return fmt.Errorf("prepare run %s: %w", opts.name, err)
	}

	reg := module.NewRegistry()
	modules.RegisterBuiltins(reg)
	if _, err := plugins.RegisterPlugins(reg, cfg); err != nil {
		return fmt.Errorf("load plugins: %w", err)
	}
	overrides, err := buildModuleConfig(opts.configFile, opts.sets)
	if err != nil {
		return fmt.Errorf("load config overrides: %w", err)
	}
	mod, err := reg.Resolve(opts.moduleID, overrides)
	if err != nil {
		return fmt.Errorf("resolve module: %w", err)
	}
	label := moduleLabel(mod.Info(), opts.moduleID)
	mc := module.NewContext(cfg, wf, lb, spec, module.WithLogger(logger.Named("module-runner"))).Named(mod.Info().ID)

	if !opts.force {
		complete, err := mod.IsComplete(mc)
		if err != nil {
			return fmt.Errorf("check completion: %w", err)
		}
		if complete {
			fmt.Fprintf(out, "%s is already complete for %s (use --force to rerun)\n", label, opts.name)
			return nil
		}
	}
	logger.Info("running module", zap.String("module", mod.Info().ID), zap.String("run", opts.name))
	result, err := mod.Run(ctx, mc)
	fmt.Fprintf(out, "Run status: %s\n", result.Status)
	if result.Message != "" {
		fmt.Fprintln(out, result.Message)
	}
	if err != nil {
		return fmt.Errorf("run %s: %w", label, err)
	}
	return nil
}

func buildModuleConfig(configFile string, sets []string) (module.Config, error) {
	var cfg module.Config
	if path := strings.TrimSpace(configFile); path != "" {
		fileCfg, err := readModuleConfigFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}
	for _, value := range sets {
		key, val, ok := strings.Cut(value, "=")
		key = strings.TrimSpace(key)
		if !ok {
			return nil, fmt.Errorf("expected key=value, got %q", value)
		}
		if key == "" {
			return nil, fmt.Errorf("override key is empty in %q", value)
		}
		if cfg == nil {
			cfg = module.Config{}
		}
		cfg[key] = val
	}
	if len(cfg) == 0 {
		return nil, nil
	}
	return cfg, nil
}

func moduleLabel(info module.Info, fallback string) string {
	if name := strings.TrimSpace(info.Name); name != "" {
		return name
	}
	if id := strings.TrimSpace(info.ID); id != "" {
		return id
	}
	return strings.TrimSpace(fallback)
}

func readModuleConfigFile(path string) (module.Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open config file %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory, expected a file", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("config file %s is empty", path)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return module.Config(raw), nil
}
