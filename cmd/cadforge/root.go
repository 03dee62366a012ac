package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kingrea/cadforge/internal/config"
	"github.com/kingrea/cadforge/internal/logbook"
	"github.com/kingrea/cadforge/internal/logging"
	"github.com/kingrea/cadforge/internal/module"
	"github.com/kingrea/cadforge/internal/modules"
	"github.com/kingrea/cadforge/internal/pipeline"
	"github.com/kingrea/cadforge/internal/runner"
	"github.com/kingrea/cadforge/internal/vision"
	"github.com/kingrea/cadforge/internal/workflow"
	"github.com/kingrea/cadforge/plugins"
)

// app carries state shared by every command for one invocation.
type app struct {
	out    io.Writer
	errOut io.Writer

	project string
	verbose bool

	cfg     *config.Config
	log     *logging.Logger
	logbook *logbook.Logbook

	// executor and backends replace the real subprocess runner and vision
	// backends in tests.
	executor runner.Executor
	backends vision.Factory
}

func newApp(out, errOut io.Writer) *app {
	return &app{out: out, errOut: errOut, log: logging.Nop()}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "cadforge",
		Short: "Turn part images into CadQuery code and STEP files",
		Long: `cadforge runs a vision-language model on an image of a mechanical part,
saves the CadQuery code it writes and exports the result to STEP.

Runs are incremental: outputs that are still fresh are not regenerated, and a
hand-edited <name>.py is re-exported without running inference again.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	root.PersistentFlags().StringVarP(&a.project, "project", "p", "", "Project directory (default: current directory)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging and print module starts")

	root.AddCommand(
		newInitCmd(a),
		newRunCmd(a),
		newInferCmd(a),
		newExportCmd(a),
		newStatusCmd(a),
		newHistoryCmd(a),
		newShowCmd(a),
		newWatchCmd(a),
		newWorkflowsCmd(a),
		newModulesCmd(a),
	)
	return root
}

// setup initializes the project directory, loads config and builds the logger.
func (a *app) setup() error {
	dir := a.project
	if strings.TrimSpace(dir) == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("determine working directory: %w", err)
		}
		dir = cwd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}
	if err := config.InitProjectDir(abs); err != nil {
		return fmt.Errorf("init %s: %w", config.ProjectDirName, err)
	}
	cfg, err := config.NewConfig(abs)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level := cfg.Project.Logging.Level
	if a.verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Options{
		Level:   level,
		JSON:    cfg.Project.Logging.JSON,
		LogsDir: cfg.LogsDir(),
		Console: a.errOut,
	})
	if err != nil {
		return err
	}
	a.log = logger
	lb, err := logbook.New(filepath.Join(cfg.LogsDir(), logbook.FileName))
	if err != nil {
		return fmt.Errorf("open logbook: %w", err)
	}
	a.logbook = lb
	a.log.Debug("config loaded", zap.String("project", cfg.ProjectDir), zap.String("workflow", cfg.DefaultWorkflow()))
	return nil
}

func (a *app) close() {
	_ = a.log.Close()
}

// registry returns the built-in modules plus every project plugin.
func (a *app) registry() (*module.Registry, []plugins.DefinitionFile, error) {
	reg := module.NewRegistry()
	modules.RegisterBuiltins(reg)
	defs, err := plugins.RegisterPlugins(reg, a.cfg)
	if err != nil {
		return nil, nil, err
	}
	return reg, defs, nil
}

func (a *app) catalog() (*workflow.Catalog, error) {
	return workflow.LoadCatalog(a.cfg.WorkflowsDir())
}

func (a *app) pipeline(observer pipeline.Observer) (*pipeline.Pipeline, error) {
	reg, _, err := a.registry()
	if err != nil {
		return nil, err
	}
	catalog, err := a.catalog()
	if err != nil {
		return nil, err
	}
	executor := a.executor
	if executor == nil {
		executor = runner.NewLocal(runner.WithLogger(a.log.Logger))
	}
	opts := []pipeline.Option{
		pipeline.WithLogger(a.log.Logger),
		pipeline.WithLogbook(a.logbook),
		pipeline.WithExecutor(executor),
		pipeline.WithObserver(observer),
	}
	if a.backends != nil {
		opts = append(opts, pipeline.WithBackends(a.backends))
	}
	return pipeline.New(a.cfg, reg, catalog, opts...)
}

// oneLine folds a multi-line error (e.g. a stderr tail) into a single line.
func oneLine(err error) string {
	return strings.Join(strings.Fields(err.Error()), " ")
}
