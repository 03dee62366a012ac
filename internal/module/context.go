package module

import (
	"go.uber.org/zap"

	"github.com/kingrea/cadforge/internal/artifact"
	"github.com/kingrea/cadforge/internal/config"
	"github.com/kingrea/cadforge/internal/logbook"
	"github.com/kingrea/cadforge/internal/runner"
	"github.com/kingrea/cadforge/internal/vision"
	"github.com/kingrea/cadforge/internal/workflow"
)

// RunSpec identifies the run a module executes for.
type RunSpec struct {
	Name       string
	WorkflowID string
	// ImagePath is the user-supplied source image. Empty for export-only runs.
	ImagePath string
}

// ModuleContext carries shared runtime dependencies into every module.
type ModuleContext struct {
	Config    *config.Config
	Workflow  *workflow.Workflow
	Logbook   *logbook.Logbook
	Artifacts *artifact.Store
	Logger    *zap.Logger
	Executor  runner.Executor
	Backends  vision.Factory
	Run       RunSpec
}

// ContextOption customizes a ModuleContext.
type ContextOption func(*ModuleContext)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) ContextOption {
	return func(mc *ModuleContext) {
		if logger != nil {
			mc.Logger = logger
		}
	}
}

// WithExecutor overrides the subprocess executor.
func WithExecutor(exec runner.Executor) ContextOption {
	return func(mc *ModuleContext) {
		if exec != nil {
			mc.Executor = exec
		}
	}
}

// WithBackends overrides how vision backends are built.
func WithBackends(factory vision.Factory) ContextOption {
	return func(mc *ModuleContext) {
		if factory != nil {
			mc.Backends = factory
		}
	}
}

// NewContext builds a ModuleContext with a fresh artifact store. Unless
// overridden, subprocesses run through runner.Local and backends come from
// vision.NewFactory.
func NewContext(cfg *config.Config, wf *workflow.Workflow, lb *logbook.Logbook, spec RunSpec, opts ...ContextOption) *ModuleContext {
	mc := &ModuleContext{
		Config:    cfg,
		Workflow:  wf,
		Logbook:   lb,
		Artifacts: artifact.NewStore(wf),
		Logger:    zap.NewNop(),
		Executor:  runner.NewLocal(),
		Run:       spec,
	}
	for _, opt := range opts {
		opt(mc)
	}
	if mc.Backends == nil {
		mc.Backends = vision.NewFactory(mc.Executor, mc.Logger)
	}
	return mc
}

// WithArtifacts allows dependency injection of a pre-built store.
func (mc *ModuleContext) WithArtifacts(store *artifact.Store) *ModuleContext {
	clone := *mc
	clone.Artifacts = store
	return &clone
}

// Named returns a copy whose logger is scoped to a module id.
func (mc *ModuleContext) Named(moduleID string) *ModuleContext {
	clone := *mc
	if clone.Logger == nil {
		clone.Logger = zap.NewNop()
	}
	clone.Logger = clone.Logger.With(zap.String("module", moduleID))
	return &clone
}

// Log returns the context logger, or a no-op logger when none is set.
func (mc *ModuleContext) Log() *zap.Logger {
	if mc == nil || mc.Logger == nil {
		return zap.NewNop()
	}
	return mc.Logger
}
