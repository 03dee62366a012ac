// Package pipeline drives a workflow run end to end: it binds the run's
// paths, starts the engine and keeps claiming and executing runnable modules
// until the engine reports the run complete or failed.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/cadforge/internal/artifact"
	"github.com/kingrea/cadforge/internal/config"
	"github.com/kingrea/cadforge/internal/logbook"
	"github.com/kingrea/cadforge/internal/module"
	"github.com/kingrea/cadforge/internal/runner"
	"github.com/kingrea/cadforge/internal/vision"
	"github.com/kingrea/cadforge/internal/workflow"
	"github.com/kingrea/cadforge/internal/workflow/engine"
	"github.com/kingrea/cadforge/internal/workflow/resolver"
	"github.com/kingrea/cadforge/internal/workflow/scheduler"
)

var (
	// ErrNoOutputs is returned when a module reports success but its outputs
	// are still not fresh afterwards.
	ErrNoOutputs = errors.New("pipeline: module did not produce its outputs")
	// ErrBlocked is returned when no module can make progress.
	ErrBlocked = errors.New("pipeline: run is blocked")
)

// Request describes one pipeline invocation.
type Request struct {
	// Name is the run name and the stem of every output file. Defaults to the
	// sanitized image file stem.
	Name string
	// WorkflowID defaults to the project's default workflow.
	WorkflowID string
	// ImagePath is the source image. Optional for workflows that do not stage one.
	ImagePath string
	// Overrides are layered over every module's workflow config.
	Overrides module.Config
	// Skip lists module instance ids that must not run.
	Skip []string
	// Force drops recorded provenance so every module runs again.
	Force bool
	// MaxParallel caps concurrently running modules. Zero uses the workflow setting.
	MaxParallel int
}

// ModuleOutcome records one module execution.
type ModuleOutcome struct {
	ID       string
	ModuleID string
	Name     string
	Status   module.Status
	Message  string
	Err      error
	Elapsed  time.Duration
}

// Summary describes a finished run.
type Summary struct {
	Name       string
	WorkflowID string
	RunID      string
	Status     engine.EngineStatus
	Modules    []ModuleOutcome
	// Outputs maps artifact ids to paths for every output that exists on disk.
	Outputs map[string]string
	Elapsed time.Duration
}

// Output returns the path of an output artifact produced or kept by the run.
func (s Summary) Output(id string) (string, bool) {
	path, ok := s.Outputs[id]
	return path, ok
}

// UpToDate reports whether the run finished without executing anything.
func (s Summary) UpToDate() bool {
	return s.Status == engine.EngineStatusComplete && len(s.Modules) == 0
}

// Pipeline runs workflows from a catalog with modules from a registry.
type Pipeline struct {
	cfg      *config.Config
	registry *module.Registry
	catalog  *workflow.Catalog
	logger   *zap.Logger
	logbook  *logbook.Logbook
	executor runner.Executor
	backends vision.Factory
	vision   []vision.FactoryOption
	observer Observer
	clock    func() time.Time
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithLogbook sets the run journal.
func WithLogbook(lb *logbook.Logbook) Option {
	return func(p *Pipeline) {
		p.logbook = lb
	}
}

// WithExecutor replaces the subprocess executor handed to modules.
func WithExecutor(exec runner.Executor) Option {
	return func(p *Pipeline) {
		p.executor = exec
	}
}

// WithBackends replaces the vision backend factory handed to modules.
func WithBackends(factory vision.Factory) Option {
	return func(p *Pipeline) {
		p.backends = factory
	}
}

// WithVisionOptions tunes the default backend factory. It has no effect
// together with WithBackends.
func WithVisionOptions(opts ...vision.FactoryOption) Option {
	return func(p *Pipeline) {
		p.vision = append(p.vision, opts...)
	}
}

// WithObserver receives run events.
func WithObserver(observer Observer) Option {
	return func(p *Pipeline) {
		if observer != nil {
			p.observer = observer
		}
	}
}

// WithClock injects a deterministic clock.
func WithClock(clock func() time.Time) Option {
	return func(p *Pipeline) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// New builds a pipeline.
func New(cfg *config.Config, registry *module.Registry, catalog *workflow.Catalog, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pipeline: config is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("pipeline: module registry is required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("pipeline: workflow catalog is required")
	}
	p := &Pipeline{
		cfg:      cfg,
		registry: registry,
		catalog:  catalog,
		logger:   zap.NewNop(),
		observer: nopObserver{},
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.executor == nil {
		p.executor = runner.NewLocal(runner.WithLogger(p.logger))
	}
	// Every run shares this factory and with it the gemini rate limiters.
	if p.backends == nil {
		p.backends = vision.NewFactory(p.executor, p.logger, p.vision...)
	}
	return p, nil
}

// Run executes req and returns once the engine reports the run complete,
// a module fails, or ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context, req Request) (Summary, error) {
	started := p.clock()
	def, err := p.catalog.Lookup(p.workflowID(req))
	if err != nil {
		return Summary{}, fmt.Errorf("pipeline: %w", err)
	}
	name, imagePath, err := p.resolveInputs(req)
	if err != nil {
		return Summary{}, err
	}
	wf := workflow.ForConfig(p.cfg, name)
	info := workflow.RunInfo{
		Name:       name,
		WorkflowID: def.ID,
		Image:      imagePath,
		Backend:    p.overrideOr(req.Overrides, "backend", p.cfg.Project.Inference.Backend),
		StartedAt:  started,
	}
	if imagePath == "" {
		// Export-only runs keep the image recorded by an earlier inference run.
		if previous, err := workflow.LoadRunInfo(wf); err == nil {
			info.Image = previous.Image
			info.ImageName = previous.ImageName
		}
	}
	if err := checkRequires(def, wf, info); err != nil {
		return Summary{}, err
	}
	info.Model = p.modelFor(req.Overrides, info.Backend)
	if info.ImageName == "" && info.Image != "" {
		info.ImageName = filepath.Base(info.Image)
	}
	wf = wf.WithImage(info.ImageName)
	if err := workflow.SaveRunInfo(wf, info); err != nil {
		return Summary{}, fmt.Errorf("pipeline: save run info: %w", err)
	}

	logger := p.logger.With(zap.String("run", name), zap.String("workflow", def.ID))
	mc := module.NewContext(p.cfg, wf, p.logbook, module.RunSpec{
		Name:       name,
		WorkflowID: def.ID,
		ImagePath:  imagePath,
	}, module.WithLogger(logger), module.WithExecutor(p.executor), module.WithBackends(p.backends)).
		WithArtifacts(artifact.NewStore(wf, artifact.WithClock(p.clock)))

	if req.Force {
		if err := p.forget(mc, def); err != nil {
			return Summary{}, err
		}
	}

	inv := newInvalidationLog(logger, p.logbook, p.observer, name)
	eng, err := engine.New(p.registry, engine.NewRepository(wf),
		engine.WithClock(p.clock),
		engine.WithInvalidationObserver(inv.observe),
	)
	if err != nil {
		return Summary{}, err
	}
	state, err := p.startOrResume(mc, eng, def, req)
	if err != nil {
		return Summary{}, fmt.Errorf("pipeline: start %s: %w", def.ID, err)
	}
	run := &execution{
		pipeline: p,
		engine:   eng,
		mc:       mc,
		logger:   logger,
		limit:    effectiveLimit(req.MaxParallel, state.Runtime.MaxParallel),
		done:     map[string]bool{},
		summary: Summary{
			Name:       name,
			WorkflowID: def.ID,
			RunID:      state.RunID,
		},
	}
	inv.setRunID(state.RunID)
	logger.Info("run started", zap.String("run_id", state.RunID), zap.String("image", imagePath))
	p.logbook.Info("Run %s started (%s)", name, def.ID)
	p.emit(Event{Kind: EventRunStarted, Run: name, WorkflowID: def.ID, RunID: state.RunID, Nodes: nodeInfos(state), Time: p.clock()})

	runErr := run.loop(ctx, state)
	summary := run.summary
	summary.Outputs = existingOutputs(wf, run.state)
	summary.Elapsed = p.clock().Sub(started)
	summary.Status = run.state.Status
	if runErr != nil {
		summary.Status = engine.EngineStatusError
		logger.Error("run failed", zap.Error(runErr))
		p.logbook.Error("Run %s failed: %v", name, runErr)
	} else {
		logger.Info("run finished", zap.Duration("elapsed", summary.Elapsed), zap.Int("modules", len(summary.Modules)))
		p.logbook.Info("Run %s finished in %s", name, summary.Elapsed.Round(time.Millisecond))
	}
	p.emit(Event{
		Kind:       EventRunFinished,
		Run:        name,
		WorkflowID: def.ID,
		RunID:      summary.RunID,
		Err:        runErr,
		Elapsed:    summary.Elapsed,
		Message:    string(summary.Status),
		Time:       p.clock(),
	})
	return summary, runErr
}

func (p *Pipeline) workflowID(req Request) string {
	if id := strings.TrimSpace(req.WorkflowID); id != "" {
		return id
	}
	return p.cfg.DefaultWorkflow()
}

// resolveInputs returns the run name and the absolute image path.
func (p *Pipeline) resolveInputs(req Request) (string, string, error) {
	imagePath := strings.TrimSpace(req.ImagePath)
	if imagePath != "" {
		if !filepath.IsAbs(imagePath) {
			imagePath = filepath.Join(p.cfg.ProjectDir, imagePath)
		}
		info, err := os.Stat(imagePath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", "", fmt.Errorf("pipeline: image not found: %w", err)
			}
			return "", "", fmt.Errorf("pipeline: image: %w", err)
		}
		if info.IsDir() {
			return "", "", fmt.Errorf("pipeline: image not found: %w", &fs.PathError{Op: "open", Path: imagePath, Err: fmt.Errorf("is a directory: %w", fs.ErrNotExist)})
		}
	}
	name := strings.TrimSpace(req.Name)
	if name == "" && imagePath != "" {
		name = workflow.SanitizeRunName(strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath)))
	}
	if name == "" {
		return "", "", fmt.Errorf("pipeline: run name is required")
	}
	if err := workflow.ValidateRunName(name); err != nil {
		return "", "", err
	}
	return name, imagePath, nil
}

// checkRequires fails fast when the workflow needs an input the run lacks,
// before run info is written or any module starts.
func checkRequires(def workflow.WorkflowDefinition, wf *workflow.Workflow, info workflow.RunInfo) error {
	if def.Needs(workflow.InputImage) && info.Image == "" {
		return fmt.Errorf("pipeline: workflow %s needs an image", def.ID)
	}
	if def.Needs(workflow.InputCode) {
		if _, err := os.Stat(wf.CodePath()); err != nil {
			return fmt.Errorf("pipeline: no CadQuery code for %s: %w", wf.Name(), err)
		}
	}
	return nil
}

func (p *Pipeline) overrideOr(overrides module.Config, key, fallback string) string {
	if value, ok := overrides.String(key); ok {
		return strings.ToLower(value)
	}
	return fallback
}

func (p *Pipeline) modelFor(overrides module.Config, backend string) string {
	if value, ok := overrides.String("model"); ok {
		return value
	}
	if backend == config.BackendGemini {
		return p.cfg.Project.Inference.Gemini.Model
	}
	return p.cfg.Project.Inference.Model
}

// forget drops the manifest entries of every output the workflow produces.
func (p *Pipeline) forget(mc *module.ModuleContext, def workflow.WorkflowDefinition) error {
	var ids []string
	for _, ref := range def.Modules {
		mod, err := p.registry.Resolve(ref.ModuleID, module.Config(ref.Config))
		if err != nil {
			return fmt.Errorf("pipeline: resolve %s: %w", ref.InstanceID(), err)
		}
		for _, out := range mod.Outputs() {
			ids = append(ids, out.ID)
		}
	}
	if err := mc.Artifacts.Forget(ids...); err != nil {
		return fmt.Errorf("pipeline: forget provenance: %w", err)
	}
	mc.Log().Info("forced rerun", zap.Strings("artifacts", ids))
	return nil
}

func (p *Pipeline) emit(e Event) {
	p.observer.Observe(e)
}

// startOrResume continues the run's previous engine state, keeping its run id
// and module history, when that state came from the same workflow definition
// and did not end in failure. Everything else starts fresh.
func (p *Pipeline) startOrResume(mc *module.ModuleContext, eng *engine.Engine, def workflow.WorkflowDefinition, req Request) (engine.State, error) {
	if !req.Force {
		prev, err := eng.View()
		if err == nil && prev.Status != engine.EngineStatusError && sameDefinition(prev.Definition, def) {
			p.logger.Debug("resuming engine state", zap.String("run_id", prev.RunID))
			return eng.Resume(mc, engine.ResumeRequest{Runtime: resumeOverrides(req)})
		}
	}
	return eng.Start(mc, engine.StartRequest{Definition: def, Runtime: runtimeOverrides(req)})
}

func sameDefinition(stored, current workflow.WorkflowDefinition) bool {
	normalized, err := current.Normalized()
	if err != nil {
		return false
	}
	a, errA := json.Marshal(stored)
	b, errB := json.Marshal(normalized)
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// resumeOverrides replaces every runtime setting of the stored state, so
// skips, overrides and in-flight claims from an earlier invocation are gone.
func resumeOverrides(req Request) *engine.RuntimeOverrides {
	overrides := runtimeOverrides(req)
	var (
		none  []string
		limit int
		batch int
		bare  map[string]any
	)
	overrides.Targets = &none
	overrides.Running = &none
	overrides.BatchSize = &batch
	if overrides.Skip == nil {
		overrides.Skip = &none
	}
	if overrides.MaxParallel == nil {
		overrides.MaxParallel = &limit
	}
	if overrides.Overrides == nil {
		overrides.Overrides = &bare
	}
	return overrides
}

func runtimeOverrides(req Request) *engine.RuntimeOverrides {
	overrides := &engine.RuntimeOverrides{}
	if len(req.Overrides) > 0 {
		values := map[string]any(req.Overrides.Merge(nil))
		overrides.Overrides = &values
	}
	if len(req.Skip) > 0 {
		skip := append([]string(nil), req.Skip...)
		overrides.Skip = &skip
	}
	if req.MaxParallel > 0 {
		limit := req.MaxParallel
		overrides.MaxParallel = &limit
	}
	return overrides
}

func effectiveLimit(requested, runtime int) int {
	if requested > 0 {
		return requested
	}
	if runtime > 0 {
		return runtime
	}
	return 1
}

func nodeInfos(state engine.State) []NodeInfo {
	out := make([]NodeInfo, 0, len(state.Nodes))
	for _, node := range state.Nodes {
		out = append(out, NodeInfo{
			ID:       node.ID,
			ModuleID: node.ModuleID,
			Name:     node.Name,
			Fresh:    node.State == resolver.NodeStateComplete,
		})
	}
	return out
}

func existingOutputs(wf *workflow.Workflow, state engine.State) map[string]string {
	out := map[string]string{}
	for _, node := range state.Nodes {
		for id := range node.Artifacts {
			ref, ok := artifact.Lookup(id)
			if !ok {
				continue
			}
			path := ref.Path(wf)
			if path == "" {
				continue
			}
			if _, err := os.Stat(path); err == nil {
				out[id] = path
			}
		}
	}
	return out
}

// execution holds the mutable state of one Run call.
type execution struct {
	pipeline *Pipeline
	engine   *engine.Engine
	mc       *module.ModuleContext
	logger   *zap.Logger
	limit    int
	state    engine.State
	done     map[string]bool
	summary  Summary
}

func (x *execution) loop(ctx context.Context, state engine.State) error {
	x.state = state
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
		switch x.state.Status {
		case engine.EngineStatusComplete:
			return nil
		case engine.EngineStatusError:
			return stateError(x.state)
		case engine.EngineStatusBlocked:
			return fmt.Errorf("%w: %s", ErrBlocked, blockedReason(x.state))
		}
		claimed, err := x.engine.Claim(x.mc, engine.ClaimRequest{Limit: x.limit})
		if err != nil {
			return fmt.Errorf("pipeline: claim modules: %w", err)
		}
		x.state = claimed.State
		if len(claimed.Claims) == 0 {
			if onlySkippedRemain(x.state) {
				x.logger.Info("stopping with skipped modules", zap.Strings("skip", x.state.Runtime.Skip))
				return nil
			}
			if x.state.Status == engine.EngineStatusRunning {
				return fmt.Errorf("%w: %s", ErrBlocked, blockedReason(x.state))
			}
			continue
		}
		for _, claim := range claimed.Claims {
			if x.done[claim.ID] {
				err := fmt.Errorf("%w: %s", ErrNoOutputs, claim.ID)
				x.release(claimed.Claims, err)
				return err
			}
		}
		updates := x.runBatch(ctx, claimed.Claims)
		updated, err := x.engine.Update(x.mc, engine.UpdateRequest{Results: updates})
		if err != nil {
			return fmt.Errorf("pipeline: update engine: %w", err)
		}
		x.state = updated
		for _, update := range updates {
			if update.Err != nil {
				return update.Err
			}
		}
	}
}

// release reports claims that will never run so the persisted state does not
// keep them marked as running.
func (x *execution) release(claims []engine.WorkClaim, cause error) {
	updates := make([]engine.ModuleStatusUpdate, 0, len(claims))
	for _, claim := range claims {
		result, err := module.Failed(cause)
		updates = append(updates, engine.ModuleStatusUpdate{ID: claim.ID, Result: result, Err: err, FinishedAt: x.pipeline.clock()})
	}
	if state, err := x.engine.Update(x.mc, engine.UpdateRequest{Results: updates}); err == nil {
		x.state = state
	}
}

func (x *execution) runBatch(ctx context.Context, claims []engine.WorkClaim) []engine.ModuleStatusUpdate {
	updates := make([]engine.ModuleStatusUpdate, len(claims))
	outcomes := make([]ModuleOutcome, len(claims))
	var g errgroup.Group
	g.SetLimit(x.limit)
	for i, claim := range claims {
		g.Go(func() error {
			updates[i], outcomes[i] = x.runModule(ctx, claim)
			return nil
		})
	}
	_ = g.Wait()
	for i, update := range updates {
		if update.Err == nil {
			x.done[update.ID] = true
		}
		x.summary.Modules = append(x.summary.Modules, outcomes[i])
	}
	return updates
}

func (x *execution) runModule(ctx context.Context, claim engine.WorkClaim) (engine.ModuleStatusUpdate, ModuleOutcome) {
	p := x.pipeline
	logger := x.logger.With(zap.String("module", claim.ID))
	started := p.clock()
	p.emit(Event{
		Kind:       EventModuleStarted,
		Run:        x.summary.Name,
		WorkflowID: x.summary.WorkflowID,
		RunID:      x.summary.RunID,
		NodeID:     claim.ID,
		ModuleID:   claim.ModuleID,
		Name:       claim.Name,
		Time:       started,
	})
	logger.Debug("module started")

	var (
		result module.Result
		err    error
	)
	if claim.Module == nil {
		result, err = module.Failed(fmt.Errorf("pipeline: module %s was not resolved", claim.ID))
	} else {
		result, err = claim.Module.Run(ctx, x.mc.Named(claim.ModuleID))
	}
	result, err = normalizeResult(claim.ID, result, err)
	elapsed := p.clock().Sub(started)

	outcome := ModuleOutcome{
		ID:       claim.ID,
		ModuleID: claim.ModuleID,
		Name:     claim.Name,
		Status:   result.Status,
		Message:  result.Message,
		Err:      err,
		Elapsed:  elapsed,
	}
	if err != nil {
		logger.Error("module failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		p.logbook.Error("%s failed: %v", claim.Name, err)
	} else {
		logger.Info("module finished", zap.String("status", string(result.Status)), zap.String("message", result.Message), zap.Duration("elapsed", elapsed))
		p.logbook.Info("%s: %s", claim.Name, result.Message)
	}
	p.emit(Event{
		Kind:       EventModuleFinished,
		Run:        x.summary.Name,
		WorkflowID: x.summary.WorkflowID,
		RunID:      x.summary.RunID,
		NodeID:     claim.ID,
		ModuleID:   claim.ModuleID,
		Name:       claim.Name,
		Status:     result.Status,
		Message:    result.Message,
		Err:        err,
		Elapsed:    elapsed,
		Time:       p.clock(),
	})
	return engine.ModuleStatusUpdate{ID: claim.ID, Result: result, Err: err, StartedAt: started, FinishedAt: p.clock()}, outcome
}

// normalizeResult fills in a missing status and turns needs-input into a
// failure, since runs are never interactive.
func normalizeResult(id string, result module.Result, err error) (module.Result, error) {
	if err != nil {
		result.Status = module.StatusFailed
		if result.Message == "" {
			result.Message = err.Error()
		}
		return result, err
	}
	switch result.Status {
	case "":
		result.Status = module.StatusCompleted
	case module.StatusNeedsInput:
		msg := strings.TrimSpace(result.Message)
		if msg == "" {
			msg = "no details"
		}
		return module.Failed(fmt.Errorf("pipeline: %s needs input: %s", id, msg))
	case module.StatusFailed:
		msg := strings.TrimSpace(result.Message)
		if msg == "" {
			msg = "no details"
		}
		return result, fmt.Errorf("pipeline: %s failed: %s", id, msg)
	}
	return result, nil
}

func stateError(state engine.State) error {
	for _, node := range state.Nodes {
		if node.Error != "" {
			return fmt.Errorf("pipeline: %s: %s", node.ID, node.Error)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(state.Runs)) {
		if run := state.Runs[id]; run.Status == module.StatusFailed {
			if run.Error != "" {
				return fmt.Errorf("pipeline: %s: %s", id, run.Error)
			}
			return fmt.Errorf("pipeline: %s failed", id)
		}
	}
	reason := state.StatusReason
	if reason == "" {
		reason = "engine reported an error"
	}
	return fmt.Errorf("pipeline: %s", reason)
}

// onlySkippedRemain reports whether every module that could still run was
// excluded by the caller.
func onlySkippedRemain(state engine.State) bool {
	if len(state.Runtime.Running) > 0 || len(state.Runtime.Skip) == 0 {
		return false
	}
	excluded := false
	for _, node := range state.Nodes {
		if node.State != resolver.NodeStateReady {
			continue
		}
		reason, ok := state.Skipped[node.ID]
		if !ok || reason.Reason != scheduler.SkipReasonExcluded {
			return false
		}
		excluded = true
	}
	return excluded
}

func blockedReason(state engine.State) string {
	var parts []string
	for _, node := range state.Nodes {
		if len(node.BlockedBy) > 0 {
			parts = append(parts, fmt.Sprintf("%s waits on %s", node.ID, strings.Join(node.BlockedBy, ", ")))
		}
	}
	for _, id := range slices.Sorted(maps.Keys(state.Skipped)) {
		parts = append(parts, fmt.Sprintf("%s skipped (%s)", id, state.Skipped[id].Detail))
	}
	if len(parts) == 0 {
		return "no runnable modules"
	}
	return strings.Join(parts, "; ")
}
