package engine

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/cadforge/internal/module"
	"github.com/kingrea/cadforge/internal/workflow"
	"github.com/kingrea/cadforge/internal/workflow/resolver"
	"github.com/kingrea/cadforge/internal/workflow/scheduler"
)

var errNoContext = errors.New("workflow engine: module context is required")

// Engine drives one run's state through a StateStore.
type Engine struct {
	registry *module.Registry
	repo     StateStore
	clock    func() time.Time
	observer resolver.InvalidationObserver
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithInvalidationObserver receives every output the resolver finds stale.
func WithInvalidationObserver(observer resolver.InvalidationObserver) Option {
	return func(e *Engine) {
		e.observer = observer
	}
}

// New returns an engine resolving modules from registry and persisting to repo.
func New(registry *module.Registry, repo StateStore, opts ...Option) (*Engine, error) {
	switch {
	case registry == nil:
		return nil, errors.New("workflow engine: module registry is required")
	case repo == nil:
		return nil, errors.New("workflow engine: state store is required")
	}
	e := &Engine{registry: registry, repo: repo, clock: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// StartRequest begins a new run of Definition.
type StartRequest struct {
	Definition workflow.WorkflowDefinition
	Runtime    *RuntimeOverrides
}

// ResumeRequest re-evaluates the stored run.
type ResumeRequest struct {
	Runtime *RuntimeOverrides
}

// ModuleStatusUpdate reports the outcome of one claimed node.
type ModuleStatusUpdate struct {
	ID         string
	Result     module.Result
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// UpdateRequest records results and optionally changes the runtime.
type UpdateRequest struct {
	Runtime *RuntimeOverrides
	Results []ModuleStatusUpdate
}

// Start discards any stored state and evaluates req.Definition under a fresh
// run id.
func (e *Engine) Start(mc *module.ModuleContext, req StartRequest) (State, error) {
	if mc == nil {
		return State{}, errNoContext
	}
	def, err := req.Definition.Normalized()
	if err != nil {
		return State{}, err
	}
	state, _, err := e.evaluate(mc, def, EngineRuntime{}.with(req.Runtime), nil)
	if err != nil {
		return State{}, err
	}
	state.RunID = newRunID(def.ID)
	return e.commit(state)
}

// Resume re-evaluates the stored run, for example after files changed on disk.
func (e *Engine) Resume(mc *module.ModuleContext, req ResumeRequest) (State, error) {
	return e.reload(mc, func(current State) (EngineRuntime, map[string]ModuleRun) {
		return current.Runtime.with(req.Runtime), current.Runs
	})
}

// Update records module results, frees their running slots and re-evaluates.
func (e *Engine) Update(mc *module.ModuleContext, req UpdateRequest) (State, error) {
	return e.reload(mc, func(current State) (EngineRuntime, map[string]ModuleRun) {
		rt := current.Runtime.with(req.Runtime)
		rt.Running = releaseRunning(rt.Running, req.Results)
		return rt, recordRuns(current.Runs, req.Results, e.clock)
	})
}

// View returns the stored snapshot as is.
func (e *Engine) View() (State, error) {
	return e.repo.Load()
}

func (e *Engine) reload(mc *module.ModuleContext, next func(State) (EngineRuntime, map[string]ModuleRun)) (State, error) {
	if mc == nil {
		return State{}, errNoContext
	}
	current, err := e.repo.Load()
	if err != nil {
		return State{}, err
	}
	rt, runs := next(current)
	state, _, err := e.evaluate(mc, current.Definition, rt, runs)
	if err != nil {
		return State{}, err
	}
	return e.commit(state.carry(current))
}

func (e *Engine) commit(state State) (State, error) {
	state.UpdatedAt = e.clock()
	if err := e.repo.Save(state); err != nil {
		return State{}, err
	}
	return state, nil
}

// carry keeps the identity of the run that produced prev.
func (s State) carry(prev State) State {
	s.RunID = prev.RunID
	s.WorkflowID = prev.WorkflowID
	return s
}

// evaluate resolves def against disk and computes the next runnable batch.
// The resolver is returned so Claim can hand out the module instances it built.
func (e *Engine) evaluate(mc *module.ModuleContext, def workflow.WorkflowDefinition, rt EngineRuntime, runs map[string]ModuleRun) (State, *resolver.Resolver, error) {
	if rt.MaxParallel <= 0 {
		rt.MaxParallel = def.Runtime.MaxParallel
	}
	res, err := resolver.New(def, e.registry,
		resolver.WithOverrides(module.Config(rt.Overrides)),
		resolver.WithInvalidationObserver(e.observer),
	)
	if err != nil {
		return State{}, nil, err
	}
	if err := res.Refresh(mc); err != nil {
		return State{}, nil, err
	}
	sched, err := scheduler.New(res)
	if err != nil {
		return State{}, nil, err
	}
	batch, err := sched.Runnable(rt.schedulerRequest())
	if err != nil {
		return State{}, nil, err
	}
	nodes := make([]ModuleStatus, 0, len(res.Nodes()))
	for _, node := range res.Nodes() {
		nodes = append(nodes, describe(node, runs))
	}
	rt.Running = pruneRunning(rt.Running, nodes)
	if runs == nil {
		runs = map[string]ModuleRun{}
	}
	state := State{
		WorkflowID: def.ID,
		Definition: def.Clone(),
		Runtime:    rt,
		Nodes:      nodes,
		Skipped:    maps.Clone(batch.Skipped),
		Runs:       maps.Clone(runs),
	}
	for _, node := range batch.Nodes {
		state.Runnable = append(state.Runnable, node.ID)
	}
	state.Status, state.StatusReason = state.phase()
	return state, res, nil
}

func describe(node *resolver.Node, runs map[string]ModuleRun) ModuleStatus {
	info := node.Module.Info()
	status := ModuleStatus{
		ID:           node.ID,
		ModuleID:     node.Ref.ModuleID,
		Name:         displayName(node.Ref, info),
		Description:  node.Ref.Description,
		Optional:     node.Ref.Optional,
		Concurrency:  info.Concurrency,
		State:        node.State,
		Dependencies: slices.Clone(node.Dependencies),
		Dependents:   slices.Clone(node.Dependents),
		BlockedBy:    slices.Clone(node.BlockedBy),
		Error:        errorString(node.Err),
	}
	for id, report := range node.Artifacts {
		if status.Artifacts == nil {
			status.Artifacts = make(map[string]ArtifactStatus, len(node.Artifacts))
		}
		status.Artifacts[id] = ArtifactStatus{
			ID:                  id,
			Status:              report.Status,
			ExpectedFingerprint: report.ExpectedFingerprint,
			StoredFingerprint:   report.StoredFingerprint,
			Error:               errorString(report.Err),
		}
	}
	if run, ok := runs[node.ID]; ok {
		status.LastRun = &run
	}
	return status
}

func displayName(ref workflow.ModuleRef, info module.Info) string {
	for _, name := range []string{ref.Name, info.Name, ref.ModuleID} {
		if name != "" {
			return name
		}
	}
	return ref.InstanceID()
}

// phase derives the run status. Errors win over everything; a run with
// nothing ready and nothing in flight but work left is blocked.
func (s State) phase() (EngineStatus, string) {
	for _, node := range s.Nodes {
		if node.State == resolver.NodeStateError {
			return EngineStatusError, node.ID + " encountered an error"
		}
	}
	for _, id := range slices.Sorted(maps.Keys(s.Runs)) {
		if s.Runs[id].Status == module.StatusFailed {
			return EngineStatusError, id + " failed"
		}
	}
	var ready, waiting bool
	for _, node := range s.Nodes {
		switch node.State {
		case resolver.NodeStateReady:
			ready = true
		case resolver.NodeStatePending, resolver.NodeStateBlocked, resolver.NodeStateUnknown:
			waiting = true
		}
	}
	switch {
	case !ready && !waiting:
		return EngineStatusComplete, ""
	case ready || len(s.Runtime.Running) > 0:
		return EngineStatusRunning, ""
	default:
		return EngineStatusBlocked, ""
	}
}

func recordRuns(existing map[string]ModuleRun, updates []ModuleStatusUpdate, clock func() time.Time) map[string]ModuleRun {
	runs := maps.Clone(existing)
	if runs == nil {
		runs = map[string]ModuleRun{}
	}
	for _, u := range updates {
		if u.ID == "" {
			continue
		}
		finished := u.FinishedAt
		if finished.IsZero() {
			finished = clock()
		}
		runs[u.ID] = ModuleRun{
			Status:     u.Result.Status,
			Message:    u.Result.Message,
			Error:      errorString(u.Err),
			StartedAt:  u.StartedAt,
			FinishedAt: finished,
			Attempts:   existing[u.ID].Attempts + 1,
		}
	}
	return runs
}

func newRunID(workflowID string) string {
	base := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(workflowID), " ", "-"))
	if base == "" {
		base = "workflow"
	}
	return fmt.Sprintf("%s-%s", base, uuid.NewString())
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
