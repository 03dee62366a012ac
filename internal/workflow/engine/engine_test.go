package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/cadforge/internal/artifact"
	"github.com/kingrea/cadforge/internal/config"
	"github.com/kingrea/cadforge/internal/module"
	"github.com/kingrea/cadforge/internal/workflow"
	"github.com/kingrea/cadforge/internal/workflow/resolver"
	"github.com/kingrea/cadforge/internal/workflow/scheduler"
)

// chain is stage-image -> extract-code -> step-export.
var chain = workflow.WorkflowDefinition{
	ID: "test-workflow",
	Modules: []workflow.ModuleRef{
		{ID: "stage-image", ModuleID: "stage"},
		{ID: "extract-code", ModuleID: "extract", DependsOn: []string{"stage-image"}},
		{ID: "step-export", ModuleID: "export", DependsOn: []string{"extract-code"}},
	},
}

// fanout runs extract-code and thumbnail side by side after stage-image.
var fanout = workflow.WorkflowDefinition{
	ID:      "fanout-workflow",
	Runtime: workflow.WorkflowRuntimeConfig{MaxParallel: 2},
	Modules: []workflow.ModuleRef{
		{ID: "stage-image", ModuleID: "stage"},
		{ID: "extract-code", ModuleID: "extract", DependsOn: []string{"stage-image"}},
		{ID: "thumbnail", ModuleID: "thumb", DependsOn: []string{"stage-image"}},
	},
}

type harness struct {
	eng   *Engine
	repo  *Repository
	mc    *module.ModuleContext
	stubs map[string]*stubModule
}

func newHarness(t *testing.T, def workflow.WorkflowDefinition) *harness {
	t.Helper()
	cfg := config.Default(t.TempDir())
	wf := workflow.ForConfig(cfg, "bracket")
	h := &harness{
		repo:  NewRepository(wf),
		mc:    module.NewContext(cfg, wf, nil, module.RunSpec{Name: "bracket", WorkflowID: def.ID}),
		stubs: map[string]*stubModule{},
	}
	reg := module.NewRegistry()
	for _, ref := range def.Modules {
		stub := &stubModule{info: module.Info{ID: ref.ModuleID, Name: "stub " + ref.ModuleID, Version: "1.0.0"}}
		h.stubs[ref.ModuleID] = stub
		reg.MustRegister(ref.ModuleID, func(module.Config) (module.Module, error) { return stub, nil })
	}
	tick := time.Unix(0, 0)
	eng, err := New(reg, h.repo, WithClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}))
	require.NoError(t, err)
	h.eng = eng
	return h
}

func (h *harness) start(t *testing.T, def workflow.WorkflowDefinition, rt *RuntimeOverrides) State {
	t.Helper()
	state, err := h.eng.Start(h.mc, StartRequest{Definition: def, Runtime: rt})
	require.NoError(t, err)
	return state
}

func (h *harness) report(t *testing.T, updates ...ModuleStatusUpdate) State {
	t.Helper()
	state, err := h.eng.Update(h.mc, UpdateRequest{Results: updates})
	require.NoError(t, err)
	return state
}

func done(id string) ModuleStatusUpdate {
	return ModuleStatusUpdate{ID: id, Result: module.Result{Status: module.StatusCompleted, Message: "ok"}}
}

func failed(id string) ModuleStatusUpdate {
	return ModuleStatusUpdate{ID: id, Result: module.Result{Status: module.StatusFailed}, Err: errors.New("boom")}
}

func TestNewRequiresRegistryAndStore(t *testing.T) {
	_, err := New(nil, &Repository{})
	assert.ErrorContains(t, err, "module registry is required")
	_, err = New(module.NewRegistry(), nil)
	assert.ErrorContains(t, err, "state store is required")
}

func TestStartPersistsState(t *testing.T) {
	h := newHarness(t, chain)
	state := h.start(t, chain, nil)

	assert.Regexp(t, `^test-workflow-[0-9a-f-]{36}$`, state.RunID)
	assert.Equal(t, []string{"stage-image"}, state.Runnable)
	assert.Equal(t, EngineStatusRunning, state.Status)
	assert.Equal(t, time.Unix(1, 0), state.UpdatedAt)

	stored, err := h.repo.Load()
	require.NoError(t, err)
	assert.Equal(t, state.RunID, stored.RunID)
	assert.Equal(t, "stub stage", stored.Nodes[0].Name)
}

func TestStartRejectsModuleContext(t *testing.T) {
	h := newHarness(t, chain)
	_, err := h.eng.Start(nil, StartRequest{Definition: chain})
	assert.ErrorIs(t, err, errNoContext)
	_, err = h.eng.Claim(nil, ClaimRequest{})
	assert.ErrorIs(t, err, errNoContext)
}

func TestResumeWithoutStateFails(t *testing.T) {
	h := newHarness(t, chain)
	_, err := h.eng.Resume(h.mc, ResumeRequest{})
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestResumePicksUpFilesOnDisk(t *testing.T) {
	h := newHarness(t, chain)
	first := h.start(t, chain, nil)
	h.stubs["stage"].complete = true

	state, err := h.eng.Resume(h.mc, ResumeRequest{})
	require.NoError(t, err)
	assert.Equal(t, first.RunID, state.RunID)
	assert.Equal(t, []string{"extract-code"}, state.Runnable)
	stage, ok := state.Node("stage-image")
	require.True(t, ok)
	assert.Equal(t, resolver.NodeStateComplete, stage.State)
	done, total := state.Progress()
	assert.Equal(t, 1, done)
	assert.Equal(t, 3, total)
}

func TestUpdateRecordsRuns(t *testing.T) {
	h := newHarness(t, chain)
	h.stubs["stage"].complete = true
	h.start(t, chain, nil)

	begun := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	update := done("stage-image")
	update.StartedAt = begun
	update.FinishedAt = begun.Add(90 * time.Second)
	state := h.report(t, update)
	run := state.Runs["stage-image"]
	assert.Equal(t, module.StatusCompleted, run.Status)
	assert.Equal(t, "ok", run.Message)
	assert.Equal(t, 90*time.Second, run.Duration())
	assert.Equal(t, 1, run.Attempts)

	state = h.report(t, done("stage-image"))
	run = state.Runs["stage-image"]
	assert.Equal(t, 2, run.Attempts)
	assert.Zero(t, run.Duration(), "no start time reported")
	assert.False(t, run.FinishedAt.IsZero(), "clock fills the finish time")
	node, _ := state.Node("stage-image")
	require.NotNil(t, node.LastRun)
	assert.Equal(t, run, *node.LastRun)
}

func TestUpdateFailureStopsRun(t *testing.T) {
	h := newHarness(t, chain)
	h.stubs["stage"].complete = true
	h.start(t, chain, nil)

	state := h.report(t, failed("extract-code"))
	assert.Equal(t, EngineStatusError, state.Status)
	assert.Equal(t, "extract-code failed", state.StatusReason)
	assert.Equal(t, "boom", state.Runs["extract-code"].Error)
}

func TestCompletionStatus(t *testing.T) {
	h := newHarness(t, chain)
	for _, stub := range h.stubs {
		stub.complete = true
	}
	state := h.start(t, chain, nil)
	assert.Equal(t, EngineStatusComplete, state.Status)
	assert.Empty(t, state.Runnable)
}

func TestEditedOutputIsInvalidated(t *testing.T) {
	h := newHarness(t, chain)
	h.stubs["stage"].complete = true
	h.stubs["stage"].outputs = []artifact.ArtifactRef{artifact.CadQueryCode}
	writeArtifact(t, h.mc, artifact.CadQueryCode, "stage")
	var seen []string
	h.eng.observer = func(nodeID string, ev module.ArtifactInvalidation) {
		seen = append(seen, nodeID+":"+ev.Artifact.ID)
	}
	h.start(t, chain, nil)

	writeArtifact(t, h.mc, artifact.CadQueryCode, "other-module")
	state := h.report(t)
	stage, _ := state.Node("stage-image")
	assert.Equal(t, resolver.NodeStateReady, stage.State)
	assert.Equal(t, module.ArtifactStatusInvalid, stage.Artifacts[artifact.CadQueryCode.ID].Status)
	assert.Contains(t, seen, "stage-image:"+artifact.CadQueryCode.ID)
}

func TestClaimRespectsParallelism(t *testing.T) {
	h := newHarness(t, fanout)
	h.stubs["stage"].complete = true
	h.start(t, fanout, nil)
	one := 1

	first, err := h.eng.Claim(h.mc, ClaimRequest{Runtime: &RuntimeOverrides{MaxParallel: &one}, Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Claims, 1)
	assert.Equal(t, "stub extract", first.Claims[0].Name)
	assert.Same(t, h.stubs["extract"], first.Claims[0].Module)
	assert.Equal(t, []string{first.Claims[0].ID}, first.State.Runtime.Running)

	second, err := h.eng.Claim(h.mc, ClaimRequest{Limit: 1})
	require.NoError(t, err)
	assert.Empty(t, second.Claims, "the only slot is taken")
	assert.Equal(t, EngineStatusRunning, second.State.Status)

	h.report(t, done(first.Claims[0].ID))
	stored, err := h.repo.Load()
	require.NoError(t, err)
	assert.Empty(t, stored.Runtime.Running)

	third, err := h.eng.Claim(h.mc, ClaimRequest{Limit: 1})
	require.NoError(t, err)
	require.Len(t, third.Claims, 1)
	assert.Equal(t, "thumbnail", third.Claims[0].ID)
	h.report(t, failed("thumbnail"))
	stored, err = h.repo.Load()
	require.NoError(t, err)
	assert.Empty(t, stored.Runtime.Running)
	assert.Equal(t, EngineStatusError, stored.Status)
}

func TestClaimRequestedModules(t *testing.T) {
	h := newHarness(t, fanout)
	h.stubs["stage"].complete = true
	h.start(t, fanout, nil)

	claim, err := h.eng.Claim(h.mc, ClaimRequest{Modules: []string{" thumbnail "}, Limit: 2})
	require.NoError(t, err)
	require.Len(t, claim.Claims, 1)
	assert.Equal(t, "thumbnail", claim.Claims[0].ID)
	assert.Equal(t, []string{"extract-code"}, claim.State.Runnable)

	stored, err := h.repo.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"thumbnail"}, stored.Runtime.Running)
	assert.Equal(t, claim.State.RunID, stored.RunID)
}

func TestSkipListHoldsModulesBack(t *testing.T) {
	h := newHarness(t, chain)
	h.stubs["stage"].complete = true
	skip := []string{"extract-code"}
	state := h.start(t, chain, &RuntimeOverrides{Skip: &skip})
	assert.Empty(t, state.Runnable)
	assert.Equal(t, scheduler.SkipReasonExcluded, state.Skipped["extract-code"].Reason)

	none := []string{}
	state, err := h.eng.Update(h.mc, UpdateRequest{Runtime: &RuntimeOverrides{Skip: &none}})
	require.NoError(t, err)
	assert.Equal(t, []string{"extract-code"}, state.Runnable)
}

func TestOverridesReachModuleFactories(t *testing.T) {
	cfg := config.Default(t.TempDir())
	wf := workflow.ForConfig(cfg, "bracket")
	mc := module.NewContext(cfg, wf, nil, module.RunSpec{Name: "bracket", WorkflowID: "single"})
	stub := &stubModule{info: module.Info{ID: "stage", Version: "1.0.0"}}
	var seen []module.Config
	reg := module.NewRegistry()
	reg.MustRegister("stage", func(cfg module.Config) (module.Module, error) {
		seen = append(seen, cfg)
		return stub, nil
	})
	repo := NewRepository(wf)
	eng, err := New(reg, repo)
	require.NoError(t, err)

	def := workflow.WorkflowDefinition{ID: "single", Modules: []workflow.ModuleRef{{ID: "stage-image", ModuleID: "stage"}}}
	overrides := map[string]any{"model": "custom/model"}
	_, err = eng.Start(mc, StartRequest{Definition: def, Runtime: &RuntimeOverrides{Overrides: &overrides}})
	require.NoError(t, err)
	claim, err := eng.Claim(mc, ClaimRequest{})
	require.NoError(t, err)
	require.Len(t, claim.Claims, 1)
	assert.Same(t, stub, claim.Claims[0].Module)

	require.GreaterOrEqual(t, len(seen), 2, "factory runs for start and claim")
	for _, cfg := range seen {
		assert.Equal(t, "custom/model", cfg["model"])
	}
	stored, err := repo.Load()
	require.NoError(t, err)
	assert.Equal(t, "custom/model", stored.Runtime.Overrides["model"])
	assert.Equal(t, "stage", stored.Nodes[0].Name, "falls back to the module id")
}

func TestResumeTargetOverrides(t *testing.T) {
	h := newHarness(t, chain)
	h.stubs["stage"].complete = true
	h.start(t, chain, nil)
	h.stubs["extract"].complete = true

	targets, one := []string{"step-export"}, 1
	state, err := h.eng.Resume(h.mc, ResumeRequest{Runtime: &RuntimeOverrides{
		Targets:     &targets,
		BatchSize:   &one,
		MaxParallel: &one,
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"step-export"}, state.Runnable)
	assert.Equal(t, EngineRuntime{Targets: targets, BatchSize: 1, MaxParallel: 1}, state.Runtime)

	stored, err := h.eng.View()
	require.NoError(t, err)
	assert.Equal(t, targets, stored.Runtime.Targets)
}

func TestWorkflowMaxParallelIsDefault(t *testing.T) {
	h := newHarness(t, fanout)
	state := h.start(t, fanout, nil)
	assert.Equal(t, 2, state.Runtime.MaxParallel)

	three := 3
	state = h.start(t, fanout, &RuntimeOverrides{MaxParallel: &three})
	assert.Equal(t, 3, state.Runtime.MaxParallel)
}

func TestPruneRunning(t *testing.T) {
	nodes := []ModuleStatus{
		{ID: "stage-image", State: resolver.NodeStateComplete},
		{ID: "extract-code", State: resolver.NodeStateReady},
	}
	assert.Equal(t, []string{"extract-code"}, pruneRunning([]string{"stage-image", "extract-code", "gone"}, nodes))
	assert.Nil(t, pruneRunning([]string{"stage-image"}, nodes))
}

func TestRunningSetHelpers(t *testing.T) {
	running := []string{"a", "b", "c"}
	assert.Equal(t, []string{"a", "c"}, releaseRunning(running, []ModuleStatusUpdate{{ID: " b "}, {ID: ""}}))
	assert.Equal(t, []string{"a", "b", "c"}, running, "input is not modified")
	assert.Equal(t, []string{"a", "b", "c", "d"}, addRunning([]string{"a", "b"}, []string{"b", "c", " ", "d"}))
	assert.Equal(t, []string{"b"}, claimable([]string{"a", "b"}, []string{"b", "z"}))
	assert.Equal(t, []string{"a", "b"}, claimable([]string{"a", "b"}, nil))
}

func TestRepositoryRoundTrip(t *testing.T) {
	cfg := config.Default(t.TempDir())
	repo := NewRepository(workflow.ForConfig(cfg, "bracket"))
	_, err := repo.Load()
	require.ErrorIs(t, err, ErrStateNotFound)

	want := State{RunID: "r-1", WorkflowID: "w", Status: EngineStatusBlocked, StatusReason: "waiting"}
	require.NoError(t, repo.Save(want))
	got, err := repo.Load()
	require.NoError(t, err)
	assert.Equal(t, want.RunID, got.RunID)
	assert.Equal(t, want.StatusReason, got.StatusReason)
}

type stubModule struct {
	info     module.Info
	complete bool
	outputs  []artifact.ArtifactRef
}

func (m *stubModule) Info() module.Info               { return m.info }
func (m *stubModule) Inputs() []artifact.ArtifactRef  { return nil }
func (m *stubModule) Outputs() []artifact.ArtifactRef { return m.outputs }
func (m *stubModule) IsComplete(*module.ModuleContext) (bool, error) {
	return m.complete, nil
}

func (m *stubModule) Run(context.Context, *module.ModuleContext) (module.Result, error) {
	return module.Result{Status: module.StatusCompleted}, nil
}

func writeArtifact(t *testing.T, mc *module.ModuleContext, ref artifact.ArtifactRef, moduleID string) {
	t.Helper()
	meta := artifact.Metadata{
		ArtifactID: ref.ID,
		ModuleID:   moduleID,
		Version:    "1.0.0",
		Workflow:   mc.Run.WorkflowID,
	}
	require.NoError(t, mc.Artifacts.Write(ref, []byte("result = 1\n"), meta))
}
