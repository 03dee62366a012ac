package resolver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kingrea/cadforge/internal/artifact"
	"github.com/kingrea/cadforge/internal/config"
	"github.com/kingrea/cadforge/internal/module"
	"github.com/kingrea/cadforge/internal/workflow"
)

func TestResolverRefreshSetsStates(t *testing.T) {
	stubs := map[string]*stubModule{
		"stage":   newStubModule("stage", true, nil),
		"extract": newStubModule("extract", false, nil),
		"export":  newStubModule("export", false, nil),
	}
	resolver := buildResolver(t, stubs)
	mc := newTestModuleContext(t)

	if err := resolver.Refresh(mc); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	stage := mustNode(t, resolver, "stage-image")
	extract := mustNode(t, resolver, "extract-code")
	export := mustNode(t, resolver, "step-export")

	if stage.State != NodeStateComplete {
		t.Fatalf("expected stage complete, got %s", stage.State)
	}
	if extract.State != NodeStateReady {
		t.Fatalf("expected extract ready, got %s", extract.State)
	}
	if export.State != NodeStateBlocked {
		t.Fatalf("expected export blocked, got %s", export.State)
	}
	if len(export.BlockedBy) != 1 || export.BlockedBy[0] != "extract-code" {
		t.Fatalf("export blocked by %+v", export.BlockedBy)
	}

	ready := resolver.Ready()
	if len(ready) != 1 || ready[0].ID != "extract-code" {
		t.Fatalf("unexpected ready set: %#v", ready)
	}
}

func TestResolverQueueTargetsOrdersDependencies(t *testing.T) {
	stubs := map[string]*stubModule{
		"stage":   newStubModule("stage", false, nil),
		"extract": newStubModule("extract", false, nil),
		"export":  newStubModule("export", false, nil),
	}
	resolver := buildResolver(t, stubs)
	if err := resolver.Refresh(newTestModuleContext(t)); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	queue, err := resolver.Queue("step-export")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(queue) != 3 {
		t.Fatalf("expected 3 queued modules, got %d", len(queue))
	}
	if queue[0].ID != "stage-image" || queue[1].ID != "extract-code" || queue[2].ID != "step-export" {
		t.Fatalf("unexpected order: %s -> %s -> %s", queue[0].ID, queue[1].ID, queue[2].ID)
	}
	if _, err := resolver.Queue("nope"); err == nil {
		t.Fatalf("expected unknown module error")
	}
}

func TestResolverRefreshPropagatesErrors(t *testing.T) {
	stubs := map[string]*stubModule{
		"stage":   newStubModule("stage", true, nil),
		"extract": newStubModule("extract", false, errors.New("boom")),
		"export":  newStubModule("export", false, nil),
	}
	resolver := buildResolver(t, stubs)
	if err := resolver.Refresh(newTestModuleContext(t)); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	extract := mustNode(t, resolver, "extract-code")
	if extract.State != NodeStateError {
		t.Fatalf("expected extract error state, got %s", extract.State)
	}
	if extract.Err == nil || extract.Err.Error() != "boom" {
		t.Fatalf("unexpected extract error: %v", extract.Err)
	}
	export := mustNode(t, resolver, "step-export")
	if export.State != NodeStateBlocked {
		t.Fatalf("expected export blocked by error, got %s", export.State)
	}
}

func TestResolverPassesOverridesToFactories(t *testing.T) {
	var seen []module.Config
	reg := module.NewRegistry()
	reg.MustRegister("stage", func(cfg module.Config) (module.Module, error) {
		seen = append(seen, cfg)
		return newStubModule("stage", false, nil), nil
	})
	def := workflow.WorkflowDefinition{
		ID: "override-test",
		Modules: []workflow.ModuleRef{
			{ID: "stage-image", ModuleID: "stage", Config: workflow.ModuleConfig{"model": "from-workflow", "python": "py3"}},
		},
	}
	if _, err := New(def, reg, WithOverrides(module.Config{"model": "from-cli"})); err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	if len(seen) != 1 || seen[0]["model"] != "from-cli" || seen[0]["python"] != "py3" {
		t.Fatalf("unexpected factory config %+v", seen)
	}
}

func TestResolverDetectsStaleOutputs(t *testing.T) {
	mc := newTestModuleContext(t)
	mod := newFingerprintModule("export", "fp-1")
	reg := module.NewRegistry()
	reg.MustRegister("export", func(module.Config) (module.Module, error) { return mod, nil })
	def := workflow.WorkflowDefinition{
		ID:      "stale-test",
		Modules: []workflow.ModuleRef{{ID: "step-export", ModuleID: "export"}},
	}
	var events []module.ArtifactInvalidation
	resolver, err := New(def, reg, WithInvalidationObserver(func(nodeID string, event module.ArtifactInvalidation) {
		if nodeID != "step-export" {
			t.Errorf("unexpected node %s", nodeID)
		}
		events = append(events, event)
	}))
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	if err := resolver.Refresh(mc); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(events) != 1 || events[0].Reason != module.InvalidationReasonMissing {
		t.Fatalf("expected missing event, got %+v", events)
	}

	if _, err := mod.Run(context.Background(), mc); err != nil {
		t.Fatalf("run: %v", err)
	}
	events = nil
	if err := resolver.Refresh(mc); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	node := mustNode(t, resolver, "step-export")
	if node.State != NodeStateComplete || len(events) != 0 {
		t.Fatalf("expected fresh output, state=%s events=%+v", node.State, events)
	}
	if report := node.Artifacts[artifact.StepFile.ID]; report.Status != module.ArtifactStatusFresh {
		t.Fatalf("expected fresh report, got %s", report.Status)
	}

	mod.fingerprint = "fp-2"
	if err := resolver.Refresh(mc); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if node.State != NodeStateReady {
		t.Fatalf("outdated output should make the node runnable, got %s", node.State)
	}
	if len(events) != 1 || events[0].Reason != module.InvalidationReasonFingerprint || events[0].StoredFingerprint != "fp-1" {
		t.Fatalf("expected fingerprint event, got %+v", events)
	}

	mod.fingerprint = "fp-1"
	if err := os.WriteFile(mc.Workflow.StepPath(), []byte("edited"), 0o644); err != nil {
		t.Fatal(err)
	}
	events = nil
	if err := resolver.Refresh(mc); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if node.Artifacts[artifact.StepFile.ID].Status != module.ArtifactStatusInvalid {
		t.Fatalf("edited output should be invalid, got %s", node.Artifacts[artifact.StepFile.ID].Status)
	}
	if len(events) != 1 || !errors.Is(events[0].Err, artifact.ErrChecksumMismatch) {
		t.Fatalf("expected checksum event, got %+v", events)
	}
}

func TestResolverVersionBumpAndHandlerErrors(t *testing.T) {
	mc := newTestModuleContext(t)
	mod := newFingerprintModule("export", "fp-1")
	reg := module.NewRegistry()
	reg.MustRegister("export", func(module.Config) (module.Module, error) { return mod, nil })
	def := workflow.WorkflowDefinition{
		ID:      "bump-test",
		Modules: []workflow.ModuleRef{{ID: "step-export", ModuleID: "export"}},
	}
	resolver, err := New(def, reg)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	if _, err := mod.Run(context.Background(), mc); err != nil {
		t.Fatalf("run: %v", err)
	}

	base := module.NewBase(module.Info{ID: "export", Name: "export", Version: "2.0.0"})
	base.SetOutputs(artifact.StepFile)
	bumped := &handlerModule{fingerprintModule: &fingerprintModule{Base: &base, fingerprint: "fp-1"}}
	node := mustNode(t, resolver, "step-export")
	report := resolver.CheckArtifact(mc, &Node{ID: node.ID, Module: bumped}, artifact.StepFile)
	if report.Status != module.ArtifactStatusOutdated {
		t.Fatalf("version bump should outdate the output, got %s", report.Status)
	}
	if len(bumped.seen) != 1 || bumped.seen[0] != module.InvalidationReasonVersionMismatch {
		t.Fatalf("handler saw %v", bumped.seen)
	}

	bumped.err = errors.New("cannot clean up")
	stale := &Node{ID: node.ID, Module: bumped, State: NodeStateComplete}
	resolver.CheckArtifact(mc, stale, artifact.StepFile)
	if stale.State != NodeStateError || stale.Err == nil {
		t.Fatalf("handler error should fail the node, got %s %v", stale.State, stale.Err)
	}
}

func TestResolverRejectsUnknownModule(t *testing.T) {
	def := workflow.WorkflowDefinition{
		ID:      "unknown-test",
		Modules: []workflow.ModuleRef{{ID: "mesh", ModuleID: "mesh-export"}},
	}
	if _, err := New(def, module.NewRegistry()); err == nil {
		t.Fatalf("expected unknown module error")
	}
	if _, err := New(def, nil); err == nil {
		t.Fatalf("expected registry error")
	}
}

func buildResolver(t *testing.T, stubs map[string]*stubModule) *Resolver {
	t.Helper()
	reg := module.NewRegistry()
	for id, stub := range stubs {
		stub := stub
		reg.MustRegister(id, func(module.Config) (module.Module, error) {
			return stub, nil
		})
	}
	def := workflow.WorkflowDefinition{
		ID: "test-workflow",
		Modules: []workflow.ModuleRef{
			{ID: "stage-image", ModuleID: "stage"},
			{ID: "extract-code", ModuleID: "extract", DependsOn: []string{"stage-image"}},
			{ID: "step-export", ModuleID: "export", DependsOn: []string{"extract-code"}},
		},
	}
	resolver, err := New(def, reg)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return resolver
}

func newTestModuleContext(t *testing.T) *module.ModuleContext {
	t.Helper()
	cfg := config.Default(t.TempDir())
	wf := workflow.ForConfig(cfg, "bracket")
	return module.NewContext(cfg, wf, nil, module.RunSpec{Name: "bracket", WorkflowID: "test-workflow"})
}

func mustNode(t *testing.T, resolver *Resolver, id string) *Node {
	t.Helper()
	node, ok := resolver.Node(id)
	if !ok {
		t.Fatalf("missing node %s", id)
	}
	return node
}

type stubModule struct {
	info     module.Info
	complete bool
	err      error
}

func newStubModule(id string, complete bool, err error) *stubModule {
	return &stubModule{
		info: module.Info{
			ID:      id,
			Name:    "stub " + id,
			Version: "1.0.0",
		},
		complete: complete,
		err:      err,
	}
}

func (m *stubModule) Info() module.Info {
	return m.info
}

func (m *stubModule) Inputs() []artifact.ArtifactRef {
	return nil
}

func (m *stubModule) Outputs() []artifact.ArtifactRef {
	return nil
}

func (m *stubModule) IsComplete(*module.ModuleContext) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.complete, nil
}

func (m *stubModule) Run(context.Context, *module.ModuleContext) (module.Result, error) {
	return module.Result{Status: module.StatusCompleted}, nil
}

// fingerprintModule writes the STEP artifact stamped with a settable
// fingerprint.
type fingerprintModule struct {
	*module.Base
	fingerprint string
}

func newFingerprintModule(id, fingerprint string) *fingerprintModule {
	base := module.NewBase(module.Info{ID: id, Name: id, Version: "1.0.0"})
	base.SetOutputs(artifact.StepFile)
	return &fingerprintModule{Base: &base, fingerprint: fingerprint}
}

func (m *fingerprintModule) ArtifactFingerprints(*module.ModuleContext) (map[string]string, error) {
	return map[string]string{artifact.StepFile.ID: m.fingerprint}, nil
}

func (m *fingerprintModule) IsComplete(mc *module.ModuleContext) (bool, error) {
	return m.OutputsReady(mc)
}

func (m *fingerprintModule) Run(_ context.Context, mc *module.ModuleContext) (module.Result, error) {
	path := mc.Workflow.StepPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return module.Failed(err)
	}
	meta := m.Metadata(mc, artifact.StepFile, m.fingerprint)
	if err := mc.Artifacts.Write(artifact.StepFile, []byte("ISO-10303-21;"), meta); err != nil {
		return module.Failed(err)
	}
	return module.Result{Status: module.StatusCompleted}, nil
}

type handlerModule struct {
	*fingerprintModule
	seen []module.ArtifactInvalidationReason
	err  error
}

func (m *handlerModule) OnArtifactInvalidation(_ *module.ModuleContext, event module.ArtifactInvalidation) error {
	m.seen = append(m.seen, event.Reason)
	return m.err
}
