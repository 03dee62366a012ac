package module

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kingrea/cadforge/internal/artifact"
	"github.com/kingrea/cadforge/internal/config"
	"github.com/kingrea/cadforge/internal/workflow"
)

type stubModule struct {
	*Base
}

func newStub(id string) *stubModule {
	base := NewBase(Info{ID: id, Name: id, Version: "1.0.0"})
	base.SetOutputs(artifact.CadQueryCode)
	return &stubModule{Base: &base}
}

func (s *stubModule) IsComplete(mc *ModuleContext) (bool, error) { return s.OutputsReady(mc) }

func (s *stubModule) Run(context.Context, *ModuleContext) (Result, error) {
	return Result{Status: StatusCompleted}, nil
}

func newTestContext(t *testing.T) *ModuleContext {
	t.Helper()
	cfg := config.Default(t.TempDir())
	wf := workflow.ForConfig(cfg, "bracket")
	return NewContext(cfg, wf, nil, RunSpec{Name: "bracket", WorkflowID: "cadquery-to-step"})
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("b", func(Config) (Module, error) { return newStub("b"), nil }); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.MustRegister("a", func(Config) (Module, error) { return newStub("a"), nil })
	if err := reg.Register("a", func(Config) (Module, error) { return newStub("a"), nil }); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if err := reg.Register("", nil); err == nil {
		t.Fatalf("expected missing id error")
	}
	if ids := reg.IDs(); len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("unexpected ids %v", ids)
	}
	if !reg.Has("a") || reg.Has("c") {
		t.Fatalf("Has disagrees with IDs")
	}
	if _, err := reg.Resolve("missing", nil); err == nil {
		t.Fatalf("expected unknown id error")
	}
	reg.MustRegister("broken", func(Config) (Module, error) {
		base := NewBase(Info{ID: "broken"})
		return &stubModule{Base: &base}, nil
	})
	if _, err := reg.Resolve("broken", nil); err == nil {
		t.Fatalf("expected info validation error")
	}
	wantErr := errors.New("boom")
	reg.MustRegister("failing", func(Config) (Module, error) { return nil, wantErr })
	if _, err := reg.Resolve("failing", nil); !errors.Is(err, wantErr) {
		t.Fatalf("expected factory error, got %v", err)
	}
}

func TestConfigAccessors(t *testing.T) {
	cfg := Config{"model": "  llava  ", "empty": " ", "flag": "yes", "on": true, "count": 3}
	if v, ok := cfg.String("model"); !ok || v != "llava" {
		t.Fatalf("String(model) = %q, %v", v, ok)
	}
	if _, ok := cfg.String("empty"); ok {
		t.Fatalf("blank strings should be unset")
	}
	if _, ok := cfg.String("absent"); ok {
		t.Fatalf("absent keys should be unset")
	}
	if v, set, err := cfg.Bool("on"); err != nil || !set || !v {
		t.Fatalf("Bool(on) = %v, %v, %v", v, set, err)
	}
	if _, set, err := cfg.Bool("flag"); err == nil || !set {
		t.Fatalf("expected parse error for flag")
	}
	if _, _, err := cfg.Bool("count"); err == nil {
		t.Fatalf("expected type error for count")
	}
	merged := Config{"model": "a", "keep": 1}.Merge(Config{"model": "b", " python ": "py"})
	if merged["model"] != "b" || merged["keep"] != 1 || merged["python"] != "py" {
		t.Fatalf("unexpected merge %v", merged)
	}
	if Config(nil).Merge(nil) != nil {
		t.Fatalf("merging empty configs should stay nil")
	}
}

func TestOutputsReadyRequiresMatchingProvenance(t *testing.T) {
	mc := newTestContext(t)
	mod := newStub("extract-code")
	if ready, err := mod.OutputsReady(mc); err != nil || ready {
		t.Fatalf("missing output should not be ready: %v %v", ready, err)
	}
	path := mc.Workflow.CodePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("result = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if ready, _ := mod.OutputsReady(mc); ready {
		t.Fatalf("file without provenance should not be ready")
	}

	other := newStub("someone-else")
	if err := mc.Artifacts.Record(artifact.CadQueryCode, other.Metadata(mc, artifact.CadQueryCode, "fp")); err != nil {
		t.Fatalf("record: %v", err)
	}
	if ready, _ := mod.OutputsReady(mc); ready {
		t.Fatalf("provenance from another module should not count")
	}

	meta := mod.Metadata(mc, artifact.CadQueryCode, "fp", artifact.AnswersFile)
	if meta.Workflow != "cadquery-to-step" || len(meta.Inputs) != 1 || meta.Notes[FingerprintNoteKey(artifact.CadQueryCode.ID)] != "fp" {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	if err := mc.Artifacts.Record(artifact.CadQueryCode, meta); err != nil {
		t.Fatalf("record: %v", err)
	}
	if ready, err := mod.OutputsReady(mc); err != nil || !ready {
		t.Fatalf("expected ready: %v %v", ready, err)
	}
	if _, err := mod.OutputsReady(nil); err == nil {
		t.Fatalf("expected error without context")
	}
}

func TestFingerprintNotes(t *testing.T) {
	if notes := FingerprintNotes("", "a"); notes != nil {
		t.Fatalf("empty fingerprint should produce no notes")
	}
	notes := FingerprintNotes("fp", "a", "b")
	if notes["fingerprint:a"] != "fp" || notes["fingerprint:b"] != "fp" {
		t.Fatalf("unexpected notes %v", notes)
	}
	if FingerprintNoteKey(" ") != "fingerprint:default" {
		t.Fatalf("blank ids use the default key")
	}
}

func TestFailedCarriesMessage(t *testing.T) {
	result, err := Failed(errors.New("exploded"))
	if err == nil || result.Status != StatusFailed || result.Message != "exploded" {
		t.Fatalf("unexpected failed result %+v %v", result, err)
	}
}
