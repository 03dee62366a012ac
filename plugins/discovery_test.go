package plugins

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/kingrea/cadforge/internal/config"
	"github.com/kingrea/cadforge/internal/module"
	"github.com/kingrea/cadforge/internal/runner"
	"github.com/kingrea/cadforge/internal/workflow"
)

type meshWriter struct {
	mu    sync.Mutex
	calls []runner.Command
	err   error
	skip  bool
}

func (m *meshWriter) Execute(_ context.Context, cmd runner.Command) (*runner.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, cmd)
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if !m.skip {
		if err := os.WriteFile(cmd.Args[len(cmd.Args)-1], []byte("solid mesh\n"), 0o644); err != nil {
			return nil, err
		}
	}
	return &runner.Result{}, nil
}

func TestRegisterPlugins(t *testing.T) {
	cfg := initTestConfig(t)
	writePlugin(t, cfg, "mesh.yaml", sampleDefinition)

	reg := module.NewRegistry()
	defs, err := RegisterPlugins(reg, cfg)
	if err != nil {
		t.Fatalf("register plugins: %v", err)
	}
	if len(defs) != 1 || defs[0].Definition.ID != "mesh-export" {
		t.Fatalf("unexpected definitions: %+v", defs)
	}
	mod, err := reg.Resolve("mesh-export", nil)
	if err != nil {
		t.Fatalf("resolve plugin: %v", err)
	}
	if got := mod.Info().Name; got != "Export STL" {
		t.Fatalf("unexpected name %q", got)
	}
	outputs := mod.Outputs()
	if len(outputs) != 1 || outputs[0].ID != "stl-mesh" {
		t.Fatalf("unexpected outputs %+v", outputs)
	}
	wf := workflow.ForConfig(cfg, "flange")
	if got, want := outputs[0].Path(wf), filepath.Join(cfg.Project.Layout.OutputDir, "flange.stl"); got != want {
		t.Fatalf("stl path = %s, want %s", got, want)
	}
}

func TestRegisterPluginsDuplicateIDs(t *testing.T) {
	cfg := initTestConfig(t)
	writePlugin(t, cfg, "a.yaml", sampleDefinition)
	writePlugin(t, cfg, "b.yaml", sampleDefinition)
	if _, err := RegisterPlugins(module.NewRegistry(), cfg); err == nil || !strings.Contains(err.Error(), "duplicate module id mesh-export") {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestRegisterPluginsConflictsWithBuiltin(t *testing.T) {
	cfg := initTestConfig(t)
	writePlugin(t, cfg, "mesh.yaml", sampleDefinition)
	reg := module.NewRegistry()
	reg.MustRegister("mesh-export", func(module.Config) (module.Module, error) { return nil, errors.New("unused") })
	if _, err := RegisterPlugins(reg, cfg); err == nil || !strings.Contains(err.Error(), "already taken by a built-in") {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestRegisterPluginsUnknownArtifact(t *testing.T) {
	cfg := initTestConfig(t)
	writePlugin(t, cfg, "bad.yaml", strings.Replace(sampleDefinition, "artifact: cadquery-code", "artifact: point-cloud", 1))
	if _, err := RegisterPlugins(module.NewRegistry(), cfg); err == nil || !strings.Contains(err.Error(), "point-cloud is not registered") {
		t.Fatalf("expected unknown artifact error, got %v", err)
	}
}

func TestCommandModuleRun(t *testing.T) {
	cfg := initTestConfig(t)
	writePlugin(t, cfg, "mesh.yaml", sampleDefinition)
	reg := module.NewRegistry()
	if _, err := RegisterPlugins(reg, cfg); err != nil {
		t.Fatalf("register plugins: %v", err)
	}
	mod, err := reg.Resolve("mesh-export", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	exec := &meshWriter{}
	mc, wf := newRunContext(t, cfg, exec)
	writeFile(t, wf.CodePath(), "result = cq.Workplane().box(1, 1, 1)\n")

	result, err := mod.Run(context.Background(), mc)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != module.StatusCompleted {
		t.Fatalf("unexpected status %s", result.Status)
	}
	stlPath := filepath.Join(cfg.Project.Layout.OutputDir, "flange.stl")
	want := runner.Command{
		Binary:  "python3",
		Args:    []string{"-m", "cq_stl", wf.CodePath(), stlPath},
		Dir:     cfg.ProjectDir,
		Env:     map[string]string{"CQ_TOLERANCE": "0.05"},
		Timeout: 5 * time.Minute,
	}
	if diff := cmp.Diff(want, exec.calls[0], cmpopts.IgnoreFields(runner.Command{}, "Stdout", "Stderr")); diff != "" {
		t.Fatalf("command mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(result.Message, stlPath) {
		t.Fatalf("message %q does not name the mesh", result.Message)
	}
	complete, err := mod.IsComplete(mc)
	if err != nil || !complete {
		t.Fatalf("expected complete, got %v, %v", complete, err)
	}

	fp, ok := mod.(module.Fingerprinter)
	if !ok {
		t.Fatalf("plugin modules should expose fingerprints")
	}
	before, err := fp.ArtifactFingerprints(mc)
	if err != nil || before["stl-mesh"] == "" {
		t.Fatalf("fingerprint: %v %v", before, err)
	}
	writeFile(t, wf.CodePath(), "result = cq.Workplane().box(2, 2, 2)\n")
	after, err := fp.ArtifactFingerprints(mc)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if before["stl-mesh"] == after["stl-mesh"] {
		t.Fatalf("editing the code should change the fingerprint")
	}
}

func TestCommandModuleRunFailures(t *testing.T) {
	cfg := initTestConfig(t)
	writePlugin(t, cfg, "mesh.yaml", sampleDefinition)
	reg := module.NewRegistry()
	if _, err := RegisterPlugins(reg, cfg); err != nil {
		t.Fatalf("register plugins: %v", err)
	}
	mod, err := reg.Resolve("mesh-export", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	t.Run("missing input", func(t *testing.T) {
		mc, _ := newRunContext(t, cfg, &meshWriter{})
		result, err := mod.Run(context.Background(), mc)
		if err == nil || result.Status != module.StatusFailed || !strings.Contains(err.Error(), "input cadquery-code not found") {
			t.Fatalf("expected missing input failure, got %v %v", result.Status, err)
		}
	})

	t.Run("command error", func(t *testing.T) {
		exec := &meshWriter{err: &runner.ExitError{Command: "python3", Code: 2, Stderr: "No module named cq_stl"}}
		mc, wf := newRunContext(t, cfg, exec)
		writeFile(t, wf.CodePath(), "result = 1\n")
		_, err := mod.Run(context.Background(), mc)
		var exitErr *runner.ExitError
		if !errors.As(err, &exitErr) || !strings.Contains(err.Error(), "No module named cq_stl") {
			t.Fatalf("expected exit error, got %v", err)
		}
	})

	t.Run("no output written", func(t *testing.T) {
		mc, wf := newRunContext(t, cfg, &meshWriter{skip: true})
		writeFile(t, wf.CodePath(), "result = 1\n")
		_ = os.Remove(filepath.Join(cfg.Project.Layout.OutputDir, "flange.stl"))
		_, err := mod.Run(context.Background(), mc)
		if err == nil || !strings.Contains(err.Error(), "without writing stl-mesh") {
			t.Fatalf("expected missing output failure, got %v", err)
		}
	})

	t.Run("stale output from an earlier run", func(t *testing.T) {
		mc, wf := newRunContext(t, cfg, &meshWriter{skip: true})
		writeFile(t, wf.CodePath(), "result = 1\n")
		stale := filepath.Join(cfg.Project.Layout.OutputDir, "flange.stl")
		writeFile(t, stale, "solid old\n")
		_, err := mod.Run(context.Background(), mc)
		if err == nil || !strings.Contains(err.Error(), "without writing stl-mesh") {
			t.Fatalf("expected missing output failure, got %v", err)
		}
		if _, statErr := os.Stat(stale); !errors.Is(statErr, os.ErrNotExist) {
			t.Fatalf("stale mesh should be removed before the command runs: %v", statErr)
		}
		if _, ok, _ := mc.Artifacts.Entry("stl-mesh"); ok {
			t.Fatalf("stale mesh must not be recorded")
		}
	})
}

func initTestConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	if err := config.InitProjectDir(root); err != nil {
		t.Fatalf("init project: %v", err)
	}
	cfg, err := config.NewConfig(root, config.WithLookupEnv(func(string) (string, bool) { return "", false }))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func newRunContext(t *testing.T, cfg *config.Config, exec runner.Executor) (*module.ModuleContext, *workflow.Workflow) {
	t.Helper()
	wf := workflow.ForConfig(cfg, "flange")
	if err := wf.Initialize(); err != nil {
		t.Fatalf("init run: %v", err)
	}
	mc := module.NewContext(cfg, wf, nil, module.RunSpec{Name: "flange", WorkflowID: "image-to-step"}, module.WithExecutor(exec))
	return mc, wf
}

func writePlugin(t *testing.T, cfg *config.Config, name, body string) {
	t.Helper()
	writeFile(t, filepath.Join(cfg.ModulesDir(), name), body)
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
