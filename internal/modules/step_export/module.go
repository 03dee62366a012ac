package step_export

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"

	"github.com/kingrea/cadforge/internal/artifact"
	"github.com/kingrea/cadforge/internal/cadquery"
	"github.com/kingrea/cadforge/internal/module"
	"github.com/kingrea/cadforge/internal/modules/runtime"
	"github.com/kingrea/cadforge/internal/runner"
)

const (
	moduleID      = "step-export"
	moduleVersion = "1.0.0"
)

// StepExportModule loads <name>.py in a CadQuery interpreter and exports the
// result variable to <name>.step.
type StepExportModule struct {
	*module.Base
	overrides module.Config
}

// Register installs the module factory into the provided registry.
func Register(reg *module.Registry) {
	if reg == nil {
		return
	}
	reg.MustRegister(moduleID, func(cfg module.Config) (module.Module, error) {
		return New(cfg), nil
	})
}

// New constructs the module. cfg may set python, result_var or keep_runner.
func New(cfg module.Config) *StepExportModule {
	info := module.Info{
		ID:          moduleID,
		Name:        "Export STEP",
		Description: "Runs the generated CadQuery script and exports its result to STEP.",
		Version:     moduleVersion,
	}
	base := module.NewBase(info)
	base.SetInputs(artifact.CadQueryCode)
	base.SetOutputs(artifact.StepFile)
	return &StepExportModule{Base: &base, overrides: cfg}
}

// ArtifactFingerprints ties the STEP file to the exact code it came from, so
// hand edits to <name>.py trigger a fresh export.
func (m *StepExportModule) ArtifactFingerprints(mc *module.ModuleContext) (map[string]string, error) {
	fingerprint, ok, err := m.fingerprint(mc)
	if err != nil || !ok {
		return nil, err
	}
	return map[string]string{artifact.StepFile.ID: fingerprint}, nil
}

// IsComplete reports whether the STEP file is recorded by this module.
func (m *StepExportModule) IsComplete(mc *module.ModuleContext) (bool, error) {
	if err := runtime.ValidateContext(moduleID, mc); err != nil {
		return false, err
	}
	return m.OutputsReady(mc)
}

// Run writes the export wrapper, runs it and records the STEP file.
func (m *StepExportModule) Run(ctx context.Context, mc *module.ModuleContext) (module.Result, error) {
	if err := runtime.ValidateContext(moduleID, mc); err != nil {
		return module.Failed(err)
	}
	if mc.Executor == nil {
		return module.Failed(fmt.Errorf("%s: no subprocess executor configured", moduleID))
	}
	settings, err := m.settings(mc)
	if err != nil {
		return module.Failed(err)
	}
	wf := mc.Workflow
	codePath := wf.CodePath()
	stepPath := wf.StepPath()
	if err := runtime.RequireFile(moduleID, "CadQuery code", codePath); err != nil {
		return module.Failed(err)
	}
	fingerprint, _, err := m.fingerprint(mc)
	if err != nil {
		return module.Failed(err)
	}
	code, err := os.ReadFile(codePath)
	if err != nil {
		return module.Failed(fmt.Errorf("%s: read code: %w", moduleID, err))
	}
	resultVar := settings.Export.ResultVar
	if !cadquery.AssignsVariable(string(code), resultVar) {
		runtime.Warn(mc, "%s: %s does not appear to assign `%s`", moduleID, codePath, resultVar)
	}

	script, err := cadquery.RenderExportScript(cadquery.ExportScript{
		CodePath:   codePath,
		ModuleName: cadquery.ModuleName(wf.Name()),
		StepPath:   stepPath,
		ResultVar:  resultVar,
	})
	if err != nil {
		return module.Failed(fmt.Errorf("%s: %w", moduleID, err))
	}
	runnerPath := wf.ExportRunnerPath()
	if err := os.MkdirAll(filepath.Dir(runnerPath), 0o755); err != nil {
		return module.Failed(fmt.Errorf("%s: create runner dir: %w", moduleID, err))
	}
	if err := os.WriteFile(runnerPath, []byte(script), 0o644); err != nil {
		return module.Failed(fmt.Errorf("%s: write export runner: %w", moduleID, err))
	}
	if !settings.Export.KeepRunner {
		defer os.Remove(runnerPath)
	}
	if err := os.Remove(stepPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return module.Failed(fmt.Errorf("%s: remove stale STEP file: %w", moduleID, err))
	}

	logger := mc.Log().Named("cadquery")
	stdout := &zapio.Writer{Log: logger, Level: zapcore.DebugLevel}
	stderr := &zapio.Writer{Log: logger, Level: zapcore.DebugLevel}
	defer stdout.Close()
	defer stderr.Close()
	cmd := runner.Command{
		Binary:  settings.Export.Python,
		Args:    []string{runnerPath},
		Dir:     filepath.Dir(codePath),
		Env:     settings.Export.Env,
		Timeout: settings.Export.Timeout,
		Stdout:  stdout,
		Stderr:  stderr,
	}
	logger.Info("exporting STEP", zap.String("cmd", cmd.String()))
	if _, err := mc.Executor.Execute(ctx, cmd); err != nil {
		var exitErr *runner.ExitError
		if errors.As(err, &exitErr) && exitErr.Code == cadquery.MissingResultExitCode {
			return module.Failed(fmt.Errorf("%s: %w", moduleID, &cadquery.MissingResultError{Var: resultVar}))
		}
		return module.Failed(fmt.Errorf("%s: cadquery export failed: %w", moduleID, err))
	}
	if err := runtime.RequireFile(moduleID, "STEP file", stepPath); err != nil {
		return module.Failed(fmt.Errorf("%s: export finished without writing a STEP file: %w", moduleID, err))
	}
	meta := m.Metadata(mc, artifact.StepFile, fingerprint, artifact.CadQueryCode)
	if err := mc.Artifacts.Record(artifact.StepFile, meta); err != nil {
		return module.Failed(fmt.Errorf("%s: record STEP file: %w", moduleID, err))
	}
	return module.Result{
		Status:  module.StatusCompleted,
		Message: fmt.Sprintf("STEP file saved to %s", stepPath),
	}, nil
}

func (m *StepExportModule) settings(mc *module.ModuleContext) (runtime.Settings, error) {
	settings, err := runtime.ResolveSettings(mc.Config, m.overrides)
	if err != nil {
		return runtime.Settings{}, fmt.Errorf("%s: %w", moduleID, err)
	}
	if python, ok := m.overrides.String(runtime.KeyPython); ok {
		settings.Export.Python = python
	}
	return settings, nil
}

func (m *StepExportModule) fingerprint(mc *module.ModuleContext) (string, bool, error) {
	if err := runtime.ValidateContext(moduleID, mc); err != nil {
		return "", false, err
	}
	settings, err := m.settings(mc)
	if err != nil {
		return "", false, err
	}
	codeSum, err := runtime.InputChecksum(mc, artifact.CadQueryCode)
	if err != nil || codeSum == "" {
		return "", false, err
	}
	return runtime.Fingerprint(
		"code", codeSum,
		"result_var", settings.Export.ResultVar,
	), true, nil
}
