package plugins

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"

	"github.com/kingrea/cadforge/internal/artifact"
	"github.com/kingrea/cadforge/internal/module"
	"github.com/kingrea/cadforge/internal/modules/runtime"
	"github.com/kingrea/cadforge/internal/runner"
)

type commandModule struct {
	*module.Base
	definition ModuleDefinition
	inputs     []artifact.ArtifactRef
	outputs    []artifact.ArtifactRef
	config     module.Config
	timeout    time.Duration
	args       []*template.Template
	env        map[string]*template.Template
	dir        *template.Template
}

func newCommandModule(def ModuleDefinition, overrides module.Config) (*commandModule, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	normalized := def.Normalized()
	inputs, err := resolveBindings(normalized.Inputs)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", normalized.ID, err)
	}
	outputs, err := resolveBindings(normalized.Outputs)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", normalized.ID, err)
	}
	info := module.Info{
		ID:          normalized.ID,
		Name:        defaultModuleName(normalized),
		Description: normalized.Description,
		Version:     normalized.Version,
		Concurrency: normalized.Concurrency,
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	timeout, err := normalized.Command.TimeoutDuration()
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", normalized.ID, err)
	}
	m := &commandModule{
		definition: normalized,
		inputs:     inputs,
		outputs:    outputs,
		config:     normalized.Config.Merge(overrides),
		timeout:    timeout,
		env:        make(map[string]*template.Template, len(normalized.Command.Env)),
	}
	for idx, arg := range normalized.Command.Args {
		tmpl, err := parseTemplate(fmt.Sprintf("args[%d]", idx), arg)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", normalized.ID, err)
		}
		m.args = append(m.args, tmpl)
	}
	for key, value := range normalized.Command.Env {
		tmpl, err := parseTemplate("env."+key, value)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", normalized.ID, err)
		}
		m.env[key] = tmpl
	}
	if m.dir, err = parseTemplate("dir", normalized.Command.Dir); err != nil {
		return nil, fmt.Errorf("plugin %s: %w", normalized.ID, err)
	}
	base := module.NewBase(info)
	base.SetInputs(inputs...)
	base.SetOutputs(outputs...)
	m.Base = &base
	return m, nil
}

// IsComplete reports whether every output was recorded by this plugin at its
// current version.
func (m *commandModule) IsComplete(mc *module.ModuleContext) (bool, error) {
	if err := runtime.ValidateContext(m.definition.ID, mc); err != nil {
		return false, err
	}
	return m.OutputsReady(mc)
}

// ArtifactFingerprints ties outputs to the rendered command line and the
// checksums of the inputs.
func (m *commandModule) ArtifactFingerprints(mc *module.ModuleContext) (map[string]string, error) {
	fingerprint, err := m.fingerprint(mc)
	if err != nil || fingerprint == "" {
		return nil, err
	}
	out := make(map[string]string, len(m.outputs))
	for _, ref := range m.outputs {
		out[ref.ID] = fingerprint
	}
	return out, nil
}

func (m *commandModule) Run(ctx context.Context, mc *module.ModuleContext) (module.Result, error) {
	id := m.definition.ID
	if err := runtime.ValidateContext(id, mc); err != nil {
		return module.Failed(err)
	}
	if mc.Executor == nil {
		return module.Failed(fmt.Errorf("%s: no subprocess executor configured", id))
	}
	for _, ref := range m.inputs {
		if ref.Optional {
			continue
		}
		if _, err := os.Stat(ref.Path(mc.Workflow)); err != nil {
			return module.Failed(fmt.Errorf("%s: input %s not found: %w", id, ref.ID, err))
		}
	}
	cmd, err := m.command(mc)
	if err != nil {
		return module.Failed(err)
	}
	fingerprint, err := m.fingerprint(mc)
	if err != nil {
		return module.Failed(err)
	}
	for _, ref := range m.outputs {
		path := ref.Path(mc.Workflow)
		if path == "" {
			return module.Failed(fmt.Errorf("%s: output %s path could not be resolved", id, ref.ID))
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return module.Failed(fmt.Errorf("%s: create dir for %s: %w", id, ref.ID, err))
		}
		if err := m.removeStale(ref, path); err != nil {
			return module.Failed(fmt.Errorf("%s: remove stale %s: %w", id, ref.ID, err))
		}
	}

	logger := mc.Log().Named("plugin")
	stdout := &zapio.Writer{Log: logger, Level: zapcore.DebugLevel}
	stderr := &zapio.Writer{Log: logger, Level: zapcore.DebugLevel}
	defer stdout.Close()
	defer stderr.Close()
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	logger.Info("running plugin command", zap.String("cmd", cmd.String()))
	if _, err := mc.Executor.Execute(ctx, cmd); err != nil {
		return module.Failed(fmt.Errorf("%s: command failed: %w", id, err))
	}

	var written []string
	for _, ref := range m.outputs {
		path := ref.Path(mc.Workflow)
		if ref.Kind == artifact.KindMarker {
			if err := touch(path); err != nil {
				return module.Failed(fmt.Errorf("%s: write marker %s: %w", id, ref.ID, err))
			}
		}
		if _, err := os.Stat(path); err != nil {
			if ref.Optional {
				continue
			}
			return module.Failed(fmt.Errorf("%s: command finished without writing %s: %w", id, ref.ID, err))
		}
		meta := m.Metadata(mc, ref, fingerprint, m.inputs...)
		if err := mc.Artifacts.Record(ref, meta); err != nil {
			return module.Failed(fmt.Errorf("%s: record %s: %w", id, ref.ID, err))
		}
		written = append(written, path)
	}
	return module.Result{
		Status:  module.StatusCompleted,
		Message: fmt.Sprintf("%s wrote %s", defaultModuleName(m.definition), strings.Join(written, ", ")),
	}, nil
}

func (m *commandModule) command(mc *module.ModuleContext) (runner.Command, error) {
	id := m.definition.ID
	data := m.commandData(mc)
	cmd := runner.Command{
		Binary:  m.definition.Command.Binary,
		Timeout: m.timeout,
	}
	for _, tmpl := range m.args {
		arg, err := render(tmpl, data)
		if err != nil {
			return runner.Command{}, fmt.Errorf("%s: render %w", id, err)
		}
		cmd.Args = append(cmd.Args, arg)
	}
	if len(m.env) > 0 {
		cmd.Env = make(map[string]string, len(m.env))
		for key, tmpl := range m.env {
			value, err := render(tmpl, data)
			if err != nil {
				return runner.Command{}, fmt.Errorf("%s: render %w", id, err)
			}
			cmd.Env[key] = value
		}
	}
	dir, err := render(m.dir, data)
	if err != nil {
		return runner.Command{}, fmt.Errorf("%s: render %w", id, err)
	}
	switch {
	case strings.TrimSpace(dir) == "":
		dir = data.ProjectDir
	case !filepath.IsAbs(dir):
		dir = filepath.Join(data.ProjectDir, dir)
	}
	cmd.Dir = dir
	return cmd, nil
}

func (m *commandModule) commandData(mc *module.ModuleContext) CommandData {
	wf := mc.Workflow
	data := CommandData{
		PathData:   newPathData(wf),
		ProjectDir: mc.Config.ProjectDir,
		ImagePath:  wf.StagedImagePath(),
		Code:       wf.CodePath(),
		Step:       wf.StepPath(),
		Answers:    wf.AnswersPath(),
		Inputs:     make(map[string]string, len(m.inputs)),
		Outputs:    make(map[string]string, len(m.outputs)),
		Config:     map[string]any(m.config),
	}
	for _, ref := range m.inputs {
		data.Inputs[ref.ID] = ref.Path(wf)
	}
	for _, ref := range m.outputs {
		data.Outputs[ref.ID] = ref.Path(wf)
	}
	return data
}

func (m *commandModule) fingerprint(mc *module.ModuleContext) (string, error) {
	if err := runtime.ValidateContext(m.definition.ID, mc); err != nil {
		return "", err
	}
	cmd, err := m.command(mc)
	if err != nil {
		return "", err
	}
	pairs := []string{"binary", cmd.Binary, "args", strings.Join(cmd.Args, "\x00")}
	envKeys := make([]string, 0, len(cmd.Env))
	for key := range cmd.Env {
		envKeys = append(envKeys, key)
	}
	sort.Strings(envKeys)
	for _, key := range envKeys {
		pairs = append(pairs, "env."+key, cmd.Env[key])
	}
	for _, ref := range m.inputs {
		if ref.Kind == artifact.KindDirectory || ref.Kind == artifact.KindMarker {
			continue
		}
		sum, err := runtime.InputChecksum(mc, ref)
		if err != nil {
			return "", err
		}
		if sum == "" && !ref.Optional {
			return "", nil
		}
		pairs = append(pairs, "input."+ref.ID, sum)
	}
	return runtime.Fingerprint(pairs...), nil
}

// removeStale deletes an output left by an earlier run so a command that
// exits cleanly without writing it is caught. Directories and outputs the
// command also reads are kept.
func (m *commandModule) removeStale(ref artifact.ArtifactRef, path string) error {
	if ref.Kind == artifact.KindDirectory {
		return nil
	}
	if slices.ContainsFunc(m.inputs, func(in artifact.ArtifactRef) bool { return in.ID == ref.ID }) {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func resolveBindings(bindings []ArtifactBinding) ([]artifact.ArtifactRef, error) {
	refs := make([]artifact.ArtifactRef, 0, len(bindings))
	for _, binding := range bindings {
		ref, err := binding.Resolve()
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func defaultModuleName(def ModuleDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	return def.ID
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
