package extract_code

import (
	"context"
	"fmt"
	"strconv"

	"github.com/kingrea/cadforge/internal/artifact"
	"github.com/kingrea/cadforge/internal/cadquery"
	"github.com/kingrea/cadforge/internal/jsonl"
	"github.com/kingrea/cadforge/internal/module"
	"github.com/kingrea/cadforge/internal/modules/runtime"
)

const (
	moduleID      = "extract-code"
	moduleVersion = "1.0.0"
)

// ExtractCodeModule turns the first answer into <name>.py.
type ExtractCodeModule struct {
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

// New constructs the module. cfg may set strip_fences or result_var.
func New(cfg module.Config) *ExtractCodeModule {
	info := module.Info{
		ID:          moduleID,
		Name:        "Extract CadQuery Code",
		Description: "Writes the first answer's text to <name>.py in the output folder.",
		Version:     moduleVersion,
	}
	base := module.NewBase(info)
	base.SetInputs(artifact.AnswersFile)
	base.SetOutputs(artifact.CadQueryCode)
	return &ExtractCodeModule{Base: &base, overrides: cfg}
}

// ArtifactFingerprints ties the code to the answers it came from.
func (m *ExtractCodeModule) ArtifactFingerprints(mc *module.ModuleContext) (map[string]string, error) {
	fingerprint, ok, err := m.fingerprint(mc)
	if err != nil || !ok {
		return nil, err
	}
	return map[string]string{artifact.CadQueryCode.ID: fingerprint}, nil
}

// IsComplete reports whether the code file is recorded by this module.
func (m *ExtractCodeModule) IsComplete(mc *module.ModuleContext) (bool, error) {
	if err := runtime.ValidateContext(moduleID, mc); err != nil {
		return false, err
	}
	return m.OutputsReady(mc)
}

// Run writes the code file. A file edited by hand after extraction is kept
// as long as the answers it came from have not changed.
func (m *ExtractCodeModule) Run(_ context.Context, mc *module.ModuleContext) (module.Result, error) {
	if err := runtime.ValidateContext(moduleID, mc); err != nil {
		return module.Failed(err)
	}
	settings, err := runtime.ResolveSettings(mc.Config, m.overrides)
	if err != nil {
		return module.Failed(fmt.Errorf("%s: %w", moduleID, err))
	}
	fingerprint, ok, err := m.fingerprint(mc)
	if err != nil {
		return module.Failed(err)
	}
	if !ok {
		err := runtime.RequireFile(moduleID, "answers file", mc.Workflow.AnswersPath())
		if err == nil {
			err = fmt.Errorf("%s: answers file unavailable", moduleID)
		}
		return module.Failed(err)
	}
	codePath := mc.Workflow.CodePath()

	adopted, err := m.adoptEdit(mc, fingerprint)
	if err != nil {
		return module.Failed(err)
	}
	if adopted {
		runtime.Note(mc, "%s: keeping hand-edited %s", moduleID, codePath)
		return module.Result{
			Status:  module.StatusCompleted,
			Message: fmt.Sprintf("Kept hand-edited CadQuery code at %s", codePath),
		}, nil
	}

	answer, err := jsonl.ReadAnswerFile(mc.Workflow.AnswersPath())
	if err != nil {
		return module.Failed(fmt.Errorf("%s: %w", moduleID, err))
	}
	code := cadquery.ExtractCode(answer.TextOf(), settings.StripFences)
	if code == "" {
		return module.Failed(fmt.Errorf("%s: %w", moduleID, cadquery.ErrEmptyCode))
	}
	meta := m.Metadata(mc, artifact.CadQueryCode, fingerprint, artifact.AnswersFile)
	if err := mc.Artifacts.Write(artifact.CadQueryCode, []byte(code), meta); err != nil {
		return module.Failed(fmt.Errorf("%s: write code: %w", moduleID, err))
	}
	if !cadquery.AssignsVariable(code, settings.Export.ResultVar) {
		runtime.Warn(mc, "%s: %s does not appear to assign `%s`; export will likely fail", moduleID, codePath, settings.Export.ResultVar)
	}
	return module.Result{
		Status:  module.StatusCompleted,
		Message: fmt.Sprintf("CadQuery code saved to %s", codePath),
	}, nil
}

// adoptEdit re-records a hand-edited code file whose recorded answers
// fingerprint still matches.
func (m *ExtractCodeModule) adoptEdit(mc *module.ModuleContext, fingerprint string) (bool, error) {
	check, err := mc.Artifacts.Check(artifact.CadQueryCode)
	if err != nil {
		return false, fmt.Errorf("%s: check code: %w", moduleID, err)
	}
	if !check.Edited() {
		return false, nil
	}
	stored := check.Metadata.Notes[module.FingerprintNoteKey(artifact.CadQueryCode.ID)]
	if stored != fingerprint || check.Metadata.ModuleID != moduleID || check.Metadata.Version != moduleVersion {
		return false, nil
	}
	meta := m.Metadata(mc, artifact.CadQueryCode, fingerprint, artifact.AnswersFile)
	meta.Notes["edited"] = "true"
	if err := mc.Artifacts.Record(artifact.CadQueryCode, meta); err != nil {
		return false, fmt.Errorf("%s: record edited code: %w", moduleID, err)
	}
	return true, nil
}

func (m *ExtractCodeModule) fingerprint(mc *module.ModuleContext) (string, bool, error) {
	if err := runtime.ValidateContext(moduleID, mc); err != nil {
		return "", false, err
	}
	settings, err := runtime.ResolveSettings(mc.Config, m.overrides)
	if err != nil {
		return "", false, fmt.Errorf("%s: %w", moduleID, err)
	}
	answersSum, err := runtime.InputChecksum(mc, artifact.AnswersFile)
	if err != nil || answersSum == "" {
		return "", false, err
	}
	return runtime.Fingerprint(
		"answers", answersSum,
		"strip_fences", strconv.FormatBool(settings.StripFences),
	), true, nil
}
