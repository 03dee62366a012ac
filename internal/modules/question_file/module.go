package question_file

import (
	"context"
	"fmt"
	"strconv"

	"github.com/kingrea/cadforge/internal/artifact"
	"github.com/kingrea/cadforge/internal/jsonl"
	"github.com/kingrea/cadforge/internal/module"
	"github.com/kingrea/cadforge/internal/modules/runtime"
)

const (
	moduleID      = "question-file"
	moduleVersion = "1.0.0"
)

// QuestionFileModule writes the one-line question file for the staged image.
type QuestionFileModule struct {
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

// New constructs the module. cfg may override the prompt or result_var.
func New(cfg module.Config) *QuestionFileModule {
	info := module.Info{
		ID:          moduleID,
		Name:        "Write Question File",
		Description: "Writes input.jsonl pairing the staged image with the prompt.",
		Version:     moduleVersion,
	}
	base := module.NewBase(info)
	base.SetInputs(artifact.StagedImage)
	base.SetOutputs(artifact.QuestionFile)
	return &QuestionFileModule{Base: &base, overrides: cfg}
}

// ArtifactFingerprints covers everything written into the question line.
func (m *QuestionFileModule) ArtifactFingerprints(mc *module.ModuleContext) (map[string]string, error) {
	question, err := m.question(mc)
	if err != nil {
		return nil, err
	}
	return map[string]string{artifact.QuestionFile.ID: fingerprint(question)}, nil
}

// IsComplete reports whether the question file is recorded by this module.
func (m *QuestionFileModule) IsComplete(mc *module.ModuleContext) (bool, error) {
	if err := runtime.ValidateContext(moduleID, mc); err != nil {
		return false, err
	}
	return m.OutputsReady(mc)
}

// Run renders the prompt and writes the question line.
func (m *QuestionFileModule) Run(_ context.Context, mc *module.ModuleContext) (module.Result, error) {
	question, err := m.question(mc)
	if err != nil {
		return module.Failed(err)
	}
	body, err := jsonl.Marshal(question)
	if err != nil {
		return module.Failed(fmt.Errorf("%s: %w", moduleID, err))
	}
	meta := m.Metadata(mc, artifact.QuestionFile, fingerprint(question), artifact.StagedImage)
	if err := mc.Artifacts.Write(artifact.QuestionFile, body, meta); err != nil {
		return module.Failed(fmt.Errorf("%s: write question: %w", moduleID, err))
	}
	return module.Result{
		Status:  module.StatusCompleted,
		Message: fmt.Sprintf("wrote %s", mc.Workflow.QuestionPath()),
	}, nil
}

func (m *QuestionFileModule) question(mc *module.ModuleContext) (jsonl.Question, error) {
	if err := runtime.ValidateContext(moduleID, mc); err != nil {
		return jsonl.Question{}, err
	}
	image := mc.Workflow.ImageName()
	if image == "" {
		return jsonl.Question{}, fmt.Errorf("%s: no image bound to run %s", moduleID, mc.Workflow.Name())
	}
	settings, err := runtime.ResolveSettings(mc.Config, m.overrides)
	if err != nil {
		return jsonl.Question{}, fmt.Errorf("%s: %w", moduleID, err)
	}
	prompt, err := settings.RenderedPrompt()
	if err != nil {
		return jsonl.Question{}, fmt.Errorf("%s: %w", moduleID, err)
	}
	return jsonl.Question{
		QuestionID: settings.QuestionID,
		Image:      image,
		Text:       prompt,
	}, nil
}

func fingerprint(q jsonl.Question) string {
	return runtime.Fingerprint(
		"question_id", strconv.Itoa(q.QuestionID),
		"image", q.Image,
		"text", q.Text,
	)
}
