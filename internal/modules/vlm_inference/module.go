package vlm_inference

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/cadforge/internal/artifact"
	"github.com/kingrea/cadforge/internal/jsonl"
	"github.com/kingrea/cadforge/internal/module"
	"github.com/kingrea/cadforge/internal/modules/runtime"
	"github.com/kingrea/cadforge/internal/vision"
)

const (
	moduleID      = "vlm-inference"
	moduleVersion = "1.0.0"
)

// InferenceModule runs the vision-language model over the staged question.
type InferenceModule struct {
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

// New constructs the module. cfg may override backend, model or python.
func New(cfg module.Config) *InferenceModule {
	info := module.Info{
		ID:          moduleID,
		Name:        "Vision Model Inference",
		Description: "Runs the vision-language model and collects its answers file.",
		Version:     moduleVersion,
		// One model load at a time; the loader holds the whole GPU.
		Concurrency: module.ConcurrencyProfile{Exclusive: true},
	}
	base := module.NewBase(info)
	base.SetInputs(artifact.QuestionFile, artifact.StagedImage)
	base.SetOutputs(artifact.AnswersFile)
	return &InferenceModule{Base: &base, overrides: cfg}
}

// ArtifactFingerprints covers the decoding settings and both inputs. No
// fingerprint is reported until the inputs exist.
func (m *InferenceModule) ArtifactFingerprints(mc *module.ModuleContext) (map[string]string, error) {
	fingerprint, ok, err := m.fingerprint(mc)
	if err != nil || !ok {
		return nil, err
	}
	return map[string]string{artifact.AnswersFile.ID: fingerprint}, nil
}

// IsComplete reports whether the answers file is recorded by this module.
func (m *InferenceModule) IsComplete(mc *module.ModuleContext) (bool, error) {
	if err := runtime.ValidateContext(moduleID, mc); err != nil {
		return false, err
	}
	return m.OutputsReady(mc)
}

// Run builds the configured backend and waits for its answers file.
func (m *InferenceModule) Run(ctx context.Context, mc *module.ModuleContext) (module.Result, error) {
	if err := runtime.ValidateContext(moduleID, mc); err != nil {
		return module.Failed(err)
	}
	if mc.Backends == nil {
		return module.Failed(fmt.Errorf("%s: no vision backend factory configured", moduleID))
	}
	settings, err := m.settings(mc)
	if err != nil {
		return module.Failed(err)
	}
	question, err := readQuestion(mc)
	if err != nil {
		return module.Failed(err)
	}
	backend, err := mc.Backends(settings.Inference)
	if err != nil {
		return module.Failed(fmt.Errorf("%s: %w", moduleID, err))
	}
	req := vision.Request{
		WorkDir:      mc.Config.ProjectDir,
		QuestionID:   question.QuestionID,
		Prompt:       question.Text,
		QuestionPath: mc.Workflow.QuestionPath(),
		ImagesDir:    mc.Workflow.ImagesDir(),
		ImagePath:    mc.Workflow.StagedImagePath(),
		AnswersPath:  mc.Workflow.AnswersPath(),
	}
	runtime.Note(mc, "running %s inference with %s", backend.Name(), backend.Model())
	started := time.Now()
	if err := backend.Generate(ctx, req); err != nil {
		return module.Failed(fmt.Errorf("%s: %w", moduleID, err))
	}
	if _, err := jsonl.ReadAnswerFile(req.AnswersPath); err != nil {
		return module.Failed(fmt.Errorf("%s: %w", moduleID, err))
	}
	fingerprint, _, err := m.fingerprint(mc)
	if err != nil {
		return module.Failed(err)
	}
	meta := m.Metadata(mc, artifact.AnswersFile, fingerprint, artifact.QuestionFile, artifact.StagedImage)
	if meta.Notes == nil {
		meta.Notes = map[string]string{}
	}
	meta.Notes["backend"] = backend.Name()
	meta.Notes["model"] = backend.Model()
	if err := mc.Artifacts.Record(artifact.AnswersFile, meta); err != nil {
		return module.Failed(fmt.Errorf("%s: record answers: %w", moduleID, err))
	}
	mc.Log().Info("inference finished",
		zap.String("backend", backend.Name()),
		zap.String("model", backend.Model()),
		zap.Duration("duration", time.Since(started)),
	)
	return module.Result{
		Status:  module.StatusCompleted,
		Message: fmt.Sprintf("answers written to %s", req.AnswersPath),
	}, nil
}

func (m *InferenceModule) settings(mc *module.ModuleContext) (runtime.Settings, error) {
	settings, err := runtime.ResolveSettings(mc.Config, m.overrides)
	if err != nil {
		return runtime.Settings{}, fmt.Errorf("%s: %w", moduleID, err)
	}
	if python, ok := m.overrides.String(runtime.KeyPython); ok {
		settings.Inference.Python = python
	}
	return settings, nil
}

func (m *InferenceModule) fingerprint(mc *module.ModuleContext) (string, bool, error) {
	if err := runtime.ValidateContext(moduleID, mc); err != nil {
		return "", false, err
	}
	settings, err := m.settings(mc)
	if err != nil {
		return "", false, err
	}
	questionSum, err := runtime.InputChecksum(mc, artifact.QuestionFile)
	if err != nil {
		return "", false, err
	}
	imageSum, err := runtime.InputChecksum(mc, artifact.StagedImage)
	if err != nil {
		return "", false, err
	}
	if questionSum == "" || imageSum == "" {
		return "", false, nil
	}
	inf := settings.Inference
	return runtime.Fingerprint(
		"backend", inf.Backend,
		"model", settings.InferenceModel(),
		"module", inf.Module,
		"conv_mode", inf.ConvMode,
		"temperature", strconv.FormatFloat(inf.Temperature, 'f', -1, 64),
		"max_new_tokens", strconv.Itoa(inf.MaxNewTokens),
		"num_chunks", strconv.Itoa(inf.NumChunks),
		"chunk_idx", strconv.Itoa(inf.ChunkIdx),
		"question", questionSum,
		"image", imageSum,
	), true, nil
}

func readQuestion(mc *module.ModuleContext) (jsonl.Question, error) {
	path := mc.Workflow.QuestionPath()
	if err := runtime.RequireFile(moduleID, "question file", path); err != nil {
		return jsonl.Question{}, err
	}
	question, err := jsonl.ReadQuestionFile(path)
	if err != nil {
		return jsonl.Question{}, fmt.Errorf("%s: %w", moduleID, err)
	}
	return question, nil
}
