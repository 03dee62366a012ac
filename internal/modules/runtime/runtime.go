// Package runtime holds helpers shared by the built-in modules: context
// validation, settings overrides and fingerprint hashing.
package runtime

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/kingrea/cadforge/internal/artifact"
	"github.com/kingrea/cadforge/internal/cadquery"
	"github.com/kingrea/cadforge/internal/config"
	"github.com/kingrea/cadforge/internal/module"
)

// Module config keys understood by the built-in modules.
const (
	KeyModel       = "model"
	KeyBackend     = "backend"
	KeyPrompt      = "prompt"
	KeyResultVar   = "result_var"
	KeyPython      = "python"
	KeyStripFences = "strip_fences"
	KeyKeepRunner  = "keep_runner"
)

// ValidateContext ensures modules receive a usable context.
func ValidateContext(moduleID string, mc *module.ModuleContext) error {
	if mc == nil {
		return fmt.Errorf("%s: context is nil", moduleID)
	}
	if mc.Config == nil {
		return fmt.Errorf("%s: config is required", moduleID)
	}
	if mc.Workflow == nil {
		return fmt.Errorf("%s: workflow is required", moduleID)
	}
	if mc.Artifacts == nil {
		return fmt.Errorf("%s: artifact store is required", moduleID)
	}
	return nil
}

// Settings is the project configuration with module overrides applied.
type Settings struct {
	Inference   config.InferenceConfig
	Export      config.ExportConfig
	Prompt      string
	QuestionID  int
	StripFences bool
}

// ResolveSettings applies module config overrides on top of the project
// config. The python key targets whichever interpreter the module uses, so
// it is left for the caller.
func ResolveSettings(cfg *config.Config, overrides module.Config) (Settings, error) {
	project := cfg.Project
	settings := Settings{
		Inference:   project.Inference,
		Export:      project.Export,
		Prompt:      project.Prompt.Text,
		QuestionID:  project.Prompt.QuestionID,
		StripFences: project.Extract.StripFences,
	}
	if backend, ok := overrides.String(KeyBackend); ok {
		backend = strings.ToLower(backend)
		if backend != config.BackendLLaVA && backend != config.BackendGemini {
			return Settings{}, fmt.Errorf("module config backend must be %s or %s, got %q", config.BackendLLaVA, config.BackendGemini, backend)
		}
		settings.Inference.Backend = backend
	}
	if model, ok := overrides.String(KeyModel); ok {
		if settings.Inference.Backend == config.BackendGemini {
			settings.Inference.Gemini.Model = model
		} else {
			settings.Inference.Model = model
		}
	}
	if prompt, ok := overrides.String(KeyPrompt); ok {
		settings.Prompt = prompt
	}
	if resultVar, ok := overrides.String(KeyResultVar); ok {
		if !config.IsIdentifier(resultVar) {
			return Settings{}, fmt.Errorf("module config result_var %q is not a valid identifier", resultVar)
		}
		settings.Export.ResultVar = resultVar
	}
	strip, set, err := overrides.Bool(KeyStripFences)
	if err != nil {
		return Settings{}, err
	}
	if set {
		settings.StripFences = strip
	}
	keep, set, err := overrides.Bool(KeyKeepRunner)
	if err != nil {
		return Settings{}, err
	}
	if set {
		settings.Export.KeepRunner = keep
	}
	return settings, nil
}

// RenderedPrompt expands the prompt template for the configured result var.
func (s Settings) RenderedPrompt() (string, error) {
	return cadquery.RenderPrompt(s.Prompt, s.Export.ResultVar)
}

// InferenceModel returns the model name the selected backend will use.
func (s Settings) InferenceModel() string {
	if s.Inference.Backend == config.BackendGemini {
		return s.Inference.Gemini.Model
	}
	return s.Inference.Model
}

// Fingerprint hashes key/value pairs into a stable identifier. Pairs are
// hashed in the order given.
func Fingerprint(pairs ...string) string {
	hash := sha256.New()
	for i := 0; i < len(pairs); i += 2 {
		key := pairs[i]
		value := ""
		if i+1 < len(pairs) {
			value = pairs[i+1]
		}
		fmt.Fprintf(hash, "%s=%s\n", key, strconv.Quote(value))
	}
	return "v1:" + hex.EncodeToString(hash.Sum(nil))[:32]
}

// InputChecksum returns the checksum of an input artifact, or "" when the
// file does not exist yet.
func InputChecksum(mc *module.ModuleContext, ref artifact.ArtifactRef) (string, error) {
	path := ref.Path(mc.Workflow)
	if path == "" {
		return "", nil
	}
	sum, err := artifact.FileChecksum(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return sum, nil
}

// RequireFile returns a file-not-found error naming what is missing. A
// directory where a file is expected counts as missing.
func RequireFile(moduleID, label, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %s not found: %w", moduleID, label, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist})
		}
		return fmt.Errorf("%s: %s: %w", moduleID, label, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s: %s not found: %w", moduleID, label, &fs.PathError{Op: "open", Path: path, Err: fmt.Errorf("is a directory: %w", fs.ErrNotExist)})
	}
	return nil
}

// Note records a line in the journal and the structured log.
func Note(mc *module.ModuleContext, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if mc.Logbook != nil {
		mc.Logbook.Info("%s", msg)
	}
	mc.Log().Info(msg)
}

// Warn records a warning in the journal and the structured log.
func Warn(mc *module.ModuleContext, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if mc.Logbook != nil {
		mc.Logbook.Warn("%s", msg)
	}
	mc.Log().Warn(msg)
}
