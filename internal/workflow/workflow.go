// internal/workflow/workflow.go
//
// Resolves every on-disk location used by a single named run. Inputs and
// outputs live in the project layout (staging, results, output dirs) while
// provenance and engine state live under .cadforge/runs/<name>/.

package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kingrea/cadforge/internal/config"
)

// Directory and file names used by a run.
const (
	RunsDir          = "runs"
	ImagesDir        = "images"
	FileQuestion     = "input.jsonl"
	FileManifest     = "manifest.yaml"
	FileEngineState  = "engine.json"
	FileRunInfo      = "run.yaml"
	FileExportRunner = "_cq_to_step.py"
	ExtCode          = ".py"
	ExtStep          = ".step"
	ExtAnswers       = ".jsonl"
)

// Layout mirrors the configured project directories. All paths are absolute.
type Layout struct {
	StagingDir string
	ResultsDir string
	OutputDir  string
}

// Workflow resolves paths for one run.
type Workflow struct {
	stateDir  string
	layout    Layout
	name      string
	imageName string
}

// New creates a path resolver for the run called name. stateDir is the
// project's .cadforge directory.
func New(stateDir string, layout Layout, name string) *Workflow {
	return &Workflow{
		stateDir: stateDir,
		layout:   layout,
		name:     strings.TrimSpace(name),
	}
}

// ForConfig creates the resolver for name using the project's configured
// layout and state directory.
func ForConfig(cfg *config.Config, name string) *Workflow {
	layout := cfg.Project.Layout
	return New(cfg.StateDir, Layout{
		StagingDir: layout.StagingDir,
		ResultsDir: layout.ResultsDir,
		OutputDir:  layout.OutputDir,
	}, name)
}

// WithImage returns a copy bound to the staged image file name.
func (w *Workflow) WithImage(imageName string) *Workflow {
	clone := *w
	clone.imageName = filepath.Base(strings.TrimSpace(imageName))
	if clone.imageName == "." || clone.imageName == string(filepath.Separator) {
		clone.imageName = ""
	}
	return &clone
}

// Name returns the run name.
func (w *Workflow) Name() string {
	return w.name
}

// ImageName returns the staged image file name, if known.
func (w *Workflow) ImageName() string {
	return w.imageName
}

// StateDir returns the .cadforge directory.
func (w *Workflow) StateDir() string {
	return w.stateDir
}

// Layout returns the configured directories.
func (w *Workflow) Layout() Layout {
	return w.layout
}

// Dir returns the run state directory (.cadforge/runs/<name>)
func (w *Workflow) Dir() string {
	return filepath.Join(w.stateDir, RunsDir, w.name)
}

// StagingDir returns the single-example staging directory
func (w *Workflow) StagingDir() string {
	return w.layout.StagingDir
}

// ImagesDir returns the folder passed as --image-folder
func (w *Workflow) ImagesDir() string {
	return filepath.Join(w.layout.StagingDir, ImagesDir)
}

// StagedImagePath returns the copy of the input image, or "" when no image is bound
func (w *Workflow) StagedImagePath() string {
	if w.imageName == "" {
		return ""
	}
	return filepath.Join(w.ImagesDir(), w.imageName)
}

// QuestionPath returns the path to input.jsonl
func (w *Workflow) QuestionPath() string {
	return filepath.Join(w.layout.StagingDir, FileQuestion)
}

// ResultsDir returns the per-run answers directory
func (w *Workflow) ResultsDir() string {
	return filepath.Join(w.layout.ResultsDir, w.name)
}

// AnswersPath returns <results>/<name>/<name>.jsonl
func (w *Workflow) AnswersPath() string {
	return filepath.Join(w.ResultsDir(), w.name+ExtAnswers)
}

// CodePath returns <output>/<name>.py
func (w *Workflow) CodePath() string {
	return filepath.Join(w.layout.OutputDir, w.name+ExtCode)
}

// StepPath returns <output>/<name>.step
func (w *Workflow) StepPath() string {
	return filepath.Join(w.layout.OutputDir, w.name+ExtStep)
}

// ManifestPath returns the provenance manifest for this run
func (w *Workflow) ManifestPath() string {
	return filepath.Join(w.Dir(), FileManifest)
}

// EngineStatePath returns the persisted engine snapshot
func (w *Workflow) EngineStatePath() string {
	return filepath.Join(w.Dir(), FileEngineState)
}

// RunInfoPath returns the persisted run description
func (w *Workflow) RunInfoPath() string {
	return filepath.Join(w.Dir(), FileRunInfo)
}

// ExportRunnerPath returns the temporary export wrapper location
func (w *Workflow) ExportRunnerPath() string {
	return filepath.Join(w.Dir(), FileExportRunner)
}

// Initialize creates the run state directory
func (w *Workflow) Initialize() error {
	if w.name == "" {
		return fmt.Errorf("workflow: run name is required")
	}
	return os.MkdirAll(w.Dir(), 0o755)
}

var runNamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]*$`)

// ValidateRunName rejects names that would escape the output directory or
// cannot be used as a file stem.
func ValidateRunName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("workflow: run name is required")
	}
	if trimmed != name {
		return fmt.Errorf("workflow: run name %q has surrounding whitespace", name)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("workflow: run name %q must not contain path separators", name)
	}
	if !runNamePattern.MatchString(name) {
		return fmt.Errorf("workflow: run name %q may only use letters, digits, '_' and '-'", name)
	}
	return nil
}

var unsafeRunChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// SanitizeRunName turns an arbitrary file stem into a valid run name.
func SanitizeRunName(stem string) string {
	clean := unsafeRunChars.ReplaceAllString(strings.TrimSpace(stem), "_")
	clean = strings.TrimLeft(clean, "_-")
	if clean == "" {
		return "run"
	}
	return clean
}
