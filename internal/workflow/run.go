package workflow

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrRunNotFound is returned when a run has never been started.
var ErrRunNotFound = errors.New("workflow: run not found")

// RunInfo describes how a run was started. It is persisted next to the
// engine state so later commands (status, export) can rebind the image.
type RunInfo struct {
	Name       string    `yaml:"name"`
	WorkflowID string    `yaml:"workflow"`
	Image      string    `yaml:"image,omitempty"`
	ImageName  string    `yaml:"image_name,omitempty"`
	Backend    string    `yaml:"backend,omitempty"`
	Model      string    `yaml:"model,omitempty"`
	StartedAt  time.Time `yaml:"started_at"`
}

// Normalize ensures essential fields are present.
func (info RunInfo) Normalize() (RunInfo, error) {
	info.Name = strings.TrimSpace(info.Name)
	if err := ValidateRunName(info.Name); err != nil {
		return RunInfo{}, err
	}
	info.WorkflowID = strings.TrimSpace(info.WorkflowID)
	if info.WorkflowID == "" {
		return RunInfo{}, fmt.Errorf("workflow: run %s is missing a workflow id", info.Name)
	}
	info.Image = strings.TrimSpace(info.Image)
	if info.ImageName == "" && info.Image != "" {
		info.ImageName = filepath.Base(info.Image)
	}
	return info, nil
}

// SaveRunInfo writes run.yaml for the workflow's run.
func SaveRunInfo(wf *Workflow, info RunInfo) error {
	normalized, err := info.Normalize()
	if err != nil {
		return err
	}
	if err := wf.Initialize(); err != nil {
		return err
	}
	data, err := yaml.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("workflow: encode run info: %w", err)
	}
	return os.WriteFile(wf.RunInfoPath(), data, 0o644)
}

// LoadRunInfo reads run.yaml for the workflow's run.
func LoadRunInfo(wf *Workflow) (RunInfo, error) {
	data, err := os.ReadFile(wf.RunInfoPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return RunInfo{}, fmt.Errorf("%w: %s", ErrRunNotFound, wf.Name())
		}
		return RunInfo{}, err
	}
	var info RunInfo
	if err := yaml.Unmarshal(data, &info); err != nil {
		return RunInfo{}, fmt.Errorf("workflow: parse %s: %w", wf.RunInfoPath(), err)
	}
	return info.Normalize()
}

// ListRuns returns the names of runs with persisted state, sorted.
func ListRuns(stateDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(stateDir, RunsDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}
