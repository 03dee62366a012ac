package pipeline

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/kingrea/cadforge/internal/artifact"
	"github.com/kingrea/cadforge/internal/config"
	"github.com/kingrea/cadforge/internal/module"
	"github.com/kingrea/cadforge/internal/workflow"
	"github.com/kingrea/cadforge/internal/workflow/engine"
)

// OutputStatus describes one output file of a run.
type OutputStatus struct {
	ID     string
	Name   string
	Path   string
	Exists bool
	// Edited is true when the file changed after it was recorded.
	Edited bool
	Meta   *artifact.Metadata
}

// StatusReport is the persisted view of a run used by `cadforge status`.
type StatusReport struct {
	Info    workflow.RunInfo
	State   engine.State
	Outputs []OutputStatus
}

// LoadStatus reads the run info, last engine snapshot and output files of the
// run called name. It never re-evaluates modules.
func LoadStatus(cfg *config.Config, name string) (StatusReport, error) {
	if err := workflow.ValidateRunName(name); err != nil {
		return StatusReport{}, err
	}
	wf := workflow.ForConfig(cfg, name)
	info, err := workflow.LoadRunInfo(wf)
	if err != nil {
		return StatusReport{}, err
	}
	wf = wf.WithImage(info.ImageName)
	eng, err := engine.New(module.NewRegistry(), engine.NewRepository(wf))
	if err != nil {
		return StatusReport{}, err
	}
	state, err := eng.View()
	if err != nil && !errors.Is(err, engine.ErrStateNotFound) {
		return StatusReport{}, fmt.Errorf("pipeline: load engine state: %w", err)
	}
	report := StatusReport{Info: info, State: state}
	store := artifact.NewStore(wf)
	// Outputs of the last workflow plus anything an earlier workflow of the
	// same run recorded, e.g. the code behind an export-only run.
	recorded, err := store.Entries()
	if err != nil {
		return StatusReport{}, fmt.Errorf("pipeline: load manifest: %w", err)
	}
	ids := map[string]struct{}{}
	for id := range recorded {
		ids[id] = struct{}{}
	}
	for _, node := range state.Nodes {
		for id := range node.Artifacts {
			ids[id] = struct{}{}
		}
	}
	for _, id := range slices.Sorted(maps.Keys(ids)) {
		ref, ok := artifact.Lookup(id)
		if !ok {
			continue
		}
		out := OutputStatus{ID: id, Name: ref.Name, Path: ref.Path(wf)}
		if out.Path != "" {
			if _, statErr := os.Stat(out.Path); statErr == nil {
				out.Exists = true
			}
		}
		if check, err := store.Check(ref); err == nil || check.Metadata != nil {
			out.Meta = check.Metadata
			out.Edited = check.Edited()
		}
		report.Outputs = append(report.Outputs, out)
	}
	return report, nil
}
