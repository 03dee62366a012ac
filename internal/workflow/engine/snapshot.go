package engine

import (
	"maps"
	"slices"
	"time"

	"github.com/kingrea/cadforge/internal/module"
	"github.com/kingrea/cadforge/internal/workflow"
	"github.com/kingrea/cadforge/internal/workflow/resolver"
	"github.com/kingrea/cadforge/internal/workflow/scheduler"
)

// EngineStatus is the overall phase of a run.
type EngineStatus string

const (
	EngineStatusUnknown  EngineStatus = "unknown"
	EngineStatusRunning  EngineStatus = "running"
	EngineStatusBlocked  EngineStatus = "blocked"
	EngineStatusComplete EngineStatus = "complete"
	EngineStatusError    EngineStatus = "error"
)

// State is the snapshot stored in engine.json.
type State struct {
	RunID        string                          `json:"run_id"`
	WorkflowID   string                          `json:"workflow_id"`
	Definition   workflow.WorkflowDefinition     `json:"definition"`
	Status       EngineStatus                    `json:"status"`
	StatusReason string                          `json:"status_reason,omitempty"`
	Runtime      EngineRuntime                   `json:"runtime"`
	Nodes        []ModuleStatus                  `json:"nodes"`
	Runnable     []string                        `json:"runnable"`
	Skipped      map[string]scheduler.SkipReason `json:"skipped,omitempty"`
	Runs         map[string]ModuleRun            `json:"runs,omitempty"`
	UpdatedAt    time.Time                       `json:"updated_at"`
}

// Node returns the status of one workflow node.
func (s State) Node(id string) (ModuleStatus, bool) {
	i := slices.IndexFunc(s.Nodes, func(n ModuleStatus) bool { return n.ID == id })
	if i < 0 {
		return ModuleStatus{}, false
	}
	return s.Nodes[i], true
}

// Progress counts complete nodes against the total.
func (s State) Progress() (done, total int) {
	for _, node := range s.Nodes {
		if node.State == resolver.NodeStateComplete {
			done++
		}
	}
	return done, len(s.Nodes)
}

// EngineRuntime holds the scheduling constraints carried between calls.
type EngineRuntime struct {
	Targets     []string `json:"targets,omitempty"`
	BatchSize   int      `json:"batch_size,omitempty"`
	MaxParallel int      `json:"max_parallel,omitempty"`
	Running     []string `json:"running,omitempty"`
	// Skip holds modules that must not be dispatched again this run.
	Skip []string `json:"skip,omitempty"`
	// Overrides are layered over every module's workflow config.
	Overrides map[string]any `json:"overrides,omitempty"`
}

// RuntimeOverrides replaces the EngineRuntime fields that are non-nil.
type RuntimeOverrides struct {
	Targets     *[]string
	BatchSize   *int
	MaxParallel *int
	Running     *[]string
	Skip        *[]string
	Overrides   *map[string]any
}

// ModuleStatus is the resolved view of one node.
type ModuleStatus struct {
	ID           string                    `json:"id"`
	ModuleID     string                    `json:"module_id"`
	Name         string                    `json:"name"`
	Description  string                    `json:"description,omitempty"`
	Optional     bool                      `json:"optional,omitempty"`
	Concurrency  module.ConcurrencyProfile `json:"concurrency"`
	State        resolver.NodeState        `json:"state"`
	Dependencies []string                  `json:"dependencies,omitempty"`
	Dependents   []string                  `json:"dependents,omitempty"`
	BlockedBy    []string                  `json:"blocked_by,omitempty"`
	Error        string                    `json:"error,omitempty"`
	Artifacts    map[string]ArtifactStatus `json:"artifacts,omitempty"`
	LastRun      *ModuleRun                `json:"last_run,omitempty"`
}

// ArtifactStatus is the fingerprint comparison for one output.
type ArtifactStatus struct {
	ID                  string                `json:"id"`
	Status              module.ArtifactStatus `json:"status"`
	ExpectedFingerprint string                `json:"expected_fingerprint,omitempty"`
	StoredFingerprint   string                `json:"stored_fingerprint,omitempty"`
	Error               string                `json:"error,omitempty"`
}

// ModuleRun is the last reported result of a node.
type ModuleRun struct {
	Status     module.Status `json:"status"`
	Message    string        `json:"message,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at,omitzero"`
	FinishedAt time.Time     `json:"finished_at"`
	// Attempts counts reports for the node within this run id.
	Attempts int `json:"attempts,omitempty"`
}

// Duration is zero when the start time was not reported.
func (r ModuleRun) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func (rt EngineRuntime) schedulerRequest() scheduler.RunnableRequest {
	return scheduler.RunnableRequest{
		Targets:     slices.Clone(rt.Targets),
		BatchSize:   rt.BatchSize,
		MaxParallel: rt.MaxParallel,
		Running:     slices.Clone(rt.Running),
		Skip:        slices.Clone(rt.Skip),
	}
}

func (rt EngineRuntime) clone() EngineRuntime {
	out := rt
	out.Targets = slices.Clone(rt.Targets)
	out.Running = slices.Clone(rt.Running)
	out.Skip = slices.Clone(rt.Skip)
	out.Overrides = maps.Clone(rt.Overrides)
	return out
}

// with applies o on top of rt.
func (rt EngineRuntime) with(o *RuntimeOverrides) EngineRuntime {
	out := rt.clone()
	if o == nil {
		return out
	}
	if o.Targets != nil {
		out.Targets = slices.Clone(*o.Targets)
	}
	if o.BatchSize != nil {
		out.BatchSize = *o.BatchSize
	}
	if o.MaxParallel != nil {
		out.MaxParallel = *o.MaxParallel
	}
	if o.Running != nil {
		out.Running = slices.Clone(*o.Running)
	}
	if o.Skip != nil {
		out.Skip = slices.Clone(*o.Skip)
	}
	if o.Overrides != nil {
		out.Overrides = maps.Clone(*o.Overrides)
	}
	return out
}
