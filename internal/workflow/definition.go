package workflow

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Inputs a workflow can require from the run before any module starts.
const (
	// InputImage means the run must be given a source image.
	InputImage = "image"
	// InputCode means <name>.py must already exist.
	InputCode = "code"
)

var knownInputs = []string{InputImage, InputCode}

// WorkflowDefinition is one entry of the workflow catalog: a set of module
// instances plus the dependency edges between them.
//
//	id: image-to-step
//	requires: [image]
//	modules:
//	  - id: stage-image
//	    module: stage-image
//	  - id: question-file
//	    module: question-file
//	    depends_on: [stage-image]
type WorkflowDefinition struct {
	ID          string                `json:"id" yaml:"id"`
	Name        string                `json:"name" yaml:"name"`
	Description string                `json:"description,omitempty" yaml:"description,omitempty"`
	Requires    []string              `json:"requires,omitempty" yaml:"requires,omitempty"`
	Modules     []ModuleRef           `json:"modules" yaml:"modules"`
	Graph       DependencyGraph       `json:"graph,omitempty" yaml:"graph,omitempty"`
	Metadata    map[string]string     `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Runtime     WorkflowRuntimeConfig `json:"runtime,omitempty" yaml:"runtime,omitempty"`
}

// WorkflowRuntimeConfig holds execution limits for a workflow.
type WorkflowRuntimeConfig struct {
	MaxParallel int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`
}

// Needs reports whether the workflow lists input in requires.
func (def WorkflowDefinition) Needs(input string) bool {
	return slices.Contains(def.Requires, input)
}

// Clone returns a deep copy.
func (def WorkflowDefinition) Clone() WorkflowDefinition {
	clone := def
	clone.Requires = slices.Clone(def.Requires)
	clone.Graph = def.Graph.Clone()
	clone.Metadata = maps.Clone(def.Metadata)
	clone.Modules = nil
	for _, ref := range def.Modules {
		clone.Modules = append(clone.Modules, ref.Clone())
	}
	return clone
}

// Normalized folds each module's depends_on into the graph, trims and sorts
// requires, clamps runtime limits and validates the result.
func (def WorkflowDefinition) Normalized() (WorkflowDefinition, error) {
	out := def.Clone()
	out.ID = strings.TrimSpace(out.ID)
	if out.Graph == nil {
		out.Graph = DependencyGraph{}
	}
	for _, ref := range out.Modules {
		out.Graph.add(ref.InstanceID(), ref.DependsOn...)
	}
	var requires []string
	for _, input := range out.Requires {
		if input = strings.ToLower(strings.TrimSpace(input)); input != "" && !slices.Contains(requires, input) {
			requires = append(requires, input)
		}
	}
	slices.Sort(requires)
	out.Requires = requires
	out.Runtime.MaxParallel = max(out.Runtime.MaxParallel, 0)
	if err := out.Validate(); err != nil {
		return WorkflowDefinition{}, err
	}
	return out, nil
}

// Validate checks module references, graph edges, cycles and requires.
func (def WorkflowDefinition) Validate() error {
	if def.ID == "" {
		return fmt.Errorf("workflow: id is required")
	}
	if len(def.Modules) == 0 {
		return fmt.Errorf("workflow %s: at least one module is required", def.ID)
	}
	instances := make(map[string]bool, len(def.Modules))
	for idx, ref := range def.Modules {
		if err := ref.Validate(); err != nil {
			return fmt.Errorf("workflow %s module[%d]: %w", def.ID, idx, err)
		}
		id := ref.InstanceID()
		if instances[id] {
			return fmt.Errorf("workflow %s: duplicate module instance id %s", def.ID, id)
		}
		instances[id] = true
	}
	for _, node := range def.Graph.nodes() {
		if !instances[node] {
			return fmt.Errorf("workflow %s: graph references unknown module %s", def.ID, node)
		}
		for _, dep := range def.Graph[node] {
			if !instances[dep] {
				return fmt.Errorf("workflow %s: graph dependency %s -> %s references unknown module", def.ID, node, dep)
			}
		}
	}
	if cycle := def.Graph.findCycle(); cycle != nil {
		return fmt.Errorf("workflow %s: dependency cycle %s", def.ID, strings.Join(cycle, " -> "))
	}
	for _, input := range def.Requires {
		if !slices.Contains(knownInputs, input) {
			return fmt.Errorf("workflow %s: unknown required input %q (want one of %s)", def.ID, input, strings.Join(knownInputs, ", "))
		}
	}
	if def.Runtime.MaxParallel < 0 {
		return fmt.Errorf("workflow %s runtime: max_parallel must be >= 0", def.ID)
	}
	return nil
}

// ModuleIDs returns the instance ids in declaration order.
func (def WorkflowDefinition) ModuleIDs() []string {
	ids := make([]string, len(def.Modules))
	for i, ref := range def.Modules {
		ids[i] = ref.InstanceID()
	}
	return ids
}

// Dependencies returns a copy of the dependencies of instance id.
func (def WorkflowDefinition) Dependencies(id string) []string {
	return slices.Clone(def.Graph[id])
}

// ModuleRef places one registered module into a workflow. ID defaults to the
// module id and only needs setting when a module appears twice.
type ModuleRef struct {
	ID          string       `json:"id,omitempty" yaml:"id,omitempty"`
	ModuleID    string       `json:"module" yaml:"module"`
	Name        string       `json:"name,omitempty" yaml:"name,omitempty"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	DependsOn   []string     `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Config      ModuleConfig `json:"config,omitempty" yaml:"config,omitempty"`
	Optional    bool         `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// ModuleConfig is passed to the module factory, e.g. {result_var: part}.
type ModuleConfig map[string]any

// Clone returns a shallow copy, or nil when empty.
func (cfg ModuleConfig) Clone() ModuleConfig {
	if len(cfg) == 0 {
		return nil
	}
	return maps.Clone(cfg)
}

// Clone returns a deep copy.
func (ref ModuleRef) Clone() ModuleRef {
	clone := ref
	clone.DependsOn = slices.Clone(ref.DependsOn)
	clone.Config = ref.Config.Clone()
	return clone
}

// InstanceID is the id used in graphs, engine state and --skip.
func (ref ModuleRef) InstanceID() string {
	if ref.ID != "" {
		return ref.ID
	}
	return ref.ModuleID
}

// Validate requires a module id and rejects repeated dependencies.
func (ref ModuleRef) Validate() error {
	if ref.ModuleID == "" {
		return fmt.Errorf("workflow: module id is required")
	}
	seen := make(map[string]bool, len(ref.DependsOn))
	for _, dep := range ref.DependsOn {
		if seen[dep] {
			return fmt.Errorf("workflow: module %s has duplicate dependency on %s", ref.InstanceID(), dep)
		}
		seen[dep] = true
	}
	return nil
}
