package resolver

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/kingrea/cadforge/internal/artifact"
	"github.com/kingrea/cadforge/internal/module"
	"github.com/kingrea/cadforge/internal/workflow"
)

// NodeState is where a node stands after the last Refresh.
type NodeState string

const (
	NodeStateUnknown  NodeState = "unknown"
	NodeStatePending  NodeState = "pending"
	NodeStateReady    NodeState = "ready"
	NodeStateBlocked  NodeState = "blocked"
	NodeStateComplete NodeState = "complete"
	NodeStateError    NodeState = "error"
)

// Node is one module instance of the workflow.
type Node struct {
	ID           string
	Ref          workflow.ModuleRef
	Module       module.Module
	Dependencies []string
	Dependents   []string

	State     NodeState
	BlockedBy []string
	Err       error

	Artifacts    map[string]ArtifactReport
	fingerprints map[string]string
}

// ArtifactReport is the verdict on one output of a node.
type ArtifactReport struct {
	Ref                 artifact.ArtifactRef
	Status              module.ArtifactStatus
	Metadata            *artifact.Metadata
	Err                 error
	StoredFingerprint   string
	ExpectedFingerprint string
}

// InvalidationObserver is told about every stale or missing output found
// during Refresh, whether or not the owning module handles invalidations.
type InvalidationObserver func(nodeID string, event module.ArtifactInvalidation)

// Resolver holds the instantiated graph. It is not safe for concurrent use.
type Resolver struct {
	definition workflow.WorkflowDefinition
	nodes      map[string]*Node
	order      []string
	observer   InvalidationObserver
}

// Option configures New.
type Option func(*options)

type options struct {
	overrides module.Config
	observer  InvalidationObserver
}

// WithOverrides layers run-level settings, such as a model chosen on the
// command line, over every module's workflow config.
func WithOverrides(overrides module.Config) Option {
	return func(o *options) {
		o.overrides = overrides
	}
}

// WithInvalidationObserver registers a callback for invalidation events.
func WithInvalidationObserver(observer InvalidationObserver) Option {
	return func(o *options) {
		o.observer = observer
	}
}

// New normalizes def and builds every module through registry.
func New(def workflow.WorkflowDefinition, registry *module.Registry, opts ...Option) (*Resolver, error) {
	if registry == nil {
		return nil, errors.New("workflow: module registry is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	def, err := def.Normalized()
	if err != nil {
		return nil, err
	}
	r := &Resolver{
		definition: def,
		nodes:      make(map[string]*Node, len(def.Modules)),
		observer:   o.observer,
	}
	for _, ref := range def.Modules {
		id := ref.InstanceID()
		cfg := module.Config(maps.Clone(ref.Config)).Merge(o.overrides)
		mod, err := registry.Resolve(ref.ModuleID, cfg)
		if err != nil {
			return nil, fmt.Errorf("workflow %s module %s: %w", def.ID, id, err)
		}
		r.nodes[id] = &Node{ID: id, Ref: ref, Module: mod, Dependencies: def.Dependencies(id)}
		r.order = append(r.order, id)
	}
	for _, id := range r.order {
		for _, dep := range r.nodes[id].Dependencies {
			parent, ok := r.nodes[dep]
			if !ok {
				return nil, fmt.Errorf("workflow %s: dependency %s referenced by %s not declared", def.ID, dep, id)
			}
			parent.Dependents = append(parent.Dependents, id)
		}
	}
	for _, node := range r.nodes {
		slices.Sort(node.Dependents)
	}
	return r, nil
}

// Definition returns a copy of the normalized definition.
func (r *Resolver) Definition() workflow.WorkflowDefinition {
	return r.definition.Clone()
}

// Nodes returns the nodes in declaration order.
func (r *Resolver) Nodes() []*Node {
	out := make([]*Node, len(r.order))
	for i, id := range r.order {
		out[i] = r.nodes[id]
	}
	return out
}

// Node looks up a node by instance id.
func (r *Resolver) Node(id string) (*Node, bool) {
	node, ok := r.nodes[id]
	return node, ok
}

// Ready returns the runnable nodes in declaration order.
func (r *Resolver) Ready() []*Node {
	return slices.DeleteFunc(r.Nodes(), func(n *Node) bool { return n.State != NodeStateReady })
}

// Queue lists the incomplete nodes needed to reach targets, dependencies
// first. No targets means the whole workflow.
func (r *Resolver) Queue(targets ...string) ([]*Node, error) {
	if len(targets) == 0 {
		targets = r.order
	}
	seen := make(map[string]bool, len(r.nodes))
	var queue []*Node
	var visit func(id string) error
	visit = func(id string) error {
		if seen[id] {
			return nil
		}
		node, ok := r.nodes[id]
		if !ok {
			return fmt.Errorf("workflow: unknown module %s", id)
		}
		seen[id] = true
		for _, dep := range node.Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		if node.State != NodeStateComplete {
			queue = append(queue, node)
		}
		return nil
	}
	for _, id := range targets {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return queue, nil
}
