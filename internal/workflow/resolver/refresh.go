package resolver

import (
	"errors"
	"fmt"

	"github.com/kingrea/cadforge/internal/module"
)

// Refresh re-evaluates every node against mc. It runs in three passes:
// completion as reported by each module, then output provenance, then
// dependency gating. A complete node with a bad output drops back to pending.
func (r *Resolver) Refresh(mc *module.ModuleContext) error {
	if mc == nil {
		return errors.New("workflow: module context is required")
	}
	nodes := r.Nodes()
	for _, node := range nodes {
		node.poll(mc)
	}
	for _, node := range nodes {
		if node.State == NodeStateError {
			continue
		}
		node.Artifacts = nil
		for _, ref := range node.Module.Outputs() {
			if node.Artifacts == nil {
				node.Artifacts = map[string]ArtifactReport{}
			}
			node.Artifacts[ref.ID] = r.CheckArtifact(mc, node, ref)
		}
		if node.State == NodeStateComplete && !node.outputsUsable() {
			node.State = NodeStatePending
		}
	}
	for _, node := range nodes {
		if node.State == NodeStateComplete || node.State == NodeStateError {
			continue
		}
		node.BlockedBy = r.blockers(node)
		node.State = NodeStateReady
		if len(node.BlockedBy) > 0 {
			node.State = NodeStateBlocked
		}
	}
	return nil
}

// poll resets the node and asks the module whether it is done.
func (n *Node) poll(mc *module.ModuleContext) {
	n.State, n.Err, n.BlockedBy, n.Artifacts, n.fingerprints = NodeStateUnknown, nil, nil, nil, nil
	if fp, ok := n.Module.(module.Fingerprinter); ok {
		values, err := fp.ArtifactFingerprints(mc)
		if err != nil {
			n.fail(fmt.Errorf("workflow: fingerprints for %s: %w", n.ID, err))
			return
		}
		if len(values) > 0 {
			n.fingerprints = values
		}
	}
	complete, err := n.Module.IsComplete(mc)
	switch {
	case err != nil:
		n.fail(err)
	case complete:
		n.State = NodeStateComplete
	default:
		n.State = NodeStatePending
	}
}

func (n *Node) fail(err error) {
	n.State = NodeStateError
	n.Err = err
}

func (n *Node) outputsUsable() bool {
	for _, report := range n.Artifacts {
		if report.Status != module.ArtifactStatusFresh && report.Status != module.ArtifactStatusReady {
			return false
		}
	}
	return true
}

// blockers lists dependencies that are not complete yet.
func (r *Resolver) blockers(node *Node) []string {
	var out []string
	for _, id := range node.Dependencies {
		if dep, ok := r.nodes[id]; !ok || dep.State != NodeStateComplete {
			out = append(out, id)
		}
	}
	return out
}
