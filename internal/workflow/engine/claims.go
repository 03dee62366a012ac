package engine

import (
	"slices"
	"strings"

	"github.com/kingrea/cadforge/internal/module"
)

// ClaimRequest reserves runnable nodes for execution.
type ClaimRequest struct {
	Runtime *RuntimeOverrides
	// Limit caps the number of claims; zero claims everything runnable.
	Limit int
	// Modules narrows the claim to these node ids.
	Modules []string
}

// WorkClaim is one node handed to a worker.
type WorkClaim struct {
	ID          string                    `json:"id"`
	ModuleID    string                    `json:"module_id"`
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	Optional    bool                      `json:"optional,omitempty"`
	Concurrency module.ConcurrencyProfile `json:"concurrency"`
	// Module is built with the run's config overrides applied.
	Module module.Module `json:"-"`
}

// ClaimResult is the stored state after the claim and the claimed nodes.
type ClaimResult struct {
	Claims []WorkClaim
	State  State
}

// Claim marks runnable nodes as running and persists that before returning,
// so a second Claim never hands out the same node.
func (e *Engine) Claim(mc *module.ModuleContext, req ClaimRequest) (ClaimResult, error) {
	if mc == nil {
		return ClaimResult{}, errNoContext
	}
	current, err := e.repo.Load()
	if err != nil {
		return ClaimResult{}, err
	}
	state, res, err := e.evaluate(mc, current.Definition, current.Runtime.with(req.Runtime), current.Runs)
	if err != nil {
		return ClaimResult{}, err
	}
	state = state.carry(current)

	ids := claimable(state.Runnable, req.Modules)
	if req.Limit > 0 && len(ids) > req.Limit {
		ids = ids[:req.Limit]
	}
	var claims []WorkClaim
	for _, id := range ids {
		status, ok := state.Node(id)
		if !ok {
			continue
		}
		node, ok := res.Node(id)
		if !ok {
			continue
		}
		claims = append(claims, WorkClaim{
			ID:          status.ID,
			ModuleID:    status.ModuleID,
			Name:        status.Name,
			Description: status.Description,
			Optional:    status.Optional,
			Concurrency: status.Concurrency,
			Module:      node.Module,
		})
	}
	state.Runtime.Running = addRunning(state.Runtime.Running, ids)
	state.Runnable = slices.DeleteFunc(state.Runnable, func(id string) bool { return slices.Contains(ids, id) })
	state.Status, state.StatusReason = state.phase()
	if state, err = e.commit(state); err != nil {
		return ClaimResult{}, err
	}
	return ClaimResult{Claims: claims, State: state}, nil
}

// claimable returns the runnable ids that were requested, in runnable order.
func claimable(runnable, requested []string) []string {
	if len(requested) == 0 {
		return slices.Clone(runnable)
	}
	want := make(map[string]bool, len(requested))
	for _, id := range requested {
		want[strings.TrimSpace(id)] = true
	}
	var out []string
	for _, id := range runnable {
		if want[id] {
			out = append(out, id)
		}
	}
	return out
}
