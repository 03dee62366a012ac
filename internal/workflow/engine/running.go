package engine

import (
	"slices"
	"strings"

	"github.com/kingrea/cadforge/internal/workflow/resolver"
)

// releaseRunning removes every node that reported a result.
func releaseRunning(running []string, updates []ModuleStatusUpdate) []string {
	if len(running) == 0 || len(updates) == 0 {
		return running
	}
	done := make(map[string]bool, len(updates))
	for _, u := range updates {
		if id := strings.TrimSpace(u.ID); id != "" {
			done[id] = true
		}
	}
	return slices.DeleteFunc(slices.Clone(running), func(id string) bool { return done[id] })
}

// pruneRunning drops ids whose node is already complete or no longer part of
// the workflow. It returns nil when nothing is left.
func pruneRunning(running []string, nodes []ModuleStatus) []string {
	if len(running) == 0 {
		return running
	}
	live := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		live[node.ID] = node.State != resolver.NodeStateComplete
	}
	out := slices.DeleteFunc(slices.Clone(running), func(id string) bool { return !live[id] })
	if len(out) == 0 {
		return nil
	}
	return out
}

func addRunning(running, ids []string) []string {
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(running, id) {
			running = append(running, id)
		}
	}
	return running
}
