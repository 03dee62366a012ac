package scheduler

import (
	"errors"
	"fmt"

	"github.com/kingrea/cadforge/internal/workflow/resolver"
)

// Selector chooses runnable batches.
type Selector interface {
	Runnable(RunnableRequest) (RunnableBatch, error)
}

// Scheduler selects from a resolver that has already been refreshed.
type Scheduler struct {
	resolver *resolver.Resolver
}

// New returns a scheduler over res.
func New(res *resolver.Resolver) (*Scheduler, error) {
	if res == nil {
		return nil, errors.New("workflow: scheduler requires a resolver")
	}
	return &Scheduler{resolver: res}, nil
}

// RunnableRequest describes what is in flight and what the caller wants.
type RunnableRequest struct {
	// Targets restricts the batch to these nodes and their dependencies.
	Targets []string
	// BatchSize caps the batch; zero or less means no cap.
	BatchSize int
	// MaxParallel caps Running plus the batch; zero or less means no cap.
	MaxParallel int
	// Running lists nodes that are executing now.
	Running []string
	// Skip lists nodes the caller does not want dispatched, for example
	// ones that already failed during this run.
	Skip []string
}

// RunnableBatch is the selected nodes plus why others were passed over.
type RunnableBatch struct {
	Nodes   []*resolver.Node
	Skipped map[string]SkipReason
}

// SkipReason says why a node was not selected.
type SkipReason struct {
	Reason SkipReasonCode
	Detail string
}

// SkipReasonCode classifies a SkipReason.
type SkipReasonCode string

const (
	SkipReasonNotReady    SkipReasonCode = "not-ready"
	SkipReasonExcluded    SkipReasonCode = "excluded"
	SkipReasonConcurrency SkipReasonCode = "concurrency"
	SkipReasonExclusive   SkipReasonCode = "exclusive"
	SkipReasonActive      SkipReasonCode = "already-running"
)

// Runnable walks the resolver queue in dependency order and returns the next
// batch. An exclusive module is only dispatched when nothing else runs and
// nothing else is dispatched with it.
func (s *Scheduler) Runnable(req RunnableRequest) (RunnableBatch, error) {
	queue, err := s.resolver.Queue(req.Targets...)
	if err != nil {
		return RunnableBatch{}, err
	}
	running := toSet(req.Running)
	excluded := toSet(req.Skip)
	var batch RunnableBatch

	if holder, ok := s.exclusiveHolder(running); ok {
		detail := fmt.Sprintf("%s requires exclusive execution", holder)
		s.skipIdle(&batch, running, SkipReason{Reason: SkipReasonExclusive, Detail: detail})
		return batch, nil
	}
	capacity := req.capacity(len(queue), len(running))
	if capacity == 0 {
		if req.MaxParallel > 0 && len(running) >= req.MaxParallel {
			detail := fmt.Sprintf("max parallel %d reached", req.MaxParallel)
			s.skipIdle(&batch, running, SkipReason{Reason: SkipReasonConcurrency, Detail: detail})
		}
		return batch, nil
	}

	for _, node := range queue {
		switch {
		case running[node.ID]:
			batch.skip(node.ID, SkipReasonActive, "module already running")
		case node.State != resolver.NodeStateReady:
			batch.skip(node.ID, SkipReasonNotReady, string(node.State))
		case excluded[node.ID]:
			batch.skip(node.ID, SkipReasonExcluded, "excluded by caller")
		case node.Module.Info().RequiresExclusiveExecution():
			if len(running) > 0 || len(batch.Nodes) > 0 {
				batch.skip(node.ID, SkipReasonExclusive, "waiting for other modules to finish")
				continue
			}
			batch.Nodes = append(batch.Nodes, node)
			return batch, nil
		default:
			batch.Nodes = append(batch.Nodes, node)
		}
		if len(batch.Nodes) >= capacity {
			break
		}
	}
	return batch, nil
}

// capacity is how many nodes the batch may hold.
func (req RunnableRequest) capacity(queued, running int) int {
	limit := queued
	if req.BatchSize > 0 {
		limit = min(limit, req.BatchSize)
	}
	if req.MaxParallel > 0 {
		limit = min(limit, max(req.MaxParallel-running, 0))
	}
	return limit
}

// exclusiveHolder reports a running node that needs the run to itself.
func (s *Scheduler) exclusiveHolder(running map[string]bool) (string, bool) {
	for id := range running {
		node, ok := s.resolver.Node(id)
		if ok && node.Module != nil && node.Module.Info().RequiresExclusiveExecution() {
			return id, true
		}
	}
	return "", false
}

// skipIdle records reason against every ready node that is not running.
func (s *Scheduler) skipIdle(batch *RunnableBatch, running map[string]bool, reason SkipReason) {
	for _, node := range s.resolver.Ready() {
		if !running[node.ID] {
			batch.skip(node.ID, reason.Reason, reason.Detail)
		}
	}
}

func (b *RunnableBatch) skip(id string, code SkipReasonCode, detail string) {
	if id == "" {
		return
	}
	if b.Skipped == nil {
		b.Skipped = map[string]SkipReason{}
	}
	b.Skipped[id] = SkipReason{Reason: code, Detail: detail}
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = true
		}
	}
	return set
}
