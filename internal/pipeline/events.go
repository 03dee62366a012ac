package pipeline

import (
	"time"

	"github.com/kingrea/cadforge/internal/module"
)

// EventKind identifies a pipeline event.
type EventKind string

const (
	EventRunStarted          EventKind = "run-started"
	EventModuleStarted       EventKind = "module-started"
	EventModuleFinished      EventKind = "module-finished"
	EventArtifactInvalidated EventKind = "artifact-invalidated"
	EventRunFinished         EventKind = "run-finished"
)

// Event is delivered to an Observer as the run progresses.
type Event struct {
	Kind       EventKind
	Run        string
	WorkflowID string
	RunID      string
	// NodeID is the workflow-scoped module id. Empty for run-level events.
	NodeID   string
	ModuleID string
	Name     string
	Status   module.Status
	Message  string
	Err      error
	Elapsed  time.Duration
	// Nodes lists every module of the workflow in definition order. Only set
	// on EventRunStarted.
	Nodes []NodeInfo
	Time  time.Time
}

// NodeInfo names one workflow module.
type NodeInfo struct {
	ID       string
	ModuleID string
	Name     string
	// Fresh is true when the module's outputs are already up to date.
	Fresh bool
}

// Observer receives pipeline events. Observe is called from worker
// goroutines and must be safe for concurrent use.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(e Event) { f(e) }

// Observers fans an event out to several observers.
type Observers []Observer

// Observe implements Observer.
func (o Observers) Observe(e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(e)
		}
	}
}

type nopObserver struct{}

func (nopObserver) Observe(Event) {}
