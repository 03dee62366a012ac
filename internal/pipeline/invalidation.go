package pipeline

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/cadforge/internal/logbook"
	"github.com/kingrea/cadforge/internal/module"
)

// invalidationLog reports why outputs are regenerated. The resolver
// re-evaluates every artifact on each engine call, so events are
// deduplicated per node, artifact and reason.
type invalidationLog struct {
	logger   *zap.Logger
	logbook  *logbook.Logbook
	observer Observer
	run      string

	mu    sync.Mutex
	runID string
	seen  map[string]struct{}
}

func newInvalidationLog(logger *zap.Logger, lb *logbook.Logbook, observer Observer, run string) *invalidationLog {
	return &invalidationLog{
		logger:   logger,
		logbook:  lb,
		observer: observer,
		run:      run,
		seen:     map[string]struct{}{},
	}
}

func (l *invalidationLog) setRunID(id string) {
	l.mu.Lock()
	l.runID = id
	l.mu.Unlock()
}

func (l *invalidationLog) observe(nodeID string, event module.ArtifactInvalidation) {
	key := fmt.Sprintf("%s|%s|%s|%s", nodeID, event.Artifact.ID, event.Reason, event.ExpectedFingerprint)
	l.mu.Lock()
	if _, ok := l.seen[key]; ok {
		l.mu.Unlock()
		return
	}
	l.seen[key] = struct{}{}
	runID := l.runID
	l.mu.Unlock()

	fields := []zap.Field{
		zap.String("module", nodeID),
		zap.String("artifact", event.Artifact.ID),
		zap.String("reason", string(event.Reason)),
	}
	if event.Err != nil {
		fields = append(fields, zap.Error(event.Err))
	}
	// Missing outputs are the normal state of a fresh run.
	if event.Reason == module.InvalidationReasonMissing {
		l.logger.Debug("artifact missing", fields...)
		return
	}
	message := describeInvalidation(event)
	l.logger.Info("artifact invalidated", fields...)
	l.logbook.Info("%s: %s", nodeID, message)
	l.observer.Observe(Event{
		Kind:    EventArtifactInvalidated,
		Run:     l.run,
		RunID:   runID,
		NodeID:  nodeID,
		Message: message,
		Err:     event.Err,
		Time:    time.Now(),
	})
}

func describeInvalidation(event module.ArtifactInvalidation) string {
	name := event.Artifact.Name
	if name == "" {
		name = event.Artifact.ID
	}
	switch event.Reason {
	case module.InvalidationReasonFingerprint:
		return fmt.Sprintf("%s is out of date, inputs or settings changed", name)
	case module.InvalidationReasonVersionMismatch:
		return fmt.Sprintf("%s was written by an older module version", name)
	case module.InvalidationReasonInvalidMetadata:
		if event.Err != nil {
			return fmt.Sprintf("%s needs regenerating: %v", name, event.Err)
		}
		return fmt.Sprintf("%s needs regenerating", name)
	case module.InvalidationReasonCheckError:
		if event.Err != nil {
			return fmt.Sprintf("%s could not be checked: %v", name, event.Err)
		}
		return fmt.Sprintf("%s could not be checked", name)
	default:
		return fmt.Sprintf("%s is %s", name, event.Reason)
	}
}
