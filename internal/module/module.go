package module

import (
	"context"
	"errors"
	"fmt"

	"github.com/kingrea/cadforge/internal/artifact"
)

// Module is one step of a workflow. Run may block on a subprocess and must
// return promptly once ctx is cancelled.
type Module interface {
	Info() Info
	Inputs() []artifact.ArtifactRef
	Outputs() []artifact.ArtifactRef
	IsComplete(mc *ModuleContext) (bool, error)
	Run(ctx context.Context, mc *ModuleContext) (Result, error)
}

// Info identifies a module. Version is stamped into the provenance of every
// output, so bumping it makes earlier outputs stale.
type Info struct {
	ID          string
	Name        string
	Description string
	Version     string
	Concurrency ConcurrencyProfile
}

// Validate requires ID, Name and Version.
func (i Info) Validate() error {
	switch {
	case i.ID == "":
		return errors.New("module: id is required")
	case i.Name == "":
		return fmt.Errorf("module: name is required for %s", i.ID)
	case i.Version == "":
		return fmt.Errorf("module: version is required for %s", i.ID)
	}
	return nil
}

// ConcurrencyProfile says how a module shares the run with others.
type ConcurrencyProfile struct {
	// Exclusive modules run alone, e.g. model inference holding the GPU.
	Exclusive bool `json:"exclusive,omitempty" yaml:"exclusive,omitempty"`
}

// RequiresExclusiveExecution reports whether nothing else may run beside it.
func (i Info) RequiresExclusiveExecution() bool {
	return i.Concurrency.Exclusive
}

// Status is the outcome of one Run.
type Status string

const (
	StatusCompleted  Status = "completed"
	StatusNoOp       Status = "no-op"
	StatusNeedsInput Status = "needs-input"
	StatusFailed     Status = "failed"
)

// Result is what Run reports besides its error.
type Result struct {
	Status  Status
	Message string
}

// Failed returns a failed result whose message is err's text, and err itself.
func Failed(err error) (Result, error) {
	result := Result{Status: StatusFailed}
	if err != nil {
		result.Message = err.Error()
	}
	return result, err
}
