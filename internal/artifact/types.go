// Package artifact defines the filesystem-level contracts (inputs/outputs)
// that modules exchange. Each artifact has a stable identifier, kind, and a
// resolver that maps to the actual path for one named run.

package artifact

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/cadforge/internal/workflow"
)

// Kind captures the storage shape of an artifact.
type Kind string

const (
	// KindFile is an opaque file tracked by checksum.
	KindFile Kind = "file"
	// KindJSONL is a JSON-lines file whose first record must decode as an object.
	KindJSONL Kind = "jsonl"
	// KindMarker represents an empty file used as a marker/flag.
	KindMarker Kind = "marker"
	// KindDirectory represents a directory that must exist.
	KindDirectory Kind = "directory"
)

// ParseKind validates a kind name from a plugin definition.
func ParseKind(value string) (Kind, error) {
	switch kind := Kind(strings.ToLower(strings.TrimSpace(value))); kind {
	case KindFile, KindJSONL, KindMarker, KindDirectory:
		return kind, nil
	case "":
		return KindFile, nil
	default:
		return "", fmt.Errorf("artifact: unknown kind %q", value)
	}
}

// PathResolver returns the fully-qualified path to an artifact for the current run.
type PathResolver func(*workflow.Workflow) string

// ArtifactRef declares a stable identifier and metadata for an artifact.
type ArtifactRef struct {
	ID          string
	Name        string
	Description string
	Kind        Kind
	Optional    bool
	path        PathResolver
}

// NewRef builds a reference. Plugins use it to declare extra artifacts.
func NewRef(id, name, desc string, kind Kind, resolver PathResolver) ArtifactRef {
	return ArtifactRef{
		ID:          strings.TrimSpace(id),
		Name:        name,
		Description: desc,
		Kind:        kind,
		path:        resolver,
	}
}

// Path resolves the artifact path for the provided workflow instance.
func (r ArtifactRef) Path(wf *workflow.Workflow) string {
	if wf == nil || r.path == nil {
		return ""
	}
	resolved := r.path(wf)
	if strings.TrimSpace(resolved) == "" {
		return ""
	}
	return filepath.Clean(resolved)
}

// Validate ensures the reference is well-formed.
func (r ArtifactRef) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("artifact: id is required")
	}
	if r.Kind == "" {
		return fmt.Errorf("artifact: kind is required for %s", r.ID)
	}
	if r.path == nil {
		return fmt.Errorf("artifact: path resolver missing for %s", r.ID)
	}
	return nil
}

// Metadata captures provenance recorded in the run manifest.
type Metadata struct {
	ArtifactID string            `yaml:"artifact"`
	ModuleID   string            `yaml:"module"`
	Version    string            `yaml:"version"`
	Workflow   string            `yaml:"workflow,omitempty"`
	Inputs     []string          `yaml:"inputs,omitempty"`
	CreatedAt  time.Time         `yaml:"created"`
	Checksum   string            `yaml:"checksum,omitempty"`
	Notes      map[string]string `yaml:"notes,omitempty"`
}

// WithDefaults ensures metadata carries the artifact ID and timestamps.
func (m Metadata) WithDefaults(ref ArtifactRef, now time.Time) Metadata {
	clone := m
	if clone.ArtifactID == "" {
		clone.ArtifactID = ref.ID
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now.UTC()
	} else {
		clone.CreatedAt = clone.CreatedAt.UTC()
	}
	if len(m.Inputs) > 0 {
		clone.Inputs = append([]string{}, m.Inputs...)
	}
	clone.Notes = cloneNotes(m.Notes)
	return clone
}

// ValidateFor ensures metadata matches the artifact contract.
func (m Metadata) ValidateFor(ref ArtifactRef) error {
	if m.ArtifactID != ref.ID {
		return fmt.Errorf("artifact: metadata id %s does not match ref %s", m.ArtifactID, ref.ID)
	}
	if m.ModuleID == "" {
		return fmt.Errorf("artifact: module id is required for %s", ref.ID)
	}
	if m.Version == "" {
		return fmt.Errorf("artifact: version is required for %s", ref.ID)
	}
	return nil
}

// State captures the readiness of an artifact on disk.
type State string

const (
	StateMissing State = "missing"
	StateReady   State = "ready"
	StateInvalid State = "invalid"
	StateError   State = "error"
)

var (
	// ErrNoProvenance marks a file that exists but was never recorded in the manifest.
	ErrNoProvenance = errors.New("artifact: no provenance recorded")
	// ErrChecksumMismatch marks a file changed since its provenance was recorded.
	ErrChecksumMismatch = errors.New("artifact: checksum mismatch")
)

// CheckResult captures Store.Check results.
type CheckResult struct {
	Ref      ArtifactRef
	Path     string
	State    State
	Metadata *Metadata
	Checksum string
	Err      error
}

// Edited reports whether a recorded file was changed after it was written.
func (r CheckResult) Edited() bool {
	return r.State == StateInvalid && r.Metadata != nil && errors.Is(r.Err, ErrChecksumMismatch)
}

var (
	refsMu  sync.RWMutex
	refs    = map[string]ArtifactRef{}
	builtin = map[string]struct{}{}
)

func register(ref ArtifactRef) ArtifactRef {
	refsMu.Lock()
	defer refsMu.Unlock()
	refs[ref.ID] = ref
	builtin[ref.ID] = struct{}{}
	return ref
}

// Register adds or replaces a non-builtin reference.
func Register(ref ArtifactRef) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	refsMu.Lock()
	defer refsMu.Unlock()
	if _, ok := builtin[ref.ID]; ok {
		return fmt.Errorf("artifact: %s is a built-in artifact", ref.ID)
	}
	refs[ref.ID] = ref
	return nil
}

// IsBuiltin reports whether id names one of the built-in artifacts.
func IsBuiltin(id string) bool {
	refsMu.RLock()
	defer refsMu.RUnlock()
	_, ok := builtin[strings.TrimSpace(id)]
	return ok
}

// Lookup returns a registered artifact reference by ID.
func Lookup(id string) (ArtifactRef, bool) {
	refsMu.RLock()
	defer refsMu.RUnlock()
	ref, ok := refs[strings.TrimSpace(id)]
	return ref, ok
}

// All returns every registered reference sorted by id.
func All() []ArtifactRef {
	refsMu.RLock()
	defer refsMu.RUnlock()
	out := make([]ArtifactRef, 0, len(refs))
	for _, ref := range refs {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Canonical artifact references for the image to STEP pipeline.
var (
	ImagesDir = register(NewRef("images-dir", "Images Directory", "Folder handed to the loader as --image-folder", KindDirectory, func(wf *workflow.Workflow) string {
		return wf.ImagesDir()
	}))
	StagedImage = register(NewRef("staged-image", "Staged Image", "Copy of the input image inside the staging folder", KindFile, func(wf *workflow.Workflow) string {
		return wf.StagedImagePath()
	}))
	QuestionFile = register(NewRef("question-file", "Question File", "input.jsonl with the single inference request", KindJSONL, func(wf *workflow.Workflow) string {
		return wf.QuestionPath()
	}))
	AnswersFile = register(NewRef("answers-file", "Answers File", "<name>.jsonl written by the vision model", KindJSONL, func(wf *workflow.Workflow) string {
		return wf.AnswersPath()
	}))
	CadQueryCode = register(NewRef("cadquery-code", "CadQuery Code", "<name>.py generated from the model answer", KindFile, func(wf *workflow.Workflow) string {
		return wf.CodePath()
	}))
	StepFile = register(NewRef("step-file", "STEP File", "<name>.step exported by CadQuery", KindFile, func(wf *workflow.Workflow) string {
		return wf.StepPath()
	}))
)

func cloneNotes(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	clone := make(map[string]string, len(values))
	for key, value := range values {
		clone[key] = value
	}
	return clone
}
