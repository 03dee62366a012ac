package engine

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kingrea/cadforge/internal/workflow"
)

// ErrStateNotFound means the run has never been started.
var ErrStateNotFound = errors.New("workflow engine: state not found")

// StateStore loads and saves snapshots.
type StateStore interface {
	Load() (State, error)
	Save(State) error
}

// Repository keeps the snapshot in the run's engine.json.
type Repository struct {
	path string
}

// NewRepository returns the store for wf.
func NewRepository(wf *workflow.Workflow) *Repository {
	return &Repository{path: wf.EngineStatePath()}
}

// Path is the snapshot file.
func (r *Repository) Path() string { return r.path }

// Load returns ErrStateNotFound when the file does not exist.
func (r *Repository) Load() (State, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, ErrStateNotFound
	}
	if err != nil {
		return State{}, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, err
	}
	return state, nil
}

// Save replaces the file atomically; `cadforge status` may read it while a
// run is writing.
func (r *Repository) Save(state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(r.path, append(data, '\n'))
}

func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
