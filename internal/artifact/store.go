package artifact

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kingrea/cadforge/internal/workflow"
)

// Store manages artifact IO for one run. Provenance is kept in the run
// manifest rather than inside the files, so generated code and STEP files
// stay byte-for-byte what the tools produced.
type Store struct {
	workflow *workflow.Workflow
	now      func() time.Time
	mu       sync.Mutex
}

// StoreOption customizes a Store during construction.
type StoreOption func(*Store)

// WithClock overrides the clock used for metadata timestamps.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = clock
	}
}

// NewStore builds a store for a workflow.
func NewStore(wf *workflow.Workflow, opts ...StoreOption) *Store {
	store := &Store{
		workflow: wf,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Workflow returns the run the store is bound to.
func (s *Store) Workflow() *workflow.Workflow {
	return s.workflow
}

// Check inspects the artifact on disk and returns its status and metadata.
func (s *Store) Check(ref ArtifactRef) (CheckResult, error) {
	path := ref.Path(s.workflow)
	if path == "" {
		err := fmt.Errorf("artifact: %s path could not be resolved", ref.ID)
		return CheckResult{Ref: ref, Path: path, State: StateError, Err: err}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return CheckResult{Ref: ref, Path: path, State: StateMissing}, nil
		}
		return CheckResult{Ref: ref, Path: path, State: StateError, Err: err}, err
	}
	switch ref.Kind {
	case KindDirectory:
		if !info.IsDir() {
			return invalidResult(ref, path, nil, fmt.Errorf("artifact: %s expected directory", ref.ID))
		}
	default:
		if info.IsDir() {
			return invalidResult(ref, path, nil, fmt.Errorf("artifact: %s expected file got directory", ref.ID))
		}
	}
	entry, ok, err := s.Entry(ref.ID)
	if err != nil {
		return CheckResult{Ref: ref, Path: path, State: StateError, Err: err}, err
	}
	if !ok {
		return invalidResult(ref, path, nil, fmt.Errorf("%w for %s", ErrNoProvenance, ref.ID))
	}
	meta := &entry
	if ref.Kind == KindMarker || ref.Kind == KindDirectory {
		return CheckResult{Ref: ref, Path: path, State: StateReady, Metadata: meta}, nil
	}
	sum, err := FileChecksum(path)
	if err != nil {
		return CheckResult{Ref: ref, Path: path, State: StateError, Err: err}, err
	}
	if entry.Checksum != "" && entry.Checksum != sum {
		result, err := invalidResult(ref, path, meta, fmt.Errorf("%w for %s", ErrChecksumMismatch, ref.ID))
		result.Checksum = sum
		return result, err
	}
	if ref.Kind == KindJSONL {
		if err := validateJSONL(path); err != nil {
			result, err := invalidResult(ref, path, meta, err)
			result.Checksum = sum
			return result, err
		}
	}
	return CheckResult{Ref: ref, Path: path, State: StateReady, Metadata: meta, Checksum: sum}, nil
}

// Write persists the artifact contents and records provenance.
func (s *Store) Write(ref ArtifactRef, body []byte, meta Metadata) error {
	path := ref.Path(s.workflow)
	if path == "" {
		return fmt.Errorf("artifact: %s path could not be resolved", ref.ID)
	}
	switch ref.Kind {
	case KindMarker:
		if err := writeAtomic(path, nil); err != nil {
			return err
		}
	case KindDirectory:
		if err := os.MkdirAll(path, 0o755); err != nil {
			return err
		}
	case KindJSONL:
		if err := validateJSONLBytes(body); err != nil {
			return fmt.Errorf("artifact: %s: %w", ref.ID, err)
		}
		if err := writeAtomic(path, body); err != nil {
			return err
		}
	default:
		if err := writeAtomic(path, body); err != nil {
			return err
		}
	}
	return s.Record(ref, meta)
}

// Record stores provenance for an artifact that already exists on disk, such
// as a file produced by a subprocess.
func (s *Store) Record(ref ArtifactRef, meta Metadata) error {
	path := ref.Path(s.workflow)
	if path == "" {
		return fmt.Errorf("artifact: %s path could not be resolved", ref.ID)
	}
	prepared := meta.WithDefaults(ref, s.now())
	if err := prepared.ValidateFor(ref); err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("artifact: record %s: %w", ref.ID, err)
	}
	if ref.Kind != KindDirectory && ref.Kind != KindMarker {
		if info.IsDir() {
			return fmt.Errorf("artifact: record %s: %s is a directory", ref.ID, path)
		}
		sum, err := FileChecksum(path)
		if err != nil {
			return err
		}
		prepared.Checksum = sum
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	manifest, err := loadManifest(s.workflow.ManifestPath())
	if err != nil {
		return err
	}
	manifest.Artifacts[ref.ID] = prepared
	return saveManifest(s.workflow.ManifestPath(), manifest)
}

// Entry returns the recorded provenance for an artifact id.
func (s *Store) Entry(id string) (Metadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	manifest, err := loadManifest(s.workflow.ManifestPath())
	if err != nil {
		return Metadata{}, false, err
	}
	entry, ok := manifest.Artifacts[id]
	if !ok {
		return Metadata{}, false, nil
	}
	entry.Notes = cloneNotes(entry.Notes)
	return entry, true, nil
}

// Entries returns every recorded artifact keyed by id.
func (s *Store) Entries() (map[string]Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	manifest, err := loadManifest(s.workflow.ManifestPath())
	if err != nil {
		return nil, err
	}
	return manifest.Artifacts, nil
}

// Forget drops provenance for the given ids so the producing modules run
// again. Files on disk are left in place.
func (s *Store) Forget(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	manifest, err := loadManifest(s.workflow.ManifestPath())
	if err != nil {
		return err
	}
	changed := false
	for _, id := range ids {
		if _, ok := manifest.Artifacts[id]; ok {
			delete(manifest.Artifacts, id)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return saveManifest(s.workflow.ManifestPath(), manifest)
}

// FileChecksum returns "sha256:<hex>" for the file at path.
func FileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("artifact: checksum %s: %w", path, err)
	}
	return "sha256:" + hex.EncodeToString(hash.Sum(nil)), nil
}

// BytesChecksum returns "sha256:<hex>" for data.
func BytesChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func invalidResult(ref ArtifactRef, path string, meta *Metadata, err error) (CheckResult, error) {
	return CheckResult{Ref: ref, Path: path, State: StateInvalid, Metadata: meta, Err: err}, nil
}

func validateJSONL(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return firstJSONObject(file)
}

func validateJSONLBytes(data []byte) error {
	return firstJSONObject(bytes.NewReader(data))
}

func firstJSONObject(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal(line, &record); err != nil {
			return fmt.Errorf("artifact: first line is not a JSON object: %w", err)
		}
		return nil
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("artifact: no JSON records")
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
