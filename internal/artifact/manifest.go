package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

const manifestVersion = 1

// manifest is the on-disk provenance index for one run.
type manifest struct {
	Version   int                 `yaml:"version"`
	Artifacts map[string]Metadata `yaml:"artifacts"`
}

func loadManifest(path string) (manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return manifest{Version: manifestVersion, Artifacts: map[string]Metadata{}}, nil
		}
		return manifest{}, fmt.Errorf("artifact: read manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return manifest{}, fmt.Errorf("artifact: parse manifest %s: %w", path, err)
	}
	if m.Version > manifestVersion {
		return manifest{}, fmt.Errorf("artifact: manifest %s has unsupported version %d", path, m.Version)
	}
	if m.Artifacts == nil {
		m.Artifacts = map[string]Metadata{}
	}
	m.Version = manifestVersion
	return m, nil
}

func saveManifest(path string, m manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("artifact: encode manifest: %w", err)
	}
	return writeAtomic(path, data)
}
