package plugins

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefinitionFile pairs a parsed module definition with where it came from.
// Path is the file, suffixed with #n when the file holds several definitions.
type DefinitionFile struct {
	Definition ModuleDefinition
	Path       string
}

// ParseDefinitionYAML decodes and validates one definition. Unknown keys are
// rejected so a typo such as "comand:" fails loudly.
func ParseDefinitionYAML(data []byte) (ModuleDefinition, error) {
	defs, err := parseDefinitionDocuments(data)
	if err != nil {
		return ModuleDefinition{}, err
	}
	if len(defs) != 1 {
		return ModuleDefinition{}, fmt.Errorf("plugin: expected one definition, found %d", len(defs))
	}
	return defs[0], nil
}

// parseDefinitionDocuments decodes every "---" separated document in data.
func parseDefinitionDocuments(data []byte) ([]ModuleDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("plugin: definition payload is empty")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var defs []ModuleDefinition
	for idx := 1; ; idx++ {
		var def ModuleDefinition
		err := dec.Decode(&def)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("plugin: decode definition %d: %w", idx, err)
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("plugin: definition %d: %w", idx, err)
		}
		defs = append(defs, def.Normalized())
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("plugin: definition payload is empty")
	}
	return defs, nil
}

// LoadDefinitionFile reads every definition in a YAML file.
func LoadDefinitionFile(path string) ([]DefinitionFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("plugin: %s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: read %s: %w", path, err)
	}
	defs, err := parseDefinitionDocuments(data)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s: %w", path, err)
	}
	return definitionFiles(filepath.Clean(path), defs), nil
}

// LoadDefinitionDir loads *.yaml and *.yml files in dir. A missing directory
// means no plugins.
func LoadDefinitionDir(dir string) ([]DefinitionFile, error) {
	paths, err := scanDir(dir, isYAMLFile)
	if err != nil {
		return nil, err
	}
	var defs []DefinitionFile
	for _, path := range paths {
		loaded, err := LoadDefinitionFile(path)
		if err != nil {
			return nil, err
		}
		defs = append(defs, loaded...)
	}
	return defs, nil
}

func definitionFiles(path string, defs []ModuleDefinition) []DefinitionFile {
	files := make([]DefinitionFile, 0, len(defs))
	for idx, def := range defs {
		source := path
		if len(defs) > 1 {
			source = fmt.Sprintf("%s#%d", path, idx+1)
		}
		files = append(files, DefinitionFile{Definition: def, Path: source})
	}
	return files
}

// scanDir returns the sorted regular, non-hidden files in dir accepted by match.
func scanDir(dir string, match func(string) bool) ([]string, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("plugin: read %s: %w", trimmed, err)
	}
	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !match(name) {
			continue
		}
		paths = append(paths, filepath.Join(trimmed, name))
	}
	sort.Strings(paths)
	return paths, nil
}

func isYAMLFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
