package workflow

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

//go:embed definitions/*.yaml
var builtinDefinitions embed.FS

// SourceBuiltin marks definitions compiled into the binary.
const SourceBuiltin = "builtin"

// CatalogEntry summarizes one available workflow.
type CatalogEntry struct {
	ID          string
	Name        string
	Description string
	Source      string
}

// Catalog holds every workflow definition known to a project. Project files
// override built-in definitions with the same id.
type Catalog struct {
	defs    map[string]WorkflowDefinition
	sources map[string]string
}

// BuiltinCatalog returns a catalog with only the embedded definitions.
func BuiltinCatalog() (*Catalog, error) {
	catalog := &Catalog{defs: map[string]WorkflowDefinition{}, sources: map[string]string{}}
	entries, err := fs.ReadDir(builtinDefinitions, "definitions")
	if err != nil {
		return nil, fmt.Errorf("workflow: read builtin definitions: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isDefinitionFile(entry.Name()) {
			continue
		}
		data, err := builtinDefinitions.ReadFile(path.Join("definitions", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("workflow: read builtin %s: %w", entry.Name(), err)
		}
		def, err := ParseDefinitionYAML(data)
		if err != nil {
			return nil, fmt.Errorf("workflow: builtin %s: %w", entry.Name(), err)
		}
		catalog.add(def, SourceBuiltin)
	}
	return catalog, nil
}

// LoadCatalog returns the built-in definitions plus every *.yaml file in dir.
// A missing directory is treated as "no project workflows".
func LoadCatalog(dir string) (*Catalog, error) {
	catalog, err := BuiltinCatalog()
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return catalog, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return catalog, nil
		}
		return nil, fmt.Errorf("workflow: read %s: %w", trimmed, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isDefinitionFile(entry.Name()) {
			continue
		}
		file := filepath.Join(trimmed, entry.Name())
		def, err := LoadDefinitionFile(file)
		if err != nil {
			return nil, err
		}
		catalog.add(def, file)
	}
	return catalog, nil
}

func (c *Catalog) add(def WorkflowDefinition, source string) {
	c.defs[def.ID] = def
	c.sources[def.ID] = source
}

// Lookup returns a copy of the workflow definition with the given id.
func (c *Catalog) Lookup(id string) (WorkflowDefinition, error) {
	key := strings.TrimSpace(id)
	def, ok := c.defs[key]
	if !ok {
		return WorkflowDefinition{}, fmt.Errorf("workflow definition %s not found (available: %s)", key, strings.Join(c.IDs(), ", "))
	}
	return def.Clone(), nil
}

// IDs returns the sorted workflow identifiers.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.defs))
	for id := range c.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Entries lists every workflow sorted by id.
func (c *Catalog) Entries() []CatalogEntry {
	ids := c.IDs()
	out := make([]CatalogEntry, 0, len(ids))
	for _, id := range ids {
		def := c.defs[id]
		out = append(out, CatalogEntry{
			ID:          def.ID,
			Name:        def.Name,
			Description: def.Description,
			Source:      c.sources[id],
		})
	}
	return out
}

func isDefinitionFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
