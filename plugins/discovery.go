package plugins

import (
	"fmt"

	"github.com/kingrea/cadforge/internal/artifact"
	"github.com/kingrea/cadforge/internal/config"
	"github.com/kingrea/cadforge/internal/module"
)

// RegisterPlugins discovers YAML and Go module definitions under
// .cadforge/modules, registers the artifacts they declare and installs a
// factory per module. It returns the loaded definitions in load order.
func RegisterPlugins(reg *module.Registry, cfg *config.Config) ([]DefinitionFile, error) {
	if reg == nil || cfg == nil {
		return nil, nil
	}
	defs, err := loadAllDefinitionFiles(cfg.ModulesDir())
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, nil
	}
	seen := make(map[string]string)
	for _, file := range defs {
		def := file.Definition
		if existing, ok := seen[def.ID]; ok {
			return nil, fmt.Errorf("plugin: duplicate module id %s (%s and %s)", def.ID, existing, file.Path)
		}
		if reg.Has(def.ID) {
			return nil, fmt.Errorf("plugin: %s: module id %s is already taken by a built-in", file.Path, def.ID)
		}
		seen[def.ID] = file.Path
	}
	for _, file := range defs {
		if err := registerArtifacts(file.Definition); err != nil {
			return nil, fmt.Errorf("plugin: %s: %w", file.Path, err)
		}
	}
	for _, file := range defs {
		defCopy := file.Definition
		if _, err := newCommandModule(defCopy, nil); err != nil {
			return nil, fmt.Errorf("plugin: %s: %w", file.Path, err)
		}
		if err := reg.Register(defCopy.ID, func(cfg module.Config) (module.Module, error) {
			return newCommandModule(defCopy, cfg)
		}); err != nil {
			return nil, fmt.Errorf("plugin: register %s from %s: %w", defCopy.ID, file.Path, err)
		}
	}
	return defs, nil
}

func registerArtifacts(def ModuleDefinition) error {
	for _, art := range def.Artifacts {
		ref, err := art.Ref()
		if err != nil {
			return err
		}
		if err := artifact.Register(ref); err != nil {
			return err
		}
	}
	return nil
}

func loadAllDefinitionFiles(dir string) ([]DefinitionFile, error) {
	yamlDefs, err := LoadDefinitionDir(dir)
	if err != nil {
		return nil, err
	}
	goDefs, err := LoadGoDefinitionDir(dir)
	if err != nil {
		return nil, err
	}
	return append(yamlDefs, goDefs...), nil
}
