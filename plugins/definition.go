package plugins

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/kingrea/cadforge/internal/artifact"
	"github.com/kingrea/cadforge/internal/module"
	"github.com/kingrea/cadforge/internal/workflow"
)

// ModuleDefinition describes a command-driven plugin module.
//
// The struct mirrors the on-disk schema under .cadforge/modules/*.yaml. A
// plugin may declare its own artifacts and bind them, or any built-in
// artifact, as inputs and outputs.
type ModuleDefinition struct {
	ID          string                    `json:"id" yaml:"id"`
	Name        string                    `json:"name,omitempty" yaml:"name,omitempty"`
	Description string                    `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string                    `json:"version" yaml:"version"`
	Artifacts   []ArtifactDefinition      `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	Command     CommandDefinition         `json:"command" yaml:"command"`
	Inputs      []ArtifactBinding         `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     []ArtifactBinding         `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Concurrency module.ConcurrencyProfile `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Config      module.Config             `json:"config,omitempty" yaml:"config,omitempty"`
}

// Normalized returns a trimmed, copy-on-write variant of the definition.
func (def ModuleDefinition) Normalized() ModuleDefinition {
	clone := ModuleDefinition{
		ID:          strings.TrimSpace(def.ID),
		Name:        strings.TrimSpace(def.Name),
		Description: strings.TrimSpace(def.Description),
		Version:     strings.TrimSpace(def.Version),
		Command:     def.Command.normalized(),
		Concurrency: def.Concurrency,
	}
	if len(def.Artifacts) > 0 {
		clone.Artifacts = make([]ArtifactDefinition, len(def.Artifacts))
		for i, art := range def.Artifacts {
			clone.Artifacts[i] = art.normalized()
		}
	}
	clone.Inputs = normalizeBindings(def.Inputs)
	clone.Outputs = normalizeBindings(def.Outputs)
	if len(def.Config) > 0 {
		clone.Config = make(module.Config, len(def.Config))
		for key, value := range def.Config {
			trimmed := strings.TrimSpace(key)
			if trimmed == "" {
				continue
			}
			clone.Config[trimmed] = value
		}
	}
	return clone
}

// Validate ensures the definition is well-formed. Bindings must reference a
// registered artifact or one the definition declares itself.
func (def ModuleDefinition) Validate() error {
	normalized := def.Normalized()
	if normalized.ID == "" {
		return fmt.Errorf("plugin: id is required")
	}
	if !isModuleID(normalized.ID) {
		return fmt.Errorf("plugin %s: id must be lowercase letters, digits and dashes", normalized.ID)
	}
	if normalized.Version == "" {
		return fmt.Errorf("plugin %s: version is required", normalized.ID)
	}
	if err := normalized.Command.Validate(); err != nil {
		return fmt.Errorf("plugin %s: command: %w", normalized.ID, err)
	}
	declared := make(map[string]struct{}, len(normalized.Artifacts))
	for idx, art := range normalized.Artifacts {
		if err := art.Validate(); err != nil {
			return fmt.Errorf("plugin %s: artifacts[%d]: %w", normalized.ID, idx, err)
		}
		if _, dup := declared[art.ID]; dup {
			return fmt.Errorf("plugin %s: artifacts[%d]: duplicate artifact %s", normalized.ID, idx, art.ID)
		}
		declared[art.ID] = struct{}{}
	}
	if err := validateBindings("inputs", normalized.Inputs, declared); err != nil {
		return fmt.Errorf("plugin %s: %w", normalized.ID, err)
	}
	if err := validateBindings("outputs", normalized.Outputs, declared); err != nil {
		return fmt.Errorf("plugin %s: %w", normalized.ID, err)
	}
	if len(normalized.Outputs) == 0 {
		return fmt.Errorf("plugin %s: at least one output is required", normalized.ID)
	}
	return nil
}

// ArtifactDefinition declares an extra artifact. Path is a template rendered
// against the run (see PathData); relative results land in the output dir.
type ArtifactDefinition struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Kind        string `json:"kind,omitempty" yaml:"kind,omitempty"`
	Path        string `json:"path" yaml:"path"`
}

func (def ArtifactDefinition) normalized() ArtifactDefinition {
	return ArtifactDefinition{
		ID:          strings.TrimSpace(def.ID),
		Name:        strings.TrimSpace(def.Name),
		Description: strings.TrimSpace(def.Description),
		Kind:        strings.TrimSpace(def.Kind),
		Path:        strings.TrimSpace(def.Path),
	}
}

// Validate checks the id, kind and path template.
func (def ArtifactDefinition) Validate() error {
	normalized := def.normalized()
	if normalized.ID == "" {
		return fmt.Errorf("artifact id is required")
	}
	if _, err := artifact.ParseKind(normalized.Kind); err != nil {
		return err
	}
	if normalized.Path == "" {
		return fmt.Errorf("artifact %s: path is required", normalized.ID)
	}
	if _, err := parseTemplate(normalized.ID, normalized.Path); err != nil {
		return fmt.Errorf("artifact %s: %w", normalized.ID, err)
	}
	if ref, ok := artifact.Lookup(normalized.ID); ok && artifact.IsBuiltin(ref.ID) {
		return fmt.Errorf("artifact %s is a built-in artifact", normalized.ID)
	}
	return nil
}

// Ref builds the artifact reference. The path template is rendered each time
// the artifact is resolved for a run.
func (def ArtifactDefinition) Ref() (artifact.ArtifactRef, error) {
	normalized := def.normalized()
	kind, err := artifact.ParseKind(normalized.Kind)
	if err != nil {
		return artifact.ArtifactRef{}, err
	}
	tmpl, err := parseTemplate(normalized.ID, normalized.Path)
	if err != nil {
		return artifact.ArtifactRef{}, fmt.Errorf("artifact %s: %w", normalized.ID, err)
	}
	name := normalized.Name
	if name == "" {
		name = normalized.ID
	}
	return artifact.NewRef(normalized.ID, name, normalized.Description, kind, artifactPathResolver(tmpl)), nil
}

// CommandDefinition declares the program a plugin module runs. Args, Env
// values and Dir are templates rendered with CommandData.
type CommandDefinition struct {
	Binary  string            `json:"binary" yaml:"binary"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir     string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	Timeout string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

func (def CommandDefinition) normalized() CommandDefinition {
	clone := CommandDefinition{
		Binary:  strings.TrimSpace(def.Binary),
		Dir:     strings.TrimSpace(def.Dir),
		Timeout: strings.TrimSpace(def.Timeout),
	}
	if len(def.Args) > 0 {
		clone.Args = append([]string{}, def.Args...)
	}
	if len(def.Env) > 0 {
		clone.Env = make(map[string]string, len(def.Env))
		for key, value := range def.Env {
			trimmedKey := strings.TrimSpace(key)
			if trimmedKey == "" {
				continue
			}
			clone.Env[trimmedKey] = value
		}
	}
	return clone
}

// Validate ensures the command can be rendered and executed.
func (def CommandDefinition) Validate() error {
	normalized := def.normalized()
	if normalized.Binary == "" {
		return fmt.Errorf("binary is required")
	}
	if _, err := normalized.TimeoutDuration(); err != nil {
		return err
	}
	for idx, arg := range normalized.Args {
		if _, err := parseTemplate(fmt.Sprintf("args[%d]", idx), arg); err != nil {
			return err
		}
	}
	for key, value := range normalized.Env {
		if _, err := parseTemplate("env."+key, value); err != nil {
			return err
		}
	}
	if _, err := parseTemplate("dir", normalized.Dir); err != nil {
		return err
	}
	return nil
}

// TimeoutDuration parses Timeout. Empty means no timeout.
func (def CommandDefinition) TimeoutDuration() (time.Duration, error) {
	value := strings.TrimSpace(def.Timeout)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("timeout %q must not be negative", value)
	}
	return d, nil
}

// ArtifactBinding references an artifact ID and whether it is optional.
type ArtifactBinding struct {
	Artifact string `json:"artifact" yaml:"artifact"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

func (binding ArtifactBinding) normalized() ArtifactBinding {
	return ArtifactBinding{
		Artifact: strings.TrimSpace(binding.Artifact),
		Optional: binding.Optional,
	}
}

// Resolve returns the registered artifact reference. Optional flags override
// the default optionality set by the artifact catalog.
func (binding ArtifactBinding) Resolve() (artifact.ArtifactRef, error) {
	normalized := binding.normalized()
	ref, ok := artifact.Lookup(normalized.Artifact)
	if !ok {
		return artifact.ArtifactRef{}, fmt.Errorf("artifact %s is not registered", normalized.Artifact)
	}
	ref.Optional = normalized.Optional
	return ref, nil
}

func normalizeBindings(bindings []ArtifactBinding) []ArtifactBinding {
	if len(bindings) == 0 {
		return nil
	}
	out := make([]ArtifactBinding, len(bindings))
	for i, binding := range bindings {
		out[i] = binding.normalized()
	}
	return out
}

func validateBindings(label string, bindings []ArtifactBinding, declared map[string]struct{}) error {
	seen := make(map[string]struct{}, len(bindings))
	for idx, binding := range bindings {
		id := binding.normalized().Artifact
		if id == "" {
			return fmt.Errorf("%s[%d]: artifact id is required", label, idx)
		}
		if _, ok := declared[id]; !ok {
			if _, ok := artifact.Lookup(id); !ok {
				return fmt.Errorf("%s[%d]: artifact %s is not registered", label, idx, id)
			}
		}
		if _, exists := seen[id]; exists {
			return fmt.Errorf("%s[%d]: duplicate artifact %s", label, idx, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func isModuleID(id string) bool {
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func parseTemplate(name, text string) (*template.Template, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	return tmpl, nil
}

func artifactPathResolver(tmpl *template.Template) artifact.PathResolver {
	return func(wf *workflow.Workflow) string {
		data := newPathData(wf)
		rendered, err := render(tmpl, data)
		if err != nil || strings.TrimSpace(rendered) == "" {
			return ""
		}
		if !filepath.IsAbs(rendered) {
			rendered = filepath.Join(data.OutputDir, rendered)
		}
		return rendered
	}
}
