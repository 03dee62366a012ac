package plugins

import (
	"strings"
	"testing"
	"time"
)

func validDefinition() ModuleDefinition {
	return ModuleDefinition{
		ID:      "step-preview",
		Name:    "Render Preview",
		Version: "1.0.0",
		Artifacts: []ArtifactDefinition{
			{ID: "step-preview-png", Kind: "file", Path: "{{.Name}}-preview.png"},
		},
		Command: CommandDefinition{
			Binary:  "python3",
			Args:    []string{"render.py", "{{index .Inputs \"step-file\"}}", "{{index .Outputs \"step-preview-png\"}}"},
			Timeout: "2m",
		},
		Inputs:  []ArtifactBinding{{Artifact: "step-file"}},
		Outputs: []ArtifactBinding{{Artifact: "step-preview-png"}},
	}
}

func TestModuleDefinitionValidate(t *testing.T) {
	if err := validDefinition().Validate(); err != nil {
		t.Fatalf("expected definition to validate, got %v", err)
	}
}

func TestModuleDefinitionValidateFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ModuleDefinition)
		msg    string
	}{
		{"missing id", func(d *ModuleDefinition) { d.ID = "" }, "id is required"},
		{"bad id", func(d *ModuleDefinition) { d.ID = "Step Preview" }, "lowercase"},
		{"missing version", func(d *ModuleDefinition) { d.Version = " " }, "version is required"},
		{"missing binary", func(d *ModuleDefinition) { d.Command.Binary = "" }, "binary is required"},
		{"bad timeout", func(d *ModuleDefinition) { d.Command.Timeout = "soon" }, "invalid timeout"},
		{"bad arg template", func(d *ModuleDefinition) { d.Command.Args = []string{"{{.Name"} }, "parse template"},
		{"unknown artifact", func(d *ModuleDefinition) { d.Inputs = []ArtifactBinding{{Artifact: "does-not-exist"}} }, "does-not-exist"},
		{"no outputs", func(d *ModuleDefinition) { d.Outputs = nil }, "at least one output"},
		{"duplicate outputs", func(d *ModuleDefinition) {
			d.Outputs = []ArtifactBinding{{Artifact: "step-preview-png"}, {Artifact: "step-preview-png"}}
		}, "duplicate"},
		{"bad kind", func(d *ModuleDefinition) { d.Artifacts[0].Kind = "blob" }, "unknown kind"},
		{"builtin artifact", func(d *ModuleDefinition) {
			d.Artifacts = append(d.Artifacts, ArtifactDefinition{ID: "step-file", Path: "x.step"})
		}, "built-in"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			def := validDefinition()
			def.Artifacts = append([]ArtifactDefinition{}, def.Artifacts...)
			tc.mutate(&def)
			if err := def.Validate(); err == nil || !strings.Contains(err.Error(), tc.msg) {
				t.Fatalf("expected error containing %q, got %v", tc.msg, err)
			}
		})
	}
}

func TestArtifactBindingResolve(t *testing.T) {
	binding := ArtifactBinding{Artifact: "cadquery-code", Optional: true}
	ref, err := binding.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !ref.Optional {
		t.Fatalf("expected optional override, got %+v", ref)
	}
}

func TestCommandTimeoutDuration(t *testing.T) {
	d, err := CommandDefinition{Binary: "x", Timeout: "90s"}.TimeoutDuration()
	if err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := (CommandDefinition{Binary: "x"}).TimeoutDuration(); err != nil || d != 0 {
		t.Fatalf("empty timeout: got %v, %v", d, err)
	}
	if _, err := (CommandDefinition{Binary: "x", Timeout: "-1s"}).TimeoutDuration(); err == nil {
		t.Fatalf("expected negative timeout to fail")
	}
}
