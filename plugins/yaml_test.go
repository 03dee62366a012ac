package plugins

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleDefinition = `id: mesh-export
version: 1.0.0
name: Export STL
artifacts:
  - id: stl-mesh
    kind: file
    path: "{{.Name}}.stl"
command:
  binary: python3
  args:
    - -m
    - cq_stl
    - "{{index .Inputs \"cadquery-code\"}}"
    - "{{index .Outputs \"stl-mesh\"}}"
  env:
    CQ_TOLERANCE: "0.05"
  timeout: 5m
inputs:
  - artifact: cadquery-code
outputs:
  - artifact: stl-mesh
`

func TestParseDefinitionYAML(t *testing.T) {
	def, err := ParseDefinitionYAML([]byte(sampleDefinition))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.ID != "mesh-export" || def.Command.Binary != "python3" || len(def.Command.Args) != 4 {
		t.Fatalf("unexpected definition: %+v", def)
	}
	if def.Command.Env["CQ_TOLERANCE"] != "0.05" || def.Command.Timeout != "5m" {
		t.Fatalf("unexpected command: %+v", def.Command)
	}
	if len(def.Artifacts) != 1 || def.Artifacts[0].Path != "{{.Name}}.stl" {
		t.Fatalf("unexpected artifacts: %+v", def.Artifacts)
	}
}

func TestParseDefinitionYAMLErrors(t *testing.T) {
	if _, err := ParseDefinitionYAML([]byte("")); err == nil {
		t.Fatalf("expected empty payload to fail validation")
	}
	if _, err := ParseDefinitionYAML([]byte("id: [")); err == nil {
		t.Fatalf("expected malformed yaml to fail")
	}
	typo := strings.Replace(sampleDefinition, "command:", "comand:", 1)
	if _, err := ParseDefinitionYAML([]byte(typo)); err == nil || !strings.Contains(err.Error(), "comand") {
		t.Fatalf("expected unknown key to be rejected, got %v", err)
	}
	if _, err := ParseDefinitionYAML([]byte(sampleDefinition + "---\n" + previewDefinition)); err == nil {
		t.Fatalf("expected two documents to be rejected by ParseDefinitionYAML")
	}
}

const previewDefinition = `id: step-preview
version: 0.1.0
artifacts:
  - id: step-preview-png
    path: "{{.Name}}-preview.png"
command:
  binary: cq-preview
  args: ["{{.Step}}", "{{index .Outputs \"step-preview-png\"}}"]
inputs:
  - artifact: step-file
outputs:
  - artifact: step-preview-png
`

func TestLoadDefinitionFileMultiDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.yaml")
	if err := os.WriteFile(path, []byte(sampleDefinition+"---\n"+previewDefinition), 0644); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	defs, err := LoadDefinitionFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	if defs[0].Definition.ID != "mesh-export" || defs[0].Path != path+"#1" {
		t.Fatalf("unexpected first definition: %s from %s", defs[0].Definition.ID, defs[0].Path)
	}
	if defs[1].Definition.ID != "step-preview" || defs[1].Path != path+"#2" {
		t.Fatalf("unexpected second definition: %s from %s", defs[1].Definition.ID, defs[1].Path)
	}
}

func TestLoadDefinitionDir(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "plugin.yaml")
	if err := os.WriteFile(path, []byte(sampleDefinition), 0644); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("ignored"), 0644); err != nil {
		t.Fatalf("write readme: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, ".draft.yaml"), []byte("not: [valid"), 0644); err != nil {
		t.Fatalf("write hidden draft: %v", err)
	}
	defs, err := LoadDefinitionDir(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("expected 1 definition, got %d", len(defs))
	}
	if defs[0].Path != path {
		t.Fatalf("expected path %s, got %s", path, defs[0].Path)
	}
	if defs[0].Definition.ID != "mesh-export" {
		t.Fatalf("unexpected id: %+v", defs[0].Definition)
	}
}

func TestLoadDefinitionDirMissing(t *testing.T) {
	defs, err := LoadDefinitionDir(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
	if len(defs) != 0 {
		t.Fatalf("expected no definitions for missing dir, got %v", defs)
	}
}
