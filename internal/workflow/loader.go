package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseDefinitionYAML decodes exactly one workflow definition and normalizes
// it. Unknown keys are errors so that "depend_on:" does not silently drop an
// edge.
func ParseDefinitionYAML(data []byte) (WorkflowDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return WorkflowDefinition{}, fmt.Errorf("workflow: definition payload is empty")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var def WorkflowDefinition
	if err := dec.Decode(&def); err != nil {
		return WorkflowDefinition{}, fmt.Errorf("workflow: decode definition: %w", err)
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return WorkflowDefinition{}, fmt.Errorf("workflow: %s: one definition per file", def.ID)
	}
	return def.Normalized()
}

// LoadDefinitionFile reads and parses one workflow file.
func LoadDefinitionFile(path string) (WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return WorkflowDefinition{}, fmt.Errorf("workflow: read %s: %w", path, err)
	}
	def, err := ParseDefinitionYAML(data)
	if err != nil {
		return WorkflowDefinition{}, fmt.Errorf("workflow: %s: %w", path, err)
	}
	return def, nil
}
