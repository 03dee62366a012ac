package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/cadforge/internal/artifact"
)

const goDefinitionFuncName = "ModuleDefinitions"

// ArtifactsImportPath is the package Go plugins import to name built-in
// artifacts and kinds instead of spelling the ids:
//
//	import "cadforge/artifacts"
//
//	{"artifact": artifacts.CadQueryCode}
const ArtifactsImportPath = "cadforge/artifacts"

// artifactExports is handed to every interpreter. yaegi keys packages by
// "<import path>/<package name>".
func artifactExports() interp.Exports {
	symbols := map[string]reflect.Value{
		"KindFile":      reflect.ValueOf(string(artifact.KindFile)),
		"KindJSONL":     reflect.ValueOf(string(artifact.KindJSONL)),
		"KindMarker":    reflect.ValueOf(string(artifact.KindMarker)),
		"KindDirectory": reflect.ValueOf(string(artifact.KindDirectory)),
	}
	for name, ref := range map[string]artifact.ArtifactRef{
		"ImagesDir":    artifact.ImagesDir,
		"StagedImage":  artifact.StagedImage,
		"QuestionFile": artifact.QuestionFile,
		"AnswersFile":  artifact.AnswersFile,
		"CadQueryCode": artifact.CadQueryCode,
		"StepFile":     artifact.StepFile,
	} {
		symbols[name] = reflect.ValueOf(ref.ID)
	}
	return interp.Exports{ArtifactsImportPath + "/artifacts": symbols}
}

// LoadGoDefinitionDir evaluates every .go file in dir with yaegi and collects
// the definitions returned by ModuleDefinitions().
func LoadGoDefinitionDir(dir string) ([]DefinitionFile, error) {
	paths, err := scanDir(dir, func(name string) bool {
		return filepath.Ext(name) == ".go" && !strings.HasSuffix(name, "_test.go")
	})
	if err != nil {
		return nil, err
	}
	var defs []DefinitionFile
	for _, path := range paths {
		fileDefs, err := loadGoDefinitionFile(path)
		if err != nil {
			return nil, err
		}
		defs = append(defs, fileDefs...)
	}
	return defs, nil
}

func loadGoDefinitionFile(path string) ([]DefinitionFile, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(code))) == 0 {
		return nil, fmt.Errorf("plugin: %s is empty", path)
	}
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("plugin: load stdlib symbols: %w", err)
	}
	if err := i.Use(artifactExports()); err != nil {
		return nil, fmt.Errorf("plugin: load %s symbols: %w", ArtifactsImportPath, err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return nil, fmt.Errorf("plugin: interpret %s: %w", path, err)
	}
	fnValue, err := i.Eval(goDefinitionFuncName)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s must define %s() ([]map[string]any, error): %w", path, goDefinitionFuncName, err)
	}
	raws, err := invokeDefinitionFunc(fnValue)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s: %w", path, err)
	}
	if len(raws) == 0 {
		return nil, fmt.Errorf("plugin: %s: %s returned no definitions", path, goDefinitionFuncName)
	}
	defs := make([]ModuleDefinition, 0, len(raws))
	for idx, raw := range raws {
		payload, err := yaml.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("plugin: %s definition[%d]: %w", path, idx, err)
		}
		parsed, err := ParseDefinitionYAML(payload)
		if err != nil {
			return nil, fmt.Errorf("plugin: %s definition[%d]: %w", path, idx, err)
		}
		defs = append(defs, parsed)
	}
	return definitionFiles(filepath.Clean(path), defs), nil
}

// invokeDefinitionFunc calls ModuleDefinitions, accepting either
// []map[string]any or ([]map[string]any, error).
func invokeDefinitionFunc(fn reflect.Value) ([]map[string]any, error) {
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is not a function", goDefinitionFuncName)
	}
	if fn.Type().NumIn() != 0 {
		return nil, fmt.Errorf("%s must take no arguments", goDefinitionFuncName)
	}
	results := fn.Call(nil)
	switch len(results) {
	case 1:
	case 2:
		if errVal := results[1]; !errVal.IsNil() {
			if e, ok := errVal.Interface().(error); ok {
				return nil, e
			}
			return nil, fmt.Errorf("%s returned non-error second value", goDefinitionFuncName)
		}
	default:
		return nil, fmt.Errorf("%s must return ([]map[string]any[, error])", goDefinitionFuncName)
	}
	defsVal := results[0]
	if defs, ok := defsVal.Interface().([]map[string]any); ok {
		return defs, nil
	}
	if defsVal.Kind() != reflect.Slice {
		return nil, fmt.Errorf("%s must return []map[string]any", goDefinitionFuncName)
	}
	defs := make([]map[string]any, defsVal.Len())
	for i := range defs {
		m, ok := defsVal.Index(i).Interface().(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s[%d] is not map[string]any", goDefinitionFuncName, i)
		}
		defs[i] = m
	}
	return defs, nil
}
