package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/cadforge/internal/module"
)

func TestBuildModuleConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	require.NoError(t, os.WriteFile(path, []byte("result_var: part\nstrip_fences: false\n"), 0o644))

	cfg, err := buildModuleConfig(path, []string{"result_var=body", "prompt=a=b"})
	require.NoError(t, err)
	assert.Equal(t, module.Config{"result_var": "body", "strip_fences": false, "prompt": "a=b"}, cfg)

	cfg, err = buildModuleConfig("", nil)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = buildModuleConfig("", []string{"novalue"})
	assert.ErrorContains(t, err, "expected key=value")
	_, err = buildModuleConfig("", []string{" =x"})
	assert.ErrorContains(t, err, "key is empty")
}

func TestReadModuleConfigFileErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := readModuleConfigFile(dir)
	assert.ErrorContains(t, err, "is a directory")

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0o644))
	_, err = readModuleConfigFile(empty)
	assert.ErrorContains(t, err, "is empty")

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("key: [unclosed"), 0o644))
	_, err = readModuleConfigFile(broken)
	assert.ErrorContains(t, err, "parse config file")

	_, err = readModuleConfigFile(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "open config file")
}

func TestModuleLabel(t *testing.T) {
	assert.Equal(t, "Extract Code", moduleLabel(module.Info{ID: "extract-code", Name: "Extract Code"}, "x"))
	assert.Equal(t, "extract-code", moduleLabel(module.Info{ID: "extract-code"}, "x"))
	assert.Equal(t, "x", moduleLabel(module.Info{}, " x "))
}

func TestCommandRejectsUnknownModule(t *testing.T) {
	var out, errOut bytes.Buffer
	cmd := newCommand(&out, &errOut)
	cmd.SetArgs([]string{"--project", t.TempDir(), "--module", "nope", "--name", "flange"})
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve module")
}

func TestCommandRequiresFlags(t *testing.T) {
	var out, errOut bytes.Buffer
	cmd := newCommand(&out, &errOut)
	cmd.SetArgs([]string{"--module", "extract-code"})
	err := cmd.ExecuteContext(context.Background())
	assert.ErrorContains(t, err, `"name"`)
}
