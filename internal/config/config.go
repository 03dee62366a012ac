// internal/config/config.go
//
// This package handles configuration and the .cadforge directory structure.
// Every project that uses cadforge gets a .cadforge/ folder created in its root.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ProjectDirName is the name of the directory we create in each project
	ProjectDirName = ".cadforge"

	defaultWorkflowID = "image-to-step"

	BackendLLaVA  = "llava"
	BackendGemini = "gemini"

	// DefaultPrompt asks the model for a script that binds the exported solid.
	DefaultPrompt = "Generate CadQuery code for this CAD part. Output only valid Python CadQuery code. Assign the final solid to a variable named `{{.ResultVar}}`."
)

const defaultProjectConfigYAML = `# cadforge project configuration
version: 1

# Where staged inputs, raw model answers and generated files are written.
# Relative paths resolve against the project directory.
layout:
  staging_dir: inference/single_run
  results_dir: inference/inference_results
  output_dir: .

inference:
  # llava runs the model_vqa_loader entry point; gemini calls the hosted API.
  backend: llava
  python: python3
  module: llava.eval.model_vqa_loader
  model: CADCODER/CAD-Coder
  conv_mode: vicuna_v1
  temperature: 0
  max_new_tokens: 3450
  num_chunks: 1
  chunk_idx: 0
  # timeout: 30m
  gemini:
    model: gemini-2.5-flash
    api_key_env: GEMINI_API_KEY
    requests_per_minute: 10

prompt:
  question_id: 0
  # text: "Generate CadQuery code for this CAD part."

extract:
  strip_fences: true

# CadQuery usually lives in a different interpreter than the model.
export:
  python: python3
  result_var: result
  keep_runner: false

workflows:
  default: image-to-step

logging:
  level: info

watch:
  extensions: [".png", ".jpg", ".jpeg"]
  debounce: 750ms
`

// LayoutConfig controls where pipeline files are placed.
type LayoutConfig struct {
	StagingDir string `yaml:"staging_dir"`
	ResultsDir string `yaml:"results_dir"`
	OutputDir  string `yaml:"output_dir"`
}

// GeminiConfig configures the hosted vision backend.
type GeminiConfig struct {
	Model             string `yaml:"model"`
	APIKeyEnv         string `yaml:"api_key_env"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

// InferenceConfig describes how the vision-language model is invoked.
type InferenceConfig struct {
	Backend      string            `yaml:"backend"`
	Python       string            `yaml:"python"`
	Module       string            `yaml:"module"`
	Model        string            `yaml:"model"`
	ConvMode     string            `yaml:"conv_mode"`
	Temperature  float64           `yaml:"temperature"`
	MaxNewTokens int               `yaml:"max_new_tokens"`
	NumChunks    int               `yaml:"num_chunks"`
	ChunkIdx     int               `yaml:"chunk_idx"`
	Timeout      time.Duration     `yaml:"timeout,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	Gemini       GeminiConfig      `yaml:"gemini"`
}

// PromptConfig controls the single question written for the model.
type PromptConfig struct {
	Text       string `yaml:"text,omitempty"`
	QuestionID int    `yaml:"question_id"`
}

// ExtractConfig controls how answers become source files.
type ExtractConfig struct {
	StripFences bool `yaml:"strip_fences"`
}

// ExportConfig describes the CadQuery interpreter used for STEP export.
type ExportConfig struct {
	Python     string            `yaml:"python"`
	ResultVar  string            `yaml:"result_var"`
	Timeout    time.Duration     `yaml:"timeout,omitempty"`
	KeepRunner bool              `yaml:"keep_runner"`
	Env        map[string]string `yaml:"env,omitempty"`
}

// WorkflowConfig captures workflow preferences.
type WorkflowConfig struct {
	Default   string   `yaml:"default"`
	Available []string `yaml:"available,omitempty"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json,omitempty"`
}

// WatchConfig controls directory watch mode.
type WatchConfig struct {
	Extensions []string      `yaml:"extensions"`
	Debounce   time.Duration `yaml:"debounce"`
}

// ProjectConfig models .cadforge/config.yaml.
type ProjectConfig struct {
	Version   int             `yaml:"version"`
	Layout    LayoutConfig    `yaml:"layout"`
	Inference InferenceConfig `yaml:"inference"`
	Prompt    PromptConfig    `yaml:"prompt"`
	Extract   ExtractConfig   `yaml:"extract"`
	Export    ExportConfig    `yaml:"export"`
	Workflows WorkflowConfig  `yaml:"workflows"`
	Logging   LoggingConfig   `yaml:"logging"`
	Watch     WatchConfig     `yaml:"watch"`
}

// Config holds the runtime configuration for cadforge.
type Config struct {
	// ProjectDir is the directory cadforge operates in
	ProjectDir string

	// StateDir is ProjectDir/.cadforge
	StateDir string

	Project ProjectConfig

	lookupEnv func(string) (string, bool)
}

// Option customizes config loading.
type Option func(*Config)

// WithLookupEnv replaces os.LookupEnv for environment overrides.
func WithLookupEnv(lookup func(string) (string, bool)) Option {
	return func(c *Config) {
		if lookup != nil {
			c.lookupEnv = lookup
		}
	}
}

// InitProjectDir creates the .cadforge directory structure in the given project directory.
//
// Structure created:
// .cadforge/
// ├── config.yaml
// ├── logs/       <- structured log and journey log
// ├── runs/       <- per-run manifests and engine state
// ├── modules/    <- plugin module definitions (yaml or go)
// └── workflows/  <- project workflow definitions
func InitProjectDir(projectDir string) error {
	stateDir := filepath.Join(projectDir, ProjectDirName)
	dirs := []string{
		filepath.Join(stateDir, "logs"),
		filepath.Join(stateDir, "runs"),
		filepath.Join(stateDir, "modules"),
		filepath.Join(stateDir, "workflows"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(stateDir, "config.yaml"))
}

// NewConfig creates a new Config instance populated with project settings.
// Values come from defaults, then .cadforge/config.yaml, then CADFORGE_*
// environment variables.
func NewConfig(projectDir string, opts ...Option) (*Config, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve project dir: %w", err)
	}
	cfg := &Config{
		ProjectDir: abs,
		StateDir:   filepath.Join(abs, ProjectDirName),
		Project:    defaultProjectConfig(),
		lookupEnv:  os.LookupEnv,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with defaults only, rooted at projectDir.
func Default(projectDir string) *Config {
	cfg := &Config{
		ProjectDir: projectDir,
		StateDir:   filepath.Join(projectDir, ProjectDirName),
		Project:    defaultProjectConfig(),
	}
	cfg.Project.normalize(projectDir)
	return cfg
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// RunsDir returns the directory holding per-run state
func (c *Config) RunsDir() string {
	return filepath.Join(c.StateDir, "runs")
}

// ModulesDir returns the directory scanned for plugin modules
func (c *Config) ModulesDir() string {
	return filepath.Join(c.StateDir, "modules")
}

// WorkflowsDir returns the directory scanned for project workflows
func (c *Config) WorkflowsDir() string {
	return filepath.Join(c.StateDir, "workflows")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.StateDir, "config.yaml")
}

// DefaultWorkflow returns the configured default workflow identifier.
func (c *Config) DefaultWorkflow() string {
	return c.Project.Workflows.Default
}

// SetDefaultWorkflow updates the default workflow identifier and persists the
// value back to .cadforge/config.yaml.
func (c *Config) SetDefaultWorkflow(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("config: workflow id is required")
	}
	if err := c.saveDefaultWorkflow(id); err != nil {
		return err
	}
	c.Project.Workflows.Default = id
	if len(c.Project.Workflows.Available) > 0 && !contains(c.Project.Workflows.Available, id) {
		c.Project.Workflows.Available = append(c.Project.Workflows.Available, id)
	}
	return nil
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	parsed := defaultProjectConfig()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := parsed.applyEnv(c.lookupEnv); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	parsed.applyDefaults()
	parsed.normalize(c.ProjectDir)
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	pc := ProjectConfig{
		Extract: ExtractConfig{StripFences: true},
	}
	pc.applyDefaults()
	return pc
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	setDefault(&pc.Layout.StagingDir, filepath.Join("inference", "single_run"))
	setDefault(&pc.Layout.ResultsDir, filepath.Join("inference", "inference_results"))
	setDefault(&pc.Layout.OutputDir, ".")

	inf := &pc.Inference
	setDefault(&inf.Backend, BackendLLaVA)
	setDefault(&inf.Python, "python3")
	setDefault(&inf.Module, "llava.eval.model_vqa_loader")
	setDefault(&inf.Model, "CADCODER/CAD-Coder")
	setDefault(&inf.ConvMode, "vicuna_v1")
	if inf.MaxNewTokens == 0 {
		inf.MaxNewTokens = 3450
	}
	if inf.NumChunks == 0 {
		inf.NumChunks = 1
	}
	setDefault(&inf.Gemini.Model, "gemini-2.5-flash")
	setDefault(&inf.Gemini.APIKeyEnv, "GEMINI_API_KEY")

	setDefault(&pc.Prompt.Text, DefaultPrompt)

	setDefault(&pc.Export.Python, "python3")
	setDefault(&pc.Export.ResultVar, "result")

	setDefault(&pc.Workflows.Default, defaultWorkflowID)
	setDefault(&pc.Logging.Level, "info")

	if len(pc.Watch.Extensions) == 0 {
		pc.Watch.Extensions = []string{".png", ".jpg", ".jpeg"}
	}
	if pc.Watch.Debounce == 0 {
		pc.Watch.Debounce = 750 * time.Millisecond
	}
}

func (pc *ProjectConfig) normalize(base string) {
	pc.Layout.StagingDir = resolvePath(base, pc.Layout.StagingDir)
	pc.Layout.ResultsDir = resolvePath(base, pc.Layout.ResultsDir)
	pc.Layout.OutputDir = resolvePath(base, pc.Layout.OutputDir)

	inf := &pc.Inference
	inf.Backend = strings.ToLower(strings.TrimSpace(inf.Backend))
	inf.Python = resolveBinary(base, inf.Python)
	inf.Module = strings.TrimSpace(inf.Module)
	inf.Model = strings.TrimSpace(inf.Model)
	inf.ConvMode = strings.TrimSpace(inf.ConvMode)
	inf.Env = trimMap(inf.Env)
	inf.Gemini.Model = strings.TrimSpace(inf.Gemini.Model)
	inf.Gemini.APIKeyEnv = strings.TrimSpace(inf.Gemini.APIKeyEnv)

	pc.Prompt.Text = strings.TrimSpace(pc.Prompt.Text)

	pc.Export.Python = resolveBinary(base, pc.Export.Python)
	pc.Export.ResultVar = strings.TrimSpace(pc.Export.ResultVar)
	pc.Export.Env = trimMap(pc.Export.Env)

	pc.Workflows.Default = strings.TrimSpace(pc.Workflows.Default)
	if pc.Workflows.Default == "" {
		pc.Workflows.Default = defaultWorkflowID
	}
	if len(pc.Workflows.Available) > 0 && !contains(pc.Workflows.Available, pc.Workflows.Default) {
		pc.Workflows.Available = append(pc.Workflows.Available, pc.Workflows.Default)
	}

	pc.Logging.Level = strings.ToLower(strings.TrimSpace(pc.Logging.Level))

	exts := make([]string, 0, len(pc.Watch.Extensions))
	for _, ext := range pc.Watch.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	pc.Watch.Extensions = exts
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// IsIdentifier reports whether name is a valid Python identifier.
func IsIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	inf := pc.Inference
	switch inf.Backend {
	case BackendLLaVA:
		if inf.Python == "" {
			return fmt.Errorf("inference.python is required for the llava backend")
		}
		if inf.Module == "" {
			return fmt.Errorf("inference.module is required for the llava backend")
		}
	case BackendGemini:
		if inf.Gemini.Model == "" {
			return fmt.Errorf("inference.gemini.model is required for the gemini backend")
		}
		if inf.Gemini.APIKeyEnv == "" {
			return fmt.Errorf("inference.gemini.api_key_env is required for the gemini backend")
		}
	default:
		return fmt.Errorf("inference.backend must be %q or %q", BackendLLaVA, BackendGemini)
	}
	if inf.Model == "" {
		return fmt.Errorf("inference.model is required")
	}
	if inf.Temperature < 0 {
		return fmt.Errorf("inference.temperature must be >= 0")
	}
	if inf.MaxNewTokens <= 0 {
		return fmt.Errorf("inference.max_new_tokens must be > 0")
	}
	if inf.NumChunks < 1 {
		return fmt.Errorf("inference.num_chunks must be >= 1")
	}
	if inf.ChunkIdx < 0 || inf.ChunkIdx >= inf.NumChunks {
		return fmt.Errorf("inference.chunk_idx must be in [0, %d)", inf.NumChunks)
	}
	if inf.Timeout < 0 {
		return fmt.Errorf("inference.timeout must be >= 0")
	}
	if inf.Gemini.RequestsPerMinute < 0 {
		return fmt.Errorf("inference.gemini.requests_per_minute must be >= 0")
	}
	if pc.Prompt.Text == "" {
		return fmt.Errorf("prompt.text is required")
	}
	if pc.Prompt.QuestionID < 0 {
		return fmt.Errorf("prompt.question_id must be >= 0")
	}
	if pc.Export.Python == "" {
		return fmt.Errorf("export.python is required")
	}
	if !IsIdentifier(pc.Export.ResultVar) {
		return fmt.Errorf("export.result_var %q is not a valid identifier", pc.Export.ResultVar)
	}
	if pc.Export.Timeout < 0 {
		return fmt.Errorf("export.timeout must be >= 0")
	}
	if strings.TrimSpace(pc.Workflows.Default) == "" {
		return fmt.Errorf("workflows.default is required")
	}
	switch pc.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	if pc.Watch.Debounce < 0 {
		return fmt.Errorf("watch.debounce must be >= 0")
	}
	return nil
}

// applyEnv overlays CADFORGE_* environment variables.
func (pc *ProjectConfig) applyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}
	strVars := map[string]*string{
		"CADFORGE_INFERENCE_BACKEND": &pc.Inference.Backend,
		"CADFORGE_INFERENCE_PYTHON":  &pc.Inference.Python,
		"CADFORGE_INFERENCE_MODEL":   &pc.Inference.Model,
		"CADFORGE_EXPORT_PYTHON":     &pc.Export.Python,
		"CADFORGE_LOG_LEVEL":         &pc.Logging.Level,
	}
	for key, target := range strVars {
		if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
			*target = value
		}
	}
	if value, ok := lookup("CADFORGE_INFERENCE_MAX_NEW_TOKENS"); ok && strings.TrimSpace(value) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("CADFORGE_INFERENCE_MAX_NEW_TOKENS: %w", err)
		}
		pc.Inference.MaxNewTokens = n
	}
	return nil
}

func setDefault(target *string, value string) {
	if strings.TrimSpace(*target) == "" {
		*target = value
	}
}

func trimMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for key, value := range values {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = value
	}
	return out
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), target) {
			return true
		}
	}
	return false
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

// resolveBinary keeps bare command names for PATH lookup and anchors
// relative paths like venv/bin/python to the project.
func resolveBinary(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" || !strings.ContainsRune(trimmed, filepath.Separator) {
		return trimmed
	}
	return resolvePath(base, trimmed)
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}

// saveDefaultWorkflow edits workflows.default in the file on disk. The rest of
// the document, comments included, is written back as it was read: env
// overrides and resolved paths only live in memory.
func (c *Config) saveDefaultWorkflow(id string) error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		data, err = []byte(defaultProjectConfigYAML), nil
	}
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("config: %s is not a mapping", path)
	}
	workflows := mappingChild(root, "workflows", yaml.MappingNode)
	mappingChild(workflows, "default", yaml.ScalarNode).SetString(id)
	if available := lookupChild(workflows, "available"); available != nil && available.Kind == yaml.SequenceNode {
		listed := false
		for _, item := range available.Content {
			listed = listed || strings.EqualFold(strings.TrimSpace(item.Value), id)
		}
		if !listed {
			item := &yaml.Node{}
			item.SetString(id)
			available.Content = append(available.Content, item)
		}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.MkdirAll(c.StateDir, 0o755); err != nil {
		return fmt.Errorf("config: ensure state dir: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("config: write project config: %w", err)
	}
	return nil
}

func lookupChild(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

// mappingChild returns the value under key, adding it or replacing a value of
// another kind (such as an empty "workflows:") when needed.
func mappingChild(mapping *yaml.Node, key string, kind yaml.Kind) *yaml.Node {
	child := lookupChild(mapping, key)
	if child == nil {
		name := &yaml.Node{}
		name.SetString(key)
		child = &yaml.Node{}
		mapping.Content = append(mapping.Content, name, child)
	}
	if child.Kind != kind {
		*child = yaml.Node{Kind: kind}
		if kind == yaml.MappingNode {
			child.Tag = "!!map"
		}
	}
	return child
}
