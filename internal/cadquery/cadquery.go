// Package cadquery turns model answers into CadQuery source files and renders
// the Python wrapper that exports a loaded script to STEP.
package cadquery

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"text/template"
)

// MissingResultExitCode is the status the export wrapper exits with when the
// loaded script does not bind the result variable.
const MissingResultExitCode = 3

// ErrMissingResult matches any *MissingResultError.
var ErrMissingResult = errors.New("cadquery: result variable not defined")

// ErrEmptyCode is returned when an answer contains no source.
var ErrEmptyCode = errors.New("cadquery: answer contains no code")

// MissingResultError reports a script that never assigned the export variable.
type MissingResultError struct {
	Var string
}

func (e *MissingResultError) Error() string {
	return MissingResultMessage(e.Var)
}

// Is lets errors.Is match ErrMissingResult.
func (e *MissingResultError) Is(target error) bool {
	return target == ErrMissingResult
}

// MissingResultMessage is the user-facing explanation for a missing variable.
func MissingResultMessage(name string) string {
	return fmt.Sprintf("Generated file does not define `%s`. Model must assign final CadQuery object to `%s`.", name, name)
}

const fence = "```"

var fenceTag = regexp.MustCompile(`^[A-Za-z0-9_+-]*$`)

// ExtractCode returns the source for a model answer. With stripFences set, an
// answer that opens with a fence is unwrapped (an unterminated fence keeps the
// rest of the answer), prose around a complete fenced block is dropped, and a
// stray fence after unfenced code is trimmed. The result always ends with a
// newline unless it is empty.
func ExtractCode(text string, stripFences bool) string {
	code := text
	if stripFences && strings.Contains(text, fence) {
		code = unfence(text)
	}
	if strings.TrimSpace(code) == "" {
		return ""
	}
	if !strings.HasSuffix(code, "\n") {
		code += "\n"
	}
	return code
}

func unfence(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	first := slices.IndexFunc(lines, func(line string) bool { return strings.TrimSpace(line) != "" })
	if head := strings.TrimSpace(lines[first]); strings.HasPrefix(head, fence) {
		if len(head) > 2*len(fence) && strings.HasSuffix(head, fence) {
			return strings.TrimSpace(head[len(fence) : len(head)-len(fence)])
		}
		if opensFence(head) {
			return blockBody(lines[first+1:])
		}
	}
	if start := slices.IndexFunc(lines, opensFence); start >= 0 {
		body := lines[start+1:]
		if end := slices.IndexFunc(body, closesFence); end >= 0 {
			return strings.Join(body[:end], "\n")
		}
	}
	for len(lines) > 0 {
		last := lines[len(lines)-1]
		if strings.TrimSpace(last) != "" && !closesFence(last) {
			break
		}
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// blockBody returns the lines up to the closing fence, or all of them when the
// answer was cut off before one.
func blockBody(lines []string) string {
	if end := slices.IndexFunc(lines, closesFence); end >= 0 {
		lines = lines[:end]
	}
	return strings.Join(lines, "\n")
}

func opensFence(line string) bool {
	line = strings.TrimSpace(line)
	return strings.HasPrefix(line, fence) && fenceTag.MatchString(line[len(fence):])
}

func closesFence(line string) bool {
	return strings.TrimSpace(line) == fence
}

// AssignsVariable reports whether code binds name at module level. It only
// recognises plain assignments, annotated assignments, tuple targets and
// imports; the export run is authoritative.
func AssignsVariable(code, name string) bool {
	if name == "" {
		return false
	}
	quoted := regexp.QuoteMeta(name)
	patterns := []string{
		`(?m)^` + quoted + `\s*(:[^=\n]*)?=[^=]`,
		`(?m)^(?:[A-Za-z_][A-Za-z0-9_]*\s*,\s*)*` + quoted + `\s*(?:,\s*[A-Za-z_][A-Za-z0-9_]*\s*)*=[^=]`,
		`(?m)^(?:from\s+\S+\s+)?import\s+.*\b(?:as\s+)?` + quoted + `\b`,
		`(?m)^` + quoted + `\s*(?:\+|-|\*|/|\|)=`,
	}
	for _, pattern := range patterns {
		if regexp.MustCompile(pattern).MatchString(code) {
			return true
		}
	}
	return false
}

// ExportScript parameterises the export wrapper.
type ExportScript struct {
	CodePath   string
	ModuleName string
	StepPath   string
	ResultVar  string
}

const exportTemplate = `# Generated by cadforge. Loads a CadQuery script and exports one object to STEP.
import importlib.util
import sys
from pathlib import Path

import cadquery as cq

code_path = Path({{ py .CodePath }})
step_path = Path({{ py .StepPath }})

if not code_path.exists():
    raise FileNotFoundError(code_path)

sys.path.insert(0, str(code_path.parent))
spec = importlib.util.spec_from_file_location({{ py .ModuleName }}, code_path)
module = importlib.util.module_from_spec(spec)
spec.loader.exec_module(module)

if not hasattr(module, {{ py .ResultVar }}):
    print({{ py .MissingMessage }}, file=sys.stderr)
    sys.exit({{ .ExitCode }})

step_path.parent.mkdir(parents=True, exist_ok=True)
cq.exporters.export(getattr(module, {{ py .ResultVar }}), str(step_path))
print(f"[OK] STEP file saved to {step_path}")
`

var exportTmpl = template.Must(template.New("export").Funcs(template.FuncMap{
	"py": strconv.Quote,
}).Parse(exportTemplate))

// RenderExportScript renders the Python wrapper for script.
func RenderExportScript(script ExportScript) (string, error) {
	if strings.TrimSpace(script.CodePath) == "" || strings.TrimSpace(script.StepPath) == "" {
		return "", fmt.Errorf("cadquery: code and step paths are required")
	}
	if !isIdentifier(script.ResultVar) {
		return "", fmt.Errorf("cadquery: result variable %q is not a valid identifier", script.ResultVar)
	}
	if script.ModuleName == "" {
		script.ModuleName = "generated"
	}
	data := struct {
		ExportScript
		MissingMessage string
		ExitCode       int
	}{
		ExportScript:   script,
		MissingMessage: MissingResultMessage(script.ResultVar),
		ExitCode:       MissingResultExitCode,
	}
	var buf bytes.Buffer
	if err := exportTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("cadquery: render export script: %w", err)
	}
	return buf.String(), nil
}

var nonIdentifierChars = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// ModuleName derives an importable module name from a file stem.
func ModuleName(stem string) string {
	name := nonIdentifierChars.ReplaceAllString(stem, "_")
	if name == "" {
		return "generated"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "_" + name
	}
	return name
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func isIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// RenderPrompt expands the prompt template with the result variable name.
func RenderPrompt(text, resultVar string) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := template.New("prompt").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("cadquery: parse prompt: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]string{"ResultVar": resultVar}); err != nil {
		return "", fmt.Errorf("cadquery: render prompt: %w", err)
	}
	return buf.String(), nil
}
