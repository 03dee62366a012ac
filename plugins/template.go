package plugins

import (
	"strings"
	"text/template"

	"github.com/kingrea/cadforge/internal/workflow"
)

// PathData is available to artifact path templates, e.g.
//
//	path: "{{.Name}}-preview.png"
//	path: "{{.RunDir}}/mesh.stl"
type PathData struct {
	Name       string
	Image      string
	RunDir     string
	StagingDir string
	ResultsDir string
	OutputDir  string
}

func newPathData(wf *workflow.Workflow) PathData {
	if wf == nil {
		return PathData{}
	}
	return PathData{
		Name:       wf.Name(),
		Image:      wf.ImageName(),
		RunDir:     wf.Dir(),
		StagingDir: wf.StagingDir(),
		ResultsDir: wf.ResultsDir(),
		OutputDir:  wf.Layout().OutputDir,
	}
}

// CommandData is available to command args, env values and dir:
//
//	args: ["{{.Code}}", "{{index .Outputs \"preview\"}}"]
type CommandData struct {
	PathData
	ProjectDir string
	ImagePath  string
	Code       string
	Step       string
	Answers    string
	Inputs     map[string]string
	Outputs    map[string]string
	Config     map[string]any
}

func render(tmpl *template.Template, data any) (string, error) {
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
