package modules

import (
	"github.com/kingrea/cadforge/internal/module"
	"github.com/kingrea/cadforge/internal/modules/extract_code"
	"github.com/kingrea/cadforge/internal/modules/question_file"
	"github.com/kingrea/cadforge/internal/modules/stage_image"
	"github.com/kingrea/cadforge/internal/modules/step_export"
	"github.com/kingrea/cadforge/internal/modules/vlm_inference"
)

// RegisterBuiltins installs all of the built-in module factories into the
// provided registry.
func RegisterBuiltins(reg *module.Registry) {
	if reg == nil {
		return
	}
	stage_image.Register(reg)
	question_file.Register(reg)
	vlm_inference.Register(reg)
	extract_code.Register(reg)
	step_export.Register(reg)
}
