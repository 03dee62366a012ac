package stage_image

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kingrea/cadforge/internal/artifact"
	"github.com/kingrea/cadforge/internal/module"
	"github.com/kingrea/cadforge/internal/modules/runtime"
)

const (
	moduleID      = "stage-image"
	moduleVersion = "1.0.0"
)

// StageImageModule copies the source image into the single-example staging
// folder the loader reads from.
type StageImageModule struct {
	*module.Base
}

// Register installs the module factory into the provided registry.
func Register(reg *module.Registry) {
	if reg == nil {
		return
	}
	reg.MustRegister(moduleID, func(module.Config) (module.Module, error) {
		return New(), nil
	})
}

// New constructs the module with its IO contracts declared.
func New() *StageImageModule {
	info := module.Info{
		ID:          moduleID,
		Name:        "Stage Image",
		Description: "Copies the input image into the staging images folder.",
		Version:     moduleVersion,
	}
	base := module.NewBase(info)
	base.SetOutputs(artifact.ImagesDir, artifact.StagedImage)
	return &StageImageModule{Base: &base}
}

// ArtifactFingerprints ties the staged copy to the source image contents.
func (m *StageImageModule) ArtifactFingerprints(mc *module.ModuleContext) (map[string]string, error) {
	if err := runtime.ValidateContext(moduleID, mc); err != nil {
		return nil, err
	}
	if err := runtime.RequireFile(moduleID, "image", mc.Run.ImagePath); err != nil {
		return nil, err
	}
	sum, err := artifact.FileChecksum(mc.Run.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("%s: checksum image: %w", moduleID, err)
	}
	return map[string]string{
		artifact.StagedImage.ID: runtime.Fingerprint("image", sum),
	}, nil
}

// IsComplete reports whether the staged copy is recorded by this module.
func (m *StageImageModule) IsComplete(mc *module.ModuleContext) (bool, error) {
	if err := runtime.ValidateContext(moduleID, mc); err != nil {
		return false, err
	}
	return m.OutputsReady(mc)
}

// Run copies the image. The staged file keeps the source file name.
func (m *StageImageModule) Run(_ context.Context, mc *module.ModuleContext) (module.Result, error) {
	if err := runtime.ValidateContext(moduleID, mc); err != nil {
		return module.Failed(err)
	}
	source := mc.Run.ImagePath
	if err := runtime.RequireFile(moduleID, "image", source); err != nil {
		return module.Failed(err)
	}
	if mc.Workflow.ImageName() == "" {
		return module.Failed(fmt.Errorf("%s: no image bound to run %s", moduleID, mc.Workflow.Name()))
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return module.Failed(fmt.Errorf("%s: read image: %w", moduleID, err))
	}
	fingerprint := runtime.Fingerprint("image", artifact.BytesChecksum(data))

	if err := mc.Artifacts.Write(artifact.ImagesDir, nil, m.Metadata(mc, artifact.ImagesDir, "")); err != nil {
		return module.Failed(fmt.Errorf("%s: create images dir: %w", moduleID, err))
	}
	meta := m.Metadata(mc, artifact.StagedImage, fingerprint)
	if err := mc.Artifacts.Write(artifact.StagedImage, data, meta); err != nil {
		return module.Failed(fmt.Errorf("%s: stage image: %w", moduleID, err))
	}
	staged := mc.Workflow.StagedImagePath()
	mc.Log().Debug("staged image", zap.String("source", source), zap.String("path", staged))
	return module.Result{
		Status:  module.StatusCompleted,
		Message: fmt.Sprintf("staged %s in %s", filepath.Base(source), mc.Workflow.ImagesDir()),
	}, nil
}
