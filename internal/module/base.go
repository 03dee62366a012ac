package module

import (
	"fmt"
	"slices"

	"github.com/kingrea/cadforge/internal/artifact"
)

// Base is embedded by modules for Info, Inputs, Outputs and the provenance
// helpers. Embedders still implement IsComplete and Run.
type Base struct {
	info    Info
	inputs  []artifact.ArtifactRef
	outputs []artifact.ArtifactRef
}

// NewBase returns a Base with no inputs or outputs.
func NewBase(info Info) Base {
	return Base{info: info}
}

func (b *Base) SetInputs(refs ...artifact.ArtifactRef)  { b.inputs = slices.Clone(refs) }
func (b *Base) SetOutputs(refs ...artifact.ArtifactRef) { b.outputs = slices.Clone(refs) }

func (b *Base) Info() Info                      { return b.info }
func (b *Base) Inputs() []artifact.ArtifactRef  { return slices.Clone(b.inputs) }
func (b *Base) Outputs() []artifact.ArtifactRef { return slices.Clone(b.outputs) }

// OutputsReady is true when every output exists and the manifest says this
// module wrote it at its current version. Fingerprints are the resolver's job.
func (b *Base) OutputsReady(mc *ModuleContext) (bool, error) {
	if mc == nil || mc.Artifacts == nil {
		return false, fmt.Errorf("module %s: artifact store unavailable", b.info.ID)
	}
	for _, ref := range b.outputs {
		check, err := mc.Artifacts.Check(ref)
		if err != nil {
			return false, err
		}
		if !b.wrote(check) {
			return false, nil
		}
	}
	return true, nil
}

func (b *Base) wrote(check artifact.CheckResult) bool {
	meta := check.Metadata
	return check.State == artifact.StateReady && meta != nil &&
		meta.ModuleID == b.info.ID && meta.Version == b.info.Version
}

// Metadata is the provenance record for ref as written by this module now.
func (b *Base) Metadata(mc *ModuleContext, ref artifact.ArtifactRef, fingerprint string, inputs ...artifact.ArtifactRef) artifact.Metadata {
	meta := artifact.Metadata{
		ArtifactID: ref.ID,
		ModuleID:   b.info.ID,
		Version:    b.info.Version,
		Notes:      FingerprintNotes(fingerprint, ref.ID),
	}
	if mc != nil {
		meta.Workflow = mc.Run.WorkflowID
	}
	for _, in := range inputs {
		meta.Inputs = append(meta.Inputs, in.ID)
	}
	return meta
}
