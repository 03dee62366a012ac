package resolver

import (
	"fmt"
	"strings"

	"github.com/kingrea/cadforge/internal/artifact"
	"github.com/kingrea/cadforge/internal/module"
)

// CheckArtifact judges one output of node and reports any invalidation to the
// observer and to the module itself.
func (r *Resolver) CheckArtifact(mc *module.ModuleContext, node *Node, ref artifact.ArtifactRef) ArtifactReport {
	report, reason := r.inspect(mc, node, ref)
	if reason != "" {
		r.invalidate(mc, node, report, reason)
	}
	return report
}

// inspect returns an empty reason when the artifact is usable or its state is
// unknown.
func (r *Resolver) inspect(mc *module.ModuleContext, node *Node, ref artifact.ArtifactRef) (ArtifactReport, module.ArtifactInvalidationReason) {
	report := ArtifactReport{Ref: ref, Status: module.ArtifactStatusUnknown}
	if mc == nil || mc.Artifacts == nil {
		report.Status = module.ArtifactStatusError
		report.Err = fmt.Errorf("workflow: artifact store unavailable")
		return report, module.InvalidationReasonCheckError
	}
	check, err := mc.Artifacts.Check(ref)
	report.Metadata = check.Metadata
	report.Err = err
	if report.Err == nil && check.State != artifact.StateMissing {
		report.Err = check.Err
	}

	switch check.State {
	case artifact.StateMissing:
		report.Status = module.ArtifactStatusMissing
		return report, module.InvalidationReasonMissing
	case artifact.StateInvalid:
		report.Status = module.ArtifactStatusInvalid
		return report, module.InvalidationReasonInvalidMetadata
	case artifact.StateError:
		if report.Err == nil {
			report.Err = fmt.Errorf("workflow: %s encountered an unknown error", ref.ID)
		}
		report.Status = module.ArtifactStatusError
		return report, module.InvalidationReasonCheckError
	case artifact.StateReady:
		return r.inspectProvenance(mc, node, report)
	}
	return report, ""
}

// inspectProvenance compares the recorded module, version and fingerprint of
// a file that exists with what the node would write now.
func (r *Resolver) inspectProvenance(mc *module.ModuleContext, node *Node, report ArtifactReport) (ArtifactReport, module.ArtifactInvalidationReason) {
	info := node.Module.Info()
	meta := report.Metadata
	id := report.Ref.ID
	switch {
	case meta == nil:
		report.Status = module.ArtifactStatusInvalid
		report.Err = fmt.Errorf("workflow: %s missing metadata", id)
		return report, module.InvalidationReasonInvalidMetadata
	case meta.ModuleID != info.ID:
		report.Status = module.ArtifactStatusInvalid
		report.Err = fmt.Errorf("workflow: %s created by %s expected %s", id, meta.ModuleID, info.ID)
		return report, module.InvalidationReasonInvalidMetadata
	case meta.Version != info.Version:
		report.Status = module.ArtifactStatusOutdated
		return report, module.InvalidationReasonVersionMismatch
	}

	expected, err := node.expectedFingerprint(mc, id)
	if err != nil {
		report.Status = module.ArtifactStatusError
		report.Err = err
		return report, module.InvalidationReasonCheckError
	}
	report.Status = module.ArtifactStatusReady
	if expected == "" {
		return report, ""
	}
	report.ExpectedFingerprint = expected
	report.StoredFingerprint = meta.Notes[module.FingerprintNoteKey(id)]
	switch {
	case strings.TrimSpace(report.StoredFingerprint) == "":
		return report, ""
	case report.StoredFingerprint != expected:
		report.Status = module.ArtifactStatusOutdated
		return report, module.InvalidationReasonFingerprint
	}
	report.Status = module.ArtifactStatusFresh
	return report, ""
}

// expectedFingerprint uses the values cached by poll, asking the module only
// when it has not been polled. Empty means the module does not fingerprint id.
func (n *Node) expectedFingerprint(mc *module.ModuleContext, id string) (string, error) {
	if n.fingerprints == nil {
		fp, ok := n.Module.(module.Fingerprinter)
		if !ok {
			return "", nil
		}
		values, err := fp.ArtifactFingerprints(mc)
		if err != nil {
			return "", err
		}
		n.fingerprints = values
	}
	return strings.TrimSpace(n.fingerprints[id]), nil
}

func (r *Resolver) invalidate(mc *module.ModuleContext, node *Node, report ArtifactReport, reason module.ArtifactInvalidationReason) {
	event := module.ArtifactInvalidation{
		Artifact:            report.Ref,
		Status:              report.Status,
		Reason:              reason,
		StoredFingerprint:   report.StoredFingerprint,
		ExpectedFingerprint: report.ExpectedFingerprint,
		Metadata:            report.Metadata,
		Err:                 report.Err,
	}
	if r.observer != nil {
		r.observer(node.ID, event)
	}
	if handler, ok := node.Module.(module.ArtifactInvalidationHandler); ok {
		if err := handler.OnArtifactInvalidation(mc, event); err != nil {
			node.fail(err)
		}
	}
}
