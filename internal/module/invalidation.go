package module

import (
	"strings"

	"github.com/kingrea/cadforge/internal/artifact"
)

// Fingerprinter is implemented by modules that can say, without running,
// what fingerprint each output would carry given the current inputs and
// settings. A stored fingerprint that differs marks the output outdated.
type Fingerprinter interface {
	ArtifactFingerprints(mc *ModuleContext) (map[string]string, error)
}

// ArtifactStatus is the resolver's verdict on one output.
type ArtifactStatus string

const (
	ArtifactStatusUnknown  ArtifactStatus = "unknown"
	ArtifactStatusFresh    ArtifactStatus = "fresh"
	ArtifactStatusReady    ArtifactStatus = "ready"
	ArtifactStatusMissing  ArtifactStatus = "missing"
	ArtifactStatusInvalid  ArtifactStatus = "invalid"
	ArtifactStatusOutdated ArtifactStatus = "outdated"
	ArtifactStatusError    ArtifactStatus = "error"
)

// ArtifactInvalidationReason says why an output will be regenerated.
type ArtifactInvalidationReason string

const (
	InvalidationReasonMissing         ArtifactInvalidationReason = "missing"
	InvalidationReasonInvalidMetadata ArtifactInvalidationReason = "invalid-metadata"
	InvalidationReasonVersionMismatch ArtifactInvalidationReason = "version-mismatch"
	InvalidationReasonFingerprint     ArtifactInvalidationReason = "fingerprint-mismatch"
	InvalidationReasonCheckError      ArtifactInvalidationReason = "check-error"
)

// ArtifactInvalidation describes one output found missing, edited or stale.
type ArtifactInvalidation struct {
	Artifact            artifact.ArtifactRef
	Status              ArtifactStatus
	Reason              ArtifactInvalidationReason
	StoredFingerprint   string
	ExpectedFingerprint string
	Metadata            *artifact.Metadata
	Err                 error
}

// ArtifactInvalidationHandler lets a module react before its output is
// regenerated. A returned error puts the node into the error state.
type ArtifactInvalidationHandler interface {
	OnArtifactInvalidation(mc *ModuleContext, event ArtifactInvalidation) error
}

// FingerprintNoteKey is the manifest note holding the fingerprint of
// artifactID.
func FingerprintNoteKey(artifactID string) string {
	id := strings.TrimSpace(artifactID)
	if id == "" {
		id = "default"
	}
	return "fingerprint:" + id
}

// FingerprintNotes stamps fingerprint for every id. It returns nil when there
// is nothing to record.
func FingerprintNotes(fingerprint string, artifactIDs ...string) map[string]string {
	if strings.TrimSpace(fingerprint) == "" || len(artifactIDs) == 0 {
		return nil
	}
	notes := make(map[string]string, len(artifactIDs))
	for _, id := range artifactIDs {
		notes[FingerprintNoteKey(id)] = fingerprint
	}
	return notes
}
