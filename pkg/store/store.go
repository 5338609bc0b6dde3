// Package store persists the evidence pipeline's state: artifacts, voice
// configurations, manifests, bundles, and the audit trail.
//
// Manifests and bundles are append-only. The unique (call_id, version) and
// (manifest_id) constraints are the concurrency boundary for duplicate
// generation attempts; the TSA columns are the only in-place mutation and
// only ever move pending→success or pending→error.
package store

import (
	"context"
	"errors"

	"github.com/callmonitor/evidence/pkg/contracts"
)

// ErrDuplicateVersion is returned when a manifest insert loses the race for
// its (call_id, version) slot. Callers re-read and return the winner.
var ErrDuplicateVersion = errors.New("store: manifest version already exists")

// ErrDuplicateBundle is returned when a bundle already exists for the
// manifest. EnsureBundle treats this as success.
var ErrDuplicateBundle = errors.New("store: bundle already exists for manifest")

// ErrVoiceConfigNotFound is returned when an organization has no voice
// configuration. The tracker treats this as "requirements unknown" and does
// not fire generation.
var ErrVoiceConfigNotFound = errors.New("store: voice config not found")

// EvidenceStore is the persistence contract for the pipeline. All writes are
// additive; readers never block writers.
type EvidenceStore interface {
	// Artifacts. Written by the vendor integrations, read by the tracker
	// and the manifest generator.
	SaveArtifact(ctx context.Context, a *contracts.Artifact) error
	GetArtifacts(ctx context.Context, callID string) ([]*contracts.Artifact, error)

	// Voice configuration, keyed by organization.
	PutVoiceConfig(ctx context.Context, organizationID string, m contracts.Modulations) error
	GetVoiceConfig(ctx context.Context, organizationID string) (contracts.Modulations, error)

	// Manifests, append-only under a unique (call_id, version) constraint.
	SaveManifest(ctx context.Context, m *contracts.Manifest) error
	GetManifest(ctx context.Context, id string) (*contracts.Manifest, error)
	GetLatestManifest(ctx context.Context, callID string) (*contracts.Manifest, error)
	ListManifests(ctx context.Context, callID string) ([]*contracts.Manifest, error)

	// Bundles, 1:1 with manifests.
	SaveBundle(ctx context.Context, b *contracts.EvidenceBundle) error
	GetBundle(ctx context.Context, id string) (*contracts.EvidenceBundle, error)
	GetBundleByManifestID(ctx context.Context, manifestID string) (*contracts.EvidenceBundle, error)
	// SetBundleTSAResult applies the terminal TSA outcome. It only succeeds
	// while the bundle is still pending; later calls are no-ops so the
	// status never moves backward.
	SetBundleTSAResult(ctx context.Context, bundleID string, b *contracts.EvidenceBundle) error

	// Audit trail.
	AppendAudit(ctx context.Context, e *contracts.AuditEntry) error
	ListAudit(ctx context.Context, resourceID string) ([]*contracts.AuditEntry, error)
}
