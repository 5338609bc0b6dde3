package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/callmonitor/evidence/pkg/authority"
	"github.com/callmonitor/evidence/pkg/canonicalize"
	"github.com/callmonitor/evidence/pkg/contracts"
	"github.com/callmonitor/evidence/pkg/store"
)

// manifestPayload is the hashed portion of a manifest: every stored field
// except the hash itself, so any verifier can recompute the digest from a
// stored row.
type manifestPayload struct {
	ID                string                       `json:"id"`
	CallID            string                       `json:"call_id"`
	OrganizationID    string                       `json:"organization_id"`
	Version           int                          `json:"version"`
	RequiredTypes     []contracts.ArtifactType     `json:"required_artifact_types"`
	IncludedArtifacts []contracts.ManifestArtifact `json:"included_artifacts"`
	Partial           bool                         `json:"partial"`
	SkippedArtifacts  []string                     `json:"skipped_artifacts,omitempty"`
	CreatedAt         time.Time                    `json:"created_at"`
}

func manifestHashable(m *contracts.Manifest) manifestPayload {
	return manifestPayload{
		ID:                m.ID,
		CallID:            m.CallID,
		OrganizationID:    m.OrganizationID,
		Version:           m.Version,
		RequiredTypes:     m.RequiredTypes,
		IncludedArtifacts: m.IncludedArtifacts,
		Partial:           m.Partial,
		SkippedArtifacts:  m.SkippedArtifacts,
		CreatedAt:         m.CreatedAt,
	}
}

// GenerateManifest idempotently assembles the completed artifacts for a call
// into a versioned manifest and hands it to the bundle builder.
//
// If the latest manifest already covers the current artifact set, it is
// returned unchanged: no rehash, no version bump. Otherwise a new version is
// persisted under the (call_id, version) unique constraint; losing that race
// means another generation attempt won, and the winner is returned.
func (p *Pipeline) GenerateManifest(ctx context.Context, callID, organizationID string) (m *contracts.Manifest, err error) {
	ctx, finish := p.track(ctx, "pipeline.GenerateManifest", callAttrs(callID, organizationID)...)
	defer func() { finish(err) }()

	required, err := p.requiredTypes(ctx, callID, organizationID)
	if err != nil {
		return nil, err
	}

	chosen, skipped, err := p.selectArtifacts(ctx, callID)
	if err != nil {
		return nil, err
	}

	// Artifact identity alone decides whether a new version is due; payloads
	// are hashed only once a write is certain.
	included := make([]contracts.ManifestArtifact, len(chosen))
	for i, a := range chosen {
		included[i] = contracts.ManifestArtifact{Type: a.Type, ArtifactID: a.ID}
	}

	latest, err := p.store.GetLatestManifest(ctx, callID)
	if err != nil && !errors.Is(err, contracts.ErrManifestNotFound) {
		return nil, fmt.Errorf("load latest manifest for call %s: %w", callID, err)
	}

	if latest != nil && sameArtifactSet(latest.IncludedArtifacts, included) {
		// Idempotent no-op: same artifacts, same manifest. A manifest left
		// bundleless by an earlier transient failure heals here.
		if _, err := p.EnsureBundle(ctx, latest.ID); err != nil {
			p.logger.Error("bundle recovery failed for existing manifest",
				"manifest_id", latest.ID, "error", err)
			return latest, err
		}
		return latest, nil
	}

	for i, a := range chosen {
		hash, herr := hashPayload(a.Payload)
		if herr != nil {
			return nil, fmt.Errorf("hash payload of artifact %s: %w", a.ID, herr)
		}
		included[i].SHA256 = hash
	}

	version := 1
	if latest != nil {
		version = latest.Version + 1
	}

	m = &contracts.Manifest{
		ID:                uuid.New().String(),
		CallID:            callID,
		OrganizationID:    organizationID,
		Version:           version,
		RequiredTypes:     required,
		IncludedArtifacts: included,
		Partial:           len(skipped) > 0,
		SkippedArtifacts:  skipped,
		CreatedAt:         p.clock(),
	}

	hash, err := canonicalize.Hash(manifestHashable(m))
	if err != nil {
		return nil, fmt.Errorf("hash manifest for call %s: %w", callID, err)
	}
	m.ManifestHash = hash

	if err := p.store.SaveManifest(ctx, m); err != nil {
		if errors.Is(err, store.ErrDuplicateVersion) {
			// Lost the race for this version slot; the winner's manifest is
			// authoritative for this artifact set.
			winner, rerr := p.store.GetLatestManifest(ctx, callID)
			if rerr != nil {
				return nil, fmt.Errorf("reload manifest after version conflict: %w", rerr)
			}
			return winner, nil
		}
		return nil, err
	}

	p.logger.Info("evidence manifest created",
		"call_id", callID,
		"manifest_id", m.ID,
		"version", m.Version,
		"artifacts", len(m.IncludedArtifacts),
		"partial", m.Partial)

	p.audit(ctx, organizationID, "evidence_manifests", m.ID, "create", nil, m)

	if _, err := p.BuildBundle(ctx, m); err != nil {
		// The manifest row is already durable; bundle creation is recovered
		// later via EnsureBundle.
		p.logger.Error("bundle build failed after manifest creation",
			"manifest_id", m.ID, "error", err)
		return m, err
	}
	return m, nil
}

func (p *Pipeline) requiredTypes(ctx context.Context, callID, organizationID string) ([]contracts.ArtifactType, error) {
	m, err := p.store.GetVoiceConfig(ctx, organizationID)
	if err != nil {
		if errors.Is(err, store.ErrVoiceConfigNotFound) {
			// No configuration: the manifest still records what was present.
			p.logger.Warn("no voice config for organization, recording empty required set",
				"organization_id", organizationID, "call_id", callID)
			return nil, nil
		}
		return nil, fmt.Errorf("load voice config for org %s: %w", organizationID, err)
	}
	return m.RequiredTypes(), nil
}

// selectArtifacts picks the manifest-eligible artifacts for a call: status
// completed, authoritative producer, parseable payload. When several
// artifacts of one type exist (a transcription retry, say) the most recently
// completed one wins. The result follows contracts.ManifestOrder; payload
// hashing is the caller's concern.
func (p *Pipeline) selectArtifacts(ctx context.Context, callID string) ([]*contracts.Artifact, []string, error) {
	artifacts, err := p.store.GetArtifacts(ctx, callID)
	if err != nil {
		return nil, nil, fmt.Errorf("load artifacts for call %s: %w", callID, err)
	}

	byType := make(map[contracts.ArtifactType]*contracts.Artifact)
	var skipped []string

	for _, a := range artifacts {
		if a.Status != contracts.ArtifactCompleted {
			continue
		}
		if !authority.Classify(a.Producer).IsAuthoritative {
			// Preview and unknown-provenance artifacts never enter a
			// manifest.
			continue
		}
		current, ok := byType[a.Type]
		if !ok || completedAfter(a, current) {
			byType[a.Type] = a
		}
	}

	var chosen []*contracts.Artifact
	for _, artifactType := range contracts.ManifestOrder {
		a, ok := byType[artifactType]
		if !ok {
			continue
		}
		if p.validator != nil {
			if verr := p.validator.ValidatePayload(a); verr != nil {
				var partial *contracts.PartialArtifactError
				if errors.As(verr, &partial) {
					p.logger.Warn("artifact excluded from manifest",
						"artifact_id", partial.ArtifactID,
						"type", partial.Type,
						"reason", partial.Reason)
					skipped = append(skipped, a.ID)
					continue
				}
				return nil, nil, verr
			}
		}
		chosen = append(chosen, a)
	}
	sort.Strings(skipped)
	return chosen, skipped, nil
}

// hashPayload digests an artifact's canonical payload. The raw JSON is
// decoded first so vendor formatting and key order never affect the digest.
func hashPayload(payload json.RawMessage) (string, error) {
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", err
	}
	return canonicalize.Hash(decoded)
}

func completedAfter(a, b *contracts.Artifact) bool {
	switch {
	case a.CompletedAt == nil:
		return false
	case b.CompletedAt == nil:
		return true
	default:
		return a.CompletedAt.After(*b.CompletedAt)
	}
}

// sameArtifactSet reports whether two inclusion lists reference the same
// artifacts. Artifacts are immutable once completed, so identity comparison
// by (type, artifact_id) suffices; no rehash is needed.
func sameArtifactSet(a, b []contracts.ManifestArtifact) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type || a[i].ArtifactID != b[i].ArtifactID {
			return false
		}
	}
	return true
}

func (p *Pipeline) audit(ctx context.Context, organizationID, resourceType, resourceID, action string, before, after any) {
	entry := &contracts.AuditEntry{
		ID:             uuid.New().String(),
		OrganizationID: organizationID,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		Action:         action,
		CreatedAt:      p.clock(),
	}
	if before != nil {
		if raw, err := json.Marshal(before); err == nil {
			entry.Before = raw
		}
	}
	if after != nil {
		if raw, err := json.Marshal(after); err == nil {
			entry.After = raw
		}
	}
	if err := p.store.AppendAudit(ctx, entry); err != nil {
		// The audit trail is best-effort relative to the evidence records.
		p.logger.Error("audit append failed", "resource_id", resourceID, "action", action, "error", err)
	}
}
