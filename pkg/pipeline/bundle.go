package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/callmonitor/evidence/pkg/canonicalize"
	"github.com/callmonitor/evidence/pkg/contracts"
	"github.com/callmonitor/evidence/pkg/store"
)

// BuildBundle wraps a manifest into an evidence bundle and persists it.
// The external timestamp request is dispatched only after the row is
// durable, and callers never block on the round-trip.
func (p *Pipeline) BuildBundle(ctx context.Context, m *contracts.Manifest) (b *contracts.EvidenceBundle, err error) {
	ctx, finish := p.track(ctx, "pipeline.BuildBundle",
		attribute.String("evidence.manifest_id", m.ID))
	defer func() { finish(err) }()

	b = &contracts.EvidenceBundle{
		ID:             uuid.New().String(),
		ManifestID:     m.ID,
		ManifestHash:   m.ManifestHash,
		ArtifactHashes: append([]contracts.ManifestArtifact(nil), m.IncludedArtifacts...),
		OrganizationID: m.OrganizationID,
		CallID:         m.CallID,
		Version:        m.Version,
		CreatedAt:      p.clock(),
	}

	hash, err := canonicalize.Hash(b.Payload())
	if err != nil {
		return nil, fmt.Errorf("hash bundle for manifest %s: %w", m.ID, err)
	}
	b.BundleHash = hash

	if p.tsaClient.Configured() {
		b.TSAStatus = contracts.TSAPending
	} else {
		b.TSAStatus = contracts.TSANotConfigured
	}

	if err := p.store.SaveBundle(ctx, b); err != nil {
		if errors.Is(err, store.ErrDuplicateBundle) {
			// One bundle per manifest; another attempt already created it.
			return p.store.GetBundleByManifestID(ctx, m.ID)
		}
		return nil, err
	}

	p.logger.Info("evidence bundle created",
		"bundle_id", b.ID,
		"manifest_id", m.ID,
		"call_id", b.CallID,
		"tsa_status", b.TSAStatus)

	p.audit(ctx, b.OrganizationID, "evidence_bundles", b.ID, "create", nil, b)

	if b.TSAStatus == contracts.TSAPending {
		p.dispatchTimestamp(ctx, b)
	}
	return b, nil
}

// EnsureBundle repairs a manifest that has no bundle, e.g. after a crash
// between manifest persistence and bundle persistence. Safe to call
// repeatedly; it never creates a second bundle for a manifest.
func (p *Pipeline) EnsureBundle(ctx context.Context, manifestID string) (*contracts.EvidenceBundle, error) {
	existing, err := p.store.GetBundleByManifestID(ctx, manifestID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, contracts.ErrBundleNotFound) {
		return nil, err
	}

	m, err := p.store.GetManifest(ctx, manifestID)
	if err != nil {
		return nil, err
	}
	return p.BuildBundle(ctx, m)
}

// dispatchTimestamp runs the TSA round-trip, inline or on its own
// goroutine. The terminal outcome is recorded as bundle state; the bundle's
// evidentiary value does not depend on it.
func (p *Pipeline) dispatchTimestamp(ctx context.Context, b *contracts.EvidenceBundle) {
	run := func(ctx context.Context) {
		p.tsaStarted(ctx)
		defer p.tsaFinished(ctx)

		result, tsaErr := p.tsaClient.RequestTimestamp(ctx, b.BundleHash)

		update := *b
		if tsaErr != nil {
			update.TSAStatus = contracts.TSAError
			update.TSAErr = tsaErr.Error()
			p.logger.Warn("bundle timestamping failed",
				"bundle_id", b.ID, "kind", string(tsaErr.Kind), "reason", tsaErr.Reason)
		} else {
			update.TSAStatus = contracts.TSASuccess
			update.TSAToken = result.Token
			ts := result.Timestamp
			update.TSATimestamp = &ts
			update.TSAPolicyOID = result.PolicyOID
			update.TSASerial = result.Serial
			update.TSAURL = result.TSAURL
			p.logger.Info("bundle timestamped",
				"bundle_id", b.ID, "tsa_serial", result.Serial)
		}

		if err := p.store.SetBundleTSAResult(ctx, b.ID, &update); err != nil {
			p.logger.Error("failed to record tsa outcome", "bundle_id", b.ID, "error", err)
			return
		}
		p.audit(ctx, b.OrganizationID, "evidence_bundles", b.ID, "tsa:"+string(update.TSAStatus), b, &update)
	}

	if p.syncTSA {
		run(ctx)
		return
	}

	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		// Detached from the triggering request's lifetime; the client's own
		// timeout bounds the round-trip.
		run(context.WithoutCancel(ctx))
	}()
}

// VerifyCheck is one recomputation result in a verification report.
type VerifyCheck struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Reason string `json:"reason,omitempty"`
}

// VerifyReport is the outcome of re-verifying a bundle against stored data.
type VerifyReport struct {
	BundleID   string              `json:"bundle_id"`
	ManifestID string              `json:"manifest_id"`
	CallID     string              `json:"call_id"`
	Verified   bool                `json:"verified"`
	TSAStatus  contracts.TSAStatus `json:"tsa_status"`
	Checks     []VerifyCheck       `json:"checks"`
}

// VerifyBundle recomputes the manifest hash, the bundle hash, and each
// artifact digest from current stored data. Any divergence marks the report
// unverified; it never errors on mismatch, only on missing records.
func (p *Pipeline) VerifyBundle(ctx context.Context, bundleID string) (*VerifyReport, error) {
	b, err := p.store.GetBundle(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	m, err := p.store.GetManifest(ctx, b.ManifestID)
	if err != nil {
		return nil, err
	}

	report := &VerifyReport{
		BundleID:   b.ID,
		ManifestID: m.ID,
		CallID:     b.CallID,
		Verified:   true,
		TSAStatus:  b.TSAStatus,
	}
	add := func(name string, pass bool, reason string) {
		if !pass {
			report.Verified = false
		}
		report.Checks = append(report.Checks, VerifyCheck{Name: name, Pass: pass, Reason: reason})
	}

	manifestHash, err := canonicalize.Hash(manifestHashable(m))
	if err != nil {
		return nil, fmt.Errorf("recompute manifest hash: %w", err)
	}
	add("manifest_hash", canonicalize.DigestEqual(manifestHash, m.ManifestHash),
		mismatchReason(manifestHash, m.ManifestHash))

	add("bundle_manifest_hash", canonicalize.DigestEqual(b.ManifestHash, m.ManifestHash),
		mismatchReason(b.ManifestHash, m.ManifestHash))

	bundleHash, err := canonicalize.Hash(b.Payload())
	if err != nil {
		return nil, fmt.Errorf("recompute bundle hash: %w", err)
	}
	add("bundle_hash", canonicalize.DigestEqual(bundleHash, b.BundleHash),
		mismatchReason(bundleHash, b.BundleHash))

	// Re-digest the live artifact payloads against the hashes frozen in
	// the manifest.
	artifacts, err := p.store.GetArtifacts(ctx, b.CallID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*contracts.Artifact, len(artifacts))
	for _, a := range artifacts {
		byID[a.ID] = a
	}
	for _, ref := range m.IncludedArtifacts {
		name := fmt.Sprintf("artifact:%s:%s", ref.Type, ref.ArtifactID)
		a, ok := byID[ref.ArtifactID]
		if !ok {
			add(name, false, "artifact row missing")
			continue
		}
		hash, err := hashPayload(a.Payload)
		if err != nil {
			add(name, false, fmt.Sprintf("payload not hashable: %v", err))
			continue
		}
		add(name, canonicalize.DigestEqual(hash, ref.SHA256), mismatchReason(hash, ref.SHA256))
	}

	return report, nil
}

func mismatchReason(actual, expected string) string {
	if canonicalize.DigestEqual(actual, expected) {
		return ""
	}
	return fmt.Sprintf("recomputed %s, stored %s", actual, expected)
}
