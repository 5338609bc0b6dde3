// Package tracker watches artifact completion events and fires manifest
// generation once a call's required evidence set is complete.
//
// The tracker is deliberately quiet: an incomplete set, an unknown
// organization, or a preview artifact all result in no action, not an error.
// Manifest generation is idempotent downstream, so firing twice for the same
// state is harmless.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/callmonitor/evidence/pkg/authority"
	"github.com/callmonitor/evidence/pkg/contracts"
	"github.com/callmonitor/evidence/pkg/store"
)

// ArtifactEvent announces an artifact state change on a call.
type ArtifactEvent struct {
	ArtifactID     string                   `json:"artifact_id"`
	CallID         string                   `json:"call_id"`
	OrganizationID string                   `json:"organization_id"`
	Type           contracts.ArtifactType   `json:"type"`
	Status         contracts.ArtifactStatus `json:"status"`
	Producer       string                   `json:"producer"`
}

// ManifestGenerator is the downstream the tracker fires into.
type ManifestGenerator interface {
	GenerateManifest(ctx context.Context, callID, organizationID string) (*contracts.Manifest, error)
}

// Tracker decides per event whether a call's evidence set is complete.
type Tracker struct {
	store     store.EvidenceStore
	generator ManifestGenerator
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New builds a Tracker.
func New(st store.EvidenceStore, generator ManifestGenerator, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:     st,
		generator: generator,
		logger:    logger,
		tracer:    otel.Tracer("callmonitor.evidence/tracker"),
	}
}

// HandleArtifactEvent processes one completion event. It fires generation
// only when every required artifact type for the call is covered by a
// completed, authoritative artifact. Anything short of that is a no-op.
func (t *Tracker) HandleArtifactEvent(ctx context.Context, ev ArtifactEvent) error {
	ctx, span := t.tracer.Start(ctx, "tracker.HandleArtifactEvent",
		trace.WithAttributes(
			attribute.String("evidence.call_id", ev.CallID),
			attribute.String("evidence.artifact_type", string(ev.Type)),
		))
	defer span.End()

	if ev.Status != contracts.ArtifactCompleted {
		return nil
	}
	if !authority.Classify(ev.Producer).IsAuthoritative {
		t.logger.Debug("ignoring preview artifact event",
			"call_id", ev.CallID, "artifact_id", ev.ArtifactID, "producer", ev.Producer)
		return nil
	}

	complete, err := t.isComplete(ctx, ev.CallID, ev.OrganizationID)
	if err != nil {
		return err
	}
	if !complete {
		return nil
	}

	m, err := t.generator.GenerateManifest(ctx, ev.CallID, ev.OrganizationID)
	if err != nil {
		return fmt.Errorf("generate manifest for call %s: %w", ev.CallID, err)
	}
	t.logger.Info("evidence set complete, manifest generated",
		"call_id", ev.CallID, "manifest_id", m.ID, "version", m.Version)
	return nil
}

// isComplete reports whether every required artifact type has a completed
// authoritative artifact. An organization without a voice config has no
// known requirements, which never counts as complete.
func (t *Tracker) isComplete(ctx context.Context, callID, organizationID string) (bool, error) {
	cfg, err := t.store.GetVoiceConfig(ctx, organizationID)
	if err != nil {
		if errors.Is(err, store.ErrVoiceConfigNotFound) {
			t.logger.Debug("no voice config, completeness unknown",
				"organization_id", organizationID, "call_id", callID)
			return false, nil
		}
		return false, fmt.Errorf("load voice config for org %s: %w", organizationID, err)
	}

	required := cfg.RequiredTypes()
	if len(required) == 0 {
		return false, nil
	}

	artifacts, err := t.store.GetArtifacts(ctx, callID)
	if err != nil {
		return false, fmt.Errorf("load artifacts for call %s: %w", callID, err)
	}

	have := make(map[contracts.ArtifactType]bool, len(artifacts))
	for _, a := range artifacts {
		if a.Status != contracts.ArtifactCompleted {
			continue
		}
		if !authority.Classify(a.Producer).IsAuthoritative {
			continue
		}
		have[a.Type] = true
	}

	for _, required := range required {
		if !have[required] {
			return false, nil
		}
	}
	return true, nil
}
