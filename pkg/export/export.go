package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/callmonitor/evidence/pkg/contracts"
	"github.com/callmonitor/evidence/pkg/store"
)

// FormatVersion is the sealed export document format. Readers accept any
// document sharing the current major version.
const FormatVersion = "1.0.0"

// SealedExport is a self-contained evidence document: the bundle, its
// manifest, and the included artifact payloads, frozen for handoff to
// auditors or counsel. The content address of the serialized document is
// its identity in object storage.
type SealedExport struct {
	FormatVersion string                    `json:"format_version"`
	ExportedAt    time.Time                 `json:"exported_at"`
	Bundle        *contracts.EvidenceBundle `json:"bundle"`
	Manifest      *contracts.Manifest       `json:"manifest"`
	Artifacts     []*contracts.Artifact     `json:"artifacts"`
}

// Exporter seals bundles out of the evidence store into object storage.
type Exporter struct {
	evidence store.EvidenceStore
	objects  ObjectStore
	logger   *slog.Logger
	clock    func() time.Time
}

// NewExporter builds an Exporter.
func NewExporter(evidence store.EvidenceStore, objects ObjectStore, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		evidence: evidence,
		objects:  objects,
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// Export seals the bundle and writes the document to object storage,
// returning the document and its content address. Only artifacts referenced
// by the manifest travel with the export.
func (e *Exporter) Export(ctx context.Context, bundleID string) (*SealedExport, string, error) {
	b, err := e.evidence.GetBundle(ctx, bundleID)
	if err != nil {
		return nil, "", err
	}
	m, err := e.evidence.GetManifest(ctx, b.ManifestID)
	if err != nil {
		return nil, "", err
	}

	artifacts, err := e.evidence.GetArtifacts(ctx, b.CallID)
	if err != nil {
		return nil, "", fmt.Errorf("load artifacts for call %s: %w", b.CallID, err)
	}
	referenced := make(map[string]bool, len(m.IncludedArtifacts))
	for _, ref := range m.IncludedArtifacts {
		referenced[ref.ArtifactID] = true
	}
	var included []*contracts.Artifact
	for _, a := range artifacts {
		if referenced[a.ID] {
			included = append(included, a)
		}
	}

	doc := &SealedExport{
		FormatVersion: FormatVersion,
		ExportedAt:    e.clock(),
		Bundle:        b,
		Manifest:      m,
		Artifacts:     included,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("serialize export for bundle %s: %w", bundleID, err)
	}

	addr, err := e.objects.Store(ctx, data)
	if err != nil {
		return nil, "", fmt.Errorf("store export for bundle %s: %w", bundleID, err)
	}

	e.logger.Info("evidence bundle exported",
		"bundle_id", bundleID, "call_id", b.CallID, "address", addr, "artifacts", len(included))
	return doc, addr, nil
}

// Open parses a sealed export document and rejects incompatible format
// versions. Minor and patch drift within the same major is accepted.
func Open(data []byte) (*SealedExport, error) {
	var doc SealedExport
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse export document: %w", err)
	}

	docVersion, err := semver.NewVersion(doc.FormatVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid export format version %q: %w", doc.FormatVersion, err)
	}
	current := semver.MustParse(FormatVersion)
	if docVersion.Major() != current.Major() {
		return nil, fmt.Errorf("unsupported export format version %s (reader supports %d.x)",
			doc.FormatVersion, current.Major())
	}
	return &doc, nil
}
