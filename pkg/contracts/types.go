// Package contracts defines the shared data model of the evidence integrity
// pipeline: call artifacts, evidence manifests, evidence bundles, and the
// error taxonomy crossed between packages.
//
// All records here are append-only once persisted. Manifests and bundles are
// never mutated in place; regeneration produces a new version.
package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// ArtifactType identifies one kind of call evidence.
type ArtifactType string

const (
	ArtifactRecording   ArtifactType = "recording"
	ArtifactTranscript  ArtifactType = "transcript"
	ArtifactTranslation ArtifactType = "translation"
	ArtifactSurvey      ArtifactType = "survey"
)

// ManifestOrder is the stable inclusion order for manifest assembly.
// This ordering is part of the manifest contract: regenerating a manifest
// must list artifacts in the same relative order so versions stay diffable.
var ManifestOrder = []ArtifactType{
	ArtifactRecording,
	ArtifactTranscript,
	ArtifactTranslation,
	ArtifactSurvey,
}

// ArtifactStatus is the lifecycle state of an artifact. An artifact is
// created pending and transitions once to completed or failed, never back.
type ArtifactStatus string

const (
	ArtifactPending   ArtifactStatus = "pending"
	ArtifactCompleted ArtifactStatus = "completed"
	ArtifactFailed    ArtifactStatus = "failed"
)

// Artifact is one piece of call evidence. Artifacts are produced by the
// vendor integrations (telephony, transcription, translation, QA scoring)
// and consumed read-only by this pipeline.
type Artifact struct {
	ID             string          `json:"id"`
	Type           ArtifactType    `json:"type"`
	CallID         string          `json:"call_id"`
	OrganizationID string          `json:"organization_id"`
	Payload        json.RawMessage `json:"payload"`
	Producer       string          `json:"producer"`
	Status         ArtifactStatus  `json:"status"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// RecordingPayload is the typed payload for recording artifacts.
type RecordingPayload struct {
	RecordingSID    string  `json:"recording_sid"`
	RecordingURL    string  `json:"recording_url"`
	DurationSeconds float64 `json:"duration_seconds"`
	ToolID          string  `json:"tool_id,omitempty"`
}

// TranscriptPayload is the typed payload for transcript artifacts.
type TranscriptPayload struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Model      string  `json:"model"`
	RunID      string  `json:"run_id,omitempty"`
	Language   string  `json:"language,omitempty"`
}

// TranslationPayload is the typed payload for translation artifacts.
type TranslationPayload struct {
	Text     string `json:"text"`
	FromLang string `json:"from_lang"`
	ToLang   string `json:"to_lang"`
	Model    string `json:"model,omitempty"`
}

// SurveyPayload is the typed payload for survey/QA artifacts.
type SurveyPayload struct {
	Score    float64        `json:"score"`
	MaxScore float64        `json:"max_score"`
	Rubric   string         `json:"rubric,omitempty"`
	Answers  map[string]any `json:"answers,omitempty"`
}

// ManifestArtifact is one artifact reference inside a manifest, carrying the
// digest of the artifact's canonical payload at inclusion time.
type ManifestArtifact struct {
	Type       ArtifactType `json:"type"`
	ArtifactID string       `json:"artifact_id"`
	SHA256     string       `json:"sha256"`
}

// Manifest is the versioned record of which artifacts constitute the
// evidence set for a call. Immutable after creation, retained for audit.
type Manifest struct {
	ID                string             `json:"id"`
	CallID            string             `json:"call_id"`
	OrganizationID    string             `json:"organization_id"`
	Version           int                `json:"version"`
	RequiredTypes     []ArtifactType     `json:"required_artifact_types"`
	IncludedArtifacts []ManifestArtifact `json:"included_artifacts"`
	ManifestHash      string             `json:"manifest_hash"`
	Partial           bool               `json:"partial,omitempty"`
	SkippedArtifacts  []string           `json:"skipped_artifacts,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
}

// TSAStatus tracks the external timestamp proof lifecycle of a bundle.
// Transitions are pending→success or pending→error only, never backward.
type TSAStatus string

const (
	TSANotConfigured TSAStatus = "not_configured"
	TSAPending       TSAStatus = "pending"
	TSASuccess       TSAStatus = "success"
	TSAError         TSAStatus = "error"
)

// EvidenceBundle wraps exactly one manifest with bundle-level metadata and
// its own digest, optionally attested by an external timestamp authority.
//
// A bundle with TSAStatus error or not_configured is still valid evidence:
// hash integrity is always recomputable from the stored fields, the external
// timestamp proof is best-effort on top.
type EvidenceBundle struct {
	ID             string             `json:"id"`
	ManifestID     string             `json:"manifest_id"`
	ManifestHash   string             `json:"manifest_hash"`
	ArtifactHashes []ManifestArtifact `json:"artifact_hashes"`
	OrganizationID string             `json:"organization_id"`
	CallID         string             `json:"call_id"`
	Version        int                `json:"version"`
	CreatedAt      time.Time          `json:"created_at"`
	BundleHash     string             `json:"bundle_hash"`

	TSAStatus    TSAStatus  `json:"tsa_status"`
	TSAToken     []byte     `json:"tsa_token,omitempty"`
	TSATimestamp *time.Time `json:"tsa_timestamp,omitempty"`
	TSAPolicyOID string     `json:"tsa_policy_oid,omitempty"`
	TSASerial    string     `json:"tsa_serial,omitempty"`
	TSAURL       string     `json:"tsa_url,omitempty"`
	TSAErr       string     `json:"tsa_error,omitempty"`
}

// BundlePayload is the hashed portion of a bundle. The bundle hash is
// computed over exactly these fields so any verifier can recompute it from
// a stored bundle row.
type BundlePayload struct {
	ManifestID     string             `json:"manifest_id"`
	ManifestHash   string             `json:"manifest_hash"`
	ArtifactHashes []ManifestArtifact `json:"artifact_hashes"`
	OrganizationID string             `json:"organization_id"`
	CallID         string             `json:"call_id"`
	CreatedAt      time.Time          `json:"created_at"`
	Version        int                `json:"version"`
}

// Payload extracts the hashed portion of a bundle.
func (b *EvidenceBundle) Payload() BundlePayload {
	return BundlePayload{
		ManifestID:     b.ManifestID,
		ManifestHash:   b.ManifestHash,
		ArtifactHashes: b.ArtifactHashes,
		OrganizationID: b.OrganizationID,
		CallID:         b.CallID,
		CreatedAt:      b.CreatedAt,
		Version:        b.Version,
	}
}

// Modulations mirrors the per-organization voice configuration flags that
// decide which artifacts a call is expected to produce.
type Modulations struct {
	Record          bool   `json:"record" yaml:"record"`
	Transcribe      bool   `json:"transcribe" yaml:"transcribe"`
	Translate       bool   `json:"translate" yaml:"translate"`
	TranslateFrom   string `json:"translate_from,omitempty" yaml:"translate_from,omitempty"`
	TranslateTo     string `json:"translate_to,omitempty" yaml:"translate_to,omitempty"`
	Survey          bool   `json:"survey" yaml:"survey"`
	SyntheticCaller bool   `json:"synthetic_caller" yaml:"synthetic_caller"`
}

// Validate checks the configuration for internal consistency. Enabling
// translation requires a from/to pair of two-letter language codes, and the
// pair must differ.
func (m Modulations) Validate() error {
	if !m.Translate {
		return nil
	}
	if !validLangCode(m.TranslateFrom) || !validLangCode(m.TranslateTo) {
		return fmt.Errorf("%w: from=%q to=%q", ErrInvalidLanguage, m.TranslateFrom, m.TranslateTo)
	}
	if m.TranslateFrom == m.TranslateTo {
		return fmt.Errorf("%w: from and to are both %q", ErrInvalidLanguage, m.TranslateFrom)
	}
	return nil
}

func validLangCode(code string) bool {
	if len(code) != 2 {
		return false
	}
	for _, r := range code {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// RequiredTypes derives the required artifact set from the enabled flags.
// The result follows ManifestOrder.
func (m Modulations) RequiredTypes() []ArtifactType {
	var types []ArtifactType
	if m.Record {
		types = append(types, ArtifactRecording)
	}
	if m.Transcribe {
		types = append(types, ArtifactTranscript)
	}
	if m.Translate {
		types = append(types, ArtifactTranslation)
	}
	if m.Survey {
		types = append(types, ArtifactSurvey)
	}
	return types
}

// AuditEntry is one pipeline audit log row. Every manifest, bundle, and TSA
// state transition appends one.
type AuditEntry struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	ResourceType   string          `json:"resource_type"`
	ResourceID     string          `json:"resource_id"`
	Action         string          `json:"action"`
	Before         json.RawMessage `json:"before,omitempty"`
	After          json.RawMessage `json:"after,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
