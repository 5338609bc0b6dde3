package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callmonitor/evidence/pkg/contracts"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return s
}

func TestSQLite_ArtifactRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	a := &contracts.Artifact{
		ID:             "a1",
		Type:           contracts.ArtifactRecording,
		CallID:         "c1",
		OrganizationID: "org-1",
		Payload:        json.RawMessage(`{"recording_sid":"SW_1","recording_url":"https://cdn/r.wav"}`),
		Producer:       "signalwire",
		Status:         contracts.ArtifactCompleted,
		CompletedAt:    &now,
		CreatedAt:      now,
	}
	require.NoError(t, s.SaveArtifact(ctx, a))

	got, err := s.GetArtifacts(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)
	assert.Equal(t, contracts.ArtifactCompleted, got[0].Status)
	assert.JSONEq(t, string(a.Payload), string(got[0].Payload))
	require.NotNil(t, got[0].CompletedAt)
	assert.WithinDuration(t, now, *got[0].CompletedAt, time.Second)
}

func TestSQLite_ArtifactStatusTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &contracts.Artifact{
		ID: "a1", Type: contracts.ArtifactTranscript, CallID: "c1", OrganizationID: "org-1",
		Status: contracts.ArtifactPending, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveArtifact(ctx, a))

	now := time.Now().UTC()
	a.Status = contracts.ArtifactCompleted
	a.CompletedAt = &now
	a.Payload = json.RawMessage(`{"text":"hello","model":"assemblyai-v1"}`)
	require.NoError(t, s.SaveArtifact(ctx, a))

	got, err := s.GetArtifacts(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 1, "upsert must not duplicate the artifact row")
	assert.Equal(t, contracts.ArtifactCompleted, got[0].Status)
}

func TestSQLite_VoiceConfig(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetVoiceConfig(ctx, "org-1")
	require.ErrorIs(t, err, ErrVoiceConfigNotFound)

	m := contracts.Modulations{Record: true, Transcribe: true, Translate: true, TranslateFrom: "en", TranslateTo: "es"}
	require.NoError(t, s.PutVoiceConfig(ctx, "org-1", m))

	got, err := s.GetVoiceConfig(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, m, got)
	assert.Equal(t, []contracts.ArtifactType{
		contracts.ArtifactRecording, contracts.ArtifactTranscript, contracts.ArtifactTranslation,
	}, got.RequiredTypes())
}

func TestSQLite_ManifestVersionConstraint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &contracts.Manifest{
		ID: "m1", CallID: "c1", OrganizationID: "org-1", Version: 1,
		RequiredTypes: []contracts.ArtifactType{contracts.ArtifactRecording},
		IncludedArtifacts: []contracts.ManifestArtifact{
			{Type: contracts.ArtifactRecording, ArtifactID: "a1", SHA256: "deadbeef"},
		},
		ManifestHash: "deadbeef",
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.SaveManifest(ctx, m))

	// A concurrent generation attempt for the same (call_id, version) slot
	// must lose cleanly.
	clone := *m
	clone.ID = "m1-dup"
	require.ErrorIs(t, s.SaveManifest(ctx, &clone), ErrDuplicateVersion)

	// The next version is fine.
	v2 := *m
	v2.ID = "m2"
	v2.Version = 2
	require.NoError(t, s.SaveManifest(ctx, &v2))

	latest, err := s.GetLatestManifest(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	all, err := s.ListManifests(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 1, all[0].Version)
	assert.Equal(t, 2, all[1].Version)
}

func TestSQLite_ManifestNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetManifest(context.Background(), "missing")
	require.ErrorIs(t, err, contracts.ErrManifestNotFound)

	_, err = s.GetLatestManifest(context.Background(), "no-call")
	require.ErrorIs(t, err, contracts.ErrManifestNotFound)
}

func TestSQLite_BundleUniquePerManifest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := &contracts.EvidenceBundle{
		ID: "b1", ManifestID: "m1", ManifestHash: "aa", OrganizationID: "org-1", CallID: "c1",
		Version: 1, CreatedAt: time.Now().UTC(), BundleHash: "bb", TSAStatus: contracts.TSAPending,
		ArtifactHashes: []contracts.ManifestArtifact{{Type: contracts.ArtifactRecording, ArtifactID: "a1", SHA256: "cc"}},
	}
	require.NoError(t, s.SaveBundle(ctx, b))

	dup := *b
	dup.ID = "b2"
	require.ErrorIs(t, s.SaveBundle(ctx, &dup), ErrDuplicateBundle)

	got, err := s.GetBundleByManifestID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "b1", got.ID)
	assert.Equal(t, contracts.TSAPending, got.TSAStatus)
}

func TestSQLite_TSATransitionGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := &contracts.EvidenceBundle{
		ID: "b1", ManifestID: "m1", ManifestHash: "aa", OrganizationID: "org-1", CallID: "c1",
		Version: 1, CreatedAt: time.Now().UTC(), BundleHash: "bb", TSAStatus: contracts.TSAPending,
		ArtifactHashes: []contracts.ManifestArtifact{},
	}
	require.NoError(t, s.SaveBundle(ctx, b))

	now := time.Now().UTC()
	b.TSAStatus = contracts.TSASuccess
	b.TSAToken = []byte{0x30, 0x01}
	b.TSATimestamp = &now
	b.TSASerial = "0123"
	require.NoError(t, s.SetBundleTSAResult(ctx, "b1", b))

	got, err := s.GetBundle(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, contracts.TSASuccess, got.TSAStatus)
	assert.Equal(t, []byte{0x30, 0x01}, got.TSAToken)

	// A late error report must not move the status backward.
	b.TSAStatus = contracts.TSAError
	b.TSAErr = "late failure"
	require.NoError(t, s.SetBundleTSAResult(ctx, "b1", b))

	got, err = s.GetBundle(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, contracts.TSASuccess, got.TSAStatus, "success is terminal")
	assert.Empty(t, got.TSAErr)
}

func TestSQLite_AuditTrail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := &contracts.AuditEntry{
		ID: "au1", OrganizationID: "org-1", ResourceType: "evidence_manifests", ResourceID: "m1",
		Action: "create", After: json.RawMessage(`{"version":1}`), CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.AppendAudit(ctx, e))

	entries, err := s.ListAudit(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "create", entries[0].Action)
	assert.JSONEq(t, `{"version":1}`, string(entries[0].After))
}
