package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callmonitor/evidence/pkg/contracts"
	"github.com/callmonitor/evidence/pkg/store"
)

func seedEvidence(t *testing.T) (store.EvidenceStore, *contracts.EvidenceBundle) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st, err := store.NewSQLiteStore(db)
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Date(2026, 5, 12, 9, 30, 0, 0, time.UTC)

	require.NoError(t, st.SaveArtifact(ctx, &contracts.Artifact{
		ID: "rec-1", Type: contracts.ArtifactRecording, CallID: "call-1", OrganizationID: "org-1",
		Payload:  json.RawMessage(`{"recording_sid":"SW_1","recording_url":"https://cdn/r.wav"}`),
		Producer: "signalwire", Status: contracts.ArtifactCompleted, CompletedAt: &now, CreatedAt: now,
	}))
	require.NoError(t, st.SaveArtifact(ctx, &contracts.Artifact{
		ID: "tr-extra", Type: contracts.ArtifactTranscript, CallID: "call-1", OrganizationID: "org-1",
		Payload:  json.RawMessage(`{"text":"draft","model":"webspeech"}`),
		Producer: "webspeech", Status: contracts.ArtifactCompleted, CompletedAt: &now, CreatedAt: now,
	}))

	m := &contracts.Manifest{
		ID: "m-1", CallID: "call-1", OrganizationID: "org-1", Version: 1,
		IncludedArtifacts: []contracts.ManifestArtifact{
			{Type: contracts.ArtifactRecording, ArtifactID: "rec-1", SHA256: strings.Repeat("a", 64)},
		},
		ManifestHash: strings.Repeat("b", 64),
		CreatedAt:    now,
	}
	require.NoError(t, st.SaveManifest(ctx, m))

	b := &contracts.EvidenceBundle{
		ID: "b-1", ManifestID: "m-1", ManifestHash: m.ManifestHash,
		ArtifactHashes: m.IncludedArtifacts,
		OrganizationID: "org-1", CallID: "call-1", Version: 1,
		CreatedAt: now, BundleHash: strings.Repeat("c", 64),
		TSAStatus: contracts.TSANotConfigured,
	}
	require.NoError(t, st.SaveBundle(ctx, b))
	return st, b
}

func newFSExporter(t *testing.T, st store.EvidenceStore) *Exporter {
	t.Helper()
	objects, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return NewExporter(st, objects, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestExport_RoundTrip(t *testing.T) {
	st, b := seedEvidence(t)
	e := newFSExporter(t, st)
	ctx := context.Background()

	doc, addr, err := e.Export(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, doc.FormatVersion)
	assert.True(t, strings.HasPrefix(addr, "sha256:"))

	// Only manifest-referenced artifacts travel; the preview transcript
	// stays behind.
	require.Len(t, doc.Artifacts, 1)
	assert.Equal(t, "rec-1", doc.Artifacts[0].ID)

	data, err := e.objects.Get(ctx, addr)
	require.NoError(t, err)
	opened, err := Open(data)
	require.NoError(t, err)
	assert.Equal(t, doc.Bundle.ID, opened.Bundle.ID)
	assert.Equal(t, doc.Manifest.ManifestHash, opened.Manifest.ManifestHash)
}

func TestExport_UnknownBundle(t *testing.T) {
	st, _ := seedEvidence(t)
	e := newFSExporter(t, st)

	_, _, err := e.Export(context.Background(), "no-such-bundle")
	assert.ErrorIs(t, err, contracts.ErrBundleNotFound)
}

func TestOpen_RejectsMajorVersionDrift(t *testing.T) {
	_, err := Open([]byte(`{"format_version":"2.0.0"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported export format version")

	_, err = Open([]byte(`{"format_version":"1.3.1"}`))
	assert.NoError(t, err)

	_, err = Open([]byte(`{"format_version":"one"}`))
	assert.Error(t, err)
}

func TestFileStore_Idempotent(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte(`{"format_version":"1.0.0"}`)
	addr1, err := s.Store(ctx, data)
	require.NoError(t, err)
	addr2, err := s.Store(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, addr1, addr2)

	ok, err := s.Exists(ctx, addr1)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, addr1)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFileStore_RejectsBadAddress(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "md5:abc")
	assert.Error(t, err)
	_, err = s.Get(context.Background(), "sha256:zz")
	assert.Error(t, err)
}
