package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callmonitor/evidence/pkg/contracts"
)

func TestPostgres_SaveManifestConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresStore(db)

	// The conflicting insert affects zero rows; that maps to
	// ErrDuplicateVersion so the generator can re-read the winner.
	mock.ExpectExec("INSERT INTO evidence_manifests").
		WillReturnResult(sqlmock.NewResult(0, 0))

	m := &contracts.Manifest{
		ID: "m1", CallID: "c1", OrganizationID: "org-1", Version: 1,
		RequiredTypes:     []contracts.ArtifactType{contracts.ArtifactRecording},
		IncludedArtifacts: []contracts.ManifestArtifact{},
		ManifestHash:      "aa",
		CreatedAt:         time.Now().UTC(),
	}
	err = s.SaveManifest(context.Background(), m)
	require.ErrorIs(t, err, ErrDuplicateVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveManifestOK(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresStore(db)

	mock.ExpectExec("INSERT INTO evidence_manifests").
		WillReturnResult(sqlmock.NewResult(0, 1))

	m := &contracts.Manifest{
		ID: "m1", CallID: "c1", OrganizationID: "org-1", Version: 1,
		RequiredTypes:     []contracts.ArtifactType{contracts.ArtifactRecording},
		IncludedArtifacts: []contracts.ManifestArtifact{},
		ManifestHash:      "aa",
		CreatedAt:         time.Now().UTC(),
	}
	require.NoError(t, s.SaveManifest(context.Background(), m))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SetBundleTSAResultGuard(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresStore(db)

	// The update is guarded on tsa_status = 'pending'.
	mock.ExpectExec("UPDATE evidence_bundles").
		WithArgs(string(contracts.TSAError), []byte(nil), nil, "", "", "", "timeout after 10s", "b1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	b := &contracts.EvidenceBundle{
		TSAStatus: contracts.TSAError,
		TSAErr:    "timeout after 10s",
	}
	require.NoError(t, s.SetBundleTSAResult(context.Background(), "b1", b))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveBundleConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresStore(db)

	mock.ExpectExec("INSERT INTO evidence_bundles").
		WillReturnResult(sqlmock.NewResult(0, 0))

	b := &contracts.EvidenceBundle{
		ID: "b2", ManifestID: "m1", TSAStatus: contracts.TSAPending,
		ArtifactHashes: []contracts.ManifestArtifact{},
		CreatedAt:      time.Now().UTC(),
	}
	require.ErrorIs(t, s.SaveBundle(context.Background(), b), ErrDuplicateBundle)
	assert.NoError(t, mock.ExpectationsWereMet())
}
