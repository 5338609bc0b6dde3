package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/callmonitor/evidence/pkg/contracts"
)

// PostgresStore is the durable multi-node implementation of EvidenceStore.
// The caller opens the *sql.DB with the lib/pq driver and runs migrations
// through Migrate.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the evidence tables. Idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		call_id TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		payload JSONB,
		producer TEXT,
		status TEXT NOT NULL,
		completed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_call ON artifacts(call_id);

	CREATE TABLE IF NOT EXISTS voice_configs (
		organization_id TEXT PRIMARY KEY,
		modulations JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS evidence_manifests (
		id TEXT PRIMARY KEY,
		call_id TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		required_types JSONB NOT NULL,
		included_artifacts JSONB NOT NULL,
		manifest_hash TEXT NOT NULL,
		partial BOOLEAN NOT NULL DEFAULT FALSE,
		skipped_artifacts JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE(call_id, version)
	);

	CREATE TABLE IF NOT EXISTS evidence_bundles (
		id TEXT PRIMARY KEY,
		manifest_id TEXT NOT NULL UNIQUE,
		manifest_hash TEXT NOT NULL,
		artifact_hashes JSONB NOT NULL,
		organization_id TEXT NOT NULL,
		call_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		bundle_hash TEXT NOT NULL,
		tsa_status TEXT NOT NULL,
		tsa_token BYTEA,
		tsa_timestamp TIMESTAMPTZ,
		tsa_policy_oid TEXT,
		tsa_serial TEXT,
		tsa_url TEXT,
		tsa_error TEXT
	);

	CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		action TEXT NOT NULL,
		before JSONB,
		after JSONB,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_logs(resource_id);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresStore) SaveArtifact(ctx context.Context, a *contracts.Artifact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, type, call_id, organization_id, payload, producer, status, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, payload = EXCLUDED.payload, completed_at = EXCLUDED.completed_at
	`, a.ID, a.Type, a.CallID, a.OrganizationID, []byte(a.Payload), a.Producer, a.Status, a.CompletedAt, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save artifact: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetArtifacts(ctx context.Context, callID string) ([]*contracts.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, call_id, organization_id, payload, producer, status, completed_at, created_at
		FROM artifacts
		WHERE call_id = $1
		ORDER BY created_at ASC
	`, callID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var artifacts []*contracts.Artifact
	for rows.Next() {
		var (
			a        contracts.Artifact
			payload  []byte
			producer sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.Type, &a.CallID, &a.OrganizationID, &payload, &producer, &a.Status, &a.CompletedAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Payload = payload
		a.Producer = producer.String
		artifacts = append(artifacts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return artifacts, nil
}

func (s *PostgresStore) PutVoiceConfig(ctx context.Context, organizationID string, m contracts.Modulations) error {
	modJSON, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal modulations: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO voice_configs (organization_id, modulations, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (organization_id) DO UPDATE SET modulations = EXCLUDED.modulations, updated_at = NOW()
	`, organizationID, modJSON)
	if err != nil {
		return fmt.Errorf("failed to save voice config: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetVoiceConfig(ctx context.Context, organizationID string) (contracts.Modulations, error) {
	var modJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT modulations FROM voice_configs WHERE organization_id = $1`, organizationID,
	).Scan(&modJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Modulations{}, ErrVoiceConfigNotFound
	}
	if err != nil {
		return contracts.Modulations{}, err
	}
	var m contracts.Modulations
	if err := json.Unmarshal(modJSON, &m); err != nil {
		return contracts.Modulations{}, fmt.Errorf("corrupt modulations for org %s: %w", organizationID, err)
	}
	return m, nil
}

func (s *PostgresStore) SaveManifest(ctx context.Context, m *contracts.Manifest) error {
	requiredJSON, _ := json.Marshal(m.RequiredTypes)
	includedJSON, _ := json.Marshal(m.IncludedArtifacts)
	skippedJSON, _ := json.Marshal(m.SkippedArtifacts)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence_manifests (id, call_id, organization_id, version, required_types, included_artifacts, manifest_hash, partial, skipped_artifacts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (call_id, version) DO NOTHING
	`, m.ID, m.CallID, m.OrganizationID, m.Version, requiredJSON, includedJSON, m.ManifestHash, m.Partial, skippedJSON, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert manifest: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrDuplicateVersion
	}
	return nil
}

const pgManifestSelect = `
	SELECT id, call_id, organization_id, version, required_types, included_artifacts, manifest_hash, partial, skipped_artifacts, created_at
	FROM evidence_manifests`

func (s *PostgresStore) GetManifest(ctx context.Context, id string) (*contracts.Manifest, error) {
	return s.queryManifest(ctx, pgManifestSelect+` WHERE id = $1`, id)
}

func (s *PostgresStore) GetLatestManifest(ctx context.Context, callID string) (*contracts.Manifest, error) {
	return s.queryManifest(ctx, pgManifestSelect+` WHERE call_id = $1 ORDER BY version DESC LIMIT 1`, callID)
}

func (s *PostgresStore) ListManifests(ctx context.Context, callID string) ([]*contracts.Manifest, error) {
	rows, err := s.db.QueryContext(ctx, pgManifestSelect+` WHERE call_id = $1 ORDER BY version ASC`, callID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var manifests []*contracts.Manifest
	for rows.Next() {
		m, err := scanPgManifest(rows)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return manifests, nil
}

func (s *PostgresStore) queryManifest(ctx context.Context, query string, arg any) (*contracts.Manifest, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, contracts.ErrManifestNotFound
	}
	return scanPgManifest(rows)
}

func scanPgManifest(row rowScanner) (*contracts.Manifest, error) {
	var (
		m            contracts.Manifest
		requiredJSON []byte
		includedJSON []byte
		skippedJSON  []byte
	)
	if err := row.Scan(&m.ID, &m.CallID, &m.OrganizationID, &m.Version, &requiredJSON, &includedJSON, &m.ManifestHash, &m.Partial, &skippedJSON, &m.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(requiredJSON, &m.RequiredTypes); err != nil {
		return nil, fmt.Errorf("corrupt required_types in manifest %s: %w", m.ID, err)
	}
	if err := json.Unmarshal(includedJSON, &m.IncludedArtifacts); err != nil {
		return nil, fmt.Errorf("corrupt included_artifacts in manifest %s: %w", m.ID, err)
	}
	if len(skippedJSON) > 0 {
		_ = json.Unmarshal(skippedJSON, &m.SkippedArtifacts)
	}
	return &m, nil
}

func (s *PostgresStore) SaveBundle(ctx context.Context, b *contracts.EvidenceBundle) error {
	hashesJSON, _ := json.Marshal(b.ArtifactHashes)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence_bundles (id, manifest_id, manifest_hash, artifact_hashes, organization_id, call_id, version, created_at, bundle_hash, tsa_status, tsa_token, tsa_timestamp, tsa_policy_oid, tsa_serial, tsa_url, tsa_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (manifest_id) DO NOTHING
	`, b.ID, b.ManifestID, b.ManifestHash, hashesJSON, b.OrganizationID, b.CallID, b.Version, b.CreatedAt,
		b.BundleHash, b.TSAStatus, b.TSAToken, b.TSATimestamp, b.TSAPolicyOID, b.TSASerial, b.TSAURL, b.TSAErr)
	if err != nil {
		return fmt.Errorf("failed to insert bundle: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrDuplicateBundle
	}
	return nil
}

const pgBundleSelect = `
	SELECT id, manifest_id, manifest_hash, artifact_hashes, organization_id, call_id, version, created_at, bundle_hash, tsa_status, tsa_token, tsa_timestamp, tsa_policy_oid, tsa_serial, tsa_url, tsa_error
	FROM evidence_bundles`

func (s *PostgresStore) GetBundle(ctx context.Context, id string) (*contracts.EvidenceBundle, error) {
	return s.queryBundle(ctx, pgBundleSelect+` WHERE id = $1`, id)
}

func (s *PostgresStore) GetBundleByManifestID(ctx context.Context, manifestID string) (*contracts.EvidenceBundle, error) {
	return s.queryBundle(ctx, pgBundleSelect+` WHERE manifest_id = $1`, manifestID)
}

func (s *PostgresStore) queryBundle(ctx context.Context, query string, arg any) (*contracts.EvidenceBundle, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, contracts.ErrBundleNotFound
	}

	var (
		b            contracts.EvidenceBundle
		hashesJSON   []byte
		tsaPolicyOID sql.NullString
		tsaSerial    sql.NullString
		tsaURL       sql.NullString
		tsaErr       sql.NullString
	)
	if err := rows.Scan(&b.ID, &b.ManifestID, &b.ManifestHash, &hashesJSON, &b.OrganizationID, &b.CallID, &b.Version,
		&b.CreatedAt, &b.BundleHash, &b.TSAStatus, &b.TSAToken, &b.TSATimestamp, &tsaPolicyOID, &tsaSerial, &tsaURL, &tsaErr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(hashesJSON, &b.ArtifactHashes); err != nil {
		return nil, fmt.Errorf("corrupt artifact_hashes in bundle %s: %w", b.ID, err)
	}
	b.TSAPolicyOID = tsaPolicyOID.String
	b.TSASerial = tsaSerial.String
	b.TSAURL = tsaURL.String
	b.TSAErr = tsaErr.String
	return &b, nil
}

func (s *PostgresStore) SetBundleTSAResult(ctx context.Context, bundleID string, b *contracts.EvidenceBundle) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE evidence_bundles
		SET tsa_status = $1, tsa_token = $2, tsa_timestamp = $3, tsa_policy_oid = $4, tsa_serial = $5, tsa_url = $6, tsa_error = $7
		WHERE id = $8 AND tsa_status = 'pending'
	`, b.TSAStatus, b.TSAToken, b.TSATimestamp, b.TSAPolicyOID, b.TSASerial, b.TSAURL, b.TSAErr, bundleID)
	if err != nil {
		return fmt.Errorf("failed to update bundle tsa state: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, e *contracts.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, organization_id, resource_type, resource_id, action, before, after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.OrganizationID, e.ResourceType, e.ResourceID, e.Action, pgNullableJSON(e.Before), pgNullableJSON(e.After), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, resourceID string) ([]*contracts.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, resource_type, resource_id, action, before, after, created_at
		FROM audit_logs
		WHERE resource_id = $1
		ORDER BY created_at ASC
	`, resourceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*contracts.AuditEntry
	for rows.Next() {
		var (
			e      contracts.AuditEntry
			before []byte
			after  []byte
		)
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.ResourceType, &e.ResourceID, &e.Action, &before, &after, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Before = before
		e.After = after
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func pgNullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
