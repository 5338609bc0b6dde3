package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/callmonitor/evidence/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the embedded-database implementation of EvidenceStore,
// used for single-node deployments and tests.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		call_id TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		payload JSON,
		producer TEXT,
		status TEXT NOT NULL,
		completed_at TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_call ON artifacts(call_id);

	CREATE TABLE IF NOT EXISTS voice_configs (
		organization_id TEXT PRIMARY KEY,
		modulations JSON NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS evidence_manifests (
		id TEXT PRIMARY KEY,
		call_id TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		required_types JSON NOT NULL,
		included_artifacts JSON NOT NULL,
		manifest_hash TEXT NOT NULL,
		partial INTEGER NOT NULL DEFAULT 0,
		skipped_artifacts JSON,
		created_at TEXT NOT NULL,
		UNIQUE(call_id, version)
	);

	CREATE TABLE IF NOT EXISTS evidence_bundles (
		id TEXT PRIMARY KEY,
		manifest_id TEXT NOT NULL UNIQUE,
		manifest_hash TEXT NOT NULL,
		artifact_hashes JSON NOT NULL,
		organization_id TEXT NOT NULL,
		call_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		bundle_hash TEXT NOT NULL,
		tsa_status TEXT NOT NULL,
		tsa_token BLOB,
		tsa_timestamp TEXT,
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
		before JSON,
		after JSON,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_logs(resource_id);
	`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) SaveArtifact(ctx context.Context, a *contracts.Artifact) error {
	var completedAt any
	if a.CompletedAt != nil {
		completedAt = a.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, type, call_id, organization_id, payload, producer, status, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status, payload = excluded.payload, completed_at = excluded.completed_at
	`, a.ID, a.Type, a.CallID, a.OrganizationID, string(a.Payload), a.Producer, a.Status, completedAt,
		a.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save artifact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetArtifacts(ctx context.Context, callID string) ([]*contracts.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, call_id, organization_id, payload, producer, status, completed_at, created_at
		FROM artifacts
		WHERE call_id = ?
		ORDER BY created_at ASC
	`, callID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var artifacts []*contracts.Artifact
	for rows.Next() {
		var (
			a           contracts.Artifact
			payload     sql.NullString
			producer    sql.NullString
			completedAt sql.NullString
			createdAt   string
		)
		if err := rows.Scan(&a.ID, &a.Type, &a.CallID, &a.OrganizationID, &payload, &producer, &a.Status, &completedAt, &createdAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			a.Payload = json.RawMessage(payload.String)
		}
		a.Producer = producer.String
		a.CreatedAt = parseTime(createdAt)
		if completedAt.Valid && completedAt.String != "" {
			t := parseTime(completedAt.String)
			a.CompletedAt = &t
		}
		artifacts = append(artifacts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return artifacts, nil
}

func (s *SQLiteStore) PutVoiceConfig(ctx context.Context, organizationID string, m contracts.Modulations) error {
	modJSON, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal modulations: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO voice_configs (organization_id, modulations, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (organization_id) DO UPDATE SET modulations = excluded.modulations, updated_at = excluded.updated_at
	`, organizationID, string(modJSON), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save voice config: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetVoiceConfig(ctx context.Context, organizationID string) (contracts.Modulations, error) {
	var modJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT modulations FROM voice_configs WHERE organization_id = ?`, organizationID,
	).Scan(&modJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Modulations{}, ErrVoiceConfigNotFound
	}
	if err != nil {
		return contracts.Modulations{}, err
	}
	var m contracts.Modulations
	if err := json.Unmarshal([]byte(modJSON), &m); err != nil {
		return contracts.Modulations{}, fmt.Errorf("corrupt modulations for org %s: %w", organizationID, err)
	}
	return m, nil
}

func (s *SQLiteStore) SaveManifest(ctx context.Context, m *contracts.Manifest) error {
	requiredJSON, _ := json.Marshal(m.RequiredTypes)
	includedJSON, _ := json.Marshal(m.IncludedArtifacts)
	skippedJSON, _ := json.Marshal(m.SkippedArtifacts)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence_manifests (id, call_id, organization_id, version, required_types, included_artifacts, manifest_hash, partial, skipped_artifacts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (call_id, version) DO NOTHING
	`, m.ID, m.CallID, m.OrganizationID, m.Version, string(requiredJSON), string(includedJSON), m.ManifestHash,
		boolToInt(m.Partial), string(skippedJSON), m.CreatedAt.UTC().Format(time.RFC3339Nano))
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

func (s *SQLiteStore) GetManifest(ctx context.Context, id string) (*contracts.Manifest, error) {
	return s.queryManifest(ctx, `WHERE id = ?`, id)
}

func (s *SQLiteStore) GetLatestManifest(ctx context.Context, callID string) (*contracts.Manifest, error) {
	return s.queryManifest(ctx, `WHERE call_id = ? ORDER BY version DESC LIMIT 1`, callID)
}

func (s *SQLiteStore) ListManifests(ctx context.Context, callID string) ([]*contracts.Manifest, error) {
	rows, err := s.db.QueryContext(ctx, manifestSelect+` WHERE call_id = ? ORDER BY version ASC`, callID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var manifests []*contracts.Manifest
	for rows.Next() {
		m, err := scanManifest(rows)
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

const manifestSelect = `
	SELECT id, call_id, organization_id, version, required_types, included_artifacts, manifest_hash, partial, skipped_artifacts, created_at
	FROM evidence_manifests`

func (s *SQLiteStore) queryManifest(ctx context.Context, where string, arg any) (*contracts.Manifest, error) {
	rows, err := s.db.QueryContext(ctx, manifestSelect+" "+where, arg)
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
	return scanManifest(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanManifest(row rowScanner) (*contracts.Manifest, error) {
	var (
		m            contracts.Manifest
		requiredJSON string
		includedJSON string
		skippedJSON  sql.NullString
		partial      int
		createdAt    string
	)
	if err := row.Scan(&m.ID, &m.CallID, &m.OrganizationID, &m.Version, &requiredJSON, &includedJSON, &m.ManifestHash, &partial, &skippedJSON, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(requiredJSON), &m.RequiredTypes); err != nil {
		return nil, fmt.Errorf("corrupt required_types in manifest %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(includedJSON), &m.IncludedArtifacts); err != nil {
		return nil, fmt.Errorf("corrupt included_artifacts in manifest %s: %w", m.ID, err)
	}
	if skippedJSON.Valid && skippedJSON.String != "" && skippedJSON.String != "null" {
		if err := json.Unmarshal([]byte(skippedJSON.String), &m.SkippedArtifacts); err != nil {
			return nil, fmt.Errorf("corrupt skipped_artifacts in manifest %s: %w", m.ID, err)
		}
	}
	m.Partial = partial != 0
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}

func (s *SQLiteStore) SaveBundle(ctx context.Context, b *contracts.EvidenceBundle) error {
	hashesJSON, _ := json.Marshal(b.ArtifactHashes)

	var tsaTimestamp any
	if b.TSATimestamp != nil {
		tsaTimestamp = b.TSATimestamp.UTC().Format(time.RFC3339Nano)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence_bundles (id, manifest_id, manifest_hash, artifact_hashes, organization_id, call_id, version, created_at, bundle_hash, tsa_status, tsa_token, tsa_timestamp, tsa_policy_oid, tsa_serial, tsa_url, tsa_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (manifest_id) DO NOTHING
	`, b.ID, b.ManifestID, b.ManifestHash, string(hashesJSON), b.OrganizationID, b.CallID, b.Version,
		b.CreatedAt.UTC().Format(time.RFC3339Nano), b.BundleHash, b.TSAStatus, b.TSAToken, tsaTimestamp,
		b.TSAPolicyOID, b.TSASerial, b.TSAURL, b.TSAErr)
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

func (s *SQLiteStore) GetBundle(ctx context.Context, id string) (*contracts.EvidenceBundle, error) {
	return s.queryBundle(ctx, `WHERE id = ?`, id)
}

func (s *SQLiteStore) GetBundleByManifestID(ctx context.Context, manifestID string) (*contracts.EvidenceBundle, error) {
	return s.queryBundle(ctx, `WHERE manifest_id = ?`, manifestID)
}

const bundleSelect = `
	SELECT id, manifest_id, manifest_hash, artifact_hashes, organization_id, call_id, version, created_at, bundle_hash, tsa_status, tsa_token, tsa_timestamp, tsa_policy_oid, tsa_serial, tsa_url, tsa_error
	FROM evidence_bundles`

func (s *SQLiteStore) queryBundle(ctx context.Context, where string, arg any) (*contracts.EvidenceBundle, error) {
	rows, err := s.db.QueryContext(ctx, bundleSelect+" "+where, arg)
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
		hashesJSON   string
		createdAt    string
		tsaToken     []byte
		tsaTimestamp sql.NullString
		tsaPolicyOID sql.NullString
		tsaSerial    sql.NullString
		tsaURL       sql.NullString
		tsaErr       sql.NullString
	)
	if err := rows.Scan(&b.ID, &b.ManifestID, &b.ManifestHash, &hashesJSON, &b.OrganizationID, &b.CallID, &b.Version,
		&createdAt, &b.BundleHash, &b.TSAStatus, &tsaToken, &tsaTimestamp, &tsaPolicyOID, &tsaSerial, &tsaURL, &tsaErr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(hashesJSON), &b.ArtifactHashes); err != nil {
		return nil, fmt.Errorf("corrupt artifact_hashes in bundle %s: %w", b.ID, err)
	}
	b.CreatedAt = parseTime(createdAt)
	b.TSAToken = tsaToken
	if tsaTimestamp.Valid && tsaTimestamp.String != "" {
		t := parseTime(tsaTimestamp.String)
		b.TSATimestamp = &t
	}
	b.TSAPolicyOID = tsaPolicyOID.String
	b.TSASerial = tsaSerial.String
	b.TSAURL = tsaURL.String
	b.TSAErr = tsaErr.String
	return &b, nil
}

func (s *SQLiteStore) SetBundleTSAResult(ctx context.Context, bundleID string, b *contracts.EvidenceBundle) error {
	var tsaTimestamp any
	if b.TSATimestamp != nil {
		tsaTimestamp = b.TSATimestamp.UTC().Format(time.RFC3339Nano)
	}
	// Guarded update: only a pending bundle may transition.
	_, err := s.db.ExecContext(ctx, `
		UPDATE evidence_bundles
		SET tsa_status = ?, tsa_token = ?, tsa_timestamp = ?, tsa_policy_oid = ?, tsa_serial = ?, tsa_url = ?, tsa_error = ?
		WHERE id = ? AND tsa_status = 'pending'
	`, b.TSAStatus, b.TSAToken, tsaTimestamp, b.TSAPolicyOID, b.TSASerial, b.TSAURL, b.TSAErr, bundleID)
	if err != nil {
		return fmt.Errorf("failed to update bundle tsa state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, e *contracts.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, organization_id, resource_type, resource_id, action, before, after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.OrganizationID, e.ResourceType, e.ResourceID, e.Action, nullableJSON(e.Before), nullableJSON(e.After),
		e.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAudit(ctx context.Context, resourceID string) ([]*contracts.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, resource_type, resource_id, action, before, after, created_at
		FROM audit_logs
		WHERE resource_id = ?
		ORDER BY created_at ASC
	`, resourceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*contracts.AuditEntry
	for rows.Next() {
		var (
			e         contracts.AuditEntry
			before    sql.NullString
			after     sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.ResourceType, &e.ResourceID, &e.Action, &before, &after, &createdAt); err != nil {
			return nil, err
		}
		if before.Valid {
			e.Before = json.RawMessage(before.String)
		}
		if after.Valid {
			e.After = json.RawMessage(after.String)
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
