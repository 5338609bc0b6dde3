package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callmonitor/evidence/pkg/contracts"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, "evidence:artifact-events", cfg.StreamName)
	assert.Equal(t, 10*time.Second, cfg.TSATimeout)
	assert.Equal(t, "fs", cfg.ExportStorage)
	assert.Empty(t, cfg.TSAURL)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("TSA_URL", "https://tsa.example.com/timestamp")
	t.Setenv("TSA_TIMEOUT", "3s")
	t.Setenv("REDIS_DB", "2")

	cfg := Load()
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, "https://tsa.example.com/timestamp", cfg.TSAURL)
	assert.Equal(t, 3*time.Second, cfg.TSATimeout)
	assert.Equal(t, 2, cfg.RedisDB)
}

func TestLoad_MalformedNumbersFallBack(t *testing.T) {
	t.Setenv("REDIS_DB", "two")
	t.Setenv("TSA_TIMEOUT", "soon")

	cfg := Load()
	assert.Equal(t, 0, cfg.RedisDB)
	assert.Equal(t, 10*time.Second, cfg.TSATimeout)
}

func writeProfile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "profile_org-1.yaml", `
organization_id: org-1
name: Acme Support
modulations:
  record: true
  transcribe: true
  translate: true
  translate_from: en
  translate_to: es
`)

	p, err := LoadProfile(dir, "org-1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", p.OrganizationID)
	assert.True(t, p.Modulations.Record)
	assert.True(t, p.Modulations.Translate)
	assert.Equal(t, "es", p.Modulations.TranslateTo)
	assert.Equal(t, []contracts.ArtifactType{
		contracts.ArtifactRecording, contracts.ArtifactTranscript, contracts.ArtifactTranslation,
	}, p.Modulations.RequiredTypes())
}

func TestLoadProfile_InvalidLanguagePair(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "profile_org-1.yaml", `
modulations:
  translate: true
  translate_from: english
  translate_to: es
`)

	_, err := LoadProfile(dir, "org-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrInvalidLanguage)
}

func TestLoadProfile_Missing(t *testing.T) {
	_, err := LoadProfile(t.TempDir(), "nope")
	assert.Error(t, err)
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "profile_org-1.yaml", "modulations:\n  record: true\n")
	writeProfile(t, dir, "profile_org-2.yaml", "organization_id: org-2\nmodulations:\n  survey: true\n")

	profiles, err := LoadAllProfiles(dir)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	// Falls back to the filename when the file omits the id.
	assert.True(t, profiles["org-1"].Modulations.Record)
	assert.True(t, profiles["org-2"].Modulations.Survey)
}
