package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "supervised", cfg.SupervisionMode)
	assert.True(t, cfg.PhaseCritique)
	assert.Equal(t, 5*time.Minute, cfg.CommandTimeout)
	assert.Equal(t, 1000, cfg.EventHistorySize)
}

func TestLoadFrom_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
supervision_mode: zero_human
test_command: go test ./...
server:
  host: 0.0.0.0
  port: 9000
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "zero_human", cfg.SupervisionMode)
	assert.Equal(t, "go test ./...", cfg.TestCommand)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr())
	// Untouched fields keep their defaults.
	assert.True(t, cfg.Review.Enabled)
}

func TestLoadFrom_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("supervision_mode: supervised\n"), 0o644))

	t.Setenv("WARDEN_SUPERVISION_MODE", "zero_human")
	t.Setenv("WARDEN_PORT", "8888")
	t.Setenv("WARDEN_COMMAND_TIMEOUT", "30s")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "zero_human", cfg.SupervisionMode)
	assert.Equal(t, 8888, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.CommandTimeout)
}

func TestLoadFrom_InvalidSupervisionMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("supervision_mode: yolo\n"), 0o644))

	_, err := LoadFrom(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "supervision_mode")
}

func TestSettings_Projection(t *testing.T) {
	cfg := Default()
	cfg.TestCommand = "pytest -x"
	cfg.BuildCommand = "make build"

	settings := cfg.Settings()
	assert.Equal(t, "supervised", settings["supervision_mode"])
	assert.Equal(t, "pytest -x", settings["test_command"])
	assert.Equal(t, "make build", settings["build_command"])
	_, ok := settings["smoke_test_command"]
	assert.False(t, ok, "unset commands stay out of the settings map")
}

func TestSaveTo_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.SupervisionMode = "hybrid"
	require.NoError(t, cfg.SaveTo(path))

	loaded, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "hybrid", loaded.SupervisionMode)
}

func TestJWTSecret(t *testing.T) {
	t.Setenv(JWTSecretEnv, "")
	_, err := JWTSecret()
	require.Error(t, err)

	t.Setenv(JWTSecretEnv, "s3cret")
	secret, err := JWTSecret()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", secret)
}
