package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/scanorc/internal/apperrors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: "postgres://localhost/scanorc"
stream:
  addr: "localhost:6379"
launcher:
  security_group_ids: ["sg-1"]
  subnet_ids: ["subnet-1"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/scanorc", cfg.Database.DSN)
	assert.Equal(t, 8, cfg.Orchestrator.MaxParallelAssetsPerScan)
}

func TestLoad_MissingDSN_Fails(t *testing.T) {
	path := writeConfig(t, `
stream:
  addr: "localhost:6379"
launcher:
  security_group_ids: ["sg-1"]
  subnet_ids: ["subnet-1"]
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfiguration))
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: "postgres://file/scanorc"
stream:
  addr: "localhost:6379"
launcher:
  security_group_ids: ["sg-1"]
  subnet_ids: ["subnet-1"]
`)
	t.Setenv("SCANORC_DATABASE_DSN", "postgres://env/scanorc")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/scanorc", cfg.Database.DSN)
}

func TestValidate_RejectsMissingSecurityGroups(t *testing.T) {
	cfg := Default()
	cfg.Database.DSN = "x"
	cfg.Stream.Addr = "x"
	cfg.Launcher.SubnetIDs = []string{"subnet-1"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfiguration))
}
