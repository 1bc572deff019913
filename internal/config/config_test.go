package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func command(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	RegisterFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(command(t))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestFlagsOverride(t *testing.T) {
	cfg, err := Load(command(t, "--backend=journal", "--journal-dir=/var/lib/scriptgov", "--checkpoint-interval=30s"))
	require.NoError(t, err)
	assert.Equal(t, BackendJournal, cfg.Backend)
	assert.Equal(t, "/var/lib/scriptgov", cfg.JournalDir)
	assert.Equal(t, 30*time.Second, cfg.CheckpointInterval)
}

func TestEnvironment(t *testing.T) {
	t.Setenv("SCRIPTGOV_BACKEND", "redis")
	t.Setenv("SCRIPTGOV_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load(command(t))
	require.NoError(t, err)
	assert.Equal(t, BackendRedis, cfg.Backend)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)

	// flags win over the environment
	cfg, err = Load(command(t, "--backend=memory"))
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Backend)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scriptgov.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: postgres\npostgres-dsn: postgres://u:p@db/scripts\nlog-level: debug\n"), 0o600))

	cfg, err := Load(command(t, "--config", path))
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.Backend)
	assert.Equal(t, "postgres://u:p@db/scripts", cfg.PostgresDSN)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := Load(command(t, "--config", filepath.Join(t.TempDir(), "absent.yaml")))
	assert.Error(t, err)
}

func TestValidateAggregates(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "loud"
	cfg.Backend = BackendPostgres
	cfg.JWTSecret = "short"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "LogLevel")
	assert.Contains(t, msg, "postgres-dsn")
	assert.Contains(t, msg, "jwt-secret")
}

func TestValidateBackends(t *testing.T) {
	cfg := Default()
	cfg.Backend = "sqlite"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Backend = BackendRedis
	assert.Error(t, cfg.Validate())
	cfg.RedisURL = "redis://localhost:6379"
	assert.NoError(t, cfg.Validate())
}
