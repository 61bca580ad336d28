package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "incubator.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, DefaultDBPath, cfg.DBPath)
	assert.Equal(t, Duration(5*time.Minute), cfg.LockTTL)
	assert.Equal(t, 10, cfg.PollLimit)
	assert.Equal(t, Duration(24*time.Hour), cfg.CleanupHorizon)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, Duration(50*time.Millisecond), cfg.RetryBaseDelay)
	assert.Equal(t, "@every 1h", cfg.CleanupSpec)
}

func TestLoad_NoFile(t *testing.T) {
	t.Setenv(EnvDBPath, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_File(t *testing.T) {
	t.Setenv(EnvDBPath, "")
	path := writeConfig(t, `
db_path = "state/coord.db"
lock_ttl = "30s"
poll_limit = 25
cleanup_horizon = "48h"
retry_attempts = 5
retry_base_delay = "10ms"
cleanup_schedule = "@every 30m"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "state/coord.db", cfg.DBPath)
	assert.Equal(t, Duration(30*time.Second), cfg.LockTTL)
	assert.Equal(t, 25, cfg.PollLimit)
	assert.Equal(t, Duration(48*time.Hour), cfg.CleanupHorizon)
	assert.Equal(t, 5, cfg.RetryAttempts)
	assert.Equal(t, Duration(10*time.Millisecond), cfg.RetryBaseDelay)
	assert.Equal(t, "@every 30m", cfg.CleanupSpec)

	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultDeadlockScanSpec, cfg.DeadlockScanSpec)
	assert.Equal(t, DefaultHealthPingSpec, cfg.HealthPingSpec)
}

func TestLoad_IntegerNanosecondDuration(t *testing.T) {
	t.Setenv(EnvDBPath, "")
	path := writeConfig(t, `lock_ttl = 45000000000`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Duration(45*time.Second), cfg.LockTTL)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `db_path = "from-file.db"`)
	t.Setenv(EnvDBPath, "from-env.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.db", cfg.DBPath)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv(EnvDBPath, "")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_BadTOML(t *testing.T) {
	path := writeConfig(t, `lock_ttl = [not toml`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_BadDurationString(t *testing.T) {
	path := writeConfig(t, `lock_ttl = "soonish"`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_NormalizesOutOfRange(t *testing.T) {
	t.Setenv(EnvDBPath, "")
	path := writeConfig(t, `
poll_limit = -1
lock_ttl = "0s"
retry_attempts = 0
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultPollLimit, cfg.PollLimit)
	assert.Equal(t, DefaultLockTTL, cfg.LockTTL)
	assert.Equal(t, DefaultRetryAttempts, cfg.RetryAttempts)
}
