package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.TickInterval)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, "campaign_bounces", cfg.BounceQueue)
	assert.Equal(t, "postgres://postgres:@localhost:5432/outreach?sslmode=disable", cfg.DSN())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TICK_INTERVAL", "30s")
	t.Setenv("MAX_ATTEMPTS", "5")
	t.Setenv("DATABASE_URL", "postgres://u:p@db/x")
	t.Setenv("GATEWAY", "mock")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.TickInterval)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, "mock", cfg.Gateway)
	assert.Equal(t, "postgres://u:p@db/x", cfg.DSN())
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("WORKER_CONCURRENCY=2\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("WORKER_CONCURRENCY") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.WorkerConcurrency)
}

func TestValidateRejects(t *testing.T) {
	t.Setenv("MAX_ATTEMPTS", "0")
	t.Setenv("CLAIM_LEASE", "10s")
	t.Setenv("GATEWAY", "carrier-pigeon")

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_ATTEMPTS")
	assert.Contains(t, err.Error(), "CLAIM_LEASE")
	assert.Contains(t, err.Error(), "GATEWAY")
}

func TestValidateClaimLeaseCoversJitter(t *testing.T) {
	t.Setenv("SEND_TIMEOUT", "30s")
	t.Setenv("EXECUTION_JITTER_MAX", "5m")
	t.Setenv("CLAIM_LEASE", "5m")

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.ErrorContains(t, err, "EXECUTION_JITTER_MAX")

	t.Setenv("CLAIM_LEASE", "6m")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, 6*time.Minute, cfg.ClaimLease)
}
