package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binlift/binlift/pkg/types"
)

// TestDefaults tests the built-in default configuration
func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 100, cfg.MaxFileSizeMB)
	assert.Equal(t, 1200, cfg.AnalysisTimeoutSeconds)
	assert.Equal(t, 2, cfg.WorkerCount)
	assert.Equal(t, 4, cfg.Translation.Concurrency)
	assert.Equal(t, 60, cfg.StaleLeaseSeconds)
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, int64(100*1024*1024), cfg.MaxFileSizeBytes())
	require.NoError(t, cfg.Validate(false))
}

// TestLoadOverrides tests YAML overrides on top of defaults
func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
max_file_size_mb: 25
worker_count: 4
rate_limits:
  basic:
    window_seconds: 60
    max_requests: 10
auth:
  api_key_salt: test-salt
providers:
  openai:
    model: gpt-4o
`)
	require.NoError(t, os.WriteFile(path, content, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.MaxFileSizeMB)
	assert.Equal(t, 4, cfg.WorkerCount)
	assert.Equal(t, "test-salt", cfg.Auth.APIKeySalt)
	assert.Equal(t, "gpt-4o", cfg.Providers["openai"].Model)
	// Defaults survive for untouched keys.
	assert.Equal(t, 1200, cfg.AnalysisTimeoutSeconds)
}

// TestLoadRejectsUnknownKeys tests that unrecognized options are errors
func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_upload_mb: 10\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

// TestValidateProductionSalt tests that the default salt is rejected in production
func TestValidateProductionSalt(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate(false))
	assert.Error(t, cfg.Validate(true))

	cfg.Auth.APIKeySalt = "rotated-salt"
	assert.NoError(t, cfg.Validate(true))
}

// TestTierLimitFor tests tier lookup with basic fallback
func TestTierLimitFor(t *testing.T) {
	cfg := Default()

	premium := cfg.TierLimitFor(types.TierPremium)
	assert.Equal(t, 300, premium.MaxRequests)

	fallback := cfg.TierLimitFor("unknown-tier")
	assert.Equal(t, cfg.RateLimits["basic"], fallback)
}
