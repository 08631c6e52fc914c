package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-gate/pkg/config"
)

// Invariant: System must boot with safe defaults in dev mode.
func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "LOG_LEVEL", "DATABASE_URL", "REDIS_ADDR", "HELMGATE_CONFIRMATION_TTL",
		"HELMGATE_DEFAULT_MAX_DURATION", "HELMGATE_RATE_RPS", "HELMGATE_RATE_BURST", "HELMGATE_ROOT_SEED", "HELMGATE_PRODUCTION"} {
		t.Setenv(k, "")
	}

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.True(t, cfg.LiteMode())
	assert.Equal(t, 5*time.Minute, cfg.ConfirmationTTL)
	assert.Equal(t, 30*time.Second, cfg.DefaultMaxDuration)
	assert.Equal(t, 20.0, cfg.RateRPS)
	assert.Equal(t, 40, cfg.RateBurst)
	assert.Nil(t, cfg.RootSeed)
}

// Invariant: Ops can control config via standard 12-factor env vars.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://production:5432/db")
	t.Setenv("HELMGATE_CONFIRMATION_TTL", "90s")
	t.Setenv("HELMGATE_WEBHOOK_HOSTS", "hooks.example.com, ci.example.com,")
	t.Setenv("HELMGATE_ROOT_SEED", "0000000000000000000000000000000000000000000000000000000000000001")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.False(t, cfg.LiteMode())
	assert.Equal(t, 90*time.Second, cfg.ConfirmationTTL)
	assert.Len(t, cfg.RootSeed, 32)
	assert.Equal(t, []string{"hooks.example.com", "ci.example.com"}, cfg.WebhookHosts)
}

func TestLoad_RejectsMalformed(t *testing.T) {
	t.Setenv("HELMGATE_CONFIRMATION_TTL", "soon")
	_, err := config.Load()
	require.Error(t, err)
}

func TestLoad_ProductionRequiresSeed(t *testing.T) {
	t.Setenv("HELMGATE_CONFIRMATION_TTL", "")
	t.Setenv("HELMGATE_ROOT_SEED", "")
	t.Setenv("HELMGATE_PRODUCTION", "1")
	_, err := config.Load()
	require.Error(t, err)
}

func TestCheckSchemaVersion(t *testing.T) {
	require.NoError(t, config.CheckSchemaVersion("1.0.0"))
	require.NoError(t, config.CheckSchemaVersion("1.4.2"))
	require.Error(t, config.CheckSchemaVersion("2.0.0"))
	require.Error(t, config.CheckSchemaVersion("0.9.0"))
	require.Error(t, config.CheckSchemaVersion(""))
	require.Error(t, config.CheckSchemaVersion("one"))
}

func TestReadBundle(t *testing.T) {
	type bundle struct {
		config.BundleHeader `yaml:",inline"`
		Items               []string `yaml:"items"`
	}
	path := filepath.Join(t.TempDir(), "b.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schema_version: \"1.1.0\"\nitems: [a, b]\n"), 0o600))

	var b bundle
	require.NoError(t, config.ReadBundle(path, &b, &b.BundleHeader))
	assert.Equal(t, []string{"a", "b"}, b.Items)

	require.NoError(t, os.WriteFile(path, []byte("schema_version: \"2.0.0\"\n"), 0o600))
	require.Error(t, config.ReadBundle(path, &b, &b.BundleHeader))
}
