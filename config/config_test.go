package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/classfund/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "ENV", "DB_PATH", "LOG_LEVEL", "JWT_SECRET", "REDIS_URL", "CORS_ORIGINS", "ENABLE_SCENARIOS",
		"AUDIT_INTERVAL", "LEDGER_CHUNK_SIZE", "LEDGER_MAX_TX_WRITES", "JOIN_RATE_LIMIT", "JOIN_RATE_WINDOW",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "development")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "classfund.db", cfg.DBPath)
	assert.Equal(t, time.Hour, cfg.AuditInterval)
	assert.Equal(t, 400, cfg.LedgerChunkSize)
	assert.Equal(t, 500, cfg.LedgerMaxTxWrites)
	assert.Equal(t, 10, cfg.JoinRateLimit)
	assert.Equal(t, time.Minute, cfg.JoinRateWindow)
	assert.NotEmpty(t, cfg.JWTSecret, "development falls back to a local secret")
	assert.Empty(t, cfg.RedisURL)
	assert.False(t, cfg.EnableScenarios)
	assert.False(t, cfg.JoinRateLimited())
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("DB_PATH", ":memory:")
	t.Setenv("AUDIT_INTERVAL", "0")
	t.Setenv("LEDGER_CHUNK_SIZE", "50")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction(), "ENV defaults to production")
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, ":memory:", cfg.DBPath)
	assert.Equal(t, time.Duration(0), cfg.AuditInterval)
	assert.Equal(t, 50, cfg.LedgerChunkSize)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.True(t, cfg.JoinRateLimited())
}

func TestLoad_SecretRequiredOutsideDevelopment(t *testing.T) {
	for _, env := range []string{"", "production", "staging"} {
		t.Run("env="+env, func(t *testing.T) {
			// GIVEN: No JWT secret and an environment that is not development
			clearEnv(t)
			t.Setenv("ENV", env)

			// WHEN: Configuration loads
			_, err := config.Load()

			// THEN: The committed local secret is never used
			require.Error(t, err)
			assert.Contains(t, err.Error(), "JWT_SECRET")
		})
	}
}

func TestLoad_ScenariosNeedExplicitOptIn(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "development")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.False(t, cfg.EnableScenarios, "development alone does not mount the loaders")

	t.Setenv("ENABLE_SCENARIOS", "true")
	cfg, err = config.Load()
	require.NoError(t, err)
	assert.True(t, cfg.EnableScenarios)
}

func TestLoad_ScenariosRejectedOutsideDevelopment(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "staging")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("ENABLE_SCENARIOS", "true")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENABLE_SCENARIOS")
}

func TestLoad_ZeroJoinLimitDisablesLimiting(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "development")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("JOIN_RATE_LIMIT", "0")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.JoinRateLimit)
	assert.False(t, cfg.JoinRateLimited())
}

func TestLoad_RejectsBadValues(t *testing.T) {
	for key, value := range map[string]string{
		"LEDGER_MAX_TX_WRITES": "lots",
		"JOIN_RATE_LIMIT":      "-1",
		"ENABLE_SCENARIOS":     "maybe",
	} {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("ENV", "development")
			t.Setenv(key, value)

			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}
