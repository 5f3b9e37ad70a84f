package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsValidateInPaperMode(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "paper", cfg.Mode)
	assert.Len(t, cfg.Risk.Tiers, 4)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeTOML(t, `
mode = "live"
log_level = "debug"

[broker]
client_id = "C123"
access_token = "tok"

[risk]
fixed_drop_pct = 7.5
max_hold = "2h"

[[risk.tiers]]
trigger_pct = 6.0
lock_pct = 1.0

[[risk.tiers]]
trigger_pct = 12.0
lock_pct = 5.0

[server]
port = 9100
api_key = "k"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "live", cfg.Mode)
	assert.Equal(t, "C123", cfg.Broker.ClientID)
	assert.Equal(t, 9100, cfg.Server.Port)

	// File tiers replace the defaults entirely.
	rc := cfg.Risk.ToRisk()
	require.Len(t, rc.Tiers, 2)
	assert.Equal(t, 6.0, rc.Tiers[0].TriggerProfitPct)
	assert.Equal(t, 7.5, rc.FixedDropPct)
	assert.Equal(t, 2*time.Hour, rc.MaxHold)

	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 15.0, rc.PeakDrawdown.ThresholdPct)
}

func TestEnvOverridesBeatFile(t *testing.T) {
	path := writeTOML(t, `
mode = "paper"

[redis]
addr = "file:6379"
`)

	t.Setenv("INDEXBOT_REDIS_ADDR", "env:6379")
	t.Setenv("INDEXBOT_MODE", "monitor")
	t.Setenv("INDEXBOT_RISK_SWEEP_ACTIVE", "250ms")
	t.Setenv("INDEXBOT_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env:6379", cfg.Redis.Addr)
	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, 250*time.Millisecond, cfg.Risk.SweepActive.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestValidateLiveModeRequiresCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "live"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client_id")
	assert.Contains(t, err.Error(), "access_token")
}

func TestValidateRejectsBadTiers(t *testing.T) {
	cfg := Defaults()
	cfg.Risk.Tiers = []TierConfig{
		{TriggerPct: 10, LockPct: 12}, // lock above trigger
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tier")
}

func TestValidateTelegramPair(t *testing.T) {
	cfg := Defaults()
	cfg.Notify.TelegramToken = "tok"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram")
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Broker.AccessToken = "super-secret"
	cfg.Postgres.Password = "pgpass"
	cfg.Server.APIKey = "apikey"

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Broker.AccessToken)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Server.APIKey)
	assert.Equal(t, "super-secret", cfg.Broker.AccessToken, "original untouched")
}
