package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies INDEXBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known INDEXBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Broker ──
	setStr(&cfg.Broker.BaseURL, "INDEXBOT_BROKER_BASE_URL")
	setStr(&cfg.Broker.WSURL, "INDEXBOT_BROKER_WS_URL")
	setStr(&cfg.Broker.ClientID, "INDEXBOT_BROKER_CLIENT_ID")
	setStr(&cfg.Broker.AccessToken, "INDEXBOT_BROKER_ACCESS_TOKEN")
	setDuration(&cfg.Broker.Timeout, "INDEXBOT_BROKER_TIMEOUT")
	setInt(&cfg.Broker.OrderRateLimit, "INDEXBOT_BROKER_ORDER_RATE_LIMIT")
	setDuration(&cfg.Broker.OrderRateWindow, "INDEXBOT_BROKER_ORDER_RATE_WINDOW")
	setStringSlice(&cfg.Broker.Watch, "INDEXBOT_BROKER_WATCH")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "INDEXBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "INDEXBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "INDEXBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "INDEXBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "INDEXBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "INDEXBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "INDEXBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "INDEXBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "INDEXBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "INDEXBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "INDEXBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "INDEXBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "INDEXBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "INDEXBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "INDEXBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "INDEXBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "INDEXBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "INDEXBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "INDEXBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "INDEXBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "INDEXBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "INDEXBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "INDEXBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "INDEXBOT_S3_FORCE_PATH_STYLE")
	setDuration(&cfg.S3.ArchiveAt, "INDEXBOT_S3_ARCHIVE_AT")

	// ── Risk ──
	setFloat64(&cfg.Risk.BreakevenPct, "INDEXBOT_RISK_BREAKEVEN_PCT")
	setFloat64(&cfg.Risk.FixedDropPct, "INDEXBOT_RISK_FIXED_DROP_PCT")
	setInt(&cfg.Risk.TrendExitScore, "INDEXBOT_RISK_TREND_EXIT_SCORE")
	setFloat64(&cfg.Risk.VolCollapseRatio, "INDEXBOT_RISK_VOL_COLLAPSE_RATIO")
	setDuration(&cfg.Risk.MaxHold, "INDEXBOT_RISK_MAX_HOLD")
	setDuration(&cfg.Risk.SweepActive, "INDEXBOT_RISK_SWEEP_ACTIVE")
	setDuration(&cfg.Risk.SweepIdle, "INDEXBOT_RISK_SWEEP_IDLE")
	setBool(&cfg.Risk.PeakDrawdown.Enabled, "INDEXBOT_RISK_PEAK_DRAWDOWN_ENABLED")
	setFloat64(&cfg.Risk.PeakDrawdown.ThresholdPct, "INDEXBOT_RISK_PEAK_DRAWDOWN_THRESHOLD_PCT")

	// ── Underlying ──
	setDuration(&cfg.Underlying.MemoTTL, "INDEXBOT_UNDERLYING_MEMO_TTL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "INDEXBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "INDEXBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "INDEXBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "INDEXBOT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "INDEXBOT_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "INDEXBOT_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "INDEXBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "INDEXBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "INDEXBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "INDEXBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "INDEXBOT_MODE")
	setStr(&cfg.LogLevel, "INDEXBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
