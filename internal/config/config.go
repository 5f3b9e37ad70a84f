// Package config defines the top-level configuration for the index options
// risk manager and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/indexbot/internal/domain"
	"github.com/alanyoungcy/indexbot/internal/risk"
	"github.com/alanyoungcy/indexbot/internal/schedule"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by INDEXBOT_* environment
// variables.
type Config struct {
	Broker     BrokerConfig     `toml:"broker"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Risk       RiskConfig       `toml:"risk"`
	Underlying UnderlyingConfig `toml:"underlying"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// BrokerConfig holds broker REST and market-feed parameters.
type BrokerConfig struct {
	BaseURL     string   `toml:"base_url"`
	WSURL       string   `toml:"ws_url"`
	ClientID    string   `toml:"client_id"`
	AccessToken string   `toml:"access_token"`
	Timeout     duration `toml:"timeout"`
	// Order throttle across all exits; zero disables.
	OrderRateLimit  int      `toml:"order_rate_limit"`
	OrderRateWindow duration `toml:"order_rate_window"`
	// Watch lists instruments to subscribe on the market feed in addition
	// to the restored positions, as "SEGMENT:SECURITY_ID" strings.
	Watch []string `toml:"watch"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the
// end-of-day journal archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	// ArchiveAt is the local wall-clock time of the daily upload, as an
	// offset from midnight (e.g. "16h30m").
	ArchiveAt duration `toml:"archive_at"`
}

// TierConfig is one profit-locking tier.
type TierConfig struct {
	TriggerPct float64 `toml:"trigger_pct"`
	LockPct    float64 `toml:"lock_pct"`
}

// PeakDrawdownCfg is the drawdown-from-peak circuit breaker.
type PeakDrawdownCfg struct {
	Enabled      bool    `toml:"enabled"`
	ThresholdPct float64 `toml:"threshold_pct"`
	Gated        bool    `toml:"gated"`
	MinPeakPct   float64 `toml:"min_peak_pct"`
	MinOffsetPct float64 `toml:"min_offset_pct"`
}

// UpwardCfg is the profit-protection allowance curve.
type UpwardCfg struct {
	ActivationPct   float64 `toml:"activation_pct"`
	FullProfitPct   float64 `toml:"full_profit_pct"`
	WideAllowance   float64 `toml:"wide_allowance_pct"`
	DecayRate       float64 `toml:"decay_rate"`
	IndexFloorPct   float64 `toml:"index_floor_pct"`
	StockFloorPct   float64 `toml:"stock_floor_pct"`
	DefaultFloorPct float64 `toml:"default_floor_pct"`
}

// DownwardCfg is the loss-tightening tolerance curve.
type DownwardCfg struct {
	MaxTolerancePct      float64 `toml:"max_tolerance_pct"`
	MinTolerancePct      float64 `toml:"min_tolerance_pct"`
	InterpEndLossPct     float64 `toml:"interp_end_loss_pct"`
	TimePenaltyPctPerMin float64 `toml:"time_penalty_pct_per_min"`
	FloorPct             float64 `toml:"floor_pct"`
}

// RiskConfig holds every tunable of the exit rule chain plus the sweep
// cadence.
type RiskConfig struct {
	Tiers []TierConfig `toml:"tiers"`
	// BreakevenPct locks the offset at breakeven once profit reaches this
	// level even when the tier table carries no such entry. Zero disables.
	BreakevenPct     float64         `toml:"breakeven_pct"`
	PeakDrawdown     PeakDrawdownCfg `toml:"peak_drawdown"`
	Upward           UpwardCfg       `toml:"upward"`
	Downward         DownwardCfg     `toml:"downward"`
	FixedDropPct     float64         `toml:"fixed_drop_pct"`
	TrendExitScore   int             `toml:"trend_exit_score"`
	VolCollapseRatio float64         `toml:"vol_collapse_ratio"`
	MaxHold          duration        `toml:"max_hold"`
	SweepActive      duration        `toml:"sweep_active"`
	SweepIdle        duration        `toml:"sweep_idle"`
}

// UnderlyingConfig tunes the underlying-health reads.
type UnderlyingConfig struct {
	MemoTTL duration `toml:"memo_ttl"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the production risk parameters
// and reasonable infrastructure defaults. These match config.example.toml.
func Defaults() Config {
	riskDefaults := risk.DefaultConfig()

	tiers := make([]TierConfig, 0, len(riskDefaults.Tiers))
	for _, t := range riskDefaults.Tiers {
		tiers = append(tiers, TierConfig{TriggerPct: t.TriggerProfitPct, LockPct: t.LockProfitPct})
	}

	return Config{
		Broker: BrokerConfig{
			BaseURL:         "https://api.dhan.co",
			WSURL:           "wss://api-feed.dhan.co",
			Timeout:         duration{10 * time.Second},
			OrderRateLimit:  10,
			OrderRateWindow: duration{time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "indexbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "ap-south-1",
			Bucket:         "indexbot-data",
			UseSSL:         false,
			ForcePathStyle: true,
			ArchiveAt:      duration{16*time.Hour + 30*time.Minute},
		},
		Risk: RiskConfig{
			Tiers:        tiers,
			BreakevenPct: riskDefaults.BreakevenPct,
			PeakDrawdown: PeakDrawdownCfg{
				Enabled:      riskDefaults.PeakDrawdown.Enabled,
				ThresholdPct: riskDefaults.PeakDrawdown.ThresholdPct,
				Gated:        riskDefaults.PeakDrawdown.Gated,
				MinPeakPct:   riskDefaults.PeakDrawdown.MinPeakPct,
				MinOffsetPct: riskDefaults.PeakDrawdown.MinOffsetPct,
			},
			Upward: UpwardCfg{
				ActivationPct:   riskDefaults.Upward.ActivationProfitPct,
				FullProfitPct:   riskDefaults.Upward.FullProfitPct,
				WideAllowance:   riskDefaults.Upward.WideAllowancePct,
				DecayRate:       riskDefaults.Upward.DecayRate,
				IndexFloorPct:   riskDefaults.Upward.ClassFloorPct[domain.ClassIndex],
				StockFloorPct:   riskDefaults.Upward.ClassFloorPct[domain.ClassStock],
				DefaultFloorPct: riskDefaults.Upward.DefaultFloorPct,
			},
			Downward: DownwardCfg{
				MaxTolerancePct:      riskDefaults.Downward.MaxTolerancePct,
				MinTolerancePct:      riskDefaults.Downward.MinTolerancePct,
				InterpEndLossPct:     riskDefaults.Downward.InterpEndLossPct,
				TimePenaltyPctPerMin: riskDefaults.Downward.TimePenaltyPctPerMin,
				FloorPct:             riskDefaults.Downward.FloorPct,
			},
			FixedDropPct:     riskDefaults.FixedDropPct,
			TrendExitScore:   riskDefaults.TrendExitScore,
			VolCollapseRatio: riskDefaults.VolCollapseRatio,
			MaxHold:          duration{riskDefaults.MaxHold},
			SweepActive:      duration{500 * time.Millisecond},
			SweepIdle:        duration{5 * time.Second},
		},
		Underlying: UnderlyingConfig{
			MemoTTL: duration{2 * time.Second},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   0,
			RateWindow:  duration{time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "position_closed"},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// ToRisk converts the TOML risk section into the engine's Config. Vol
// penalties keep their production values; they are deliberately not
// operator-tunable.
func (r RiskConfig) ToRisk() risk.Config {
	out := risk.DefaultConfig()

	if len(r.Tiers) > 0 {
		tiers := make([]risk.Tier, 0, len(r.Tiers))
		for _, t := range r.Tiers {
			tiers = append(tiers, risk.Tier{TriggerProfitPct: t.TriggerPct, LockProfitPct: t.LockPct})
		}
		out.Tiers = tiers
	}

	out.BreakevenPct = r.BreakevenPct

	out.PeakDrawdown = risk.PeakDrawdownConfig{
		Enabled:      r.PeakDrawdown.Enabled,
		ThresholdPct: r.PeakDrawdown.ThresholdPct,
		Gated:        r.PeakDrawdown.Gated,
		MinPeakPct:   r.PeakDrawdown.MinPeakPct,
		MinOffsetPct: r.PeakDrawdown.MinOffsetPct,
	}
	out.Upward = schedule.UpwardConfig{
		ActivationProfitPct: r.Upward.ActivationPct,
		FullProfitPct:       r.Upward.FullProfitPct,
		WideAllowancePct:    r.Upward.WideAllowance,
		DecayRate:           r.Upward.DecayRate,
		ClassFloorPct: map[domain.InstrumentClass]float64{
			domain.ClassIndex: r.Upward.IndexFloorPct,
			domain.ClassStock: r.Upward.StockFloorPct,
		},
		DefaultFloorPct: r.Upward.DefaultFloorPct,
	}
	out.Downward.MaxTolerancePct = r.Downward.MaxTolerancePct
	out.Downward.MinTolerancePct = r.Downward.MinTolerancePct
	out.Downward.InterpEndLossPct = r.Downward.InterpEndLossPct
	out.Downward.TimePenaltyPctPerMin = r.Downward.TimePenaltyPctPerMin
	out.Downward.FloorPct = r.Downward.FloorPct

	out.FixedDropPct = r.FixedDropPct
	out.TrendExitScore = r.TrendExitScore
	out.VolCollapseRatio = r.VolCollapseRatio
	out.MaxHold = r.MaxHold.Duration
	return out
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live":    true,
	"paper":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and
// returns a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, paper, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	mode := strings.ToLower(c.Mode)
	live := mode == "live"
	// Paper mode runs entirely in memory; live and monitor need the shared
	// infrastructure.
	needsInfra := live || mode == "monitor"

	// Broker credentials are only required when real orders go out.
	if live {
		if c.Broker.BaseURL == "" {
			errs = append(errs, "broker: base_url must not be empty in live mode")
		}
		if c.Broker.ClientID == "" {
			errs = append(errs, "broker: client_id is required in live mode")
		}
		if c.Broker.AccessToken == "" {
			errs = append(errs, "broker: access_token is required in live mode")
		}
	}
	if c.Broker.WSURL == "" {
		errs = append(errs, "broker: ws_url must not be empty")
	}

	// Postgres backs the durable journal; Redis carries ticks and locks.
	if needsInfra {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty for mode "+c.Mode)
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	if err := c.Risk.ToRisk().Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Risk.SweepActive.Duration < 0 || c.Risk.SweepIdle.Duration < 0 {
		errs = append(errs, "risk: sweep intervals must not be negative")
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	// Telegram credentials come as a pair.
	tt := c.Notify.TelegramToken != ""
	tc := c.Notify.TelegramChatID != ""
	if tt != tc {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
