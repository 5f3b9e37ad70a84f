package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/indexbot/internal/blob/s3"
	"github.com/alanyoungcy/indexbot/internal/broker"
	"github.com/alanyoungcy/indexbot/internal/cache/redis"
	"github.com/alanyoungcy/indexbot/internal/config"
	"github.com/alanyoungcy/indexbot/internal/domain"
	"github.com/alanyoungcy/indexbot/internal/exit"
	"github.com/alanyoungcy/indexbot/internal/notify"
	"github.com/alanyoungcy/indexbot/internal/store/memory"
	"github.com/alanyoungcy/indexbot/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Persistence
	Records domain.PositionRecordStore
	Audit   domain.AuditStore

	// Caches and coordination
	PriceCache      domain.PriceCache
	UnderlyingCache domain.UnderlyingCache
	RateLimiter     domain.RateLimiter
	Locks           domain.LockManager
	Bus             domain.SignalBus

	// Execution
	Router domain.OrderRouter

	// Blob storage
	Archiver *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// needsPostgres reports whether the mode persists to the shared database.
// Paper mode runs entirely in memory.
func needsPostgres(mode string) bool {
	return mode == "live" || mode == "monitor"
}

// needsRedis reports whether the mode uses the shared cache and bus.
func needsRedis(mode string) bool {
	return mode == "live" || mode == "monitor"
}

// Wire constructs the concrete dependency implementations for the
// configured mode and returns them with a cleanup function to be called on
// shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	mode := strings.ToLower(cfg.Mode)

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	if needsPostgres(mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Records = postgres.NewPositionRecordStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
	} else {
		deps.Records = memory.NewRecordStore()
		deps.Audit = memory.NewAuditStore()
	}

	// --- Redis ---
	if needsRedis(mode) {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.UnderlyingCache = redis.NewUnderlyingCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.Bus = redis.NewSignalBus(redisClient)
	} else {
		deps.Locks = exit.NewMemoryLockManager()
	}

	// --- Order routing ---
	switch mode {
	case "live":
		deps.Router = broker.NewRESTRouter(broker.RESTConfig{
			BaseURL:         cfg.Broker.BaseURL,
			ClientID:        cfg.Broker.ClientID,
			AccessToken:     cfg.Broker.AccessToken,
			Timeout:         cfg.Broker.Timeout.Duration,
			OrderRateLimit:  cfg.Broker.OrderRateLimit,
			OrderRateWindow: cfg.Broker.OrderRateWindow.Duration,
		}, deps.RateLimiter, logger)
	case "paper":
		deps.Router = broker.NewPaperRouter(deps.PriceCache, logger)
	}
	// Monitor mode routes no orders.

	// --- S3 journal archive ---
	if cfg.S3.Enabled && mode == "live" {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.Records, deps.Audit)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
