package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/indexbot/internal/domain"
	"github.com/alanyoungcy/indexbot/internal/exit"
	"github.com/alanyoungcy/indexbot/internal/feed"
	"github.com/alanyoungcy/indexbot/internal/position"
	"github.com/alanyoungcy/indexbot/internal/risk"
	"github.com/alanyoungcy/indexbot/internal/server"
	"github.com/alanyoungcy/indexbot/internal/server/handler"
	"github.com/alanyoungcy/indexbot/internal/service"
)

// ticksChannel is the bus channel carrying normalized ticks between a live
// process and monitor processes.
const ticksChannel = "ticks"

// core bundles the wired risk pipeline for one run. coord and sweeper are
// nil in monitor mode, which never routes orders.
type core struct {
	book      *position.Store
	engine    *risk.Engine
	coord     *exit.Coordinator
	positions *service.PositionService
	sweeper   *service.Sweeper
	dist      *feed.Distributor
}

// buildCore constructs the book, rule engine, exit path and tick fan-out.
func (a *App) buildCore(deps *Dependencies) (*core, error) {
	book := position.NewStore(a.logger)

	var provider risk.UnderlyingProvider
	if deps.UnderlyingCache != nil {
		provider = service.NewUnderlyingService(deps.UnderlyingCache, a.cfg.Underlying.MemoTTL.Duration)
	}

	engine, err := risk.NewEngine(a.cfg.Risk.ToRisk(), book, provider, a.logger)
	if err != nil {
		return nil, err
	}

	c := &core{
		book:      book,
		engine:    engine,
		positions: service.NewPositionService(book, deps.Records, deps.Bus, deps.Audit, a.logger),
		dist:      feed.NewDistributor(a.logger),
	}
	if deps.Notifier != nil {
		c.positions.SetAlerter(deps.Notifier)
	}

	if deps.Router != nil {
		c.coord = exit.NewCoordinator(book, deps.Records, deps.Locks, deps.Router, a.logger,
			exit.WithPriceCache(deps.PriceCache),
			exit.WithAudit(deps.Audit),
			exit.WithAlerter(deps.Notifier),
		)
		c.sweeper = service.NewSweeper(book, engine, c.coord, a.logger)
		c.sweeper.SetIntervals(a.cfg.Risk.SweepActive.Duration, a.cfg.Risk.SweepIdle.Duration)
	}

	// Every mode feeds the book.
	c.dist.Register(func(ctx context.Context, tick domain.Tick) {
		_ = book.OnTick(ctx, tick)
	})

	return c, nil
}

// LiveMode manages real positions: broker feed in, rule sweep, broker
// orders out, journal to Postgres and ticks to the bus.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode")
	return a.runTrading(ctx, deps, true)
}

// PaperMode runs the identical pipeline against the real market feed but
// fills exits instantly in memory. Nothing leaves the process.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode")
	return a.runTrading(ctx, deps, false)
}

func (a *App) runTrading(ctx context.Context, deps *Dependencies, live bool) error {
	c, err := a.buildCore(deps)
	if err != nil {
		return err
	}

	// A live process shares its ticks: price cache for exit bookkeeping and
	// the bus for monitor processes.
	if live && deps.PriceCache != nil {
		c.dist.Register(func(ctx context.Context, tick domain.Tick) {
			if !tick.Valid() {
				return
			}
			if err := deps.PriceCache.SetPrice(ctx, tick.Key(), tick.LastPrice, tick.Timestamp); err != nil {
				a.logger.DebugContext(ctx, "price cache write failed", slog.String("error", err.Error()))
			}
		})
	}
	if live && deps.Bus != nil {
		c.dist.Register(func(ctx context.Context, tick domain.Tick) {
			payload, err := json.Marshal(tick)
			if err != nil {
				return
			}
			if err := deps.Bus.Publish(ctx, ticksChannel, payload); err != nil {
				a.logger.DebugContext(ctx, "tick publish failed", slog.String("error", err.Error()))
			}
		})
	}

	restored, err := c.positions.Restore(ctx)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "book restored", slog.Int("positions", restored))

	g, ctx := errgroup.WithContext(ctx)

	// Broker market feed, subscribed to the watchlist plus everything the
	// restored book needs.
	wsFeed := feed.NewWSFeed(a.cfg.Broker.WSURL, a.cfg.Broker.AccessToken, a.feedInstruments(c.book), c.dist, a.logger)
	g.Go(func() error {
		return wsFeed.Run(ctx)
	})

	g.Go(func() error {
		return c.sweeper.Run(ctx)
	})

	if deps.Archiver != nil {
		scheduler := service.NewArchiveScheduler(deps.Archiver, a.cfg.S3.ArchiveAt.Duration, a.logger)
		g.Go(func() error {
			return scheduler.Run(ctx)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c)
	}

	return g.Wait()
}

// MonitorMode serves the dashboard API over a book mirrored from the bus:
// it consumes the live process's ticks and journal but never routes orders.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	c, err := a.buildCore(deps)
	if err != nil {
		return err
	}

	if _, err := c.positions.Restore(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	busFeeder := feed.NewBusFeeder(deps.Bus, ticksChannel, c.dist, a.logger)
	g.Go(func() error {
		return busFeeder.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c)
	}

	return g.Wait()
}

// feedInstruments merges the configured watchlist with the instruments and
// underlyings of the restored book.
func (a *App) feedInstruments(book *position.Store) []domain.InstrumentKey {
	seen := make(map[domain.InstrumentKey]bool)
	var keys []domain.InstrumentKey

	add := func(key domain.InstrumentKey) {
		if key.Valid() && !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}

	for _, raw := range a.cfg.Broker.Watch {
		seg, id, ok := strings.Cut(strings.TrimSpace(raw), ":")
		if !ok {
			a.logger.Warn("ignoring malformed watch entry", slog.String("entry", raw))
			continue
		}
		add(domain.InstrumentKey{Segment: seg, SecurityID: id})
	}

	for pos := range book.All() {
		add(pos.Key)
		if pos.Underlying != nil {
			add(*pos.Underlying)
		}
	}
	return keys
}

// startHTTPServer registers the API routes and runs the server under the
// group, shutting it down cleanly when the context ends.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core) {
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		Limiter:     deps.RateLimiter,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(strings.ToLower(a.cfg.Mode), c.book),
		Positions: handler.NewPositionHandler(c.positions, c.coord, a.logger),
		Journal:   handler.NewJournalHandler(c.positions),
		Audit:     handler.NewAuditHandler(deps.Audit),
	}, a.logger)

	g.Go(func() error {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
