package service

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/indexbot/internal/domain"
	"github.com/alanyoungcy/indexbot/internal/exit"
	"github.com/alanyoungcy/indexbot/internal/position"
	"github.com/alanyoungcy/indexbot/internal/risk"
)

const (
	defaultActiveInterval = 500 * time.Millisecond
	defaultIdleInterval   = 5 * time.Second

	// maxConcurrentExits bounds broker calls per sweep; the per-position
	// lock keeps correctness regardless.
	maxConcurrentExits = 4
)

// Sweeper runs the periodic risk sweep: every interval it evaluates each
// managed position against the rule chain and executes the decided exits.
// It sweeps fast while positions are open and slows down when the book is
// empty; adds and removals wake it early.
type Sweeper struct {
	book   *position.Store
	engine *risk.Engine
	coord  *exit.Coordinator

	activeInterval time.Duration
	idleInterval   time.Duration
	logger         *slog.Logger
}

// NewSweeper creates a sweeper with the default cadence.
func NewSweeper(book *position.Store, engine *risk.Engine, coord *exit.Coordinator, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		book:           book,
		engine:         engine,
		coord:          coord,
		activeInterval: defaultActiveInterval,
		idleInterval:   defaultIdleInterval,
		logger:         logger.With(slog.String("component", "sweeper")),
	}
}

// SetIntervals overrides the sweep cadence. Non-positive values keep the
// defaults.
func (s *Sweeper) SetIntervals(active, idle time.Duration) {
	if active > 0 {
		s.activeInterval = active
	}
	if idle > 0 {
		s.idleInterval = idle
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("sweeper started",
		slog.Duration("active_interval", s.activeInterval),
		slog.Duration("idle_interval", s.idleInterval),
	)
	defer s.logger.Info("sweeper stopped")

	for {
		s.SweepOnce(ctx)

		interval := s.idleInterval
		if s.book.Len() > 0 {
			interval = s.activeInterval
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case <-s.book.Wake():
			timer.Stop()
		}
	}
}

// SweepOnce evaluates every managed position once and executes the exits.
// A failed exit is logged and left for the next sweep; one position's
// failure never blocks the rest.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentExits)

	for pos := range s.book.All() {
		if pos.Status == domain.PositionStatusExiting {
			continue // an exit is already in flight
		}
		dec := s.engine.Evaluate(ctx, pos)
		if !dec.Exit {
			continue
		}
		id := pos.ID
		g.Go(func() error {
			if _, err := s.coord.ExecuteExit(gctx, id, dec); err != nil {
				s.logger.WarnContext(gctx, "exit failed, will retry next sweep",
					slog.String("position_id", id),
					slog.String("reason", string(dec.Reason)),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}
