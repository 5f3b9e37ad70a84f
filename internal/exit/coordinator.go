// Package exit turns a rule decision into exactly one closed position.
// Two fences guarantee single execution: a per-position exit lock taken
// before routing the order, and the status-guarded close on the durable
// record behind it.
package exit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/indexbot/internal/domain"
)

const defaultLockTTL = 30 * time.Second

// book is the live-position view the coordinator needs.
type book interface {
	Snapshot(id string) (domain.Position, bool)
	Mutate(id string, fn func(*domain.Position)) error
	Remove(id string) (domain.Position, bool)
}

// Alerter delivers fire-and-forget close alerts. Failures are logged and
// never affect the exit outcome.
type Alerter interface {
	PositionClosed(ctx context.Context, pos domain.Position, res domain.ExitResult)
}

// Coordinator owns the exit path. Everything except the book, the router
// and the lock manager is optional.
type Coordinator struct {
	book    book
	records domain.PositionRecordStore
	locks   domain.LockManager
	router  domain.OrderRouter
	prices  domain.PriceCache
	audit   domain.AuditStore
	alerter Alerter

	lockTTL time.Duration
	logger  *slog.Logger
}

// Option tunes the coordinator.
type Option func(*Coordinator)

// WithPriceCache resolves exit bookkeeping prices from the cache before
// falling back to the position's last tick.
func WithPriceCache(pc domain.PriceCache) Option {
	return func(c *Coordinator) { c.prices = pc }
}

// WithAudit appends an audit row per close.
func WithAudit(a domain.AuditStore) Option {
	return func(c *Coordinator) { c.audit = a }
}

// WithAlerter sends close alerts.
func WithAlerter(a Alerter) Option {
	return func(c *Coordinator) { c.alerter = a }
}

// WithLockTTL overrides the exit lock TTL.
func WithLockTTL(ttl time.Duration) Option {
	return func(c *Coordinator) { c.lockTTL = ttl }
}

// NewCoordinator wires the exit path.
func NewCoordinator(b book, records domain.PositionRecordStore, locks domain.LockManager, router domain.OrderRouter, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		book:    b,
		records: records,
		locks:   locks,
		router:  router,
		lockTTL: defaultLockTTL,
		logger:  logger.With(slog.String("component", "exit_coordinator")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExecuteExit closes the position for the decided reason. Concurrent calls
// for the same position collapse to one real exit; the losers observe
// AlreadyClosed. A failed broker order leaves the position open and under
// management, to be retried on the next sweep.
func (c *Coordinator) ExecuteExit(ctx context.Context, id string, decision domain.Decision) (domain.ExitResult, error) {
	if !decision.Exit {
		return domain.ExitResult{}, fmt.Errorf("exit: position %s: decision carries no exit", id)
	}

	pos, ok := c.book.Snapshot(id)
	if !ok {
		return domain.ExitResult{AlreadyClosed: true}, nil
	}

	unlock, err := c.locks.Acquire(ctx, "exit:"+id, c.lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.ExitResult{AlreadyClosed: true}, nil
		}
		return domain.ExitResult{}, fmt.Errorf("exit: acquire lock for %s: %w", id, err)
	}
	defer unlock()

	// Second look under the lock: the record may have been closed by the
	// exit that beat us to it.
	closed, err := c.records.IsClosed(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.ExitResult{}, fmt.Errorf("exit: check record for %s: %w", id, err)
	}
	if closed {
		c.book.Remove(id)
		return domain.ExitResult{AlreadyClosed: true}, nil
	}

	if err := c.book.Mutate(id, func(p *domain.Position) {
		p.Status = domain.PositionStatusExiting
	}); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ExitResult{AlreadyClosed: true}, nil
		}
		return domain.ExitResult{}, fmt.Errorf("exit: mark exiting %s: %w", id, err)
	}

	res, err := c.router.ExitMarket(ctx, pos)
	if err != nil || !res.Success {
		// Back to open so the sweep keeps watching and retries.
		_ = c.book.Mutate(id, func(p *domain.Position) {
			p.Status = domain.PositionStatusOpen
		})
		if err == nil {
			err = fmt.Errorf("exit: broker rejected order for %s: %s", id, res.Message)
		} else {
			err = fmt.Errorf("exit: route order for %s: %w", id, err)
		}
		c.logger.ErrorContext(ctx, "exit order failed, position stays open",
			slog.String("position_id", id),
			slog.String("reason", string(decision.Reason)),
			slog.String("error", err.Error()),
		)
		return domain.ExitResult{}, err
	}

	exitPrice := c.resolveExitPrice(ctx, pos, res)

	if err := c.records.MarkClosed(ctx, id, exitPrice, decision.Reason); err != nil {
		if errors.Is(err, domain.ErrAlreadyClosed) {
			// The lock should make this impossible; a filled order on an
			// already-closed record means a double exit slipped through.
			c.logger.ErrorContext(ctx, "order filled for already-closed record",
				slog.String("position_id", id),
				slog.String("order_id", res.OrderID),
			)
			c.book.Remove(id)
			return domain.ExitResult{AlreadyClosed: true}, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			// The broker position is flat either way; keep going but leave a
			// loud trace for reconciliation.
			c.logger.ErrorContext(ctx, "close persisted at broker but not in record store",
				slog.String("position_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	final, _ := c.book.Remove(id)
	if final.ID == "" {
		final = pos
	}
	final.Status = domain.PositionStatusClosed
	final.ExitReason = decision.Reason
	final.ExitPrice = &exitPrice

	result := domain.ExitResult{Closed: true, ExitPrice: exitPrice, Reason: decision.Reason}

	c.logger.InfoContext(ctx, "position closed",
		slog.String("position_id", id),
		slog.String("instrument", pos.Key.String()),
		slog.String("reason", string(decision.Reason)),
		slog.String("detail", decision.Detail),
		slog.Float64("exit_price", exitPrice),
		slog.Float64("pnl_pct", final.PnLPct),
	)

	if c.audit != nil {
		if err := c.audit.Log(ctx, "position_closed", map[string]any{
			"position_id": id,
			"instrument":  pos.Key.String(),
			"reason":      string(decision.Reason),
			"detail":      decision.Detail,
			"exit_price":  exitPrice,
			"order_id":    res.OrderID,
		}); err != nil {
			c.logger.WarnContext(ctx, "audit write failed",
				slog.String("position_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	if c.alerter != nil {
		c.alerter.PositionClosed(ctx, final, result)
	}

	return result, nil
}

// resolveExitPrice prefers the broker fill, then the price cache, then the
// last tick, then entry as the final fallback. Bookkeeping only; the
// broker's fill is the economic truth.
func (c *Coordinator) resolveExitPrice(ctx context.Context, pos domain.Position, res domain.OrderResult) float64 {
	if res.FillPrice > 0 {
		return res.FillPrice
	}
	if c.prices != nil {
		if price, _, err := c.prices.GetPrice(ctx, pos.Key); err == nil && price > 0 {
			return price
		}
	}
	if pos.LastPrice > 0 {
		return pos.LastPrice
	}
	return pos.EntryPrice
}
