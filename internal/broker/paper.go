package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/alanyoungcy/indexbot/internal/domain"
)

// PaperRouter fills exit orders instantly at the best price it can see:
// the price cache first, then the position's last tick. It never talks to
// a broker.
type PaperRouter struct {
	prices domain.PriceCache
	seq    atomic.Int64
	logger *slog.Logger
}

var _ domain.OrderRouter = (*PaperRouter)(nil)

// NewPaperRouter creates a paper router. prices may be nil.
func NewPaperRouter(prices domain.PriceCache, logger *slog.Logger) *PaperRouter {
	return &PaperRouter{
		prices: prices,
		logger: logger.With(slog.String("component", "paper_router")),
	}
}

// ExitMarket simulates an immediate market fill.
func (r *PaperRouter) ExitMarket(ctx context.Context, pos domain.Position) (domain.OrderResult, error) {
	price := pos.LastPrice
	if r.prices != nil {
		if p, _, err := r.prices.GetPrice(ctx, pos.Key); err == nil && p > 0 {
			price = p
		}
	}
	if price <= 0 {
		price = pos.EntryPrice
	}

	orderID := fmt.Sprintf("paper-%d", r.seq.Add(1))
	r.logger.InfoContext(ctx, "paper fill",
		slog.String("position_id", pos.ID),
		slog.String("instrument", pos.Key.String()),
		slog.String("order_id", orderID),
		slog.Float64("price", price),
	)
	return domain.OrderResult{Success: true, OrderID: orderID, FillPrice: price}, nil
}
