// Package feed ingests market data from the broker WebSocket and fans it
// out to the tick consumers: the position store, the price cache and the
// signal bus.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/indexbot/internal/domain"
)

// TickHandler consumes one normalized tick. Handlers must be fast; the
// distributor calls them inline on the read path.
type TickHandler func(ctx context.Context, tick domain.Tick)

// Distributor fans each tick out to its registered handlers. Registration
// happens during wiring, before the feed starts, so dispatch needs no lock.
type Distributor struct {
	handlers []TickHandler
	logger   *slog.Logger
}

// NewDistributor creates an empty distributor.
func NewDistributor(logger *slog.Logger) *Distributor {
	return &Distributor{logger: logger.With(slog.String("component", "tick_distributor"))}
}

// Register adds a handler. Not safe to call once dispatching has started.
func (d *Distributor) Register(h TickHandler) {
	d.handlers = append(d.handlers, h)
}

// Dispatch delivers the tick to every handler in registration order.
func (d *Distributor) Dispatch(ctx context.Context, tick domain.Tick) {
	for _, h := range d.handlers {
		h(ctx, tick)
	}
}

// BusFeeder subscribes to the tick channel on the signal bus and feeds the
// distributor. It lets a monitor-mode process consume ticks published by
// the trading process instead of holding its own broker connection.
type BusFeeder struct {
	bus     domain.SignalBus
	channel string
	dist    *Distributor
	logger  *slog.Logger
}

// NewBusFeeder creates a feeder on the given bus channel.
func NewBusFeeder(bus domain.SignalBus, channel string, dist *Distributor, logger *slog.Logger) *BusFeeder {
	return &BusFeeder{
		bus:     bus,
		channel: channel,
		dist:    dist,
		logger:  logger.With(slog.String("component", "bus_feeder")),
	}
}

// Run subscribes and dispatches until ctx is cancelled.
func (f *BusFeeder) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, f.channel)
	if err != nil {
		return err
	}
	f.logger.Info("bus feeder started", slog.String("channel", f.channel))
	defer f.logger.Info("bus feeder stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			var tick domain.Tick
			if err := json.Unmarshal(data, &tick); err != nil {
				f.logger.Debug("bus feeder: bad payload",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
				continue
			}
			f.dist.Dispatch(ctx, tick)
		}
	}
}
