// Package service holds the application services: position lifecycle,
// the risk sweep loop, underlying-health reads and the end-of-day
// archiver.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/indexbot/internal/domain"
	"github.com/alanyoungcy/indexbot/internal/position"
)

// positionsChannel is the bus channel carrying lifecycle events.
const positionsChannel = "positions"

// PositionService owns the lifecycle of managed positions: registering a
// new fill, restoring the book after a restart, and read-side views for
// the HTTP server.
type PositionService struct {
	book    *position.Store
	records domain.PositionRecordStore
	bus     domain.SignalBus
	audit   domain.AuditStore
	alerter OpenAlerter
	logger  *slog.Logger
}

// OpenAlerter is notified when a position comes under management.
type OpenAlerter interface {
	PositionOpened(ctx context.Context, pos domain.Position)
}

// NewPositionService creates a PositionService. bus and audit may be nil.
func NewPositionService(
	book *position.Store,
	records domain.PositionRecordStore,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		book:    book,
		records: records,
		bus:     bus,
		audit:   audit,
		logger:  logger.With(slog.String("component", "position_service")),
	}
}

// SetAlerter enables open-position notifications.
func (s *PositionService) SetAlerter(a OpenAlerter) {
	s.alerter = a
}

// AddPosition registers a freshly filled leg for risk management. A
// missing ID gets a generated one. The durable record is written first;
// only then does the position enter the live book.
func (s *PositionService) AddPosition(ctx context.Context, pos domain.Position) (domain.Position, error) {
	if pos.ID == "" {
		pos.ID = uuid.New().String()
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = time.Now().UTC()
	}
	pos.Status = domain.PositionStatusOpen

	if err := pos.Validate(); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: add: %w", err)
	}

	if err := s.records.Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: persist %s: %w", pos.ID, err)
	}
	if err := s.book.Add(pos); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: book %s: %w", pos.ID, err)
	}

	s.publish(ctx, "position_opened", pos)
	if s.alerter != nil {
		s.alerter.PositionOpened(ctx, pos)
	}
	if s.audit != nil {
		if err := s.audit.Log(ctx, "position_opened", map[string]any{
			"position_id": pos.ID,
			"instrument":  pos.Key.String(),
			"side":        string(pos.Side),
			"quantity":    pos.Quantity,
			"entry_price": pos.EntryPrice,
		}); err != nil {
			s.logger.WarnContext(ctx, "audit log failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "position under management",
		slog.String("position_id", pos.ID),
		slog.String("instrument", pos.Key.String()),
		slog.String("side", string(pos.Side)),
		slog.Int("quantity", pos.Quantity),
		slog.Float64("entry_price", pos.EntryPrice),
	)
	return pos, nil
}

// Restore reloads every open record into the live book after a restart.
// Peak profit restarts from zero: trailing history does not survive a
// crash, only the durable thresholds do.
func (s *PositionService) Restore(ctx context.Context) (int, error) {
	open, err := s.records.ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("position_service: restore: %w", err)
	}
	restored := 0
	for _, pos := range open {
		if err := s.book.Add(pos); err != nil {
			s.logger.WarnContext(ctx, "restore skipped position",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		restored++
	}
	if restored > 0 {
		s.logger.InfoContext(ctx, "restored open positions", slog.Int("count", restored))
	}
	return restored, nil
}

// Snapshots returns the dashboard view of every managed position.
func (s *PositionService) Snapshots() []domain.Snapshot {
	out := make([]domain.Snapshot, 0, s.book.Len())
	for pos := range s.book.All() {
		out = append(out, pos.Snapshot())
	}
	return out
}

// Snapshot returns one position's dashboard view.
func (s *PositionService) Snapshot(id string) (domain.Snapshot, bool) {
	pos, ok := s.book.Snapshot(id)
	if !ok {
		return domain.Snapshot{}, false
	}
	return pos.Snapshot(), true
}

// ListClosedBetween exposes closed records for the journal endpoints.
func (s *PositionService) ListClosedBetween(ctx context.Context, from, to time.Time) ([]domain.Position, error) {
	return s.records.ListClosedBetween(ctx, from, to)
}

func (s *PositionService) publish(ctx context.Context, event string, pos domain.Position) {
	if s.bus == nil {
		return
	}
	evt, _ := json.Marshal(map[string]any{
		"event":       event,
		"position_id": pos.ID,
		"instrument":  pos.Key.String(),
		"side":        string(pos.Side),
		"entry_price": pos.EntryPrice,
		"quantity":    pos.Quantity,
	})
	if err := s.bus.Publish(ctx, positionsChannel, evt); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("event", event),
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}
