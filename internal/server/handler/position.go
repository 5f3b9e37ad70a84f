package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/indexbot/internal/domain"
	"github.com/alanyoungcy/indexbot/internal/exit"
	"github.com/alanyoungcy/indexbot/internal/service"
)

// PositionHandler exposes the live book: intake of freshly filled legs,
// dashboard views, and the manual close escape hatch.
type PositionHandler struct {
	svc    *service.PositionService
	coord  *exit.Coordinator
	logger *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(svc *service.PositionService, coord *exit.Coordinator, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		svc:    svc,
		coord:  coord,
		logger: logger.With(slog.String("handler", "positions")),
	}
}

// instrumentRef is the wire form of an instrument key.
type instrumentRef struct {
	Segment    string `json:"segment"`
	SecurityID string `json:"security_id"`
}

// addPositionRequest is the intake payload for a filled leg.
type addPositionRequest struct {
	ID            string         `json:"id,omitempty"`
	Instrument    instrumentRef  `json:"instrument"`
	Class         string         `json:"class,omitempty"`
	Side          string         `json:"side"`
	Quantity      int            `json:"quantity"`
	EntryPrice    float64        `json:"entry_price"`
	StopLossPct   *float64       `json:"stop_loss_pct,omitempty"`
	TakeProfitPct *float64       `json:"take_profit_pct,omitempty"`
	StopLossPrice *float64       `json:"stop_loss_price,omitempty"`
	TakeProfitPx  *float64       `json:"take_profit_price,omitempty"`
	RupeeStopLoss *float64       `json:"rupee_stop_loss,omitempty"`
	RupeeTakePft  *float64       `json:"rupee_take_profit,omitempty"`
	Underlying    *instrumentRef `json:"underlying,omitempty"`
	SessionExitAt *time.Time     `json:"session_exit_at,omitempty"`
}

// AddPosition registers a filled leg for risk management.
// POST /api/positions
func (h *PositionHandler) AddPosition(w http.ResponseWriter, r *http.Request) {
	var req addPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	pos := domain.Position{
		ID:              req.ID,
		Key:             domain.InstrumentKey{Segment: req.Instrument.Segment, SecurityID: req.Instrument.SecurityID},
		Class:           domain.InstrumentClass(req.Class),
		Side:            domain.Side(req.Side),
		Quantity:        req.Quantity,
		EntryPrice:      req.EntryPrice,
		StopLossPct:     req.StopLossPct,
		TakeProfitPct:   req.TakeProfitPct,
		StopLossPrice:   req.StopLossPrice,
		TakeProfitPrice: req.TakeProfitPx,
		RupeeStopLoss:   req.RupeeStopLoss,
		RupeeTakeProfit: req.RupeeTakePft,
		SessionExitAt:   req.SessionExitAt,
	}
	if req.Underlying != nil {
		pos.Underlying = &domain.InstrumentKey{
			Segment:    req.Underlying.Segment,
			SecurityID: req.Underlying.SecurityID,
		}
	}

	added, err := h.svc.AddPosition(r.Context(), pos)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "position already exists")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, added.Snapshot())
}

// ListPositions returns dashboard snapshots of every managed position.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	snaps := h.svc.Snapshots()
	writeJSON(w, http.StatusOK, map[string]any{
		"positions": snaps,
		"count":     len(snaps),
	})
}

// GetPosition returns one managed position.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, ok := h.svc.Snapshot(id)
	if !ok {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ClosePosition force-closes a position at market, recording a manual exit.
// It goes through the same coordinator as rule-driven exits, so it cannot
// race a sweep into a double close.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.coord == nil {
		writeError(w, http.StatusServiceUnavailable, "manual close is not available in this mode")
		return
	}

	res, err := h.coord.ExecuteExit(r.Context(), id, domain.ExitWith(domain.ReasonManual, "operator close"))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "manual close failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if res.AlreadyClosed {
		writeError(w, http.StatusNotFound, "position not found or already closed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"closed":     res.Closed,
		"exit_price": res.ExitPrice,
		"reason":     res.Reason,
	})
}
