package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/indexbot/internal/domain"
	"github.com/alanyoungcy/indexbot/internal/service"
)

// JournalHandler serves the closed-position journal.
type JournalHandler struct {
	svc *service.PositionService
}

// NewJournalHandler creates a JournalHandler.
func NewJournalHandler(svc *service.PositionService) *JournalHandler {
	return &JournalHandler{svc: svc}
}

// journalEntry is the wire form of one closed position.
type journalEntry struct {
	ID         string     `json:"id"`
	Instrument string     `json:"instrument"`
	Side       string     `json:"side"`
	Quantity   int        `json:"quantity"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  *float64   `json:"exit_price"`
	ExitReason string     `json:"exit_reason"`
	OpenedAt   time.Time  `json:"opened_at"`
	ClosedAt   *time.Time `json:"closed_at"`
	PnL        float64    `json:"pnl"`
}

// ListClosed returns positions closed on the requested trading day.
// GET /api/journal?day=YYYY-MM-DD
func (h *JournalHandler) ListClosed(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseDayRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid day, want YYYY-MM-DD")
		return
	}

	closed, err := h.svc.ListClosedBetween(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "journal query failed")
		return
	}

	entries := make([]journalEntry, 0, len(closed))
	for _, pos := range closed {
		entry := journalEntry{
			ID:         pos.ID,
			Instrument: pos.Key.String(),
			Side:       string(pos.Side),
			Quantity:   pos.Quantity,
			EntryPrice: pos.EntryPrice,
			ExitPrice:  pos.ExitPrice,
			ExitReason: string(pos.ExitReason),
			OpenedAt:   pos.OpenedAt,
			ClosedAt:   pos.ClosedAt,
		}
		if pos.ExitPrice != nil {
			diff := *pos.ExitPrice - pos.EntryPrice
			if pos.Side == domain.SideSell {
				diff = -diff
			}
			entry.PnL = diff * float64(pos.Quantity)
		}
		entries = append(entries, entry)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"day":     from.Format("2006-01-02"),
		"entries": entries,
		"count":   len(entries),
	})
}
