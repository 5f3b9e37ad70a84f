package handler

import (
	"net/http"
	"time"
)

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	mode    string
	started time.Time
	book    interface{ Len() int }
}

// NewHealthHandler creates a HealthHandler reporting the run mode and the
// size of the live book.
func NewHealthHandler(mode string, book interface{ Len() int }) *HealthHandler {
	return &HealthHandler{
		mode:    mode,
		started: time.Now(),
		book:    book,
	}
}

// HealthCheck responds with a JSON status indicating the service is alive.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"mode":           h.mode,
		"open_positions": h.book.Len(),
		"uptime":         time.Since(h.started).Round(time.Second).String(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}
