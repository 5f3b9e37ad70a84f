package handler

import (
	"net/http"

	"github.com/alanyoungcy/indexbot/internal/domain"
)

// AuditHandler serves the append-only audit log.
type AuditHandler struct {
	audit domain.AuditStore
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(audit domain.AuditStore) *AuditHandler {
	return &AuditHandler{audit: audit}
}

// ListRecent returns the newest audit entries, newest first.
// GET /api/audit?limit=N
func (h *AuditHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50, 500)

	entries, err := h.audit.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}
