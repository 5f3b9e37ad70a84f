package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/indexbot/internal/broker"
	"github.com/alanyoungcy/indexbot/internal/domain"
	"github.com/alanyoungcy/indexbot/internal/exit"
	"github.com/alanyoungcy/indexbot/internal/position"
	"github.com/alanyoungcy/indexbot/internal/server/handler"
	"github.com/alanyoungcy/indexbot/internal/service"
	"github.com/alanyoungcy/indexbot/internal/store/memory"
)

const testKey = "secret"

func newTestServer(t *testing.T) (http.Handler, *position.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	book := position.NewStore(logger)
	records := memory.NewRecordStore()
	audit := memory.NewAuditStore()
	svc := service.NewPositionService(book, records, nil, audit, logger)
	coord := exit.NewCoordinator(book, records, exit.NewMemoryLockManager(), broker.NewPaperRouter(nil, logger), logger)

	srv := NewServer(Config{Port: 0, APIKey: testKey}, Handlers{
		Health:    handler.NewHealthHandler("paper", book),
		Positions: handler.NewPositionHandler(svc, coord, logger),
		Journal:   handler.NewJournalHandler(svc),
		Audit:     handler.NewAuditHandler(audit),
	}, logger)
	return srv.httpServer.Handler, book
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-API-Key", testKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func addBody() map[string]any {
	return map[string]any{
		"instrument":  map[string]string{"segment": "NSE_FNO", "security_id": "49081"},
		"side":        "buy",
		"quantity":    75,
		"entry_price": 120.5,
	}
}

func TestAuthRequired(t *testing.T) {
	h, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set("Authorization", "Bearer "+testKey)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPositionLifecycleOverHTTP(t *testing.T) {
	h, book := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/positions", addBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, 1, book.Len())

	rec = doJSON(t, h, http.MethodGet, "/api/positions/"+snap.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/positions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	// Manual close goes through the coordinator and empties the book.
	rec = doJSON(t, h, http.MethodPost, "/api/positions/"+snap.ID+"/close", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var closed struct {
		Closed bool    `json:"closed"`
		Reason string  `json:"reason"`
		Price  float64 `json:"exit_price"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &closed))
	assert.True(t, closed.Closed)
	assert.Equal(t, "manual", closed.Reason)
	assert.Equal(t, 0, book.Len())

	// Closing again reports not found.
	rec = doJSON(t, h, http.MethodPost, "/api/positions/"+snap.ID+"/close", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddPositionValidation(t *testing.T) {
	h, _ := newTestServer(t)

	body := addBody()
	body["quantity"] = 0
	rec := doJSON(t, h, http.MethodPost, "/api/positions", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJournalListsTodaysCloses(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/positions", addBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))

	rec = doJSON(t, h, http.MethodPost, "/api/positions/"+snap.ID+"/close", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/journal", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var journal struct {
		Day     string `json:"day"`
		Count   int    `json:"count"`
		Entries []struct {
			ID         string `json:"id"`
			ExitReason string `json:"exit_reason"`
		} `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &journal))
	require.Equal(t, 1, journal.Count)
	assert.Equal(t, snap.ID, journal.Entries[0].ID)
	assert.Equal(t, "manual", journal.Entries[0].ExitReason)
	assert.Equal(t, time.Now().Format("2006-01-02"), journal.Day)

	rec = doJSON(t, h, http.MethodGet, "/api/journal?day=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditTrailOverHTTP(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/api/positions", addBody())
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/audit?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var audit struct {
		Count   int `json:"count"`
		Entries []struct {
			Event string `json:"event"`
		} `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &audit))
	require.GreaterOrEqual(t, audit.Count, 1)
	assert.Equal(t, "position_opened", audit.Entries[0].Event)
}

func TestHealthNoBookRequired(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health struct {
		Status string `json:"status"`
		Mode   string `json:"mode"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "paper", health.Mode)
}
