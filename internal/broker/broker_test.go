package broker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/indexbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buyPosition() domain.Position {
	return domain.Position{
		ID:         "p1",
		Key:        domain.InstrumentKey{Segment: "NSE_FNO", SecurityID: "49081"},
		Side:       domain.SideBuy,
		Quantity:   75,
		EntryPrice: 100,
		LastPrice:  92,
	}
}

func TestRESTRouterExitMarket(t *testing.T) {
	var got orderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/orders", r.URL.Path)
		assert.Equal(t, "token-123", r.Header.Get("access-token"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(orderResponse{
			OrderID: "112233", Status: "TRADED", AvgPrice: 91.85,
		})
	}))
	defer srv.Close()

	router := NewRESTRouter(RESTConfig{
		BaseURL: srv.URL, ClientID: "C1", AccessToken: "token-123",
	}, nil, testLogger())

	res, err := router.ExitMarket(context.Background(), buyPosition())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "112233", res.OrderID)
	assert.InDelta(t, 91.85, res.FillPrice, 1e-9)

	// Long legs are flattened by selling.
	assert.Equal(t, "SELL", got.TransactionType)
	assert.Equal(t, "49081", got.SecurityID)
	assert.Equal(t, 75, got.Quantity)
	assert.Equal(t, "MARKET", got.OrderType)
}

func TestRESTRouterShortLegBuysBack(t *testing.T) {
	var got orderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(orderResponse{OrderID: "1", Status: "TRANSIT"})
	}))
	defer srv.Close()

	router := NewRESTRouter(RESTConfig{BaseURL: srv.URL}, nil, testLogger())
	pos := buyPosition()
	pos.Side = domain.SideSell

	res, err := router.ExitMarket(context.Background(), pos)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "BUY", got.TransactionType)
}

func TestRESTRouterRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(orderResponse{
			Status: "REJECTED", Message: "insufficient margin",
		})
	}))
	defer srv.Close()

	router := NewRESTRouter(RESTConfig{BaseURL: srv.URL}, nil, testLogger())
	res, err := router.ExitMarket(context.Background(), buyPosition())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "insufficient margin", res.Message)
}

func TestRESTRouterUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	router := NewRESTRouter(RESTConfig{BaseURL: srv.URL}, nil, testLogger())
	_, err := router.ExitMarket(context.Background(), buyPosition())
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

type allowAllLimiter struct{ waits int }

func (l *allowAllLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}

func (l *allowAllLimiter) Wait(context.Context, string, int, time.Duration) error {
	l.waits++
	return nil
}

func TestRESTRouterThrottles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(orderResponse{OrderID: "1", Status: "TRADED"})
	}))
	defer srv.Close()

	limiter := &allowAllLimiter{}
	router := NewRESTRouter(RESTConfig{
		BaseURL: srv.URL, OrderRateLimit: 10, OrderRateWindow: time.Second,
	}, limiter, testLogger())

	_, err := router.ExitMarket(context.Background(), buyPosition())
	require.NoError(t, err)
	assert.Equal(t, 1, limiter.waits)
}

type stubPrices struct{ price float64 }

func (s *stubPrices) SetPrice(context.Context, domain.InstrumentKey, float64, time.Time) error {
	return nil
}

func (s *stubPrices) GetPrice(context.Context, domain.InstrumentKey) (float64, time.Time, error) {
	if s.price <= 0 {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return s.price, time.Now(), nil
}

func TestPaperRouterFillPriceResolution(t *testing.T) {
	ctx := context.Background()

	withCache := NewPaperRouter(&stubPrices{price: 93.4}, testLogger())
	res, err := withCache.ExitMarket(ctx, buyPosition())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.InDelta(t, 93.4, res.FillPrice, 1e-9)
	assert.NotEmpty(t, res.OrderID)

	noCache := NewPaperRouter(&stubPrices{}, testLogger())
	res, err = noCache.ExitMarket(ctx, buyPosition())
	require.NoError(t, err)
	assert.InDelta(t, 92, res.FillPrice, 1e-9, "falls back to last tick")

	stale := buyPosition()
	stale.LastPrice = 0
	res, err = noCache.ExitMarket(ctx, stale)
	require.NoError(t, err)
	assert.InDelta(t, 100, res.FillPrice, 1e-9, "entry price is the final fallback")
}
