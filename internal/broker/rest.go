// Package broker routes exit orders: a REST router for the live broker
// API and a paper router that fills instantly for dry runs.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/indexbot/internal/domain"
)

// orderRateKey is the shared rate-limit bucket for order placement.
const orderRateKey = "broker:orders"

// RESTConfig holds the live broker connection parameters.
type RESTConfig struct {
	BaseURL     string
	ClientID    string
	AccessToken string
	Timeout     time.Duration

	// OrderRateLimit / OrderRateWindow bound order placement across
	// processes. Zero disables throttling.
	OrderRateLimit  int
	OrderRateWindow time.Duration
}

// RESTRouter places market exit orders against the broker's order API.
type RESTRouter struct {
	cfg        RESTConfig
	httpClient *http.Client
	limiter    domain.RateLimiter
	logger     *slog.Logger
}

var _ domain.OrderRouter = (*RESTRouter)(nil)

// NewRESTRouter creates a live order router. limiter may be nil.
func NewRESTRouter(cfg RESTConfig, limiter domain.RateLimiter, logger *slog.Logger) *RESTRouter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &RESTRouter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		logger:     logger.With(slog.String("component", "rest_router")),
	}
}

// orderRequest is the broker's order placement payload.
type orderRequest struct {
	ClientID        string `json:"client_id"`
	TransactionType string `json:"transaction_type"`
	Segment         string `json:"exchange_segment"`
	SecurityID      string `json:"security_id"`
	Quantity        int    `json:"quantity"`
	OrderType       string `json:"order_type"`
	ProductType     string `json:"product_type"`
}

// orderResponse is the broker's order placement response.
type orderResponse struct {
	OrderID   string  `json:"order_id"`
	Status    string  `json:"order_status"`
	Message   string  `json:"message"`
	AvgPrice  float64 `json:"average_traded_price"`
	ErrorCode string  `json:"error_code"`
}

// ExitMarket places a market order that flattens the position: selling
// what was bought, buying back what was sold.
func (r *RESTRouter) ExitMarket(ctx context.Context, pos domain.Position) (domain.OrderResult, error) {
	if r.limiter != nil && r.cfg.OrderRateLimit > 0 {
		if err := r.limiter.Wait(ctx, orderRateKey, r.cfg.OrderRateLimit, r.cfg.OrderRateWindow); err != nil {
			return domain.OrderResult{}, fmt.Errorf("broker: order throttle: %w", err)
		}
	}

	txn := "SELL"
	if pos.Side == domain.SideSell {
		txn = "BUY"
	}
	payload := orderRequest{
		ClientID:        r.cfg.ClientID,
		TransactionType: txn,
		Segment:         pos.Key.Segment,
		SecurityID:      pos.Key.SecurityID,
		Quantity:        pos.Quantity,
		OrderType:       "MARKET",
		ProductType:     "INTRADAY",
	}

	respBody, err := r.doRequest(ctx, http.MethodPost, "/v2/orders", payload)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("broker: exit %s: %w", pos.Key.String(), err)
	}

	var resp orderResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return domain.OrderResult{}, fmt.Errorf("broker: decode order response: %w", err)
	}

	result := domain.OrderResult{
		OrderID:   resp.OrderID,
		FillPrice: resp.AvgPrice,
		Message:   resp.Message,
	}
	switch resp.Status {
	case "TRADED", "TRANSIT", "PENDING":
		result.Success = true
	default:
		result.Success = false
		if result.Message == "" {
			result.Message = resp.ErrorCode
		}
	}

	r.logger.InfoContext(ctx, "exit order placed",
		slog.String("position_id", pos.ID),
		slog.String("instrument", pos.Key.String()),
		slog.String("transaction", txn),
		slog.Int("quantity", pos.Quantity),
		slog.String("order_id", result.OrderID),
		slog.Bool("success", result.Success),
	)
	return result, nil
}

func (r *RESTRouter) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("access-token", r.cfg.AccessToken)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	default:
		return fmt.Errorf("http %d: %s", statusCode, bodyStr)
	}
}
