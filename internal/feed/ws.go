package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/indexbot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// wsCommand is the subscribe/unsubscribe envelope sent to the broker feed.
type wsCommand struct {
	Action      string         `json:"action"`
	Instruments []wsInstrument `json:"instruments"`
}

type wsInstrument struct {
	Segment    string `json:"segment"`
	SecurityID string `json:"security_id"`
}

// wsTick is the wire shape of one broker tick. LTP arrives as a string on
// some gateways, so it is decoded leniently.
type wsTick struct {
	Type       string          `json:"type"`
	Segment    string          `json:"segment"`
	SecurityID string          `json:"security_id"`
	LTP        json.RawMessage `json:"ltp"`
	Timestamp  string          `json:"ts"`
}

// WSFeed maintains the broker market-data WebSocket: it connects,
// subscribes to the configured instruments, normalizes each tick and hands
// it to the distributor. On disconnect it reconnects with exponential
// backoff and restores subscriptions.
type WSFeed struct {
	wsURL       string
	accessToken string
	instruments []domain.InstrumentKey
	dist        *Distributor
	logger      *slog.Logger
}

// NewWSFeed creates a feed for the given instruments.
func NewWSFeed(wsURL, accessToken string, instruments []domain.InstrumentKey, dist *Distributor, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		wsURL:       wsURL,
		accessToken: accessToken,
		instruments: instruments,
		dist:        dist,
		logger:      logger.With(slog.String("component", "ws_feed")),
	}
}

// Subscribe adds instruments to the live subscription set. Effective from
// the next (re)connect; call before Run for the initial set.
func (f *WSFeed) Subscribe(keys ...domain.InstrumentKey) {
	f.instruments = append(f.instruments, keys...)
}

// Run connects and pumps ticks until ctx is cancelled. Each disconnect is
// retried with exponential backoff.
func (f *WSFeed) Run(ctx context.Context) error {
	if len(f.instruments) == 0 {
		f.logger.Info("no instruments to subscribe, feed idle")
		<-ctx.Done()
		return ctx.Err()
	}

	delay := reconnectDelay
	for {
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (f *WSFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	url := f.wsURL
	if f.accessToken != "" {
		url += "?token=" + f.accessToken
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if err := f.subscribe(conn); err != nil {
		return err
	}
	f.logger.Info("feed subscribed", slog.Int("instruments", len(f.instruments)))

	done := make(chan struct{})
	defer close(done)
	go f.pingLoop(ctx, conn, done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed: read: %w", domain.ErrWSDisconnect)
		}
		f.handleMessage(ctx, raw)
	}
}

func (f *WSFeed) subscribe(conn *websocket.Conn) error {
	instruments := make([]wsInstrument, 0, len(f.instruments))
	for _, key := range f.instruments {
		instruments = append(instruments, wsInstrument{Segment: key.Segment, SecurityID: key.SecurityID})
	}
	cmd := wsCommand{Action: "subscribe", Instruments: instruments}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	return nil
}

func (f *WSFeed) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Unblock the read loop.
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
			return
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *WSFeed) handleMessage(ctx context.Context, raw []byte) {
	var msg wsTick
	if err := json.Unmarshal(raw, &msg); err != nil {
		return // silently drop unparseable frames
	}
	if msg.Type != "" && msg.Type != "ticker" {
		return
	}

	price, ok := parsePrice(msg.LTP)
	if !ok {
		return
	}
	ts := time.Now()
	if msg.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, msg.Timestamp); err == nil {
			ts = t
		}
	}

	f.dist.Dispatch(ctx, domain.Tick{
		Segment:    msg.Segment,
		SecurityID: msg.SecurityID,
		LastPrice:  price,
		Timestamp:  ts,
	})
}

// parsePrice accepts the LTP as either a JSON number or a quoted string.
func parsePrice(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
