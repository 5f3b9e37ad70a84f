// Package notify delivers trade alerts to operators over Telegram and
// Discord. Alerts are fire-and-forget: delivery runs on its own goroutine
// with its own timeout so a slow webhook can never delay an exit.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/indexbot/internal/domain"
	"github.com/alanyoungcy/indexbot/internal/exit"
)

// sendTimeout bounds one delivery attempt across all senders.
const sendTimeout = 15 * time.Second

var _ exit.Alerter = (*Notifier)(nil)

// Sender is one delivery channel.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier formats position lifecycle events and dispatches them to all
// configured senders. It satisfies the exit coordinator's Alerter.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event types; empty means all
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to the given senders. If events
// is non-empty, only the listed event types are forwarded.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// PositionOpened alerts that a new leg came under management.
func (n *Notifier) PositionOpened(ctx context.Context, pos domain.Position) {
	title := fmt.Sprintf("Opened %s %s", strings.ToUpper(string(pos.Side)), pos.Key.String())
	message := fmt.Sprintf("qty %d @ %.2f", pos.Quantity, pos.EntryPrice)
	n.deliver(ctx, "position_opened", title, message)
}

// PositionClosed alerts that a position was exited. pos is the final closed
// snapshot; res carries the fill and the rule that fired.
func (n *Notifier) PositionClosed(ctx context.Context, pos domain.Position, res domain.ExitResult) {
	pnl := exitPnL(pos, res.ExitPrice)
	emoji := "🟢"
	if pnl < 0 {
		emoji = "🔴"
	}
	title := fmt.Sprintf("%s Closed %s %s (%s)", emoji, strings.ToUpper(string(pos.Side)), pos.Key.String(), res.Reason)
	message := fmt.Sprintf("qty %d  entry %.2f  exit %.2f  pnl %+.2f (peak %+.1f%%)",
		pos.Quantity, pos.EntryPrice, res.ExitPrice, pnl, pos.PeakProfitPct)
	n.deliver(ctx, "position_closed", title, message)
}

// deliver filters and fans out on a detached goroutine. The caller's ctx is
// only consulted for cancellation before the send starts; the send itself
// gets a fresh deadline so alerts still go out during shutdown.
func (n *Notifier) deliver(ctx context.Context, event, title, message string) {
	if len(n.senders) == 0 {
		return
	}
	if !n.allowed(event) {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return
	}

	go func() {
		sendCtx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := n.dispatch(sendCtx, title, message); err != nil {
			n.logger.Warn("alert delivery incomplete",
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// dispatch sends to every sender; one sender's failure does not prevent
// delivery to the rest. Failures are collected into a combined error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.Debug("notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

func (n *Notifier) allowed(event string) bool {
	return len(n.events) == 0 || n.events[event]
}

func exitPnL(pos domain.Position, exitPrice float64) float64 {
	diff := exitPrice - pos.EntryPrice
	if pos.Side == domain.SideSell {
		diff = -diff
	}
	return diff * float64(pos.Quantity)
}
