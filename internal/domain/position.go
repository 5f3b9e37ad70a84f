package domain

import (
	"fmt"
	"time"
)

// PositionStatus tracks the lifecycle of a managed position.
// A position moves open -> exiting -> closed; open -> closed happens
// exactly once.
type PositionStatus string

const (
	PositionStatusOpen    PositionStatus = "open"
	PositionStatusExiting PositionStatus = "exiting"
	PositionStatusClosed  PositionStatus = "closed"
)

// Side is the direction of an option leg.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// InstrumentClass groups instruments that share risk parameters, such as
// the trailing-allowance floor.
type InstrumentClass string

const (
	ClassIndex InstrumentClass = "index"
	ClassStock InstrumentClass = "stock"
)

// InstrumentKey identifies a tradable instrument by exchange segment and
// security ID, e.g. {NSE_FNO 49081}.
type InstrumentKey struct {
	Segment    string
	SecurityID string
}

// String renders the key in "segment:security_id" form, which is also the
// cache key format.
func (k InstrumentKey) String() string {
	return k.Segment + ":" + k.SecurityID
}

// Valid reports whether both identity components are present.
func (k InstrumentKey) Valid() bool {
	return k.Segment != "" && k.SecurityID != ""
}

// Position is one open options leg under risk management. PnL fields are
// recomputed on every tick; PeakProfitPct is a max-over-time and never
// decreases while the position is open.
type Position struct {
	ID         string
	Key        InstrumentKey
	Class      InstrumentClass
	Side       Side
	Quantity   int
	EntryPrice float64

	// Market state, updated by the tick path.
	LastPrice  float64
	LastTickAt time.Time

	// PnL state.
	PnL           float64
	PnLPct        float64
	HighWaterMark float64 // best favorable price since entry
	PeakProfitPct float64 // monotonic max of PnLPct since entry
	// UnderwaterSince marks the start of the current continuous spell of
	// negative PnL; nil while the position is at or above breakeven.
	UnderwaterSince *time.Time

	// Static exit thresholds. Percent thresholds are relative to entry
	// (stop-loss negative, take-profit positive); price thresholds are
	// absolute; rupee thresholds bound absolute PnL.
	StopLossPct     *float64
	TakeProfitPct   *float64
	StopLossPrice   *float64
	TakeProfitPrice *float64
	RupeeStopLoss   *float64
	RupeeTakeProfit *float64

	// TrailingOffsetPct is the profit percent locked in by the trailing
	// stop, relative to entry. Once set it only moves in the protective
	// direction (upward). Nil until the first tier or breakeven lock.
	TrailingOffsetPct *float64

	// Underlying links the leg to its index for underlying-aware exits.
	Underlying *InstrumentKey

	Status        PositionStatus
	OpenedAt      time.Time
	SessionExitAt *time.Time
	ClosedAt      *time.Time
	ExitPrice     *float64
	ExitReason    ExitReason
}

// ApplyPrice updates market and PnL state for a new last-traded price.
// PeakProfitPct and HighWaterMark only ever move in the favorable
// direction, so out-of-order or duplicate ticks cannot regress them.
func (p *Position) ApplyPrice(price float64, ts time.Time) {
	p.LastPrice = price
	p.LastTickAt = ts

	switch p.Side {
	case SideSell:
		p.PnL = (p.EntryPrice - price) * float64(p.Quantity)
		if p.HighWaterMark == 0 || price < p.HighWaterMark {
			p.HighWaterMark = price
		}
	default:
		p.PnL = (price - p.EntryPrice) * float64(p.Quantity)
		if price > p.HighWaterMark {
			p.HighWaterMark = price
		}
	}

	if p.EntryPrice > 0 {
		switch p.Side {
		case SideSell:
			p.PnLPct = (p.EntryPrice - price) / p.EntryPrice * 100
		default:
			p.PnLPct = (price - p.EntryPrice) / p.EntryPrice * 100
		}
	}

	if p.PnLPct > p.PeakProfitPct {
		p.PeakProfitPct = p.PnLPct
	}

	if p.PnLPct < 0 {
		if p.UnderwaterSince == nil {
			t := ts
			p.UnderwaterSince = &t
		}
	} else {
		p.UnderwaterSince = nil
	}
}

// Underwater returns how long the position has been in its current
// negative-PnL spell, or zero if it is at or above breakeven.
func (p Position) Underwater(now time.Time) time.Duration {
	if p.UnderwaterSince == nil {
		return 0
	}
	d := now.Sub(*p.UnderwaterSince)
	if d < 0 {
		return 0
	}
	return d
}

// DrawdownPct is the distance from peak profit to current profit, in
// percentage points of entry price.
func (p Position) DrawdownPct() float64 {
	return p.PeakProfitPct - p.PnLPct
}

// HighWaterDropPct is the adverse retracement from the high-water-mark
// price, expressed as a percent of entry price.
func (p Position) HighWaterDropPct() float64 {
	if p.EntryPrice <= 0 || p.HighWaterMark == 0 {
		return 0
	}
	var drop float64
	switch p.Side {
	case SideSell:
		drop = p.LastPrice - p.HighWaterMark
	default:
		drop = p.HighWaterMark - p.LastPrice
	}
	if drop < 0 {
		return 0
	}
	return drop / p.EntryPrice * 100
}

// Snapshot is the read-only view of a position exposed to dashboards
// and alerting.
type Snapshot struct {
	ID            string         `json:"id"`
	Instrument    string         `json:"instrument"`
	Side          Side           `json:"side"`
	Quantity      int            `json:"quantity"`
	EntryPrice    float64        `json:"entry_price"`
	LastPrice     float64        `json:"last_price"`
	PnL           float64        `json:"pnl"`
	PnLPct        float64        `json:"pnl_pct"`
	PeakProfitPct float64        `json:"peak_profit_pct"`
	SLOffsetPct   *float64       `json:"sl_offset_pct,omitempty"`
	Status        PositionStatus `json:"status"`
	OpenedAt      time.Time      `json:"opened_at"`
}

// Snapshot builds the dashboard view of the position.
func (p Position) Snapshot() Snapshot {
	return Snapshot{
		ID:            p.ID,
		Instrument:    p.Key.String(),
		Side:          p.Side,
		Quantity:      p.Quantity,
		EntryPrice:    p.EntryPrice,
		LastPrice:     p.LastPrice,
		PnL:           p.PnL,
		PnLPct:        p.PnLPct,
		PeakProfitPct: p.PeakProfitPct,
		SLOffsetPct:   p.TrailingOffsetPct,
		Status:        p.Status,
		OpenedAt:      p.OpenedAt,
	}
}

// Validate checks the fields required before a position can be managed.
func (p Position) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("position: missing id")
	}
	if !p.Key.Valid() {
		return fmt.Errorf("position %s: invalid instrument key %q", p.ID, p.Key.String())
	}
	if p.EntryPrice <= 0 {
		return fmt.Errorf("position %s: entry price must be positive, got %v", p.ID, p.EntryPrice)
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("position %s: quantity must be positive, got %d", p.ID, p.Quantity)
	}
	if p.Side != SideBuy && p.Side != SideSell {
		return fmt.Errorf("position %s: unknown side %q", p.ID, p.Side)
	}
	return nil
}
