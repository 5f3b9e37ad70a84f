package domain

import "context"

// ExitReason is the terminal reason recorded when a position closes.
// Exactly one reason is recorded per position.
type ExitReason string

const (
	ReasonHardStopLoss         ExitReason = "hard_sl"
	ReasonHardTakeProfit       ExitReason = "hard_tp"
	ReasonRupeeStopLoss        ExitReason = "rupee_sl"
	ReasonRupeeTakeProfit      ExitReason = "rupee_tp"
	ReasonTrailingStop         ExitReason = "trailing_sl"
	ReasonPeakDrawdown         ExitReason = "peak_drawdown"
	ReasonAdaptiveTrailing     ExitReason = "adaptive_trailing"
	ReasonAdaptiveStop         ExitReason = "adaptive_stop"
	ReasonHighWaterDrop        ExitReason = "drop_from_high"
	ReasonUnderlyingStructure  ExitReason = "underlying_structure"
	ReasonUnderlyingTrend      ExitReason = "underlying_trend"
	ReasonUnderlyingVolatility ExitReason = "underlying_volatility"
	ReasonSessionEnd           ExitReason = "session_end"
	ReasonTimeExit             ExitReason = "time_exit"
	ReasonManual               ExitReason = "manual"
)

// Decision is the outcome of one exit rule for one position.
type Decision struct {
	Exit   bool
	Reason ExitReason
	Detail string
}

// NoAction is the zero decision: the rule did not fire.
func NoAction() Decision { return Decision{} }

// ExitWith builds an exit decision with the given reason and detail.
func ExitWith(reason ExitReason, detail string) Decision {
	return Decision{Exit: true, Reason: reason, Detail: detail}
}

// ExitResult reports the outcome of an ExecuteExit call.
type ExitResult struct {
	Closed        bool
	AlreadyClosed bool
	ExitPrice     float64
	Reason        ExitReason
}

// OrderResult is the broker's response to an exit order.
type OrderResult struct {
	Success   bool
	OrderID   string
	FillPrice float64
	Message   string
}

// OrderRouter places exit orders with the broker. It is the only path out
// of a position; the risk core is agnostic to paper vs. live routing.
type OrderRouter interface {
	ExitMarket(ctx context.Context, pos Position) (OrderResult, error)
}
