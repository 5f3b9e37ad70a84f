package risk

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/indexbot/internal/domain"
	"github.com/alanyoungcy/indexbot/internal/schedule"
)

// TrailingEngine runs the dynamic stops. On the profit side the two paths
// are exclusive: with the peak-drawdown breaker enabled, the tier table plus
// the breaker own the upside and the adaptive curve stays out of it; with
// the breaker disabled, the adaptive profit-protection curve runs instead,
// with the fixed high-water retracement as its pre-activation fallback.
// Underwater positions always go through the adaptive loss-tightening curve.
type TrailingEngine struct {
	peak     PeakDrawdownConfig
	upward   schedule.UpwardConfig
	downward schedule.DownwardConfig
	fixed    float64
}

// NewTrailingEngine builds the trailing engine from the chain config.
func NewTrailingEngine(cfg Config) *TrailingEngine {
	return &TrailingEngine{
		peak:     cfg.PeakDrawdown,
		upward:   cfg.Upward,
		downward: cfg.Downward,
		fixed:    cfg.FixedDropPct,
	}
}

// Evaluate checks the dynamic stops against one position snapshot.
// volRatio feeds the downward curve; pass 1.0 when the underlying's
// volatility state is unknown.
func (t *TrailingEngine) Evaluate(pos domain.Position, now time.Time, volRatio float64) domain.Decision {
	if t.peak.Enabled {
		// A suppressed breaker is a held position, not a handoff to the
		// adaptive curve: the gate exists so immature positions ride out
		// the drawdown.
		if dec := t.peakDrawdown(pos); dec.Exit {
			return dec
		}
	} else if allowed, active := schedule.AllowedUpwardDrawdown(t.upward, pos.PeakProfitPct, pos.Class); active {
		if dd := pos.DrawdownPct(); dd >= allowed {
			return domain.ExitWith(domain.ReasonAdaptiveTrailing,
				fmt.Sprintf("drawdown %.2f%% exceeded allowance %.2f%% at peak %.2f%%", dd, allowed, pos.PeakProfitPct))
		}
	} else if pos.PeakProfitPct > 0 && t.fixed > 0 {
		// Before the adaptive curve activates, a blunt retracement from the
		// high-water mark still protects early gains.
		if drop := pos.HighWaterDropPct(); drop >= t.fixed {
			return domain.ExitWith(domain.ReasonHighWaterDrop,
				fmt.Sprintf("retraced %.2f%% from high water, limit %.2f%%", drop, t.fixed))
		}
	}

	if pos.PnLPct < 0 {
		loss := -pos.PnLPct
		tolerance := schedule.AllowedDownwardLoss(t.downward, loss, pos.Underwater(now), volRatio)
		if loss >= tolerance {
			return domain.ExitWith(domain.ReasonAdaptiveStop,
				fmt.Sprintf("loss %.2f%% exceeded tolerance %.2f%%", loss, tolerance))
		}
	}

	return domain.NoAction()
}

// peakDrawdown is the fixed circuit breaker on drawdown from peak profit.
// It compares against the peak, never the current profit, and the
// threshold is inclusive. A position whose peak never went positive is
// exempt in both gated and ungated modes.
func (t *TrailingEngine) peakDrawdown(pos domain.Position) domain.Decision {
	if !t.peak.Enabled || pos.PeakProfitPct <= 0 {
		return domain.NoAction()
	}
	if t.peak.Gated {
		if pos.PeakProfitPct < t.peak.MinPeakPct {
			return domain.NoAction()
		}
		if pos.TrailingOffsetPct == nil || *pos.TrailingOffsetPct < t.peak.MinOffsetPct {
			return domain.NoAction()
		}
	}
	if dd := pos.DrawdownPct(); dd >= t.peak.ThresholdPct {
		return domain.ExitWith(domain.ReasonPeakDrawdown,
			fmt.Sprintf("drawdown %.2f%% from peak %.2f%% hit breaker %.2f%%", dd, pos.PeakProfitPct, t.peak.ThresholdPct))
	}
	return domain.NoAction()
}
