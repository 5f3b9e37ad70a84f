// Package schedule computes the adaptive drawdown allowances used by the
// trailing engine. Both curves are pure functions of their inputs so they
// can be tested in isolation.
package schedule

import (
	"math"
	"time"

	"github.com/alanyoungcy/indexbot/internal/domain"
)

// UpwardConfig parameterizes the profit-protection curve: how much
// drawdown from peak profit is tolerated before an adaptive-trailing exit.
type UpwardConfig struct {
	// ActivationProfitPct is the peak profit below which the curve is
	// inactive. Peak values at or below zero are always inactive.
	ActivationProfitPct float64
	// FullProfitPct is the peak profit at which the allowance has fully
	// decayed to the floor region.
	FullProfitPct float64
	// WideAllowancePct is the allowance granted just past activation.
	WideAllowancePct float64
	// DecayRate controls how fast the allowance shrinks as peak grows.
	DecayRate float64
	// ClassFloorPct is the minimum allowance per instrument class.
	ClassFloorPct map[domain.InstrumentClass]float64
	// DefaultFloorPct applies to classes missing from ClassFloorPct.
	DefaultFloorPct float64
}

// DownwardConfig parameterizes the loss-tightening curve: how much loss is
// tolerated before an adaptive stop, shrinking with depth, time underwater
// and volatility collapse.
type DownwardConfig struct {
	// MaxTolerancePct is the loss tolerated near entry (loss ~ 0).
	MaxTolerancePct float64
	// MinTolerancePct is the loss tolerated once the loss has deepened to
	// InterpEndLossPct or beyond.
	MinTolerancePct float64
	// InterpEndLossPct is the loss depth at which interpolation bottoms
	// out at MinTolerancePct.
	InterpEndLossPct float64
	// TimePenaltyPctPerMin tightens the tolerance for every full minute
	// the position has been underwater.
	TimePenaltyPctPerMin float64
	// VolPenalties tighten further when the volatility ratio drops below
	// each threshold. Evaluated in order; all matching penalties apply.
	VolPenalties []VolPenalty
	// FloorPct is the hard minimum tolerance; always positive.
	FloorPct float64
}

// VolPenalty subtracts PenaltyPct from the loss tolerance when the
// volatility ratio is below BelowRatio.
type VolPenalty struct {
	BelowRatio float64
	PenaltyPct float64
}

// DefaultUpward returns the production profit-protection parameters.
func DefaultUpward() UpwardConfig {
	return UpwardConfig{
		ActivationProfitPct: 3,
		FullProfitPct:       50,
		WideAllowancePct:    12,
		DecayRate:           2.2,
		ClassFloorPct: map[domain.InstrumentClass]float64{
			domain.ClassIndex: 2.0,
			domain.ClassStock: 3.0,
		},
		DefaultFloorPct: 2.5,
	}
}

// DefaultDownward returns the production loss-tightening parameters.
func DefaultDownward() DownwardConfig {
	return DownwardConfig{
		MaxTolerancePct:      25,
		MinTolerancePct:      12,
		InterpEndLossPct:     20,
		TimePenaltyPctPerMin: 0.5,
		VolPenalties: []VolPenalty{
			{BelowRatio: 0.8, PenaltyPct: 2},
			{BelowRatio: 0.6, PenaltyPct: 3},
		},
		FloorPct: 5,
	}
}

// AllowedUpwardDrawdown returns the drawdown from peak tolerated at the
// given peak profit, and whether the curve is active at all. The curve is
// inactive below the activation profit and for any peak at or below zero.
// Once active it is non-increasing in peak and never below the class floor.
func AllowedUpwardDrawdown(cfg UpwardConfig, peakProfitPct float64, class domain.InstrumentClass) (float64, bool) {
	if peakProfitPct <= 0 || peakProfitPct < cfg.ActivationProfitPct {
		return 0, false
	}

	floor := cfg.DefaultFloorPct
	if f, ok := cfg.ClassFloorPct[class]; ok {
		floor = f
	}

	span := cfg.FullProfitPct - cfg.ActivationProfitPct
	if span <= 0 {
		return floor, true
	}
	norm := (peakProfitPct - cfg.ActivationProfitPct) / span
	if norm > 1 {
		norm = 1
	}

	allowed := floor + (cfg.WideAllowancePct-floor)*math.Exp(-cfg.DecayRate*norm)
	if allowed < floor {
		allowed = floor
	}
	return allowed, true
}

// AllowedDownwardLoss returns the loss tolerated for an underwater
// position given the current loss depth (positive percent), the length of
// the current underwater spell, and the volatility ratio. The result is
// clamped at the configured floor and is never zero or negative.
func AllowedDownwardLoss(cfg DownwardConfig, currentLossPct float64, underwater time.Duration, volRatio float64) float64 {
	if currentLossPct < 0 {
		currentLossPct = 0
	}

	t := 0.0
	if cfg.InterpEndLossPct > 0 {
		t = currentLossPct / cfg.InterpEndLossPct
		if t > 1 {
			t = 1
		}
	}
	allowed := cfg.MaxTolerancePct + (cfg.MinTolerancePct-cfg.MaxTolerancePct)*t

	if underwater > 0 && cfg.TimePenaltyPctPerMin > 0 {
		allowed -= cfg.TimePenaltyPctPerMin * math.Floor(underwater.Minutes())
	}

	for _, vp := range cfg.VolPenalties {
		if volRatio < vp.BelowRatio {
			allowed -= vp.PenaltyPct
		}
	}

	if allowed < cfg.FloorPct {
		allowed = cfg.FloorPct
	}
	return allowed
}
