package risk

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/indexbot/internal/schedule"
)

// Tier locks in profit once current profit reaches the trigger. Applying a
// tier tightens the trailing offset; it never fires an exit by itself.
type Tier struct {
	TriggerProfitPct float64
	LockProfitPct    float64
}

// PeakDrawdownConfig is the fixed drawdown-from-peak circuit breaker that
// runs ahead of the adaptive curves.
type PeakDrawdownConfig struct {
	Enabled      bool
	ThresholdPct float64 // drawdown >= threshold trips
	// Gated restricts the rule to mature positions: peak and locked offset
	// must both have reached their minimums before the rule arms.
	Gated        bool
	MinPeakPct   float64
	MinOffsetPct float64
}

// Config collects every tunable of the rule chain.
type Config struct {
	Tiers []Tier

	// BreakevenPct locks the offset at breakeven once current profit
	// reaches this level, independent of the tier table. An operator can
	// replace the tiers without losing the floor. Zero disables it.
	BreakevenPct float64

	PeakDrawdown PeakDrawdownConfig
	Upward       schedule.UpwardConfig
	Downward     schedule.DownwardConfig

	// FixedDropPct is the high-water-mark retracement fallback used while
	// the upward curve has not activated yet.
	FixedDropPct float64

	// Underlying-health exits.
	TrendExitScore   int     // exit losing longs when trend score falls to this or below
	VolCollapseRatio float64 // take profit when vol ratio collapses below this while green

	// MaxHold force-exits a position after this duration regardless of PnL.
	// Zero disables the time exit.
	MaxHold time.Duration
}

// DefaultConfig returns the production rule parameters.
func DefaultConfig() Config {
	return Config{
		Tiers: []Tier{
			{TriggerProfitPct: 5, LockProfitPct: 0},
			{TriggerProfitPct: 10, LockProfitPct: 4},
			{TriggerProfitPct: 20, LockProfitPct: 12},
			{TriggerProfitPct: 30, LockProfitPct: 20},
		},
		BreakevenPct: 5,
		PeakDrawdown: PeakDrawdownConfig{
			Enabled:      true,
			ThresholdPct: 15,
			Gated:        true,
			MinPeakPct:   25,
			MinOffsetPct: 10,
		},
		Upward:           schedule.DefaultUpward(),
		Downward:         schedule.DefaultDownward(),
		FixedDropPct:     9,
		TrendExitScore:   5,
		VolCollapseRatio: 0.5,
		MaxHold:          0,
	}
}

// Validate rejects parameter combinations that would make the chain
// misbehave silently.
func (c Config) Validate() error {
	for i, tier := range c.Tiers {
		if tier.LockProfitPct > tier.TriggerProfitPct {
			return fmt.Errorf("risk: tier %d locks %.2f%% above its trigger %.2f%%", i, tier.LockProfitPct, tier.TriggerProfitPct)
		}
		if i > 0 && tier.TriggerProfitPct <= c.Tiers[i-1].TriggerProfitPct {
			return fmt.Errorf("risk: tier %d trigger %.2f%% not above previous tier", i, tier.TriggerProfitPct)
		}
	}
	if c.BreakevenPct < 0 {
		return fmt.Errorf("risk: breakeven trigger must not be negative, got %v", c.BreakevenPct)
	}
	if c.PeakDrawdown.Enabled && c.PeakDrawdown.ThresholdPct <= 0 {
		return fmt.Errorf("risk: peak drawdown threshold must be positive, got %v", c.PeakDrawdown.ThresholdPct)
	}
	if c.Downward.FloorPct <= 0 {
		return fmt.Errorf("risk: downward floor must be positive, got %v", c.Downward.FloorPct)
	}
	if c.FixedDropPct <= 0 {
		return fmt.Errorf("risk: fixed drop must be positive, got %v", c.FixedDropPct)
	}
	return nil
}
