package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/indexbot/internal/domain"
)

// posAt builds a buy-side snapshot with the given current and peak profit
// percentages on a 100-rupee entry.
func posAt(pnlPct, peakPct float64) domain.Position {
	pos := domain.Position{
		ID:         "t1",
		Key:        domain.InstrumentKey{Segment: "NSE_FNO", SecurityID: "49081"},
		Class:      domain.ClassIndex,
		Side:       domain.SideBuy,
		Quantity:   1,
		EntryPrice: 100,
		Status:     domain.PositionStatusOpen,
	}
	pos.LastPrice = 100 * (1 + pnlPct/100)
	pos.PnL = pos.LastPrice - pos.EntryPrice
	pos.PnLPct = pnlPct
	pos.PeakProfitPct = peakPct
	pos.HighWaterMark = 100 * (1 + peakPct/100)
	return pos
}

func TestPeakDrawdownInclusiveBoundary(t *testing.T) {
	te := NewTrailingEngine(DefaultConfig())
	offset := 12.0
	now := time.Now()

	pos := posAt(15, 30) // drawdown exactly 15 = threshold
	pos.TrailingOffsetPct = &offset
	dec := te.Evaluate(pos, now, 1.0)
	require.True(t, dec.Exit)
	assert.Equal(t, domain.ReasonPeakDrawdown, dec.Reason)

	pos = posAt(15.5, 30) // drawdown 14.5, just inside
	pos.TrailingOffsetPct = &offset
	dec = te.Evaluate(pos, now, 1.0)
	assert.False(t, dec.Exit)
}

func TestPeakDrawdownGating(t *testing.T) {
	te := NewTrailingEngine(DefaultConfig())
	now := time.Now()

	// Peak below the maturity gate: breaker stays disarmed even at a
	// drawdown past the threshold, and nothing else fires in its place.
	lowOffset := 12.0
	pos := posAt(4, 20)
	pos.TrailingOffsetPct = &lowOffset
	dec := te.Evaluate(pos, now, 1.0)
	assert.False(t, dec.Exit, "got %s: %s", dec.Reason, dec.Detail)

	// No locked offset yet: disarmed.
	pos = posAt(14, 30)
	pos.TrailingOffsetPct = nil
	dec = te.Evaluate(pos, now, 1.0)
	assert.False(t, dec.Exit, "got %s: %s", dec.Reason, dec.Detail)

	// Locked offset below the gate: disarmed.
	thin := 5.0
	pos = posAt(14, 30)
	pos.TrailingOffsetPct = &thin
	dec = te.Evaluate(pos, now, 1.0)
	assert.False(t, dec.Exit, "got %s: %s", dec.Reason, dec.Detail)
}

func TestSuppressedBreakerHoldsImmaturePosition(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PeakDrawdown = PeakDrawdownConfig{
		Enabled:      true,
		ThresholdPct: 5,
		Gated:        true,
		MinPeakPct:   25,
		MinOffsetPct: 10,
	}
	te := NewTrailingEngine(cfg)
	now := time.Now()

	// Peak 30%, back to 23%: drawdown 7 is past the 5-point threshold, but
	// the offset never matured to 10, so the breaker stays suppressed and
	// the position rides it out. No other upward stop may fire instead.
	pos := posAt(23, 30)
	dec := te.Evaluate(pos, now, 1.0)
	assert.False(t, dec.Exit, "got %s: %s", dec.Reason, dec.Detail)

	thin := 5.0
	pos.TrailingOffsetPct = &thin
	dec = te.Evaluate(pos, now, 1.0)
	assert.False(t, dec.Exit, "got %s: %s", dec.Reason, dec.Detail)

	// Once the offset matures, the same drawdown trips the breaker.
	mature := 12.0
	pos.TrailingOffsetPct = &mature
	dec = te.Evaluate(pos, now, 1.0)
	require.True(t, dec.Exit)
	assert.Equal(t, domain.ReasonPeakDrawdown, dec.Reason)
}

func TestPeakDrawdownNeverFiresWithoutPositivePeak(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PeakDrawdown.Gated = false
	// Loosen the loss curve so the adaptive stop stays quiet.
	cfg.Downward.MaxTolerancePct = 100
	cfg.Downward.MinTolerancePct = 90
	te := NewTrailingEngine(cfg)

	// A pure loser has drawdown 16 >= 15, but its peak never went positive.
	pos := posAt(-16, 0)
	dec := te.Evaluate(pos, time.Now(), 1.0)
	assert.False(t, dec.Exit, "got %s: %s", dec.Reason, dec.Detail)
}

func TestAdaptiveTrailingOnGiveback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PeakDrawdown.Enabled = false // adaptive curve owns the upside
	te := NewTrailingEngine(cfg)

	// Peak 10% is past activation; the allowance there is well under the
	// 9.5-point giveback.
	pos := posAt(0.5, 10)
	dec := te.Evaluate(pos, time.Now(), 1.0)
	require.True(t, dec.Exit)
	assert.Equal(t, domain.ReasonAdaptiveTrailing, dec.Reason)

	// Small giveback at the same peak holds.
	pos = posAt(8, 10)
	dec = te.Evaluate(pos, time.Now(), 1.0)
	assert.False(t, dec.Exit)
}

func TestBreakerDisplacesAdaptiveTrailing(t *testing.T) {
	te := NewTrailingEngine(DefaultConfig())

	// Same giveback as above, but the breaker is enabled, so the adaptive
	// curve must not fire; with the gate unsatisfied nothing does.
	pos := posAt(0.5, 10)
	dec := te.Evaluate(pos, time.Now(), 1.0)
	assert.False(t, dec.Exit, "got %s: %s", dec.Reason, dec.Detail)
}

func TestFixedDropBeforeCurveActivates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PeakDrawdown.Enabled = false
	te := NewTrailingEngine(cfg)

	// Peak 2% never activated the adaptive curve, but the price retraced
	// 10 points from the high-water mark.
	pos := posAt(-8, 2)
	dec := te.Evaluate(pos, time.Now(), 1.0)
	require.True(t, dec.Exit)
	assert.Equal(t, domain.ReasonHighWaterDrop, dec.Reason)
}

func TestAdaptiveStopTightensWithTimeUnderwater(t *testing.T) {
	te := NewTrailingEngine(DefaultConfig())
	now := time.Now()

	// A 10% loss just opened is within tolerance.
	pos := posAt(-10, 0)
	since := now
	pos.UnderwaterSince = &since
	dec := te.Evaluate(pos, now, 1.0)
	assert.False(t, dec.Exit)

	// The same loss after twenty minutes underwater is not.
	old := now.Add(-20 * time.Minute)
	pos.UnderwaterSince = &old
	dec = te.Evaluate(pos, now, 1.0)
	require.True(t, dec.Exit)
	assert.Equal(t, domain.ReasonAdaptiveStop, dec.Reason)
}

func TestAdaptiveStopTightensWithVolCollapse(t *testing.T) {
	te := NewTrailingEngine(DefaultConfig())
	now := time.Now()

	pos := posAt(-13, 0)
	since := now
	pos.UnderwaterSince = &since

	dec := te.Evaluate(pos, now, 1.0)
	assert.False(t, dec.Exit, "healthy volatility tolerates a 13%% dip")

	dec = te.Evaluate(pos, now, 0.5)
	require.True(t, dec.Exit)
	assert.Equal(t, domain.ReasonAdaptiveStop, dec.Reason)
}

func TestDeepLossAlwaysStopsOut(t *testing.T) {
	te := NewTrailingEngine(DefaultConfig())

	pos := posAt(-40, 0)
	dec := te.Evaluate(pos, time.Now(), 1.0)
	require.True(t, dec.Exit)
	assert.Equal(t, domain.ReasonAdaptiveStop, dec.Reason)
}
