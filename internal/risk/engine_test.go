package risk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/indexbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTightener records the highest locked offset per position, mirroring
// the raise-only contract of the position store.
type fakeTightener struct {
	offsets map[string]float64
}

func newFakeTightener() *fakeTightener {
	return &fakeTightener{offsets: make(map[string]float64)}
}

func (f *fakeTightener) TightenTrailingOffset(id string, pct float64) (bool, error) {
	cur, ok := f.offsets[id]
	if ok && pct <= cur {
		return false, nil
	}
	f.offsets[id] = pct
	return true, nil
}

type fakeUnderlying struct {
	state domain.UnderlyingState
	err   error
}

func (f *fakeUnderlying) State(context.Context, domain.InstrumentKey) (domain.UnderlyingState, error) {
	return f.state, f.err
}

func newTestEngine(t *testing.T, cfg Config, tighten Tightener, provider UnderlyingProvider) *Engine {
	t.Helper()
	eng, err := NewEngine(cfg, tighten, provider, testLogger())
	require.NoError(t, err)
	return eng
}

func TestHardStopBeatsAdaptiveStop(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig(), newFakeTightener(), nil)

	sl := -10.0
	pos := posAt(-30, 0)
	pos.StopLossPct = &sl

	dec := eng.Evaluate(context.Background(), pos)
	require.True(t, dec.Exit)
	assert.Equal(t, domain.ReasonHardStopLoss, dec.Reason)
}

func TestTakeProfitFires(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig(), newFakeTightener(), nil)

	tp := 50.0
	pos := posAt(55, 55)
	pos.TakeProfitPct = &tp

	dec := eng.Evaluate(context.Background(), pos)
	require.True(t, dec.Exit)
	assert.Equal(t, domain.ReasonHardTakeProfit, dec.Reason)
}

func TestLockedOffsetStopsOutOnGiveback(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig(), newFakeTightener(), nil)

	offset := 4.0
	pos := posAt(3.9, 11)
	pos.TrailingOffsetPct = &offset

	dec := eng.Evaluate(context.Background(), pos)
	require.True(t, dec.Exit)
	assert.Equal(t, domain.ReasonTrailingStop, dec.Reason)
}

func TestTiersRatchetThenStopOut(t *testing.T) {
	tighten := newFakeTightener()
	eng := newTestEngine(t, DefaultConfig(), tighten, nil)
	ctx := context.Background()

	// First pass at 12% profit applies the 5% and 10% tiers.
	pos := posAt(12, 12)
	dec := eng.Evaluate(ctx, pos)
	assert.False(t, dec.Exit)
	assert.InDelta(t, 4, tighten.offsets[pos.ID], 1e-9)

	// Profit retreats below the locked 4%: next pass stops out.
	locked := tighten.offsets[pos.ID]
	pos = posAt(3, 12)
	pos.TrailingOffsetPct = &locked
	dec = eng.Evaluate(ctx, pos)
	require.True(t, dec.Exit)
	assert.Equal(t, domain.ReasonTrailingStop, dec.Reason)
}

func TestTiersNeverLoosen(t *testing.T) {
	tighten := newFakeTightener()
	eng := newTestEngine(t, DefaultConfig(), tighten, nil)
	ctx := context.Background()

	pos := posAt(32, 32)
	eng.Evaluate(ctx, pos)
	assert.InDelta(t, 20, tighten.offsets[pos.ID], 1e-9)

	// Profit eases slightly; re-applying lower tiers must not loosen the lock.
	locked := tighten.offsets[pos.ID]
	pos = posAt(30, 32)
	pos.TrailingOffsetPct = &locked
	dec := eng.Evaluate(ctx, pos)
	assert.False(t, dec.Exit)
	assert.InDelta(t, 20, tighten.offsets[pos.ID], 1e-9)
}

func TestBreakevenLockSurvivesCustomTiers(t *testing.T) {
	// An operator replacing the tier table must not lose the breakeven
	// floor: profit past the trigger locks offset 0 even with no matching
	// tier entry.
	cfg := DefaultConfig()
	cfg.Tiers = []Tier{
		{TriggerProfitPct: 10, LockProfitPct: 4},
		{TriggerProfitPct: 20, LockProfitPct: 12},
	}
	tighten := newFakeTightener()
	eng := newTestEngine(t, cfg, tighten, nil)
	ctx := context.Background()

	pos := posAt(6, 6)
	dec := eng.Evaluate(ctx, pos)
	assert.False(t, dec.Exit)
	locked, ok := tighten.offsets[pos.ID]
	require.True(t, ok, "breakeven must be locked past the trigger")
	assert.InDelta(t, 0, locked, 1e-9)

	// Below the trigger nothing is locked.
	tighten = newFakeTightener()
	eng = newTestEngine(t, cfg, tighten, nil)
	eng.Evaluate(ctx, posAt(4, 4))
	_, ok = tighten.offsets["t1"]
	assert.False(t, ok)
}

func TestUnderlyingStructureExit(t *testing.T) {
	provider := &fakeUnderlying{state: domain.UnderlyingState{
		TrendScore:         12,
		StructureState:     domain.StructureBroken,
		StructureDirection: domain.TrendBearish,
		VolatilityRatio:    1.0,
	}}
	eng := newTestEngine(t, DefaultConfig(), newFakeTightener(), provider)

	pos := posAt(6, 8)
	pos.Underlying = &domain.InstrumentKey{Segment: "IDX_I", SecurityID: "13"}

	dec := eng.Evaluate(context.Background(), pos)
	require.True(t, dec.Exit)
	assert.Equal(t, domain.ReasonUnderlyingStructure, dec.Reason)
}

func TestUnderlyingTrendExitOnlyWhileLosing(t *testing.T) {
	provider := &fakeUnderlying{state: domain.UnderlyingState{
		TrendScore:         3,
		StructureState:     domain.StructureIntact,
		StructureDirection: domain.TrendNeutral,
		VolatilityRatio:    1.0,
	}}
	eng := newTestEngine(t, DefaultConfig(), newFakeTightener(), provider)
	ctx := context.Background()
	underlying := domain.InstrumentKey{Segment: "IDX_I", SecurityID: "13"}

	losing := posAt(-5, 0)
	losing.Underlying = &underlying
	dec := eng.Evaluate(ctx, losing)
	require.True(t, dec.Exit)
	assert.Equal(t, domain.ReasonUnderlyingTrend, dec.Reason)

	winning := posAt(6, 8)
	winning.Underlying = &underlying
	dec = eng.Evaluate(ctx, winning)
	assert.False(t, dec.Exit)
}

func TestUnderlyingProviderFailureDoesNotBlindChain(t *testing.T) {
	provider := &fakeUnderlying{err: errors.New("redis: connection refused")}
	eng := newTestEngine(t, DefaultConfig(), newFakeTightener(), provider)

	sl := -10.0
	pos := posAt(-11, 0)
	pos.StopLossPct = &sl
	pos.Underlying = &domain.InstrumentKey{Segment: "IDX_I", SecurityID: "13"}

	dec := eng.Evaluate(context.Background(), pos)
	require.True(t, dec.Exit)
	assert.Equal(t, domain.ReasonHardStopLoss, dec.Reason)
}

func TestSessionEndExit(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig(), newFakeTightener(), nil)

	cutoff := time.Now().Add(-time.Minute)
	pos := posAt(1, 2)
	pos.SessionExitAt = &cutoff

	dec := eng.Evaluate(context.Background(), pos)
	require.True(t, dec.Exit)
	assert.Equal(t, domain.ReasonSessionEnd, dec.Reason)
}

func TestMaxHoldTimeExit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHold = time.Hour
	eng := newTestEngine(t, cfg, newFakeTightener(), nil)

	pos := posAt(1, 2)
	pos.OpenedAt = time.Now().Add(-2 * time.Hour)

	dec := eng.Evaluate(context.Background(), pos)
	require.True(t, dec.Exit)
	assert.Equal(t, domain.ReasonTimeExit, dec.Reason)
}

type panicRule struct{}

func (panicRule) Name() string { return "panic" }
func (panicRule) Evaluate(context.Context, *Eval) (domain.Decision, error) {
	panic("boom")
}

func TestPanickingRuleIsIsolated(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig(), newFakeTightener(), nil)
	eng.rules = append([]Rule{panicRule{}}, eng.rules...)

	sl := -10.0
	pos := posAt(-11, 0)
	pos.StopLossPct = &sl

	dec := eng.Evaluate(context.Background(), pos)
	require.True(t, dec.Exit)
	assert.Equal(t, domain.ReasonHardStopLoss, dec.Reason)
}

func TestQuietPositionNoAction(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig(), newFakeTightener(), nil)

	dec := eng.Evaluate(context.Background(), posAt(1, 2))
	assert.False(t, dec.Exit)
	assert.Empty(t, dec.Reason)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := DefaultConfig()
	bad.Tiers = []Tier{{TriggerProfitPct: 5, LockProfitPct: 6}}
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Tiers = []Tier{{TriggerProfitPct: 10, LockProfitPct: 4}, {TriggerProfitPct: 10, LockProfitPct: 5}}
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Downward.FloorPct = 0
	assert.Error(t, bad.Validate())
}
