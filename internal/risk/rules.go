package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/indexbot/internal/domain"
)

// underlyingRule exits when the health of the linked underlying index has
// turned against the position. A stale or missing snapshot is treated as
// no signal, never as an exit.
type underlyingRule struct {
	cfg Config
}

func (r *underlyingRule) Name() string { return "underlying" }

func (r *underlyingRule) Evaluate(ctx context.Context, ev *Eval) (domain.Decision, error) {
	if ev.Pos.Underlying == nil {
		return domain.NoAction(), nil
	}
	state, err := ev.UnderlyingState(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.NoAction(), nil
		}
		return domain.NoAction(), fmt.Errorf("risk: underlying %s: %w", ev.Pos.Underlying.String(), err)
	}

	if state.AgainstSide(ev.Pos.Side) {
		return domain.ExitWith(domain.ReasonUnderlyingStructure,
			fmt.Sprintf("structure broken %s against %s leg", state.StructureDirection, ev.Pos.Side)), nil
	}
	if ev.Pos.PnLPct < 0 && state.TrendScore <= r.cfg.TrendExitScore {
		return domain.ExitWith(domain.ReasonUnderlyingTrend,
			fmt.Sprintf("trend score %d at or below %d while losing", state.TrendScore, r.cfg.TrendExitScore)), nil
	}
	if ev.Pos.PnLPct > 0 && state.VolatilityTrend == domain.VolatilityFalling &&
		state.VolatilityRatio > 0 && state.VolatilityRatio < r.cfg.VolCollapseRatio {
		return domain.ExitWith(domain.ReasonUnderlyingVolatility,
			fmt.Sprintf("volatility collapsed to %.2fx while in profit", state.VolatilityRatio)), nil
	}
	return domain.NoAction(), nil
}

// hardLimitsRule enforces the static thresholds set at entry and the
// locked trailing offset. These are absolute: they fire regardless of the
// adaptive curves.
type hardLimitsRule struct{}

func (r *hardLimitsRule) Name() string { return "hard_limits" }

func (r *hardLimitsRule) Evaluate(_ context.Context, ev *Eval) (domain.Decision, error) {
	pos := ev.Pos

	if pos.TrailingOffsetPct != nil && pos.PnLPct <= *pos.TrailingOffsetPct {
		return domain.ExitWith(domain.ReasonTrailingStop,
			fmt.Sprintf("profit %.2f%% fell to locked offset %.2f%%", pos.PnLPct, *pos.TrailingOffsetPct)), nil
	}

	if pos.StopLossPct != nil && pos.PnLPct <= *pos.StopLossPct {
		return domain.ExitWith(domain.ReasonHardStopLoss,
			fmt.Sprintf("pnl %.2f%% breached stop %.2f%%", pos.PnLPct, *pos.StopLossPct)), nil
	}
	if pos.TakeProfitPct != nil && pos.PnLPct >= *pos.TakeProfitPct {
		return domain.ExitWith(domain.ReasonHardTakeProfit,
			fmt.Sprintf("pnl %.2f%% reached target %.2f%%", pos.PnLPct, *pos.TakeProfitPct)), nil
	}

	// Absolute price thresholds are side-aware: a short leg stops out on a
	// rising price.
	if pos.StopLossPrice != nil {
		if (pos.Side == domain.SideBuy && pos.LastPrice <= *pos.StopLossPrice) ||
			(pos.Side == domain.SideSell && pos.LastPrice >= *pos.StopLossPrice) {
			return domain.ExitWith(domain.ReasonHardStopLoss,
				fmt.Sprintf("price %.2f breached stop price %.2f", pos.LastPrice, *pos.StopLossPrice)), nil
		}
	}
	if pos.TakeProfitPrice != nil {
		if (pos.Side == domain.SideBuy && pos.LastPrice >= *pos.TakeProfitPrice) ||
			(pos.Side == domain.SideSell && pos.LastPrice <= *pos.TakeProfitPrice) {
			return domain.ExitWith(domain.ReasonHardTakeProfit,
				fmt.Sprintf("price %.2f reached target price %.2f", pos.LastPrice, *pos.TakeProfitPrice)), nil
		}
	}

	if pos.RupeeStopLoss != nil && pos.PnL <= -*pos.RupeeStopLoss {
		return domain.ExitWith(domain.ReasonRupeeStopLoss,
			fmt.Sprintf("pnl %.2f breached rupee stop %.2f", pos.PnL, *pos.RupeeStopLoss)), nil
	}
	if pos.RupeeTakeProfit != nil && pos.PnL >= *pos.RupeeTakeProfit {
		return domain.ExitWith(domain.ReasonRupeeTakeProfit,
			fmt.Sprintf("pnl %.2f reached rupee target %.2f", pos.PnL, *pos.RupeeTakeProfit)), nil
	}

	return domain.NoAction(), nil
}

// tiersRule ratchets the locked trailing offset up as current profit
// crosses each tier trigger, and locks breakeven once profit reaches the
// breakeven trigger even when the tier table has no such entry. It only
// mutates; the locked offset is then enforced by hardLimitsRule on
// subsequent passes.
type tiersRule struct {
	tiers     []Tier
	breakeven float64
	logger    *slog.Logger
}

func (r *tiersRule) Name() string { return "profit_tiers" }

func (r *tiersRule) Evaluate(ctx context.Context, ev *Eval) (domain.Decision, error) {
	if r.breakeven > 0 && ev.Pos.PnLPct >= r.breakeven {
		changed, err := ev.Tighten(0)
		if err != nil {
			return domain.NoAction(), fmt.Errorf("risk: lock breakeven: %w", err)
		}
		if changed {
			r.logger.InfoContext(ctx, "breakeven locked",
				slog.String("position_id", ev.Pos.ID),
				slog.Float64("trigger_pct", r.breakeven),
			)
		}
	}

	for _, tier := range r.tiers {
		if ev.Pos.PnLPct < tier.TriggerProfitPct {
			continue
		}
		changed, err := ev.Tighten(tier.LockProfitPct)
		if err != nil {
			return domain.NoAction(), fmt.Errorf("risk: tighten to %.2f%%: %w", tier.LockProfitPct, err)
		}
		if changed {
			r.logger.InfoContext(ctx, "profit tier locked",
				slog.String("position_id", ev.Pos.ID),
				slog.Float64("trigger_pct", tier.TriggerProfitPct),
				slog.Float64("locked_pct", tier.LockProfitPct),
			)
		}
	}
	return domain.NoAction(), nil
}

// sessionRule closes everything at the per-position session cutoff and
// enforces the optional maximum holding time.
type sessionRule struct {
	maxHold time.Duration
}

func (r *sessionRule) Name() string { return "session" }

func (r *sessionRule) Evaluate(_ context.Context, ev *Eval) (domain.Decision, error) {
	if ev.Pos.SessionExitAt != nil && !ev.Now.Before(*ev.Pos.SessionExitAt) {
		return domain.ExitWith(domain.ReasonSessionEnd, "session exit time reached"), nil
	}
	if r.maxHold > 0 && !ev.Pos.OpenedAt.IsZero() && ev.Now.Sub(ev.Pos.OpenedAt) >= r.maxHold {
		return domain.ExitWith(domain.ReasonTimeExit,
			fmt.Sprintf("held longer than %s", r.maxHold)), nil
	}
	return domain.NoAction(), nil
}

// trailingRule bridges the chain to the trailing engine.
type trailingRule struct {
	engine *TrailingEngine
}

func (r *trailingRule) Name() string { return "trailing" }

func (r *trailingRule) Evaluate(ctx context.Context, ev *Eval) (domain.Decision, error) {
	volRatio := 1.0
	if ev.Pos.Underlying != nil {
		if state, err := ev.UnderlyingState(ctx); err == nil && state.VolatilityRatio > 0 {
			volRatio = state.VolatilityRatio
		}
	}
	return r.engine.Evaluate(ev.Pos, ev.Now, volRatio), nil
}
