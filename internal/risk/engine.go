// Package risk decides, for each open position, whether it should be
// closed and why. The engine runs an ordered chain of rules over a
// position snapshot; the first rule that fires wins and its reason becomes
// the position's terminal exit reason.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/indexbot/internal/domain"
)

// Tightener is the subset of the position store the rules may mutate
// through: raising the locked trailing offset. Rules never mutate anything
// else.
type Tightener interface {
	TightenTrailingOffset(id string, pct float64) (bool, error)
}

// UnderlyingProvider serves the latest underlying-health snapshot. It is
// expected to memoize; the engine calls it at most once per evaluation.
type UnderlyingProvider interface {
	State(ctx context.Context, key domain.InstrumentKey) (domain.UnderlyingState, error)
}

// Rule is one exit check. Rules receive a position snapshot and must not
// block; anything slow belongs behind the Eval's memoized accessors.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, ev *Eval) (domain.Decision, error)
}

// Eval is the per-position evaluation context shared by the rules in one
// pass. The underlying snapshot is fetched lazily and at most once.
type Eval struct {
	Pos domain.Position
	Now time.Time

	tighten  Tightener
	provider UnderlyingProvider

	underlying     domain.UnderlyingState
	underlyingErr  error
	underlyingDone bool
}

// UnderlyingState fetches the underlying-health snapshot for the
// position's underlying, memoized for the rest of this evaluation. Returns
// ErrNotFound when the position has no underlying link or no snapshot
// exists.
func (ev *Eval) UnderlyingState(ctx context.Context) (domain.UnderlyingState, error) {
	if ev.underlyingDone {
		return ev.underlying, ev.underlyingErr
	}
	ev.underlyingDone = true
	if ev.Pos.Underlying == nil || ev.provider == nil {
		ev.underlyingErr = domain.ErrNotFound
		return ev.underlying, ev.underlyingErr
	}
	ev.underlying, ev.underlyingErr = ev.provider.State(ctx, *ev.Pos.Underlying)
	return ev.underlying, ev.underlyingErr
}

// Tighten raises the position's locked trailing offset.
func (ev *Eval) Tighten(pct float64) (bool, error) {
	if ev.tighten == nil {
		return false, nil
	}
	return ev.tighten.TightenTrailingOffset(ev.Pos.ID, pct)
}

// Engine evaluates the rule chain. A panicking or erroring rule is logged
// and skipped so one bad rule cannot blind the others.
type Engine struct {
	rules    []Rule
	tighten  Tightener
	provider UnderlyingProvider
	clock    func() time.Time
	logger   *slog.Logger
}

// NewEngine builds the production rule chain in its fixed order:
// underlying health, hard limits, profit tiers, trailing stops, session
// and time exits.
func NewEngine(cfg Config, tighten Tightener, provider UnderlyingProvider, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	trailing := NewTrailingEngine(cfg)
	return &Engine{
		rules: []Rule{
			&underlyingRule{cfg: cfg},
			&hardLimitsRule{},
			&tiersRule{tiers: cfg.Tiers, breakeven: cfg.BreakevenPct, logger: logger},
			&trailingRule{engine: trailing},
			&sessionRule{maxHold: cfg.MaxHold},
		},
		tighten:  tighten,
		provider: provider,
		clock:    time.Now,
		logger:   logger.With(slog.String("component", "risk_engine")),
	}, nil
}

// Evaluate runs the chain over one position snapshot and returns the first
// exit decision, or no action.
func (e *Engine) Evaluate(ctx context.Context, pos domain.Position) domain.Decision {
	ev := &Eval{
		Pos:      pos,
		Now:      e.clock(),
		tighten:  e.tighten,
		provider: e.provider,
	}

	for _, rule := range e.rules {
		dec, err := e.runRule(ctx, rule, ev)
		if err != nil {
			e.logger.WarnContext(ctx, "rule failed, skipping",
				slog.String("rule", rule.Name()),
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if dec.Exit {
			e.logger.InfoContext(ctx, "exit decision",
				slog.String("rule", rule.Name()),
				slog.String("position_id", pos.ID),
				slog.String("reason", string(dec.Reason)),
				slog.String("detail", dec.Detail),
				slog.Float64("pnl_pct", pos.PnLPct),
				slog.Float64("peak_pct", pos.PeakProfitPct),
			)
			return dec
		}
	}
	return domain.NoAction()
}

func (e *Engine) runRule(ctx context.Context, rule Rule, ev *Eval) (dec domain.Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			dec = domain.NoAction()
			err = fmt.Errorf("risk: rule %s panicked: %v", rule.Name(), r)
		}
	}()
	return rule.Evaluate(ctx, ev)
}
