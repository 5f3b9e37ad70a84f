package domain

import "time"

// StructureState describes whether the underlying's market structure is
// still intact in the direction the position was taken.
type StructureState string

const (
	StructureIntact StructureState = "intact"
	StructureBroken StructureState = "broken"
)

// TrendDirection is the direction of the underlying's structure/trend.
type TrendDirection string

const (
	TrendBullish TrendDirection = "bullish"
	TrendBearish TrendDirection = "bearish"
	TrendNeutral TrendDirection = "neutral"
)

// VolatilityTrend summarizes whether realized volatility is expanding or
// contracting.
type VolatilityTrend string

const (
	VolatilityRising  VolatilityTrend = "rising"
	VolatilityFalling VolatilityTrend = "falling"
	VolatilityFlat    VolatilityTrend = "flat"
)

// UnderlyingState is a point-in-time health snapshot of an underlying
// index. It is produced by the analysis subsystem and read here through a
// short-TTL cache; bounded staleness is acceptable.
type UnderlyingState struct {
	Key                InstrumentKey
	TrendScore         int // 0..21 composite trend strength
	StructureState     StructureState
	StructureDirection TrendDirection
	VolatilityTrend    VolatilityTrend
	VolatilityRatio    float64 // current vs reference volatility, 1.0 = unchanged
	AsOf               time.Time
}

// AgainstSide reports whether the underlying structure has flipped against
// a position taken on the given side. A broken bearish structure opposes a
// long (buy) leg on calls; by convention buy legs need bullish structure
// and sell legs need bearish structure.
func (u UnderlyingState) AgainstSide(side Side) bool {
	if u.StructureState != StructureBroken {
		return false
	}
	switch side {
	case SideBuy:
		return u.StructureDirection == TrendBearish
	case SideSell:
		return u.StructureDirection == TrendBullish
	default:
		return false
	}
}
