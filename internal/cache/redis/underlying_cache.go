package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/indexbot/internal/domain"
)

// underlyingTTL ages out snapshots when the analysis process stops
// publishing; a missing snapshot reads as "no signal", never as an exit.
const underlyingTTL = 5 * time.Minute

// UnderlyingCache implements domain.UnderlyingCache over Redis hashes. The
// analysis process writes one hash per index at "underlying:{key}".
type UnderlyingCache struct {
	rdb *redis.Client
}

// NewUnderlyingCache creates an UnderlyingCache backed by the given Client.
func NewUnderlyingCache(c *Client) *UnderlyingCache {
	return &UnderlyingCache{rdb: c.Underlying()}
}

func underlyingKey(key domain.InstrumentKey) string {
	return "underlying:" + key.String()
}

// Set publishes a health snapshot. Used by the analysis process and by
// tests; the risk engine only reads.
func (uc *UnderlyingCache) Set(ctx context.Context, state domain.UnderlyingState) error {
	k := underlyingKey(state.Key)
	fields := map[string]interface{}{
		"trend_score":         strconv.Itoa(state.TrendScore),
		"structure_state":     string(state.StructureState),
		"structure_direction": string(state.StructureDirection),
		"vol_trend":           string(state.VolatilityTrend),
		"vol_ratio":           strconv.FormatFloat(state.VolatilityRatio, 'f', -1, 64),
		"ts":                  strconv.FormatInt(state.AsOf.UnixNano(), 10),
	}
	pipe := uc.rdb.Pipeline()
	pipe.HSet(ctx, k, fields)
	pipe.Expire(ctx, k, underlyingTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set underlying %s: %w", state.Key.String(), err)
	}
	return nil
}

// Get reads the latest health snapshot. Returns domain.ErrNotFound when no
// snapshot exists or it has aged out.
func (uc *UnderlyingCache) Get(ctx context.Context, key domain.InstrumentKey) (domain.UnderlyingState, error) {
	vals, err := uc.rdb.HGetAll(ctx, underlyingKey(key)).Result()
	if err != nil {
		return domain.UnderlyingState{}, fmt.Errorf("redis: get underlying %s: %w", key.String(), err)
	}
	if len(vals) == 0 {
		return domain.UnderlyingState{}, domain.ErrNotFound
	}

	state := domain.UnderlyingState{
		Key:                key,
		StructureState:     domain.StructureState(vals["structure_state"]),
		StructureDirection: domain.TrendDirection(vals["structure_direction"]),
		VolatilityTrend:    domain.VolatilityTrend(vals["vol_trend"]),
	}
	if v, ok := vals["trend_score"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			state.TrendScore = n
		}
	}
	if v, ok := vals["vol_ratio"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			state.VolatilityRatio = f
		}
	}
	if v, ok := vals["ts"]; ok {
		if nano, err := strconv.ParseInt(v, 10, 64); err == nil {
			state.AsOf = time.Unix(0, nano)
		}
	}
	return state, nil
}

// Compile-time interface check.
var _ domain.UnderlyingCache = (*UnderlyingCache)(nil)
