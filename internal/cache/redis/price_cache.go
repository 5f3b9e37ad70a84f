package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/indexbot/internal/domain"
)

// priceTTL bounds staleness: an instrument that stops ticking ages out
// instead of serving yesterday's price forever.
const priceTTL = 6 * time.Hour

// PriceCache implements domain.PriceCache using Redis hashes. Each
// instrument's price is stored at "ltp:{segment}:{security_id}" with fields
// "price" and "ts" (Unix nanosecond timestamp).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(key domain.InstrumentKey) string {
	return "ltp:" + key.String()
}

// SetPrice stores the latest traded price and timestamp for an instrument.
func (pc *PriceCache) SetPrice(ctx context.Context, key domain.InstrumentKey, price float64, ts time.Time) error {
	k := priceKey(key)
	fields := map[string]interface{}{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	pipe := pc.rdb.Pipeline()
	pipe.HSet(ctx, k, fields)
	pipe.Expire(ctx, k, priceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", key.String(), err)
	}
	return nil
}

// GetPrice retrieves the latest traded price and timestamp. It returns
// domain.ErrNotFound when the instrument has never ticked.
func (pc *PriceCache) GetPrice(ctx context.Context, key domain.InstrumentKey) (float64, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(key)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", key.String(), err)
	}
	if len(vals) == 0 {
		return 0, time.Time{}, domain.ErrNotFound
	}

	priceStr, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse price %s: %w", key.String(), err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", key.String(), err)
	}

	return price, time.Unix(0, tsNano), nil
}

// GetPrices retrieves the latest prices for multiple instruments using a
// pipeline. Instruments that have never ticked are omitted from the result.
func (pc *PriceCache) GetPrices(ctx context.Context, keys []domain.InstrumentKey) (map[domain.InstrumentKey]float64, error) {
	if len(keys) == 0 {
		return map[domain.InstrumentKey]float64{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[domain.InstrumentKey]*redis.MapStringStringCmd, len(keys))
	for _, key := range keys {
		cmds[key] = pipe.HGetAll(ctx, priceKey(key))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	result := make(map[domain.InstrumentKey]float64, len(keys))
	for key, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		priceStr, ok := vals["price"]
		if !ok {
			continue
		}
		price, err := strconv.ParseFloat(priceStr, 64)
		if err != nil {
			continue
		}
		result[key] = price
	}

	return result, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
