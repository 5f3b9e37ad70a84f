package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest traded price per
// instrument. It is the primary source for exit bookkeeping prices.
type PriceCache interface {
	SetPrice(ctx context.Context, key InstrumentKey, price float64, ts time.Time) error
	GetPrice(ctx context.Context, key InstrumentKey) (float64, time.Time, error)
}

// UnderlyingCache reads the latest underlying-health snapshot written by
// the analysis subsystem. Returns ErrNotFound when no snapshot exists.
type UnderlyingCache interface {
	Get(ctx context.Context, key InstrumentKey) (UnderlyingState, error)
}

// LockManager provides the exclusive per-position lock used by the exit
// coordinator. Acquire returns ErrLockHeld without blocking when the lock
// is already taken; the returned unlock is safe to call more than once.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter bounds request rates across processes. Allow is
// non-blocking; Wait polls until a slot opens or the context ends.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}

// SignalBus publishes position lifecycle events for external consumers.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
