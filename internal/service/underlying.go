package service

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/indexbot/internal/domain"
)

// UnderlyingService memoizes underlying-health reads over a short TTL so
// one sweep over hundreds of legs on the same index costs one cache
// round-trip, not hundreds.
type UnderlyingService struct {
	cache domain.UnderlyingCache
	ttl   time.Duration
	clock func() time.Time

	mu   sync.Mutex
	memo map[domain.InstrumentKey]memoEntry
}

type memoEntry struct {
	state   domain.UnderlyingState
	err     error
	fetched time.Time
}

// NewUnderlyingService creates the memoizing reader. A non-positive ttl
// defaults to two seconds.
func NewUnderlyingService(cache domain.UnderlyingCache, ttl time.Duration) *UnderlyingService {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &UnderlyingService{
		cache: cache,
		ttl:   ttl,
		clock: time.Now,
		memo:  make(map[domain.InstrumentKey]memoEntry),
	}
}

// State returns the health snapshot for the index, served from the memo
// when fresh. Errors are memoized too, so a down cache is not hammered
// once per position.
func (s *UnderlyingService) State(ctx context.Context, key domain.InstrumentKey) (domain.UnderlyingState, error) {
	now := s.clock()

	s.mu.Lock()
	if entry, ok := s.memo[key]; ok && now.Sub(entry.fetched) < s.ttl {
		s.mu.Unlock()
		return entry.state, entry.err
	}
	s.mu.Unlock()

	state, err := s.cache.Get(ctx, key)

	s.mu.Lock()
	s.memo[key] = memoEntry{state: state, err: err, fetched: now}
	s.mu.Unlock()

	return state, err
}
