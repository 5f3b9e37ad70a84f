// Package position holds the in-memory store of open positions. It is the
// only shared mutable structure between the tick-ingestion path and the
// risk sweep; every mutation funnels through it.
package position

import (
	"context"
	"fmt"
	"hash/fnv"
	"iter"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/indexbot/internal/domain"
)

const numShards = 32

// entry wraps a position with its own mutex so tick updates and rule
// mutations are atomic per position without a global lock.
type entry struct {
	mu  sync.Mutex
	pos domain.Position
}

// shard owns a slice of the ID space. The shard mutex guards map
// membership only; field mutation happens under the entry mutex.
type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Store is a sharded concurrent map of open positions keyed by position ID
// with a secondary instrument-key index for tick routing.
type Store struct {
	shards [numShards]*shard

	instMu sync.RWMutex
	byInst map[string][]string // instrument key -> position IDs

	wake   chan struct{}
	logger *slog.Logger
}

// NewStore creates an empty Store.
func NewStore(logger *slog.Logger) *Store {
	s := &Store{
		byInst: make(map[string][]string),
		wake:   make(chan struct{}, 1),
		logger: logger.With(slog.String("component", "position_store")),
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%numShards]
}

// Add registers a newly filled position for management. Peak profit starts
// at zero and no trailing offset is set. The sweep loop is woken so the
// new position is evaluated without waiting out the idle interval.
func (s *Store) Add(pos domain.Position) error {
	if err := pos.Validate(); err != nil {
		return fmt.Errorf("position store: add: %w", err)
	}
	pos.Status = domain.PositionStatusOpen
	pos.PeakProfitPct = 0
	pos.TrailingOffsetPct = nil
	if pos.LastPrice == 0 {
		pos.LastPrice = pos.EntryPrice
		pos.HighWaterMark = pos.EntryPrice
	}

	sh := s.shardFor(pos.ID)
	sh.mu.Lock()
	if _, ok := sh.entries[pos.ID]; ok {
		sh.mu.Unlock()
		return fmt.Errorf("position store: add %s: %w", pos.ID, domain.ErrAlreadyExists)
	}
	sh.entries[pos.ID] = &entry{pos: pos}
	sh.mu.Unlock()

	instKey := pos.Key.String()
	s.instMu.Lock()
	s.byInst[instKey] = append(s.byInst[instKey], pos.ID)
	s.instMu.Unlock()

	s.signal()
	return nil
}

// OnTick is the fast ingestion path. It updates LTP and PnL state for
// every position on the tick's instrument and returns without performing
// exits or broker calls. Unknown instruments are a no-op; malformed ticks
// are dropped and logged.
func (s *Store) OnTick(ctx context.Context, tick domain.Tick) error {
	if !tick.Valid() {
		s.logger.WarnContext(ctx, "dropping malformed tick",
			slog.String("segment", tick.Segment),
			slog.String("security_id", tick.SecurityID),
			slog.Float64("last_price", tick.LastPrice),
		)
		return domain.ErrBadTick
	}

	// Copy the ID list out: Remove compacts the index in place, so the
	// backing array must not be read after the lock is released.
	instKey := tick.Key().String()
	s.instMu.RLock()
	ids := append([]string(nil), s.byInst[instKey]...)
	s.instMu.RUnlock()
	if len(ids) == 0 {
		return nil
	}

	for _, id := range ids {
		sh := s.shardFor(id)
		sh.mu.RLock()
		e := sh.entries[id]
		sh.mu.RUnlock()
		if e == nil {
			continue
		}
		e.mu.Lock()
		if e.pos.Status != domain.PositionStatusClosed {
			e.pos.ApplyPrice(tick.LastPrice, tick.Timestamp)
		}
		e.mu.Unlock()
	}
	return nil
}

// Mutate applies fn to the position under its entry lock. Closed positions
// are never mutated; Mutate returns ErrNotFound once a position has been
// removed.
func (s *Store) Mutate(id string, fn func(*domain.Position)) error {
	sh := s.shardFor(id)
	sh.mu.RLock()
	e := sh.entries[id]
	sh.mu.RUnlock()
	if e == nil {
		return domain.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pos.Status == domain.PositionStatusClosed {
		return domain.ErrAlreadyClosed
	}
	fn(&e.pos)
	return nil
}

// TightenTrailingOffset raises the stored trailing offset to pct if that
// is more protective than the current value. It never loosens the offset.
// The returned bool reports whether the offset changed.
func (s *Store) TightenTrailingOffset(id string, pct float64) (bool, error) {
	changed := false
	err := s.Mutate(id, func(p *domain.Position) {
		if p.TrailingOffsetPct == nil || pct > *p.TrailingOffsetPct {
			v := pct
			p.TrailingOffsetPct = &v
			changed = true
		}
	})
	return changed, err
}

// Snapshot returns a copy of the position, if present.
func (s *Store) Snapshot(id string) (domain.Position, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	e := sh.entries[id]
	sh.mu.RUnlock()
	if e == nil {
		return domain.Position{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos, true
}

// Remove deletes the position on close and wakes the sweep loop. It
// returns the final state of the removed position.
func (s *Store) Remove(id string) (domain.Position, bool) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	e, ok := sh.entries[id]
	if ok {
		delete(sh.entries, id)
	}
	sh.mu.Unlock()
	if !ok {
		return domain.Position{}, false
	}

	e.mu.Lock()
	pos := e.pos
	e.mu.Unlock()

	instKey := pos.Key.String()
	s.instMu.Lock()
	ids := s.byInst[instKey]
	for i, pid := range ids {
		if pid == id {
			s.byInst[instKey] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.byInst[instKey]) == 0 {
		delete(s.byInst, instKey)
	}
	s.instMu.Unlock()

	s.signal()
	return pos, true
}

// Len returns the number of managed positions.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// All returns a lazy snapshot sequence over open positions for the risk
// sweep. Positions are copied shard by shard, so a long sweep never blocks
// tick ingestion globally; additions and removals after a shard has been
// copied are not guaranteed visible in the same pass.
func (s *Store) All() iter.Seq[domain.Position] {
	return func(yield func(domain.Position) bool) {
		for _, sh := range s.shards {
			sh.mu.RLock()
			batch := make([]*entry, 0, len(sh.entries))
			for _, e := range sh.entries {
				batch = append(batch, e)
			}
			sh.mu.RUnlock()

			for _, e := range batch {
				e.mu.Lock()
				pos := e.pos
				e.mu.Unlock()
				if pos.Status == domain.PositionStatusClosed {
					continue
				}
				if !yield(pos) {
					return
				}
			}
		}
	}
}

// Wake exposes the add/remove signal channel consumed by the sweep loop.
func (s *Store) Wake() <-chan struct{} {
	return s.wake
}

func (s *Store) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
