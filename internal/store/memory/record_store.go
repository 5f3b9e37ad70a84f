// Package memory provides in-process implementations of the persistence
// interfaces for paper trading and tests. Semantics mirror the postgres
// stores, including the status-guarded close.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/indexbot/internal/domain"
)

// RecordStore is an in-memory PositionRecordStore.
type RecordStore struct {
	mu   sync.Mutex
	rows map[string]domain.Position
}

var _ domain.PositionRecordStore = (*RecordStore)(nil)

// NewRecordStore creates an empty store.
func NewRecordStore() *RecordStore {
	return &RecordStore{rows: make(map[string]domain.Position)}
}

// Create inserts the position record.
func (s *RecordStore) Create(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[pos.ID]; ok {
		return fmt.Errorf("memory: create %s: %w", pos.ID, domain.ErrAlreadyExists)
	}
	if pos.Status == "" {
		pos.Status = domain.PositionStatusOpen
	}
	s.rows[pos.ID] = pos
	return nil
}

// MarkClosed flips the record to closed exactly once.
func (s *RecordStore) MarkClosed(_ context.Context, id string, exitPrice float64, reason domain.ExitReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("memory: close %s: %w", id, domain.ErrNotFound)
	}
	if pos.Status == domain.PositionStatusClosed {
		return fmt.Errorf("memory: close %s: %w", id, domain.ErrAlreadyClosed)
	}
	now := time.Now()
	pos.Status = domain.PositionStatusClosed
	pos.ClosedAt = &now
	pos.ExitPrice = &exitPrice
	pos.ExitReason = reason
	s.rows[id] = pos
	return nil
}

// IsClosed reports whether the record has been closed.
func (s *RecordStore) IsClosed(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.rows[id]
	if !ok {
		return false, fmt.Errorf("memory: lookup %s: %w", id, domain.ErrNotFound)
	}
	return pos.Status == domain.PositionStatusClosed, nil
}

// GetByID returns one record.
func (s *RecordStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.rows[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: lookup %s: %w", id, domain.ErrNotFound)
	}
	return pos, nil
}

// ListOpen returns open records sorted by open time.
func (s *RecordStore) ListOpen(context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Position, 0)
	for _, pos := range s.rows {
		if pos.Status != domain.PositionStatusClosed {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

// ListClosedBetween returns closed records whose close time falls in
// [from, to).
func (s *RecordStore) ListClosedBetween(_ context.Context, from, to time.Time) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Position, 0)
	for _, pos := range s.rows {
		if pos.Status != domain.PositionStatusClosed || pos.ClosedAt == nil {
			continue
		}
		if pos.ClosedAt.Before(from) || !pos.ClosedAt.Before(to) {
			continue
		}
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.Before(*out[j].ClosedAt) })
	return out, nil
}

// AuditStore is an in-memory domain.AuditStore.
type AuditStore struct {
	mu   sync.Mutex
	next int64
	rows []domain.AuditEntry
}

var _ domain.AuditStore = (*AuditStore)(nil)

// NewAuditStore creates an empty audit log.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// Log appends one entry.
func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.rows = append(s.rows, domain.AuditEntry{
		ID:        s.next,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
	return nil
}

// ListRecent returns the newest entries, newest first.
func (s *AuditStore) ListRecent(_ context.Context, limit int) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.rows) {
		limit = len(s.rows)
	}
	out := make([]domain.AuditEntry, 0, limit)
	for i := len(s.rows) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.rows[i])
	}
	return out, nil
}

// ListBefore returns entries older than cutoff, oldest first.
func (s *AuditStore) ListBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditEntry, 0)
	for _, row := range s.rows {
		if !row.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, row)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
