package exit

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/indexbot/internal/domain"
)

// MemoryLockManager is the in-process LockManager used in paper mode and
// tests. It honors the same try-lock contract as the Redis implementation:
// Acquire never blocks, a held lock returns ErrLockHeld, and expired locks
// are reclaimable.
type MemoryLockManager struct {
	mu        sync.Mutex
	deadlines map[string]time.Time
}

var _ domain.LockManager = (*MemoryLockManager)(nil)

// NewMemoryLockManager creates an empty lock table.
func NewMemoryLockManager() *MemoryLockManager {
	return &MemoryLockManager{deadlines: make(map[string]time.Time)}
}

// Acquire takes the named lock for ttl. The returned unlock is idempotent.
func (m *MemoryLockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if deadline, ok := m.deadlines[key]; ok && now.Before(deadline) {
		return nil, domain.ErrLockHeld
	}
	deadline := now.Add(ttl)
	m.deadlines[key] = deadline

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			// Only release if we still own it; an expired-and-reacquired
			// lock belongs to someone else.
			if d, ok := m.deadlines[key]; ok && d.Equal(deadline) {
				delete(m.deadlines, key)
			}
		})
	}
	return unlock, nil
}
