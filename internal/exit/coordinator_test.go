package exit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/indexbot/internal/domain"
	"github.com/alanyoungcy/indexbot/internal/position"
	"github.com/alanyoungcy/indexbot/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRouter struct {
	calls  atomic.Int64
	fill   float64
	err    error
	reject bool
	delay  time.Duration
}

func (r *fakeRouter) ExitMarket(context.Context, domain.Position) (domain.OrderResult, error) {
	r.calls.Add(1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.err != nil {
		return domain.OrderResult{}, r.err
	}
	if r.reject {
		return domain.OrderResult{Success: false, Message: "margin check failed"}, nil
	}
	return domain.OrderResult{Success: true, OrderID: "ord-1", FillPrice: r.fill}, nil
}

type stubPriceCache struct {
	price float64
}

func (s *stubPriceCache) SetPrice(context.Context, domain.InstrumentKey, float64, time.Time) error {
	return nil
}

func (s *stubPriceCache) GetPrice(context.Context, domain.InstrumentKey) (float64, time.Time, error) {
	if s.price <= 0 {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return s.price, time.Now(), nil
}

type fixture struct {
	book    *position.Store
	records *memory.RecordStore
	router  *fakeRouter
	coord   *Coordinator
}

func newFixture(t *testing.T, router *fakeRouter, opts ...Option) *fixture {
	t.Helper()
	book := position.NewStore(testLogger())
	records := memory.NewRecordStore()
	coord := NewCoordinator(book, records, NewMemoryLockManager(), router, testLogger(), opts...)
	return &fixture{book: book, records: records, router: router, coord: coord}
}

func (f *fixture) open(t *testing.T, id string) domain.Position {
	t.Helper()
	pos := domain.Position{
		ID:         id,
		Key:        domain.InstrumentKey{Segment: "NSE_FNO", SecurityID: "49081"},
		Class:      domain.ClassIndex,
		Side:       domain.SideBuy,
		Quantity:   75,
		EntryPrice: 100,
		OpenedAt:   time.Now(),
	}
	require.NoError(t, f.records.Create(context.Background(), pos))
	require.NoError(t, f.book.Add(pos))
	return pos
}

func stopDecision() domain.Decision {
	return domain.ExitWith(domain.ReasonHardStopLoss, "pnl -12.00% breached stop -10.00%")
}

func TestExecuteExitClosesOnce(t *testing.T) {
	f := newFixture(t, &fakeRouter{fill: 88})
	f.open(t, "p1")
	ctx := context.Background()

	res, err := f.coord.ExecuteExit(ctx, "p1", stopDecision())
	require.NoError(t, err)
	assert.True(t, res.Closed)
	assert.InDelta(t, 88, res.ExitPrice, 1e-9)
	assert.Equal(t, domain.ReasonHardStopLoss, res.Reason)

	closed, err := f.records.IsClosed(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Equal(t, 0, f.book.Len())

	rec, err := f.records.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonHardStopLoss, rec.ExitReason)
}

func TestExecuteExitConcurrentExactlyOnce(t *testing.T) {
	router := &fakeRouter{fill: 88, delay: 5 * time.Millisecond}
	f := newFixture(t, router)
	f.open(t, "p1")

	const workers = 16
	results := make([]domain.ExitResult, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.coord.ExecuteExit(context.Background(), "p1", stopDecision())
		}(i)
	}
	wg.Wait()

	closedCount := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		if results[i].Closed {
			closedCount++
		} else {
			assert.True(t, results[i].AlreadyClosed)
		}
	}
	assert.Equal(t, 1, closedCount)
	assert.Equal(t, int64(1), router.calls.Load())
	assert.Equal(t, 0, f.book.Len())
}

func TestExecuteExitRouterErrorLeavesOpen(t *testing.T) {
	router := &fakeRouter{err: errors.New("dhan: 502 bad gateway")}
	f := newFixture(t, router)
	f.open(t, "p1")
	ctx := context.Background()

	_, err := f.coord.ExecuteExit(ctx, "p1", stopDecision())
	require.Error(t, err)

	pos, ok := f.book.Snapshot("p1")
	require.True(t, ok, "position must stay under management")
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)

	closed, err := f.records.IsClosed(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, closed)

	// Retry succeeds once the broker recovers.
	router.err = nil
	res, err := f.coord.ExecuteExit(ctx, "p1", stopDecision())
	require.NoError(t, err)
	assert.True(t, res.Closed)
}

func TestExecuteExitBrokerRejectionLeavesOpen(t *testing.T) {
	f := newFixture(t, &fakeRouter{reject: true})
	f.open(t, "p1")

	_, err := f.coord.ExecuteExit(context.Background(), "p1", stopDecision())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "margin check failed")

	pos, ok := f.book.Snapshot("p1")
	require.True(t, ok)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
}

func TestExecuteExitUnknownPosition(t *testing.T) {
	f := newFixture(t, &fakeRouter{fill: 88})

	res, err := f.coord.ExecuteExit(context.Background(), "ghost", stopDecision())
	require.NoError(t, err)
	assert.True(t, res.AlreadyClosed)
	assert.Equal(t, int64(0), f.router.calls.Load())
}

func TestExecuteExitPrunesClosedRecord(t *testing.T) {
	f := newFixture(t, &fakeRouter{fill: 88})
	f.open(t, "p1")
	ctx := context.Background()

	// Simulate a close that happened elsewhere (manual intervention).
	require.NoError(t, f.records.MarkClosed(ctx, "p1", 95, domain.ReasonManual))

	res, err := f.coord.ExecuteExit(ctx, "p1", stopDecision())
	require.NoError(t, err)
	assert.True(t, res.AlreadyClosed)
	assert.Equal(t, int64(0), f.router.calls.Load())
	assert.Equal(t, 0, f.book.Len(), "stale book entry is pruned")
}

func TestExecuteExitRejectsNoActionDecision(t *testing.T) {
	f := newFixture(t, &fakeRouter{fill: 88})
	f.open(t, "p1")

	_, err := f.coord.ExecuteExit(context.Background(), "p1", domain.NoAction())
	require.Error(t, err)
}

func TestExitPriceFallsBackToCacheThenLastTick(t *testing.T) {
	router := &fakeRouter{fill: 0} // broker did not report a fill price
	f := newFixture(t, router, WithPriceCache(&stubPriceCache{price: 91.5}))
	f.open(t, "p1")
	ctx := context.Background()

	res, err := f.coord.ExecuteExit(ctx, "p1", stopDecision())
	require.NoError(t, err)
	assert.InDelta(t, 91.5, res.ExitPrice, 1e-9)

	// Without a cache hit the last tick wins.
	f2 := newFixture(t, &fakeRouter{fill: 0}, WithPriceCache(&stubPriceCache{}))
	f2.open(t, "p2")
	require.NoError(t, f2.book.OnTick(ctx, domain.Tick{
		Segment: "NSE_FNO", SecurityID: "49081", LastPrice: 93.25, Timestamp: time.Now(),
	}))
	res, err = f2.coord.ExecuteExit(ctx, "p2", stopDecision())
	require.NoError(t, err)
	assert.InDelta(t, 93.25, res.ExitPrice, 1e-9)
}

func TestExecuteExitWritesAudit(t *testing.T) {
	audit := memory.NewAuditStore()
	f := newFixture(t, &fakeRouter{fill: 88}, WithAudit(audit))
	f.open(t, "p1")
	ctx := context.Background()

	_, err := f.coord.ExecuteExit(ctx, "p1", stopDecision())
	require.NoError(t, err)

	entries, err := audit.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "position_closed", entries[0].Event)
	assert.Equal(t, "p1", entries[0].Detail["position_id"])
}

func TestMemoryLockManagerContract(t *testing.T) {
	locks := NewMemoryLockManager()
	ctx := context.Background()

	unlock, err := locks.Acquire(ctx, "exit:p1", time.Minute)
	require.NoError(t, err)

	_, err = locks.Acquire(ctx, "exit:p1", time.Minute)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	// Independent keys do not contend.
	unlock2, err := locks.Acquire(ctx, "exit:p2", time.Minute)
	require.NoError(t, err)
	unlock2()

	unlock()
	unlock() // idempotent

	_, err = locks.Acquire(ctx, "exit:p1", time.Minute)
	require.NoError(t, err)
}

func TestMemoryLockManagerExpiry(t *testing.T) {
	locks := NewMemoryLockManager()
	ctx := context.Background()

	stale, err := locks.Acquire(ctx, "exit:p1", 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	unlock, err := locks.Acquire(ctx, "exit:p1", time.Minute)
	require.NoError(t, err, "expired lock is reclaimable")

	// The stale unlock must not release the new owner's lock.
	stale()
	_, err = locks.Acquire(ctx, "exit:p1", time.Minute)
	require.ErrorIs(t, err, domain.ErrLockHeld)
	unlock()
}
