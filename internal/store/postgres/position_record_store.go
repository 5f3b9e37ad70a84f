package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/indexbot/internal/domain"
)

// PositionRecordStore implements domain.PositionRecordStore using
// PostgreSQL. The status-guarded close makes MarkClosed succeed at most
// once per position no matter how many callers race.
type PositionRecordStore struct {
	pool *pgxpool.Pool
}

// NewPositionRecordStore creates a store backed by the given pool.
func NewPositionRecordStore(pool *pgxpool.Pool) *PositionRecordStore {
	return &PositionRecordStore{pool: pool}
}

const positionSelectCols = `id, segment, security_id, class, side, quantity, entry_price,
	underlying_segment, underlying_security_id,
	stop_loss_pct, take_profit_pct, stop_loss_price, take_profit_price,
	rupee_stop_loss, rupee_take_profit,
	status, opened_at, session_exit_at, closed_at, exit_price, exit_reason`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var class, side, status string
	var underlyingSegment, underlyingSecurityID, exitReason *string

	err := row.Scan(
		&p.ID, &p.Key.Segment, &p.Key.SecurityID, &class, &side, &p.Quantity, &p.EntryPrice,
		&underlyingSegment, &underlyingSecurityID,
		&p.StopLossPct, &p.TakeProfitPct, &p.StopLossPrice, &p.TakeProfitPrice,
		&p.RupeeStopLoss, &p.RupeeTakeProfit,
		&status, &p.OpenedAt, &p.SessionExitAt, &p.ClosedAt, &p.ExitPrice, &exitReason,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Class = domain.InstrumentClass(class)
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	if underlyingSegment != nil && underlyingSecurityID != nil {
		p.Underlying = &domain.InstrumentKey{Segment: *underlyingSegment, SecurityID: *underlyingSecurityID}
	}
	if exitReason != nil {
		p.ExitReason = domain.ExitReason(*exitReason)
	}
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts the durable record for a newly opened position.
func (s *PositionRecordStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, segment, security_id, class, side, quantity, entry_price,
			underlying_segment, underlying_security_id,
			stop_loss_pct, take_profit_pct, stop_loss_price, take_profit_price,
			rupee_stop_loss, rupee_take_profit,
			status, opened_at, session_exit_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9,
			$10, $11, $12, $13,
			$14, $15,
			$16, $17, $18, NOW()
		)`

	var underlyingSegment, underlyingSecurityID *string
	if p.Underlying != nil {
		underlyingSegment = &p.Underlying.Segment
		underlyingSecurityID = &p.Underlying.SecurityID
	}
	status := p.Status
	if status == "" {
		status = domain.PositionStatusOpen
	}

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Key.Segment, p.Key.SecurityID, string(p.Class), string(p.Side), p.Quantity, p.EntryPrice,
		underlyingSegment, underlyingSecurityID,
		p.StopLossPct, p.TakeProfitPct, p.StopLossPrice, p.TakeProfitPrice,
		p.RupeeStopLoss, p.RupeeTakeProfit,
		string(status), p.OpenedAt, p.SessionExitAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// MarkClosed flips the record to closed with the exit price and reason.
// The WHERE status = 'open' guard makes this the durable idempotency
// fence: only the first close for a record changes a row.
func (s *PositionRecordStore) MarkClosed(ctx context.Context, id string, exitPrice float64, reason domain.ExitReason) error {
	const query = `
		UPDATE positions SET
			status      = 'closed',
			exit_price  = $2,
			exit_reason = $3,
			closed_at   = NOW(),
			updated_at  = NOW()
		WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, id, exitPrice, string(reason))
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish "never existed" from "someone closed it first".
		var status string
		err := s.pool.QueryRow(ctx, `SELECT status FROM positions WHERE id = $1`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("postgres: close position %s: %w", id, domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("postgres: close position %s: %w", id, err)
		}
		return fmt.Errorf("postgres: close position %s: %w", id, domain.ErrAlreadyClosed)
	}
	return nil
}

// IsClosed reports whether the record is closed.
func (s *PositionRecordStore) IsClosed(ctx context.Context, id string) (bool, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM positions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("postgres: lookup position %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("postgres: lookup position %s: %w", id, err)
	}
	return domain.PositionStatus(status) == domain.PositionStatusClosed, nil
}

// GetByID retrieves a single record.
func (s *PositionRecordStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListOpen returns every record still open, oldest first. Used to rebuild
// the in-memory book on startup.
func (s *PositionRecordStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'open'
		 ORDER BY opened_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// ListClosedBetween returns closed records with closed_at in [from, to),
// oldest first. Used by the end-of-day journal archiver.
func (s *PositionRecordStore) ListClosedBetween(ctx context.Context, from, to time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'closed' AND closed_at >= $1 AND closed_at < $2
		 ORDER BY closed_at ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

// Compile-time interface check.
var _ domain.PositionRecordStore = (*PositionRecordStore)(nil)
