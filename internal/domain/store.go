package domain

import (
	"context"
	"io"
	"time"
)

// PositionRecordStore persists the durable record of each position. The
// status-guarded MarkClosed is the second idempotency fence behind the
// exit lock: it succeeds at most once per position.
type PositionRecordStore interface {
	Create(ctx context.Context, pos Position) error
	// MarkClosed flips the record to closed with the exit price and
	// reason. It returns ErrAlreadyClosed when the record is no longer
	// open, and ErrNotFound when it does not exist.
	MarkClosed(ctx context.Context, id string, exitPrice float64, reason ExitReason) error
	IsClosed(ctx context.Context, id string) (bool, error)
	GetByID(ctx context.Context, id string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	// ListClosedBetween returns closed positions for journaling/archival.
	ListClosedBetween(ctx context.Context, from, to time.Time) ([]Position, error)
}

// AuditEntry is a single append-only audit row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists the append-only audit log of entries and exits.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	ListRecent(ctx context.Context, limit int) ([]AuditEntry, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]AuditEntry, error)
}

// BlobWriter uploads journal archives to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}
