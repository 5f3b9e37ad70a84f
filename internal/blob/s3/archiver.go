package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/indexbot/internal/domain"
)

// JournalStore is the read access the archiver needs: closed positions in
// a time window. The postgres and memory record stores satisfy it.
type JournalStore interface {
	ListClosedBetween(ctx context.Context, from, to time.Time) ([]domain.Position, error)
}

// Archiver writes the end-of-day trading journal and old audit entries to
// object storage as JSONL. Pruning archived rows from the primary store is
// intentionally a separate, explicit step after the archive is verified.
type Archiver struct {
	writer  domain.BlobWriter
	journal JournalStore
	audit   domain.AuditStore
}

// NewArchiver creates an Archiver. audit may be nil when only the journal
// is wanted.
func NewArchiver(writer domain.BlobWriter, journal JournalStore, audit domain.AuditStore) *Archiver {
	return &Archiver{
		writer:  writer,
		journal: journal,
		audit:   audit,
	}
}

// journalRow is the JSONL shape of one closed position.
type journalRow struct {
	ID            string     `json:"id"`
	Instrument    string     `json:"instrument"`
	Class         string     `json:"class"`
	Side          string     `json:"side"`
	Quantity      int        `json:"quantity"`
	EntryPrice    float64    `json:"entry_price"`
	ExitPrice     *float64   `json:"exit_price"`
	ExitReason    string     `json:"exit_reason"`
	OpenedAt      time.Time  `json:"opened_at"`
	ClosedAt      *time.Time `json:"closed_at"`
	RealizedPnL   float64    `json:"realized_pnl"`
	RealizedPnLPc float64    `json:"realized_pnl_pct"`
}

func toJournalRow(p domain.Position) journalRow {
	row := journalRow{
		ID:         p.ID,
		Instrument: p.Key.String(),
		Class:      string(p.Class),
		Side:       string(p.Side),
		Quantity:   p.Quantity,
		EntryPrice: p.EntryPrice,
		ExitPrice:  p.ExitPrice,
		ExitReason: string(p.ExitReason),
		OpenedAt:   p.OpenedAt,
		ClosedAt:   p.ClosedAt,
	}
	if p.ExitPrice != nil && p.EntryPrice > 0 {
		diff := *p.ExitPrice - p.EntryPrice
		if p.Side == domain.SideSell {
			diff = -diff
		}
		row.RealizedPnL = diff * float64(p.Quantity)
		row.RealizedPnLPc = diff / p.EntryPrice * 100
	}
	return row
}

// ArchiveDayJournal uploads every position closed on the given trading day
// to journal/positions/YYYY-MM-DD.jsonl and returns the row count.
func (a *Archiver) ArchiveDayJournal(ctx context.Context, day time.Time) (int64, error) {
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	to := from.Add(24 * time.Hour)

	closed, err := a.journal.ListClosedBetween(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("s3blob: journal query: %w", err)
	}
	if len(closed) == 0 {
		return 0, nil
	}

	rows := make([]journalRow, 0, len(closed))
	for _, p := range closed {
		rows = append(rows, toJournalRow(p))
	}
	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: journal marshal: %w", err)
	}

	path := fmt.Sprintf("journal/positions/%s.jsonl", from.Format("2006-01-02"))
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: journal upload: %w", err)
	}

	count := int64(len(rows))
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.journal", map[string]any{
			"path":  path,
			"count": count,
			"day":   from.Format("2006-01-02"),
		}); err != nil {
			return count, fmt.Errorf("s3blob: journal audit log: %w", err)
		}
	}
	return count, nil
}

// ArchiveAudit uploads audit entries older than the cutoff to
// archive/audit/YYYY-MM.jsonl and returns the row count.
func (a *Archiver) ArchiveAudit(ctx context.Context, before time.Time, limit int) (int64, error) {
	if a.audit == nil {
		return 0, nil
	}
	entries, err := a.audit.ListBefore(ctx, before, limit)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := fmt.Sprintf("archive/audit/%s.jsonl", before.Format("2006-01"))
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}
	return int64(len(entries)), nil
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
