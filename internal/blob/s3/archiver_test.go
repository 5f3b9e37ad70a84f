package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/indexbot/internal/domain"
	"github.com/alanyoungcy/indexbot/internal/store/memory"
)

type captureWriter struct {
	path        string
	contentType string
	body        []byte
	puts        int
}

func (w *captureWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	w.puts++
	w.path = path
	w.contentType = contentType
	body, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.body = body
	return nil
}

func closedPosition(id string, entry, fill float64, side domain.Side, closedAt time.Time) domain.Position {
	exitPrice := fill
	return domain.Position{
		ID:         id,
		Key:        domain.InstrumentKey{Segment: "NSE_FNO", SecurityID: "49081"},
		Class:      domain.ClassIndex,
		Side:       side,
		Quantity:   75,
		EntryPrice: entry,
		Status:     domain.PositionStatusClosed,
		ExitPrice:  &exitPrice,
		ExitReason: domain.ReasonHardTakeProfit,
		OpenedAt:   closedAt.Add(-time.Hour),
		ClosedAt:   &closedAt,
	}
}

func seedClosed(t *testing.T, records *memory.RecordStore, pos domain.Position) {
	t.Helper()
	require.NoError(t, records.Create(context.Background(), pos))
}

func TestArchiveDayJournal(t *testing.T) {
	records := memory.NewRecordStore()
	audit := memory.NewAuditStore()
	writer := &captureWriter{}

	day := time.Date(2026, 8, 21, 15, 25, 0, 0, time.Local)
	seedClosed(t, records, closedPosition("p1", 100, 112, domain.SideBuy, day))
	seedClosed(t, records, closedPosition("p2", 200, 188, domain.SideSell, day.Add(5*time.Minute)))

	arch := NewArchiver(writer, records, audit)
	count, err := arch.ArchiveDayJournal(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	assert.Equal(t, "journal/positions/2026-08-21.jsonl", writer.path)
	assert.Equal(t, "application/x-ndjson", writer.contentType)

	var rows []journalRow
	scanner := bufio.NewScanner(bytes.NewReader(writer.body))
	for scanner.Scan() {
		var row journalRow
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
		rows = append(rows, row)
	}
	require.Len(t, rows, 2)

	byID := map[string]journalRow{rows[0].ID: rows[0], rows[1].ID: rows[1]}
	long := byID["p1"]
	assert.InDelta(t, 12*75.0, long.RealizedPnL, 1e-9)
	assert.InDelta(t, 12.0, long.RealizedPnLPc, 1e-9)

	short := byID["p2"]
	assert.InDelta(t, 12*75.0, short.RealizedPnL, 1e-9, "short leg profits when price falls")
	assert.InDelta(t, 6.0, short.RealizedPnLPc, 1e-9)

	entries, err := audit.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "archive.journal", entries[0].Event)
}

func TestArchiveDayJournalEmptyDaySkipsUpload(t *testing.T) {
	writer := &captureWriter{}
	arch := NewArchiver(writer, memory.NewRecordStore(), nil)

	count, err := arch.ArchiveDayJournal(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, writer.puts)
}

func TestArchiveDayJournalExcludesOtherDays(t *testing.T) {
	records := memory.NewRecordStore()
	writer := &captureWriter{}

	day := time.Date(2026, 8, 21, 12, 0, 0, 0, time.Local)
	seedClosed(t, records, closedPosition("today", 100, 105, domain.SideBuy, day))

	arch := NewArchiver(writer, records, nil)
	count, err := arch.ArchiveDayJournal(context.Background(), day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, count, "yesterday's close is not in today's window")
	assert.Zero(t, writer.puts)
}
