package service

import (
	"context"
	"log/slog"
	"time"
)

// DayArchiver uploads the day's trading journal. Implemented by the S3
// archiver.
type DayArchiver interface {
	ArchiveDayJournal(ctx context.Context, day time.Time) (int64, error)
}

// ArchiveScheduler runs the end-of-day journal upload once per day at the
// configured wall-clock time.
type ArchiveScheduler struct {
	archiver DayArchiver
	at       time.Duration // offset from midnight, local time
	logger   *slog.Logger
}

// NewArchiveScheduler schedules the journal upload at the given offset
// from local midnight (e.g. 16h30m for 16:30).
func NewArchiveScheduler(archiver DayArchiver, at time.Duration, logger *slog.Logger) *ArchiveScheduler {
	return &ArchiveScheduler{
		archiver: archiver,
		at:       at,
		logger:   logger.With(slog.String("component", "archive_scheduler")),
	}
}

// Run waits for the next scheduled time, uploads the journal, and repeats
// until ctx is cancelled.
func (s *ArchiveScheduler) Run(ctx context.Context) error {
	for {
		next := s.nextRun(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		day := time.Now()
		count, err := s.archiver.ArchiveDayJournal(ctx, day)
		if err != nil {
			s.logger.ErrorContext(ctx, "journal archive failed",
				slog.String("day", day.Format("2006-01-02")),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.logger.InfoContext(ctx, "journal archived",
			slog.String("day", day.Format("2006-01-02")),
			slog.Int64("positions", count),
		)
	}
}

func (s *ArchiveScheduler) nextRun(now time.Time) time.Time {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	next := midnight.Add(s.at)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
