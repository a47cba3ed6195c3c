package interfaces

import (
	"context"
	"time"

	"portfolio-guard/internal/types"
)

// EodReporter writes the daily trade report and rotates old ones.
type EodReporter interface {
	// Summarize writes the report for day and returns its path, or "" when
	// no trade happened that day.
	Summarize(ctx context.Context, entries []types.LedgerEntry, day time.Time) (csvPath string, err error)
	// Compress gzips reports older than the retention window.
	Compress(ctx context.Context, now time.Time) (int, error)
}
