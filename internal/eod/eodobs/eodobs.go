package eodobs

import (
	"context"
	"time"

	"portfolio-guard/internal/interfaces"
	"portfolio-guard/internal/logger"
	"portfolio-guard/internal/trace"
	"portfolio-guard/internal/types"
)

type observableReporter struct {
	reporter interfaces.EodReporter
}

var _ interfaces.EodReporter = (*observableReporter)(nil)

func Wrap(reporter interfaces.EodReporter) interfaces.EodReporter {
	return &observableReporter{reporter: reporter}
}

func (o *observableReporter) Summarize(ctx context.Context, entries []types.LedgerEntry, day time.Time) (string, error) {
	ctx, span := trace.StartSpan(ctx, "eod.Summarize")
	defer span.End()

	date := day.UTC().Format("2006-01-02")
	logger.Info(ctx, "Starting EOD summary generation", "date", date, "entries", len(entries))

	csvPath, err := o.reporter.Summarize(ctx, entries, day)
	if err != nil {
		logger.ErrorWithErr(ctx, "EOD summary generation failed", err, "date", date)
		return "", err
	}
	if csvPath == "" {
		logger.Info(ctx, "No trades found for EOD summary", "date", date)
		return "", nil
	}
	logger.Info(ctx, "EOD summary generated successfully", "date", date, "csv_path", csvPath)
	return csvPath, nil
}

func (o *observableReporter) Compress(ctx context.Context, now time.Time) (int, error) {
	ctx, span := trace.StartSpan(ctx, "eod.Compress")
	defer span.End()

	n, err := o.reporter.Compress(ctx, now)
	if err != nil {
		logger.ErrorWithErr(ctx, "EOD report compression failed", err)
		return n, err
	}
	logger.Debug(ctx, "EOD reports compressed", "files", n)
	return n, nil
}
