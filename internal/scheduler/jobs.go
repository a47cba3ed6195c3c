package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"portfolio-guard/internal/logger"
	"portfolio-guard/internal/types"
)

// eodSchedule runs the daily report shortly after UTC midnight.
const eodSchedule = "5 0 * * *"

// Start registers the tick, housekeeping and report jobs and starts the
// cron runner. Jobs run with ctx until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	l := logger.CronLogger("scheduler")
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)

	interval := s.cfg.Thresholds.TickInterval
	if interval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", interval)
	}
	if _, err := s.cron.AddFunc(every(interval), func() { s.runTick(ctx) }); err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}
	if s.deps.Sweeper != nil && s.cfg.SweepInterval > 0 {
		if _, err := s.cron.AddFunc(every(s.cfg.SweepInterval), func() { s.Housekeeping(ctx) }); err != nil {
			return fmt.Errorf("schedule sweep: %w", err)
		}
	}
	if s.deps.Reporter != nil {
		if _, err := s.cron.AddFunc(eodSchedule, func() {
			_, _ = s.EndOfDay(ctx, s.now().UTC().AddDate(0, 0, -1))
		}); err != nil {
			return fmt.Errorf("schedule eod: %w", err)
		}
	}

	s.cron.Start()
	logger.Info(ctx, "Scheduler started",
		"tick_interval", interval.String(),
		"tick_deadline", s.cfg.TickDeadline.String(),
		"sweep_interval", s.cfg.SweepInterval.String(),
	)
	return nil
}

// Stop halts the cron runner and waits for running jobs.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	logger.Info(context.Background(), "Scheduler stopped")
}

func (s *Scheduler) runTick(ctx context.Context) {
	if _, err := s.Tick(ctx); err != nil {
		if errors.Is(err, types.ErrTickInProgress) {
			logger.Warn(ctx, "Tick skipped, previous tick still running")
			return
		}
		logger.ErrorWithErr(ctx, "Tick failed", err)
	}
}

// Housekeeping sweeps expired cache entries.
func (s *Scheduler) Housekeeping(ctx context.Context) {
	if s.deps.Sweeper == nil {
		return
	}
	n, err := s.deps.Sweeper.Sweep(ctx, s.now())
	if err != nil {
		logger.ErrorWithErr(ctx, "Cache sweep failed", err)
		return
	}
	logger.Debug(ctx, "Cache swept", "removed", n)
}

// EndOfDay writes the trade report for day and compresses old reports.
func (s *Scheduler) EndOfDay(ctx context.Context, day time.Time) (string, error) {
	if s.deps.Reporter == nil {
		return "", nil
	}
	entries, err := s.deps.Ledger.Entries(ctx, 0)
	if err != nil {
		logger.ErrorWithErr(ctx, "EOD ledger read failed", err)
		return "", err
	}
	path, err := s.deps.Reporter.Summarize(ctx, entries, day)
	if err != nil {
		return "", err
	}
	if _, err := s.deps.Reporter.Compress(ctx, s.now()); err != nil {
		return path, err
	}
	return path, nil
}

func every(d time.Duration) string {
	return "@every " + d.String()
}
