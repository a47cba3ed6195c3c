package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"portfolio-guard/internal/api"
	"portfolio-guard/internal/eod"
	"portfolio-guard/internal/logger"
	"portfolio-guard/internal/quotes"
	"portfolio-guard/internal/scheduler"
	"portfolio-guard/internal/trace"
)

var (
	version    = "0.1.0"
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "guard",
		Short:        "Crypto portfolio stop-loss, rebalancing and alerting engine",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to config file")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("guard version %s\n", version)
		},
	}
}

func runCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the tick loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run a single tick, print its report and exit")
	return cmd
}

func run(once bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := initializeSystem(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	defer func() { _ = trace.Shutdown(context.Background()) }()

	st, err := openStores(ctx, cfg)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to open storage", err)
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			logger.ErrorWithErr(context.Background(), "Failed to close storage", err)
		}
	}()

	c := initializeCache(cfg, st.kv)
	agg := quotes.New(initializePriceFeed(ctx, cfg), initializeSentimentFeed(ctx, cfg), c)
	notifier, channels := initializeNotifier(ctx, cfg)

	state, err := scheduler.Recover(ctx, st.ledger, st.snapshots,
		cfg.SeedHoldings(), decimal.NewFromFloat(cfg.Portfolio.InitialCash), time.Now())
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to recover portfolio", err)
		return err
	}

	sched := scheduler.New(scheduler.Config{
		Thresholds:    cfg.Thresholds(),
		TickDeadline:  cfg.Portfolio.TickDeadline,
		SweepInterval: cfg.Cache.SweepInterval,
	}, scheduler.Deps{
		Quotes:    agg,
		Decider:   initializeDecider(cfg),
		Ledger:    st.ledger,
		Snapshots: st.snapshots,
		Notifier:  initializeThrottle(cfg, c, notifier, channels),
		Sweeper:   c,
		Reporter:  eod.New(cfg.Storage.ReportDir, cfg.Storage.ReportRetentionDays),
	}, state)

	report, err := sched.Tick(ctx)
	if err != nil {
		logger.ErrorWithErr(ctx, "Initial tick failed", err)
	}
	if once {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	var srv *api.Server
	if cfg.API.Enabled {
		srv = api.New(cfg.API.Addr, sched)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.ErrorWithErr(ctx, "HTTP server failed", err)
			}
		}()
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}
	logger.Info(ctx, "Guard started", "mode", cfg.Mode, "holdings", len(state.Holdings))

	<-ctx.Done()
	logger.Info(context.Background(), "Shutting down...")
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.ErrorWithErr(shutdownCtx, "HTTP server shutdown failed", err)
		}
	}
	if p, err := sched.EndOfDay(shutdownCtx, time.Now()); err == nil && p != "" {
		logger.Info(shutdownCtx, "EOD CSV written", "path", p)
	}
	return nil
}

func ledgerCmd() *cobra.Command {
	var after int64
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Print ledger entries as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := initializeSystem(configPath)
			if err != nil {
				return err
			}
			st, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.close()

			entries, err := st.ledger.Entries(ctx, after)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "Only entries with a greater sequence id")
	return cmd
}

func reportCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Write the end-of-day trade report",
		RunE: func(cmd *cobra.Command, args []string) error {
			day := time.Now().UTC()
			if date != "" {
				d, err := time.Parse("2006-01-02", date)
				if err != nil {
					return fmt.Errorf("invalid --date %q: %w", date, err)
				}
				day = d
			}

			ctx := cmd.Context()
			cfg, err := initializeSystem(configPath)
			if err != nil {
				return err
			}
			st, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.close()

			entries, err := st.ledger.Entries(ctx, 0)
			if err != nil {
				return err
			}
			p, err := eod.New(cfg.Storage.ReportDir, cfg.Storage.ReportRetentionDays).Summarize(ctx, entries, day)
			if err != nil {
				return err
			}
			if p == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "no trades on", day.Format("2006-01-02"))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), p)
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Report date (YYYY-MM-DD, UTC); defaults to today")
	return cmd
}
