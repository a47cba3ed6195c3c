package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"portfolio-guard/internal/engine"
	"portfolio-guard/internal/interfaces"
	"portfolio-guard/internal/logger"
	"portfolio-guard/internal/types"
)

// Recover rebuilds the book from the latest snapshot plus every ledger entry
// after it. An empty ledger with no snapshot is seeded with OPEN entries for
// holdings, the first carrying cash.
func Recover(ctx context.Context, ledger interfaces.Ledger, snaps interfaces.SnapshotStore, holdings []types.Holding, cash decimal.Decimal, now time.Time) (types.PortfolioState, error) {
	base := types.PortfolioState{Marks: map[string]decimal.Decimal{}}
	snap, err := snaps.LoadSnapshot(ctx)
	if err != nil {
		return base, fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		base = *snap
	}

	entries, err := ledger.Entries(ctx, base.LastSeq)
	if err != nil {
		return base, fmt.Errorf("read ledger: %w", err)
	}

	if snap == nil && len(entries) == 0 {
		for _, e := range engine.OpenEntries(holdings, cash, now.UTC()) {
			appended, err := ledger.Append(ctx, e)
			if err != nil {
				return base, fmt.Errorf("seed ledger: %w", err)
			}
			entries = append(entries, appended)
		}
		logger.Info(ctx, "Ledger seeded with opening holdings", "holdings", len(holdings), "cash", cash.StringFixed(2))
	}

	state, err := engine.Replay(base, entries)
	if err != nil {
		return state, fmt.Errorf("replay ledger: %w", err)
	}
	logger.Info(ctx, "Portfolio recovered",
		"from_snapshot", snap != nil,
		"replayed", len(entries),
		"last_seq", state.LastSeq,
		"holdings", len(state.Holdings),
		"total_value", state.LastTotalValue.StringFixed(2),
	)
	return state, nil
}
