package interfaces

import (
	"context"
	"time"

	"portfolio-guard/internal/types"
)

// Ledger is the durable, append-only trade record.
type Ledger interface {
	// Append assigns the next sequence id (and timestamp when zero) and persists the entry.
	Append(ctx context.Context, entry types.LedgerEntry) (types.LedgerEntry, error)
	// Entries returns entries with Seq > afterSeq in sequence order.
	Entries(ctx context.Context, afterSeq int64) ([]types.LedgerEntry, error)
	Close() error
}

// SnapshotStore persists the latest PortfolioState for restart recovery.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, state types.PortfolioState) error
	// LoadSnapshot returns nil, nil when no snapshot has been saved yet.
	LoadSnapshot(ctx context.Context) (*types.PortfolioState, error)
}

// KVStore is a durable key/value store with absolute expiry.
type KVStore interface {
	Get(ctx context.Context, key string) (value []byte, storedAt time.Time, found bool, err error)
	Set(ctx context.Context, key string, value []byte, storedAt, expiresAt time.Time) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
