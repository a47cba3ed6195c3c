package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"portfolio-guard/internal/interfaces"
	"portfolio-guard/internal/types"
)

var (
	_ interfaces.Ledger        = (*DB)(nil)
	_ interfaces.SnapshotStore = (*DB)(nil)
	_ interfaces.KVStore       = (*DB)(nil)
)

// Dialect captures the few differences between the supported SQL engines.
type Dialect struct {
	Name       string
	BlobType   string
	Positional bool // $1, $2 placeholders instead of ?
}

var (
	SQLite   = Dialect{Name: "sqlite", BlobType: "BLOB"}
	Postgres = Dialect{Name: "postgres", BlobType: "BYTEA", Positional: true}
)

// DB stores the ledger, snapshot and cache entries in one SQL database.
type DB struct {
	conn    *sql.DB
	dialect Dialect
	mu      sync.Mutex // serializes ledger appends
	now     func() time.Time
}

// New wraps an open connection and creates the schema.
func New(ctx context.Context, conn *sql.DB, d Dialect) (*DB, error) {
	db := &DB{conn: conn, dialect: d, now: time.Now}
	if err := db.Migrate(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates missing tables.
func (db *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			seq                BIGINT PRIMARY KEY,
			ts                 BIGINT NOT NULL,
			symbol             TEXT NOT NULL,
			kind               TEXT NOT NULL,
			quantity           TEXT NOT NULL,
			price              TEXT NOT NULL,
			resulting_cash     TEXT NOT NULL,
			resulting_quantity TEXT NOT NULL,
			purchase_price     TEXT NOT NULL,
			stop_loss_pct      TEXT NOT NULL,
			reason             TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS portfolio_snapshot (
			id       INTEGER PRIMARY KEY,
			body     TEXT NOT NULL,
			saved_at BIGINT NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS cache_entries (
			cache_key  TEXT PRIMARY KEY,
			value      %s NOT NULL,
			stored_at  BIGINT NOT NULL,
			expires_at BIGINT NOT NULL
		)`, db.dialect.BlobType),
		`CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries (expires_at)`,
	}
	for _, s := range stmts {
		if _, err := db.conn.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("%w: migrate %s: %v", types.ErrPersistence, db.dialect.Name, err)
		}
	}
	return nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) Append(ctx context.Context, e types.LedgerEntry) (types.LedgerEntry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return types.LedgerEntry{}, fmt.Errorf("%w: begin: %v", types.ErrPersistence, err)
	}
	defer tx.Rollback()

	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM ledger_entries`).Scan(&last); err != nil {
		return types.LedgerEntry{}, fmt.Errorf("%w: next seq: %v", types.ErrPersistence, err)
	}
	e.Seq = last + 1
	if e.Timestamp.IsZero() {
		e.Timestamp = db.now().UTC()
	}

	_, err = tx.ExecContext(ctx, db.q(`INSERT INTO ledger_entries
		(seq, ts, symbol, kind, quantity, price, resulting_cash, resulting_quantity, purchase_price, stop_loss_pct, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.Seq, e.Timestamp.UnixNano(), e.Symbol, string(e.Kind),
		e.Quantity.String(), e.Price.String(), e.ResultingCash.String(), e.ResultingQuantity.String(),
		e.PurchasePrice.String(), e.StopLossPct.String(), e.Reason,
	)
	if err != nil {
		return types.LedgerEntry{}, fmt.Errorf("%w: insert seq %d: %v", types.ErrPersistence, e.Seq, err)
	}
	if err := tx.Commit(); err != nil {
		return types.LedgerEntry{}, fmt.Errorf("%w: commit seq %d: %v", types.ErrPersistence, e.Seq, err)
	}
	return e, nil
}

func (db *DB) Entries(ctx context.Context, afterSeq int64) ([]types.LedgerEntry, error) {
	rows, err := db.conn.QueryContext(ctx, db.q(`SELECT
		seq, ts, symbol, kind, quantity, price, resulting_cash, resulting_quantity, purchase_price, stop_loss_pct, reason
		FROM ledger_entries WHERE seq > ? ORDER BY seq`), afterSeq)
	if err != nil {
		return nil, fmt.Errorf("%w: query entries: %v", types.ErrPersistence, err)
	}
	defer rows.Close()

	var out []types.LedgerEntry
	for rows.Next() {
		var (
			e                                         types.LedgerEntry
			ts                                        int64
			kind                                      string
			qty, price, cash, resQty, purchase, stopP string
		)
		if err := rows.Scan(&e.Seq, &ts, &e.Symbol, &kind, &qty, &price, &cash, &resQty, &purchase, &stopP, &e.Reason); err != nil {
			return nil, fmt.Errorf("%w: scan entry: %v", types.ErrPersistence, err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		e.Kind = types.EntryKind(kind)
		if err := parseDecimals(
			[]string{qty, price, cash, resQty, purchase, stopP},
			[]*decimal.Decimal{&e.Quantity, &e.Price, &e.ResultingCash, &e.ResultingQuantity, &e.PurchasePrice, &e.StopLossPct},
		); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", types.ErrPersistence, e.Seq, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	return out, nil
}

func (db *DB) SaveSnapshot(ctx context.Context, state types.PortfolioState) error {
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: encode snapshot: %v", types.ErrPersistence, err)
	}
	_, err = db.conn.ExecContext(ctx, db.q(`INSERT INTO portfolio_snapshot (id, body, saved_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET body = excluded.body, saved_at = excluded.saved_at`),
		string(body), db.now().UnixNano())
	if err != nil {
		return fmt.Errorf("%w: save snapshot: %v", types.ErrPersistence, err)
	}
	return nil
}

func (db *DB) LoadSnapshot(ctx context.Context) (*types.PortfolioState, error) {
	var body string
	err := db.conn.QueryRowContext(ctx, `SELECT body FROM portfolio_snapshot WHERE id = 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load snapshot: %v", types.ErrPersistence, err)
	}
	var state types.PortfolioState
	if err := json.Unmarshal([]byte(body), &state); err != nil {
		return nil, fmt.Errorf("%w: decode snapshot: %v", types.ErrPersistence, err)
	}
	return &state, nil
}

func (db *DB) Get(ctx context.Context, key string) ([]byte, time.Time, bool, error) {
	var (
		value    []byte
		storedAt int64
	)
	err := db.conn.QueryRowContext(ctx, db.q(`SELECT value, stored_at FROM cache_entries WHERE cache_key = ?`), key).Scan(&value, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("%w: get %s: %v", types.ErrPersistence, key, err)
	}
	return value, time.Unix(0, storedAt), true, nil
}

func (db *DB) Set(ctx context.Context, key string, value []byte, storedAt, expiresAt time.Time) error {
	if value == nil {
		value = []byte{}
	}
	_, err := db.conn.ExecContext(ctx, db.q(`INSERT INTO cache_entries (cache_key, value, stored_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET value = excluded.value, stored_at = excluded.stored_at, expires_at = excluded.expires_at`),
		key, value, storedAt.UnixNano(), expiresAt.UnixNano())
	if err != nil {
		return fmt.Errorf("%w: set %s: %v", types.ErrPersistence, key, err)
	}
	return nil
}

func (db *DB) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, db.q(`DELETE FROM cache_entries WHERE expires_at < ?`), now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("%w: delete expired: %v", types.ErrPersistence, err)
	}
	return res.RowsAffected()
}

// q rewrites ? placeholders for dialects that number them.
func (db *DB) q(query string) string {
	if !db.dialect.Positional {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func parseDecimals(raw []string, dst []*decimal.Decimal) error {
	for i, s := range raw {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return err
		}
		*dst[i] = v
	}
	return nil
}
