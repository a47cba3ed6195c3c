package tradelog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portfolio-guard/internal/types"
)

func entry(symbol string, kind types.EntryKind, qty, price string) types.LedgerEntry {
	return types.LedgerEntry{
		Timestamp:         time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Symbol:            symbol,
		Kind:              kind,
		Quantity:          decimal.RequireFromString(qty),
		Price:             decimal.RequireFromString(price),
		ResultingQuantity: decimal.RequireFromString(qty),
		ResultingCash:     decimal.Zero,
	}
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	ctx := context.Background()
	l, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer l.Close()

	a, err := l.Append(ctx, entry("PHA", types.EntryOpen, "250", "0.2"))
	require.NoError(t, err)
	b, err := l.Append(ctx, entry("SUI", types.EntryOpen, "10", "3"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.Seq)
	assert.Equal(t, int64(2), b.Seq)

	all, err := l.Entries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "SUI", all[1].Symbol)
	assert.True(t, all[0].Price.Equal(decimal.RequireFromString("0.2")))

	after, err := l.Entries(ctx, 1)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, int64(2), after[0].Seq)
}

func TestReopenContinuesSequence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	l, err := Open(dir, []byte("k"))
	require.NoError(t, err)
	_, err = l.Append(ctx, entry("PHA", types.EntryOpen, "250", "0.2"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l2, err := Open(dir, []byte("k"))
	require.NoError(t, err)
	defer l2.Close()
	e, err := l2.Append(ctx, entry("DUSK", types.EntryOpen, "80", "0.25"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Seq)
}

func TestSignatureMismatchIsDetected(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	l, err := Open(dir, []byte("secret"))
	require.NoError(t, err)
	_, err = l.Append(ctx, entry("PHA", types.EntryOpen, "250", "0.2"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	p := filepath.Join(dir, ledgerFile)
	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"250"`, `"2500"`, 1)
	require.NotEqual(t, string(raw), tampered)
	require.NoError(t, os.WriteFile(p, []byte(tampered), 0o644))

	_, err = Open(dir, []byte("secret"))
	assert.True(t, errors.Is(err, types.ErrPersistence))

	// without a key the tampered line still parses
	l3, err := Open(dir, nil)
	require.NoError(t, err)
	defer l3.Close()
}

func TestAppendAfterCloseFails(t *testing.T) {
	l, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = l.Append(context.Background(), entry("PHA", types.EntryOpen, "1", "1"))
	assert.True(t, errors.Is(err, types.ErrPersistence))
}

func TestConcurrentAppendsAreSerialized(t *testing.T) {
	ctx := context.Background()
	l, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer l.Close()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Append(ctx, entry("PHA", types.EntryRebalance, "1", "0.2"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := l.Entries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 25)
	for i, e := range all {
		assert.Equal(t, int64(i+1), e.Seq)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	l, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer l.Close()

	snap, err := l.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)

	state := types.PortfolioState{
		Holdings: []types.Holding{{Symbol: "SUI", Quantity: decimal.NewFromInt(10), PurchasePrice: decimal.NewFromInt(3)}},
		Cash:     decimal.RequireFromString("12.5"),
		LastSeq:  7,
		Marks:    map[string]decimal.Decimal{"SUI": decimal.RequireFromString("3.2")},
	}
	require.NoError(t, l.SaveSnapshot(ctx, state))

	got, err := l.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(7), got.LastSeq)
	assert.True(t, got.Cash.Equal(state.Cash))
	assert.True(t, got.Marks["SUI"].Equal(decimal.RequireFromString("3.2")))
	require.Len(t, got.Holdings, 1)
	assert.True(t, got.Holdings[0].Quantity.Equal(decimal.NewFromInt(10)))
}

// faultyFile fails the next Write halfway or the next Sync.
type faultyFile struct {
	*os.File
	halfWrite bool
	failSync  bool
}

func (f *faultyFile) Write(p []byte) (int, error) {
	if f.halfWrite {
		f.halfWrite = false
		n, _ := f.File.Write(p[:len(p)/2])
		return n, errors.New("disk full")
	}
	return f.File.Write(p)
}

func (f *faultyFile) Sync() error {
	if f.failSync {
		f.failSync = false
		return errors.New("input/output error")
	}
	return f.File.Sync()
}

func TestFailedAppendLeavesLedgerReadable(t *testing.T) {
	tests := []struct {
		name string
		ff   func(*os.File) *faultyFile
	}{
		{"sync fails after full write", func(f *os.File) *faultyFile { return &faultyFile{File: f, failSync: true} }},
		{"partial write", func(f *os.File) *faultyFile { return &faultyFile{File: f, halfWrite: true} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			l, err := Open(dir, []byte("audit"))
			require.NoError(t, err)

			_, err = l.Append(ctx, entry("PHA", types.EntryOpen, "250", "0.2"))
			require.NoError(t, err)

			l.f = tt.ff(l.f.(*os.File))
			_, err = l.Append(ctx, entry("PHA", types.EntryLiquidate, "250", "0.15"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrPersistence))

			retry, err := l.Append(ctx, entry("PHA", types.EntryLiquidate, "250", "0.15"))
			require.NoError(t, err)
			assert.Equal(t, int64(2), retry.Seq)

			all, err := l.Entries(ctx, 0)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, types.EntryLiquidate, all[1].Kind)
			require.NoError(t, l.Close())

			reopened, err := Open(dir, []byte("audit"))
			require.NoError(t, err)
			defer reopened.Close()
			next, err := reopened.Append(ctx, entry("SUI", types.EntryOpen, "10", "3"))
			require.NoError(t, err)
			assert.Equal(t, int64(3), next.Seq)
		})
	}
}
