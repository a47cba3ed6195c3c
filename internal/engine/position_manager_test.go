package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portfolio-guard/internal/types"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func seedHoldings() []types.Holding {
	return []types.Holding{
		{Symbol: "PHA", Quantity: d("250"), PurchasePrice: d("0.20"), StopLossPct: d("0.2")},
		{Symbol: "SUI", Quantity: d("10"), PurchasePrice: d("3.00"), StopLossPct: d("0.2")},
		{Symbol: "DUSK", Quantity: d("80"), PurchasePrice: d("0.25"), StopLossPct: d("0.2")},
	}
}

func withSeq(entries []types.LedgerEntry, from int64) []types.LedgerEntry {
	for i := range entries {
		entries[i].Seq = from + int64(i)
	}
	return entries
}

func assertSameBook(t *testing.T, want, got types.PortfolioState) {
	t.Helper()
	require.Len(t, got.Holdings, len(want.Holdings))
	for i := range want.Holdings {
		assert.Equal(t, want.Holdings[i].Symbol, got.Holdings[i].Symbol)
		assert.True(t, want.Holdings[i].Quantity.Equal(got.Holdings[i].Quantity), "%s qty", want.Holdings[i].Symbol)
		assert.True(t, want.Holdings[i].PurchasePrice.Equal(got.Holdings[i].PurchasePrice))
	}
	assert.True(t, want.Cash.Equal(got.Cash), "cash %s vs %s", want.Cash, got.Cash)
	assert.Equal(t, want.LastSeq, got.LastSeq)
	assert.True(t, want.LastTotalValue.Equal(got.LastTotalValue))
}

func TestOpenEntriesReplayToSeed(t *testing.T) {
	entries := withSeq(OpenEntries(seedHoldings(), d("5"), t0), 1)
	state, err := Replay(types.PortfolioState{}, entries)
	require.NoError(t, err)

	assert.Equal(t, []string{"PHA", "SUI", "DUSK"}, state.Symbols())
	assert.True(t, state.Cash.Equal(d("5")))
	assert.Equal(t, int64(3), state.LastSeq)
	// 250*0.20 + 10*3 + 80*0.25 + 5
	assert.True(t, state.LastTotalValue.Equal(d("105")), "total %s", state.LastTotalValue)
}

func TestEntryAndApplyLiquidation(t *testing.T) {
	state, err := Replay(types.PortfolioState{}, withSeq(OpenEntries(seedHoldings(), decimal.Zero, t0), 1))
	require.NoError(t, err)

	dec := types.Decision{Kind: types.DecisionLiquidate, Symbol: "PHA", Quantity: d("250"), Price: d("0.15")}
	entry, err := Entry(state, dec, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, types.EntryLiquidate, entry.Kind)
	assert.True(t, entry.ResultingQuantity.IsZero())
	assert.True(t, entry.ResultingCash.Equal(d("37.5")))

	entry.Seq = 4
	next, err := Apply(state, entry)
	require.NoError(t, err)
	_, idx := next.Holding("PHA")
	assert.Equal(t, -1, idx, "liquidated holding is removed")
	assert.True(t, next.Cash.Equal(d("37.5")))
	assert.Equal(t, int64(4), next.LastSeq)

	// original state untouched
	h, idx := state.Holding("PHA")
	require.GreaterOrEqual(t, idx, 0)
	assert.True(t, h.Quantity.Equal(d("250")))
}

func TestEntryRejectsOversell(t *testing.T) {
	state, err := Replay(types.PortfolioState{}, withSeq(OpenEntries(seedHoldings(), decimal.Zero, t0), 1))
	require.NoError(t, err)

	_, err = Entry(state, types.Decision{Kind: types.DecisionRebalance, Symbol: "SUI", Quantity: d("11"), Price: d("3")}, t0)
	assert.True(t, errors.Is(err, types.ErrInvariantViolation))

	_, err = Entry(state, types.Decision{Kind: types.DecisionHold, Symbol: "SUI"}, t0)
	assert.True(t, errors.Is(err, types.ErrInvariantViolation))

	_, err = Entry(state, types.Decision{Kind: types.DecisionLiquidate, Symbol: "BTC", Quantity: d("1"), Price: d("1")}, t0)
	assert.True(t, errors.Is(err, types.ErrInvariantViolation))
}

func TestApplyRejectsInconsistentEntry(t *testing.T) {
	state, err := Replay(types.PortfolioState{}, withSeq(OpenEntries(seedHoldings(), decimal.Zero, t0), 1))
	require.NoError(t, err)

	bad := types.LedgerEntry{Seq: 4, Symbol: "SUI", Kind: types.EntryRebalance, Quantity: d("2"), Price: d("3"),
		ResultingQuantity: d("9"), ResultingCash: d("6")}
	_, err = Apply(state, bad)
	assert.True(t, errors.Is(err, types.ErrInvariantViolation))

	neg := types.LedgerEntry{Seq: 4, Symbol: "SUI", Kind: types.EntryRebalance, Quantity: d("2"), Price: d("3"),
		ResultingQuantity: d("8"), ResultingCash: d("-1")}
	_, err = Apply(state, neg)
	assert.True(t, errors.Is(err, types.ErrInvariantViolation))
}

func TestReplayReproducesIncrementalState(t *testing.T) {
	entries := withSeq(OpenEntries(seedHoldings(), decimal.Zero, t0), 1)
	state, err := Replay(types.PortfolioState{}, entries)
	require.NoError(t, err)

	decisions := []types.Decision{
		{Kind: types.DecisionRebalance, Symbol: "SUI", Quantity: d("2.5"), Price: d("4.2")},
		{Kind: types.DecisionLiquidate, Symbol: "DUSK", Quantity: d("80"), Price: d("0.19")},
		{Kind: types.DecisionRebalance, Symbol: "PHA", Quantity: d("12.34567891"), Price: d("0.33")},
	}
	seq := int64(len(entries))
	for i, dec := range decisions {
		e, err := Entry(state, dec, t0.Add(time.Duration(i+1)*time.Minute))
		require.NoError(t, err)
		seq++
		e.Seq = seq
		entries = append(entries, e)
		state, err = Apply(state, e)
		require.NoError(t, err)

		for _, h := range state.Holdings {
			assert.False(t, h.Quantity.IsNegative())
		}
		assert.False(t, state.Cash.IsNegative())
	}

	replayed, err := Replay(types.PortfolioState{}, entries)
	require.NoError(t, err)
	assertSameBook(t, state, replayed)

	again, err := Replay(replayed, entries)
	require.NoError(t, err)
	assertSameBook(t, replayed, again)
}

func TestReplayFromSnapshotSkipsCoveredEntries(t *testing.T) {
	entries := withSeq(OpenEntries(seedHoldings(), decimal.Zero, t0), 1)
	snap, err := Replay(types.PortfolioState{}, entries)
	require.NoError(t, err)

	e, err := Entry(snap, types.Decision{Kind: types.DecisionRebalance, Symbol: "SUI", Quantity: d("1"), Price: d("3")}, t0)
	require.NoError(t, err)
	e.Seq = 4
	entries = append(entries, e)

	full, err := Replay(types.PortfolioState{}, entries)
	require.NoError(t, err)
	fromSnap, err := Replay(snap, entries)
	require.NoError(t, err)
	assertSameBook(t, full, fromSnap)
}

func TestValuateFallsBackToMarks(t *testing.T) {
	state, err := Replay(types.PortfolioState{}, withSeq(OpenEntries(seedHoldings(), d("10"), t0), 1))
	require.NoError(t, err)

	quotes := map[string]types.Quote{
		"PHA":  quote("PHA", "0.24"),
		"SUI":  {Symbol: "SUI"},
		"DUSK": quote("DUSK", "0.30"),
	}
	total, marks := Valuate(state, quotes)
	// 250*0.24 + 10*3.00 + 80*0.30 + 10
	assert.True(t, total.Equal(d("124")), "total %s", total)
	assert.True(t, marks["SUI"].Equal(d("3")))
	assert.True(t, marks["PHA"].Equal(d("0.24")))
}

func TestAllocation(t *testing.T) {
	state, err := Replay(types.PortfolioState{}, withSeq(OpenEntries(seedHoldings(), decimal.Zero, t0), 1))
	require.NoError(t, err)

	alloc := Allocation(state)
	assert.True(t, alloc["PHA"].Equal(d("0.5")), "PHA %s", alloc["PHA"])
	assert.True(t, alloc["SUI"].Equal(d("0.3")))
	assert.True(t, alloc["DUSK"].Equal(d("0.2")))
}
