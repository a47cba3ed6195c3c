package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"portfolio-guard/internal/types"
)

// OpenEntries seeds a book: one OPEN entry per holding. The first entry
// carries the starting cash so a replay from empty restores it.
func OpenEntries(holdings []types.Holding, cash decimal.Decimal, now time.Time) []types.LedgerEntry {
	out := make([]types.LedgerEntry, 0, len(holdings))
	for _, h := range holdings {
		out = append(out, types.LedgerEntry{
			Timestamp:         now,
			Symbol:            h.Symbol,
			Kind:              types.EntryOpen,
			Quantity:          h.Quantity,
			Price:             h.PurchasePrice,
			ResultingCash:     cash,
			ResultingQuantity: h.Quantity,
			PurchasePrice:     h.PurchasePrice,
			StopLossPct:       h.StopLossPct,
			Reason:            "initial holding",
		})
	}
	return out
}

// Entry turns a trading decision into the ledger entry that would record it
// against state. Seq is left for the ledger to assign.
func Entry(state types.PortfolioState, d types.Decision, now time.Time) (types.LedgerEntry, error) {
	var kind types.EntryKind
	switch d.Kind {
	case types.DecisionLiquidate:
		kind = types.EntryLiquidate
	case types.DecisionRebalance:
		kind = types.EntryRebalance
	default:
		return types.LedgerEntry{}, fmt.Errorf("%w: %s decisions are not recorded", types.ErrInvariantViolation, d.Kind)
	}

	h, idx := state.Holding(d.Symbol)
	if idx < 0 {
		return types.LedgerEntry{}, fmt.Errorf("%w: no holding for %s", types.ErrInvariantViolation, d.Symbol)
	}
	if !d.Quantity.IsPositive() || !d.Price.IsPositive() {
		return types.LedgerEntry{}, fmt.Errorf("%w: %s quantity %s price %s", types.ErrInvariantViolation, d.Symbol, d.Quantity, d.Price)
	}

	resultingQty := h.Quantity.Sub(d.Quantity)
	resultingCash := state.Cash.Add(d.Quantity.Mul(d.Price))
	if resultingQty.IsNegative() || resultingCash.IsNegative() {
		return types.LedgerEntry{}, fmt.Errorf("%w: %s would leave quantity %s cash %s",
			types.ErrInvariantViolation, d.Symbol, resultingQty, resultingCash)
	}

	return types.LedgerEntry{
		Timestamp:         now,
		Symbol:            d.Symbol,
		Kind:              kind,
		Quantity:          d.Quantity,
		Price:             d.Price,
		ResultingCash:     resultingCash,
		ResultingQuantity: resultingQty,
		PurchasePrice:     h.PurchasePrice,
		StopLossPct:       h.StopLossPct,
		Reason:            d.Reason,
	}, nil
}

// Apply folds one ledger entry into state and returns the new state. Entries
// at or below state.LastSeq are already reflected and are ignored.
func Apply(state types.PortfolioState, e types.LedgerEntry) (types.PortfolioState, error) {
	if e.Seq != 0 && e.Seq <= state.LastSeq {
		return state, nil
	}
	if e.ResultingQuantity.IsNegative() || e.ResultingCash.IsNegative() {
		return state, fmt.Errorf("%w: entry %d leaves negative balance", types.ErrInvariantViolation, e.Seq)
	}

	next := state.Clone()
	h, idx := next.Holding(e.Symbol)

	switch e.Kind {
	case types.EntryOpen:
		h = types.Holding{
			Symbol:        e.Symbol,
			Quantity:      e.ResultingQuantity,
			PurchasePrice: e.PurchasePrice,
			StopLossPct:   e.StopLossPct,
		}
		if idx < 0 {
			next.Holdings = append(next.Holdings, h)
		} else {
			next.Holdings[idx] = h
		}
	case types.EntryLiquidate, types.EntryRebalance:
		if idx < 0 {
			return state, fmt.Errorf("%w: entry %d sells unknown holding %s", types.ErrInvariantViolation, e.Seq, e.Symbol)
		}
		if !h.Quantity.Sub(e.Quantity).Equal(e.ResultingQuantity) {
			return state, fmt.Errorf("%w: entry %d expects %s %s, book has %s",
				types.ErrInvariantViolation, e.Seq, e.Symbol, e.ResultingQuantity, h.Quantity.Sub(e.Quantity))
		}
		if e.ResultingQuantity.IsZero() {
			next.Holdings = append(next.Holdings[:idx], next.Holdings[idx+1:]...)
		} else {
			h.Quantity = e.ResultingQuantity
			next.Holdings[idx] = h
		}
	default:
		return state, fmt.Errorf("%w: unknown entry kind %q", types.ErrInvariantViolation, e.Kind)
	}

	next.Cash = e.ResultingCash
	next.Marks[e.Symbol] = e.Price
	if e.Seq > next.LastSeq {
		next.LastSeq = e.Seq
	}
	if e.Timestamp.After(next.LastUpdated) {
		next.LastUpdated = e.Timestamp
	}
	next.LastTotalValue = MarkValue(next)
	return next, nil
}

// Replay rebuilds state by folding entries over base in sequence order.
func Replay(base types.PortfolioState, entries []types.LedgerEntry) (types.PortfolioState, error) {
	state := base
	if state.Marks == nil {
		state.Marks = map[string]decimal.Decimal{}
	}
	for _, e := range entries {
		next, err := Apply(state, e)
		if err != nil {
			return state, err
		}
		state = next
	}
	return state, nil
}
