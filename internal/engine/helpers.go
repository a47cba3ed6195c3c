package engine

import (
	"github.com/shopspring/decimal"

	"portfolio-guard/internal/types"
)

// Valuate prices the book at the tick's quotes, falling back to the last
// mark for symbols without an available price. It returns the total value
// and the marks to store.
func Valuate(state types.PortfolioState, quotes map[string]types.Quote) (decimal.Decimal, map[string]decimal.Decimal) {
	marks := make(map[string]decimal.Decimal, len(state.Holdings))
	total := state.Cash
	for _, h := range state.Holdings {
		price := priceFor(state, quotes, h)
		marks[h.Symbol] = price
		total = total.Add(h.Value(price))
	}
	return total, marks
}

// MarkValue is cash plus every holding at its last mark.
func MarkValue(state types.PortfolioState) decimal.Decimal {
	total, _ := Valuate(state, nil)
	return total
}

// Allocation returns each holding's fraction of total value.
func Allocation(state types.PortfolioState) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(state.Holdings))
	total := MarkValue(state)
	if !total.IsPositive() {
		return out
	}
	for _, h := range state.Holdings {
		out[h.Symbol] = h.Value(state.Marks[h.Symbol]).Div(total)
	}
	return out
}

func priceFor(state types.PortfolioState, quotes map[string]types.Quote, h types.Holding) decimal.Decimal {
	if q, ok := quotes[h.Symbol]; ok && q.Available() {
		return q.Price
	}
	if m, ok := state.Marks[h.Symbol]; ok {
		return m
	}
	return h.PurchasePrice
}

// StopLossPrice is the price at which h liquidates, using defaultPct when the
// holding carries no stop-loss of its own.
func StopLossPrice(h types.Holding, defaultPct decimal.Decimal) decimal.Decimal {
	return newStopManager(defaultPct).stopPrice(h)
}
