package eod

import "github.com/shopspring/decimal"

// symbolRow aggregates one symbol's sells for a day.
type symbolRow struct {
	Symbol    string
	Trades    int
	SoldQty   decimal.Decimal
	Proceeds  decimal.Decimal
	CostBasis decimal.Decimal
}

func (r symbolRow) avgPrice() decimal.Decimal {
	if r.SoldQty.IsZero() {
		return decimal.Zero
	}
	return r.Proceeds.Div(r.SoldQty)
}

func (r symbolRow) realized() decimal.Decimal {
	return r.Proceeds.Sub(r.CostBasis)
}
