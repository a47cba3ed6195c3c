package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"portfolio-guard/internal/logger"
	"portfolio-guard/internal/types"
)

// quantityPlaces is the precision of sold quantities.
const quantityPlaces = 8

// riskManager enforces the max-allocation cap.
type riskManager struct {
	maxAllocation decimal.Decimal
}

func newRiskManager(maxAllocation decimal.Decimal) *riskManager {
	return &riskManager{maxAllocation: maxAllocation}
}

// fraction returns quantity*price / totalValue, or zero when the total is not positive.
func (rm *riskManager) fraction(h types.Holding, price, totalValue decimal.Decimal) decimal.Decimal {
	if !totalValue.IsPositive() {
		return decimal.Zero
	}
	return h.Value(price).Div(totalValue)
}

// excess returns the quantity to sell so the holding's fraction of the
// portfolio falls back to the cap. The amount is rounded up so the cap holds
// after the sale and never exceeds the held quantity.
func (rm *riskManager) excess(ctx context.Context, h types.Holding, price, totalValue decimal.Decimal) (decimal.Decimal, bool) {
	if !price.IsPositive() || !totalValue.IsPositive() || !h.Quantity.IsPositive() {
		return decimal.Zero, false
	}
	frac := rm.fraction(h, price, totalValue)
	if !frac.GreaterThan(rm.maxAllocation) {
		return decimal.Zero, false
	}

	target := rm.maxAllocation.Mul(totalValue).Div(price)
	sell := h.Quantity.Sub(target).RoundCeil(quantityPlaces)
	if sell.GreaterThan(h.Quantity) {
		sell = h.Quantity
	}
	if !sell.IsPositive() {
		return decimal.Zero, false
	}

	logger.Risk(ctx, h.Symbol, "MAX_ALLOCATION_EXCEEDED",
		"fraction", frac.StringFixed(4),
		"max_allocation", rm.maxAllocation.String(),
		"price", price.String(),
		"total_value", totalValue.String(),
		"sell_quantity", sell.String(),
	)
	return sell, true
}
