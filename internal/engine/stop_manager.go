package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"portfolio-guard/internal/logger"
	"portfolio-guard/internal/types"
)

// stopManager handles stop-loss thresholds and checks.
type stopManager struct {
	defaultPct decimal.Decimal // applied when a holding carries no stop-loss pct
}

func newStopManager(defaultPct decimal.Decimal) *stopManager {
	return &stopManager{defaultPct: defaultPct}
}

// stopPrice returns purchase_price * (1 - stop_loss_pct) for the holding.
func (sm *stopManager) stopPrice(h types.Holding) decimal.Decimal {
	if h.StopLossPct.IsPositive() {
		return h.StopLossPrice()
	}
	h.StopLossPct = sm.defaultPct
	return h.StopLossPrice()
}

// checkStopLoss verifies if the current price has hit the stop-loss.
//
// Parameters:
//   - ctx: Context for logging
//   - h: Holding under evaluation
//   - price: Current market price
//
// Returns:
//   - triggered: true if price <= stop-loss price
//   - stop: the stop-loss price that was compared against
func (sm *stopManager) checkStopLoss(ctx context.Context, h types.Holding, price decimal.Decimal) (bool, decimal.Decimal) {
	stop := sm.stopPrice(h)
	if !h.Quantity.IsPositive() || price.GreaterThan(stop) {
		return false, stop
	}

	logger.Risk(ctx, h.Symbol, "STOP_LOSS_TRIGGERED",
		"current_price", price.String(),
		"stop_price", stop.String(),
		"quantity", h.Quantity.String(),
		"purchase_price", h.PurchasePrice.String(),
		"unrealized_loss", price.Sub(h.PurchasePrice).Mul(h.Quantity).String(),
	)
	return true, stop
}
