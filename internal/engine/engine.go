package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"portfolio-guard/internal/logger"
	"portfolio-guard/internal/types"
)

// Engine evaluates stop-loss and allocation rules. It holds no mutable
// state; the same inputs always produce the same decision.
type Engine struct {
	th    types.Thresholds
	stops *stopManager
	risk  *riskManager
}

func newEngine(th types.Thresholds) *Engine {
	return &Engine{
		th:    th,
		stops: newStopManager(th.StopLossPct),
		risk:  newRiskManager(th.MaxAllocation),
	}
}

// Decide applies the rules in precedence order: unavailable price holds,
// stop-loss liquidates, excess allocation rebalances, everything else holds.
// Sentiment never reaches this path.
func (e *Engine) Decide(ctx context.Context, h types.Holding, q types.Quote, totalValue decimal.Decimal) types.Decision {
	if !q.Available() {
		logger.Debug(ctx, "Price unavailable, holding", "symbol", h.Symbol)
		return types.Decision{Kind: types.DecisionHold, Symbol: h.Symbol, Reason: "price unavailable"}
	}
	price := q.Price
	hold := types.Decision{Kind: types.DecisionHold, Symbol: h.Symbol, Price: price}

	if !h.Quantity.IsPositive() {
		hold.Reason = "empty holding"
		return hold
	}

	if hit, stop := e.stops.checkStopLoss(ctx, h, price); hit {
		return types.Decision{
			Kind:     types.DecisionLiquidate,
			Symbol:   h.Symbol,
			Quantity: h.Quantity,
			Price:    price,
			Reason:   fmt.Sprintf("price %s at or below stop-loss %s", price, stop),
		}
	}

	if sell, over := e.risk.excess(ctx, h, price, totalValue); over {
		return types.Decision{
			Kind:     types.DecisionRebalance,
			Symbol:   h.Symbol,
			Quantity: sell,
			Price:    price,
			Reason: fmt.Sprintf("allocation %s above max %s",
				e.risk.fraction(h, price, totalValue).StringFixed(4), e.th.MaxAllocation),
		}
	}

	hold.Reason = "within limits"
	return hold
}

// Advise maps a sentiment score to a display-only recommendation.
func Advise(score *float64, th types.Thresholds) types.Recommendation {
	if score == nil {
		return types.RecommendUnknown
	}
	switch {
	case *score >= th.PositiveThreshold:
		return types.RecommendHoldBuy
	case *score <= th.NegativeThreshold:
		return types.RecommendSell
	default:
		return types.RecommendMonitor
	}
}
