package interfaces

import (
	"context"

	"github.com/shopspring/decimal"

	"portfolio-guard/internal/types"
)

// Decider turns a holding and its tick quote into a trade decision.
type Decider interface {
	Decide(ctx context.Context, holding types.Holding, quote types.Quote, totalValue decimal.Decimal) types.Decision
}
