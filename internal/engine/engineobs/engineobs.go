package engineobs

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"portfolio-guard/internal/interfaces"
	"portfolio-guard/internal/logger"
	"portfolio-guard/internal/trace"
	"portfolio-guard/internal/types"
)

type observableDecider struct {
	decider interfaces.Decider
}

var _ interfaces.Decider = (*observableDecider)(nil)

func Wrap(d interfaces.Decider) interfaces.Decider {
	return &observableDecider{
		decider: d,
	}
}

func (od *observableDecider) Decide(ctx context.Context, h types.Holding, q types.Quote, totalValue decimal.Decimal) types.Decision {
	ctx, span := trace.StartSpan(ctx, "engine.Decide",
		attribute.String("symbol", h.Symbol),
	)
	defer span.End()

	start := time.Now()
	d := od.decider.Decide(ctx, h, q, totalValue)

	span.SetAttributes(attribute.String("decision", string(d.Kind)))
	if d.Trades() {
		logger.Decision(ctx, d.Symbol, string(d.Kind), d.Quantity.String(), d.Price.String(), d.Reason,
			"total_value", totalValue.String(),
			"price_stale", q.PriceStale,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return d
	}

	logger.Debug(ctx, "Holding evaluated",
		"symbol", h.Symbol,
		"decision", string(d.Kind),
		"reason", d.Reason,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return d
}
