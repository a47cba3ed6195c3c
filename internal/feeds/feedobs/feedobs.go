package feedobs

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"portfolio-guard/internal/interfaces"
	"portfolio-guard/internal/logger"
	"portfolio-guard/internal/trace"
	"portfolio-guard/internal/types"
)

// observablePriceFeed wraps a PriceFeed with observability (logging & tracing)
type observablePriceFeed struct {
	feed interfaces.PriceFeed
	name string
}

// observableSentimentFeed wraps a SentimentFeed with observability
type observableSentimentFeed struct {
	feed interfaces.SentimentFeed
	name string
}

// Compile-time interface checks
var (
	_ interfaces.PriceFeed     = (*observablePriceFeed)(nil)
	_ interfaces.SentimentFeed = (*observableSentimentFeed)(nil)
)

// WrapPrice wraps a price feed with observability middleware
func WrapPrice(feed interfaces.PriceFeed, name string) interfaces.PriceFeed {
	return &observablePriceFeed{feed: feed, name: name}
}

// WrapSentiment wraps a sentiment feed with observability middleware
func WrapSentiment(feed interfaces.SentimentFeed, name string) interfaces.SentimentFeed {
	return &observableSentimentFeed{feed: feed, name: name}
}

// FetchPrice fetches a price with observability
func (of *observablePriceFeed) FetchPrice(ctx context.Context, symbol string) (types.PriceQuote, error) {
	ctx, span := trace.StartSpan(ctx, "feed.FetchPrice",
		attribute.String("feed", of.name),
		attribute.String("symbol", symbol),
	)
	defer span.End()

	start := time.Now()
	logger.Debug(ctx, "Fetching price", "feed", of.name, "symbol", symbol)

	q, err := of.feed.FetchPrice(ctx, symbol)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to fetch price", err,
			"feed", of.name,
			"symbol", symbol,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return q, err
	}

	logger.Debug(ctx, "Price fetched successfully",
		"feed", of.name,
		"symbol", symbol,
		"price", q.Price.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return q, nil
}

// FetchSentiment fetches a sentiment score with observability
func (of *observableSentimentFeed) FetchSentiment(ctx context.Context, symbol string) (types.SentimentScore, error) {
	ctx, span := trace.StartSpan(ctx, "feed.FetchSentiment",
		attribute.String("feed", of.name),
		attribute.String("symbol", symbol),
	)
	defer span.End()

	start := time.Now()
	logger.Debug(ctx, "Fetching sentiment", "feed", of.name, "symbol", symbol)

	s, err := of.feed.FetchSentiment(ctx, symbol)
	if err != nil {
		logger.Warn(ctx, "Failed to fetch sentiment",
			"error", err,
			"feed", of.name,
			"symbol", symbol,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return s, err
	}

	logger.Debug(ctx, "Sentiment fetched successfully",
		"feed", of.name,
		"symbol", symbol,
		"score", s.Score,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return s, nil
}
