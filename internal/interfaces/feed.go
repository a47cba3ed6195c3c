package interfaces

import (
	"context"

	"portfolio-guard/internal/types"
)

// PriceFeed must be safe to call concurrently for different symbols.
// Errors are *types.FeedError.
type PriceFeed interface {
	FetchPrice(ctx context.Context, symbol string) (types.PriceQuote, error)
}

// SentimentFeed must be safe to call concurrently for different symbols.
type SentimentFeed interface {
	FetchSentiment(ctx context.Context, symbol string) (types.SentimentScore, error)
}
