package static

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"portfolio-guard/internal/interfaces"
	"portfolio-guard/internal/types"
)

const source = "static"

// Market is one symbol's fixed market data.
type Market struct {
	Price        decimal.Decimal
	MarketCap    decimal.Decimal
	ChangePct24h float64
	Sentiment    *float64
}

// Feed serves fixed prices and sentiment for DRY_RUN runs and tests.
// Values and failures can be changed while it is in use.
type Feed struct {
	mu       sync.RWMutex
	markets  map[string]Market
	failures map[string]error
	delay    time.Duration
	now      func() time.Time
}

var (
	_ interfaces.PriceFeed     = (*Feed)(nil)
	_ interfaces.SentimentFeed = (*Feed)(nil)
)

func score(v float64) *float64 { return &v }

// DefaultMarkets is the built-in sample market.
func DefaultMarkets() map[string]Market {
	return map[string]Market{
		"PHA":  {Price: decimal.RequireFromString("0.22"), MarketCap: decimal.NewFromInt(150_000_000), ChangePct24h: 10.0, Sentiment: score(0.72)},
		"SUI":  {Price: decimal.RequireFromString("3.10"), MarketCap: decimal.NewFromInt(250_000_000), ChangePct24h: 3.33, Sentiment: score(0.55)},
		"DUSK": {Price: decimal.RequireFromString("0.24"), MarketCap: decimal.NewFromInt(100_000_000), ChangePct24h: -4.0, Sentiment: score(0.28)},
		"BTC":  {Price: decimal.RequireFromString("118050.85"), MarketCap: decimal.NewFromInt(2_300_000_000_000), ChangePct24h: 2.5},
		"ETH":  {Price: decimal.RequireFromString("3500.00"), MarketCap: decimal.NewFromInt(420_000_000_000), ChangePct24h: -1.2},
		"SOL":  {Price: decimal.RequireFromString("180.00"), MarketCap: decimal.NewFromInt(80_000_000_000), ChangePct24h: 5.0},
	}
}

func New(markets map[string]Market) *Feed {
	if markets == nil {
		markets = DefaultMarkets()
	}
	m := make(map[string]Market, len(markets))
	for k, v := range markets {
		m[strings.ToUpper(k)] = v
	}
	return &Feed{markets: m, failures: map[string]error{}, now: time.Now}
}

// SetPrice replaces a symbol's price.
func (f *Feed) SetPrice(symbol string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.markets[strings.ToUpper(symbol)]
	m.Price = price
	f.markets[strings.ToUpper(symbol)] = m
}

// SetSentiment replaces a symbol's sentiment; nil removes it.
func (f *Feed) SetSentiment(symbol string, s *float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.markets[strings.ToUpper(symbol)]
	m.Sentiment = s
	f.markets[strings.ToUpper(symbol)] = m
}

// Fail makes every fetch for symbol return err until cleared with a nil err.
func (f *Feed) Fail(symbol string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, strings.ToUpper(symbol))
		return
	}
	f.failures[strings.ToUpper(symbol)] = err
}

// SetDelay makes every fetch wait d or until ctx is done.
func (f *Feed) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

func (f *Feed) FetchPrice(ctx context.Context, symbol string) (types.PriceQuote, error) {
	m, err := f.lookup(ctx, symbol)
	if err != nil {
		return types.PriceQuote{}, err
	}
	if !m.Price.IsPositive() {
		return types.PriceQuote{}, types.NewFeedError(types.FeedInvalidSymbol, symbol, fmt.Errorf("no price for %s", symbol))
	}
	return types.PriceQuote{
		Symbol:       symbol,
		Price:        m.Price,
		MarketCap:    m.MarketCap,
		ChangePct24h: m.ChangePct24h,
		Source:       source,
		FetchedAt:    f.now().UTC(),
	}, nil
}

func (f *Feed) FetchSentiment(ctx context.Context, symbol string) (types.SentimentScore, error) {
	m, err := f.lookup(ctx, symbol)
	if err != nil {
		return types.SentimentScore{}, err
	}
	if m.Sentiment == nil {
		return types.SentimentScore{}, types.NewFeedError(types.FeedInvalidSymbol, symbol, fmt.Errorf("no sentiment for %s", symbol))
	}
	return types.SentimentScore{Symbol: symbol, Score: *m.Sentiment, Source: source, FetchedAt: f.now().UTC()}, nil
}

func (f *Feed) lookup(ctx context.Context, symbol string) (Market, error) {
	f.mu.RLock()
	delay := f.delay
	failure := f.failures[strings.ToUpper(symbol)]
	m, ok := f.markets[strings.ToUpper(symbol)]
	f.mu.RUnlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Market{}, types.NewFeedError(types.FeedNetwork, symbol, ctx.Err())
		case <-t.C:
		}
	}
	if failure != nil {
		return Market{}, types.NewFeedError(types.FeedNetwork, symbol, failure)
	}
	if !ok {
		return Market{}, types.NewFeedError(types.FeedInvalidSymbol, symbol, fmt.Errorf("unknown symbol %s", symbol))
	}
	return m, nil
}
