package quotes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"portfolio-guard/internal/cache"
	"portfolio-guard/internal/interfaces"
	"portfolio-guard/internal/logger"
	"portfolio-guard/internal/types"
)

// cachedPrice is the cache wire form of a PriceQuote.
type cachedPrice struct {
	Price        string    `msgpack:"p"`
	MarketCap    string    `msgpack:"mc"`
	ChangePct24h float64   `msgpack:"ch"`
	Source       string    `msgpack:"src"`
	FetchedAt    time.Time `msgpack:"at"`
}

type cachedSentiment struct {
	Score     float64   `msgpack:"s"`
	Source    string    `msgpack:"src"`
	FetchedAt time.Time `msgpack:"at"`
}

// Aggregator merges price and sentiment for a set of symbols, preferring
// fresh cache entries and fanning out to the feeds for the rest.
type Aggregator struct {
	prices    interfaces.PriceFeed
	sentiment interfaces.SentimentFeed
	cache     *cache.Cache
}

// New builds an aggregator. sentiment may be nil.
func New(prices interfaces.PriceFeed, sentiment interfaces.SentimentFeed, c *cache.Cache) *Aggregator {
	return &Aggregator{prices: prices, sentiment: sentiment, cache: c}
}

type priceResult struct {
	q     types.PriceQuote
	ok    bool
	stale bool
}

type sentimentResult struct {
	s     types.SentimentScore
	ok    bool
	stale bool
}

// Aggregate returns one Quote per symbol. It waits for every fetch to settle
// or for ctx to end; calls still running at that point are abandoned and
// treated as failures.
func (a *Aggregator) Aggregate(ctx context.Context, symbols []string) map[string]types.Quote {
	prices := make([]priceResult, len(symbols))
	sentiments := make([]sentimentResult, len(symbols))

	var wg sync.WaitGroup
	for i, sym := range symbols {
		if q, ok := a.freshPrice(ctx, sym); ok {
			prices[i] = priceResult{q: q, ok: true}
		} else {
			wg.Add(1)
			go func(i int, sym string) {
				defer wg.Done()
				prices[i] = a.fetchPrice(ctx, sym)
			}(i, sym)
		}

		if a.sentiment == nil {
			continue
		}
		if s, ok := a.freshSentiment(ctx, sym); ok {
			sentiments[i] = sentimentResult{s: s, ok: true}
		} else {
			wg.Add(1)
			go func(i int, sym string) {
				defer wg.Done()
				sentiments[i] = a.fetchSentiment(ctx, sym)
			}(i, sym)
		}
	}
	wg.Wait()

	out := make(map[string]types.Quote, len(symbols))
	for i, sym := range symbols {
		q := types.Quote{Symbol: sym}
		if p := prices[i]; p.ok {
			q.Price = p.q.Price
			q.PriceAvailable = true
			q.PriceStale = p.stale
			q.MarketCap = p.q.MarketCap
			q.ChangePct24h = p.q.ChangePct24h
			q.Source = p.q.Source
			q.FetchedAt = p.q.FetchedAt
		}
		if s := sentiments[i]; s.ok {
			score := s.s.Score
			q.Sentiment = &score
			q.SentimentStale = s.stale
		}
		out[sym] = q
	}
	return out
}

func (a *Aggregator) fetchPrice(ctx context.Context, sym string) priceResult {
	q, err := withDeadline(ctx, sym, a.prices.FetchPrice)
	if err == nil {
		if perr := a.cache.Put(ctx, cache.CategoryPrice, sym, toCachedPrice(q), 0); perr != nil {
			logger.ErrorWithErr(ctx, "Failed to cache price", perr, "symbol", sym)
		}
		return priceResult{q: q, ok: true}
	}

	var stale cachedPrice
	if age, ok := a.cache.Peek(ctx, cache.CategoryPrice, sym, a.cache.MaxStale(cache.CategoryPrice), &stale); ok {
		if q, perr := stale.quote(sym); perr == nil {
			logger.Warn(ctx, "Price feed failed, using stale cache", "symbol", sym, "age_s", int64(age.Seconds()), "error", err)
			return priceResult{q: q, ok: true, stale: true}
		}
	}
	logger.Warn(ctx, "Price unavailable", "symbol", sym, "error", err)
	return priceResult{}
}

func (a *Aggregator) fetchSentiment(ctx context.Context, sym string) sentimentResult {
	s, err := withDeadline(ctx, sym, a.sentiment.FetchSentiment)
	if err == nil {
		cs := cachedSentiment{Score: s.Score, Source: s.Source, FetchedAt: s.FetchedAt}
		if perr := a.cache.Put(ctx, cache.CategorySentiment, sym, cs, 0); perr != nil {
			logger.ErrorWithErr(ctx, "Failed to cache sentiment", perr, "symbol", sym)
		}
		return sentimentResult{s: s, ok: true}
	}

	var stale cachedSentiment
	if _, ok := a.cache.Peek(ctx, cache.CategorySentiment, sym, a.cache.MaxStale(cache.CategorySentiment), &stale); ok {
		return sentimentResult{
			s:     types.SentimentScore{Symbol: sym, Score: stale.Score, Source: stale.Source, FetchedAt: stale.FetchedAt},
			ok:    true,
			stale: true,
		}
	}
	logger.Debug(ctx, "Sentiment absent", "symbol", sym, "error", err)
	return sentimentResult{}
}

func (a *Aggregator) freshPrice(ctx context.Context, sym string) (types.PriceQuote, bool) {
	var cp cachedPrice
	if _, ok := a.cache.Get(ctx, cache.CategoryPrice, sym, &cp); !ok {
		return types.PriceQuote{}, false
	}
	q, err := cp.quote(sym)
	if err != nil {
		return types.PriceQuote{}, false
	}
	return q, true
}

func (a *Aggregator) freshSentiment(ctx context.Context, sym string) (types.SentimentScore, bool) {
	var cs cachedSentiment
	if _, ok := a.cache.Get(ctx, cache.CategorySentiment, sym, &cs); !ok {
		return types.SentimentScore{}, false
	}
	return types.SentimentScore{Symbol: sym, Score: cs.Score, Source: cs.Source, FetchedAt: cs.FetchedAt}, true
}

type result[T any] struct {
	v   T
	err error
}

// withDeadline runs fn and returns when it finishes or ctx ends, whichever
// comes first. An abandoned call keeps running until the feed honours ctx.
func withDeadline[T any](ctx context.Context, sym string, fn func(context.Context, string) (T, error)) (T, error) {
	ch := make(chan result[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				ch <- result[T]{zero, types.NewFeedError(types.FeedNetwork, sym, fmt.Errorf("feed panic: %v", r))}
			}
		}()
		v, err := fn(ctx, sym)
		ch <- result[T]{v, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && !errors.Is(r.err, types.ErrFeedUnavailable) {
			r.err = types.NewFeedError(types.FeedNetwork, sym, r.err)
		}
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, types.NewFeedError(types.FeedNetwork, sym, ctx.Err())
	}
}

func toCachedPrice(q types.PriceQuote) cachedPrice {
	return cachedPrice{
		Price:        q.Price.String(),
		MarketCap:    q.MarketCap.String(),
		ChangePct24h: q.ChangePct24h,
		Source:       q.Source,
		FetchedAt:    q.FetchedAt,
	}
}

func (cp cachedPrice) quote(sym string) (types.PriceQuote, error) {
	price, err := decimal.NewFromString(cp.Price)
	if err != nil {
		return types.PriceQuote{}, err
	}
	mc, err := decimal.NewFromString(cp.MarketCap)
	if err != nil {
		mc = decimal.Zero
	}
	return types.PriceQuote{
		Symbol:       sym,
		Price:        price,
		MarketCap:    mc,
		ChangePct24h: cp.ChangePct24h,
		Source:       cp.Source,
		FetchedAt:    cp.FetchedAt,
	}, nil
}
