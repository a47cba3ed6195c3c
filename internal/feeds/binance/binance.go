package binance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"portfolio-guard/internal/feeds"
	"portfolio-guard/internal/interfaces"
	"portfolio-guard/internal/types"
)

const source = "binance"

// codeInvalidSymbol is Binance's error code for an unknown trading pair.
const codeInvalidSymbol = -1121

type Config struct {
	BaseURL        string
	APIKey         string
	SymbolMap      map[string]string // app symbol -> exchange pair, e.g. PHA -> PHAUSDT
	Timeout        time.Duration
	RequestsPerSec int
}

// Client fetches spot prices from the Binance public ticker API.
type Client struct {
	http    *resty.Client
	symbols map[string]string
	limiter *feeds.RateLimiter
	now     func() time.Time
}

var _ interfaces.PriceFeed = (*Client)(nil)

func New(cfg Config) *Client {
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	if cfg.APIKey != "" {
		client.SetHeader("X-MBX-APIKEY", cfg.APIKey)
	}

	symbols := make(map[string]string, len(cfg.SymbolMap))
	for k, v := range cfg.SymbolMap {
		symbols[strings.ToUpper(k)] = strings.ToUpper(v)
	}

	return &Client{
		http:    client,
		symbols: symbols,
		limiter: feeds.PerSecond(cfg.RequestsPerSec),
		now:     time.Now,
	}
}

type ticker24h struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	PriceChangePercent string `json:"priceChangePercent"`
	QuoteVolume        string `json:"quoteVolume"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (c *Client) FetchPrice(ctx context.Context, symbol string) (types.PriceQuote, error) {
	pair, ok := c.symbols[strings.ToUpper(symbol)]
	if !ok {
		return types.PriceQuote{}, types.NewFeedError(types.FeedInvalidSymbol, symbol,
			fmt.Errorf("symbol %s not supported by %s", symbol, source))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return types.PriceQuote{}, types.NewFeedError(types.FeedRateLimited, symbol, err)
	}

	var (
		out    ticker24h
		apiErr apiError
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", pair).
		SetResult(&out).
		SetError(&apiErr).
		Get("/api/v3/ticker/24hr")
	if err != nil {
		return types.PriceQuote{}, types.NewFeedError(types.FeedNetwork, symbol, err)
	}
	if resp.IsError() {
		return types.PriceQuote{}, classify(symbol, resp.StatusCode(), apiErr)
	}

	price, err := decimal.NewFromString(out.LastPrice)
	if err != nil || !price.IsPositive() {
		return types.PriceQuote{}, types.NewFeedError(types.FeedNetwork, symbol,
			fmt.Errorf("unparseable price %q for %s", out.LastPrice, pair))
	}
	change, _ := strconv.ParseFloat(out.PriceChangePercent, 64)

	return types.PriceQuote{
		Symbol:       symbol,
		Price:        price,
		ChangePct24h: change,
		Source:       source,
		FetchedAt:    c.now().UTC(),
	}, nil
}

func classify(symbol string, status int, apiErr apiError) error {
	err := fmt.Errorf("%s status %d: %s", source, status, apiErr.Msg)
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return types.NewFeedError(types.FeedRateLimited, symbol, err)
	case apiErr.Code == codeInvalidSymbol:
		return types.NewFeedError(types.FeedInvalidSymbol, symbol, err)
	case status == http.StatusBadRequest || status == http.StatusNotFound:
		return types.NewFeedError(types.FeedInvalidSymbol, symbol, err)
	default:
		return types.NewFeedError(types.FeedNetwork, symbol, err)
	}
}
