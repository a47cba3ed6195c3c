package lunarcrush

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"portfolio-guard/internal/interfaces"
	"portfolio-guard/internal/logger"
	"portfolio-guard/internal/types"
)

const source = "lunarcrush"

type Config struct {
	BaseURL  string
	APIKey   string
	TopicMap map[string]string // app symbol -> topic slug; defaults to the lowercase symbol
	Timeout  time.Duration
}

// Period is a sentiment value and its change over a window.
type Period struct {
	Value  float64
	Change float64
}

// Detail is the parsed topic sentiment page. Percentages are scaled to [0,1].
type Detail struct {
	Current      float64
	DailyAverage float64
	Periods      map[string]Period // "1 Week", "1 Month", "6 Months", "1 Year"
}

// Scraper reads the topic sentiment page, one collector per request.
type Scraper struct {
	cfg Config
	now func() time.Time
}

var _ interfaces.SentimentFeed = (*Scraper)(nil)

func New(cfg Config) *Scraper {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Scraper{cfg: cfg, now: time.Now}
}

func (s *Scraper) FetchSentiment(ctx context.Context, symbol string) (types.SentimentScore, error) {
	d, err := s.FetchDetail(ctx, symbol)
	if err != nil {
		return types.SentimentScore{}, err
	}
	return types.SentimentScore{
		Symbol:    symbol,
		Score:     clamp01(d.Current),
		Source:    source,
		FetchedAt: s.now().UTC(),
	}, nil
}

// FetchDetail downloads and parses the full sentiment breakdown for symbol.
func (s *Scraper) FetchDetail(ctx context.Context, symbol string) (Detail, error) {
	pageURL := s.topicURL(symbol)

	c := colly.NewCollector(
		colly.MaxDepth(1),
		colly.Async(false),
	)
	c.SetRequestTimeout(s.cfg.Timeout)

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("User-Agent", "Mozilla/5.0 (compatible; portfolio-guard/1.0)")
		if ctx.Err() != nil {
			r.Abort()
		}
	})

	var (
		body      []byte
		status    int
		scrapeErr error
	)
	c.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = r.Body
	})
	c.OnError(func(r *colly.Response, err error) {
		status = r.StatusCode
		scrapeErr = err
	})

	if err := c.Visit(pageURL); err != nil && scrapeErr == nil {
		scrapeErr = err
	}
	c.Wait()

	if ctx.Err() != nil {
		return Detail{}, types.NewFeedError(types.FeedNetwork, symbol, ctx.Err())
	}
	if scrapeErr != nil {
		return Detail{}, classify(symbol, status, scrapeErr)
	}

	d, err := Parse(body)
	if err != nil {
		return Detail{}, types.NewFeedError(types.FeedInvalidSymbol, symbol, err)
	}
	logger.Debug(ctx, "Sentiment page parsed", "symbol", symbol, "current", d.Current, "daily_average", d.DailyAverage)
	return d, nil
}

func (s *Scraper) topicURL(symbol string) string {
	topic, ok := s.cfg.TopicMap[strings.ToUpper(symbol)]
	if !ok {
		topic = strings.ToLower(symbol)
	}
	u := fmt.Sprintf("%s/topic/%s/sentiment", s.cfg.BaseURL, url.PathEscape(topic))
	if s.cfg.APIKey != "" {
		u += "?key=" + url.QueryEscape(s.cfg.APIKey)
	}
	return u
}

func classify(symbol string, status int, err error) error {
	switch status {
	case http.StatusTooManyRequests:
		return types.NewFeedError(types.FeedRateLimited, symbol, err)
	case http.StatusNotFound:
		return types.NewFeedError(types.FeedInvalidSymbol, symbol, err)
	default:
		return types.NewFeedError(types.FeedNetwork, symbol, err)
	}
}

// Parse extracts sentiment figures from the page's markdown-like body text,
// e.g. "**Current Value**: 72%" or "**1 Week**: 65% (+4%)".
func Parse(page []byte) (Detail, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return Detail{}, fmt.Errorf("parse html: %w", err)
	}
	text := doc.Find("body").Text()

	d := Detail{Periods: map[string]Period{}}
	found := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		label, rest, ok := cutLabel(line)
		if !ok {
			continue
		}
		switch label {
		case "Current Value":
			if v, ok := parsePercent(rest); ok {
				d.Current = v
				found = true
			}
		case "Daily Average":
			d.DailyAverage, _ = parsePercent(rest)
		case "1 Week", "1 Month", "6 Months", "1 Year":
			fields := strings.Fields(rest)
			if len(fields) == 0 {
				continue
			}
			p := Period{}
			p.Value, _ = parsePercent(fields[0])
			if len(fields) > 1 {
				p.Change, _ = parsePercent(strings.Trim(fields[1], "()"))
			}
			d.Periods[label] = p
		}
	}
	if !found {
		return Detail{}, fmt.Errorf("no current sentiment value on page")
	}
	return d, nil
}

// cutLabel splits "**Label**: rest".
func cutLabel(line string) (string, string, bool) {
	if !strings.HasPrefix(line, "**") {
		return "", "", false
	}
	label, rest, ok := strings.Cut(line[2:], "**:")
	if !ok {
		return "", "", false
	}
	return label, strings.TrimSpace(rest), true
}

func parsePercent(s string) (float64, bool) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v / 100, true
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
