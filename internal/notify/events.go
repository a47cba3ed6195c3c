package notify

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"portfolio-guard/internal/types"
)

// PortfolioSymbol is the dedup symbol used for whole-portfolio events.
const PortfolioSymbol = "ALL"

// HoldingChange is one holding's price move across a tick.
type HoldingChange struct {
	Symbol    string
	Quantity  decimal.Decimal
	PrevPrice decimal.Decimal
	Price     decimal.Decimal
}

// SentimentChange is one symbol's sentiment move across a tick.
type SentimentChange struct {
	Symbol  string
	Prev    float64
	Current float64
}

// TickSummary is what a finished tick hands to the throttle.
type TickSummary struct {
	PrevTotal  decimal.Decimal
	Total      decimal.Decimal
	Holdings   []HoldingChange
	Sentiments []SentimentChange
	Trades     []types.LedgerEntry
	At         time.Time
}

// Events builds candidate notifications from a tick. Gates are applied
// later by ShouldNotify.
func Events(s TickSummary, th types.NotificationThresholds) []types.NotificationEvent {
	var out []types.NotificationEvent

	if s.PrevTotal.IsPositive() {
		pct := pctChange(s.PrevTotal, s.Total)
		if pct != 0 {
			out = append(out, newEvent(types.EventPortfolioValueChange, PortfolioSymbol,
				bucket(pct, th.PortfolioValueChangePct), pct, s.At,
				"Portfolio Value Change Alert",
				fmt.Sprintf("Portfolio value changed by %.2f%%: Previous $%s, Current $%s",
					pct, s.PrevTotal.StringFixed(2), s.Total.StringFixed(2)),
				map[string]string{
					"previous_value": s.PrevTotal.StringFixed(2),
					"current_value":  s.Total.StringFixed(2),
					"change_pct":     fmt.Sprintf("%.2f", pct),
				}))
		}
	}

	for _, h := range s.Holdings {
		if !h.PrevPrice.IsPositive() || !h.Price.IsPositive() || !h.Quantity.IsPositive() {
			continue
		}
		pct := pctChange(h.PrevPrice, h.Price)
		if pct == 0 {
			continue
		}
		out = append(out, newEvent(types.EventHoldingValueChange, h.Symbol,
			bucket(pct, th.HoldingValueChangePct), pct, s.At,
			"Holding Price Change Alert",
			fmt.Sprintf("%s price changed by %.2f%%: Previous $%s, Current $%s",
				h.Symbol, pct, h.PrevPrice.String(), h.Price.String()),
			map[string]string{
				"symbol":         h.Symbol,
				"previous_price": h.PrevPrice.String(),
				"current_price":  h.Price.String(),
				"value":          h.Quantity.Mul(h.Price).StringFixed(2),
				"change_pct":     fmt.Sprintf("%.2f", pct),
			}))
	}

	for _, sc := range s.Sentiments {
		delta := sc.Current - sc.Prev
		if delta == 0 {
			continue
		}
		out = append(out, newEvent(types.EventSentimentChange, sc.Symbol,
			bucket(delta, th.SentimentChange), delta, s.At,
			"Sentiment Change Alert",
			fmt.Sprintf("%s sentiment changed by %.2f: Previous %.2f, Current %.2f",
				sc.Symbol, delta, sc.Prev, sc.Current),
			map[string]string{
				"symbol":             sc.Symbol,
				"previous_sentiment": fmt.Sprintf("%.2f", sc.Prev),
				"current_sentiment":  fmt.Sprintf("%.2f", sc.Current),
			}))
	}

	for _, e := range s.Trades {
		qty, _ := e.Quantity.Float64()
		out = append(out, newEvent(types.EventTradeExecuted, e.Symbol,
			e.ResultingQuantity.String(), qty, s.At,
			"Portfolio Action",
			fmt.Sprintf("%s %s %s at $%s (%s)", e.Kind, e.Quantity.String(), e.Symbol, e.Price.String(), e.Reason),
			map[string]string{
				"symbol":             e.Symbol,
				"kind":               string(e.Kind),
				"quantity":           e.Quantity.String(),
				"price":              e.Price.String(),
				"resulting_quantity": e.ResultingQuantity.String(),
				"resulting_cash":     e.ResultingCash.StringFixed(2),
				"seq":                fmt.Sprintf("%d", e.Seq),
			}))
	}
	return out
}

// DedupKey is kind:symbol:bucket.
func DedupKey(kind types.EventKind, symbol, bucket string) string {
	return fmt.Sprintf("%s:%s:%s", kind, symbol, bucket)
}

func newEvent(kind types.EventKind, symbol, bkt string, magnitude float64, at time.Time, subject, body string, metrics map[string]string) types.NotificationEvent {
	return types.NotificationEvent{
		ID:        uuid.NewString(),
		Kind:      kind,
		DedupKey:  DedupKey(kind, symbol, bkt),
		Symbol:    symbol,
		Magnitude: magnitude,
		Payload: types.Payload{
			Subject:   subject,
			Body:      body,
			Timestamp: at,
			Metrics:   metrics,
		},
		CreatedAt: at,
	}
}

// bucket collapses magnitudes in the same threshold band, keeping the sign.
func bucket(v, threshold float64) string {
	if threshold <= 0 {
		return fmt.Sprintf("%.2f", v)
	}
	return fmt.Sprintf("%d", int64(math.Floor(v/threshold)))
}

func pctChange(prev, cur decimal.Decimal) float64 {
	f, _ := cur.Sub(prev).Div(prev.Abs()).Mul(decimal.NewFromInt(100)).Float64()
	return f
}
