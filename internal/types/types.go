package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Holding is one tracked position in the basket.
type Holding struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	StopLossPct   decimal.Decimal `json:"stop_loss_pct"`
}

// StopLossPrice is purchase_price * (1 - stop_loss_pct).
func (h Holding) StopLossPrice() decimal.Decimal {
	return h.PurchasePrice.Mul(decimal.NewFromInt(1).Sub(h.StopLossPct))
}

// Value returns the holding value at price.
func (h Holding) Value(price decimal.Decimal) decimal.Decimal {
	return h.Quantity.Mul(price)
}

// PortfolioState is the in-memory book plus its last valuation.
type PortfolioState struct {
	Holdings       []Holding                  `json:"holdings"`
	Cash           decimal.Decimal            `json:"cash"`
	LastTotalValue decimal.Decimal            `json:"last_total_value"`
	LastUpdated    time.Time                  `json:"last_updated"`
	LastSeq        int64                      `json:"last_seq"`
	Marks          map[string]decimal.Decimal `json:"marks"`
}

// Clone returns a deep copy safe to hand to readers.
func (s PortfolioState) Clone() PortfolioState {
	out := s
	out.Holdings = append([]Holding(nil), s.Holdings...)
	out.Marks = make(map[string]decimal.Decimal, len(s.Marks))
	for k, v := range s.Marks {
		out.Marks[k] = v
	}
	return out
}

// Holding returns the holding for symbol and its index, or -1.
func (s PortfolioState) Holding(symbol string) (Holding, int) {
	for i, h := range s.Holdings {
		if h.Symbol == symbol {
			return h, i
		}
	}
	return Holding{}, -1
}

// Symbols lists tracked symbols in holding order.
func (s PortfolioState) Symbols() []string {
	out := make([]string, 0, len(s.Holdings))
	for _, h := range s.Holdings {
		out = append(out, h.Symbol)
	}
	return out
}

// PriceQuote is what a price feed returns.
type PriceQuote struct {
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	MarketCap    decimal.Decimal `json:"market_cap"`
	ChangePct24h float64         `json:"change_pct_24h"`
	Source       string          `json:"source"`
	FetchedAt    time.Time       `json:"fetched_at"`
}

// SentimentScore is what a sentiment feed returns. Score is in [0,1].
type SentimentScore struct {
	Symbol    string    `json:"symbol"`
	Score     float64   `json:"score"`
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Quote is the merged per-symbol view for one tick.
type Quote struct {
	Symbol         string          `json:"symbol"`
	Price          decimal.Decimal `json:"price"`
	PriceAvailable bool            `json:"price_available"`
	PriceStale     bool            `json:"price_stale"`
	MarketCap      decimal.Decimal `json:"market_cap"`
	ChangePct24h   float64         `json:"change_pct_24h"`
	Sentiment      *float64        `json:"sentiment,omitempty"`
	SentimentStale bool            `json:"sentiment_stale"`
	Source         string          `json:"source"`
	FetchedAt      time.Time       `json:"fetched_at"`
}

// Available reports whether the quote carries a usable price.
func (q Quote) Available() bool { return q.PriceAvailable }

// DecisionKind tags a Decision.
type DecisionKind string

const (
	DecisionHold      DecisionKind = "HOLD"
	DecisionLiquidate DecisionKind = "LIQUIDATE"
	DecisionRebalance DecisionKind = "REBALANCE"
)

// Decision is produced once per holding per tick. Quantity is the amount to sell.
type Decision struct {
	Kind     DecisionKind    `json:"kind"`
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Reason   string          `json:"reason"`
}

// Trades reports whether the decision changes the book.
func (d Decision) Trades() bool {
	return d.Kind == DecisionLiquidate || d.Kind == DecisionRebalance
}

// EntryKind tags a LedgerEntry.
type EntryKind string

const (
	EntryOpen      EntryKind = "OPEN"
	EntryLiquidate EntryKind = "LIQUIDATE"
	EntryRebalance EntryKind = "REBALANCE"
)

// LedgerEntry is immutable once appended.
type LedgerEntry struct {
	Seq               int64           `json:"seq"`
	Timestamp         time.Time       `json:"timestamp"`
	Symbol            string          `json:"symbol"`
	Kind              EntryKind       `json:"kind"`
	Quantity          decimal.Decimal `json:"quantity"`
	Price             decimal.Decimal `json:"price"`
	ResultingCash     decimal.Decimal `json:"resulting_cash"`
	ResultingQuantity decimal.Decimal `json:"resulting_quantity"`
	PurchasePrice     decimal.Decimal `json:"purchase_price"`
	StopLossPct       decimal.Decimal `json:"stop_loss_pct"`
	Reason            string          `json:"reason,omitempty"`
}

// Recommendation is the advisory surfaced to display consumers.
type Recommendation string

const (
	RecommendHoldBuy Recommendation = "Hold/Buy"
	RecommendMonitor Recommendation = "Monitor"
	RecommendSell    Recommendation = "Sell"
	RecommendUnknown Recommendation = "Unknown"
)

// NotificationThresholds gate value/sentiment alerts.
type NotificationThresholds struct {
	PortfolioValueChangePct float64 `json:"portfolio_value_change_percent"`
	HoldingValueChangePct   float64 `json:"holding_value_change_percent"`
	SentimentChange         float64 `json:"sentiment_change"`
}

// Thresholds is read once at startup and passed by value.
type Thresholds struct {
	StopLossPct       decimal.Decimal
	MaxAllocation     decimal.Decimal
	PositiveThreshold float64
	NegativeThreshold float64
	Notification      NotificationThresholds
	PriceTTL          time.Duration
	SentimentTTL      time.Duration
	TickInterval      time.Duration
}

// EventKind classifies notifications.
type EventKind string

const (
	EventPortfolioValueChange EventKind = "PORTFOLIO_VALUE_CHANGE"
	EventHoldingValueChange   EventKind = "HOLDING_VALUE_CHANGE"
	EventSentimentChange      EventKind = "SENTIMENT_CHANGE"
	EventTradeExecuted        EventKind = "TRADE_EXECUTED"
)

// NotificationEvent is write-once.
type NotificationEvent struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	DedupKey  string    `json:"dedup_key"`
	Symbol    string    `json:"symbol,omitempty"`
	Magnitude float64   `json:"magnitude"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Channel is a notification transport.
type Channel string

const (
	ChannelSMS   Channel = "SMS"
	ChannelEmail Channel = "EMAIL"
)

// Payload is the transport-neutral message body.
type Payload struct {
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	Timestamp time.Time         `json:"timestamp"`
	Metrics   map[string]string `json:"metrics,omitempty"`
}
