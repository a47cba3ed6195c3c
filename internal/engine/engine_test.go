package engine

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portfolio-guard/internal/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testThresholds() types.Thresholds {
	return types.Thresholds{
		StopLossPct:       d("0.20"),
		MaxAllocation:     d("0.6"),
		PositiveThreshold: 0.7,
		NegativeThreshold: 0.3,
	}
}

func pha() types.Holding {
	return types.Holding{Symbol: "PHA", Quantity: d("250"), PurchasePrice: d("0.20"), StopLossPct: d("0.20")}
}

func quote(symbol, price string) types.Quote {
	return types.Quote{Symbol: symbol, Price: d(price), PriceAvailable: true}
}

func TestDecideHoldAboveStopLoss(t *testing.T) {
	e := New(testThresholds())
	dec := e.Decide(context.Background(), pha(), quote("PHA", "0.24"), d("1000"))
	assert.Equal(t, types.DecisionHold, dec.Kind)
	assert.False(t, dec.Trades())
}

func TestDecideLiquidatesBelowStopLoss(t *testing.T) {
	e := New(testThresholds())
	dec := e.Decide(context.Background(), pha(), quote("PHA", "0.15"), d("1000"))
	require.Equal(t, types.DecisionLiquidate, dec.Kind)
	assert.True(t, dec.Quantity.Equal(d("250")))
	assert.True(t, dec.Price.Equal(d("0.15")))
}

func TestDecideLiquidatesAtStopLossRegardlessOfSentiment(t *testing.T) {
	e := New(testThresholds())
	score := 0.9
	q := quote("PHA", "0.16")
	q.Sentiment = &score

	dec := e.Decide(context.Background(), pha(), q, d("1000"))
	assert.Equal(t, types.DecisionLiquidate, dec.Kind)
	assert.Equal(t, types.RecommendHoldBuy, Advise(q.Sentiment, testThresholds()))
}

func TestStopLossTakesPrecedenceOverRebalance(t *testing.T) {
	e := New(testThresholds())
	// 250 * 0.15 = 37.5 of a 40 total is far above the cap.
	dec := e.Decide(context.Background(), pha(), quote("PHA", "0.15"), d("40"))
	assert.Equal(t, types.DecisionLiquidate, dec.Kind)
}

func TestDecideUnavailablePriceHolds(t *testing.T) {
	e := New(testThresholds())
	dec := e.Decide(context.Background(), pha(), types.Quote{Symbol: "PHA"}, d("1000"))
	assert.Equal(t, types.DecisionHold, dec.Kind)
	assert.Equal(t, "price unavailable", dec.Reason)
}

func TestDecideUsesDefaultStopLossWhenHoldingHasNone(t *testing.T) {
	e := New(testThresholds())
	h := pha()
	h.StopLossPct = decimal.Zero
	dec := e.Decide(context.Background(), h, quote("PHA", "0.16"), d("1000"))
	assert.Equal(t, types.DecisionLiquidate, dec.Kind)
}

func TestDecideRebalancesToExactCap(t *testing.T) {
	e := New(testThresholds())
	h := types.Holding{Symbol: "SUI", Quantity: d("65"), PurchasePrice: d("0.5"), StopLossPct: d("0.2")}

	dec := e.Decide(context.Background(), h, quote("SUI", "1"), d("100"))
	require.Equal(t, types.DecisionRebalance, dec.Kind)
	assert.True(t, dec.Quantity.Equal(d("5")), "sold %s", dec.Quantity)

	post := h.Quantity.Sub(dec.Quantity).Mul(dec.Price).Div(d("100"))
	assert.True(t, post.Equal(d("0.6")), "post fraction %s", post)
}

func TestRebalanceNeverLeavesFractionAboveCap(t *testing.T) {
	e := New(testThresholds())
	cases := []struct{ qty, price, total string }{
		{"100", "0.37", "50"},
		{"3", "7.123", "30"},
		{"80", "0.31", "30"},
		{"1", "1000", "1200"},
	}
	for _, tc := range cases {
		h := types.Holding{Symbol: "X", Quantity: d(tc.qty), PurchasePrice: d("0.01"), StopLossPct: d("0.2")}
		dec := e.Decide(context.Background(), h, quote("X", tc.price), d(tc.total))
		require.Equal(t, types.DecisionRebalance, dec.Kind, "case %+v", tc)
		assert.True(t, dec.Quantity.LessThanOrEqual(h.Quantity))

		post := h.Quantity.Sub(dec.Quantity).Mul(d(tc.price)).Div(d(tc.total))
		assert.True(t, post.LessThanOrEqual(d("0.6")), "case %+v post %s", tc, post)
	}
}

func TestDecideHoldsWithinCap(t *testing.T) {
	e := New(testThresholds())
	h := types.Holding{Symbol: "SUI", Quantity: d("60"), PurchasePrice: d("0.5"), StopLossPct: d("0.2")}
	dec := e.Decide(context.Background(), h, quote("SUI", "1"), d("100"))
	assert.Equal(t, types.DecisionHold, dec.Kind)
}

func TestAdvise(t *testing.T) {
	th := testThresholds()
	score := func(v float64) *float64 { return &v }

	assert.Equal(t, types.RecommendHoldBuy, Advise(score(0.75), th))
	assert.Equal(t, types.RecommendHoldBuy, Advise(score(0.7), th))
	assert.Equal(t, types.RecommendSell, Advise(score(0.25), th))
	assert.Equal(t, types.RecommendSell, Advise(score(0.3), th))
	assert.Equal(t, types.RecommendMonitor, Advise(score(0.5), th))
	assert.Equal(t, types.RecommendUnknown, Advise(nil, th))
}
