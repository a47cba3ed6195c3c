package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portfolio-guard/internal/interfaces"
	"portfolio-guard/internal/scheduler"
	"portfolio-guard/internal/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stubLedger struct {
	entries []types.LedgerEntry
	err     error
}

func (l *stubLedger) Append(context.Context, types.LedgerEntry) (types.LedgerEntry, error) {
	return types.LedgerEntry{}, errors.New("read only")
}

func (l *stubLedger) Entries(_ context.Context, after int64) ([]types.LedgerEntry, error) {
	if l.err != nil {
		return nil, l.err
	}
	var out []types.LedgerEntry
	for _, e := range l.entries {
		if e.Seq > after {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *stubLedger) Close() error { return nil }

type stubSource struct {
	state  types.PortfolioState
	quotes map[string]types.Quote
	report *scheduler.TickReport
	ledger *stubLedger
}

func (s *stubSource) State() types.PortfolioState { return s.state.Clone() }
func (s *stubSource) LastQuotes() map[string]types.Quote { return s.quotes }
func (s *stubSource) Ledger() interfaces.Ledger { return s.ledger }
func (s *stubSource) Phase() scheduler.Phase { return scheduler.PhaseIdle }
func (s *stubSource) Thresholds() types.Thresholds {
	return types.Thresholds{StopLossPct: d("0.2"), MaxAllocation: d("0.6"), PositiveThreshold: 0.7, NegativeThreshold: 0.3}
}
func (s *stubSource) LastReport() (scheduler.TickReport, bool) {
	if s.report == nil {
		return scheduler.TickReport{}, false
	}
	return *s.report, true
}

func score(v float64) *float64 { return &v }

func newSource() *stubSource {
	return &stubSource{
		state: types.PortfolioState{
			Holdings: []types.Holding{
				{Symbol: "PHA", Quantity: d("250"), PurchasePrice: d("0.20")},
				{Symbol: "SUI", Quantity: d("10"), PurchasePrice: d("3.00"), StopLossPct: d("0.1")},
			},
			Cash:    d("20"),
			LastSeq: 4,
			Marks:   map[string]decimal.Decimal{"PHA": d("0.24"), "SUI": d("2")},
		},
		quotes: map[string]types.Quote{
			"SUI": {Symbol: "SUI", Price: d("2"), PriceAvailable: true, Sentiment: score(0.2)},
			"PHA": {Symbol: "PHA", Price: d("0.24"), PriceAvailable: true, Sentiment: score(0.8)},
		},
		ledger: &stubLedger{entries: []types.LedgerEntry{
			{Seq: 1, Symbol: "PHA", Kind: types.EntryOpen},
			{Seq: 2, Symbol: "SUI", Kind: types.EntryOpen},
			{Seq: 3, Symbol: "DUSK", Kind: types.EntryOpen},
			{Seq: 4, Symbol: "DUSK", Kind: types.EntryLiquidate},
		}},
	}
}

func get(t *testing.T, src Source, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	New(":0", src).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	rec := get(t, newSource(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","phase":"IDLE"}`, rec.Body.String())
}

type pingLedger struct {
	stubLedger
	err error
}

func (l *pingLedger) Ping(context.Context) error { return l.err }

type pingSource struct {
	*stubSource
	ledger *pingLedger
}

func (s pingSource) Ledger() interfaces.Ledger { return s.ledger }

func TestHealthPingsStorage(t *testing.T) {
	src := pingSource{stubSource: newSource(), ledger: &pingLedger{}}
	rec := get(t, src, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","phase":"IDLE","storage":"ok"}`, rec.Body.String())

	src.ledger.err = errors.New("connection refused")
	rec = get(t, src, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"degraded","phase":"IDLE","storage":"unavailable"}`, rec.Body.String())
}

func TestPortfolio(t *testing.T) {
	rec := get(t, newSource(), "/api/portfolio")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var view portfolioView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.True(t, d("100").Equal(view.TotalValue), view.TotalValue.String())
	assert.Equal(t, int64(4), view.LastSeq)
	require.Len(t, view.Holdings, 2)

	pha := view.Holdings[0]
	assert.Equal(t, "PHA", pha.Symbol)
	assert.True(t, d("60").Equal(pha.Value))
	assert.True(t, d("0.6").Equal(pha.Allocation))
	assert.True(t, d("0.16").Equal(pha.StopLossPrice), pha.StopLossPrice.String())
	assert.Equal(t, types.RecommendHoldBuy, pha.Recommendation)

	sui := view.Holdings[1]
	assert.True(t, d("2.7").Equal(sui.StopLossPrice), sui.StopLossPrice.String())
	assert.Equal(t, types.RecommendSell, sui.Recommendation)
}

func TestPortfolioWithoutQuotesIsUnknown(t *testing.T) {
	src := newSource()
	src.quotes = map[string]types.Quote{}
	rec := get(t, src, "/api/portfolio")

	var view portfolioView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	for _, h := range view.Holdings {
		assert.Equal(t, types.RecommendUnknown, h.Recommendation)
		assert.Nil(t, h.Sentiment)
	}
}

func TestLedger(t *testing.T) {
	src := newSource()

	var all []types.LedgerEntry
	rec := get(t, src, "/api/ledger")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 4)

	var after []types.LedgerEntry
	rec = get(t, src, "/api/ledger?after=3")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &after))
	require.Len(t, after, 1)
	assert.Equal(t, int64(4), after[0].Seq)

	rec = get(t, src, "/api/ledger?after=99")
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = get(t, src, "/api/ledger?after=-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	src.ledger.err = errors.New("db down")
	rec = get(t, src, "/api/ledger")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestQuotesSorted(t *testing.T) {
	rec := get(t, newSource(), "/api/quotes")
	require.Equal(t, http.StatusOK, rec.Code)

	var quotes []types.Quote
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &quotes))
	require.Len(t, quotes, 2)
	assert.Equal(t, "PHA", quotes[0].Symbol)
	assert.Equal(t, "SUI", quotes[1].Symbol)
}

func TestTick(t *testing.T) {
	src := newSource()
	rec := get(t, src, "/api/tick")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	src.report = &scheduler.TickReport{ID: "tick-1", TotalValue: d("100")}
	rec = get(t, src, "/api/tick")
	require.Equal(t, http.StatusOK, rec.Code)

	var report scheduler.TickReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "tick-1", report.ID)
}

func TestWritesAreNotRouted(t *testing.T) {
	rec := httptest.NewRecorder()
	New(":0", newSource()).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/portfolio", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
