package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portfolio-guard/internal/cache"
	"portfolio-guard/internal/engine"
	"portfolio-guard/internal/eod"
	"portfolio-guard/internal/notify"
	"portfolio-guard/internal/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type memLedger struct {
	mu         sync.Mutex
	entries    []types.LedgerEntry
	snap       *types.PortfolioState
	failSymbol string
}

func (m *memLedger) Append(_ context.Context, e types.LedgerEntry) (types.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Symbol == m.failSymbol {
		return types.LedgerEntry{}, fmt.Errorf("append: %w: disk full", types.ErrPersistence)
	}
	e.Seq = int64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *memLedger) Entries(_ context.Context, after int64) ([]types.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.LedgerEntry
	for _, e := range m.entries {
		if e.Seq > after {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memLedger) Close() error { return nil }

func (m *memLedger) SaveSnapshot(_ context.Context, s types.PortfolioState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := s.Clone()
	m.snap = &c
	return nil
}

func (m *memLedger) LoadSnapshot(context.Context) (*types.PortfolioState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return nil, nil
	}
	c := m.snap.Clone()
	return &c, nil
}

type fakeQuotes struct {
	mu     sync.Mutex
	prices map[string]string
	sent   map[string]float64
}

func (f *fakeQuotes) set(sym, price string) {
	f.mu.Lock()
	f.prices[sym] = price
	f.mu.Unlock()
}

func (f *fakeQuotes) setSentiment(sym string, v float64) {
	f.mu.Lock()
	f.sent[sym] = v
	f.mu.Unlock()
}

func (f *fakeQuotes) Aggregate(_ context.Context, symbols []string) map[string]types.Quote {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]types.Quote{}
	for _, sym := range symbols {
		q := types.Quote{Symbol: sym}
		if p, ok := f.prices[sym]; ok {
			q.Price = d(p)
			q.PriceAvailable = true
		}
		if s, ok := f.sent[sym]; ok {
			v := s
			q.Sentiment = &v
		}
		out[sym] = q
	}
	return out
}

type recorder struct {
	mu       sync.Mutex
	payloads []types.Payload
}

func (r *recorder) Send(_ context.Context, _ types.Channel, p types.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
	return nil
}

func (r *recorder) subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.payloads))
	for _, p := range r.payloads {
		out = append(out, p.Subject)
	}
	return out
}

func thresholds() types.Thresholds {
	return types.Thresholds{
		StopLossPct:       d("0.20"),
		MaxAllocation:     d("0.6"),
		PositiveThreshold: 0.7,
		NegativeThreshold: 0.3,
		Notification: types.NotificationThresholds{
			PortfolioValueChangePct: 5,
			HoldingValueChangePct:   10,
			SentimentChange:         0.2,
		},
		TickInterval: time.Minute,
	}
}

func seed() []types.Holding {
	return []types.Holding{
		{Symbol: "PHA", Quantity: d("250"), PurchasePrice: d("0.20")},
		{Symbol: "SUI", Quantity: d("10"), PurchasePrice: d("3.00")},
		{Symbol: "DUSK", Quantity: d("80"), PurchasePrice: d("0.25")},
	}
}

type harness struct {
	s      *Scheduler
	ledger *memLedger
	quotes *fakeQuotes
	sent   *recorder
}

func newHarness(t *testing.T, ledger *memLedger, q QuoteSource) *harness {
	t.Helper()
	ctx := context.Background()
	state, err := Recover(ctx, ledger, ledger, seed(), decimal.Zero, t0)
	require.NoError(t, err)

	rec := &recorder{}
	th := thresholds()
	c := cache.New(cache.DefaultConfig(), cache.WithClock(func() time.Time { return t0 }))
	throttle := notify.NewThrottle(notify.Config{
		Thresholds:  th.Notification,
		DedupWindow: time.Hour,
		Channels:    []types.Channel{types.ChannelSMS},
	}, c, rec)

	fq, _ := q.(*fakeQuotes)
	s := New(Config{Thresholds: th, TickDeadline: 5 * time.Second}, Deps{
		Quotes:    q,
		Decider:   engine.New(th),
		Ledger:    ledger,
		Snapshots: ledger,
		Notifier:  throttle,
		Sweeper:   c,
	}, state, WithClock(func() time.Time { return t0 }))
	return &harness{s: s, ledger: ledger, quotes: fq, sent: rec}
}

func newFakeQuotes(prices map[string]string) *fakeQuotes {
	return &fakeQuotes{prices: prices, sent: map[string]float64{}}
}

func TestRecoverSeedsEmptyLedger(t *testing.T) {
	l := &memLedger{}
	state, err := Recover(context.Background(), l, l, seed(), d("5"), t0)
	require.NoError(t, err)

	assert.Len(t, l.entries, 3)
	assert.Equal(t, int64(3), state.LastSeq)
	assert.Equal(t, []string{"PHA", "SUI", "DUSK"}, state.Symbols())
	assert.True(t, d("5").Equal(state.Cash))
	assert.True(t, d("105").Equal(state.LastTotalValue), state.LastTotalValue.String())

	again, err := Recover(context.Background(), l, l, seed(), d("5"), t0)
	require.NoError(t, err)
	assert.Len(t, l.entries, 3, "existing ledger is not reseeded")
	assert.Equal(t, state.Symbols(), again.Symbols())
}

func TestTickLiquidatesAndNotifies(t *testing.T) {
	h := newHarness(t, &memLedger{}, newFakeQuotes(map[string]string{"PHA": "0.23", "SUI": "3.10", "DUSK": "0.15"}))

	report, err := h.s.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
	assert.True(t, d("100.5").Equal(report.TotalValue), report.TotalValue.String())

	require.Len(t, report.Trades, 1)
	trade := report.Trades[0]
	assert.Equal(t, "DUSK", trade.Symbol)
	assert.Equal(t, types.EntryLiquidate, trade.Kind)
	assert.Equal(t, int64(4), trade.Seq)

	state := h.s.State()
	assert.Equal(t, []string{"PHA", "SUI"}, state.Symbols())
	assert.True(t, d("12").Equal(state.Cash))
	assert.True(t, report.TotalValue.Equal(state.LastTotalValue), "trades conserve total value")
	assert.Equal(t, int64(4), state.LastSeq)

	require.NotNil(t, h.ledger.snap)
	assert.Equal(t, int64(4), h.ledger.snap.LastSeq)

	assert.Equal(t, 3, report.Notifications.Sent)
	assert.ElementsMatch(t, []string{"Holding Price Change Alert", "Holding Price Change Alert", "Portfolio Action"}, h.sent.subjects())

	last, ok := h.s.LastReport()
	require.True(t, ok)
	assert.Equal(t, report.ID, last.ID)
	assert.Equal(t, PhaseIdle, h.s.Phase())
	assert.Len(t, h.s.LastQuotes(), 3)
}

func TestTickRecoveryMatchesLiveState(t *testing.T) {
	ledger := &memLedger{}
	h := newHarness(t, ledger, newFakeQuotes(map[string]string{"PHA": "0.22", "SUI": "12", "DUSK": "0.15"}))
	_, err := h.s.Tick(context.Background())
	require.NoError(t, err)
	live := h.s.State()

	fromSnap, err := Recover(context.Background(), ledger, ledger, seed(), decimal.Zero, t0)
	require.NoError(t, err)
	assert.Equal(t, live.Symbols(), fromSnap.Symbols())
	assert.True(t, live.Cash.Equal(fromSnap.Cash))

	ledger.snap = nil
	fromLedger, err := Recover(context.Background(), ledger, ledger, seed(), decimal.Zero, t0)
	require.NoError(t, err)
	assert.Equal(t, live.Symbols(), fromLedger.Symbols())
	assert.True(t, live.Cash.Equal(fromLedger.Cash))
	for i := range live.Holdings {
		assert.True(t, live.Holdings[i].Quantity.Equal(fromLedger.Holdings[i].Quantity), live.Holdings[i].Symbol)
	}
}

func TestTickPersistenceFailureIsolatedToSymbol(t *testing.T) {
	ledger := &memLedger{}
	h := newHarness(t, ledger, newFakeQuotes(map[string]string{"PHA": "0.10", "SUI": "3.10", "DUSK": "0.15"}))
	ledger.failSymbol = "DUSK"

	report, err := h.s.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "disk full")

	require.Len(t, report.Trades, 1)
	assert.Equal(t, "PHA", report.Trades[0].Symbol)

	state := h.s.State()
	assert.Equal(t, []string{"SUI", "DUSK"}, state.Symbols())
	dusk, _ := state.Holding("DUSK")
	assert.True(t, d("80").Equal(dusk.Quantity))
	assert.True(t, d("25").Equal(state.Cash))
	assert.Contains(t, h.sent.subjects(), "Portfolio Action")
}

func TestTickRebalance(t *testing.T) {
	h := newHarness(t, &memLedger{}, newFakeQuotes(map[string]string{"PHA": "0.20", "SUI": "12", "DUSK": "0.25"}))

	report, err := h.s.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Trades, 1)
	assert.Equal(t, types.EntryRebalance, report.Trades[0].Kind)
	assert.True(t, d("0.5").Equal(report.Trades[0].Quantity), report.Trades[0].Quantity.String())

	alloc := engine.Allocation(h.s.State())
	assert.True(t, alloc["SUI"].LessThanOrEqual(d("0.6")), alloc["SUI"].String())
}

func TestTickUnavailablePriceHolds(t *testing.T) {
	h := newHarness(t, &memLedger{}, newFakeQuotes(map[string]string{"PHA": "0.20", "SUI": "3"}))

	report, err := h.s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"DUSK"}, report.Unavailable)
	assert.Empty(t, report.Trades)
	for _, dec := range report.Decisions {
		assert.Equal(t, types.DecisionHold, dec.Kind)
	}
}

func TestTickSentimentChangeAcrossTicks(t *testing.T) {
	h := newHarness(t, &memLedger{}, newFakeQuotes(map[string]string{"PHA": "0.20", "SUI": "3", "DUSK": "0.25"}))
	h.quotes.setSentiment("DUSK", 0.5)

	_, err := h.s.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.sent.subjects())

	h.quotes.setSentiment("DUSK", 0.2)
	report, err := h.s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Notifications.Sent)
	assert.Equal(t, []string{"Sentiment Change Alert"}, h.sent.subjects())

	h.quotes.setSentiment("DUSK", 0.5)
	_, err = h.s.Tick(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.sent.subjects(), 2)

	// same band as the second tick, still inside the dedup window
	h.quotes.setSentiment("DUSK", 0.2)
	report, err = h.s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Notifications.Suppressed)
	assert.Len(t, h.sent.subjects(), 2)
}

type blockingQuotes struct {
	entered  chan struct{}
	release  chan struct{}
	deadline atomic.Bool
}

func (b *blockingQuotes) Aggregate(ctx context.Context, symbols []string) map[string]types.Quote {
	_, ok := ctx.Deadline()
	b.deadline.Store(ok)
	close(b.entered)
	<-b.release
	return map[string]types.Quote{}
}

func TestTickRefusesOverlap(t *testing.T) {
	bq := &blockingQuotes{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, &memLedger{}, bq)

	done := make(chan error, 1)
	go func() {
		_, err := h.s.Tick(context.Background())
		done <- err
	}()
	<-bq.entered
	assert.Equal(t, PhaseAggregating, h.s.Phase())

	_, err := h.s.Tick(context.Background())
	assert.ErrorIs(t, err, types.ErrTickInProgress)

	close(bq.release)
	require.NoError(t, <-done)
	assert.True(t, bq.deadline.Load(), "aggregation runs under the tick deadline")
}

type countingSweeper struct{ n atomic.Int32 }

func (c *countingSweeper) Sweep(context.Context, time.Time) (int, error) {
	c.n.Add(1)
	return 0, nil
}

func TestHousekeepingAndEndOfDay(t *testing.T) {
	ledger := &memLedger{}
	h := newHarness(t, ledger, newFakeQuotes(map[string]string{"PHA": "0.20", "SUI": "3", "DUSK": "0.15"}))
	sw := &countingSweeper{}
	h.s.deps.Sweeper = sw
	h.s.deps.Reporter = &eod.Reporter{Dir: t.TempDir(), RetentionDays: 30}

	h.s.Housekeeping(context.Background())
	assert.Equal(t, int32(1), sw.n.Load())

	_, err := h.s.Tick(context.Background())
	require.NoError(t, err)

	path, err := h.s.EndOfDay(context.Background(), t0)
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestStartRejectsZeroInterval(t *testing.T) {
	h := newHarness(t, &memLedger{}, newFakeQuotes(map[string]string{}))
	h.s.cfg.Thresholds.TickInterval = 0
	assert.Error(t, h.s.Start(context.Background()))
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, &memLedger{}, newFakeQuotes(map[string]string{}))
	require.NoError(t, h.s.Start(context.Background()))
	h.s.Stop()
}

// hangingNotifier blocks until the caller's context ends.
type hangingNotifier struct{ calls atomic.Int32 }

func (h *hangingNotifier) Send(ctx context.Context, _ types.Channel, _ types.Payload) error {
	h.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func TestTickDeadlineBoundsNotifier(t *testing.T) {
	ledger := &memLedger{}
	h := newHarness(t, ledger, newFakeQuotes(map[string]string{"PHA": "0.20", "SUI": "3", "DUSK": "0.15"}))
	hn := &hangingNotifier{}
	h.s.cfg.TickDeadline = 200 * time.Millisecond
	h.s.deps.Notifier = notify.NewThrottle(notify.Config{
		Thresholds:  thresholds().Notification,
		DedupWindow: time.Hour,
		Channels:    []types.Channel{types.ChannelSMS},
	}, cache.New(cache.DefaultConfig()), hn)

	type result struct {
		report TickReport
		err    error
	}
	done := make(chan result, 1)
	go func() {
		r, err := h.s.Tick(context.Background())
		done <- result{r, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("tick still blocked 3s after a 200ms deadline; phase=%s", h.s.Phase())
	}
	require.NoError(t, res.err)
	assert.Equal(t, 0, res.report.Notifications.Sent)
	assert.Positive(t, res.report.Notifications.Failed)
	assert.NotEmpty(t, res.report.Errors)
	assert.Equal(t, int32(1), hn.calls.Load())

	require.Len(t, res.report.Trades, 1)
	assert.Equal(t, "DUSK", res.report.Trades[0].Symbol)
	assert.Equal(t, PhaseIdle, h.s.Phase())
}
