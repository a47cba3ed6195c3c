package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"portfolio-guard/internal/engine"
	"portfolio-guard/internal/interfaces"
	"portfolio-guard/internal/logger"
	"portfolio-guard/internal/notify"
	"portfolio-guard/internal/types"
)

// Phase is the tick state machine position.
type Phase string

const (
	PhaseIdle        Phase = "IDLE"
	PhaseAggregating Phase = "AGGREGATING"
	PhaseDeciding    Phase = "DECIDING"
	PhasePersisting  Phase = "PERSISTING"
	PhaseNotifying   Phase = "NOTIFYING"
)

const defaultTickDeadline = 30 * time.Second

// QuoteSource produces one quote per symbol within ctx.
type QuoteSource interface {
	Aggregate(ctx context.Context, symbols []string) map[string]types.Quote
}

// Dispatcher delivers a tick's candidate notifications.
type Dispatcher interface {
	Process(ctx context.Context, events []types.NotificationEvent) notify.Report
}

// Sweeper drops expired cache entries.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

type Config struct {
	Thresholds    types.Thresholds
	TickDeadline  time.Duration
	SweepInterval time.Duration
}

// Deps are the collaborators a tick runs against. Sweeper and Reporter may
// be nil.
type Deps struct {
	Quotes    QuoteSource
	Decider   interfaces.Decider
	Ledger    interfaces.Ledger
	Snapshots interfaces.SnapshotStore
	Notifier  Dispatcher
	Sweeper   Sweeper
	Reporter  interfaces.EodReporter
}

// TickReport records what one tick did.
type TickReport struct {
	ID            string              `json:"id"`
	StartedAt     time.Time           `json:"started_at"`
	FinishedAt    time.Time           `json:"finished_at"`
	TotalValue    decimal.Decimal     `json:"total_value"`
	Unavailable   []string            `json:"unavailable,omitempty"`
	Stale         []string            `json:"stale,omitempty"`
	Decisions     []types.Decision    `json:"decisions"`
	Trades        []types.LedgerEntry `json:"trades,omitempty"`
	Notifications notify.Report       `json:"notifications"`
	Errors        []string            `json:"errors,omitempty"`
}

// Scheduler owns the PortfolioState and is the only writer of it.
type Scheduler struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	running atomic.Bool

	mu         sync.RWMutex
	state      types.PortfolioState
	phase      Phase
	lastReport *TickReport
	lastQuotes map[string]types.Quote

	// previous sentiment per symbol; touched only inside Tick
	sentiments map[string]float64

	cron *cron.Cron
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(cfg Config, deps Deps, state types.PortfolioState, opts ...Option) *Scheduler {
	if cfg.TickDeadline <= 0 {
		cfg.TickDeadline = cfg.Thresholds.TickInterval / 2
	}
	if cfg.TickDeadline <= 0 {
		cfg.TickDeadline = defaultTickDeadline
	}
	if state.Marks == nil {
		state.Marks = map[string]decimal.Decimal{}
	}
	s := &Scheduler{
		cfg:        cfg,
		deps:       deps,
		now:        time.Now,
		state:      state,
		phase:      PhaseIdle,
		lastQuotes: map[string]types.Quote{},
		sentiments: map[string]float64{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Tick runs one aggregate, decide, persist, notify cycle. It refuses to
// overlap a running tick. Persistence and notifier failures are recorded on
// the report and logged; they never fail the tick.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return TickReport{}, types.ErrTickInProgress
	}
	defer s.running.Store(false)
	defer s.setPhase(PhaseIdle)

	now := s.now().UTC()
	report := TickReport{ID: uuid.NewString(), StartedAt: now}
	op := logger.StartOperation(ctx, "scheduler.Tick", "tick_id", report.ID)
	ctx = op.Context()

	// Feed and notifier calls share the tick deadline. Ledger and snapshot
	// writes run on ctx.
	tctx, cancel := context.WithTimeout(ctx, s.cfg.TickDeadline)
	defer cancel()

	state := s.State()
	symbols := state.Symbols()

	s.setPhase(PhaseAggregating)
	quotes := s.deps.Quotes.Aggregate(tctx, symbols)
	for _, sym := range symbols {
		q := quotes[sym]
		switch {
		case !q.Available():
			report.Unavailable = append(report.Unavailable, sym)
			logger.Warn(ctx, "Price unavailable, holding excluded from decisions", "symbol", sym)
		case q.PriceStale:
			report.Stale = append(report.Stale, sym)
		}
	}

	// Total is fixed for the whole tick; trades convert value to cash at
	// the same price so it is conserved.
	total, marks := engine.Valuate(state, quotes)
	report.TotalValue = total

	s.setPhase(PhaseDeciding)
	report.Decisions = make([]types.Decision, 0, len(state.Holdings))
	for _, h := range state.Holdings {
		report.Decisions = append(report.Decisions, s.deps.Decider.Decide(ctx, h, quotes[h.Symbol], total))
	}

	s.setPhase(PhasePersisting)
	working := state.Clone()
	for _, d := range report.Decisions {
		if !d.Trades() {
			continue
		}
		next, entry, err := s.record(ctx, working, d, now)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		working = next
		report.Trades = append(report.Trades, entry)
	}
	for sym, p := range marks {
		working.Marks[sym] = p
	}
	working.LastTotalValue = engine.MarkValue(working)
	working.LastUpdated = now
	if err := s.deps.Snapshots.SaveSnapshot(ctx, working); err != nil {
		logger.ErrorWithErr(ctx, "Snapshot save failed", err, "tick_id", report.ID)
		report.Errors = append(report.Errors, err.Error())
	}

	s.mu.Lock()
	s.state = working
	s.lastQuotes = quotes
	s.mu.Unlock()

	s.setPhase(PhaseNotifying)
	events := notify.Events(s.summary(state, working, quotes, report.Trades, now), s.cfg.Thresholds.Notification)
	report.Notifications = s.deps.Notifier.Process(tctx, events)
	report.Errors = append(report.Errors, report.Notifications.Errors...)

	report.FinishedAt = s.now().UTC()
	s.mu.Lock()
	r := report
	s.lastReport = &r
	s.mu.Unlock()

	op.End(
		"total_value", report.TotalValue.StringFixed(2),
		"trades", len(report.Trades),
		"notifications_sent", report.Notifications.Sent,
		"errors", len(report.Errors),
	)
	return report, nil
}

// record persists one trading decision and folds it into state. On any
// failure state is returned unchanged.
func (s *Scheduler) record(ctx context.Context, state types.PortfolioState, d types.Decision, now time.Time) (types.PortfolioState, types.LedgerEntry, error) {
	entry, err := engine.Entry(state, d, now)
	if err != nil {
		logger.Risk(ctx, d.Symbol, "INVARIANT_VIOLATION", "error", err.Error())
		logger.ErrorWithErr(ctx, "Decision rejected", err, "symbol", d.Symbol, "kind", string(d.Kind))
		return state, types.LedgerEntry{}, err
	}
	entry, err = s.deps.Ledger.Append(ctx, entry)
	if err != nil {
		logger.ErrorWithErr(ctx, "Ledger append failed, decision dropped", err, "symbol", d.Symbol, "kind", string(d.Kind))
		return state, types.LedgerEntry{}, err
	}
	next, err := engine.Apply(state, entry)
	if err != nil {
		logger.Risk(ctx, d.Symbol, "INVARIANT_VIOLATION", "seq", entry.Seq, "error", err.Error())
		logger.ErrorWithErr(ctx, "Recorded entry could not be applied", err, "symbol", d.Symbol, "seq", entry.Seq)
		return state, types.LedgerEntry{}, err
	}
	logger.Trade(ctx, entry.Symbol, string(entry.Kind), entry.Quantity.String(), entry.Price.String(), entry.Seq,
		"resulting_quantity", entry.ResultingQuantity.String(),
		"resulting_cash", entry.ResultingCash.StringFixed(2),
		"reason", entry.Reason,
	)
	return next, entry, nil
}

func (s *Scheduler) summary(prev, cur types.PortfolioState, quotes map[string]types.Quote, trades []types.LedgerEntry, now time.Time) notify.TickSummary {
	sum := notify.TickSummary{
		PrevTotal: prev.LastTotalValue,
		Total:     cur.LastTotalValue,
		Trades:    trades,
		At:        now,
	}
	for _, h := range prev.Holdings {
		q := quotes[h.Symbol]
		if !q.Available() || q.PriceStale {
			continue
		}
		if mark, ok := prev.Marks[h.Symbol]; ok {
			sum.Holdings = append(sum.Holdings, notify.HoldingChange{
				Symbol:    h.Symbol,
				Quantity:  h.Quantity,
				PrevPrice: mark,
				Price:     q.Price,
			})
		}
	}
	for _, sym := range prev.Symbols() {
		q := quotes[sym]
		if q.Sentiment == nil || q.SentimentStale {
			continue
		}
		if p, ok := s.sentiments[sym]; ok {
			sum.Sentiments = append(sum.Sentiments, notify.SentimentChange{Symbol: sym, Prev: p, Current: *q.Sentiment})
		}
		s.sentiments[sym] = *q.Sentiment
	}
	return sum
}

// State returns a deep copy of the current book.
func (s *Scheduler) State() types.PortfolioState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// LastReport returns the most recent tick report.
func (s *Scheduler) LastReport() (TickReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastReport == nil {
		return TickReport{}, false
	}
	return *s.lastReport, true
}

// LastQuotes returns the quotes seen by the most recent tick.
func (s *Scheduler) LastQuotes() map[string]types.Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]types.Quote, len(s.lastQuotes))
	for k, v := range s.lastQuotes {
		out[k] = v
	}
	return out
}

func (s *Scheduler) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

func (s *Scheduler) Thresholds() types.Thresholds {
	return s.cfg.Thresholds
}

// Ledger exposes the trade record for readers.
func (s *Scheduler) Ledger() interfaces.Ledger {
	return s.deps.Ledger
}

func (s *Scheduler) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}
