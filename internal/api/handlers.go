package api

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"portfolio-guard/internal/engine"
	"portfolio-guard/internal/logger"
	"portfolio-guard/internal/types"
)

type holdingView struct {
	Symbol         string               `json:"symbol"`
	Quantity       decimal.Decimal      `json:"quantity"`
	PurchasePrice  decimal.Decimal      `json:"purchase_price"`
	StopLossPrice  decimal.Decimal      `json:"stop_loss_price"`
	Mark           decimal.Decimal      `json:"mark"`
	Value          decimal.Decimal      `json:"value"`
	Allocation     decimal.Decimal      `json:"allocation"`
	Sentiment      *float64             `json:"sentiment,omitempty"`
	Recommendation types.Recommendation `json:"recommendation"`
}

type portfolioView struct {
	Cash        decimal.Decimal `json:"cash"`
	TotalValue  decimal.Decimal `json:"total_value"`
	LastUpdated time.Time       `json:"last_updated"`
	LastSeq     int64           `json:"last_seq"`
	Phase       string          `json:"phase"`
	Holdings    []holdingView   `json:"holdings"`
}

// pinger is implemented by database-backed ledgers.
type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{
		"status": "ok",
		"phase":  string(s.src.Phase()),
	}
	p, ok := s.src.Ledger().(pinger)
	if !ok {
		writeJSON(w, r, http.StatusOK, body)
		return
	}
	if err := p.Ping(r.Context()); err != nil {
		logger.ErrorWithErr(r.Context(), "Storage ping failed", err)
		body["status"] = "degraded"
		body["storage"] = "unavailable"
		writeJSON(w, r, http.StatusServiceUnavailable, body)
		return
	}
	body["storage"] = "ok"
	writeJSON(w, r, http.StatusOK, body)
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	state := s.src.State()
	quotes := s.src.LastQuotes()
	th := s.src.Thresholds()
	alloc := engine.Allocation(state)

	view := portfolioView{
		Cash:        state.Cash,
		TotalValue:  engine.MarkValue(state),
		LastUpdated: state.LastUpdated,
		LastSeq:     state.LastSeq,
		Phase:       string(s.src.Phase()),
		Holdings:    make([]holdingView, 0, len(state.Holdings)),
	}
	for _, h := range state.Holdings {
		mark := state.Marks[h.Symbol]
		hv := holdingView{
			Symbol:        h.Symbol,
			Quantity:      h.Quantity,
			PurchasePrice: h.PurchasePrice,
			StopLossPrice: engine.StopLossPrice(h, th.StopLossPct),
			Mark:          mark,
			Value:         h.Value(mark),
			Allocation:    alloc[h.Symbol],
		}
		if q, ok := quotes[h.Symbol]; ok {
			hv.Sentiment = q.Sentiment
		}
		hv.Recommendation = engine.Advise(hv.Sentiment, th)
		view.Holdings = append(view.Holdings, hv)
	}
	writeJSON(w, r, http.StatusOK, view)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = n
	}
	entries, err := s.src.Ledger().Entries(r.Context(), after)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "ledger unavailable")
		return
	}
	if entries == nil {
		entries = []types.LedgerEntry{}
	}
	writeJSON(w, r, http.StatusOK, entries)
}

func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	quotes := s.src.LastQuotes()
	out := make([]types.Quote, 0, len(quotes))
	for _, q := range quotes {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	writeJSON(w, r, http.StatusOK, out)
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	report, ok := s.src.LastReport()
	if !ok {
		writeError(w, r, http.StatusNotFound, "no tick has run yet")
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}
