package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/jreiner16/AceMarket/internal/indicators"
	"github.com/jreiner16/AceMarket/pkg/models"
)

const (
	defaultCandleLimit = 750
	maxCandleLimit     = 5000
	chartPeriod        = 14
)

// Candle is one chart bar in the stock payload.
type Candle struct {
	Time  string  `json:"time"`
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// StockResponse is the payload of GET /api/v1/stock/{symbol}. The
// indicator slices are aligned with the candle window; warm-up values
// are null.
type StockResponse struct {
	Symbol  string     `json:"symbol"`
	Candles []Candle   `json:"candles"`
	SMA     []*float64 `json:"sma"`
	EMA     []*float64 `json:"ema"`
	RSI     []*float64 `json:"rsi"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	results, err := s.market.Search(r.Context(), q, 10)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeData(w, results)
}

func (s *Server) handleStock(w http.ResponseWriter, r *http.Request) {
	symbol, err := validateSymbol(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start, end := historyWindow()
	if v := r.URL.Query().Get("start_date"); v != "" {
		start = v
	}
	if v := r.URL.Query().Get("end_date"); v != "" {
		end = v
	}
	limit := defaultCandleLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxCandleLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 5000")
			return
		}
		limit = n
	}

	series, err := s.market.Series(r.Context(), symbol, start, end)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	bars := series.Bars()
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	candles := make([]Candle, len(bars))
	for i, b := range bars {
		candles[i] = Candle{
			Time:  b.Date.Format("2006-01-02"),
			Open:  b.Open,
			High:  b.High,
			Low:   b.Low,
			Close: b.Close,
		}
	}

	// Indicators run over the full window so the first visible candles
	// still have warmed-up values, then align on the candle slice.
	closes := series.Closes(series.LastIndex())
	resp := StockResponse{
		Symbol:  series.Symbol(),
		Candles: candles,
		SMA:     tailSafe(indicators.SMA(closes, chartPeriod), len(candles)),
		EMA:     tailSafe(indicators.EMA(closes, chartPeriod), len(candles)),
		RSI:     tailSafe(indicators.RSI(closes, chartPeriod), len(candles)),
	}
	writeData(w, resp)
}

// tailSafe keeps the last n indicator values and converts NaN to null.
func tailSafe(vals []float64, n int) []*float64 {
	if len(vals) > n {
		vals = vals[len(vals)-n:]
	}
	return indicators.JSONSafe(vals)
}

func (s *Server) handleStockPrice(w http.ResponseWriter, r *http.Request) {
	symbol, err := validateSymbol(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start, end := historyWindow()
	series, err := s.market.Series(r.Context(), symbol, start, end)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeData(w, map[string]any{
		"symbol": symbol,
		"price":  series.LastPrice(),
	})
}

// WatchlistQuote is one row in the watchlist payload. Pointers carry
// null for symbols whose quote could not be fetched.
type WatchlistQuote struct {
	Symbol    string   `json:"symbol"`
	Price     *float64 `json:"price"`
	PrevClose *float64 `json:"prev_close"`
	Change    *float64 `json:"change"`
	ChangePct *float64 `json:"change_pct"`
}

func (s *Server) handleWatchlistQuotes(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("symbols")
	var symbols []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
			symbols = append(symbols, part)
		}
	}
	if len(symbols) == 0 {
		writeData(w, []WatchlistQuote{})
		return
	}

	// One fetch per symbol; a failed symbol yields a null row rather
	// than failing the whole watchlist.
	rows := make([]WatchlistQuote, len(symbols))
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(8)
	for i, symbol := range symbols {
		g.Go(func() error {
			rows[i] = WatchlistQuote{Symbol: symbol}
			q, err := s.market.Quote(ctx, symbol)
			if err != nil {
				s.log.Debug().Str("symbol", symbol).Err(err).Msg("quote failed")
				return nil
			}
			rows[i].Price = &q.Price
			rows[i].PrevClose = &q.PrevClose
			rows[i].Change = &q.Change
			rows[i].ChangePct = &q.ChangePct
			return nil
		})
	}
	g.Wait() //nolint:errcheck
	writeData(w, rows)
}

func (s *Server) handleNews(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol != "" {
		normalized, err := validateSymbol(symbol)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		symbol = normalized
	}
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 50 {
			limit = n
		}
	}

	articles, err := s.news.Headlines(r.Context(), symbol, limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if articles == nil {
		articles = []models.NewsArticle{}
	}
	writeData(w, articles)
}
