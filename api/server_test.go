package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jreiner16/AceMarket/internal/config"
	"github.com/jreiner16/AceMarket/internal/datasource"
	"github.com/jreiner16/AceMarket/internal/engine"
	"github.com/jreiner16/AceMarket/internal/store"
	"github.com/jreiner16/AceMarket/pkg/models"
)

// ════════════════════════════════════════════════════════════════════
// Test Harness
// ════════════════════════════════════════════════════════════════════

type stubMarket struct {
	series map[string]*engine.Series
	quotes map[string]models.Quote
	hits   map[string]int
}

func (m *stubMarket) Series(ctx context.Context, symbol, start, end string) (*engine.Series, error) {
	if m.hits != nil {
		m.hits[symbol]++
	}
	if s, ok := m.series[symbol]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", datasource.ErrNotFound, symbol)
}

func (m *stubMarket) Quote(ctx context.Context, symbol string) (models.Quote, error) {
	if q, ok := m.quotes[symbol]; ok {
		return q, nil
	}
	return models.Quote{}, fmt.Errorf("%w: %s", datasource.ErrNotFound, symbol)
}

func (m *stubMarket) Search(ctx context.Context, query string, limit int) ([]models.SearchResult, error) {
	if len(query) < 2 {
		return []models.SearchResult{}, nil
	}
	return []models.SearchResult{{Symbol: "AAA", Name: "Triple A Corp"}}, nil
}

type stubNews struct{}

func (stubNews) Headlines(ctx context.Context, symbol string, limit int) ([]models.NewsArticle, error) {
	return []models.NewsArticle{{
		Title:  "Markets steady",
		URL:    "https://example.com/steady",
		Source: "Yahoo Finance",
		Symbol: symbol,
	}}, nil
}

func day(d int) time.Time {
	return time.Date(2023, 1, d, 0, 0, 0, 0, time.UTC)
}

// tradingSeries builds a daily series over Jan 2..11 2023 with the
// given closes.
func tradingSeries(t *testing.T, symbol string, closes []float64) *engine.Series {
	t.Helper()
	bars := make([]models.Bar, len(closes))
	for i, c := range closes {
		bars[i] = models.Bar{Date: day(2 + i), Open: c, High: c, Low: c, Close: c}
	}
	s, err := engine.NewSeries(symbol, bars)
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	return s
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: config.EnvDevelopment,
		Server: config.ServerConfig{
			CORSOrigins:       []string{"http://localhost:5173"},
			RequestTimeoutSec: 30,
			RateLimitGeneral:  1000,
			RateLimitRuns:     100,
			RateLimitWindow:   60,
		},
		Auth: config.AuthConfig{Disabled: true},
	}
}

func newTestServer(t *testing.T, cfg *config.Config, market *stubMarket) *Server {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewServer(cfg, st, market, stubNews{})
}

func defaultMarket(t *testing.T) *stubMarket {
	t.Helper()
	closes := []float64{100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 110}
	return &stubMarket{
		series: map[string]*engine.Series{"AAA": tradingSeries(t, "AAA", closes)},
		quotes: map[string]models.Quote{
			"AAA": {Symbol: "AAA", Price: 110, PrevClose: 100, Change: 10, ChangePct: 10},
		},
		hits: make(map[string]int),
	}
}

// call performs a request against the router and decodes the envelope.
func call(t *testing.T, srv *Server, method, path string, body any) (int, APIResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	var resp APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode envelope (%d): %v: %s", rec.Code, err, rec.Body.String())
	}
	return rec.Code, resp
}

// dataAs re-marshals the envelope's Data into a typed value.
func dataAs[T any](t *testing.T, resp APIResponse) T {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	return out
}

func assertStatus(t *testing.T, got, want int, resp APIResponse) {
	t.Helper()
	if got != want {
		t.Fatalf("status: got %d, want %d (error: %q)", got, want, resp.Error)
	}
}

// ════════════════════════════════════════════════════════════════════
// Sliding-Window Limiter
// ════════════════════════════════════════════════════════════════════

func TestSlidingWindowAllowsUpToMax(t *testing.T) {
	lim := newSlidingWindow(time.Minute)
	for i := 0; i < 3; i++ {
		if !lim.Allow("k", 3) {
			t.Fatalf("call %d rejected under the limit", i)
		}
	}
	if lim.Allow("k", 3) {
		t.Error("call over the limit allowed")
	}
	// Other keys have their own windows.
	if !lim.Allow("other", 3) {
		t.Error("separate key rejected")
	}
}

func TestSlidingWindowExpiresOldCalls(t *testing.T) {
	lim := newSlidingWindow(30 * time.Millisecond)
	if !lim.Allow("k", 1) || lim.Allow("k", 1) {
		t.Fatal("window setup")
	}
	time.Sleep(50 * time.Millisecond)
	if !lim.Allow("k", 1) {
		t.Error("expired call still counted")
	}
}

func TestSlidingWindowZeroMaxMeansUnlimited(t *testing.T) {
	lim := newSlidingWindow(time.Minute)
	for i := 0; i < 10; i++ {
		if !lim.Allow("k", 0) {
			t.Fatal("unlimited key rejected")
		}
	}
}

// ════════════════════════════════════════════════════════════════════
// Symbol Validation
// ════════════════════════════════════════════════════════════════════

func TestValidateSymbol(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr string
	}{
		{"aapl", "AAPL", ""},
		{" msft ", "MSFT", ""},
		{"^GSPC", "^GSPC", ""},
		{"BRK.B", "BRK.B", ""},
		{"", "", "Symbol cannot be empty"},
		{"   ", "", "Symbol cannot be empty"},
		{"WAYTOOLONGSYMBOL", "", "Symbol too long (max 12)"},
		{"AA PL", "", "Symbol contains invalid characters"},
		{"AAPL;DROP", "", "Symbol contains invalid characters"},
	}
	for _, tt := range tests {
		got, err := validateSymbol(tt.raw)
		if tt.wantErr == "" {
			if err != nil {
				t.Errorf("validateSymbol(%q): unexpected error %v", tt.raw, err)
			} else if got != tt.want {
				t.Errorf("validateSymbol(%q) = %q, want %q", tt.raw, got, tt.want)
			}
			continue
		}
		if err == nil || err.Error() != tt.wantErr {
			t.Errorf("validateSymbol(%q) error = %v, want %q", tt.raw, err, tt.wantErr)
		}
	}
}

// ════════════════════════════════════════════════════════════════════
// Market Endpoints
// ════════════════════════════════════════════════════════════════════

func TestHealthSkipsAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Disabled = false
	cfg.Auth.ProjectID = "proj"
	srv := newTestServer(t, cfg, defaultMarket(t))

	code, resp := call(t, srv, http.MethodGet, "/api/v1/health", nil)
	assertStatus(t, code, http.StatusOK, resp)
}

func TestAuthRequiredWhenEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Disabled = false
	cfg.Auth.ProjectID = "proj"
	srv := newTestServer(t, cfg, defaultMarket(t))

	code, resp := call(t, srv, http.MethodGet, "/api/v1/settings", nil)
	assertStatus(t, code, http.StatusUnauthorized, resp)
	if resp.Error != "invalid or missing token" {
		t.Errorf("error detail: got %q", resp.Error)
	}
}

func TestStockPayload(t *testing.T) {
	srv := newTestServer(t, testConfig(), defaultMarket(t))

	code, resp := call(t, srv, http.MethodGet, "/api/v1/stock/aaa", nil)
	assertStatus(t, code, http.StatusOK, resp)

	stock := dataAs[StockResponse](t, resp)
	if stock.Symbol != "AAA" {
		t.Errorf("symbol: got %q", stock.Symbol)
	}
	if len(stock.Candles) != 12 {
		t.Fatalf("candles: got %d, want 12", len(stock.Candles))
	}
	if got := stock.Candles[0].Time; got != "2023-01-02" {
		t.Errorf("first candle time: got %s", got)
	}
	if len(stock.SMA) != len(stock.Candles) || len(stock.RSI) != len(stock.Candles) {
		t.Errorf("indicator alignment: sma %d rsi %d candles %d",
			len(stock.SMA), len(stock.RSI), len(stock.Candles))
	}
	// A 14-period SMA over 10 bars never warms up.
	for i, v := range stock.SMA {
		if v != nil {
			t.Errorf("sma[%d]: expected null, got %v", i, *v)
		}
	}
}

func TestStockLimitTailsCandles(t *testing.T) {
	srv := newTestServer(t, testConfig(), defaultMarket(t))

	code, resp := call(t, srv, http.MethodGet, "/api/v1/stock/AAA?limit=3", nil)
	assertStatus(t, code, http.StatusOK, resp)
	stock := dataAs[StockResponse](t, resp)
	if len(stock.Candles) != 3 {
		t.Fatalf("candles: got %d, want 3", len(stock.Candles))
	}
	if stock.Candles[2].Close != 110 {
		t.Errorf("kept the tail: last close %v", stock.Candles[2].Close)
	}
}

func TestStockUnknownSymbol(t *testing.T) {
	srv := newTestServer(t, testConfig(), defaultMarket(t))
	code, resp := call(t, srv, http.MethodGet, "/api/v1/stock/NOPE", nil)
	assertStatus(t, code, http.StatusNotFound, resp)
}

func TestStockRejectsBadSymbols(t *testing.T) {
	srv := newTestServer(t, testConfig(), defaultMarket(t))
	for _, path := range []string{
		"/api/v1/stock/WAYTOOLONGSYMBOL",
		"/api/v1/stock/AA$A",
		"/api/v1/stock/AAA?limit=9999",
	} {
		code, resp := call(t, srv, http.MethodGet, path, nil)
		assertStatus(t, code, http.StatusBadRequest, resp)
	}
}

func TestStockPrice(t *testing.T) {
	srv := newTestServer(t, testConfig(), defaultMarket(t))
	code, resp := call(t, srv, http.MethodGet, "/api/v1/stock/AAA/price", nil)
	assertStatus(t, code, http.StatusOK, resp)
	data := dataAs[map[string]any](t, resp)
	if data["price"].(float64) != 110 {
		t.Errorf("price: got %v", data["price"])
	}
}

func TestWatchlistQuotesNullOnFailure(t *testing.T) {
	srv := newTestServer(t, testConfig(), defaultMarket(t))

	code, resp := call(t, srv, http.MethodGet, "/api/v1/watchlist/quotes?symbols=aaa,MISSING", nil)
	assertStatus(t, code, http.StatusOK, resp)

	rows := dataAs[[]WatchlistQuote](t, resp)
	if len(rows) != 2 {
		t.Fatalf("rows: got %d", len(rows))
	}
	if rows[0].Symbol != "AAA" || rows[0].Price == nil || *rows[0].Price != 110 {
		t.Errorf("good row: %+v", rows[0])
	}
	if rows[1].Symbol != "MISSING" || rows[1].Price != nil {
		t.Errorf("failed row should carry nulls: %+v", rows[1])
	}
}

func TestSearch(t *testing.T) {
	srv := newTestServer(t, testConfig(), defaultMarket(t))
	code, resp := call(t, srv, http.MethodGet, "/api/v1/search?q=triple", nil)
	assertStatus(t, code, http.StatusOK, resp)
	results := dataAs[[]models.SearchResult](t, resp)
	if len(results) != 1 || results[0].Symbol != "AAA" {
		t.Errorf("results: %+v", results)
	}
}

func TestNews(t *testing.T) {
	srv := newTestServer(t, testConfig(), defaultMarket(t))
	code, resp := call(t, srv, http.MethodGet, "/api/v1/news?symbol=aaa", nil)
	assertStatus(t, code, http.StatusOK, resp)
	articles := dataAs[[]models.NewsArticle](t, resp)
	if len(articles) != 1 || articles[0].Symbol != "AAA" {
		t.Errorf("articles: %+v", articles)
	}
}

// ════════════════════════════════════════════════════════════════════
// Portfolio
// ════════════════════════════════════════════════════════════════════

type portfolioPayload struct {
	Cash        float64              `json:"cash"`
	Value       float64              `json:"value"`
	InitialCash float64              `json:"initial_cash"`
	Positions   []PositionView       `json:"positions"`
	TradeLog    []models.TradeEvent  `json:"trade_log"`
	EquityCurve []models.EquityPoint `json:"equity_curve"`
}

func TestPortfolioLifecycle(t *testing.T) {
	srv := newTestServer(t, testConfig(), defaultMarket(t))

	// Fresh portfolio sits at the default bankroll.
	code, resp := call(t, srv, http.MethodGet, "/api/v1/portfolio", nil)
	assertStatus(t, code, http.StatusOK, resp)
	p := dataAs[portfolioPayload](t, resp)
	if p.Cash != 100000 || p.Value != 100000 {
		t.Fatalf("fresh portfolio: cash %v value %v", p.Cash, p.Value)
	}

	// Open a long position at the latest close (110).
	code, resp = call(t, srv, http.MethodPost, "/api/v1/portfolio/position", OpenPositionRequest{
		Symbol: "aaa", Quantity: 5, Side: "long",
	})
	assertStatus(t, code, http.StatusOK, resp)

	code, resp = call(t, srv, http.MethodGet, "/api/v1/portfolio", nil)
	assertStatus(t, code, http.StatusOK, resp)
	p = dataAs[portfolioPayload](t, resp)
	if math.Abs(p.Cash-(100000-5*110)) > 1e-9 {
		t.Errorf("cash after buy: %v", p.Cash)
	}
	if len(p.Positions) != 1 || p.Positions[0].Symbol != "AAA" || p.Positions[0].Side != "long" {
		t.Fatalf("positions: %+v", p.Positions)
	}
	if p.Positions[0].CurrentPrice != 110 || p.Positions[0].Quantity != 5 {
		t.Errorf("position detail: %+v", p.Positions[0])
	}
	if len(p.EquityCurve) < 2 || p.EquityCurve[0].V != 100000 {
		t.Errorf("equity curve: %+v", p.EquityCurve)
	}
	// The post-fill point carries the fill's trade date.
	last := p.EquityCurve[len(p.EquityCurve)-1]
	if last.Time == nil || !last.Time.Equal(day(13)) {
		t.Errorf("curve time annotation: %+v", last)
	}

	// Close it out and the position disappears.
	code, resp = call(t, srv, http.MethodPost, "/api/v1/portfolio/position/close", ClosePositionRequest{
		Symbol: "AAA", Quantity: 5,
	})
	assertStatus(t, code, http.StatusOK, resp)

	code, resp = call(t, srv, http.MethodGet, "/api/v1/portfolio", nil)
	assertStatus(t, code, http.StatusOK, resp)
	p = dataAs[portfolioPayload](t, resp)
	if len(p.Positions) != 0 {
		t.Errorf("positions after close: %+v", p.Positions)
	}
	if math.Abs(p.Cash-100000) > 1e-9 {
		t.Errorf("cash after flat close: %v", p.Cash)
	}
	if len(p.TradeLog) != 2 {
		t.Errorf("trade log: %+v", p.TradeLog)
	}

	// Clear wipes the history.
	code, resp = call(t, srv, http.MethodPost, "/api/v1/portfolio/clear", nil)
	assertStatus(t, code, http.StatusOK, resp)
	code, resp = call(t, srv, http.MethodGet, "/api/v1/portfolio", nil)
	assertStatus(t, code, http.StatusOK, resp)
	p = dataAs[portfolioPayload](t, resp)
	if len(p.TradeLog) != 0 || p.Cash != 100000 {
		t.Errorf("after clear: cash %v trades %d", p.Cash, len(p.TradeLog))
	}
}

func TestOpenPositionRejections(t *testing.T) {
	srv := newTestServer(t, testConfig(), defaultMarket(t))

	tests := []struct {
		name string
		req  OpenPositionRequest
		want string
	}{
		{"zero qty", OpenPositionRequest{Symbol: "AAA", Quantity: 0, Side: "long"}, "Quantity must be positive"},
		{"bad side", OpenPositionRequest{Symbol: "AAA", Quantity: 1, Side: "up"}, "Side must be 'long' or 'short'"},
		{"empty symbol", OpenPositionRequest{Symbol: "", Quantity: 1, Side: "long"}, "Symbol cannot be empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := call(t, srv, http.MethodPost, "/api/v1/portfolio/position", tt.req)
			assertStatus(t, code, http.StatusBadRequest, resp)
			if resp.Error != tt.want {
				t.Errorf("error: got %q, want %q", resp.Error, tt.want)
			}
		})
	}
}

func TestClosePositionNotHeld(t *testing.T) {
	srv := newTestServer(t, testConfig(), defaultMarket(t))
	code, resp := call(t, srv, http.MethodPost, "/api/v1/portfolio/position/close", ClosePositionRequest{
		Symbol: "AAA", Quantity: 1,
	})
	assertStatus(t, code, http.StatusBadRequest, resp)
	if resp.Error != "Stock not found in portfolio" {
		t.Errorf("error: got %q", resp.Error)
	}
}

// ════════════════════════════════════════════════════════════════════
// Settings
// ════════════════════════════════════════════════════════════════════

func TestSettingsDefaultsAndUpdate(t *testing.T) {
	srv := newTestServer(t, testConfig(), defaultMarket(t))

	code, resp := call(t, srv, http.MethodGet, "/api/v1/settings", nil)
	assertStatus(t, code, http.StatusOK, resp)
	settings := dataAs[models.Settings](t, resp)
	if settings.InitialCash != 100000 || settings.ShareMinPct != 10 {
		t.Fatalf("defaults: %+v", settings)
	}

	slip := 0.01
	code, resp = call(t, srv, http.MethodPut, "/api/v1/settings", SettingsUpdate{Slippage: &slip})
	assertStatus(t, code, http.StatusOK, resp)
	settings = dataAs[models.Settings](t, resp)
	if settings.Slippage != 0.01 {
		t.Errorf("slippage: got %v", settings.Slippage)
	}
	// Untouched fields keep their values.
	if settings.InitialCash != 100000 {
		t.Errorf("initial cash drifted: %v", settings.InitialCash)
	}
}

func TestSettingsValidationRanges(t *testing.T) {
	srv := newTestServer(t, testConfig(), defaultMarket(t))

	bad := 2.0
	code, resp := call(t, srv, http.MethodPut, "/api/v1/settings", SettingsUpdate{Slippage: &bad})
	assertStatus(t, code, http.StatusBadRequest, resp)
	if resp.Error != "slippage must be in [0, 1)" {
		t.Errorf("error: got %q", resp.Error)
	}

	margin := 5.0
	code, resp = call(t, srv, http.MethodPut, "/api/v1/settings", SettingsUpdate{ShortMarginRequirement: &margin})
	assertStatus(t, code, http.StatusBadRequest, resp)
	if resp.Error != "short_margin_requirement must be in [1, 3]" {
		t.Errorf("error: got %q", resp.Error)
	}
}

func TestSettingsInitialCashAdjustsPortfolio(t *testing.T) {
	srv := newTestServer(t, testConfig(), defaultMarket(t))

	cash := 50000.0
	code, resp := call(t, srv, http.MethodPut, "/api/v1/settings", SettingsUpdate{InitialCash: &cash})
	assertStatus(t, code, http.StatusOK, resp)

	code, resp = call(t, srv, http.MethodGet, "/api/v1/portfolio", nil)
	assertStatus(t, code, http.StatusOK, resp)
	p := dataAs[portfolioPayload](t, resp)
	if math.Abs(p.Value-50000) > 1e-9 {
		t.Errorf("portfolio value after bankroll change: %v", p.Value)
	}
}

// ════════════════════════════════════════════════════════════════════
// Strategies And Runs
// ════════════════════════════════════════════════════════════════════

const holdCode = `strategy hold {
	on start {
		buy(5)
	}
}`

func createStrategy(t *testing.T, srv *Server, name string) int64 {
	t.Helper()
	code, resp := call(t, srv, http.MethodPost, "/api/v1/strategies", StrategyCreate{Name: name, Code: holdCode})
	assertStatus(t, code, http.StatusOK, resp)
	out := dataAs[struct {
		Strategy models.StrategyRecord `json:"strategy"`
	}](t, resp)
	return out.Strategy.ID
}

func TestStrategyCRUD(t *testing.T) {
	srv := newTestServer(t, testConfig(), defaultMarket(t))
	id := createStrategy(t, srv, "hold")

	code, resp := call(t, srv, http.MethodGet, fmt.Sprintf("/api/v1/strategies/%d", id), nil)
	assertStatus(t, code, http.StatusOK, resp)
	rec := dataAs[models.StrategyRecord](t, resp)
	if rec.Name != "hold" || rec.Code != holdCode {
		t.Errorf("record: %+v", rec)
	}

	// Duplicate names are rejected.
	code, resp = call(t, srv, http.MethodPost, "/api/v1/strategies", StrategyCreate{Name: "hold", Code: holdCode})
	assertStatus(t, code, http.StatusBadRequest, resp)
	if resp.Error != "Strategy 'hold' already exists" {
		t.Errorf("duplicate error: %q", resp.Error)
	}

	newName := "hold v2"
	code, resp = call(t, srv, http.MethodPut, fmt.Sprintf("/api/v1/strategies/%d", id), StrategyUpdate{Name: &newName})
	assertStatus(t, code, http.StatusOK, resp)

	code, resp = call(t, srv, http.MethodDelete, fmt.Sprintf("/api/v1/strategies/%d", id), nil)
	assertStatus(t, code, http.StatusOK, resp)
	code, resp = call(t, srv, http.MethodDelete, fmt.Sprintf("/api/v1/strategies/%d", id), nil)
	assertStatus(t, code, http.StatusNotFound, resp)
}

func TestStrategyCodeMustCompile(t *testing.T) {
	srv := newTestServer(t, testConfig(), defaultMarket(t))

	code, resp := call(t, srv, http.MethodPost, "/api/v1/strategies", StrategyCreate{Name: "bad", Code: "   "})
	assertStatus(t, code, http.StatusBadRequest, resp)
	if resp.Error != "Strategy code cannot be empty" {
		t.Errorf("error: %q", resp.Error)
	}
}

func TestRunStrategyEndToEnd(t *testing.T) {
	srv := newTestServer(t, testConfig(), defaultMarket(t))
	id := createStrategy(t, srv, "hold")

	code, resp := call(t, srv, http.MethodPost, "/api/v1/strategies/run", RunStrategyRequest{
		StrategyID: id,
		Symbols:    []string{"AAA"},
		StartDate:  "2023-01-02",
		EndDate:    "2023-01-11",
	})
	assertStatus(t, code, http.StatusOK, resp)

	rec := dataAs[models.RunRecord](t, resp)
	if rec.ID == 0 {
		t.Error("run id not assigned")
	}
	if len(rec.Results) != 1 || rec.Results[0].Symbol != "AAA" {
		t.Fatalf("results: %+v", rec.Results)
	}
	// Bought 5 at 100 on the first bar, rode the last close to 110.
	if math.Abs(rec.Results[0].PnL-50) > 1e-9 {
		t.Errorf("pnl: got %v", rec.Results[0].PnL)
	}

	// The run shows up in the history.
	code, resp = call(t, srv, http.MethodGet, "/api/v1/runs", nil)
	assertStatus(t, code, http.StatusOK, resp)
	hist := dataAs[struct {
		Runs []models.RunSummary `json:"runs"`
	}](t, resp)
	if len(hist.Runs) != 1 || hist.Runs[0].ID != rec.ID {
		t.Fatalf("history: %+v", hist.Runs)
	}

	code, resp = call(t, srv, http.MethodGet, fmt.Sprintf("/api/v1/runs/%d", rec.ID), nil)
	assertStatus(t, code, http.StatusOK, resp)

	code, resp = call(t, srv, http.MethodDelete, "/api/v1/runs", nil)
	assertStatus(t, code, http.StatusOK, resp)
	code, resp = call(t, srv, http.MethodGet, fmt.Sprintf("/api/v1/runs/%d", rec.ID), nil)
	assertStatus(t, code, http.StatusNotFound, resp)
}

func TestRunUnknownStrategy(t *testing.T) {
	srv := newTestServer(t, testConfig(), defaultMarket(t))
	code, resp := call(t, srv, http.MethodPost, "/api/v1/strategies/run", RunStrategyRequest{
		StrategyID: 99, Symbols: []string{"AAA"},
		StartDate: "2023-01-02", EndDate: "2023-01-11",
	})
	assertStatus(t, code, http.StatusNotFound, resp)
}

func TestRunRateLimitSharedWithMonteCarlo(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RateLimitRuns = 1
	srv := newTestServer(t, cfg, defaultMarket(t))

	// First call eats the budget even though the strategy is missing.
	code, resp := call(t, srv, http.MethodPost, "/api/v1/strategies/run", RunStrategyRequest{StrategyID: 99})
	assertStatus(t, code, http.StatusNotFound, resp)

	code, resp = call(t, srv, http.MethodPost, "/api/v1/strategies/montecarlo", MonteCarloRequest{StrategyID: 99, Symbol: "AAA"})
	assertStatus(t, code, http.StatusTooManyRequests, resp)
}

func TestMonteCarloEndpoint(t *testing.T) {
	srv := newTestServer(t, testConfig(), defaultMarket(t))
	id := createStrategy(t, srv, "hold")

	seed := int64(42)
	code, resp := call(t, srv, http.MethodPost, "/api/v1/strategies/montecarlo", MonteCarloRequest{
		StrategyID: id,
		Symbol:     "aaa",
		Sims:       5,
		Horizon:    5,
		Seed:       &seed,
	})
	assertStatus(t, code, http.StatusOK, resp)

	result := dataAs[engine.MonteCarloResult](t, resp)
	if result.Sims != 5 || result.Successes != 5 {
		t.Fatalf("sims: %+v", result)
	}
	if len(result.EndValues) != 5 {
		t.Errorf("end values: %d", len(result.EndValues))
	}
	if len(result.Fan) != 6 {
		t.Errorf("fan points: %d", len(result.Fan))
	}
}
