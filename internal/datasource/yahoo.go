package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/jreiner16/AceMarket/internal/engine"
	"github.com/jreiner16/AceMarket/internal/logging"
	"github.com/jreiner16/AceMarket/pkg/models"
)

const (
	yahooBaseURL = "https://query1.finance.yahoo.com"

	// seriesCacheTTL keeps daily history for an hour; daily bars only
	// change once per session.
	seriesCacheTTL = time.Hour

	// seriesCacheMax bounds the cache before LRU eviction kicks in.
	seriesCacheMax = 64

	dateLayout = "2006-01-02"
)

// Yahoo fetches market data from the Yahoo Finance chart and search
// endpoints. Safe for concurrent use.
type Yahoo struct {
	baseURL string
	cache   *Cache
	limiter *RateLimiter
	group   singleflight.Group
	log     zerolog.Logger
}

// NewYahoo creates a Yahoo provider with a 1h series cache and an
// outbound limit of 30 requests per minute.
func NewYahoo() *Yahoo {
	return &Yahoo{
		baseURL: yahooBaseURL,
		cache:   NewCache(seriesCacheTTL, seriesCacheMax),
		limiter: NewRateLimiter(30, time.Minute),
		log:     logging.Component("datasource"),
	}
}

// NewYahooTuned creates a Yahoo provider with explicit cache and
// outbound-rate settings, for wiring from deployment config.
func NewYahooTuned(cacheTTL time.Duration, cacheMax, requestsPerSec int) *Yahoo {
	y := NewYahoo()
	y.cache = NewCache(cacheTTL, cacheMax)
	y.limiter = NewRateLimiter(requestsPerSec, time.Second)
	return y
}

// History fetches daily OHLC bars for [start, end], both "2006-01-02".
// Prices are adjusted for splits and dividends. Returns ErrNoData when
// the window holds no usable bars.
func (y *Yahoo) History(ctx context.Context, symbol, start, end string) ([]models.Bar, error) {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("empty symbol")
	}
	from, err := time.Parse(dateLayout, start)
	if err != nil {
		return nil, fmt.Errorf("parse start date %q: %w", start, err)
	}
	to, err := time.Parse(dateLayout, end)
	if err != nil {
		return nil, fmt.Errorf("parse end date %q: %w", end, err)
	}
	if !to.After(from) {
		return nil, fmt.Errorf("end date %s is not after start date %s", end, start)
	}

	if err := y.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	// period2 is exclusive upstream; bump by a day so the end date's bar
	// is included.
	u := fmt.Sprintf("%s/v8/finance/chart/%s?period1=%d&period2=%d&interval=1d&events=div%%2Csplits",
		y.baseURL, url.PathEscape(symbol), from.Unix(), to.AddDate(0, 0, 1).Unix())

	result, err := y.fetchChart(ctx, symbol, u)
	if err != nil {
		return nil, err
	}
	bars := parseChartBars(result)
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w for %s in %s..%s", ErrNoData, symbol, start, end)
	}
	y.log.Debug().Str("symbol", symbol).Int("bars", len(bars)).Msg("fetched history")
	return bars, nil
}

// Series returns price history as an engine series, deduplicating
// concurrent fetches for the same key and caching results for an hour.
func (y *Yahoo) Series(ctx context.Context, symbol, start, end string) (*engine.Series, error) {
	symbol = normalizeSymbol(symbol)
	key := fmt.Sprintf("series:%s:%s:%s", symbol, start, end)

	if cached, ok := y.cache.Get(key); ok {
		return cached.(*engine.Series), nil
	}

	v, err, _ := y.group.Do(key, func() (any, error) {
		if cached, ok := y.cache.Get(key); ok {
			return cached, nil
		}
		bars, err := y.History(ctx, symbol, start, end)
		if err != nil {
			return nil, err
		}
		series, err := engine.NewSeries(symbol, bars)
		if err != nil {
			return nil, err
		}
		y.cache.Set(key, series)
		return series, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*engine.Series), nil
}

// Quote returns a latest-price snapshot built from the last five
// trading days.
func (y *Yahoo) Quote(ctx context.Context, symbol string) (models.Quote, error) {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return models.Quote{}, fmt.Errorf("empty symbol")
	}
	if err := y.limiter.Wait(ctx); err != nil {
		return models.Quote{}, err
	}

	u := fmt.Sprintf("%s/v8/finance/chart/%s?range=5d&interval=1d",
		y.baseURL, url.PathEscape(symbol))
	result, err := y.fetchChart(ctx, symbol, u)
	if err != nil {
		return models.Quote{}, err
	}

	price := result.Meta.RegularMarketPrice
	prev := result.Meta.ChartPreviousClose
	closes := chartCloses(result)
	if price == 0 && len(closes) > 0 {
		price = closes[len(closes)-1]
	}
	if prev == 0 && len(closes) > 1 {
		prev = closes[len(closes)-2]
	}
	if price == 0 {
		return models.Quote{}, fmt.Errorf("%w for %s", ErrNoData, symbol)
	}

	q := models.Quote{Symbol: symbol, Price: price, PrevClose: prev}
	if prev != 0 {
		q.Change = price - prev
		q.ChangePct = (price - prev) / prev * 100
	}
	return q, nil
}

// LatestPrice returns the most recent trade or close price.
func (y *Yahoo) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	q, err := y.Quote(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return q.Price, nil
}

// Search looks up tickers matching the query. Queries shorter than two
// characters return no results without hitting the network.
func (y *Yahoo) Search(ctx context.Context, query string, limit int) ([]models.SearchResult, error) {
	query = strings.TrimSpace(query)
	if len(query) < 2 {
		return []models.SearchResult{}, nil
	}
	if limit <= 0 {
		limit = 10
	}
	if err := y.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/v1/finance/search?q=%s&quotesCount=%d&newsCount=0",
		y.baseURL, url.QueryEscape(query), limit)
	body, err := doGet(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp yahooSearchResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]models.SearchResult, 0, len(resp.Quotes))
	for _, q := range resp.Quotes {
		if q.Symbol == "" {
			continue
		}
		results = append(results, models.SearchResult{
			Symbol:   q.Symbol,
			Name:     coalesce(q.ShortName, q.LongName, q.Symbol),
			Exchange: q.Exchange,
			Type:     q.QuoteType,
		})
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// fetchChart performs a chart request and unwraps the one-result
// envelope Yahoo returns.
func (y *Yahoo) fetchChart(ctx context.Context, symbol, u string) (*yahooChartResult, error) {
	body, err := doGet(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp yahooChartResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode chart response for %s: %w", symbol, err)
	}
	if resp.Chart.Error != nil {
		if resp.Chart.Error.Code == "Not Found" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, symbol)
		}
		return nil, fmt.Errorf("chart error for %s: %s: %s",
			symbol, resp.Chart.Error.Code, resp.Chart.Error.Description)
	}
	if len(resp.Chart.Result) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}
	return &resp.Chart.Result[0], nil
}

// ════════════════════════════════════════════════════════════════════
// Chart Response Parsing
// ════════════════════════════════════════════════════════════════════

type yahooChartResponse struct {
	Chart struct {
		Result []yahooChartResult `json:"result"`
		Error  *yahooChartError   `json:"error"`
	} `json:"chart"`
}

type yahooChartError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type yahooChartResult struct {
	Meta struct {
		Symbol             string  `json:"symbol"`
		RegularMarketPrice float64 `json:"regularMarketPrice"`
		ChartPreviousClose float64 `json:"chartPreviousClose"`
	} `json:"meta"`
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []struct {
			Open   []*float64 `json:"open"`
			High   []*float64 `json:"high"`
			Low    []*float64 `json:"low"`
			Close  []*float64 `json:"close"`
			Volume []*int64   `json:"volume"`
		} `json:"quote"`
		AdjClose []struct {
			AdjClose []*float64 `json:"adjclose"`
		} `json:"adjclose"`
	} `json:"indicators"`
}

type yahooSearchResponse struct {
	Quotes []struct {
		Symbol    string `json:"symbol"`
		ShortName string `json:"shortname"`
		LongName  string `json:"longname"`
		Exchange  string `json:"exchange"`
		QuoteType string `json:"quoteType"`
	} `json:"quotes"`
}

// parseChartBars converts a chart result into clean daily bars. OHLC
// values are scaled by adjclose/close so the series is split- and
// dividend-adjusted; rows with missing fields or impossible ranges are
// dropped.
func parseChartBars(result *yahooChartResult) []models.Bar {
	if len(result.Indicators.Quote) == 0 {
		return nil
	}
	quote := result.Indicators.Quote[0]

	var adj []*float64
	if len(result.Indicators.AdjClose) > 0 {
		adj = result.Indicators.AdjClose[0].AdjClose
	}

	bars := make([]models.Bar, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		o := deref(quote.Open, i)
		h := deref(quote.High, i)
		l := deref(quote.Low, i)
		c := deref(quote.Close, i)
		if o == 0 || h == 0 || l == 0 || c == 0 {
			continue
		}

		ratio := 1.0
		if i < len(adj) && adj[i] != nil && *adj[i] > 0 {
			ratio = *adj[i] / c
		}

		day := time.Unix(ts, 0).UTC()
		bar := models.Bar{
			Date:  time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC),
			Open:  o * ratio,
			High:  h * ratio,
			Low:   l * ratio,
			Close: c * ratio,
		}
		if i < len(quote.Volume) && quote.Volume[i] != nil {
			bar.Volume = *quote.Volume[i]
		}
		if !bar.Valid() {
			continue
		}
		bars = append(bars, bar)
	}
	return bars
}

// chartCloses extracts the non-null closes from a chart result.
func chartCloses(result *yahooChartResult) []float64 {
	if len(result.Indicators.Quote) == 0 {
		return nil
	}
	raw := result.Indicators.Quote[0].Close
	closes := make([]float64, 0, len(raw))
	for _, c := range raw {
		if c != nil && *c > 0 {
			closes = append(closes, *c)
		}
	}
	return closes
}

func deref(vals []*float64, i int) float64 {
	if i >= len(vals) || vals[i] == nil {
		return 0
	}
	return *vals[i]
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func coalesce(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
