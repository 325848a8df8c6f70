package datasource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func assertFloat(t *testing.T, got, want float64, label string) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("%s: got %v, want %v", label, got, want)
	}
}

// newTestYahoo wires a provider to an httptest server. The limiter is
// sized so tests never block on it.
func newTestYahoo(t *testing.T, handler http.Handler) (*Yahoo, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	y := NewYahoo()
	y.baseURL = srv.URL
	y.limiter = NewRateLimiter(1000, time.Minute)
	return y, srv
}

func chartHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	})
}

// chartFixture covers three days: two clean rows at half-price
// adjustment and one row with null values that must be dropped.
const chartFixture = `{
  "chart": {
    "result": [{
      "meta": {"symbol": "AAPL", "regularMarketPrice": 102.0, "chartPreviousClose": 100.0},
      "timestamp": [1672656600, 1672743000, 1672829400],
      "indicators": {
        "quote": [{
          "open":   [99.0, 101.0, null],
          "high":   [101.0, 103.0, null],
          "low":    [98.0, 100.0, null],
          "close":  [100.0, 102.0, null],
          "volume": [1000, 2000, null]
        }],
        "adjclose": [{"adjclose": [50.0, 51.0, null]}]
      }
    }],
    "error": null
  }
}`

const notFoundFixture = `{
  "chart": {
    "result": null,
    "error": {"code": "Not Found", "description": "No data found, symbol may be delisted"}
  }
}`

// ════════════════════════════════════════════════════════════════════
// History
// ════════════════════════════════════════════════════════════════════

func TestHistoryAdjustsAndFiltersBars(t *testing.T) {
	y, _ := newTestYahoo(t, chartHandler(chartFixture))

	bars, err := y.History(context.Background(), "aapl", "2023-01-02", "2023-01-06")
	assertNoErr(t, err, "history")
	assertEqual(t, len(bars), 2, "null row dropped")

	// adjclose/close = 0.5, so every OHLC field is halved.
	assertFloat(t, bars[0].Open, 49.5, "open")
	assertFloat(t, bars[0].High, 50.5, "high")
	assertFloat(t, bars[0].Low, 49.0, "low")
	assertFloat(t, bars[0].Close, 50.0, "close")
	assertEqual(t, bars[0].Volume, int64(1000), "volume")
	assertEqual(t, bars[0].Date.Format(dateLayout), "2023-01-02", "date")
	assertFloat(t, bars[1].Close, 51.0, "second close")
}

func TestHistoryRequestShape(t *testing.T) {
	var path, query string
	y, _ := newTestYahoo(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		query = r.URL.RawQuery
		io.WriteString(w, chartFixture)
	}))

	_, err := y.History(context.Background(), " aapl ", "2023-01-02", "2023-01-06")
	assertNoErr(t, err, "history")
	assertEqual(t, path, "/v8/finance/chart/AAPL", "path")
	assertTrue(t, strings.Contains(query, "interval=1d"), "daily interval")
	assertTrue(t, strings.Contains(query, "period1="), "period1 present")
}

func TestHistoryUnknownSymbol(t *testing.T) {
	y, _ := newTestYahoo(t, chartHandler(notFoundFixture))

	_, err := y.History(context.Background(), "NOPE", "2023-01-02", "2023-01-06")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHistoryEmptyWindow(t *testing.T) {
	empty := `{"chart": {"result": [{"meta": {}, "timestamp": [], "indicators": {"quote": [{}]}}], "error": null}}`
	y, _ := newTestYahoo(t, chartHandler(empty))

	_, err := y.History(context.Background(), "AAPL", "2023-01-02", "2023-01-06")
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
}

func TestHistoryRejectsBadDates(t *testing.T) {
	y, _ := newTestYahoo(t, chartHandler(chartFixture))
	ctx := context.Background()

	if _, err := y.History(ctx, "AAPL", "not-a-date", "2023-01-06"); err == nil {
		t.Error("expected error for bad start date")
	}
	if _, err := y.History(ctx, "AAPL", "2023-01-06", "2023-01-02"); err == nil {
		t.Error("expected error for inverted window")
	}
	if _, err := y.History(ctx, "", "2023-01-02", "2023-01-06"); err == nil {
		t.Error("expected error for empty symbol")
	}
}

// ════════════════════════════════════════════════════════════════════
// Series Cache
// ════════════════════════════════════════════════════════════════════

func TestSeriesCachesResults(t *testing.T) {
	var hits atomic.Int64
	y, _ := newTestYahoo(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		io.WriteString(w, chartFixture)
	}))
	ctx := context.Background()

	first, err := y.Series(ctx, "AAPL", "2023-01-02", "2023-01-06")
	assertNoErr(t, err, "first fetch")
	second, err := y.Series(ctx, "AAPL", "2023-01-02", "2023-01-06")
	assertNoErr(t, err, "second fetch")

	assertEqual(t, hits.Load(), int64(1), "upstream hit once")
	assertTrue(t, first == second, "same cached series")
	assertEqual(t, first.Len(), 2, "bar count")
}

func TestSeriesDeduplicatesConcurrentFetches(t *testing.T) {
	var hits atomic.Int64
	release := make(chan struct{})
	y, _ := newTestYahoo(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		io.WriteString(w, chartFixture)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := y.Series(context.Background(), "AAPL", "2023-01-02", "2023-01-06")
			if err != nil {
				t.Errorf("concurrent fetch: %v", err)
			}
		}()
	}
	// Give the goroutines time to pile onto the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assertEqual(t, hits.Load(), int64(1), "single upstream fetch")
}

func TestSeriesErrorsAreNotCached(t *testing.T) {
	var hits atomic.Int64
	y, _ := newTestYahoo(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			io.WriteString(w, notFoundFixture)
			return
		}
		io.WriteString(w, chartFixture)
	}))
	ctx := context.Background()

	_, err := y.Series(ctx, "AAPL", "2023-01-02", "2023-01-06")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_, err = y.Series(ctx, "AAPL", "2023-01-02", "2023-01-06")
	assertNoErr(t, err, "retry after failure")
	assertEqual(t, hits.Load(), int64(2), "failure retried upstream")
}

// ════════════════════════════════════════════════════════════════════
// Quote
// ════════════════════════════════════════════════════════════════════

func TestQuoteFromMeta(t *testing.T) {
	y, _ := newTestYahoo(t, chartHandler(chartFixture))

	q, err := y.Quote(context.Background(), "aapl")
	assertNoErr(t, err, "quote")
	assertEqual(t, q.Symbol, "AAPL", "symbol")
	assertFloat(t, q.Price, 102.0, "price")
	assertFloat(t, q.PrevClose, 100.0, "prev close")
	assertFloat(t, q.Change, 2.0, "change")
	assertFloat(t, q.ChangePct, 2.0, "change pct")
}

func TestQuoteFallsBackToCloses(t *testing.T) {
	noMeta := `{
	  "chart": {
	    "result": [{
	      "meta": {"symbol": "AAPL"},
	      "timestamp": [1672656600, 1672743000],
	      "indicators": {"quote": [{"close": [100.0, 105.0]}]}
	    }],
	    "error": null
	  }
	}`
	y, _ := newTestYahoo(t, chartHandler(noMeta))

	q, err := y.Quote(context.Background(), "AAPL")
	assertNoErr(t, err, "quote")
	assertFloat(t, q.Price, 105.0, "last close as price")
	assertFloat(t, q.PrevClose, 100.0, "prior close as prev")
	assertFloat(t, q.Change, 5.0, "change")
}

func TestLatestPrice(t *testing.T) {
	y, _ := newTestYahoo(t, chartHandler(chartFixture))

	price, err := y.LatestPrice(context.Background(), "AAPL")
	assertNoErr(t, err, "latest price")
	assertFloat(t, price, 102.0, "price")
}

// ════════════════════════════════════════════════════════════════════
// Search
// ════════════════════════════════════════════════════════════════════

const searchFixture = `{
  "quotes": [
    {"symbol": "AAPL", "shortname": "Apple Inc.", "exchange": "NMS", "quoteType": "EQUITY"},
    {"symbol": "APLE", "longname": "Apple Hospitality REIT, Inc.", "exchange": "NYQ", "quoteType": "EQUITY"},
    {"symbol": "", "shortname": "bogus row"}
  ]
}`

func TestSearchResults(t *testing.T) {
	y, _ := newTestYahoo(t, chartHandler(searchFixture))

	results, err := y.Search(context.Background(), "apple", 10)
	assertNoErr(t, err, "search")
	assertEqual(t, len(results), 2, "empty-symbol row dropped")
	assertEqual(t, results[0].Symbol, "AAPL", "symbol")
	assertEqual(t, results[0].Name, "Apple Inc.", "short name preferred")
	assertEqual(t, results[0].Exchange, "NMS", "exchange")
	assertEqual(t, results[1].Name, "Apple Hospitality REIT, Inc.", "long name fallback")
}

func TestSearchShortQuerySkipsNetwork(t *testing.T) {
	var hits atomic.Int64
	y, _ := newTestYahoo(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		io.WriteString(w, searchFixture)
	}))

	for _, q := range []string{"", "a", " a "} {
		results, err := y.Search(context.Background(), q, 10)
		assertNoErr(t, err, fmt.Sprintf("query %q", q))
		assertEqual(t, len(results), 0, fmt.Sprintf("query %q results", q))
	}
	assertEqual(t, hits.Load(), int64(0), "no upstream calls")
}

func TestSearchHonorsLimit(t *testing.T) {
	y, _ := newTestYahoo(t, chartHandler(searchFixture))

	results, err := y.Search(context.Background(), "apple", 1)
	assertNoErr(t, err, "search")
	assertEqual(t, len(results), 1, "limit applied")
}
