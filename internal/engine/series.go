// Package engine implements the paper-trading simulation core: immutable
// daily price series, the cash/position portfolio state machine with
// slippage, commission and margin accounting, the bar-replay backtest
// driver, and the Monte Carlo equity simulator.
package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jreiner16/AceMarket/pkg/models"
)

// ════════════════════════════════════════════════════════════════════
// Series — Immutable Daily Price History
// ════════════════════════════════════════════════════════════════════

// AtLatest selects the most recent bar of each series when passed as a
// bar index to Portfolio valuation and trading methods.
const AtLatest = -1

// Series is an immutable, date-ascending daily OHLCV history for one
// symbol. A Series is safe for concurrent readers once constructed.
type Series struct {
	symbol string
	bars   []models.Bar
	closes []float64
}

// NewSeries builds a Series from raw bars: invalid bars are dropped,
// the remainder is sorted by date, and duplicate dates keep the last
// occurrence. It fails when no valid bar survives.
func NewSeries(symbol string, bars []models.Bar) (*Series, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("series: empty symbol")
	}

	clean := make([]models.Bar, 0, len(bars))
	for _, b := range bars {
		if b.Valid() {
			clean = append(clean, b)
		}
	}
	if len(clean) == 0 {
		return nil, fmt.Errorf("series: no valid price data for %s", symbol)
	}

	sort.SliceStable(clean, func(i, j int) bool {
		return clean[i].Date.Before(clean[j].Date)
	})

	// Duplicate dates keep the later entry.
	dedup := clean[:0]
	for _, b := range clean {
		if n := len(dedup); n > 0 && sameDay(dedup[n-1].Date, b.Date) {
			dedup[n-1] = b
			continue
		}
		dedup = append(dedup, b)
	}

	closes := make([]float64, len(dedup))
	for i, b := range dedup {
		closes[i] = b.Close
	}

	return &Series{symbol: symbol, bars: dedup, closes: closes}, nil
}

// Symbol returns the upper-cased ticker the series was built for.
func (s *Series) Symbol() string { return s.symbol }

// Len returns the number of bars.
func (s *Series) Len() int { return len(s.bars) }

// LastIndex returns the index of the most recent bar.
func (s *Series) LastIndex() int { return len(s.bars) - 1 }

// Clamp confines i to the valid index range [0, Len-1].
func (s *Series) Clamp(i int) int {
	if i < 0 {
		return 0
	}
	if i >= len(s.bars) {
		return len(s.bars) - 1
	}
	return i
}

// Bar returns the bar at i, clamped to the valid range.
func (s *Series) Bar(i int) models.Bar { return s.bars[s.Clamp(i)] }

// Price returns the close at i, clamped to the valid range.
func (s *Series) Price(i int) float64 { return s.closes[s.Clamp(i)] }

// Date returns the bar date at i, clamped to the valid range.
func (s *Series) Date(i int) time.Time { return s.bars[s.Clamp(i)].Date }

// LastPrice returns the most recent close.
func (s *Series) LastPrice() float64 { return s.closes[len(s.closes)-1] }

// Bars returns the underlying bar slice. Callers must not mutate it.
func (s *Series) Bars() []models.Bar { return s.bars }

// Closes returns close prices up to and including i (clamped). The
// returned slice aliases the series and must not be mutated.
func (s *Series) Closes(i int) []float64 { return s.closes[:s.Clamp(i)+1] }

// ToIndex maps a timestamp to the index of the last bar on or before
// it (forward fill). Timestamps before the first bar map to 0, after
// the last bar to the final index.
func (s *Series) ToIndex(t time.Time) int {
	day := dayOf(t)
	n := sort.Search(len(s.bars), func(i int) bool {
		return dayOf(s.bars[i].Date).After(day)
	})
	if n == 0 {
		return 0
	}
	return n - 1
}

// First returns the date of the earliest bar.
func (s *Series) First() time.Time { return s.bars[0].Date }

// Last returns the date of the most recent bar.
func (s *Series) Last() time.Time { return s.bars[len(s.bars)-1].Date }

// resolveIndex turns the AtLatest sentinel into the series' final bar
// and clamps everything else into range.
func resolveIndex(s *Series, i int) int {
	if i < 0 {
		return s.LastIndex()
	}
	return s.Clamp(i)
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func sameDay(a, b time.Time) bool { return dayOf(a).Equal(dayOf(b)) }
