package engine

import (
	"fmt"
	"time"

	"github.com/jreiner16/AceMarket/pkg/models"
)

// ════════════════════════════════════════════════════════════════════
// Backtest Driver — Bar Replay
// ════════════════════════════════════════════════════════════════════

// Strategy is the trading logic contract the driver replays: Start is
// called once with the opening bar, Update once per bar strictly in
// order, and End once with the final bar. Strategies are expected to
// read only data at or before the bar index they are given; the driver
// does not enforce that.
type Strategy interface {
	Start(bar models.Bar) error
	Update(open, high, low, close float64, i int) error
	End(bar models.Bar) error
}

// Backtest replays one series through a strategy between two dates,
// both resolved to bar indices by forward fill and both inclusive.
// When the resolved start exceeds the resolved end it returns without
// calling the strategy at all. The driver performs no I/O and no
// concurrency; errors from the strategy abort the replay.
func Backtest(strategy Strategy, series *Series, startDate, endDate time.Time) error {
	start := series.ToIndex(startDate)
	end := series.ToIndex(endDate)
	return BacktestRange(strategy, series, start, end)
}

// BacktestRange replays bars [start, end] through the strategy.
func BacktestRange(strategy Strategy, series *Series, start, end int) error {
	return BacktestObserved(strategy, series, start, end, nil)
}

// BacktestObserved replays bars [start, end] and, when onBar is
// non-nil, invokes it after every strategy update. Monte Carlo uses
// the hook to sample portfolio value per bar.
func BacktestObserved(strategy Strategy, series *Series, start, end int, onBar func(i int)) error {
	start = series.Clamp(start)
	end = series.Clamp(end)
	if start > end {
		return nil
	}

	if err := strategy.Start(series.Bar(start)); err != nil {
		return fmt.Errorf("strategy start: %w", err)
	}
	for i := start; i <= end; i++ {
		b := series.Bar(i)
		if err := strategy.Update(b.Open, b.High, b.Low, b.Close, i); err != nil {
			return fmt.Errorf("bar %d (%s): %w", i, b.Date.Format("2006-01-02"), err)
		}
		if onBar != nil {
			onBar(i)
		}
	}
	if err := strategy.End(series.Bar(end)); err != nil {
		return fmt.Errorf("strategy end: %w", err)
	}
	return nil
}
