// Package analytics computes performance reports for completed backtests:
// equity-curve statistics, annualized risk ratios over a business-day
// resampled daily series, trade-log statistics, and a per-symbol breakdown.
package analytics

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jreiner16/AceMarket/pkg/models"
)

const (
	// TradingDaysPerYear is the annualization factor for daily returns.
	TradingDaysPerYear = 252
	// RiskFreeRateAnnual feeds the Sharpe/Sortino excess-return term.
	RiskFreeRateAnnual = 0.0
)

// ComputeReport bundles equity, trade, and symbol metrics for one run leg.
func ComputeReport(tradeLog []models.TradeEvent, curve []models.EquityPoint, initialCash float64) *models.Report {
	return &models.Report{
		Equity:  ComputeEquityMetrics(curve, initialCash),
		Trades:  ComputeTradeMetrics(tradeLog),
		Symbols: ComputeSymbolBreakdown(tradeLog),
	}
}

// ════════════════════════════════════════════════════════════════════
// Equity metrics
// ════════════════════════════════════════════════════════════════════

// ComputeEquityMetrics summarizes an equity curve. Point statistics
// (drawdown, trade-to-trade returns) use the curve as given; Sharpe,
// Sortino, and CAGR use the daily expansion.
func ComputeEquityMetrics(curve []models.EquityPoint, initialCash float64) *models.EquityMetrics {
	values := make([]float64, 0, len(curve))
	for _, p := range curve {
		values = append(values, p.V)
	}
	if len(values) == 0 {
		values = []float64{initialCash}
		curve = []models.EquityPoint{{I: 0, V: initialCash}}
	}

	start := values[0]
	end := values[len(values)-1]
	pnl := end - start
	totalReturn := 0.0
	if start != 0 {
		totalReturn = pnl / start
	}

	// Drawdown: duration counts points from the peak that started the
	// deepest losing stretch to its trough.
	peak := start
	maxDD := 0.0
	maxDDDuration := 0
	ddStart := 0
	ddSeries := make([]float64, len(values))
	for i, v := range values {
		if v > peak {
			peak = v
			ddStart = i
		}
		dd := 0.0
		if peak != 0 {
			dd = (v - peak) / peak
		}
		ddSeries[i] = dd
		if dd < maxDD {
			maxDD = dd
			maxDDDuration = i - ddStart
		}
	}

	daily := ExpandToDaily(curve, initialCash)
	dailyReturns := make([]float64, 0, len(daily))
	for i := 1; i < len(daily); i++ {
		prev, cur := daily[i-1], daily[i]
		if prev > 0 {
			dailyReturns = append(dailyReturns, cur/prev-1)
		} else {
			dailyReturns = append(dailyReturns, 0)
		}
	}

	nDaily := len(dailyReturns)
	avgDaily := mean(dailyReturns)
	stdevDaily := sampleStdev(dailyReturns, avgDaily)

	rfDaily := RiskFreeRateAnnual / TradingDaysPerYear
	excessDaily := avgDaily - rfDaily
	sharpe := 0.0
	if stdevDaily != 0 {
		sharpe = excessDaily / stdevDaily * math.Sqrt(TradingDaysPerYear)
	}

	// Sortino uses downside deviation around zero, not around the mean.
	var downside []float64
	for _, r := range dailyReturns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	downsideStdev := 0.0
	if len(downside) > 1 {
		sumSq := 0.0
		for _, r := range downside {
			sumSq += r * r
		}
		downsideStdev = math.Sqrt(sumSq / float64(len(downside)-1))
	}
	sortino := 0.0
	switch {
	case downsideStdev != 0:
		sortino = excessDaily / downsideStdev * math.Sqrt(TradingDaysPerYear)
	case excessDaily >= 0:
		sortino = sharpe
	}

	cagr := 0.0
	if nDaily > 0 && start != 0 {
		years := float64(nDaily) / TradingDaysPerYear
		cagr = math.Pow(end/start, 1/years) - 1
	}
	calmar := cagr
	if maxDD != 0 {
		calmar = cagr / math.Abs(maxDD)
	}

	// Trade-to-trade returns on the raw curve.
	var tradeReturns []float64
	for i := 1; i < len(values); i++ {
		if values[i-1] > 0 {
			tradeReturns = append(tradeReturns, values[i]/values[i-1]-1)
		}
	}
	avgTrade := mean(tradeReturns)
	stdevTrade := sampleStdev(tradeReturns, avgTrade)

	return &models.EquityMetrics{
		Start:               start,
		End:                 end,
		PnL:                 pnl,
		TotalReturn:         totalReturn,
		Peak:                maxOf(values),
		Trough:              minOf(values),
		MaxDrawdown:         maxDD,
		MaxDrawdownDuration: maxDDDuration,
		Drawdowns:           ddSeries,
		TradeMeanReturn:     avgTrade,
		TradeStdReturn:      stdevTrade,
		MeanDailyReturn:     avgDaily,
		StdDailyReturn:      stdevDaily,
		SharpeAnnual:        sharpe,
		SortinoAnnual:       sortino,
		CAGR:                cagr,
		CalmarAnnual:        calmar,
		DailyPoints:         nDaily,
	}
}

// ExpandToDaily resamples a trade-point equity curve onto a Monday–Friday
// calendar: points are ordered by (time, trade index), the last value per
// date wins, the calendar spans the dated points, and gaps forward-fill
// (leading gaps backfill, then initial cash).
func ExpandToDaily(curve []models.EquityPoint, initialCash float64) []float64 {
	if len(curve) == 0 {
		return []float64{initialCash}
	}

	points := make([]models.EquityPoint, len(curve))
	copy(points, curve)
	sort.SliceStable(points, func(a, b int) bool {
		ta, tb := pointTime(points[a]), pointTime(points[b])
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return points[a].I < points[b].I
	})

	var first, last time.Time
	byDate := make(map[time.Time]float64)
	for _, p := range points {
		if p.Time == nil {
			continue
		}
		d := dateOnly(*p.Time)
		byDate[d] = p.V // later points overwrite
		if first.IsZero() || d.Before(first) {
			first = d
		}
		if last.IsZero() || d.After(last) {
			last = d
		}
	}
	if len(byDate) == 0 {
		// No dated points: the raw values stand in for the daily series.
		out := make([]float64, len(points))
		for i, p := range points {
			out[i] = p.V
		}
		return out
	}

	var out []float64
	lastKnown := math.NaN()
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		if v, ok := byDate[d]; ok {
			lastKnown = v
		}
		out = append(out, lastKnown)
	}

	// Backfill any leading gap, then fall back to initial cash.
	fill := initialCash
	for _, v := range out {
		if !math.IsNaN(v) {
			fill = v
			break
		}
	}
	for i, v := range out {
		if math.IsNaN(v) {
			out[i] = fill
		}
	}
	if len(out) == 0 {
		out = []float64{initialCash}
	}
	return out
}

// ════════════════════════════════════════════════════════════════════
// Trade metrics
// ════════════════════════════════════════════════════════════════════

// ComputeTradeMetrics summarizes a trade log. Win/loss statistics consider
// realized P&L on exit fills only; turnover sums |value| across all fills.
func ComputeTradeMetrics(tradeLog []models.TradeEvent) *models.TradeMetrics {
	m := &models.TradeMetrics{Trades: len(tradeLog)}

	var wins, losses []float64
	exits := 0
	for _, t := range tradeLog {
		v := t.Cost
		if v == 0 {
			v = t.Proceeds
		}
		if v == 0 {
			v = t.Amount
		}
		m.Turnover += math.Abs(v)

		if t.Type != models.TradeExit {
			continue
		}
		exits++
		switch {
		case t.RealizedPnL > 0:
			wins = append(wins, t.RealizedPnL)
		case t.RealizedPnL < 0:
			losses = append(losses, t.RealizedPnL)
		}
	}

	m.Exits = exits
	m.Wins = len(wins)
	m.Losses = len(losses)
	if exits > 0 {
		m.WinRate = float64(len(wins)) / float64(exits)
	}
	for _, w := range wins {
		m.GrossProfit += w
		if w > m.MaxWin {
			m.MaxWin = w
		}
	}
	for _, l := range losses {
		m.GrossLoss += l
		if l < m.MaxLoss {
			m.MaxLoss = l
		}
	}
	if len(wins) > 0 {
		m.AvgWin = m.GrossProfit / float64(len(wins))
	}
	if len(losses) > 0 {
		m.AvgLoss = m.GrossLoss / float64(len(losses))
	}
	// Profit factor is undefined until at least one losing exit exists.
	if len(losses) > 0 && m.GrossLoss != 0 {
		pf := m.GrossProfit / math.Abs(m.GrossLoss)
		m.ProfitFactor = &pf
	}
	return m
}

// ComputeSymbolBreakdown aggregates the trade log per symbol, ordered by
// net realized P&L descending (symbol descending on ties).
func ComputeSymbolBreakdown(tradeLog []models.TradeEvent) []models.SymbolStats {
	by := make(map[string]*models.SymbolStats)
	for _, t := range tradeLog {
		sym := strings.ToUpper(strings.TrimSpace(t.Symbol))
		if sym == "" {
			continue
		}
		rec, ok := by[sym]
		if !ok {
			rec = &models.SymbolStats{Symbol: sym}
			by[sym] = rec
		}
		rec.Trades++
		if t.Type == models.TradeExit {
			rec.Exits++
			rec.NetRealized += t.RealizedPnL
		}
	}

	out := make([]models.SymbolStats, 0, len(by))
	for _, rec := range by {
		out = append(out, *rec)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].NetRealized != out[b].NetRealized {
			return out[a].NetRealized > out[b].NetRealized
		}
		return out[a].Symbol > out[b].Symbol
	})
	return out
}

// ════════════════════════════════════════════════════════════════════
// Helpers
// ════════════════════════════════════════════════════════════════════

func pointTime(p models.EquityPoint) time.Time {
	if p.Time == nil {
		return time.Time{}
	}
	return *p.Time
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func sampleStdev(vals []float64, mean float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	sumSq := 0.0
	for _, v := range vals {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(vals)-1))
}

func maxOf(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minOf(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
