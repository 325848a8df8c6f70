package engine

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/jreiner16/AceMarket/pkg/models"
)

// ════════════════════════════════════════════════════════════════════
// Monte Carlo — Bootstrap Path Simulation
// ════════════════════════════════════════════════════════════════════

const (
	// DefaultMonteCarloSims is the simulation count when unset.
	DefaultMonteCarloSims = 100
	// MaxMonteCarloSims caps the simulation count.
	MaxMonteCarloSims = 500
	// DefaultMonteCarloHorizon is the synthetic path length in bars.
	DefaultMonteCarloHorizon = 252
	// MaxMonteCarloHorizon caps the path length.
	MaxMonteCarloHorizon = 756
	// minMonteCarloReturns is the history floor for bootstrapping.
	minMonteCarloReturns = 10
)

// MonteCarloParams configures one simulation batch. Sims and Horizon are
// clamped to their defaults/caps; Start anchors the synthetic business-day
// calendar (zero = today) and Seed offsets the per-path RNG seeds so runs
// are reproducible.
type MonteCarloParams struct {
	Sims      int
	Horizon   int
	Start     time.Time
	Seed      int64
	Portfolio Config
}

// Percentiles is a five-point summary of a value distribution.
type Percentiles struct {
	P5  float64 `json:"p5"`
	P25 float64 `json:"p25"`
	P50 float64 `json:"p50"`
	P75 float64 `json:"p75"`
	P95 float64 `json:"p95"`
}

// FanPoint is one day of the equity fan chart.
type FanPoint struct {
	Day  int    `json:"day"`
	Date string `json:"date"`
	Percentiles
}

// MonteCarloResult is the outcome distribution of a simulation batch.
type MonteCarloResult struct {
	Sims          int         `json:"n_sims"`
	Successes     int         `json:"n_success"`
	Errors        int         `json:"n_errors"`
	Horizon       int         `json:"horizon"`
	InitialCash   float64     `json:"initial_cash"`
	StartPrice    float64     `json:"start_price"`
	Percentiles   Percentiles `json:"percentiles"`
	Mean          float64     `json:"mean"`
	ProbProfitPct float64     `json:"prob_profit_pct"`
	EndValues     []float64   `json:"end_values"`
	Fan           []FanPoint  `json:"fan_data"`
}

// StrategyFactory instantiates a fresh strategy on a (series, portfolio)
// pair; Monte Carlo calls it once per synthetic path.
type StrategyFactory func(series *Series, portfolio *Portfolio) (Strategy, error)

// MonteCarlo bootstraps close-to-close returns from the given history,
// synthesizes alternative OHLC paths, replays the strategy over each with
// a fresh portfolio, and reports the terminal equity distribution. Path i
// is seeded with Seed+i, so a fixed Seed makes the whole batch
// deterministic. Individual path failures are counted, not fatal.
func MonteCarlo(history *Series, newStrategy StrategyFactory, params MonteCarloParams) (*MonteCarloResult, error) {
	returns := closeReturns(history)
	if len(returns) < minMonteCarloReturns {
		return nil, errValidation("Need at least %d historical returns for Monte Carlo", minMonteCarloReturns)
	}

	sims := params.Sims
	if sims <= 0 {
		sims = DefaultMonteCarloSims
	}
	if sims > MaxMonteCarloSims {
		sims = MaxMonteCarloSims
	}
	horizon := params.Horizon
	if horizon <= 0 {
		horizon = DefaultMonteCarloHorizon
	}
	if horizon > MaxMonteCarloHorizon {
		horizon = MaxMonteCarloHorizon
	}
	start := params.Start
	if start.IsZero() {
		start = time.Now()
	}
	calendar := businessDays(start, horizon+1)

	startPrice := history.LastPrice()
	initialCash := params.Portfolio.InitialCash

	res := &MonteCarloResult{
		Sims:        sims,
		Horizon:     horizon,
		InitialCash: initialCash,
		StartPrice:  startPrice,
	}
	var curves [][]float64

	for i := 0; i < sims; i++ {
		rng := rand.New(rand.NewSource(params.Seed + int64(i)))
		bars := syntheticPath(startPrice, returns, horizon, calendar, rng)
		path, err := NewSeries(history.Symbol(), bars)
		if err != nil {
			res.Errors++
			continue
		}

		port, err := NewPortfolio(params.Portfolio)
		if err != nil {
			res.Errors++
			continue
		}
		strat, err := newStrategy(path, port)
		if err != nil {
			res.Errors++
			continue
		}

		var curve []float64
		err = BacktestObserved(strat, path, 0, path.LastIndex(), func(j int) {
			curve = append(curve, port.GetValue(j))
		})
		if err != nil {
			res.Errors++
			continue
		}
		if len(curve) > 0 {
			curves = append(curves, curve)
		}
		res.EndValues = append(res.EndValues, port.GetValue(path.LastIndex()))
	}

	res.Successes = len(res.EndValues)
	res.Fan = fanChart(curves, initialCash, calendar)

	if len(res.EndValues) == 0 {
		res.Percentiles = flatPercentiles(initialCash)
		res.Mean = initialCash
		return res, nil
	}
	res.Percentiles = Percentiles{
		P5:  percentile(res.EndValues, 5),
		P25: percentile(res.EndValues, 25),
		P50: percentile(res.EndValues, 50),
		P75: percentile(res.EndValues, 75),
		P95: percentile(res.EndValues, 95),
	}
	sum, profitable := 0.0, 0
	for _, v := range res.EndValues {
		sum += v
		if v >= initialCash {
			profitable++
		}
	}
	res.Mean = sum / float64(len(res.EndValues))
	res.ProbProfitPct = float64(profitable) / float64(len(res.EndValues)) * 100
	return res, nil
}

// ────────────────────────────────────────────────────────────────────
// Path synthesis
// ────────────────────────────────────────────────────────────────────

func closeReturns(s *Series) []float64 {
	closes := s.Closes(s.LastIndex())
	var out []float64
	for i := 1; i < len(closes); i++ {
		if closes[i-1] != 0 {
			out = append(out, closes[i]/closes[i-1]-1)
		}
	}
	return out
}

// syntheticPath samples returns with replacement and wraps each close in
// a plausible intraday band of ±(|r|×2+0.001)/2 around the open/close
// extremes.
func syntheticPath(startPrice float64, returns []float64, horizon int, calendar []time.Time, rng *rand.Rand) []models.Bar {
	bars := make([]models.Bar, horizon)
	prevClose := startPrice
	for d := 0; d < horizon; d++ {
		r := returns[rng.Intn(len(returns))]
		open := prevClose
		close := open * (1 + r)
		rangePct := math.Abs(r)*2 + 0.001
		high := math.Max(open, close) * (1 + rangePct*0.5)
		low := math.Min(open, close) * (1 - rangePct*0.5)
		if low > high {
			low, high = high, low
		}
		if close > high {
			high = close
		}
		if close < low {
			low = close
		}
		bars[d] = models.Bar{
			Date: calendar[d],
			Open: open, High: high, Low: low, Close: close,
		}
		prevClose = close
	}
	return bars
}

// businessDays returns n consecutive Mon-Fri dates starting at or after t.
func businessDays(t time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	for len(out) < n {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			out = append(out, d)
		}
		d = d.AddDate(0, 0, 1)
	}
	return out
}

// ────────────────────────────────────────────────────────────────────
// Distribution summaries
// ────────────────────────────────────────────────────────────────────

// fanChart computes per-day percentile bands across simulation curves.
// Day 0 is pinned at the starting cash.
func fanChart(curves [][]float64, initialCash float64, calendar []time.Time) []FanPoint {
	if len(curves) == 0 {
		return nil
	}
	minDays := len(curves[0])
	for _, c := range curves[1:] {
		if len(c) < minDays {
			minDays = len(c)
		}
	}

	fan := make([]FanPoint, 0, minDays+1)
	fan = append(fan, FanPoint{
		Day:         0,
		Date:        calendar[0].Format("2006-01-02"),
		Percentiles: flatPercentiles(initialCash),
	})
	for d := 0; d < minDays; d++ {
		vals := make([]float64, 0, len(curves))
		for _, c := range curves {
			if d < len(c) {
				vals = append(vals, c[d])
			}
		}
		date := calendar[len(calendar)-1]
		if d+1 < len(calendar) {
			date = calendar[d+1]
		}
		fan = append(fan, FanPoint{
			Day:  d + 1,
			Date: date.Format("2006-01-02"),
			Percentiles: Percentiles{
				P5:  percentile(vals, 5),
				P25: percentile(vals, 25),
				P50: percentile(vals, 50),
				P75: percentile(vals, 75),
				P95: percentile(vals, 95),
			},
		})
	}
	return fan
}

func flatPercentiles(v float64) Percentiles {
	return Percentiles{P5: v, P25: v, P50: v, P75: v, P95: v}
}

// percentile computes the p-th percentile with linear interpolation
// between closest ranks.
func percentile(vals []float64, p float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)

	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
