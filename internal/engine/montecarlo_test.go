package engine

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/jreiner16/AceMarket/pkg/models"
)

// idleStrategy never trades, so terminal equity equals starting cash.
type idleStrategy struct{}

func (idleStrategy) Start(models.Bar) error                 { return nil }
func (idleStrategy) Update(_, _, _, _ float64, _ int) error { return nil }
func (idleStrategy) End(models.Bar) error                   { return nil }

// holdStrategy buys a fixed quantity on the first bar and holds.
type holdStrategy struct {
	series *Series
	port   *Portfolio
	qty    float64
}

func (h *holdStrategy) Start(bar models.Bar) error {
	_, err := h.port.EnterLong(h.series, h.qty, h.series.ToIndex(bar.Date))
	return err
}

func (h *holdStrategy) Update(_, _, _, _ float64, _ int) error { return nil }
func (h *holdStrategy) End(models.Bar) error                   { return nil }

func idleFactory(*Series, *Portfolio) (Strategy, error) {
	return idleStrategy{}, nil
}

// mcSeries returns a history long enough to bootstrap from, with mixed
// up and down closes.
func mcSeries(t *testing.T) *Series {
	t.Helper()
	return mustSeries(t, "MC", day(2023, time.January, 2),
		100, 101, 99, 102, 103, 101, 104, 106, 105, 107, 108, 106)
}

func mcParams() MonteCarloParams {
	cfg := DefaultConfig()
	cfg.InitialCash = 10000
	return MonteCarloParams{
		Sims:      20,
		Horizon:   10,
		Start:     day(2024, time.March, 4),
		Seed:      42,
		Portfolio: cfg,
	}
}

// ════════════════════════════════════════════════════════════════════
// Batch Behavior
// ════════════════════════════════════════════════════════════════════

func TestMonteCarloRequiresHistory(t *testing.T) {
	short := mustSeries(t, "MC", day(2023, time.January, 2),
		100, 101, 102, 103, 104)
	_, err := MonteCarlo(short, idleFactory, mcParams())
	assertValidation(t, err, "Need at least 10 historical returns")
}

func TestMonteCarloIdleStrategy(t *testing.T) {
	res, err := MonteCarlo(mcSeries(t), idleFactory, mcParams())
	assertNoErr(t, err)

	assertEqual(t, 20, res.Sims)
	assertEqual(t, 20, res.Successes)
	assertEqual(t, 0, res.Errors)
	assertEqual(t, 10, res.Horizon)
	assertFloat(t, 10000, res.InitialCash)
	assertFloat(t, 106, res.StartPrice)

	assertEqual(t, 20, len(res.EndValues))
	for _, v := range res.EndValues {
		assertFloat(t, 10000, v)
	}
	assertFloat(t, 10000, res.Mean)
	assertFloat(t, 100, res.ProbProfitPct)
	assertFloat(t, 10000, res.Percentiles.P5)
	assertFloat(t, 10000, res.Percentiles.P95)
}

func TestMonteCarloFanChart(t *testing.T) {
	res, err := MonteCarlo(mcSeries(t), idleFactory, mcParams())
	assertNoErr(t, err)

	// Day 0 pinned at starting cash, then one point per simulated bar.
	assertEqual(t, 11, len(res.Fan))
	assertEqual(t, 0, res.Fan[0].Day)
	assertEqual(t, "2024-03-04", res.Fan[0].Date)
	assertFloat(t, 10000, res.Fan[0].P50)

	assertEqual(t, 1, res.Fan[1].Day)
	assertEqual(t, "2024-03-05", res.Fan[1].Date)
	// Fri 2024-03-08 is day 4; the weekend is skipped.
	assertEqual(t, "2024-03-08", res.Fan[4].Date)
	assertEqual(t, "2024-03-11", res.Fan[5].Date)

	for _, fp := range res.Fan {
		assertTrue(t, fp.P5 <= fp.P25)
		assertTrue(t, fp.P25 <= fp.P50)
		assertTrue(t, fp.P50 <= fp.P75)
		assertTrue(t, fp.P75 <= fp.P95)
	}
}

func TestMonteCarloDeterministicUnderSeed(t *testing.T) {
	factory := func(s *Series, p *Portfolio) (Strategy, error) {
		return &holdStrategy{series: s, port: p, qty: 50}, nil
	}

	first, err := MonteCarlo(mcSeries(t), factory, mcParams())
	assertNoErr(t, err)
	second, err := MonteCarlo(mcSeries(t), factory, mcParams())
	assertNoErr(t, err)

	assertEqual(t, len(first.EndValues), len(second.EndValues))
	for i := range first.EndValues {
		assertFloat(t, first.EndValues[i], second.EndValues[i])
	}

	shifted := mcParams()
	shifted.Seed = 99
	third, err := MonteCarlo(mcSeries(t), factory, shifted)
	assertNoErr(t, err)
	same := true
	for i := range first.EndValues {
		if math.Abs(first.EndValues[i]-third.EndValues[i]) > 1e-9 {
			same = false
		}
	}
	if same {
		t.Error("expected a different seed to produce different paths")
	}
}

func TestMonteCarloClampsParams(t *testing.T) {
	params := mcParams()
	params.Sims = 10000
	params.Horizon = 5
	res, err := MonteCarlo(mcSeries(t), idleFactory, params)
	assertNoErr(t, err)
	assertEqual(t, MaxMonteCarloSims, res.Sims)

	params = mcParams()
	params.Sims = 1
	params.Horizon = 100000
	res, err = MonteCarlo(mcSeries(t), idleFactory, params)
	assertNoErr(t, err)
	assertEqual(t, MaxMonteCarloHorizon, res.Horizon)

	res, err = MonteCarlo(mcSeries(t), idleFactory, MonteCarloParams{
		Start:     day(2024, time.March, 4),
		Portfolio: mcParams().Portfolio,
	})
	assertNoErr(t, err)
	assertEqual(t, DefaultMonteCarloSims, res.Sims)
	assertEqual(t, DefaultMonteCarloHorizon, res.Horizon)
}

func TestMonteCarloCountsPathFailures(t *testing.T) {
	failing := func(*Series, *Portfolio) (Strategy, error) {
		return nil, errors.New("bad strategy")
	}
	res, err := MonteCarlo(mcSeries(t), failing, mcParams())
	assertNoErr(t, err)

	assertEqual(t, 0, res.Successes)
	assertEqual(t, 20, res.Errors)
	assertEqual(t, 0, len(res.EndValues))
	assertEqual(t, 0, len(res.Fan))
	// With no surviving paths the summary degrades to the starting cash.
	assertFloat(t, 10000, res.Mean)
	assertFloat(t, 10000, res.Percentiles.P50)
	assertFloat(t, 0, res.ProbProfitPct)
}

// ════════════════════════════════════════════════════════════════════
// Path Synthesis
// ════════════════════════════════════════════════════════════════════

func TestSyntheticPathShape(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	returns := []float64{0.01, -0.02, 0.005, 0.03, -0.01, 0.002, -0.004, 0.015, -0.008, 0.01}
	calendar := businessDays(day(2024, time.March, 4), 30)
	bars := syntheticPath(100, returns, 30, calendar, rng)

	assertEqual(t, 30, len(bars))
	assertFloat(t, 100, bars[0].Open)
	for i, b := range bars {
		if i > 0 {
			assertFloat(t, bars[i-1].Close, b.Open)
		}
		assertTrue(t, b.Low <= b.Close)
		assertTrue(t, b.Close <= b.High)
		assertTrue(t, b.Low <= b.Open)
		assertTrue(t, b.Open <= b.High)
		assertEqual(t, calendar[i], b.Date)
	}
}

func TestBusinessDaysSkipWeekends(t *testing.T) {
	// 2023-01-07 is a Saturday; the walk starts the following Monday.
	days := businessDays(day(2023, time.January, 7), 6)
	assertEqual(t, day(2023, time.January, 9), days[0])
	assertEqual(t, day(2023, time.January, 10), days[1])
	assertEqual(t, day(2023, time.January, 13), days[4])
	assertEqual(t, day(2023, time.January, 16), days[5])
}

// ════════════════════════════════════════════════════════════════════
// Percentiles
// ════════════════════════════════════════════════════════════════════

func TestPercentileLinearInterpolation(t *testing.T) {
	vals := []float64{5, 1, 3, 2, 4}
	assertFloat(t, 3, percentile(vals, 50))
	assertFloat(t, 2, percentile(vals, 25))
	assertFloat(t, 4.8, percentile(vals, 95))
	assertFloat(t, 1.2, percentile(vals, 5))
	assertFloat(t, 1, percentile(vals, 0))
	assertFloat(t, 5, percentile(vals, 100))
	// Input is left unsorted.
	assertFloat(t, 5, vals[0])

	assertFloat(t, 0, percentile(nil, 50))
	assertFloat(t, 7, percentile([]float64{7}, 95))
}
