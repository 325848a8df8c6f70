// Package indicators implements the technical indicators exposed on the
// stock endpoint and available to strategies. Close-only indicators operate
// on []float64 close slices; range indicators take []models.Bar.
//
// Warm-up positions hold NaN so callers can map them to JSON null; values
// become defined once a full window is available.
package indicators

import (
	"math"

	"github.com/jreiner16/AceMarket/pkg/models"
)

// SMA calculates the simple moving average over the given period.
// Positions before the first full window are NaN.
func SMA(closes []float64, period int) []float64 {
	if period <= 0 {
		period = 14
	}
	n := len(closes)
	out := nanSlice(n)
	if n < period {
		return out
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += closes[i]
		if i >= period {
			sum -= closes[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA calculates the exponential moving average with smoothing 2/(period+1),
// seeded from the first close. Every position is defined.
func EMA(closes []float64, period int) []float64 {
	if period <= 0 {
		period = 14
	}
	n := len(closes)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	k := 2.0 / float64(period+1)
	out[0] = closes[0]
	for i := 1; i < n; i++ {
		out[i] = closes[i]*k + out[i-1]*(1-k)
	}
	return out
}

// RSI calculates the Relative Strength Index with Wilder smoothing
// (alpha = 1/period). The first `period` positions are NaN; when the
// smoothed loss is zero the value saturates at 100.
func RSI(closes []float64, period int) []float64 {
	if period <= 0 {
		period = 14
	}
	n := len(closes)
	out := nanSlice(n)
	if n == 0 {
		return out
	}
	alpha := 1.0 / float64(period)
	var avgGain, avgLoss float64
	for i := 1; i < n; i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = avgGain*(1-alpha) + gain*alpha
		avgLoss = avgLoss*(1-alpha) + loss*alpha
		if i < period {
			continue
		}
		if avgLoss > 0 {
			rs := avgGain / avgLoss
			out[i] = 100 - (100 / (1 + rs))
		} else {
			out[i] = 100
		}
	}
	return out
}

// MACD calculates the MACD line (fast EMA minus slow EMA).
// The first `slow` positions are NaN.
func MACD(closes []float64, fast, slow int) []float64 {
	if fast <= 0 {
		fast = 12
	}
	if slow <= 0 {
		slow = 26
	}
	n := len(closes)
	out := nanSlice(n)
	fastEMA := EMA(closes, fast)
	slowEMA := EMA(closes, slow)
	for i := slow; i < n; i++ {
		out[i] = fastEMA[i] - slowEMA[i]
	}
	return out
}

// Band holds one Bollinger Bands point.
type Band struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger calculates Bollinger Bands using a rolling mean and sample
// standard deviation. Positions before the first full window hold NaN bands.
func Bollinger(closes []float64, period int, dev float64) []Band {
	if period <= 0 {
		period = 20
	}
	if dev <= 0 {
		dev = 2.0
	}
	n := len(closes)
	out := make([]Band, n)
	for i := range out {
		out[i] = Band{Upper: math.NaN(), Middle: math.NaN(), Lower: math.NaN()}
	}
	if n < period {
		return out
	}
	for i := period - 1; i < n; i++ {
		window := closes[i-period+1 : i+1]
		mean := avg(window)
		sd := sampleStddev(window, mean)
		out[i] = Band{
			Upper:  mean + dev*sd,
			Middle: mean,
			Lower:  mean - dev*sd,
		}
	}
	return out
}

// TR calculates the True Range series. The first position uses High-Low only.
func TR(bars []models.Bar) []float64 {
	n := len(bars)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	out[0] = bars[0].High - bars[0].Low
	for i := 1; i < n; i++ {
		hl := bars[i].High - bars[i].Low
		hc := math.Abs(bars[i].High - bars[i-1].Close)
		lc := math.Abs(bars[i].Low - bars[i-1].Close)
		out[i] = math.Max(hl, math.Max(hc, lc))
	}
	return out
}

// ATR calculates the Average True Range: seeded at index `period` with the
// mean of TR[1..period], then Wilder-smoothed. Positions before `period`
// are NaN.
func ATR(bars []models.Bar, period int) []float64 {
	if period <= 0 {
		period = 14
	}
	n := len(bars)
	out := nanSlice(n)
	if n <= period {
		return out
	}
	tr := TR(bars)
	alpha := 1.0 / float64(period)
	seed := 0.0
	for i := 1; i <= period; i++ {
		seed += tr[i]
	}
	out[period] = seed / float64(period)
	for i := period + 1; i < n; i++ {
		out[i] = out[i-1]*(1-alpha) + tr[i]*alpha
	}
	return out
}

// DM calculates the directional movement series (+DM, -DM).
func DM(bars []models.Bar) (plus, minus []float64) {
	n := len(bars)
	plus = make([]float64, n)
	minus = make([]float64, n)
	for i := 1; i < n; i++ {
		up := bars[i].High - bars[i-1].High
		down := bars[i-1].Low - bars[i].Low
		if up > down && up > 0 {
			plus[i] = up
		}
		if down > up && down > 0 {
			minus[i] = down
		}
	}
	return plus, minus
}

// ADX calculates the Average Directional Index: smoothed +DM/-DM over ATR
// giving the directional indexes, then a Wilder-smoothed DX seeded with the
// mean of DX[period..2*period). Positions before 2*period-1 are NaN; needs
// at least 2*period bars.
func ADX(bars []models.Bar, period int) []float64 {
	if period <= 0 {
		period = 14
	}
	n := len(bars)
	out := nanSlice(n)
	if n < 2*period {
		return out
	}
	atr := ATR(bars, period)
	plusDM, minusDM := DM(bars)
	alpha := 1.0 / float64(period)

	smoothDM := func(dm []float64) []float64 {
		s := make([]float64, n)
		seed := 0.0
		for i := 1; i <= period; i++ {
			seed += dm[i]
		}
		s[period] = seed / float64(period)
		for i := period + 1; i < n; i++ {
			s[i] = s[i-1]*(1-alpha) + dm[i]*alpha
		}
		return s
	}
	sp := smoothDM(plusDM)
	sm := smoothDM(minusDM)

	dx := nanSlice(n)
	for i := period; i < n; i++ {
		pdi, mdi := 0.0, 0.0
		if atr[i] > 0 {
			pdi = 100 * sp[i] / atr[i]
			mdi = 100 * sm[i] / atr[i]
		}
		if sum := pdi + mdi; sum > 0 {
			dx[i] = 100 * math.Abs(pdi-mdi) / sum
		} else {
			dx[i] = 0
		}
	}

	// Seed ADX with the mean DX of the first directional window.
	seed, count := 0.0, 0
	for i := period; i < 2*period && i < n; i++ {
		if !math.IsNaN(dx[i]) {
			seed += dx[i]
			count++
		}
	}
	if count == 0 {
		return out
	}
	out[2*period-1] = seed / float64(count)
	for i := 2 * period; i < n; i++ {
		out[i] = out[i-1]*(1-alpha) + dx[i]*alpha
	}
	return out
}

// Closes extracts the close column from a bar slice.
func Closes(bars []models.Bar) []float64 {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	return closes
}

// JSONSafe converts a value slice to pointers, mapping NaN and infinities
// to nil so the result marshals as JSON null.
func JSONSafe(vals []float64) []*float64 {
	out := make([]*float64, len(vals))
	for i, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		v := v
		out[i] = &v
	}
	return out
}

// --- helper functions ---

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func avg(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}

func sampleStddev(data []float64, mean float64) float64 {
	if len(data) < 2 {
		return 0
	}
	sumSq := 0.0
	for _, v := range data {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(data)-1))
}
