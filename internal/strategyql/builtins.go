package strategyql

import (
	"fmt"
	"math"

	"github.com/jreiner16/AceMarket/internal/indicators"
)

// BuiltinFunc is the signature of a pure strategy built-in. Trading
// actions (buy/sell/exit/exit_all/emit) are interpreter statements and
// do not live here.
type BuiltinFunc func(r *Runner, args []Value) (Value, error)

// builtins is the complete allow-listed function set available to
// strategy code. Indicator windows end at the runner's current bar, so
// a strategy cannot read prices the replay has not reached yet through
// these accessors.
var builtins = map[string]BuiltinFunc{
	// Market data
	"price":        biPrice,
	"candle_open":  biCandleField(func(r *Runner, i int) float64 { return r.series.Bar(i).Open }),
	"candle_high":  biCandleField(func(r *Runner, i int) float64 { return r.series.Bar(i).High }),
	"candle_low":   biCandleField(func(r *Runner, i int) float64 { return r.series.Bar(i).Low }),
	"candle_close": biCandleField(func(r *Runner, i int) float64 { return r.series.Bar(i).Close }),
	"bars":         biBars,

	// Indicators over closes up to the current bar
	"sma": biIndicator(indicators.SMA),
	"ema": biIndicator(indicators.EMA),
	"rsi": biIndicator(indicators.RSI),

	// Portfolio views
	"position_qty":       biPositionQty,
	"position_avg_price": biPositionAvgPrice,
	"cash":               biCash,
	"equity":             biEquity,
	"max_affordable_buy": biMaxAffordableBuy,

	// Math
	"min":   biMin,
	"max":   biMax,
	"abs":   biMath1(math.Abs),
	"round": biMath1(math.Round),
	"floor": biMath1(math.Floor),
	"sqrt":  biMath1(math.Sqrt),
	"sum":   biSum,
	"len":   biLen,
}

// ────────────────────────────────────────────────────────────────────
// Argument helpers
// ────────────────────────────────────────────────────────────────────

func wantArgs(name string, args []Value, n int) error {
	if len(args) != n {
		return fmt.Errorf("%s takes %d argument(s), got %d", name, n, len(args))
	}
	return nil
}

func wantScalar(name string, args []Value, idx int) (float64, error) {
	if idx >= len(args) {
		return 0, fmt.Errorf("%s: missing argument %d", name, idx+1)
	}
	if args[idx].Type != TypeScalar {
		return 0, fmt.Errorf("%s: argument %d must be a number, got %s", name, idx+1, args[idx].Type)
	}
	return args[idx].Scalar, nil
}

// ────────────────────────────────────────────────────────────────────
// Market data
// ────────────────────────────────────────────────────────────────────

func biPrice(r *Runner, args []Value) (Value, error) {
	if err := wantArgs("price", args, 1); err != nil {
		return NilValue(), err
	}
	i, err := wantScalar("price", args, 0)
	if err != nil {
		return NilValue(), err
	}
	return ScalarValue(r.series.Price(int(i))), nil
}

func biCandleField(get func(r *Runner, i int) float64) BuiltinFunc {
	return func(r *Runner, args []Value) (Value, error) {
		if err := wantArgs("candle accessor", args, 1); err != nil {
			return NilValue(), err
		}
		i, err := wantScalar("candle accessor", args, 0)
		if err != nil {
			return NilValue(), err
		}
		return ScalarValue(get(r, int(i))), nil
	}
}

func biBars(r *Runner, args []Value) (Value, error) {
	if err := wantArgs("bars", args, 0); err != nil {
		return NilValue(), err
	}
	return ScalarValue(float64(r.series.Len())), nil
}

// biIndicator adapts a close-slice indicator to a latest-value builtin.
// The window runs to the current bar only.
func biIndicator(compute func(closes []float64, period int) []float64) BuiltinFunc {
	return func(r *Runner, args []Value) (Value, error) {
		if err := wantArgs("indicator", args, 1); err != nil {
			return NilValue(), err
		}
		period, err := wantScalar("indicator", args, 0)
		if err != nil {
			return NilValue(), err
		}
		closes := r.series.Closes(r.bar)
		vals := compute(closes, int(period))
		if len(vals) == 0 {
			return ScalarValue(math.NaN()), nil
		}
		return ScalarValue(vals[len(vals)-1]), nil
	}
}

// ────────────────────────────────────────────────────────────────────
// Portfolio views
// ────────────────────────────────────────────────────────────────────

func biPositionQty(r *Runner, args []Value) (Value, error) {
	if err := wantArgs("position_qty", args, 0); err != nil {
		return NilValue(), err
	}
	pos := r.portfolio.Position(r.series.Symbol())
	if pos == nil {
		return ScalarValue(0), nil
	}
	return ScalarValue(pos.Quantity), nil
}

func biPositionAvgPrice(r *Runner, args []Value) (Value, error) {
	if err := wantArgs("position_avg_price", args, 0); err != nil {
		return NilValue(), err
	}
	pos := r.portfolio.Position(r.series.Symbol())
	if pos == nil {
		return ScalarValue(0), nil
	}
	return ScalarValue(pos.AvgPrice), nil
}

func biCash(r *Runner, args []Value) (Value, error) {
	if err := wantArgs("cash", args, 0); err != nil {
		return NilValue(), err
	}
	return ScalarValue(r.portfolio.Cash()), nil
}

func biEquity(r *Runner, args []Value) (Value, error) {
	if err := wantArgs("equity", args, 0); err != nil {
		return NilValue(), err
	}
	return ScalarValue(r.portfolio.GetValue(r.bar)), nil
}

func biMaxAffordableBuy(r *Runner, args []Value) (Value, error) {
	if err := wantArgs("max_affordable_buy", args, 1); err != nil {
		return NilValue(), err
	}
	reserve, err := wantScalar("max_affordable_buy", args, 0)
	if err != nil {
		return NilValue(), err
	}
	price := r.series.Price(r.bar)
	return ScalarValue(r.portfolio.MaxAffordableBuy(price, reserve)), nil
}

// ────────────────────────────────────────────────────────────────────
// Math
// ────────────────────────────────────────────────────────────────────

func biMath1(fn func(float64) float64) BuiltinFunc {
	return func(r *Runner, args []Value) (Value, error) {
		if err := wantArgs("math function", args, 1); err != nil {
			return NilValue(), err
		}
		x, err := wantScalar("math function", args, 0)
		if err != nil {
			return NilValue(), err
		}
		return ScalarValue(fn(x)), nil
	}
}

func biMin(r *Runner, args []Value) (Value, error) {
	return foldScalars("min", args, math.Inf(1), math.Min)
}

func biMax(r *Runner, args []Value) (Value, error) {
	return foldScalars("max", args, math.Inf(-1), math.Max)
}

func biSum(r *Runner, args []Value) (Value, error) {
	return foldScalars("sum", args, 0, func(a, b float64) float64 { return a + b })
}

func foldScalars(name string, args []Value, init float64, fn func(a, b float64) float64) (Value, error) {
	if len(args) == 0 {
		return NilValue(), fmt.Errorf("%s needs at least one argument", name)
	}
	acc := init
	for i := range args {
		x, err := wantScalar(name, args, i)
		if err != nil {
			return NilValue(), err
		}
		acc = fn(acc, x)
	}
	return ScalarValue(acc), nil
}

func biLen(r *Runner, args []Value) (Value, error) {
	if err := wantArgs("len", args, 1); err != nil {
		return NilValue(), err
	}
	if args[0].Type != TypeString {
		return NilValue(), fmt.Errorf("len takes a string, got %s", args[0].Type)
	}
	return ScalarValue(float64(len(args[0].Str))), nil
}
