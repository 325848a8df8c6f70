package strategyql

import (
	"fmt"
	"math"
	"strings"

	"github.com/jreiner16/AceMarket/internal/engine"
	"github.com/jreiner16/AceMarket/pkg/models"
)

// ════════════════════════════════════════════════════════════════════
// Runner — Tree-Walking Interpreter
// ════════════════════════════════════════════════════════════════════

// Runner executes a compiled Program against one price series and one
// portfolio. It implements the backtest driver's Strategy contract; the
// driver positions it on a bar and each hook body runs with that bar as
// the current one. Runners are single-goroutine, one per backtest leg.
type Runner struct {
	prog      *Program
	series    *engine.Series
	portfolio *engine.Portfolio
	vars      map[string]Value
	bar       int
	emitted   []string
}

// NewRunner instantiates a program on (series, portfolio) and evaluates
// the state initializers in declaration order.
func NewRunner(prog *Program, series *engine.Series, portfolio *engine.Portfolio) (*Runner, error) {
	r := &Runner{
		prog:      prog,
		series:    series,
		portfolio: portfolio,
		vars:      make(map[string]Value),
	}
	for _, a := range prog.State {
		v, err := r.eval(a.Expr)
		if err != nil {
			return nil, fmt.Errorf("state %s: %w", a.Name, err)
		}
		r.vars[a.Name] = v
	}
	return r, nil
}

// Name returns the declared strategy name.
func (r *Runner) Name() string { return r.prog.Name }

// Emitted returns everything emit() captured, in order.
func (r *Runner) Emitted() []string { return r.emitted }

// ────────────────────────────────────────────────────────────────────
// Strategy contract
// ────────────────────────────────────────────────────────────────────

// Start runs the `on start` hook positioned on the opening bar.
func (r *Runner) Start(bar models.Bar) error {
	r.bar = r.series.ToIndex(bar.Date)
	return r.execBlock(r.prog.OnStart)
}

// Update runs the `on bar` hook positioned on bar i.
func (r *Runner) Update(open, high, low, close float64, i int) error {
	r.bar = i
	return r.execBlock(r.prog.OnBar)
}

// End runs the `on end` hook positioned on the final bar.
func (r *Runner) End(bar models.Bar) error {
	r.bar = r.series.ToIndex(bar.Date)
	return r.execBlock(r.prog.OnEnd)
}

// ────────────────────────────────────────────────────────────────────
// Statement execution
// ────────────────────────────────────────────────────────────────────

func (r *Runner) execBlock(stmts []Stmt) error {
	for _, s := range stmts {
		if err := r.execStmt(s); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) execStmt(s Stmt) error {
	switch stmt := s.(type) {
	case *AssignStmt:
		v, err := r.eval(stmt.Expr)
		if err != nil {
			return err
		}
		r.vars[stmt.Name] = v
		return nil

	case *IfStmt:
		cond, err := r.eval(stmt.Cond)
		if err != nil {
			return err
		}
		if toBool(cond) {
			return r.execBlock(stmt.Then)
		}
		return r.execBlock(stmt.Else)

	case *ExprStmt:
		_, err := r.eval(stmt.Expr)
		return err

	default:
		return fmt.Errorf("unsupported statement %T", s)
	}
}

// ────────────────────────────────────────────────────────────────────
// Expression evaluation
// ────────────────────────────────────────────────────────────────────

func (r *Runner) eval(node Node) (Value, error) {
	switch n := node.(type) {
	case *NumberLiteral:
		return ScalarValue(n.Value), nil
	case *StringLiteral:
		return StringValue(n.Value), nil
	case *BoolLiteral:
		return BoolValue(n.Value), nil
	case *Identifier:
		return r.evalIdentifier(n)
	case *FunctionCall:
		return r.evalCall(n)
	case *IndexExpr:
		return r.evalIndex(n)
	case *BinaryExpr:
		return r.evalBinary(n)
	case *UnaryExpr:
		return r.evalUnary(n)
	default:
		return NilValue(), fmt.Errorf("unsupported expression %T", node)
	}
}

// evalIdentifier resolves bar accessors first, then state variables.
func (r *Runner) evalIdentifier(n *Identifier) (Value, error) {
	switch strings.ToLower(n.Name) {
	case "open":
		return ScalarValue(r.series.Bar(r.bar).Open), nil
	case "high":
		return ScalarValue(r.series.Bar(r.bar).High), nil
	case "low":
		return ScalarValue(r.series.Bar(r.bar).Low), nil
	case "close":
		return ScalarValue(r.series.Bar(r.bar).Close), nil
	case "index":
		return ScalarValue(float64(r.bar)), nil
	}
	if v, ok := r.vars[n.Name]; ok {
		return v, nil
	}
	return NilValue(), fmt.Errorf("unknown identifier %q", n.Name)
}

func (r *Runner) evalIndex(n *IndexExpr) (Value, error) {
	ident, ok := n.Operand.(*Identifier)
	if !ok || strings.ToLower(ident.Name) != "prices" {
		return NilValue(), fmt.Errorf("only prices[...] supports indexing")
	}
	idx, err := r.eval(n.Index)
	if err != nil {
		return NilValue(), err
	}
	if idx.Type != TypeScalar {
		return NilValue(), fmt.Errorf("prices index must be a number, got %s", idx.Type)
	}
	return ScalarValue(r.series.Price(int(idx.Scalar))), nil
}

func (r *Runner) evalCall(n *FunctionCall) (Value, error) {
	// Trading actions resolve before the pure built-ins.
	switch n.Name {
	case "buy", "sell", "exit", "exit_all", "emit":
		return r.evalAction(n)
	}

	fn, ok := builtins[n.Name]
	if !ok {
		return NilValue(), fmt.Errorf("unknown function %q", n.Name)
	}
	args := make([]Value, len(n.Args))
	for i, argNode := range n.Args {
		v, err := r.eval(argNode)
		if err != nil {
			return NilValue(), fmt.Errorf("argument %d of %s: %w", i+1, n.Name, err)
		}
		args[i] = v
	}
	return fn(r, args)
}

// evalAction executes a trading statement. Admission rejections are not
// faults: the action returns false and the hook continues, so strategies
// can attempt orders without guarding every gate themselves.
func (r *Runner) evalAction(n *FunctionCall) (Value, error) {
	symbol := r.series.Symbol()

	switch n.Name {
	case "emit":
		parts := make([]string, len(n.Args))
		for i, argNode := range n.Args {
			v, err := r.eval(argNode)
			if err != nil {
				return NilValue(), err
			}
			parts[i] = v.String()
		}
		r.emitted = append(r.emitted, strings.Join(parts, " "))
		return NilValue(), nil

	case "exit_all":
		if len(n.Args) != 0 {
			return NilValue(), fmt.Errorf("exit_all takes no arguments")
		}
		pos := r.portfolio.Position(symbol)
		if pos == nil || pos.Quantity == 0 {
			return BoolValue(false), nil
		}
		return r.placeOrder(func() error {
			_, err := r.portfolio.ExitPosition(symbol, math.Abs(pos.Quantity), r.bar)
			return err
		})
	}

	if len(n.Args) != 1 {
		return NilValue(), fmt.Errorf("%s takes exactly one argument", n.Name)
	}
	qtyVal, err := r.eval(n.Args[0])
	if err != nil {
		return NilValue(), err
	}
	if qtyVal.Type != TypeScalar {
		return NilValue(), fmt.Errorf("%s quantity must be a number, got %s", n.Name, qtyVal.Type)
	}
	qty := qtyVal.Scalar
	if math.IsNaN(qty) || math.IsInf(qty, 0) {
		return BoolValue(false), nil
	}

	switch n.Name {
	case "buy":
		return r.placeOrder(func() error {
			_, err := r.portfolio.EnterLong(r.series, qty, r.bar)
			return err
		})
	case "sell":
		return r.placeOrder(func() error {
			_, err := r.portfolio.EnterShort(r.series, qty, r.bar)
			return err
		})
	case "exit":
		return r.placeOrder(func() error {
			_, err := r.portfolio.ExitPosition(symbol, qty, r.bar)
			return err
		})
	}
	return NilValue(), fmt.Errorf("unknown action %q", n.Name)
}

func (r *Runner) placeOrder(order func() error) (Value, error) {
	err := order()
	if err == nil {
		return BoolValue(true), nil
	}
	if engine.IsValidation(err) {
		return BoolValue(false), nil
	}
	return NilValue(), err
}

func (r *Runner) evalBinary(n *BinaryExpr) (Value, error) {
	left, err := r.eval(n.Left)
	if err != nil {
		return NilValue(), err
	}

	// Logical operators short-circuit.
	switch n.Op {
	case "and":
		if !toBool(left) {
			return BoolValue(false), nil
		}
		right, err := r.eval(n.Right)
		if err != nil {
			return NilValue(), err
		}
		return BoolValue(toBool(right)), nil
	case "or":
		if toBool(left) {
			return BoolValue(true), nil
		}
		right, err := r.eval(n.Right)
		if err != nil {
			return NilValue(), err
		}
		return BoolValue(toBool(right)), nil
	}

	right, err := r.eval(n.Right)
	if err != nil {
		return NilValue(), err
	}

	switch n.Op {
	case "+", "-", "*", "/", "%":
		if left.Type != TypeScalar || right.Type != TypeScalar {
			return NilValue(), fmt.Errorf("operator %q needs numbers, got %s and %s", n.Op, left.Type, right.Type)
		}
		a, b := left.Scalar, right.Scalar
		switch n.Op {
		case "+":
			return ScalarValue(a + b), nil
		case "-":
			return ScalarValue(a - b), nil
		case "*":
			return ScalarValue(a * b), nil
		case "/":
			if b == 0 {
				return ScalarValue(math.NaN()), nil
			}
			return ScalarValue(a / b), nil
		default:
			if b == 0 {
				return ScalarValue(math.NaN()), nil
			}
			return ScalarValue(math.Mod(a, b)), nil
		}

	case ">", "<", ">=", "<=":
		if left.Type != TypeScalar || right.Type != TypeScalar {
			return NilValue(), fmt.Errorf("operator %q needs numbers, got %s and %s", n.Op, left.Type, right.Type)
		}
		a, b := left.Scalar, right.Scalar
		switch n.Op {
		case ">":
			return BoolValue(a > b), nil
		case "<":
			return BoolValue(a < b), nil
		case ">=":
			return BoolValue(a >= b), nil
		default:
			return BoolValue(a <= b), nil
		}

	case "==":
		return BoolValue(valuesEqual(left, right)), nil
	case "!=":
		return BoolValue(!valuesEqual(left, right)), nil
	}
	return NilValue(), fmt.Errorf("unknown operator %q", n.Op)
}

func (r *Runner) evalUnary(n *UnaryExpr) (Value, error) {
	val, err := r.eval(n.Operand)
	if err != nil {
		return NilValue(), err
	}
	switch n.Op {
	case "-":
		if val.Type != TypeScalar {
			return NilValue(), fmt.Errorf("cannot negate %s", val.Type)
		}
		return ScalarValue(-val.Scalar), nil
	case "not":
		return BoolValue(!toBool(val)), nil
	}
	return NilValue(), fmt.Errorf("unknown unary operator %q", n.Op)
}

// ────────────────────────────────────────────────────────────────────
// Value coercion
// ────────────────────────────────────────────────────────────────────

func toBool(v Value) bool {
	switch v.Type {
	case TypeBool:
		return v.Bool
	case TypeScalar:
		return v.Scalar != 0 && !math.IsNaN(v.Scalar)
	case TypeString:
		return v.Str != ""
	default:
		return false
	}
}

func valuesEqual(a, b Value) bool {
	if a.Type == TypeScalar && b.Type == TypeScalar {
		return a.Scalar == b.Scalar
	}
	if a.Type == TypeString && b.Type == TypeString {
		return a.Str == b.Str
	}
	if a.Type == TypeBool && b.Type == TypeBool {
		return a.Bool == b.Bool
	}
	return a.Type == TypeNil && b.Type == TypeNil
}
