package strategyql

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/jreiner16/AceMarket/internal/engine"
	"github.com/jreiner16/AceMarket/pkg/models"
)

// ════════════════════════════════════════════════════════════════════
// Lexer
// ════════════════════════════════════════════════════════════════════

func TestLexerTokens(t *testing.T) {
	tokens, err := NewLexer(`strategy s { on bar { x = close * 1.5 } }`).Tokenize()
	assertNoErr(t, err)
	types := make([]TokenType, len(tokens))
	for i, tok := range tokens {
		types[i] = tok.Type
	}
	want := []TokenType{
		TokenStrategy, TokenIdentifier, TokenLBrace,
		TokenOn, TokenIdentifier, TokenLBrace,
		TokenIdentifier, TokenAssign, TokenIdentifier, TokenStar, TokenNumber,
		TokenRBrace, TokenRBrace, TokenEOF,
	}
	if len(types) != len(want) {
		t.Fatalf("want %d tokens, got %d: %v", len(want), len(types), tokens)
	}
	for i := range want {
		assertEqual(t, want[i], types[i])
	}
}

func TestLexerComparisonOperators(t *testing.T) {
	tokens, err := NewLexer(`> >= < <= == != =`).Tokenize()
	assertNoErr(t, err)
	want := []TokenType{TokenGT, TokenGTE, TokenLT, TokenLTE, TokenEQ, TokenNEQ, TokenAssign, TokenEOF}
	for i := range want {
		assertEqual(t, want[i], tokens[i].Type)
	}
}

func TestLexerComments(t *testing.T) {
	tokens, err := NewLexer("close # trailing comment\n# full line\nopen").Tokenize()
	assertNoErr(t, err)
	assertEqual(t, 3, len(tokens)) // close, open, EOF
	assertEqual(t, "close", tokens[0].Value)
	assertEqual(t, "open", tokens[1].Value)
}

func TestLexerStringEscapes(t *testing.T) {
	tokens, err := NewLexer(`"a\nb" 'c'`).Tokenize()
	assertNoErr(t, err)
	assertEqual(t, "a\nb", tokens[0].Value)
	assertEqual(t, "c", tokens[1].Value)
}

func TestLexerErrors(t *testing.T) {
	if _, err := NewLexer(`"unterminated`).Tokenize(); err == nil {
		t.Fatal("expected error for unterminated string")
	}
	if _, err := NewLexer(`a ! b`).Tokenize(); err == nil {
		t.Fatal("expected error for bare '!'")
	}
	_, err := NewLexer("x\n  @").Tokenize()
	if err == nil {
		t.Fatal("expected error for unexpected character")
	}
	var pe *ParseError
	if !asParseError(err, &pe) || pe.Line != 2 {
		t.Fatalf("want line 2 error, got %v", err)
	}
}

// ════════════════════════════════════════════════════════════════════
// Parser
// ════════════════════════════════════════════════════════════════════

func TestParseProgramStructure(t *testing.T) {
	prog, err := ParseSource(`
strategy momentum {
    state { entry = 0  armed = false }
    on start { emit("go") }
    on bar  { entry = close }
    on end  { exit_all() }
}`)
	assertNoErr(t, err)
	assertEqual(t, "momentum", prog.Name)
	assertEqual(t, 2, len(prog.State))
	assertEqual(t, "entry", prog.State[0].Name)
	assertEqual(t, "armed", prog.State[1].Name)
	assertEqual(t, 1, len(prog.OnStart))
	assertEqual(t, 1, len(prog.OnBar))
	assertEqual(t, 1, len(prog.OnEnd))
}

func TestParsePrecedence(t *testing.T) {
	prog, err := ParseSource(`strategy s { on bar { x = 1 + 2 * 3 } }`)
	assertNoErr(t, err)
	assign := prog.OnBar[0].(*AssignStmt)
	assertEqual(t, "(1 + (2 * 3))", assign.Expr.String())

	prog, err = ParseSource(`strategy s { on bar { x = close > 5 and not open < 2 or true } }`)
	assertNoErr(t, err)
	assign = prog.OnBar[0].(*AssignStmt)
	assertEqual(t, "(((close > 5) and (not (open < 2))) or true)", assign.Expr.String())
}

func TestParseIfElseChain(t *testing.T) {
	prog, err := ParseSource(`
strategy s {
    on bar {
        if close > 10 { buy(1) } else if close < 5 { sell(1) } else { exit_all() }
    }
}`)
	assertNoErr(t, err)
	ifStmt := prog.OnBar[0].(*IfStmt)
	assertEqual(t, 1, len(ifStmt.Then))
	nested := ifStmt.Else[0].(*IfStmt)
	assertEqual(t, 1, len(nested.Then))
	assertEqual(t, 1, len(nested.Else))
}

func TestParseIndexExpr(t *testing.T) {
	prog, err := ParseSource(`strategy s { on bar { x = prices[index - 1] } }`)
	assertNoErr(t, err)
	assign := prog.OnBar[0].(*AssignStmt)
	if _, ok := assign.Expr.(*IndexExpr); !ok {
		t.Fatalf("want IndexExpr, got %T", assign.Expr)
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name   string
		source string
	}{
		{"missing name", `strategy { }`},
		{"missing brace", `strategy s {`},
		{"unknown hook", `strategy s { on tick { } }`},
		{"duplicate hook", `strategy s { on bar { } on bar { } }`},
		{"duplicate state", `strategy s { state { } state { } }`},
		{"trailing tokens", `strategy s { } extra`},
		{"bad statement", `strategy s { on bar { = 3 } }`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseSource(tc.source); err == nil {
				t.Fatalf("expected parse error for %q", tc.source)
			}
		})
	}
}

// ════════════════════════════════════════════════════════════════════
// Compile validation
// ════════════════════════════════════════════════════════════════════

func TestCompileRejectsEmpty(t *testing.T) {
	assertCompileError(t, "", "Strategy code cannot be empty")
	assertCompileError(t, "   \n\t", "Strategy code cannot be empty")
}

func TestCompileRejectsOversize(t *testing.T) {
	big := "strategy s { on bar { " + strings.Repeat("emit(1) ", MaxSourceLen/8) + " } }"
	assertCompileError(t, big, "Strategy code exceeds maximum length (50000)")
}

func TestCompileRejectsImports(t *testing.T) {
	// Pasted-in foreign code fails on the import line first.
	assertCompileError(t, "import os\nclass S(Strategy):\n  pass", "Imports are not allowed in strategy code")
	assertCompileError(t, `strategy s { on bar { x = import } }`, "Imports are not allowed in strategy code")
}

func TestCompileRejectsForbiddenNames(t *testing.T) {
	assertCompileError(t, `strategy s { on bar { eval("x") } }`, "Use of 'eval' is not allowed in strategy code")
	assertCompileError(t, `strategy s { on bar { x = getattr } }`, "Use of 'getattr' is not allowed in strategy code")
	assertCompileError(t, `strategy s { on bar { breakpoint() } }`, "Use of 'breakpoint' is not allowed in strategy code")
}

func TestCompileRejectsDunders(t *testing.T) {
	assertCompileError(t, `strategy s { on bar { x = __class__ } }`, "Access to dunder attributes is not allowed")
	assertCompileError(t, `strategy s { on bar { x = a__b__c } }`, "Access to dunder attributes is not allowed")
}

func TestCompileAllowsInit(t *testing.T) {
	// __init__ is the one permitted dunder name.
	_, err := Compile(context.Background(), `strategy s { state { __init__ = 1 } on bar { } }`)
	assertNoErr(t, err)
}

func TestCompileRequiresStrategyBlock(t *testing.T) {
	assertCompileError(t, `x = 3`, "Code must define a strategy block")
	assertCompileError(t, `strategy a { } strategy b { }`, "Code must define a strategy block")
}

func TestCompileValid(t *testing.T) {
	prog, err := Compile(context.Background(), `
strategy crossover {
    state { fast = 0 }
    on bar {
        fast = sma(5)
        if fast > sma(20) { buy(10) }
    }
}`)
	assertNoErr(t, err)
	assertEqual(t, "crossover", prog.Name)
}

func TestCompileErrorsAreValidation(t *testing.T) {
	_, err := Compile(context.Background(), `strategy s {`)
	if err == nil || !engine.IsValidation(err) {
		t.Fatalf("want validation error, got %v", err)
	}
}

// ════════════════════════════════════════════════════════════════════
// Interpreter
// ════════════════════════════════════════════════════════════════════

func TestRunnerBuyAndExit(t *testing.T) {
	series := mustSeries(t, "AAPL", 10, 12)
	port := mustPortfolio(t, 1000)
	r := mustRunner(t, `
strategy flat {
    on start { buy(10) }
    on end   { exit_all() }
}`, series, port)

	assertNoErr(t, engine.BacktestRange(r, series, 0, 1))
	assertFloat(t, 1020, port.Cash())
	if port.Position("AAPL") != nil {
		t.Fatal("position should be closed")
	}
	assertFloat(t, 20, port.RealizedPnL()["AAPL"])
}

func TestRunnerStateCarriesAcrossBars(t *testing.T) {
	series := mustSeries(t, "X", 10, 11, 12, 13)
	port := mustPortfolio(t, 1000)
	r := mustRunner(t, `
strategy counter {
    state { n = 0 }
    on bar { n = n + 1 }
    on end { emit(n) }
}`, series, port)

	assertNoErr(t, engine.BacktestRange(r, series, 0, 3))
	assertEqual(t, 1, len(r.Emitted()))
	assertEqual(t, "4", r.Emitted()[0])
}

func TestRunnerBarAccessors(t *testing.T) {
	series := mustSeries(t, "X", 10, 20, 30)
	port := mustPortfolio(t, 1000)
	r := mustRunner(t, `
strategy probe {
    on bar { emit(index, open, close, price(0), prices[index], bars()) }
}`, series, port)

	assertNoErr(t, engine.BacktestRange(r, series, 1, 1))
	assertEqual(t, "1 20 20 10 20 3", r.Emitted()[0])
}

func TestRunnerConditionalTrading(t *testing.T) {
	// Buys below 10, exits above 12.
	series := mustSeries(t, "X", 9, 11, 13)
	port := mustPortfolio(t, 1000)
	r := mustRunner(t, `
strategy dip {
    on bar {
        if close < 10 and position_qty() == 0 { buy(10) }
        if close > 12 and position_qty() > 0 { exit_all() }
    }
}`, series, port)

	assertNoErr(t, engine.BacktestRange(r, series, 0, 2))
	assertFloat(t, 1040, port.Cash()) // bought at 9, exited at 13
	assertEqual(t, 2, len(port.TradeLog()))
}

func TestRunnerRejectedOrderReturnsFalse(t *testing.T) {
	// Second buy cannot be afforded; the hook keeps running and records it.
	series := mustSeries(t, "X", 100)
	port := mustPortfolio(t, 1000)
	r := mustRunner(t, `
strategy greedy {
    on bar {
        if buy(9) { emit("first ok") }
        if buy(9) { emit("second ok") } else { emit("second rejected") }
    }
}`, series, port)

	assertNoErr(t, engine.BacktestRange(r, series, 0, 0))
	assertEqual(t, 2, len(r.Emitted()))
	assertEqual(t, "first ok", r.Emitted()[0])
	assertEqual(t, "second rejected", r.Emitted()[1])
	assertFloat(t, 100, port.Cash())
}

func TestRunnerShortSide(t *testing.T) {
	series := mustSeries(t, "X", 10, 8)
	port := mustPortfolio(t, 1000)
	r := mustRunner(t, `
strategy bear {
    on start { sell(10) }
    on end   { exit_all() }
}`, series, port)

	assertNoErr(t, engine.BacktestRange(r, series, 0, 1))
	assertFloat(t, 1020, port.Cash()) // short at 10, covered at 8
}

func TestRunnerIndicators(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 10 + float64(i)
	}
	series := mustSeries(t, "X", closes...)
	port := mustPortfolio(t, 1000)
	r := mustRunner(t, `
strategy trend {
    on bar {
        if index == 29 {
            emit(sma(3))
            if rsi(14) == 100 { emit("max rsi") }
            if ema(5) > sma(5) { emit("ema leads") }
        }
    }
}`, series, port)

	assertNoErr(t, engine.BacktestRange(r, series, 0, 29))
	// closes 37,38,39 → sma(3) = 38; steady uptrend pins RSI at 100.
	assertEqual(t, "38", r.Emitted()[0])
	assertEqual(t, "max rsi", r.Emitted()[1])
}

func TestRunnerIndicatorWindowEndsAtCurrentBar(t *testing.T) {
	series := mustSeries(t, "X", 10, 20, 30, 40)
	port := mustPortfolio(t, 1000)
	r := mustRunner(t, `
strategy peek {
    on bar { if index == 1 { emit(sma(2)) } }
}`, series, port)

	assertNoErr(t, engine.BacktestRange(r, series, 0, 3))
	// At bar 1 only closes [10,20] are visible.
	assertEqual(t, "15", r.Emitted()[0])
}

func TestRunnerDivisionByZeroIsNaN(t *testing.T) {
	series := mustSeries(t, "X", 10)
	port := mustPortfolio(t, 1000)
	r := mustRunner(t, `
strategy div {
    on bar {
        x = 1 / 0
        if x > 0 { emit("impossible") } else { emit("nan compares false") }
    }
}`, series, port)

	assertNoErr(t, engine.BacktestRange(r, series, 0, 0))
	assertEqual(t, "nan compares false", r.Emitted()[0])
}

func TestRunnerPortfolioViews(t *testing.T) {
	series := mustSeries(t, "X", 10)
	port := mustPortfolio(t, 1000)
	r := mustRunner(t, `
strategy views {
    on bar {
        buy(10)
        emit(position_qty(), position_avg_price(), cash(), equity())
        emit(max_affordable_buy(0))
    }
}`, series, port)

	assertNoErr(t, engine.BacktestRange(r, series, 0, 0))
	assertEqual(t, "10 10 900 1000", r.Emitted()[0])
	assertEqual(t, "90", r.Emitted()[1])
}

func TestRunnerMathBuiltins(t *testing.T) {
	series := mustSeries(t, "X", 10)
	port := mustPortfolio(t, 1000)
	r := mustRunner(t, `
strategy m {
    on bar {
        emit(min(3, 1, 2), max(3, 1, 2), abs(-4), round(2.5), floor(2.9), sqrt(9), sum(1, 2, 3), len("abc"))
    }
}`, series, port)

	assertNoErr(t, engine.BacktestRange(r, series, 0, 0))
	assertEqual(t, "1 3 4 3 2 3 6 3", r.Emitted()[0])
}

func TestRunnerUnknownIdentifierFailsRun(t *testing.T) {
	series := mustSeries(t, "X", 10)
	port := mustPortfolio(t, 1000)
	r := mustRunner(t, `strategy bad { on bar { x = nope } }`, series, port)

	err := engine.BacktestRange(r, series, 0, 0)
	if err == nil || !strings.Contains(err.Error(), "unknown identifier") {
		t.Fatalf("want unknown identifier error, got %v", err)
	}
}

func TestRunnerStateInitializerError(t *testing.T) {
	prog, err := Compile(context.Background(), `strategy s { state { x = missing } on bar { } }`)
	assertNoErr(t, err)
	series := mustSeries(t, "X", 10)
	port := mustPortfolio(t, 1000)
	if _, err := NewRunner(prog, series, port); err == nil {
		t.Fatal("expected state initializer error")
	}
}

// ════════════════════════════════════════════════════════════════════
// Test Helpers
// ════════════════════════════════════════════════════════════════════

func mustSeries(t *testing.T, symbol string, closes ...float64) *engine.Series {
	t.Helper()
	start := time.Date(2023, time.January, 2, 0, 0, 0, 0, time.UTC)
	bars := make([]models.Bar, len(closes))
	for i, c := range closes {
		bars[i] = models.Bar{
			Date: start.AddDate(0, 0, i),
			Open: c, High: c, Low: c, Close: c,
			Volume: 1000,
		}
	}
	s, err := engine.NewSeries(symbol, bars)
	if err != nil {
		t.Fatalf("building series: %v", err)
	}
	return s
}

func mustPortfolio(t *testing.T, cash float64) *engine.Portfolio {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.InitialCash = cash
	cfg.ShareMinPct = 100
	p, err := engine.NewPortfolio(cfg)
	if err != nil {
		t.Fatalf("building portfolio: %v", err)
	}
	return p
}

func mustRunner(t *testing.T, source string, series *engine.Series, port *engine.Portfolio) *Runner {
	t.Helper()
	prog, err := Compile(context.Background(), source)
	if err != nil {
		t.Fatalf("compiling strategy: %v", err)
	}
	r, err := NewRunner(prog, series, port)
	if err != nil {
		t.Fatalf("instantiating strategy: %v", err)
	}
	return r
}

func assertCompileError(t *testing.T, source, message string) {
	t.Helper()
	_, err := Compile(context.Background(), source)
	if err == nil {
		t.Fatalf("expected compile error %q, got nil", message)
	}
	if !strings.Contains(err.Error(), message) {
		t.Fatalf("want error containing %q, got %q", message, err.Error())
	}
}

func asParseError(err error, target **ParseError) bool {
	pe, ok := err.(*ParseError)
	if ok {
		*target = pe
	}
	return ok
}

func assertEqual[T comparable](t *testing.T, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("want %v, got %v", want, got)
	}
}

func assertFloat(t *testing.T, want, got float64) {
	t.Helper()
	if math.Abs(want-got) > 1e-6 {
		t.Errorf("want %f, got %f", want, got)
	}
}

func assertNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
