// Package strategyql implements the AceMarket strategy language — a small
// block-structured DSL in which user trading strategies are written. It
// provides a lexer, recursive descent parser, AST representation, validator,
// and a tree-walking interpreter that drives the backtest engine through
// explicit buy/sell/exit operations.
//
// A strategy source looks like:
//
//	strategy momentum {
//	    state { entry = 0 }
//	    on start { emit("begin") }
//	    on bar {
//	        if rsi(14) < 30 and position_qty() == 0 {
//	            buy(max_affordable_buy(0.05))
//	            entry = close
//	        }
//	        if position_qty() > 0 and close > entry * 1.1 {
//	            exit_all()
//	        }
//	    }
//	    on end { exit_all() }
//	}
package strategyql

import "fmt"

// ════════════════════════════════════════════════════════════════════
// Value Types
// ════════════════════════════════════════════════════════════════════

// ValueType enumerates the possible result types of a strategy expression.
type ValueType int

const (
	TypeScalar ValueType = iota // float64
	TypeString                  // string
	TypeBool                    // boolean
	TypeNil                     // no value / void
)

func (v ValueType) String() string {
	switch v {
	case TypeScalar:
		return "Scalar"
	case TypeString:
		return "String"
	case TypeBool:
		return "Bool"
	case TypeNil:
		return "Nil"
	default:
		return "Unknown"
	}
}

// Value is the universal result wrapper for strategy expression evaluation.
type Value struct {
	Type   ValueType
	Scalar float64
	Str    string
	Bool   bool
}

// ScalarValue creates a scalar Value.
func ScalarValue(v float64) Value {
	return Value{Type: TypeScalar, Scalar: v}
}

// StringValue creates a string Value.
func StringValue(s string) Value {
	return Value{Type: TypeString, Str: s}
}

// BoolValue creates a boolean Value.
func BoolValue(b bool) Value {
	return Value{Type: TypeBool, Bool: b}
}

// NilValue creates a nil/void Value.
func NilValue() Value {
	return Value{Type: TypeNil}
}

func (v Value) String() string {
	switch v.Type {
	case TypeScalar:
		return fmt.Sprintf("%g", v.Scalar)
	case TypeString:
		return v.Str
	case TypeBool:
		return fmt.Sprintf("%t", v.Bool)
	default:
		return "nil"
	}
}

// ════════════════════════════════════════════════════════════════════
// AST Node Types
// ════════════════════════════════════════════════════════════════════

// Node is the interface for all expression AST nodes.
type Node interface {
	// Pos returns the byte offset in the original source.
	Pos() int
	String() string
}

// Stmt is the interface for all statement AST nodes.
type Stmt interface {
	Pos() int
	stmtNode()
}

// ────────────────────────────────────────────────────────────────────
// Expressions
// ────────────────────────────────────────────────────────────────────

// NumberLiteral represents a numeric constant (e.g. 14, 0.05).
type NumberLiteral struct {
	Position int
	Value    float64
	Raw      string
}

func (n *NumberLiteral) Pos() int       { return n.Position }
func (n *NumberLiteral) String() string { return n.Raw }

// StringLiteral represents a quoted string.
type StringLiteral struct {
	Position int
	Value    string
}

func (n *StringLiteral) Pos() int       { return n.Position }
func (n *StringLiteral) String() string { return fmt.Sprintf("%q", n.Value) }

// BoolLiteral represents true/false.
type BoolLiteral struct {
	Position int
	Value    bool
}

func (n *BoolLiteral) Pos() int { return n.Position }
func (n *BoolLiteral) String() string {
	if n.Value {
		return "true"
	}
	return "false"
}

// Identifier represents a bare name — a state variable or bar accessor.
type Identifier struct {
	Position int
	Name     string
}

func (n *Identifier) Pos() int       { return n.Position }
func (n *Identifier) String() string { return n.Name }

// FunctionCall represents a built-in invocation e.g. rsi(14), buy(q).
type FunctionCall struct {
	Position int
	Name     string // lower-cased
	Args     []Node
}

func (n *FunctionCall) Pos() int { return n.Position }
func (n *FunctionCall) String() string {
	s := n.Name + "("
	for i, a := range n.Args {
		if i > 0 {
			s += ", "
		}
		s += a.String()
	}
	return s + ")"
}

// IndexExpr represents a subscript e.g. prices[i].
type IndexExpr struct {
	Position int
	Operand  Node
	Index    Node
}

func (n *IndexExpr) Pos() int       { return n.Position }
func (n *IndexExpr) String() string { return fmt.Sprintf("%s[%s]", n.Operand, n.Index) }

// BinaryExpr represents a binary operation e.g. a + b, rsi(14) < 30, a and b.
type BinaryExpr struct {
	Position int
	Op       string // "+", "-", "*", "/", ">", "<", ">=", "<=", "==", "!=", "and", "or"
	Left     Node
	Right    Node
}

func (n *BinaryExpr) Pos() int { return n.Position }
func (n *BinaryExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", n.Left, n.Op, n.Right)
}

// UnaryExpr represents a unary operation e.g. not x, -5.
type UnaryExpr struct {
	Position int
	Op       string // "not", "-"
	Operand  Node
}

func (n *UnaryExpr) Pos() int       { return n.Position }
func (n *UnaryExpr) String() string { return fmt.Sprintf("(%s %s)", n.Op, n.Operand) }

// ────────────────────────────────────────────────────────────────────
// Statements
// ────────────────────────────────────────────────────────────────────

// AssignStmt represents `name = expr`.
type AssignStmt struct {
	Position int
	Name     string
	Expr     Node
}

func (s *AssignStmt) Pos() int  { return s.Position }
func (s *AssignStmt) stmtNode() {}

// IfStmt represents `if cond { … } else { … }`; Else may be nil or hold
// a nested IfStmt for else-if chains.
type IfStmt struct {
	Position int
	Cond     Node
	Then     []Stmt
	Else     []Stmt
}

func (s *IfStmt) Pos() int  { return s.Position }
func (s *IfStmt) stmtNode() {}

// ExprStmt represents a bare call statement e.g. buy(10) or emit(close).
type ExprStmt struct {
	Position int
	Expr     Node
}

func (s *ExprStmt) Pos() int  { return s.Position }
func (s *ExprStmt) stmtNode() {}

// ────────────────────────────────────────────────────────────────────
// Program
// ────────────────────────────────────────────────────────────────────

// Program is a fully parsed strategy: the name, state initializers, and
// the three hook bodies. A Program is immutable and shareable; per-run
// state lives in the Runner.
type Program struct {
	Name    string
	State   []*AssignStmt
	OnStart []Stmt
	OnBar   []Stmt
	OnEnd   []Stmt
}

// ════════════════════════════════════════════════════════════════════
// Parse Error
// ════════════════════════════════════════════════════════════════════

// ParseError captures lexing/parsing errors with position context.
type ParseError struct {
	Position int
	Line     int
	Column   int
	Message  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at line %d, col %d: %s", e.Line, e.Column, e.Message)
}
