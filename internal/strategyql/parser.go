package strategyql

import (
	"fmt"
	"strconv"
	"strings"
)

// ════════════════════════════════════════════════════════════════════
// Parser — Recursive Descent
// ════════════════════════════════════════════════════════════════════

// Parser transforms a token stream into a Program.
type Parser struct {
	tokens []Token
	pos    int
}

// NewParser creates a parser from a token slice.
func NewParser(tokens []Token) *Parser {
	return &Parser{tokens: tokens}
}

// ParseSource lexes and parses a full strategy source.
func ParseSource(input string) (*Program, error) {
	tokens, err := NewLexer(input).Tokenize()
	if err != nil {
		return nil, err
	}
	return NewParser(tokens).ParseProgram()
}

// ────────────────────────────────────────────────────────────────────
// Token helpers
// ────────────────────────────────────────────────────────────────────

func (p *Parser) peek() Token {
	if p.pos >= len(p.tokens) {
		return Token{Type: TokenEOF}
	}
	return p.tokens[p.pos]
}

func (p *Parser) advance() Token {
	tok := p.peek()
	if tok.Type != TokenEOF {
		p.pos++
	}
	return tok
}

func (p *Parser) expect(typ TokenType) (Token, error) {
	tok := p.peek()
	if tok.Type != typ {
		return tok, p.errorf(tok, "expected %s, got %s (%q)", typ, tok.Type, tok.Value)
	}
	return p.advance(), nil
}

func (p *Parser) errorf(tok Token, format string, args ...interface{}) error {
	return &ParseError{
		Position: tok.Position,
		Line:     tok.Line,
		Column:   tok.Column,
		Message:  fmt.Sprintf(format, args...),
	}
}

// ────────────────────────────────────────────────────────────────────
// Grammar:
//   Program        → 'strategy' IDENT '{' Section* '}'
//   Section        → 'state' '{' Assign* '}'
//                  | 'on' ('start'|'bar'|'end') Block
//   Block          → '{' Stmt* '}'
//   Stmt           → IDENT '=' Expr
//                  | 'if' Expr Block ( 'else' (Block | IfStmt) )?
//                  | Expr                       (call statements)
//   Expr           → OrExpr
//   OrExpr         → AndExpr ( 'or' AndExpr )*
//   AndExpr        → NotExpr ( 'and' NotExpr )*
//   NotExpr        → 'not' NotExpr | Comparison
//   Comparison     → Addition ( ('>'|'<'|'>='|'<='|'=='|'!=') Addition )?
//   Addition       → Multiplication ( ('+'|'-') Multiplication )*
//   Multiplication → Unary ( ('*'|'/'|'%') Unary )*
//   Unary          → '-' Unary | Postfix
//   Postfix        → Primary ( '[' Expr ']' )*
//   Primary        → Number | String | Bool | '(' Expr ')' | Call | IDENT
// ────────────────────────────────────────────────────────────────────

// ParseProgram parses the whole token stream as one strategy block.
func (p *Parser) ParseProgram() (*Program, error) {
	if _, err := p.expect(TokenStrategy); err != nil {
		return nil, err
	}
	nameTok, err := p.expect(TokenIdentifier)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenLBrace); err != nil {
		return nil, err
	}

	prog := &Program{Name: nameTok.Value}
	seen := map[string]bool{}

	for p.peek().Type != TokenRBrace {
		tok := p.peek()
		switch tok.Type {
		case TokenState:
			p.advance()
			if seen["state"] {
				return nil, p.errorf(tok, "duplicate state block")
			}
			seen["state"] = true
			assigns, err := p.parseStateBlock()
			if err != nil {
				return nil, err
			}
			prog.State = assigns

		case TokenOn:
			p.advance()
			hookTok, err := p.expect(TokenIdentifier)
			if err != nil {
				return nil, err
			}
			hook := strings.ToLower(hookTok.Value)
			if hook != "start" && hook != "bar" && hook != "end" {
				return nil, p.errorf(hookTok, "unknown hook %q, want start, bar, or end", hookTok.Value)
			}
			if seen[hook] {
				return nil, p.errorf(hookTok, "duplicate 'on %s' block", hook)
			}
			seen[hook] = true
			body, err := p.parseBlock()
			if err != nil {
				return nil, err
			}
			switch hook {
			case "start":
				prog.OnStart = body
			case "bar":
				prog.OnBar = body
			case "end":
				prog.OnEnd = body
			}

		case TokenEOF:
			return nil, p.errorf(tok, "unexpected end of input, missing '}'")

		default:
			return nil, p.errorf(tok, "expected 'state' or 'on' block, got %s (%q)", tok.Type, tok.Value)
		}
	}
	p.advance() // closing }

	if tok := p.peek(); tok.Type != TokenEOF {
		return nil, p.errorf(tok, "unexpected token %s (%q) after strategy block", tok.Type, tok.Value)
	}
	return prog, nil
}

func (p *Parser) parseStateBlock() ([]*AssignStmt, error) {
	if _, err := p.expect(TokenLBrace); err != nil {
		return nil, err
	}
	var assigns []*AssignStmt
	for p.peek().Type != TokenRBrace {
		nameTok, err := p.expect(TokenIdentifier)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenAssign); err != nil {
			return nil, err
		}
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		assigns = append(assigns, &AssignStmt{Position: nameTok.Position, Name: nameTok.Value, Expr: expr})
	}
	p.advance() // closing }
	return assigns, nil
}

func (p *Parser) parseBlock() ([]Stmt, error) {
	if _, err := p.expect(TokenLBrace); err != nil {
		return nil, err
	}
	var stmts []Stmt
	for p.peek().Type != TokenRBrace {
		if p.peek().Type == TokenEOF {
			return nil, p.errorf(p.peek(), "unexpected end of input, missing '}'")
		}
		stmt, err := p.parseStmt()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}
	p.advance() // closing }
	return stmts, nil
}

func (p *Parser) parseStmt() (Stmt, error) {
	tok := p.peek()

	if tok.Type == TokenIf {
		return p.parseIfStmt()
	}

	// Assignment: IDENT '=' …
	if tok.Type == TokenIdentifier && p.pos+1 < len(p.tokens) && p.tokens[p.pos+1].Type == TokenAssign {
		nameTok := p.advance()
		p.advance() // =
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &AssignStmt{Position: nameTok.Position, Name: nameTok.Value, Expr: expr}, nil
	}

	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return &ExprStmt{Position: expr.Pos(), Expr: expr}, nil
}

func (p *Parser) parseIfStmt() (Stmt, error) {
	ifTok := p.advance() // if
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	then, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	stmt := &IfStmt{Position: ifTok.Position, Cond: cond, Then: then}

	if p.peek().Type == TokenElse {
		p.advance()
		if p.peek().Type == TokenIf {
			nested, err := p.parseIfStmt()
			if err != nil {
				return nil, err
			}
			stmt.Else = []Stmt{nested}
		} else {
			body, err := p.parseBlock()
			if err != nil {
				return nil, err
			}
			stmt.Else = body
		}
	}
	return stmt, nil
}

// ────────────────────────────────────────────────────────────────────
// Expressions
// ────────────────────────────────────────────────────────────────────

func (p *Parser) parseExpr() (Node, error) {
	return p.parseOrExpr()
}

func (p *Parser) parseOrExpr() (Node, error) {
	left, err := p.parseAndExpr()
	if err != nil {
		return nil, err
	}
	for p.peek().Type == TokenOR {
		opTok := p.advance()
		right, err := p.parseAndExpr()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Position: opTok.Position, Op: "or", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseAndExpr() (Node, error) {
	left, err := p.parseNotExpr()
	if err != nil {
		return nil, err
	}
	for p.peek().Type == TokenAND {
		opTok := p.advance()
		right, err := p.parseNotExpr()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Position: opTok.Position, Op: "and", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseNotExpr() (Node, error) {
	if p.peek().Type == TokenNOT {
		opTok := p.advance()
		operand, err := p.parseNotExpr()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Position: opTok.Position, Op: "not", Operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *Parser) parseComparison() (Node, error) {
	left, err := p.parseAddition()
	if err != nil {
		return nil, err
	}
	switch p.peek().Type {
	case TokenGT, TokenLT, TokenGTE, TokenLTE, TokenEQ, TokenNEQ:
		opTok := p.advance()
		right, err := p.parseAddition()
		if err != nil {
			return nil, err
		}
		return &BinaryExpr{Position: opTok.Position, Op: opTok.Value, Left: left, Right: right}, nil
	}
	return left, nil
}

func (p *Parser) parseAddition() (Node, error) {
	left, err := p.parseMultiplication()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.Type != TokenPlus && tok.Type != TokenMinus {
			break
		}
		opTok := p.advance()
		right, err := p.parseMultiplication()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Position: opTok.Position, Op: opTok.Value, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseMultiplication() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.Type != TokenStar && tok.Type != TokenSlash && tok.Type != TokenPercent {
			break
		}
		opTok := p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Position: opTok.Position, Op: opTok.Value, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseUnary() (Node, error) {
	if p.peek().Type == TokenMinus {
		opTok := p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Position: opTok.Position, Op: "-", Operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *Parser) parsePostfix() (Node, error) {
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.peek().Type == TokenLBracket {
		openTok := p.advance()
		index, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRBracket); err != nil {
			return nil, err
		}
		expr = &IndexExpr{Position: openTok.Position, Operand: expr, Index: index}
	}
	return expr, nil
}

func (p *Parser) parsePrimary() (Node, error) {
	tok := p.peek()

	switch tok.Type {
	case TokenNumber:
		p.advance()
		val, err := strconv.ParseFloat(tok.Value, 64)
		if err != nil {
			return nil, p.errorf(tok, "invalid number %q", tok.Value)
		}
		return &NumberLiteral{Position: tok.Position, Value: val, Raw: tok.Value}, nil

	case TokenString:
		p.advance()
		return &StringLiteral{Position: tok.Position, Value: tok.Value}, nil

	case TokenLParen:
		p.advance()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRParen); err != nil {
			return nil, err
		}
		return inner, nil

	case TokenIdentifier:
		p.advance()
		lower := strings.ToLower(tok.Value)
		if lower == "true" {
			return &BoolLiteral{Position: tok.Position, Value: true}, nil
		}
		if lower == "false" {
			return &BoolLiteral{Position: tok.Position, Value: false}, nil
		}
		if p.peek().Type == TokenLParen {
			return p.parseCallArgs(tok)
		}
		return &Identifier{Position: tok.Position, Name: tok.Value}, nil

	default:
		return nil, p.errorf(tok, "unexpected token %s (%q)", tok.Type, tok.Value)
	}
}

func (p *Parser) parseCallArgs(nameTok Token) (Node, error) {
	p.advance() // (
	var args []Node
	if p.peek().Type != TokenRParen {
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().Type != TokenComma {
				break
			}
			p.advance() // ,
		}
	}
	if _, err := p.expect(TokenRParen); err != nil {
		return nil, err
	}
	return &FunctionCall{Position: nameTok.Position, Name: strings.ToLower(nameTok.Value), Args: args}, nil
}
