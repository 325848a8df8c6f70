package strategyql

import (
	"fmt"
	"strings"
	"unicode"
)

// ════════════════════════════════════════════════════════════════════
// Token Types
// ════════════════════════════════════════════════════════════════════

// TokenType enumerates all token kinds produced by the lexer.
type TokenType int

const (
	// Special
	TokenEOF TokenType = iota

	// Literals
	TokenNumber     // 42, 3.14
	TokenString     // "hello"
	TokenIdentifier // entry, close, rsi

	// Operators
	TokenPlus    // +
	TokenMinus   // -
	TokenStar    // *
	TokenSlash   // /
	TokenPercent // %
	TokenAssign  // =
	TokenGT      // >
	TokenLT      // <
	TokenGTE     // >=
	TokenLTE     // <=
	TokenEQ      // ==
	TokenNEQ     // !=

	// Delimiters
	TokenLParen   // (
	TokenRParen   // )
	TokenLBrace   // {
	TokenRBrace   // }
	TokenLBracket // [
	TokenRBracket // ]
	TokenComma    // ,

	// Keywords
	TokenStrategy // strategy
	TokenState    // state
	TokenOn       // on
	TokenIf       // if
	TokenElse     // else
	TokenAND      // and
	TokenOR       // or
	TokenNOT      // not
)

var tokenTypeNames = map[TokenType]string{
	TokenEOF:        "EOF",
	TokenNumber:     "NUMBER",
	TokenString:     "STRING",
	TokenIdentifier: "IDENT",
	TokenPlus:       "+",
	TokenMinus:      "-",
	TokenStar:       "*",
	TokenSlash:      "/",
	TokenPercent:    "%",
	TokenAssign:     "=",
	TokenGT:         ">",
	TokenLT:         "<",
	TokenGTE:        ">=",
	TokenLTE:        "<=",
	TokenEQ:         "==",
	TokenNEQ:        "!=",
	TokenLParen:     "(",
	TokenRParen:     ")",
	TokenLBrace:     "{",
	TokenRBrace:     "}",
	TokenLBracket:   "[",
	TokenRBracket:   "]",
	TokenComma:      ",",
	TokenStrategy:   "strategy",
	TokenState:      "state",
	TokenOn:         "on",
	TokenIf:         "if",
	TokenElse:       "else",
	TokenAND:        "and",
	TokenOR:         "or",
	TokenNOT:        "not",
}

func (t TokenType) String() string {
	if name, ok := tokenTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Token(%d)", int(t))
}

// keywords maps lower-cased identifier text to keyword token types.
var keywords = map[string]TokenType{
	"strategy": TokenStrategy,
	"state":    TokenState,
	"on":       TokenOn,
	"if":       TokenIf,
	"else":     TokenElse,
	"and":      TokenAND,
	"or":       TokenOR,
	"not":      TokenNOT,
}

// ════════════════════════════════════════════════════════════════════
// Token
// ════════════════════════════════════════════════════════════════════

// Token represents a single lexical token from the input.
type Token struct {
	Type     TokenType
	Value    string // literal text
	Position int    // byte offset in source
	Line     int    // 1-based
	Column   int    // 1-based
}

func (t Token) String() string {
	return fmt.Sprintf("%s(%q)@%d:%d", t.Type, t.Value, t.Line, t.Column)
}

// ════════════════════════════════════════════════════════════════════
// Lexer
// ════════════════════════════════════════════════════════════════════

// Lexer tokenizes a strategy source string.
type Lexer struct {
	input []rune
	pos   int
	line  int
	col   int
}

// NewLexer creates a new Lexer for the given input.
func NewLexer(input string) *Lexer {
	return &Lexer{input: []rune(input), line: 1, col: 1}
}

// Tokenize performs the complete tokenization and returns all tokens,
// ending with an EOF token.
func (l *Lexer) Tokenize() ([]Token, error) {
	var tokens []Token
	for {
		tok, err := l.nextToken()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
		if tok.Type == TokenEOF {
			return tokens, nil
		}
	}
}

// ────────────────────────────────────────────────────────────────────
// Internal scanning
// ────────────────────────────────────────────────────────────────────

func (l *Lexer) peek() rune {
	if l.pos >= len(l.input) {
		return 0
	}
	return l.input[l.pos]
}

func (l *Lexer) advance() rune {
	if l.pos >= len(l.input) {
		return 0
	}
	ch := l.input[l.pos]
	l.pos++
	if ch == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return ch
}

func (l *Lexer) skipWhitespaceAndComments() {
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if unicode.IsSpace(ch) {
			l.advance()
			continue
		}
		if ch == '#' {
			for l.pos < len(l.input) && l.input[l.pos] != '\n' {
				l.advance()
			}
			continue
		}
		break
	}
}

func (l *Lexer) makeToken(typ TokenType, value string, pos, line, col int) Token {
	return Token{Type: typ, Value: value, Position: pos, Line: line, Column: col}
}

func (l *Lexer) errorf(pos, line, col int, format string, args ...any) error {
	return &ParseError{Position: pos, Line: line, Column: col, Message: fmt.Sprintf(format, args...)}
}

func (l *Lexer) nextToken() (Token, error) {
	l.skipWhitespaceAndComments()

	if l.pos >= len(l.input) {
		return l.makeToken(TokenEOF, "", l.pos, l.line, l.col), nil
	}

	startPos, startLine, startCol := l.pos, l.line, l.col
	ch := l.peek()

	switch ch {
	case '(', ')', '{', '}', '[', ']', ',', '+', '-', '*', '/', '%':
		l.advance()
		typ := map[rune]TokenType{
			'(': TokenLParen, ')': TokenRParen,
			'{': TokenLBrace, '}': TokenRBrace,
			'[': TokenLBracket, ']': TokenRBracket,
			',': TokenComma,
			'+': TokenPlus, '-': TokenMinus,
			'*': TokenStar, '/': TokenSlash, '%': TokenPercent,
		}[ch]
		return l.makeToken(typ, string(ch), startPos, startLine, startCol), nil
	case '>':
		l.advance()
		if l.peek() == '=' {
			l.advance()
			return l.makeToken(TokenGTE, ">=", startPos, startLine, startCol), nil
		}
		return l.makeToken(TokenGT, ">", startPos, startLine, startCol), nil
	case '<':
		l.advance()
		if l.peek() == '=' {
			l.advance()
			return l.makeToken(TokenLTE, "<=", startPos, startLine, startCol), nil
		}
		return l.makeToken(TokenLT, "<", startPos, startLine, startCol), nil
	case '=':
		l.advance()
		if l.peek() == '=' {
			l.advance()
			return l.makeToken(TokenEQ, "==", startPos, startLine, startCol), nil
		}
		return l.makeToken(TokenAssign, "=", startPos, startLine, startCol), nil
	case '!':
		l.advance()
		if l.peek() == '=' {
			l.advance()
			return l.makeToken(TokenNEQ, "!=", startPos, startLine, startCol), nil
		}
		return Token{}, l.errorf(startPos, startLine, startCol, "unexpected '!', did you mean '!='?")
	case '"', '\'':
		return l.readString(ch, startPos, startLine, startCol)
	}

	if unicode.IsDigit(ch) || (ch == '.' && l.pos+1 < len(l.input) && unicode.IsDigit(l.input[l.pos+1])) {
		return l.readNumber(startPos, startLine, startCol), nil
	}

	if unicode.IsLetter(ch) || ch == '_' {
		return l.readIdentifier(startPos, startLine, startCol), nil
	}

	l.advance()
	return Token{}, l.errorf(startPos, startLine, startCol, "unexpected character %q", ch)
}

func (l *Lexer) readString(quote rune, startPos, startLine, startCol int) (Token, error) {
	l.advance() // opening quote
	var sb strings.Builder
	for {
		if l.pos >= len(l.input) {
			return Token{}, l.errorf(startPos, startLine, startCol, "unterminated string literal")
		}
		ch := l.advance()
		if ch == quote {
			break
		}
		if ch == '\\' {
			next := l.advance()
			switch next {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case '\\':
				sb.WriteByte('\\')
			case '"':
				sb.WriteByte('"')
			case '\'':
				sb.WriteByte('\'')
			default:
				sb.WriteRune('\\')
				sb.WriteRune(next)
			}
			continue
		}
		sb.WriteRune(ch)
	}
	return l.makeToken(TokenString, sb.String(), startPos, startLine, startCol), nil
}

func (l *Lexer) readNumber(startPos, startLine, startCol int) Token {
	var sb strings.Builder
	hasDot := false
	for l.pos < len(l.input) {
		ch := l.peek()
		if unicode.IsDigit(ch) {
			sb.WriteRune(l.advance())
		} else if ch == '.' && !hasDot {
			hasDot = true
			sb.WriteRune(l.advance())
		} else {
			break
		}
	}
	return l.makeToken(TokenNumber, sb.String(), startPos, startLine, startCol)
}

func (l *Lexer) readIdentifier(startPos, startLine, startCol int) Token {
	var sb strings.Builder
	for l.pos < len(l.input) {
		ch := l.peek()
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' {
			sb.WriteRune(l.advance())
		} else {
			break
		}
	}
	word := sb.String()
	if typ, ok := keywords[strings.ToLower(word)]; ok {
		return l.makeToken(typ, word, startPos, startLine, startCol)
	}
	return l.makeToken(TokenIdentifier, word, startPos, startLine, startCol)
}
