package strategyql

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jreiner16/AceMarket/internal/engine"
)

const (
	// MaxSourceLen caps submitted strategy source size.
	MaxSourceLen = 50000
	// CompileDeadline bounds wall-clock time for lexing, validation,
	// and parsing of untrusted source.
	CompileDeadline = 30 * time.Second
)

// forbiddenNames are identifiers rejected outright. The set mirrors the
// escape hatches of general-purpose scripting runtimes so that strategy
// code pasted from elsewhere fails loudly instead of silently differing.
var forbiddenNames = map[string]bool{
	"eval":       true,
	"exec":       true,
	"compile":    true,
	"open_file":  true,
	"input":      true,
	"getattr":    true,
	"setattr":    true,
	"delattr":    true,
	"hasattr":    true,
	"vars":       true,
	"globals":    true,
	"locals":     true,
	"dir":        true,
	"isinstance": true,
	"issubclass": true,
	"type":       true,
	"object":     true,
	"memoryview": true,
	"bytes":      true,
	"bytearray":  true,
	"breakpoint": true,
	"help":       true,
}

// allowedDunders are the only identifiers containing "__" that pass
// validation.
var allowedDunders = map[string]bool{
	"__init__": true,
}

// Compile validates and parses untrusted strategy source into a Program.
// All rejections — structural, lexical, denylist — come back as
// validation errors safe to show the submitting user. The work runs in
// a separate goroutine guarded by CompileDeadline; an overrun is itself
// a validation error.
func Compile(ctx context.Context, source string) (*Program, error) {
	if strings.TrimSpace(source) == "" {
		return nil, engine.NewValidationError("Strategy code cannot be empty")
	}
	if len(source) > MaxSourceLen {
		return nil, engine.NewValidationError(fmt.Sprintf("Strategy code exceeds maximum length (%d)", MaxSourceLen))
	}

	type result struct {
		prog *Program
		err  error
	}
	done := make(chan result, 1)
	go func() {
		prog, err := compile(source)
		done <- result{prog, err}
	}()

	select {
	case res := <-done:
		return res.prog, res.err
	case <-ctx.Done():
		return nil, engine.NewValidationError(fmt.Sprintf("Strategy execution timed out after %ds", int(CompileDeadline.Seconds())))
	case <-time.After(CompileDeadline):
		return nil, engine.NewValidationError(fmt.Sprintf("Strategy execution timed out after %ds", int(CompileDeadline.Seconds())))
	}
}

func compile(source string) (*Program, error) {
	// Lex as far as possible and screen the lexed prefix first, so a
	// pasted foreign-language strategy fails on its import rather than
	// on the first character our grammar does not know.
	lex := NewLexer(source)
	var tokens []Token
	var lexErr error
	for {
		tok, err := lex.nextToken()
		if err != nil {
			lexErr = err
			break
		}
		tokens = append(tokens, tok)
		if tok.Type == TokenEOF {
			break
		}
	}
	if err := screenTokens(tokens); err != nil {
		return nil, err
	}
	if lexErr != nil {
		return nil, engine.NewValidationError(lexErr.Error())
	}

	if n := countStrategyBlocks(tokens); n != 1 {
		return nil, engine.NewValidationError("Code must define a strategy block")
	}
	prog, err := NewParser(tokens).ParseProgram()
	if err != nil {
		return nil, engine.NewValidationError(err.Error())
	}
	return prog, nil
}

// screenTokens rejects imports, denylisted names, and dunder access
// wherever they appear in the token stream.
func screenTokens(tokens []Token) error {
	for _, tok := range tokens {
		if tok.Type != TokenIdentifier {
			continue
		}
		lower := strings.ToLower(tok.Value)
		if lower == "import" {
			return engine.NewValidationError("Imports are not allowed in strategy code")
		}
		if forbiddenNames[lower] {
			return engine.NewValidationError(fmt.Sprintf("Use of '%s' is not allowed in strategy code", tok.Value))
		}
		if strings.Contains(tok.Value, "__") && !allowedDunders[tok.Value] {
			return engine.NewValidationError("Access to dunder attributes is not allowed")
		}
	}
	return nil
}

func countStrategyBlocks(tokens []Token) int {
	n := 0
	for _, tok := range tokens {
		if tok.Type == TokenStrategy {
			n++
		}
	}
	return n
}
