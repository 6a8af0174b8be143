// Package filter implements the photo selection predicate language and
// its compilation to a SQL fragment over photos JOIN collections.
//
// Grammar, precedence low to high:
//
//	expr  := or
//	or    := and ("or" and)*
//	and   := unary ("and" unary)*
//	unary := "not" atom | atom
//	atom  := "true" | "false" | "landscape" | "portrait" | "square"
//	       | "favorite" | "(" expr ")" | "{" IDENT+ "}"
//
// The language is closed: every construct compiles to a whitelisted
// fragment, so the resulting string is safe to interpolate. The only
// user strings that reach the output are identifier-set members, and
// those are re-validated against the identifier pattern first.
package filter

import (
	"fmt"
	"strings"

	"github.com/cadreworks/cadre/internal/photodb"
)

// Expr is a parsed filter. SQL returns the compiled fragment, String
// the canonical source rendering (the stored normal form).
type Expr interface {
	SQL() string
	String() string
}

// ParseErrorKind discriminates the failure modes of Parse.
type ParseErrorKind int

const (
	InvalidToken ParseErrorKind = iota
	UnexpectedToken
	EmptyIdentifierSet
)

// ParseError reports a filter source failure. Pos is a byte offset.
type ParseError struct {
	Kind     ParseErrorKind
	Pos      int
	End      int
	Actual   string
	Expected string
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case InvalidToken:
		return fmt.Sprintf("invalid character at index %d: %q", e.Pos, e.Actual)
	case UnexpectedToken:
		if e.Expected != "" {
			return fmt.Sprintf("expected %s at position %d, but got %q", e.Expected, e.Pos, e.Actual)
		}
		return fmt.Sprintf("unknown token from %d to %d: %q", e.Pos, e.End, e.Actual)
	case EmptyIdentifierSet:
		return fmt.Sprintf("expected an identifier at position %d, but got \"}\"", e.Pos)
	}
	return "filter parse error"
}

// Parse compiles source into an expression tree, consuming all input.
func Parse(source string) (Expr, error) {
	lx := &lexer{source: source}
	expr, err := parseExpression(lx)
	if err != nil {
		return nil, err
	}

	tok, err := lx.next()
	if err != nil {
		return nil, err
	}
	if tok.kind != tokenEnd {
		return nil, &ParseError{Kind: UnexpectedToken, Pos: tok.start, End: tok.end, Actual: tok.text}
	}

	return expr, nil
}

type tokenKind int

const (
	tokenEnd tokenKind = iota
	tokenOperator
	tokenNumber
	tokenIdentifier
)

type token struct {
	text       string
	kind       tokenKind
	start, end int
}

// lexer splits the source into whitespace-separated identifiers,
// numbers and the single-character operators ( ) { }. Numbers are
// lexed but no production uses them.
type lexer struct {
	source string
	pos    int
	peeked *token
}

func isOperator(c byte) bool { return c == '(' || c == ')' || c == '{' || c == '}' }
func isSpace(c byte) bool    { return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f' }
func isDigit(c byte) bool    { return c >= '0' && c <= '9' }
func isLetter(c byte) bool   { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

func (l *lexer) peek() (token, error) {
	if l.peeked == nil {
		tok, err := l.scan()
		if err != nil {
			return token{}, err
		}
		l.peeked = &tok
	}
	return *l.peeked, nil
}

func (l *lexer) next() (token, error) {
	if l.peeked != nil {
		tok := *l.peeked
		l.peeked = nil
		return tok, nil
	}
	return l.scan()
}

func (l *lexer) scan() (token, error) {
	for l.pos < len(l.source) && isSpace(l.source[l.pos]) {
		l.pos++
	}

	start := l.pos
	if start >= len(l.source) {
		return token{kind: tokenEnd, start: start, end: start}, nil
	}

	c := l.source[start]
	switch {
	case isOperator(c):
		l.pos++
		return token{text: l.source[start:l.pos], kind: tokenOperator, start: start, end: l.pos}, nil
	case isDigit(c):
		for l.pos < len(l.source) && isDigit(l.source[l.pos]) {
			l.pos++
		}
		return token{text: l.source[start:l.pos], kind: tokenNumber, start: start, end: l.pos}, nil
	case isLetter(c):
		l.pos++
		for l.pos < len(l.source) && (isLetter(l.source[l.pos]) || isDigit(l.source[l.pos])) {
			l.pos++
		}
		return token{text: l.source[start:l.pos], kind: tokenIdentifier, start: start, end: l.pos}, nil
	}

	return token{}, &ParseError{Kind: InvalidToken, Pos: start, Actual: string(c)}
}

type binaryOp int

const (
	opOr binaryOp = iota
	opAnd
)

type binaryExpr struct {
	op          binaryOp
	left, right Expr
}

func (e *binaryExpr) SQL() string {
	op := "OR"
	if e.op == opAnd {
		op = "AND"
	}
	return fmt.Sprintf("(%s) %s (%s)", e.left.SQL(), op, e.right.SQL())
}

func (e *binaryExpr) String() string {
	op := "or"
	if e.op == opAnd {
		op = "and"
	}
	return fmt.Sprintf("(%s) %s (%s)", e.left, op, e.right)
}

type notExpr struct {
	operand Expr
}

func (e *notExpr) SQL() string    { return fmt.Sprintf("NOT (%s)", e.operand.SQL()) }
func (e *notExpr) String() string { return fmt.Sprintf("not (%s)", e.operand) }

type boolExpr bool

func (e boolExpr) SQL() string {
	if e {
		return "1"
	}
	return "0"
}

func (e boolExpr) String() string {
	if e {
		return "true"
	}
	return "false"
}

type aspect int

const (
	aspectLandscape aspect = iota
	aspectPortrait
	aspectSquare
)

func (e aspect) SQL() string {
	op := ">"
	switch e {
	case aspectPortrait:
		op = "<"
	case aspectSquare:
		op = "=="
	}
	return fmt.Sprintf("photos.width %s photos.height", op)
}

func (e aspect) String() string {
	switch e {
	case aspectPortrait:
		return "portrait"
	case aspectSquare:
		return "square"
	}
	return "landscape"
}

type favoriteExpr struct{}

func (favoriteExpr) SQL() string    { return "COALESCE(photos.favorite, 0)" }
func (favoriteExpr) String() string { return "favorite" }

// identifierSet matches photos by owning collection identifier.
// Members are kept in source order, deduplicated, so String is
// deterministic.
type identifierSet struct {
	identifiers []string
}

func (e *identifierSet) SQL() string {
	parts := make([]string, 0, len(e.identifiers))
	for _, identifier := range e.identifiers {
		parts = append(parts, fmt.Sprintf("collections.identifier = '%s'", identifier))
	}
	return strings.Join(parts, " OR ")
}

func (e *identifierSet) String() string {
	return "{" + strings.Join(e.identifiers, " ") + "}"
}

func parseExpression(lx *lexer) (Expr, error) {
	return parseOr(lx)
}

func parseOr(lx *lexer) (Expr, error) {
	left, err := parseAnd(lx)
	if err != nil {
		return nil, err
	}

	for {
		tok, err := lx.peek()
		if err != nil {
			return nil, err
		}
		if tok.kind != tokenIdentifier || tok.text != "or" {
			return left, nil
		}
		lx.next()

		right, err := parseAnd(lx)
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: opOr, left: left, right: right}
	}
}

func parseAnd(lx *lexer) (Expr, error) {
	left, err := parseUnary(lx)
	if err != nil {
		return nil, err
	}

	for {
		tok, err := lx.peek()
		if err != nil {
			return nil, err
		}
		if tok.kind != tokenIdentifier || tok.text != "and" {
			return left, nil
		}
		lx.next()

		right, err := parseUnary(lx)
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: opAnd, left: left, right: right}
	}
}

func parseUnary(lx *lexer) (Expr, error) {
	tok, err := lx.peek()
	if err != nil {
		return nil, err
	}

	if tok.kind == tokenIdentifier && tok.text == "not" {
		lx.next()
		operand, err := parseAtom(lx)
		if err != nil {
			return nil, err
		}
		return &notExpr{operand: operand}, nil
	}

	return parseAtom(lx)
}

func parseAtom(lx *lexer) (Expr, error) {
	tok, err := lx.next()
	if err != nil {
		return nil, err
	}

	switch tok.text {
	case "landscape":
		return aspectLandscape, nil
	case "portrait":
		return aspectPortrait, nil
	case "square":
		return aspectSquare, nil
	case "favorite":
		return favoriteExpr{}, nil
	case "true":
		return boolExpr(true), nil
	case "false":
		return boolExpr(false), nil
	case "(":
		expr, err := parseExpression(lx)
		if err != nil {
			return nil, err
		}
		closing, err := lx.next()
		if err != nil {
			return nil, err
		}
		if closing.text != ")" {
			return nil, &ParseError{Kind: UnexpectedToken, Pos: closing.start, End: closing.end,
				Actual: closing.text, Expected: `")"`}
		}
		return expr, nil
	case "{":
		return parseIdentifierSet(lx)
	}

	return nil, &ParseError{Kind: UnexpectedToken, Pos: tok.start, End: tok.end, Actual: tok.text}
}

func parseIdentifierSet(lx *lexer) (Expr, error) {
	var identifiers []string
	seen := map[string]bool{}

	for {
		tok, err := lx.next()
		if err != nil {
			return nil, err
		}

		switch {
		case tok.kind == tokenIdentifier:
			if !photodb.ValidIdentifier(tok.text) {
				return nil, &ParseError{Kind: UnexpectedToken, Pos: tok.start, End: tok.end,
					Actual: tok.text, Expected: "a collection identifier"}
			}
			if !seen[tok.text] {
				seen[tok.text] = true
				identifiers = append(identifiers, tok.text)
			}
		case tok.text == "}":
			if len(identifiers) == 0 {
				return nil, &ParseError{Kind: EmptyIdentifierSet, Pos: tok.start}
			}
			return &identifierSet{identifiers: identifiers}, nil
		default:
			return nil, &ParseError{Kind: UnexpectedToken, Pos: tok.start, End: tok.end,
				Actual: tok.text, Expected: `an identifier or "}"`}
		}
	}
}
