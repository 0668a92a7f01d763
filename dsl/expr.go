package dsl

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/floweave/floweave/types"
)

// Evaluator evaluates the restricted condition grammar against an execution
// context. Supported operators: ==, !=, >, <, >=, <=, &&, ||, ! and
// parentheses. Literals: numbers, quoted strings, true, false. Variables use
// dot-notation field access: result.score looks up
// vars["result"].(map[string]any)["score"].
//
// The grammar is deliberately not Turing complete: no assignment, no calls,
// no user loops. The top-level result must be a boolean; anything else is a
// CONDITION_EVAL error, never a silent coercion.
type Evaluator struct{}

// NewEvaluator creates a condition evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// EvaluateBool evaluates expr against vars and returns its boolean value.
func (e *Evaluator) EvaluateBool(expr string, vars map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, types.NewError(types.ErrConditionEval, "empty expression")
	}

	p, err := newExprParser(expr, vars)
	if err != nil {
		return false, types.NewError(types.ErrConditionEval, err.Error())
	}

	val, err := p.parseOr()
	if err != nil {
		return false, types.NewError(types.ErrConditionEval, err.Error())
	}
	if tok := p.peek(); tok.kind != tkEOF {
		return false, types.Errorf(types.ErrConditionEval,
			"unexpected token %q at position %d", tok.text, p.pos)
	}

	b, ok := val.(bool)
	if !ok {
		return false, types.Errorf(types.ErrConditionEval,
			"expression %q evaluated to non-boolean %T", expr, val)
	}
	return b, nil
}

type tokenKind int

const (
	tkEOF tokenKind = iota
	tkNumber
	tkString
	tkIdent
	tkOp
	tkLParen
	tkRParen
)

type token struct {
	kind tokenKind
	text string
}

// scanner walks the expression rune by rune and emits tokens.
type scanner struct {
	src []rune
	i   int
	// prev decides whether '-' opens a negative number literal or is junk.
	prev tokenKind
}

func (s *scanner) eof() bool { return s.i >= len(s.src) }
func (s *scanner) cur() rune { return s.src[s.i] }

func (s *scanner) lookahead() rune {
	if s.i+1 < len(s.src) {
		return s.src[s.i+1]
	}
	return 0
}

func (s *scanner) next() (token, error) {
	for !s.eof() && unicode.IsSpace(s.cur()) {
		s.i++
	}
	if s.eof() {
		return token{kind: tkEOF}, nil
	}

	ch := s.cur()
	switch {
	case ch == '(':
		s.i++
		return s.emit(token{tkLParen, "("}), nil
	case ch == ')':
		s.i++
		return s.emit(token{tkRParen, ")"}), nil
	case ch == '"':
		return s.scanString()
	case ch == '>' || ch == '<' || ch == '=' || ch == '!' || ch == '&' || ch == '|':
		return s.scanOperator()
	case isDigit(ch):
		return s.emit(s.scanNumber()), nil
	case ch == '-' && isDigit(s.lookahead()) && s.negativeAllowed():
		return s.emit(s.scanNumber()), nil
	case unicode.IsLetter(ch) || ch == '_':
		return s.emit(s.scanIdent()), nil
	}
	return token{}, fmt.Errorf("unexpected character %q at position %d", string(ch), s.i)
}

func (s *scanner) emit(t token) token {
	s.prev = t.kind
	return t
}

// negativeAllowed reports whether a '-' here starts a number literal: at the
// beginning of the expression or right after an operator or '('.
func (s *scanner) negativeAllowed() bool {
	return s.prev == tkEOF || s.prev == tkOp || s.prev == tkLParen
}

func (s *scanner) scanString() (token, error) {
	start := s.i
	s.i++ // opening quote
	var sb strings.Builder
	for !s.eof() {
		switch s.cur() {
		case '\\':
			if s.i+1 < len(s.src) {
				sb.WriteRune(s.src[s.i+1])
				s.i += 2
				continue
			}
			s.i++
		case '"':
			s.i++
			return s.emit(token{tkString, sb.String()}), nil
		default:
			sb.WriteRune(s.cur())
			s.i++
		}
	}
	return token{}, fmt.Errorf("unterminated string starting at position %d", start)
}

func (s *scanner) scanOperator() (token, error) {
	two := string(s.cur()) + string(s.lookahead())
	switch two {
	case "==", "!=", ">=", "<=", "&&", "||":
		s.i += 2
		return s.emit(token{tkOp, two}), nil
	}
	ch := s.cur()
	if ch == '>' || ch == '<' || ch == '!' {
		s.i++
		return s.emit(token{tkOp, string(ch)}), nil
	}
	return token{}, fmt.Errorf("unexpected character %q at position %d", string(ch), s.i)
}

func (s *scanner) scanNumber() token {
	start := s.i
	if s.cur() == '-' {
		s.i++
	}
	for !s.eof() && isDigit(s.cur()) {
		s.i++
	}
	if !s.eof() && s.cur() == '.' {
		s.i++
		for !s.eof() && isDigit(s.cur()) {
			s.i++
		}
	}
	return token{tkNumber, string(s.src[start:s.i])}
}

func (s *scanner) scanIdent() token {
	start := s.i
	for !s.eof() {
		ch := s.cur()
		if !unicode.IsLetter(ch) && !unicode.IsDigit(ch) && ch != '_' && ch != '.' {
			break
		}
		s.i++
	}
	return token{tkIdent, string(s.src[start:s.i])}
}

func isDigit(ch rune) bool { return ch >= '0' && ch <= '9' }

// exprParser is a recursive descent parser over the pre-scanned token stream.
// Precedence, lowest first: || then && then comparisons then unary !.
type exprParser struct {
	tokens []token
	pos    int
	vars   map[string]any
}

func newExprParser(expr string, vars map[string]any) (*exprParser, error) {
	s := &scanner{src: []rune(expr)}
	var tokens []token
	for {
		t, err := s.next()
		if err != nil {
			return nil, err
		}
		if t.kind == tkEOF {
			break
		}
		tokens = append(tokens, t)
	}
	return &exprParser{tokens: tokens, vars: vars}, nil
}

func (p *exprParser) peek() token {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return token{kind: tkEOF}
}

func (p *exprParser) accept(kind tokenKind, text string) bool {
	t := p.peek()
	if t.kind == kind && t.text == text {
		p.pos++
		return true
	}
	return false
}

func (p *exprParser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept(tkOp, "||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		lb, rb, err := booleanOperands(left, right, "||")
		if err != nil {
			return nil, err
		}
		left = lb || rb
	}
	return left, nil
}

func (p *exprParser) parseAnd() (any, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.accept(tkOp, "&&") {
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		lb, rb, err := booleanOperands(left, right, "&&")
		if err != nil {
			return nil, err
		}
		left = lb && rb
	}
	return left, nil
}

func (p *exprParser) parseComparison() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind == tkOp {
		switch t.text {
		case "==", "!=", ">", "<", ">=", "<=":
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return compareValues(left, t.text, right), nil
		}
	}
	return left, nil
}

func (p *exprParser) parseUnary() (any, error) {
	if p.accept(tkOp, "!") {
		val, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		b, ok := val.(bool)
		if !ok {
			return nil, fmt.Errorf("operator ! requires a boolean operand, got %T", val)
		}
		return !b, nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (any, error) {
	t := p.peek()
	switch t.kind {
	case tkNumber:
		p.pos++
		return strconv.ParseFloat(t.text, 64)

	case tkString:
		p.pos++
		return t.text, nil

	case tkIdent:
		p.pos++
		if t.text == "true" {
			return true, nil
		}
		if t.text == "false" {
			return false, nil
		}
		return resolveVar(t.text, p.vars), nil

	case tkLParen:
		p.pos++
		val, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tkRParen {
			return nil, fmt.Errorf("expected closing parenthesis")
		}
		p.pos++
		return val, nil

	case tkEOF:
		return nil, fmt.Errorf("unexpected end of expression")

	default:
		return nil, fmt.Errorf("unexpected token %q", t.text)
	}
}

func booleanOperands(left, right any, op string) (bool, bool, error) {
	lb, lok := left.(bool)
	rb, rok := right.(bool)
	if !lok || !rok {
		return false, false, fmt.Errorf("operator %s requires boolean operands, got %T and %T", op, left, right)
	}
	return lb, rb, nil
}

// resolveVar walks a dot-notation path through nested maps. An unknown key or
// a non-map intermediate resolves to nil.
func resolveVar(path string, vars map[string]any) any {
	var current any = vars
	for _, key := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		if current, ok = m[key]; !ok {
			return nil
		}
	}
	return current
}

// compareValues applies a comparison operator. Both sides are compared
// numerically when both convert to float64, otherwise by their string forms.
// nil sorts below every non-nil value and two nils are equal.
func compareValues(left any, op string, right any) bool {
	if left == nil || right == nil {
		return applyOrder(nilOrder(left, right), op)
	}
	if lf, lok := asFloat(left); lok {
		if rf, rok := asFloat(right); rok {
			if math.IsNaN(lf) || math.IsNaN(rf) {
				return op == "!="
			}
			return applyOrder(orderFloats(lf, rf), op)
		}
	}
	ls := fmt.Sprintf("%v", left)
	rs := fmt.Sprintf("%v", right)
	return applyOrder(strings.Compare(ls, rs), op)
}

// nilOrder ranks nil operands: -1 when only left is nil, +1 when only right
// is nil, 0 when both are.
func nilOrder(left, right any) int {
	switch {
	case left == nil && right == nil:
		return 0
	case left == nil:
		return -1
	default:
		return 1
	}
}

func orderFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// applyOrder maps a three-way comparison result onto a comparison operator.
func applyOrder(cmp int, op string) bool {
	switch op {
	case "==":
		return cmp == 0
	case "!=":
		return cmp != 0
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
