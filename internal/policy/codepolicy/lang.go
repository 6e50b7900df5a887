// Package codepolicy statically analyzes per-entity code policies for SQL
// pushdown. Rather than embedding a full TypeScript compiler, this package
// recognizes a small, restricted subset of a policy function body:
// sequential `if (<comparison-expr>) return Action.X;` guards ending in
// a default `return Action.X;`. A module body outside this subset
// makes Analyze report ok=false; the PolicyEngine then applies no
// pushdown filter for it and its per-row Evaluate returns Allow, so such
// a body is not run.
package codepolicy

import (
	"fmt"
	"strconv"
	"strings"

	"chiselcore.dev/chiselcore/internal/queryplan"
	"chiselcore.dev/chiselcore/internal/value"
)

// ActionName enumerates the recognized `Action.X` literals, in the fixed
// evaluation order Allow, Skip, Deny, Log.
type ActionName int

const (
	ActionAllow ActionName = iota
	ActionSkip
	ActionDeny
	ActionLog
)

func (a ActionName) String() string {
	switch a {
	case ActionAllow:
		return "Allow"
	case ActionSkip:
		return "Skip"
	case ActionDeny:
		return "Deny"
	case ActionLog:
		return "Log"
	default:
		return "Unknown"
	}
}

// Rule is one recognized `if (cond) return Action.X;` guard.
type Rule struct {
	Action ActionName
	Cond   queryplan.Expr
}

// PushdownPlan is the result of a successful Analyze: the ordered guard
// rules plus the default action reached when none match, in the same
// fixed-order-wins semantics the PolicyEngine applies at request time.
type PushdownPlan struct {
	Rules   []Rule
	Default ActionName
}

// WhereConds derives the SQL pushdown predicate: the conjunction of "this
// row does not match any Skip or Deny guard". Skip and Deny both exclude
// a row from a policy-filtered read, per the fixed Allow>Skip>Deny>Log
// order this implementation commits to.
func (p *PushdownPlan) WhereConds() (queryplan.Expr, bool) {
	var conds []*queryplan.Expr
	for _, r := range p.Rules {
		if r.Action == ActionSkip || r.Action == ActionDeny {
			neg := queryplan.Not(r.Cond)
			conds = append(conds, &neg)
		}
	}
	return queryplan.AndAll(conds...)
}

// Analyze attempts to parse src as a sequence of guard statements. ok is
// false whenever src isn't in the recognized subset (free-form JS,
// unrecognized operators, references to anything but entity fields and
// `ctx.<name>`), never an error: an unrecognized body is not a bug, and
// what it means is left to the caller.
func Analyze(src string) (*PushdownPlan, bool) {
	p := newParser(src)
	plan, err := p.parseProgram()
	if err != nil {
		return nil, false
	}
	return plan, true
}

type token struct {
	kind string // "ident", "num", "str", "op", "eof"
	text string
}

type lexer struct {
	input []rune
	pos   int
}

func newLexer(src string) *lexer { return &lexer{input: []rune(src)} }

func (l *lexer) skipSpace() {
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == ';' {
			l.pos++
			continue
		}
		break
	}
}

func (l *lexer) next() token {
	l.skipSpace()
	if l.pos >= len(l.input) {
		return token{kind: "eof"}
	}
	c := l.input[l.pos]
	switch {
	case c == '(' || c == ')':
		l.pos++
		return token{kind: "op", text: string(c)}
	case c == '\'' || c == '"':
		quote := c
		l.pos++
		start := l.pos
		for l.pos < len(l.input) && l.input[l.pos] != quote {
			l.pos++
		}
		text := string(l.input[start:l.pos])
		l.pos++ // closing quote
		return token{kind: "str", text: text}
	case c == '=' && l.peek(1) == '=':
		l.pos += 2
		return token{kind: "op", text: "=="}
	case c == '!' && l.peek(1) == '=':
		l.pos += 2
		return token{kind: "op", text: "!="}
	case c == '<' && l.peek(1) == '=':
		l.pos += 2
		return token{kind: "op", text: "<="}
	case c == '>' && l.peek(1) == '=':
		l.pos += 2
		return token{kind: "op", text: ">="}
	case c == '<':
		l.pos++
		return token{kind: "op", text: "<"}
	case c == '>':
		l.pos++
		return token{kind: "op", text: ">"}
	case c == '&' && l.peek(1) == '&':
		l.pos += 2
		return token{kind: "op", text: "&&"}
	case c == '|' && l.peek(1) == '|':
		l.pos += 2
		return token{kind: "op", text: "||"}
	case c == '!':
		l.pos++
		return token{kind: "op", text: "!"}
	case isDigit(c) || (c == '-' && isDigit(l.peek(1))):
		start := l.pos
		l.pos++
		for l.pos < len(l.input) && (isDigit(l.input[l.pos]) || l.input[l.pos] == '.') {
			l.pos++
		}
		return token{kind: "num", text: string(l.input[start:l.pos])}
	case isIdentStart(c):
		start := l.pos
		for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
			l.pos++
		}
		return token{kind: "ident", text: string(l.input[start:l.pos])}
	default:
		l.pos++
		return token{kind: "op", text: string(c)}
	}
}

func (l *lexer) peek(ahead int) rune {
	if l.pos+ahead >= len(l.input) {
		return 0
	}
	return l.input[l.pos+ahead]
}

func isDigit(c rune) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c rune) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isIdentPart(c rune) bool  { return isIdentStart(c) || isDigit(c) || c == '.' }

type parser struct {
	lex *lexer
	cur token
	src string
}

func newParser(src string) *parser {
	p := &parser{lex: newLexer(src), src: src}
	p.advance()
	return p
}

func (p *parser) advance() { p.cur = p.lex.next() }

func (p *parser) expectWord(w string) error {
	if p.cur.kind != "ident" || p.cur.text != w {
		return fmt.Errorf("codepolicy: expected %q, got %q", w, p.cur.text)
	}
	p.advance()
	return nil
}

func (p *parser) expectOp(op string) error {
	if p.cur.kind != "op" || p.cur.text != op {
		return fmt.Errorf("codepolicy: expected %q, got %q", op, p.cur.text)
	}
	p.advance()
	return nil
}

// parseProgram recognizes: { "if" "(" expr ")" "return" "Action" "." Name }*
// "return" "Action" "." Name, i.e. zero or more guards followed by a
// mandatory default return.
func (p *parser) parseProgram() (*PushdownPlan, error) {
	plan := &PushdownPlan{}
	for p.cur.kind == "ident" && p.cur.text == "if" {
		p.advance()
		if err := p.expectOp("("); err != nil {
			return nil, err
		}
		cond, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expectOp(")"); err != nil {
			return nil, err
		}
		if err := p.expectWord("return"); err != nil {
			return nil, err
		}
		action, err := p.parseActionLiteral()
		if err != nil {
			return nil, err
		}
		plan.Rules = append(plan.Rules, Rule{Action: action, Cond: cond})
	}
	if err := p.expectWord("return"); err != nil {
		return nil, err
	}
	action, err := p.parseActionLiteral()
	if err != nil {
		return nil, err
	}
	plan.Default = action
	if p.cur.kind != "eof" {
		return nil, fmt.Errorf("codepolicy: unexpected trailing input %q", p.cur.text)
	}
	return plan, nil
}

func (p *parser) parseActionLiteral() (ActionName, error) {
	// The lexer keeps '.' inside identifiers, so `Action.Deny` arrives as
	// a single ident token.
	if p.cur.kind != "ident" || !strings.HasPrefix(p.cur.text, "Action.") {
		return 0, fmt.Errorf("codepolicy: expected Action.<name>, got %q", p.cur.text)
	}
	name := strings.TrimPrefix(p.cur.text, "Action.")
	p.advance()
	switch name {
	case "Allow":
		return ActionAllow, nil
	case "Skip":
		return ActionSkip, nil
	case "Deny":
		return ActionDeny, nil
	case "Log":
		return ActionLog, nil
	default:
		return 0, fmt.Errorf("codepolicy: unknown action %q", name)
	}
}

func (p *parser) parseOr() (queryplan.Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return queryplan.Expr{}, err
	}
	for p.cur.kind == "op" && p.cur.text == "||" {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return queryplan.Expr{}, err
		}
		left = queryplan.Binary(queryplan.OpOr, left, right)
	}
	return left, nil
}

func (p *parser) parseAnd() (queryplan.Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return queryplan.Expr{}, err
	}
	for p.cur.kind == "op" && p.cur.text == "&&" {
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return queryplan.Expr{}, err
		}
		left = queryplan.Binary(queryplan.OpAnd, left, right)
	}
	return left, nil
}

func (p *parser) parseUnary() (queryplan.Expr, error) {
	if p.cur.kind == "op" && p.cur.text == "!" {
		p.advance()
		inner, err := p.parseUnary()
		if err != nil {
			return queryplan.Expr{}, err
		}
		return queryplan.Not(inner), nil
	}
	if p.cur.kind == "op" && p.cur.text == "(" {
		p.advance()
		inner, err := p.parseOr()
		if err != nil {
			return queryplan.Expr{}, err
		}
		if err := p.expectOp(")"); err != nil {
			return queryplan.Expr{}, err
		}
		return inner, nil
	}
	return p.parseComparison()
}

var comparisonOps = map[string]queryplan.BinaryOp{
	"==": queryplan.OpEq,
	"!=": queryplan.OpNeq,
	"<":  queryplan.OpLt,
	"<=": queryplan.OpLte,
	">":  queryplan.OpGt,
	">=": queryplan.OpGte,
}

func (p *parser) parseComparison() (queryplan.Expr, error) {
	left, err := p.parseOperand()
	if err != nil {
		return queryplan.Expr{}, err
	}
	if p.cur.kind == "op" {
		if op, ok := comparisonOps[p.cur.text]; ok {
			p.advance()
			right, err := p.parseOperand()
			if err != nil {
				return queryplan.Expr{}, err
			}
			return queryplan.Binary(op, left, right), nil
		}
	}
	return left, nil
}

// parseOperand recognizes a dotted entity field path (Prop chain rooted
// at Param(0)), a `ctx.<name>` context reference, or a literal.
func (p *parser) parseOperand() (queryplan.Expr, error) {
	switch p.cur.kind {
	case "num":
		f, err := strconv.ParseFloat(p.cur.text, 64)
		if err != nil {
			return queryplan.Expr{}, err
		}
		p.advance()
		return queryplan.Lit(value.F64(f)), nil
	case "str":
		s := p.cur.text
		p.advance()
		return queryplan.Lit(value.String(s)), nil
	case "ident":
		name := p.cur.text
		p.advance()
		switch name {
		case "true":
			return queryplan.Lit(value.Bool(true)), nil
		case "false":
			return queryplan.Lit(value.Bool(false)), nil
		}
		parts := strings.Split(name, ".")
		// Param(0) is the entity row; Param(1) is the request context
		// (ctx.userId and friends), the one other parameter the grammar's
		// comment reserves room for.
		root := queryplan.Param(0)
		if parts[0] == "ctx" {
			root = queryplan.Param(1)
			parts = parts[1:]
		}
		e := root
		for _, part := range parts {
			e = queryplan.Prop(e, part)
		}
		return e, nil
	default:
		return queryplan.Expr{}, fmt.Errorf("codepolicy: unexpected token %q", p.cur.text)
	}
}
