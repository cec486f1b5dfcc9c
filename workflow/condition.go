package workflow

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Condition is a compiled phase condition. Grammar:
//
//	expr    := or
//	or      := and ("||" and)*
//	and     := cmp ("&&" cmp)*
//	cmp     := unary (("=="|"!="|">"|"<"|">="|"<=") unary)?
//	unary   := "!" unary | primary
//	primary := number | "string" | true | false | path | len(path) | "(" expr ")"
//
// Paths use the same syntax as input sources, e.g.
// workflow_state.review.approved == true && len(workflow_state.modules) > 0.
type Condition struct {
	source string
	root   condNode
}

// CompileCondition parses src. Paths are validated here, so a bad condition
// is a load-time error.
func CompileCondition(src string) (*Condition, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("empty condition")
	}
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &condParser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.tokens) {
		return nil, fmt.Errorf("unexpected token %q at position %d", p.tokens[p.pos].value, p.pos)
	}
	return &Condition{source: src, root: root}, nil
}

// String returns the source text.
func (c *Condition) String() string { return c.source }

// Paths lists every path the condition reads.
func (c *Condition) Paths() []Path {
	var out []Path
	walkCond(c.root, func(n condNode) {
		if pn, ok := n.(pathNode); ok {
			out = append(out, pn.path)
		}
	})
	return out
}

// Eval evaluates the condition against the session state.
func (c *Condition) Eval(state *WorkflowState, inst *PhaseInstance) bool {
	env := condEnv{state: state}
	if inst != nil {
		env.item, env.hasItem = inst.Item, inst.HasItem
	}
	return truthy(c.root.eval(env))
}

type condEnv struct {
	state   *WorkflowState
	item    any
	hasItem bool
}

// =============================================================================
// AST
// =============================================================================

type condNode interface {
	eval(env condEnv) any
}

type literalNode struct{ v any }

func (n literalNode) eval(condEnv) any { return n.v }

type pathNode struct{ path Path }

func (n pathNode) eval(env condEnv) any {
	v, ok := env.state.Lookup(n.path, env.item, env.hasItem)
	if !ok {
		return nil
	}
	return v
}

type lenNode struct{ x condNode }

func (n lenNode) eval(env condEnv) any {
	switch v := n.x.eval(env).(type) {
	case string:
		return float64(len(v))
	case []any:
		return float64(len(v))
	case []string:
		return float64(len(v))
	case map[string]any:
		return float64(len(v))
	}
	return float64(0)
}

type notNode struct{ x condNode }

func (n notNode) eval(env condEnv) any { return !truthy(n.x.eval(env)) }

type binaryNode struct {
	op   string
	l, r condNode
}

func (n binaryNode) eval(env condEnv) any {
	switch n.op {
	case "||":
		return truthy(n.l.eval(env)) || truthy(n.r.eval(env))
	case "&&":
		return truthy(n.l.eval(env)) && truthy(n.r.eval(env))
	}
	return compare(n.l.eval(env), n.op, n.r.eval(env))
}

func walkCond(n condNode, fn func(condNode)) {
	fn(n)
	switch v := n.(type) {
	case notNode:
		walkCond(v.x, fn)
	case lenNode:
		walkCond(v.x, fn)
	case binaryNode:
		walkCond(v.l, fn)
		walkCond(v.r, fn)
	}
}

// =============================================================================
// Tokenizer
// =============================================================================

type tokenKind int

const (
	tkNumber tokenKind = iota
	tkString
	tkIdent
	tkOp
	tkLParen
	tkRParen
)

type token struct {
	kind  tokenKind
	value string
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	runes := []rune(expr)

	for i := 0; i < len(runes); {
		ch := runes[i]
		switch {
		case unicode.IsSpace(ch):
			i++
		case ch == '(':
			tokens = append(tokens, token{tkLParen, "("})
			i++
		case ch == ')':
			tokens = append(tokens, token{tkRParen, ")"})
			i++
		case ch == '"':
			s, n, err := readString(runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tkString, s})
			i = n
		case i+1 < len(runes) && isTwoCharOp(string(runes[i:i+2])):
			tokens = append(tokens, token{tkOp, string(runes[i : i+2])})
			i += 2
		case ch == '>' || ch == '<' || ch == '!':
			tokens = append(tokens, token{tkOp, string(ch)})
			i++
		case isDigit(ch) || (ch == '-' && i+1 < len(runes) && isDigit(runes[i+1]) && numberMayStart(tokens)):
			num, n := readNumber(runes, i)
			tokens = append(tokens, token{tkNumber, num})
			i = n
		case unicode.IsLetter(ch) || ch == '_':
			ident, n, err := readIdent(runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tkIdent, ident})
			i = n
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", string(ch), i)
		}
	}
	return tokens, nil
}

func isTwoCharOp(s string) bool {
	switch s {
	case "==", "!=", ">=", "<=", "&&", "||":
		return true
	}
	return false
}

func readString(runes []rune, start int) (string, int, error) {
	var sb strings.Builder
	for i := start + 1; i < len(runes); i++ {
		if runes[i] == '\\' && i+1 < len(runes) {
			i++
			sb.WriteRune(runes[i])
			continue
		}
		if runes[i] == '"' {
			return sb.String(), i + 1, nil
		}
		sb.WriteRune(runes[i])
	}
	return "", 0, fmt.Errorf("unterminated string starting at position %d", start)
}

func readNumber(runes []rune, start int) (string, int) {
	i := start
	if runes[i] == '-' {
		i++
	}
	for i < len(runes) && (isDigit(runes[i]) || runes[i] == '.') {
		i++
	}
	return string(runes[start:i]), i
}

// readIdent reads a path identifier; bracket keys are consumed whole so
// workflow_state.impl[item-1] stays one token.
func readIdent(runes []rune, start int) (string, int, error) {
	i := start
	for i < len(runes) {
		ch := runes[i]
		if ch == '[' {
			end := i
			for end < len(runes) && runes[end] != ']' {
				end++
			}
			if end == len(runes) {
				return "", 0, fmt.Errorf("unterminated bracket at position %d", i)
			}
			i = end + 1
			continue
		}
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '.' {
			i++
			continue
		}
		break
	}
	return string(runes[start:i]), i, nil
}

func isDigit(ch rune) bool { return ch >= '0' && ch <= '9' }

func numberMayStart(preceding []token) bool {
	if len(preceding) == 0 {
		return true
	}
	last := preceding[len(preceding)-1]
	return last.kind == tkOp || last.kind == tkLParen
}

// =============================================================================
// Parser
// =============================================================================

type condParser struct {
	tokens []token
	pos    int
}

func (p *condParser) peekOp(ops ...string) (string, bool) {
	if p.pos >= len(p.tokens) || p.tokens[p.pos].kind != tkOp {
		return "", false
	}
	for _, op := range ops {
		if p.tokens[p.pos].value == op {
			return op, true
		}
	}
	return "", false
}

func (p *condParser) parseOr() (condNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.peekOp("||"); !ok {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "||", l: left, r: right}
	}
}

func (p *condParser) parseAnd() (condNode, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.peekOp("&&"); !ok {
			return left, nil
		}
		p.pos++
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "&&", l: left, r: right}
	}
}

func (p *condParser) parseComparison() (condNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	op, ok := p.peekOp("==", "!=", ">", "<", ">=", "<=")
	if !ok {
		return left, nil
	}
	p.pos++
	right, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return binaryNode{op: op, l: left, r: right}, nil
}

func (p *condParser) parseUnary() (condNode, error) {
	if _, ok := p.peekOp("!"); ok {
		p.pos++
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{x: x}, nil
	}
	return p.parsePrimary()
}

func (p *condParser) parsePrimary() (condNode, error) {
	if p.pos >= len(p.tokens) {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	t := p.tokens[p.pos]
	p.pos++

	switch t.kind {
	case tkNumber:
		f, err := strconv.ParseFloat(t.value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.value)
		}
		return literalNode{v: f}, nil
	case tkString:
		return literalNode{v: t.value}, nil
	case tkIdent:
		switch t.value {
		case "true":
			return literalNode{v: true}, nil
		case "false":
			return literalNode{v: false}, nil
		case "len":
			return p.parseLen()
		}
		path, err := ParsePath(t.value)
		if err != nil {
			return nil, err
		}
		return pathNode{path: path}, nil
	case tkLParen:
		x, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.pos >= len(p.tokens) || p.tokens[p.pos].kind != tkRParen {
			return nil, fmt.Errorf("expected closing parenthesis")
		}
		p.pos++
		return x, nil
	}
	return nil, fmt.Errorf("unexpected token %q", t.value)
}

func (p *condParser) parseLen() (condNode, error) {
	if p.pos >= len(p.tokens) || p.tokens[p.pos].kind != tkLParen {
		return nil, fmt.Errorf("len: expected '('")
	}
	p.pos++
	x, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos >= len(p.tokens) || p.tokens[p.pos].kind != tkRParen {
		return nil, fmt.Errorf("len: expected ')'")
	}
	p.pos++
	return lenNode{x: x}, nil
}

// =============================================================================
// Evaluation helpers
// =============================================================================

// compare treats nil as less than any value; two nils are equal.
func compare(left any, op string, right any) bool {
	if left == nil && right == nil {
		return op == "==" || op == ">=" || op == "<="
	}
	if left == nil || right == nil {
		switch op {
		case "!=":
			return true
		case "==":
			return false
		}
		if left == nil {
			return op == "<" || op == "<="
		}
		return op == ">" || op == ">="
	}

	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if lok && rok {
		return compareOrdered(lf, op, rf)
	}
	lb, lok := left.(bool)
	rb, rok := right.(bool)
	if lok && rok {
		switch op {
		case "==":
			return lb == rb
		case "!=":
			return lb != rb
		}
		return false
	}
	return compareOrdered(fmt.Sprintf("%v", left), op, fmt.Sprintf("%v", right))
}

func compareOrdered[T float64 | string](l T, op string, r T) bool {
	switch op {
	case "==":
		return l == r
	case "!=":
		return l != r
	case ">":
		return l > r
	case "<":
		return l < r
	case ">=":
		return l >= r
	case "<=":
		return l <= r
	}
	return false
}

// truthy: empty strings, collections and zero numbers are false.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case int:
		return val != 0
	case string:
		return val != "" && val != "false" && val != "0"
	case []any:
		return len(val) > 0
	case []string:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}
	return true
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	}
	return 0, false
}
