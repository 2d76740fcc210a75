package expressions

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/tako0614/takos-agent/pkg/schema"
)

// Condition is a compiled branch/loop condition. The language is a closed
// comparison grammar, not a general evaluator: a condition is a boolean
// combination of `path op literal` comparisons and bare-path truthiness
// checks. Paths root at "input" or a step id.
//
//	ready && check.output.count > 3
//	input.mode == "fast" || !input.dryRun
type Condition struct {
	source string
	root   condNode
}

// Source returns the original condition text.
func (c *Condition) Source() string { return c.source }

type condOp string

const (
	opEq  condOp = "=="
	opNe  condOp = "!="
	opLt  condOp = "<"
	opLe  condOp = "<="
	opGt  condOp = ">"
	opGe  condOp = ">="
)

type condNode interface {
	eval(scope map[string]any) bool
}

// orNode / andNode short-circuit left to right.
type orNode struct{ left, right condNode }
type andNode struct{ left, right condNode }
type notNode struct{ inner condNode }

// cmpNode compares a resolved path against a literal.
type cmpNode struct {
	path []pathSegment
	op   condOp
	lit  any
}

// truthNode is a bare path: defined and truthy.
type truthNode struct {
	path []pathSegment
}

func (n orNode) eval(scope map[string]any) bool  { return n.left.eval(scope) || n.right.eval(scope) }
func (n andNode) eval(scope map[string]any) bool { return n.left.eval(scope) && n.right.eval(scope) }
func (n notNode) eval(scope map[string]any) bool { return !n.inner.eval(scope) }

func (n truthNode) eval(scope map[string]any) bool {
	return truthy(ResolvePath(scope, n.path))
}

func (n cmpNode) eval(scope map[string]any) bool {
	val := ResolvePath(scope, n.path)
	if IsUndefined(val) {
		// Undefined only satisfies a comparison against null via !=.
		return n.op == opNe && n.lit == nil
	}
	return compare(val, n.op, n.lit)
}

func truthy(v any) bool {
	switch val := v.(type) {
	case undefined:
		return false
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		f, ok := toFloat(v)
		if ok {
			return f != 0
		}
		return true
	}
}

func compare(val any, op condOp, lit any) bool {
	// Numeric comparison when both sides are numbers.
	if lf, ok := toFloat(lit); ok {
		vf, ok := toFloat(val)
		if !ok {
			return op == opNe
		}
		switch op {
		case opEq:
			return vf == lf
		case opNe:
			return vf != lf
		case opLt:
			return vf < lf
		case opLe:
			return vf <= lf
		case opGt:
			return vf > lf
		case opGe:
			return vf >= lf
		}
	}

	switch l := lit.(type) {
	case string:
		vs, ok := val.(string)
		if !ok {
			return op == opNe
		}
		switch op {
		case opEq:
			return vs == l
		case opNe:
			return vs != l
		case opLt:
			return vs < l
		case opLe:
			return vs <= l
		case opGt:
			return vs > l
		case opGe:
			return vs >= l
		}
	case bool:
		vb, ok := val.(bool)
		if !ok {
			return op == opNe
		}
		switch op {
		case opEq:
			return vb == l
		case opNe:
			return vb != l
		}
		return false
	case nil:
		switch op {
		case opEq:
			return val == nil
		case opNe:
			return val != nil
		}
		return false
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// conditionCache avoids reparsing hot conditions (loop guards run every
// iteration).
var conditionCache sync.Map // string -> *Condition

// CompileCondition parses a condition expression into its AST. Parse errors
// carry the offending source.
func CompileCondition(source string) (*Condition, error) {
	if strings.TrimSpace(source) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty condition")
	}
	if cached, ok := conditionCache.Load(source); ok {
		return cached.(*Condition), nil
	}

	p := &condParser{input: source}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q: unexpected trailing input at offset %d", source, p.pos)
	}

	c := &Condition{source: source, root: root}
	conditionCache.Store(source, c)
	return c, nil
}

// Eval evaluates the condition against a scope map of "input" plus step
// outputs keyed by step id. Evaluation never errors: unresolvable paths
// behave as undefined.
func (c *Condition) Eval(scope map[string]any) bool {
	if scope == nil {
		scope = map[string]any{}
	}
	return c.root.eval(scope)
}

// EvalCondition compiles and evaluates in one call.
func EvalCondition(source string, scope map[string]any) (bool, error) {
	c, err := CompileCondition(source)
	if err != nil {
		return false, err
	}
	return c.Eval(scope), nil
}

type condParser struct {
	input string
	pos   int
}

func (p *condParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *condParser) errf(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return schema.NewErrorf(schema.ErrCodeValidation, "condition %q: %s", p.input, msg)
}

func (p *condParser) parseOr() (condNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.consume("||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseAnd() (condNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.consume("&&") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseUnary() (condNode, error) {
	p.skipSpace()
	if p.pos < len(p.input) && p.input[p.pos] == '!' && !strings.HasPrefix(p.input[p.pos:], "!=") {
		p.pos++
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *condParser) parsePrimary() (condNode, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, p.errf("unexpected end of input")
	}

	if p.input[p.pos] == '(' {
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return nil, p.errf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	}

	path, err := p.parsePath()
	if err != nil {
		return nil, err
	}

	op, ok := p.parseOperator()
	if !ok {
		return truthNode{path: path}, nil
	}

	lit, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	return cmpNode{path: path, op: op, lit: lit}, nil
}

func (p *condParser) parsePath() ([]pathSegment, error) {
	start := p.pos
	for p.pos < len(p.input) {
		ch := rune(p.input[p.pos])
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '-' ||
			ch == '.' || ch == '[' || ch == ']' {
			p.pos++
			continue
		}
		break
	}
	if p.pos == start {
		return nil, p.errf("expected a path at offset %d", start)
	}
	return ParsePath(p.input[start:p.pos])
}

func (p *condParser) parseOperator() (condOp, bool) {
	p.skipSpace()
	for _, op := range []condOp{opEq, opNe, opLe, opGe, opLt, opGt} {
		if strings.HasPrefix(p.input[p.pos:], string(op)) {
			p.pos += len(op)
			return op, true
		}
	}
	return "", false
}

func (p *condParser) parseLiteral() (any, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, p.errf("expected a literal")
	}

	ch := p.input[p.pos]
	if ch == '"' || ch == '\'' {
		end := strings.IndexByte(p.input[p.pos+1:], ch)
		if end == -1 {
			return nil, p.errf("unterminated string literal")
		}
		lit := p.input[p.pos+1 : p.pos+1+end]
		p.pos += end + 2
		return lit, nil
	}

	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == ' ' || c == '\t' || c == ')' || c == '&' || c == '|' {
			break
		}
		p.pos++
	}
	word := p.input[start:p.pos]
	switch word {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	}
	f, err := strconv.ParseFloat(word, 64)
	if err != nil {
		return nil, p.errf("invalid literal %q", word)
	}
	return f, nil
}

// consume advances past tok when it is the next non-space input.
func (p *condParser) consume(tok string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.input[p.pos:], tok) {
		p.pos += len(tok)
		return true
	}
	return false
}
