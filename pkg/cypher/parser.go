package cypher

import (
	"fmt"
	"strconv"
	"strings"
)

// Query is a parsed read query.
type Query struct {
	Pattern  Pattern
	Where    []Condition // implicitly AND-ed groups of OR-ed conditions
	Distinct bool
	Items    []ReturnItem
	OrderBy  []SortKey
	Skip     int
	Limit    int // -1 when absent
}

// NodePattern is "(v:Label)". Both parts are optional.
type NodePattern struct {
	Variable string
	Label    string
}

// RelPattern is "-[e:TYPE]->". Reversed marks "<-[...]-".
type RelPattern struct {
	Variable string
	Type     string
	Reversed bool
}

// Pattern is a single node or a node-relationship-node chain.
type Pattern struct {
	Left  NodePattern
	Rel   *RelPattern
	Right NodePattern
}

// Expr is a value reference in WHERE or RETURN.
type Expr struct {
	Func     string // "", "count", "labels", "keys", "id", "type"
	Variable string // empty for count(*)
	Property string
}

func (e Expr) String() string {
	switch {
	case e.Func == "count" && e.Variable == "":
		return "count(*)"
	case e.Func != "":
		return e.Func + "(" + e.Variable + ")"
	case e.Property != "":
		return e.Variable + "." + e.Property
	}
	return e.Variable
}

// Condition is one comparison, optionally OR-ed with alternatives.
type Condition struct {
	Left    Expr
	Op      string // =, <>, <, >, <=, >=, =~, CONTAINS, STARTS WITH, ENDS WITH, IS NULL, IS NOT NULL
	Value   any
	Negated bool
	Or      []Condition
}

// ReturnItem is one projected column.
type ReturnItem struct {
	Expr  Expr
	Alias string
}

// Column returns the output column name of the item.
func (r ReturnItem) Column() string {
	if r.Alias != "" {
		return r.Alias
	}
	return r.Expr.String()
}

// SortKey orders the output by a returned column.
type SortKey struct {
	Column     string
	Descending bool
}

// Parser is a recursive-descent parser over tokens.
type Parser struct {
	tokens []Token
	pos    int
}

// Parse tokenizes and parses a query.
func Parse(query string) (*Query, error) {
	tokens, err := NewTokenizer(query).Tokenize()
	if err != nil {
		return nil, err
	}
	p := &Parser{tokens: tokens}
	return p.query()
}

func (p *Parser) peek() Token { return p.tokens[p.pos] }

func (p *Parser) next() Token {
	t := p.tokens[p.pos]
	if t.Type != TokenEOF {
		p.pos++
	}
	return t
}

// back undoes next for t.
func (p *Parser) back(t Token) {
	if t.Type != TokenEOF {
		p.pos--
	}
}

func (p *Parser) isKeyword(kw string) bool {
	t := p.peek()
	return t.Type == TokenKeyword && t.Value == kw
}

func (p *Parser) isSymbol(s string) bool {
	t := p.peek()
	return t.Type == TokenSymbol && t.Value == s
}

func (p *Parser) accept(kw string) bool {
	if p.isKeyword(kw) {
		p.pos++
		return true
	}
	return false
}

func (p *Parser) expectKeyword(kw string) error {
	if !p.accept(kw) {
		return p.errorf("expected %s", kw)
	}
	return nil
}

func (p *Parser) expectSymbol(s string) error {
	if !p.isSymbol(s) {
		return p.errorf("expected %q", s)
	}
	p.pos++
	return nil
}

func (p *Parser) identifier() (string, error) {
	t := p.peek()
	if t.Type != TokenIdentifier {
		return "", p.errorf("expected identifier")
	}
	p.pos++
	return t.Value, nil
}

func (p *Parser) errorf(format string, args ...any) error {
	t := p.peek()
	found := t.Value
	if t.Type == TokenEOF {
		found = "end of query"
	}
	return fmt.Errorf("%w: %s at %d (found %s)", ErrSyntax, fmt.Sprintf(format, args...), t.Pos, found)
}

func (p *Parser) query() (*Query, error) {
	if t := p.peek(); t.Type == TokenKeyword && writeKeywords[t.Value] {
		return nil, fmt.Errorf("%w: %s", ErrReadOnly, t.Value)
	}
	if err := p.expectKeyword("MATCH"); err != nil {
		return nil, err
	}
	q := &Query{Limit: -1}
	var err error
	if q.Pattern, err = p.pattern(); err != nil {
		return nil, err
	}
	if p.accept("WHERE") {
		if q.Where, err = p.conditions(); err != nil {
			return nil, err
		}
	}
	if t := p.peek(); t.Type == TokenKeyword && writeKeywords[t.Value] {
		return nil, fmt.Errorf("%w: %s", ErrReadOnly, t.Value)
	}
	if err := p.expectKeyword("RETURN"); err != nil {
		return nil, err
	}
	q.Distinct = p.accept("DISTINCT")
	if q.Items, err = p.returnItems(); err != nil {
		return nil, err
	}
	if p.accept("ORDER") {
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		if q.OrderBy, err = p.sortKeys(); err != nil {
			return nil, err
		}
	}
	if p.accept("SKIP") {
		if q.Skip, err = p.count(); err != nil {
			return nil, err
		}
	}
	if p.accept("LIMIT") {
		if q.Limit, err = p.count(); err != nil {
			return nil, err
		}
	}
	if p.peek().Type != TokenEOF {
		return nil, p.errorf("unexpected trailing input")
	}
	return q, nil
}

func (p *Parser) pattern() (Pattern, error) {
	var pat Pattern
	var err error
	if pat.Left, err = p.node(); err != nil {
		return pat, err
	}

	var reversed bool
	switch {
	case p.isSymbol("-"):
		p.pos++
	case p.isSymbol("<-"):
		p.pos++
		reversed = true
	default:
		return pat, nil
	}

	rel := &RelPattern{Reversed: reversed}
	if err := p.expectSymbol("["); err != nil {
		return pat, err
	}
	if p.peek().Type == TokenIdentifier {
		rel.Variable = p.next().Value
	}
	if p.isSymbol(":") {
		p.pos++
		if rel.Type, err = p.identifier(); err != nil {
			return pat, err
		}
	}
	if err := p.expectSymbol("]"); err != nil {
		return pat, err
	}
	if reversed {
		err = p.expectSymbol("-")
	} else {
		err = p.expectSymbol("->")
	}
	if err != nil {
		return pat, err
	}
	pat.Rel = rel
	if pat.Right, err = p.node(); err != nil {
		return pat, err
	}
	return pat, nil
}

func (p *Parser) node() (NodePattern, error) {
	var n NodePattern
	if err := p.expectSymbol("("); err != nil {
		return n, err
	}
	if p.peek().Type == TokenIdentifier {
		n.Variable = p.next().Value
	}
	if p.isSymbol(":") {
		p.pos++
		label, err := p.identifier()
		if err != nil {
			return n, err
		}
		n.Label = label
	}
	if err := p.expectSymbol(")"); err != nil {
		return n, err
	}
	return n, nil
}

func (p *Parser) conditions() ([]Condition, error) {
	var out []Condition
	for {
		c, err := p.disjunction()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
		if !p.accept("AND") {
			return out, nil
		}
	}
}

func (p *Parser) disjunction() (Condition, error) {
	c, err := p.condition()
	if err != nil {
		return c, err
	}
	for p.accept("OR") {
		alt, err := p.condition()
		if err != nil {
			return c, err
		}
		c.Or = append(c.Or, alt)
	}
	return c, nil
}

func (p *Parser) condition() (Condition, error) {
	var c Condition
	c.Negated = p.accept("NOT")

	left, err := p.expr()
	if err != nil {
		return c, err
	}
	c.Left = left

	t := p.peek()
	switch {
	case t.Type == TokenSymbol && isComparison(t.Value):
		p.pos++
		c.Op = t.Value
		if c.Op == "!=" {
			c.Op = "<>"
		}
	case p.accept("CONTAINS"):
		c.Op = "CONTAINS"
	case p.accept("STARTS"):
		if err := p.expectKeyword("WITH"); err != nil {
			return c, err
		}
		c.Op = "STARTS WITH"
	case p.accept("ENDS"):
		if err := p.expectKeyword("WITH"); err != nil {
			return c, err
		}
		c.Op = "ENDS WITH"
	case p.accept("IS"):
		c.Op = "IS NULL"
		if p.accept("NOT") {
			c.Op = "IS NOT NULL"
		}
		return c, p.expectKeyword("NULL")
	default:
		return c, p.errorf("expected comparison operator")
	}

	c.Value, err = p.literal()
	return c, err
}

func isComparison(s string) bool {
	switch s {
	case "=", "<>", "!=", "<", ">", "<=", ">=", "=~":
		return true
	}
	return false
}

func (p *Parser) literal() (any, error) {
	t := p.next()
	switch {
	case t.Type == TokenString:
		return t.Value, nil
	case t.Type == TokenNumber:
		if i, err := strconv.ParseInt(t.Value, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(t.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad number %q", ErrSyntax, t.Value)
		}
		return f, nil
	case t.Type == TokenSymbol && t.Value == "-":
		v, err := p.literal()
		switch n := v.(type) {
		case int64:
			return -n, err
		case float64:
			return -n, err
		}
		return nil, fmt.Errorf("%w: '-' must precede a number", ErrSyntax)
	case t.Type == TokenKeyword && t.Value == "TRUE":
		return true, nil
	case t.Type == TokenKeyword && t.Value == "FALSE":
		return false, nil
	case t.Type == TokenKeyword && t.Value == "NULL":
		return nil, nil
	}
	p.back(t)
	return nil, p.errorf("expected literal")
}

var functions = map[string]bool{"count": true, "labels": true, "keys": true, "id": true, "type": true}

func (p *Parser) expr() (Expr, error) {
	name, err := p.identifier()
	if err != nil {
		return Expr{}, err
	}
	if p.isSymbol("(") {
		fn := strings.ToLower(name)
		if !functions[fn] {
			return Expr{}, fmt.Errorf("%w: unknown function %s", ErrSyntax, name)
		}
		p.pos++
		e := Expr{Func: fn}
		if fn == "count" && p.isSymbol("*") {
			p.pos++
		} else if e.Variable, err = p.identifier(); err != nil {
			return e, err
		}
		return e, p.expectSymbol(")")
	}
	e := Expr{Variable: name}
	if p.isSymbol(".") {
		p.pos++
		if e.Property, err = p.identifier(); err != nil {
			// property names may be keywords
			t := p.peek()
			if t.Type != TokenKeyword {
				return e, err
			}
			p.pos++
			e.Property = strings.ToLower(t.Value)
		}
	}
	return e, nil
}

func (p *Parser) returnItems() ([]ReturnItem, error) {
	var items []ReturnItem
	for {
		if p.isSymbol("*") {
			return nil, p.errorf("RETURN * is not supported")
		}
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		item := ReturnItem{Expr: e}
		if p.accept("AS") {
			if item.Alias, err = p.identifier(); err != nil {
				return nil, err
			}
		}
		items = append(items, item)
		if !p.isSymbol(",") {
			return items, nil
		}
		p.pos++
	}
}

func (p *Parser) sortKeys() ([]SortKey, error) {
	var keys []SortKey
	for {
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		k := SortKey{Column: e.String()}
		if p.accept("DESC") {
			k.Descending = true
		} else {
			p.accept("ASC")
		}
		keys = append(keys, k)
		if !p.isSymbol(",") {
			return keys, nil
		}
		p.pos++
	}
}

func (p *Parser) count() (int, error) {
	t := p.next()
	if t.Type != TokenNumber {
		p.back(t)
		return 0, p.errorf("expected a non-negative integer")
	}
	n, err := strconv.Atoi(t.Value)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad count %q", ErrSyntax, t.Value)
	}
	return n, nil
}
