package instruction

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/orneryd/provgraph/pkg/cache"
	"github.com/orneryd/provgraph/pkg/convert"
	"github.com/orneryd/provgraph/pkg/qerr"
)

// Operator is a comparison operator of a predicate leaf.
type Operator string

const (
	OpEqual        Operator = "="
	OpNotEqual     Operator = "!="
	OpLess         Operator = "<"
	OpGreater      Operator = ">"
	OpLessEqual    Operator = "<="
	OpGreaterEqual Operator = ">="
	OpLike         Operator = "LIKE"
	OpRegex        Operator = "REGEX"
)

// AnyKey as a predicate key matches when any annotation satisfies the
// comparison.
const AnyKey = "*"

// hiddenKey is never visible to predicates.
const hiddenKey = "_graphs"

// Predicate selects elements by their annotations.
//
// A predicate is exactly one of:
//   - a comparison leaf: Key Op Value
//   - a conjunction (All) or disjunction (Any) of predicates
//   - a negation (Not)
//   - a reference (Ref) to a bound predicate symbol ("%p"), replaced by
//     Compile with the bound predicate
//
// Comparisons are numeric when both sides parse as numbers and lexical
// otherwise. An element lacking Key fails every comparison, != included.
//
// Example:
//
//	p := &Predicate{All: []*Predicate{
//		{Key: "type", Op: OpEqual, Value: "Process"},
//		{Key: "name", Op: OpLike, Value: "ba%"},
//	}}
type Predicate struct {
	Ref   string       `json:"ref,omitempty" yaml:"ref,omitempty"`
	Key   string       `json:"key,omitempty" yaml:"key,omitempty"`
	Op    Operator     `json:"op,omitempty" yaml:"op,omitempty"`
	Value string       `json:"value,omitempty" yaml:"value,omitempty"`
	All   []*Predicate `json:"all,omitempty" yaml:"all,omitempty"`
	Any   []*Predicate `json:"any,omitempty" yaml:"any,omitempty"`
	Not   *Predicate   `json:"not,omitempty" yaml:"not,omitempty"`
}

// Matcher reports whether an annotation map satisfies a predicate.
type Matcher func(props map[string]any) bool

// ParsePredicate decodes the serialized form stored in the symbol table.
func ParsePredicate(text string) (*Predicate, error) {
	var p Predicate
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return nil, qerr.Invalid("predicate", "malformed predicate %q: %v", text, err)
	}
	if err := p.validate("predicate"); err != nil {
		return nil, err
	}
	return &p, nil
}

// String returns the serialized form of p.
func (p *Predicate) String() string {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("<invalid predicate: %v>", err)
	}
	return string(data)
}

func (p *Predicate) validate(op string) error {
	if p == nil {
		return nil
	}
	forms := 0
	if p.Ref != "" {
		forms++
	}
	if p.Key != "" || p.Op != "" {
		forms++
	}
	if len(p.All) > 0 {
		forms++
	}
	if len(p.Any) > 0 {
		forms++
	}
	if p.Not != nil {
		forms++
	}
	if forms != 1 {
		return qerr.Invalid(op, "predicate must have exactly one of ref, comparison, all, any, not")
	}

	switch {
	case p.Ref != "":
		if !strings.HasPrefix(p.Ref, "%") || len(p.Ref) < 2 {
			return qerr.Invalid(op, "predicate reference %q must start with %%", p.Ref)
		}
	case p.Key != "" || p.Op != "":
		if p.Key == "" {
			return qerr.Invalid(op, "comparison without key")
		}
		switch p.Op {
		case OpEqual, OpNotEqual, OpLess, OpGreater, OpLessEqual, OpGreaterEqual:
		case OpLike:
			if _, err := cache.Patterns().Compile(likePattern(p.Value)); err != nil {
				return qerr.Invalid(op, "bad LIKE pattern %q: %v", p.Value, err)
			}
		case OpRegex:
			if _, err := cache.Patterns().Compile(anchored(p.Value)); err != nil {
				return qerr.Invalid(op, "bad REGEX pattern %q: %v", p.Value, err)
			}
		default:
			return qerr.Invalid(op, "unknown operator %q", p.Op)
		}
	default:
		for _, c := range append(append([]*Predicate{}, p.All...), p.Any...) {
			if c == nil {
				return qerr.Invalid(op, "nil predicate operand")
			}
			if err := c.validate(op); err != nil {
				return err
			}
		}
		if p.Not != nil {
			return p.Not.validate(op)
		}
	}
	return nil
}

// checkPredicate validates p and requires every reference in it to have
// been resolved.
func checkPredicate(op string, p *Predicate) error {
	if err := p.validate(op); err != nil {
		return err
	}
	if !p.resolved() {
		return qerr.Invalid(op, "unresolved predicate reference")
	}
	return nil
}

// resolved reports whether p contains no references.
func (p *Predicate) resolved() bool {
	if p == nil {
		return true
	}
	if p.Ref != "" {
		return false
	}
	for _, c := range p.All {
		if !c.resolved() {
			return false
		}
	}
	for _, c := range p.Any {
		if !c.resolved() {
			return false
		}
	}
	return p.Not.resolved()
}

// Matcher compiles p. A nil predicate matches everything. p must be valid
// and fully resolved.
func (p *Predicate) Matcher() (Matcher, error) {
	if p == nil {
		return func(map[string]any) bool { return true }, nil
	}
	if !p.resolved() {
		return nil, qerr.Invalid("predicate", "unresolved predicate reference")
	}
	if err := p.validate("predicate"); err != nil {
		return nil, err
	}
	return p.compile(), nil
}

func (p *Predicate) compile() Matcher {
	switch {
	case len(p.All) > 0:
		parts := compileAll(p.All)
		return func(props map[string]any) bool {
			for _, m := range parts {
				if !m(props) {
					return false
				}
			}
			return true
		}
	case len(p.Any) > 0:
		parts := compileAll(p.Any)
		return func(props map[string]any) bool {
			for _, m := range parts {
				if m(props) {
					return true
				}
			}
			return false
		}
	case p.Not != nil:
		inner := p.Not.compile()
		return func(props map[string]any) bool { return !inner(props) }
	}

	test := comparator(p.Op, p.Value)
	key := p.Key
	if key == AnyKey {
		return func(props map[string]any) bool {
			for k, v := range props {
				if k != hiddenKey && test(convert.ToString(v)) {
					return true
				}
			}
			return false
		}
	}
	return func(props map[string]any) bool {
		v, ok := props[key]
		if !ok {
			return false
		}
		return test(convert.ToString(v))
	}
}

func compileAll(ps []*Predicate) []Matcher {
	out := make([]Matcher, len(ps))
	for i, c := range ps {
		out[i] = c.compile()
	}
	return out
}

// comparator returns the test "actual <op> want".
func comparator(op Operator, want string) func(actual string) bool {
	switch op {
	case OpLike, OpRegex:
		pattern := anchored(want)
		if op == OpLike {
			pattern = likePattern(want)
		}
		re, err := cache.Patterns().Compile(pattern)
		if err != nil {
			return func(string) bool { return false }
		}
		return re.MatchString
	}
	wantNum, wantIsNum := convert.ToFiniteFloat64(want)
	return func(actual string) bool {
		var cmp int
		if n, ok := convert.ToFiniteFloat64(actual); ok && wantIsNum {
			switch {
			case n < wantNum:
				cmp = -1
			case n > wantNum:
				cmp = 1
			}
		} else {
			cmp = strings.Compare(actual, want)
		}
		switch op {
		case OpEqual:
			return cmp == 0
		case OpNotEqual:
			return cmp != 0
		case OpLess:
			return cmp < 0
		case OpGreater:
			return cmp > 0
		case OpLessEqual:
			return cmp <= 0
		case OpGreaterEqual:
			return cmp >= 0
		}
		return false
	}
}

// likePattern translates a LIKE pattern into an anchored regular
// expression: % is any run, _ is any single character.
func likePattern(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

func anchored(expr string) string {
	return "^(?:" + expr + ")$"
}
