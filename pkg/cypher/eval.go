// Package cypher evaluates a read-only subset of Cypher directly against a
// storage engine. It is the native query form behind EvaluateQuery.
//
// Supported shape:
//
//	MATCH (v[:Label])                       | MATCH (a[:L])-[e[:T]]->(b[:L]) | (a)<-[e]-(b)
//	[WHERE cond [AND|OR cond]...]           cond: x.k <op> literal, x.k IS [NOT] NULL,
//	                                              x.k CONTAINS|STARTS WITH|ENDS WITH 'lit', NOT cond
//	RETURN [DISTINCT] item [AS alias], ...  item: x, x.k, id(x), labels(x), keys(x), type(e), count(*|x)
//	[ORDER BY column [ASC|DESC], ...] [SKIP n] [LIMIT n]
//
// Write clauses are refused with ErrReadOnly. Any other unsupported form is
// an ErrSyntax. Items that are not aggregates form the grouping key when
// the RETURN list contains count().
//
// Example:
//
//	res, err := cypher.Evaluate(ctx, engine,
//		"MATCH (p:provenance) WHERE p.type = 'Process' RETURN p.name AS name ORDER BY name LIMIT 10")
package cypher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/orneryd/provgraph/pkg/cache"
	"github.com/orneryd/provgraph/pkg/convert"
	"github.com/orneryd/provgraph/pkg/storage"
)

var (
	// ErrSyntax reports a query outside the supported subset.
	ErrSyntax = errors.New("cypher syntax error")
	// ErrReadOnly reports a write clause.
	ErrReadOnly = errors.New("cypher: only read queries are allowed")
)

// hiddenProperty is store bookkeeping never shown to queries.
const hiddenProperty = "_graphs"

// Result is a query result table.
type Result struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// binding maps pattern variables to matched elements.
type binding map[string]any

// Evaluate parses query and runs it against engine.
func Evaluate(ctx context.Context, engine storage.Engine, query string) (*Result, error) {
	q, err := Parse(query)
	if err != nil {
		return nil, err
	}
	if err := q.check(); err != nil {
		return nil, err
	}

	rows, err := match(ctx, engine, q)
	if err != nil {
		return nil, err
	}

	result := &Result{Columns: make([]string, len(q.Items))}
	for i, item := range q.Items {
		result.Columns[i] = item.Column()
	}
	if q.aggregates() {
		result.Rows = aggregate(q, rows)
	} else {
		for _, b := range rows {
			result.Rows = append(result.Rows, project(q.Items, b))
		}
	}
	if q.Distinct {
		result.Rows = distinct(result.Rows)
	}
	if err := order(result, q.OrderBy); err != nil {
		return nil, err
	}
	result.Rows = window(result.Rows, q.Skip, q.Limit)
	return result, nil
}

// check verifies that every referenced variable is bound by the pattern.
func (q *Query) check() error {
	bound := map[string]bool{}
	for _, v := range []string{q.Pattern.Left.Variable, q.Pattern.Right.Variable} {
		if v != "" {
			bound[v] = true
		}
	}
	if q.Pattern.Rel != nil && q.Pattern.Rel.Variable != "" {
		bound[q.Pattern.Rel.Variable] = true
	}
	var verify func(e Expr) error
	verify = func(e Expr) error {
		if e.Variable == "" || bound[e.Variable] {
			return nil
		}
		return fmt.Errorf("%w: variable %s not defined", ErrSyntax, e.Variable)
	}
	var conds func([]Condition) error
	conds = func(cs []Condition) error {
		for _, c := range cs {
			if err := verify(c.Left); err != nil {
				return err
			}
			if err := conds(c.Or); err != nil {
				return err
			}
		}
		return nil
	}
	if err := conds(q.Where); err != nil {
		return err
	}
	for _, item := range q.Items {
		if err := verify(item.Expr); err != nil {
			return err
		}
	}
	return nil
}

func (q *Query) aggregates() bool {
	for _, item := range q.Items {
		if item.Expr.Func == "count" {
			return true
		}
	}
	return false
}

func match(ctx context.Context, engine storage.Engine, q *Query) ([]binding, error) {
	var (
		out  []binding
		pred = compileWhere(q.Where)
	)
	pat := q.Pattern

	if pat.Rel == nil {
		nodes, err := candidates(engine, pat.Left.Label)
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			b := binding{}
			if pat.Left.Variable != "" {
				b[pat.Left.Variable] = n
			}
			if pred(b) {
				out = append(out, b)
			}
		}
		return out, nil
	}

	edges, err := engine.AllEdges()
	if err != nil {
		return nil, err
	}
	cache := make(map[storage.NodeID]*storage.Node)
	lookup := func(id storage.NodeID) (*storage.Node, error) {
		if n, ok := cache[id]; ok {
			return n, nil
		}
		n, err := engine.GetNode(id)
		if err != nil {
			return nil, err
		}
		cache[id] = n
		return n, nil
	}

	for _, e := range edges {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if pat.Rel.Type != "" && e.Type != pat.Rel.Type {
			continue
		}
		leftID, rightID := e.StartNode, e.EndNode
		if pat.Rel.Reversed {
			leftID, rightID = e.EndNode, e.StartNode
		}
		left, err := lookup(leftID)
		if err != nil {
			return nil, err
		}
		right, err := lookup(rightID)
		if err != nil {
			return nil, err
		}
		if pat.Left.Label != "" && !left.HasLabel(pat.Left.Label) {
			continue
		}
		if pat.Right.Label != "" && !right.HasLabel(pat.Right.Label) {
			continue
		}
		b := binding{}
		if pat.Left.Variable != "" {
			b[pat.Left.Variable] = left
		}
		if pat.Right.Variable != "" {
			if prev, ok := b[pat.Right.Variable]; ok {
				if n, isNode := prev.(*storage.Node); !isNode || n.ID != right.ID {
					continue
				}
			}
			b[pat.Right.Variable] = right
		}
		if pat.Rel.Variable != "" {
			b[pat.Rel.Variable] = e
		}
		if pred(b) {
			out = append(out, b)
		}
	}
	return out, nil
}

func candidates(engine storage.Engine, label string) ([]*storage.Node, error) {
	if label != "" {
		return engine.GetNodesByLabel(label)
	}
	return engine.AllNodes()
}

// ============================================================================
// WHERE
// ============================================================================

func compileWhere(conds []Condition) func(binding) bool {
	if len(conds) == 0 {
		return func(binding) bool { return true }
	}
	tests := make([]func(binding) bool, len(conds))
	for i, c := range conds {
		tests[i] = compileCondition(c)
	}
	return func(b binding) bool {
		for _, t := range tests {
			if !t(b) {
				return false
			}
		}
		return true
	}
}

func compileCondition(c Condition) func(binding) bool {
	test := compileComparison(c)
	if c.Negated {
		inner := test
		test = func(b binding) bool { return !inner(b) }
	}
	if len(c.Or) == 0 {
		return test
	}
	alts := []func(binding) bool{test}
	for _, alt := range c.Or {
		alts = append(alts, compileCondition(alt))
	}
	return func(b binding) bool {
		for _, t := range alts {
			if t(b) {
				return true
			}
		}
		return false
	}
}

func compileComparison(c Condition) func(binding) bool {
	switch c.Op {
	case "IS NULL":
		return func(b binding) bool { return evaluate(c.Left, b) == nil }
	case "IS NOT NULL":
		return func(b binding) bool { return evaluate(c.Left, b) != nil }
	case "=~":
		pattern, _ := c.Value.(string)
		re, err := cache.Patterns().Compile("^(?:" + pattern + ")$")
		if err != nil {
			return func(binding) bool { return false }
		}
		return func(b binding) bool {
			v := evaluate(c.Left, b)
			return v != nil && re.MatchString(convert.ToString(v))
		}
	case "CONTAINS", "STARTS WITH", "ENDS WITH":
		want := convert.ToString(c.Value)
		op := map[string]func(string, string) bool{
			"CONTAINS":    strings.Contains,
			"STARTS WITH": strings.HasPrefix,
			"ENDS WITH":   strings.HasSuffix,
		}[c.Op]
		return func(b binding) bool {
			v := evaluate(c.Left, b)
			return v != nil && op(convert.ToString(v), want)
		}
	}
	return func(b binding) bool {
		v := evaluate(c.Left, b)
		if v == nil || c.Value == nil {
			return false
		}
		cmp := compareValues(v, c.Value)
		switch c.Op {
		case "=":
			return cmp == 0
		case "<>":
			return cmp != 0
		case "<":
			return cmp < 0
		case ">":
			return cmp > 0
		case "<=":
			return cmp <= 0
		case ">=":
			return cmp >= 0
		}
		return false
	}
}

// ============================================================================
// Projection
// ============================================================================

func evaluate(e Expr, b binding) any {
	el, ok := b[e.Variable]
	if !ok {
		return nil
	}
	switch n := el.(type) {
	case *storage.Node:
		switch e.Func {
		case "id":
			return string(n.ID)
		case "labels":
			return append([]string(nil), n.Labels...)
		case "keys":
			return visibleKeys(n.Properties)
		case "type":
			return nil
		}
		if e.Property != "" {
			return n.Properties[e.Property]
		}
		return map[string]any{"id": string(n.ID), "labels": n.Labels, "properties": visible(n.Properties)}
	case *storage.Edge:
		switch e.Func {
		case "id":
			return string(n.ID)
		case "type":
			return n.Type
		case "keys":
			return visibleKeys(n.Properties)
		case "labels":
			return nil
		}
		if e.Property != "" {
			if e.Property == hiddenProperty {
				return nil
			}
			return n.Properties[e.Property]
		}
		return map[string]any{
			"id":         string(n.ID),
			"type":       n.Type,
			"start":      string(n.StartNode),
			"end":        string(n.EndNode),
			"properties": visible(n.Properties),
		}
	}
	return nil
}

func visible(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		if k != hiddenProperty {
			out[k] = v
		}
	}
	return out
}

func visibleKeys(props map[string]any) []string {
	keys := make([]string, 0, len(props))
	for k := range props {
		if k != hiddenProperty {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func project(items []ReturnItem, b binding) []any {
	row := make([]any, len(items))
	for i, item := range items {
		row[i] = evaluate(item.Expr, b)
	}
	return row
}

func aggregate(q *Query, rows []binding) [][]any {
	type group struct {
		row    []any
		counts []int64
	}
	var (
		order  []string
		groups = make(map[string]*group)
	)
	for _, b := range rows {
		key := make([]any, len(q.Items))
		for i, item := range q.Items {
			if item.Expr.Func != "count" {
				key[i] = evaluate(item.Expr, b)
			}
		}
		k := fmt.Sprintf("%#v", key)
		g, ok := groups[k]
		if !ok {
			g = &group{row: key, counts: make([]int64, len(q.Items))}
			groups[k] = g
			order = append(order, k)
		}
		for i, item := range q.Items {
			if item.Expr.Func != "count" {
				continue
			}
			if item.Expr.Variable == "" || evaluate(Expr{Variable: item.Expr.Variable}, b) != nil {
				g.counts[i]++
			}
		}
	}

	// count over an empty input still yields one row when nothing is grouped
	if len(order) == 0 && !hasGrouping(q.Items) {
		row := make([]any, len(q.Items))
		for i := range row {
			row[i] = int64(0)
		}
		return [][]any{row}
	}

	out := make([][]any, 0, len(order))
	for _, k := range order {
		g := groups[k]
		for i, item := range q.Items {
			if item.Expr.Func == "count" {
				g.row[i] = g.counts[i]
			}
		}
		out = append(out, g.row)
	}
	return out
}

func hasGrouping(items []ReturnItem) bool {
	for _, item := range items {
		if item.Expr.Func != "count" {
			return true
		}
	}
	return false
}

func distinct(rows [][]any) [][]any {
	seen := make(map[string]bool, len(rows))
	out := rows[:0]
	for _, r := range rows {
		k := fmt.Sprintf("%#v", r)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}

func order(result *Result, keys []SortKey) error {
	if len(keys) == 0 {
		return nil
	}
	idx := make([]int, len(keys))
	for i, k := range keys {
		idx[i] = -1
		for c, col := range result.Columns {
			if col == k.Column {
				idx[i] = c
			}
		}
		if idx[i] < 0 {
			return fmt.Errorf("%w: ORDER BY %s is not a returned column", ErrSyntax, k.Column)
		}
	}
	sort.SliceStable(result.Rows, func(a, b int) bool {
		for i, k := range keys {
			cmp := compareValues(result.Rows[a][idx[i]], result.Rows[b][idx[i]])
			if cmp == 0 {
				continue
			}
			if k.Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return nil
}

func window(rows [][]any, skip, limit int) [][]any {
	if skip >= len(rows) {
		return nil
	}
	rows = rows[skip:]
	if limit >= 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// ============================================================================
// Values
// ============================================================================

// compareValues orders numbers numerically and everything else by its
// string form. nil sorts first.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if x, ok := convert.ToFiniteFloat64(a); ok {
		if y, ok := convert.ToFiniteFloat64(b); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(convert.ToString(a), convert.ToString(b))
}
