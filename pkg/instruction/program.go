package instruction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/orneryd/provgraph/pkg/membership"
	"github.com/orneryd/provgraph/pkg/qerr"
	"github.com/orneryd/provgraph/pkg/symbols"
	"gopkg.in/yaml.v3"
)

// Program is a serialized instruction list. Each step is an object whose
// "op" field names the instruction kind; the other fields are the
// instruction's own:
//
//	{"steps": [
//	  {"op": "get_vertex", "target": "#seed", "subject": "$base",
//	   "predicate": {"key": "name", "op": "=", "value": "bash"}},
//	  {"op": "get_lineage", "target": "$g", "subject": "$base",
//	   "start": "#seed", "direction": "ancestors", "depth": 2},
//	  {"op": "export_graph", "graph": "$g"}
//	]}
//
// Operand names in a program are symbolic:
//   - "$x" / "@x" read the current binding. Used as a target, they get a
//     fresh internal name that is bound to the symbol once the step ran.
//   - "#x" is a temporary local to the program, allocated on first use as
//     a target.
//   - "%x" in a predicate "ref" reads a bound predicate.
//   - internal names ("graph_3") and the base label pass through.
type Program struct {
	Steps []json.RawMessage `json:"steps" yaml:"steps"`
}

// Decode parses a JSON program. A bare array of steps is accepted as well.
func Decode(data []byte) ([]Instruction, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var steps []json.RawMessage
		if err := json.Unmarshal(data, &steps); err != nil {
			return nil, qerr.Invalid("decode", "malformed program: %v", err)
		}
		return DecodeSteps(steps)
	}
	var p Program
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, qerr.Invalid("decode", "malformed program: %v", err)
	}
	return DecodeSteps(p.Steps)
}

// DecodeYAML parses a YAML program with the same shape as Decode.
func DecodeYAML(data []byte) ([]Instruction, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, qerr.Invalid("decode", "malformed program: %v", err)
	}
	converted, err := json.Marshal(doc)
	if err != nil {
		return nil, qerr.Invalid("decode", "unsupported program value: %v", err)
	}
	return Decode(converted)
}

// DecodeSteps decodes each raw step.
func DecodeSteps(steps []json.RawMessage) ([]Instruction, error) {
	out := make([]Instruction, 0, len(steps))
	for idx, raw := range steps {
		ins, err := DecodeStep(raw)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", idx, err)
		}
		out = append(out, ins)
	}
	return out, nil
}

// DecodeStep decodes one {"op": ..., ...} object. Unknown fields are
// rejected.
func DecodeStep(raw json.RawMessage) (Instruction, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, qerr.Invalid("decode", "step is not an object: %v", err)
	}
	var kind Kind
	if op, ok := fields["op"]; !ok {
		return nil, qerr.Invalid("decode", "step without op")
	} else if err := json.Unmarshal(op, &kind); err != nil {
		return nil, qerr.Invalid("decode", "op must be a string")
	}
	delete(fields, "op")

	ins, err := New(kind)
	if err != nil {
		return nil, err
	}
	rest, err := json.Marshal(fields)
	if err != nil {
		return nil, qerr.Invalid("decode", "%v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(rest))
	dec.DisallowUnknownFields()
	if err := dec.Decode(ins); err != nil {
		return nil, qerr.Invalid(string(kind), "%v", err)
	}
	return ins, nil
}

// Encode serializes list as a JSON program.
func Encode(list []Instruction) ([]byte, error) {
	p := Program{Steps: make([]json.RawMessage, 0, len(list))}
	for _, ins := range list {
		body, err := json.Marshal(ins)
		if err != nil {
			return nil, err
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, err
		}
		if fields == nil {
			fields = make(map[string]json.RawMessage)
		}
		fields["op"], _ = json.Marshal(ins.Kind())
		step, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		p.Steps = append(p.Steps, step)
	}
	return json.Marshal(p)
}

// Environment is the view of the symbol table Compile resolves against.
type Environment interface {
	BaseGraph() string
	Lookup(ns symbols.Namespace, user string) (string, bool)
	Hold(ns symbols.Namespace, user string) (string, bool)
	AllocateGraph(ctx context.Context) (string, error)
	AllocateMetadata(ctx context.Context) (string, error)
	Release(names ...string)
}

// Compiled is a resolved instruction list.
type Compiled struct {
	Instructions []Instruction
	// Allocated holds the internal names allocated for the list. They stay
	// pinned in the environment until the caller releases them after the
	// list ran.
	Allocated []string
	// Held holds the internal names the list reads through bindings that
	// existed before it. They are pinned like Allocated so a concurrent
	// rebind and collection cannot reclaim them while the list runs.
	Held []string
}

// Pinned returns every name the caller must release once the list ran.
func (c *Compiled) Pinned() []string {
	out := make([]string, 0, len(c.Allocated)+len(c.Held))
	out = append(out, c.Allocated...)
	return append(out, c.Held...)
}

// Compile resolves the symbolic operands of steps against env, rewriting
// the steps in place, and inserts the creation and binding instructions
// symbolic targets need. On error nothing stays allocated.
func Compile(ctx context.Context, env Environment, steps []Instruction) (*Compiled, error) {
	c := &compiler{
		env:    env,
		graphs: make(map[string]string),
		metas:  make(map[string]string),
		preds:  make(map[string]*Predicate),
		temps:  make(map[string]string),
	}
	out, err := c.compile(ctx, steps)
	if err != nil {
		env.Release(c.allocated...)
		env.Release(c.held...)
		return nil, err
	}
	return &Compiled{Instructions: out, Allocated: c.allocated, Held: c.held}, nil
}

// erased marks a symbol unbound earlier in the same program.
const erased = ""

type compiler struct {
	env       Environment
	graphs    map[string]string
	metas     map[string]string
	preds     map[string]*Predicate
	temps     map[string]string
	allocated []string
	held      []string
}

func (c *compiler) compile(ctx context.Context, steps []Instruction) ([]Instruction, error) {
	var out []Instruction
	for idx, ins := range steps {
		if ins == nil {
			return nil, qerr.Invalid("compile", "step %d is nil", idx)
		}
		var pre, post []Instruction
		pendingGraphs := make(map[string]string)
		pendingMetas := make(map[string]string)

		for _, op := range ins.operands() {
			var err error
			switch {
			case op.graph != nil:
				err = c.graphOperand(ctx, ins, op, &pre, &post, pendingGraphs)
			case op.meta != nil:
				err = c.metaOperand(ctx, ins, op, &pre, &post, pendingMetas)
			}
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", idx, err)
			}
		}
		if err := c.predicates(ins); err != nil {
			return nil, fmt.Errorf("step %d: %w", idx, err)
		}

		switch s := ins.(type) {
		case *BindGraph:
			pendingGraphs[s.Name] = string(s.Graph)
		case *BindMetadata:
			pendingMetas[s.Name] = string(s.Metadata)
		case *BindPredicate:
			c.preds[s.Name] = s.Predicate
		case *EraseSymbols:
			for _, name := range s.Names {
				if ns, ok := symbols.NamespaceOf(name); ok {
					switch ns {
					case symbols.Graphs:
						c.graphs[name] = erased
					case symbols.Metadata:
						c.metas[name] = erased
					case symbols.Predicates:
						c.preds[name] = nil
					}
				}
			}
		}
		for k, v := range pendingGraphs {
			c.graphs[k] = v
		}
		for k, v := range pendingMetas {
			c.metas[k] = v
		}

		out = append(out, pre...)
		out = append(out, ins)
		out = append(out, post...)
	}
	return out, nil
}

func (c *compiler) graphOperand(ctx context.Context, ins Instruction, op operand, pre, post *[]Instruction, pending map[string]string) error {
	name := string(*op.graph)
	kind := string(ins.Kind())
	_, creates := ins.(*CreateEmptyGraph)

	switch {
	case strings.HasPrefix(name, "$"):
		if !op.target {
			resolved, err := c.resolveGraph(kind, name)
			if err != nil {
				return err
			}
			*op.graph = Graph(resolved)
			return nil
		}
		if name == symbols.BaseSymbol {
			return qerr.Invalid(kind, "%s cannot be assigned", symbols.BaseSymbol)
		}
		fresh, err := c.allocate(ctx, symbols.Graphs)
		if err != nil {
			return err
		}
		if !creates {
			*pre = append(*pre, &CreateEmptyGraph{Target: Graph(fresh)})
		}
		*post = append(*post, &BindGraph{Name: name, Graph: Graph(fresh)})
		pending[name] = fresh
		*op.graph = Graph(fresh)
		return nil

	case strings.HasPrefix(name, "#"):
		if internal, ok := c.temps[name]; ok {
			*op.graph = Graph(internal)
			return nil
		}
		if !op.target {
			return qerr.Unknown(kind, name)
		}
		fresh, err := c.allocate(ctx, symbols.Graphs)
		if err != nil {
			return err
		}
		if !creates {
			*pre = append(*pre, &CreateEmptyGraph{Target: Graph(fresh)})
		}
		c.temps[name] = fresh
		*op.graph = Graph(fresh)
		return nil
	}

	if name == c.env.BaseGraph() {
		if op.target {
			return qerr.Invalid(kind, "the base graph cannot be a target")
		}
		return nil
	}
	if !membership.IsInternalName(name) || !strings.HasPrefix(name, membership.GraphPrefix) {
		return qerr.Invalid(kind, "%q is neither a symbol nor a graph name", name)
	}
	return nil
}

func (c *compiler) metaOperand(ctx context.Context, ins Instruction, op operand, pre, post *[]Instruction, pending map[string]string) error {
	name := string(*op.meta)
	kind := string(ins.Kind())
	_, creates := ins.(*CreateEmptyGraphMetadata)

	switch {
	case strings.HasPrefix(name, "@"):
		if !op.target {
			resolved, err := c.resolveMeta(kind, name)
			if err != nil {
				return err
			}
			*op.meta = Metadata(resolved)
			return nil
		}
		fresh, err := c.allocate(ctx, symbols.Metadata)
		if err != nil {
			return err
		}
		if !creates {
			*pre = append(*pre, &CreateEmptyGraphMetadata{Target: Metadata(fresh)})
		}
		*post = append(*post, &BindMetadata{Name: name, Metadata: Metadata(fresh)})
		pending[name] = fresh
		*op.meta = Metadata(fresh)
		return nil

	case strings.HasPrefix(name, "#"):
		if internal, ok := c.temps[name]; ok {
			*op.meta = Metadata(internal)
			return nil
		}
		if !op.target {
			return qerr.Unknown(kind, name)
		}
		fresh, err := c.allocate(ctx, symbols.Metadata)
		if err != nil {
			return err
		}
		if !creates {
			*pre = append(*pre, &CreateEmptyGraphMetadata{Target: Metadata(fresh)})
		}
		c.temps[name] = fresh
		*op.meta = Metadata(fresh)
		return nil
	}

	if !membership.IsInternalName(name) || !strings.HasPrefix(name, membership.MetadataPrefix) {
		return qerr.Invalid(kind, "%q is neither a symbol nor a metadata name", name)
	}
	return nil
}

func (c *compiler) resolveGraph(kind, name string) (string, error) {
	if v, ok := c.graphs[name]; ok {
		if v == erased {
			return "", qerr.Unknown(kind, name)
		}
		return v, nil
	}
	if v, ok := c.env.Hold(symbols.Graphs, name); ok {
		c.hold(name, v)
		return v, nil
	}
	return "", qerr.Unknown(kind, name)
}

func (c *compiler) resolveMeta(kind, name string) (string, error) {
	if v, ok := c.metas[name]; ok {
		if v == erased {
			return "", qerr.Unknown(kind, name)
		}
		return v, nil
	}
	if v, ok := c.env.Hold(symbols.Metadata, name); ok {
		c.hold(name, v)
		return v, nil
	}
	return "", qerr.Unknown(kind, name)
}

// hold records a name pinned by Hold. The base graph is never pinned.
func (c *compiler) hold(user, internal string) {
	if user == symbols.BaseSymbol {
		return
	}
	c.held = append(c.held, internal)
}

func (c *compiler) allocate(ctx context.Context, ns symbols.Namespace) (string, error) {
	var (
		name string
		err  error
	)
	if ns == symbols.Metadata {
		name, err = c.env.AllocateMetadata(ctx)
	} else {
		name, err = c.env.AllocateGraph(ctx)
	}
	if err != nil {
		return "", err
	}
	c.allocated = append(c.allocated, name)
	return name, nil
}

// predicates replaces every predicate reference of ins with the predicate
// it names.
func (c *compiler) predicates(ins Instruction) error {
	var p **Predicate
	switch s := ins.(type) {
	case *GetVertex:
		p = &s.Predicate
	case *GetEdge:
		p = &s.Predicate
	case *BindPredicate:
		p = &s.Predicate
	default:
		return nil
	}
	resolved, err := c.resolvePredicate(string(ins.Kind()), *p, 0)
	if err != nil {
		return err
	}
	*p = resolved
	return nil
}

// maxPredicateDepth bounds reference chains so a cycle of bindings fails
// instead of recursing forever.
const maxPredicateDepth = 32

func (c *compiler) resolvePredicate(kind string, p *Predicate, depth int) (*Predicate, error) {
	if p == nil {
		return nil, nil
	}
	if depth > maxPredicateDepth {
		return nil, qerr.Invalid(kind, "predicate references nest too deeply")
	}
	if p.Ref != "" {
		bound, err := c.lookupPredicate(kind, p.Ref)
		if err != nil {
			return nil, err
		}
		return c.resolvePredicate(kind, bound, depth+1)
	}

	out := *p
	out.All = nil
	out.Any = nil
	for _, sub := range p.All {
		r, err := c.resolvePredicate(kind, sub, depth+1)
		if err != nil {
			return nil, err
		}
		out.All = append(out.All, r)
	}
	for _, sub := range p.Any {
		r, err := c.resolvePredicate(kind, sub, depth+1)
		if err != nil {
			return nil, err
		}
		out.Any = append(out.Any, r)
	}
	if p.Not != nil {
		r, err := c.resolvePredicate(kind, p.Not, depth+1)
		if err != nil {
			return nil, err
		}
		out.Not = r
	}
	return &out, nil
}

func (c *compiler) lookupPredicate(kind, name string) (*Predicate, error) {
	if p, ok := c.preds[name]; ok {
		if p == nil {
			return nil, qerr.Unknown(kind, name)
		}
		return p, nil
	}
	text, ok := c.env.Lookup(symbols.Predicates, name)
	if !ok {
		return nil, qerr.Unknown(kind, name)
	}
	p, err := ParsePredicate(text)
	if err != nil {
		return nil, qerr.Corrupt(kind, "predicate %s: %v", name, err)
	}
	return p, nil
}
