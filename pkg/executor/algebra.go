package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/orneryd/provgraph/pkg/backend"
	"github.com/orneryd/provgraph/pkg/convert"
	"github.com/orneryd/provgraph/pkg/instruction"
	"github.com/orneryd/provgraph/pkg/membership"
	"github.com/orneryd/provgraph/pkg/storage"
)

// ============================================================================
// Construction and filtering
// ============================================================================

// CreateEmptyGraph drops every vertex tag, then every edge entry, of the
// target. Running it twice is the same as running it once.
func (x *StoreExecutor) CreateEmptyGraph(ctx context.Context, ins *instruction.CreateEmptyGraph) error {
	name := string(ins.Target)
	return x.apply(ctx, string(ins.Kind()),
		x.scheme.UntagVerticesStatement(name),
		x.scheme.UntagEdgesStatement(name),
	)
}

// InsertLiteralVertex tags the named base graph vertices. Unknown hashes
// are skipped.
func (x *StoreExecutor) InsertLiteralVertex(ctx context.Context, ins *instruction.InsertLiteralVertex) error {
	if len(ins.Hashes) == 0 {
		return nil
	}
	target := string(ins.Target)
	return x.apply(ctx, string(ins.Kind()), func(_ context.Context, g storage.Engine) error {
		for _, h := range ins.Hashes {
			n, err := g.GetNode(storage.NodeID(h))
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if !x.scheme.HasVertex(n, x.scheme.BaseGraph()) {
				continue
			}
			if err := x.scheme.AddVertex(g, n, target); err != nil {
				return err
			}
		}
		return nil
	})
}

// InsertLiteralEdge tags the named edges. Unknown hashes are skipped.
func (x *StoreExecutor) InsertLiteralEdge(ctx context.Context, ins *instruction.InsertLiteralEdge) error {
	if len(ins.Hashes) == 0 {
		return nil
	}
	target := string(ins.Target)
	return x.apply(ctx, string(ins.Kind()), func(_ context.Context, g storage.Engine) error {
		for _, h := range ins.Hashes {
			e, err := g.GetEdge(storage.EdgeID(h))
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := x.scheme.AddEdge(g, e, target); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetVertex tags the subject vertices accepted by the predicate.
func (x *StoreExecutor) GetVertex(ctx context.Context, ins *instruction.GetVertex) error {
	match, err := ins.Predicate.Matcher()
	if err != nil {
		return err
	}
	return x.apply(ctx, string(ins.Kind()), x.scheme.TagVertexStatement(
		string(ins.Target), string(ins.Subject),
		func(n *storage.Node) bool { return match(n.Properties) },
	))
}

// GetEdge tags the subject edges accepted by the predicate. The membership
// list is invisible to the predicate.
func (x *StoreExecutor) GetEdge(ctx context.Context, ins *instruction.GetEdge) error {
	match, err := ins.Predicate.Matcher()
	if err != nil {
		return err
	}
	return x.apply(ctx, string(ins.Kind()), x.scheme.TagEdgeStatement(
		string(ins.Target), string(ins.Subject),
		func(e *storage.Edge) bool { return match(membership.Annotations(e)) },
	))
}

// GetEdgeEndpoint tags the parent (source), child (destination) or both
// endpoints of every subject edge.
func (x *StoreExecutor) GetEdgeEndpoint(ctx context.Context, ins *instruction.GetEdgeEndpoint) error {
	target := string(ins.Target)
	return x.apply(ctx, string(ins.Kind()), func(_ context.Context, g storage.Engine) error {
		edges, err := x.scheme.Edges(g, string(ins.Subject))
		if err != nil {
			return err
		}
		for _, e := range edges {
			var ends []storage.NodeID
			if ins.Component != instruction.EndpointDestination {
				ends = append(ends, e.StartNode)
			}
			if ins.Component != instruction.EndpointSource {
				ends = append(ends, e.EndNode)
			}
			for _, id := range ends {
				if err := x.scheme.AddVertexID(g, id, target); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ============================================================================
// Set algebra
// ============================================================================

// UnionGraph adds the vertices, then the edges, of the source.
func (x *StoreExecutor) UnionGraph(ctx context.Context, ins *instruction.UnionGraph) error {
	return x.copyGraph(ctx, string(ins.Kind()), string(ins.Target), string(ins.Source))
}

// DistinctifyGraph is a union into the target.
func (x *StoreExecutor) DistinctifyGraph(ctx context.Context, ins *instruction.DistinctifyGraph) error {
	return x.copyGraph(ctx, string(ins.Kind()), string(ins.Target), string(ins.Source))
}

func (x *StoreExecutor) copyGraph(ctx context.Context, op, target, source string) error {
	return x.apply(ctx, op,
		x.scheme.TagVertexStatement(target, source, nil),
		x.scheme.TagEdgeStatement(target, source, nil),
	)
}

// IntersectGraph tags the elements present in both operands. A base graph
// operand selects everything, so the result is the other operand.
func (x *StoreExecutor) IntersectGraph(ctx context.Context, ins *instruction.IntersectGraph) error {
	target, lhs, rhs := string(ins.Target), string(ins.LHS), string(ins.RHS)
	op := string(ins.Kind())
	switch {
	case x.scheme.IsBaseGraph(lhs):
		return x.copyGraph(ctx, op, target, rhs)
	case x.scheme.IsBaseGraph(rhs):
		return x.copyGraph(ctx, op, target, lhs)
	}
	return x.apply(ctx, op,
		x.scheme.TagVertexStatement(target, lhs, func(n *storage.Node) bool {
			return x.scheme.HasVertex(n, rhs)
		}),
		x.scheme.TagEdgeStatement(target, lhs, func(e *storage.Edge) bool {
			return x.scheme.HasEdge(e, rhs)
		}),
	)
}

// SubtractGraph tags the minuend elements absent from the subtrahend.
//
// Membership in the base graph has no tag to test against, so a base
// operand on either side yields an empty result. When edges and vertices
// are both subtracted, an edge survives only if both of its endpoints do.
func (x *StoreExecutor) SubtractGraph(ctx context.Context, ins *instruction.SubtractGraph) error {
	target, minuend, subtrahend := string(ins.Target), string(ins.Minuend), string(ins.Subtrahend)
	if x.scheme.IsBaseGraph(minuend) || x.scheme.IsBaseGraph(subtrahend) {
		x.log.WithField("target", target).Debug("subtraction with the base graph is empty")
		return nil
	}

	survives := func(n *storage.Node) bool {
		return x.scheme.HasVertex(n, minuend) && !x.scheme.HasVertex(n, subtrahend)
	}

	var stmts []backend.Statement
	if ins.Component.Vertices() {
		stmts = append(stmts, x.scheme.TagVertexStatement(target, minuend, survives))
	}
	if ins.Component.Edges() {
		checkEnds := ins.Component.Vertices()
		stmts = append(stmts, func(_ context.Context, g storage.Engine) error {
			edges, err := x.scheme.Edges(g, minuend)
			if err != nil {
				return err
			}
			for _, e := range edges {
				if x.scheme.HasEdge(e, subtrahend) {
					continue
				}
				if checkEnds {
					ok, err := endpointsSatisfy(g, e, survives)
					if err != nil {
						return err
					}
					if !ok {
						continue
					}
				}
				if err := x.scheme.AddEdge(g, e, target); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return x.apply(ctx, string(ins.Kind()), stmts...)
}

func endpointsSatisfy(g storage.Engine, e *storage.Edge, pred func(*storage.Node) bool) (bool, error) {
	for _, id := range []storage.NodeID{e.StartNode, e.EndNode} {
		n, err := g.GetNode(id)
		if err != nil {
			return false, err
		}
		if !pred(n) {
			return false, nil
		}
	}
	return true, nil
}

// LimitGraph tags the first N vertices and the first N edges of the source
// in insertion order.
func (x *StoreExecutor) LimitGraph(ctx context.Context, ins *instruction.LimitGraph) error {
	target, source := string(ins.Target), string(ins.Source)
	return x.apply(ctx, string(ins.Kind()),
		func(_ context.Context, g storage.Engine) error {
			nodes, err := x.scheme.Vertices(g, source)
			if err != nil {
				return err
			}
			for i, n := range nodes {
				if i >= ins.Limit {
					break
				}
				if err := x.scheme.AddVertex(g, n, target); err != nil {
					return err
				}
			}
			return nil
		},
		func(_ context.Context, g storage.Engine) error {
			edges, err := x.scheme.Edges(g, source)
			if err != nil {
				return err
			}
			for i, e := range edges {
				if i >= ins.Limit {
					break
				}
				if err := x.scheme.AddEdge(g, e, target); err != nil {
					return err
				}
			}
			return nil
		},
	)
}

// CollapseEdge copies the source vertices, then tags one representative
// per group of parallel edges: the earliest inserted one.
func (x *StoreExecutor) CollapseEdge(ctx context.Context, ins *instruction.CollapseEdge) error {
	target, source := string(ins.Target), string(ins.Source)
	return x.apply(ctx, string(ins.Kind()),
		x.scheme.TagVertexStatement(target, source, nil),
		func(_ context.Context, g storage.Engine) error {
			edges, err := x.scheme.Edges(g, source)
			if err != nil {
				return err
			}
			seen := make(map[string]struct{}, len(edges))
			for _, e := range edges {
				key := collapseKey(e, ins.Fields)
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				if err := x.scheme.AddEdge(g, e, target); err != nil {
					return err
				}
			}
			return nil
		},
	)
}

// collapseKey identifies the group of e. Missing fields are distinct from
// any present value.
func collapseKey(e *storage.Edge, fields []string) string {
	parts := make([]string, 0, len(fields)+2)
	parts = append(parts, string(e.StartNode), string(e.EndNode))
	for _, f := range fields {
		if v, ok := e.Properties[f]; ok {
			parts = append(parts, "="+valueString(v))
		} else {
			parts = append(parts, "!")
		}
	}
	return fmt.Sprintf("%q", parts)
}

// ============================================================================
// Annotation filters
// ============================================================================

// GetWhereAnnotationsExist tags the subject vertices carrying every key.
func (x *StoreExecutor) GetWhereAnnotationsExist(ctx context.Context, ins *instruction.GetWhereAnnotationsExist) error {
	return x.apply(ctx, string(ins.Kind()), x.scheme.TagVertexStatement(
		string(ins.Target), string(ins.Subject),
		func(n *storage.Node) bool { return hasKeys(n.Properties, ins.Keys) },
	))
}

// GetMatch tags the vertices of either operand that have a partner on the
// other side with equal values for every key. A vertex lacking a key never
// matches; with no keys every pair matches.
func (x *StoreExecutor) GetMatch(ctx context.Context, ins *instruction.GetMatch) error {
	target, lhs, rhs := string(ins.Target), string(ins.LHS), string(ins.RHS)
	return x.apply(ctx, string(ins.Kind()), func(_ context.Context, g storage.Engine) error {
		left, err := x.scheme.Vertices(g, lhs)
		if err != nil {
			return err
		}
		right, err := x.scheme.Vertices(g, rhs)
		if err != nil {
			return err
		}
		leftKeys := matchKeys(left, ins.Keys)
		rightKeys := matchKeys(right, ins.Keys)

		var tagged []*storage.Node
		for _, side := range []struct {
			nodes   []*storage.Node
			keys    map[storage.NodeID]string
			partner map[storage.NodeID]string
		}{
			{left, leftKeys, rightKeys},
			{right, rightKeys, leftKeys},
		} {
			values := make(map[string]struct{}, len(side.partner))
			for _, v := range side.partner {
				values[v] = struct{}{}
			}
			for _, n := range side.nodes {
				key, ok := side.keys[n.ID]
				if !ok {
					continue
				}
				if _, ok := values[key]; ok {
					tagged = append(tagged, n)
				}
			}
		}
		for _, n := range tagged {
			if err := x.scheme.AddVertexID(g, n.ID, target); err != nil {
				return err
			}
		}
		return nil
	})
}

// matchKeys renders the compared values of every node that has all keys.
func matchKeys(nodes []*storage.Node, keys []string) map[storage.NodeID]string {
	out := make(map[storage.NodeID]string, len(nodes))
	for _, n := range nodes {
		if !hasKeys(n.Properties, keys) {
			continue
		}
		values := make([]string, len(keys))
		for i, k := range keys {
			values[i] = valueString(n.Properties[k])
		}
		out[n.ID] = fmt.Sprintf("%q", values)
	}
	return out
}

func hasKeys(props map[string]any, keys []string) bool {
	for _, k := range keys {
		if _, ok := props[k]; !ok {
			return false
		}
	}
	return true
}

func valueString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return strings.TrimSpace(convert.ToString(v))
}
