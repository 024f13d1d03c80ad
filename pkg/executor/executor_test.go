package executor

import (
	"context"
	"testing"

	"github.com/orneryd/provgraph/pkg/backend"
	"github.com/orneryd/provgraph/pkg/instruction"
	"github.com/orneryd/provgraph/pkg/membership"
	"github.com/orneryd/provgraph/pkg/qerr"
	"github.com/orneryd/provgraph/pkg/storage"
	"github.com/orneryd/provgraph/pkg/symbols"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const base = "provenance"

func vertex(id string, props map[string]any) *storage.Node {
	return &storage.Node{ID: storage.NodeID(id), Labels: []string{base}, Properties: props}
}

func edge(id, parent, child string, props map[string]any) *storage.Edge {
	return &storage.Edge{
		ID:         storage.EdgeID(id),
		StartNode:  storage.NodeID(parent),
		EndNode:    storage.NodeID(child),
		Type:       "WasDerivedFrom",
		Properties: props,
	}
}

// diamond:
//
//	a -> b -> d -> e
//	a -> c -> d
//	x (isolated)
func diamond() ([]*storage.Node, []*storage.Edge) {
	return []*storage.Node{
			vertex("a", map[string]any{"type": "Artifact", "name": "a", "size": "1"}),
			vertex("b", map[string]any{"type": "Process", "name": "b", "size": "2"}),
			vertex("c", map[string]any{"type": "Process", "name": "c", "size": "3"}),
			vertex("d", map[string]any{"type": "Artifact", "name": "d", "size": "4"}),
			vertex("e", map[string]any{"type": "Artifact", "name": "e"}),
			vertex("x", map[string]any{"name": "x"}),
		}, []*storage.Edge{
			edge("ab", "a", "b", map[string]any{"op": "read"}),
			edge("ac", "a", "c", map[string]any{"op": "read"}),
			edge("bd", "b", "d", map[string]any{"op": "write"}),
			edge("cd", "c", "d", map[string]any{"op": "write"}),
			edge("de", "d", "e", map[string]any{"op": "read", "bytes": "10"}),
		}
}

func setupExecutor(t *testing.T, opts Options, nodes []*storage.Node, edges []*storage.Edge) *StoreExecutor {
	t.Helper()
	engine := storage.NewMemoryEngine()
	require.NoError(t, engine.BulkCreateNodes(nodes))
	require.NoError(t, engine.BulkCreateEdges(edges))

	store := backend.NewStore(engine)
	t.Cleanup(func() { store.Close() })

	env, err := symbols.Open(context.Background(), store, base)
	require.NoError(t, err)
	return New(membership.New(store, base), env, opts)
}

func setupDiamond(t *testing.T) *StoreExecutor {
	t.Helper()
	nodes, edges := diamond()
	return setupExecutor(t, Options{}, nodes, edges)
}

func seed(t *testing.T, x *StoreExecutor, graph string, ids ...string) {
	t.Helper()
	require.NoError(t, x.InsertLiteralVertex(context.Background(), &instruction.InsertLiteralVertex{
		Target: instruction.Graph(graph), Hashes: ids,
	}))
}

func export(t *testing.T, x *StoreExecutor, graph string) *ExportedGraph {
	t.Helper()
	g, err := x.ExportGraph(context.Background(), &instruction.ExportGraph{Graph: instruction.Graph(graph), Force: true})
	require.NoError(t, err)
	return g
}

func assertGraph(t *testing.T, x *StoreExecutor, graph string, vertices, edges []string) {
	t.Helper()
	g := export(t, x, graph)
	if vertices == nil {
		vertices = []string{}
	}
	if edges == nil {
		edges = []string{}
	}
	assert.Equal(t, vertices, g.VertexHashes(), "vertices of %s", graph)
	assert.Equal(t, edges, g.EdgeHashes(), "edges of %s", graph)
}

func TestLineage(t *testing.T) {
	ctx := context.Background()
	x := setupDiamond(t)
	seed(t, x, "graph_1", "d")

	lineage := func(target string, dir instruction.Direction, depth int) {
		require.NoError(t, x.GetLineage(ctx, &instruction.GetLineage{
			Target: instruction.Graph(target), Subject: base, Start: "graph_1",
			Direction: dir, Depth: depth,
		}))
	}

	lineage("graph_2", instruction.Ancestors, 0)
	assertGraph(t, x, "graph_2", []string{"d"}, nil)

	lineage("graph_3", instruction.Ancestors, 1)
	assertGraph(t, x, "graph_3", []string{"b", "c", "d"}, []string{"bd", "cd"})

	lineage("graph_4", instruction.Ancestors, 2)
	assertGraph(t, x, "graph_4", []string{"a", "b", "c", "d"}, []string{"ab", "ac", "bd", "cd"})

	lineage("graph_5", instruction.Both, 1)
	assertGraph(t, x, "graph_5", []string{"b", "c", "d", "e"}, []string{"bd", "cd", "de"})

	lineage("graph_6", instruction.Descendants, 9)
	assertGraph(t, x, "graph_6", []string{"d", "e"}, []string{"de"})

	t.Run("monotonic in depth", func(t *testing.T) {
		small := export(t, x, "graph_3")
		large := export(t, x, "graph_4")
		for h := range small.Vertices {
			assert.Contains(t, large.Vertices, h)
		}
		assert.Subset(t, large.EdgeHashes(), small.EdgeHashes())
	})

	t.Run("stays inside the subject", func(t *testing.T) {
		seed(t, x, "graph_7", "b", "d")
		require.NoError(t, x.GetLineage(ctx, &instruction.GetLineage{
			Target: "graph_8", Subject: "graph_7", Start: "graph_1",
			Direction: instruction.Ancestors, Depth: 3,
		}))
		// bd is not tagged into graph_7, so nothing is reachable.
		assertGraph(t, x, "graph_8", []string{"d"}, nil)
	})
}

func TestAdjacentVertex(t *testing.T) {
	ctx := context.Background()
	x := setupDiamond(t)
	seed(t, x, "graph_1", "d", "x")

	require.NoError(t, x.GetAdjacentVertex(ctx, &instruction.GetAdjacentVertex{
		Target: "graph_2", Subject: base, Source: "graph_1", Direction: instruction.Ancestors,
	}))
	assertGraph(t, x, "graph_2", []string{"b", "c", "d"}, []string{"bd", "cd"})

	require.NoError(t, x.GetAdjacentVertex(ctx, &instruction.GetAdjacentVertex{
		Target: "graph_3", Subject: base, Source: "graph_1", Direction: instruction.Descendants,
	}))
	assertGraph(t, x, "graph_3", []string{"d", "e"}, []string{"de"})
}

func TestPaths(t *testing.T) {
	ctx := context.Background()
	x := setupDiamond(t)
	seed(t, x, "graph_1", "a")
	seed(t, x, "graph_2", "d")
	seed(t, x, "graph_3", "e")
	seed(t, x, "graph_4", "b")

	t.Run("simple path", func(t *testing.T) {
		require.NoError(t, x.GetSimplePath(ctx, &instruction.GetSimplePath{
			Target: "graph_10", Subject: base, Source: "graph_1", Destination: "graph_2", MaxDepth: 2,
		}))
		assertGraph(t, x, "graph_10", []string{"a", "b", "c", "d"}, []string{"ab", "ac", "bd", "cd"})

		require.NoError(t, x.GetSimplePath(ctx, &instruction.GetSimplePath{
			Target: "graph_11", Subject: base, Source: "graph_1", Destination: "graph_2", MaxDepth: 1,
		}))
		assertGraph(t, x, "graph_11", nil, nil)
	})

	t.Run("link goes both ways", func(t *testing.T) {
		require.NoError(t, x.GetLink(ctx, &instruction.GetLink{
			Target: "graph_12", Subject: base, Source: "graph_3", Destination: "graph_4", MaxDepth: 2,
		}))
		assertGraph(t, x, "graph_12", []string{"b", "d", "e"}, []string{"bd", "de"})
	})

	t.Run("shortest path prefers the earliest edge", func(t *testing.T) {
		seed(t, x, "graph_5", "d", "e")
		require.NoError(t, x.GetShortestPath(ctx, &instruction.GetShortestPath{
			Target: "graph_13", Subject: base, Source: "graph_1", Destination: "graph_5", MaxDepth: 3,
		}))
		assertGraph(t, x, "graph_13", []string{"a", "b", "d", "e"}, []string{"ab", "bd", "de"})

		require.NoError(t, x.GetShortestPath(ctx, &instruction.GetShortestPath{
			Target: "graph_14", Subject: base, Source: "graph_1", Destination: "graph_3", MaxDepth: 2,
		}))
		assertGraph(t, x, "graph_14", nil, nil)
	})

	t.Run("chained path", func(t *testing.T) {
		require.NoError(t, x.GetPath(ctx, &instruction.GetPath{
			Target: "graph_15", Subject: base, Source: "graph_1",
			Steps: []instruction.PathStep{{Graph: "graph_2", MaxDepth: 2}, {Graph: "graph_3", MaxDepth: 1}},
		}))
		assertGraph(t, x, "graph_15", []string{"a", "b", "c", "d", "e"}, []string{"ab", "ac", "bd", "cd", "de"})

		require.NoError(t, x.GetPath(ctx, &instruction.GetPath{
			Target: "graph_16", Subject: base, Source: "graph_1",
			Steps: []instruction.PathStep{{Graph: "graph_2", MaxDepth: 2}, {Graph: "graph_4", MaxDepth: 3}},
		}))
		assertGraph(t, x, "graph_16", nil, nil)
	})

	t.Run("subgraph", func(t *testing.T) {
		require.NoError(t, x.GetSubgraph(ctx, &instruction.GetSubgraph{
			Target: "graph_17", Subject: base, Skeleton: "graph_4",
		}))
		assertGraph(t, x, "graph_17", []string{"a", "b", "d"}, []string{"ab", "bd"})
	})
}

func TestFilters(t *testing.T) {
	ctx := context.Background()
	x := setupDiamond(t)

	require.NoError(t, x.GetVertex(ctx, &instruction.GetVertex{
		Target: "graph_1", Subject: base,
		Predicate: &instruction.Predicate{Key: "type", Op: instruction.OpEqual, Value: "Process"},
	}))
	assertGraph(t, x, "graph_1", []string{"b", "c"}, nil)

	require.NoError(t, x.GetVertex(ctx, &instruction.GetVertex{
		Target: "graph_2", Subject: base,
		Predicate: &instruction.Predicate{Key: "size", Op: instruction.OpGreaterEqual, Value: "3"},
	}))
	assertGraph(t, x, "graph_2", []string{"c", "d"}, nil)

	require.NoError(t, x.GetEdge(ctx, &instruction.GetEdge{
		Target: "graph_3", Subject: base,
		Predicate: &instruction.Predicate{Key: "op", Op: instruction.OpEqual, Value: "write"},
	}))
	assertGraph(t, x, "graph_3", nil, []string{"bd", "cd"})

	require.NoError(t, x.GetEdge(ctx, &instruction.GetEdge{
		Target: "graph_4", Subject: "graph_3",
		Predicate: &instruction.Predicate{Key: membership.ListKey, Op: instruction.OpLike, Value: "%"},
	}))
	assertGraph(t, x, "graph_4", nil, nil)

	for target, component := range map[string]instruction.Endpoint{
		"graph_5": instruction.EndpointSource,
		"graph_6": instruction.EndpointDestination,
		"graph_7": instruction.EndpointBoth,
	} {
		require.NoError(t, x.GetEdgeEndpoint(ctx, &instruction.GetEdgeEndpoint{
			Target: instruction.Graph(target), Subject: "graph_3", Component: component,
		}))
	}
	assertGraph(t, x, "graph_5", []string{"b", "c"}, nil)
	assertGraph(t, x, "graph_6", []string{"d"}, nil)
	assertGraph(t, x, "graph_7", []string{"b", "c", "d"}, nil)

	require.NoError(t, x.GetWhereAnnotationsExist(ctx, &instruction.GetWhereAnnotationsExist{
		Target: "graph_8", Subject: base, Keys: []string{"size", "type"},
	}))
	assertGraph(t, x, "graph_8", []string{"a", "b", "c", "d"}, nil)

	t.Run("literals skip unknown hashes", func(t *testing.T) {
		seed(t, x, "graph_9", "a", "missing")
		require.NoError(t, x.InsertLiteralEdge(ctx, &instruction.InsertLiteralEdge{
			Target: "graph_9", Hashes: []string{"ab", "nope"},
		}))
		assertGraph(t, x, "graph_9", []string{"a"}, []string{"ab"})
	})
}

func TestMatch(t *testing.T) {
	ctx := context.Background()
	x := setupDiamond(t)
	seed(t, x, "graph_1", "a")
	seed(t, x, "graph_2", "c", "d", "x")

	require.NoError(t, x.GetMatch(ctx, &instruction.GetMatch{
		Target: "graph_3", LHS: "graph_1", RHS: "graph_2", Keys: []string{"type"},
	}))
	assertGraph(t, x, "graph_3", []string{"a", "d"}, nil)

	require.NoError(t, x.GetMatch(ctx, &instruction.GetMatch{
		Target: "graph_4", LHS: "graph_1", RHS: "graph_2",
	}))
	assertGraph(t, x, "graph_4", []string{"a", "c", "d", "x"}, nil)
}

func TestSetAlgebra(t *testing.T) {
	ctx := context.Background()
	x := setupDiamond(t)
	seed(t, x, "graph_90", "b")
	seed(t, x, "graph_91", "d")
	require.NoError(t, x.GetLineage(ctx, &instruction.GetLineage{
		Target: "graph_1", Subject: base, Start: "graph_90", Direction: instruction.Ancestors, Depth: 1,
	}))
	require.NoError(t, x.GetLineage(ctx, &instruction.GetLineage{
		Target: "graph_2", Subject: base, Start: "graph_91", Direction: instruction.Ancestors, Depth: 1,
	}))
	assertGraph(t, x, "graph_1", []string{"a", "b"}, []string{"ab"})
	assertGraph(t, x, "graph_2", []string{"b", "c", "d"}, []string{"bd", "cd"})

	t.Run("union is commutative", func(t *testing.T) {
		for _, u := range []*instruction.UnionGraph{
			{Target: "graph_3", Source: "graph_1"}, {Target: "graph_3", Source: "graph_2"},
			{Target: "graph_4", Source: "graph_2"}, {Target: "graph_4", Source: "graph_1"},
		} {
			require.NoError(t, x.UnionGraph(ctx, u))
		}
		assert.Equal(t, export(t, x, "graph_3"), export(t, x, "graph_4"))
		assertGraph(t, x, "graph_3", []string{"a", "b", "c", "d"}, []string{"ab", "bd", "cd"})
	})

	t.Run("intersect", func(t *testing.T) {
		require.NoError(t, x.IntersectGraph(ctx, &instruction.IntersectGraph{Target: "graph_5", LHS: "graph_1", RHS: "graph_2"}))
		assertGraph(t, x, "graph_5", []string{"b"}, nil)

		require.NoError(t, x.IntersectGraph(ctx, &instruction.IntersectGraph{Target: "graph_6", LHS: base, RHS: "graph_1"}))
		assertGraph(t, x, "graph_6", []string{"a", "b"}, []string{"ab"})
	})

	t.Run("intersect is commutative", func(t *testing.T) {
		require.NoError(t, x.IntersectGraph(ctx, &instruction.IntersectGraph{Target: "graph_20", LHS: "graph_1", RHS: "graph_2"}))
		require.NoError(t, x.IntersectGraph(ctx, &instruction.IntersectGraph{Target: "graph_21", LHS: "graph_2", RHS: "graph_1"}))
		assert.Equal(t, export(t, x, "graph_20"), export(t, x, "graph_21"))
		assertGraph(t, x, "graph_21", []string{"b"}, nil)
	})

	t.Run("empty graph is the identity of union", func(t *testing.T) {
		require.NoError(t, x.CreateEmptyGraph(ctx, &instruction.CreateEmptyGraph{Target: "graph_22"}))
		for _, u := range []*instruction.UnionGraph{
			{Target: "graph_23", Source: "graph_2"}, {Target: "graph_23", Source: "graph_22"},
			{Target: "graph_24", Source: "graph_22"}, {Target: "graph_24", Source: "graph_2"},
		} {
			require.NoError(t, x.UnionGraph(ctx, u))
		}
		assert.Equal(t, export(t, x, "graph_2"), export(t, x, "graph_23"))
		assert.Equal(t, export(t, x, "graph_2"), export(t, x, "graph_24"))
	})

	t.Run("intersect with an empty graph is empty", func(t *testing.T) {
		require.NoError(t, x.CreateEmptyGraph(ctx, &instruction.CreateEmptyGraph{Target: "graph_25"}))
		require.NoError(t, x.IntersectGraph(ctx, &instruction.IntersectGraph{Target: "graph_26", LHS: "graph_2", RHS: "graph_25"}))
		require.NoError(t, x.IntersectGraph(ctx, &instruction.IntersectGraph{Target: "graph_27", LHS: "graph_25", RHS: "graph_2"}))
		assertGraph(t, x, "graph_26", nil, nil)
		assertGraph(t, x, "graph_27", nil, nil)
	})

	t.Run("subtract", func(t *testing.T) {
		require.NoError(t, x.SubtractGraph(ctx, &instruction.SubtractGraph{Target: "graph_7", Minuend: "graph_2", Subtrahend: "graph_1"}))
		assertGraph(t, x, "graph_7", []string{"c", "d"}, []string{"cd"})

		require.NoError(t, x.SubtractGraph(ctx, &instruction.SubtractGraph{
			Target: "graph_8", Minuend: "graph_2", Subtrahend: "graph_1", Component: instruction.ComponentEdge,
		}))
		assertGraph(t, x, "graph_8", nil, []string{"bd", "cd"})

		require.NoError(t, x.SubtractGraph(ctx, &instruction.SubtractGraph{Target: "graph_9", Minuend: "graph_2", Subtrahend: "graph_2"}))
		assertGraph(t, x, "graph_9", nil, nil)

		require.NoError(t, x.SubtractGraph(ctx, &instruction.SubtractGraph{Target: "graph_10", Minuend: base, Subtrahend: "graph_1"}))
		assertGraph(t, x, "graph_10", nil, nil)
	})

	t.Run("create empty clears", func(t *testing.T) {
		require.NoError(t, x.CreateEmptyGraph(ctx, &instruction.CreateEmptyGraph{Target: "graph_3"}))
		require.NoError(t, x.CreateEmptyGraph(ctx, &instruction.CreateEmptyGraph{Target: "graph_3"}))
		assertGraph(t, x, "graph_3", nil, nil)
		assertGraph(t, x, "graph_4", []string{"a", "b", "c", "d"}, []string{"ab", "bd", "cd"})
	})

	t.Run("distinctify copies", func(t *testing.T) {
		require.NoError(t, x.DistinctifyGraph(ctx, &instruction.DistinctifyGraph{Target: "graph_11", Source: "graph_2"}))
		assert.Equal(t, export(t, x, "graph_2"), export(t, x, "graph_11"))
	})

	t.Run("limit", func(t *testing.T) {
		require.NoError(t, x.LimitGraph(ctx, &instruction.LimitGraph{Target: "graph_12", Source: base, Limit: 2}))
		assertGraph(t, x, "graph_12", []string{"a", "b"}, []string{"ab", "ac"})
	})
}

func TestCollapseEdge(t *testing.T) {
	ctx := context.Background()
	x := setupExecutor(t, Options{},
		[]*storage.Node{vertex("p", nil), vertex("q", nil)},
		[]*storage.Edge{
			edge("pq1", "p", "q", map[string]any{"op": "read"}),
			edge("pq2", "p", "q", map[string]any{"op": "read"}),
			edge("pq3", "p", "q", map[string]any{"op": "write"}),
			edge("pq4", "p", "q", nil),
		})

	require.NoError(t, x.CollapseEdge(ctx, &instruction.CollapseEdge{Target: "graph_1", Source: base, Fields: []string{"op"}}))
	assertGraph(t, x, "graph_1", []string{"p", "q"}, []string{"pq1", "pq3", "pq4"})

	require.NoError(t, x.CollapseEdge(ctx, &instruction.CollapseEdge{Target: "graph_2", Source: "graph_1", Fields: []string{"op"}}))
	assert.Equal(t, export(t, x, "graph_1"), export(t, x, "graph_2"), "collapse is idempotent")

	require.NoError(t, x.CollapseEdge(ctx, &instruction.CollapseEdge{Target: "graph_3", Source: base}))
	assertGraph(t, x, "graph_3", []string{"p", "q"}, []string{"pq1"})
}

func TestIntrospection(t *testing.T) {
	ctx := context.Background()
	x := setupDiamond(t)

	t.Run("describe", func(t *testing.T) {
		desc, err := x.DescribeGraph(ctx, &instruction.DescribeGraph{Graph: base, ElementType: instruction.Vertex, All: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"name", "size", "type"}, desc.Keys)

		desc, err = x.DescribeGraph(ctx, &instruction.DescribeGraph{Graph: base, ElementType: instruction.Edge, All: true, Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"bytes"}, desc.Keys)

		desc, err = x.DescribeGraph(ctx, &instruction.DescribeGraph{
			Graph: base, ElementType: instruction.Vertex, Key: "type", Aggregate: instruction.AggregateCount,
		})
		require.NoError(t, err)
		assert.Equal(t, []ValueCount{{"Artifact", 3}, {"Process", 2}}, desc.Histogram)

		desc, err = x.DescribeGraph(ctx, &instruction.DescribeGraph{
			Graph: base, ElementType: instruction.Vertex, Key: "size", Aggregate: instruction.AggregateMinMax,
		})
		require.NoError(t, err)
		assert.Equal(t, "1", desc.Min)
		assert.Equal(t, "4", desc.Max)
	})

	t.Run("stat", func(t *testing.T) {
		stats, err := x.StatGraph(ctx, &instruction.StatGraph{Graph: base})
		require.NoError(t, err)
		assert.Equal(t, &GraphStats{Vertices: 6, Edges: 5}, stats)

		stats, err = x.StatGraph(ctx, &instruction.StatGraph{Graph: "graph_1"})
		require.NoError(t, err)
		assert.Equal(t, &GraphStats{}, stats)
	})

	t.Run("statistics", func(t *testing.T) {
		stat := func(kind instruction.StatisticKind, key string, bins int) *Statistic {
			s, err := x.GraphStatistic(ctx, &instruction.GraphStatistic{
				Graph: base, ElementType: instruction.Vertex, Statistic: kind, Key: key, Bins: bins,
			})
			require.NoError(t, err)
			return s
		}

		assert.Equal(t, int64(6), stat(instruction.StatCount, "", 0).Count)
		assert.Equal(t, int64(4), stat(instruction.StatCount, "size", 0).Count)
		assert.InDelta(t, 2.5, stat(instruction.StatMean, "size", 0).Mean, 1e-9)
		assert.InDelta(t, 1.2909944, stat(instruction.StatStd, "size", 0).Std, 1e-6)
		assert.Equal(t, []ValueCount{{"Artifact", 3}, {"Process", 2}}, stat(instruction.StatHistogram, "type", 0).Histogram)
		assert.Equal(t, []Bin{{1, 2, 1}, {2, 3, 1}, {3, 4, 2}}, stat(instruction.StatDistribution, "size", 3).Distribution)

		_, err := x.GraphStatistic(ctx, &instruction.GraphStatistic{
			Graph: base, ElementType: instruction.Vertex, Statistic: instruction.StatMean, Key: "name",
		})
		assert.ErrorIs(t, err, qerr.ErrInvalidInstruction)
	})

	t.Run("evaluate", func(t *testing.T) {
		table, err := x.EvaluateQuery(ctx, &instruction.EvaluateQuery{
			Query: "MATCH (n:provenance) WHERE n.type = 'Process' RETURN n.name ORDER BY n.name",
		})
		require.NoError(t, err)
		assert.Equal(t, [][]any{{"b"}, {"c"}}, table.Rows)

		_, err = x.EvaluateQuery(ctx, &instruction.EvaluateQuery{Query: "MATCH (n RETURN n"})
		assert.ErrorIs(t, err, qerr.ErrBackendFailure)
	})
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	nodes, edges := diamond()
	x := setupExecutor(t, Options{ExportLimit: 3}, nodes, edges)

	_, err := x.ExportGraph(ctx, &instruction.ExportGraph{Graph: base})
	assert.ErrorIs(t, err, qerr.ErrInvalidInstruction)

	all := export(t, x, base)
	require.Len(t, all.Vertices, 6)
	require.Len(t, all.Edges, 5)
	assert.Equal(t, map[string]string{"type": "Artifact", "name": "a", "size": "1"}, all.Vertices["a"])

	t.Run("round trip", func(t *testing.T) {
		seed(t, x, "graph_1", all.VertexHashes()...)
		require.NoError(t, x.InsertLiteralEdge(ctx, &instruction.InsertLiteralEdge{Target: "graph_1", Hashes: all.EdgeHashes()}))
		again := export(t, x, "graph_1")
		assert.Equal(t, all, again)
		for _, e := range again.Edges {
			assert.NotContains(t, e.Annotations, membership.ListKey)
		}
	})

	de := all.Edges[len(all.Edges)-1]
	assert.Equal(t, "de", de.Hash)
	assert.Equal(t, "d", de.ParentHash)
	assert.Equal(t, "e", de.ChildHash)
}

func TestSymbolInstructions(t *testing.T) {
	ctx := context.Background()
	x := setupDiamond(t)
	seed(t, x, "graph_1", "a", "b")

	require.NoError(t, x.BindGraph(ctx, &instruction.BindGraph{Name: "$g", Graph: "graph_1"}))
	pred := &instruction.Predicate{Key: "type", Op: instruction.OpEqual, Value: "Process"}
	require.NoError(t, x.BindPredicate(ctx, &instruction.BindPredicate{Name: "%proc", Predicate: pred}))
	require.NoError(t, x.BindMetadata(ctx, &instruction.BindMetadata{Name: "@m", Metadata: "meta_2"}))

	graphs, err := x.ListGraphs(ctx, &instruction.ListGraphs{})
	require.NoError(t, err)
	assert.Equal(t, []GraphListing{
		{Name: "$base", Graph: base, Vertices: 6, Edges: 5},
		{Name: "$g", Graph: "graph_1", Vertices: 2},
	}, graphs)

	preds, err := x.ListPredicates(ctx, &instruction.ListPredicates{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"%proc": pred.String()}, preds)

	erased, err := x.EraseSymbols(ctx, &instruction.EraseSymbols{Names: []string{"$g", "$missing", "%proc", "@m"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"$g", "%proc", "@m"}, erased)

	_, ok := x.Environment().Lookup(symbols.Graphs, "$g")
	assert.False(t, ok)
}

func TestMetadata(t *testing.T) {
	ctx := context.Background()
	x := setupDiamond(t)

	md, err := x.ReadMetadata(ctx, "meta_1")
	require.NoError(t, err)
	assert.Empty(t, md.Vertex)

	set := func(target, name, value string, component instruction.Component) {
		require.NoError(t, x.SetGraphMetadata(ctx, &instruction.SetGraphMetadata{
			Target: instruction.Metadata(target), Source: "graph_1", Component: component, Name: name, Value: value,
		}))
	}
	set("meta_1", "color", "red", instruction.ComponentVertex)
	set("meta_1", "weight", "3", instruction.ComponentEdge)
	set("meta_2", "color", "blue", instruction.ComponentAll)

	md, err = x.ReadMetadata(ctx, "meta_1")
	require.NoError(t, err)
	assert.Equal(t, &GraphMetadata{
		Name: "meta_1", Graph: "graph_1",
		Vertex: map[string]string{"color": "red"},
		Edge:   map[string]string{"weight": "3"},
	}, md)

	require.NoError(t, x.OverwriteGraphMetadata(ctx, &instruction.OverwriteGraphMetadata{
		Target: "meta_3", LHS: "meta_1", RHS: "meta_2",
	}))
	md, err = x.ReadMetadata(ctx, "meta_3")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"color": "blue"}, md.Vertex)
	assert.Equal(t, map[string]string{"color": "blue", "weight": "3"}, md.Edge)

	require.NoError(t, x.CreateEmptyGraphMetadata(ctx, &instruction.CreateEmptyGraphMetadata{Target: "meta_3"}))
	md, err = x.ReadMetadata(ctx, "meta_3")
	require.NoError(t, err)
	assert.Equal(t, newGraphMetadata("meta_3"), md)

	stats, err := x.StatGraph(ctx, &instruction.StatGraph{Graph: base})
	require.NoError(t, err)
	assert.Equal(t, int64(6), stats.Vertices, "metadata vertices are not provenance")

	name, ok := MetadataName(MetadataID("meta_3"))
	assert.True(t, ok)
	assert.Equal(t, "meta_3", name)
}
