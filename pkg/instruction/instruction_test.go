package instruction

import (
	"testing"

	"github.com/orneryd/provgraph/pkg/qerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAcceptsWellFormed(t *testing.T) {
	list := []Instruction{
		&CreateEmptyGraph{Target: "graph_1"},
		&InsertLiteralVertex{Target: "graph_1"},
		&InsertLiteralEdge{Target: "graph_1", Hashes: []string{"e1"}},
		&GetEdgeEndpoint{Target: "graph_2", Subject: "graph_1", Component: EndpointBoth},
		&SubtractGraph{Target: "graph_3", Minuend: "graph_1", Subtrahend: "graph_2"},
		&SubtractGraph{Target: "graph_3", Minuend: "graph_1", Subtrahend: "graph_2", Component: ComponentEdge},
		&LimitGraph{Target: "graph_4", Source: "graph_1", Limit: 0},
		&GetLineage{Target: "graph_5", Subject: "provenance", Start: "graph_1", Direction: Both, Depth: 0},
		&GetPath{Target: "graph_6", Subject: "provenance", Source: "graph_1", Steps: []PathStep{{Graph: "graph_2", MaxDepth: 3}}},
		&DescribeGraph{Graph: "graph_1", ElementType: Vertex, All: true},
		&DescribeGraph{Graph: "graph_1", ElementType: Edge, Key: "op", Aggregate: AggregateMinMax, Limit: 5},
		&GraphStatistic{Graph: "graph_1", ElementType: Vertex, Statistic: StatCount},
		&GraphStatistic{Graph: "graph_1", ElementType: Vertex, Statistic: StatDistribution, Key: "size", Bins: 4},
		&EvaluateQuery{Query: "MATCH (n) RETURN count(n)"},
		&ListGraphs{},
		&EraseSymbols{Names: []string{"$g", "@m"}},
		&BindGraph{Name: "$g", Graph: "graph_1"},
		&SetGraphMetadata{Target: "meta_7", Source: "graph_1", Component: ComponentVertex, Name: "color"},
	}
	require.NoError(t, ValidateAll(list))
}

func TestValidateRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		ins  Instruction
	}{
		{"missing target", &CreateEmptyGraph{}},
		{"empty hash", &InsertLiteralVertex{Target: "graph_1", Hashes: []string{""}}},
		{"bad endpoint", &GetEdgeEndpoint{Target: "graph_2", Subject: "graph_1", Component: "middle"}},
		{"bad component", &SubtractGraph{Target: "graph_3", Minuend: "graph_1", Subtrahend: "graph_2", Component: "half"}},
		{"negative limit", &LimitGraph{Target: "graph_4", Source: "graph_1", Limit: -1}},
		{"negative depth", &GetLineage{Target: "graph_5", Subject: "provenance", Start: "graph_1", Direction: Ancestors, Depth: -1}},
		{"bad direction", &GetAdjacentVertex{Target: "graph_5", Subject: "provenance", Source: "graph_1", Direction: "sideways"}},
		{"negative path depth", &GetShortestPath{Target: "graph_6", Subject: "provenance", Source: "graph_1", Destination: "graph_2", MaxDepth: -2}},
		{"path without steps", &GetPath{Target: "graph_6", Subject: "provenance", Source: "graph_1"}},
		{"path step without graph", &GetPath{Target: "graph_6", Subject: "provenance", Source: "graph_1", Steps: []PathStep{{MaxDepth: 1}}}},
		{"describe nothing", &DescribeGraph{Graph: "graph_1", ElementType: Vertex}},
		{"describe both", &DescribeGraph{Graph: "graph_1", ElementType: Vertex, All: true, Key: "type"}},
		{"describe bad aggregate", &DescribeGraph{Graph: "graph_1", ElementType: Vertex, Key: "type", Aggregate: "SUM"}},
		{"describe bad element", &DescribeGraph{Graph: "graph_1", ElementType: "face", All: true}},
		{"statistic without key", &GraphStatistic{Graph: "graph_1", ElementType: Edge, Statistic: StatMean}},
		{"distribution without bins", &GraphStatistic{Graph: "graph_1", ElementType: Edge, Statistic: StatDistribution, Key: "size"}},
		{"empty query", &EvaluateQuery{}},
		{"erase nothing", &EraseSymbols{}},
		{"bind without sigil", &BindGraph{Name: "g", Graph: "graph_1"}},
		{"bind metadata sigil", &BindMetadata{Name: "$m", Metadata: "meta_1"}},
		{"bind nil predicate", &BindPredicate{Name: "%p"}},
		{"unresolved predicate", &GetVertex{Target: "graph_1", Subject: "provenance", Predicate: &Predicate{Ref: "%p"}}},
		{"bad predicate", &GetEdge{Target: "graph_1", Subject: "provenance", Predicate: &Predicate{Key: "x", Op: "~"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ins.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, qerr.ErrInvalidInstruction)
			assert.Equal(t, qerr.InvalidInstruction, qerr.CodeOf(err))
		})
	}
}

func TestValidateAllReportsPosition(t *testing.T) {
	err := ValidateAll([]Instruction{
		&ListGraphs{},
		&LimitGraph{Target: "graph_1", Source: "graph_2", Limit: -5},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instruction 1")
	assert.Contains(t, err.Error(), "limit")

	assert.ErrorIs(t, ValidateAll([]Instruction{nil}), qerr.ErrInvalidInstruction)
}

func TestEveryKindHasFactory(t *testing.T) {
	kinds := Kinds()
	assert.Len(t, kinds, 35)
	for _, k := range kinds {
		ins, err := New(k)
		require.NoError(t, err)
		assert.Equal(t, k, ins.Kind())
	}
}

func TestComponentHalves(t *testing.T) {
	assert.True(t, ComponentAll.Vertices())
	assert.True(t, ComponentAll.Edges())
	assert.True(t, ComponentVertex.Vertices())
	assert.False(t, ComponentVertex.Edges())
	assert.False(t, ComponentEdge.Vertices())
	assert.True(t, ComponentBoth.Edges())
}

func TestOperandsOf(t *testing.T) {
	ops := OperandsOf(&GetPath{
		Target:  "graph_9",
		Subject: "provenance",
		Source:  "graph_1",
		Steps:   []PathStep{{Graph: "graph_2"}, {Graph: "graph_3"}},
	})
	assert.Equal(t, []Graph{"graph_9"}, ops.Targets)
	assert.Equal(t, []Graph{"provenance", "graph_1", "graph_2", "graph_3"}, ops.Sources)
	assert.Empty(t, ops.MetaTargets)

	ops = OperandsOf(&SetGraphMetadata{Target: "meta_1", Source: "graph_1", Name: "k"})
	assert.Equal(t, []Metadata{"meta_1"}, ops.MetaTargets)
	assert.Equal(t, []Graph{"graph_1"}, ops.Sources)

	assert.Empty(t, OperandsOf(&ListGraphs{}).Sources)
}
