package executor

import (
	"github.com/orneryd/provgraph/pkg/backend"
	"github.com/orneryd/provgraph/pkg/cypher"
	"github.com/orneryd/provgraph/pkg/instruction"
)

// Result is the output of one instruction. Graph-producing instructions
// leave every field but Index and Kind empty.
type Result struct {
	Index       int               `json:"index"`
	Kind        instruction.Kind  `json:"op"`
	Export      *ExportedGraph    `json:"export,omitempty"`
	Description *GraphDescription `json:"description,omitempty"`
	Stats       *GraphStats       `json:"stats,omitempty"`
	Statistic   *Statistic        `json:"statistic,omitempty"`
	Table       *Table            `json:"table,omitempty"`
	Graphs      []GraphListing    `json:"graphs,omitempty"`
	Predicates  map[string]string `json:"predicates,omitempty"`
	Erased      []string          `json:"erased,omitempty"`
}

// Table is the {columns, rows} output of EvaluateQuery.
type Table = cypher.Result

// ExportedGraph is a materialized graph: vertex hash to annotations, and
// the edges ordered by hash.
type ExportedGraph struct {
	Vertices map[string]map[string]string `json:"vertices"`
	Edges    []backend.QueriedEdge        `json:"edges"`
}

// VertexHashes returns the vertex hashes of the export.
func (g *ExportedGraph) VertexHashes() []string {
	out := make([]string, 0, len(g.Vertices))
	for h := range g.Vertices {
		out = append(out, h)
	}
	return sortedStrings(out)
}

// EdgeHashes returns the edge hashes of the export in order.
func (g *ExportedGraph) EdgeHashes() []string {
	out := make([]string, 0, len(g.Edges))
	for _, e := range g.Edges {
		out = append(out, e.Hash)
	}
	return out
}

// GraphDescription is the output of DescribeGraph. Keys is set for "all";
// Histogram or Min/Max for a single key.
type GraphDescription struct {
	Graph       string                  `json:"graph"`
	ElementType instruction.ElementType `json:"element_type"`
	Keys        []string                `json:"keys,omitempty"`
	Key         string                  `json:"key,omitempty"`
	Histogram   []ValueCount            `json:"histogram,omitempty"`
	Min         string                  `json:"min,omitempty"`
	Max         string                  `json:"max,omitempty"`
}

// ValueCount is one histogram bucket.
type ValueCount struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// GraphStats holds the cardinality of a graph.
type GraphStats struct {
	Vertices int64 `json:"vertices"`
	Edges    int64 `json:"edges"`
}

// Statistic is the output of GraphStatistic. Only the fields of the
// requested kind are set.
type Statistic struct {
	Kind         instruction.StatisticKind `json:"kind"`
	Key          string                    `json:"key,omitempty"`
	Count        int64                     `json:"count"`
	Mean         float64                   `json:"mean,omitempty"`
	Std          float64                   `json:"std,omitempty"`
	Histogram    []ValueCount              `json:"histogram,omitempty"`
	Distribution []Bin                     `json:"distribution,omitempty"`
}

// Bin is one interval of a distribution. Low is inclusive; High is
// exclusive except for the last bin.
type Bin struct {
	Low   float64 `json:"low"`
	High  float64 `json:"high"`
	Count int64   `json:"count"`
}

// GraphListing describes one bound graph symbol.
type GraphListing struct {
	Name     string `json:"name"`
	Graph    string `json:"graph"`
	Vertices int64  `json:"vertices"`
	Edges    int64  `json:"edges"`
}
