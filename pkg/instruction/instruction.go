// Package instruction defines the graph algebra executed by the query engine.
//
// An instruction is one typed operation over named graphs: create, filter,
// set algebra, bounded traversal, collapse, introspection or export. The set
// is closed: every instruction type lives in this package and the executor
// dispatches on the concrete type.
//
// Graph operands are internal graph names ("graph_12", or the base label).
// Lists produced by Compile have every user symbol resolved already; lists
// handed directly to the executor must satisfy the same rule.
//
// # Validation
//
// Validate checks an instruction without touching the store: required
// operands, closed sets (directions, components, element types), and
// non-negative depths and limits. An executor validates a whole list before
// running the first instruction, so a malformed list never partially runs.
//
// Example:
//
//	list := []instruction.Instruction{
//		&instruction.CreateEmptyGraph{Target: "graph_3"},
//		&instruction.GetLineage{
//			Target:    "graph_3",
//			Subject:   "provenance",
//			Start:     "graph_2",
//			Direction: instruction.Ancestors,
//			Depth:     2,
//		},
//	}
package instruction

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/orneryd/provgraph/pkg/qerr"
)

// Kind names an instruction type. It is also the "op" value of a step in a
// serialized program.
type Kind string

const (
	KindCreateEmptyGraph         Kind = "create_empty_graph"
	KindInsertLiteralVertex      Kind = "insert_literal_vertex"
	KindInsertLiteralEdge        Kind = "insert_literal_edge"
	KindGetVertex                Kind = "get_vertex"
	KindGetEdge                  Kind = "get_edge"
	KindGetEdgeEndpoint          Kind = "get_edge_endpoint"
	KindUnionGraph               Kind = "union_graph"
	KindIntersectGraph           Kind = "intersect_graph"
	KindSubtractGraph            Kind = "subtract_graph"
	KindLimitGraph               Kind = "limit_graph"
	KindCollapseEdge             Kind = "collapse_edge"
	KindDistinctifyGraph         Kind = "distinctify_graph"
	KindGetAdjacentVertex        Kind = "get_adjacent_vertex"
	KindGetLineage               Kind = "get_lineage"
	KindGetSimplePath            Kind = "get_simple_path"
	KindGetLink                  Kind = "get_link"
	KindGetShortestPath          Kind = "get_shortest_path"
	KindGetPath                  Kind = "get_path"
	KindGetSubgraph              Kind = "get_subgraph"
	KindGetWhereAnnotationsExist Kind = "get_where_annotations_exist"
	KindGetMatch                 Kind = "get_match"
	KindDescribeGraph            Kind = "describe_graph"
	KindStatGraph                Kind = "stat_graph"
	KindGraphStatistic           Kind = "graph_statistic"
	KindExportGraph              Kind = "export_graph"
	KindEvaluateQuery            Kind = "evaluate_query"
	KindListGraphs               Kind = "list_graphs"
	KindListPredicates           Kind = "list_predicates"
	KindEraseSymbols             Kind = "erase_symbols"
	KindBindGraph                Kind = "bind_graph"
	KindBindMetadata             Kind = "bind_metadata"
	KindBindPredicate            Kind = "bind_predicate"
	KindCreateEmptyMetadata      Kind = "create_empty_graph_metadata"
	KindSetGraphMetadata         Kind = "set_graph_metadata"
	KindOverwriteGraphMetadata   Kind = "overwrite_graph_metadata"
)

// Graph is the internal name of a graph operand.
type Graph string

// Metadata is the internal name of a metadata bundle operand.
type Metadata string

// Direction selects which edges a traversal follows. Edges point from the
// parent (ancestor) to the child (descendant).
type Direction string

const (
	Ancestors   Direction = "ancestors"
	Descendants Direction = "descendants"
	Both        Direction = "both"
)

// Endpoint selects edge endpoints.
type Endpoint string

const (
	EndpointSource      Endpoint = "source"
	EndpointDestination Endpoint = "destination"
	EndpointBoth        Endpoint = "both"
)

// ElementType selects vertices or edges.
type ElementType string

const (
	Vertex ElementType = "vertex"
	Edge   ElementType = "edge"
)

// Component restricts an operation to the vertex or edge half of a graph.
// The zero value means both.
type Component string

const (
	ComponentAll    Component = ""
	ComponentVertex Component = "vertex"
	ComponentEdge   Component = "edge"
	ComponentBoth   Component = "both"
)

// Vertices reports whether c includes vertices.
func (c Component) Vertices() bool { return c != ComponentEdge }

// Edges reports whether c includes edges.
func (c Component) Edges() bool { return c != ComponentVertex }

// Aggregate selects the DescribeGraph summary for a single key.
type Aggregate string

const (
	AggregateCount  Aggregate = "COUNT"
	AggregateMinMax Aggregate = "MINMAX"
)

// StatisticKind selects a GraphStatistic computation.
type StatisticKind string

const (
	StatCount        StatisticKind = "COUNT"
	StatHistogram    StatisticKind = "HISTOGRAM"
	StatMean         StatisticKind = "MEAN"
	StatStd          StatisticKind = "STD"
	StatDistribution StatisticKind = "DISTRIBUTION"
)

// Instruction is one operation of the graph algebra.
type Instruction interface {
	Kind() Kind
	// Validate reports INVALID_INSTRUCTION for malformed operands.
	Validate() error

	operands() []operand
}

// operand points at a name-carrying field so Compile can rewrite it.
type operand struct {
	graph  *Graph
	meta   *Metadata
	target bool
}

func src(g *Graph) operand        { return operand{graph: g} }
func dst(g *Graph) operand        { return operand{graph: g, target: true} }
func srcMeta(m *Metadata) operand { return operand{meta: m} }
func dstMeta(m *Metadata) operand { return operand{meta: m, target: true} }

var validate = validator.New()

// check runs the struct tags of ins and reports the first failure as
// INVALID_INSTRUCTION.
func check(ins Instruction) error {
	err := validate.Struct(ins)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Param() != "" {
			return qerr.Invalid(string(ins.Kind()), "%s: failed %s=%s (got %v)",
				fieldName(fe), fe.Tag(), fe.Param(), fe.Value())
		}
		return qerr.Invalid(string(ins.Kind()), "%s: failed %s", fieldName(fe), fe.Tag())
	}
	return qerr.Wrap(qerr.InvalidInstruction, string(ins.Kind()), err)
}

func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	return strings.ToLower(ns)
}

// ============================================================================
// Graph construction and filtering
// ============================================================================

// CreateEmptyGraph removes every vertex tag and edge list entry of Target.
type CreateEmptyGraph struct {
	Target Graph `json:"target" yaml:"target" validate:"required"`
}

func (*CreateEmptyGraph) Kind() Kind            { return KindCreateEmptyGraph }
func (i *CreateEmptyGraph) Validate() error     { return check(i) }
func (i *CreateEmptyGraph) operands() []operand { return []operand{dst(&i.Target)} }

// InsertLiteralVertex tags the vertices with the given hashes into Target.
// Hashes that name no vertex are ignored.
type InsertLiteralVertex struct {
	Target Graph    `json:"target" yaml:"target" validate:"required"`
	Hashes []string `json:"hashes" yaml:"hashes" validate:"dive,required"`
}

func (*InsertLiteralVertex) Kind() Kind            { return KindInsertLiteralVertex }
func (i *InsertLiteralVertex) Validate() error     { return check(i) }
func (i *InsertLiteralVertex) operands() []operand { return []operand{dst(&i.Target)} }

// InsertLiteralEdge tags the edges with the given hashes into Target.
type InsertLiteralEdge struct {
	Target Graph    `json:"target" yaml:"target" validate:"required"`
	Hashes []string `json:"hashes" yaml:"hashes" validate:"dive,required"`
}

func (*InsertLiteralEdge) Kind() Kind            { return KindInsertLiteralEdge }
func (i *InsertLiteralEdge) Validate() error     { return check(i) }
func (i *InsertLiteralEdge) operands() []operand { return []operand{dst(&i.Target)} }

// GetVertex tags the vertices of Subject accepted by Predicate into Target.
// A nil Predicate accepts every vertex.
type GetVertex struct {
	Target    Graph      `json:"target" yaml:"target" validate:"required"`
	Subject   Graph      `json:"subject" yaml:"subject" validate:"required"`
	Predicate *Predicate `json:"predicate,omitempty" yaml:"predicate,omitempty"`
}

func (*GetVertex) Kind() Kind { return KindGetVertex }
func (i *GetVertex) Validate() error {
	if err := check(i); err != nil {
		return err
	}
	return checkPredicate(string(KindGetVertex), i.Predicate)
}
func (i *GetVertex) operands() []operand { return []operand{dst(&i.Target), src(&i.Subject)} }

// GetEdge tags the edges of Subject accepted by Predicate into Target.
type GetEdge struct {
	Target    Graph      `json:"target" yaml:"target" validate:"required"`
	Subject   Graph      `json:"subject" yaml:"subject" validate:"required"`
	Predicate *Predicate `json:"predicate,omitempty" yaml:"predicate,omitempty"`
}

func (*GetEdge) Kind() Kind { return KindGetEdge }
func (i *GetEdge) Validate() error {
	if err := check(i); err != nil {
		return err
	}
	return checkPredicate(string(KindGetEdge), i.Predicate)
}
func (i *GetEdge) operands() []operand { return []operand{dst(&i.Target), src(&i.Subject)} }

// GetEdgeEndpoint tags the endpoint vertices of the edges of Subject into
// Target. The source of an edge is its parent end.
type GetEdgeEndpoint struct {
	Target    Graph    `json:"target" yaml:"target" validate:"required"`
	Subject   Graph    `json:"subject" yaml:"subject" validate:"required"`
	Component Endpoint `json:"component" yaml:"component" validate:"required,oneof=source destination both"`
}

func (*GetEdgeEndpoint) Kind() Kind        { return KindGetEdgeEndpoint }
func (i *GetEdgeEndpoint) Validate() error { return check(i) }
func (i *GetEdgeEndpoint) operands() []operand {
	return []operand{dst(&i.Target), src(&i.Subject)}
}

// ============================================================================
// Set algebra
// ============================================================================

// UnionGraph adds every element of Source to Target.
type UnionGraph struct {
	Target Graph `json:"target" yaml:"target" validate:"required"`
	Source Graph `json:"source" yaml:"source" validate:"required"`
}

func (*UnionGraph) Kind() Kind            { return KindUnionGraph }
func (i *UnionGraph) Validate() error     { return check(i) }
func (i *UnionGraph) operands() []operand { return []operand{dst(&i.Target), src(&i.Source)} }

// IntersectGraph tags into Target the elements present in both LHS and RHS.
// When one operand is the base graph the result is the other operand.
type IntersectGraph struct {
	Target Graph `json:"target" yaml:"target" validate:"required"`
	LHS    Graph `json:"lhs" yaml:"lhs" validate:"required"`
	RHS    Graph `json:"rhs" yaml:"rhs" validate:"required"`
}

func (*IntersectGraph) Kind() Kind        { return KindIntersectGraph }
func (i *IntersectGraph) Validate() error { return check(i) }
func (i *IntersectGraph) operands() []operand {
	return []operand{dst(&i.Target), src(&i.LHS), src(&i.RHS)}
}

// SubtractGraph tags into Target the elements of Minuend not present in
// Subtrahend. An edge is kept only when both of its endpoints survive the
// vertex subtraction. If either operand is the base graph the result is
// empty.
type SubtractGraph struct {
	Target     Graph     `json:"target" yaml:"target" validate:"required"`
	Minuend    Graph     `json:"minuend" yaml:"minuend" validate:"required"`
	Subtrahend Graph     `json:"subtrahend" yaml:"subtrahend" validate:"required"`
	Component  Component `json:"component,omitempty" yaml:"component,omitempty" validate:"omitempty,oneof=vertex edge both"`
}

func (*SubtractGraph) Kind() Kind        { return KindSubtractGraph }
func (i *SubtractGraph) Validate() error { return check(i) }
func (i *SubtractGraph) operands() []operand {
	return []operand{dst(&i.Target), src(&i.Minuend), src(&i.Subtrahend)}
}

// LimitGraph tags the first Limit vertices and the first Limit edges of
// Source, in store insertion order, into Target.
type LimitGraph struct {
	Target Graph `json:"target" yaml:"target" validate:"required"`
	Source Graph `json:"source" yaml:"source" validate:"required"`
	Limit  int   `json:"limit" yaml:"limit" validate:"gte=0"`
}

func (*LimitGraph) Kind() Kind            { return KindLimitGraph }
func (i *LimitGraph) Validate() error     { return check(i) }
func (i *LimitGraph) operands() []operand { return []operand{dst(&i.Target), src(&i.Source)} }

// CollapseEdge copies the vertices of Source into Target and, for every
// group of edges sharing both endpoints and the values of Fields, tags the
// earliest inserted edge of the group.
type CollapseEdge struct {
	Target Graph    `json:"target" yaml:"target" validate:"required"`
	Source Graph    `json:"source" yaml:"source" validate:"required"`
	Fields []string `json:"fields,omitempty" yaml:"fields,omitempty" validate:"dive,required"`
}

func (*CollapseEdge) Kind() Kind            { return KindCollapseEdge }
func (i *CollapseEdge) Validate() error     { return check(i) }
func (i *CollapseEdge) operands() []operand { return []operand{dst(&i.Target), src(&i.Source)} }

// DistinctifyGraph copies Source into Target.
type DistinctifyGraph struct {
	Target Graph `json:"target" yaml:"target" validate:"required"`
	Source Graph `json:"source" yaml:"source" validate:"required"`
}

func (*DistinctifyGraph) Kind() Kind            { return KindDistinctifyGraph }
func (i *DistinctifyGraph) Validate() error     { return check(i) }
func (i *DistinctifyGraph) operands() []operand { return []operand{dst(&i.Target), src(&i.Source)} }

// ============================================================================
// Traversal
// ============================================================================

// GetAdjacentVertex expands the vertices of Source by one hop along the
// edges of Subject, tagging every edge crossed and both of its endpoints
// into Target. Seeds with no such edge are not tagged.
type GetAdjacentVertex struct {
	Target    Graph     `json:"target" yaml:"target" validate:"required"`
	Subject   Graph     `json:"subject" yaml:"subject" validate:"required"`
	Source    Graph     `json:"source" yaml:"source" validate:"required"`
	Direction Direction `json:"direction" yaml:"direction" validate:"required,oneof=ancestors descendants both"`
}

func (*GetAdjacentVertex) Kind() Kind        { return KindGetAdjacentVertex }
func (i *GetAdjacentVertex) Validate() error { return check(i) }
func (i *GetAdjacentVertex) operands() []operand {
	return []operand{dst(&i.Target), src(&i.Subject), src(&i.Source)}
}

// GetLineage tags every vertex and edge on a path of at most Depth edges
// from a vertex of Start, inside Subject.
type GetLineage struct {
	Target    Graph     `json:"target" yaml:"target" validate:"required"`
	Subject   Graph     `json:"subject" yaml:"subject" validate:"required"`
	Start     Graph     `json:"start" yaml:"start" validate:"required"`
	Direction Direction `json:"direction" yaml:"direction" validate:"required,oneof=ancestors descendants both"`
	Depth     int       `json:"depth" yaml:"depth" validate:"gte=0"`
}

func (*GetLineage) Kind() Kind        { return KindGetLineage }
func (i *GetLineage) Validate() error { return check(i) }
func (i *GetLineage) operands() []operand {
	return []operand{dst(&i.Target), src(&i.Subject), src(&i.Start)}
}

// GetSimplePath tags every vertex and edge lying on some directed path of at
// most MaxDepth edges from a vertex of Source to a vertex of Destination.
type GetSimplePath struct {
	Target      Graph `json:"target" yaml:"target" validate:"required"`
	Subject     Graph `json:"subject" yaml:"subject" validate:"required"`
	Source      Graph `json:"source" yaml:"source" validate:"required"`
	Destination Graph `json:"destination" yaml:"destination" validate:"required"`
	MaxDepth    int   `json:"max_depth" yaml:"max_depth" validate:"gte=0"`
}

func (*GetSimplePath) Kind() Kind        { return KindGetSimplePath }
func (i *GetSimplePath) Validate() error { return check(i) }
func (i *GetSimplePath) operands() []operand {
	return []operand{dst(&i.Target), src(&i.Subject), src(&i.Source), src(&i.Destination)}
}

// GetLink is GetSimplePath in both directions between Source and
// Destination.
type GetLink struct {
	Target      Graph `json:"target" yaml:"target" validate:"required"`
	Subject     Graph `json:"subject" yaml:"subject" validate:"required"`
	Source      Graph `json:"source" yaml:"source" validate:"required"`
	Destination Graph `json:"destination" yaml:"destination" validate:"required"`
	MaxDepth    int   `json:"max_depth" yaml:"max_depth" validate:"gte=0"`
}

func (*GetLink) Kind() Kind        { return KindGetLink }
func (i *GetLink) Validate() error { return check(i) }
func (i *GetLink) operands() []operand {
	return []operand{dst(&i.Target), src(&i.Subject), src(&i.Source), src(&i.Destination)}
}

// GetShortestPath tags, for every vertex of Destination reachable from
// Source within MaxDepth edges, one shortest path to it.
type GetShortestPath struct {
	Target      Graph `json:"target" yaml:"target" validate:"required"`
	Subject     Graph `json:"subject" yaml:"subject" validate:"required"`
	Source      Graph `json:"source" yaml:"source" validate:"required"`
	Destination Graph `json:"destination" yaml:"destination" validate:"required"`
	MaxDepth    int   `json:"max_depth" yaml:"max_depth" validate:"gte=0"`
}

func (*GetShortestPath) Kind() Kind        { return KindGetShortestPath }
func (i *GetShortestPath) Validate() error { return check(i) }
func (i *GetShortestPath) operands() []operand {
	return []operand{dst(&i.Target), src(&i.Subject), src(&i.Source), src(&i.Destination)}
}

// PathStep is one hop of a GetPath: the next intermediate graph and the
// depth budget to reach it.
type PathStep struct {
	Graph    Graph `json:"graph" yaml:"graph" validate:"required"`
	MaxDepth int   `json:"max_depth" yaml:"max_depth" validate:"gte=0"`
}

// GetPath chains simple paths from Source through each step graph in order.
// Each hop starts from the part of the previous step graph that the previous
// hop reached. The result is empty if some hop reaches nothing.
type GetPath struct {
	Target  Graph      `json:"target" yaml:"target" validate:"required"`
	Subject Graph      `json:"subject" yaml:"subject" validate:"required"`
	Source  Graph      `json:"source" yaml:"source" validate:"required"`
	Steps   []PathStep `json:"steps" yaml:"steps" validate:"min=1,dive"`
}

func (*GetPath) Kind() Kind        { return KindGetPath }
func (i *GetPath) Validate() error { return check(i) }
func (i *GetPath) operands() []operand {
	ops := []operand{dst(&i.Target), src(&i.Subject), src(&i.Source)}
	for k := range i.Steps {
		ops = append(ops, src(&i.Steps[k].Graph))
	}
	return ops
}

// GetSubgraph tags the Skeleton vertices present in Subject, their one-hop
// Subject neighbors in both directions, and every Subject edge whose both
// endpoints ended up in Target.
type GetSubgraph struct {
	Target   Graph `json:"target" yaml:"target" validate:"required"`
	Subject  Graph `json:"subject" yaml:"subject" validate:"required"`
	Skeleton Graph `json:"skeleton" yaml:"skeleton" validate:"required"`
}

func (*GetSubgraph) Kind() Kind        { return KindGetSubgraph }
func (i *GetSubgraph) Validate() error { return check(i) }
func (i *GetSubgraph) operands() []operand {
	return []operand{dst(&i.Target), src(&i.Subject), src(&i.Skeleton)}
}

// GetWhereAnnotationsExist tags the vertices of Subject carrying every key
// in Keys. An empty key list matches every vertex.
type GetWhereAnnotationsExist struct {
	Target  Graph    `json:"target" yaml:"target" validate:"required"`
	Subject Graph    `json:"subject" yaml:"subject" validate:"required"`
	Keys    []string `json:"keys,omitempty" yaml:"keys,omitempty" validate:"dive,required"`
}

func (*GetWhereAnnotationsExist) Kind() Kind        { return KindGetWhereAnnotationsExist }
func (i *GetWhereAnnotationsExist) Validate() error { return check(i) }
func (i *GetWhereAnnotationsExist) operands() []operand {
	return []operand{dst(&i.Target), src(&i.Subject)}
}

// GetMatch tags the vertices of LHS and RHS that have a partner on the other
// side with equal values for every key in Keys. A vertex lacking one of the
// keys never matches.
type GetMatch struct {
	Target Graph    `json:"target" yaml:"target" validate:"required"`
	LHS    Graph    `json:"lhs" yaml:"lhs" validate:"required"`
	RHS    Graph    `json:"rhs" yaml:"rhs" validate:"required"`
	Keys   []string `json:"keys,omitempty" yaml:"keys,omitempty" validate:"dive,required"`
}

func (*GetMatch) Kind() Kind        { return KindGetMatch }
func (i *GetMatch) Validate() error { return check(i) }
func (i *GetMatch) operands() []operand {
	return []operand{dst(&i.Target), src(&i.LHS), src(&i.RHS)}
}

// ============================================================================
// Introspection and export
// ============================================================================

// DescribeGraph lists the distinct annotation keys of Graph (All), or
// summarizes the values of one Key with COUNT (histogram) or MINMAX.
// Limit caps the number of keys or histogram buckets; 0 means no cap.
type DescribeGraph struct {
	Graph       Graph       `json:"graph" yaml:"graph" validate:"required"`
	ElementType ElementType `json:"element_type" yaml:"element_type" validate:"required,oneof=vertex edge"`
	All         bool        `json:"all,omitempty" yaml:"all,omitempty"`
	Key         string      `json:"key,omitempty" yaml:"key,omitempty"`
	Aggregate   Aggregate   `json:"aggregate,omitempty" yaml:"aggregate,omitempty" validate:"omitempty,oneof=COUNT MINMAX"`
	Limit       int         `json:"limit,omitempty" yaml:"limit,omitempty" validate:"gte=0"`
}

func (*DescribeGraph) Kind() Kind { return KindDescribeGraph }
func (i *DescribeGraph) Validate() error {
	if err := check(i); err != nil {
		return err
	}
	switch {
	case i.All && i.Key != "":
		return qerr.Invalid(string(KindDescribeGraph), "all and key are exclusive")
	case !i.All && (i.Key == "" || i.Aggregate == ""):
		return qerr.Invalid(string(KindDescribeGraph), "either all or a key with an aggregate is required")
	}
	return nil
}
func (i *DescribeGraph) operands() []operand { return []operand{src(&i.Graph)} }

// StatGraph counts the vertices and edges of Graph.
type StatGraph struct {
	Graph Graph `json:"graph" yaml:"graph" validate:"required"`
}

func (*StatGraph) Kind() Kind            { return KindStatGraph }
func (i *StatGraph) Validate() error     { return check(i) }
func (i *StatGraph) operands() []operand { return []operand{src(&i.Graph)} }

// GraphStatistic computes a statistic over one annotation Key of the
// vertices or edges of Graph. COUNT needs no key; DISTRIBUTION needs Bins.
type GraphStatistic struct {
	Graph       Graph         `json:"graph" yaml:"graph" validate:"required"`
	ElementType ElementType   `json:"element_type" yaml:"element_type" validate:"required,oneof=vertex edge"`
	Statistic   StatisticKind `json:"statistic" yaml:"statistic" validate:"required,oneof=COUNT HISTOGRAM MEAN STD DISTRIBUTION"`
	Key         string        `json:"key,omitempty" yaml:"key,omitempty"`
	Bins        int           `json:"bins,omitempty" yaml:"bins,omitempty" validate:"gte=0"`
}

func (*GraphStatistic) Kind() Kind { return KindGraphStatistic }
func (i *GraphStatistic) Validate() error {
	if err := check(i); err != nil {
		return err
	}
	if i.Statistic != StatCount && i.Key == "" {
		return qerr.Invalid(string(KindGraphStatistic), "%s needs a key", i.Statistic)
	}
	if i.Statistic == StatDistribution && i.Bins <= 0 {
		return qerr.Invalid(string(KindGraphStatistic), "DISTRIBUTION needs bins > 0")
	}
	return nil
}
func (i *GraphStatistic) operands() []operand { return []operand{src(&i.Graph)} }

// ExportGraph materializes the vertices and edges of Graph. Without Force,
// graphs above the configured export limit are refused.
type ExportGraph struct {
	Graph Graph `json:"graph" yaml:"graph" validate:"required"`
	Force bool  `json:"force,omitempty" yaml:"force,omitempty"`
}

func (*ExportGraph) Kind() Kind            { return KindExportGraph }
func (i *ExportGraph) Validate() error     { return check(i) }
func (i *ExportGraph) operands() []operand { return []operand{src(&i.Graph)} }

// EvaluateQuery runs a native read-only query against the store. It
// bypasses the algebra entirely.
type EvaluateQuery struct {
	Query string `json:"query" yaml:"query" validate:"required"`
}

func (*EvaluateQuery) Kind() Kind          { return KindEvaluateQuery }
func (i *EvaluateQuery) Validate() error   { return check(i) }
func (*EvaluateQuery) operands() []operand { return nil }

// ============================================================================
// Symbol table
// ============================================================================

// ListGraphs lists every bound graph symbol with its size.
type ListGraphs struct{}

func (*ListGraphs) Kind() Kind          { return KindListGraphs }
func (*ListGraphs) Validate() error     { return nil }
func (*ListGraphs) operands() []operand { return nil }

// ListPredicates lists every bound predicate symbol.
type ListPredicates struct{}

func (*ListPredicates) Kind() Kind          { return KindListPredicates }
func (*ListPredicates) Validate() error     { return nil }
func (*ListPredicates) operands() []operand { return nil }

// EraseSymbols unbinds user symbols of any namespace. The data they named is
// reclaimed by the next garbage collection.
type EraseSymbols struct {
	Names []string `json:"names" yaml:"names" validate:"min=1,dive,required"`
}

func (*EraseSymbols) Kind() Kind          { return KindEraseSymbols }
func (i *EraseSymbols) Validate() error   { return check(i) }
func (*EraseSymbols) operands() []operand { return nil }

// BindGraph binds the user symbol Name ("$x") to Graph.
type BindGraph struct {
	Name  string `json:"name" yaml:"name" validate:"required,startswith=$"`
	Graph Graph  `json:"graph" yaml:"graph" validate:"required"`
}

func (*BindGraph) Kind() Kind            { return KindBindGraph }
func (i *BindGraph) Validate() error     { return check(i) }
func (i *BindGraph) operands() []operand { return []operand{src(&i.Graph)} }

// BindMetadata binds the user symbol Name ("@x") to Metadata.
type BindMetadata struct {
	Name     string   `json:"name" yaml:"name" validate:"required,startswith=@"`
	Metadata Metadata `json:"metadata" yaml:"metadata" validate:"required"`
}

func (*BindMetadata) Kind() Kind            { return KindBindMetadata }
func (i *BindMetadata) Validate() error     { return check(i) }
func (i *BindMetadata) operands() []operand { return []operand{srcMeta(&i.Metadata)} }

// BindPredicate binds the user symbol Name ("%x") to a predicate.
type BindPredicate struct {
	Name      string     `json:"name" yaml:"name" validate:"required,startswith=%"`
	Predicate *Predicate `json:"predicate" yaml:"predicate" validate:"required"`
}

func (*BindPredicate) Kind() Kind { return KindBindPredicate }
func (i *BindPredicate) Validate() error {
	if err := check(i); err != nil {
		return err
	}
	return checkPredicate(string(KindBindPredicate), i.Predicate)
}
func (*BindPredicate) operands() []operand { return nil }

// ============================================================================
// Graph metadata
// ============================================================================

// CreateEmptyGraphMetadata drops every entry of the metadata bundle Target.
type CreateEmptyGraphMetadata struct {
	Target Metadata `json:"target" yaml:"target" validate:"required"`
}

func (*CreateEmptyGraphMetadata) Kind() Kind        { return KindCreateEmptyMetadata }
func (i *CreateEmptyGraphMetadata) Validate() error { return check(i) }
func (i *CreateEmptyGraphMetadata) operands() []operand {
	return []operand{dstMeta(&i.Target)}
}

// SetGraphMetadata records Name=Value in Target for the vertices, edges or
// both components of Source.
type SetGraphMetadata struct {
	Target    Metadata  `json:"target" yaml:"target" validate:"required"`
	Source    Graph     `json:"source" yaml:"source" validate:"required"`
	Component Component `json:"component,omitempty" yaml:"component,omitempty" validate:"omitempty,oneof=vertex edge both"`
	Name      string    `json:"name" yaml:"name" validate:"required"`
	Value     string    `json:"value" yaml:"value"`
}

func (*SetGraphMetadata) Kind() Kind        { return KindSetGraphMetadata }
func (i *SetGraphMetadata) Validate() error { return check(i) }
func (i *SetGraphMetadata) operands() []operand {
	return []operand{dstMeta(&i.Target), src(&i.Source)}
}

// OverwriteGraphMetadata writes into Target the entries of LHS overwritten
// by the entries of RHS.
type OverwriteGraphMetadata struct {
	Target Metadata `json:"target" yaml:"target" validate:"required"`
	LHS    Metadata `json:"lhs" yaml:"lhs" validate:"required"`
	RHS    Metadata `json:"rhs" yaml:"rhs" validate:"required"`
}

func (*OverwriteGraphMetadata) Kind() Kind        { return KindOverwriteGraphMetadata }
func (i *OverwriteGraphMetadata) Validate() error { return check(i) }
func (i *OverwriteGraphMetadata) operands() []operand {
	return []operand{dstMeta(&i.Target), srcMeta(&i.LHS), srcMeta(&i.RHS)}
}

// factories maps each kind to a constructor of its zero instruction.
var factories = map[Kind]func() Instruction{
	KindCreateEmptyGraph:         func() Instruction { return &CreateEmptyGraph{} },
	KindInsertLiteralVertex:      func() Instruction { return &InsertLiteralVertex{} },
	KindInsertLiteralEdge:        func() Instruction { return &InsertLiteralEdge{} },
	KindGetVertex:                func() Instruction { return &GetVertex{} },
	KindGetEdge:                  func() Instruction { return &GetEdge{} },
	KindGetEdgeEndpoint:          func() Instruction { return &GetEdgeEndpoint{} },
	KindUnionGraph:               func() Instruction { return &UnionGraph{} },
	KindIntersectGraph:           func() Instruction { return &IntersectGraph{} },
	KindSubtractGraph:            func() Instruction { return &SubtractGraph{} },
	KindLimitGraph:               func() Instruction { return &LimitGraph{} },
	KindCollapseEdge:             func() Instruction { return &CollapseEdge{} },
	KindDistinctifyGraph:         func() Instruction { return &DistinctifyGraph{} },
	KindGetAdjacentVertex:        func() Instruction { return &GetAdjacentVertex{} },
	KindGetLineage:               func() Instruction { return &GetLineage{} },
	KindGetSimplePath:            func() Instruction { return &GetSimplePath{} },
	KindGetLink:                  func() Instruction { return &GetLink{} },
	KindGetShortestPath:          func() Instruction { return &GetShortestPath{} },
	KindGetPath:                  func() Instruction { return &GetPath{} },
	KindGetSubgraph:              func() Instruction { return &GetSubgraph{} },
	KindGetWhereAnnotationsExist: func() Instruction { return &GetWhereAnnotationsExist{} },
	KindGetMatch:                 func() Instruction { return &GetMatch{} },
	KindDescribeGraph:            func() Instruction { return &DescribeGraph{} },
	KindStatGraph:                func() Instruction { return &StatGraph{} },
	KindGraphStatistic:           func() Instruction { return &GraphStatistic{} },
	KindExportGraph:              func() Instruction { return &ExportGraph{} },
	KindEvaluateQuery:            func() Instruction { return &EvaluateQuery{} },
	KindListGraphs:               func() Instruction { return &ListGraphs{} },
	KindListPredicates:           func() Instruction { return &ListPredicates{} },
	KindEraseSymbols:             func() Instruction { return &EraseSymbols{} },
	KindBindGraph:                func() Instruction { return &BindGraph{} },
	KindBindMetadata:             func() Instruction { return &BindMetadata{} },
	KindBindPredicate:            func() Instruction { return &BindPredicate{} },
	KindCreateEmptyMetadata:      func() Instruction { return &CreateEmptyGraphMetadata{} },
	KindSetGraphMetadata:         func() Instruction { return &SetGraphMetadata{} },
	KindOverwriteGraphMetadata:   func() Instruction { return &OverwriteGraphMetadata{} },
}

// New returns an empty instruction of kind k.
func New(k Kind) (Instruction, error) {
	f, ok := factories[k]
	if !ok {
		return nil, qerr.Invalid("decode", "unknown instruction %q", k)
	}
	return f(), nil
}

// Kinds returns every instruction kind.
func Kinds() []Kind {
	out := make([]Kind, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	return out
}

// ValidateAll validates every instruction of list and reports the first
// failure with its position.
func ValidateAll(list []Instruction) error {
	for idx, ins := range list {
		if ins == nil {
			return qerr.Invalid("validate", "instruction %d is nil", idx)
		}
		if err := ins.Validate(); err != nil {
			return fmt.Errorf("instruction %d: %w", idx, err)
		}
	}
	return nil
}

// Operands lists the graph and metadata names an instruction writes and
// reads.
type Operands struct {
	Targets     []Graph
	Sources     []Graph
	MetaTargets []Metadata
	MetaSources []Metadata
}

// OperandsOf returns the operands of ins.
func OperandsOf(ins Instruction) Operands {
	var out Operands
	for _, op := range ins.operands() {
		switch {
		case op.graph != nil && op.target:
			out.Targets = append(out.Targets, *op.graph)
		case op.graph != nil:
			out.Sources = append(out.Sources, *op.graph)
		case op.meta != nil && op.target:
			out.MetaTargets = append(out.MetaTargets, *op.meta)
		case op.meta != nil:
			out.MetaSources = append(out.MetaSources, *op.meta)
		}
	}
	return out
}
