// Package executor realizes the graph algebra of package instruction against
// the shared provenance graph.
//
// Every instruction becomes one or more backend statements. Each statement
// holds the store's write lock for its duration; consecutive statements of
// one instruction are independent unless statement batching is enabled, in
// which case they run as one backend batch. There is no cross-instruction
// atomicity: when a statement fails, the instructions before it stay
// applied.
//
// Multi-statement instructions and their intermediate states:
//
//	CreateEmptyGraph   vertex tags dropped, edge entries not yet
//	UnionGraph         vertices tagged, edges not yet
//	IntersectGraph     vertices tagged, edges not yet
//	SubtractGraph      vertices tagged, edges not yet
//	LimitGraph         vertices tagged, edges not yet
//	CollapseEdge       vertices copied, representatives not yet
//	GetSubgraph        skeleton tagged, neighbors or induced edges not yet
//
// Example Usage:
//
//	exec := executor.New(scheme, env, executor.Options{ExportLimit: 4096})
//	results, err := exec.NewSession().Run(ctx, list)
//	if err != nil {
//		// results holds the output of the instructions that completed
//	}
package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/orneryd/provgraph/pkg/backend"
	"github.com/orneryd/provgraph/pkg/instruction"
	"github.com/orneryd/provgraph/pkg/membership"
	"github.com/orneryd/provgraph/pkg/qerr"
	"github.com/orneryd/provgraph/pkg/symbols"
	"github.com/sirupsen/logrus"
)

// InstructionExecutor has one operation per instruction.
type InstructionExecutor interface {
	CreateEmptyGraph(ctx context.Context, ins *instruction.CreateEmptyGraph) error
	InsertLiteralVertex(ctx context.Context, ins *instruction.InsertLiteralVertex) error
	InsertLiteralEdge(ctx context.Context, ins *instruction.InsertLiteralEdge) error
	GetVertex(ctx context.Context, ins *instruction.GetVertex) error
	GetEdge(ctx context.Context, ins *instruction.GetEdge) error
	GetEdgeEndpoint(ctx context.Context, ins *instruction.GetEdgeEndpoint) error
	UnionGraph(ctx context.Context, ins *instruction.UnionGraph) error
	IntersectGraph(ctx context.Context, ins *instruction.IntersectGraph) error
	SubtractGraph(ctx context.Context, ins *instruction.SubtractGraph) error
	LimitGraph(ctx context.Context, ins *instruction.LimitGraph) error
	CollapseEdge(ctx context.Context, ins *instruction.CollapseEdge) error
	DistinctifyGraph(ctx context.Context, ins *instruction.DistinctifyGraph) error
	GetAdjacentVertex(ctx context.Context, ins *instruction.GetAdjacentVertex) error
	GetLineage(ctx context.Context, ins *instruction.GetLineage) error
	GetSimplePath(ctx context.Context, ins *instruction.GetSimplePath) error
	GetLink(ctx context.Context, ins *instruction.GetLink) error
	GetShortestPath(ctx context.Context, ins *instruction.GetShortestPath) error
	GetPath(ctx context.Context, ins *instruction.GetPath) error
	GetSubgraph(ctx context.Context, ins *instruction.GetSubgraph) error
	GetWhereAnnotationsExist(ctx context.Context, ins *instruction.GetWhereAnnotationsExist) error
	GetMatch(ctx context.Context, ins *instruction.GetMatch) error
	DescribeGraph(ctx context.Context, ins *instruction.DescribeGraph) (*GraphDescription, error)
	StatGraph(ctx context.Context, ins *instruction.StatGraph) (*GraphStats, error)
	GraphStatistic(ctx context.Context, ins *instruction.GraphStatistic) (*Statistic, error)
	ExportGraph(ctx context.Context, ins *instruction.ExportGraph) (*ExportedGraph, error)
	EvaluateQuery(ctx context.Context, ins *instruction.EvaluateQuery) (*Table, error)
	ListGraphs(ctx context.Context, ins *instruction.ListGraphs) ([]GraphListing, error)
	ListPredicates(ctx context.Context, ins *instruction.ListPredicates) (map[string]string, error)
	EraseSymbols(ctx context.Context, ins *instruction.EraseSymbols) ([]string, error)
	BindGraph(ctx context.Context, ins *instruction.BindGraph) error
	BindMetadata(ctx context.Context, ins *instruction.BindMetadata) error
	BindPredicate(ctx context.Context, ins *instruction.BindPredicate) error
	CreateEmptyGraphMetadata(ctx context.Context, ins *instruction.CreateEmptyGraphMetadata) error
	SetGraphMetadata(ctx context.Context, ins *instruction.SetGraphMetadata) error
	OverwriteGraphMetadata(ctx context.Context, ins *instruction.OverwriteGraphMetadata) error
}

// Options tunes a StoreExecutor.
type Options struct {
	// ExportLimit caps unforced exports (vertices plus edges). Zero means
	// no cap.
	ExportLimit int
	// BatchStatements runs the statements of one instruction as a single
	// backend batch.
	BatchStatements bool
}

// StoreExecutor executes instructions against a backend.Store.
type StoreExecutor struct {
	store  *backend.Store
	scheme *membership.Scheme
	env    *symbols.Environment
	opts   Options
	log    *logrus.Entry
}

var _ InstructionExecutor = (*StoreExecutor)(nil)

// New returns an executor over the store behind scheme. env must have been
// opened on the same store with the same base graph.
func New(scheme *membership.Scheme, env *symbols.Environment, opts Options) *StoreExecutor {
	return &StoreExecutor{
		store:  scheme.Store(),
		scheme: scheme,
		env:    env,
		opts:   opts,
		log:    logrus.WithField("component", "executor"),
	}
}

// Environment returns the symbol table the executor binds into.
func (x *StoreExecutor) Environment() *symbols.Environment { return x.env }

// Scheme returns the membership scheme the executor tags through.
func (x *StoreExecutor) Scheme() *membership.Scheme { return x.scheme }

// Dispatch executes one instruction and wraps its output in a Result.
func (x *StoreExecutor) Dispatch(ctx context.Context, ins instruction.Instruction) (Result, error) {
	res := Result{Kind: ins.Kind()}
	var err error
	switch i := ins.(type) {
	case *instruction.CreateEmptyGraph:
		err = x.CreateEmptyGraph(ctx, i)
	case *instruction.InsertLiteralVertex:
		err = x.InsertLiteralVertex(ctx, i)
	case *instruction.InsertLiteralEdge:
		err = x.InsertLiteralEdge(ctx, i)
	case *instruction.GetVertex:
		err = x.GetVertex(ctx, i)
	case *instruction.GetEdge:
		err = x.GetEdge(ctx, i)
	case *instruction.GetEdgeEndpoint:
		err = x.GetEdgeEndpoint(ctx, i)
	case *instruction.UnionGraph:
		err = x.UnionGraph(ctx, i)
	case *instruction.IntersectGraph:
		err = x.IntersectGraph(ctx, i)
	case *instruction.SubtractGraph:
		err = x.SubtractGraph(ctx, i)
	case *instruction.LimitGraph:
		err = x.LimitGraph(ctx, i)
	case *instruction.CollapseEdge:
		err = x.CollapseEdge(ctx, i)
	case *instruction.DistinctifyGraph:
		err = x.DistinctifyGraph(ctx, i)
	case *instruction.GetAdjacentVertex:
		err = x.GetAdjacentVertex(ctx, i)
	case *instruction.GetLineage:
		err = x.GetLineage(ctx, i)
	case *instruction.GetSimplePath:
		err = x.GetSimplePath(ctx, i)
	case *instruction.GetLink:
		err = x.GetLink(ctx, i)
	case *instruction.GetShortestPath:
		err = x.GetShortestPath(ctx, i)
	case *instruction.GetPath:
		err = x.GetPath(ctx, i)
	case *instruction.GetSubgraph:
		err = x.GetSubgraph(ctx, i)
	case *instruction.GetWhereAnnotationsExist:
		err = x.GetWhereAnnotationsExist(ctx, i)
	case *instruction.GetMatch:
		err = x.GetMatch(ctx, i)
	case *instruction.DescribeGraph:
		res.Description, err = x.DescribeGraph(ctx, i)
	case *instruction.StatGraph:
		res.Stats, err = x.StatGraph(ctx, i)
	case *instruction.GraphStatistic:
		res.Statistic, err = x.GraphStatistic(ctx, i)
	case *instruction.ExportGraph:
		res.Export, err = x.ExportGraph(ctx, i)
	case *instruction.EvaluateQuery:
		res.Table, err = x.EvaluateQuery(ctx, i)
	case *instruction.ListGraphs:
		res.Graphs, err = x.ListGraphs(ctx, i)
	case *instruction.ListPredicates:
		res.Predicates, err = x.ListPredicates(ctx, i)
	case *instruction.EraseSymbols:
		res.Erased, err = x.EraseSymbols(ctx, i)
	case *instruction.BindGraph:
		err = x.BindGraph(ctx, i)
	case *instruction.BindMetadata:
		err = x.BindMetadata(ctx, i)
	case *instruction.BindPredicate:
		err = x.BindPredicate(ctx, i)
	case *instruction.CreateEmptyGraphMetadata:
		err = x.CreateEmptyGraphMetadata(ctx, i)
	case *instruction.SetGraphMetadata:
		err = x.SetGraphMetadata(ctx, i)
	case *instruction.OverwriteGraphMetadata:
		err = x.OverwriteGraphMetadata(ctx, i)
	default:
		err = qerr.Invalid("dispatch", "unsupported instruction %T", ins)
	}
	return res, err
}

// apply runs the statements of one instruction in order, as one batch when
// batching is enabled.
func (x *StoreExecutor) apply(ctx context.Context, name string, stmts ...backend.Statement) error {
	if x.opts.BatchStatements && len(stmts) > 1 {
		return x.store.Batch(ctx, name, stmts...)
	}
	for i, stmt := range stmts {
		stmtName := name
		if len(stmts) > 1 {
			stmtName = fmt.Sprintf("%s[%d]", name, i)
		}
		if err := x.store.Exec(ctx, stmtName, stmt); err != nil {
			return err
		}
	}
	return nil
}

// preflight rejects instructions whose operands are not internal names or
// that write to the base graph. It never touches the store.
func (x *StoreExecutor) preflight(ins instruction.Instruction) error {
	kind := string(ins.Kind())
	ops := instruction.OperandsOf(ins)
	for _, g := range ops.Targets {
		if err := x.scheme.CheckTarget(kind, string(g)); err != nil {
			return err
		}
		if !isGraphName(string(g)) {
			return qerr.Invalid(kind, "%q is not a graph name", g)
		}
	}
	for _, g := range ops.Sources {
		if !x.scheme.IsBaseGraph(string(g)) && !isGraphName(string(g)) {
			return qerr.Invalid(kind, "%q is not a graph name", g)
		}
	}
	for _, m := range append(ops.MetaTargets, ops.MetaSources...) {
		if !isMetadataName(string(m)) {
			return qerr.Invalid(kind, "%q is not a metadata name", m)
		}
	}
	if erase, ok := ins.(*instruction.EraseSymbols); ok {
		for _, name := range erase.Names {
			if _, ok := symbols.NamespaceOf(name); !ok {
				return qerr.Invalid(kind, "%q is not a symbol name", name)
			}
			if name == symbols.BaseSymbol {
				return qerr.Invalid(kind, "%s is reserved", symbols.BaseSymbol)
			}
		}
	}
	return nil
}

func isGraphName(name string) bool {
	return membership.IsInternalName(name) && strings.HasPrefix(name, membership.GraphPrefix)
}

func isMetadataName(name string) bool {
	return membership.IsInternalName(name) && strings.HasPrefix(name, membership.MetadataPrefix)
}

func sortedStrings(s []string) []string {
	sort.Strings(s)
	return s
}
