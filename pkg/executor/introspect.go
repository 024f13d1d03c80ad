package executor

import (
	"context"
	"math"
	"sort"

	"github.com/orneryd/provgraph/pkg/backend"
	"github.com/orneryd/provgraph/pkg/convert"
	"github.com/orneryd/provgraph/pkg/instruction"
	"github.com/orneryd/provgraph/pkg/membership"
	"github.com/orneryd/provgraph/pkg/qerr"
	"github.com/orneryd/provgraph/pkg/storage"
)

// annotationSets returns the annotations of every element of one type in
// graph, in insertion order. Edge membership lists are left out.
func (x *StoreExecutor) annotationSets(ctx context.Context, op, graph string, et instruction.ElementType) ([]map[string]any, error) {
	var out []map[string]any
	err := x.store.Read(ctx, op, func(_ context.Context, g storage.Engine) error {
		if et == instruction.Edge {
			edges, err := x.scheme.Edges(g, graph)
			if err != nil {
				return err
			}
			for _, e := range edges {
				out = append(out, membership.Annotations(e))
			}
			return nil
		}
		nodes, err := x.scheme.Vertices(g, graph)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			out = append(out, n.Properties)
		}
		return nil
	})
	return out, err
}

// values collects the rendered values of key over sets, skipping elements
// without it.
func values(sets []map[string]any, key string) []string {
	var out []string
	for _, props := range sets {
		if v, ok := props[key]; ok {
			out = append(out, valueString(v))
		}
	}
	return out
}

// DescribeGraph summarizes the annotations of a graph.
func (x *StoreExecutor) DescribeGraph(ctx context.Context, ins *instruction.DescribeGraph) (*GraphDescription, error) {
	sets, err := x.annotationSets(ctx, string(ins.Kind()), string(ins.Graph), ins.ElementType)
	if err != nil {
		return nil, err
	}
	desc := &GraphDescription{Graph: string(ins.Graph), ElementType: ins.ElementType}

	if ins.All {
		seen := make(map[string]struct{})
		for _, props := range sets {
			for k := range props {
				if k != membership.ListKey {
					seen[k] = struct{}{}
				}
			}
		}
		keys := make([]string, 0, len(seen))
		for k := range seen {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		desc.Keys = capped(keys, ins.Limit)
		return desc, nil
	}

	desc.Key = ins.Key
	vals := values(sets, ins.Key)
	switch ins.Aggregate {
	case instruction.AggregateCount:
		hist := histogram(vals)
		sort.SliceStable(hist, func(i, j int) bool { return hist[i].Count > hist[j].Count })
		desc.Histogram = capped(hist, ins.Limit)
	case instruction.AggregateMinMax:
		desc.Min, desc.Max = minMax(vals)
	default:
		return nil, qerr.Invalid(string(ins.Kind()), "unknown aggregate %q", ins.Aggregate)
	}
	return desc, nil
}

func capped[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}

// histogram counts each distinct value, ordered by value.
func histogram(vals []string) []ValueCount {
	counts := make(map[string]int64)
	for _, v := range vals {
		counts[v]++
	}
	out := make([]ValueCount, 0, len(counts))
	for v, c := range counts {
		out = append(out, ValueCount{Value: v, Count: c})
	}
	numeric := allNumeric(vals)
	sort.Slice(out, func(i, j int) bool {
		return lessValue(out[i].Value, out[j].Value, numeric)
	})
	return out
}

// minMax compares numerically when every value is a number and lexically
// otherwise.
func minMax(vals []string) (string, string) {
	if len(vals) == 0 {
		return "", ""
	}
	numeric := allNumeric(vals)
	lo, hi := vals[0], vals[0]
	for _, v := range vals[1:] {
		if lessValue(v, lo, numeric) {
			lo = v
		}
		if lessValue(hi, v, numeric) {
			hi = v
		}
	}
	return lo, hi
}

func lessValue(a, b string, numeric bool) bool {
	if numeric {
		fa, _ := convert.ToFiniteFloat64(a)
		fb, _ := convert.ToFiniteFloat64(b)
		if fa != fb {
			return fa < fb
		}
	}
	return a < b
}

func allNumeric(vals []string) bool {
	if len(vals) == 0 {
		return false
	}
	for _, v := range vals {
		if _, ok := convert.ToFiniteFloat64(v); !ok {
			return false
		}
	}
	return true
}

// StatGraph counts the vertices and edges of a graph.
func (x *StoreExecutor) StatGraph(ctx context.Context, ins *instruction.StatGraph) (*GraphStats, error) {
	return x.stat(ctx, string(ins.Kind()), string(ins.Graph))
}

func (x *StoreExecutor) stat(ctx context.Context, op, graph string) (*GraphStats, error) {
	stats := &GraphStats{}
	err := x.store.Read(ctx, op, func(_ context.Context, g storage.Engine) error {
		nodes, err := x.scheme.Vertices(g, graph)
		if err != nil {
			return err
		}
		stats.Vertices = int64(len(nodes))
		if x.scheme.IsBaseGraph(graph) {
			stats.Edges, err = g.EdgeCount()
			return err
		}
		edges, err := x.scheme.Edges(g, graph)
		if err != nil {
			return err
		}
		stats.Edges = int64(len(edges))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// GraphStatistic computes a statistic over the elements of a graph that
// carry Key. COUNT without a key counts every element.
func (x *StoreExecutor) GraphStatistic(ctx context.Context, ins *instruction.GraphStatistic) (*Statistic, error) {
	op := string(ins.Kind())
	sets, err := x.annotationSets(ctx, op, string(ins.Graph), ins.ElementType)
	if err != nil {
		return nil, err
	}
	st := &Statistic{Kind: ins.Statistic, Key: ins.Key}
	if ins.Statistic == instruction.StatCount && ins.Key == "" {
		st.Count = int64(len(sets))
		return st, nil
	}

	vals := values(sets, ins.Key)
	st.Count = int64(len(vals))

	switch ins.Statistic {
	case instruction.StatCount:
	case instruction.StatHistogram:
		st.Histogram = histogram(vals)
	case instruction.StatMean, instruction.StatStd, instruction.StatDistribution:
		nums := make([]float64, 0, len(vals))
		for _, v := range vals {
			f, ok := convert.ToFiniteFloat64(v)
			if !ok {
				return nil, qerr.Invalid(op, "value %q of %s is not numeric", v, ins.Key)
			}
			nums = append(nums, f)
		}
		switch ins.Statistic {
		case instruction.StatMean:
			st.Mean = mean(nums)
		case instruction.StatStd:
			st.Mean = mean(nums)
			st.Std = sampleStd(nums, st.Mean)
		default:
			st.Distribution = distribution(nums, ins.Bins)
		}
	default:
		return nil, qerr.Invalid(op, "unknown statistic %q", ins.Statistic)
	}
	return st, nil
}

func mean(nums []float64) float64 {
	if len(nums) == 0 {
		return 0
	}
	var sum float64
	for _, n := range nums {
		sum += n
	}
	return sum / float64(len(nums))
}

// sampleStd is the n-1 standard deviation; 0 below two samples.
func sampleStd(nums []float64, mean float64) float64 {
	if len(nums) < 2 {
		return 0
	}
	var ss float64
	for _, n := range nums {
		d := n - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(nums)-1))
}

// distribution splits [min, max] into equal-width bins. The last bin is
// closed on the right. When every value is equal they all land in the
// first bin.
func distribution(nums []float64, bins int) []Bin {
	if len(nums) == 0 || bins <= 0 {
		return nil
	}
	lo, hi := nums[0], nums[0]
	for _, n := range nums[1:] {
		lo = math.Min(lo, n)
		hi = math.Max(hi, n)
	}
	width := (hi - lo) / float64(bins)
	out := make([]Bin, bins)
	for i := range out {
		out[i].Low = lo + float64(i)*width
		out[i].High = lo + float64(i+1)*width
	}
	out[bins-1].High = hi
	for _, n := range nums {
		idx := 0
		if width > 0 {
			idx = int((n - lo) / width)
			if idx >= bins {
				idx = bins - 1
			}
		}
		out[idx].Count++
	}
	return out
}

// ExportGraph materializes a graph. Without Force, graphs larger than the
// export limit are refused before anything is read.
func (x *StoreExecutor) ExportGraph(ctx context.Context, ins *instruction.ExportGraph) (*ExportedGraph, error) {
	op := string(ins.Kind())
	graph := string(ins.Graph)
	if !ins.Force && x.opts.ExportLimit > 0 {
		stats, err := x.stat(ctx, op, graph)
		if err != nil {
			return nil, err
		}
		if total := stats.Vertices + stats.Edges; total > int64(x.opts.ExportLimit) {
			return nil, qerr.Invalid(op, "%s has %d elements, above the export limit of %d; use force to export anyway",
				graph, total, x.opts.ExportLimit)
		}
	}

	vertices, err := x.store.ExportVertices(ctx, func(_ context.Context, g storage.Engine) ([]*storage.Node, error) {
		return x.scheme.Vertices(g, graph)
	})
	if err != nil {
		return nil, err
	}
	edges, err := x.store.ExportEdges(ctx, func(_ context.Context, g storage.Engine) ([]*storage.Edge, error) {
		return x.scheme.Edges(g, graph)
	}, membership.ListKey)
	if err != nil {
		return nil, err
	}
	if edges == nil {
		edges = []backend.QueriedEdge{}
	}
	return &ExportedGraph{Vertices: vertices, Edges: edges}, nil
}

// EvaluateQuery runs a native read query. Queries the store rejects are
// backend failures.
func (x *StoreExecutor) EvaluateQuery(ctx context.Context, ins *instruction.EvaluateQuery) (*Table, error) {
	return x.store.Evaluate(ctx, ins.Query)
}
