package executor

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/orneryd/provgraph/pkg/instruction"
	"github.com/orneryd/provgraph/pkg/qerr"
	"github.com/orneryd/provgraph/pkg/storage"
	"github.com/orneryd/provgraph/pkg/symbols"
)

// ============================================================================
// Symbol table
// ============================================================================

// ListGraphs lists the bound graph symbols, $base included, with their
// sizes, ordered by name.
func (x *StoreExecutor) ListGraphs(ctx context.Context, ins *instruction.ListGraphs) ([]GraphListing, error) {
	bindings := x.env.Snapshot(symbols.Graphs)
	bindings[symbols.BaseSymbol] = x.env.BaseGraph()

	names := make([]string, 0, len(bindings))
	for name := range bindings {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]GraphListing, 0, len(names))
	for _, name := range names {
		stats, err := x.stat(ctx, string(ins.Kind()), bindings[name])
		if err != nil {
			return nil, err
		}
		out = append(out, GraphListing{
			Name:     name,
			Graph:    bindings[name],
			Vertices: stats.Vertices,
			Edges:    stats.Edges,
		})
	}
	return out, nil
}

// ListPredicates returns every bound predicate in its textual form.
func (x *StoreExecutor) ListPredicates(_ context.Context, _ *instruction.ListPredicates) (map[string]string, error) {
	return x.env.Snapshot(symbols.Predicates), nil
}

// EraseSymbols unbinds each name in the namespace its sigil selects and
// returns the names that were bound.
func (x *StoreExecutor) EraseSymbols(ctx context.Context, ins *instruction.EraseSymbols) ([]string, error) {
	erased := []string{}
	for _, name := range ins.Names {
		ns, ok := symbols.NamespaceOf(name)
		if !ok {
			return erased, qerr.Invalid(string(ins.Kind()), "%q is not a symbol name", name)
		}
		removed, err := x.env.Unbind(ctx, ns, name)
		if err != nil {
			return erased, err
		}
		if removed {
			erased = append(erased, name)
		}
	}
	return erased, nil
}

func (x *StoreExecutor) BindGraph(ctx context.Context, ins *instruction.BindGraph) error {
	return x.env.Bind(ctx, symbols.Graphs, ins.Name, string(ins.Graph))
}

func (x *StoreExecutor) BindMetadata(ctx context.Context, ins *instruction.BindMetadata) error {
	return x.env.Bind(ctx, symbols.Metadata, ins.Name, string(ins.Metadata))
}

func (x *StoreExecutor) BindPredicate(ctx context.Context, ins *instruction.BindPredicate) error {
	return x.env.Bind(ctx, symbols.Predicates, ins.Name, ins.Predicate.String())
}

// ============================================================================
// Graph metadata
// ============================================================================

const (
	// MetadataLabel labels the vertices holding metadata bundles.
	MetadataLabel = "_metadata"

	metadataIDPrefix = MetadataLabel + "/"
	vertexKeyPrefix  = "vertex."
	edgeKeyPrefix    = "edge."
	graphKey         = "graph"
)

// MetadataID returns the store ID of the vertex holding bundle name.
func MetadataID(name string) storage.NodeID {
	return storage.NodeID(metadataIDPrefix + name)
}

// MetadataName returns the bundle name stored in a metadata vertex ID.
func MetadataName(id storage.NodeID) (string, bool) {
	return strings.CutPrefix(string(id), metadataIDPrefix)
}

// GraphMetadata is a metadata bundle: entries for the vertex and edge
// components of the graph named by Graph.
type GraphMetadata struct {
	Name   string            `json:"name"`
	Graph  string            `json:"graph,omitempty"`
	Vertex map[string]string `json:"vertex"`
	Edge   map[string]string `json:"edge"`
}

func newGraphMetadata(name string) *GraphMetadata {
	return &GraphMetadata{Name: name, Vertex: map[string]string{}, Edge: map[string]string{}}
}

func metadataFromNode(name string, n *storage.Node) *GraphMetadata {
	md := newGraphMetadata(name)
	for k, v := range n.Properties {
		switch {
		case k == graphKey:
			md.Graph = valueString(v)
		case strings.HasPrefix(k, vertexKeyPrefix):
			md.Vertex[strings.TrimPrefix(k, vertexKeyPrefix)] = valueString(v)
		case strings.HasPrefix(k, edgeKeyPrefix):
			md.Edge[strings.TrimPrefix(k, edgeKeyPrefix)] = valueString(v)
		}
	}
	return md
}

func (md *GraphMetadata) properties() map[string]any {
	props := make(map[string]any, len(md.Vertex)+len(md.Edge)+1)
	if md.Graph != "" {
		props[graphKey] = md.Graph
	}
	for k, v := range md.Vertex {
		props[vertexKeyPrefix+k] = v
	}
	for k, v := range md.Edge {
		props[edgeKeyPrefix+k] = v
	}
	return props
}

// loadMetadata returns the bundle name, empty when it was never written.
func loadMetadata(g storage.Engine, name string) (*GraphMetadata, error) {
	n, err := g.GetNode(MetadataID(name))
	if errors.Is(err, storage.ErrNotFound) {
		return newGraphMetadata(name), nil
	}
	if err != nil {
		return nil, err
	}
	return metadataFromNode(name, n), nil
}

func storeMetadata(g storage.Engine, md *GraphMetadata) error {
	id := MetadataID(md.Name)
	n, err := g.GetNode(id)
	if errors.Is(err, storage.ErrNotFound) {
		return g.CreateNode(&storage.Node{
			ID:         id,
			Labels:     []string{MetadataLabel},
			Properties: md.properties(),
		})
	}
	if err != nil {
		return err
	}
	n.Properties = md.properties()
	return g.UpdateNode(n)
}

// ReadMetadata returns the bundle name. A bundle never written is empty.
func (x *StoreExecutor) ReadMetadata(ctx context.Context, name string) (*GraphMetadata, error) {
	var md *GraphMetadata
	err := x.store.Read(ctx, "read_metadata", func(_ context.Context, g storage.Engine) error {
		var err error
		md, err = loadMetadata(g, name)
		return err
	})
	return md, err
}

// CreateEmptyGraphMetadata drops every entry of the target bundle.
func (x *StoreExecutor) CreateEmptyGraphMetadata(ctx context.Context, ins *instruction.CreateEmptyGraphMetadata) error {
	return x.apply(ctx, string(ins.Kind()), func(_ context.Context, g storage.Engine) error {
		return storeMetadata(g, newGraphMetadata(string(ins.Target)))
	})
}

// SetGraphMetadata records one entry for the selected components of the
// source graph.
func (x *StoreExecutor) SetGraphMetadata(ctx context.Context, ins *instruction.SetGraphMetadata) error {
	return x.apply(ctx, string(ins.Kind()), func(_ context.Context, g storage.Engine) error {
		md, err := loadMetadata(g, string(ins.Target))
		if err != nil {
			return err
		}
		md.Graph = string(ins.Source)
		if ins.Component.Vertices() {
			md.Vertex[ins.Name] = ins.Value
		}
		if ins.Component.Edges() {
			md.Edge[ins.Name] = ins.Value
		}
		return storeMetadata(g, md)
	})
}

// OverwriteGraphMetadata writes LHS into the target with every RHS entry
// taking precedence.
func (x *StoreExecutor) OverwriteGraphMetadata(ctx context.Context, ins *instruction.OverwriteGraphMetadata) error {
	return x.apply(ctx, string(ins.Kind()), func(_ context.Context, g storage.Engine) error {
		lhs, err := loadMetadata(g, string(ins.LHS))
		if err != nil {
			return err
		}
		rhs, err := loadMetadata(g, string(ins.RHS))
		if err != nil {
			return err
		}
		out := newGraphMetadata(string(ins.Target))
		out.Graph = lhs.Graph
		if rhs.Graph != "" {
			out.Graph = rhs.Graph
		}
		for _, src := range []*GraphMetadata{lhs, rhs} {
			for k, v := range src.Vertex {
				out.Vertex[k] = v
			}
			for k, v := range src.Edge {
				out.Edge[k] = v
			}
		}
		return storeMetadata(g, out)
	})
}
