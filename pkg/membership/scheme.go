// Package membership encodes named-graph membership as tags on elements of
// the one shared store.
//
// A vertex belongs to graph g when it carries the node label g. An edge
// belongs to g when its delimited list property (ListKey) contains ",g,".
// The list always starts and ends with the delimiter, so containment is a
// plain substring test and no name can match a prefix of another.
//
// The base graph is the set of every ingested vertex (all of which carry
// the base label) and every edge. It is never tagged or untagged.
package membership

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/orneryd/provgraph/pkg/backend"
	"github.com/orneryd/provgraph/pkg/qerr"
	"github.com/orneryd/provgraph/pkg/storage"
)

const (
	// ListKey is the edge property holding the membership list.
	ListKey = "_graphs"

	delimiter = ","

	GraphPrefix    = "graph_"
	MetadataPrefix = "meta_"
)

var internalName = regexp.MustCompile(`^(graph|meta)_[0-9]+$`)

// IsInternalName reports whether name has the shape of a generated graph or
// metadata name ("graph_12", "meta_3").
func IsInternalName(name string) bool {
	return internalName.MatchString(name)
}

// VertexFilter selects vertices inside a statement.
type VertexFilter func(n *storage.Node) bool

// EdgeFilter selects edges inside a statement.
type EdgeFilter func(e *storage.Edge) bool

// Scheme maps graph names onto tags for one store.
type Scheme struct {
	store *backend.Store
	base  string
}

// New returns a scheme whose base graph is identified by baseLabel.
func New(store *backend.Store, baseLabel string) *Scheme {
	return &Scheme{store: store, base: baseLabel}
}

// BaseGraph returns the internal name of the base graph.
func (s *Scheme) BaseGraph() string { return s.base }

// IsBaseGraph reports whether name denotes the base graph.
func (s *Scheme) IsBaseGraph(name string) bool { return name == s.base }

// Store returns the backend the scheme writes through.
func (s *Scheme) Store() *backend.Store { return s.store }

// ============================================================================
// Element-level helpers, usable inside a statement.
// ============================================================================

// HasVertex reports whether n belongs to graph name.
func (s *Scheme) HasVertex(n *storage.Node, name string) bool {
	return n.HasLabel(name)
}

// HasEdge reports whether e belongs to graph name.
func (s *Scheme) HasEdge(e *storage.Edge, name string) bool {
	if s.IsBaseGraph(name) {
		return true
	}
	return strings.Contains(edgeList(e), delimiter+name+delimiter)
}

// Vertices returns the vertices of graph name in sequence order.
func (s *Scheme) Vertices(g storage.Engine, name string) ([]*storage.Node, error) {
	return g.GetNodesByLabel(name)
}

// Edges returns the edges of graph name in sequence order.
func (s *Scheme) Edges(g storage.Engine, name string) ([]*storage.Edge, error) {
	all, err := g.AllEdges()
	if err != nil || s.IsBaseGraph(name) {
		return all, err
	}
	out := all[:0]
	for _, e := range all {
		if s.HasEdge(e, name) {
			out = append(out, e)
		}
	}
	return out, nil
}

// VertexIDs returns the set of vertex IDs of graph name.
func (s *Scheme) VertexIDs(g storage.Engine, name string) (map[storage.NodeID]struct{}, error) {
	nodes, err := s.Vertices(g, name)
	if err != nil {
		return nil, err
	}
	ids := make(map[storage.NodeID]struct{}, len(nodes))
	for _, n := range nodes {
		ids[n.ID] = struct{}{}
	}
	return ids, nil
}

// AddVertex tags n with name and persists it if it was not tagged yet.
func (s *Scheme) AddVertex(g storage.Engine, n *storage.Node, name string) error {
	if n.HasLabel(name) {
		return nil
	}
	n.Labels = append(n.Labels, name)
	return g.UpdateNode(n)
}

// AddVertexID tags the vertex with the given ID.
func (s *Scheme) AddVertexID(g storage.Engine, id storage.NodeID, name string) error {
	n, err := g.GetNode(id)
	if err != nil {
		return err
	}
	return s.AddVertex(g, n, name)
}

// AddEdge appends name to the membership list of e and persists it.
func (s *Scheme) AddEdge(g storage.Engine, e *storage.Edge, name string) error {
	if s.HasEdge(e, name) {
		return nil
	}
	list := edgeList(e)
	if list == "" {
		list = delimiter
	}
	if e.Properties == nil {
		e.Properties = make(map[string]any)
	}
	e.Properties[ListKey] = list + name + delimiter
	return g.UpdateEdge(e)
}

// RemoveVertex drops the name label from n.
func (s *Scheme) RemoveVertex(g storage.Engine, n *storage.Node, name string) error {
	labels := n.Labels[:0]
	removed := false
	for _, l := range n.Labels {
		if l == name {
			removed = true
			continue
		}
		labels = append(labels, l)
	}
	if !removed {
		return nil
	}
	n.Labels = labels
	return g.UpdateNode(n)
}

// RemoveEdge drops name from the membership list of e. The surrounding
// delimiters collapse to one so neighboring names stay intact.
func (s *Scheme) RemoveEdge(g storage.Engine, e *storage.Edge, name string) error {
	list := edgeList(e)
	token := delimiter + name + delimiter
	if !strings.Contains(list, token) {
		return nil
	}
	list = strings.ReplaceAll(list, token, delimiter)
	if list == delimiter {
		delete(e.Properties, ListKey)
	} else {
		e.Properties[ListKey] = list
	}
	return g.UpdateEdge(e)
}

// EdgeTags returns the names in the membership list of e.
func EdgeTags(e *storage.Edge) []string {
	var tags []string
	for _, t := range strings.Split(edgeList(e), delimiter) {
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func edgeList(e *storage.Edge) string {
	if e.Properties == nil {
		return ""
	}
	list, _ := e.Properties[ListKey].(string)
	return list
}

// Annotations returns the edge properties without the membership list.
func Annotations(e *storage.Edge) map[string]any {
	if _, ok := e.Properties[ListKey]; !ok {
		return e.Properties
	}
	out := make(map[string]any, len(e.Properties)-1)
	for k, v := range e.Properties {
		if k != ListKey {
			out[k] = v
		}
	}
	return out
}

// ============================================================================
// Statement-level operations
// ============================================================================

// TagVertex tags every vertex of source accepted by match with name.
func (s *Scheme) TagVertex(ctx context.Context, name, source string, match VertexFilter) error {
	if err := s.checkTarget("tag_vertex", name); err != nil {
		return err
	}
	return s.store.Exec(ctx, "tag_vertex", s.TagVertexStatement(name, source, match))
}

// TagVertexStatement returns the statement behind TagVertex, for callers
// that batch it with others. The target is not checked.
func (s *Scheme) TagVertexStatement(name, source string, match VertexFilter) backend.Statement {
	return func(_ context.Context, g storage.Engine) error {
		nodes, err := s.Vertices(g, source)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if match == nil || match(n) {
				if err := s.AddVertex(g, n, name); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

// TagEdge tags every edge of source accepted by match with name.
func (s *Scheme) TagEdge(ctx context.Context, name, source string, match EdgeFilter) error {
	if err := s.checkTarget("tag_edge", name); err != nil {
		return err
	}
	return s.store.Exec(ctx, "tag_edge", s.TagEdgeStatement(name, source, match))
}

// TagEdgeStatement returns the statement behind TagEdge.
func (s *Scheme) TagEdgeStatement(name, source string, match EdgeFilter) backend.Statement {
	return func(_ context.Context, g storage.Engine) error {
		edges, err := s.Edges(g, source)
		if err != nil {
			return err
		}
		for _, e := range edges {
			if match == nil || match(e) {
				if err := s.AddEdge(g, e, name); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

// UntagVertices removes name from every vertex. This is DropVertexTag.
func (s *Scheme) UntagVertices(ctx context.Context, name string) error {
	if err := s.checkTarget("untag_vertices", name); err != nil {
		return err
	}
	return s.store.Exec(ctx, "untag_vertices", s.UntagVerticesStatement(name))
}

// UntagVerticesStatement returns the statement behind UntagVertices.
func (s *Scheme) UntagVerticesStatement(name string) backend.Statement {
	return func(_ context.Context, g storage.Engine) error {
		nodes, err := g.GetNodesByLabel(name)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if err := s.RemoveVertex(g, n, name); err != nil {
				return err
			}
		}
		return nil
	}
}

// UntagEdges removes name from every edge membership list.
func (s *Scheme) UntagEdges(ctx context.Context, name string) error {
	if err := s.checkTarget("untag_edges", name); err != nil {
		return err
	}
	return s.store.Exec(ctx, "untag_edges", s.UntagEdgesStatement(name))
}

// UntagEdgesStatement returns the statement behind UntagEdges.
func (s *Scheme) UntagEdgesStatement(name string) backend.Statement {
	return func(_ context.Context, g storage.Engine) error {
		edges, err := s.Edges(g, name)
		if err != nil {
			return err
		}
		for _, e := range edges {
			if err := s.RemoveEdge(g, e, name); err != nil {
				return err
			}
		}
		return nil
	}
}

// DropVertexTag is UntagVertices under the name the garbage collector uses.
func (s *Scheme) DropVertexTag(ctx context.Context, name string) error {
	return s.UntagVertices(ctx, name)
}

// DropEdgeTag is UntagEdges under the name the garbage collector uses.
func (s *Scheme) DropEdgeTag(ctx context.Context, name string) error {
	return s.UntagEdges(ctx, name)
}

// IsVertexMember reports whether the vertex id belongs to graph name.
func (s *Scheme) IsVertexMember(ctx context.Context, name string, id storage.NodeID) (bool, error) {
	var member bool
	err := s.store.Read(ctx, "is_vertex_member", func(_ context.Context, g storage.Engine) error {
		n, err := g.GetNode(id)
		if err != nil {
			return err
		}
		member = s.HasVertex(n, name)
		return nil
	})
	return member, err
}

// IsEdgeMember reports whether the edge id belongs to graph name.
func (s *Scheme) IsEdgeMember(ctx context.Context, name string, id storage.EdgeID) (bool, error) {
	var member bool
	err := s.store.Read(ctx, "is_edge_member", func(_ context.Context, g storage.Engine) error {
		e, err := g.GetEdge(id)
		if err != nil {
			return err
		}
		member = s.HasEdge(e, name)
		return nil
	})
	return member, err
}

// EnumerateVertexTags returns every label present on any vertex, sorted.
func (s *Scheme) EnumerateVertexTags(ctx context.Context) ([]string, error) {
	var tags []string
	err := s.store.Read(ctx, "enumerate_vertex_tags", func(ctx context.Context, g storage.Engine) error {
		var err error
		tags, err = storage.CollectLabels(ctx, g)
		return err
	})
	return tags, err
}

// EnumerateEdgeTags returns every name present in any edge membership list,
// sorted.
func (s *Scheme) EnumerateEdgeTags(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	err := s.store.Read(ctx, "enumerate_edge_tags", func(ctx context.Context, g storage.Engine) error {
		return storage.StreamEdges(ctx, g, func(e *storage.Edge) error {
			for _, t := range EdgeTags(e) {
				seen[t] = struct{}{}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	tags := make([]string, 0, len(seen))
	for t := range seen {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags, nil
}

// CheckTarget reports INVALID_INSTRUCTION when name cannot receive tags.
func (s *Scheme) CheckTarget(op, name string) error {
	return s.checkTarget(op, name)
}

func (s *Scheme) checkTarget(op, name string) error {
	if name == "" {
		return qerr.Invalid(op, "empty graph name")
	}
	if s.IsBaseGraph(name) {
		return qerr.Invalid(op, "the base graph cannot be modified")
	}
	return nil
}
