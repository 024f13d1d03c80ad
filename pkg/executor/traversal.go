package executor

import (
	"context"
	"sort"

	"github.com/orneryd/provgraph/pkg/instruction"
	"github.com/orneryd/provgraph/pkg/membership"
	"github.com/orneryd/provgraph/pkg/pool"
	"github.com/orneryd/provgraph/pkg/storage"
)

// Traversals run inside one statement. Every vertex and edge they visit
// must belong to the subject graph; seeds outside the subject are ignored.
// Edges point from parent to child, so "forward" walks toward descendants.

// walker answers subject-graph questions inside a statement and caches
// the vertices it has loaded.
type walker struct {
	g       storage.Engine
	scheme  *membership.Scheme
	subject string
	nodes   map[storage.NodeID]*storage.Node
}

func newWalker(g storage.Engine, scheme *membership.Scheme, subject string) *walker {
	return &walker{
		g:       g,
		scheme:  scheme,
		subject: subject,
		nodes:   make(map[storage.NodeID]*storage.Node),
	}
}

// node returns the vertex id when it belongs to the subject.
func (w *walker) node(id storage.NodeID) (*storage.Node, bool, error) {
	n, ok := w.nodes[id]
	if !ok {
		var err error
		if n, err = w.g.GetNode(id); err != nil {
			return nil, false, err
		}
		w.nodes[id] = n
	}
	return n, w.scheme.HasVertex(n, w.subject), nil
}

// seeds returns the vertices of graph that belong to the subject, in
// insertion order.
func (w *walker) seeds(graph string) ([]*storage.Node, error) {
	nodes, err := w.scheme.Vertices(w.g, graph)
	if err != nil {
		return nil, err
	}
	out := nodes[:0]
	for _, n := range nodes {
		if w.scheme.HasVertex(n, w.subject) {
			if cached, ok := w.nodes[n.ID]; ok {
				n = cached
			} else {
				w.nodes[n.ID] = n
			}
			out = append(out, n)
		}
	}
	return out, nil
}

type hop struct {
	edge *storage.Edge
	next *storage.Node
}

// hops returns the subject edges leaving id in one direction together with
// the vertex at their other end, in edge insertion order.
func (w *walker) hops(id storage.NodeID, forward bool) ([]hop, error) {
	var (
		edges []*storage.Edge
		err   error
	)
	if forward {
		edges, err = w.g.GetOutgoingEdges(id)
	} else {
		edges, err = w.g.GetIncomingEdges(id)
	}
	if err != nil {
		return nil, err
	}
	out := make([]hop, 0, len(edges))
	for _, e := range edges {
		if !w.scheme.HasEdge(e, w.subject) {
			continue
		}
		other := e.EndNode
		if !forward {
			other = e.StartNode
		}
		n, member, err := w.node(other)
		if err != nil {
			return nil, err
		}
		if member {
			out = append(out, hop{edge: e, next: n})
		}
	}
	return out, nil
}

// distances runs a breadth-first search from seeds and returns the hop
// distance of every vertex reached within depth.
func (w *walker) distances(seeds []*storage.Node, forward bool, depth int) (map[storage.NodeID]int, error) {
	dist := make(map[storage.NodeID]int, len(seeds))
	frontier := pool.GetNodeSlice()
	for _, n := range seeds {
		if _, ok := dist[n.ID]; !ok {
			dist[n.ID] = 0
			frontier = append(frontier, n)
		}
	}
	defer func() { pool.PutNodeSlice(frontier) }()

	for d := 0; d < depth && len(frontier) > 0; d++ {
		next := pool.GetNodeSlice()
		for _, u := range frontier {
			hops, err := w.hops(u.ID, forward)
			if err != nil {
				pool.PutNodeSlice(next)
				return nil, err
			}
			for _, h := range hops {
				if _, ok := dist[h.next.ID]; !ok {
					dist[h.next.ID] = d + 1
					next = append(next, h.next)
				}
			}
		}
		pool.PutNodeSlice(frontier)
		frontier = next
	}
	return dist, nil
}

// selection collects the elements a traversal tags.
type selection struct {
	nodes map[storage.NodeID]*storage.Node
	edges map[storage.EdgeID]*storage.Edge
}

func newSelection() *selection {
	return &selection{
		nodes: make(map[storage.NodeID]*storage.Node),
		edges: make(map[storage.EdgeID]*storage.Edge),
	}
}

func (s *selection) addNode(n *storage.Node) { s.nodes[n.ID] = n }

func (s *selection) addEdge(e *storage.Edge) { s.edges[e.ID] = e }

func (s *selection) merge(o *selection) {
	for id, n := range o.nodes {
		s.nodes[id] = n
	}
	for id, e := range o.edges {
		s.edges[id] = e
	}
}

// tag writes the selection into target in insertion order.
func (s *selection) tag(g storage.Engine, scheme *membership.Scheme, target string) error {
	nodes := make([]*storage.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Seq < nodes[j].Seq })
	for _, n := range nodes {
		if err := scheme.AddVertex(g, n, target); err != nil {
			return err
		}
	}

	edges := make([]*storage.Edge, 0, len(s.edges))
	for _, e := range s.edges {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].Seq < edges[j].Seq })
	for _, e := range edges {
		if err := scheme.AddEdge(g, e, target); err != nil {
			return err
		}
	}
	return nil
}

func directions(d instruction.Direction) []bool {
	switch d {
	case instruction.Ancestors:
		return []bool{false}
	case instruction.Descendants:
		return []bool{true}
	}
	return []bool{false, true}
}

// ============================================================================
// Instructions
// ============================================================================

// GetAdjacentVertex tags the subject edges one hop away from the source
// vertices along with both of their endpoints.
func (x *StoreExecutor) GetAdjacentVertex(ctx context.Context, ins *instruction.GetAdjacentVertex) error {
	return x.apply(ctx, string(ins.Kind()), func(_ context.Context, g storage.Engine) error {
		w := newWalker(g, x.scheme, string(ins.Subject))
		seeds, err := w.seeds(string(ins.Source))
		if err != nil {
			return err
		}
		sel := newSelection()
		for _, forward := range directions(ins.Direction) {
			for _, n := range seeds {
				hops, err := w.hops(n.ID, forward)
				if err != nil {
					return err
				}
				for _, h := range hops {
					sel.addNode(n)
					sel.addNode(h.next)
					sel.addEdge(h.edge)
				}
			}
		}
		return sel.tag(g, x.scheme, string(ins.Target))
	})
}

// GetLineage tags everything within Depth hops of the start vertices. With
// both directions, ancestors and descendants are walked separately, so
// siblings reached by turning around are not included.
func (x *StoreExecutor) GetLineage(ctx context.Context, ins *instruction.GetLineage) error {
	return x.apply(ctx, string(ins.Kind()), func(_ context.Context, g storage.Engine) error {
		w := newWalker(g, x.scheme, string(ins.Subject))
		seeds, err := w.seeds(string(ins.Start))
		if err != nil {
			return err
		}
		sel := newSelection()
		for _, forward := range directions(ins.Direction) {
			part, err := w.lineage(seeds, forward, ins.Depth)
			if err != nil {
				return err
			}
			sel.merge(part)
		}
		return sel.tag(g, x.scheme, string(ins.Target))
	})
}

// lineage selects the seeds, every vertex within depth hops and every edge
// leaving a vertex at distance below depth.
func (w *walker) lineage(seeds []*storage.Node, forward bool, depth int) (*selection, error) {
	sel := newSelection()
	seen := make(map[storage.NodeID]struct{}, len(seeds))
	frontier := make([]*storage.Node, 0, len(seeds))
	for _, n := range seeds {
		sel.addNode(n)
		if _, ok := seen[n.ID]; !ok {
			seen[n.ID] = struct{}{}
			frontier = append(frontier, n)
		}
	}
	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []*storage.Node
		for _, u := range frontier {
			hops, err := w.hops(u.ID, forward)
			if err != nil {
				return nil, err
			}
			for _, h := range hops {
				sel.addEdge(h.edge)
				sel.addNode(h.next)
				if _, ok := seen[h.next.ID]; !ok {
					seen[h.next.ID] = struct{}{}
					next = append(next, h.next)
				}
			}
		}
		frontier = next
	}
	return sel, nil
}

// GetSimplePath tags every element on a directed path of at most MaxDepth
// edges from a source vertex to a destination vertex.
func (x *StoreExecutor) GetSimplePath(ctx context.Context, ins *instruction.GetSimplePath) error {
	return x.apply(ctx, string(ins.Kind()), func(_ context.Context, g storage.Engine) error {
		w := newWalker(g, x.scheme, string(ins.Subject))
		sel, _, err := w.simplePaths(string(ins.Source), string(ins.Destination), ins.MaxDepth)
		if err != nil {
			return err
		}
		return sel.tag(g, x.scheme, string(ins.Target))
	})
}

// GetLink tags the simple paths in both directions between the two sets.
func (x *StoreExecutor) GetLink(ctx context.Context, ins *instruction.GetLink) error {
	return x.apply(ctx, string(ins.Kind()), func(_ context.Context, g storage.Engine) error {
		w := newWalker(g, x.scheme, string(ins.Subject))
		there, _, err := w.simplePaths(string(ins.Source), string(ins.Destination), ins.MaxDepth)
		if err != nil {
			return err
		}
		back, _, err := w.simplePaths(string(ins.Destination), string(ins.Source), ins.MaxDepth)
		if err != nil {
			return err
		}
		there.merge(back)
		return there.tag(g, x.scheme, string(ins.Target))
	})
}

// simplePaths selects the elements on paths from src to dst within
// maxDepth. An edge u->v lies on such a path exactly when
// dist(src, u) + 1 + dist(v, dst) <= maxDepth. It also returns the
// destination vertices reached.
func (w *walker) simplePaths(src, dst string, maxDepth int) (*selection, []*storage.Node, error) {
	from, err := w.seeds(src)
	if err != nil {
		return nil, nil, err
	}
	to, err := w.seeds(dst)
	if err != nil {
		return nil, nil, err
	}
	return w.pathsBetween(from, to, maxDepth)
}

// GetShortestPath tags, for each reachable destination vertex, one shortest
// path from the source set. Ties go to the edge inserted first.
func (x *StoreExecutor) GetShortestPath(ctx context.Context, ins *instruction.GetShortestPath) error {
	return x.apply(ctx, string(ins.Kind()), func(_ context.Context, g storage.Engine) error {
		w := newWalker(g, x.scheme, string(ins.Subject))
		from, err := w.seeds(string(ins.Source))
		if err != nil {
			return err
		}
		to, err := w.seeds(string(ins.Destination))
		if err != nil {
			return err
		}

		parent := make(map[storage.NodeID]*storage.Edge)
		visited := make(map[storage.NodeID]struct{}, len(from))
		frontier := make([]*storage.Node, 0, len(from))
		for _, n := range from {
			if _, ok := visited[n.ID]; !ok {
				visited[n.ID] = struct{}{}
				frontier = append(frontier, n)
			}
		}
		for d := 0; d < ins.MaxDepth && len(frontier) > 0; d++ {
			best := make(map[storage.NodeID]hop)
			for _, u := range frontier {
				hops, err := w.hops(u.ID, true)
				if err != nil {
					return err
				}
				for _, h := range hops {
					if _, ok := visited[h.next.ID]; ok {
						continue
					}
					if cur, ok := best[h.next.ID]; !ok || h.edge.Seq < cur.edge.Seq {
						best[h.next.ID] = h
					}
				}
			}
			next := make([]*storage.Node, 0, len(best))
			for id, h := range best {
				visited[id] = struct{}{}
				parent[id] = h.edge
				next = append(next, h.next)
			}
			sort.Slice(next, func(i, j int) bool { return next[i].Seq < next[j].Seq })
			frontier = next
		}

		sel := newSelection()
		for _, n := range to {
			if _, ok := visited[n.ID]; !ok {
				continue
			}
			id := n.ID
			for {
				sel.addNode(w.nodes[id])
				e, ok := parent[id]
				if !ok {
					break
				}
				sel.addEdge(e)
				id = e.StartNode
			}
		}
		return sel.tag(g, x.scheme, string(ins.Target))
	})
}

// GetPath chains simple paths: each step starts from the step graph
// vertices the previous hop reached. If a hop reaches nothing, nothing is
// tagged.
func (x *StoreExecutor) GetPath(ctx context.Context, ins *instruction.GetPath) error {
	return x.apply(ctx, string(ins.Kind()), func(_ context.Context, g storage.Engine) error {
		w := newWalker(g, x.scheme, string(ins.Subject))
		from, err := w.seeds(string(ins.Source))
		if err != nil {
			return err
		}
		sel := newSelection()
		for _, step := range ins.Steps {
			to, err := w.seeds(string(step.Graph))
			if err != nil {
				return err
			}
			part, reached, err := w.pathsBetween(from, to, step.MaxDepth)
			if err != nil {
				return err
			}
			if len(reached) == 0 {
				x.log.WithField("graph", step.Graph).Debug("path step reached nothing")
				return nil
			}
			sel.merge(part)
			from = reached
		}
		return sel.tag(g, x.scheme, string(ins.Target))
	})
}

// pathsBetween is simplePaths over explicit vertex sets. A vertex w lies on
// a path when dist(from, w) + dist(w, to) <= maxDepth.
func (w *walker) pathsBetween(from, to []*storage.Node, maxDepth int) (*selection, []*storage.Node, error) {
	fwd, err := w.distances(from, true, maxDepth)
	if err != nil {
		return nil, nil, err
	}
	bwd, err := w.distances(to, false, maxDepth)
	if err != nil {
		return nil, nil, err
	}

	sel := newSelection()
	for id, df := range fwd {
		db, ok := bwd[id]
		if !ok || df+db > maxDepth {
			continue
		}
		sel.addNode(w.nodes[id])
		hops, err := w.hops(id, true)
		if err != nil {
			return nil, nil, err
		}
		for _, h := range hops {
			if dv, ok := bwd[h.next.ID]; ok && df+1+dv <= maxDepth {
				sel.addEdge(h.edge)
			}
		}
	}

	var reached []*storage.Node
	for _, n := range to {
		if _, ok := fwd[n.ID]; ok {
			reached = append(reached, n)
		}
	}
	return sel, reached, nil
}

// GetSubgraph tags the skeleton vertices present in the subject, then
// their one-hop subject neighbors in both directions, then every subject
// edge whose two endpoints carry the target tag.
func (x *StoreExecutor) GetSubgraph(ctx context.Context, ins *instruction.GetSubgraph) error {
	target, subject, skeleton := string(ins.Target), string(ins.Subject), string(ins.Skeleton)
	return x.apply(ctx, string(ins.Kind()),
		x.scheme.TagVertexStatement(target, skeleton, func(n *storage.Node) bool {
			return x.scheme.HasVertex(n, subject)
		}),
		func(_ context.Context, g storage.Engine) error {
			w := newWalker(g, x.scheme, subject)
			seeds, err := w.seeds(skeleton)
			if err != nil {
				return err
			}
			sel := newSelection()
			for _, n := range seeds {
				for _, forward := range []bool{false, true} {
					hops, err := w.hops(n.ID, forward)
					if err != nil {
						return err
					}
					for _, h := range hops {
						sel.addNode(h.next)
					}
				}
			}
			return sel.tag(g, x.scheme, target)
		},
		func(_ context.Context, g storage.Engine) error {
			edges, err := x.scheme.Edges(g, subject)
			if err != nil {
				return err
			}
			tagged := func(n *storage.Node) bool { return x.scheme.HasVertex(n, target) }
			for _, e := range edges {
				ok, err := endpointsSatisfy(g, e, tagged)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				if err := x.scheme.AddEdge(g, e, target); err != nil {
					return err
				}
			}
			return nil
		},
	)
}
