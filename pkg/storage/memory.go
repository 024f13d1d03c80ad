package storage

import (
	"context"
	"errors"
	"sync"
)

// MemoryEngine is a thread-safe in-memory graph store.
//
// It keeps a label index and per-node adjacency indexes so that graph
// membership scans (label lookups) and traversals (adjacency) do not touch
// the whole graph. Labels are matched case-sensitively: graph names are
// labels and "graph_1" must never match "Graph_1".
//
// Example:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	engine.BulkCreateNodes([]*storage.Node{
//		{ID: "v1", Labels: []string{"provenance"}},
//		{ID: "v2", Labels: []string{"provenance"}},
//	})
//	engine.CreateEdge(&storage.Edge{ID: "e1", StartNode: "v1", EndNode: "v2"})
//
//	parents, _ := engine.GetOutgoingEdges("v1")
type MemoryEngine struct {
	mu    sync.RWMutex
	nodes map[NodeID]*Node
	edges map[EdgeID]*Edge

	// Indexes for efficient lookups
	nodesByLabel  map[string]map[NodeID]struct{}
	outgoingEdges map[NodeID]map[EdgeID]struct{}
	incomingEdges map[NodeID]map[EdgeID]struct{}

	seq    uint64
	closed bool
}

// NewMemoryEngine creates an empty in-memory engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		nodes:         make(map[NodeID]*Node),
		edges:         make(map[EdgeID]*Edge),
		nodesByLabel:  make(map[string]map[NodeID]struct{}),
		outgoingEdges: make(map[NodeID]map[EdgeID]struct{}),
		incomingEdges: make(map[NodeID]map[EdgeID]struct{}),
	}
}

// CreateNode stores a copy of node and assigns its sequence number.
//
// Returns ErrInvalidData for a nil node, ErrInvalidID for an empty ID and
// ErrAlreadyExists when the ID is taken.
func (m *MemoryEngine) CreateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.nodes[node.ID]; exists {
		return ErrAlreadyExists
	}

	m.createNodeUnlocked(node)
	return nil
}

// GetNode returns a copy of the node with the given ID.
func (m *MemoryEngine) GetNode(id NodeID) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	node, exists := m.nodes[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyNode(node), nil
}

// UpdateNode replaces the labels and properties of an existing node.
// The stored sequence number is kept regardless of node.Seq.
func (m *MemoryEngine) UpdateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	existing, exists := m.nodes[node.ID]
	if !exists {
		return ErrNotFound
	}

	for _, label := range existing.Labels {
		if ids := m.nodesByLabel[label]; ids != nil {
			delete(ids, node.ID)
			if len(ids) == 0 {
				delete(m.nodesByLabel, label)
			}
		}
	}

	stored := copyNode(node)
	stored.Seq = existing.Seq
	m.nodes[node.ID] = stored
	m.indexLabels(stored)
	return nil
}

// DeleteNode removes a node and every edge attached to it.
func (m *MemoryEngine) DeleteNode(id NodeID) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.nodes[id]; !exists {
		return ErrNotFound
	}

	m.deleteNodeUnlocked(id)
	return nil
}

// CreateEdge stores a copy of edge. Both endpoints must exist.
func (m *MemoryEngine) CreateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.edges[edge.ID]; exists {
		return ErrAlreadyExists
	}
	if _, ok := m.nodes[edge.StartNode]; !ok {
		return ErrInvalidEdge
	}
	if _, ok := m.nodes[edge.EndNode]; !ok {
		return ErrInvalidEdge
	}

	m.createEdgeUnlocked(edge)
	return nil
}

// GetEdge returns a copy of the edge with the given ID.
func (m *MemoryEngine) GetEdge(id EdgeID) (*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	edge, exists := m.edges[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyEdge(edge), nil
}

// UpdateEdge replaces the properties and type of an existing edge.
// Endpoints cannot be moved.
func (m *MemoryEngine) UpdateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	existing, exists := m.edges[edge.ID]
	if !exists {
		return ErrNotFound
	}
	if existing.StartNode != edge.StartNode || existing.EndNode != edge.EndNode {
		return ErrInvalidEdge
	}

	stored := copyEdge(edge)
	stored.Seq = existing.Seq
	m.edges[edge.ID] = stored
	return nil
}

// DeleteEdge removes an edge.
func (m *MemoryEngine) DeleteEdge(id EdgeID) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.edges[id]; !exists {
		return ErrNotFound
	}

	m.deleteEdgeUnlocked(id)
	return nil
}

// GetNodesByLabel returns every node carrying label, in sequence order.
func (m *MemoryEngine) GetNodesByLabel(label string) ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	ids := m.nodesByLabel[label]
	nodes := make([]*Node, 0, len(ids))
	for id := range ids {
		if node := m.nodes[id]; node != nil {
			nodes = append(nodes, copyNode(node))
		}
	}
	sortNodes(nodes)
	return nodes, nil
}

// GetOutgoingEdges returns the edges starting at nodeID.
func (m *MemoryEngine) GetOutgoingEdges(nodeID NodeID) ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	return m.collectEdges(m.outgoingEdges[nodeID]), nil
}

// GetIncomingEdges returns the edges ending at nodeID.
func (m *MemoryEngine) GetIncomingEdges(nodeID NodeID) ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	return m.collectEdges(m.incomingEdges[nodeID]), nil
}

// AllNodes returns every node in sequence order.
func (m *MemoryEngine) AllNodes() ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	nodes := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, copyNode(n))
	}
	sortNodes(nodes)
	return nodes, nil
}

// AllEdges returns every edge in sequence order.
func (m *MemoryEngine) AllEdges() ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	edges := make([]*Edge, 0, len(m.edges))
	for _, e := range m.edges {
		edges = append(edges, copyEdge(e))
	}
	sortEdges(edges)
	return edges, nil
}

// StreamNodes visits a snapshot of the nodes in sequence order.
func (m *MemoryEngine) StreamNodes(ctx context.Context, fn NodeVisitor) error {
	nodes, err := m.AllNodes()
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(n); err != nil {
			if errors.Is(err, ErrIterationStopped) {
				return nil
			}
			return err
		}
	}
	return nil
}

// StreamEdges visits a snapshot of the edges in sequence order.
func (m *MemoryEngine) StreamEdges(ctx context.Context, fn EdgeVisitor) error {
	edges, err := m.AllEdges()
	if err != nil {
		return err
	}
	for _, e := range edges {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			if errors.Is(err, ErrIterationStopped) {
				return nil
			}
			return err
		}
	}
	return nil
}

// BulkCreateNodes creates all nodes under one lock. The batch is rejected
// as a whole if any ID is empty or already present.
func (m *MemoryEngine) BulkCreateNodes(nodes []*Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	seen := make(map[NodeID]struct{}, len(nodes))
	for _, node := range nodes {
		if node == nil {
			return ErrInvalidData
		}
		if node.ID == "" {
			return ErrInvalidID
		}
		if _, exists := m.nodes[node.ID]; exists {
			return ErrAlreadyExists
		}
		if _, dup := seen[node.ID]; dup {
			return ErrAlreadyExists
		}
		seen[node.ID] = struct{}{}
	}

	for _, node := range nodes {
		m.createNodeUnlocked(node)
	}
	return nil
}

// BulkCreateEdges creates all edges under one lock.
func (m *MemoryEngine) BulkCreateEdges(edges []*Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	seen := make(map[EdgeID]struct{}, len(edges))
	for _, edge := range edges {
		if edge == nil {
			return ErrInvalidData
		}
		if edge.ID == "" {
			return ErrInvalidID
		}
		if _, exists := m.edges[edge.ID]; exists {
			return ErrAlreadyExists
		}
		if _, dup := seen[edge.ID]; dup {
			return ErrAlreadyExists
		}
		if _, ok := m.nodes[edge.StartNode]; !ok {
			return ErrInvalidEdge
		}
		if _, ok := m.nodes[edge.EndNode]; !ok {
			return ErrInvalidEdge
		}
		seen[edge.ID] = struct{}{}
	}

	for _, edge := range edges {
		m.createEdgeUnlocked(edge)
	}
	return nil
}

// NodeCount returns the number of nodes.
func (m *MemoryEngine) NodeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.nodes)), nil
}

// EdgeCount returns the number of edges.
func (m *MemoryEngine) EdgeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.edges)), nil
}

// Close releases the engine. Later calls fail with ErrStorageClosed.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.nodes = nil
	m.edges = nil
	m.nodesByLabel = nil
	m.outgoingEdges = nil
	m.incomingEdges = nil
	return nil
}

// ============================================================================
// Unlocked helpers. Caller must hold m.mu.Lock().
// ============================================================================

func (m *MemoryEngine) nextSeq() uint64 {
	m.seq++
	return m.seq
}

func (m *MemoryEngine) indexLabels(node *Node) {
	for _, label := range node.Labels {
		if m.nodesByLabel[label] == nil {
			m.nodesByLabel[label] = make(map[NodeID]struct{})
		}
		m.nodesByLabel[label][node.ID] = struct{}{}
	}
}

func (m *MemoryEngine) createNodeUnlocked(node *Node) {
	stored := copyNode(node)
	stored.Seq = m.nextSeq()
	node.Seq = stored.Seq
	m.nodes[node.ID] = stored
	m.indexLabels(stored)
}

func (m *MemoryEngine) deleteNodeUnlocked(id NodeID) {
	node := m.nodes[id]
	for _, label := range node.Labels {
		if ids := m.nodesByLabel[label]; ids != nil {
			delete(ids, id)
			if len(ids) == 0 {
				delete(m.nodesByLabel, label)
			}
		}
	}
	for edgeID := range m.outgoingEdges[id] {
		m.deleteEdgeUnlocked(edgeID)
	}
	for edgeID := range m.incomingEdges[id] {
		m.deleteEdgeUnlocked(edgeID)
	}
	delete(m.outgoingEdges, id)
	delete(m.incomingEdges, id)
	delete(m.nodes, id)
}

func (m *MemoryEngine) createEdgeUnlocked(edge *Edge) {
	stored := copyEdge(edge)
	stored.Seq = m.nextSeq()
	edge.Seq = stored.Seq
	m.edges[edge.ID] = stored

	if m.outgoingEdges[edge.StartNode] == nil {
		m.outgoingEdges[edge.StartNode] = make(map[EdgeID]struct{})
	}
	m.outgoingEdges[edge.StartNode][edge.ID] = struct{}{}

	if m.incomingEdges[edge.EndNode] == nil {
		m.incomingEdges[edge.EndNode] = make(map[EdgeID]struct{})
	}
	m.incomingEdges[edge.EndNode][edge.ID] = struct{}{}
}

func (m *MemoryEngine) deleteEdgeUnlocked(id EdgeID) {
	edge, exists := m.edges[id]
	if !exists {
		return
	}
	if outgoing := m.outgoingEdges[edge.StartNode]; outgoing != nil {
		delete(outgoing, id)
	}
	if incoming := m.incomingEdges[edge.EndNode]; incoming != nil {
		delete(incoming, id)
	}
	delete(m.edges, id)
}

func (m *MemoryEngine) collectEdges(ids map[EdgeID]struct{}) []*Edge {
	edges := make([]*Edge, 0, len(ids))
	for id := range ids {
		if e := m.edges[id]; e != nil {
			edges = append(edges, copyEdge(e))
		}
	}
	sortEdges(edges)
	return edges
}
