// Package storage provides the graph store interface and implementations
// that back the provenance query engine.
//
// The store is a labeled property graph. Provenance vertices and edges
// carry string annotations as properties; node labels and one delimited
// edge property are used as tags for named graph membership (see package
// membership).
//
// Every element receives a monotonically increasing sequence number when it
// is created. Listing operations return elements in sequence order so that
// operations such as "first N vertices" are deterministic.
//
// Example Usage:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	engine.CreateNode(&storage.Node{
//		ID:         storage.NodeID("v1"),
//		Labels:     []string{"provenance"},
//		Properties: map[string]any{"type": "Process", "name": "bash"},
//	})
//	engine.CreateEdge(&storage.Edge{
//		ID:        storage.EdgeID("e1"),
//		StartNode: storage.NodeID("v1"),
//		EndNode:   storage.NodeID("v2"),
//		Type:      "Edge",
//	})
package storage

import (
	"context"
	"errors"
	"sort"
)

// Common errors
var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrInvalidID        = errors.New("invalid id")
	ErrInvalidData      = errors.New("invalid data")
	ErrInvalidEdge      = errors.New("invalid edge: start or end node not found")
	ErrStorageClosed    = errors.New("storage closed")
	ErrIterationStopped = errors.New("iteration stopped") // Sentinel to stop streaming early
)

// NodeID is the stable identifier of a vertex. For provenance vertices it is
// the vertex hash.
type NodeID string

// EdgeID is the stable identifier of an edge.
type EdgeID string

// Node is a vertex in the labeled property graph.
//
// Labels are case-sensitive. Seq is assigned by the engine on creation and
// never changes afterwards; callers leave it zero.
type Node struct {
	ID         NodeID         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
	Seq        uint64         `json:"seq"`
}

// HasLabel reports whether the node carries label.
func (n *Node) HasLabel(label string) bool {
	for _, l := range n.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Edge is a directed edge. In provenance graphs it points from the parent
// (the ancestor, StartNode) to the child (the descendant, EndNode).
type Edge struct {
	ID         EdgeID         `json:"id"`
	StartNode  NodeID         `json:"startNode"`
	EndNode    NodeID         `json:"endNode"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Seq        uint64         `json:"seq"`
}

// Engine is the storage contract used by the backend statement layer.
//
// Implementations must be safe for concurrent use. Returned elements are
// copies: mutating them has no effect until passed to UpdateNode/UpdateEdge.
// All listing methods return elements ordered by Seq.
type Engine interface {
	// Node operations
	CreateNode(node *Node) error
	GetNode(id NodeID) (*Node, error)
	UpdateNode(node *Node) error
	DeleteNode(id NodeID) error

	// Edge operations
	CreateEdge(edge *Edge) error
	GetEdge(id EdgeID) (*Edge, error)
	UpdateEdge(edge *Edge) error
	DeleteEdge(id EdgeID) error

	// Query operations
	GetNodesByLabel(label string) ([]*Node, error)
	GetOutgoingEdges(nodeID NodeID) ([]*Edge, error)
	GetIncomingEdges(nodeID NodeID) ([]*Edge, error)
	AllNodes() ([]*Node, error)
	AllEdges() ([]*Edge, error)

	// Bulk operations
	BulkCreateNodes(nodes []*Node) error
	BulkCreateEdges(edges []*Edge) error

	// Stats
	NodeCount() (int64, error)
	EdgeCount() (int64, error)

	// Lifecycle
	Close() error
}

// StreamingEngine is implemented by engines that can visit elements
// without materializing the whole graph.
type StreamingEngine interface {
	Engine
	StreamNodes(ctx context.Context, fn NodeVisitor) error
	StreamEdges(ctx context.Context, fn EdgeVisitor) error
}

// NodeVisitor is called for each node during streaming. Returning
// ErrIterationStopped ends the stream without error.
type NodeVisitor func(node *Node) error

// EdgeVisitor is called for each edge during streaming.
type EdgeVisitor func(edge *Edge) error

// StreamNodes visits every node, using the engine's streaming support when
// available and falling back to AllNodes otherwise.
func StreamNodes(ctx context.Context, engine Engine, fn NodeVisitor) error {
	if s, ok := engine.(StreamingEngine); ok {
		return s.StreamNodes(ctx, fn)
	}
	nodes, err := engine.AllNodes()
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

// StreamEdges visits every edge.
func StreamEdges(ctx context.Context, engine Engine, fn EdgeVisitor) error {
	if s, ok := engine.(StreamingEngine); ok {
		return s.StreamEdges(ctx, fn)
	}
	edges, err := engine.AllEdges()
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

// CollectLabels returns every distinct node label, sorted.
func CollectLabels(ctx context.Context, engine Engine) ([]string, error) {
	seen := make(map[string]struct{})
	err := StreamNodes(ctx, engine, func(n *Node) error {
		for _, l := range n.Labels {
			seen[l] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	labels := make([]string, 0, len(seen))
	for l := range seen {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels, nil
}

func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Seq < nodes[j].Seq })
}

func sortEdges(edges []*Edge) {
	sort.Slice(edges, func(i, j int) bool { return edges[i].Seq < edges[j].Seq })
}

func copyNode(n *Node) *Node {
	labels := make([]string, len(n.Labels))
	copy(labels, n.Labels)
	props := make(map[string]any, len(n.Properties))
	for k, v := range n.Properties {
		props[k] = v
	}
	return &Node{ID: n.ID, Labels: labels, Properties: props, Seq: n.Seq}
}

func copyEdge(e *Edge) *Edge {
	props := make(map[string]any, len(e.Properties))
	for k, v := range e.Properties {
		props[k] = v
	}
	return &Edge{
		ID:         e.ID,
		StartNode:  e.StartNode,
		EndNode:    e.EndNode,
		Type:       e.Type,
		Properties: props,
		Seq:        e.Seq,
	}
}
