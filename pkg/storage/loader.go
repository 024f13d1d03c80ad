package storage

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/orneryd/provgraph/pkg/convert"
	"golang.org/x/crypto/blake2b"
)

// Neo4jExport is the combined Neo4j JSON export format.
type Neo4jExport struct {
	Nodes         []Neo4jNode         `json:"nodes"`
	Relationships []Neo4jRelationship `json:"relationships"`
}

// Neo4jNode is the Neo4j JSON export format for nodes.
type Neo4jNode struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
}

// Neo4jNodeRef is a reference to a node in APOC relationship format.
type Neo4jNodeRef struct {
	ID     string   `json:"id"`
	Labels []string `json:"labels,omitempty"`
}

// Neo4jRelationship supports both the flat (startNode/endNode) and the APOC
// (start/end objects) relationship formats.
type Neo4jRelationship struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`

	StartNode string `json:"startNode,omitempty"`
	EndNode   string `json:"endNode,omitempty"`

	Start Neo4jNodeRef `json:"start,omitempty"`
	End   Neo4jNodeRef `json:"end,omitempty"`
}

// GetStartID returns the start node ID for either format.
func (r *Neo4jRelationship) GetStartID() string {
	if r.Start.ID != "" {
		return r.Start.ID
	}
	return r.StartNode
}

// GetEndID returns the end node ID for either format.
func (r *Neo4jRelationship) GetEndID() string {
	if r.End.ID != "" {
		return r.End.ID
	}
	return r.EndNode
}

// Loader ingests provenance exports into an engine.
//
// Every loaded vertex receives BaseLabel so that it belongs to the base
// graph. Annotation values are stored as strings. Elements without an ID get
// a content hash (see HashVertex, HashEdge) so reloading the same export is
// idempotent in identity.
type Loader struct {
	Engine    Engine
	BaseLabel string
}

// LoadStats reports what a load wrote.
type LoadStats struct {
	Vertices int
	Edges    int
}

// LoadFile loads a combined export file.
//
// File Format:
//
//	{
//	  "nodes": [
//	    {"id":"a1","labels":["Process"],"properties":{"name":"bash"}}
//	  ],
//	  "relationships": [
//	    {"id":"r1","type":"WasTriggeredBy","startNode":"a1","endNode":"a0","properties":{}}
//	  ]
//	}
func (l *Loader) LoadFile(path string) (LoadStats, error) {
	file, err := os.Open(path)
	if err != nil {
		return LoadStats{}, fmt.Errorf("opening file: %w", err)
	}
	defer file.Close()
	return l.Load(file)
}

// Load reads a combined export from r.
func (l *Loader) Load(r io.Reader) (LoadStats, error) {
	var export Neo4jExport
	if err := json.NewDecoder(r).Decode(&export); err != nil {
		return LoadStats{}, fmt.Errorf("decoding JSON: %w", err)
	}
	return l.LoadExport(&export)
}

// LoadExport writes an already decoded export. Nodes are written before
// relationships.
func (l *Loader) LoadExport(export *Neo4jExport) (LoadStats, error) {
	nodes := make([]*Node, 0, len(export.Nodes))
	for i := range export.Nodes {
		nodes = append(nodes, l.nodeFromNeo4j(&export.Nodes[i]))
	}
	edges := make([]*Edge, 0, len(export.Relationships))
	for i := range export.Relationships {
		edge, err := edgeFromNeo4j(&export.Relationships[i])
		if err != nil {
			return LoadStats{}, fmt.Errorf("converting relationship %d: %w", i, err)
		}
		edges = append(edges, edge)
	}

	if len(nodes) > 0 {
		if err := l.Engine.BulkCreateNodes(nodes); err != nil {
			return LoadStats{}, fmt.Errorf("loading nodes: %w", err)
		}
	}
	if len(edges) > 0 {
		if err := l.Engine.BulkCreateEdges(edges); err != nil {
			return LoadStats{Vertices: len(nodes)}, fmt.Errorf("loading relationships: %w", err)
		}
	}
	return LoadStats{Vertices: len(nodes), Edges: len(edges)}, nil
}

// LoadDir loads nodes.json and relationships.json (JSON lines) from dir.
// Either file may be absent.
func (l *Loader) LoadDir(dir string) (LoadStats, error) {
	var stats LoadStats

	n, err := l.loadLines(filepath.Join(dir, "nodes.json"), func(line []byte) (any, error) {
		var nn Neo4jNode
		if err := json.Unmarshal(line, &nn); err != nil {
			return nil, fmt.Errorf("parsing node JSON: %w", err)
		}
		return l.nodeFromNeo4j(&nn), nil
	})
	if err != nil {
		return stats, fmt.Errorf("loading nodes: %w", err)
	}
	stats.Vertices = n

	n, err = l.loadLines(filepath.Join(dir, "relationships.json"), func(line []byte) (any, error) {
		var rel Neo4jRelationship
		if err := json.Unmarshal(line, &rel); err != nil {
			return nil, fmt.Errorf("parsing relationship JSON: %w", err)
		}
		return edgeFromNeo4j(&rel)
	})
	if err != nil {
		return stats, fmt.Errorf("loading relationships: %w", err)
	}
	stats.Edges = n
	return stats, nil
}

func (l *Loader) loadLines(path string, parse func([]byte) (any, error)) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var nodes []*Node
	var edges []*Edge
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		v, err := parse(line)
		if err != nil {
			return 0, err
		}
		switch el := v.(type) {
		case *Node:
			nodes = append(nodes, el)
		case *Edge:
			edges = append(edges, el)
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scanning file: %w", err)
	}

	if len(nodes) > 0 {
		if err := l.Engine.BulkCreateNodes(nodes); err != nil {
			return 0, err
		}
	}
	if len(edges) > 0 {
		if err := l.Engine.BulkCreateEdges(edges); err != nil {
			return 0, err
		}
	}
	return len(nodes) + len(edges), nil
}

func (l *Loader) nodeFromNeo4j(n *Neo4jNode) *Node {
	props := stringifyProperties(n.Properties)
	id := n.ID
	if id == "" {
		id = HashVertex(props)
	}

	labels := make([]string, 0, len(n.Labels)+1)
	for _, label := range n.Labels {
		if label != l.BaseLabel {
			labels = append(labels, label)
		}
	}
	labels = append(labels, l.BaseLabel)

	return &Node{ID: NodeID(id), Labels: labels, Properties: props}
}

func edgeFromNeo4j(r *Neo4jRelationship) (*Edge, error) {
	start, end := r.GetStartID(), r.GetEndID()
	if start == "" || end == "" {
		return nil, ErrInvalidEdge
	}
	props := stringifyProperties(r.Properties)
	id := r.ID
	if id == "" {
		id = HashEdge(start, end, props)
	}
	relType := r.Type
	if relType == "" {
		relType = "Edge"
	}
	return &Edge{
		ID:         EdgeID(id),
		StartNode:  NodeID(start),
		EndNode:    NodeID(end),
		Type:       relType,
		Properties: props,
	}, nil
}

func stringifyProperties(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = convert.ToString(v)
	}
	return out
}

// HashVertex returns the content hash of a vertex: blake2b-256 over its
// sorted annotations, hex encoded.
func HashVertex(annotations map[string]any) string {
	return hashParts(canonical(annotations))
}

// HashEdge returns the content hash of an edge over its endpoints and
// annotations.
func HashEdge(child, parent string, annotations map[string]any) string {
	return hashParts(append([]string{child, parent}, canonical(annotations)...))
}

func canonical(annotations map[string]any) []string {
	keys := make([]string, 0, len(annotations))
	for k := range annotations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+convert.ToString(annotations[k]))
	}
	return parts
}

func hashParts(parts []string) string {
	sum := blake2b.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}
