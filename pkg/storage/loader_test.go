package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const combinedExport = `{
  "nodes": [
    {"id": "v1", "labels": ["Process"], "properties": {"name": "bash", "pid": 42}},
    {"labels": ["Artifact"], "properties": {"path": "/etc/passwd"}}
  ],
  "relationships": [
    {"id": "e1", "type": "Used", "startNode": "v1", "endNode": "PLACEHOLDER", "properties": {"operation": "read"}}
  ]
}`

func TestLoaderAddsBaseLabelAndHashes(t *testing.T) {
	engine := NewMemoryEngine()
	defer engine.Close()

	artifactID := HashVertex(map[string]any{"path": "/etc/passwd"})
	data := strings.Replace(combinedExport, "PLACEHOLDER", artifactID, 1)

	loader := &Loader{Engine: engine, BaseLabel: "provenance"}
	stats, err := loader.Load(strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, LoadStats{Vertices: 2, Edges: 1}, stats)

	base, err := engine.GetNodesByLabel("provenance")
	require.NoError(t, err)
	assert.Len(t, base, 2)

	v1, err := engine.GetNode("v1")
	require.NoError(t, err)
	assert.Equal(t, "42", v1.Properties["pid"], "annotations are stored as strings")
	assert.True(t, v1.HasLabel("Process"))

	_, err = engine.GetNode(NodeID(artifactID))
	require.NoError(t, err)
}

func TestLoaderDir(t *testing.T) {
	dir := t.TempDir()
	nodes := `{"id":"a","labels":[],"properties":{"type":"Process"}}
{"id":"b","labels":[],"properties":{"type":"Artifact"}}
`
	rels := `{"type":"WasGeneratedBy","start":{"id":"b"},"end":{"id":"a"},"properties":{}}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nodes.json"), []byte(nodes), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relationships.json"), []byte(rels), 0o644))

	engine := NewMemoryEngine()
	defer engine.Close()

	stats, err := (&Loader{Engine: engine, BaseLabel: "provenance"}).LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Vertices)
	assert.Equal(t, 1, stats.Edges)

	out, err := engine.GetOutgoingEdges("b")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, EdgeID(HashEdge("b", "a", map[string]any{})), out[0].ID)
}

func TestLoaderRejectsDanglingRelationship(t *testing.T) {
	engine := NewMemoryEngine()
	defer engine.Close()

	_, err := (&Loader{Engine: engine, BaseLabel: "provenance"}).LoadExport(&Neo4jExport{
		Relationships: []Neo4jRelationship{{ID: "r", StartNode: "x"}},
	})
	assert.ErrorIs(t, err, ErrInvalidEdge)
}

func TestHashIsOrderIndependent(t *testing.T) {
	a := HashVertex(map[string]any{"x": "1", "y": "2"})
	b := HashVertex(map[string]any{"y": "2", "x": "1"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, HashVertex(map[string]any{"x": "1"}))
}
