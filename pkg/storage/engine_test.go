package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// engineFactories runs the same contract against every engine.
func engineFactories(t *testing.T) map[string]func() Engine {
	return map[string]func() Engine{
		"memory": func() Engine { return NewMemoryEngine() },
		"badger": func() Engine {
			engine, err := NewBadgerEngineInMemory()
			require.NoError(t, err)
			return engine
		},
	}
}

func forEachEngine(t *testing.T, fn func(t *testing.T, engine Engine)) {
	for name, factory := range engineFactories(t) {
		t.Run(name, func(t *testing.T) {
			engine := factory()
			defer engine.Close()
			fn(t, engine)
		})
	}
}

func seedChain(t *testing.T, engine Engine) {
	t.Helper()
	require.NoError(t, engine.BulkCreateNodes([]*Node{
		{ID: "v1", Labels: []string{"provenance"}, Properties: map[string]any{"type": "Process"}},
		{ID: "v2", Labels: []string{"provenance"}, Properties: map[string]any{"type": "Artifact"}},
		{ID: "v3", Labels: []string{"provenance"}, Properties: map[string]any{"type": "Process"}},
	}))
	require.NoError(t, engine.BulkCreateEdges([]*Edge{
		{ID: "e1", StartNode: "v1", EndNode: "v2", Type: "Edge"},
		{ID: "e2", StartNode: "v2", EndNode: "v3", Type: "Edge"},
	}))
}

func TestEngineNodeCRUD(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine Engine) {
		node := &Node{ID: "v1", Labels: []string{"provenance"}, Properties: map[string]any{"name": "bash"}}
		require.NoError(t, engine.CreateNode(node))
		assert.NotZero(t, node.Seq)

		assert.ErrorIs(t, engine.CreateNode(&Node{ID: "v1"}), ErrAlreadyExists)
		assert.ErrorIs(t, engine.CreateNode(&Node{}), ErrInvalidID)
		assert.ErrorIs(t, engine.CreateNode(nil), ErrInvalidData)

		got, err := engine.GetNode("v1")
		require.NoError(t, err)
		assert.Equal(t, "bash", got.Properties["name"])

		got.Labels = append(got.Labels, "graph_0")
		got.Seq = 999
		require.NoError(t, engine.UpdateNode(got))

		tagged, err := engine.GetNodesByLabel("graph_0")
		require.NoError(t, err)
		require.Len(t, tagged, 1)
		assert.Equal(t, node.Seq, tagged[0].Seq, "update must not move the sequence number")

		require.NoError(t, engine.DeleteNode("v1"))
		_, err = engine.GetNode("v1")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, engine.UpdateNode(got), ErrNotFound)
	})
}

func TestEngineLabelsAreCaseSensitive(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine Engine) {
		require.NoError(t, engine.CreateNode(&Node{ID: "a", Labels: []string{"graph_1"}}))
		require.NoError(t, engine.CreateNode(&Node{ID: "b", Labels: []string{"Graph_1"}}))

		lower, err := engine.GetNodesByLabel("graph_1")
		require.NoError(t, err)
		require.Len(t, lower, 1)
		assert.Equal(t, NodeID("a"), lower[0].ID)
	})
}

func TestEngineEdgesAndAdjacency(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine Engine) {
		seedChain(t, engine)

		out, err := engine.GetOutgoingEdges("v2")
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, EdgeID("e2"), out[0].ID)

		in, err := engine.GetIncomingEdges("v2")
		require.NoError(t, err)
		require.Len(t, in, 1)
		assert.Equal(t, EdgeID("e1"), in[0].ID)

		assert.ErrorIs(t, engine.CreateEdge(&Edge{ID: "bad", StartNode: "v1", EndNode: "nope"}), ErrInvalidEdge)

		e, err := engine.GetEdge("e1")
		require.NoError(t, err)
		e.Properties["_graphs"] = ",graph_0,"
		require.NoError(t, engine.UpdateEdge(e))
		e, err = engine.GetEdge("e1")
		require.NoError(t, err)
		assert.Equal(t, ",graph_0,", e.Properties["_graphs"])

		e.EndNode = "v3"
		assert.ErrorIs(t, engine.UpdateEdge(e), ErrInvalidEdge)

		// deleting a node removes attached edges
		require.NoError(t, engine.DeleteNode("v2"))
		count, err := engine.EdgeCount()
		require.NoError(t, err)
		assert.Zero(t, count)
		out, err = engine.GetOutgoingEdges("v1")
		require.NoError(t, err)
		assert.Empty(t, out)
	})
}

func TestEngineOrdersBySequence(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine Engine) {
		// IDs deliberately sort opposite to creation order
		for _, id := range []NodeID{"z", "m", "a"} {
			require.NoError(t, engine.CreateNode(&Node{ID: id, Labels: []string{"provenance"}}))
		}
		nodes, err := engine.AllNodes()
		require.NoError(t, err)
		require.Len(t, nodes, 3)
		assert.Equal(t, NodeID("z"), nodes[0].ID)
		assert.Equal(t, NodeID("a"), nodes[2].ID)

		byLabel, err := engine.GetNodesByLabel("provenance")
		require.NoError(t, err)
		assert.Equal(t, nodes[0].ID, byLabel[0].ID)
		assert.Less(t, byLabel[0].Seq, byLabel[1].Seq)
	})
}

func TestEngineBulkRejectsDuplicates(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine Engine) {
		require.NoError(t, engine.CreateNode(&Node{ID: "v1"}))
		err := engine.BulkCreateNodes([]*Node{{ID: "v2"}, {ID: "v1"}})
		assert.ErrorIs(t, err, ErrAlreadyExists)

		_, err = engine.GetNode("v2")
		assert.ErrorIs(t, err, ErrNotFound, "a rejected batch writes nothing")
	})
}

func TestEngineReturnsCopies(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine Engine) {
		require.NoError(t, engine.CreateNode(&Node{ID: "v1", Labels: []string{"provenance"}, Properties: map[string]any{"k": "v"}}))
		got, err := engine.GetNode("v1")
		require.NoError(t, err)
		got.Properties["k"] = "changed"
		got.Labels[0] = "other"

		again, err := engine.GetNode("v1")
		require.NoError(t, err)
		assert.Equal(t, "v", again.Properties["k"])
		assert.Equal(t, []string{"provenance"}, again.Labels)
	})
}

func TestStreamingStopsEarly(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine Engine) {
		seedChain(t, engine)
		visited := 0
		err := StreamNodes(context.Background(), engine, func(*Node) error {
			visited++
			return ErrIterationStopped
		})
		require.NoError(t, err)
		assert.Equal(t, 1, visited)

		boom := errors.New("boom")
		err = StreamEdges(context.Background(), engine, func(*Edge) error { return boom })
		assert.ErrorIs(t, err, boom)
	})
}

func TestCollectLabels(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine Engine) {
		require.NoError(t, engine.CreateNode(&Node{ID: "a", Labels: []string{"provenance", "graph_2"}}))
		require.NoError(t, engine.CreateNode(&Node{ID: "b", Labels: []string{"provenance"}}))

		labels, err := CollectLabels(context.Background(), engine)
		require.NoError(t, err)
		assert.Equal(t, []string{"graph_2", "provenance"}, labels)
	})
}

func TestClosedEngine(t *testing.T) {
	for name, factory := range engineFactories(t) {
		t.Run(name, func(t *testing.T) {
			engine := factory()
			require.NoError(t, engine.Close())
			_, err := engine.GetNode("v1")
			assert.ErrorIs(t, err, ErrStorageClosed)
			assert.ErrorIs(t, engine.CreateNode(&Node{ID: "v1"}), ErrStorageClosed)
		})
	}
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	engine, err := NewBadgerEngine(dir)
	require.NoError(t, err)
	seedChain(t, engine)
	first, err := engine.GetNode("v3")
	require.NoError(t, err)
	require.NoError(t, engine.Close())

	engine, err = NewBadgerEngine(dir)
	require.NoError(t, err)
	defer engine.Close()

	count, err := engine.NodeCount()
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	require.NoError(t, engine.CreateNode(&Node{ID: "v4"}))
	v4, err := engine.GetNode("v4")
	require.NoError(t, err)
	assert.Greater(t, v4.Seq, first.Seq, "sequence keeps increasing after reopen")
}
