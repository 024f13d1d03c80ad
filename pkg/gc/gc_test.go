package gc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/orneryd/provgraph/pkg/backend"
	"github.com/orneryd/provgraph/pkg/executor"
	"github.com/orneryd/provgraph/pkg/instruction"
	"github.com/orneryd/provgraph/pkg/membership"
	"github.com/orneryd/provgraph/pkg/storage"
	"github.com/orneryd/provgraph/pkg/symbols"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const base = "provenance"

type fixture struct {
	exec   *executor.StoreExecutor
	scheme *membership.Scheme
	env    *symbols.Environment
	gc     *Collector
}

func setup(t *testing.T) *fixture {
	t.Helper()
	engine := storage.NewMemoryEngine()
	require.NoError(t, engine.BulkCreateNodes([]*storage.Node{
		{ID: "a", Labels: []string{base}, Properties: map[string]any{"name": "a"}},
		{ID: "b", Labels: []string{base}, Properties: map[string]any{"name": "b"}},
	}))
	require.NoError(t, engine.BulkCreateEdges([]*storage.Edge{
		{ID: "ab", StartNode: "a", EndNode: "b", Type: "Used"},
	}))
	store := backend.NewStore(engine)
	t.Cleanup(func() { store.Close() })

	env, err := symbols.Open(context.Background(), store, base)
	require.NoError(t, err)
	scheme := membership.New(store, base)
	return &fixture{
		exec:   executor.New(scheme, env, executor.Options{}),
		scheme: scheme,
		env:    env,
		gc:     New(scheme, env),
	}
}

// graph allocates a graph holding every base element.
func (f *fixture) graph(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	name, err := f.env.AllocateGraph(ctx)
	require.NoError(t, err)
	require.NoError(t, f.exec.UnionGraph(ctx, &instruction.UnionGraph{
		Target: instruction.Graph(name), Source: base,
	}))
	return name
}

func TestCollectReclaimsUnboundNames(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	bound := f.graph(t)
	require.NoError(t, f.env.Bind(ctx, symbols.Graphs, "$kept", bound))
	f.env.Release(bound)

	orphan := f.graph(t)
	f.env.Release(orphan)

	pinned := f.graph(t)

	meta, err := f.env.AllocateMetadata(ctx)
	require.NoError(t, err)
	require.NoError(t, f.exec.SetGraphMetadata(ctx, &instruction.SetGraphMetadata{
		Target: instruction.Metadata(meta), Source: instruction.Graph(bound), Name: "k", Value: "v",
	}))
	f.env.Release(meta)

	report, err := f.gc.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{orphan}, report.VertexTags)
	assert.Equal(t, []string{orphan}, report.EdgeTags)
	assert.Equal(t, []string{meta}, report.Metadata)
	assert.Zero(t, report.Failures)
	assert.Equal(t, 3, report.Reclaimed())

	tags, err := f.scheme.EnumerateVertexTags(ctx)
	require.NoError(t, err)
	assert.Contains(t, tags, bound)
	assert.Contains(t, tags, pinned)
	assert.Contains(t, tags, base)
	assert.Contains(t, tags, symbols.RecordID)
	assert.NotContains(t, tags, orphan)

	member, err := f.scheme.IsEdgeMember(ctx, bound, "ab")
	require.NoError(t, err)
	assert.True(t, member)

	md, err := f.exec.ReadMetadata(ctx, meta)
	require.NoError(t, err)
	assert.Empty(t, md.Vertex, "bundle was deleted")

	t.Run("second pass finds nothing", func(t *testing.T) {
		report, err := f.gc.Collect(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.Reclaimed())
	})

	t.Run("erased symbols become garbage", func(t *testing.T) {
		_, err := f.exec.EraseSymbols(ctx, &instruction.EraseSymbols{Names: []string{"$kept"}})
		require.NoError(t, err)
		f.env.Release(pinned)

		report, err := f.gc.Collect(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{bound, pinned}, report.VertexTags)
	})
}

func TestCollectIgnoresForeignLabels(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	require.NoError(t, f.scheme.Store().Exec(ctx, "label", func(_ context.Context, g storage.Engine) error {
		n, err := g.GetNode("a")
		if err != nil {
			return err
		}
		n.Labels = append(n.Labels, "Process", "graph_x")
		return g.UpdateNode(n)
	}))

	report, err := f.gc.Collect(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Reclaimed())
}

func TestCollectConcurrentCallsAgree(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	orphan := f.graph(t)
	f.env.Release(orphan)

	var wg sync.WaitGroup
	reports := make([]Report, 4)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.gc.Collect(ctx)
			assert.NoError(t, err)
			reports[i] = r
		}(i)
	}
	wg.Wait()

	total := 0
	for _, r := range reports {
		assert.LessOrEqual(t, len(r.VertexTags), 1)
		total += len(r.VertexTags)
	}
	assert.GreaterOrEqual(t, total, 1)
}

func TestRunStopsWithContext(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.gc.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	orphan := f.graph(t)
	f.env.Release(orphan)

	assert.Eventually(t, func() bool {
		tags, err := f.scheme.EnumerateVertexTags(context.Background())
		return err == nil && !contains(tags, orphan)
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	f.gc.Run(context.Background(), 0)
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func TestCollectKeepsGraphsReadByRunningPrograms(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	old := f.graph(t)
	require.NoError(t, f.env.Bind(ctx, symbols.Graphs, "$src", old))
	f.env.Release(old)

	compiled, err := instruction.Compile(ctx, f.env, []instruction.Instruction{
		&instruction.ExportGraph{Graph: "$src"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{old}, compiled.Held)

	replacement := f.graph(t)
	require.NoError(t, f.env.Bind(ctx, symbols.Graphs, "$src", replacement))
	f.env.Release(replacement)

	report, err := f.gc.Collect(ctx)
	require.NoError(t, err)
	assert.NotContains(t, report.VertexTags, old)

	f.env.Release(compiled.Pinned()...)
	report, err = f.gc.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{old}, report.VertexTags)
}
