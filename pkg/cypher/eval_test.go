package cypher

import (
	"context"
	"testing"

	"github.com/orneryd/provgraph/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupEngine(t *testing.T) storage.Engine {
	t.Helper()
	engine := storage.NewMemoryEngine()
	t.Cleanup(func() { engine.Close() })

	require.NoError(t, engine.BulkCreateNodes([]*storage.Node{
		{ID: "p1", Labels: []string{"provenance"}, Properties: map[string]any{"type": "Process", "name": "bash", "pid": "12"}},
		{ID: "p2", Labels: []string{"provenance", "graph_1"}, Properties: map[string]any{"type": "Process", "name": "vim", "pid": "7"}},
		{ID: "a1", Labels: []string{"provenance"}, Properties: map[string]any{"type": "Artifact", "path": "/etc/passwd"}},
	}))
	require.NoError(t, engine.BulkCreateEdges([]*storage.Edge{
		{ID: "e1", StartNode: "a1", EndNode: "p1", Type: "Used", Properties: map[string]any{"op": "read", "_graphs": ",graph_1,"}},
		{ID: "e2", StartNode: "p1", EndNode: "p2", Type: "WasTriggeredBy", Properties: map[string]any{"op": "fork"}},
	}))
	return engine
}

func eval(t *testing.T, engine storage.Engine, q string) *Result {
	t.Helper()
	res, err := Evaluate(context.Background(), engine, q)
	require.NoError(t, err, q)
	return res
}

func TestNodeMatchWithWhere(t *testing.T) {
	engine := setupEngine(t)

	res := eval(t, engine, "MATCH (n:provenance) WHERE n.type = 'Process' RETURN n.name AS name ORDER BY name")
	assert.Equal(t, []string{"name"}, res.Columns)
	assert.Equal(t, [][]any{{"bash"}, {"vim"}}, res.Rows)

	res = eval(t, engine, "match (n) where n.pid > 10 return id(n)")
	assert.Equal(t, [][]any{{"p1"}}, res.Rows, "numeric comparison on string annotations")

	res = eval(t, engine, `MATCH (n) WHERE n.path STARTS WITH "/etc" OR n.name =~ 'v.*' RETURN id(n) ORDER BY id(n) DESC`)
	assert.Equal(t, [][]any{{"p2"}, {"a1"}}, res.Rows)

	res = eval(t, engine, "MATCH (n) WHERE n.path IS NULL AND NOT n.name = 'bash' RETURN n.name")
	assert.Equal(t, [][]any{{"vim"}}, res.Rows)

	res = eval(t, engine, "MATCH (n:graph_1) RETURN labels(n)")
	assert.Equal(t, [][]any{{[]string{"provenance", "graph_1"}}}, res.Rows)
}

func TestCountAndGrouping(t *testing.T) {
	engine := setupEngine(t)

	res := eval(t, engine, "MATCH (n) RETURN count(*) AS total")
	assert.Equal(t, [][]any{{int64(3)}}, res.Rows)

	res = eval(t, engine, "MATCH (n) RETURN n.type, count(n) AS c ORDER BY c DESC")
	assert.Equal(t, []string{"n.type", "c"}, res.Columns)
	assert.Equal(t, [][]any{{"Process", int64(2)}, {"Artifact", int64(1)}}, res.Rows)

	res = eval(t, engine, "MATCH (n:nothing) RETURN count(*)")
	assert.Equal(t, [][]any{{int64(0)}}, res.Rows)
}

func TestRelationshipMatch(t *testing.T) {
	engine := setupEngine(t)

	res := eval(t, engine, "MATCH (a)-[e:Used]->(b) RETURN a.path, type(e), b.name")
	assert.Equal(t, [][]any{{"/etc/passwd", "Used", "bash"}}, res.Rows)

	res = eval(t, engine, "MATCH (child)<-[e]-(parent) WHERE child.name = 'vim' RETURN id(parent), e.op")
	assert.Equal(t, [][]any{{"p1", "fork"}}, res.Rows)

	res = eval(t, engine, "MATCH ()-[e]->() RETURN keys(e), e._graphs ORDER BY keys(e)")
	assert.Equal(t, [][]any{{[]string{"op"}, nil}, {[]string{"op"}, nil}}, res.Rows, "membership list is hidden")
}

func TestDistinctSkipLimit(t *testing.T) {
	engine := setupEngine(t)

	res := eval(t, engine, "MATCH (n) RETURN DISTINCT n.type ORDER BY n.type")
	assert.Equal(t, [][]any{{"Artifact"}, {"Process"}}, res.Rows)

	res = eval(t, engine, "MATCH (n) RETURN id(n) ORDER BY id(n) SKIP 1 LIMIT 1")
	assert.Equal(t, [][]any{{"p1"}}, res.Rows)

	res = eval(t, engine, "MATCH (n) RETURN id(n) SKIP 10")
	assert.Empty(t, res.Rows)
}

func TestRejectsUnsupported(t *testing.T) {
	engine := setupEngine(t)

	_, err := Evaluate(context.Background(), engine, "CREATE (n:Foo)")
	assert.ErrorIs(t, err, ErrReadOnly)
	_, err = Evaluate(context.Background(), engine, "MATCH (n) DETACH DELETE n")
	assert.ErrorIs(t, err, ErrReadOnly)

	bad := []string{
		"",
		"RETURN 1",
		"MATCH (n RETURN n",
		"MATCH (n) RETURN m",
		"MATCH (n) RETURN n ORDER BY n.missing",
		"MATCH (n) WHERE n.x ~ 1 RETURN n",
		"MATCH (n) RETURN avg(n.x)",
		"MATCH (n) RETURN n LIMIT -1",
		"MATCH (n) WHERE n.name = 'open RETURN n",
	}
	for _, q := range bad {
		_, err := Evaluate(context.Background(), engine, q)
		assert.ErrorIs(t, err, ErrSyntax, q)
	}
}

func TestTokenizer(t *testing.T) {
	tokens, err := NewTokenizer("match (n)-[:T]->(m) where n.x <> 'a\\'b' return n").Tokenize()
	require.NoError(t, err)

	var values []string
	for _, tok := range tokens {
		values = append(values, tok.Value)
	}
	assert.Equal(t, []string{
		"MATCH", "(", "n", ")", "-", "[", ":", "T", "]", "->", "(", "m", ")",
		"WHERE", "n", ".", "x", "<>", "a'b", "RETURN", "n", "",
	}, values)
	assert.Equal(t, TokenEOF, tokens[len(tokens)-1].Type)
}

func TestCompareValuesNonFinite(t *testing.T) {
	assert.Equal(t, 0, compareValues("42", 42))
	assert.Equal(t, -1, compareValues("9", "10"))
	assert.NotEqual(t, 0, compareValues("NaN", 5))
	assert.NotEqual(t, 0, compareValues("Infinity", "Inf"))
	assert.Equal(t, 0, compareValues("NaN", "NaN"))
}
