package instruction

import (
	"testing"

	"github.com/orneryd/provgraph/pkg/qerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredicateComparisons(t *testing.T) {
	props := map[string]any{
		"type":    "Process",
		"name":    "bash",
		"pid":     "42",
		"size":    int64(1024),
		"_graphs": ",graph_1,",
	}

	tests := []struct {
		name string
		p    *Predicate
		want bool
	}{
		{"equal string", &Predicate{Key: "type", Op: OpEqual, Value: "Process"}, true},
		{"equal is case sensitive", &Predicate{Key: "type", Op: OpEqual, Value: "process"}, false},
		{"not equal", &Predicate{Key: "type", Op: OpNotEqual, Value: "Artifact"}, true},
		{"numeric less", &Predicate{Key: "pid", Op: OpLess, Value: "100"}, true},
		{"numeric not lexical", &Predicate{Key: "pid", Op: OpGreater, Value: "100"}, false},
		{"numeric equal with format", &Predicate{Key: "pid", Op: OpEqual, Value: "42.0"}, true},
		{"non-string value", &Predicate{Key: "size", Op: OpGreaterEqual, Value: "1024"}, true},
		{"lexical when one side is text", &Predicate{Key: "name", Op: OpLess, Value: "zsh"}, true},
		{"less or equal", &Predicate{Key: "pid", Op: OpLessEqual, Value: "42"}, true},
		{"like prefix", &Predicate{Key: "name", Op: OpLike, Value: "ba%"}, true},
		{"like single char", &Predicate{Key: "name", Op: OpLike, Value: "b_sh"}, true},
		{"like is anchored", &Predicate{Key: "name", Op: OpLike, Value: "as%"}, false},
		{"like escapes meta", &Predicate{Key: "name", Op: OpLike, Value: "b.sh"}, false},
		{"regex", &Predicate{Key: "name", Op: OpRegex, Value: "b[a-z]+"}, true},
		{"regex is anchored", &Predicate{Key: "name", Op: OpRegex, Value: "as"}, false},
		{"missing key never matches", &Predicate{Key: "uid", Op: OpNotEqual, Value: "0"}, false},
		{"any key", &Predicate{Key: AnyKey, Op: OpEqual, Value: "bash"}, true},
		{"any key ignores membership list", &Predicate{Key: AnyKey, Op: OpLike, Value: "%graph_1%"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := tt.p.Matcher()
			require.NoError(t, err)
			assert.Equal(t, tt.want, m(props))
		})
	}
}

func TestPredicateNonFiniteNumbers(t *testing.T) {
	tests := []struct {
		name  string
		props map[string]any
		p     *Predicate
		want  bool
	}{
		{"NaN is not equal to a number", map[string]any{"size": "NaN"}, &Predicate{Key: "size", Op: OpEqual, Value: "5"}, false},
		{"NaN is not at most a number", map[string]any{"size": "NaN"}, &Predicate{Key: "size", Op: OpLessEqual, Value: "5"}, false},
		{"NaN is different from a number", map[string]any{"size": "NaN"}, &Predicate{Key: "size", Op: OpNotEqual, Value: "5"}, true},
		{"nan operand compares as text", map[string]any{"name": "42"}, &Predicate{Key: "name", Op: OpEqual, Value: "nan"}, false},
		{"nan operand on any key", map[string]any{"name": "42"}, &Predicate{Key: AnyKey, Op: OpEqual, Value: "nan"}, false},
		{"infinity spellings are distinct text", map[string]any{"limit": "Infinity"}, &Predicate{Key: "limit", Op: OpEqual, Value: "Inf"}, false},
		{"infinity is not numerically above", map[string]any{"limit": "Infinity"}, &Predicate{Key: "limit", Op: OpLess, Value: "9"}, false},
		{"NaN text equals itself", map[string]any{"size": "NaN"}, &Predicate{Key: "size", Op: OpEqual, Value: "NaN"}, true},
		{"finite numbers still compare numerically", map[string]any{"size": "1e3"}, &Predicate{Key: "size", Op: OpEqual, Value: "1000"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := tt.p.Matcher()
			require.NoError(t, err)
			assert.Equal(t, tt.want, m(tt.props))
		})
	}
}

func TestPredicateComposites(t *testing.T) {
	props := map[string]any{"type": "Process", "name": "bash"}
	isProcess := &Predicate{Key: "type", Op: OpEqual, Value: "Process"}
	isZsh := &Predicate{Key: "name", Op: OpEqual, Value: "zsh"}

	m, err := (&Predicate{All: []*Predicate{isProcess, isZsh}}).Matcher()
	require.NoError(t, err)
	assert.False(t, m(props))

	m, err = (&Predicate{Any: []*Predicate{isProcess, isZsh}}).Matcher()
	require.NoError(t, err)
	assert.True(t, m(props))

	m, err = (&Predicate{Not: isZsh}).Matcher()
	require.NoError(t, err)
	assert.True(t, m(props))

	var none *Predicate
	m, err = none.Matcher()
	require.NoError(t, err)
	assert.True(t, m(nil))
}

func TestPredicateValidation(t *testing.T) {
	bad := []*Predicate{
		{},
		{Key: "type"},
		{Key: "type", Op: "~", Value: "x"},
		{Op: OpEqual, Value: "x"},
		{Key: "name", Op: OpRegex, Value: "("},
		{Ref: "p"},
		{Ref: "%p", Key: "type", Op: OpEqual},
		{All: []*Predicate{nil}},
	}
	for _, p := range bad {
		_, err := p.Matcher()
		assert.ErrorIs(t, err, qerr.ErrInvalidInstruction, p.String())
	}

	_, err := (&Predicate{Ref: "%p"}).Matcher()
	assert.ErrorIs(t, err, qerr.ErrInvalidInstruction, "references must be resolved first")
}

func TestParsePredicateRoundTrip(t *testing.T) {
	p := &Predicate{Any: []*Predicate{
		{Key: "type", Op: OpEqual, Value: "a,b=c"},
		{Not: &Predicate{Key: "name", Op: OpLike, Value: "%sh"}},
	}}
	parsed, err := ParsePredicate(p.String())
	require.NoError(t, err)
	assert.Equal(t, p, parsed)

	_, err = ParsePredicate("{not json")
	assert.ErrorIs(t, err, qerr.ErrInvalidInstruction)
}
