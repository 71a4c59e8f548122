package rewriter

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/fxquant/fxgraph"
)

// tracePair compiles a pattern/replacement pair over the same two-placeholder
// signature.
func tracePair(t *testing.T) (pattern, replacement *fxgraph.Graph) {
	t.Helper()
	inputs := []*fxgraph.Tensor{fxgraph.NewTensor(2), fxgraph.NewTensor(2)}
	pattern = must.M1(fxgraph.Trace(func(tr *fxgraph.Tracer, args []*fxgraph.Value) *fxgraph.Value {
		return tr.Mul(args[0], args[1])
	}, inputs, "x", "y"))
	replacement = must.M1(fxgraph.Trace(func(tr *fxgraph.Tracer, args []*fxgraph.Value) *fxgraph.Value {
		return tr.Div(args[0], args[1])
	}, inputs, "x", "y"))
	return
}

func targetsOf(g *fxgraph.Graph) []fxgraph.Target {
	var targets []fxgraph.Target
	for _, n := range g.Nodes() {
		targets = append(targets, n.Target)
	}
	return targets
}

func TestMatchAndReplaceSingle(t *testing.T) {
	pattern, replacement := tracePair(t)

	host := must.M1(fxgraph.Trace(func(tr *fxgraph.Tracer, args []*fxgraph.Value) *fxgraph.Value {
		sum := tr.Add(args[0], args[1])
		return tr.Mul(sum, args[1])
	}, []*fxgraph.Tensor{fxgraph.NewTensor(2), fxgraph.NewTensor(2)}, "a", "b"))

	results := MatchAndReplace(host, pattern, replacement, nil, true)
	require.Len(t, results, 1)
	host.Lint()

	require.Len(t, results[0].Replacements, 1)
	div := results[0].Replacements[0]
	assert.Equal(t, fxgraph.OpDiv, div.Target)
	assert.Equal(t, div, host.Output().Args[0].Node)

	// The add survives as the div's first input; the mul is physically gone.
	assert.Equal(t, fxgraph.OpAdd, div.Args[0].Node.Target)
	assert.NotContains(t, targetsOf(host), fxgraph.OpMul)
}

func TestMatchAndReplaceChained(t *testing.T) {
	pattern, replacement := tracePair(t)

	// mul(mul(a, b), b): after replacing the inner mul, the outer one still
	// matches against the rewritten argument.
	host := must.M1(fxgraph.Trace(func(tr *fxgraph.Tracer, args []*fxgraph.Value) *fxgraph.Value {
		inner := tr.Mul(args[0], args[1])
		return tr.Mul(inner, args[1])
	}, []*fxgraph.Tensor{fxgraph.NewTensor(2), fxgraph.NewTensor(2)}, "a", "b"))

	results := MatchAndReplace(host, pattern, replacement, nil, true)
	require.Len(t, results, 2)
	host.Lint()
	assert.NotContains(t, targetsOf(host), fxgraph.OpMul)
}

func TestMatchFilterRejection(t *testing.T) {
	pattern, replacement := tracePair(t)
	host := must.M1(fxgraph.Trace(func(tr *fxgraph.Tracer, args []*fxgraph.Value) *fxgraph.Value {
		return tr.Mul(args[0], args[1])
	}, []*fxgraph.Tensor{fxgraph.NewTensor(2), fxgraph.NewTensor(2)}, "a", "b"))
	before := host.NumNodes()

	rejectAll := func(m *Match) bool { return false }
	results := MatchAndReplace(host, pattern, replacement, []MatchFilter{rejectAll}, true)
	assert.Empty(t, results)
	assert.Equal(t, before, host.NumNodes())
}

func TestMatchIgnoresLiterals(t *testing.T) {
	inputs := []*fxgraph.Tensor{fxgraph.NewTensor(2)}
	pattern := must.M1(fxgraph.Trace(func(tr *fxgraph.Tracer, args []*fxgraph.Value) *fxgraph.Value {
		return tr.AddScalar(args[0], 1.0)
	}, inputs, "x"))
	replacement := must.M1(fxgraph.Trace(func(tr *fxgraph.Tracer, args []*fxgraph.Value) *fxgraph.Value {
		return tr.Sqrt(args[0])
	}, inputs, "x"))

	makeHost := func() *fxgraph.Graph {
		return must.M1(fxgraph.Trace(func(tr *fxgraph.Tracer, args []*fxgraph.Value) *fxgraph.Value {
			return tr.AddScalar(args[0], 5.0)
		}, inputs, "a"))
	}

	results := MatchAndReplace(makeHost(), pattern, replacement, nil, true)
	assert.Len(t, results, 1)

	// With literal matching on, 1.0 != 5.0 and nothing matches.
	results = MatchAndReplace(makeHost(), pattern, replacement, nil, false)
	assert.Empty(t, results)
}

func TestMatchRejectsExternallyConsumedInternals(t *testing.T) {
	inputs3 := []*fxgraph.Tensor{fxgraph.NewTensor(2), fxgraph.NewTensor(2), fxgraph.NewTensor(2)}
	pattern := must.M1(fxgraph.Trace(func(tr *fxgraph.Tracer, args []*fxgraph.Value) *fxgraph.Value {
		return tr.Mul(tr.Add(args[0], args[1]), args[2])
	}, inputs3, "x", "y", "z"))
	replacement := must.M1(fxgraph.Trace(func(tr *fxgraph.Tracer, args []*fxgraph.Value) *fxgraph.Value {
		return tr.Div(args[0], args[2])
	}, inputs3, "x", "y", "z"))

	// The add result leaks to a consumer outside the would-be match, so the
	// subgraph cannot be removed and must not match.
	host := must.M1(fxgraph.Trace(func(tr *fxgraph.Tracer, args []*fxgraph.Value) *fxgraph.Value {
		sum := tr.Add(args[0], args[1])
		prod := tr.Mul(sum, args[2])
		return tr.Sub(prod, sum)
	}, inputs3, "a", "b", "c"))
	before := host.NumNodes()

	results := MatchAndReplace(host, pattern, replacement, nil, true)
	assert.Empty(t, results)
	assert.Equal(t, before, host.NumNodes())
}

func TestPlaceholderBindsAbsentArgument(t *testing.T) {
	// Pattern: conv(x, w, bias-placeholder). Host: conv without bias. The bias
	// placeholder must bind to the absent slot and appear as nil in NodesMap.
	inputs := []*fxgraph.Tensor{
		fxgraph.NewTensor(1, 1, 3, 3), fxgraph.NewTensor(1, 1, 1, 1), fxgraph.NewTensor(1),
	}
	pattern := must.M1(fxgraph.Trace(func(tr *fxgraph.Tracer, args []*fxgraph.Value) *fxgraph.Value {
		return tr.Conv2D(args[0], args[1], args[2])
	}, inputs, "x", "w", "b"))
	replacement := must.M1(fxgraph.Trace(func(tr *fxgraph.Tracer, args []*fxgraph.Value) *fxgraph.Value {
		return tr.Sqrt(args[0])
	}, inputs, "x", "w", "b"))

	host := must.M1(fxgraph.Trace(func(tr *fxgraph.Tracer, args []*fxgraph.Value) *fxgraph.Value {
		return tr.Conv2D(args[0], args[1], nil)
	}, inputs[:2], "a", "w"))

	results := MatchAndReplace(host, pattern, replacement, nil, true)
	require.Len(t, results, 1)

	var biasPH *fxgraph.Node
	for _, ph := range pattern.Placeholders() {
		if ph.Name == "b" {
			biasPH = ph
		}
	}
	require.NotNil(t, biasPH)
	mapped, ok := results[0].Match.NodesMap[biasPH]
	assert.True(t, ok, "bias placeholder should be recorded in the match")
	assert.Nil(t, mapped, "absent bias should map to nil")
}

func TestPlaceholderCountMismatchPanics(t *testing.T) {
	pattern, _ := tracePair(t)
	replacement := must.M1(fxgraph.Trace(func(tr *fxgraph.Tracer, args []*fxgraph.Value) *fxgraph.Value {
		return tr.Sqrt(args[0])
	}, []*fxgraph.Tensor{fxgraph.NewTensor(2)}, "x"))

	host := must.M1(fxgraph.Trace(func(tr *fxgraph.Tracer, args []*fxgraph.Value) *fxgraph.Value {
		return tr.Mul(args[0], args[1])
	}, []*fxgraph.Tensor{fxgraph.NewTensor(2), fxgraph.NewTensor(2)}, "a", "b"))

	require.Panics(t, func() { MatchAndReplace(host, pattern, replacement, nil, true) })
}
