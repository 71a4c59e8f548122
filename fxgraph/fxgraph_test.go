package fxgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildAddMulGraph builds: out = mul(add(x, y), y).
func buildAddMulGraph(t *testing.T) (g *Graph, x, y, add, mul *Node) {
	t.Helper()
	g = New()
	x = g.Placeholder("x")
	y = g.Placeholder("y")
	add = g.NewNode(OpAdd, NodeArg(x), NodeArg(y))
	mul = g.NewNode(OpMul, NodeArg(add), NodeArg(y))
	g.SetOutput(NodeArg(mul))
	return
}

func TestGraphBuilding(t *testing.T) {
	g, x, y, add, mul := buildAddMulGraph(t)
	g.Lint()

	require.Equal(t, 5, g.NumNodes())
	assert.Equal(t, []*Node{x, y}, g.Placeholders())
	assert.Equal(t, OpOutput, g.Output().Target)
	assert.Equal(t, mul, g.Output().Args[0].Node)

	assert.Equal(t, 1, add.NumUsers())
	assert.Equal(t, []*Node{mul}, add.Users())
	assert.Equal(t, 2, y.NumUsers())
	assert.Equal(t, []*Node{add, mul}, y.Users())
}

func TestUniqueNames(t *testing.T) {
	g := New()
	x := g.Placeholder("x")
	a := g.NewNode(OpAdd, NodeArg(x), NodeArg(x))
	b := g.NewNode(OpAdd, NodeArg(a), NodeArg(x))
	assert.Equal(t, "add", a.Name)
	assert.Equal(t, "add_1", b.Name)
}

func TestReplaceAllUses(t *testing.T) {
	g, x, y, add, mul := buildAddMulGraph(t)

	sub := g.InsertBefore(mul, OpSub, NodeArg(x), NodeArg(y))
	g.ReplaceAllUses(add, sub)
	g.Lint()

	assert.Equal(t, sub, mul.Args[0].Node)
	assert.Equal(t, 0, add.NumUsers())
}

func TestEraseRefusesNodesWithUsers(t *testing.T) {
	g, _, _, add, _ := buildAddMulGraph(t)
	require.Panics(t, func() { g.Erase(add) })
}

func TestEliminateDeadCode(t *testing.T) {
	g, x, y, _, mul := buildAddMulGraph(t)
	// A dead chain hanging off x.
	dead1 := g.InsertBefore(mul, OpSqrt, NodeArg(x))
	g.InsertBefore(mul, OpAdd, NodeArg(dead1), NodeArg(y))

	require.Equal(t, 7, g.NumNodes())
	g.EliminateDeadCode()
	g.Lint()
	assert.Equal(t, 5, g.NumNodes())
	// Placeholders survive even when unused.
	assert.Len(t, g.Placeholders(), 2)
}

func TestInsertBeforeChecksTopologicalOrder(t *testing.T) {
	g, x, _, add, mul := buildAddMulGraph(t)
	// mul does not precede add, so inserting a user of mul before add must fail.
	require.Panics(t, func() { g.InsertBefore(add, OpSqrt, NodeArg(mul)) })
	// Inserting a user of x before add is fine.
	require.NotPanics(t, func() { g.InsertBefore(add, OpSqrt, NodeArg(x)) })
}

func TestCrossGraphArgsRejected(t *testing.T) {
	g1 := New()
	x1 := g1.Placeholder("x")
	g2 := New()
	require.Panics(t, func() { g2.NewNode(OpSqrt, NodeArg(x1)) })
}

func TestMetaClone(t *testing.T) {
	m := &Meta{
		StackTrace:  "model.py:42",
		ModuleStack: []ModuleScope{{Path: "net.conv1", Type: "Conv2d"}},
		Extra:       map[string]any{"k": 1},
	}
	clone := m.Clone()
	require.Equal(t, m, clone)

	clone.ModuleStack[0].Path = "changed"
	clone.Extra["k"] = 2
	assert.Equal(t, "net.conv1", m.ModuleStack[0].Path)
	assert.Equal(t, 1, m.Extra["k"])

	var nilMeta *Meta
	assert.Nil(t, nilMeta.Clone())
}

func TestGraphString(t *testing.T) {
	g, _, _, _, _ := buildAddMulGraph(t)
	s := g.String()
	assert.Contains(t, s, "graph(%x, %y):")
	assert.Contains(t, s, "%add = aten.add(%x, %y)")
	assert.Contains(t, s, "%mul = aten.mul(%add, %y)")
	assert.Contains(t, s, "return %mul")
}
