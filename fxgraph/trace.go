package fxgraph

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Tracer records the operations of a pure tensor function into a Graph of
// decomposed primitive ops. Values returned by its op methods are symbolic
// handles to graph nodes; no numeric computation happens at trace time.
type Tracer struct {
	g *Graph
}

// Value is a traced tensor handle produced by Tracer ops.
type Value struct {
	node *Node
	tr   *Tracer
}

// Node returns the graph node backing the value.
func (v *Value) Node() *Node { return v.node }

// TraceFunc is a pure tensor function expressed over Tracer ops. It receives
// one Value per example input and returns the output Value.
type TraceFunc func(tr *Tracer, args []*Value) *Value

// Trace records fn into a new Graph with one placeholder per example input,
// eliminates dead code and finalizes the graph. Names, when given, must have
// one entry per example input and are used as the placeholder names.
//
// Any panic raised while recording fn is returned as an error: no partial
// graph is ever returned.
func Trace(fn TraceFunc, exampleInputs []*Tensor, names ...string) (*Graph, error) {
	if len(names) > 0 && len(names) != len(exampleInputs) {
		return nil, errors.Errorf("fxgraph.Trace: got %d names for %d example inputs", len(names), len(exampleInputs))
	}
	g := New()
	tr := &Tracer{g: g}
	args := make([]*Value, len(exampleInputs))
	for ii, input := range exampleInputs {
		name := "arg"
		if len(names) > 0 {
			name = names[ii]
		}
		ph := g.Placeholder(name)
		if input != nil {
			ph.Meta.Extra = map[string]any{"example_dims": cloneDims(input.Dims)}
		}
		args[ii] = &Value{node: ph, tr: tr}
	}

	var out *Value
	err := exceptions.TryCatch[error](func() { out = fn(tr, args) })
	if err != nil {
		return nil, errors.WithMessage(err, "fxgraph.Trace: tracing failed")
	}
	if out == nil {
		return nil, errors.New("fxgraph.Trace: traced function returned no output")
	}
	g.SetOutput(NodeArg(out.node))
	g.EliminateDeadCode()
	return g, nil
}

func (tr *Tracer) value(n *Node) *Value { return &Value{node: n, tr: tr} }

func (tr *Tracer) checkOwned(vs ...*Value) {
	for _, v := range vs {
		if v != nil && v.tr != tr {
			exceptions.Panicf("fxgraph: value %q was produced by a different tracer", v.node.Name)
		}
	}
}

// Convolution records the general convolution primitive. bias may be nil.
func (tr *Tracer) Convolution(x, weight, bias *Value, stride, padding, dilation []int,
	transposed bool, outputPadding []int, groups int) *Value {
	tr.checkOwned(x, weight, bias)
	biasArg := NoneArg()
	if bias != nil {
		biasArg = NodeArg(bias.node)
	}
	n := tr.g.NewNode(OpConvolution,
		NodeArg(x.node), NodeArg(weight.node), biasArg,
		LitArg(cloneDims(stride)), LitArg(cloneDims(padding)), LitArg(cloneDims(dilation)),
		LitArg(transposed), LitArg(cloneDims(outputPadding)), LitArg(groups))
	return tr.value(n)
}

// Conv2D records a 2D convolution with unit stride/dilation, no padding and a
// single group. bias may be nil.
func (tr *Tracer) Conv2D(x, weight, bias *Value) *Value {
	return tr.Convolution(x, weight, bias, []int{1, 1}, []int{0, 0}, []int{1, 1},
		false, []int{0, 0}, 1)
}

// BatchNormTraining records batch normalization in training mode (batch
// statistics). The primitive has a tuple output; the returned Value is the
// primary output, extracted with a getitem node.
func (tr *Tracer) BatchNormTraining(x, weight, bias, runningMean, runningVar *Value,
	momentum, eps float64) *Value {
	tr.checkOwned(x, weight, bias, runningMean, runningVar)
	bn := tr.g.NewNode(OpBatchNorm,
		NodeArg(x.node), NodeArg(weight.node), NodeArg(bias.node),
		NodeArg(runningMean.node), NodeArg(runningVar.node),
		LitArg(true), LitArg(momentum), LitArg(eps))
	getitem := tr.g.NewNode(OpGetItem, NodeArg(bn), LitArg(0))
	return tr.value(getitem)
}

// BatchNormEval records batch normalization in eval mode (running statistics
// are used, not updated). As with BatchNormTraining, the returned Value is the
// primary output of the tuple-valued primitive.
func (tr *Tracer) BatchNormEval(x, weight, bias, runningMean, runningVar *Value,
	momentum, eps float64) *Value {
	tr.checkOwned(x, weight, bias, runningMean, runningVar)
	bn := tr.g.NewNode(OpBatchNormEval,
		NodeArg(x.node), NodeArg(weight.node), NodeArg(bias.node),
		NodeArg(runningMean.node), NodeArg(runningVar.node),
		LitArg(momentum), LitArg(eps))
	getitem := tr.g.NewNode(OpGetItem, NodeArg(bn), LitArg(0))
	return tr.value(getitem)
}

// Add records elementwise a + b.
func (tr *Tracer) Add(a, b *Value) *Value {
	tr.checkOwned(a, b)
	return tr.value(tr.g.NewNode(OpAdd, NodeArg(a.node), NodeArg(b.node)))
}

// AddScalar records a + s.
func (tr *Tracer) AddScalar(a *Value, s float64) *Value {
	tr.checkOwned(a)
	return tr.value(tr.g.NewNode(OpAdd, NodeArg(a.node), LitArg(s)))
}

// Sub records elementwise a - b.
func (tr *Tracer) Sub(a, b *Value) *Value {
	tr.checkOwned(a, b)
	return tr.value(tr.g.NewNode(OpSub, NodeArg(a.node), NodeArg(b.node)))
}

// Mul records elementwise a * b.
func (tr *Tracer) Mul(a, b *Value) *Value {
	tr.checkOwned(a, b)
	return tr.value(tr.g.NewNode(OpMul, NodeArg(a.node), NodeArg(b.node)))
}

// Div records elementwise a / b.
func (tr *Tracer) Div(a, b *Value) *Value {
	tr.checkOwned(a, b)
	return tr.value(tr.g.NewNode(OpDiv, NodeArg(a.node), NodeArg(b.node)))
}

// Sqrt records the elementwise square root.
func (tr *Tracer) Sqrt(a *Value) *Value {
	tr.checkOwned(a)
	return tr.value(tr.g.NewNode(OpSqrt, NodeArg(a.node)))
}

// View records a reshape to the given dims; one entry may be -1.
func (tr *Tracer) View(a *Value, dims []int) *Value {
	tr.checkOwned(a)
	return tr.value(tr.g.NewNode(OpView, NodeArg(a.node), LitArg(cloneDims(dims))))
}

// ZerosLike records a zero tensor with the shape of a.
func (tr *Tracer) ZerosLike(a *Value) *Value {
	tr.checkOwned(a)
	return tr.value(tr.g.NewNode(OpZerosLike, NodeArg(a.node)))
}
