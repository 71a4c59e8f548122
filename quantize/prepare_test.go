package quantize

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/fxquant/fxgraph"
)

func TestPrepareQATInsertsObservers(t *testing.T) {
	g := traceHost(t, convBNHost(true))
	qcfg := NewQConfigMapping().SetGlobal(DefaultQConfig())

	pm, err := Prepare(g, qcfg, true, hostInputs(), DefaultBackendConfig())
	require.NoError(t, err)
	pm.Graph.Lint()

	// The graph was QAT-fused before observation.
	require.Len(t, nodesByTarget(pm.Graph, fxgraph.OpBatchNorm), 1)
	convs := nodesByTarget(pm.Graph, fxgraph.OpConvolution)
	require.Len(t, convs, 1)

	// One observer each on the conv input, the (scaled) weight and the output.
	observers := nodesByTarget(pm.Graph, fxgraph.OpObserver)
	assert.Len(t, observers, 3)

	conv := convs[0]
	require.True(t, conv.Args[0].IsNode())
	assert.Equal(t, fxgraph.OpObserver, conv.Args[0].Node.Target)
	require.True(t, conv.Args[1].IsNode())
	assert.Equal(t, fxgraph.OpObserver, conv.Args[1].Node.Target)

	// The output observer sits between the conv and its former user.
	users := conv.Users()
	require.Len(t, users, 1)
	require.Equal(t, fxgraph.OpObserver, users[0].Target)
	outUsers := users[0].Users()
	require.Len(t, outUsers, 1)
	assert.Equal(t, fxgraph.OpDiv, outUsers[0].Target)
}

func TestPrepareCalibrateConvertEndToEnd(t *testing.T) {
	inputs := hostInputs()
	want := must.M1(fxgraph.Interpret(traceHost(t, convBNEvalHost(true)), inputs))

	g := traceHost(t, convBNEvalHost(true))
	qcfg := NewQConfigMapping().SetGlobal(DefaultQConfig())
	pm, err := Prepare(g, qcfg, false, inputs, DefaultBackendConfig())
	require.NoError(t, err)

	// Calibrate on the recorded example inputs, then lower the observers.
	require.NoError(t, pm.Calibrate())
	converted, err := Convert(pm.Graph)
	require.NoError(t, err)
	converted.Lint()

	assert.Empty(t, nodesByTarget(converted, fxgraph.OpObserver))
	assert.Len(t, nodesByTarget(converted, fxgraph.OpQuantizePerTensor), 3)
	assert.Len(t, nodesByTarget(converted, fxgraph.OpDequantizePerTensor), 3)

	// The reference quantized graph stays close to the float graph; the bound
	// is coarse since int8 rounding on inputs, weights and outputs compounds.
	got := must.M1(fxgraph.Interpret(converted, inputs))
	require.Equal(t, want.Dims, got.Dims)
	for ii := range want.Data {
		assert.InDelta(t, want.Data[ii], got.Data[ii], 1.0)
	}
}

func TestConvertRequiresCalibration(t *testing.T) {
	g := traceHost(t, convBNEvalHost(true))
	pm, err := Prepare(g, NewQConfigMapping().SetGlobal(DefaultQConfig()), false,
		hostInputs(), DefaultBackendConfig())
	require.NoError(t, err)

	_, err = Convert(pm.Graph)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never calibrated")
}

func TestCalibrateWithoutInputs(t *testing.T) {
	g := traceHost(t, convBNEvalHost(true))
	pm, err := Prepare(g, NewQConfigMapping().SetGlobal(DefaultQConfig()), false,
		nil, DefaultBackendConfig())
	require.NoError(t, err)
	require.Error(t, pm.Calibrate())
}

func TestPrepareModuleTypeDisables(t *testing.T) {
	g := must.M1(fxgraph.Trace(func(tr *fxgraph.Tracer, args []*fxgraph.Value) *fxgraph.Value {
		return tr.Conv2D(args[0], args[1], args[2])
	}, []*fxgraph.Tensor{
		fxgraph.NewTensor(1, 1, 3, 3), fxgraph.NewTensor(1, 1, 2, 2), fxgraph.NewTensor(1),
	}, "x", "w", "b"))
	conv := nodesByTarget(g, fxgraph.OpConvolution)[0]
	conv.Meta = &fxgraph.Meta{ModuleStack: []fxgraph.ModuleScope{{Path: "net.conv1", Type: "Conv2d"}}}

	qcfg := NewQConfigMapping().SetGlobal(DefaultQConfig()).SetModuleType("Conv2d", nil)
	pm, err := Prepare(g, qcfg, false, nil, DefaultBackendConfig())
	require.NoError(t, err)
	assert.Empty(t, nodesByTarget(pm.Graph, fxgraph.OpObserver))
}

func TestPrepareEmptyMappingObservesNothing(t *testing.T) {
	g := traceHost(t, convBNHost(true))
	pm, err := Prepare(g, NewQConfigMapping(), true, nil, DefaultBackendConfig())
	require.NoError(t, err)
	assert.Empty(t, nodesByTarget(pm.Graph, fxgraph.OpObserver))
	// Fusion still ran.
	assert.Len(t, nodesByTarget(pm.Graph, fxgraph.OpZerosLike), 1)
}

func TestNodeNameToScope(t *testing.T) {
	g := must.M1(fxgraph.Trace(func(tr *fxgraph.Tracer, args []*fxgraph.Value) *fxgraph.Value {
		return tr.Sqrt(tr.Add(args[0], args[1]))
	}, []*fxgraph.Tensor{fxgraph.NewTensor(1), fxgraph.NewTensor(1)}, "a", "b"))
	add := nodesByTarget(g, fxgraph.OpAdd)[0]
	add.Meta = &fxgraph.Meta{ModuleStack: []fxgraph.ModuleScope{
		{Path: "net", Type: "Net"},
		{Path: "net.block1.conv2", Type: "Conv2d"},
	}}

	scopes := NodeNameToScope(g)
	// Innermost frame wins, and only the last path component is kept.
	assert.Equal(t, Scope{Name: "conv2", Type: "Conv2d"}, scopes[add.Name])
	// Unannotated nodes get the zero scope.
	assert.Equal(t, Scope{}, scopes["sqrt"])
}
