package quantize

import (
	"github.com/pkg/errors"

	"github.com/gomlx/fxquant/fxgraph"
)

// Batch norm constants shared by the match pattern and both fused replacements.
// The eps value is folded into the traced graphs as a literal.
const (
	bnEps      = 1e-5
	bnMomentum = 0.1
)

// convBNPatternInputNames names the shared seven-argument signature of the
// pattern functions: every pattern is traced over the same placeholders so the
// matcher can correspond them positionally.
var convBNPatternInputNames = []string{
	"x", "conv_weight", "conv_bias",
	"bn_weight", "bn_bias", "bn_running_mean", "bn_running_var",
}

// convBNExampleInputs returns the example inputs used to trace the pattern
// functions: batch=1, one channel, 1×1 kernel over a 3×3 spatial input. The
// concrete values and shapes are irrelevant to matching, which is structural
// and literal-agnostic.
func convBNExampleInputs() []*fxgraph.Tensor {
	return []*fxgraph.Tensor{
		fxgraph.NewTensor(1, 1, 3, 3), // x
		fxgraph.NewTensor(1, 1, 1, 1), // conv_weight
		fxgraph.NewTensor(1),          // conv_bias
		fxgraph.NewTensor(1),          // bn_weight
		fxgraph.NewTensor(1),          // bn_bias
		fxgraph.NewTensor(1),          // bn_running_mean
		fxgraph.NewTensor(1),          // bn_running_var
	}
}

// convBNPattern is the unfused computation: convolution followed by batch
// normalization in training mode.
func convBNPattern(tr *fxgraph.Tracer, args []*fxgraph.Value) *fxgraph.Value {
	x, convWeight, convBias := args[0], args[1], args[2]
	bnWeight, bnBias, bnMean, bnVar := args[3], args[4], args[5], args[6]
	out := tr.Conv2D(x, convWeight, convBias)
	return tr.BatchNormTraining(out, bnWeight, bnBias, bnMean, bnVar, bnMomentum, bnEps)
}

// fusedQATConvBNPattern is the fused equivalent of convBNPattern requiring
// only one forward pass through the convolution, as needed for QAT:
// the upcoming batch norm scale (bn_weight / sqrt(running_var + eps)) is
// folded into the convolution weight per output channel, the convolution runs
// with a zero bias, the result is unscaled, and the original bias is added
// back after the unscaling so it is not itself rescaled.
func fusedQATConvBNPattern(tr *fxgraph.Tracer, args []*fxgraph.Value) *fxgraph.Value {
	x, convWeight, convBias := args[0], args[1], args[2]
	bnWeight, bnBias, bnMean, bnVar := args[3], args[4], args[5], args[6]

	runningStd := tr.Sqrt(tr.AddScalar(bnVar, bnEps))
	scaleFactor := tr.Div(bnWeight, runningStd)
	scaledWeight := tr.Mul(convWeight, tr.View(scaleFactor, []int{-1, 1, 1, 1}))
	zeroBias := tr.ZerosLike(convBias)
	out := tr.Conv2D(x, scaledWeight, zeroBias)
	out = tr.Div(out, tr.View(scaleFactor, []int{1, -1, 1, 1}))
	out = tr.Add(out, tr.View(convBias, []int{1, -1, 1, 1}))
	return tr.BatchNormTraining(out, bnWeight, bnBias, bnMean, bnVar, bnMomentum, bnEps)
}

// fusedQATConvBNPatternNoBias is fusedQATConvBNPattern for convolutions
// without a bias: no zero-bias convolution and no bias-add step. The bias
// argument is accepted but unused so the signature matches the bias variant.
func fusedQATConvBNPatternNoBias(tr *fxgraph.Tracer, args []*fxgraph.Value) *fxgraph.Value {
	x, convWeight := args[0], args[1]
	bnWeight, bnBias, bnMean, bnVar := args[3], args[4], args[5], args[6]

	runningStd := tr.Sqrt(tr.AddScalar(bnVar, bnEps))
	scaleFactor := tr.Div(bnWeight, runningStd)
	scaledWeight := tr.Mul(convWeight, tr.View(scaleFactor, []int{-1, 1, 1, 1}))
	out := tr.Conv2D(x, scaledWeight, nil)
	out = tr.Div(out, tr.View(scaleFactor, []int{1, -1, 1, 1}))
	return tr.BatchNormTraining(out, bnWeight, bnBias, bnMean, bnVar, bnMomentum, bnEps)
}

// compilePattern traces a pattern function with the shared example inputs into
// a decomposed primitive-op graph with dead code eliminated, ready for
// matching or insertion. Tracing failures are propagated, never swallowed.
func compilePattern(fn fxgraph.TraceFunc, name string) (*fxgraph.Graph, error) {
	g, err := fxgraph.Trace(fn, convBNExampleInputs(), convBNPatternInputNames...)
	if err != nil {
		return nil, errors.WithMessagef(err, "compiling %s pattern graph", name)
	}
	return g, nil
}
