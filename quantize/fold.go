package quantize

import (
	"slices"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gomlx/fxquant/fxgraph"
	"github.com/gomlx/fxquant/rewriter"
)

// This file implements the inference-time (non-QAT) conv + batch norm fold
// used by the prepare path for post-training quantization: batch norm in eval
// mode is folded entirely into the convolution weight and bias, leaving a
// single convolution node.

// convBNEvalPattern is the unfused computation in eval mode: convolution
// followed by batch normalization using running statistics.
func convBNEvalPattern(tr *fxgraph.Tracer, args []*fxgraph.Value) *fxgraph.Value {
	x, convWeight, convBias := args[0], args[1], args[2]
	bnWeight, bnBias, bnMean, bnVar := args[3], args[4], args[5], args[6]
	out := tr.Conv2D(x, convWeight, convBias)
	return tr.BatchNormEval(out, bnWeight, bnBias, bnMean, bnVar, bnMomentum, bnEps)
}

// foldedConvBNPattern folds the eval-mode batch norm into the convolution:
//
//	scale = bn_weight / sqrt(running_var + eps)
//	weight' = conv_weight * scale (per output channel)
//	bias'   = (conv_bias - running_mean) * scale + bn_bias
//
// The replacement output is the convolution node itself.
func foldedConvBNPattern(tr *fxgraph.Tracer, args []*fxgraph.Value) *fxgraph.Value {
	x, convWeight, convBias := args[0], args[1], args[2]
	bnWeight, bnBias, bnMean, bnVar := args[3], args[4], args[5], args[6]

	runningStd := tr.Sqrt(tr.AddScalar(bnVar, bnEps))
	scaleFactor := tr.Div(bnWeight, runningStd)
	foldedWeight := tr.Mul(convWeight, tr.View(scaleFactor, []int{-1, 1, 1, 1}))
	foldedBias := tr.Add(tr.Mul(tr.Sub(convBias, bnMean), scaleFactor), bnBias)
	return tr.Conv2D(x, foldedWeight, foldedBias)
}

// foldedConvBNPatternNoBias is foldedConvBNPattern without a convolution bias:
// bias' = bn_bias - running_mean * scale.
func foldedConvBNPatternNoBias(tr *fxgraph.Tracer, args []*fxgraph.Value) *fxgraph.Value {
	x, convWeight := args[0], args[1]
	bnWeight, bnBias, bnMean, bnVar := args[3], args[4], args[5], args[6]

	runningStd := tr.Sqrt(tr.AddScalar(bnVar, bnEps))
	scaleFactor := tr.Div(bnWeight, runningStd)
	foldedWeight := tr.Mul(convWeight, tr.View(scaleFactor, []int{-1, 1, 1, 1}))
	foldedBias := tr.Sub(bnBias, tr.Mul(bnMean, scaleFactor))
	return tr.Conv2D(x, foldedWeight, foldedBias)
}

// FoldConvBN replaces every convolution + batch norm (eval mode) occurrence
// in g with a single convolution carrying folded weights, in place, and
// returns g. Metadata and trailing constant arguments of the matched conv are
// preserved on the replacement conv.
func FoldConvBN(g *fxgraph.Graph) (*fxgraph.Graph, error) {
	g.EliminateDeadCode()
	matchPattern, err := compilePattern(convBNEvalPattern, "conv+bn eval")
	if err != nil {
		return nil, err
	}
	replacementWithBias, err := compilePattern(foldedConvBNPattern, "folded conv+bn")
	if err != nil {
		return nil, err
	}
	withBias := rewriter.MatchAndReplace(g, matchPattern, replacementWithBias,
		[]rewriter.MatchFilter{hasConvBiasFilter}, true)

	replacementNoBias, err := compilePattern(foldedConvBNPatternNoBias, "folded conv+bn without bias")
	if err != nil {
		return nil, err
	}
	noBias := rewriter.MatchAndReplace(g, matchPattern, replacementNoBias,
		[]rewriter.MatchFilter{noConvBiasFilter}, true)

	klog.V(1).Infof("quantize: folded %d conv+bn pairs with bias, %d without bias", len(withBias), len(noBias))

	for _, r := range withBias {
		repairFoldedReplacement(r)
	}
	for _, r := range noBias {
		repairFoldedReplacement(r)
	}
	return g, nil
}

// repairFoldedReplacement copies the matched conv's metadata and trailing
// constant arguments onto the replacement conv, which is the replacement's
// sole top-level node.
func repairFoldedReplacement(r rewriter.ReplacementResult) {
	if len(r.Replacements) != 1 {
		exceptions.Panicf("quantize: expected exactly one replacement node, got %d", len(r.Replacements))
	}
	convNode := r.Replacements[0]
	if convNode.Target != fxgraph.OpConvolution {
		exceptions.Panicf("quantize: folded replacement anchor %q has target %q, want %q",
			convNode.Name, convNode.Target, fxgraph.OpConvolution)
	}
	for _, original := range r.Match.NodesMap {
		if original == nil {
			continue
		}
		if original.Target == fxgraph.OpConvolution {
			convNode.Meta = original.Meta.Clone()
			convNode.SetArgs(append(slices.Clone(convNode.Args[:3]), original.Args[3:]...))
		}
	}
}
