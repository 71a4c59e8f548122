package quantize

import (
	"slices"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gomlx/fxquant/fxgraph"
	"github.com/gomlx/fxquant/rewriter"
)

// hasConvBiasFilter returns whether the convolution node captured by the match
// has a bias argument. Panics if the match contains no convolution node: that
// is a matcher inconsistency, not user error.
func hasConvBiasFilter(m *rewriter.Match) bool {
	for _, hn := range m.NodesMap {
		if hn != nil && hn.Target == fxgraph.OpConvolution {
			return !hn.Args[2].IsNone()
		}
	}
	exceptions.Panicf("quantize: could not find conv node in matched conv + bn pattern")
	panic(nil) // for lint benefit.
}

// noConvBiasFilter is the negation of hasConvBiasFilter. Together the two
// filters partition all matches of the conv+bn pattern into exactly two
// disjoint sets, so the bias and no-bias rewrite passes never double-match.
func noConvBiasFilter(m *rewriter.Match) bool {
	return !hasConvBiasFilter(m)
}

// FuseConvBNQAT replaces every convolution + batch norm (training mode)
// occurrence in g with its fused QAT equivalent, in place, and returns g.
//
// The host graph must already carry any quantization annotations and is
// expected to be a decomposed primitive-op graph. Metadata and constant
// convolution arguments (stride, padding, dilation, transposed,
// output_padding, groups) of the matched originals are preserved on the
// corresponding replacement nodes.
//
// Tracing failures while compiling the pattern graphs are returned as errors.
// Internal pattern/matcher inconsistencies panic: they indicate a library
// contract violation and are never recoverable.
func FuseConvBNQAT(g *fxgraph.Graph) (*fxgraph.Graph, error) {
	g.EliminateDeadCode()
	matchPattern, err := compilePattern(convBNPattern, "conv+bn")
	if err != nil {
		return nil, err
	}

	// Pass 1: convolutions with bias. The replacement shapes for the bias and
	// no-bias cases are structurally different, so the two cases are rewritten
	// in separate passes restricted by disjoint filters.
	replacementWithBias, err := compilePattern(fusedQATConvBNPattern, "fused QAT conv+bn")
	if err != nil {
		return nil, err
	}
	withBias := rewriter.MatchAndReplace(g, matchPattern, replacementWithBias,
		[]rewriter.MatchFilter{hasConvBiasFilter}, true)

	// Pass 2: convolutions without bias, over the already partially rewritten
	// graph.
	replacementNoBias, err := compilePattern(fusedQATConvBNPatternNoBias, "fused QAT conv+bn without bias")
	if err != nil {
		return nil, err
	}
	noBias := rewriter.MatchAndReplace(g, matchPattern, replacementNoBias,
		[]rewriter.MatchFilter{noConvBiasFilter}, true)

	klog.V(1).Infof("quantize: fused %d conv+bn pairs with bias, %d without bias", len(withBias), len(noBias))

	for _, r := range withBias {
		repairFusedReplacement(r)
	}
	for _, r := range noBias {
		repairFusedReplacement(r)
	}
	return g, nil
}

// repairFusedReplacement relocates what the generic rewriter cannot carry
// over on its own: the metadata of the matched conv, bn and getitem nodes, and
// the trailing constant arguments of the matched conv.
func repairFusedReplacement(r rewriter.ReplacementResult) {
	if len(r.Replacements) != 1 {
		exceptions.Panicf("quantize: expected exactly one replacement node, got %d", len(r.Replacements))
	}
	anchor := r.Replacements[0]
	if anchor.Target != fxgraph.OpGetItem {
		exceptions.Panicf("quantize: replacement anchor %q has target %q, want %q",
			anchor.Name, anchor.Target, fxgraph.OpGetItem)
	}

	// Locate the replacement conv and bn nodes by walking backwards from the
	// anchor along the first argument. The fused patterns guarantee a linear
	// backbone between anchor and conv; hitting a non-node first argument
	// means the pattern library and this walk are out of sync.
	var convNode, bnNode *fxgraph.Node
	n := anchor
	for convNode == nil || bnNode == nil {
		switch n.Target {
		case fxgraph.OpConvolution:
			convNode = n
		case fxgraph.OpBatchNorm:
			bnNode = n
		}
		if convNode != nil && bnNode != nil {
			break
		}
		if len(n.Args) == 0 || !n.Args[0].IsNode() {
			exceptions.Panicf("quantize: hit non-node first argument at %q while walking the fused backbone", n.Name)
		}
		n = n.Args[0].Node
	}

	// Copy metadata over for all three of [conv - bn - getitem], and the
	// constant arguments after (input, weight, bias) for the conv. Skip
	// pattern arguments matched as absent (a missing optional bias).
	for _, original := range r.Match.NodesMap {
		if original == nil {
			continue
		}
		switch original.Target {
		case fxgraph.OpConvolution:
			convNode.Meta = original.Meta.Clone()
			convNode.SetArgs(append(slices.Clone(convNode.Args[:3]), original.Args[3:]...))
		case fxgraph.OpBatchNorm:
			bnNode.Meta = original.Meta.Clone()
		case fxgraph.OpGetItem:
			anchor.Meta = original.Meta.Clone()
		}
	}
}
