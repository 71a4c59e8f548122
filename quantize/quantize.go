// Package quantize prepares and converts decomposed primitive-op graphs for
// quantization:
//
//   - FuseConvBNQAT: pattern-based rewriting of convolution + batch norm
//     subgraphs into a fused form requiring a single forward pass through the
//     convolution, as required by quantization-aware training. Provenance
//     metadata and constant convolution arguments of the originals are
//     preserved on the replacements.
//   - FoldConvBN: the inference-time fold used when preparing for
//     post-training quantization.
//   - Prepare / PreparedModel.Calibrate / Convert: the end-to-end flow that
//     fuses, inserts observers, calibrates, and lowers observers to the
//     reference quantize/dequantize representation.
//
// Everything operates in place on graphs passed by the caller; a graph must
// not be shared across concurrent invocations.
package quantize

import (
	"strings"

	"github.com/gomlx/fxquant/fxgraph"
)

// Scope identifies the originating submodule of a graph node: the last
// component of the submodule path and the module type. Nodes without an
// originating-module annotation get the zero Scope.
type Scope struct {
	Name string
	Type string
}

// NodeNameToScope builds the node-name → originating-scope map consumed by
// the prepare stage, from each node's recorded module stack (innermost frame
// wins).
func NodeNameToScope(g *fxgraph.Graph) map[string]Scope {
	scopes := make(map[string]Scope, g.NumNodes())
	for _, n := range g.Nodes() {
		var scope Scope
		if n.Meta != nil && len(n.Meta.ModuleStack) > 0 {
			frame := n.Meta.ModuleStack[len(n.Meta.ModuleStack)-1]
			parts := strings.Split(frame.Path, ".")
			scope = Scope{Name: parts[len(parts)-1], Type: frame.Type}
		}
		scopes[n.Name] = scope
	}
	return scopes
}
