package quantize

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/fxquant/fxgraph"
)

// Convert lowers an observed, calibrated graph to the reference decomposed
// quantized representation: every observer node is replaced by a
// quantize_per_tensor / dequantize_per_tensor pair parameterized with the
// scale and zero point the observer derived during calibration.
//
// The graph is mutated in place and returned. An uncalibrated observer is a
// user error (calibration was skipped) and is reported as such.
func Convert(g *fxgraph.Graph) (*fxgraph.Graph, error) {
	converted := 0
	for _, n := range g.Nodes() {
		if n.Target != fxgraph.OpObserver {
			continue
		}
		observer, ok := n.Args[1].Lit.(*MinMaxObserver)
		if !ok {
			return nil, errors.Errorf("quantize.Convert: observer node %q does not hold a MinMaxObserver", n.Name)
		}
		if !observer.Calibrated() {
			return nil, errors.Errorf("quantize.Convert: observer node %q was never calibrated", n.Name)
		}
		scale, zeroPoint := observer.QParams()
		qmin, qmax := observer.cfg.QuantMin, observer.cfg.QuantMax

		q := g.InsertBefore(n, fxgraph.OpQuantizePerTensor,
			n.Args[0], fxgraph.LitArg(scale), fxgraph.LitArg(zeroPoint),
			fxgraph.LitArg(qmin), fxgraph.LitArg(qmax))
		dq := g.InsertBefore(n, fxgraph.OpDequantizePerTensor,
			fxgraph.NodeArg(q), fxgraph.LitArg(scale), fxgraph.LitArg(zeroPoint),
			fxgraph.LitArg(qmin), fxgraph.LitArg(qmax))
		for _, user := range n.Users() {
			user.SwapInput(n, dq)
		}
		g.Erase(n)
		converted++
	}
	klog.V(1).Infof("quantize: converted %d observers to reference quantize/dequantize pairs", converted)
	return g, nil
}
