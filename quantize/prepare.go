package quantize

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/fxquant/fxgraph"
)

// PreparedModel is an observed graph ready for calibration, plus the
// bookkeeping built during prepare.
type PreparedModel struct {
	// Graph is the fused graph with observers inserted. It is the same graph
	// passed to Prepare, mutated in place.
	Graph *fxgraph.Graph
	// Scopes maps node names to their originating submodule scope.
	Scopes map[string]Scope

	exampleInputs map[string]*fxgraph.Tensor
	observers     []*MinMaxObserver
}

// Prepare readies a decomposed primitive-op graph for quantization:
//
//  1. Builds the node-name → originating-scope map.
//  2. Fuses convolution + batch norm subgraphs: the QAT fusion when isQAT is
//     set, the inference-time fold otherwise. This runs before observer
//     insertion so observers see the fused computation.
//  3. Inserts min/max observers around the ops the backend can quantize,
//     according to the qconfig mapping: on the input, the weight and the
//     output of each such op.
//
// The graph is mutated in place. Example inputs are kept for calibration.
func Prepare(g *fxgraph.Graph, qcfg *QConfigMapping, isQAT bool,
	exampleInputs map[string]*fxgraph.Tensor, backend *BackendConfig) (*PreparedModel, error) {
	scopes := NodeNameToScope(g)

	var err error
	if isQAT {
		g, err = FuseConvBNQAT(g)
	} else {
		g, err = FoldConvBN(g)
	}
	if err != nil {
		return nil, errors.WithMessage(err, "quantize.Prepare")
	}

	pm := &PreparedModel{
		Graph:         g,
		Scopes:        scopes,
		exampleInputs: exampleInputs,
	}

	// Refresh scopes for nodes introduced by fusion; their metadata was copied
	// from the originals, so fused convs keep their originating scope.
	pm.Scopes = NodeNameToScope(g)

	observed := make(map[*fxgraph.Node]*fxgraph.Node) // value node → its observer node.
	for _, n := range g.Nodes() {
		if !backend.quantizable[n.Target] {
			continue
		}
		cfg := qcfg.configFor(pm.Scopes[n.Name])
		if cfg == nil {
			continue
		}
		// Observe input and weight.
		for _, argIdx := range []int{0, 1} {
			if argIdx >= len(n.Args) || !n.Args[argIdx].IsNode() {
				continue
			}
			value := n.Args[argIdx].Node
			obs, ok := observed[value]
			if !ok {
				obs = pm.insertObserverBefore(n, value, cfg)
				observed[value] = obs
			}
			n.SwapInput(value, obs)
		}
		// Observe the output.
		users := n.Users()
		obs := g.InsertAfter(n, fxgraph.OpObserver,
			fxgraph.NodeArg(n), fxgraph.LitArg(pm.newObserver(cfg)))
		for _, user := range users {
			user.SwapInput(n, obs)
		}
		observed[n] = obs
	}

	klog.V(1).Infof("quantize: prepared graph with %d observers (qat=%v)", len(pm.observers), isQAT)
	return pm, nil
}

func (pm *PreparedModel) newObserver(cfg *QConfig) *MinMaxObserver {
	o := NewMinMaxObserver(cfg)
	pm.observers = append(pm.observers, o)
	return o
}

func (pm *PreparedModel) insertObserverBefore(anchor, value *fxgraph.Node, cfg *QConfig) *fxgraph.Node {
	return pm.Graph.InsertBefore(anchor, fxgraph.OpObserver,
		fxgraph.NodeArg(value), fxgraph.LitArg(pm.newObserver(cfg)))
}

// Calibrate runs the observed graph on the given input batches, letting every
// observer record the ranges flowing through it. With no batches, the example
// inputs given to Prepare are used.
func (pm *PreparedModel) Calibrate(batches ...map[string]*fxgraph.Tensor) error {
	if len(batches) == 0 {
		if pm.exampleInputs == nil {
			return errors.New("quantize.Calibrate: no batches given and no example inputs recorded")
		}
		batches = []map[string]*fxgraph.Tensor{pm.exampleInputs}
	}
	for ii, batch := range batches {
		if _, err := fxgraph.Interpret(pm.Graph, batch); err != nil {
			return errors.WithMessagef(err, "quantize.Calibrate: batch %d", ii)
		}
	}
	return nil
}
