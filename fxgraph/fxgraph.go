// Package fxgraph defines a mutable graph representation of decomposed
// primitive tensor operations, along with the tools to produce and consume it:
//
//   - Graph / Node / Arg: an ordered DAG of primitive ops. Node arguments are
//     either references to earlier nodes, literal (non-tensor) constants, or
//     none. Nodes carry an open-ended metadata mapping (Meta).
//   - Trace: records a pure tensor function into a Graph of primitive ops.
//   - Interpret: numerically evaluates a Graph given placeholder inputs.
//
// Graphs are built once at trace time and then mutated in place by rewriting
// passes (see the rewriter and quantize packages). A Graph is not safe for
// concurrent use; callers must serialize access to a given instance.
package fxgraph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// Target identifies the primitive operation a Node computes.
type Target string

// Primitive operation targets. The Tracer only ever emits these: composite
// operations (e.g. batch normalization in training mode) are decomposed at
// trace time.
const (
	// OpPlaceholder is a graph input. Its single argument is its literal name.
	OpPlaceholder Target = "placeholder"
	// OpOutput designates the graph result. Exactly one per finalized graph.
	OpOutput Target = "output"

	// OpConvolution is the general convolution primitive with arguments
	// (input, weight, bias, stride, padding, dilation, transposed,
	// output_padding, groups). Bias may be none.
	OpConvolution Target = "aten.convolution"
	// OpBatchNorm is the training-mode batch normalization primitive with
	// arguments (input, weight, bias, running_mean, running_var, training,
	// momentum, eps). It has a tuple output; OpGetItem extracts its
	// components.
	OpBatchNorm Target = "aten._native_batch_norm_legit"
	// OpBatchNormEval is the eval-mode variant: batch statistics are neither
	// used nor updated. Arguments (input, weight, bias, running_mean,
	// running_var, momentum, eps). A distinct target, not a literal flag, so
	// that literal-agnostic matching can never confuse the two modes.
	OpBatchNormEval Target = "aten._native_batch_norm_legit_no_training"
	// OpGetItem extracts one component from a tuple-valued node: (tuple, index).
	OpGetItem Target = "getitem"

	OpAdd       Target = "aten.add"
	OpSub       Target = "aten.sub"
	OpMul       Target = "aten.mul"
	OpDiv       Target = "aten.div"
	OpSqrt      Target = "aten.sqrt"
	OpView      Target = "aten.view"
	OpZerosLike Target = "aten.zeros_like"

	// OpObserver passes its input through unchanged and records statistics
	// into the TensorObserver held in its second argument.
	OpObserver Target = "observer"
	// OpQuantizePerTensor / OpDequantizePerTensor are the reference
	// (decomposed) quantized representation: (input, scale, zero_point,
	// quant_min, quant_max).
	OpQuantizePerTensor   Target = "quantized.quantize_per_tensor"
	OpDequantizePerTensor Target = "quantized.dequantize_per_tensor"
)

// shortName returns the name stem used when auto-naming nodes of a target.
func (t Target) shortName() string {
	s := string(t)
	if idx := strings.LastIndexByte(s, '.'); idx >= 0 {
		s = s[idx+1:]
	}
	return strings.TrimPrefix(s, "_")
}

// Arg is one positional argument of a Node: a reference to another Node, a
// literal (non-tensor) constant, or none. Literal values are treated as
// immutable by all passes.
type Arg struct {
	Node *Node
	Lit  any
}

// NodeArg returns an Arg referencing n.
func NodeArg(n *Node) Arg { return Arg{Node: n} }

// LitArg returns a literal constant Arg.
func LitArg(v any) Arg { return Arg{Lit: v} }

// NoneArg returns the absent argument.
func NoneArg() Arg { return Arg{} }

// IsNode reports whether the argument references a Node.
func (a Arg) IsNode() bool { return a.Node != nil }

// IsNone reports whether the argument is absent.
func (a Arg) IsNone() bool { return a.Node == nil && a.Lit == nil }

// ModuleScope is one frame of the stack of originating modules recorded for a
// node at trace time, outermost first.
type ModuleScope struct {
	Path string // dotted submodule path, e.g. "backbone.layer1.conv".
	Type string // originating module type, e.g. "Conv2d".
}

// Meta is the per-Node annotation mapping: known annotation kinds are typed
// fields, anything else goes through the generic Extra map. Rewriting passes
// copy Meta from original nodes to their replacements, never synthesize it.
type Meta struct {
	// StackTrace is the source provenance recorded at trace time.
	StackTrace string
	// ModuleStack is the stack of enclosing originating modules.
	ModuleStack []ModuleScope
	// Quantization holds quantization annotations attached by the caller.
	Quantization any
	// Extra holds any other annotations.
	Extra map[string]any
}

// Clone returns a copy of m whose slices and maps are independent of the
// original. Values inside Extra are shared. Clone of nil is nil.
func (m *Meta) Clone() *Meta {
	if m == nil {
		return nil
	}
	clone := &Meta{
		StackTrace:   m.StackTrace,
		ModuleStack:  slices.Clone(m.ModuleStack),
		Quantization: m.Quantization,
	}
	if m.Extra != nil {
		clone.Extra = make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			clone.Extra[k] = v
		}
	}
	return clone
}

// Node is one primitive operation in a Graph. Node-valued arguments always
// reference nodes earlier in the graph order (no forward references).
type Node struct {
	Name   string
	Target Target
	Args   []Arg
	Meta   *Meta

	graph *Graph
	users map[*Node]int // consumer node → number of its Args referencing this node.
}

// Graph owns an ordered sequence of Nodes in topological order.
type Graph struct {
	nodes     []*Node
	nameCount map[string]int
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{nameCount: make(map[string]int)}
}

// Nodes returns the nodes in graph (topological) order. The returned slice is
// a copy; mutating the graph does not invalidate it.
func (g *Graph) Nodes() []*Node {
	return slices.Clone(g.nodes)
}

// NumNodes returns the number of nodes in the graph.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Placeholders returns the graph input nodes, in order.
func (g *Graph) Placeholders() []*Node {
	var phs []*Node
	for _, n := range g.nodes {
		if n.Target == OpPlaceholder {
			phs = append(phs, n)
		}
	}
	return phs
}

// Output returns the graph's output node. Panics if the graph has not been
// finalized with SetOutput.
func (g *Graph) Output() *Node {
	for ii := len(g.nodes) - 1; ii >= 0; ii-- {
		if g.nodes[ii].Target == OpOutput {
			return g.nodes[ii]
		}
	}
	exceptions.Panicf("fxgraph: graph has no output node")
	panic(nil) // for lint benefit.
}

// uniqueName derives an unused node name from the given stem.
func (g *Graph) uniqueName(stem string) string {
	count := g.nameCount[stem]
	g.nameCount[stem] = count + 1
	if count == 0 {
		return stem
	}
	return fmt.Sprintf("%s_%d", stem, count)
}

// newNode allocates a node, registers it with its argument users, and returns
// it without placing it in g.nodes (callers decide the position).
func (g *Graph) newNode(name string, target Target, args []Arg) *Node {
	n := &Node{
		Name:   g.uniqueName(name),
		Target: target,
		Args:   args,
		Meta:   &Meta{},
		graph:  g,
		users:  make(map[*Node]int),
	}
	for _, arg := range args {
		if arg.Node != nil {
			arg.Node.users[n]++
		}
	}
	return n
}

// NewNode appends a node with the given target and arguments. Node arguments
// must already be members of g.
func (g *Graph) NewNode(target Target, args ...Arg) *Node {
	g.checkArgsOwned(target, args)
	n := g.newNode(target.shortName(), target, args)
	g.nodes = append(g.nodes, n)
	return n
}

// NewNamedNode is NewNode with an explicit name stem.
func (g *Graph) NewNamedNode(name string, target Target, args ...Arg) *Node {
	g.checkArgsOwned(target, args)
	n := g.newNode(name, target, args)
	g.nodes = append(g.nodes, n)
	return n
}

// Placeholder appends a graph input with the given name.
func (g *Graph) Placeholder(name string) *Node {
	return g.NewNamedNode(name, OpPlaceholder, LitArg(name))
}

// SetOutput finalizes the graph with the given result argument.
func (g *Graph) SetOutput(result Arg) *Node {
	return g.NewNode(OpOutput, result)
}

// InsertBefore inserts a new node immediately before anchor. All node-valued
// arguments must precede anchor in the graph order, preserving the topological
// invariant.
func (g *Graph) InsertBefore(anchor *Node, target Target, args ...Arg) *Node {
	idx := g.indexOf(anchor)
	g.checkArgsOwned(target, args)
	for _, arg := range args {
		if arg.Node != nil && g.indexOf(arg.Node) >= idx {
			exceptions.Panicf("fxgraph: InsertBefore(%q): argument %q does not precede the insertion point",
				anchor.Name, arg.Node.Name)
		}
	}
	n := g.newNode(target.shortName(), target, args)
	g.nodes = slices.Insert(g.nodes, idx, n)
	return n
}

// InsertAfter inserts a new node immediately after anchor.
func (g *Graph) InsertAfter(anchor *Node, target Target, args ...Arg) *Node {
	idx := g.indexOf(anchor)
	g.checkArgsOwned(target, args)
	for _, arg := range args {
		if arg.Node != nil && g.indexOf(arg.Node) > idx {
			exceptions.Panicf("fxgraph: InsertAfter(%q): argument %q does not precede the insertion point",
				anchor.Name, arg.Node.Name)
		}
	}
	n := g.newNode(target.shortName(), target, args)
	g.nodes = slices.Insert(g.nodes, idx+1, n)
	return n
}

func (g *Graph) indexOf(n *Node) int {
	idx := slices.Index(g.nodes, n)
	if idx < 0 {
		exceptions.Panicf("fxgraph: node %q is not a member of the graph", n.Name)
	}
	return idx
}

func (g *Graph) checkArgsOwned(target Target, args []Arg) {
	for _, arg := range args {
		if arg.Node != nil && arg.Node.graph != g {
			exceptions.Panicf("fxgraph: argument node %q belongs to a different graph (creating %q node)",
				arg.Node.Name, target)
		}
	}
}

// SetArgs replaces the node's argument tuple, updating user bookkeeping.
func (n *Node) SetArgs(args []Arg) {
	for _, arg := range n.Args {
		if arg.Node != nil {
			arg.Node.dropUser(n)
		}
	}
	n.Args = args
	for _, arg := range args {
		if arg.Node != nil {
			arg.Node.users[n]++
		}
	}
}

func (n *Node) dropUser(user *Node) {
	n.users[user]--
	if n.users[user] <= 0 {
		delete(n.users, user)
	}
}

// SwapInput replaces every argument of n referencing old with repl.
func (n *Node) SwapInput(old, repl *Node) {
	args := slices.Clone(n.Args)
	for ii, arg := range args {
		if arg.Node == old {
			args[ii] = NodeArg(repl)
		}
	}
	n.SetArgs(args)
}

// NumUsers returns how many nodes reference n as an argument.
func (n *Node) NumUsers() int { return len(n.users) }

// Users returns the nodes referencing n as an argument, in graph order.
func (n *Node) Users() []*Node {
	users := make([]*Node, 0, len(n.users))
	for user := range n.users {
		users = append(users, user)
	}
	g := n.graph
	slices.SortFunc(users, func(a, b *Node) int {
		return slices.Index(g.nodes, a) - slices.Index(g.nodes, b)
	})
	return users
}

// ReplaceAllUses rewires every use of old to repl. Both must be members of g.
func (g *Graph) ReplaceAllUses(old, repl *Node) {
	for _, user := range old.Users() {
		user.SwapInput(old, repl)
	}
}

// Erase removes n from the graph. Panics if n still has users.
func (g *Graph) Erase(n *Node) {
	if len(n.users) > 0 {
		exceptions.Panicf("fxgraph: cannot erase node %q: it still has %d users", n.Name, len(n.users))
	}
	idx := g.indexOf(n)
	for _, arg := range n.Args {
		if arg.Node != nil {
			arg.Node.dropUser(n)
		}
	}
	g.nodes = slices.Delete(g.nodes, idx, idx+1)
	n.graph = nil
}

// EliminateDeadCode erases nodes with no observable effect on the output.
// Placeholders and the output node are always kept. A single reverse sweep
// suffices because the graph is topologically ordered.
func (g *Graph) EliminateDeadCode() {
	for ii := len(g.nodes) - 1; ii >= 0; ii-- {
		n := g.nodes[ii]
		if n.Target == OpPlaceholder || n.Target == OpOutput {
			continue
		}
		if len(n.users) == 0 {
			g.Erase(n)
		}
	}
}

// Lint checks the structural invariants: unique names, no forward references,
// consistent user bookkeeping. Panics on the first violation.
func (g *Graph) Lint() {
	seen := make(map[string]bool, len(g.nodes))
	position := make(map[*Node]int, len(g.nodes))
	for ii, n := range g.nodes {
		if seen[n.Name] {
			exceptions.Panicf("fxgraph: duplicate node name %q", n.Name)
		}
		seen[n.Name] = true
		position[n] = ii
	}
	for ii, n := range g.nodes {
		for _, arg := range n.Args {
			if arg.Node == nil {
				continue
			}
			argPos, ok := position[arg.Node]
			if !ok {
				exceptions.Panicf("fxgraph: node %q references %q, which is not in the graph", n.Name, arg.Node.Name)
			}
			if argPos >= ii {
				exceptions.Panicf("fxgraph: node %q has a forward reference to %q", n.Name, arg.Node.Name)
			}
			if arg.Node.users[n] == 0 {
				exceptions.Panicf("fxgraph: node %q is missing user bookkeeping for %q", arg.Node.Name, n.Name)
			}
		}
	}
}
