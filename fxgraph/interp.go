package fxgraph

import (
	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// TensorObserver records statistics of the values flowing through an observer
// node. The prepare stage of the quantize package stores one per observer node
// as a literal argument; the interpreter feeds it during calibration.
type TensorObserver interface {
	Observe(t *Tensor)
}

// Interpret numerically evaluates the graph, binding placeholders from inputs
// by name, and returns the value of the output node. Tuple-valued primitives
// (batch norm) are handled internally; the output must be a plain tensor.
func Interpret(g *Graph, inputs map[string]*Tensor) (result *Tensor, err error) {
	err = exceptions.TryCatch[error](func() { result = interpret(g, inputs) })
	if err != nil {
		return nil, errors.WithMessage(err, "fxgraph.Interpret")
	}
	return result, nil
}

// env holds evaluated node values: *Tensor for single-output nodes, []*Tensor
// for tuple-valued ones.
type env map[*Node]any

func interpret(g *Graph, inputs map[string]*Tensor) *Tensor {
	values := make(env, g.NumNodes())
	for _, n := range g.Nodes() {
		switch n.Target {
		case OpPlaceholder:
			input := inputs[n.Name]
			if input == nil {
				exceptions.Panicf("no input given for placeholder %q", n.Name)
			}
			values[n] = input.Clone()
		case OpOutput:
			return values.tensor(n, 0)
		default:
			values[n] = evalNode(n, values)
		}
	}
	exceptions.Panicf("graph has no output node")
	panic(nil) // for lint benefit.
}

// tensor returns the ii-th argument of n evaluated to a plain tensor.
func (e env) tensor(n *Node, ii int) *Tensor {
	arg := n.Args[ii]
	if !arg.IsNode() {
		exceptions.Panicf("node %q: argument %d is not a node", n.Name, ii)
	}
	t, ok := e[arg.Node].(*Tensor)
	if !ok {
		exceptions.Panicf("node %q: argument %d (%q) is not a plain tensor", n.Name, ii, arg.Node.Name)
	}
	return t
}

func evalNode(n *Node, values env) any {
	switch n.Target {
	case OpConvolution:
		return evalConvolution(n, values)
	case OpBatchNorm, OpBatchNormEval:
		return evalBatchNorm(n, values)
	case OpGetItem:
		tuple, ok := values[n.Args[0].Node].([]*Tensor)
		if !ok {
			exceptions.Panicf("getitem %q applied to non-tuple value", n.Name)
		}
		return tuple[litInt(n, 1)]
	case OpAdd:
		a := values.tensor(n, 0)
		if n.Args[1].IsNode() {
			return a.Add(values.tensor(n, 1))
		}
		return a.AddScalar(litFloat(n, 1))
	case OpSub:
		return values.tensor(n, 0).Sub(values.tensor(n, 1))
	case OpMul:
		return values.tensor(n, 0).Mul(values.tensor(n, 1))
	case OpDiv:
		return values.tensor(n, 0).Div(values.tensor(n, 1))
	case OpSqrt:
		return values.tensor(n, 0).Sqrt()
	case OpView:
		return values.tensor(n, 0).Reshape(litDims(n, 1))
	case OpZerosLike:
		return NewTensor(values.tensor(n, 0).Dims...)
	case OpObserver:
		t := values.tensor(n, 0)
		if observer, ok := n.Args[1].Lit.(TensorObserver); ok {
			observer.Observe(t)
		}
		return t
	case OpQuantizePerTensor:
		return evalQuantize(n, values)
	case OpDequantizePerTensor:
		return evalDequantize(n, values)
	default:
		exceptions.Panicf("unimplemented primitive %q (node %q)", n.Target, n.Name)
		panic(nil) // for lint benefit.
	}
}

func litInt(n *Node, ii int) int {
	v, ok := n.Args[ii].Lit.(int)
	if !ok {
		exceptions.Panicf("node %q: argument %d is not an int literal (%v)", n.Name, ii, n.Args[ii])
	}
	return v
}

func litFloat(n *Node, ii int) float64 {
	v, ok := n.Args[ii].Lit.(float64)
	if !ok {
		exceptions.Panicf("node %q: argument %d is not a float literal (%v)", n.Name, ii, n.Args[ii])
	}
	return v
}

func litDims(n *Node, ii int) []int {
	v, ok := n.Args[ii].Lit.([]int)
	if !ok {
		exceptions.Panicf("node %q: argument %d is not a dims literal (%v)", n.Name, ii, n.Args[ii])
	}
	return v
}

func litBool(n *Node, ii int) bool {
	v, ok := n.Args[ii].Lit.(bool)
	if !ok {
		exceptions.Panicf("node %q: argument %d is not a bool literal (%v)", n.Name, ii, n.Args[ii])
	}
	return v
}

// evalConvolution implements the convolution primitive for NCHW inputs with
// stride, padding, dilation and groups. Transposed convolution is not
// supported.
func evalConvolution(n *Node, values env) *Tensor {
	input := values.tensor(n, 0)
	weight := values.tensor(n, 1)
	var bias *Tensor
	if n.Args[2].IsNode() {
		bias = values.tensor(n, 2)
	}
	stride, padding, dilation := litDims(n, 3), litDims(n, 4), litDims(n, 5)
	if litBool(n, 6) {
		exceptions.Panicf("node %q: transposed convolution is not supported", n.Name)
	}
	groups := litInt(n, 8)

	if input.Rank() != 4 || weight.Rank() != 4 {
		exceptions.Panicf("node %q: convolution requires NCHW input and OIHW weight, got ranks %d and %d",
			n.Name, input.Rank(), weight.Rank())
	}
	batch, inChannels, height, width := input.Dims[0], input.Dims[1], input.Dims[2], input.Dims[3]
	outChannels, kernelIn, kernelH, kernelW := weight.Dims[0], weight.Dims[1], weight.Dims[2], weight.Dims[3]
	if inChannels != kernelIn*groups {
		exceptions.Panicf("node %q: input has %d channels, weight expects %d*%d", n.Name, inChannels, kernelIn, groups)
	}
	outH := (height+2*padding[0]-dilation[0]*(kernelH-1)-1)/stride[0] + 1
	outW := (width+2*padding[1]-dilation[1]*(kernelW-1)-1)/stride[1] + 1

	out := NewTensor(batch, outChannels, outH, outW)
	channelsPerGroup := outChannels / groups
	for b := 0; b < batch; b++ {
		for oc := 0; oc < outChannels; oc++ {
			group := oc / channelsPerGroup
			var biasV float64
			if bias != nil {
				biasV = bias.Data[oc]
			}
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					acc := biasV
					for ic := 0; ic < kernelIn; ic++ {
						inChannel := group*kernelIn + ic
						for kh := 0; kh < kernelH; kh++ {
							ih := oh*stride[0] - padding[0] + kh*dilation[0]
							if ih < 0 || ih >= height {
								continue
							}
							for kw := 0; kw < kernelW; kw++ {
								iw := ow*stride[1] - padding[1] + kw*dilation[1]
								if iw < 0 || iw >= width {
									continue
								}
								inIdx := ((b*inChannels+inChannel)*height+ih)*width + iw
								wIdx := ((oc*kernelIn+ic)*kernelH+kh)*kernelW + kw
								acc += input.Data[inIdx] * weight.Data[wIdx]
							}
						}
					}
					out.Data[((b*outChannels+oc)*outH+oh)*outW+ow] = acc
				}
			}
		}
	}
	return out
}

// evalBatchNorm implements both batch normalization primitives over NCHW
// input. The training-mode target normalizes with batch statistics; the
// eval-mode target uses the given running statistics. Returns the tuple
// (output, save_mean, save_invstd).
func evalBatchNorm(n *Node, values env) []*Tensor {
	input := values.tensor(n, 0)
	weight := values.tensor(n, 1)
	bias := values.tensor(n, 2)
	runningMean := values.tensor(n, 3)
	runningVar := values.tensor(n, 4)
	training := false
	epsIdx := 6
	if n.Target == OpBatchNorm {
		training = litBool(n, 5)
		epsIdx = 7
	}
	eps := litFloat(n, epsIdx)

	if input.Rank() != 4 {
		exceptions.Panicf("node %q: batch norm requires NCHW input, got rank %d", n.Name, input.Rank())
	}
	batch, channels, height, width := input.Dims[0], input.Dims[1], input.Dims[2], input.Dims[3]

	mean := NewTensor(channels)
	variance := NewTensor(channels)
	if training {
		count := float64(batch * height * width)
		for c := 0; c < channels; c++ {
			var sum float64
			for b := 0; b < batch; b++ {
				base := (b*channels + c) * height * width
				for ii := 0; ii < height*width; ii++ {
					sum += input.Data[base+ii]
				}
			}
			mean.Data[c] = sum / count
			var sqSum float64
			for b := 0; b < batch; b++ {
				base := (b*channels + c) * height * width
				for ii := 0; ii < height*width; ii++ {
					diff := input.Data[base+ii] - mean.Data[c]
					sqSum += diff * diff
				}
			}
			variance.Data[c] = sqSum / count
		}
	} else {
		mean = runningMean.Clone()
		variance = runningVar.Clone()
	}

	invStd := variance.AddScalar(eps).Sqrt()
	for ii, v := range invStd.Data {
		invStd.Data[ii] = 1 / v
	}

	out := NewTensor(input.Dims...)
	for b := 0; b < batch; b++ {
		for c := 0; c < channels; c++ {
			base := (b*channels + c) * height * width
			scale := invStd.Data[c] * weight.Data[c]
			shift := bias.Data[c] - mean.Data[c]*scale
			for ii := 0; ii < height*width; ii++ {
				out.Data[base+ii] = input.Data[base+ii]*scale + shift
			}
		}
	}
	return []*Tensor{out, mean, invStd}
}

// evalQuantize implements the reference per-tensor affine quantization:
// q = clamp(round(x/scale) + zero_point, quant_min, quant_max). The rounding
// happens in float32, matching the reference quantized representation.
func evalQuantize(n *Node, values env) *Tensor {
	input := values.tensor(n, 0)
	scale := litScale(n, 1)
	zeroPoint, qmin, qmax := litInt(n, 2), litInt(n, 3), litInt(n, 4)

	out := NewTensor(input.Dims...)
	for ii, v := range input.Data {
		q := int(math32.Round(float32(v)/scale)) + zeroPoint
		if q < qmin {
			q = qmin
		}
		if q > qmax {
			q = qmax
		}
		out.Data[ii] = float64(q)
	}
	return out
}

// evalDequantize implements the reference dequantization:
// x = (q - zero_point) * scale.
func evalDequantize(n *Node, values env) *Tensor {
	input := values.tensor(n, 0)
	scale := litScale(n, 1)
	zeroPoint := litInt(n, 2)

	out := NewTensor(input.Dims...)
	for ii, q := range input.Data {
		out.Data[ii] = float64((float32(q) - float32(zeroPoint)) * scale)
	}
	return out
}

func litScale(n *Node, ii int) float32 {
	v, ok := n.Args[ii].Lit.(float32)
	if !ok {
		exceptions.Panicf("node %q: argument %d is not a float32 scale literal (%v)", n.Name, ii, n.Args[ii])
	}
	return v
}
