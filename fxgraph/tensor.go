package fxgraph

import (
	"math"

	"github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/floats"
)

// Tensor is a dense float64 tensor in row-major order. It serves as the
// example-input type for tracing and as the value type of the interpreter.
type Tensor struct {
	Dims []int
	Data []float64
}

// NewTensor returns a zero-filled tensor with the given dimensions.
func NewTensor(dims ...int) *Tensor {
	return &Tensor{Dims: dims, Data: make([]float64, numElements(dims))}
}

// TensorFrom wraps dims and data into a Tensor, checking their sizes agree.
func TensorFrom(dims []int, data []float64) *Tensor {
	if len(data) != numElements(dims) {
		exceptions.Panicf("fxgraph: tensor with dims %v requires %d elements, got %d",
			dims, numElements(dims), len(data))
	}
	return &Tensor{Dims: dims, Data: data}
}

// FullTensor returns a tensor with every element set to value.
func FullTensor(value float64, dims ...int) *Tensor {
	t := NewTensor(dims...)
	for ii := range t.Data {
		t.Data[ii] = value
	}
	return t
}

// Size returns the number of elements.
func (t *Tensor) Size() int { return len(t.Data) }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.Dims) }

// Clone returns an independent copy of t.
func (t *Tensor) Clone() *Tensor {
	clone := NewTensor(t.Dims...)
	copy(clone.Data, t.Data)
	return clone
}

func numElements(dims []int) int {
	size := 1
	for _, d := range dims {
		size *= d
	}
	return size
}

// sameDims reports whether a and b have identical dimensions.
func sameDims(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for ii := range a {
		if a[ii] != b[ii] {
			return false
		}
	}
	return true
}

// binaryOp applies fn elementwise with standard right-aligned broadcasting.
// fast is the dense same-shape kernel (gonum), used when no broadcasting is
// needed; it may be nil.
func binaryOp(a, b *Tensor, fast func(dst, s []float64), fn func(x, y float64) float64) *Tensor {
	if sameDims(a.Dims, b.Dims) && fast != nil {
		out := a.Clone()
		fast(out.Data, b.Data)
		return out
	}
	outDims := broadcastDims(a.Dims, b.Dims)
	out := NewTensor(outDims...)
	aStrides := broadcastStrides(a.Dims, outDims)
	bStrides := broadcastStrides(b.Dims, outDims)
	idx := make([]int, len(outDims))
	for ii := range out.Data {
		var aOff, bOff int
		for d := range outDims {
			aOff += idx[d] * aStrides[d]
			bOff += idx[d] * bStrides[d]
		}
		out.Data[ii] = fn(a.Data[aOff], b.Data[bOff])
		for d := len(outDims) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < outDims[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out
}

// broadcastDims computes the broadcast result dimensions, or panics if the
// shapes are incompatible.
func broadcastDims(a, b []int) []int {
	rank := max(len(a), len(b))
	out := make([]int, rank)
	for ii := 0; ii < rank; ii++ {
		da, db := 1, 1
		if ii >= rank-len(a) {
			da = a[ii-(rank-len(a))]
		}
		if ii >= rank-len(b) {
			db = b[ii-(rank-len(b))]
		}
		switch {
		case da == db:
			out[ii] = da
		case da == 1:
			out[ii] = db
		case db == 1:
			out[ii] = da
		default:
			exceptions.Panicf("fxgraph: cannot broadcast dims %v with %v", a, b)
		}
	}
	return out
}

// broadcastStrides returns per-axis strides for reading a tensor of dims as if
// it had outDims: broadcast axes get stride 0.
func broadcastStrides(dims, outDims []int) []int {
	strides := make([]int, len(outDims))
	stride := 1
	offset := len(outDims) - len(dims)
	for ii := len(outDims) - 1; ii >= 0; ii-- {
		if ii < offset || dims[ii-offset] == 1 {
			strides[ii] = 0
			continue
		}
		strides[ii] = stride
		stride *= dims[ii-offset]
	}
	return strides
}

// Add returns a + b with broadcasting.
func (t *Tensor) Add(other *Tensor) *Tensor {
	return binaryOp(t, other, floats.Add, func(x, y float64) float64 { return x + y })
}

// Sub returns a - b with broadcasting.
func (t *Tensor) Sub(other *Tensor) *Tensor {
	return binaryOp(t, other, floats.Sub, func(x, y float64) float64 { return x - y })
}

// Mul returns a * b elementwise with broadcasting.
func (t *Tensor) Mul(other *Tensor) *Tensor {
	return binaryOp(t, other, floats.Mul, func(x, y float64) float64 { return x * y })
}

// Div returns a / b elementwise with broadcasting.
func (t *Tensor) Div(other *Tensor) *Tensor {
	return binaryOp(t, other, floats.Div, func(x, y float64) float64 { return x / y })
}

// AddScalar returns t + s.
func (t *Tensor) AddScalar(s float64) *Tensor {
	out := t.Clone()
	floats.AddConst(s, out.Data)
	return out
}

// Sqrt returns the elementwise square root.
func (t *Tensor) Sqrt() *Tensor {
	out := t.Clone()
	for ii, v := range out.Data {
		out.Data[ii] = math.Sqrt(v)
	}
	return out
}

// Reshape returns a view copy of t with the given dimensions. A single -1
// entry is inferred from the element count.
func (t *Tensor) Reshape(dims []int) *Tensor {
	resolved := cloneDims(dims)
	inferred := -1
	known := 1
	for ii, d := range resolved {
		if d == -1 {
			if inferred >= 0 {
				exceptions.Panicf("fxgraph: reshape dims %v have more than one -1", dims)
			}
			inferred = ii
			continue
		}
		known *= d
	}
	if inferred >= 0 {
		if known == 0 || t.Size()%known != 0 {
			exceptions.Panicf("fxgraph: cannot infer -1 in reshape of %v to %v", t.Dims, dims)
		}
		resolved[inferred] = t.Size() / known
	}
	if numElements(resolved) != t.Size() {
		exceptions.Panicf("fxgraph: cannot reshape %v to %v", t.Dims, dims)
	}
	out := t.Clone()
	out.Dims = resolved
	return out
}

func cloneDims(dims []int) []int {
	out := make([]int, len(dims))
	copy(out, dims)
	return out
}

// Min returns the smallest element.
func (t *Tensor) Min() float64 { return floats.Min(t.Data) }

// Max returns the largest element.
func (t *Tensor) Max() float64 { return floats.Max(t.Data) }
