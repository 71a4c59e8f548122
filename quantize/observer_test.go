package quantize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/fxquant/fxgraph"
)

func TestMinMaxObserverAffine(t *testing.T) {
	o := NewMinMaxObserver(DefaultQConfig())
	assert.False(t, o.Calibrated())

	o.Observe(fxgraph.TensorFrom([]int{2}, []float64{-1, 2}))
	o.Observe(fxgraph.TensorFrom([]int{2}, []float64{0, 3}))
	require.True(t, o.Calibrated())

	scale, zeroPoint := o.QParams()
	// Range [-1, 3] over 255 steps.
	assert.InDelta(t, 4.0/255.0, scale, 1e-7)
	assert.Equal(t, -64, zeroPoint)
}

func TestMinMaxObserverWidensToZero(t *testing.T) {
	// An all-positive range is widened to include zero, pinning the zero point
	// at quant_min.
	o := NewMinMaxObserver(DefaultQConfig())
	o.Observe(fxgraph.TensorFrom([]int{2}, []float64{2, 3}))

	scale, zeroPoint := o.QParams()
	assert.InDelta(t, 3.0/255.0, scale, 1e-7)
	assert.Equal(t, -128, zeroPoint)
}

func TestMinMaxObserverSymmetric(t *testing.T) {
	o := NewMinMaxObserver(&QConfig{QuantMin: -128, QuantMax: 127, Symmetric: true})
	o.Observe(fxgraph.TensorFrom([]int{2}, []float64{-1, 3}))

	scale, zeroPoint := o.QParams()
	assert.InDelta(t, 6.0/255.0, scale, 1e-7)
	assert.Equal(t, 0, zeroPoint)
}

func TestMinMaxObserverConstantZero(t *testing.T) {
	o := NewMinMaxObserver(DefaultQConfig())
	o.Observe(fxgraph.TensorFrom([]int{2}, []float64{0, 0}))

	scale, _ := o.QParams()
	assert.Equal(t, float32(1), scale, "degenerate range falls back to unit scale")
}

func TestMinMaxObserverUncalibratedPanics(t *testing.T) {
	o := NewMinMaxObserver(DefaultQConfig())
	require.Panics(t, func() { o.QParams() })
}
