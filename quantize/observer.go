package quantize

import (
	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"

	"github.com/gomlx/fxquant/fxgraph"
)

// MinMaxObserver records the running min/max of every tensor flowing through
// its observer node during calibration, and derives per-tensor affine
// quantization parameters from them. It implements fxgraph.TensorObserver.
type MinMaxObserver struct {
	cfg      *QConfig
	min, max float64
	seen     bool
}

// NewMinMaxObserver returns an observer for the given scheme.
func NewMinMaxObserver(cfg *QConfig) *MinMaxObserver {
	return &MinMaxObserver{cfg: cfg}
}

// Observe folds one tensor into the running min/max.
func (o *MinMaxObserver) Observe(t *fxgraph.Tensor) {
	if t.Size() == 0 {
		return
	}
	lo, hi := t.Min(), t.Max()
	if !o.seen {
		o.min, o.max = lo, hi
		o.seen = true
		return
	}
	o.min = min(o.min, lo)
	o.max = max(o.max, hi)
}

// Calibrated reports whether the observer has seen at least one tensor.
func (o *MinMaxObserver) Calibrated() bool { return o.seen }

// QParams derives (scale, zero_point) from the observed range. The range is
// widened to include zero so that zero is exactly representable. Scale is
// computed in float32, matching the reference quantized representation.
func (o *MinMaxObserver) QParams() (scale float32, zeroPoint int) {
	if !o.seen {
		exceptions.Panicf("quantize: QParams called on an uncalibrated observer")
	}
	lo := float32(min(o.min, 0))
	hi := float32(max(o.max, 0))
	qmin, qmax := o.cfg.QuantMin, o.cfg.QuantMax

	if o.cfg.Symmetric {
		bound := math32.Max(math32.Abs(lo), math32.Abs(hi))
		scale = 2 * bound / float32(qmax-qmin)
		if scale == 0 {
			scale = 1
		}
		return scale, (qmin + qmax + 1) / 2
	}

	scale = (hi - lo) / float32(qmax-qmin)
	if scale == 0 {
		scale = 1
	}
	zeroPoint = qmin - int(math32.Round(lo/scale))
	if zeroPoint < qmin {
		zeroPoint = qmin
	}
	if zeroPoint > qmax {
		zeroPoint = qmax
	}
	return scale, zeroPoint
}
