// Package softmax implements numerically stable, fused softmax and
// log-softmax functions with optional masking and closed-form
// gradients.
//
// All functions normalize along a single dimension of a Float64
// *tensor.Dense of any rank. The softmax and log-softmax are always
// computed from one shared stabilized pass (subtract the max,
// exponentiate, sum), so that the two outputs are numerically
// consistent with each other.
//
// A mask is a []bool aligned with the row-major data of the input
// tensor. Masked (true) entries receive exactly zero probability: a
// very large constant is subtracted from their score before the
// stabilizing max is taken, and their exponential is set to exactly
// zero afterwards. The log-softmax of a masked entry is a very large
// negative number and must never be consumed.
//
// The functions in this package are pure. Op.go registers them with
// Gorgonia's symbolic differentiation as a custom operation.
package softmax

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"
)

// VeryLargeValue is subtracted from masked scores before normalizing
const VeryLargeValue = 1e34

// Result holds the outputs of a forward pass
type Result struct {
	Softmax    *tensor.Dense
	LogSoftmax *tensor.Dense
	Dim        int
}

// Forward computes the softmax and log-softmax of x along dimension dim.
// If mask is non-nil, entries of x where mask is true receive zero
// probability. Negative dimensions count from the last dimension.
func Forward(x *tensor.Dense, mask []bool, dim int) (*Result, error) {
	data, err := float64s(x)
	if err != nil {
		return nil, fmt.Errorf("forward: %v", err)
	}
	l, dim, err := newLayout(x.Shape(), dim)
	if err != nil {
		return nil, fmt.Errorf("forward: %v", err)
	}
	if mask != nil && len(mask) != len(data) {
		return nil, fmt.Errorf("forward: invalid mask size \n\twant(%v)"+
			"\n\thave(%v)", len(data), len(mask))
	}

	sm := make([]float64, len(data))
	lsm := make([]float64, len(data))

	line := make([]float64, l.size)
	exp := make([]float64, l.size)
	masked := make([]bool, l.size)
	for o := 0; o < l.outer; o++ {
		for i := 0; i < l.inner; i++ {
			l.gather(line, data, o, i)
			if mask != nil {
				l.gatherMask(masked, mask, o, i)
				for k := range line {
					if masked[k] {
						line[k] -= VeryLargeValue
					}
				}
			}

			floats.AddConst(-floats.Max(line), line)
			for k, v := range line {
				exp[k] = math.Exp(v)
				if mask != nil && masked[k] {
					exp[k] = 0
				}
			}
			sum := floats.Sum(exp)

			// line now holds the shifted input, exp the numerators
			l.scatter(lsm, line, o, i)
			floats.Scale(1/sum, exp)
			l.scatter(sm, exp, o, i)

			logSum := math.Log(sum)
			for k := 0; k < l.size; k++ {
				lsm[l.index(o, k, i)] -= logSum
			}
		}
	}

	shape := x.Shape().Clone()
	return &Result{
		Softmax:    tensor.New(tensor.WithShape(shape...), tensor.WithBacking(sm)),
		LogSoftmax: tensor.New(tensor.WithShape(shape...), tensor.WithBacking(lsm)),
		Dim:        dim,
	}, nil
}

// Backward computes the gradient with respect to the input of the joint
// softmax/log-softmax map, given the softmax output sm and the upstream
// gradients with respect to the softmax (gradSoftmax) and log-softmax
// (gradLogSoftmax). Along dimension dim:
//
//	gx = sm ⊙ gradSoftmax
//	gx = gx - sm ⊙ sum(gx)
//	gx = gx + gradLogSoftmax - sm ⊙ sum(gradLogSoftmax)
//
// Either upstream gradient may be nil, in which case its term is
// dropped. This gives the gradients of the single-output softmax and
// log-softmax.
func Backward(sm, gradSoftmax, gradLogSoftmax *tensor.Dense,
	dim int) (*tensor.Dense, error) {
	if gradSoftmax == nil && gradLogSoftmax == nil {
		return nil, fmt.Errorf("backward: no upstream gradient given")
	}
	s, err := float64s(sm)
	if err != nil {
		return nil, fmt.Errorf("backward: %v", err)
	}
	l, _, err := newLayout(sm.Shape(), dim)
	if err != nil {
		return nil, fmt.Errorf("backward: %v", err)
	}

	var gs, gls []float64
	if gradSoftmax != nil {
		if gs, err = float64s(gradSoftmax); err != nil {
			return nil, fmt.Errorf("backward: softmax gradient: %v", err)
		}
		if len(gs) != len(s) {
			return nil, fmt.Errorf("backward: invalid softmax gradient size"+
				"\n\twant(%v)\n\thave(%v)", len(s), len(gs))
		}
	}
	if gradLogSoftmax != nil {
		if gls, err = float64s(gradLogSoftmax); err != nil {
			return nil, fmt.Errorf("backward: log-softmax gradient: %v", err)
		}
		if len(gls) != len(s) {
			return nil, fmt.Errorf("backward: invalid log-softmax gradient "+
				"size \n\twant(%v)\n\thave(%v)", len(s), len(gls))
		}
	}

	gx := make([]float64, len(s))
	smLine := make([]float64, l.size)
	gLine := make([]float64, l.size)
	gxLine := make([]float64, l.size)
	for o := 0; o < l.outer; o++ {
		for i := 0; i < l.inner; i++ {
			l.gather(smLine, s, o, i)
			for k := range gxLine {
				gxLine[k] = 0
			}

			if gs != nil {
				l.gather(gLine, gs, o, i)
				floats.MulTo(gxLine, smLine, gLine)
				floats.AddScaled(gxLine, -floats.Sum(gxLine), smLine)
			}
			if gls != nil {
				l.gather(gLine, gls, o, i)
				floats.Add(gxLine, gLine)
				floats.AddScaled(gxLine, -floats.Sum(gLine), smLine)
			}

			l.scatter(gx, gxLine, o, i)
		}
	}

	return tensor.New(
		tensor.WithShape(sm.Shape().Clone()...),
		tensor.WithBacking(gx),
	), nil
}

// SoftmaxAndLogSoftmax returns the softmax and log-softmax of x along
// dimension dim
func SoftmaxAndLogSoftmax(x *tensor.Dense, dim int) (*tensor.Dense,
	*tensor.Dense, error) {
	r, err := Forward(x, nil, dim)
	if err != nil {
		return nil, nil, err
	}
	return r.Softmax, r.LogSoftmax, nil
}

// MaskedSoftmax returns the softmax of x along dimension dim, where
// masked entries receive zero probability
func MaskedSoftmax(x *tensor.Dense, mask []bool, dim int) (*tensor.Dense,
	error) {
	r, err := Forward(x, mask, dim)
	if err != nil {
		return nil, err
	}
	return r.Softmax, nil
}

// MaskedLogSoftmax returns the log-softmax of x along dimension dim.
// Values at masked entries are meaningless.
func MaskedLogSoftmax(x *tensor.Dense, mask []bool, dim int) (*tensor.Dense,
	error) {
	r, err := Forward(x, mask, dim)
	if err != nil {
		return nil, err
	}
	return r.LogSoftmax, nil
}

// MaskedSoftmaxAndLogSoftmax returns both the masked softmax and the
// masked log-softmax of x along dimension dim
func MaskedSoftmaxAndLogSoftmax(x *tensor.Dense, mask []bool,
	dim int) (*tensor.Dense, *tensor.Dense, error) {
	r, err := Forward(x, mask, dim)
	if err != nil {
		return nil, nil, err
	}
	return r.Softmax, r.LogSoftmax, nil
}

// float64s returns the row-major data of a Float64 tensor
func float64s(t *tensor.Dense) ([]float64, error) {
	if t == nil {
		return nil, fmt.Errorf("nil tensor")
	}
	if t.Dtype() != tensor.Float64 {
		return nil, fmt.Errorf("invalid dtype \n\twant(%v)\n\thave(%v)",
			tensor.Float64, t.Dtype())
	}
	if t.IsMaterializable() {
		return t.Materialize().Data().([]float64), nil
	}
	return t.Data().([]float64), nil
}

// layout describes a tensor as outer × size × inner, where size is the
// length of the dimension being normalized
type layout struct {
	outer, size, inner int
}

// newLayout returns the layout of a tensor of the given shape along dim,
// together with the non-negative form of dim
func newLayout(shape tensor.Shape, dim int) (layout, int, error) {
	if len(shape) == 0 {
		return layout{}, 0, fmt.Errorf("cannot normalize a scalar")
	}
	if dim < 0 {
		dim += len(shape)
	}
	if dim < 0 || dim >= len(shape) {
		return layout{}, 0, fmt.Errorf("dimension %v out of range for "+
			"shape %v", dim, shape)
	}

	l := layout{outer: 1, size: shape[dim], inner: 1}
	for _, s := range shape[:dim] {
		l.outer *= s
	}
	for _, s := range shape[dim+1:] {
		l.inner *= s
	}
	return l, dim, nil
}

// index returns the flat index of element (o, k, i)
func (l layout) index(o, k, i int) int {
	return (o*l.size+k)*l.inner + i
}

// gather copies the line (o, :, i) of src into dst
func (l layout) gather(dst, src []float64, o, i int) {
	if l.inner == 1 {
		start := o * l.size
		copy(dst, src[start:start+l.size])
		return
	}
	for k := range dst {
		dst[k] = src[l.index(o, k, i)]
	}
}

// gatherMask copies the line (o, :, i) of a mask into dst
func (l layout) gatherMask(dst, src []bool, o, i int) {
	for k := range dst {
		dst[k] = src[l.index(o, k, i)]
	}
}

// scatter copies src into the line (o, :, i) of dst
func (l layout) scatter(dst, src []float64, o, i int) {
	if l.inner == 1 {
		copy(dst[o*l.size:], src)
		return
	}
	for k, v := range src {
		dst[l.index(o, k, i)] = v
	}
}
