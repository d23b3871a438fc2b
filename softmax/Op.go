package softmax

import (
	"fmt"
	"hash"
	"hash/fnv"

	"github.com/chewxy/hm"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// mode determines which outputs a softmaxOp produces
type mode byte

const (
	softmaxMode mode = iota
	logSoftmaxMode
	fusedMode
)

func (m mode) String() string {
	switch m {
	case softmaxMode:
		return "Softmax"
	case logSoftmaxMode:
		return "LogSoftmax"
	default:
		return "SoftmaxAndLogSoftmax"
	}
}

var (
	_ G.SDOp = (*softmaxOp)(nil)
	_ G.Op   = (*softmaxDiffOp)(nil)
)

// softmaxOp is a Gorgonia operation computing the (optionally masked)
// softmax and/or log-softmax of a matrix along its second (feature)
// dimension.
//
// In fusedMode the op produces a single N × 2A matrix from an N × A
// input: columns [0, A) hold the softmax and columns [A, 2A) hold the
// log-softmax, both computed from one stabilized pass. Gradients
// flowing into both halves are combined by one closed-form backward
// pass in softmaxDiffOp.
//
// If masked, the op takes a second input of the same shape as the
// first, where non-zero entries mark masked positions. The mask is not
// differentiable.
type softmaxOp struct {
	mode   mode
	masked bool
}

// Arity implements the gorgonia.Op interface
func (op *softmaxOp) Arity() int {
	if op.masked {
		return 2
	}
	return 1
}

// Type implements the gorgonia.Op interface
func (op *softmaxOp) Type() hm.Type {
	a := hm.TypeVariable('a')
	if op.masked {
		return hm.NewFnType(a, a, a)
	}
	return hm.NewFnType(a, a)
}

// InferShape implements the gorgonia.Op interface
func (op *softmaxOp) InferShape(inputs ...G.DimSizer) (tensor.Shape, error) {
	if len(inputs) != op.Arity() {
		return nil, errors.Errorf("%v: expected %d inputs, got %d", op,
			op.Arity(), len(inputs))
	}
	s, ok := inputs[0].(tensor.Shape)
	if !ok {
		return nil, errors.Errorf("%v: expected a tensor.Shape, got %T", op,
			inputs[0])
	}
	if len(s) != 2 {
		return nil, errors.Errorf("%v: expected a matrix, got shape %v", op,
			s)
	}
	if op.mode == fusedMode {
		return tensor.Shape{s[0], 2 * s[1]}, nil
	}
	return s.Clone(), nil
}

// Do implements the gorgonia.Op interface
func (op *softmaxOp) Do(inputs ...G.Value) (G.Value, error) {
	if len(inputs) != op.Arity() {
		return nil, errors.Errorf("%v: expected %d inputs, got %d", op,
			op.Arity(), len(inputs))
	}
	x, ok := inputs[0].(*tensor.Dense)
	if !ok {
		return nil, errors.Errorf("%v: expected *tensor.Dense input, got %T",
			op, inputs[0])
	}

	var mask []bool
	if op.masked {
		m, ok := inputs[1].(*tensor.Dense)
		if !ok {
			return nil, errors.Errorf("%v: expected *tensor.Dense mask, "+
				"got %T", op, inputs[1])
		}
		var err error
		if mask, err = boolMask(m); err != nil {
			return nil, errors.Wrapf(err, "%v", op)
		}
	}

	r, err := Forward(x, mask, 1)
	if err != nil {
		return nil, errors.Wrapf(err, "%v", op)
	}

	switch op.mode {
	case softmaxMode:
		return r.Softmax, nil
	case logSoftmaxMode:
		return r.LogSoftmax, nil
	default:
		return hstack(r.Softmax, r.LogSoftmax)
	}
}

// ReturnsPtr implements the gorgonia.Op interface
func (op *softmaxOp) ReturnsPtr() bool { return false }

// CallsExtern implements the gorgonia.Op interface
func (op *softmaxOp) CallsExtern() bool { return false }

// OverwritesInput implements the gorgonia.Op interface
func (op *softmaxOp) OverwritesInput() int { return -1 }

// WriteHash implements the gorgonia.Op interface
func (op *softmaxOp) WriteHash(h hash.Hash) {
	fmt.Fprintf(h, "%v", op)
}

// Hashcode implements the gorgonia.Op interface
func (op *softmaxOp) Hashcode() uint32 {
	h := fnv.New32a()
	op.WriteHash(h)
	return h.Sum32()
}

// String implements the fmt.Stringer interface
func (op *softmaxOp) String() string {
	if op.masked {
		return fmt.Sprintf("Masked%v{1}()", op.mode)
	}
	return fmt.Sprintf("%v{1}()", op.mode)
}

// DiffWRT implements the gorgonia.SDOp interface. Only the scores are
// differentiable.
func (op *softmaxOp) DiffWRT(inputs int) []bool {
	diff := make([]bool, inputs)
	diff[0] = true
	return diff
}

// SymDiff implements the gorgonia.SDOp interface
func (op *softmaxOp) SymDiff(inputs G.Nodes, output,
	grad *G.Node) (G.Nodes, error) {
	if len(inputs) != op.Arity() {
		return nil, errors.Errorf("%v: expected %d inputs, got %d", op,
			op.Arity(), len(inputs))
	}

	diff := &softmaxDiffOp{mode: op.mode}
	gx, err := G.ApplyOp(diff, output, grad)
	if err != nil {
		return nil, errors.Wrapf(err, "%v: could not apply %v", op, diff)
	}

	grads := make(G.Nodes, len(inputs))
	grads[0] = gx
	return grads, nil
}

// softmaxDiffOp computes the gradient of a softmaxOp with respect to its
// scores, given the softmaxOp's output and the gradient flowing into
// that output.
type softmaxDiffOp struct {
	mode mode
}

// Arity implements the gorgonia.Op interface
func (op *softmaxDiffOp) Arity() int { return 2 }

// Type implements the gorgonia.Op interface
func (op *softmaxDiffOp) Type() hm.Type {
	a := hm.TypeVariable('a')
	return hm.NewFnType(a, a, a)
}

// InferShape implements the gorgonia.Op interface
func (op *softmaxDiffOp) InferShape(inputs ...G.DimSizer) (tensor.Shape,
	error) {
	if len(inputs) != 2 {
		return nil, errors.Errorf("%v: expected 2 inputs, got %d", op,
			len(inputs))
	}
	s, ok := inputs[0].(tensor.Shape)
	if !ok {
		return nil, errors.Errorf("%v: expected a tensor.Shape, got %T", op,
			inputs[0])
	}
	if len(s) != 2 {
		return nil, errors.Errorf("%v: expected a matrix, got shape %v", op,
			s)
	}
	if op.mode == fusedMode {
		return tensor.Shape{s[0], s[1] / 2}, nil
	}
	return s.Clone(), nil
}

// Do implements the gorgonia.Op interface
func (op *softmaxDiffOp) Do(inputs ...G.Value) (G.Value, error) {
	if len(inputs) != 2 {
		return nil, errors.Errorf("%v: expected 2 inputs, got %d", op,
			len(inputs))
	}
	y, ok := inputs[0].(*tensor.Dense)
	if !ok {
		return nil, errors.Errorf("%v: expected *tensor.Dense output, got %T",
			op, inputs[0])
	}
	grad, ok := inputs[1].(*tensor.Dense)
	if !ok {
		return nil, errors.Errorf("%v: expected *tensor.Dense gradient, "+
			"got %T", op, inputs[1])
	}

	var gx *tensor.Dense
	var err error
	switch op.mode {
	case softmaxMode:
		gx, err = Backward(y, grad, nil, 1)

	case logSoftmaxMode:
		var sm *tensor.Dense
		if sm, err = exp(y); err == nil {
			gx, err = Backward(sm, nil, grad, 1)
		}

	default:
		var sm, gradSm, gradLogSm *tensor.Dense
		if sm, _, err = hsplit(y); err != nil {
			break
		}
		if gradSm, gradLogSm, err = hsplit(grad); err != nil {
			break
		}
		gx, err = Backward(sm, gradSm, gradLogSm, 1)
	}

	if err != nil {
		return nil, errors.Wrapf(err, "%v", op)
	}
	return gx, nil
}

// ReturnsPtr implements the gorgonia.Op interface
func (op *softmaxDiffOp) ReturnsPtr() bool { return false }

// CallsExtern implements the gorgonia.Op interface
func (op *softmaxDiffOp) CallsExtern() bool { return false }

// OverwritesInput implements the gorgonia.Op interface
func (op *softmaxDiffOp) OverwritesInput() int { return -1 }

// WriteHash implements the gorgonia.Op interface
func (op *softmaxDiffOp) WriteHash(h hash.Hash) {
	fmt.Fprintf(h, "%v", op)
}

// Hashcode implements the gorgonia.Op interface
func (op *softmaxDiffOp) Hashcode() uint32 {
	h := fnv.New32a()
	op.WriteHash(h)
	return h.Sum32()
}

// String implements the fmt.Stringer interface
func (op *softmaxDiffOp) String() string {
	return fmt.Sprintf("%vDiff{1}()", op.mode)
}

// Node adds the fused softmax and log-softmax of the N × A matrix node
// x along its rows to x's graph. If mask is not nil, it must be an
// N × A Float64 matrix node whose non-zero entries mark actions which
// should receive zero probability.
func Node(x, mask *G.Node) (probs, logProbs *G.Node, err error) {
	out, err := apply(fusedMode, x, mask)
	if err != nil {
		return nil, nil, err
	}

	a := x.Shape()[1]
	if probs, err = G.Slice(out, nil, G.S(0, a)); err != nil {
		return nil, nil, fmt.Errorf("node: could not slice softmax: %v", err)
	}
	if logProbs, err = G.Slice(out, nil, G.S(a, 2*a)); err != nil {
		return nil, nil, fmt.Errorf("node: could not slice log-softmax: %v",
			err)
	}
	return probs, logProbs, nil
}

// SoftmaxNode adds the (masked) softmax of the matrix node x along its
// rows to x's graph
func SoftmaxNode(x, mask *G.Node) (*G.Node, error) {
	return apply(softmaxMode, x, mask)
}

// LogSoftmaxNode adds the (masked) log-softmax of the matrix node x
// along its rows to x's graph
func LogSoftmaxNode(x, mask *G.Node) (*G.Node, error) {
	return apply(logSoftmaxMode, x, mask)
}

// apply applies a softmaxOp in mode m to x and an optional mask
func apply(m mode, x, mask *G.Node) (*G.Node, error) {
	if !x.IsMatrix() {
		return nil, fmt.Errorf("apply: input must be a matrix, got shape %v",
			x.Shape())
	}
	op := &softmaxOp{mode: m, masked: mask != nil}
	if mask == nil {
		return G.ApplyOp(op, x)
	}
	if !mask.Shape().Eq(x.Shape()) {
		return nil, fmt.Errorf("apply: mask shape %v does not match input "+
			"shape %v", mask.Shape(), x.Shape())
	}
	return G.ApplyOp(op, x, mask)
}

// boolMask converts a Float64 tensor into a mask where non-zero entries
// are true
func boolMask(m *tensor.Dense) ([]bool, error) {
	data, err := float64s(m)
	if err != nil {
		return nil, fmt.Errorf("boolmask: %v", err)
	}
	mask := make([]bool, len(data))
	for i, v := range data {
		mask[i] = v != 0
	}
	return mask, nil
}

// hstack concatenates two N × A matrices into an N × 2A matrix
func hstack(left, right *tensor.Dense) (*tensor.Dense, error) {
	l, err := float64s(left)
	if err != nil {
		return nil, fmt.Errorf("hstack: %v", err)
	}
	r, err := float64s(right)
	if err != nil {
		return nil, fmt.Errorf("hstack: %v", err)
	}
	rows, cols := left.Shape()[0], left.Shape()[1]

	out := make([]float64, 2*len(l))
	for i := 0; i < rows; i++ {
		copy(out[2*i*cols:], l[i*cols:(i+1)*cols])
		copy(out[(2*i+1)*cols:], r[i*cols:(i+1)*cols])
	}
	return tensor.New(tensor.WithShape(rows, 2*cols), tensor.WithBacking(out)),
		nil
}

// hsplit splits an N × 2A matrix into its left and right N × A halves
func hsplit(t *tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	data, err := float64s(t)
	if err != nil {
		return nil, nil, fmt.Errorf("hsplit: %v", err)
	}
	rows, cols := t.Shape()[0], t.Shape()[1]/2

	l := make([]float64, rows*cols)
	r := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		copy(l[i*cols:], data[2*i*cols:(2*i+1)*cols])
		copy(r[i*cols:], data[(2*i+1)*cols:(2*i+2)*cols])
	}
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(l)),
		tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(r)), nil
}

// exp returns the element-wise exponential of t
func exp(t *tensor.Dense) (*tensor.Dense, error) {
	e, err := tensor.Exp(t)
	if err != nil {
		return nil, fmt.Errorf("exp: %v", err)
	}
	d, ok := e.(*tensor.Dense)
	if !ok {
		return nil, fmt.Errorf("exp: unexpected tensor type %T", e)
	}
	return d, nil
}
