package impala

import (
	"fmt"

	"gorgonia.org/tensor"
)

// hostData returns the float64 data of t in row-major order
func hostData(t *tensor.Dense) ([]float64, error) {
	if t == nil {
		return nil, fmt.Errorf("hostData: nil tensor")
	}
	if t.IsMaterializable() {
		m, ok := t.Materialize().(*tensor.Dense)
		if !ok {
			return nil, fmt.Errorf("hostData: could not materialize view")
		}
		t = m
	}
	data, ok := t.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("hostData: expected float64 data, got %v",
			t.Dtype())
	}
	return data, nil
}

// sized returns the float64 data of t, which must have size elements
func sized(t *tensor.Dense, size int, name string) ([]float64, error) {
	data, err := hostData(t)
	if err != nil {
		return nil, fmt.Errorf("%v: %v", name, err)
	}
	if len(data) != size {
		return nil, fmt.Errorf("%v: expected %v elements, got shape %v", name,
			size, t.Shape())
	}
	return data, nil
}

// actionIndices returns the integer actions held by t, each of which
// must be in [0, numActions)
func actionIndices(t *tensor.Dense, numActions int) ([]int, error) {
	if t.IsMaterializable() {
		m, ok := t.Materialize().(*tensor.Dense)
		if !ok {
			return nil, fmt.Errorf("actionIndices: could not materialize view")
		}
		t = m
	}

	var indices []int
	switch data := t.Data().(type) {
	case []int:
		indices = append(indices, data...)
	case []int64:
		for _, a := range data {
			indices = append(indices, int(a))
		}
	case []int32:
		for _, a := range data {
			indices = append(indices, int(a))
		}
	default:
		return nil, fmt.Errorf("actionIndices: actions must be integers, "+
			"got %v", t.Dtype())
	}

	for i, a := range indices {
		if a < 0 || a >= numActions {
			return nil, fmt.Errorf("actionIndices: action %v at index %v "+
				"out of range [0, %v)", a, i, numActions)
		}
	}
	return indices, nil
}

// oneHot returns a (len(actions), numActions) matrix with a 1 in the
// column of each action
func oneHot(actions []int, numActions int) *tensor.Dense {
	data := make([]float64, len(actions)*numActions)
	for i, a := range actions {
		data[i*numActions+a] = 1
	}
	return tensor.New(tensor.WithShape(len(actions), numActions),
		tensor.WithBacking(data))
}

// column returns a copy of the data of t as a vector of size rows
func column(t *tensor.Dense, rows int, name string) (*tensor.Dense, error) {
	data, err := sized(t, rows, name)
	if err != nil {
		return nil, err
	}
	return tensor.New(tensor.WithShape(rows),
		tensor.WithBacking(append([]float64(nil), data...))), nil
}

// reshaped returns a copy of data with the given shape
func reshaped(data []float64, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...),
		tensor.WithBacking(append([]float64(nil), data...)))
}
