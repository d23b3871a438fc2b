package solver

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// moments holds the running gradient moments of an adaptive solver,
// one slice per parameter, in the order that parameters are passed to
// Step
type moments struct {
	Steps  int
	First  [][]float64
	Second [][]float64
}

// init allocates the moments for params on the first step and checks
// that params have not changed on subsequent steps
func (m *moments) init(params []G.ValueGrad, first bool) error {
	if m.Second == nil {
		m.Second = make([][]float64, len(params))
		if first {
			m.First = make([][]float64, len(params))
		}
		for i, p := range params {
			size := p.Value().Shape().TotalSize()
			m.Second[i] = make([]float64, size)
			if first {
				m.First[i] = make([]float64, size)
			}
		}
		return nil
	}

	if len(m.Second) != len(params) {
		return fmt.Errorf("init: solver state holds %v parameters, got %v",
			len(m.Second), len(params))
	}
	for i, p := range params {
		if size := p.Value().Shape().TotalSize(); size != len(m.Second[i]) {
			return fmt.Errorf("init: parameter %v has size %v, solver "+
				"state has size %v", i, size, len(m.Second[i]))
		}
	}
	return nil
}

func (m *moments) encodeState() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *moments) decodeState(in []byte) error {
	var decoded moments
	if err := gob.NewDecoder(bytes.NewReader(in)).Decode(&decoded); err != nil {
		return err
	}
	*m = decoded
	return nil
}

// weightsAndGrad returns the backing data of a parameter's value and
// a copy of its gradient, then zeroes the parameter's gradient so that
// the next backward pass does not accumulate onto it. The copy is
// scaled by 1/batch and clipped to [-clip, clip] if clip > 0.
func weightsAndGrad(p G.ValueGrad, batch int, clip float64) ([]float64,
	[]float64, error) {
	w, ok := p.Value().(*tensor.Dense)
	if !ok {
		return nil, nil, fmt.Errorf("weightsAndGrad: expected dense value, "+
			"got %T", p.Value())
	}
	g, err := p.Grad()
	if err != nil {
		return nil, nil, fmt.Errorf("weightsAndGrad: %v", err)
	}
	gd, ok := g.(*tensor.Dense)
	if !ok {
		return nil, nil, fmt.Errorf("weightsAndGrad: expected dense "+
			"gradient, got %T", g)
	}

	weights, ok := w.Data().([]float64)
	if !ok {
		return nil, nil, fmt.Errorf("weightsAndGrad: expected float64 "+
			"weights, got %v", w.Dtype())
	}
	gradData, ok := gd.Data().([]float64)
	if !ok {
		return nil, nil, fmt.Errorf("weightsAndGrad: expected float64 "+
			"gradient, got %v", gd.Dtype())
	}
	grad := append([]float64(nil), gradData...)
	gd.Zero()

	if batch > 1 {
		floats.Scale(1/float64(batch), grad)
	}
	if clip > 0 {
		for i := range grad {
			grad[i] = math.Max(-clip, math.Min(clip, grad[i]))
		}
	}
	return weights, grad, nil
}

// AdamConfig describes a configuration of the Adam solver
type AdamConfig struct {
	StepSize float64
	Epsilon  float64 // Smoothing factor
	Beta1    float64
	Beta2    float64
	Batch    int
	Clip     float64 // <= 0 if no clipping
}

// NewDefaultAdam returns a new Adam Solver with default hyperparameters
func NewDefaultAdam(stepSize float64, batchSize int) (*Solver, error) {
	return NewAdam(stepSize, 1e-8, 0.9, 0.999, batchSize)
}

// NewAdam returns a new Adam Solver
func NewAdam(stepSize, epsilon, beta1, beta2 float64, batchSize int) (*Solver,
	error) {
	adam := AdamConfig{
		StepSize: stepSize,
		Epsilon:  epsilon,
		Beta1:    beta1,
		Beta2:    beta2,
		Batch:    batchSize,
	}

	return newSolver(Adam, adam)
}

// Create returns a new Adam G.Solver as described by the AdamConfig
func (a AdamConfig) Create() G.Solver {
	return &adam{config: a}
}

// ValidType returns if the given Solver type is a valid type to be
// created with this config.
func (a AdamConfig) ValidType(t Type) bool {
	return t == Adam
}

// adam implements the Adam solver with bias corrected moments
type adam struct {
	config AdamConfig
	moments
}

// Step implements the G.Solver interface
func (a *adam) Step(params []G.ValueGrad) error {
	if err := a.init(params, true); err != nil {
		return fmt.Errorf("step: %v", err)
	}
	a.Steps++

	c := a.config
	correction1 := 1 - math.Pow(c.Beta1, float64(a.Steps))
	correction2 := 1 - math.Pow(c.Beta2, float64(a.Steps))
	for i, p := range params {
		weights, grad, err := weightsAndGrad(p, c.Batch, c.Clip)
		if err != nil {
			return fmt.Errorf("step: %v", err)
		}

		m, v := a.First[i], a.Second[i]
		for j, g := range grad {
			m[j] = c.Beta1*m[j] + (1-c.Beta1)*g
			v[j] = c.Beta2*v[j] + (1-c.Beta2)*g*g
			mHat := m[j] / correction1
			vHat := v[j] / correction2
			weights[j] -= c.StepSize * mHat / (math.Sqrt(vHat) + c.Epsilon)
		}
	}
	return nil
}

// RMSPropConfig describes a configuration of the RMSProp solver
type RMSPropConfig struct {
	StepSize float64
	Epsilon  float64
	Rho      float64 // Decay of the squared gradient average
	Batch    int
	Clip     float64 // <= 0 if no clipping
}

// NewDefaultRMSProp returns a new RMSProp Solver with the
// hyperparameters commonly used to train IMPALA agents
func NewDefaultRMSProp(stepSize float64) (*Solver, error) {
	return NewRMSProp(stepSize, 0.1, 0.95, 1, -1)
}

// NewRMSProp returns a new RMSProp Solver
func NewRMSProp(stepSize, epsilon, rho float64, batchSize int,
	clip float64) (*Solver, error) {
	rmsprop := RMSPropConfig{
		StepSize: stepSize,
		Epsilon:  epsilon,
		Rho:      rho,
		Batch:    batchSize,
		Clip:     clip,
	}

	return newSolver(RMSProp, rmsprop)
}

// Create returns a new RMSProp G.Solver as described by the
// RMSPropConfig
func (r RMSPropConfig) Create() G.Solver {
	return &rmsProp{config: r}
}

// ValidType returns if the given Solver type is a valid type to be
// created with this config.
func (r RMSPropConfig) ValidType(t Type) bool {
	return t == RMSProp
}

// rmsProp implements RMSProp, with the smoothing term added outside
// the square root
type rmsProp struct {
	config RMSPropConfig
	moments
}

// Step implements the G.Solver interface
func (r *rmsProp) Step(params []G.ValueGrad) error {
	if err := r.init(params, false); err != nil {
		return fmt.Errorf("step: %v", err)
	}
	r.Steps++

	c := r.config
	for i, p := range params {
		weights, grad, err := weightsAndGrad(p, c.Batch, c.Clip)
		if err != nil {
			return fmt.Errorf("step: %v", err)
		}

		v := r.Second[i]
		for j, g := range grad {
			v[j] = c.Rho*v[j] + (1-c.Rho)*g*g
			weights[j] -= c.StepSize * g / (math.Sqrt(v[j]) + c.Epsilon)
		}
	}
	return nil
}
