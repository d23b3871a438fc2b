package solver

import (
	"bytes"
	"encoding/gob"
	"math"
	"testing"

	"github.com/goccy/go-json"
	"gonum.org/v1/gonum/floats"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
	"gopkg.in/yaml.v3"
)

// param is a G.ValueGrad with a fixed gradient
type param struct {
	value, grad *tensor.Dense
}

func (p *param) Value() G.Value             { return p.value }
func (p *param) Grad() (G.Value, error)     { return p.grad, nil }
func newParam(value, grad []float64) *param { return &param{vec(value), vec(grad)} }

func vec(data []float64) *tensor.Dense {
	return tensor.New(tensor.WithShape(len(data)),
		tensor.WithBacking(append([]float64(nil), data...)))
}

func TestAdamStep(t *testing.T) {
	const lr, eps, beta1, beta2 = 0.1, 1e-8, 0.9, 0.999
	s, err := NewAdam(lr, eps, beta1, beta2, 1)
	if err != nil {
		t.Fatal(err)
	}

	grads := [][]float64{{0.5, -2}, {1, 4}}
	p := newParam([]float64{1, 1}, grads[0])

	want := []float64{1, 1}
	m, v := make([]float64, 2), make([]float64, 2)
	for step, grad := range grads {
		p.grad = vec(grad)
		if err := s.Step([]G.ValueGrad{p}); err != nil {
			t.Fatal(err)
		}

		n := float64(step + 1)
		for j, g := range grad {
			m[j] = beta1*m[j] + (1-beta1)*g
			v[j] = beta2*v[j] + (1-beta2)*g*g
			mHat := m[j] / (1 - math.Pow(beta1, n))
			vHat := v[j] / (1 - math.Pow(beta2, n))
			want[j] -= lr * mHat / (math.Sqrt(vHat) + eps)
		}

		have := p.value.Data().([]float64)
		if !floats.EqualApprox(want, have, 1e-12) {
			t.Errorf("step %v: wrong weights \n\twant(%v)\n\thave(%v)", step,
				want, have)
		}
	}
}

func TestRMSPropStep(t *testing.T) {
	const lr, eps, rho = 0.01, 0.1, 0.95
	s, err := NewDefaultRMSProp(lr)
	if err != nil {
		t.Fatal(err)
	}

	grad := []float64{2, -1, 0}
	p := newParam([]float64{0, 0, 0}, grad)

	want := []float64{0, 0, 0}
	v := make([]float64, 3)
	for step := 0; step < 3; step++ {
		p.grad = vec(grad)
		if err := s.Step([]G.ValueGrad{p}); err != nil {
			t.Fatal(err)
		}
		for j, g := range grad {
			v[j] = rho*v[j] + (1-rho)*g*g
			want[j] -= lr * g / (math.Sqrt(v[j]) + eps)
		}
	}

	have := p.value.Data().([]float64)
	if !floats.EqualApprox(want, have, 1e-12) {
		t.Errorf("wrong weights \n\twant(%v)\n\thave(%v)", want, have)
	}
}

func TestStepZeroesGradient(t *testing.T) {
	adam, err := NewDefaultAdam(0.1, 1)
	if err != nil {
		t.Fatal(err)
	}
	rmsProp, err := NewDefaultRMSProp(0.01)
	if err != nil {
		t.Fatal(err)
	}
	vanilla, err := NewVanilla(0.1, 1, -1)
	if err != nil {
		t.Fatal(err)
	}

	for _, s := range []*Solver{adam, rmsProp, vanilla} {
		p := newParam([]float64{1, 1}, []float64{0.5, -0.5})
		if err := s.Step([]G.ValueGrad{p}); err != nil {
			t.Fatal(err)
		}

		have := p.grad.Data().([]float64)
		if !floats.Equal([]float64{0, 0}, have) {
			t.Errorf("%v: gradient not zeroed after step \n\twant(%v)"+
				"\n\thave(%v)", s.Type, []float64{0, 0}, have)
		}
	}
}

// quadratic is a graph whose learnable w has the cost Σ w² + c·w, so
// that the gradient of w is 2w + c. The tape machine accumulates the
// gradient into w's dual value on every run.
type quadratic struct {
	w  *G.Node
	vm G.VM
}

func newQuadratic(t *testing.T, init, c []float64) *quadratic {
	t.Helper()

	g := G.NewGraph()
	w := G.NewVector(g, tensor.Float64, G.WithShape(len(init)),
		G.WithName("w"), G.WithValue(vec(init)))
	linear := G.Must(G.Sum(G.Must(G.HadamardProd(w, G.NewConstant(vec(c))))))
	cost := G.Must(G.Add(G.Must(G.Sum(G.Must(G.Square(w)))), linear))
	if _, err := G.Grad(cost, w); err != nil {
		t.Fatal(err)
	}

	return &quadratic{
		w:  w,
		vm: G.NewTapeMachine(g, G.BindDualValues(w)),
	}
}

// step runs the graph and steps s on its gradient
func (q *quadratic) step(t *testing.T, s G.Solver) {
	t.Helper()
	defer q.vm.Reset()

	if err := q.vm.RunAll(); err != nil {
		t.Fatal(err)
	}
	if err := s.Step(G.NodesToValueGrads(G.Nodes{q.w})); err != nil {
		t.Fatal(err)
	}
}

func (q *quadratic) weights() []float64 {
	return q.w.Value().Data().([]float64)
}

func TestAdamMatchesGorgonia(t *testing.T) {
	const lr, eps, beta1, beta2 = 0.1, 1e-8, 0.9, 0.999
	init, c := []float64{1, -2, 0.5}, []float64{0.3, 1, -4}

	s, err := NewAdam(lr, eps, beta1, beta2, 1)
	if err != nil {
		t.Fatal(err)
	}
	ref := G.NewAdamSolver(G.WithLearnRate(lr), G.WithEps(eps),
		G.WithBeta1(beta1), G.WithBeta2(beta2))

	have, want := newQuadratic(t, init, c), newQuadratic(t, init, c)
	defer have.vm.Close()
	defer want.vm.Close()

	// Several steps against the same dual values, so a gradient left
	// over from a previous step changes the update
	for step := 0; step < 5; step++ {
		have.step(t, s)
		want.step(t, ref)

		if !floats.EqualApprox(want.weights(), have.weights(), 1e-10) {
			t.Errorf("step %v: weights differ from gorgonia's Adam "+
				"\n\twant(%v)\n\thave(%v)", step, want.weights(),
				have.weights())
		}
	}
}

func TestRMSPropRepeatedSteps(t *testing.T) {
	const lr, eps, rho = 0.01, 0.1, 0.95
	init, c := []float64{1, -2}, []float64{0.5, 0}

	s, err := NewDefaultRMSProp(lr)
	if err != nil {
		t.Fatal(err)
	}
	q := newQuadratic(t, init, c)
	defer q.vm.Close()

	want := append([]float64(nil), init...)
	v := make([]float64, len(init))
	for step := 0; step < 4; step++ {
		q.step(t, s)

		for j := range want {
			g := 2*want[j] + c[j]
			v[j] = rho*v[j] + (1-rho)*g*g
			want[j] -= lr * g / (math.Sqrt(v[j]) + eps)
		}
		if !floats.EqualApprox(want, q.weights(), 1e-12) {
			t.Errorf("step %v: wrong weights \n\twant(%v)\n\thave(%v)",
				step, want, q.weights())
		}
	}
}

func TestParameterMismatch(t *testing.T) {
	s, err := NewDefaultAdam(0.1, 1)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Step([]G.ValueGrad{newParam([]float64{1}, []float64{1})}); err != nil {
		t.Fatal(err)
	}
	err = s.Step([]G.ValueGrad{newParam([]float64{1, 2}, []float64{1, 1})})
	if err == nil {
		t.Error("expected an error when parameters change shape")
	}
}

func TestGobState(t *testing.T) {
	s, err := NewDefaultAdam(0.05, 1)
	if err != nil {
		t.Fatal(err)
	}
	p := newParam([]float64{1, -1}, []float64{0.3, 0.7})
	for i := 0; i < 3; i++ {
		p.grad = vec([]float64{0.3, 0.7})
		if err := s.Step([]G.ValueGrad{p}); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		t.Fatalf("could not encode: %v", err)
	}
	var restored Solver
	if err := gob.NewDecoder(&buf).Decode(&restored); err != nil {
		t.Fatalf("could not decode: %v", err)
	}
	if restored.Type != Adam {
		t.Errorf("wrong type \n\twant(%v)\n\thave(%v)", Adam, restored.Type)
	}

	// The original and restored solvers take identical steps
	q := newParam(p.value.Data().([]float64), []float64{0.3, 0.7})
	p.grad = vec([]float64{0.3, 0.7})
	if err := s.Step([]G.ValueGrad{p}); err != nil {
		t.Fatal(err)
	}
	if err := restored.Step([]G.ValueGrad{q}); err != nil {
		t.Fatal(err)
	}

	want, have := p.value.Data().([]float64), q.value.Data().([]float64)
	if !floats.Equal(want, have) {
		t.Errorf("restored solver stepped differently \n\twant(%v)"+
			"\n\thave(%v)", want, have)
	}
}

func TestMarshalJSON(t *testing.T) {
	s, err := NewRMSProp(0.01, 0.1, 0.95, 4, 10)
	if err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Solver
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("could not unmarshal %s: %v", data, err)
	}
	if decoded.Config != s.Config {
		t.Errorf("round trip changed config \n\twant(%v)\n\thave(%v)",
			s.Config, decoded.Config)
	}
	if decoded.Solver == nil {
		t.Error("solver was not created")
	}
}

func TestUnmarshalYAML(t *testing.T) {
	data := []byte("Type: Vanilla\nConfig:\n  StepSize: 0.5\n  Batch: 1\n")

	var s Solver
	if err := yaml.Unmarshal(data, &s); err != nil {
		t.Fatal(err)
	}
	want := VanillaConfig{StepSize: 0.5, Batch: 1}
	if s.Config != want {
		t.Errorf("wrong config \n\twant(%v)\n\thave(%v)", want, s.Config)
	}

	if err := yaml.Unmarshal([]byte("Type: LBFGS\n"), &s); err == nil {
		t.Error("expected an error for an unknown solver type")
	}
}
