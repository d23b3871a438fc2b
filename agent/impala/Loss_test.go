package impala

import (
	"math"
	"testing"

	"github.com/samuelfneumann/goimpala/agent"
	"github.com/samuelfneumann/goimpala/softmax"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// lossFixture holds the inputs of a loss over rows × actions entries
type lossFixture struct {
	rows, numActions int
	logits, values   []float64
	actions          []int
	vs, pg, coefs    []float64
}

func newLossFixture(seed uint64, rows, numActions int) lossFixture {
	src := rand.NewSource(seed)
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	uniform := distuv.Uniform{Min: 0, Max: 1, Src: src}

	f := lossFixture{rows: rows, numActions: numActions}
	for i := 0; i < rows*numActions; i++ {
		f.logits = append(f.logits, normal.Rand())
	}
	for i := 0; i < rows; i++ {
		f.values = append(f.values, normal.Rand())
		f.actions = append(f.actions, int(uniform.Rand()*float64(numActions)))
		f.vs = append(f.vs, normal.Rand())
		f.pg = append(f.pg, normal.Rand())
		f.coefs = append(f.coefs, uniform.Rand())
	}
	return f
}

// run evaluates the loss graph on the fixture, returning the losses and
// the gradient of the total loss with respect to the logits
func (f lossFixture) run(t *testing.T, coefScale, dataSize,
	entropyCoef float64) (agent.Losses, []float64) {
	t.Helper()

	g := G.NewGraph()
	logits := G.NewMatrix(g, tensor.Float64, G.WithShape(f.rows, f.numActions),
		G.WithName("logits"), G.WithValue(dense(f.logits, f.rows,
			f.numActions)))
	values := G.NewMatrix(g, tensor.Float64, G.WithShape(f.rows, 1),
		G.WithName("values"), G.WithValue(dense(f.values, f.rows, 1)))

	probs, logProbs, err := softmax.Node(logits, nil)
	if err != nil {
		t.Fatal(err)
	}
	loss, err := newLoss(probs, logProbs, values, entropyCoef)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := G.Grad(loss.total, logits, values); err != nil {
		t.Fatal(err)
	}

	coefs := append([]float64(nil), f.coefs...)
	for i := range coefs {
		coefs[i] *= coefScale
	}
	err = loss.set(f.actions, dense(f.vs, f.rows, 1, 1),
		dense(f.pg, f.rows, 1, 1), dense(coefs, f.rows, 1, 1), dataSize)
	if err != nil {
		t.Fatal(err)
	}

	vm := G.NewTapeMachine(g, G.BindDualValues(logits, values))
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatal(err)
	}

	losses, err := loss.losses()
	if err != nil {
		t.Fatal(err)
	}
	grad, err := logits.Grad()
	if err != nil {
		t.Fatal(err)
	}
	return losses, append([]float64(nil), grad.Data().([]float64)...)
}

// expected computes the losses of the fixture on the host
func (f lossFixture) expected(dataSize float64) agent.Losses {
	var l agent.Losses
	for i := 0; i < f.rows; i++ {
		row := f.logits[i*f.numActions : (i+1)*f.numActions]
		max := math.Inf(-1)
		for _, x := range row {
			max = math.Max(max, x)
		}
		sum := 0.0
		for _, x := range row {
			sum += math.Exp(x - max)
		}
		logZ := max + math.Log(sum)

		negEntropy := 0.0
		for _, x := range row {
			negEntropy += math.Exp(x-logZ) * (x - logZ)
		}
		logPi := row[f.actions[i]] - logZ
		diff := f.values[i] - f.vs[i]

		l.Value += 0.5 * diff * diff * f.coefs[i]
		l.Policy -= logPi * f.pg[i] * f.coefs[i]
		l.Entropy += negEntropy * f.coefs[i]
	}
	l.Value /= dataSize
	l.Policy /= dataSize
	l.Entropy /= dataSize
	return l
}

func closeLosses(a, b agent.Losses, tol float64) bool {
	return math.Abs(a.Value-b.Value) < tol &&
		math.Abs(a.Policy-b.Policy) < tol &&
		math.Abs(a.Entropy-b.Entropy) < tol
}

func TestLossValues(t *testing.T) {
	f := newLossFixture(1, 6, 3)
	have, _ := f.run(t, 1, 4, 1e-3)
	want := f.expected(4)

	if !closeLosses(want, have, 1e-10) {
		t.Errorf("wrong losses \n\twant(%v)\n\thave(%v)", want, have)
	}
}

func TestLossScaleInvariance(t *testing.T) {
	f := newLossFixture(2, 5, 4)
	want, wantGrad := f.run(t, 1, 10, 1e-3)

	for _, k := range []float64{0.25, 3, 100} {
		have, haveGrad := f.run(t, k, 10*k, 1e-3)
		if !closeLosses(want, have, 1e-10) {
			t.Errorf("losses changed when scaling by %v \n\twant(%v)"+
				"\n\thave(%v)", k, want, have)
		}
		for i := range wantGrad {
			if math.Abs(wantGrad[i]-haveGrad[i]) > 1e-10 {
				t.Errorf("gradient changed when scaling by %v \n\twant(%v)"+
					"\n\thave(%v)", k, wantGrad, haveGrad)
				break
			}
		}
	}
}

func TestLossGradient(t *testing.T) {
	const entropyCoef, dataSize, h = 0.5, 3.0, 1e-6
	f := newLossFixture(3, 3, 4)
	_, grad := f.run(t, 1, dataSize, entropyCoef)

	total := func(f lossFixture) float64 {
		l := f.expected(dataSize)
		return 0.5*l.Value + l.Policy + entropyCoef*l.Entropy
	}

	for i := range f.logits {
		plus, minus := f, f
		plus.logits = append([]float64(nil), f.logits...)
		minus.logits = append([]float64(nil), f.logits...)
		plus.logits[i] += h
		minus.logits[i] -= h

		want := (total(plus) - total(minus)) / (2 * h)
		if math.Abs(want-grad[i]) > 1e-6 {
			t.Errorf("wrong gradient at %v \n\twant(%v)\n\thave(%v)", i, want,
				grad[i])
		}
	}
}

func TestLossShapeErrors(t *testing.T) {
	g := G.NewGraph()
	probs := G.NewMatrix(g, tensor.Float64, G.WithShape(4, 3),
		G.WithName("probs"), G.WithInit(G.Zeroes()))
	values := G.NewMatrix(g, tensor.Float64, G.WithShape(3, 1),
		G.WithName("values"), G.WithInit(G.Zeroes()))

	if _, err := newLoss(probs, probs, values, 0); err == nil {
		t.Error("expected an error for mismatched values")
	}
}
