package impala

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
	"gorgonia.org/tensor"
)

func dense(data []float64, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...),
		tensor.WithBacking(append([]float64(nil), data...)))
}

func ints(data []int, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...),
		tensor.WithBacking(append([]int(nil), data...)))
}

func TestVTraceSingleStep(t *testing.T) {
	probs := dense([]float64{0.2, 0.8}, 1, 1, 2)
	values := dense([]float64{0.5, 2}, 2, 1, 1)
	actions := ints([]int{1}, 1, 1, 1)
	rewards := dense([]float64{1}, 1, 1, 1)
	behaviour := dense([]float64{0.4}, 1, 1, 1)
	discounts := dense([]float64{0.9}, 1, 1, 1)

	vs, pg, err := VTrace(probs, values, actions, rewards, behaviour,
		discounts, DefaultClip)
	if err != nil {
		t.Fatal(err)
	}

	// ρ = min(0.8 / 0.4, 1) = 1
	delta := 1 * (1 + 0.9*2 - 0.5)
	if have := vs.Data().([]float64)[0]; math.Abs(have-(delta+0.5)) > 1e-12 {
		t.Errorf("wrong vs \n\twant(%v)\n\thave(%v)", delta+0.5, have)
	}
	if have := pg.Data().([]float64)[0]; math.Abs(have-delta) > 1e-12 {
		t.Errorf("wrong pg advantage \n\twant(%v)\n\thave(%v)", delta, have)
	}
	if !vs.Shape().Eq(tensor.Shape{1, 1, 1}) {
		t.Errorf("wrong shape \n\twant((1, 1, 1))\n\thave(%v)", vs.Shape())
	}
}

func TestVTraceClipping(t *testing.T) {
	// Importance sampling ratio of 0.9 / 0.3 = 3
	probs := dense([]float64{0.1, 0.9, 0.1, 0.9}, 2, 1, 2)
	values := dense([]float64{1, 2, 3}, 3, 1, 1)
	actions := ints([]int{1, 1}, 2, 1, 1)
	rewards := dense([]float64{1, -1}, 2, 1, 1)
	behaviour := dense([]float64{0.3, 0.3}, 2, 1, 1)
	discounts := dense([]float64{0.5, 0.5}, 2, 1, 1)

	tests := []struct {
		name string
		clip Clip
	}{
		{"Default", DefaultClip},
		{"Asymmetric", Clip{Rho: 2, C: 0.5}},
		{"Unclipped", Clip{Rho: 10, C: 10}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			vs, pg, err := VTrace(probs, values, actions, rewards, behaviour,
				discounts, test.clip)
			if err != nil {
				t.Fatal(err)
			}

			rho := math.Min(3, test.clip.Rho)
			c := math.Min(3, test.clip.C)
			delta1 := rho * (-1 + 0.5*3 - 2)
			delta0 := rho*(1+0.5*2-1) + 0.5*c*delta1
			wantVs := []float64{delta0 + 1, delta1 + 2}
			wantPg := []float64{rho * (1 + 0.5*wantVs[1] - 1), delta1}

			if have := vs.Data().([]float64); !floats.EqualApprox(wantVs, have,
				1e-12) {
				t.Errorf("wrong vs \n\twant(%v)\n\thave(%v)", wantVs, have)
			}
			if have := pg.Data().([]float64); !floats.EqualApprox(wantPg, have,
				1e-12) {
				t.Errorf("wrong pg advantages \n\twant(%v)\n\thave(%v)", wantPg,
					have)
			}
		})
	}
}

// unrolled computes V-trace targets with the explicit sum
//
//	vs[s] = V[s] + Σ_{t≥s} (Π_{s≤i<t} γ[i]·c[i]) δ[t]
func unrolled(p, v []float64, a []int, r, mu, gamma []float64, steps, batch,
	numActions int, clip Clip) (vs, pg []float64) {
	n := steps * batch
	rho, c, delta := make([]float64, n), make([]float64, n), make([]float64, n)
	for i := 0; i < n; i++ {
		ratio := p[i*numActions+a[i]] / mu[i]
		rho[i] = math.Min(ratio, clip.Rho)
		c[i] = math.Min(ratio, clip.C)
		delta[i] = rho[i] * (r[i] + gamma[i]*v[i+batch] - v[i])
	}

	vs = make([]float64, n)
	pg = make([]float64, n)
	for b := 0; b < batch; b++ {
		for s := 0; s < steps; s++ {
			sum, trace := 0.0, 1.0
			for t := s; t < steps; t++ {
				sum += trace * delta[t*batch+b]
				trace *= gamma[t*batch+b] * c[t*batch+b]
			}
			vs[s*batch+b] = v[s*batch+b] + sum
		}
		for s := 0; s < steps; s++ {
			i := s*batch + b
			if s == steps-1 {
				pg[i] = delta[i]
				continue
			}
			pg[i] = rho[i] * (r[i] + gamma[i]*vs[i+batch] - v[i])
		}
	}
	return vs, pg
}

func TestVTraceMultiStep(t *testing.T) {
	const steps, batch, numActions = 6, 3, 4
	n := steps * batch
	src := rand.NewSource(42)
	uniform := distuv.Uniform{Min: 0.05, Max: 1, Src: src}
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: src}

	p := make([]float64, n*numActions)
	for i := 0; i < n; i++ {
		row := p[i*numActions : (i+1)*numActions]
		for j := range row {
			row[j] = uniform.Rand()
		}
		floats.Scale(1/floats.Sum(row), row)
	}
	v := make([]float64, n+batch)
	for i := range v {
		v[i] = normal.Rand()
	}
	a := make([]int, n)
	r, mu, gamma := make([]float64, n), make([]float64, n), make([]float64, n)
	for i := 0; i < n; i++ {
		a[i] = int(uniform.Rand()*numActions) % numActions
		r[i] = normal.Rand()
		mu[i] = uniform.Rand()
		gamma[i] = 0.99
		if i%5 == 0 {
			gamma[i] = 0 // Episode boundary
		}
	}

	clip := Clip{Rho: 1.5, C: 0.8}
	vs, pg, err := VTrace(dense(p, steps, batch, numActions),
		dense(v, steps+1, batch, 1), ints(a, steps, batch, 1),
		dense(r, steps, batch, 1), dense(mu, steps, batch, 1),
		dense(gamma, steps, batch, 1), clip)
	if err != nil {
		t.Fatal(err)
	}

	wantVs, wantPg := unrolled(p, v, a, r, mu, gamma, steps, batch, numActions,
		clip)
	if have := vs.Data().([]float64); !floats.EqualApprox(wantVs, have, 1e-10) {
		t.Errorf("wrong vs \n\twant(%v)\n\thave(%v)", wantVs, have)
	}
	if have := pg.Data().([]float64); !floats.EqualApprox(wantPg, have, 1e-10) {
		t.Errorf("wrong pg advantages \n\twant(%v)\n\thave(%v)", wantPg, have)
	}
}

func TestVTraceDetached(t *testing.T) {
	values := dense([]float64{1, 1}, 2, 1, 1)
	rewards := dense([]float64{0}, 1, 1, 1)
	vs, _, err := VTrace(dense([]float64{1}, 1, 1, 1), values,
		ints([]int{0}, 1, 1, 1), rewards, dense([]float64{1}, 1, 1, 1),
		dense([]float64{1}, 1, 1, 1), DefaultClip)
	if err != nil {
		t.Fatal(err)
	}

	vs.Data().([]float64)[0] = 100
	if values.Data().([]float64)[0] != 1 || rewards.Data().([]float64)[0] != 0 {
		t.Error("vs shares memory with the inputs")
	}
}

func TestVTraceErrors(t *testing.T) {
	probs := dense([]float64{0.5, 0.5}, 1, 1, 2)
	values := dense([]float64{0, 0}, 2, 1, 1)
	scalar := dense([]float64{1}, 1, 1, 1)

	tests := []struct {
		name    string
		probs   *tensor.Dense
		values  *tensor.Dense
		actions *tensor.Dense
	}{
		{"ActionOutOfRange", probs, values, ints([]int{2}, 1, 1, 1)},
		{"NegativeAction", probs, values, ints([]int{-1}, 1, 1, 1)},
		{"FloatActions", probs, values, dense([]float64{0}, 1, 1, 1)},
		{"MissingBootstrap", probs, dense([]float64{0}, 1, 1, 1),
			ints([]int{0}, 1, 1, 1)},
		{"ProbsShape", dense([]float64{0.5, 0.5}, 1, 2), values,
			ints([]int{0}, 1, 1, 1)},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, _, err := VTrace(test.probs, test.values, test.actions, scalar,
				scalar, scalar, DefaultClip)
			if err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func BenchmarkVTrace(b *testing.B) {
	const steps, batch, numActions = 80, 32, 6
	n := steps * batch
	p := make([]float64, n*numActions)
	for i := range p {
		p[i] = 1.0 / numActions
	}
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	probs := dense(p, steps, batch, numActions)
	values := dense(make([]float64, n+batch), steps+1, batch, 1)
	actions := ints(make([]int, n), steps, batch, 1)
	other := dense(ones, steps, batch, 1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		VTrace(probs, values, actions, other, other, other, DefaultClip)
	}
}
