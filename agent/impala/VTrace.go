package impala

import (
	"fmt"
	"math"

	"gorgonia.org/tensor"
)

// Clip holds the thresholds of the truncated importance sampling
// ratios of V-trace
type Clip struct {
	Rho float64
	C   float64
}

// DefaultClip truncates both ratios at 1
var DefaultClip = Clip{Rho: 1.0, C: 1.0}

// VTrace computes the V-trace value targets and policy gradient
// advantages of a batch of B trajectories of length T.
//
// probs has shape (T, B, A), values has shape (T+1, B, 1) and holds
// the bootstrap values in its last step, actions holds integer action
// indices and, together with rewards, behaviourPolicies and
// discounts, has shape (T, B, 1). The behaviour policies are the
// probabilities with which the actors took the actions and must be
// positive.
//
// The returned tensors have shape (T, B, 1) and do not share memory
// with any input.
func VTrace(probs, values, actions, rewards, behaviourPolicies,
	discounts *tensor.Dense, clip Clip) (vs, pgAdvantages *tensor.Dense,
	err error) {
	if actions.Dims() < 2 {
		return nil, nil, fmt.Errorf("vTrace: actions must have shape "+
			"(T, B, 1), got %v", actions.Shape())
	}
	steps, batch := actions.Shape()[0], actions.Shape()[1]
	n := steps * batch

	if probs.Dims() != 3 || probs.Shape()[0] != steps ||
		probs.Shape()[1] != batch {
		return nil, nil, fmt.Errorf("vTrace: probs must have shape "+
			"(%v, %v, A), got %v", steps, batch, probs.Shape())
	}
	numActions := probs.Shape()[2]

	p, err := hostData(probs)
	if err != nil {
		return nil, nil, fmt.Errorf("vTrace: probs: %v", err)
	}
	v, err := sized(values, (steps+1)*batch, "values")
	if err != nil {
		return nil, nil, fmt.Errorf("vTrace: %v", err)
	}
	r, err := sized(rewards, n, "rewards")
	if err != nil {
		return nil, nil, fmt.Errorf("vTrace: %v", err)
	}
	mu, err := sized(behaviourPolicies, n, "behaviour policies")
	if err != nil {
		return nil, nil, fmt.Errorf("vTrace: %v", err)
	}
	gamma, err := sized(discounts, n, "discounts")
	if err != nil {
		return nil, nil, fmt.Errorf("vTrace: %v", err)
	}
	a, err := actionIndices(actions, numActions)
	if err != nil {
		return nil, nil, fmt.Errorf("vTrace: %v", err)
	}

	rhos := make([]float64, n)
	cs := make([]float64, n)
	deltas := make([]float64, n)
	for i := 0; i < n; i++ {
		ratio := p[i*numActions+a[i]] / mu[i]
		rhos[i] = math.Min(ratio, clip.Rho)
		cs[i] = math.Min(ratio, clip.C)

		// Row i+batch holds the value of the next step of the same
		// trajectory
		deltas[i] = rhos[i] * (r[i] + gamma[i]*v[i+batch] - v[i])
	}

	for t := steps - 2; t >= 0; t-- {
		for b := 0; b < batch; b++ {
			i := t*batch + b
			deltas[i] += gamma[i] * cs[i] * deltas[i+batch]
		}
	}

	vsData := make([]float64, n)
	for i := range vsData {
		vsData[i] = deltas[i] + v[i]
	}

	pg := make([]float64, n)
	last := (steps - 1) * batch
	for i := 0; i < last; i++ {
		pg[i] = rhos[i] * (r[i] + gamma[i]*vsData[i+batch] - v[i])
	}
	copy(pg[last:], deltas[last:])

	vs = tensor.New(tensor.WithShape(steps, batch, 1),
		tensor.WithBacking(vsData))
	pgAdvantages = tensor.New(tensor.WithShape(steps, batch, 1),
		tensor.WithBacking(pg))
	return vs, pgAdvantages, nil
}
