package bandit

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"
)

func TestSampleLayout(t *testing.T) {
	c := Config{Contexts: 4, Actions: 3, Steps: 5, Batch: 2, Discount: 0.9,
		Masked: true}
	b, err := New(c, 1)
	if err != nil {
		t.Fatal(err)
	}

	traj, err := b.Sample(nil)
	if err != nil {
		t.Fatal(err)
	}

	obs := traj.Observations
	if obs.Len() != 2 {
		t.Fatalf("masked observation should be a (features, mask) tuple, "+
			"got %v", obs.Kind())
	}
	features, mask := obs.At(0).Value(), obs.At(1).Value()
	if rows := features.Shape()[0]; rows != (c.Steps+1)*c.Batch {
		t.Errorf("wrong number of observation rows \n\twant(%v)\n\thave(%v)",
			(c.Steps+1)*c.Batch, rows)
	}
	if mask.Shape()[0] != features.Shape()[0] || mask.Shape()[1] != c.Actions {
		t.Errorf("wrong mask shape \n\twant(%v)\n\thave(%v)",
			[]int{features.Shape()[0], c.Actions}, mask.Shape())
	}

	want := []int{c.Steps, c.Batch, 1}
	for name, shape := range map[string][]int{
		"actions":   traj.Actions.Shape(),
		"rewards":   traj.Rewards.Shape(),
		"behaviour": traj.BehaviourPolicies.Shape(),
		"discounts": traj.Discounts.Shape(),
		"coefs":     traj.LossCoefs.Shape(),
	} {
		if len(shape) != 3 || shape[0] != want[0] || shape[1] != want[1] ||
			shape[2] != want[2] {
			t.Errorf("wrong %v shape \n\twant(%v)\n\thave(%v)", name, want,
				shape)
		}
	}

	// Uniform behaviour over the two valid actions, masked actions are
	// never sampled
	actions := traj.Actions.Data().([]int)
	mu := traj.BehaviourPolicies.Data().([]float64)
	maskData := mask.Data().([]float64)
	for i, a := range actions {
		if maskData[i*c.Actions+a] != 0 {
			t.Errorf("sampled masked action %v at row %v", a, i)
		}
		if math.Abs(mu[i]-0.5) > 1e-12 {
			t.Errorf("wrong behaviour probability \n\twant(0.5)\n\thave(%v)",
				mu[i])
		}
	}

	sizes := 0
	for _, s := range traj.DataSizes {
		sizes += s
	}
	if sizes != c.Steps*c.Batch {
		t.Errorf("wrong total data size \n\twant(%v)\n\thave(%v)",
			c.Steps*c.Batch, sizes)
	}
}

func TestRewards(t *testing.T) {
	c := Config{Contexts: 3, Actions: 3, Steps: 4, Batch: 8}
	b, err := New(c, 2)
	if err != nil {
		t.Fatal(err)
	}

	// A deterministic behaviour policy always taking action 0
	behaviour := [][]float64{{1, 0, 0}, {1, 0, 0}, {1, 0, 0}}
	traj, err := b.Sample(behaviour)
	if err != nil {
		t.Fatal(err)
	}

	features := traj.Observations.Value().Data().([]float64)
	rewards := traj.Rewards.Data().([]float64)
	for i, r := range rewards {
		context := floats.MaxIdx(features[i*c.Contexts : (i+1)*c.Contexts])
		want := 0.0
		if b.Best(context) == 0 {
			want = 1
		}
		if r != want {
			t.Errorf("wrong reward in context %v \n\twant(%v)\n\thave(%v)",
				context, want, r)
		}
	}
}

func TestSampleErrors(t *testing.T) {
	b, err := New(Config{Contexts: 2, Actions: 3, Steps: 1, Batch: 1,
		Masked: true}, 3)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := b.Sample([][]float64{{1, 0, 0}}); err == nil {
		t.Error("expected an error for behaviour of the wrong size")
	}

	// Context 0 masks action 1, context 1 masks action 2
	behaviour := [][]float64{{0, 1, 0}, {0, 0, 1}}
	if _, err := b.Sample(behaviour); err == nil {
		t.Error("expected an error for behaviour with only masked actions")
	}

	if _, err := New(Config{Contexts: 1, Actions: 2, Steps: 1, Batch: 1,
		Masked: true}, 1); err == nil {
		t.Error("expected an error for a masked bandit with 2 actions")
	}
}
