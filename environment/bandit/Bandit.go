// Package bandit implements a synthetic contextual bandit which
// produces batches of trajectories in the time-major layout consumed
// by IMPALA learners.
//
// Each step, a context is drawn uniformly at random and observed as a
// one-hot feature vector. The action with index context % actions
// pays a reward of 1, every other action pays 0, and Gaussian noise is
// added to all rewards. In masked bandits, the action following the
// rewarded one is invalid in every context.
package bandit

import (
	"fmt"

	"github.com/samuelfneumann/goimpala/nest"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
	"gorgonia.org/tensor"
)

// Config describes a Bandit
type Config struct {
	Contexts int
	Actions  int
	Steps    int // Trajectory length T
	Batch    int // Number of trajectories B

	Discount    float64
	RewardNoise float64
	Masked      bool
}

// Validate returns an error if the configuration is not valid
func (c Config) Validate() error {
	if c.Contexts <= 0 || c.Actions <= 0 || c.Steps <= 0 || c.Batch <= 0 {
		return fmt.Errorf("validate: contexts, actions, steps and batch "+
			"must be positive, got %v, %v, %v, %v", c.Contexts, c.Actions,
			c.Steps, c.Batch)
	}
	if c.Masked && c.Actions < 3 {
		return fmt.Errorf("validate: masked bandits need at least 3 "+
			"actions, got %v", c.Actions)
	}
	if c.Discount < 0 || c.Discount > 1 {
		return fmt.Errorf("validate: discount must be in [0, 1], got %v",
			c.Discount)
	}
	if c.RewardNoise < 0 {
		return fmt.Errorf("validate: reward noise must be non-negative, "+
			"got %v", c.RewardNoise)
	}
	return nil
}

// Trajectories is a batch of B trajectories of length T. Observation
// rows are time-major, row t·B + b holds step t of trajectory b, and
// include the bootstrap observation at step T. All other tensors have
// shape (T, B, 1).
type Trajectories struct {
	Observations      nest.Nest[*tensor.Dense]
	Actions           *tensor.Dense
	Rewards           *tensor.Dense
	BehaviourPolicies *tensor.Dense
	Discounts         *tensor.Dense
	LossCoefs         *tensor.Dense
	DataSizes         []int
}

// Bandit is a contextual bandit
type Bandit struct {
	Config
	rng   *rand.Rand
	noise distuv.Normal
}

// New returns a new Bandit
func New(c Config, seed uint64) (*Bandit, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}

	source := rand.NewSource(seed)
	return &Bandit{
		Config: c,
		rng:    rand.New(source),
		noise:  distuv.Normal{Mu: 0, Sigma: c.RewardNoise, Src: source},
	}, nil
}

// Best returns the rewarded action in context
func (b *Bandit) Best(context int) int {
	return context % b.Actions
}

// MaskedAction returns the invalid action in context, or -1 if the bandit
// is not masked
func (b *Bandit) MaskedAction(context int) int {
	if !b.Config.Masked {
		return -1
	}
	return (b.Best(context) + 1) % b.Actions
}

// Observe returns the observations of contexts, one row per context,
// in the format of the observations of Sample
func (b *Bandit) Observe(contexts []int) nest.Nest[*tensor.Dense] {
	features := make([]float64, len(contexts)*b.Config.Contexts)
	for i, c := range contexts {
		features[i*b.Config.Contexts+c] = 1
	}
	obs := nest.NewLeaf(tensor.New(tensor.WithShape(len(contexts),
		b.Config.Contexts), tensor.WithBacking(features)))
	if !b.Config.Masked {
		return obs
	}

	mask := make([]float64, len(contexts)*b.Actions)
	for i, c := range contexts {
		mask[i*b.Actions+b.MaskedAction(c)] = 1
	}
	return nest.NewTuple(obs, nest.NewLeaf(tensor.New(
		tensor.WithShape(len(contexts), b.Actions), tensor.WithBacking(mask))))
}

// Sample samples a batch of trajectories. Actions are sampled from
// behaviour, which holds one row of action probabilities per context.
// If behaviour is nil, actions are sampled uniformly. Invalid actions
// are never sampled: the behaviour policy is renormalised over the
// valid actions of each context before sampling.
func (b *Bandit) Sample(behaviour [][]float64) (Trajectories, error) {
	if behaviour != nil && len(behaviour) != b.Config.Contexts {
		return Trajectories{}, fmt.Errorf("sample: expected behaviour for "+
			"%v contexts, got %v", b.Config.Contexts, len(behaviour))
	}
	steps, batch := b.Steps, b.Batch
	n := steps * batch

	contexts := make([]int, (steps+1)*batch)
	for i := range contexts {
		contexts[i] = b.rng.Intn(b.Config.Contexts)
	}

	actions := make([]int, n)
	rewards := make([]float64, n)
	mu := make([]float64, n)
	discounts := make([]float64, n)
	coefs := make([]float64, n)
	for i := 0; i < n; i++ {
		probs, err := b.policy(behaviour, contexts[i])
		if err != nil {
			return Trajectories{}, fmt.Errorf("sample: %v", err)
		}

		a := int(distuv.NewCategorical(probs, b.rng).Rand())
		actions[i] = a
		mu[i] = probs[a]
		if a == b.Best(contexts[i]) {
			rewards[i] = 1
		}
		if b.RewardNoise > 0 {
			rewards[i] += b.noise.Rand()
		}
		discounts[i] = b.Discount
		coefs[i] = 1
	}

	dataSizes := make([]int, batch)
	for i := range dataSizes {
		dataSizes[i] = steps
	}

	return Trajectories{
		Observations:      b.Observe(contexts),
		Actions: tensor.New(tensor.WithShape(steps, batch, 1),
			tensor.WithBacking(actions)),
		Rewards:           column(rewards, steps, batch),
		BehaviourPolicies: column(mu, steps, batch),
		Discounts:         column(discounts, steps, batch),
		LossCoefs:         column(coefs, steps, batch),
		DataSizes:         dataSizes,
	}, nil
}

// policy returns the behaviour policy in context, renormalised over
// the valid actions
func (b *Bandit) policy(behaviour [][]float64, context int) ([]float64,
	error) {
	probs := make([]float64, b.Actions)
	if behaviour == nil {
		for i := range probs {
			probs[i] = 1
		}
	} else {
		if len(behaviour[context]) != b.Actions {
			return nil, fmt.Errorf("policy: expected %v action "+
				"probabilities, got %v", b.Actions, len(behaviour[context]))
		}
		copy(probs, behaviour[context])
	}

	if masked := b.MaskedAction(context); masked >= 0 {
		probs[masked] = 0
	}
	sum := floats.Sum(probs)
	if sum <= 0 {
		return nil, fmt.Errorf("policy: behaviour assigns no probability "+
			"to valid actions in context %v", context)
	}
	floats.Scale(1/sum, probs)
	return probs, nil
}

func column(data []float64, steps, batch int) *tensor.Dense {
	return tensor.New(tensor.WithShape(steps, batch, 1),
		tensor.WithBacking(data))
}
