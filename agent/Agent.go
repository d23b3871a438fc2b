// Package agent defines the interfaces of learners which train a
// network.Model from batches of trajectories
package agent

import (
	"fmt"

	"github.com/samuelfneumann/goimpala/nest"
	"gorgonia.org/tensor"
)

// Losses are the components of the loss of a training step
type Losses struct {
	Value   float64
	Policy  float64
	Entropy float64
}

// String implements the fmt.Stringer interface
func (l Losses) String() string {
	return fmt.Sprintf("{value: %.5f, policy: %.5f, entropy: %.5f}", l.Value,
		l.Policy, l.Entropy)
}

// Result is the outcome of a deferred operation. Exactly one of
// Policies and Losses is set: Policies for a prediction, Losses for a
// training step.
type Result struct {
	// Policies is the caller-provided tensor that the prediction wrote
	// its policies into
	Policies *tensor.Dense

	Losses *Losses
}

// IsPrediction returns whether the Result is that of a prediction
func (r *Result) IsPrediction() bool {
	return r != nil && r.Losses == nil
}

// Predictor computes policies for batches of observations
type Predictor interface {
	// Predict schedules the computation of the policy for each row of
	// obs, which is written into policiesOut when the computation
	// executes. Predict returns the Result of the previously scheduled
	// operation, or nil if there was none.
	Predict(obs nest.Nest[*tensor.Dense],
		policiesOut *tensor.Dense) (*Result, error)
}

// Learner is a Predictor which can be trained on batches of
// trajectories.
//
// Predictions and training steps share a single pipeline: every call
// returns the Result of the call before it, and Sync flushes the
// pipeline.
type Learner interface {
	Predictor

	// Train schedules a training step. Observations have (T+1)·B
	// time-major rows. Actions, rewards, behaviour policies, discounts
	// and loss coefficients have shape (T, B, 1). The data sizes are
	// summed to normalise the loss.
	Train(obs nest.Nest[*tensor.Dense], actions, rewards,
		behaviourPolicies, discounts, lossCoefs *tensor.Dense,
		dataSizes []int) (*Result, error)

	// Sync executes the scheduled operation, if any
	Sync() (*Result, error)
}

// Checkpointable is a Learner whose model and optimizer state can be
// saved and restored by an integer index
type Checkpointable interface {
	Learner
	SaveModel(index int) error
	LoadModel(index int) error
}

// Closer is a learner that must be closed when it is no longer used
type Closer interface {
	Close() error
}
