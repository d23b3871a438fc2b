// Package impala implements the learner of the IMPALA actor-critic
// algorithm.
//
// The Learner trains a network.Model off-policy from batches of
// trajectories collected by actors, correcting for the lag between
// the actors' behaviour policies and the learner's policy with
// V-trace. Predictions and training steps are pipelined: each call
// transfers its inputs onto the learner's device while the previous
// call's computation runs, and returns the previous call's Result.
//
// See: Espeholt et al. (2018). IMPALA: Scalable Distributed Deep-RL
// with Importance Weighted Actor-Learner Architectures.
package impala

import (
	"fmt"

	"github.com/samuelfneumann/goimpala/agent"
	"github.com/samuelfneumann/goimpala/device"
	"github.com/samuelfneumann/goimpala/experiment/checkpointer"
	"github.com/samuelfneumann/goimpala/logger"
	"github.com/samuelfneumann/goimpala/nest"
	"github.com/samuelfneumann/goimpala/network"
	"github.com/samuelfneumann/goimpala/pipeline"
	"github.com/samuelfneumann/goimpala/solver"
	"gorgonia.org/tensor"
)

var (
	_ agent.Checkpointable = (*Learner)(nil)
	_ agent.Closer         = (*Learner)(nil)
)

// Learner implements the IMPALA learner
type Learner struct {
	model     network.Model // Holds the current weights
	solver    *solver.Solver
	scheduler *pipeline.Scheduler[*agent.Result]
	store     *checkpointer.Store
	log       logger.Logger

	clip        Clip
	entropyCoef float64

	// version is incremented each time the weights of model change.
	// A graph whose version differs from it copies the weights of
	// model before running.
	version       int
	trainSteps    int
	predictGraphs map[int]*predictGraph
	trainGraphs   map[[2]int]*trainGraph
}

// New returns a new Learner which trains model on device d. If d is
// nil, the host is used.
func New(model network.Model, d device.Device, config Config,
	log logger.Logger) (*Learner, error) {
	if model == nil {
		return nil, fmt.Errorf("new: nil model")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}
	if d == nil {
		d = device.Host()
	}
	if log == nil {
		log = logger.Nop()
	}

	s, err := config.newSolver()
	if err != nil {
		return nil, fmt.Errorf("new: could not create solver: %v", err)
	}

	l := &Learner{
		model:         model,
		solver:        s,
		scheduler:     pipeline.New[*agent.Result](d),
		store:         checkpointer.NewStore(config.OutputDir),
		log:           log.With("learner", "impala"),
		clip:          Clip{Rho: config.ClipRho, C: config.ClipC},
		entropyCoef:   config.EntropyCoef,
		predictGraphs: make(map[int]*predictGraph),
		trainGraphs:   make(map[[2]int]*trainGraph),
	}
	l.log.Info("created learner", "device", d.String(), "solver",
		s.String(), "actions", model.Actions(), "run", l.store.RunID())
	return l, nil
}

// Model returns the model trained by the learner
func (l *Learner) Model() network.Model {
	return l.model
}

// Solver returns the solver updating the model
func (l *Learner) Solver() *solver.Solver {
	return l.solver
}

// TrainSteps returns the number of training steps executed
func (l *Learner) TrainSteps() int {
	return l.trainSteps
}

// Predict schedules the computation of the policy for each row of obs
// and returns the Result of the previously scheduled operation. The
// policies are written into policiesOut, of shape (rows, actions),
// once the computation executes, which happens on the next call to
// Predict, Train or Sync.
func (l *Learner) Predict(obs nest.Nest[*tensor.Dense],
	policiesOut *tensor.Dense) (*agent.Result, error) {
	return l.schedule(func(d device.Device) (pipeline.Operation[*agent.Result],
		error) {
		observations, err := l.model.ConvertObsToTensor(obs, d)
		if err != nil {
			return nil, fmt.Errorf("predict: %v", err)
		}

		return func() (*agent.Result, error) {
			return l.predict(observations, policiesOut)
		}, nil
	})
}

// Train schedules a training step on a batch of trajectories and
// returns the Result of the previously scheduled operation
func (l *Learner) Train(obs nest.Nest[*tensor.Dense], actions, rewards,
	behaviourPolicies, discounts, lossCoefs *tensor.Dense,
	dataSizes []int) (*agent.Result, error) {
	dataSize := 0
	for _, size := range dataSizes {
		dataSize += size
	}

	return l.schedule(func(d device.Device) (pipeline.Operation[*agent.Result],
		error) {
		observations, err := l.model.ConvertObsToTensor(obs, d)
		if err != nil {
			return nil, fmt.Errorf("train: %v", err)
		}

		host := []*tensor.Dense{actions, rewards, behaviourPolicies,
			discounts, lossCoefs}
		transferred := make([]*tensor.Dense, len(host))
		for i, t := range host {
			if t == nil {
				return nil, fmt.Errorf("train: nil input tensor")
			}
			if transferred[i], err = d.Transfer(t); err != nil {
				return nil, fmt.Errorf("train: %v", err)
			}
		}

		b := batch{
			observations:      observations,
			actions:           transferred[0],
			rewards:           transferred[1],
			behaviourPolicies: transferred[2],
			discounts:         transferred[3],
			lossCoefs:         transferred[4],
			dataSize:          float64(dataSize),
		}
		return func() (*agent.Result, error) {
			return l.train(b)
		}, nil
	})
}

// Sync executes the scheduled operation, if any, and returns its
// Result
func (l *Learner) Sync() (*agent.Result, error) {
	result, ok, err := l.scheduler.Sync()
	if !ok {
		return nil, err
	}
	return result, err
}

func (l *Learner) schedule(
	transfer pipeline.Transfer[*agent.Result]) (*agent.Result, error) {
	result, ok, err := l.scheduler.Schedule(transfer)
	if !ok {
		return nil, err
	}
	return result, err
}

// predict computes the policy of observations into policiesOut
func (l *Learner) predict(observations nest.Nest[*tensor.Dense],
	policiesOut *tensor.Dense) (*agent.Result, error) {
	leaves := observations.Leaves()
	if len(leaves) == 0 {
		return nil, fmt.Errorf("predict: observation has no tensors")
	}
	rows := leaves[0].Shape()[0]

	pg, err := l.predictGraph(rows)
	if err != nil {
		return nil, fmt.Errorf("predict: %v", err)
	}
	if err := l.syncWeights(pg.net, &pg.version); err != nil {
		return nil, fmt.Errorf("predict: %v", err)
	}

	if err := pg.net.SetInput(observations); err != nil {
		return nil, fmt.Errorf("predict: %v", err)
	}
	defer pg.vm.Reset()
	if err := pg.vm.RunAll(); err != nil {
		return nil, fmt.Errorf("predict: %v", err)
	}

	probs, err := hostData(pg.probs.Value().(*tensor.Dense))
	if err != nil {
		return nil, fmt.Errorf("predict: %v", err)
	}
	out, err := sized(policiesOut, len(probs), "policies")
	if err != nil {
		return nil, fmt.Errorf("predict: %v", err)
	}
	copy(out, probs)

	return &agent.Result{Policies: policiesOut}, nil
}

// batch is a training batch resident on the learner's device
type batch struct {
	observations      nest.Nest[*tensor.Dense]
	actions           *tensor.Dense
	rewards           *tensor.Dense
	behaviourPolicies *tensor.Dense
	discounts         *tensor.Dense
	lossCoefs         *tensor.Dense
	dataSize          float64
}

// train performs a training step
func (l *Learner) train(b batch) (*agent.Result, error) {
	if b.actions.Dims() < 2 {
		return nil, fmt.Errorf("train: actions must have shape (T, B, 1), "+
			"got %v", b.actions.Shape())
	}
	steps, batchSize := b.actions.Shape()[0], b.actions.Shape()[1]
	numActions := l.model.Actions()

	tg, err := l.trainGraph(steps, batchSize)
	if err != nil {
		return nil, fmt.Errorf("train: %v", err)
	}
	if err := l.syncWeights(tg.target, &tg.version); err != nil {
		return nil, fmt.Errorf("train: %v", err)
	}
	if err := tg.net.Set(l.model); err != nil {
		return nil, fmt.Errorf("train: %v", err)
	}

	// Detached policy and values for V-trace
	if err := tg.target.SetInput(b.observations); err != nil {
		return nil, fmt.Errorf("train: %v", err)
	}
	if err := tg.targetVM.RunAll(); err != nil {
		tg.targetVM.Reset()
		return nil, fmt.Errorf("train: target: %v", err)
	}
	probsData, err := hostData(tg.targetProbs.Value().(*tensor.Dense))
	if err != nil {
		tg.targetVM.Reset()
		return nil, fmt.Errorf("train: %v", err)
	}
	valuesData, err := hostData(tg.targetValues.Value().(*tensor.Dense))
	if err != nil {
		tg.targetVM.Reset()
		return nil, fmt.Errorf("train: %v", err)
	}
	probs := reshaped(probsData, steps, batchSize, numActions)
	values := reshaped(valuesData, steps+1, batchSize, 1)
	tg.targetVM.Reset()

	vs, pgAdvantages, err := VTrace(probs, values, b.actions, b.rewards,
		b.behaviourPolicies, b.discounts, l.clip)
	if err != nil {
		return nil, fmt.Errorf("train: %v", err)
	}
	actions, err := actionIndices(b.actions, numActions)
	if err != nil {
		return nil, fmt.Errorf("train: %v", err)
	}

	// Loss and gradient step
	if err := tg.net.SetInput(b.observations); err != nil {
		return nil, fmt.Errorf("train: %v", err)
	}
	err = tg.loss.set(actions, vs, pgAdvantages, b.lossCoefs, b.dataSize)
	if err != nil {
		return nil, fmt.Errorf("train: %v", err)
	}
	defer tg.vm.Reset()
	if err := tg.vm.RunAll(); err != nil {
		return nil, fmt.Errorf("train: %v", err)
	}
	losses, err := tg.loss.losses()
	if err != nil {
		return nil, fmt.Errorf("train: %v", err)
	}
	if err := l.solver.Step(tg.net.Parameters()); err != nil {
		return nil, fmt.Errorf("train: could not step solver: %v", err)
	}

	// Publish the new weights
	if err := l.model.Set(tg.net); err != nil {
		return nil, fmt.Errorf("train: %v", err)
	}
	l.version++
	l.trainSteps++

	l.log.Debug("trained", "step", l.trainSteps, "value", losses.Value,
		"policy", losses.Policy, "entropy", losses.Entropy)
	return &agent.Result{Losses: &losses}, nil
}

// syncWeights copies the weights of the learner's model into net if
// the version of net is out of date
func (l *Learner) syncWeights(net network.Model, version *int) error {
	if *version == l.version {
		return nil
	}
	if err := net.Set(l.model); err != nil {
		return fmt.Errorf("syncWeights: %v", err)
	}
	*version = l.version
	return nil
}

// predictGraph returns the cached prediction graph for rows
// observations, building it if needed
func (l *Learner) predictGraph(rows int) (*predictGraph, error) {
	if pg, ok := l.predictGraphs[rows]; ok {
		return pg, nil
	}

	pg, err := newPredictGraph(l.model, rows)
	if err != nil {
		return nil, err
	}
	pg.version = l.version
	l.predictGraphs[rows] = pg
	l.log.Debug("built prediction graph", "rows", rows)
	return pg, nil
}

// trainGraph returns the cached training graph for batches of
// trajectories of the given shape, building it if needed
func (l *Learner) trainGraph(steps, batch int) (*trainGraph, error) {
	key := [2]int{steps, batch}
	if tg, ok := l.trainGraphs[key]; ok {
		return tg, nil
	}

	tg, err := newTrainGraph(l.model, steps, batch, l.entropyCoef)
	if err != nil {
		return nil, err
	}
	tg.version = l.version
	l.trainGraphs[key] = tg
	l.log.Debug("built training graph", "steps", steps, "batch", batch)
	return tg, nil
}

// SaveModel saves the model weights and solver state as checkpoint
// index
func (l *Learner) SaveModel(index int) error {
	if err := l.store.Save(index, l.model, l.solver); err != nil {
		return fmt.Errorf("saveModel: %v", err)
	}
	l.log.Info("saved checkpoint", "index", index, "dir", l.store.Dir(index))
	return nil
}

// LoadModel overwrites the model weights and solver state with those
// of checkpoint index
func (l *Learner) LoadModel(index int) error {
	if err := l.store.Load(index, l.model, l.solver); err != nil {
		return fmt.Errorf("loadModel: %v", err)
	}

	// Every graph copies the loaded weights before it next runs
	l.version++
	l.log.Info("loaded checkpoint", "index", index, "dir", l.store.Dir(index))
	return nil
}

// Close releases the resources held by the learner's graphs
func (l *Learner) Close() error {
	for _, pg := range l.predictGraphs {
		if err := pg.vm.Close(); err != nil {
			return fmt.Errorf("close: %v", err)
		}
	}
	for _, tg := range l.trainGraphs {
		if err := tg.close(); err != nil {
			return fmt.Errorf("close: %v", err)
		}
	}
	return nil
}
