package impala

import (
	"fmt"

	"github.com/samuelfneumann/goimpala/network"
	G "gorgonia.org/gorgonia"
)

// predictGraph computes the policy of a fixed number of observation
// rows, in evaluation mode and without gradients
type predictGraph struct {
	net     network.Model
	probs   *G.Node
	vm      G.VM
	version int
}

func newPredictGraph(model network.Model, rows int) (*predictGraph, error) {
	net, err := model.CloneWithBatch(rows)
	if err != nil {
		return nil, fmt.Errorf("newPredictGraph: %v", err)
	}
	net.Eval()

	probs, err := net.Probs(net.Input())
	if err != nil {
		return nil, fmt.Errorf("newPredictGraph: %v", err)
	}

	return &predictGraph{
		net:   net,
		probs: probs,
		vm:    G.NewTapeMachine(net.Graph()),
	}, nil
}

// trainGraph performs training steps on batches of B trajectories of
// length T.
//
// The target network is a forward-only copy of the trained network
// whose policy and values are the detached inputs of V-trace. The
// trained network computes the loss, whose gradient is taken with
// respect to its learnables.
type trainGraph struct {
	steps, batch int

	target       network.Model
	targetProbs  *G.Node
	targetValues *G.Node
	targetVM     G.VM

	net     network.Model
	loss    *lossGraph
	vm      G.VM
	version int
}

func newTrainGraph(model network.Model, steps, batch int,
	entropyCoef float64) (*trainGraph, error) {
	rows := (steps + 1) * batch
	tg := &trainGraph{steps: steps, batch: batch}

	var err error
	if tg.target, err = model.CloneWithBatch(rows); err != nil {
		return nil, fmt.Errorf("newTrainGraph: %v", err)
	}
	tg.target.Train()
	tg.targetProbs, _, tg.targetValues, err = forward(tg.target,
		steps*batch, true)
	if err != nil {
		return nil, fmt.Errorf("newTrainGraph: target: %v", err)
	}
	tg.targetVM = G.NewTapeMachine(tg.target.Graph())

	if tg.net, err = model.CloneWithBatch(rows); err != nil {
		return nil, fmt.Errorf("newTrainGraph: %v", err)
	}
	tg.net.Train()
	// Only the first T steps of the values enter the loss, the bootstrap
	// values are taken from the target network
	probs, logProbs, values, err := forward(tg.net, steps*batch, false)
	if err != nil {
		return nil, fmt.Errorf("newTrainGraph: %v", err)
	}
	if tg.loss, err = newLoss(probs, logProbs, values, entropyCoef); err != nil {
		return nil, fmt.Errorf("newTrainGraph: %v", err)
	}

	learnables := tg.net.Learnables()
	if _, err := G.Grad(tg.loss.total, learnables...); err != nil {
		return nil, fmt.Errorf("newTrainGraph: could not compute "+
			"gradient: %v", err)
	}
	tg.vm = G.NewTapeMachine(tg.net.Graph(), G.BindDualValues(learnables...))

	return tg, nil
}

// forward adds the forward pass of model over its input to its graph.
// The policy is computed over the first length rows of the hidden
// state. The values are computed over the same rows, or over all rows
// if allValues is set.
func forward(model network.Model, length int, allValues bool) (probs,
	logProbs, values *G.Node, err error) {
	hidden, err := model.ConvertObsToHidden(model.Input())
	if err != nil {
		return nil, nil, nil, err
	}

	sliced, err := model.SliceHidden(hidden, length)
	if err != nil {
		return nil, nil, nil, err
	}
	if probs, logProbs, err = model.ProbsAndLogProbsFromHidden(sliced); err != nil {
		return nil, nil, nil, err
	}

	if !allValues {
		hidden = sliced
	}
	if values, err = model.VFromHidden(hidden); err != nil {
		return nil, nil, nil, err
	}
	return probs, logProbs, values, nil
}

// close closes the VMs of the graph
func (tg *trainGraph) close() error {
	if err := tg.targetVM.Close(); err != nil {
		return err
	}
	return tg.vm.Close()
}
