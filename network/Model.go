// Package network implements the models trained by the learners in
// package agent.
//
// A Model is a stateful neural network over a Gorgonia computational
// graph. Observations and hidden states are structured values
// (nest.Nest), so a model may consume a single tensor or any nesting
// of tuples and lists of tensors. The learner only ever interacts with
// a Model through the capabilities in the Model interface.
package network

import (
	"fmt"

	"github.com/samuelfneumann/goimpala/device"
	"github.com/samuelfneumann/goimpala/nest"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Model is the capability contract that a model must satisfy to be
// trained by an IMPALA learner.
//
// All batched nodes are laid out time-major: row t·B + b holds time
// step t of trajectory b.
type Model interface {
	// ConvertObsToHidden adds the observation encoder to the graph,
	// returning a hidden representation for each row of obs
	ConvertObsToHidden(obs nest.Nest[*G.Node]) (nest.Nest[*G.Node], error)

	// Probs returns the policy, a matrix of shape (rows, Actions())
	Probs(obs nest.Nest[*G.Node]) (*G.Node, error)

	// ProbsAndLogProbsFromHidden returns the policy and log policy
	// computed from a hidden representation, each of shape
	// (rows, Actions())
	ProbsAndLogProbsFromHidden(hidden nest.Nest[*G.Node]) (probs,
		logProbs *G.Node, err error)

	// VFromHidden returns the state values of each hidden row, with
	// shape (rows, 1)
	VFromHidden(hidden nest.Nest[*G.Node]) (*G.Node, error)

	// ConvertObsToTensor transfers host observations onto device d
	ConvertObsToTensor(obs nest.Nest[*tensor.Dense],
		d device.Device) (nest.Nest[*tensor.Dense], error)

	// SliceHidden returns the first length rows of every leaf of hidden
	SliceHidden(hidden nest.Nest[*G.Node], length int) (nest.Nest[*G.Node],
		error)

	// Graph plumbing
	Graph() *G.ExprGraph
	BatchSize() int
	Actions() int
	Input() nest.Nest[*G.Node]
	SetInput(obs nest.Nest[*tensor.Dense]) error
	CloneWithBatch(batch int) (Model, error)
	Set(source Model) error
	Learnables() G.Nodes
	Parameters() []G.ValueGrad

	// Mode. The mode in effect when a forward graph is built decides
	// whether dropout is added to it.
	Train()
	Eval()
	IsEval() bool

	GobEncode() ([]byte, error)
	GobDecode([]byte) error
}

// TransferObservation transfers each leaf of obs onto device d
func TransferObservation(obs nest.Nest[*tensor.Dense],
	d device.Device) (nest.Nest[*tensor.Dense], error) {
	return nest.Map(obs, d.Transfer)
}

// SliceRows returns the first length rows of each leaf node of hidden
func SliceRows(hidden nest.Nest[*G.Node], length int) (nest.Nest[*G.Node],
	error) {
	return nest.Map(hidden, func(n *G.Node) (*G.Node, error) {
		if n.Shape()[0] < length {
			return nil, fmt.Errorf("sliceRows: cannot take %v rows of node "+
				"with shape %v", length, n.Shape())
		}
		if n.Shape()[0] == length {
			return n, nil
		}
		return G.Slice(n, G.S(0, length))
	})
}

// LetInput binds each leaf value of obs to the corresponding leaf
// node of input. Both must have the same structure.
func LetInput(input nest.Nest[*G.Node], obs nest.Nest[*tensor.Dense]) error {
	if err := nest.SameStructure(input, obs); err != nil {
		return fmt.Errorf("letInput: observation does not match input: %v",
			err)
	}

	nodes, values := input.Leaves(), obs.Leaves()
	for i := range nodes {
		if !nodes[i].Shape().Eq(values[i].Shape()) {
			return fmt.Errorf("letInput: invalid shape for %v"+
				"\n\twant(%v)\n\thave(%v)", nodes[i].Name(), nodes[i].Shape(),
				values[i].Shape())
		}
		if err := G.Let(nodes[i], values[i]); err != nil {
			return fmt.Errorf("letInput: could not bind %v: %v",
				nodes[i].Name(), err)
		}
	}
	return nil
}

// Set copies the values of the source learnables into the destination
// learnables. The learnables must match in number and shape.
func Set(dest, source G.Nodes) error {
	if len(dest) != len(source) {
		return fmt.Errorf("set: number of learnables differ "+
			"\n\twant(%v)\n\thave(%v)", len(dest), len(source))
	}

	for i := range dest {
		if !dest[i].Shape().Eq(source[i].Shape()) {
			return fmt.Errorf("set: shapes of %v differ \n\twant(%v)"+
				"\n\thave(%v)", dest[i].Name(), dest[i].Shape(),
				source[i].Shape())
		}
		dst, ok := dest[i].Value().(*tensor.Dense)
		if !ok {
			return fmt.Errorf("set: %v has no dense value", dest[i].Name())
		}
		src, ok := source[i].Value().(*tensor.Dense)
		if !ok {
			return fmt.Errorf("set: %v has no dense value", source[i].Name())
		}
		if err := tensor.Copy(dst, src); err != nil {
			return fmt.Errorf("set: could not copy %v: %v", dest[i].Name(),
				err)
		}
	}
	return nil
}
