package impala

import (
	"fmt"

	"github.com/samuelfneumann/goimpala/agent"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// lossGraph is the IMPALA loss over a batch of N = T·B time-major
// rows. The V-trace targets, advantages, actions, loss coefficients
// and data size are inputs of the graph, so no gradient flows through
// them.
type lossGraph struct {
	rows, numActions int

	// Inputs
	actions      *G.Node // (N, A) one-hot actions
	vs           *G.Node // (N)
	pgAdvantages *G.Node // (N)
	coefs        *G.Node // (N)
	dataSize     *G.Node // scalar

	value   *G.Node
	policy  *G.Node
	entropy *G.Node
	total   *G.Node
}

// newLoss adds the IMPALA loss to the graph of probs. Given the
// policy probs and logProbs of shape (N, A) and the state values of
// shape (N, 1):
//
//	value   = ½ Σ coefs·(values - vs)² / dataSize
//	policy  = -Σ coefs·log π(a)·pgAdvantages / dataSize
//	entropy = Σ coefs·Σₐ π·log π / dataSize
//	total   = ½ value + policy + entropyCoef·entropy
func newLoss(probs, logProbs, values *G.Node,
	entropyCoef float64) (*lossGraph, error) {
	g := probs.Graph()
	if !probs.IsMatrix() || !probs.Shape().Eq(logProbs.Shape()) {
		return nil, fmt.Errorf("newLoss: policy and log policy must be "+
			"matrices of the same shape, got %v and %v", probs.Shape(),
			logProbs.Shape())
	}
	rows, numActions := probs.Shape()[0], probs.Shape()[1]
	if values.Shape().TotalSize() != rows {
		return nil, fmt.Errorf("newLoss: expected %v values, got shape %v",
			rows, values.Shape())
	}

	l := &lossGraph{
		rows:       rows,
		numActions: numActions,
		actions: G.NewMatrix(g, tensor.Float64, G.WithShape(rows, numActions),
			G.WithName("actions"), G.WithInit(G.Zeroes())),
		vs: G.NewVector(g, tensor.Float64, G.WithShape(rows),
			G.WithName("vs"), G.WithInit(G.Zeroes())),
		pgAdvantages: G.NewVector(g, tensor.Float64, G.WithShape(rows),
			G.WithName("pgAdvantages"), G.WithInit(G.Zeroes())),
		coefs: G.NewVector(g, tensor.Float64, G.WithShape(rows),
			G.WithName("lossCoefs"), G.WithInit(G.Zeroes())),
		dataSize: G.NewScalar(g, tensor.Float64, G.WithName("dataSize"),
			G.WithValue(1.0)),
	}

	v, err := G.Reshape(values, tensor.Shape{rows})
	if err != nil {
		return nil, fmt.Errorf("newLoss: could not reshape values: %v", err)
	}
	half := G.NewConstant(0.5)

	// Value loss
	diff := G.Must(G.Sub(v, l.vs))
	sq := G.Must(G.HadamardProd(G.Must(G.Square(diff)), l.coefs))
	l.value = G.Must(G.Div(G.Must(G.Mul(G.Must(G.Sum(sq)), half)), l.dataSize))

	// Policy gradient loss, the log policy of the taken actions is
	// gathered with the one-hot action matrix
	logPi := G.Must(G.Sum(G.Must(G.HadamardProd(logProbs, l.actions)), 1))
	pg := G.Must(G.HadamardProd(G.Must(G.HadamardProd(logPi, l.pgAdvantages)),
		l.coefs))
	l.policy = G.Must(G.Neg(G.Must(G.Div(G.Must(G.Sum(pg)), l.dataSize))))

	// Entropy loss, the negative entropy of the policy. Masked actions
	// have zero probability and contribute nothing.
	negEntropy := G.Must(G.Sum(G.Must(G.HadamardProd(logProbs, probs)), 1))
	ent := G.Must(G.HadamardProd(negEntropy, l.coefs))
	l.entropy = G.Must(G.Div(G.Must(G.Sum(ent)), l.dataSize))

	total := G.Must(G.Add(G.Must(G.Mul(l.value, half)), l.policy))
	l.total = G.Must(G.Add(total, G.Must(G.Mul(l.entropy,
		G.NewConstant(entropyCoef)))))

	return l, nil
}

// set binds the inputs of a training step to the loss graph
func (l *lossGraph) set(actions []int, vs, pgAdvantages,
	coefs *tensor.Dense, dataSize float64) error {
	if len(actions) != l.rows {
		return fmt.Errorf("set: expected %v actions, got %v", l.rows,
			len(actions))
	}

	inputs := []struct {
		node  *G.Node
		value *tensor.Dense
		name  string
	}{
		{l.actions, oneHot(actions, l.numActions), "actions"},
		{l.vs, vs, "vs"},
		{l.pgAdvantages, pgAdvantages, "pg advantages"},
		{l.coefs, coefs, "loss coefficients"},
	}
	for _, in := range inputs {
		value, err := column(in.value, in.node.Shape().TotalSize(), in.name)
		if err != nil {
			return fmt.Errorf("set: %v", err)
		}
		if err := value.Reshape(in.node.Shape()...); err != nil {
			return fmt.Errorf("set: %v", err)
		}
		if err := G.Let(in.node, value); err != nil {
			return fmt.Errorf("set: could not bind %v: %v", in.name, err)
		}
	}

	if err := G.Let(l.dataSize, G.NewF64(dataSize)); err != nil {
		return fmt.Errorf("set: could not bind data size: %v", err)
	}
	return nil
}

// losses returns the losses computed by the last run of the graph
func (l *lossGraph) losses() (agent.Losses, error) {
	nodes := []*G.Node{l.value, l.policy, l.entropy}
	values := make([]float64, len(nodes))
	for i, n := range nodes {
		if n.Value() == nil {
			return agent.Losses{}, fmt.Errorf("losses: %v not computed",
				n.Name())
		}
		v, ok := n.Value().Data().(float64)
		if !ok {
			return agent.Losses{}, fmt.Errorf("losses: expected a float64 "+
				"scalar, got %T", n.Value().Data())
		}
		values[i] = v
	}
	return agent.Losses{Value: values[0], Policy: values[1],
		Entropy: values[2]}, nil
}
