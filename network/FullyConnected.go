package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// fcLayer implements a fully connected layer of a feed forward neural
// network
type fcLayer struct {
	weights *G.Node
	bias    *G.Node
	act     *Activation
}

// newFCLayer adds the learnables of a fully connected layer mapping
// in features to out features to the graph g
func newFCLayer(g *G.ExprGraph, in, out int, bias bool, act *Activation,
	init G.InitWFn, name string) *fcLayer {
	weights := G.NewMatrix(
		g,
		tensor.Float64,
		G.WithShape(in, out),
		G.WithName(fmt.Sprintf("%vW", name)),
		G.WithInit(init),
	)

	var b *G.Node
	if bias {
		b = G.NewMatrix(
			g,
			tensor.Float64,
			G.WithShape(1, out),
			G.WithName(fmt.Sprintf("%vB", name)),
			G.WithInit(G.Zeroes()),
		)
	}

	return &fcLayer{weights: weights, bias: b, act: act}
}

// fwd adds the forward pass of the fcLayer to the computational graph
func (f *fcLayer) fwd(x *G.Node) (*G.Node, error) {
	var err error
	if f.Weights() != nil {
		if x, err = G.Mul(x, f.Weights()); err != nil {
			return nil, fmt.Errorf("fwd: could not multiply weights: %v", err)
		}
	}
	if f.Bias() != nil {
		// Broadcast the bias weights to all samples along the batch
		// dimension
		if x, err = G.BroadcastAdd(x, f.Bias(), nil, []byte{0}); err != nil {
			return nil, fmt.Errorf("fwd: could not add bias: %v", err)
		}
	}
	if f.Activation() == nil {
		return x, nil
	}
	return f.Activation().fwd(x)
}

// learnables returns the weights and bias of the layer, in that order
func (f *fcLayer) learnables() G.Nodes {
	if f.bias == nil {
		return G.Nodes{f.weights}
	}
	return G.Nodes{f.weights, f.bias}
}

func (f *fcLayer) Activation() *Activation {
	return f.act
}

func (f *fcLayer) Bias() *G.Node {
	return f.bias
}

func (f *fcLayer) Weights() *G.Node {
	return f.weights
}
