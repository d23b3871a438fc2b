package network

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/samuelfneumann/goimpala/device"
	"github.com/samuelfneumann/goimpala/initwfn"
	"github.com/samuelfneumann/goimpala/nest"
	"github.com/samuelfneumann/goimpala/softmax"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ActorCriticConfig describes an ActorCriticMLP
type ActorCriticConfig struct {
	Features int   `yaml:"features" json:"features"`
	Actions  int   `yaml:"actions" json:"actions"`
	Hidden   []int `yaml:"hidden" json:"hidden"`

	// Activation of the hidden layers, LeakyReLU(DefaultLeak) if nil
	Activation *Activation `yaml:"activation" json:"activation"`

	// Dropout probability applied after each hidden layer in training
	// mode. Zero disables dropout.
	Dropout float64 `yaml:"dropout" json:"dropout"`

	// Masked models take Tuple(features, mask) observations, where a
	// non-zero mask entry marks an invalid action
	Masked bool `yaml:"masked" json:"masked"`

	// InitWFn initializes the weights, GlorotU(1) if nil
	InitWFn *initwfn.InitWFn `yaml:"init" json:"init"`
}

// Validate returns an error if the configuration is not valid
func (c ActorCriticConfig) Validate() error {
	if c.Features <= 0 {
		return fmt.Errorf("validate: features must be positive, got %v",
			c.Features)
	}
	if c.Actions <= 0 {
		return fmt.Errorf("validate: actions must be positive, got %v",
			c.Actions)
	}
	if len(c.Hidden) == 0 {
		return fmt.Errorf("validate: at least one hidden layer required")
	}
	for i, size := range c.Hidden {
		if size <= 0 {
			return fmt.Errorf("validate: hidden layer %v has size %v", i,
				size)
		}
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("validate: dropout must be in [0, 1), got %v",
			c.Dropout)
	}
	return nil
}

func (c ActorCriticConfig) activation() *Activation {
	if c.Activation == nil {
		return LeakyReLU(DefaultLeak)
	}
	return c.Activation
}

func (c ActorCriticConfig) init() G.InitWFn {
	if c.InitWFn == nil || c.InitWFn.InitWFn() == nil {
		return G.GlorotU(1.0)
	}
	return c.InitWFn.InitWFn()
}

// ActorCriticMLP is a multi-layered perceptron with a policy head and
// a state value head sharing a hidden representation. If the model is
// masked, the action mask is carried through the hidden
// representation so that sliced hidden states stay aligned with their
// masks.
type ActorCriticMLP struct {
	g      *G.ExprGraph
	config ActorCriticConfig
	batch  int
	eval   bool

	input  nest.Nest[*G.Node]
	hidden []*fcLayer
	policy *fcLayer
	value  *fcLayer
}

// NewActorCriticMLP returns a new ActorCriticMLP on graph g which
// takes batch observations as input
func NewActorCriticMLP(g *G.ExprGraph, config ActorCriticConfig,
	batch int) (*ActorCriticMLP, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("newActorCriticMLP: %v", err)
	}
	if batch <= 0 {
		return nil, fmt.Errorf("newActorCriticMLP: batch size must be "+
			"positive, got %v", batch)
	}
	return newActorCriticMLP(g, config, batch, config.init()), nil
}

func newActorCriticMLP(g *G.ExprGraph, config ActorCriticConfig, batch int,
	init G.InitWFn) *ActorCriticMLP {
	features := G.NewMatrix(
		g,
		tensor.Float64,
		G.WithShape(batch, config.Features),
		G.WithName("obs"),
		G.WithInit(G.Zeroes()),
	)
	input := nest.NewLeaf(features)
	if config.Masked {
		mask := G.NewMatrix(
			g,
			tensor.Float64,
			G.WithShape(batch, config.Actions),
			G.WithName("mask"),
			G.WithInit(G.Zeroes()),
		)
		input = nest.NewTuple(input, nest.NewLeaf(mask))
	}

	in := config.Features
	hidden := make([]*fcLayer, len(config.Hidden))
	for i, out := range config.Hidden {
		hidden[i] = newFCLayer(g, in, out, true, config.activation(), init,
			fmt.Sprintf("L%d", i))
		in = out
	}

	return &ActorCriticMLP{
		g:      g,
		config: config,
		batch:  batch,
		input:  input,
		hidden: hidden,
		policy: newFCLayer(g, in, config.Actions, true, Identity(), init, "Pi"),
		value:  newFCLayer(g, in, 1, true, Identity(), init, "V"),
	}
}

// split returns the features and mask of a structured observation or
// hidden state. The mask is nil for unmasked models.
func (a *ActorCriticMLP) split(n nest.Nest[*G.Node]) (x, mask *G.Node,
	err error) {
	if !a.config.Masked {
		if !n.IsLeaf() {
			return nil, nil, fmt.Errorf("split: expected a leaf, got %v",
				n.Kind())
		}
		return n.Value(), nil, nil
	}

	if n.Kind() != nest.Tuple || n.Len() != 2 || !n.At(0).IsLeaf() ||
		!n.At(1).IsLeaf() {
		return nil, nil, fmt.Errorf("split: expected tuple (features, "+
			"mask), got %v", n)
	}
	return n.At(0).Value(), n.At(1).Value(), nil
}

// ConvertObsToHidden adds the shared hidden layers to the graph
func (a *ActorCriticMLP) ConvertObsToHidden(
	obs nest.Nest[*G.Node]) (nest.Nest[*G.Node], error) {
	x, mask, err := a.split(obs)
	if err != nil {
		return nest.Nest[*G.Node]{}, fmt.Errorf("convertObsToHidden: %v", err)
	}

	for i, layer := range a.hidden {
		if x, err = layer.fwd(x); err != nil {
			return nest.Nest[*G.Node]{}, fmt.Errorf("convertObsToHidden: "+
				"layer %v: %v", i, err)
		}
		if !a.eval && a.config.Dropout > 0 {
			if x, err = G.Dropout(x, a.config.Dropout); err != nil {
				return nest.Nest[*G.Node]{}, fmt.Errorf("convertObsToHidden: "+
					"could not add dropout: %v", err)
			}
		}
	}

	if mask == nil {
		return nest.NewLeaf(x), nil
	}
	return nest.NewTuple(nest.NewLeaf(x), nest.NewLeaf(mask)), nil
}

// Probs returns the policy given observations
func (a *ActorCriticMLP) Probs(obs nest.Nest[*G.Node]) (*G.Node, error) {
	hidden, err := a.ConvertObsToHidden(obs)
	if err != nil {
		return nil, fmt.Errorf("probs: %v", err)
	}
	h, mask, err := a.split(hidden)
	if err != nil {
		return nil, fmt.Errorf("probs: %v", err)
	}

	logits, err := a.policy.fwd(h)
	if err != nil {
		return nil, fmt.Errorf("probs: %v", err)
	}
	return softmax.SoftmaxNode(logits, mask)
}

// ProbsAndLogProbsFromHidden returns the policy and log policy given
// the hidden representation of observations
func (a *ActorCriticMLP) ProbsAndLogProbsFromHidden(
	hidden nest.Nest[*G.Node]) (probs, logProbs *G.Node, err error) {
	h, mask, err := a.split(hidden)
	if err != nil {
		return nil, nil, fmt.Errorf("probsAndLogProbsFromHidden: %v", err)
	}

	logits, err := a.policy.fwd(h)
	if err != nil {
		return nil, nil, fmt.Errorf("probsAndLogProbsFromHidden: %v", err)
	}
	return softmax.Node(logits, mask)
}

// VFromHidden returns the state values given the hidden representation
// of observations
func (a *ActorCriticMLP) VFromHidden(hidden nest.Nest[*G.Node]) (*G.Node,
	error) {
	h, _, err := a.split(hidden)
	if err != nil {
		return nil, fmt.Errorf("vFromHidden: %v", err)
	}
	return a.value.fwd(h)
}

// ConvertObsToTensor transfers observations onto device d
func (a *ActorCriticMLP) ConvertObsToTensor(obs nest.Nest[*tensor.Dense],
	d device.Device) (nest.Nest[*tensor.Dense], error) {
	return TransferObservation(obs, d)
}

// SliceHidden returns the first length rows of the hidden state
func (a *ActorCriticMLP) SliceHidden(hidden nest.Nest[*G.Node],
	length int) (nest.Nest[*G.Node], error) {
	return SliceRows(hidden, length)
}

// Graph returns the computational graph of the model
func (a *ActorCriticMLP) Graph() *G.ExprGraph {
	return a.g
}

// BatchSize returns the number of observation rows the input holds
func (a *ActorCriticMLP) BatchSize() int {
	return a.batch
}

// Actions returns the number of actions of the policy
func (a *ActorCriticMLP) Actions() int {
	return a.config.Actions
}

// Config returns the configuration of the model
func (a *ActorCriticMLP) Config() ActorCriticConfig {
	return a.config
}

// Input returns the input nodes of the model
func (a *ActorCriticMLP) Input() nest.Nest[*G.Node] {
	return a.input
}

// SetInput binds observations to the input nodes of the model
func (a *ActorCriticMLP) SetInput(obs nest.Nest[*tensor.Dense]) error {
	return LetInput(a.input, obs)
}

// CloneWithBatch returns a copy of the model on a new graph which
// takes batch observations as input. The clone is in the same mode as
// the model.
func (a *ActorCriticMLP) CloneWithBatch(batch int) (Model, error) {
	if batch <= 0 {
		return nil, fmt.Errorf("cloneWithBatch: batch size must be "+
			"positive, got %v", batch)
	}
	clone := newActorCriticMLP(G.NewGraph(), a.config, batch, G.Zeroes())
	clone.eval = a.eval
	if err := clone.Set(a); err != nil {
		return nil, fmt.Errorf("cloneWithBatch: %v", err)
	}
	return clone, nil
}

// Set sets the weights of the model to those of source
func (a *ActorCriticMLP) Set(source Model) error {
	return Set(a.Learnables(), source.Learnables())
}

// Learnables returns the learnable nodes of the model
func (a *ActorCriticMLP) Learnables() G.Nodes {
	var learnables G.Nodes
	for _, layer := range a.hidden {
		learnables = append(learnables, layer.learnables()...)
	}
	learnables = append(learnables, a.policy.learnables()...)
	return append(learnables, a.value.learnables()...)
}

// Parameters returns the learnables of the model as G.ValueGrads
func (a *ActorCriticMLP) Parameters() []G.ValueGrad {
	return G.NodesToValueGrads(a.Learnables())
}

func (a *ActorCriticMLP) Train()       { a.eval = false }
func (a *ActorCriticMLP) Eval()        { a.eval = true }
func (a *ActorCriticMLP) IsEval() bool { return a.eval }

// GobEncode implements the gob.GobEncoder interface. Only the weights
// are encoded.
func (a *ActorCriticMLP) GobEncode() ([]byte, error) {
	learnables := a.Learnables()
	weights := make([]*tensor.Dense, len(learnables))
	for i, l := range learnables {
		w, ok := l.Value().(*tensor.Dense)
		if !ok {
			return nil, fmt.Errorf("gobEncode: %v has no dense value",
				l.Name())
		}
		weights[i] = w
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(weights); err != nil {
		return nil, fmt.Errorf("gobEncode: %v", err)
	}
	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface. The decoded
// weights overwrite those of the model, which must have been created
// with the configuration the weights were encoded from.
func (a *ActorCriticMLP) GobDecode(in []byte) error {
	var weights []*tensor.Dense
	if err := gob.NewDecoder(bytes.NewReader(in)).Decode(&weights); err != nil {
		return fmt.Errorf("gobDecode: %v", err)
	}

	learnables := a.Learnables()
	if len(weights) != len(learnables) {
		return fmt.Errorf("gobDecode: wrong number of weights "+
			"\n\twant(%v)\n\thave(%v)", len(learnables), len(weights))
	}
	for i, l := range learnables {
		if !l.Shape().Eq(weights[i].Shape()) {
			return fmt.Errorf("gobDecode: wrong shape for %v "+
				"\n\twant(%v)\n\thave(%v)", l.Name(), l.Shape(),
				weights[i].Shape())
		}
		if err := tensor.Copy(l.Value().(*tensor.Dense), weights[i]); err != nil {
			return fmt.Errorf("gobDecode: %v", err)
		}
	}
	return nil
}
