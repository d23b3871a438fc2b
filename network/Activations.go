package network

import (
	"fmt"
	"strconv"
	"strings"

	G "gorgonia.org/gorgonia"
)

type activationType string

const (
	relu      activationType = "relu"
	leakyReLU activationType = "leakyrelu"
	identity  activationType = "identity"
	tanh      activationType = "tanh"
	nil_      activationType = "nil"
)

// DefaultLeak is the slope of LeakyReLU for negative inputs
const DefaultLeak = 0.01

// Activation represents an activation function type
type Activation struct {
	activationType
	leak float64
	f    func(x *G.Node) (*G.Node, error)
}

// fwd performs the forward pass of an Activation
func (a *Activation) fwd(x *G.Node) (*G.Node, error) {
	if a.f == nil {
		return x, nil
	}
	return a.f(x)
}

// String implements the Stringer interface
func (a *Activation) String() string {
	if a.activationType == leakyReLU {
		return fmt.Sprintf("%v(%v)", a.activationType, a.leak)
	}
	return string(a.activationType)
}

// IsIdentity returns whether or not the Activation is the identity
// function.
func (a *Activation) IsIdentity() bool {
	return a.activationType == identity
}

// IsNil returns whether an activation is nil
func (a *Activation) IsNil() bool {
	return a.activationType == nil_
}

// MarshalText implements the encoding.TextMarshaler interface so that
// Activations can be stored in YAML and JSON configuration files
func (a *Activation) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
// Valid encodings are "relu", "identity", "tanh", "leakyrelu" and
// "leakyrelu(<leak>)".
func (a *Activation) UnmarshalText(text []byte) error {
	decoded, err := parseActivation(string(text))
	if err != nil {
		return fmt.Errorf("unmarshaltext: %v", err)
	}
	*a = *decoded
	return nil
}

// GobEncode implements the GobEncoder interface
func (a *Activation) GobEncode() ([]byte, error) {
	return a.MarshalText()
}

// GobDecode implements the GobDecoder interface
func (a *Activation) GobDecode(encoded []byte) error {
	decoded, err := parseActivation(string(encoded))
	if err != nil {
		return fmt.Errorf("gobdecode: illegal Activation type: %v", err)
	}
	*a = *decoded
	return nil
}

func parseActivation(s string) (*Activation, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == string(relu):
		return ReLU(), nil
	case s == string(identity):
		return Identity(), nil
	case s == string(tanh):
		return TanH(), nil
	case s == string(nil_) || s == "":
		return Nil(), nil
	case s == string(leakyReLU):
		return LeakyReLU(DefaultLeak), nil
	case strings.HasPrefix(s, string(leakyReLU)+"(") && strings.HasSuffix(s, ")"):
		arg := strings.TrimSuffix(strings.TrimPrefix(s, string(leakyReLU)+"("),
			")")
		leak, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid leak %q: %v", arg, err)
		}
		return LeakyReLU(leak), nil
	default:
		return nil, fmt.Errorf("unknown activation %q", s)
	}
}

// Nil returns a nil *Activation
func Nil() *Activation {
	return &Activation{
		activationType: nil_,
		f:              nil,
	}
}

// Identity returns an identity *Activation
func Identity() *Activation {
	return &Activation{
		activationType: identity,
		f: func(x *G.Node) (*G.Node, error) {
			return x, nil
		},
	}
}

// ReLU returns a ReLU *Activation
func ReLU() *Activation {
	return &Activation{
		activationType: relu,
		f:              G.Rectify,
	}
}

// LeakyReLU returns a leaky ReLU *Activation with slope leak for
// negative inputs
func LeakyReLU(leak float64) *Activation {
	return &Activation{
		activationType: leakyReLU,
		leak:           leak,
		f: func(x *G.Node) (*G.Node, error) {
			return G.LeakyRelu(x, leak)
		},
	}
}

// TanH returns a tanh *Activation
func TanH() *Activation {
	return &Activation{
		activationType: tanh,
		f:              G.Tanh,
	}
}
