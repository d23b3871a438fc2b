// Package solver implements functionality to wrap Gorgonia Solvers
// so that they can be serialized into JSON and YAML configuration
// files, and so that the state of adaptive solvers can be checkpointed.
package solver

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"reflect"

	"github.com/goccy/go-json"
	G "gorgonia.org/gorgonia"
	"gopkg.in/yaml.v3"
)

// Type describes different types of solvers that are available
type Type string

// Available solver types
const (
	Adam    Type = "Adam"
	RMSProp Type = "RMSProp"
	Vanilla Type = "Vanilla"
)

// registered maps each solver Type to the concrete type of its Config
var registered = map[string]reflect.Type{
	string(Adam):    reflect.TypeOf(AdamConfig{}),
	string(RMSProp): reflect.TypeOf(RMSPropConfig{}),
	string(Vanilla): reflect.TypeOf(VanillaConfig{}),
}

// Solver wraps Gorgonia Solvers so that they can be marshalled and
// unmarshalled.
type Solver struct {
	G.Solver `json:"-" yaml:"-"`
	Type
	Config
}

// stateful is a G.Solver which carries state between steps that must
// survive a checkpoint
type stateful interface {
	G.Solver
	encodeState() ([]byte, error)
	decodeState([]byte) error
}

// newSolver returns a new solver with the given type and configuration.
func newSolver(t Type, c Config) (*Solver, error) {
	if !c.ValidType(t) {
		return nil, fmt.Errorf("newSolver: invalid solver type %v for "+
			"configuration %T", t, c)
	}
	solver := Solver{Type: t, Config: c}
	solver.Solver = solver.Config.Create()

	return &solver, nil
}

// String implements the fmt.Stringer interface
func (s *Solver) String() string {
	return fmt.Sprintf("{%v Solver: %+v}", s.Type, s.Config)
}

// MarshalJSON implements the json.Marshaler interface
func (s *Solver) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type   Type
		Config Config
	}{s.Type, s.Config})
}

// UnmarshalJSON implements the json.Unmarshaler interface
func (s *Solver) UnmarshalJSON(data []byte) error {
	config, typeName, err := unmarshalConfig(data, "Type", "Config",
		registered)
	if err != nil {
		return err
	}

	s.Type = typeName
	s.Config = config
	s.Solver = s.Config.Create()

	return nil
}

// UnmarshalYAML implements the yaml.Unmarshaler interface. The YAML
// encoding has the same {Type, Config} layout as the JSON encoding.
func (s *Solver) UnmarshalYAML(value *yaml.Node) error {
	m := map[string]interface{}{}
	if err := value.Decode(&m); err != nil {
		return fmt.Errorf("unmarshalYAML: %v", err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("unmarshalYAML: %v", err)
	}
	return s.UnmarshalJSON(data)
}

// encoded is the gob encoding of a Solver
type encoded struct {
	Config []byte
	State  []byte
}

// GobEncode implements the gob.GobEncoder interface. The configuration
// is encoded together with the state of adaptive solvers.
func (s *Solver) GobEncode() ([]byte, error) {
	config, err := s.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("gobEncode: could not encode config: %v", err)
	}

	var state []byte
	if st, ok := s.Solver.(stateful); ok {
		if state, err = st.encodeState(); err != nil {
			return nil, fmt.Errorf("gobEncode: could not encode state: %v",
				err)
		}
	}

	var buf bytes.Buffer
	err = gob.NewEncoder(&buf).Encode(encoded{Config: config, State: state})
	if err != nil {
		return nil, fmt.Errorf("gobEncode: %v", err)
	}
	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface. The decoded
// configuration and state replace those of s.
func (s *Solver) GobDecode(in []byte) error {
	var e encoded
	if err := gob.NewDecoder(bytes.NewReader(in)).Decode(&e); err != nil {
		return fmt.Errorf("gobDecode: %v", err)
	}

	if err := s.UnmarshalJSON(e.Config); err != nil {
		return fmt.Errorf("gobDecode: could not decode config: %v", err)
	}

	if st, ok := s.Solver.(stateful); ok && len(e.State) > 0 {
		if err := st.decodeState(e.State); err != nil {
			return fmt.Errorf("gobDecode: could not decode state: %v", err)
		}
	}
	return nil
}

// unmarshalConfig uses reflection to unmarshall a Config into its
// concrete type. Both the Config and its Type are returned.
func unmarshalConfig(data []byte, typeJsonField, valueJsonField string,
	customTypes map[string]reflect.Type) (Config, Type, error) {
	m := map[string]interface{}{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, "", err
	}

	typeName, ok := m[typeJsonField].(string)
	if !ok {
		return nil, "", fmt.Errorf("unmarshalConfig: missing field %v",
			typeJsonField)
	}
	ty, found := customTypes[typeName]
	if !found {
		return nil, "", fmt.Errorf("unmarshalConfig: unknown solver type %v",
			typeName)
	}
	value := reflect.New(ty).Interface()

	valueBytes, err := json.Marshal(m[valueJsonField])
	if err != nil {
		return nil, "", err
	}
	if err = json.Unmarshal(valueBytes, value); err != nil {
		return nil, "", err
	}
	concreteValue := reflect.ValueOf(value).Elem().Interface().(Config)

	return concreteValue, Type(typeName), nil
}

// Config implements a Gorgonia Solver configuration and can be used to
// create Gorgonia Solvers they describe.
type Config interface {
	Create() G.Solver

	// ValidType returns whether a specific Solver type can be created
	// with the Config
	ValidType(Type) bool
}
