// Package initwfn implements functionality to wrap Gorgonia InitWFn
// so that they can be serialized into JSON and YAML configuration
// files.
package initwfn

import (
	"fmt"
	"reflect"

	"github.com/goccy/go-json"
	G "gorgonia.org/gorgonia"
	"gopkg.in/yaml.v3"
)

// Type describes different types of InitWFn that are available.
// Type is used to implement a basic type system of InitWFn's.
type Type string

// Available InitWFn types
const (
	GlorotU  Type = "GlorotU"
	GlorotN  Type = "GlorotN"
	HeU      Type = "HeU"
	HeN      Type = "HeN"
	Zeroes   Type = "Zeroes"
	Ones     Type = "Ones"
	Constant Type = "Constant"
	Gaussian Type = "Gaussian"
	Uniform  Type = "Uniform"
)

// registered maps each InitWFn Type to the concrete type of its Config
var registered = map[string]reflect.Type{
	string(GlorotU):  reflect.TypeOf(GlorotUConfig{}),
	string(GlorotN):  reflect.TypeOf(GlorotNConfig{}),
	string(HeU):      reflect.TypeOf(HeUConfig{}),
	string(HeN):      reflect.TypeOf(HeNConfig{}),
	string(Zeroes):   reflect.TypeOf(ZeroesConfig{}),
	string(Ones):     reflect.TypeOf(OnesConfig{}),
	string(Constant): reflect.TypeOf(ConstantConfig{}),
	string(Gaussian): reflect.TypeOf(GaussianConfig{}),
	string(Uniform):  reflect.TypeOf(UniformConfig{}),
}

// InitWFn wraps Gorgonia InitWFn so that they can be marshalled and
// unmarshalled.
type InitWFn struct {
	initWFn G.InitWFn
	Type
	Config
}

// newInitWFn returns a new InitWFn
func newInitWFn(c Config) (*InitWFn, error) {
	init := InitWFn{Type: c.Type(), Config: c}
	init.initWFn = init.Config.Create()

	return &init, nil
}

// InitWFn returns the wrapped Gorgonia InitWFn
func (i *InitWFn) InitWFn() G.InitWFn {
	return i.initWFn
}

// String implements the fmt.Stringer interface
func (i *InitWFn) String() string {
	return fmt.Sprintf("{%v InitWFn: %v}", i.Type, i.Config)
}

// MarshalJSON implements the json.Marshaler interface
func (i *InitWFn) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type   Type
		Config Config
	}{i.Type, i.Config})
}

// UnmarshalJSON implements the json.Unmarshaler interface
func (i *InitWFn) UnmarshalJSON(data []byte) error {
	config, typeName, err := unmarshalConfig(data, "Type", "Config",
		registered)
	if err != nil {
		return err
	}

	i.Type = typeName
	i.Config = config
	i.initWFn = i.Config.Create()

	return nil
}

// UnmarshalYAML implements the yaml.Unmarshaler interface. The YAML
// encoding has the same {Type, Config} layout as the JSON encoding.
func (i *InitWFn) UnmarshalYAML(value *yaml.Node) error {
	m := map[string]interface{}{}
	if err := value.Decode(&m); err != nil {
		return fmt.Errorf("unmarshalYAML: %v", err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("unmarshalYAML: %v", err)
	}
	return i.UnmarshalJSON(data)
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
		return nil, "", fmt.Errorf("unmarshalConfig: unknown InitWFn "+
			"type %v", typeName)
	}
	value := reflect.New(ty).Interface()

	if m[valueJsonField] != nil {
		valueBytes, err := json.Marshal(m[valueJsonField])
		if err != nil {
			return nil, "", err
		}
		if err = json.Unmarshal(valueBytes, value); err != nil {
			return nil, "", err
		}
	}
	concreteValue := reflect.ValueOf(value).Elem().Interface().(Config)

	return concreteValue, Type(typeName), nil
}

// Config implements a Gorgonia InitWFn configuration and can be used to
// create the described Gorgonia InitWFn's.
type Config interface {
	// Create returns the Gorgonia InitWFn that the Config describes
	Create() G.InitWFn

	// Type returns the type of Gorgonia InitWFn that is returned
	Type() Type
}
