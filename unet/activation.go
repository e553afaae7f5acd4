package unet

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// Activation is a closed set of nonlinearities. Selection is validated once,
// at configuration time; applying an activation never does string comparison.
type Activation int

const (
	ActivationLinear Activation = iota
	ActivationReLU
	ActivationLeakyReLU
	ActivationTanh
	ActivationSigmoid
	ActivationSwish

	maxActivation
)

var activationNames = [...]string{
	ActivationLinear:    "linear",
	ActivationReLU:      "relu",
	ActivationLeakyReLU: "leaky_relu",
	ActivationTanh:      "tanh",
	ActivationSigmoid:   "sigmoid",
	ActivationSwish:     "swish",
}

func (a Activation) String() string {
	if a < 0 || a >= maxActivation {
		return "unknown"
	}
	return activationNames[a]
}

// ParseActivation resolves a name to an Activation. Unrecognized names are a
// configuration error.
func ParseActivation(name string) (Activation, error) {
	for a, n := range activationNames {
		if n == name {
			return Activation(a), nil
		}
	}
	return 0, errors.Errorf("unknown activation %q", name)
}

var activationFns = [...]func(*G.Node) (*G.Node, error){
	ActivationLinear:    func(x *G.Node) (*G.Node, error) { return x, nil },
	ActivationReLU:      G.Rectify,
	ActivationLeakyReLU: func(x *G.Node) (*G.Node, error) { return G.LeakyRelu(x, 0.3) },
	ActivationTanh:      G.Tanh,
	ActivationSigmoid:   G.Sigmoid,
	ActivationSwish:     swish,
}

func swish(x *G.Node) (*G.Node, error) {
	s, err := G.Sigmoid(x)
	if err != nil {
		return nil, err
	}
	return G.HadamardProd(x, s)
}

func (a Activation) fn() func(*G.Node) (*G.Node, error) {
	return activationFns[a]
}
