package unet

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// Initializer selects the weight initialization scheme.
type Initializer int

const (
	InitGlorotUniform Initializer = iota
	InitGlorotNormal
	InitRandomUniform
	InitRandomNormal

	maxInitializer
)

var initializerNames = [...]string{
	InitGlorotUniform: "glorot_uniform",
	InitGlorotNormal:  "glorot_normal",
	InitRandomUniform: "random_uniform",
	InitRandomNormal:  "random_normal",
}

func (i Initializer) String() string {
	if i < 0 || i >= maxInitializer {
		return "unknown"
	}
	return initializerNames[i]
}

func ParseInitializer(name string) (Initializer, error) {
	for i, n := range initializerNames {
		if n == name {
			return Initializer(i), nil
		}
	}
	return 0, errors.Errorf("unknown initializer %q", name)
}

func (i Initializer) initFn() G.InitWFn {
	switch i {
	case InitGlorotNormal:
		return G.GlorotN(1.0)
	case InitRandomUniform:
		return G.Uniform(-0.05, 0.05)
	case InitRandomNormal:
		return G.Gaussian(0, 0.05)
	default:
		return G.GlorotU(1.0)
	}
}

// GRUArch selects the gating parameterization of the recurrent cells. Both
// architectures share the same block wiring.
type GRUArch int

const (
	// GRUConcat computes each gate from a single convolution over the
	// channel-concatenation of input and state.
	GRUConcat GRUArch = iota
	// GRUPlus computes each gate from separate input and state convolutions
	// summed with a bias.
	GRUPlus

	maxGRUArch
)

var gruArchNames = [...]string{
	GRUConcat: "concat",
	GRUPlus:   "plus",
}

func (a GRUArch) String() string {
	if a < 0 || a >= maxGRUArch {
		return "unknown"
	}
	return gruArchNames[a]
}

func ParseGRUArch(name string) (GRUArch, error) {
	for a, n := range gruArchNames {
		if n == name {
			return GRUArch(a), nil
		}
	}
	return 0, errors.Errorf("unknown recurrent architecture %q", name)
}
