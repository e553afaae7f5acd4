// Package physics provides the forward lensing simulator consumed by the
// inference engine: a differentiable-by-construction map from a background
// source and a convergence field to an observed lensed image, together with
// the closed-form gradient of the data-fidelity functional.
package physics

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Model is the contract the inference engine consumes. Implementations must
// be stateless across calls: repeated calls with identical arguments return
// identical results, and the gradient must be mathematically consistent with
// the forward map.
type Model interface {
	// Forward simulates the lensed image for physical-space source and
	// convergence estimates. All tensors are NCHW with one channel.
	Forward(source, kappa, psf *tensor.Dense) (*tensor.Dense, error)

	// Gradient evaluates the data-fidelity gradient of the simulated image
	// against the observation, with respect to both fields, along with the
	// per-sample chi-squared diagnostics.
	Gradient(source, kappa, observed *tensor.Dense, noiseRMS []float32, psf *tensor.Dense) (*Gradients, error)
}

// Gradients packs the per-field gradient grids and the chi-squared
// diagnostic for each sample in the batch.
type Gradients struct {
	Source     *tensor.Dense
	Kappa      *tensor.Dense
	ChiSquared []float32
}

// Method selects how the simulator evaluates its convolutions.
type Method int

const (
	// MethodDirect evaluates convolutions by direct summation.
	MethodDirect Method = iota
	// MethodFFT evaluates convolutions in the frequency domain.
	MethodFFT

	maxMethod
)

var methodNames = [...]string{
	MethodDirect: "conv2d",
	MethodFFT:    "fft",
}

func (m Method) String() string {
	if m < 0 || m >= maxMethod {
		return "unknown"
	}
	return methodNames[m]
}

// ParseMethod resolves a forward-method name.
func ParseMethod(name string) (Method, error) {
	for m, n := range methodNames {
		if n == name {
			return Method(m), nil
		}
	}
	return 0, errors.Errorf("unknown forward method %q", name)
}
