package rim

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// StepWeighting distributes the training loss over the refinement steps.
// Every scheme sums to one over the T steps.
type StepWeighting int

const (
	StepUniform StepWeighting = iota
	StepLinear
	StepQuadratic

	maxStepWeighting
)

var stepWeightingNames = [...]string{
	StepUniform:   "uniform",
	StepLinear:    "linear",
	StepQuadratic: "quadratic",
}

func (s StepWeighting) String() string {
	if s < 0 || s >= maxStepWeighting {
		return "unknown"
	}
	return stepWeightingNames[s]
}

func ParseStepWeighting(name string) (StepWeighting, error) {
	for s, n := range stepWeightingNames {
		if n == name {
			return StepWeighting(s), nil
		}
	}
	return 0, errors.Errorf("unknown step weighting %q", name)
}

// Weights returns the per-step weights for a T-step unroll.
func (s StepWeighting) Weights(steps int) []float32 {
	w := make([]float32, steps)
	t := float32(steps)
	for i := range w {
		k := float32(i + 1)
		switch s {
		case StepLinear:
			w[i] = 2 * k / t / (t + 1)
		case StepQuadratic:
			w[i] = 6 * k * k / t / (t + 1) / (2*t + 1)
		default:
			w[i] = 1 / t
		}
	}
	return w
}

// PixelWeighting distributes the per-field residual loss over pixels, based
// on the physical-space ground truth. Every scheme normalizes to one per
// sample.
type PixelWeighting int

const (
	PixelUniform PixelWeighting = iota
	PixelLinear
	PixelQuadratic
	PixelSqrt

	maxPixelWeighting
)

var pixelWeightingNames = [...]string{
	PixelUniform:   "uniform",
	PixelLinear:    "linear",
	PixelQuadratic: "quadratic",
	PixelSqrt:      "sqrt",
}

func (p PixelWeighting) String() string {
	if p < 0 || p >= maxPixelWeighting {
		return "unknown"
	}
	return pixelWeightingNames[p]
}

func ParsePixelWeighting(name string) (PixelWeighting, error) {
	for p, n := range pixelWeightingNames {
		if n == name {
			return PixelWeighting(p), nil
		}
	}
	return 0, errors.Errorf("unknown pixel weighting %q", name)
}

// Map builds the per-pixel weight map for a batch of physical-space ground
// truth fields, normalized per sample.
func (p PixelWeighting) Map(truth *tensor.Dense) *tensor.Dense {
	out := truth.Clone().(*tensor.Dense)
	data := out.Data().([]float32)
	shape := truth.Shape()
	plane := shape[1] * shape[2] * shape[3]
	for s := 0; s < shape[0]; s++ {
		sample := data[s*plane : (s+1)*plane]
		var sum float32
		for i, v := range sample {
			switch p {
			case PixelLinear:
				// keep v
			case PixelQuadratic:
				sample[i] = v * v
			case PixelSqrt:
				sample[i] = math32.Sqrt(v)
			default:
				sample[i] = 1
			}
			sum += sample[i]
		}
		if sum != 0 {
			for i := range sample {
				sample[i] /= sum
			}
		}
	}
	return out
}

// Loss is the doubly-weighted multi-step training objective: per-step
// weights times per-pixel weights times squared residual in model space,
// normalized by batch size.
type Loss struct {
	Steps  StepWeighting
	Source PixelWeighting
	Kappa  PixelWeighting
}

func (l Loss) valid() bool {
	return l.Steps >= 0 && l.Steps < maxStepWeighting &&
		l.Source >= 0 && l.Source < maxPixelWeighting &&
		l.Kappa >= 0 && l.Kappa < maxPixelWeighting
}

// Report carries the scalar diagnostics of one batch.
type Report struct {
	Cost       float32
	ChiSquared float32 // final-step chi-squared, averaged over the batch
	SourceCost float32 // final-step source residual, averaged over the batch
	KappaCost  float32 // final-step kappa residual, averaged over the batch
}

// Eval computes the loss of a finished trace against physical-space ground
// truth. The truth fields are mapped into model space with the engine's
// links before the residual is taken.
func (l Loss) Eval(trace *Trace, truthSource, truthKappa *tensor.Dense, sourceLink, kappaLink Link) (Report, error) {
	var rep Report
	if len(trace.Steps) == 0 {
		return rep, errors.Errorf("cannot evaluate the loss of an empty trace")
	}
	linkS, err := sourceLink.Forward(truthSource)
	if err != nil {
		return rep, err
	}
	linkK, err := kappaLink.Forward(truthKappa)
	if err != nil {
		return rep, err
	}
	ws := l.Source.Map(truthSource)
	wk := l.Kappa.Map(truthKappa)
	wt := l.Steps.Weights(len(trace.Steps))
	batch := float32(truthSource.Shape()[0])

	for t, step := range trace.Steps {
		cs := weightedSq(step.Source, linkS, ws)
		ck := weightedSq(step.Kappa, linkK, wk)
		rep.Cost += wt[t] * (cs + ck) / batch
		if t == len(trace.Steps)-1 {
			rep.SourceCost = cs / batch
			rep.KappaCost = ck / batch
			for _, x := range step.ChiSquared {
				rep.ChiSquared += x
			}
			rep.ChiSquared /= batch
		}
	}
	return rep, nil
}

func weightedSq(est, truth, w *tensor.Dense) float32 {
	e := est.Data().([]float32)
	t := truth.Data().([]float32)
	ws := w.Data().([]float32)
	var acc float32
	for i := range e {
		d := e[i] - t[i]
		acc += ws[i] * d * d
	}
	return acc
}
