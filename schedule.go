package rim

import "math"

// ExponentialDecay is a staircase-capable exponential learning rate
// schedule: rate = Initial * DecayRate^(step/DecaySteps).
type ExponentialDecay struct {
	Initial    float64
	DecayRate  float64
	DecaySteps int
	Staircase  bool
}

// At returns the learning rate at the given optimizer step.
func (d *ExponentialDecay) At(step int) float64 {
	if d.DecaySteps <= 0 || d.DecayRate <= 0 {
		return d.Initial
	}
	p := float64(step) / float64(d.DecaySteps)
	if d.Staircase {
		p = math.Floor(p)
	}
	return d.Initial * math.Pow(d.DecayRate, p)
}
