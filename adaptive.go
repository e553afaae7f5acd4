package rim

import (
	"github.com/chewxy/math32"
	"gorgonia.org/vecf32"
)

// Decay constants of the per-pixel adaptive preconditioner. The interface
// leaves them free; these are the conventional first/second-moment values.
const (
	adaptiveBeta1   = 0.9
	adaptiveBeta2   = 0.999
	adaptiveEpsilon = 1e-8
)

// adaptiveState holds elementwise first and second moment running averages
// of the data-fidelity gradient for one field. When the adaptive update is
// enabled, the raw gradient signal is replaced by its bias-corrected
// moment-normalized form before it reaches the network.
type adaptiveState struct {
	m, v []float32
	t    int
}

func newAdaptiveState(n int) *adaptiveState {
	return &adaptiveState{
		m: make([]float32, n),
		v: make([]float32, n),
	}
}

// precondition rescales g in place.
func (a *adaptiveState) precondition(g []float32) {
	a.t++
	tmp := borrowScratch(len(g))
	defer returnScratch(tmp)

	copy(tmp, g)
	vecf32.Scale(tmp, 1-adaptiveBeta1)
	vecf32.Scale(a.m, adaptiveBeta1)
	vecf32.Add(a.m, tmp)

	copy(tmp, g)
	vecf32.Mul(tmp, g)
	vecf32.Scale(tmp, 1-adaptiveBeta2)
	vecf32.Scale(a.v, adaptiveBeta2)
	vecf32.Add(a.v, tmp)

	c1 := 1 - math32.Pow(adaptiveBeta1, float32(a.t))
	c2 := 1 - math32.Pow(adaptiveBeta2, float32(a.t))
	for i := range g {
		mhat := a.m[i] / c1
		vhat := a.v[i] / c2
		g[i] = mhat / (math32.Sqrt(vhat) + adaptiveEpsilon)
	}
}
