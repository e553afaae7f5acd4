package rim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExponentialDecay(t *testing.T) {
	d := &ExponentialDecay{Initial: 1e-3, DecayRate: 0.5, DecaySteps: 10}
	assert.InDelta(t, 1e-3, d.At(0), 1e-12)
	assert.InDelta(t, 5e-4, d.At(10), 1e-12)
	assert.InDelta(t, 2.5e-4, d.At(20), 1e-12)
	// smooth decay between boundaries
	assert.True(t, d.At(5) < d.At(0) && d.At(5) > d.At(10))
}

func TestExponentialDecayStaircase(t *testing.T) {
	d := &ExponentialDecay{Initial: 1e-3, DecayRate: 0.5, DecaySteps: 10, Staircase: true}
	assert.InDelta(t, 1e-3, d.At(9), 1e-12)
	assert.InDelta(t, 5e-4, d.At(10), 1e-12)
	assert.InDelta(t, 5e-4, d.At(19), 1e-12)
}

func TestExponentialDecayDegenerateConfig(t *testing.T) {
	d := &ExponentialDecay{Initial: 1e-3}
	assert.InDelta(t, 1e-3, d.At(1000), 1e-12)
}
