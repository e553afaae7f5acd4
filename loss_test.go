package rim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestStepWeightsSumToOne(t *testing.T) {
	for _, scheme := range []StepWeighting{StepUniform, StepLinear, StepQuadratic} {
		for _, steps := range []int{1, 4, 10} {
			w := scheme.Weights(steps)
			require.Len(t, w, steps)
			var sum float32
			for _, x := range w {
				sum += x
			}
			assert.InDelta(t, 1, sum, 1e-5, "%v over %d steps", scheme, steps)
		}
	}
}

func TestStepWeightsFavourLateSteps(t *testing.T) {
	lin := StepLinear.Weights(4)
	quad := StepQuadratic.Weights(4)
	for i := 1; i < 4; i++ {
		assert.True(t, lin[i] > lin[i-1])
		assert.True(t, quad[i] > quad[i-1])
	}
	// quadratic concentrates more mass on the last step than linear
	assert.True(t, quad[3] > lin[3])
}

func TestPixelWeightMapNormalizesPerSample(t *testing.T) {
	truth := tensor.New(tensor.WithShape(2, 1, 2, 2), tensor.WithBacking([]float32{
		1, 2, 3, 4,
		10, 0, 0, 0,
	}))
	for _, scheme := range []PixelWeighting{PixelUniform, PixelLinear, PixelQuadratic, PixelSqrt} {
		w := scheme.Map(truth)
		data := w.Data().([]float32)
		for s := 0; s < 2; s++ {
			var sum float32
			for i := 0; i < 4; i++ {
				sum += data[s*4+i]
			}
			assert.InDelta(t, 1, sum, 1e-5, "%v sample %d", scheme, s)
		}
	}
	// uniform ignores the truth values entirely
	u := PixelUniform.Map(truth).Data().([]float32)
	for _, x := range u {
		assert.InDelta(t, 0.25, x, 1e-6)
	}
}

func TestLossEvalHandComputed(t *testing.T) {
	// two steps, one sample, 2x2 maps, identity links, uniform weights
	truth := tensor.New(tensor.WithShape(1, 1, 2, 2), tensor.WithBacking([]float32{1, 1, 1, 1}))
	step1 := tensor.New(tensor.WithShape(1, 1, 2, 2), tensor.WithBacking([]float32{0, 0, 0, 0}))
	step2 := tensor.New(tensor.WithShape(1, 1, 2, 2), tensor.WithBacking([]float32{1, 1, 1, 3}))

	trace := &Trace{
		Steps: []Step{
			{Source: step1, Kappa: step1.Clone().(*tensor.Dense), ChiSquared: []float32{9}},
			{Source: step2, Kappa: step2.Clone().(*tensor.Dense), ChiSquared: []float32{2}},
		},
	}
	l := Loss{Steps: StepUniform, Source: PixelUniform, Kappa: PixelUniform}
	rep, err := l.Eval(trace, truth, truth.Clone().(*tensor.Dense), LinkIdentity, LinkIdentity)
	require.NoError(t, err)

	// step 1: residual 1 everywhere, weight 1/4 per pixel, so cost 1 per field
	// step 2: one pixel off by 2, so cost 4/4 = 1 per field
	// total: 0.5*(1+1) + 0.5*(1+1) = 2
	assert.InDelta(t, 2, rep.Cost, 1e-5)
	assert.InDelta(t, 1, rep.SourceCost, 1e-5)
	assert.InDelta(t, 1, rep.KappaCost, 1e-5)
	assert.InDelta(t, 2, rep.ChiSquared, 1e-5)
}

func TestLossEvalRejectsEmptyTrace(t *testing.T) {
	truth := tensor.New(tensor.WithShape(1, 1, 2, 2), tensor.Of(tensor.Float32))
	l := Loss{}
	_, err := l.Eval(&Trace{}, truth, truth, LinkIdentity, LinkIdentity)
	assert.Error(t, err)
}
