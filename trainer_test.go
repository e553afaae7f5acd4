package rim

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestParseMode(t *testing.T) {
	m, err := ParseMode("truncated")
	require.NoError(t, err)
	assert.Equal(t, ModeTruncated, m)
	m, err = ParseMode("unrolled")
	require.NoError(t, err)
	assert.Equal(t, ModeUnrolled, m)
	_, err = ParseMode("bptt")
	assert.Error(t, err)
}

func TestTrainConfigValidation(t *testing.T) {
	conf := TrainConfig{LearnRate: 1e-3, Clip: 5}
	assert.True(t, conf.IsValid())
	conf.LearnRate = 0
	assert.False(t, conf.IsValid())
	conf = TrainConfig{LearnRate: 1e-3, Clip: -1}
	assert.False(t, conf.IsValid())
}

func TestClipByGlobalNorm(t *testing.T) {
	gs := [][]float32{{3, 0}, {0, 4}} // norm 5
	clipByGlobalNorm(gs, 10)
	assert.Equal(t, float32(3), gs[0][0], "under the cap nothing changes")

	clipByGlobalNorm(gs, 2.5)
	assert.InDelta(t, 1.5, gs[0][0], 1e-5)
	assert.InDelta(t, 2.0, gs[1][1], 1e-5)

	var sq float32
	for _, g := range gs {
		for _, x := range g {
			sq += x * x
		}
	}
	assert.InDelta(t, 2.5, math32.Sqrt(sq), 1e-5)
}

func trainTruth() (*tensor.Dense, *tensor.Dense) {
	mk := func() *tensor.Dense {
		d := tensor.New(tensor.WithShape(1, 1, 8, 8), tensor.Of(tensor.Float32))
		data := d.Data().([]float32)
		for i := range data {
			data[i] = 0.5
		}
		return d
	}
	return mk(), mk()
}

func TestTruncatedFitBatchMovesWeights(t *testing.T) {
	r, err := New(tinyRIMConf(2), tinyStub())
	require.NoError(t, err)
	defer r.Close()
	tr, err := NewTrainer(TrainConfig{
		Mode:      ModeTruncated,
		Loss:      Loss{Steps: StepUniform, Source: PixelUniform, Kappa: PixelUniform},
		LearnRate: 1e-3,
		Clip:      5,
	}, r)
	require.NoError(t, err)
	defer tr.Close()

	before := append([]float32(nil), r.Model().Weights()[0].Value().Data().([]float32)...)

	truthS, truthK := trainTruth()
	rep, err := tr.FitBatch(tinyObservation(), truthS, truthK)
	require.NoError(t, err)
	assert.True(t, rep.Cost > 0, "zero estimates against nonzero truth must cost something")
	assert.Equal(t, 1, tr.Batches())

	after := r.Model().Weights()[0].Value().Data().([]float32)
	moved := false
	for i := range before {
		if before[i] != after[i] {
			moved = true
			break
		}
	}
	assert.True(t, moved, "an optimizer step must move the parameters")
}

func TestUnrolledFitBatch(t *testing.T) {
	r, err := New(tinyRIMConf(2), tinyStub())
	require.NoError(t, err)
	defer r.Close()
	tr, err := NewTrainer(TrainConfig{
		Mode:      ModeUnrolled,
		Loss:      Loss{Steps: StepQuadratic, Source: PixelUniform, Kappa: PixelUniform},
		LearnRate: 1e-3,
		Clip:      5,
	}, r)
	require.NoError(t, err)
	defer tr.Close()

	truthS, truthK := trainTruth()
	rep, err := tr.FitBatch(tinyObservation(), truthS, truthK)
	require.NoError(t, err)
	assert.True(t, rep.Cost > 0)
	assert.InDelta(t, 2.5, rep.ChiSquared, 1e-5, "the stub's chi-squared flows into the report")
}

func TestUnrolledFitBatchFlatNetwork(t *testing.T) {
	// no encode or decode stages, the chain of steps alone must differentiate
	conf := tinyRIMConf(3)
	conf.Unet.Layers = 0
	r, err := New(conf, tinyStub())
	require.NoError(t, err)
	defer r.Close()
	tr, err := NewTrainer(TrainConfig{
		Mode:      ModeUnrolled,
		Loss:      Loss{Steps: StepUniform, Source: PixelUniform, Kappa: PixelUniform},
		LearnRate: 1e-3,
		Clip:      5,
	}, r)
	require.NoError(t, err)
	defer tr.Close()

	truthS, truthK := trainTruth()
	rep, err := tr.FitBatch(tinyObservation(), truthS, truthK)
	require.NoError(t, err)
	assert.True(t, rep.Cost > 0)
}

func TestUnrolledNeedsSteps(t *testing.T) {
	r, err := New(tinyRIMConf(0), tinyStub())
	require.NoError(t, err)
	defer r.Close()
	_, err = NewTrainer(TrainConfig{
		Mode:      ModeUnrolled,
		LearnRate: 1e-3,
	}, r)
	assert.Error(t, err)
}

func TestValidateMatchesLossEval(t *testing.T) {
	r, err := New(tinyRIMConf(2), tinyStub())
	require.NoError(t, err)
	defer r.Close()
	tr, err := NewTrainer(TrainConfig{
		Mode:      ModeTruncated,
		Loss:      Loss{Steps: StepUniform, Source: PixelUniform, Kappa: PixelUniform},
		LearnRate: 1e-3,
	}, r)
	require.NoError(t, err)
	defer tr.Close()

	truthS, truthK := trainTruth()
	rep, err := tr.Validate(tinyObservation(), truthS, truthK)
	require.NoError(t, err)

	trace, err := r.Run(tinyObservation())
	require.NoError(t, err)
	want, err := tr.conf.Loss.Eval(trace, truthS, truthK, LinkIdentity, LinkIdentity)
	require.NoError(t, err)
	assert.InDelta(t, want.Cost, rep.Cost, 1e-5)
}

func TestDecaySchedulePropagates(t *testing.T) {
	r, err := New(tinyRIMConf(1), tinyStub())
	require.NoError(t, err)
	defer r.Close()
	tr, err := NewTrainer(TrainConfig{
		Mode:      ModeTruncated,
		Loss:      Loss{Steps: StepUniform, Source: PixelUniform, Kappa: PixelUniform},
		LearnRate: 1e-3,
		Decay:     &ExponentialDecay{Initial: 1e-3, DecayRate: 0.5, DecaySteps: 1, Staircase: true},
	}, r)
	require.NoError(t, err)
	defer tr.Close()

	assert.InDelta(t, 1e-3, tr.Rate(), 1e-12)
	truthS, truthK := trainTruth()
	_, err = tr.FitBatch(tinyObservation(), truthS, truthK)
	require.NoError(t, err)
	assert.InDelta(t, 5e-4, tr.Rate(), 1e-12)
}
