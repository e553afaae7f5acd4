package rim

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/asterope/rim/physics"
)

func TestSli(t *testing.T) {
	s := sli(2, 5)
	assert.Equal(t, 2, s.Start())
	assert.Equal(t, 5, s.End())
	assert.Equal(t, 1, s.Step())
	assert.Equal(t, 3, sli(0, 9, 3).Step())
}

func TestManyErr(t *testing.T) {
	errs := manyErr{errors.New("one"), errors.New("two")}
	msg := errs.Error()
	assert.Contains(t, msg, "one")
	assert.Contains(t, msg, "two")
}

func TestShardKeepsRank(t *testing.T) {
	a := tensor.New(tensor.WithShape(2, 1, 4, 4), tensor.Of(tensor.Float32))
	data := a.Data().([]float32)
	for i := range data {
		data[i] = float32(i)
	}
	var sl slicer
	out := sl.shard(a, 1, 1)
	require.NoError(t, sl.err)
	assert.True(t, out.Shape().Eq(tensor.Shape{1, 1, 4, 4}), "shard shape %v", out.Shape())
	assert.Equal(t, float32(16), out.Data().([]float32)[0], "shard must hold the second sample")
}

func TestNewReplicasValidation(t *testing.T) {
	_, err := NewReplicas(0, tinyRIMConf(1), TrainConfig{LearnRate: 1e-3}, tinyStub())
	assert.Error(t, err)
}

func TestReplicasShareInitialWeights(t *testing.T) {
	g, err := NewReplicas(2, tinyRIMConf(1), TrainConfig{
		Mode:      ModeTruncated,
		Loss:      Loss{Steps: StepUniform, Source: PixelUniform, Kappa: PixelUniform},
		LearnRate: 1e-3,
	}, tinyStub())
	require.NoError(t, err)
	defer g.Close()

	assert.Equal(t, 2, g.Size())
	pw := g.rims[0].model.Weights()
	sw := g.rims[1].model.Weights()
	for i := range pw {
		assert.Equal(t, pw[i].Value().Data(), sw[i].Value().Data(), "weight %d", i)
	}
}

func TestReplicasFitBatch(t *testing.T) {
	g, err := NewReplicas(2, tinyRIMConf(1), TrainConfig{
		Mode:      ModeTruncated,
		Loss:      Loss{Steps: StepUniform, Source: PixelUniform, Kappa: PixelUniform},
		LearnRate: 1e-3,
		Clip:      5,
	}, tinyStub())
	require.NoError(t, err)
	defer g.Close()

	mk := func(fill float32) *tensor.Dense {
		d := tensor.New(tensor.WithShape(2, 1, 8, 8), tensor.Of(tensor.Float32))
		data := d.Data().([]float32)
		for i := range data {
			data[i] = fill
		}
		return d
	}
	obs := Observation{
		Lens:     mk(0),
		NoiseRMS: []float32{0.1, 0.1},
		PSF:      physics.GaussianPSF(2, 3, 1.0),
	}

	// wrong super-batch size
	_, err = g.FitBatch(Observation{
		Lens:     tensor.New(tensor.WithShape(3, 1, 8, 8), tensor.Of(tensor.Float32)),
		NoiseRMS: []float32{0.1, 0.1, 0.1},
		PSF:      physics.GaussianPSF(3, 3, 1.0),
	}, mk(0.5), mk(0.5))
	assert.Error(t, err)

	rep, err := g.FitBatch(obs, mk(0.5), mk(0.5))
	require.NoError(t, err)
	assert.True(t, rep.Cost > 0)

	// after the step every replica carries the primary's parameters
	pw := g.rims[0].model.Weights()
	sw := g.rims[1].model.Weights()
	for i := range pw {
		assert.Equal(t, pw[i].Value().Data(), sw[i].Value().Data(), "weight %d", i)
	}
}
