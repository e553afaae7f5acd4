package unet

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func tinyConf() Config {
	conf := DefaultConf(2)
	conf.Filters = 2
	conf.Layers = 1
	conf.BlockConvLayers = 1
	conf.InputKernelSize = 3
	conf.GRUKernelSize = 3
	conf.BatchSize = 1
	return conf
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	conf := tinyConf()
	conf.Filters = 0
	_, err := New(conf)
	assert.Error(t, err)
}

func TestApplyShapes(t *testing.T) {
	conf := tinyConf()
	m, err := New(conf)
	require.NoError(t, err)

	const pixels = 8
	g := m.Graph()
	x := G.NewTensor(g, Float, 4, G.WithShape(1, 2, pixels, pixels), G.WithName("x"))
	h := G.NewTensor(g, Float, 4, G.WithShape(conf.StateShape(pixels)...), G.WithName("h"))

	delta, newState, err := m.Apply(x, h, false)
	require.NoError(t, err)
	assert.True(t, delta.Shape().Eq(tensor.Shape{1, 1, pixels, pixels}), "delta shape %v", delta.Shape())
	assert.True(t, newState.Shape().Eq(tensor.Shape(conf.StateShape(pixels))), "state shape %v", newState.Shape())
}

func TestApplyShapesDeep(t *testing.T) {
	conf := tinyConf()
	conf.Layers = 2
	m, err := New(conf)
	require.NoError(t, err)

	// downsampled twice, so the decode path must restore two scales
	const pixels = 8
	g := m.Graph()
	x := G.NewTensor(g, Float, 4, G.WithShape(1, 2, pixels, pixels), G.WithName("xd"))
	h := G.NewTensor(g, Float, 4, G.WithShape(conf.StateShape(pixels)...), G.WithName("hd"))

	delta, newState, err := m.Apply(x, h, false)
	require.NoError(t, err)
	assert.True(t, delta.Shape().Eq(tensor.Shape{1, 1, pixels, pixels}), "delta shape %v", delta.Shape())
	assert.True(t, newState.Shape().Eq(tensor.Shape(conf.StateShape(pixels))), "state shape %v", newState.Shape())
}

func TestApplyRejectsChannelMismatch(t *testing.T) {
	m, err := New(tinyConf())
	require.NoError(t, err)
	g := m.Graph()
	x := G.NewTensor(g, Float, 4, G.WithShape(1, 3, 8, 8), G.WithName("x"))
	h := G.NewTensor(g, Float, 4, G.WithShape(m.StateShape(8)...), G.WithName("h"))
	_, _, err = m.Apply(x, h, false)
	assert.Error(t, err)
}

func TestApplySharesWeights(t *testing.T) {
	conf := tinyConf()
	m, err := New(conf)
	require.NoError(t, err)
	before := len(m.Weights())

	g := m.Graph()
	for i := 0; i < 3; i++ {
		x := G.NewTensor(g, Float, 4, G.WithShape(1, 2, 8, 8))
		h := G.NewTensor(g, Float, 4, G.WithShape(conf.StateShape(8)...))
		_, _, err := m.Apply(x, h, false)
		require.NoError(t, err)
	}
	assert.Equal(t, before, len(m.Weights()), "repeated application must not mint new parameters")
}

func TestModelRuns(t *testing.T) {
	conf := tinyConf()
	m, err := New(conf)
	require.NoError(t, err)

	const pixels = 8
	g := m.Graph()
	x := G.NewTensor(g, Float, 4, G.WithShape(1, 2, pixels, pixels), G.WithName("x"))
	h := G.NewTensor(g, Float, 4, G.WithShape(conf.StateShape(pixels)...), G.WithName("h"))
	delta, newState, err := m.Apply(x, h, false)
	require.NoError(t, err)

	prog, locMap, err := G.CompileFunction(g, G.Nodes{x, h}, G.Nodes{delta, newState})
	require.NoError(t, err)
	vm := G.NewTapeMachine(g, G.WithPrecompiled(prog, locMap))
	defer vm.Close()

	xv := tensor.New(tensor.WithShape(1, 2, pixels, pixels), tensor.Of(Float))
	require.NoError(t, G.Let(x, xv))
	require.NoError(t, G.Let(h, m.NewState(pixels)))
	require.NoError(t, vm.RunAll())

	assert.True(t, delta.Value().Shape().Eq(tensor.Shape{1, 1, pixels, pixels}))
	assert.True(t, newState.Value().Shape().Eq(tensor.Shape(conf.StateShape(pixels))))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	conf := tinyConf()
	a, err := New(conf)
	require.NoError(t, err)
	b, err := New(conf)
	require.NoError(t, err)

	aw := a.Weights()[0].Value().Data().([]float32)
	bw := b.Weights()[0].Value().Data().([]float32)
	require.False(t, cmp.Equal(aw, bw), "independent initializations should differ")

	filename := filepath.Join(t.TempDir(), "unet.model")
	require.NoError(t, a.Save(filename))
	require.NoError(t, b.Load(filename))

	for i, w := range a.Weights() {
		assert.True(t, cmp.Equal(w.Value().Data(), b.Weights()[i].Value().Data()), "weight %d", i)
	}
}

func TestCopyWeightsFrom(t *testing.T) {
	conf := tinyConf()
	a, err := New(conf)
	require.NoError(t, err)
	b, err := New(conf)
	require.NoError(t, err)

	require.NoError(t, b.CopyWeightsFrom(a))
	for i, w := range a.Weights() {
		assert.True(t, cmp.Equal(w.Value().Data(), b.Weights()[i].Value().Data()), "weight %d", i)
	}
}
