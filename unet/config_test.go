package unet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfIsValid(t *testing.T) {
	conf := DefaultConf(2)
	assert.True(t, conf.IsValid())
}

func TestConfigValidation(t *testing.T) {
	conf := DefaultConf(2)
	conf.Filters = 0
	assert.False(t, conf.IsValid())

	conf = DefaultConf(2)
	conf.DropoutRate = 1
	assert.False(t, conf.IsValid())

	conf = DefaultConf(2)
	conf.Strides = 1
	assert.False(t, conf.IsValid())

	conf = DefaultConf(2)
	conf.FilterCap = 1
	assert.False(t, conf.IsValid())
}

func TestFiltersAt(t *testing.T) {
	conf := DefaultConf(2)
	conf.Filters = 32
	conf.FilterScaling = 2
	conf.FilterCap = 100
	assert.Equal(t, 32, conf.FiltersAt(0))
	assert.Equal(t, 64, conf.FiltersAt(1))
	assert.Equal(t, 100, conf.FiltersAt(2), "cap kicks in")

	conf.FilterScaling = 1
	assert.Equal(t, 32, conf.FiltersAt(3))
}

func TestDownsampling(t *testing.T) {
	conf := DefaultConf(2)
	conf.Layers = 3
	conf.Strides = 2
	assert.Equal(t, 8, conf.Downsampling())

	conf.Layers = 0
	assert.Equal(t, 1, conf.Downsampling())
}

func TestStateShape(t *testing.T) {
	conf := DefaultConf(2)
	conf.BatchSize = 3
	conf.Layers = 2
	conf.Strides = 2
	bf := conf.BottleneckFilters()
	assert.Equal(t, []int{3, 2 * bf, 8, 8}, conf.StateShape(32))
}

func TestParseActivation(t *testing.T) {
	for _, name := range []string{"linear", "relu", "leaky_relu", "tanh", "sigmoid", "swish"} {
		a, err := ParseActivation(name)
		assert.NoError(t, err, name)
		assert.Equal(t, name, a.String())
	}
	_, err := ParseActivation("gelu")
	assert.Error(t, err)
}

func TestParseInitializer(t *testing.T) {
	for _, name := range []string{"glorot_uniform", "glorot_normal", "random_uniform", "random_normal"} {
		i, err := ParseInitializer(name)
		assert.NoError(t, err, name)
		assert.Equal(t, name, i.String())
	}
	_, err := ParseInitializer("zeros")
	assert.Error(t, err)
}

func TestParseGRUArch(t *testing.T) {
	a, err := ParseGRUArch("concat")
	assert.NoError(t, err)
	assert.Equal(t, GRUConcat, a)
	a, err = ParseGRUArch("plus")
	assert.NoError(t, err)
	assert.Equal(t, GRUPlus, a)
	_, err = ParseGRUArch("lstm")
	assert.Error(t, err)
}
