package physics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGaussianPSFNormalized(t *testing.T) {
	psf := GaussianPSF(3, 7, 2.0)
	data := psf.Data().([]float32)
	for s := 0; s < 3; s++ {
		var sum float32
		for i := 0; i < 49; i++ {
			sum += data[s*49+i]
		}
		assert.InDelta(t, 1, sum, 1e-5, "sample %d", s)
	}
	// peak at the center
	center := 3*7 + 3
	for i := 0; i < 49; i++ {
		assert.True(t, data[center] >= data[i])
	}
}

func TestGaussianSourcePeak(t *testing.T) {
	// centered on a pixel center, the sampled maximum is the amplitude
	src := GaussianSource(1, 16, 2.0, 0.0625, 0.0625, 0.2, 1.5)
	data := src.Data().([]float32)
	var max float32
	for _, v := range data {
		assert.True(t, v >= 0)
		if v > max {
			max = v
		}
	}
	assert.InDelta(t, 1.5, max, 1e-5)

	// centered between pixels, the nearest center sits half a pixel away
	src = GaussianSource(1, 16, 2.0, 0, 0, 0.2, 1.5)
	max = 0
	for _, v := range src.Data().([]float32) {
		if v > max {
			max = v
		}
	}
	want := 1.5 * math.Exp(-2*0.0625*0.0625/(2*0.2*0.2))
	assert.InDelta(t, want, max, 1e-4)
}

func TestIsothermalKappaProfile(t *testing.T) {
	kap := IsothermalKappa(1, 16, 4.0, 1.0, 0.1)
	data := kap.Data().([]float32)
	for _, v := range data {
		assert.True(t, v > 0)
	}
	// monotonically falling away from the center along a row
	row := data[8*16:]
	for j := 9; j < 15; j++ {
		assert.True(t, row[j] >= row[j+1])
	}
}
