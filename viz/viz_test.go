package viz

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func testMap(vals ...float32) *tensor.Dense {
	return tensor.New(tensor.WithShape(1, 1, 2, 2), tensor.WithBacking(vals))
}

func TestRenderProducesPNG(t *testing.T) {
	r := NewRenderer()
	var buf bytes.Buffer
	err := r.Render(&buf,
		Panel{Title: "observed", Data: testMap(0, 1, 2, 3)},
		Panel{Title: "residual", Data: testMap(-1, 0, 0, 1)},
	)
	require.NoError(t, err)

	img, err := png.Decode(&buf)
	require.NoError(t, err)
	b := img.Bounds()
	assert.True(t, b.Dx() > 0 && b.Dy() > 0)
}

func TestRenderRejectsEmptyInput(t *testing.T) {
	r := NewRenderer()
	var buf bytes.Buffer
	assert.Error(t, r.Render(&buf))

	bad := tensor.New(tensor.WithShape(2, 2), tensor.Of(tensor.Float32))
	assert.Error(t, r.Render(&buf, Panel{Title: "bad", Data: bad}))
}

func TestRampEndpoints(t *testing.T) {
	lo := ramp(0)
	hi := ramp(1)
	mid := ramp(0.5)
	assert.Equal(t, uint8(255), lo.B)
	assert.Equal(t, uint8(0), lo.R)
	assert.Equal(t, uint8(255), hi.R)
	assert.Equal(t, uint8(0), hi.B)
	assert.Equal(t, uint8(255), mid.R)
	assert.Equal(t, uint8(255), mid.B)

	nan := ramp(math32.NaN())
	assert.Equal(t, uint8(255), nan.G)
}

func TestRenderConstantMap(t *testing.T) {
	// a flat map must not divide by a zero span
	r := NewRenderer()
	var buf bytes.Buffer
	err := r.Render(&buf, Panel{Title: "flat", Data: testMap(1, 1, 1, 1)})
	require.NoError(t, err)
}
