package rim

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func denseOf(xs ...float32) *tensor.Dense {
	return tensor.New(tensor.WithShape(1, 1, 1, len(xs)), tensor.WithBacking(xs))
}

func TestParseLink(t *testing.T) {
	for _, name := range []string{"identity", "exponential", "rectified", "normalized"} {
		_, err := ParseLink(name)
		assert.NoError(t, err, name)
	}
	_, err := ParseLink("banana")
	assert.Error(t, err)
}

func TestLinkIdentity(t *testing.T) {
	in := denseOf(-1, 0, 2.5)
	out, err := LinkIdentity.Forward(in)
	require.NoError(t, err)
	assert.Equal(t, in.Data(), out.Data())

	inv, flagged, err := LinkIdentity.Inverse(out)
	require.NoError(t, err)
	assert.False(t, flagged)
	assert.Equal(t, in.Data(), inv.Data())
}

func TestLinkExponentialRoundTrip(t *testing.T) {
	in := denseOf(0.001, 1, 100)
	fwd, err := LinkExponential.Forward(in)
	require.NoError(t, err)
	// log10 of the inputs
	assert.InDelta(t, -3, fwd.Data().([]float32)[0], 1e-5)
	assert.InDelta(t, 0, fwd.Data().([]float32)[1], 1e-5)
	assert.InDelta(t, 2, fwd.Data().([]float32)[2], 1e-5)

	inv, flagged, err := LinkExponential.Inverse(fwd)
	require.NoError(t, err)
	assert.False(t, flagged)
	got := inv.Data().([]float32)
	want := in.Data().([]float32)
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-4)
	}
}

func TestLinkExponentialRejectsNonPositive(t *testing.T) {
	_, err := LinkExponential.Forward(denseOf(1, 0, 2))
	assert.Error(t, err)
	_, err = LinkExponential.Forward(denseOf(-3))
	assert.Error(t, err)
}

func TestLinkRectifiedClampIsNotFlagged(t *testing.T) {
	inv, flagged, err := LinkRectified.Inverse(denseOf(-2, 0.5))
	require.NoError(t, err)
	assert.False(t, flagged, "clamping at zero is part of the map, not a violation")
	got := inv.Data().([]float32)
	assert.Equal(t, float32(0), got[0])
	assert.Equal(t, float32(0.5), got[1])
}

func TestLinkNormalizedFlagsOutOfRange(t *testing.T) {
	inv, flagged, err := LinkNormalized.Inverse(denseOf(-3))
	require.NoError(t, err)
	assert.True(t, flagged)
	got := inv.Data().([]float32)
	assert.True(t, got[0] >= 0 && got[0] <= 1)
}

func TestLinkInverseFlagsNonFinite(t *testing.T) {
	_, flagged, err := LinkIdentity.Inverse(denseOf(math32.NaN()))
	require.NoError(t, err)
	assert.True(t, flagged)

	_, flagged, err = LinkExponential.Inverse(denseOf(math32.Inf(1)))
	require.NoError(t, err)
	assert.True(t, flagged)
}
