package compress

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestForStorage(t *testing.T) {
	out := ForStorage([]float32{1, 2, 3, 4}, 2)
	require.Len(t, out, 2)
	assert.InDelta(t, 1.0, norm(out), 1e-6)
}

func TestForStorageZeroVector(t *testing.T) {
	out := ForStorage([]float32{0, 0, 0, 0}, 2)
	require.Len(t, out, 2)
	assert.Zero(t, out[0])
	assert.Zero(t, out[1])
}

func TestForStorageDeterministic(t *testing.T) {
	a := ForStorage([]float32{0.3, -1.2, 4.4, 0.9, 2.1}, 3)
	b := ForStorage([]float32{0.3, -1.2, 4.4, 0.9, 2.1}, 3)
	assert.Equal(t, a, b)
}

func TestForStorageTargetLargerThanInput(t *testing.T) {
	out := ForStorage([]float32{3, 4}, 8)
	require.Len(t, out, 2)
	assert.InDelta(t, 0.6, out[0], 1e-6)
	assert.InDelta(t, 0.8, out[1], 1e-6)
}

func TestCodecRoundTrip(t *testing.T) {
	c := &Codec{TargetDim: 4}
	summary := c.Summarize([]float32{1, -2, 3, -4, 5, -6, 7, -8})
	require.Len(t, summary, 4)

	codes := c.Encode(summary)
	require.Len(t, codes, 4)

	decoded := c.Decode(codes)
	for i := range summary {
		assert.InDelta(t, summary[i], decoded[i], 0.01)
	}
}

func TestApproxSimilarity(t *testing.T) {
	c := &Codec{TargetDim: 4}
	a := c.Encode(c.Summarize([]float32{1, 2, 3, 4}))
	b := c.Encode(c.Summarize([]float32{1, 2, 3, 4}))
	assert.InDelta(t, 1.0, c.ApproxSimilarity(a, b), 0.05)

	opp := c.Encode(c.Summarize([]float32{-1, -2, -3, -4}))
	assert.InDelta(t, -1.0, c.ApproxSimilarity(a, opp), 0.05)
}
