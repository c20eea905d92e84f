package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)

	// Unnormalized inputs compare by angle, not magnitude.
	assert.InDelta(t, 1.0, Cosine([]float32{2, 0}, []float32{7, 0}), 1e-9)

	// Zero vectors never divide by zero.
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 0}))
}

func TestL2Normalize(t *testing.T) {
	v := l2Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(v[1]), 1e-6)

	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, sum, 1e-6)

	zero := l2Normalize([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero)
}

func TestSoftmax(t *testing.T) {
	probs := softmax([]float32{0, 0})
	require.Len(t, probs, 2)
	assert.InDelta(t, 0.5, probs[0], 1e-9)
	assert.InDelta(t, 0.5, probs[1], 1e-9)

	probs = softmax([]float32{-10, 10})
	assert.Greater(t, probs[1], 0.999)

	var sum float64
	for _, p := range softmax([]float32{1.2, -0.4, 3.3}) {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)

	// Large logits must not overflow.
	probs = softmax([]float32{1000, 1001})
	assert.False(t, math.IsNaN(probs[0]))
	assert.Greater(t, probs[1], probs[0])
}
