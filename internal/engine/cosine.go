package engine

import "math"

// Cosine returns the cosine similarity of two vectors. It divides by both
// norms even though gallery embeddings arrive normalized, so rows imported
// from older schemas still compare correctly.
func Cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// l2Normalize scales v to unit length in place and returns it.
func l2Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}

// softmax converts raw logits to probabilities.
func softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	max := float64(logits[0])
	for _, x := range logits[1:] {
		if float64(x) > max {
			max = float64(x)
		}
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, x := range logits {
		out[i] = math.Exp(float64(x) - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
