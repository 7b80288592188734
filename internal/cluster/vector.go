package cluster

import "math"

// Cosine returns the cosine similarity of two raw vectors. Centroids are
// deliberately not renormalized, so similarity is always computed on the
// raw magnitudes. Mismatched or empty vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// emaShift moves centroid towards sample: (1−α)·centroid + α·sample.
func emaShift(centroid, sample []float32, alpha float64) []float32 {
	if len(centroid) != len(sample) {
		out := make([]float32, len(sample))
		copy(out, sample)
		return out
	}
	out := make([]float32, len(centroid))
	for i := range centroid {
		out[i] = float32((1-alpha)*float64(centroid[i]) + alpha*float64(sample[i]))
	}
	return out
}

// weightedMean combines two centroids by their cluster sizes.
func weightedMean(a []float32, wa int, b []float32, wb int) []float32 {
	if len(a) != len(b) || wa+wb == 0 {
		if len(a) >= len(b) {
			return a
		}
		return b
	}
	total := float64(wa + wb)
	out := make([]float32, len(a))
	for i := range a {
		out[i] = float32((float64(a[i])*float64(wa) + float64(b[i])*float64(wb)) / total)
	}
	return out
}
