package util

import "math"

// Similarity returns the cosine similarity between two embeddings.
func Similarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// MeanVector returns the mean vector of a set of embedding vectors.
func MeanVector(vectors [][]float64) (mean []float64) {
	if len(vectors) == 0 {
		return
	}
	size := len(vectors[0])
	mean = make([]float64, size)
	for dim := 0; dim < size; dim++ {
		var sum float64
		for i := 0; i < len(vectors); i++ {
			sum += vectors[i][dim]
		}
		mean[dim] = sum / float64(len(vectors))
	}
	return mean
}

// StringInSlice returns true if str is in list.
func StringInSlice(str string, list []string) bool {
	for _, v := range list {
		if v == str {
			return true
		}
	}
	return false
}
