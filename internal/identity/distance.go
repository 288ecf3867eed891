package identity

import (
	"fmt"
	"math"
)

// Metric names a dissimilarity function over embeddings. The names match the
// pgvector operators used when the search is pushed down to Postgres.
type Metric string

const (
	Euclidean Metric = "euclidean"
	Cosine    Metric = "cosine"
)

// DistanceFunc returns a non-negative dissimilarity; 0 means identical.
type DistanceFunc func(a, b []float32) float64

// Func returns the distance function for m.
func (m Metric) Func() (DistanceFunc, error) {
	switch m {
	case Euclidean:
		return EuclideanDistance, nil
	case Cosine:
		return CosineDistance, nil
	default:
		return nil, fmt.Errorf("unknown metric %q", string(m))
	}
}

// EuclideanDistance is the L2 distance. Mismatched lengths are infinitely far apart.
func EuclideanDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// CosineDistance computes 1 - cosine similarity, in [0, 2].
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2.0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 2.0
	}

	similarity := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] for floating point error.
	if similarity > 1 {
		similarity = 1
	}
	if similarity < -1 {
		similarity = -1
	}
	return 1 - similarity
}
