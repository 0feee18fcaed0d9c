package database

import (
	"fmt"
	"math"
)

// MinSimilarity is the similarity reported against a zero-norm vector.
const MinSimilarity = -1.0

// CosineSimilarity computes the cosine similarity between two vectors.
// Returns a value between -1 (opposite) and 1 (identical). Vectors of different
// length are rejected with ErrInvalidInput; a zero vector scores MinSimilarity.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: vector length mismatch (%d != %d)", ErrInvalidInput, len(a), len(b))
	}
	if len(a) == 0 {
		return 0, fmt.Errorf("%w: empty vector", ErrInvalidInput)
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return MinSimilarity, nil
	}

	similarity := dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] to handle floating point errors
	if similarity > 1 {
		similarity = 1
	}
	if similarity < -1 {
		similarity = -1
	}
	return similarity, nil
}

// CosineDistance computes the cosine distance between two vectors.
// Returns a value between 0 (identical) and 2 (opposite); invalid input and zero
// vectors map to the maximum distance.
func CosineDistance(a, b []float32) float64 {
	similarity, err := CosineSimilarity(a, b)
	if err != nil {
		return 2.0
	}
	return 1 - similarity
}

// SimilarityFromDistance converts a cosine distance (pgvector <=>, HNSW) back to
// the similarity convention used by the recognition core.
func SimilarityFromDistance(distance float64) float64 {
	s := 1 - distance
	if math.IsNaN(s) {
		return MinSimilarity
	}
	return max(MinSimilarity, min(1, s))
}

// IsZero reports whether every component of v is zero.
func IsZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// ValidateVector checks that v has exactly dim finite components.
// A dim of 0 disables the dimensionality check.
func ValidateVector(v []float32, dim int) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: empty vector", ErrInvalidInput)
	}
	if dim > 0 && len(v) != dim {
		return fmt.Errorf("%w: expected %d dimensions, got %d", ErrInvalidInput, dim, len(v))
	}
	for i, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return fmt.Errorf("%w: component %d is not finite", ErrInvalidInput, i)
		}
	}
	return nil
}
