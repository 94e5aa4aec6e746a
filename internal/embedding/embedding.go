// Package embedding compares face embeddings produced by the external
// detection service. Vectors are float32 on the wire and in storage;
// arithmetic is done in float64.
package embedding

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrDimensionMismatch is returned when the two vectors differ in length
	// or are empty.
	ErrDimensionMismatch = errors.New("embedding: dimension mismatch")
	// ErrZeroNorm is returned when either vector has zero magnitude; cosine
	// similarity is undefined for it.
	ErrZeroNorm = errors.New("embedding: zero-norm vector")
)

// Cosine returns the cosine similarity of a and b in [-1, 1].
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, ErrDimensionMismatch
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, ErrZeroNorm
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] to absorb floating point error.
	if sim > 1 {
		sim = 1
	}
	if sim < -1 {
		sim = -1
	}
	return sim, nil
}

// Matches reports whether a and b are the same face under the given
// threshold. The comparison is strict: a similarity exactly equal to the
// threshold is not a match.
func Matches(a, b []float32, threshold float64) (bool, float64, error) {
	sim, err := Cosine(a, b)
	if err != nil {
		return false, 0, err
	}
	return sim > threshold, sim, nil
}

// Marshal serializes a vector as a JSON array. The representation
// round-trips float32 values exactly.
func Marshal(v []float32) (string, error) {
	if len(v) == 0 {
		return "", errors.New("embedding: empty vector")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("embedding: marshal: %w", err)
	}
	return string(raw), nil
}

// Unmarshal parses a vector previously produced by Marshal.
func Unmarshal(s string) ([]float32, error) {
	var v []float32
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("embedding: unmarshal: %w", err)
	}
	if len(v) == 0 {
		return nil, errors.New("embedding: empty vector")
	}
	return v, nil
}
