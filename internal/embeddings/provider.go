// Package embeddings generates and caches text embedding vectors.
package embeddings

import (
	"context"
	"math"
)

// Provider generates embedding vectors for texts.
type Provider interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the vector size this provider produces.
	Dimensions() int
	// Model identifies the embedding model (used as the cache key).
	Model() string
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Mismatched or empty vectors score zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
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
