// Package vectorstore provides user-scoped vector storage with cosine
// similarity search, backed by Redis or an in-memory cache.
package vectorstore

import (
	"context"
	"math"
	"sort"
)

// Point is a stored document with its embedding vector.
type Point struct {
	ID       string            `json:"id"`
	Vector   []float64         `json:"vector"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Hit is a search result ordered by descending score.
type Hit struct {
	ID       string            `json:"id"`
	Score    float64           `json:"score"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Store is the vector store capability interface.
type Store interface {
	Upsert(ctx context.Context, collection string, points []Point) error
	Search(ctx context.Context, collection string, queryVector []float64, limit int, filter map[string]string) ([]Hit, error)
	Delete(ctx context.Context, collection string, filter map[string]string, ids []string) error
}

// sortHits orders by descending score, breaking score ties by ID so result
// ordering does not depend on map iteration order.
func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}

// matchesFilter reports whether a point's metadata contains every filter pair.
func matchesFilter(metadata map[string]string, filter map[string]string) bool {
	for key, want := range filter {
		if metadata[key] != want {
			return false
		}
	}
	return true
}

// cosineSimilarity calculates cosine similarity between two vectors
func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
