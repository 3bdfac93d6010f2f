package vectorstore

import (
	"context"
	"strings"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// MemoryStore keeps points in an in-memory cache. Intended for single-node
// deployments and tests.
type MemoryStore struct {
	points *cache.Cache
	logger *logrus.Logger
}

// NewMemoryStore creates an in-memory vector store.
func NewMemoryStore(logger *logrus.Logger) *MemoryStore {
	return &MemoryStore{
		points: cache.New(cache.NoExpiration, cache.NoExpiration),
		logger: logger,
	}
}

func pointKey(collection, id string) string {
	return collection + ":" + id
}

// Upsert stores or replaces points by ID.
func (s *MemoryStore) Upsert(ctx context.Context, collection string, points []Point) error {
	for _, point := range points {
		p := point
		s.points.Set(pointKey(collection, point.ID), &p, cache.NoExpiration)
	}
	return nil
}

// Search returns the filter-matching points ranked by cosine similarity.
func (s *MemoryStore) Search(ctx context.Context, collection string, queryVector []float64, limit int, filter map[string]string) ([]Hit, error) {
	prefix := collection + ":"

	var hits []Hit
	for key, item := range s.points.Items() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		point := item.Object.(*Point)
		if !matchesFilter(point.Metadata, filter) {
			continue
		}
		hits = append(hits, Hit{
			ID:       point.ID,
			Score:    cosineSimilarity(queryVector, point.Vector),
			Text:     point.Text,
			Metadata: point.Metadata,
		})
	}

	sortHits(hits)

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	return hits, nil
}

// Delete removes the filter-matching points with the given IDs, or every
// filter-matching point when no IDs are given.
func (s *MemoryStore) Delete(ctx context.Context, collection string, filter map[string]string, ids []string) error {
	if len(ids) > 0 {
		for _, id := range ids {
			key := pointKey(collection, id)
			item, found := s.points.Get(key)
			if !found {
				continue
			}
			if matchesFilter(item.(*Point).Metadata, filter) {
				s.points.Delete(key)
			}
		}
		return nil
	}

	prefix := collection + ":"
	for key, item := range s.points.Items() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if matchesFilter(item.Object.(*Point).Metadata, filter) {
			s.points.Delete(key)
		}
	}

	return nil
}
