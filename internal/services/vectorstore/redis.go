package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RedisStore keeps each collection as a Redis hash of point ID to JSON
// point. Similarity ranking happens in process after loading the
// filter-matching points.
type RedisStore struct {
	client *redis.Client
	logger *logrus.Logger
}

// NewRedisStore creates a Redis-backed vector store.
func NewRedisStore(client *redis.Client, logger *logrus.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger,
	}
}

func collectionKey(collection string) string {
	return fmt.Sprintf("vectors:%s", collection)
}

// Upsert stores or replaces points by ID.
func (s *RedisStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	fields := make(map[string]interface{}, len(points))
	for _, point := range points {
		data, err := json.Marshal(point)
		if err != nil {
			return fmt.Errorf("failed to marshal point %s: %w", point.ID, err)
		}
		fields[point.ID] = data
	}

	if err := s.client.HSet(ctx, collectionKey(collection), fields).Err(); err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	return nil
}

// Search returns the filter-matching points ranked by cosine similarity.
func (s *RedisStore) Search(ctx context.Context, collection string, queryVector []float64, limit int, filter map[string]string) ([]Hit, error) {
	raw, err := s.client.HGetAll(ctx, collectionKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load collection %s: %w", collection, err)
	}

	hits := make([]Hit, 0, len(raw))
	for id, data := range raw {
		var point Point
		if err := json.Unmarshal([]byte(data), &point); err != nil {
			s.logger.WithError(err).WithField("point_id", id).Warn("Skipping unreadable point")
			continue
		}

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
func (s *RedisStore) Delete(ctx context.Context, collection string, filter map[string]string, ids []string) error {
	key := collectionKey(collection)

	if len(ids) > 0 {
		if len(filter) == 0 {
			return s.client.HDel(ctx, key, ids...).Err()
		}

		raw, err := s.client.HMGet(ctx, key, ids...).Result()
		if err != nil {
			return fmt.Errorf("failed to load points: %w", err)
		}

		var toDelete []string
		for i, val := range raw {
			data, ok := val.(string)
			if !ok {
				continue
			}
			var point Point
			if err := json.Unmarshal([]byte(data), &point); err != nil {
				continue
			}
			if matchesFilter(point.Metadata, filter) {
				toDelete = append(toDelete, ids[i])
			}
		}

		if len(toDelete) == 0 {
			return nil
		}
		return s.client.HDel(ctx, key, toDelete...).Err()
	}

	raw, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to load collection %s: %w", collection, err)
	}

	var toDelete []string
	for id, data := range raw {
		var point Point
		if err := json.Unmarshal([]byte(data), &point); err != nil {
			continue
		}
		if matchesFilter(point.Metadata, filter) {
			toDelete = append(toDelete, id)
		}
	}

	if len(toDelete) == 0 {
		return nil
	}

	return s.client.HDel(ctx, key, toDelete...).Err()
}
