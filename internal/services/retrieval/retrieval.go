// Package retrieval coordinates embedding backends, the embedding cache and
// the vector store to fetch user-scoped documents for prompt augmentation.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/persona-ai-gateway/internal/config"
	"github.com/persona-ai-gateway/internal/models"
	"github.com/persona-ai-gateway/internal/services/embedcache"
	"github.com/persona-ai-gateway/internal/services/embedding"
	"github.com/persona-ai-gateway/internal/services/vectorstore"
	"github.com/sirupsen/logrus"
)

// ErrUnavailable marks retrieval failures that are recoverable: the chat
// flow degrades to an empty document set instead of failing the request.
var ErrUnavailable = errors.New("retrieval unavailable")

// MetricsRecorder receives cache and retrieval outcome counts. May be nil.
type MetricsRecorder interface {
	RecordCacheHit()
	RecordCacheMiss()
	RecordRetrieval(status string)
}

// Coordinator runs the query-embed-search pipeline.
type Coordinator struct {
	embeddings   *embedding.Registry
	store        vectorstore.Store
	cache        *embedcache.Cache // nil when caching is disabled
	collection   string
	defaultLimit int
	metrics      MetricsRecorder
	logger       *logrus.Logger
}

// NewCoordinator creates a retrieval coordinator.
func NewCoordinator(cfg *config.RetrievalConfig, embeddings *embedding.Registry, store vectorstore.Store, cache *embedcache.Cache, metrics MetricsRecorder, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		embeddings:   embeddings,
		store:        store,
		cache:        cache,
		collection:   cfg.Collection,
		defaultLimit: cfg.DefaultLimit,
		metrics:      metrics,
		logger:       logger,
	}
}

// Retrieve embeds the query and returns the user's most similar documents,
// best first. Every failure along the pipeline is reported as
// ErrUnavailable so callers can degrade rather than abort.
func (c *Coordinator) Retrieve(ctx context.Context, provider, userID, query string, limit int) ([]models.RetrievedDocument, error) {
	if limit <= 0 {
		limit = c.defaultLimit
	}

	vector, err := c.EmbedText(ctx, provider, query, true)
	if err != nil {
		c.logger.WithError(err).WithField("user_id", userID).Warn("Query embedding failed, degrading to no documents")
		c.recordRetrieval("degraded")
		return nil, fmt.Errorf("%w: embed query: %v", ErrUnavailable, err)
	}

	hits, err := c.store.Search(ctx, c.collection, vector, limit, map[string]string{"user_id": userID})
	if err != nil {
		c.logger.WithError(err).WithField("user_id", userID).Warn("Vector search failed, degrading to no documents")
		c.recordRetrieval("degraded")
		return nil, fmt.Errorf("%w: search: %v", ErrUnavailable, err)
	}

	docs := make([]models.RetrievedDocument, len(hits))
	for i, hit := range hits {
		docs[i] = models.RetrievedDocument{
			ID:             hit.ID,
			Text:           hit.Text,
			RelevanceScore: hit.Score,
			Metadata:       hit.Metadata,
		}
	}

	c.recordRetrieval("ok")
	return docs, nil
}

// EmbedText embeds a single text, consulting the cache when useCache is set.
// Vectors are normalized to unit length before caching or returning.
func (c *Coordinator) EmbedText(ctx context.Context, provider, text string, useCache bool) ([]float64, error) {
	if useCache && c.cache != nil {
		if vector, found := c.cache.Get(text); found {
			if c.metrics != nil {
				c.metrics.RecordCacheHit()
			}
			return vector, nil
		}
		if c.metrics != nil {
			c.metrics.RecordCacheMiss()
		}
	}

	backend, err := c.embeddings.Backend(provider)
	if err != nil {
		return nil, err
	}

	vector, err := backend.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	vector = Normalize(vector)

	if useCache && c.cache != nil {
		c.cache.Set(text, vector)
	}

	return vector, nil
}

// EmbedBatch embeds several texts in one backend call. The batch path skips
// the cache; it serves document ingestion, not repeated queries.
func (c *Coordinator) EmbedBatch(ctx context.Context, provider string, texts []string) ([][]float64, error) {
	backend, err := c.embeddings.Backend(provider)
	if err != nil {
		return nil, err
	}

	vectors, err := backend.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}

	for i := range vectors {
		vectors[i] = Normalize(vectors[i])
	}
	return vectors, nil
}

// StoreDocuments embeds and upserts texts into the user's document space,
// returning the assigned document IDs in input order.
func (c *Coordinator) StoreDocuments(ctx context.Context, provider, userID string, texts []string, metadata map[string]string) ([]string, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors, err := c.EmbedBatch(ctx, provider, texts)
	if err != nil {
		return nil, fmt.Errorf("embed documents: %w", err)
	}

	storedAt := time.Now().UTC().Format(time.RFC3339)
	ids := make([]string, len(texts))
	points := make([]vectorstore.Point, len(texts))
	for i, text := range texts {
		meta := make(map[string]string, len(metadata)+2)
		for k, v := range metadata {
			meta[k] = v
		}
		meta["user_id"] = userID
		meta["stored_at"] = storedAt

		ids[i] = uuid.NewString()
		points[i] = vectorstore.Point{
			ID:       ids[i],
			Vector:   vectors[i],
			Text:     text,
			Metadata: meta,
		}
	}

	if err := c.store.Upsert(ctx, c.collection, points); err != nil {
		return nil, fmt.Errorf("upsert documents: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"count":   len(points),
	}).Info("Stored documents")

	return ids, nil
}

// DeleteDocuments removes documents by ID within the user's scope, or the
// user's entire document space when no IDs are given.
func (c *Coordinator) DeleteDocuments(ctx context.Context, userID string, ids []string) error {
	return c.store.Delete(ctx, c.collection, map[string]string{"user_id": userID}, ids)
}

func (c *Coordinator) recordRetrieval(status string) {
	if c.metrics != nil {
		c.metrics.RecordRetrieval(status)
	}
}

// Normalize scales a vector to unit length so cosine similarity reduces to
// a dot product. Zero vectors are returned unchanged.
func Normalize(vector []float64) []float64 {
	var norm float64
	for _, v := range vector {
		norm += v * v
	}
	if norm == 0 {
		return vector
	}

	norm = math.Sqrt(norm)
	normalized := make([]float64, len(vector))
	for i, v := range vector {
		normalized[i] = v / norm
	}
	return normalized
}
