// Package embedcache holds a bounded, TTL'd cache from normalized text to
// embedding vectors. It is the single structure shared by all in-flight
// requests, so every operation takes the cache mutex; the lock is never
// held across a network call.
package embedcache

import (
	"container/list"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/persona-ai-gateway/internal/config"
	"github.com/sirupsen/logrus"
)

// Cache maps text keys to embedding vectors with TTL expiry and
// insertion-order eviction at capacity. Reads do not promote entries.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = earliest inserted
	ttl     time.Duration
	maxSize int
	logger  *logrus.Logger
	now     func() time.Time
}

type entry struct {
	key        string
	vector     []float64
	insertedAt time.Time
}

// NewCache creates an embedding cache from cache configuration.
func NewCache(cfg *config.CacheConfig, logger *logrus.Logger) *Cache {
	return &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     cfg.TTL,
		maxSize: cfg.MaxSize,
		logger:  logger,
		now:     time.Now,
	}
}

// Get returns the cached vector for text. An entry past its TTL is treated
// as absent and purged as a side effect of the lookup.
func (c *Cache) Get(text string) ([]float64, bool) {
	key := deriveKey(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, found := c.entries[key]
	if !found {
		return nil, false
	}

	e := elem.Value.(*entry)
	if c.now().Sub(e.insertedAt) > c.ttl {
		c.order.Remove(elem)
		delete(c.entries, key)
		if c.logger != nil {
			c.logger.WithField("age", c.now().Sub(e.insertedAt)).Debug("Embedding cache entry expired")
		}
		return nil, false
	}

	return e.vector, true
}

// Set stores a vector for text. At capacity, inserting a new key evicts the
// earliest-inserted entry. The cache stores the vector as given; callers
// are expected to normalize before storing.
func (c *Cache) Set(text string, vector []float64) {
	key := deriveKey(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, found := c.entries[key]; found {
		// Re-set counts as a fresh insert.
		c.order.Remove(elem)
		delete(c.entries, key)
	} else if c.order.Len() >= c.maxSize {
		oldest := c.order.Front()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*entry).key)
		}
	}

	elem := c.order.PushBack(&entry{key: key, vector: vector, insertedAt: c.now()})
	c.entries[key] = elem
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

// Len returns the current number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// deriveKey combines a 64-bit FNV-1a hash of the text with its length so
// that strings colliding on hash alone still get distinct keys.
func deriveKey(text string) string {
	h := fnv.New64a()
	h.Write([]byte(text))
	return fmt.Sprintf("%x:%d", h.Sum64(), len(text))
}
