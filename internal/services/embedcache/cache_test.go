package embedcache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/persona-ai-gateway/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(maxSize int, ttl time.Duration) *Cache {
	return NewCache(&config.CacheConfig{TTL: ttl, MaxSize: maxSize}, nil)
}

func TestSetThenGet(t *testing.T) {
	c := newTestCache(10, time.Hour)

	vec := []float64{0.1, 0.2, 0.3}
	c.Set("hello world", vec)

	got, found := c.Get("hello world")
	require.True(t, found)
	assert.Equal(t, vec, got)
}

func TestGetMiss(t *testing.T) {
	c := newTestCache(10, time.Hour)

	_, found := c.Get("never stored")
	assert.False(t, found)
}

func TestExpiredEntryIsPurged(t *testing.T) {
	c := newTestCache(10, time.Hour)

	now := time.Now()
	c.now = func() time.Time { return now }
	c.Set("stale", []float64{1})

	c.now = func() time.Time { return now.Add(2 * time.Hour) }
	_, found := c.Get("stale")
	assert.False(t, found)
	assert.Equal(t, 0, c.Len())
}

func TestEvictsEarliestInsertedAtCapacity(t *testing.T) {
	c := newTestCache(3, time.Hour)

	c.Set("first", []float64{1})
	c.Set("second", []float64{2})
	c.Set("third", []float64{3})

	// Reading the oldest entry must not promote it.
	_, found := c.Get("first")
	require.True(t, found)

	c.Set("fourth", []float64{4})

	_, found = c.Get("first")
	assert.False(t, found)
	_, found = c.Get("second")
	assert.True(t, found)
	assert.Equal(t, 3, c.Len())
}

func TestResetExistingKeyDoesNotEvict(t *testing.T) {
	c := newTestCache(2, time.Hour)

	c.Set("a", []float64{1})
	c.Set("b", []float64{2})
	c.Set("a", []float64{9})

	got, found := c.Get("a")
	require.True(t, found)
	assert.Equal(t, []float64{9}, got)
	_, found = c.Get("b")
	assert.True(t, found)
}

func TestClear(t *testing.T) {
	c := newTestCache(10, time.Hour)

	c.Set("x", []float64{1})
	c.Clear()

	_, found := c.Get("x")
	assert.False(t, found)
	assert.Equal(t, 0, c.Len())
}

func TestDistinctTextsGetDistinctKeys(t *testing.T) {
	c := newTestCache(10, time.Hour)

	c.Set("alpha", []float64{1})
	c.Set("beta", []float64{2})

	a, _ := c.Get("alpha")
	b, _ := c.Get("beta")
	assert.NotEqual(t, a, b)
}

func TestConcurrentAccess(t *testing.T) {
	c := newTestCache(100, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				text := fmt.Sprintf("text-%d-%d", n, j%10)
				c.Set(text, []float64{float64(j)})
				c.Get(text)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 100)
}
