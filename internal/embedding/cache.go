package embedding

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/anima-ai/anima/internal/metrics"
	"github.com/anima-ai/anima/internal/models"
)

// Cache is the process-local embedding cache: fingerprint → vector with
// TTL and bounded capacity. It is never shared across processes; stale
// entries age out by TTL rather than invalidation.
type Cache struct {
	lru     *expirable.LRU[string, models.Vector]
	maxSize int

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache builds the cache. Zero or negative arguments fall back to
// the deployment defaults (10k entries, 1 hour).
func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		lru:     expirable.NewLRU[string, models.Vector](size, nil, ttl),
		maxSize: size,
	}
}

// Key fingerprints the input text; the same hash family keys memory
// deduplication.
func (c *Cache) Key(text string) string {
	return models.Fingerprint(text)
}

// Get returns the cached vector for the fingerprint, counting the
// outcome.
func (c *Cache) Get(key string) (models.Vector, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
		metrics.EmbeddingCacheHits.Inc()
		return v, true
	}
	c.misses.Add(1)
	metrics.EmbeddingCacheMisses.Inc()
	return nil, false
}

// Set stores a vector; at capacity the least recently used entry is
// evicted.
func (c *Cache) Set(key string, v models.Vector) {
	c.lru.Add(key, v)
}

// Stats is the cache snapshot surfaced on the metrics route.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hitRate"`
	Size    int     `json:"size"`
	MaxSize int     `json:"maxSize"`
}

// Stats reads the current counters.
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Hits:    hits,
		Misses:  misses,
		HitRate: rate,
		Size:    c.lru.Len(),
		MaxSize: c.maxSize,
	}
}
