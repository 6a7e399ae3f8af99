package cache

import (
	"time"

	"github.com/maypok86/otter"
)

// MemoryCache is the L1 caching layer, backed by otter's contention-free
// S3-FIFO cache. The eval plane keeps one instance per definition kind
// (flags, segments, experiments).
type MemoryCache[V any] struct {
	store otter.Cache[string, V]
}

// NewMemoryCache initializes an in-memory cache with a hard item cap and a
// TTL. The cap bounds memory; the TTL bounds staleness if an invalidation
// message is lost.
func NewMemoryCache[V any](capacity int, ttl time.Duration) (*MemoryCache[V], error) {
	cache, err := otter.MustBuilder[string, V](capacity).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, err
	}

	return &MemoryCache[V]{store: cache}, nil
}

// Get retrieves a value. The second return reports presence.
func (c *MemoryCache[V]) Get(key string) (V, bool) {
	return c.store.Get(key)
}

// Set adds or updates a value, applying the configured TTL.
func (c *MemoryCache[V]) Set(key string, value V) {
	c.store.Set(key, value)
}

// Del removes a value. Used by the invalidation listener.
func (c *MemoryCache[V]) Del(key string) {
	c.store.Delete(key)
}

// Close shuts down the cache's background goroutines.
func (c *MemoryCache[V]) Close() {
	c.store.Close()
}
