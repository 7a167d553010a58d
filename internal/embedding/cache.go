package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
)

// CachedProvider wraps an embedding provider with a TTL cache keyed by the
// text hash. Repeated queries within a conversation hit the cache instead of
// the embedding server.
type CachedProvider struct {
	provider Provider
	cache    *cache.Cache

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachedProvider caches embeddings for ttl. A ttl of zero keeps entries
// for the lifetime of the provider.
func NewCachedProvider(provider Provider, ttl time.Duration) *CachedProvider {
	expiration, cleanup := cache.NoExpiration, time.Duration(0)
	if ttl > 0 {
		expiration, cleanup = ttl, 2*ttl
	}
	return &CachedProvider{
		provider: provider,
		cache:    cache.New(expiration, cleanup),
	}
}

// Embed returns the cached vector for text or computes and stores it.
func (c *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	key := hashText(text)
	if value, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		return append([]float32(nil), value.([]float32)...), nil
	}

	c.misses.Add(1)
	embedding, err := c.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, append([]float32(nil), embedding...))
	return embedding, nil
}

// Close releases the wrapped provider.
func (c *CachedProvider) Close() error {
	c.cache.Flush()
	return c.provider.Close()
}

// CacheStats returns cache statistics.
func (c *CachedProvider) CacheStats() map[string]interface{} {
	return map[string]interface{}{
		"size":   c.cache.ItemCount(),
		"hits":   c.hits.Load(),
		"misses": c.misses.Load(),
	}
}

func hashText(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:16])
}
