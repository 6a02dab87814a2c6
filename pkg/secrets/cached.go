package secrets

import (
	"context"
	"time"
)

// CachedProvider wraps a Provider with the in-memory TTL cache so
// repeated lookups of the same secret do not hit the secrets API.
// Errors are never cached.
type CachedProvider struct {
	inner Provider
	cache *Cache[map[string]string]
}

// NewCachedProvider wraps inner with a TTL cache.
func NewCachedProvider(inner Provider, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		inner: inner,
		cache: NewCache[map[string]string](ttl),
	}
}

// GetSecret returns the cached value when fresh, otherwise resolves
// through the wrapped provider and caches the result.
func (p *CachedProvider) GetSecret(ctx context.Context, key string) (map[string]string, error) {
	if values, ok := p.cache.Get(key); ok {
		return values, nil
	}
	values, err := p.inner.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	p.cache.Put(key, values)
	return values, nil
}

// Invalidate drops a cached secret so the next lookup refetches it
// (e.g. after a rotation).
func (p *CachedProvider) Invalidate(key string) {
	p.cache.Bust(key)
}

// StartCleaner runs background eviction of expired entries until stop
// is closed.
func (p *CachedProvider) StartCleaner(interval time.Duration, stop <-chan struct{}) {
	p.cache.StartCleaner(interval, stop)
}
