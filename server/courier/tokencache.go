package courier

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// TokenCache is a bounded cache of resolved push tokens with a freshness
// window. It is constructed explicitly and injected where needed; there is no
// process-wide instance.
type TokenCache struct {
	cache *lru.Cache
	ttl   time.Duration
}

type tokenCacheEntry struct {
	tokens   PushTokens
	cachedAt time.Time
}

func NewTokenCache(size int, ttl time.Duration) (*TokenCache, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &TokenCache{cache: cache, ttl: ttl}, nil
}

func (c *TokenCache) Get(addr Address) (PushTokens, bool) {
	v, ok := c.cache.Get(addr)
	if !ok {
		return PushTokens{}, false
	}
	entry := v.(tokenCacheEntry)
	if time.Since(entry.cachedAt) > c.ttl {
		c.cache.Remove(addr)
		return PushTokens{}, false
	}
	return entry.tokens, true
}

func (c *TokenCache) Put(addr Address, tokens PushTokens) {
	c.cache.Add(addr, tokenCacheEntry{tokens: tokens, cachedAt: time.Now()})
}

// Invalidate drops the entry for addr, forcing the next lookup to re-resolve.
func (c *TokenCache) Invalidate(addr Address) {
	c.cache.Remove(addr)
}
