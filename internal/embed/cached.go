package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultQueryCacheSize is the number of query embeddings kept in memory.
const DefaultQueryCacheSize = 256

// CachedProvider wraps a Provider with an in-process LRU for query
// embeddings, so repeated searches skip the provider round trip. Batch
// embedding is passed through untouched; the durable chunk-vector cache
// lives in the index store.
type CachedProvider struct {
	inner Provider
	cache *lru.Cache[string, []float32]
}

var _ Provider = (*CachedProvider)(nil)

// NewCachedProvider wraps inner with a query LRU of the given size.
func NewCachedProvider(inner Provider, size int) *CachedProvider {
	if size <= 0 {
		size = DefaultQueryCacheSize
	}
	cache, _ := lru.New[string, []float32](size)
	return &CachedProvider{inner: inner, cache: cache}
}

// cacheKey hashes text with the model so model switches never alias.
func (c *CachedProvider) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(c.inner.ProviderID() + "/" + c.inner.ModelID() + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// EmbedQuery returns a cached vector when available.
func (c *CachedProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey(text)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}
	vec, err := c.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vec)
	return vec, nil
}

// EmbedBatch passes through to the inner provider.
func (c *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return c.inner.EmbedBatch(ctx, texts)
}

// ProviderID identifies the inner provider.
func (c *CachedProvider) ProviderID() string { return c.inner.ProviderID() }

// ModelID identifies the inner model.
func (c *CachedProvider) ModelID() string { return c.inner.ModelID() }

// Close closes the inner provider.
func (c *CachedProvider) Close() error { return c.inner.Close() }
