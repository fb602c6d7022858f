package provider

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"
)

// Cached decorates an Interface with an in-process embedding cache, so
// re-ingesting or re-querying identical text does not pay for another
// provider round-trip. Chat is passed through uncached.
type Cached struct {
	inner Interface
	cache *ristretto.Cache
}

// NewCached wraps inner with a cache bounded to roughly maxBytes of vectors.
// maxBytes <= 0 defaults to 64 MiB.
func NewCached(inner Interface, maxBytes int64) (*Cached, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

var _ Interface = (*Cached)(nil)

// Close releases the cache's background resources.
func (c *Cached) Close() {
	c.cache.Close()
}

// Wait blocks until buffered cache writes are applied. Intended for tests.
func (c *Cached) Wait() {
	c.cache.Wait()
}

func embedKey(text string) uint64 {
	return xxhash.Sum64String(text)
}

// Embed implements Interface.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := embedKey(text)
	if v, ok := c.cache.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, vec, int64(4*len(vec)))
	return vec, nil
}

// EmbedBatch implements Interface. Texts already cached are served locally;
// only the misses are forwarded, preserving input order in the result.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	for i, text := range texts {
		if v, ok := c.cache.Get(embedKey(text)); ok {
			if vec, ok := v.([]float32); ok {
				out[i] = vec
				continue
			}
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) > 0 {
		vecs, err := c.inner.EmbedBatch(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(missTexts) {
			return nil, fmt.Errorf("provider returned %d embeddings for %d texts", len(vecs), len(missTexts))
		}
		for j, vec := range vecs {
			out[missIdx[j]] = vec
			c.cache.Set(embedKey(missTexts[j]), vec, int64(4*len(vec)))
		}
	}
	return out, nil
}

// Chat implements Interface.
func (c *Cached) Chat(ctx context.Context, messages []Message) (string, error) {
	return c.inner.Chat(ctx, messages)
}
