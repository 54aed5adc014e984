package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"
)

// sharedCallTimeout bounds a provider call shared by concurrent callers.
const sharedCallTimeout = time.Minute

// CachedEmbedder wraps a Provider and caches vectors by text hash.
// Concurrent requests for the same text share one provider call.
type CachedEmbedder struct {
	inner Provider
	cache *ristretto.Cache
	group singleflight.Group
}

// NewCachedEmbedder caches up to size vectors in front of inner.
func NewCachedEmbedder(inner Provider, size int) (*CachedEmbedder, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(size) * 10,
		MaxCost:     int64(size),
		BufferItems: 64,
		// cost is counted in vectors, not bytes
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

// Embed returns the cached vector for text or asks the inner provider.
// The shared provider call is detached from any one caller's context and
// bounded by sharedCallTimeout; each caller still returns as soon as its
// own ctx is done.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	key := hashKey(text)
	if v, ok := c.cache.Get(key); ok {
		return clone(v.(Vector)), nil
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedCallTimeout)
		defer cancel()
		vec, err := c.inner.Embed(callCtx, text)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, clone(vec), 1)
		c.cache.Wait()
		return vec, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return clone(res.Val.(Vector)), nil
	}
}

func (c *CachedEmbedder) Dims() int { return c.inner.Dims() }

// Close releases the cache's background goroutines.
func (c *CachedEmbedder) Close() {
	c.cache.Close()
}

func hashKey(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

func clone(v Vector) Vector {
	out := make(Vector, len(v))
	copy(out, v)
	return out
}
