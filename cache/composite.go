package cache

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

type compositeCache struct {
	caches []Cache
}

var _ Cache = (*compositeCache)(nil)

// NewComposite returns a Cache that chains multiple caches together, fastest first.
// Get checks caches in order and returns the first hit.
// Writes go to all caches concurrently and succeed only if every cache succeeds.
// Inc and Dec run on the last cache, which is treated as authoritative, and copy the result
// to the others.
// At least one cache must be provided; panics if empty.
func NewComposite(caches ...Cache) Cache {
	if len(caches) == 0 {
		panic("cache: NewComposite requires at least one cache")
	}
	return &compositeCache{caches: caches}
}

// fanOut runs fn on every cache concurrently and returns the per-cache results.
func (c *compositeCache) fanOut(fn func(Cache) bool) []bool {
	results := make([]bool, len(c.caches))
	var g errgroup.Group
	for i, cache := range c.caches {
		g.Go(func() error {
			results[i] = fn(cache)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func all(results []bool) bool {
	for _, ok := range results {
		if !ok {
			return false
		}
	}
	return true
}

func anyOf(results []bool) bool {
	for _, ok := range results {
		if ok {
			return true
		}
	}
	return false
}

func (c *compositeCache) Get(ctx context.Context, key string) (any, bool) {
	for _, cache := range c.caches {
		if val, found := cache.Get(ctx, key); found {
			return val, true
		}
	}
	return nil, false
}

func (c *compositeCache) Set(ctx context.Context, key string, val any, timeout ...time.Duration) bool {
	return all(c.fanOut(func(cache Cache) bool {
		return cache.Set(ctx, key, val, timeout...)
	}))
}

// Add fails if any tier holds key, otherwise it sets every tier.
func (c *compositeCache) Add(ctx context.Context, key string, val any, timeout ...time.Duration) bool {
	if c.Has(ctx, key) {
		return false
	}
	return c.Set(ctx, key, val, timeout...)
}

func (c *compositeCache) Delete(ctx context.Context, key string) bool {
	return anyOf(c.fanOut(func(cache Cache) bool {
		return cache.Delete(ctx, key)
	}))
}

func (c *compositeCache) Has(ctx context.Context, key string) bool {
	for _, cache := range c.caches {
		if cache.Has(ctx, key) {
			return true
		}
	}
	return false
}

func (c *compositeCache) GetMany(ctx context.Context, keys ...string) []any {
	return getMany(ctx, c, keys)
}

func (c *compositeCache) GetDict(ctx context.Context, keys ...string) map[string]any {
	return getDict(ctx, c, keys)
}

func (c *compositeCache) SetMany(ctx context.Context, mapping map[string]any, timeout ...time.Duration) []string {
	return setMany(ctx, c, mapping, timeout)
}

func (c *compositeCache) DeleteMany(ctx context.Context, keys ...string) []string {
	return deleteMany(ctx, c, keys)
}

func (c *compositeCache) Clear(ctx context.Context) bool {
	return all(c.fanOut(func(cache Cache) bool {
		return cache.Clear(ctx)
	}))
}

func (c *compositeCache) Inc(ctx context.Context, key string, delta int64) (int64, bool) {
	last := c.caches[len(c.caches)-1]
	n, ok := last.Inc(ctx, key, delta)
	if !ok {
		return 0, false
	}
	for _, cache := range c.caches[:len(c.caches)-1] {
		cache.Set(ctx, key, n)
	}
	return n, true
}

func (c *compositeCache) Dec(ctx context.Context, key string, delta int64) (int64, bool) {
	return c.Inc(ctx, key, -delta)
}

func (c *compositeCache) Close() error {
	var firstErr error
	for _, cache := range c.caches {
		if err := cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
