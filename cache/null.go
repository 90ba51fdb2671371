package cache

import (
	"context"
	"time"
)

type nullCache struct{}

var _ Cache = nullCache{}

// NewNull returns a Cache that stores nothing. Writes report success so callers behave as if
// caching worked; reads always miss.
func NewNull() Cache {
	return nullCache{}
}

func (nullCache) Get(context.Context, string) (any, bool) { return nil, false }

func (nullCache) Set(context.Context, string, any, ...time.Duration) bool { return true }

func (nullCache) Add(context.Context, string, any, ...time.Duration) bool { return true }

func (nullCache) Delete(context.Context, string) bool { return true }

func (nullCache) Has(context.Context, string) bool { return false }

func (nullCache) GetMany(_ context.Context, keys ...string) []any {
	return make([]any, len(keys))
}

func (nullCache) GetDict(_ context.Context, keys ...string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		out[key] = nil
	}
	return out
}

func (c nullCache) SetMany(ctx context.Context, mapping map[string]any, timeout ...time.Duration) []string {
	return setMany(ctx, c, mapping, timeout)
}

func (nullCache) DeleteMany(_ context.Context, keys ...string) []string {
	return append([]string{}, keys...)
}

func (nullCache) Clear(context.Context) bool { return true }

func (nullCache) Inc(_ context.Context, _ string, delta int64) (int64, bool) { return delta, true }

func (nullCache) Dec(_ context.Context, _ string, delta int64) (int64, bool) { return -delta, true }

func (nullCache) Close() error { return nil }
