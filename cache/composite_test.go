package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTiers(t *testing.T) (Cache, Cache, Cache) {
	t.Helper()
	l1, err := NewSimple(t.Context())
	require.NoError(t, err)
	l2, err := NewSimple(t.Context())
	require.NoError(t, err)
	c := NewComposite(l1, l2)
	t.Cleanup(func() { c.Close() })
	return l1, l2, c
}

func TestCompositePanicOnEmpty(t *testing.T) {
	assert.Panics(t, func() {
		NewComposite()
	})
}

func TestCompositeGetOrder(t *testing.T) {
	ctx := context.Background()
	l1, l2, c := newTiers(t)

	l1.Set(ctx, "key", "from-l1")
	l2.Set(ctx, "key", "from-l2")
	val, found := c.Get(ctx, "key")
	assert.True(t, found)
	assert.Equal(t, "from-l1", val)

	l2.Set(ctx, "only", "from-l2")
	val, found = c.Get(ctx, "only")
	assert.True(t, found)
	assert.Equal(t, "from-l2", val)

	val, found = c.Get(ctx, "missing")
	assert.False(t, found)
	assert.Nil(t, val)
}

func TestCompositeSetAll(t *testing.T) {
	ctx := context.Background()
	l1, l2, c := newTiers(t)

	assert.True(t, c.Set(ctx, "key", "shared", time.Minute))
	for _, tier := range []Cache{l1, l2} {
		val, found := tier.Get(ctx, "key")
		assert.True(t, found)
		assert.Equal(t, "shared", val)
	}
}

func TestCompositeSetFailsWhenAnyTierFails(t *testing.T) {
	ctx := context.Background()
	l1, err := NewSimple(ctx)
	require.NoError(t, err)
	c := NewComposite(l1, failingCache{})

	assert.False(t, c.Set(ctx, "key", "value"))
	// The healthy tier still took the write.
	assert.True(t, l1.Has(ctx, "key"))
	assert.False(t, c.Clear(ctx))
}

func TestCompositeDeleteAny(t *testing.T) {
	ctx := context.Background()
	l1, l2, c := newTiers(t)

	l2.Set(ctx, "key", "value")
	assert.True(t, c.Delete(ctx, "key"))
	assert.False(t, l1.Has(ctx, "key"))
	assert.False(t, l2.Has(ctx, "key"))
	assert.False(t, c.Delete(ctx, "key"))
}

func TestCompositeAddExclusive(t *testing.T) {
	ctx := context.Background()
	l1, l2, c := newTiers(t)

	l2.Set(ctx, "taken", "l2")
	assert.False(t, c.Add(ctx, "taken", "new"))
	assert.False(t, l1.Has(ctx, "taken"))

	assert.True(t, c.Add(ctx, "free", "new"))
	assert.True(t, l1.Has(ctx, "free"))
	assert.True(t, l2.Has(ctx, "free"))
}

func TestCompositeIncUsesLastTier(t *testing.T) {
	ctx := context.Background()
	l1, l2, c := newTiers(t)

	l1.Set(ctx, "n", 100)
	l2.Set(ctx, "n", 5)
	n, ok := c.Inc(ctx, "n", 2)
	assert.True(t, ok)
	assert.Equal(t, int64(7), n)

	val, _ := l1.Get(ctx, "n")
	assert.Equal(t, int64(7), val)

	n, ok = c.Dec(ctx, "n", 10)
	assert.True(t, ok)
	assert.Equal(t, int64(-3), n)
}

func TestCompositeMixedCacheTypes(t *testing.T) {
	ctx := context.Background()
	l1, err := NewSimple(ctx)
	require.NoError(t, err)
	l2, err := NewSQLite(ctx, ":memory:")
	require.NoError(t, err)
	c := NewComposite(l1, l2)
	defer c.Close()

	l2.Set(ctx, "key", "sqlite-value", time.Minute)
	ok, val, err := Get[string](ctx, c, "key")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sqlite-value", val)
}

func TestCompositeCloseReturnsFirstError(t *testing.T) {
	l1, err := NewSimple(context.Background())
	require.NoError(t, err)
	c := NewComposite(l1, failingCache{}, failingCache{})
	assert.ErrorIs(t, c.Close(), errClosed)
}

var errClosed = errors.New("closed")

// failingCache reports failure for every operation.
type failingCache struct{}

func (failingCache) Get(context.Context, string) (any, bool)                 { return nil, false }
func (failingCache) Set(context.Context, string, any, ...time.Duration) bool { return false }
func (failingCache) Add(context.Context, string, any, ...time.Duration) bool { return false }
func (failingCache) Delete(context.Context, string) bool                     { return false }
func (failingCache) Has(context.Context, string) bool                        { return false }
func (f failingCache) GetMany(ctx context.Context, keys ...string) []any {
	return getMany(ctx, f, keys)
}
func (f failingCache) GetDict(ctx context.Context, keys ...string) map[string]any {
	return getDict(ctx, f, keys)
}
func (failingCache) SetMany(context.Context, map[string]any, ...time.Duration) []string { return nil }
func (failingCache) DeleteMany(context.Context, ...string) []string                  { return nil }
func (failingCache) Clear(context.Context) bool                                      { return false }
func (failingCache) Inc(context.Context, string, int64) (int64, bool)                { return 0, false }
func (failingCache) Dec(context.Context, string, int64) (int64, bool)                { return 0, false }
func (failingCache) Close() error                                                    { return errClosed }
