package cache

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCacheContract runs the behaviour every Cache implementation shares.
func testCacheContract(t *testing.T, newHarness factory) {
	ctx := context.Background()

	t.Run("get miss", func(t *testing.T) {
		h := newHarness(t)
		val, found := h.cache.Get(ctx, "missing")
		assert.False(t, found)
		assert.Nil(t, val)
		assert.False(t, h.cache.Has(ctx, "missing"))
	})

	t.Run("round trip", func(t *testing.T) {
		h := newHarness(t)
		values := map[string]any{
			"bool":    true,
			"string":  "value",
			"int":     int64(42),
			"neg":     int64(-7),
			"max":     int64(math.MaxInt64),
			"min":     int64(math.MinInt64),
			"huge":    uint64(math.MaxUint64),
			"float":   3.5,
			"bytes":   []byte("raw"),
			"list":    []any{"a", int64(1), false},
			"nested":  map[string]any{"a": int64(1), "b": []any{"x", true}, "c": map[string]any{"d": "e"}},
			"nothing": nil,
		}
		for key, want := range values {
			require.True(t, h.cache.Set(ctx, key, want), key)
			got, found := h.cache.Get(ctx, key)
			assert.True(t, found, key)
			assert.Equal(t, want, got, key)
		}
	})

	t.Run("empty collections", func(t *testing.T) {
		h := newHarness(t)
		require.True(t, h.cache.Set(ctx, "list", []any{}))
		require.True(t, h.cache.Set(ctx, "map", map[string]any{}))
		got, found := h.cache.Get(ctx, "list")
		assert.True(t, found)
		assert.Empty(t, got)
		got, found = h.cache.Get(ctx, "map")
		assert.True(t, found)
		assert.Empty(t, got)
	})

	t.Run("overwrite", func(t *testing.T) {
		h := newHarness(t)
		assert.True(t, h.cache.Set(ctx, "k", "v1"))
		assert.True(t, h.cache.Set(ctx, "k", "v2"))
		got, found := h.cache.Get(ctx, "k")
		assert.True(t, found)
		assert.Equal(t, "v2", got)
		if sizer, ok := h.cache.(Sizer); ok {
			n, ok := sizer.Len(ctx)
			assert.True(t, ok)
			assert.Equal(t, 1, n)
		}
	})

	t.Run("add exclusive", func(t *testing.T) {
		h := newHarness(t)
		assert.True(t, h.cache.Add(ctx, "k", "v1"))
		assert.False(t, h.cache.Add(ctx, "k", "v2"))
		got, _ := h.cache.Get(ctx, "k")
		assert.Equal(t, "v1", got)
	})

	t.Run("add replaces expired", func(t *testing.T) {
		h := newHarness(t)
		assert.True(t, h.cache.Set(ctx, "k", "old", time.Second))
		h.advance(2 * time.Second)
		assert.True(t, h.cache.Add(ctx, "k", "new"))
		got, found := h.cache.Get(ctx, "k")
		assert.True(t, found)
		assert.Equal(t, "new", got)
	})

	t.Run("delete", func(t *testing.T) {
		h := newHarness(t)
		assert.True(t, h.cache.Set(ctx, "k", "v"))
		assert.True(t, h.cache.Delete(ctx, "k"))
		assert.False(t, h.cache.Delete(ctx, "k"))
		_, found := h.cache.Get(ctx, "k")
		assert.False(t, found)
	})

	t.Run("expiration", func(t *testing.T) {
		h := newHarness(t)
		assert.True(t, h.cache.Set(ctx, "short", "v", time.Second))
		assert.True(t, h.cache.Set(ctx, "forever", "v", 0))
		assert.True(t, h.cache.Set(ctx, "default", "v"))
		assert.True(t, h.cache.Has(ctx, "short"))

		h.advance(2 * time.Second)
		assert.False(t, h.cache.Has(ctx, "short"))
		_, found := h.cache.Get(ctx, "short")
		assert.False(t, found)
		assert.True(t, h.cache.Has(ctx, "default"))

		h.advance(DefaultTimeout)
		assert.False(t, h.cache.Has(ctx, "default"))
		assert.True(t, h.cache.Has(ctx, "forever"))

		h.advance(24 * time.Hour)
		assert.True(t, h.cache.Has(ctx, "forever"))
	})

	t.Run("negative timeout", func(t *testing.T) {
		h := newHarness(t)
		assert.True(t, h.cache.Set(ctx, "k", "v"))
		assert.True(t, h.cache.Set(ctx, "k", "v", -time.Second))
		assert.False(t, h.cache.Has(ctx, "k"))
		assert.True(t, h.cache.Set(ctx, "fresh", "v", -time.Second))
		assert.False(t, h.cache.Has(ctx, "fresh"))
	})

	t.Run("get many", func(t *testing.T) {
		h := newHarness(t)
		h.cache.Set(ctx, "a", "1")
		h.cache.Set(ctx, "c", "3")
		assert.Equal(t, []any{"1", nil, "3"}, h.cache.GetMany(ctx, "a", "b", "c"))
		assert.Equal(t, map[string]any{"a": "1", "b": nil, "c": "3"}, h.cache.GetDict(ctx, "a", "b", "c"))
		assert.Empty(t, h.cache.GetMany(ctx))
	})

	t.Run("set many", func(t *testing.T) {
		h := newHarness(t)
		stored := h.cache.SetMany(ctx, map[string]any{"b": int64(2), "a": int64(1), "c": "x"})
		assert.Equal(t, []string{"a", "b", "c"}, stored)
		got, _ := h.cache.Get(ctx, "b")
		assert.Equal(t, int64(2), got)

		h.cache.SetMany(ctx, map[string]any{"t": "v"}, time.Second)
		h.advance(2 * time.Second)
		assert.False(t, h.cache.Has(ctx, "t"))
	})

	t.Run("delete many", func(t *testing.T) {
		h := newHarness(t)
		h.cache.Set(ctx, "a", "1")
		h.cache.Set(ctx, "b", "2")
		assert.Equal(t, []string{"a", "b"}, h.cache.DeleteMany(ctx, "a", "missing", "b"))
		assert.False(t, h.cache.Has(ctx, "a"))
		assert.Empty(t, h.cache.DeleteMany(ctx, "a"))
	})

	t.Run("clear", func(t *testing.T) {
		h := newHarness(t)
		h.cache.Set(ctx, "a", "1")
		h.cache.Set(ctx, "b", "2", 0)
		assert.True(t, h.cache.Clear(ctx))
		assert.False(t, h.cache.Has(ctx, "a"))
		assert.False(t, h.cache.Has(ctx, "b"))
		assert.True(t, h.cache.Set(ctx, "a", "again"))
		assert.True(t, h.cache.Has(ctx, "a"))
	})

	t.Run("increment", func(t *testing.T) {
		h := newHarness(t)
		n, ok := h.cache.Inc(ctx, "x", 5)
		assert.True(t, ok)
		assert.Equal(t, int64(5), n)
		got, found := h.cache.Get(ctx, "x")
		assert.True(t, found)
		assert.Equal(t, int64(5), got)

		n, ok = h.cache.Dec(ctx, "x", 2)
		assert.True(t, ok)
		assert.Equal(t, int64(3), n)

		n, ok = h.cache.Inc(ctx, "x", 1)
		assert.True(t, ok)
		assert.Equal(t, int64(4), n)
	})

	t.Run("increment non integer", func(t *testing.T) {
		h := newHarness(t)
		h.cache.Set(ctx, "s", "text")
		_, ok := h.cache.Inc(ctx, "s", 1)
		assert.False(t, ok)
		got, _ := h.cache.Get(ctx, "s")
		assert.Equal(t, "text", got)
	})

	t.Run("typed get", func(t *testing.T) {
		h := newHarness(t)
		type user struct {
			Name string `msgpack:"name"`
			Age  int    `msgpack:"age"`
		}
		require.True(t, h.cache.Set(ctx, "u", user{Name: "ann", Age: 31}))
		found, u, err := Get[user](ctx, h.cache, "u")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, user{Name: "ann", Age: 31}, u)
	})
}

func TestSimpleContract(t *testing.T) {
	testCacheContract(t, newSimpleHarness)
}

func TestFileSystemContract(t *testing.T) {
	testCacheContract(t, newFileSystemHarness)
}

func TestFileSystemUnboundedContract(t *testing.T) {
	testCacheContract(t, func(t *testing.T, opts ...Option) harness {
		return newFileSystemHarness(t, append(opts, WithThreshold(0))...)
	})
}

func TestSQLiteContract(t *testing.T) {
	testCacheContract(t, newSQLiteHarness)
}

func TestSignedContract(t *testing.T) {
	testCacheContract(t, func(t *testing.T, opts ...Option) harness {
		return newSimpleHarness(t, append(opts, WithSigningKey([]byte("secret")))...)
	})
}

func TestRedisContract(t *testing.T) {
	testCacheContract(t, newRedisHarness)
}

func TestRedisPrefixedSignedContract(t *testing.T) {
	testCacheContract(t, func(t *testing.T, opts ...Option) harness {
		return newRedisHarness(t, append(opts, WithPrefix("app"), WithSigningKey([]byte("secret")))...)
	})
}

func TestMemcachedContract(t *testing.T) {
	testCacheContract(t, newMemcachedHarness)
}

func TestMongoDBContract(t *testing.T) {
	testCacheContract(t, newMongoHarness)
}

func TestDynamoDBContract(t *testing.T) {
	testCacheContract(t, newDynamoHarness)
}

func TestS3Contract(t *testing.T) {
	testCacheContract(t, newS3Harness)
}

func TestCompositeContract(t *testing.T) {
	testCacheContract(t, func(t *testing.T, opts ...Option) harness {
		clk := newTestClock()
		opts = append([]Option{WithClock(clk.Now)}, opts...)
		l1, err := NewSimple(t.Context(), opts...)
		require.NoError(t, err)
		l2, err := NewFileSystem(t.TempDir(), opts...)
		require.NoError(t, err)
		c := NewComposite(l1, l2)
		t.Cleanup(func() { c.Close() })
		return harness{cache: c, advance: clk.Advance}
	})
}

func TestTracedContract(t *testing.T) {
	testCacheContract(t, func(t *testing.T, opts ...Option) harness {
		h := newSimpleHarness(t, opts...)
		h.cache = NewTraced(h.cache, "simple", nil)
		return h
	})
}
