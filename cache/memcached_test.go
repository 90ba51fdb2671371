package cache

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/agentuity/go-cachelib/logger"
	"github.com/bradfitz/gomemcache/memcache"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMemcacheItem struct {
	value    []byte
	deadline time.Time
}

// fakeMemcache mimics memcached's expiration and counter rules in memory.
type fakeMemcache struct {
	mu       sync.Mutex
	clock    *testClock
	items    map[string]fakeMemcacheItem
	lastItem *memcache.Item
}

var _ MemcacheClient = (*fakeMemcache)(nil)

func newFakeMemcache(clock *testClock) *fakeMemcache {
	return &fakeMemcache{clock: clock, items: make(map[string]fakeMemcacheItem)}
}

func (f *fakeMemcache) deadline(exp int32) time.Time {
	switch {
	case exp == 0:
		return time.Time{}
	case time.Duration(exp)*time.Second <= maxRelativeExpiration:
		return f.clock.Now().Add(time.Duration(exp) * time.Second)
	default:
		return time.Unix(int64(exp), 0)
	}
}

// live must be called with the mutex held.
func (f *fakeMemcache) live(key string) (fakeMemcacheItem, bool) {
	it, ok := f.items[key]
	if !ok {
		return it, false
	}
	if !it.deadline.IsZero() && !f.clock.Now().Before(it.deadline) {
		delete(f.items, key)
		return it, false
	}
	return it, true
}

func (f *fakeMemcache) Get(key string) (*memcache.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.live(key)
	if !ok {
		return nil, memcache.ErrCacheMiss
	}
	return &memcache.Item{Key: key, Value: append([]byte(nil), it.value...)}, nil
}

func (f *fakeMemcache) GetMulti(keys []string) (map[string]*memcache.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*memcache.Item)
	for _, key := range keys {
		if it, ok := f.live(key); ok {
			out[key] = &memcache.Item{Key: key, Value: append([]byte(nil), it.value...)}
		}
	}
	return out, nil
}

func (f *fakeMemcache) Set(item *memcache.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastItem = item
	f.items[item.Key] = fakeMemcacheItem{value: item.Value, deadline: f.deadline(item.Expiration)}
	return nil
}

func (f *fakeMemcache) Add(item *memcache.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live(item.Key); ok {
		return memcache.ErrNotStored
	}
	f.lastItem = item
	f.items[item.Key] = fakeMemcacheItem{value: item.Value, deadline: f.deadline(item.Expiration)}
	return nil
}

func (f *fakeMemcache) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live(key); !ok {
		return memcache.ErrCacheMiss
	}
	delete(f.items, key)
	return nil
}

func (f *fakeMemcache) adjust(key string, delta int64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.live(key)
	if !ok {
		return 0, memcache.ErrCacheMiss
	}
	n, err := strconv.ParseUint(string(it.value), 10, 64)
	if err != nil {
		return 0, errors.New("memcache: client error: cannot increment or decrement non-numeric value")
	}
	next := int64(n) + delta
	if next < 0 {
		next = 0
	}
	it.value = strconv.AppendUint(nil, uint64(next), 10)
	f.items[key] = it
	return uint64(next), nil
}

func (f *fakeMemcache) Increment(key string, delta uint64) (uint64, error) {
	return f.adjust(key, int64(delta))
}

func (f *fakeMemcache) Decrement(key string, delta uint64) (uint64, error) {
	return f.adjust(key, -int64(delta))
}

func (f *fakeMemcache) FlushAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = make(map[string]fakeMemcacheItem)
	return nil
}

func newMemcachedHarness(t *testing.T, opts ...Option) harness {
	t.Helper()
	clk := newTestClock()
	log := logger.NewTestLogger()
	c, err := NewMemcached(newFakeMemcache(clk), append([]Option{WithClock(clk.Now), WithLogger(log)}, opts...)...)
	require.NoError(t, err)
	return harness{cache: c, advance: clk.Advance, log: log}
}

func TestMemcachedRequiresClient(t *testing.T) {
	_, err := NewMemcached(nil)
	assert.Error(t, err)
}

func TestMemcachedExpiration(t *testing.T) {
	clk := newTestClock()
	fake := newFakeMemcache(clk)
	c, err := NewMemcached(fake, WithClock(clk.Now))
	require.NoError(t, err)
	ctx := context.Background()

	c.Set(ctx, "k", "v", 1500*time.Millisecond)
	assert.Equal(t, int32(2), fake.lastItem.Expiration)

	c.Set(ctx, "k", "v", 0)
	assert.Equal(t, int32(0), fake.lastItem.Expiration)

	long := 60 * 24 * time.Hour
	c.Set(ctx, "k", "v", long)
	assert.Equal(t, int32(clk.Now().Add(long).Unix()), fake.lastItem.Expiration)
	clk.Advance(long - time.Hour)
	assert.True(t, c.Has(ctx, "k"))
	clk.Advance(2 * time.Hour)
	assert.False(t, c.Has(ctx, "k"))
}

func TestMemcachedPrefix(t *testing.T) {
	clk := newTestClock()
	fake := newFakeMemcache(clk)
	c, err := NewMemcached(fake, WithPrefix("app:"), WithClock(clk.Now))
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, c.Set(ctx, "k", int64(12)))
	it, err := fake.Get("app:k")
	require.NoError(t, err)
	assert.Equal(t, "12", string(it.Value))
	assert.Equal(t, []any{int64(12), nil}, c.GetMany(ctx, "k", "other"))
}

type racingMemcache struct {
	*fakeMemcache
	raced bool
}

func (r *racingMemcache) Add(item *memcache.Item) error {
	if !r.raced {
		r.raced = true
		r.fakeMemcache.Set(&memcache.Item{Key: item.Key, Value: []byte("10")})
		return memcache.ErrNotStored
	}
	return r.fakeMemcache.Add(item)
}

func TestMemcachedIncRetriesAfterLostAdd(t *testing.T) {
	clk := newTestClock()
	c, err := NewMemcached(&racingMemcache{fakeMemcache: newFakeMemcache(clk)}, WithClock(clk.Now))
	require.NoError(t, err)

	n, ok := c.Inc(context.Background(), "counter", 5)
	assert.True(t, ok)
	assert.Equal(t, int64(15), n)
}

func TestMemcachedDecrementClampsAtZero(t *testing.T) {
	h := newMemcachedHarness(t)
	ctx := context.Background()
	h.cache.Inc(ctx, "n", 2)
	n, ok := h.cache.Dec(ctx, "n", 5)
	assert.True(t, ok)
	assert.Equal(t, int64(0), n)
}

func TestMemcachedDecrementMissingKeyStartsAtZero(t *testing.T) {
	h := newMemcachedHarness(t)
	ctx := context.Background()

	n, ok := h.cache.Dec(ctx, "fresh", 3)
	assert.True(t, ok)
	assert.Equal(t, int64(0), n)

	// The stored counter stays numeric, so native counters keep working.
	n, ok = h.cache.Inc(ctx, "fresh", 4)
	assert.True(t, ok)
	assert.Equal(t, int64(4), n)
	n, ok = h.cache.Dec(ctx, "fresh", 1)
	assert.True(t, ok)
	assert.Equal(t, int64(3), n)
}
