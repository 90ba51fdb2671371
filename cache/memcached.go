package cache

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/cockroachdb/errors"
)

// MemcacheClient is the subset of *memcache.Client used by the Memcached cache.
type MemcacheClient interface {
	Get(key string) (*memcache.Item, error)
	GetMulti(keys []string) (map[string]*memcache.Item, error)
	Set(item *memcache.Item) error
	Add(item *memcache.Item) error
	Delete(key string) error
	Increment(key string, delta uint64) (uint64, error)
	Decrement(key string, delta uint64) (uint64, error)
	FlushAll() error
}

var _ MemcacheClient = (*memcache.Client)(nil)

// maxRelativeExpiration is the longest expiration memcached reads as relative seconds.
const maxRelativeExpiration = 30 * 24 * time.Hour

type memcachedCache struct {
	client MemcacheClient
	cfg    config
}

var _ Cache = (*memcachedCache)(nil)

// NewMemcached returns a Cache backed by memcached. The client owns its own network timeouts,
// so WithQueryTimeout does not apply. Clear flushes every key of the servers, prefix or not.
func NewMemcached(client MemcacheClient, opts ...Option) (Cache, error) {
	if client == nil {
		return nil, errors.New("cache: memcached client is required")
	}
	cfg, err := applyOptions("memcached", TextIntCodec(MsgpackCodec{}), opts)
	if err != nil {
		return nil, err
	}
	return &memcachedCache{client: client, cfg: cfg}, nil
}

func (c *memcachedCache) prefixKey(key string) string {
	return c.cfg.prefix + key
}

// expiration converts a timeout to memcached's expiration field: whole seconds rounded up,
// or an absolute unix time when longer than 30 days.
func (c *memcachedCache) expiration(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	secs := int64(math.Ceil(d.Seconds()))
	if d > maxRelativeExpiration {
		secs += c.cfg.now().Unix()
	}
	return int32(secs)
}

func (c *memcachedCache) item(key string, val any, d time.Duration) (*memcache.Item, bool) {
	data, err := c.cfg.codec.Marshal(val)
	if err != nil {
		c.cfg.logger.Warn("cannot encode key %q: %s", key, err)
		return nil, false
	}
	return &memcache.Item{Key: c.prefixKey(key), Value: data, Expiration: c.expiration(d)}, true
}

func (c *memcachedCache) Get(_ context.Context, key string) (any, bool) {
	it, err := c.client.Get(c.prefixKey(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, false
	}
	if err != nil {
		c.cfg.logger.Warn("get %q failed: %s", key, err)
		return nil, false
	}
	val, err := c.cfg.codec.Unmarshal(it.Value)
	if err != nil {
		c.cfg.logger.Warn("cannot decode key %q: %s", key, err)
		return nil, false
	}
	return val, true
}

func (c *memcachedCache) Set(ctx context.Context, key string, val any, timeout ...time.Duration) bool {
	d := c.cfg.timeoutFor(timeout)
	if d < 0 {
		c.Delete(ctx, key)
		return true
	}
	it, ok := c.item(key, val, d)
	if !ok {
		return false
	}
	if err := c.client.Set(it); err != nil {
		c.cfg.logger.Warn("set %q failed: %s", key, err)
		return false
	}
	return true
}

func (c *memcachedCache) Add(ctx context.Context, key string, val any, timeout ...time.Duration) bool {
	d := c.cfg.timeoutFor(timeout)
	if d < 0 {
		return !c.Has(ctx, key)
	}
	it, ok := c.item(key, val, d)
	if !ok {
		return false
	}
	err := c.client.Add(it)
	if errors.Is(err, memcache.ErrNotStored) {
		return false
	}
	if err != nil {
		c.cfg.logger.Warn("add %q failed: %s", key, err)
		return false
	}
	return true
}

func (c *memcachedCache) Delete(_ context.Context, key string) bool {
	err := c.client.Delete(c.prefixKey(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return false
	}
	if err != nil {
		c.cfg.logger.Warn("delete %q failed: %s", key, err)
		return false
	}
	return true
}

func (c *memcachedCache) Has(_ context.Context, key string) bool {
	_, err := c.client.Get(c.prefixKey(key))
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		c.cfg.logger.Warn("get %q failed: %s", key, err)
	}
	return err == nil
}

func (c *memcachedCache) GetMany(ctx context.Context, keys ...string) []any {
	values := make([]any, len(keys))
	if len(keys) == 0 {
		return values
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = c.prefixKey(key)
	}
	items, err := c.client.GetMulti(prefixed)
	if err != nil {
		c.cfg.logger.Warn("get_multi failed: %s", err)
		return values
	}
	for i, key := range prefixed {
		it, ok := items[key]
		if !ok {
			continue
		}
		val, err := c.cfg.codec.Unmarshal(it.Value)
		if err != nil {
			c.cfg.logger.Warn("cannot decode key %q: %s", keys[i], err)
			continue
		}
		values[i] = val
	}
	return values
}

func (c *memcachedCache) GetDict(ctx context.Context, keys ...string) map[string]any {
	return getDict(ctx, c, keys)
}

func (c *memcachedCache) SetMany(ctx context.Context, mapping map[string]any, timeout ...time.Duration) []string {
	return setMany(ctx, c, mapping, timeout)
}

func (c *memcachedCache) DeleteMany(ctx context.Context, keys ...string) []string {
	return deleteMany(ctx, c, keys)
}

// Clear flushes the whole server, including keys outside the prefix.
func (c *memcachedCache) Clear(_ context.Context) bool {
	if err := c.client.FlushAll(); err != nil {
		c.cfg.logger.Warn("flush_all failed: %s", err)
		return false
	}
	return true
}

// Inc uses memcached's incr, adding the key on a miss. Memcached counters are unsigned, so
// decrementing below zero clamps at 0.
func (c *memcachedCache) Inc(ctx context.Context, key string, delta int64) (int64, bool) {
	if isSigned(c.cfg.codec) {
		return incr(ctx, c, c.cfg.logger, key, delta)
	}
	k := c.prefixKey(key)
	apply := func() (uint64, error) {
		if delta < 0 {
			return c.client.Decrement(k, uint64(-delta))
		}
		return c.client.Increment(k, uint64(delta))
	}
	for attempt := 0; attempt < 2; attempt++ {
		n, err := apply()
		if err == nil {
			return int64(n), true
		}
		if !errors.Is(err, memcache.ErrCacheMiss) {
			c.cfg.logger.Warn("incr %q failed: %s", key, err)
			return 0, false
		}
		// A missing counter decremented clamps at 0 like an existing one.
		initial := max(delta, 0)
		it := &memcache.Item{
			Key:        k,
			Value:      strconv.AppendInt(nil, initial, 10),
			Expiration: c.expiration(c.cfg.defaultTimeout),
		}
		err = c.client.Add(it)
		if err == nil {
			return initial, true
		}
		if !errors.Is(err, memcache.ErrNotStored) {
			c.cfg.logger.Warn("incr %q failed: %s", key, err)
			return 0, false
		}
	}
	return 0, false
}

func (c *memcachedCache) Dec(ctx context.Context, key string, delta int64) (int64, bool) {
	return c.Inc(ctx, key, -delta)
}

func (c *memcachedCache) Close() error {
	return nil
}
