package cache

import (
	"context"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisCache struct {
	client *redis.Client
	cfg    config
}

var _ Cache = (*redisCache)(nil)

// NewRedis returns a new Cache backed by Redis.
// Integers are stored as decimal text so Inc and Dec map onto INCRBY and DECRBY; with a signing
// key they fall back to read-modify-write. Expiry uses native Redis TTL.
// The caller owns the redis.Client lifecycle; Close is a no-op on the client.
func NewRedis(client *redis.Client, opts ...Option) (Cache, error) {
	cfg, err := applyOptions("redis", TextIntCodec(MsgpackCodec{}), opts)
	if err != nil {
		return nil, err
	}
	return &redisCache{client: client, cfg: cfg}, nil
}

func (c *redisCache) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

func (c *redisCache) prefixKey(key string) string {
	if c.cfg.prefix == "" {
		return key
	}
	return c.cfg.prefix + ":" + key
}

func (c *redisCache) decode(key string, data []byte) (any, bool) {
	val, err := c.cfg.codec.Unmarshal(data)
	if err != nil {
		c.cfg.logger.Warn("cannot decode key %q: %s", key, err)
		return nil, false
	}
	return val, true
}

func (c *redisCache) Get(ctx context.Context, key string) (any, bool) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	data, err := c.client.Get(qctx, c.prefixKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.cfg.logger.Warn("get %q failed: %s", key, err)
		return nil, false
	}
	return c.decode(key, data)
}

func (c *redisCache) Set(ctx context.Context, key string, val any, timeout ...time.Duration) bool {
	d := c.cfg.timeoutFor(timeout)
	if d < 0 {
		c.Delete(ctx, key)
		return true
	}
	data, err := c.cfg.codec.Marshal(val)
	if err != nil {
		c.cfg.logger.Warn("cannot encode key %q: %s", key, err)
		return false
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if err := c.client.Set(qctx, c.prefixKey(key), data, d).Err(); err != nil {
		c.cfg.logger.Warn("set %q failed: %s", key, err)
		return false
	}
	return true
}

func (c *redisCache) Add(ctx context.Context, key string, val any, timeout ...time.Duration) bool {
	d := c.cfg.timeoutFor(timeout)
	if d < 0 {
		return !c.Has(ctx, key)
	}
	data, err := c.cfg.codec.Marshal(val)
	if err != nil {
		c.cfg.logger.Warn("cannot encode key %q: %s", key, err)
		return false
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	ok, err := c.client.SetNX(qctx, c.prefixKey(key), data, d).Result()
	if err != nil {
		c.cfg.logger.Warn("add %q failed: %s", key, err)
		return false
	}
	return ok
}

func (c *redisCache) Delete(ctx context.Context, key string) bool {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	n, err := c.client.Del(qctx, c.prefixKey(key)).Result()
	if err != nil {
		c.cfg.logger.Warn("delete %q failed: %s", key, err)
		return false
	}
	return n > 0
}

func (c *redisCache) Has(ctx context.Context, key string) bool {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	n, err := c.client.Exists(qctx, c.prefixKey(key)).Result()
	if err != nil {
		c.cfg.logger.Warn("exists %q failed: %s", key, err)
		return false
	}
	return n > 0
}

func (c *redisCache) GetMany(ctx context.Context, keys ...string) []any {
	values := make([]any, len(keys))
	if len(keys) == 0 {
		return values
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = c.prefixKey(key)
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	raw, err := c.client.MGet(qctx, prefixed...).Result()
	if err != nil {
		c.cfg.logger.Warn("mget failed: %s", err)
		return values
	}
	for i, r := range raw {
		s, ok := r.(string)
		if !ok {
			continue
		}
		values[i], _ = c.decode(keys[i], []byte(s))
	}
	return values
}

func (c *redisCache) GetDict(ctx context.Context, keys ...string) map[string]any {
	return getDict(ctx, c, keys)
}

func (c *redisCache) SetMany(ctx context.Context, mapping map[string]any, timeout ...time.Duration) []string {
	d := c.cfg.timeoutFor(timeout)
	keys := make([]string, 0, len(mapping))
	for key := range mapping {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if d < 0 {
		c.DeleteMany(ctx, keys...)
		return keys
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	pipe := c.client.Pipeline()
	cmds := make(map[string]*redis.StatusCmd, len(keys))
	for _, key := range keys {
		data, err := c.cfg.codec.Marshal(mapping[key])
		if err != nil {
			c.cfg.logger.Warn("cannot encode key %q: %s", key, err)
			continue
		}
		cmds[key] = pipe.Set(qctx, c.prefixKey(key), data, d)
	}
	if _, err := pipe.Exec(qctx); err != nil {
		c.cfg.logger.Warn("pipelined set failed: %s", err)
	}
	stored := make([]string, 0, len(cmds))
	for _, key := range keys {
		if cmd, ok := cmds[key]; ok && cmd.Err() == nil {
			stored = append(stored, key)
		}
	}
	return stored
}

func (c *redisCache) DeleteMany(ctx context.Context, keys ...string) []string {
	if len(keys) == 0 {
		return []string{}
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	pipe := c.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Del(qctx, c.prefixKey(key))
	}
	if _, err := pipe.Exec(qctx); err != nil {
		c.cfg.logger.Warn("pipelined delete failed: %s", err)
	}
	deleted := make([]string, 0, len(keys))
	for i, cmd := range cmds {
		if n, err := cmd.Result(); err == nil && n > 0 {
			deleted = append(deleted, keys[i])
		}
	}
	return deleted
}

// Clear removes the prefixed key space when a prefix is set, otherwise the whole database.
func (c *redisCache) Clear(ctx context.Context) bool {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if c.cfg.prefix == "" {
		if err := c.client.FlushDB(qctx).Err(); err != nil {
			c.cfg.logger.Warn("flushdb failed: %s", err)
			return false
		}
		return true
	}
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(qctx, cursor, c.cfg.prefix+":*", 100).Result()
		if err != nil {
			c.cfg.logger.Warn("scan failed: %s", err)
			return false
		}
		if len(keys) > 0 {
			if err := c.client.Del(qctx, keys...).Err(); err != nil {
				c.cfg.logger.Warn("delete failed: %s", err)
				return false
			}
		}
		if next == 0 {
			return true
		}
		cursor = next
	}
}

func (c *redisCache) Inc(ctx context.Context, key string, delta int64) (int64, bool) {
	if isSigned(c.cfg.codec) {
		return incr(ctx, c, c.cfg.logger, key, delta)
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	n, err := c.client.IncrBy(qctx, c.prefixKey(key), delta).Result()
	if err != nil {
		c.cfg.logger.Warn("incrby %q failed: %s", key, err)
		return 0, false
	}
	return n, true
}

func (c *redisCache) Dec(ctx context.Context, key string, delta int64) (int64, bool) {
	if isSigned(c.cfg.codec) {
		return incr(ctx, c, c.cfg.logger, key, -delta)
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	n, err := c.client.DecrBy(qctx, c.prefixKey(key), delta).Result()
	if err != nil {
		c.cfg.logger.Warn("decrby %q failed: %s", key, err)
		return 0, false
	}
	return n, true
}

// Close is a no-op; the caller owns the redis.Client lifecycle.
func (c *redisCache) Close() error {
	return nil
}
