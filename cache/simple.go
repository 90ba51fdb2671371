package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	expiresAt int64
	payload   []byte
}

type simpleCache struct {
	ctx       context.Context
	cancel    context.CancelFunc
	entries   map[string]*entry
	mutex     sync.Mutex
	waitGroup sync.WaitGroup
	once      sync.Once
	cfg       config
}

var (
	_ Cache = (*simpleCache)(nil)
	_ Sizer = (*simpleCache)(nil)
)

// NewSimple returns an in-process Cache bounded by the configured threshold.
// Values are encoded with the configured codec, so a stored value is a copy of the original.
// A background sweep of expired entries runs only when WithExpiryCheck is set.
func NewSimple(parent context.Context, opts ...Option) (Cache, error) {
	cfg, err := applyOptions("simple", MsgpackCodec{}, opts)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(parent)
	c := &simpleCache{
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
		cfg:     cfg,
	}
	if cfg.expiryCheck > 0 {
		c.waitGroup.Add(1)
		go c.run()
	}
	return c, nil
}

func (c *simpleCache) now() int64 {
	return c.cfg.now().UnixNano()
}

// liveEntry returns the entry for key, dropping it if it has expired. Must hold the mutex.
func (c *simpleCache) liveEntry(key string) (*entry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !isLive(e.expiresAt, c.now()) {
		delete(c.entries, key)
		return nil, false
	}
	return e, true
}

// store writes an entry, pruning first when the key is new. Must hold the mutex.
func (c *simpleCache) store(key string, expires int64, payload []byte) {
	if _, exists := c.entries[key]; !exists {
		c.prune(1)
	}
	c.entries[key] = &entry{expiresAt: expires, payload: payload}
}

func (c *simpleCache) prune(incoming int) {
	if c.cfg.threshold == 0 {
		return
	}
	over := func() bool { return len(c.entries)+incoming > c.cfg.threshold }
	if !over() {
		return
	}
	cands := make([]evictionCandidate, 0, len(c.entries))
	for key, e := range c.entries {
		cands = append(cands, evictionCandidate{key: key, expiresAt: e.expiresAt})
	}
	n := evict(cands, c.now(), over, func(cand evictionCandidate) bool {
		delete(c.entries, cand.key)
		return true
	})
	c.cfg.logger.Trace("evicted %d entries", n)
}

func (c *simpleCache) Get(_ context.Context, key string) (any, bool) {
	c.mutex.Lock()
	e, ok := c.liveEntry(key)
	c.mutex.Unlock()
	if !ok {
		return nil, false
	}
	val, err := c.cfg.codec.Unmarshal(e.payload)
	if err != nil {
		c.cfg.logger.Warn("cannot decode key %q: %s", key, err)
		return nil, false
	}
	return val, true
}

func (c *simpleCache) Set(ctx context.Context, key string, val any, timeout ...time.Duration) bool {
	d := c.cfg.timeoutFor(timeout)
	if d < 0 {
		c.Delete(ctx, key)
		return true
	}
	payload, err := c.cfg.codec.Marshal(val)
	if err != nil {
		c.cfg.logger.Warn("cannot encode key %q: %s", key, err)
		return false
	}
	c.mutex.Lock()
	c.store(key, expiresAt(c.cfg.now(), d), payload)
	c.mutex.Unlock()
	return true
}

func (c *simpleCache) Add(_ context.Context, key string, val any, timeout ...time.Duration) bool {
	d := c.cfg.timeoutFor(timeout)
	payload, err := c.cfg.codec.Marshal(val)
	if err != nil {
		c.cfg.logger.Warn("cannot encode key %q: %s", key, err)
		return false
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, ok := c.liveEntry(key); ok {
		return false
	}
	if d < 0 {
		return true
	}
	c.store(key, expiresAt(c.cfg.now(), d), payload)
	return true
}

func (c *simpleCache) Delete(_ context.Context, key string) bool {
	c.mutex.Lock()
	_, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	c.mutex.Unlock()
	return ok
}

func (c *simpleCache) Has(_ context.Context, key string) bool {
	c.mutex.Lock()
	_, ok := c.liveEntry(key)
	c.mutex.Unlock()
	return ok
}

func (c *simpleCache) GetMany(ctx context.Context, keys ...string) []any {
	return getMany(ctx, c, keys)
}

func (c *simpleCache) GetDict(ctx context.Context, keys ...string) map[string]any {
	return getDict(ctx, c, keys)
}

func (c *simpleCache) SetMany(ctx context.Context, mapping map[string]any, timeout ...time.Duration) []string {
	return setMany(ctx, c, mapping, timeout)
}

func (c *simpleCache) DeleteMany(ctx context.Context, keys ...string) []string {
	return deleteMany(ctx, c, keys)
}

func (c *simpleCache) Clear(_ context.Context) bool {
	c.mutex.Lock()
	c.entries = make(map[string]*entry)
	c.mutex.Unlock()
	return true
}

func (c *simpleCache) Inc(_ context.Context, key string, delta int64) (int64, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var current int64
	if e, ok := c.liveEntry(key); ok {
		val, err := c.cfg.codec.Unmarshal(e.payload)
		if err != nil {
			c.cfg.logger.Warn("cannot decode key %q: %s", key, err)
			return 0, false
		}
		n, ok := toInt64(val)
		if !ok {
			c.cfg.logger.Warn("cannot increment key %q holding %T", key, val)
			return 0, false
		}
		current = n
	}
	next := current + delta
	payload, err := c.cfg.codec.Marshal(next)
	if err != nil {
		c.cfg.logger.Warn("cannot encode key %q: %s", key, err)
		return 0, false
	}
	if c.cfg.defaultTimeout < 0 {
		delete(c.entries, key)
		return next, true
	}
	c.store(key, expiresAt(c.cfg.now(), c.cfg.defaultTimeout), payload)
	return next, true
}

func (c *simpleCache) Dec(ctx context.Context, key string, delta int64) (int64, bool) {
	return c.Inc(ctx, key, -delta)
}

func (c *simpleCache) Len(_ context.Context) (int, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.entries), true
}

func (c *simpleCache) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.waitGroup.Wait()
	})
	return nil
}

func (c *simpleCache) run() {
	defer c.waitGroup.Done()
	ticker := time.NewTicker(c.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			now := c.now()
			c.mutex.Lock()
			for key, e := range c.entries {
				if !isLive(e.expiresAt, now) {
					delete(c.entries, key)
				}
			}
			c.mutex.Unlock()
		}
	}
}
