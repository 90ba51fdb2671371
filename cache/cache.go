package cache

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/agentuity/go-cachelib/logger"
	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Cache is the contract every backend implements.
//
// Read operations never fail: backend errors are logged and reported as a miss. Write
// operations return false when the value is not guaranteed to be persisted; retrying is
// left to the caller.
//
// The optional timeout argument of the write operations selects the lifetime of the entry:
// omitted uses the configured default, 0 never expires and a negative value expires the
// entry immediately (any existing value is removed).
type Cache interface {
	// Get returns the value stored for key if it is live.
	Get(ctx context.Context, key string) (any, bool)
	// Set stores val under key, replacing any existing value.
	Set(ctx context.Context, key string, val any, timeout ...time.Duration) bool
	// Add behaves like Set but fails if a live value already exists for key.
	Add(ctx context.Context, key string, val any, timeout ...time.Duration) bool
	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) bool
	// Has reports whether key is live without decoding its value. It is not a pure read:
	// an expired entry found by Has is removed.
	Has(ctx context.Context, key string) bool
	// GetMany returns the values in the order of keys, nil where a key is missing.
	GetMany(ctx context.Context, keys ...string) []any
	// GetDict is GetMany keyed by the requested keys.
	GetDict(ctx context.Context, keys ...string) map[string]any
	// SetMany stores every entry of mapping and returns the sorted keys that were stored.
	SetMany(ctx context.Context, mapping map[string]any, timeout ...time.Duration) []string
	// DeleteMany removes keys and returns the keys that existed and were removed.
	DeleteMany(ctx context.Context, keys ...string) []string
	// Clear removes everything the cache owns. It is not atomic against concurrent writers.
	Clear(ctx context.Context) bool
	// Inc adds delta to the integer stored at key, treating a missing key as 0.
	Inc(ctx context.Context, key string, delta int64) (int64, bool)
	// Dec subtracts delta from the integer stored at key, treating a missing key as 0.
	Dec(ctx context.Context, key string, delta int64) (int64, bool)
	// Close releases resources owned by the cache.
	Close() error
}

// Sizer is implemented by caches that can count their entries.
type Sizer interface {
	// Len returns the number of stored entries, expired ones included.
	Len(ctx context.Context) (int, bool)
}

// DefaultTimeout is the lifetime used when a write omits its timeout.
const DefaultTimeout = 300 * time.Second

// DefaultThreshold bounds SimpleCache, FileSystemCache and SQLite unless WithThreshold is used.
const DefaultThreshold = 500

// DefaultQueryTimeout is the per-operation timeout for cache backends that
// perform I/O. Prevents indefinite hangs on slow or unresponsive storage.
const DefaultQueryTimeout = 5 * time.Second

// DefaultFileMode is the permission set on filesystem cache entries.
const DefaultFileMode os.FileMode = 0o600

// config holds the resolved configuration for a cache implementation.
type config struct {
	defaultTimeout      time.Duration
	threshold           int
	queryTimeout        time.Duration
	expiryCheck         time.Duration
	prefix              string
	codec               Codec
	signingKeys         [][]byte
	fileMode            os.FileMode
	hasher              KeyHasher
	logger              logger.Logger
	now                 func() time.Time
	deleteExpiredOnRead bool
	keyAttribute        string
	expiresAttribute    string
}

// Option configures a Cache implementation.
type Option func(*config)

func defaultConfig() config {
	return config{
		defaultTimeout:      DefaultTimeout,
		threshold:           DefaultThreshold,
		queryTimeout:        DefaultQueryTimeout,
		fileMode:            DefaultFileMode,
		hasher:              SHA256Hasher,
		now:                 time.Now,
		deleteExpiredOnRead: true,
		keyAttribute:        "cache_key",
		expiresAttribute:    "expiration_time",
	}
}

// applyOptions resolves opts on top of the defaults. base is the codec used when WithCodec
// is not given; signing keys wrap whichever codec results.
func applyOptions(name string, base Codec, opts []Option) (config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.threshold < 0 {
		return cfg, errors.Newf("cache: threshold must be >= 0, got %d", cfg.threshold)
	}
	if cfg.queryTimeout <= 0 {
		cfg.queryTimeout = DefaultQueryTimeout
	}
	if cfg.codec == nil {
		cfg.codec = base
	}
	if len(cfg.signingKeys) > 0 {
		signed, err := NewSignedCodec(cfg.codec, cfg.signingKeys...)
		if err != nil {
			return cfg, err
		}
		cfg.codec = signed
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewConsoleLogger()
	}
	cfg.logger = cfg.logger.WithPrefix("[" + name + "]")
	return cfg, nil
}

// WithDefaultTimeout sets the lifetime used when a write omits its timeout. 0 means entries
// never expire. A negative default removes the key on such writes, counters included.
// Defaults to DefaultTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *config) { c.defaultTimeout = d }
}

// WithThreshold bounds the number of entries kept by SimpleCache, FileSystemCache and SQLite.
// 0 disables the bound.
func WithThreshold(n int) Option {
	return func(c *config) { c.threshold = n }
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed caches.
// Defaults to DefaultQueryTimeout (5 seconds).
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithExpiryCheck enables a background sweep of expired entries at the given interval.
// Applies to SimpleCache and SQLite. Disabled by default; expiration is otherwise lazy.
func WithExpiryCheck(d time.Duration) Option {
	return func(c *config) { c.expiryCheck = d }
}

// WithPrefix sets the key prefix for namespacing cache keys in shared stores.
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// WithCodec replaces the backend's default codec.
func WithCodec(codec Codec) Option {
	return func(c *config) { c.codec = codec }
}

// WithSigningKey signs every stored payload. The last key signs, every key verifies.
func WithSigningKey(keys ...[]byte) Option {
	return func(c *config) { c.signingKeys = append(c.signingKeys, keys...) }
}

// WithFileMode sets the permissions of filesystem cache entries. Defaults to 0600.
func WithFileMode(mode os.FileMode) Option {
	return func(c *config) { c.fileMode = mode }
}

// WithKeyHasher sets how filesystem cache keys map to file names.
func WithKeyHasher(h KeyHasher) Option {
	return func(c *config) { c.hasher = h }
}

// WithLogger sets the logger warnings are reported to.
func WithLogger(l logger.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithClock replaces time.Now for expiration decisions.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithDeleteExpiredOnRead controls whether the S3 backend deletes stale objects it reads.
// Defaults to true.
func WithDeleteExpiredOnRead(v bool) Option {
	return func(c *config) { c.deleteExpiredOnRead = v }
}

// WithDynamoDBAttributes sets the key and expiration attribute names of the DynamoDB table.
func WithDynamoDBAttributes(keyAttribute, expiresAttribute string) Option {
	return func(c *config) {
		c.keyAttribute = keyAttribute
		c.expiresAttribute = expiresAttribute
	}
}

// timeoutFor resolves the optional timeout argument of a write.
func (c config) timeoutFor(timeout []time.Duration) time.Duration {
	if len(timeout) == 0 {
		return c.defaultTimeout
	}
	return timeout[0]
}

// expiresAt converts a timeout into an absolute unix nanosecond deadline, 0 meaning never.
func expiresAt(now time.Time, d time.Duration) int64 {
	if d == 0 {
		return 0
	}
	return now.Add(d).UnixNano()
}

func isLive(expires int64, now int64) bool {
	return expires == 0 || expires > now
}

func getMany(ctx context.Context, c Cache, keys []string) []any {
	values := make([]any, len(keys))
	for i, key := range keys {
		values[i], _ = c.Get(ctx, key)
	}
	return values
}

func getDict(ctx context.Context, c Cache, keys []string) map[string]any {
	values := c.GetMany(ctx, keys...)
	out := make(map[string]any, len(keys))
	for i, key := range keys {
		out[key] = values[i]
	}
	return out
}

func setMany(ctx context.Context, c Cache, mapping map[string]any, timeout []time.Duration) []string {
	stored := make([]string, 0, len(mapping))
	for key, val := range mapping {
		if c.Set(ctx, key, val, timeout...) {
			stored = append(stored, key)
		}
	}
	sort.Strings(stored)
	return stored
}

func deleteMany(ctx context.Context, c Cache, keys []string) []string {
	deleted := make([]string, 0, len(keys))
	for _, key := range keys {
		if c.Delete(ctx, key) {
			deleted = append(deleted, key)
		}
	}
	return deleted
}

// incr is the read-modify-write counter used by backends without a native one.
func incr(ctx context.Context, c Cache, log logger.Logger, key string, delta int64) (int64, bool) {
	var current int64
	if val, ok := c.Get(ctx, key); ok && val != nil {
		n, ok := toInt64(val)
		if !ok {
			log.Warn("cannot increment key %q holding %T", key, val)
			return 0, false
		}
		current = n
	}
	next := current + delta
	if !c.Set(ctx, key, next) {
		return 0, false
	}
	return next, true
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

// Get retrieves a typed value from the cache.
// A value of type T is returned as-is, anything else is converted through msgpack, which maps
// the generic decoded form (map[string]any, []any, int64) onto structs, slices and narrower
// numeric types.
func Get[T any](ctx context.Context, c Cache, key string) (bool, T, error) {
	var zero T
	val, found := c.Get(ctx, key)
	if !found {
		return false, zero, nil
	}
	if typed, ok := val.(T); ok {
		return true, typed, nil
	}
	data, err := msgpack.Marshal(val)
	if err != nil {
		return false, zero, errors.Wrapf(err, "cache: cannot re-encode value of type %T", val)
	}
	var result T
	if err := msgpack.Unmarshal(data, &result); err != nil {
		return false, zero, errors.Wrapf(err, "cache: cannot convert value of type %T to %T", val, zero)
	}
	return true, result, nil
}

// CacheConfig configures the Exec helper.
type CacheConfig struct {
	// Timeout is the lifetime of the cached value. Zero uses the cache's default timeout.
	Timeout time.Duration
	// Key is the cache key. Required.
	Key string
}

// Invoker is a function that produces a value of type T.
// The bool return indicates whether a value was found. Return false to signal
// "not found" without caching a zero value (e.g. sql.ErrNoRows scenarios).
type Invoker[T any] func(ctx context.Context) (T, bool, error)

// Exec is a cache-aside helper. It checks the cache for config.Key first.
// On a cache hit, it returns the cached value with found=true.
// On a cache miss, it calls invoke to produce the value. If invoke returns
// found=true, the value is stored in the cache and returned with found=true.
// If invoke returns found=false, nothing is cached and found=false is returned.
// A cached value that cannot be converted to T is treated as a miss.
// If the cache Set fails after a successful invoke, the value is still returned.
func Exec[T any](ctx context.Context, config CacheConfig, c Cache, invoke Invoker[T]) (bool, T, error) {
	if found, val, err := Get[T](ctx, c, config.Key); err == nil && found {
		return true, val, nil
	}

	result, ok, err := invoke(ctx)
	if err != nil {
		var zero T
		return false, zero, err
	}
	if !ok {
		var zero T
		return false, zero, nil
	}

	if config.Timeout != 0 {
		c.Set(ctx, config.Key, result, config.Timeout)
	} else {
		c.Set(ctx, config.Key, result)
	}
	return true, result, nil
}
