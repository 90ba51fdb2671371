// Package cache provides a uniform caching interface with multiple backend
// implementations and type-safe generic helpers.
//
// # Cache Interface
//
// The [Cache] interface defines the operations every backend supports: single
// key reads and writes ([Cache.Get], [Cache.Set], [Cache.Add], [Cache.Delete],
// [Cache.Has]), their bulk forms ([Cache.GetMany], [Cache.GetDict],
// [Cache.SetMany], [Cache.DeleteMany]), counters ([Cache.Inc], [Cache.Dec]),
// [Cache.Clear] and [Cache.Close]. Backends can be swapped without changing
// application code.
//
// The interface uses [any] for values rather than generics because Go does
// not allow generic methods on interfaces. Type safety is provided by the
// package-level generic functions [Get] and [Exec] described below.
//
// # Failure Model
//
// Operations never return errors. A backend failure (I/O error, timeout,
// undecodable payload, bad signature) is logged as a warning and reported as
// a miss, false or an empty result. A false from a write means the value is
// not guaranteed to be stored; retrying is up to the caller. Constructors do
// return errors, for configuration faults such as an empty bucket name or a
// negative threshold.
//
// # Timeouts
//
// Writes take an optional timeout. Omitted, the configured default is used
// ([DefaultTimeout], 5 minutes). A timeout of 0 never expires. A negative
// timeout expires the entry immediately: the key is removed and Set reports
// success.
//
// Expiration is lazy: a read that finds an expired entry removes it, so
// [Cache.Has] is not a pure read. [NewSimple] and [NewSQLite] can also sweep
// in the background with [WithExpiryCheck].
//
// # Implementations
//
//   - [NewSimple]: in-process map guarded by a mutex, bounded by
//     [WithThreshold] ([DefaultThreshold] entries). When a new key would
//     exceed the threshold, expired entries are evicted first, then entries
//     closest to expiry, never-expiring entries last.
//
//   - [NewFileSystem]: one file per key in a directory the cache owns
//     exclusively. File names are a digest of the key ([SHA256Hasher] by
//     default). Writes go to a temp file that is renamed over the entry, so
//     readers never see a partial entry. The entry count is kept in a
//     management file so eviction does not list the directory on every write.
//
//   - [NewSQLite]: rows in a SQLite database using [modernc.org/sqlite]
//     (pure Go, no CGO), bounded like [NewSimple].
//
//   - [NewRedis], [NewMemcached]: thin adapters over
//     [github.com/redis/go-redis/v9] and [github.com/bradfitz/gomemcache].
//     Expiry and counters are native.
//
//   - [NewMongoDB], [NewDynamoDB], [NewS3]: document, table and object
//     stores. Each accepts a narrow client interface the stock client
//     satisfies, so tests can use a fake.
//
//   - [NewNull]: caches nothing.
//
//   - [NewComposite]: chains caches, fastest first. [Cache.Get] returns the
//     first hit; writes go to every tier.
//
//   - [NewTraced]: wraps any cache with OpenTelemetry spans.
//
// # Serialization
//
// Values are encoded by a [Codec], [MsgpackCodec] by default. Decoded values
// come back in generic form: integers as int64, floats as float64, maps as
// map[string]any and arrays as []any. Use [Get] to convert to a concrete type:
//
//	found, user, err := cache.Get[User](ctx, c, "user:123")
//
// [WithSigningKey] prefixes payloads with an HMAC-SHA256 tag; entries with a
// bad tag are treated as missing.
//
// # Cache-aside
//
// [Exec] combines lookup and population in one call:
//
//	found, user, err := cache.Exec(ctx, cache.CacheConfig{Key: "user:123"}, c,
//	    func(ctx context.Context) (User, bool, error) {
//	        user, err := queries.GetUser(ctx, id)
//	        if errors.Is(err, sql.ErrNoRows) {
//	            return User{}, false, nil   // not found, won't be cached
//	        }
//	        return user, true, err          // found, will be cached
//	    },
//	)
//
// The [Invoker] function returns (value, found, error). When found is false,
// nothing is cached and subsequent calls will invoke again.
package cache
