package cache

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

type sqliteCache struct {
	db        *sql.DB
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
	cfg       config
}

var (
	_ Cache = (*sqliteCache)(nil)
	_ Sizer = (*sqliteCache)(nil)
)

// NewSQLite returns a new Cache backed by SQLite.
// If dbPath is empty or ":memory:", an in-memory database is used.
// The table is bounded by the threshold the same way SimpleCache is. Expired rows are removed
// lazily, and periodically when WithExpiryCheck is set.
func NewSQLite(ctx context.Context, dbPath string, opts ...Option) (Cache, error) {
	cfg, err := applyOptions("sqlite", MsgpackCodec{}, opts)
	if err != nil {
		return nil, err
	}
	memory := dbPath == "" || dbPath == ":memory:"
	dsn := dbPath
	if memory {
		dsn = ":memory:"
	} else if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "cache: cannot open sqlite")
	}
	if memory {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "cache: cannot enable wal")
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS cache (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "cache: cannot create table")
	}

	// Create index on expires_at for efficient cleanup and eviction.
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON cache(expires_at)`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "cache: cannot create index")
	}

	childCtx, cancel := context.WithCancel(ctx)
	c := &sqliteCache{
		db:     db,
		ctx:    childCtx,
		cancel: cancel,
		cfg:    cfg,
	}
	if cfg.expiryCheck > 0 {
		c.waitGroup.Add(1)
		go c.run()
	}
	return c, nil
}

func (c *sqliteCache) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

func (c *sqliteCache) now() int64 {
	return c.cfg.now().UnixNano()
}

// prune makes room for one new row inside tx, the same way evict does for SimpleCache.
func (c *sqliteCache) prune(ctx context.Context, tx *sql.Tx, key string) error {
	if c.cfg.threshold == 0 {
		return nil
	}
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache WHERE key = ?`, key).Scan(&exists)
	if err != nil || exists > 0 {
		return err
	}
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache`).Scan(&count); err != nil {
		return err
	}
	if count+1 <= c.cfg.threshold {
		return nil
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cache WHERE expires_at != 0 AND expires_at <= ?`, c.now())
	if err != nil {
		return err
	}
	expired, _ := res.RowsAffected()
	over := count - int(expired) + 1 - c.cfg.threshold
	if over <= 0 {
		return nil
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM cache WHERE key IN (
		SELECT key FROM cache ORDER BY expires_at = 0, expires_at, key LIMIT ?
	)`, over)
	return err
}

func (c *sqliteCache) upsert(ctx context.Context, tx *sql.Tx, key string, payload []byte, expires int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO cache (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, payload, expires,
	)
	return err
}

// withTx runs fn in a transaction bounded by the query timeout.
func (c *sqliteCache) withTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	tx, err := c.db.BeginTx(qctx, nil)
	if err != nil {
		return err
	}
	if err := fn(qctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// live returns the payload of the live row for key, deleting it when expired.
func (c *sqliteCache) live(ctx context.Context, key string) ([]byte, bool) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	var data []byte
	var expires int64
	err := c.db.QueryRowContext(qctx,
		`SELECT value, expires_at FROM cache WHERE key = ?`, key,
	).Scan(&data, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		c.cfg.logger.Warn("get %q failed: %s", key, err)
		return nil, false
	}
	if !isLive(expires, c.now()) {
		// Only remove the row if it has not been rewritten since it was read.
		if _, err := c.db.ExecContext(qctx, `DELETE FROM cache WHERE key = ? AND expires_at = ?`, key, expires); err != nil {
			c.cfg.logger.Warn("cannot remove expired %q: %s", key, err)
		}
		return nil, false
	}
	return data, true
}

func (c *sqliteCache) Get(ctx context.Context, key string) (any, bool) {
	data, ok := c.live(ctx, key)
	if !ok {
		return nil, false
	}
	val, err := c.cfg.codec.Unmarshal(data)
	if err != nil {
		c.cfg.logger.Warn("cannot decode key %q: %s", key, err)
		return nil, false
	}
	return val, true
}

func (c *sqliteCache) Set(ctx context.Context, key string, val any, timeout ...time.Duration) bool {
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
	expires := expiresAt(c.cfg.now(), d)
	err = c.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := c.prune(ctx, tx, key); err != nil {
			return err
		}
		return c.upsert(ctx, tx, key, payload, expires)
	})
	if err != nil {
		c.cfg.logger.Warn("set %q failed: %s", key, err)
		return false
	}
	return true
}

// Add inserts the row, or replaces it only when the existing row has expired.
func (c *sqliteCache) Add(ctx context.Context, key string, val any, timeout ...time.Duration) bool {
	d := c.cfg.timeoutFor(timeout)
	if d < 0 {
		return !c.Has(ctx, key)
	}
	payload, err := c.cfg.codec.Marshal(val)
	if err != nil {
		c.cfg.logger.Warn("cannot encode key %q: %s", key, err)
		return false
	}
	now := c.cfg.now()
	var added bool
	err = c.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := c.prune(ctx, tx, key); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO cache (key, value, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
			WHERE cache.expires_at != 0 AND cache.expires_at <= ?`,
			key, payload, expiresAt(now, d), now.UnixNano(),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		added = n > 0
		return err
	})
	if err != nil {
		c.cfg.logger.Warn("add %q failed: %s", key, err)
		return false
	}
	return added
}

func (c *sqliteCache) Delete(ctx context.Context, key string) bool {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	result, err := c.db.ExecContext(qctx, `DELETE FROM cache WHERE key = ?`, key)
	if err != nil {
		c.cfg.logger.Warn("delete %q failed: %s", key, err)
		return false
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false
	}
	return rows > 0
}

func (c *sqliteCache) Has(ctx context.Context, key string) bool {
	_, ok := c.live(ctx, key)
	return ok
}

func (c *sqliteCache) GetMany(ctx context.Context, keys ...string) []any {
	return getMany(ctx, c, keys)
}

func (c *sqliteCache) GetDict(ctx context.Context, keys ...string) map[string]any {
	return getDict(ctx, c, keys)
}

func (c *sqliteCache) SetMany(ctx context.Context, mapping map[string]any, timeout ...time.Duration) []string {
	return setMany(ctx, c, mapping, timeout)
}

func (c *sqliteCache) DeleteMany(ctx context.Context, keys ...string) []string {
	return deleteMany(ctx, c, keys)
}

func (c *sqliteCache) Clear(ctx context.Context) bool {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if _, err := c.db.ExecContext(qctx, `DELETE FROM cache`); err != nil {
		c.cfg.logger.Warn("clear failed: %s", err)
		return false
	}
	return true
}

// Inc runs the read-modify-write in one transaction.
func (c *sqliteCache) Inc(ctx context.Context, key string, delta int64) (int64, bool) {
	var next int64
	err := c.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var data []byte
		var expires int64
		var current int64
		err := tx.QueryRowContext(ctx, `SELECT value, expires_at FROM cache WHERE key = ?`, key).Scan(&data, &expires)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case isLive(expires, c.now()):
			val, err := c.cfg.codec.Unmarshal(data)
			if err != nil {
				return err
			}
			n, ok := toInt64(val)
			if !ok {
				return errors.Newf("value is %T, not an integer", val)
			}
			current = n
		}
		next = current + delta
		payload, err := c.cfg.codec.Marshal(next)
		if err != nil {
			return err
		}
		if c.cfg.defaultTimeout < 0 {
			_, err := tx.ExecContext(ctx, `DELETE FROM cache WHERE key = ?`, key)
			return err
		}
		if err := c.prune(ctx, tx, key); err != nil {
			return err
		}
		return c.upsert(ctx, tx, key, payload, expiresAt(c.cfg.now(), c.cfg.defaultTimeout))
	})
	if err != nil {
		c.cfg.logger.Warn("cannot increment key %q: %s", key, err)
		return 0, false
	}
	return next, true
}

func (c *sqliteCache) Dec(ctx context.Context, key string, delta int64) (int64, bool) {
	return c.Inc(ctx, key, -delta)
}

func (c *sqliteCache) Len(ctx context.Context) (int, bool) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	var n int
	if err := c.db.QueryRowContext(qctx, `SELECT COUNT(*) FROM cache`).Scan(&n); err != nil {
		c.cfg.logger.Warn("count failed: %s", err)
		return 0, false
	}
	return n, true
}

func (c *sqliteCache) Close() error {
	var dbErr error
	c.once.Do(func() {
		c.cancel()
		c.waitGroup.Wait()
		dbErr = c.db.Close()
	})
	return dbErr
}

func (c *sqliteCache) run() {
	defer c.waitGroup.Done()
	ticker := time.NewTicker(c.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.db.ExecContext(c.ctx, `DELETE FROM cache WHERE expires_at != 0 AND expires_at <= ?`, c.now()); err != nil && c.ctx.Err() == nil {
				c.cfg.logger.Warn("expiry sweep failed: %s", err)
			}
		}
	}
}
