package cache

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// KeyHasher maps a cache key to the file name that stores it.
type KeyHasher func(key string) string

// SHA256Hasher names files by the hex SHA-256 digest of the key.
func SHA256Hasher(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// MD5Hasher names files by the hex MD5 digest of the key.
func MD5Hasher(key string) string {
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// XXHashHasher names files by the 64-bit xxhash of the key. Faster but far more collision
// prone than the cryptographic hashers; only suitable for trusted key spaces.
func XXHashHasher(key string) string {
	return strconv.FormatUint(xxhash.Sum64String(key), 16)
}

const (
	// countFile is not a hex digest, so the built-in hashers never produce it.
	countFile    = "__cache_count__"
	tempSuffix   = ".tmp-cache"
	headerLength = 8
)

var errCorruptEntry = errors.New("cache: truncated entry")

type fileSystemCache struct {
	dir string
	cfg config
}

var (
	_ Cache = (*fileSystemCache)(nil)
	_ Sizer = (*fileSystemCache)(nil)
)

// NewFileSystem returns a Cache storing one file per entry in dir, creating the directory if
// needed. The directory must be owned exclusively by this cache: Clear and eviction remove
// any entry file found in it, and concurrent writers may drift the entry count.
func NewFileSystem(dir string, opts ...Option) (Cache, error) {
	if dir == "" {
		return nil, errors.New("cache: filesystem cache directory is required")
	}
	cfg, err := applyOptions("filesystem", MsgpackCodec{}, opts)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "cache: cannot create directory %s", dir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "cache: cannot stat directory %s", dir)
	}
	if !info.IsDir() {
		return nil, errors.Newf("cache: %s is not a directory", dir)
	}
	if cfg.hasher(countFile) == countFile {
		return nil, errors.Newf("cache: key hasher must not map names onto themselves (%s)", countFile)
	}
	c := &fileSystemCache{
		dir: dir,
		cfg: cfg,
	}
	if cfg.threshold != 0 {
		files, err := c.listDir()
		if err != nil {
			return nil, errors.Wrapf(err, "cache: cannot list directory %s", dir)
		}
		c.setCount(len(files))
	}
	return c, nil
}

// path maps key to its entry file. A custom hasher that yields the count record's name is
// steered to a sibling name so the record stays out of the key space.
func (c *fileSystemCache) path(key string) string {
	name := c.cfg.hasher(key)
	if name == countFile {
		name += "~"
	}
	return filepath.Join(c.dir, name)
}

// listDir returns the entry files of the cache, skipping temp files and the count record.
func (c *fileSystemCache) listDir() ([]string, error) {
	dirents, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(dirents))
	for _, d := range dirents {
		name := d.Name()
		if !d.Type().IsRegular() || strings.HasSuffix(name, tempSuffix) || name == countFile {
			continue
		}
		files = append(files, filepath.Join(c.dir, name))
	}
	return files, nil
}

func readEntry(path string) (int64, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, err
	}
	if len(data) < headerLength {
		return 0, nil, errCorruptEntry
	}
	return int64(binary.BigEndian.Uint64(data[:headerLength])), data[headerLength:], nil
}

// writeEntry atomically replaces the file for key. Management writes target the count record
// and skip eviction and counting.
func (c *fileSystemCache) writeEntry(key string, expires int64, payload []byte, mgmt bool) bool {
	target := filepath.Join(c.dir, countFile)
	if !mgmt {
		target = c.path(key)
	}
	isNew := false
	if !mgmt && c.cfg.threshold != 0 {
		if _, err := os.Stat(target); errors.Is(err, fs.ErrNotExist) {
			isNew = true
			c.prune(1)
		}
	}

	tmp, err := os.CreateTemp(c.dir, "*"+tempSuffix)
	if err != nil {
		c.cfg.logger.Warn("cannot create temp file for key %q: %s", key, err)
		return false
	}
	tmpName := tmp.Name()
	fail := func(op string, err error) bool {
		tmp.Close()
		os.Remove(tmpName)
		c.cfg.logger.Warn("cannot %s entry for key %q: %s", op, key, err)
		return false
	}
	var header [headerLength]byte
	binary.BigEndian.PutUint64(header[:], uint64(expires))
	if _, err := tmp.Write(header[:]); err != nil {
		return fail("write", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		return fail("write", err)
	}
	if err := tmp.Close(); err != nil {
		return fail("close", err)
	}
	if err := os.Chmod(tmpName, c.cfg.fileMode); err != nil {
		return fail("chmod", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fail("rename", err)
	}
	if isNew {
		c.updateCount(1)
	}
	return true
}

func (c *fileSystemCache) count() int {
	_, payload, err := readEntry(filepath.Join(c.dir, countFile))
	if err != nil {
		return 0
	}
	val, err := c.cfg.codec.Unmarshal(payload)
	if err != nil {
		return 0
	}
	n, _ := toInt64(val)
	return int(n)
}

func (c *fileSystemCache) setCount(n int) {
	if n < 0 {
		n = 0
	}
	payload, err := c.cfg.codec.Marshal(int64(n))
	if err != nil {
		c.cfg.logger.Warn("cannot encode entry count: %s", err)
		return
	}
	c.writeEntry(countFile, 0, payload, true)
}

func (c *fileSystemCache) updateCount(delta int) {
	if c.cfg.threshold == 0 {
		return
	}
	c.setCount(c.count() + delta)
}

// prune makes room for incoming new entries. The recorded count decides whether to act; the
// directory listing then replaces it, which repairs any drift.
func (c *fileSystemCache) prune(incoming int) {
	if c.count()+incoming <= c.cfg.threshold {
		return
	}
	files, err := c.listDir()
	if err != nil {
		c.cfg.logger.Warn("cannot list cache directory: %s", err)
		return
	}
	count := len(files)
	cands := make([]evictionCandidate, 0, len(files))
	for _, path := range files {
		expires, _, err := readEntry(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			count--
			continue
		case err != nil:
			cands = append(cands, evictionCandidate{key: path, corrupt: true})
		default:
			cands = append(cands, evictionCandidate{key: path, expiresAt: expires})
		}
	}
	over := func() bool { return count+incoming > c.cfg.threshold }
	evict(cands, c.cfg.now().UnixNano(), over, func(cand evictionCandidate) bool {
		if err := os.Remove(cand.key); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				c.cfg.logger.Warn("cannot evict %s: %s", cand.key, err)
			}
			return false
		}
		count--
		return true
	})
	c.setCount(count)
}

// removeEntry deletes the file at path and reports whether it existed.
func (c *fileSystemCache) removeEntry(path string) bool {
	if err := os.Remove(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.cfg.logger.Warn("cannot remove %s: %s", path, err)
		}
		return false
	}
	c.updateCount(-1)
	return true
}

// load reads the live entry for key, removing it when expired or corrupt.
func (c *fileSystemCache) load(key string) ([]byte, bool) {
	path := c.path(key)
	expires, payload, err := readEntry(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.cfg.logger.Debug("miss for key %q", key)
		} else {
			c.cfg.logger.Warn("cannot read key %q: %s", key, err)
			c.removeEntry(path)
		}
		return nil, false
	}
	if !isLive(expires, c.cfg.now().UnixNano()) {
		c.removeEntry(path)
		return nil, false
	}
	return payload, true
}

func (c *fileSystemCache) Get(_ context.Context, key string) (any, bool) {
	payload, ok := c.load(key)
	if !ok {
		return nil, false
	}
	val, err := c.cfg.codec.Unmarshal(payload)
	if err != nil {
		c.cfg.logger.Warn("cannot decode key %q: %s", key, err)
		c.removeEntry(c.path(key))
		return nil, false
	}
	return val, true
}

func (c *fileSystemCache) Set(ctx context.Context, key string, val any, timeout ...time.Duration) bool {
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
	return c.writeEntry(key, expiresAt(c.cfg.now(), d), payload, false)
}

func (c *fileSystemCache) Add(ctx context.Context, key string, val any, timeout ...time.Duration) bool {
	if c.Has(ctx, key) {
		return false
	}
	return c.Set(ctx, key, val, timeout...)
}

func (c *fileSystemCache) Delete(_ context.Context, key string) bool {
	return c.removeEntry(c.path(key))
}

func (c *fileSystemCache) Has(_ context.Context, key string) bool {
	_, ok := c.load(key)
	return ok
}

func (c *fileSystemCache) GetMany(ctx context.Context, keys ...string) []any {
	return getMany(ctx, c, keys)
}

func (c *fileSystemCache) GetDict(ctx context.Context, keys ...string) map[string]any {
	return getDict(ctx, c, keys)
}

func (c *fileSystemCache) SetMany(ctx context.Context, mapping map[string]any, timeout ...time.Duration) []string {
	return setMany(ctx, c, mapping, timeout)
}

func (c *fileSystemCache) DeleteMany(ctx context.Context, keys ...string) []string {
	return deleteMany(ctx, c, keys)
}

// Clear removes every entry file and any temp file left behind by an interrupted write.
func (c *fileSystemCache) Clear(_ context.Context) bool {
	dirents, err := os.ReadDir(c.dir)
	if err != nil {
		c.cfg.logger.Warn("cannot list cache directory: %s", err)
		return false
	}
	ok := true
	for _, d := range dirents {
		if !d.Type().IsRegular() || d.Name() == countFile {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, d.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.cfg.logger.Warn("cannot remove %s: %s", d.Name(), err)
			ok = false
		}
	}
	if c.cfg.threshold != 0 {
		if ok {
			c.setCount(0)
		} else if files, err := c.listDir(); err == nil {
			c.setCount(len(files))
		}
	}
	return ok
}

func (c *fileSystemCache) Inc(ctx context.Context, key string, delta int64) (int64, bool) {
	return incr(ctx, c, c.cfg.logger, key, delta)
}

func (c *fileSystemCache) Dec(ctx context.Context, key string, delta int64) (int64, bool) {
	return incr(ctx, c, c.cfg.logger, key, -delta)
}

func (c *fileSystemCache) Len(_ context.Context) (int, bool) {
	files, err := c.listDir()
	if err != nil {
		c.cfg.logger.Warn("cannot list cache directory: %s", err)
		return 0, false
	}
	return len(files), true
}

func (c *fileSystemCache) Close() error {
	return nil
}
