// Package config loads cache settings from YAML and builds the matching backend.
package config

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/agentuity/go-cachelib/cache"
	"github.com/agentuity/go-cachelib/logger"
	"github.com/cockroachdb/errors"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Backend names accepted in the backend field.
const (
	BackendNull       = "null"
	BackendSimple     = "simple"
	BackendFileSystem = "filesystem"
	BackendSQLite     = "sqlite"
	BackendRedis      = "redis"
	BackendMemcached  = "memcached"
	BackendMongoDB    = "mongodb"
	BackendDynamoDB   = "dynamodb"
	BackendS3         = "s3"
	BackendComposite  = "composite"
)

var ErrUnknownBackend = errors.New("unknown cache backend")

// Duration accepts the extended forms str2duration understands, such as "1d" or "2w3d".
// A bare integer is taken as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	dur, err := str2duration.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return str2duration.String(time.Duration(d)), nil
}

type FileSystem struct {
	Dir    string `yaml:"dir"`
	Mode   string `yaml:"mode,omitempty"`
	Hasher string `yaml:"hasher,omitempty"`
}

type SQLite struct {
	Path string `yaml:"path"`
}

type Redis struct {
	URL string `yaml:"url"`
}

type Memcached struct {
	Servers []string `yaml:"servers"`
}

type MongoDB struct {
	URI            string `yaml:"uri"`
	Database       string `yaml:"database"`
	Collection     string `yaml:"collection"`
	EnsureTTLIndex bool   `yaml:"ensure_ttl_index,omitempty"`
}

type DynamoDB struct {
	Table               string `yaml:"table"`
	Region              string `yaml:"region,omitempty"`
	Endpoint            string `yaml:"endpoint,omitempty"`
	KeyAttribute        string `yaml:"key_attribute,omitempty"`
	ExpirationAttribute string `yaml:"expiration_attribute,omitempty"`
	CreateTable         bool   `yaml:"create_table,omitempty"`
}

type S3 struct {
	Bucket              string `yaml:"bucket"`
	Region              string `yaml:"region,omitempty"`
	Endpoint            string `yaml:"endpoint,omitempty"`
	UsePathStyle        bool   `yaml:"use_path_style,omitempty"`
	DeleteExpiredOnRead *bool  `yaml:"delete_expired_on_read,omitempty"`
}

// Config describes one cache. Unset pointer fields keep the library defaults.
type Config struct {
	Backend        string    `yaml:"backend"`
	DefaultTimeout *Duration `yaml:"default_timeout,omitempty"`
	Threshold      *int      `yaml:"threshold,omitempty"`
	Prefix         string    `yaml:"prefix,omitempty"`
	SigningKeys    []string  `yaml:"signing_keys,omitempty"`
	QueryTimeout   *Duration `yaml:"query_timeout,omitempty"`
	ExpiryCheck    Duration  `yaml:"expiry_check,omitempty"`
	Trace          bool      `yaml:"trace,omitempty"`

	FileSystem FileSystem `yaml:"filesystem,omitempty"`
	SQLite     SQLite     `yaml:"sqlite,omitempty"`
	Redis      Redis      `yaml:"redis,omitempty"`
	Memcached  Memcached  `yaml:"memcached,omitempty"`
	MongoDB    MongoDB    `yaml:"mongodb,omitempty"`
	DynamoDB   DynamoDB   `yaml:"dynamodb,omitempty"`
	S3         S3         `yaml:"s3,omitempty"`

	// Tiers lists the caches of a composite backend, fastest first.
	Tiers []Config `yaml:"tiers,omitempty"`
}

// Load reads a YAML file. Environment references such as ${REDIS_URL} are expanded first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first setting that cannot produce a working cache.
func (c *Config) Validate() error {
	if c.Threshold != nil && *c.Threshold < 0 {
		return errors.Newf("threshold must be >= 0, got %d", *c.Threshold)
	}
	for i, key := range c.SigningKeys {
		if key == "" {
			return errors.Newf("signing key %d is empty", i)
		}
	}
	switch c.Backend {
	case BackendNull, BackendSimple, BackendSQLite:
	case BackendFileSystem:
		if c.FileSystem.Dir == "" {
			return errors.New("filesystem.dir is required")
		}
		if c.FileSystem.Mode != "" {
			if _, err := strconv.ParseUint(c.FileSystem.Mode, 8, 32); err != nil {
				return errors.Newf("filesystem.mode %q is not an octal mode", c.FileSystem.Mode)
			}
		}
		if _, err := hasher(c.FileSystem.Hasher); err != nil {
			return err
		}
	case BackendRedis:
		if c.Redis.URL == "" {
			return errors.New("redis.url is required")
		}
	case BackendMemcached:
		if len(c.Memcached.Servers) == 0 {
			return errors.New("memcached.servers is required")
		}
	case BackendMongoDB:
		if c.MongoDB.URI == "" || c.MongoDB.Database == "" || c.MongoDB.Collection == "" {
			return errors.New("mongodb.uri, mongodb.database and mongodb.collection are required")
		}
	case BackendDynamoDB:
		if c.DynamoDB.Table == "" {
			return errors.New("dynamodb.table is required")
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			return errors.New("s3.bucket is required")
		}
	case BackendComposite:
		if len(c.Tiers) == 0 {
			return errors.New("composite backend needs at least one tier")
		}
		for i := range c.Tiers {
			if err := c.Tiers[i].Validate(); err != nil {
				return errors.Wrapf(err, "tier %d", i)
			}
		}
	default:
		return errors.Wrapf(ErrUnknownBackend, "%q", c.Backend)
	}
	return nil
}

func hasher(name string) (cache.KeyHasher, error) {
	switch name {
	case "", "sha256":
		return cache.SHA256Hasher, nil
	case "md5":
		return cache.MD5Hasher, nil
	case "xxhash":
		return cache.XXHashHasher, nil
	}
	return nil, errors.Newf("unknown key hasher %q", name)
}

// Options converts the shared settings into cache options.
func (c *Config) Options(log logger.Logger) []cache.Option {
	var opts []cache.Option
	if log != nil {
		opts = append(opts, cache.WithLogger(log))
	}
	if c.DefaultTimeout != nil {
		opts = append(opts, cache.WithDefaultTimeout(time.Duration(*c.DefaultTimeout)))
	}
	if c.Threshold != nil {
		opts = append(opts, cache.WithThreshold(*c.Threshold))
	}
	if c.Prefix != "" {
		opts = append(opts, cache.WithPrefix(c.Prefix))
	}
	if len(c.SigningKeys) > 0 {
		keys := make([][]byte, len(c.SigningKeys))
		for i, k := range c.SigningKeys {
			keys[i] = []byte(k)
		}
		opts = append(opts, cache.WithSigningKey(keys...))
	}
	if c.QueryTimeout != nil {
		opts = append(opts, cache.WithQueryTimeout(time.Duration(*c.QueryTimeout)))
	}
	if c.ExpiryCheck > 0 {
		opts = append(opts, cache.WithExpiryCheck(time.Duration(c.ExpiryCheck)))
	}
	switch c.Backend {
	case BackendFileSystem:
		if c.FileSystem.Mode != "" {
			mode, _ := strconv.ParseUint(c.FileSystem.Mode, 8, 32)
			opts = append(opts, cache.WithFileMode(os.FileMode(mode)))
		}
		if h, err := hasher(c.FileSystem.Hasher); err == nil {
			opts = append(opts, cache.WithKeyHasher(h))
		}
	case BackendDynamoDB:
		if c.DynamoDB.KeyAttribute != "" || c.DynamoDB.ExpirationAttribute != "" {
			key, exp := c.DynamoDB.attributes()
			opts = append(opts, cache.WithDynamoDBAttributes(key, exp))
		}
	case BackendS3:
		if c.S3.DeleteExpiredOnRead != nil {
			opts = append(opts, cache.WithDeleteExpiredOnRead(*c.S3.DeleteExpiredOnRead))
		}
	}
	return opts
}

func (d DynamoDB) attributes() (string, string) {
	key, exp := d.KeyAttribute, d.ExpirationAttribute
	if key == "" {
		key = "cache_key"
	}
	if exp == "" {
		exp = "expiration_time"
	}
	return key, exp
}

// Open builds the cache described by cfg. Clients created here are closed by the returned
// cache's Close.
func Open(ctx context.Context, cfg *Config, log logger.Logger) (cache.Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c, err := open(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if cfg.Trace {
		c = cache.NewTraced(c, cfg.Backend, nil)
	}
	return c, nil
}
