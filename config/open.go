package config

import (
	"context"
	"time"

	"github.com/agentuity/go-cachelib/cache"
	"github.com/agentuity/go-cachelib/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bradfitz/gomemcache/memcache"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const disconnectTimeout = 5 * time.Second

// owned closes the client a backend was built on after the backend itself.
type owned struct {
	cache.Cache
	release func() error
}

func (o *owned) Close() error {
	err := o.Cache.Close()
	if rerr := o.release(); err == nil {
		err = rerr
	}
	return err
}

func open(ctx context.Context, cfg *Config, log logger.Logger) (cache.Cache, error) {
	opts := cfg.Options(log)
	switch cfg.Backend {
	case BackendNull:
		return cache.NewNull(), nil
	case BackendSimple:
		return cache.NewSimple(ctx, opts...)
	case BackendFileSystem:
		return cache.NewFileSystem(cfg.FileSystem.Dir, opts...)
	case BackendSQLite:
		return cache.NewSQLite(ctx, cfg.SQLite.Path, opts...)
	case BackendRedis:
		return openRedis(cfg, opts)
	case BackendMemcached:
		client := memcache.New(cfg.Memcached.Servers...)
		c, err := cache.NewMemcached(client, opts...)
		if err != nil {
			client.Close()
			return nil, err
		}
		return &owned{Cache: c, release: client.Close}, nil
	case BackendMongoDB:
		return openMongoDB(ctx, cfg, opts)
	case BackendDynamoDB:
		return openDynamoDB(ctx, cfg, opts)
	case BackendS3:
		return openS3(ctx, cfg, opts)
	case BackendComposite:
		tiers := make([]cache.Cache, 0, len(cfg.Tiers))
		for i := range cfg.Tiers {
			tier, err := Open(ctx, &cfg.Tiers[i], log)
			if err != nil {
				for _, t := range tiers {
					t.Close()
				}
				return nil, errors.Wrapf(err, "tier %d", i)
			}
			tiers = append(tiers, tier)
		}
		return cache.NewComposite(tiers...), nil
	}
	return nil, errors.Wrapf(ErrUnknownBackend, "%q", cfg.Backend)
}

func openRedis(cfg *Config, opts []cache.Option) (cache.Cache, error) {
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(redisOpts)
	c, err := cache.NewRedis(client, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &owned{Cache: c, release: client.Close}, nil
}

func openMongoDB(ctx context.Context, cfg *Config, opts []cache.Option) (cache.Cache, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDB.URI))
	if err != nil {
		return nil, errors.Wrap(err, "connect to mongodb")
	}
	disconnect := func() error {
		dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		return client.Disconnect(dctx)
	}
	coll := client.Database(cfg.MongoDB.Database).Collection(cfg.MongoDB.Collection)
	if cfg.MongoDB.EnsureTTLIndex {
		if err := cache.EnsureMongoTTLIndex(ctx, coll); err != nil {
			disconnect()
			return nil, err
		}
	}
	c, err := cache.NewMongoDB(coll, opts...)
	if err != nil {
		disconnect()
		return nil, err
	}
	return &owned{Cache: c, release: disconnect}, nil
}

func loadAWS(ctx context.Context, region string) (aws.Config, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, errors.Wrap(err, "load aws config")
	}
	return awsCfg, nil
}

func openDynamoDB(ctx context.Context, cfg *Config, opts []cache.Option) (cache.Cache, error) {
	awsCfg, err := loadAWS(ctx, cfg.DynamoDB.Region)
	if err != nil {
		return nil, err
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoDB.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoDB.Endpoint)
		}
	})
	if cfg.DynamoDB.CreateTable {
		key, exp := cfg.DynamoDB.attributes()
		if err := cache.EnsureDynamoDBTable(ctx, client, cfg.DynamoDB.Table, key, exp); err != nil {
			return nil, err
		}
	}
	return cache.NewDynamoDB(client, cfg.DynamoDB.Table, opts...)
}

func openS3(ctx context.Context, cfg *Config, opts []cache.Option) (cache.Cache, error) {
	awsCfg, err := loadAWS(ctx, cfg.S3.Region)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
		}
		o.UsePathStyle = cfg.S3.UsePathStyle
	})
	return cache.NewS3(client, cfg.S3.Bucket, opts...)
}
