package cache

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/cockroachdb/errors"
)

// S3API is the subset of *s3.Client used by the S3 cache.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

var _ S3API = (*s3.Client)(nil)

const (
	s3ExpiresMetadata = "cache-expires"
	s3DeleteBatchSize = 1000
)

type s3Cache struct {
	client S3API
	bucket string
	cfg    config
}

var _ Cache = (*s3Cache)(nil)

// NewS3 returns a Cache storing one object per key in bucket, under the configured prefix.
// The expiration is kept in object metadata; stale objects are deleted when read unless
// WithDeleteExpiredOnRead(false) is given. Pair with a bucket lifecycle rule to reap the rest.
func NewS3(client S3API, bucket string, opts ...Option) (Cache, error) {
	if client == nil {
		return nil, errors.New("cache: s3 client is required")
	}
	if bucket == "" {
		return nil, errors.New("cache: s3 bucket name is required")
	}
	cfg, err := applyOptions("s3", TextIntCodec(MsgpackCodec{}), opts)
	if err != nil {
		return nil, err
	}
	return &s3Cache{client: client, bucket: bucket, cfg: cfg}, nil
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &noSuchKey)
}

func (c *s3Cache) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

func (c *s3Cache) objectKey(key string) string {
	return c.cfg.prefix + key
}

// fresh reports whether object metadata describes a live entry.
func (c *s3Cache) fresh(metadata map[string]string) bool {
	raw, ok := metadata[s3ExpiresMetadata]
	if !ok {
		return true
	}
	exp, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false
	}
	return isLive(exp, c.cfg.now().UnixNano())
}

func (c *s3Cache) dropStale(ctx context.Context, key string) {
	if !c.cfg.deleteExpiredOnRead {
		return
	}
	if _, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
	}); err != nil {
		c.cfg.logger.Warn("cannot remove expired %q: %s", key, err)
	}
}

func (c *s3Cache) Get(ctx context.Context, key string) (any, bool) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	out, err := c.client.GetObject(qctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
	})
	if isS3NotFound(err) {
		return nil, false
	}
	if err != nil {
		c.cfg.logger.Warn("get %q failed: %s", key, err)
		return nil, false
	}
	defer out.Body.Close()
	if !c.fresh(out.Metadata) {
		c.dropStale(qctx, key)
		return nil, false
	}
	data, err := io.ReadAll(out.Body)
	if err != nil {
		c.cfg.logger.Warn("cannot read %q: %s", key, err)
		return nil, false
	}
	val, err := c.cfg.codec.Unmarshal(data)
	if err != nil {
		c.cfg.logger.Warn("cannot decode key %q: %s", key, err)
		return nil, false
	}
	return val, true
}

func (c *s3Cache) Set(ctx context.Context, key string, val any, timeout ...time.Duration) bool {
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
	_, err = c.client.PutObject(qctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
		Body:   bytes.NewReader(data),
		Metadata: map[string]string{
			s3ExpiresMetadata: strconv.FormatInt(expiresAt(c.cfg.now(), d), 10),
		},
	})
	if err != nil {
		c.cfg.logger.Warn("set %q failed: %s", key, err)
		return false
	}
	return true
}

func (c *s3Cache) Add(ctx context.Context, key string, val any, timeout ...time.Duration) bool {
	if c.Has(ctx, key) {
		return false
	}
	return c.Set(ctx, key, val, timeout...)
}

func (c *s3Cache) Delete(ctx context.Context, key string) bool {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	_, err := c.client.HeadObject(qctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
	})
	if isS3NotFound(err) {
		return false
	}
	if err != nil {
		c.cfg.logger.Warn("head %q failed: %s", key, err)
		return false
	}
	if _, err := c.client.DeleteObject(qctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
	}); err != nil {
		c.cfg.logger.Warn("delete %q failed: %s", key, err)
		return false
	}
	return true
}

func (c *s3Cache) Has(ctx context.Context, key string) bool {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	out, err := c.client.HeadObject(qctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
	})
	if isS3NotFound(err) {
		return false
	}
	if err != nil {
		c.cfg.logger.Warn("head %q failed: %s", key, err)
		return false
	}
	if !c.fresh(out.Metadata) {
		c.dropStale(qctx, key)
		return false
	}
	return true
}

func (c *s3Cache) GetMany(ctx context.Context, keys ...string) []any {
	return getMany(ctx, c, keys)
}

func (c *s3Cache) GetDict(ctx context.Context, keys ...string) map[string]any {
	return getDict(ctx, c, keys)
}

func (c *s3Cache) SetMany(ctx context.Context, mapping map[string]any, timeout ...time.Duration) []string {
	return setMany(ctx, c, mapping, timeout)
}

func (c *s3Cache) DeleteMany(ctx context.Context, keys ...string) []string {
	return deleteMany(ctx, c, keys)
}

// Clear deletes every object under the prefix, the whole bucket when no prefix is set.
func (c *s3Cache) Clear(ctx context.Context) bool {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(c.bucket)}
	if c.cfg.prefix != "" {
		input.Prefix = aws.String(c.cfg.prefix)
	}
	paginator := s3.NewListObjectsV2Paginator(c.client, input)
	var batch []types.ObjectIdentifier
	for paginator.HasMorePages() {
		qctx, cancel := c.queryCtx(ctx)
		page, err := paginator.NextPage(qctx)
		cancel()
		if err != nil {
			c.cfg.logger.Warn("list failed: %s", err)
			return false
		}
		for _, obj := range page.Contents {
			batch = append(batch, types.ObjectIdentifier{Key: obj.Key})
			if len(batch) == s3DeleteBatchSize {
				if !c.deleteBatch(ctx, batch) {
					return false
				}
				batch = batch[:0]
			}
		}
	}
	if len(batch) > 0 {
		return c.deleteBatch(ctx, batch)
	}
	return true
}

func (c *s3Cache) deleteBatch(ctx context.Context, batch []types.ObjectIdentifier) bool {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	out, err := c.client.DeleteObjects(qctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(c.bucket),
		Delete: &types.Delete{
			Objects: append([]types.ObjectIdentifier(nil), batch...),
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		c.cfg.logger.Warn("batch delete failed: %s", err)
		return false
	}
	for _, e := range out.Errors {
		c.cfg.logger.Warn("cannot delete %s: %s", aws.ToString(e.Key), aws.ToString(e.Message))
	}
	return len(out.Errors) == 0
}

func (c *s3Cache) Inc(ctx context.Context, key string, delta int64) (int64, bool) {
	return incr(ctx, c, c.cfg.logger, key, delta)
}

func (c *s3Cache) Dec(ctx context.Context, key string, delta int64) (int64, bool) {
	return incr(ctx, c, c.cfg.logger, key, -delta)
}

func (c *s3Cache) Close() error {
	return nil
}
