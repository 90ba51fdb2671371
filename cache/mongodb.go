package cache

import (
	"context"
	"regexp"
	"time"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoCollection is the subset of *mongo.Collection used by the MongoDB cache.
type MongoCollection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) *mongo.SingleResult
	ReplaceOne(ctx context.Context, filter any, replacement any, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
	DeleteMany(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
}

var _ MongoCollection = (*mongo.Collection)(nil)

type mongoDocument struct {
	Key        string     `bson:"_id"`
	Value      []byte     `bson:"val"`
	Expiration *time.Time `bson:"expiration,omitempty"`
}

type mongoCache struct {
	coll MongoCollection
	cfg  config
}

var _ Cache = (*mongoCache)(nil)

// NewMongoDB returns a Cache storing one document per key in coll. Expired documents are
// removed when read; EnsureMongoTTLIndex lets the server reap the rest.
func NewMongoDB(coll MongoCollection, opts ...Option) (Cache, error) {
	if coll == nil {
		return nil, errors.New("cache: mongodb collection is required")
	}
	cfg, err := applyOptions("mongodb", MsgpackCodec{}, opts)
	if err != nil {
		return nil, err
	}
	return &mongoCache{coll: coll, cfg: cfg}, nil
}

// EnsureMongoTTLIndex creates the TTL index that expires documents at their expiration date.
func EnsureMongoTTLIndex(ctx context.Context, coll *mongo.Collection) error {
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiration", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return errors.Wrap(err, "cache: cannot create ttl index")
	}
	return nil
}

func (c *mongoCache) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

func (c *mongoCache) prefixKey(key string) string {
	return c.cfg.prefix + key
}

// find returns the live document for key, deleting it when expired.
func (c *mongoCache) find(ctx context.Context, key string) (*mongoDocument, bool) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	var doc mongoDocument
	err := c.coll.FindOne(qctx, bson.M{"_id": c.prefixKey(key)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false
	}
	if err != nil {
		c.cfg.logger.Warn("find %q failed: %s", key, err)
		return nil, false
	}
	if doc.Expiration != nil && !doc.Expiration.After(c.cfg.now()) {
		if _, err := c.coll.DeleteOne(qctx, bson.M{"_id": doc.Key}); err != nil {
			c.cfg.logger.Warn("cannot remove expired %q: %s", key, err)
		}
		return nil, false
	}
	return &doc, true
}

func (c *mongoCache) document(key string, val any, d time.Duration) (*mongoDocument, bool) {
	data, err := c.cfg.codec.Marshal(val)
	if err != nil {
		c.cfg.logger.Warn("cannot encode key %q: %s", key, err)
		return nil, false
	}
	doc := &mongoDocument{Key: c.prefixKey(key), Value: data}
	if d > 0 {
		exp := c.cfg.now().Add(d).UTC()
		doc.Expiration = &exp
	}
	return doc, true
}

func (c *mongoCache) Get(ctx context.Context, key string) (any, bool) {
	doc, ok := c.find(ctx, key)
	if !ok {
		return nil, false
	}
	val, err := c.cfg.codec.Unmarshal(doc.Value)
	if err != nil {
		c.cfg.logger.Warn("cannot decode key %q: %s", key, err)
		return nil, false
	}
	return val, true
}

func (c *mongoCache) Set(ctx context.Context, key string, val any, timeout ...time.Duration) bool {
	d := c.cfg.timeoutFor(timeout)
	if d < 0 {
		c.Delete(ctx, key)
		return true
	}
	doc, ok := c.document(key, val, d)
	if !ok {
		return false
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if _, err := c.coll.ReplaceOne(qctx, bson.M{"_id": doc.Key}, doc, options.Replace().SetUpsert(true)); err != nil {
		c.cfg.logger.Warn("set %q failed: %s", key, err)
		return false
	}
	return true
}

func (c *mongoCache) Add(ctx context.Context, key string, val any, timeout ...time.Duration) bool {
	if c.Has(ctx, key) {
		return false
	}
	d := c.cfg.timeoutFor(timeout)
	if d < 0 {
		return true
	}
	doc, ok := c.document(key, val, d)
	if !ok {
		return false
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	_, err := c.coll.InsertOne(qctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return false
	}
	if err != nil {
		c.cfg.logger.Warn("add %q failed: %s", key, err)
		return false
	}
	return true
}

func (c *mongoCache) Delete(ctx context.Context, key string) bool {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	res, err := c.coll.DeleteOne(qctx, bson.M{"_id": c.prefixKey(key)})
	if err != nil {
		c.cfg.logger.Warn("delete %q failed: %s", key, err)
		return false
	}
	return res.DeletedCount > 0
}

func (c *mongoCache) Has(ctx context.Context, key string) bool {
	_, ok := c.find(ctx, key)
	return ok
}

func (c *mongoCache) GetMany(ctx context.Context, keys ...string) []any {
	return getMany(ctx, c, keys)
}

func (c *mongoCache) GetDict(ctx context.Context, keys ...string) map[string]any {
	return getDict(ctx, c, keys)
}

func (c *mongoCache) SetMany(ctx context.Context, mapping map[string]any, timeout ...time.Duration) []string {
	return setMany(ctx, c, mapping, timeout)
}

func (c *mongoCache) DeleteMany(ctx context.Context, keys ...string) []string {
	return deleteMany(ctx, c, keys)
}

// Clear removes the documents under the prefix, or the whole collection without one.
func (c *mongoCache) Clear(ctx context.Context) bool {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	filter := bson.M{}
	if c.cfg.prefix != "" {
		filter = bson.M{"_id": bson.M{"$regex": "^" + regexp.QuoteMeta(c.cfg.prefix)}}
	}
	if _, err := c.coll.DeleteMany(qctx, filter); err != nil {
		c.cfg.logger.Warn("clear failed: %s", err)
		return false
	}
	return true
}

func (c *mongoCache) Inc(ctx context.Context, key string, delta int64) (int64, bool) {
	return incr(ctx, c, c.cfg.logger, key, delta)
}

func (c *mongoCache) Dec(ctx context.Context, key string, delta int64) (int64, bool) {
	return incr(ctx, c, c.cfg.logger, key, -delta)
}

// Close is a no-op; the caller owns the mongo.Client lifecycle.
func (c *mongoCache) Close() error {
	return nil
}
