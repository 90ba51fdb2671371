package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cockroachdb/errors"
)

// DynamoDBAPI is the subset of *dynamodb.Client used by the DynamoDB cache.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

var _ DynamoDBAPI = (*dynamodb.Client)(nil)

const (
	dynamoValueAttribute   = "response"
	dynamoCreatedAttribute = "created_at"
	dynamoBatchSize        = 25
	dynamoBatchRetries     = 3
)

type dynamoCache struct {
	client DynamoDBAPI
	table  string
	cfg    config
}

var _ Cache = (*dynamoCache)(nil)

// NewDynamoDB returns a Cache storing one item per key in table. Expiration is an epoch
// seconds number attribute usable as the table's TTL attribute; expired items are reported as
// missing until DynamoDB reaps them.
func NewDynamoDB(client DynamoDBAPI, table string, opts ...Option) (Cache, error) {
	if client == nil {
		return nil, errors.New("cache: dynamodb client is required")
	}
	if table == "" {
		return nil, errors.New("cache: dynamodb table name is required")
	}
	cfg, err := applyOptions("dynamodb", MsgpackCodec{}, opts)
	if err != nil {
		return nil, err
	}
	if cfg.keyAttribute == "" || cfg.expiresAttribute == "" {
		return nil, errors.New("cache: dynamodb attribute names must not be empty")
	}
	return &dynamoCache{client: client, table: table, cfg: cfg}, nil
}

// EnsureDynamoDBTable creates table with keyAttribute as its hash key if it does not exist
// and enables TTL on expiresAttribute.
func EnsureDynamoDBTable(ctx context.Context, client *dynamodb.Client, table, keyAttribute, expiresAttribute string) error {
	_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
	var notFound *types.ResourceNotFoundException
	switch {
	case errors.As(err, &notFound):
		_, err = client.CreateTable(ctx, &dynamodb.CreateTableInput{
			TableName: aws.String(table),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String(keyAttribute), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(keyAttribute), KeyType: types.KeyTypeHash},
			},
			BillingMode: types.BillingModePayPerRequest,
		})
		if err != nil {
			return errors.Wrapf(err, "cache: cannot create table %s", table)
		}
		waiter := dynamodb.NewTableExistsWaiter(client)
		if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}, 5*time.Minute); err != nil {
			return errors.Wrapf(err, "cache: table %s did not become active", table)
		}
	case err != nil:
		return errors.Wrapf(err, "cache: cannot describe table %s", table)
	}
	_, err = client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(table),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String(expiresAttribute),
			Enabled:       aws.Bool(true),
		},
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return errors.Wrapf(err, "cache: cannot enable ttl on %s", table)
	}
	return nil
}

func (c *dynamoCache) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

func (c *dynamoCache) keyOf(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		c.cfg.keyAttribute: &types.AttributeValueMemberS{Value: c.cfg.prefix + key},
	}
}

func (c *dynamoCache) nowSeconds() string {
	return strconv.FormatInt(c.cfg.now().Unix(), 10)
}

// item loads the live item for key.
func (c *dynamoCache) item(ctx context.Context, key string) (map[string]types.AttributeValue, bool) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	out, err := c.client.GetItem(qctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.table),
		Key:            c.keyOf(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		c.cfg.logger.Warn("get %q failed: %s", key, err)
		return nil, false
	}
	if len(out.Item) == 0 {
		return nil, false
	}
	if exp, ok := out.Item[c.cfg.expiresAttribute].(*types.AttributeValueMemberN); ok {
		secs, err := strconv.ParseInt(exp.Value, 10, 64)
		if err != nil || secs <= c.cfg.now().Unix() {
			return nil, false
		}
	}
	return out.Item, true
}

func (c *dynamoCache) newItem(key string, val any, d time.Duration) (map[string]types.AttributeValue, bool) {
	data, err := c.cfg.codec.Marshal(val)
	if err != nil {
		c.cfg.logger.Warn("cannot encode key %q: %s", key, err)
		return nil, false
	}
	now := c.cfg.now()
	item := c.keyOf(key)
	item[dynamoValueAttribute] = &types.AttributeValueMemberB{Value: data}
	item[dynamoCreatedAttribute] = &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)}
	if d > 0 {
		exp := now.Add(d + time.Second - 1).Unix()
		item[c.cfg.expiresAttribute] = &types.AttributeValueMemberN{Value: strconv.FormatInt(exp, 10)}
	}
	return item, true
}

func (c *dynamoCache) Get(ctx context.Context, key string) (any, bool) {
	item, ok := c.item(ctx, key)
	if !ok {
		return nil, false
	}
	b, ok := item[dynamoValueAttribute].(*types.AttributeValueMemberB)
	if !ok {
		c.cfg.logger.Warn("item %q has no binary value", key)
		return nil, false
	}
	val, err := c.cfg.codec.Unmarshal(b.Value)
	if err != nil {
		c.cfg.logger.Warn("cannot decode key %q: %s", key, err)
		return nil, false
	}
	return val, true
}

func (c *dynamoCache) Set(ctx context.Context, key string, val any, timeout ...time.Duration) bool {
	d := c.cfg.timeoutFor(timeout)
	if d < 0 {
		c.Delete(ctx, key)
		return true
	}
	item, ok := c.newItem(key, val, d)
	if !ok {
		return false
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if _, err := c.client.PutItem(qctx, &dynamodb.PutItemInput{TableName: aws.String(c.table), Item: item}); err != nil {
		c.cfg.logger.Warn("set %q failed: %s", key, err)
		return false
	}
	return true
}

// Add writes the item unless a live one exists, using a conditional put so the check and
// the write are a single request.
func (c *dynamoCache) Add(ctx context.Context, key string, val any, timeout ...time.Duration) bool {
	d := c.cfg.timeoutFor(timeout)
	if d < 0 {
		return !c.Has(ctx, key)
	}
	item, ok := c.newItem(key, val, d)
	if !ok {
		return false
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	_, err := c.client.PutItem(qctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#k) OR #e <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#k": c.cfg.keyAttribute,
			"#e": c.cfg.expiresAttribute,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: c.nowSeconds()},
		},
	})
	var failed *types.ConditionalCheckFailedException
	if errors.As(err, &failed) {
		return false
	}
	if err != nil {
		c.cfg.logger.Warn("add %q failed: %s", key, err)
		return false
	}
	return true
}

func (c *dynamoCache) Delete(ctx context.Context, key string) bool {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	_, err := c.client.DeleteItem(qctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(c.table),
		Key:                      c.keyOf(key),
		ConditionExpression:      aws.String("attribute_exists(#k)"),
		ExpressionAttributeNames: map[string]string{"#k": c.cfg.keyAttribute},
	})
	var failed *types.ConditionalCheckFailedException
	if errors.As(err, &failed) {
		return false
	}
	if err != nil {
		c.cfg.logger.Warn("delete %q failed: %s", key, err)
		return false
	}
	return true
}

func (c *dynamoCache) Has(ctx context.Context, key string) bool {
	_, ok := c.item(ctx, key)
	return ok
}

func (c *dynamoCache) GetMany(ctx context.Context, keys ...string) []any {
	return getMany(ctx, c, keys)
}

func (c *dynamoCache) GetDict(ctx context.Context, keys ...string) map[string]any {
	return getDict(ctx, c, keys)
}

func (c *dynamoCache) SetMany(ctx context.Context, mapping map[string]any, timeout ...time.Duration) []string {
	return setMany(ctx, c, mapping, timeout)
}

func (c *dynamoCache) DeleteMany(ctx context.Context, keys ...string) []string {
	return deleteMany(ctx, c, keys)
}

// Clear scans the table, restricted to the prefix when one is set, and deletes in batches.
func (c *dynamoCache) Clear(ctx context.Context) bool {
	input := &dynamodb.ScanInput{
		TableName:                aws.String(c.table),
		ProjectionExpression:     aws.String("#k"),
		ExpressionAttributeNames: map[string]string{"#k": c.cfg.keyAttribute},
	}
	if c.cfg.prefix != "" {
		input.FilterExpression = aws.String("begins_with(#k, :prefix)")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: c.cfg.prefix},
		}
	}
	paginator := dynamodb.NewScanPaginator(c.client, input)
	var batch []types.WriteRequest
	for paginator.HasMorePages() {
		qctx, cancel := c.queryCtx(ctx)
		page, err := paginator.NextPage(qctx)
		cancel()
		if err != nil {
			c.cfg.logger.Warn("scan failed: %s", err)
			return false
		}
		for _, item := range page.Items {
			batch = append(batch, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: map[string]types.AttributeValue{
					c.cfg.keyAttribute: item[c.cfg.keyAttribute],
				}},
			})
			if len(batch) == dynamoBatchSize {
				if !c.writeBatch(ctx, batch) {
					return false
				}
				batch = batch[:0]
			}
		}
	}
	if len(batch) > 0 {
		return c.writeBatch(ctx, batch)
	}
	return true
}

func (c *dynamoCache) writeBatch(ctx context.Context, batch []types.WriteRequest) bool {
	requests := map[string][]types.WriteRequest{c.table: append([]types.WriteRequest(nil), batch...)}
	for attempt := 0; attempt < dynamoBatchRetries; attempt++ {
		qctx, cancel := c.queryCtx(ctx)
		out, err := c.client.BatchWriteItem(qctx, &dynamodb.BatchWriteItemInput{RequestItems: requests})
		cancel()
		if err != nil {
			c.cfg.logger.Warn("batch delete failed: %s", err)
			return false
		}
		if len(out.UnprocessedItems) == 0 {
			return true
		}
		requests = out.UnprocessedItems
	}
	c.cfg.logger.Warn("batch delete left %d unprocessed items", len(requests[c.table]))
	return false
}

func (c *dynamoCache) Inc(ctx context.Context, key string, delta int64) (int64, bool) {
	return incr(ctx, c, c.cfg.logger, key, delta)
}

func (c *dynamoCache) Dec(ctx context.Context, key string, delta int64) (int64, bool) {
	return incr(ctx, c, c.cfg.logger, key, -delta)
}

func (c *dynamoCache) Close() error {
	return nil
}
