package cache

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentuity/go-cachelib/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamoDB keeps items in memory and evaluates the condition expressions the cache issues.
type fakeDynamoDB struct {
	mu      sync.Mutex
	keyAttr string
	expAttr string
	items   map[string]map[string]types.AttributeValue
	puts    []*dynamodb.PutItemInput
	batches int
}

var _ DynamoDBAPI = (*fakeDynamoDB)(nil)

func newFakeDynamoDB() *fakeDynamoDB {
	return &fakeDynamoDB{
		keyAttr: "cache_key",
		expAttr: "expiration_time",
		items:   make(map[string]map[string]types.AttributeValue),
	}
}

func (f *fakeDynamoDB) id(key map[string]types.AttributeValue) string {
	return key[f.keyAttr].(*types.AttributeValueMemberS).Value
}

func (f *fakeDynamoDB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[f.id(in.Key)]}, nil
}

func (f *fakeDynamoDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, in)
	id := f.id(in.Item)
	if in.ConditionExpression != nil {
		if existing, ok := f.items[id]; ok {
			now, _ := strconv.ParseInt(in.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberN).Value, 10, 64)
			exp, hasExp := existing[f.expAttr].(*types.AttributeValueMemberN)
			expired := false
			if hasExp {
				secs, _ := strconv.ParseInt(exp.Value, 10, 64)
				expired = secs <= now
			}
			if !expired {
				return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
			}
		}
	}
	f.items[id] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamoDB) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id(in.Key)
	if _, ok := f.items[id]; !ok && in.ConditionExpression != nil {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	delete(f.items, id)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamoDB) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := ""
	if p, ok := in.ExpressionAttributeValues[":prefix"].(*types.AttributeValueMemberS); ok {
		prefix = p.Value
	}
	out := &dynamodb.ScanOutput{}
	for id := range f.items {
		if strings.HasPrefix(id, prefix) {
			out.Items = append(out.Items, map[string]types.AttributeValue{
				f.keyAttr: &types.AttributeValueMemberS{Value: id},
			})
		}
	}
	return out, nil
}

func (f *fakeDynamoDB) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	for _, requests := range in.RequestItems {
		if len(requests) > dynamoBatchSize {
			return nil, &types.ProvisionedThroughputExceededException{Message: aws.String("too many items")}
		}
		for _, r := range requests {
			delete(f.items, f.id(r.DeleteRequest.Key))
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func newDynamoHarness(t *testing.T, opts ...Option) harness {
	t.Helper()
	clk := newTestClock()
	log := logger.NewTestLogger()
	c, err := NewDynamoDB(newFakeDynamoDB(), "cache", append([]Option{WithClock(clk.Now), WithLogger(log)}, opts...)...)
	require.NoError(t, err)
	return harness{cache: c, advance: clk.Advance, log: log}
}

func TestDynamoDBConfigErrors(t *testing.T) {
	_, err := NewDynamoDB(newFakeDynamoDB(), "")
	assert.Error(t, err)
	_, err = NewDynamoDB(nil, "cache")
	assert.Error(t, err)
	_, err = NewDynamoDB(newFakeDynamoDB(), "cache", WithDynamoDBAttributes("", "exp"))
	assert.Error(t, err)
}

func TestDynamoDBItemLayout(t *testing.T) {
	clk := newTestClock()
	fake := newFakeDynamoDB()
	c, err := NewDynamoDB(fake, "cache", WithClock(clk.Now), WithPrefix("app:"))
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, c.Set(ctx, "k", "v", 90*time.Second))
	item := fake.items["app:k"]
	require.NotNil(t, item)
	assert.Equal(t, strconv.FormatInt(clk.Now().Unix()+90, 10), item["expiration_time"].(*types.AttributeValueMemberN).Value)
	assert.Equal(t, strconv.FormatInt(clk.Now().Unix(), 10), item["created_at"].(*types.AttributeValueMemberN).Value)
	assert.IsType(t, &types.AttributeValueMemberB{}, item["response"])
	assert.Equal(t, "cache", aws.ToString(fake.puts[0].TableName))

	assert.True(t, c.Set(ctx, "forever", "v", 0))
	assert.NotContains(t, fake.items["app:forever"], "expiration_time")
}

func TestDynamoDBCustomAttributes(t *testing.T) {
	fake := newFakeDynamoDB()
	fake.keyAttr, fake.expAttr = "id", "ttl"
	c, err := NewDynamoDB(fake, "cache", WithDynamoDBAttributes("id", "ttl"))
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, c.Add(ctx, "k", "v", time.Minute))
	assert.False(t, c.Add(ctx, "k", "v", time.Minute))
	assert.Contains(t, fake.items["k"], "ttl")
}

func TestDynamoDBClearBatches(t *testing.T) {
	fake := newFakeDynamoDB()
	c, err := NewDynamoDB(fake, "cache")
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		c.Set(ctx, strconv.Itoa(i), i)
	}
	assert.True(t, c.Clear(ctx))
	assert.Empty(t, fake.items)
	assert.Equal(t, 3, fake.batches)
}
