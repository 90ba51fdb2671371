package cache

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentuity/go-cachelib/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3Object struct {
	data     []byte
	metadata map[string]string
}

// fakeS3 is a single bucket held in memory. ListObjectsV2 pages at pageSize keys.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string]fakeS3Object
	pageSize int
	deletes  int
}

var _ S3API = (*fakeS3)(nil)

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeS3Object), pageSize: 1000}
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{
		Body:     io.NopCloser(bytes.NewReader(obj.data)),
		Metadata: obj.metadata,
	}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = fakeS3Object{data: data, metadata: in.Metadata}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{Metadata: obj.metadata, ContentLength: aws.Int64(int64(len(obj.data)))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	for _, obj := range in.Delete.Objects {
		delete(f.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) && key > aws.ToString(in.ContinuationToken) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	if len(keys) > f.pageSize {
		keys = keys[:f.pageSize]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	for _, key := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func newS3Harness(t *testing.T, opts ...Option) harness {
	t.Helper()
	clk := newTestClock()
	log := logger.NewTestLogger()
	c, err := NewS3(newFakeS3(), "bucket", append([]Option{WithClock(clk.Now), WithLogger(log)}, opts...)...)
	require.NoError(t, err)
	return harness{cache: c, advance: clk.Advance, log: log}
}

func TestS3ConfigErrors(t *testing.T) {
	_, err := NewS3(newFakeS3(), "")
	assert.Error(t, err)
	_, err = NewS3(nil, "bucket")
	assert.Error(t, err)
}

func TestS3ExpiryMetadata(t *testing.T) {
	clk := newTestClock()
	fake := newFakeS3()
	c, err := NewS3(fake, "bucket", WithClock(clk.Now), WithPrefix("cache/"))
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, c.Set(ctx, "k", "v", time.Minute))
	obj, ok := fake.objects["cache/k"]
	require.True(t, ok)
	assert.Equal(t, strconv.FormatInt(clk.Now().Add(time.Minute).UnixNano(), 10), obj.metadata["cache-expires"])

	assert.True(t, c.Set(ctx, "n", int64(9)))
	assert.Equal(t, "9", string(fake.objects["cache/n"].data))
}

func TestS3DeleteExpiredOnRead(t *testing.T) {
	for _, drop := range []bool{true, false} {
		clk := newTestClock()
		fake := newFakeS3()
		c, err := NewS3(fake, "bucket", WithClock(clk.Now), WithDeleteExpiredOnRead(drop))
		require.NoError(t, err)
		ctx := context.Background()

		c.Set(ctx, "k", "v", time.Second)
		clk.Advance(time.Minute)
		_, found := c.Get(ctx, "k")
		assert.False(t, found)
		_, kept := fake.objects["k"]
		assert.Equal(t, !drop, kept)
	}
}

func TestS3ClearPagesAndBatches(t *testing.T) {
	fake := newFakeS3()
	fake.pageSize = 700
	fake.objects["other/x"] = fakeS3Object{data: []byte("1")}
	c, err := NewS3(fake, "bucket", WithPrefix("cache/"))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 1500; i++ {
		fake.objects["cache/"+strconv.Itoa(i)] = fakeS3Object{data: []byte("1")}
	}
	assert.True(t, c.Clear(ctx))
	assert.Len(t, fake.objects, 1)
	assert.Equal(t, 2, fake.deletes)
}
