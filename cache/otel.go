package cache

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "@agentuity/go-cachelib/cache"

type tracedCache struct {
	next    Cache
	tracer  trace.Tracer
	backend attribute.KeyValue
}

var _ Cache = (*tracedCache)(nil)

// NewTraced wraps next so every operation records a client span named "cache.<Op>".
// A nil provider uses the global one.
func NewTraced(next Cache, backend string, tp trace.TracerProvider) Cache {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &tracedCache{
		next:    next,
		tracer:  tp.Tracer(tracerName),
		backend: attribute.String("cache.backend", backend),
	}
}

func (c *tracedCache) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, c.backend)
	return c.tracer.Start(ctx, "cache."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// finish marks the span failed when a write reports false.
func finish(span trace.Span, ok bool, msg string) {
	if ok {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, msg)
	}
	span.End()
}

func keyAttr(key string) attribute.KeyValue {
	return attribute.String("cache.key", key)
}

func (c *tracedCache) Get(ctx context.Context, key string) (any, bool) {
	ctx, span := c.start(ctx, "Get", keyAttr(key))
	defer span.End()
	val, found := c.next.Get(ctx, key)
	span.SetAttributes(attribute.Bool("cache.hit", found))
	return val, found
}

func (c *tracedCache) Set(ctx context.Context, key string, val any, timeout ...time.Duration) bool {
	ctx, span := c.start(ctx, "Set", keyAttr(key))
	ok := c.next.Set(ctx, key, val, timeout...)
	finish(span, ok, "value not stored")
	return ok
}

func (c *tracedCache) Add(ctx context.Context, key string, val any, timeout ...time.Duration) bool {
	ctx, span := c.start(ctx, "Add", keyAttr(key))
	defer span.End()
	ok := c.next.Add(ctx, key, val, timeout...)
	span.SetAttributes(attribute.Bool("cache.added", ok))
	return ok
}

func (c *tracedCache) Delete(ctx context.Context, key string) bool {
	ctx, span := c.start(ctx, "Delete", keyAttr(key))
	defer span.End()
	ok := c.next.Delete(ctx, key)
	span.SetAttributes(attribute.Bool("cache.hit", ok))
	return ok
}

func (c *tracedCache) Has(ctx context.Context, key string) bool {
	ctx, span := c.start(ctx, "Has", keyAttr(key))
	defer span.End()
	ok := c.next.Has(ctx, key)
	span.SetAttributes(attribute.Bool("cache.hit", ok))
	return ok
}

func (c *tracedCache) GetMany(ctx context.Context, keys ...string) []any {
	ctx, span := c.start(ctx, "GetMany", attribute.Int("cache.keys", len(keys)))
	defer span.End()
	return c.next.GetMany(ctx, keys...)
}

func (c *tracedCache) GetDict(ctx context.Context, keys ...string) map[string]any {
	ctx, span := c.start(ctx, "GetDict", attribute.Int("cache.keys", len(keys)))
	defer span.End()
	return c.next.GetDict(ctx, keys...)
}

func (c *tracedCache) SetMany(ctx context.Context, mapping map[string]any, timeout ...time.Duration) []string {
	ctx, span := c.start(ctx, "SetMany", attribute.Int("cache.keys", len(mapping)))
	stored := c.next.SetMany(ctx, mapping, timeout...)
	finish(span, len(stored) == len(mapping), "not every value stored")
	return stored
}

func (c *tracedCache) DeleteMany(ctx context.Context, keys ...string) []string {
	ctx, span := c.start(ctx, "DeleteMany", attribute.Int("cache.keys", len(keys)))
	defer span.End()
	deleted := c.next.DeleteMany(ctx, keys...)
	span.SetAttributes(attribute.Int("cache.deleted", len(deleted)))
	return deleted
}

func (c *tracedCache) Clear(ctx context.Context) bool {
	ctx, span := c.start(ctx, "Clear")
	ok := c.next.Clear(ctx)
	finish(span, ok, "clear failed")
	return ok
}

func (c *tracedCache) Inc(ctx context.Context, key string, delta int64) (int64, bool) {
	ctx, span := c.start(ctx, "Inc", keyAttr(key), attribute.Int64("cache.delta", delta))
	n, ok := c.next.Inc(ctx, key, delta)
	finish(span, ok, "increment failed")
	return n, ok
}

func (c *tracedCache) Dec(ctx context.Context, key string, delta int64) (int64, bool) {
	ctx, span := c.start(ctx, "Dec", keyAttr(key), attribute.Int64("cache.delta", delta))
	n, ok := c.next.Dec(ctx, key, delta)
	finish(span, ok, "decrement failed")
	return n, ok
}

func (c *tracedCache) Close() error {
	_, span := c.start(context.Background(), "Close")
	defer span.End()
	err := c.next.Close()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
	return err
}
