package cache

import (
	"fmt"
	"math"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec converts values to and from the bytes a backend stores.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

// MsgpackCodec is the default codec. Decoded values are normalized: integers become int64
// (uint64 only when the value does not fit), float32 becomes float64 and maps become
// map[string]any.
type MsgpackCodec struct{}

var _ Codec = MsgpackCodec{}

func (MsgpackCodec) Marshal(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "cache: cannot encode %T", v)
	}
	return data, nil
}

func (MsgpackCodec) Unmarshal(data []byte) (any, error) {
	var v any
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, errors.Wrap(err, "cache: cannot decode payload")
	}
	return normalize(v), nil
}

func normalize(v any) any {
	switch n := v.(type) {
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint:
		if uint64(n) <= math.MaxInt64 {
			return int64(n)
		}
		return uint64(n)
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n)
		}
		return n
	case float32:
		return float64(n)
	case []any:
		for i := range n {
			n[i] = normalize(n[i])
		}
		return n
	case map[string]any:
		for k, val := range n {
			n[k] = normalize(val)
		}
		return n
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, val := range n {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	default:
		return v
	}
}

// textIntCodec stores integers as ASCII decimal so the store's native counters can operate on
// them. Every other value is stored as '!' followed by the inner payload.
type textIntCodec struct {
	inner Codec
}

// TextIntCodec wraps inner so integers are stored as plain decimal text.
func TextIntCodec(inner Codec) Codec {
	return textIntCodec{inner: inner}
}

func (c textIntCodec) Marshal(v any) ([]byte, error) {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		n, _ := toInt64(v)
		return strconv.AppendInt(nil, n, 10), nil
	}
	data, err := c.inner.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append([]byte{'!'}, data...), nil
}

func (c textIntCodec) Unmarshal(data []byte) (any, error) {
	if len(data) > 0 && data[0] == '!' {
		return c.inner.Unmarshal(data[1:])
	}
	if n, err := strconv.ParseInt(string(data), 10, 64); err == nil {
		return n, nil
	}
	return data, nil
}
