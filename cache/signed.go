package cache

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/cockroachdb/errors"
)

// ErrBadSignature is returned when a stored payload fails verification.
var ErrBadSignature = errors.New("cache: payload signature mismatch")

const signatureSize = sha256.Size

type signedCodec struct {
	inner Codec
	keys  [][]byte
}

// NewSignedCodec prefixes every payload produced by inner with an HMAC-SHA256 tag.
// The last key signs new payloads; a payload is accepted if any key verifies it, which allows
// rotating keys without invalidating the whole cache.
func NewSignedCodec(inner Codec, keys ...[]byte) (Codec, error) {
	if len(keys) == 0 {
		return nil, errors.New("cache: at least one signing key is required")
	}
	for i, key := range keys {
		if len(key) == 0 {
			return nil, errors.Newf("cache: signing key %d is empty", i)
		}
	}
	return &signedCodec{inner: inner, keys: keys}, nil
}

func sign(key, payload []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return mac.Sum(nil)
}

func (c *signedCodec) Marshal(v any) ([]byte, error) {
	payload, err := c.inner.Marshal(v)
	if err != nil {
		return nil, err
	}
	tag := sign(c.keys[len(c.keys)-1], payload)
	return append(tag, payload...), nil
}

func (c *signedCodec) Unmarshal(data []byte) (any, error) {
	if len(data) < signatureSize {
		return nil, ErrBadSignature
	}
	tag, payload := data[:signatureSize], data[signatureSize:]
	for _, key := range c.keys {
		if hmac.Equal(tag, sign(key, payload)) {
			return c.inner.Unmarshal(payload)
		}
	}
	return nil, ErrBadSignature
}

func isSigned(c Codec) bool {
	_, ok := c.(*signedCodec)
	return ok
}
