package datasync

import (
	"time"

	"github.com/avalonforge/corestate/internal/xclock"
	"github.com/vmihailenco/msgpack/v5"
)

// envelope is the wire shape written to the cache: the (optionally
// compressed) serialized value plus its absolute expiry. The expiry is
// recorded but not read back by this package: the Redis-native TTL enforces
// expiry in the cache, and the local cache tier is given the caller's ttl
// directly.
type envelope struct {
	ValueBytes []byte `msgpack:"v,omitempty"`
	Compressed bool   `msgpack:"c,omitempty"`
	ExpiredAt  int64  `msgpack:"e,omitempty"` // UnixMilli, 0 means no expiry
}

func (e *Engine) buildEnvelope(valueBytes []byte, ttl time.Duration) envelope {
	payload := valueBytes
	compressed := false
	if e.cfg.CompressionThresholdBytes > 0 && len(valueBytes) >= e.cfg.CompressionThresholdBytes {
		payload = compressBytes(valueBytes)
		compressed = true
	}
	var expiredAt int64
	if ttl > 0 {
		expiredAt = xclock.Now().Add(ttl).UnixMilli()
	}
	return envelope{ValueBytes: payload, Compressed: compressed, ExpiredAt: expiredAt}
}

func (e *Engine) decodeEnvelope(env envelope) ([]byte, error) {
	if !env.Compressed {
		return env.ValueBytes, nil
	}
	return decompressBytes(env.ValueBytes)
}

// rawScalar reports whether value is already byte-shaped and should bypass
// msgpack entirely: a nil write stores an empty payload, and []byte/string
// values carry their own encoding.
func rawScalar(value interface{}) (raw []byte, isRaw bool) {
	switch v := value.(type) {
	case nil:
		return nil, true
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	default:
		return nil, false
	}
}

// marshal encodes value into bytes the way the cache expects it: scalar
// types pass through via rawScalar, everything else goes through msgpack.
func marshal(value interface{}) ([]byte, error) {
	if raw, ok := rawScalar(value); ok {
		return raw, nil
	}
	return msgpack.Marshal(value)
}

// scalarTarget decodes b directly into value when value is a pointer to a
// scalar destination, reporting whether it handled the case.
func scalarTarget(b []byte, value interface{}) (handled bool, err error) {
	switch v := value.(type) {
	case *string:
		*v = string(b)
		return true, nil
	case *[]byte:
		*v = append([]byte(nil), b...)
		return true, nil
	case nil:
		return true, ErrSerialization
	default:
		return false, nil
	}
}

// unmarshal decodes b into value, the inverse of marshal.
func unmarshal(b []byte, value interface{}) error {
	if len(b) == 0 {
		return nil
	}
	if handled, err := scalarTarget(b, value); handled {
		return err
	}
	return msgpack.Unmarshal(b, value)
}
