package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"slugbin/metrics"
	"slugbin/pkg/slug"
)

const maxSize = 1 << 20

// Codec memoizes Encode of an inner codec. Encode is pure, so a cached
// entry never goes stale. Decode is passed through.
type Codec struct {
	inner slug.Codec
	c     *lru.Cache[uint64, string]
}

var _ slug.Codec = (*Codec)(nil)

func NewCodec(inner slug.Codec, size int) (*Codec, error) {
	if inner == nil {
		return nil, errors.New("inner codec is required")
	}
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > maxSize {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[uint64, string](size)
	if err != nil {
		return nil, errors.Wrap(err, "new lru")
	}
	return &Codec{inner: inner, c: c}, nil
}

// Wrap returns inner unchanged when size is zero, otherwise a memoizing codec.
func Wrap(inner slug.Codec, size int) (slug.Codec, error) {
	if size == 0 {
		return inner, nil
	}
	return NewCodec(inner, size)
}

func (m *Codec) Encode(id uint64) string {
	if s, ok := m.c.Get(id); ok {
		metrics.CodecCacheHits.Inc()
		return s
	}
	metrics.CodecCacheMisses.Inc()
	s := m.inner.Encode(id)
	m.c.Add(id, s)
	return s
}

func (m *Codec) Decode(s string) (uint64, bool) {
	return m.inner.Decode(s)
}

func (m *Codec) Strategy() slug.Strategy {
	return m.inner.Strategy()
}

func (m *Codec) Len() int {
	return m.c.Len()
}
