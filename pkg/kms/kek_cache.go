package kms

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// KEKCache keeps unwrapped data keys for a short while so that repeated
// reads of one private paste cost a single KMS round trip. Concurrent
// misses for the same key are collapsed with singleflight.
type KEKCache struct {
	cache    sync.Map
	ttl      time.Duration
	adapter  *Adapter
	group    singleflight.Group
	now      func() time.Time
	stopChan chan struct{}
	stopped  bool
	mu       sync.Mutex
}

type cachedKEK struct {
	mu           sync.RWMutex
	unwrappedDEK []byte
	expiresAt    time.Time
}

type CacheStats struct {
	Entries int
	Expired int
}

func NewKEKCache(adapter *Adapter, ttl time.Duration) *KEKCache {
	c := &KEKCache{
		ttl:      ttl,
		adapter:  adapter,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	go c.evictionLoop()
	return c
}

// DecryptDEK returns a private copy of the unwrapped key. The caller should
// wipe it when done.
func (c *KEKCache) DecryptDEK(ctx context.Context, wrapped []byte, encContext EncryptionContext) ([]byte, error) {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return nil, ErrProviderUnavailable
	}
	key := cacheKey(wrapped, encContext)
	if dek, ok := c.load(key); ok {
		return dek, nil
	}
	res, err, _ := c.group.Do(key, func() (interface{}, error) {
		if dek, ok := c.load(key); ok {
			return dek, nil
		}
		dek, err := c.adapter.DecryptWithContext(ctx, wrapped, encContext)
		if err != nil {
			return nil, err
		}
		jitter := hashToJitter(key, c.ttl/10)
		c.cache.Store(key, &cachedKEK{
			unwrappedDEK: append([]byte(nil), dek...),
			expiresAt:    c.now().Add(c.ttl + jitter),
		})
		return dek, nil
	})
	if err != nil {
		return nil, err
	}
	// singleflight shares one slice between callers.
	return append([]byte(nil), res.([]byte)...), nil
}

func (c *KEKCache) load(key string) ([]byte, bool) {
	v, ok := c.cache.Load(key)
	if !ok {
		return nil, false
	}
	entry := v.(*cachedKEK)
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	if entry.unwrappedDEK == nil || !c.now().Before(entry.expiresAt) {
		return nil, false
	}
	return append([]byte(nil), entry.unwrappedDEK...), true
}

func cacheKey(wrapped []byte, encContext EncryptionContext) string {
	h := sha256.New()
	aad := serializeEncryptionContext(encContext)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(aad)))
	h.Write(n[:])
	h.Write(aad)
	h.Write(wrapped)
	return hex.EncodeToString(h.Sum(nil))
}

// hashToJitter spreads expiry of entries created together so they are not
// all refetched in the same instant.
func hashToJitter(key string, maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 {
		return 0
	}
	var sum int64
	for i := 0; i < len(key) && i < 16; i++ {
		sum += int64(key[i])
	}
	return time.Duration(sum) * time.Millisecond % maxJitter
}

func (c *KEKCache) evictionLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *KEKCache) evictExpired() int {
	now := c.now()
	evicted := 0
	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedKEK)
		entry.mu.Lock()
		if !now.Before(entry.expiresAt) {
			wipeBytes(entry.unwrappedDEK)
			entry.unwrappedDEK = nil
			c.cache.Delete(key)
			evicted++
		}
		entry.mu.Unlock()
		return true
	})
	return evicted
}

// Stop ends the eviction loop and wipes every cached key.
func (c *KEKCache) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopChan)
	c.mu.Unlock()
	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedKEK)
		entry.mu.Lock()
		wipeBytes(entry.unwrappedDEK)
		entry.unwrappedDEK = nil
		entry.mu.Unlock()
		c.cache.Delete(key)
		return true
	})
}

func (c *KEKCache) Stats() CacheStats {
	var stats CacheStats
	now := c.now()
	c.cache.Range(func(_, value interface{}) bool {
		stats.Entries++
		entry := value.(*cachedKEK)
		entry.mu.RLock()
		if !now.Before(entry.expiresAt) {
			stats.Expired++
		}
		entry.mu.RUnlock()
		return true
	})
	return stats
}

func wipeBytes(b []byte) {
	clear(b)
}
