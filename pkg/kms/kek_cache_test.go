package kms

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type mockProvider struct {
	name        string
	calls       atomic.Int32
	decryptFunc func(ctx context.Context, ciphertext, aad []byte) ([]byte, error)
	encryptErr  error
}

func (m *mockProvider) Name() string {
	if m.name == "" {
		return "mock"
	}
	return m.name
}

func (m *mockProvider) EncryptWithContext(_ context.Context, plaintext, aad []byte) ([]byte, error) {
	m.calls.Add(1)
	if m.encryptErr != nil {
		return nil, m.encryptErr
	}
	return append(append([]byte(nil), aad...), plaintext...), nil
}

func (m *mockProvider) DecryptWithContext(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	m.calls.Add(1)
	if m.decryptFunc != nil {
		return m.decryptFunc(ctx, ciphertext, aad)
	}
	return append([]byte("plain-"), ciphertext...), nil
}

func (m *mockProvider) GetSecret(context.Context, string) (string, error) {
	return "secret", nil
}

func newTestCache(t *testing.T, p Provider, ttl time.Duration) (*KEKCache, *time.Time) {
	t.Helper()
	a, err := NewAdapterWith(p, nil, Policy{FailClosed: true})
	if err != nil {
		t.Fatal(err)
	}
	c := NewKEKCache(a, ttl)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	t.Cleanup(c.Stop)
	return c, &now
}

func TestKEKCache_HitMiss(t *testing.T) {
	p := &mockProvider{}
	c, _ := newTestCache(t, p, time.Hour)
	ctx := context.Background()

	first, err := c.DecryptDEK(ctx, []byte("wrapped"), nil)
	if err != nil {
		t.Fatalf("DecryptDEK: %v", err)
	}
	second, err := c.DecryptDEK(ctx, []byte("wrapped"), nil)
	if err != nil {
		t.Fatalf("DecryptDEK: %v", err)
	}
	if got := p.calls.Load(); got != 1 {
		t.Errorf("KMS calls = %d, want 1", got)
	}
	if !bytes.Equal(first, second) {
		t.Error("cache hit returned a different key")
	}
	first[0] = 'X'
	third, _ := c.DecryptDEK(ctx, []byte("wrapped"), nil)
	if third[0] == 'X' {
		t.Error("caller mutation leaked into the cache")
	}
}

func TestKEKCache_Expiration(t *testing.T) {
	p := &mockProvider{}
	c, now := newTestCache(t, p, time.Minute)
	ctx := context.Background()
	if _, err := c.DecryptDEK(ctx, []byte("wrapped"), nil); err != nil {
		t.Fatal(err)
	}
	*now = now.Add(2 * time.Minute)
	if got := c.Stats().Expired; got != 1 {
		t.Errorf("expired entries = %d, want 1", got)
	}
	if _, err := c.DecryptDEK(ctx, []byte("wrapped"), nil); err != nil {
		t.Fatal(err)
	}
	if got := p.calls.Load(); got != 2 {
		t.Errorf("KMS calls = %d, want 2", got)
	}
}

func TestKEKCache_EvictExpired(t *testing.T) {
	c, now := newTestCache(t, &mockProvider{}, time.Minute)
	ctx := context.Background()
	c.DecryptDEK(ctx, []byte("a"), nil)
	c.DecryptDEK(ctx, []byte("b"), nil)
	if n := c.evictExpired(); n != 0 {
		t.Errorf("evicted %d fresh entries", n)
	}
	*now = now.Add(time.Hour)
	if n := c.evictExpired(); n != 2 {
		t.Errorf("evicted %d, want 2", n)
	}
	if got := c.Stats().Entries; got != 0 {
		t.Errorf("entries = %d, want 0", got)
	}
}

func TestKEKCache_ConcurrentAccess(t *testing.T) {
	release := make(chan struct{})
	p := &mockProvider{decryptFunc: func(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
		<-release
		return []byte("dek"), nil
	}}
	c, _ := newTestCache(t, p, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.DecryptDEK(context.Background(), []byte("wrapped"), nil); err != nil {
				t.Errorf("DecryptDEK: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	if got := p.calls.Load(); got != 1 {
		t.Errorf("KMS calls = %d, want 1 (single-flight)", got)
	}
}

func TestKEKCache_ContextIsPartOfKey(t *testing.T) {
	p := &mockProvider{}
	c, _ := newTestCache(t, p, time.Hour)
	ctx := context.Background()
	c.DecryptDEK(ctx, []byte("wrapped"), EncryptionContext{"paste_id": "1"})
	c.DecryptDEK(ctx, []byte("wrapped"), EncryptionContext{"paste_id": "2"})
	if got := p.calls.Load(); got != 2 {
		t.Errorf("KMS calls = %d, want 2", got)
	}
}

func TestKEKCache_Stop(t *testing.T) {
	c, _ := newTestCache(t, &mockProvider{}, time.Hour)
	ctx := context.Background()
	c.DecryptDEK(ctx, []byte("dek1"), nil)
	c.DecryptDEK(ctx, []byte("dek2"), nil)
	if got := c.Stats().Entries; got != 2 {
		t.Errorf("entries = %d, want 2", got)
	}
	c.Stop()
	if got := c.Stats().Entries; got != 0 {
		t.Errorf("entries after stop = %d, want 0", got)
	}
	if _, err := c.DecryptDEK(ctx, []byte("dek1"), nil); err != ErrProviderUnavailable {
		t.Errorf("DecryptDEK after stop: %v", err)
	}
}
