package registry

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"slugbin/pkg/domain"
	"slugbin/pkg/slug"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func threeWords(t *testing.T) slug.Codec {
	t.Helper()
	c, err := slug.NewMnemonic([]string{"ant", "bee", "cat"})
	require.NoError(t, err)
	return c
}

func hashidsCodec(t *testing.T) slug.Codec {
	t.Helper()
	c, err := slug.NewHashids("registry-test", 6, "")
	require.NoError(t, err)
	return c
}

func TestInsertAssignsIncreasingIDs(t *testing.T) {
	r := New(hashidsCodec(t))
	var last uint64
	for i := 0; i < 10; i++ {
		id, err := r.Insert(domain.Paste{Content: fmt.Sprint(i)})
		require.NoError(t, err)
		require.Greater(t, id, last)
		last = id
	}
	require.Equal(t, 10, r.Len())
}

func TestIDsNeverReused(t *testing.T) {
	r := New(hashidsCodec(t))
	id1, err := r.Insert(domain.Paste{})
	require.NoError(t, err)
	require.True(t, r.RemoveID(id1))
	id2, err := r.Insert(domain.Paste{})
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
}

func TestCustomURLCaseSensitive(t *testing.T) {
	r := New(hashidsCodec(t))
	id, err := r.Insert(domain.Paste{CustomURL: "launch"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)

	require.False(t, r.IsSlugAvailable("launch"))
	require.True(t, r.IsSlugAvailable("LAUNCH"))

	_, err = r.Insert(domain.Paste{CustomURL: "LAUNCH"})
	require.NoError(t, err)
}

func TestInsertRejectsTakenSlugWithoutMutating(t *testing.T) {
	r := New(hashidsCodec(t))
	first, err := r.Insert(domain.Paste{CustomURL: "notes", Content: "a"})
	require.NoError(t, err)

	_, err = r.Insert(domain.Paste{CustomURL: "notes", Content: "b"})
	require.ErrorIs(t, err, domain.ErrSlugTaken)
	require.Equal(t, 1, r.Len())

	p, ok := r.Find("notes")
	require.True(t, ok)
	require.Equal(t, first, p.ID)
	require.Equal(t, "a", p.Content)

	derived := r.Slug(domain.Paste{ID: first})
	_, err = r.Insert(domain.Paste{CustomURL: derived})
	require.ErrorIs(t, err, domain.ErrSlugTaken, "custom url equal to a derived slug")
}

func TestConcurrentSameCustomURL(t *testing.T) {
	r := New(hashidsCodec(t))
	const n = 64
	var ok, taken atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := r.Insert(domain.Paste{CustomURL: "race"})
			switch {
			case err == nil:
				ok.Add(1)
			case err == domain.ErrSlugTaken:
				taken.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	require.Equal(t, int32(1), ok.Load())
	require.Equal(t, int32(n-1), taken.Load())
	require.Equal(t, 1, r.Len())
}

func TestConcurrentInsertsGetDistinctSlugs(t *testing.T) {
	r := New(threeWords(t))
	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Insert(domain.Paste{}); err != nil {
				t.Errorf("insert: %v", err)
			}
		}()
	}
	wg.Wait()
	seen := map[string]bool{}
	for _, p := range r.List() {
		s := r.Slug(p)
		require.False(t, seen[s], "duplicate slug %q", s)
		seen[s] = true
	}
	require.Len(t, seen, n)
}

func TestFindPrefersCustomURL(t *testing.T) {
	r := New(threeWords(t))
	// "bee-ant" decodes to 3; claim it as a custom url before id 3 exists.
	owner, err := r.Insert(domain.Paste{CustomURL: "bee-ant", Content: "custom"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), owner)

	_, err = r.Insert(domain.Paste{Content: "two"})
	require.NoError(t, err)
	next, err := r.Insert(domain.Paste{Content: "skipped three"})
	require.NoError(t, err)
	require.Equal(t, uint64(4), next, "id 3 derives bee-ant and must be skipped")

	p, ok := r.Find("bee-ant")
	require.True(t, ok)
	require.Equal(t, "custom", p.Content)
}

func TestDerivedSlugExpires(t *testing.T) {
	clock := newFakeClock()
	r := New(threeWords(t), WithClock(clock.Now), WithFirstID(3))
	id, err := r.Insert(domain.Paste{ExpiresAt: clock.Now().Add(time.Minute)})
	require.NoError(t, err)
	require.Equal(t, uint64(3), id)

	p, ok := r.Find("bee-ant")
	require.True(t, ok)
	require.Equal(t, id, p.ID)
	require.False(t, r.IsSlugAvailable("bee-ant"))

	clock.Advance(time.Minute)
	_, ok = r.Find("bee-ant")
	require.False(t, ok)
	require.True(t, r.IsSlugAvailable("bee-ant"))

	next, err := r.Insert(domain.Paste{})
	require.NoError(t, err)
	require.NotEqual(t, id, next)

	_, err = r.Insert(domain.Paste{CustomURL: "bee-ant"})
	require.NoError(t, err, "expired derived slug may be claimed")
}

func TestNoExpiryLivesForever(t *testing.T) {
	clock := newFakeClock()
	r := New(hashidsCodec(t), WithClock(clock.Now))
	_, err := r.Insert(domain.Paste{CustomURL: "forever"})
	require.NoError(t, err)
	clock.Advance(100 * 365 * 24 * time.Hour)
	_, ok := r.Find("forever")
	require.True(t, ok)
}

func TestSweep(t *testing.T) {
	clock := newFakeClock()
	r := New(hashidsCodec(t), WithClock(clock.Now))
	for i := 1; i <= 5; i++ {
		_, err := r.Insert(domain.Paste{ExpiresAt: clock.Now().Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}
	_, err := r.Insert(domain.Paste{})
	require.NoError(t, err)

	clock.Advance(3 * time.Minute)
	require.Equal(t, 3, r.Sweep())
	require.Equal(t, 0, r.Sweep())
	require.Equal(t, 3, r.Len())
}

func TestRemoveIdempotent(t *testing.T) {
	r := New(hashidsCodec(t))
	_, err := r.Insert(domain.Paste{CustomURL: "gone"})
	require.NoError(t, err)
	require.True(t, r.Remove("gone"))
	require.False(t, r.Remove("gone"))
	require.False(t, r.Remove("never-existed"))
	require.False(t, r.Remove(""))
	require.Equal(t, 0, r.Len())
}

func TestMalformedAndMissingSlugs(t *testing.T) {
	r := New(threeWords(t))
	_, err := r.Insert(domain.Paste{})
	require.NoError(t, err)
	for _, s := range []string{"", "dog", "ant-bee", "bee--ant", "cat-cat-cat-cat"} {
		_, ok := r.Find(s)
		require.False(t, ok, s)
	}
}

func TestBurnAfterReads(t *testing.T) {
	r := New(hashidsCodec(t))
	_, err := r.Insert(domain.Paste{CustomURL: "once", BurnAfterReads: 2})
	require.NoError(t, err)

	p, ok := r.Read("once")
	require.True(t, ok)
	require.Equal(t, 1, p.ReadCount)
	p, ok = r.Read("once")
	require.True(t, ok)
	require.Equal(t, 2, p.ReadCount)

	_, ok = r.Read("once")
	require.False(t, ok)
	require.True(t, r.IsSlugAvailable("once"))
}

func TestFindDoesNotCountReads(t *testing.T) {
	r := New(hashidsCodec(t))
	_, err := r.Insert(domain.Paste{CustomURL: "peek", BurnAfterReads: 1})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, ok := r.Find("peek")
		require.True(t, ok)
	}
}

func TestReturnedPastesAreCopies(t *testing.T) {
	r := New(hashidsCodec(t))
	_, err := r.Insert(domain.Paste{CustomURL: "copy", Content: "orig", SealedDEK: []byte{1, 2}})
	require.NoError(t, err)
	p, _ := r.Find("copy")
	p.Content = "changed"
	p.SealedDEK[0] = 9
	q, _ := r.Find("copy")
	require.Equal(t, "orig", q.Content)
	require.Equal(t, byte(1), q.SealedDEK[0])
}

func TestUpdate(t *testing.T) {
	r := New(hashidsCodec(t))
	id, err := r.Insert(domain.Paste{CustomURL: "edit", Content: "v1"})
	require.NoError(t, err)

	got, err := r.Update(id, func(p *domain.Paste) error {
		p.Content = "v2"
		p.CustomURL = "hijack"
		p.ID = 99
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "v2", got.Content)
	require.Equal(t, "edit", got.CustomURL)
	require.Equal(t, id, got.ID)

	_, err = r.Update(id, func(p *domain.Paste) error {
		p.Content = "v3"
		return domain.ErrNotEditable
	})
	require.ErrorIs(t, err, domain.ErrNotEditable)
	p, _ := r.Find("edit")
	require.Equal(t, "v2", p.Content)

	_, err = r.Update(12345, func(*domain.Paste) error { return nil })
	require.ErrorIs(t, err, domain.ErrPasteNotFound)
}

func TestListInsertionOrder(t *testing.T) {
	r := New(hashidsCodec(t))
	for _, c := range []string{"a", "b", "c", "d"} {
		_, err := r.Insert(domain.Paste{Content: c})
		require.NoError(t, err)
	}
	r.Remove(r.Slug(domain.Paste{ID: 2}))
	var got []string
	for _, p := range r.List() {
		got = append(got, p.Content)
	}
	require.Equal(t, []string{"a", "c", "d"}, got)
}

func TestRegistryModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		codec, err := slug.NewMnemonic([]string{"ant", "bee", "cat", "dog"})
		if err != nil {
			t.Fatal(err)
		}
		r := New(codec)
		live := map[uint64]string{}
		customs := map[string]uint64{}
		t.Repeat(map[string]func(*rapid.T){
			"insert": func(t *rapid.T) {
				custom := rapid.SampledFrom([]string{"", "", "x", "y", "bee", "cat-ant"}).Draw(t, "custom")
				id, err := r.Insert(domain.Paste{CustomURL: custom})
				if custom != "" {
					_, takenCustom := customs[custom]
					takenDerived := false
					for lid := range live {
						if codec.Encode(lid) == custom {
							takenDerived = true
						}
					}
					if takenCustom || takenDerived {
						if err != domain.ErrSlugTaken {
							t.Fatalf("expected ErrSlugTaken for %q, got %v", custom, err)
						}
						return
					}
				}
				if err != nil {
					t.Fatalf("insert: %v", err)
				}
				if _, dup := live[id]; dup {
					t.Fatalf("id %d reused", id)
				}
				if _, clash := customs[codec.Encode(id)]; clash {
					t.Fatalf("id %d derives live custom url", id)
				}
				live[id] = custom
				if custom != "" {
					customs[custom] = id
				}
			},
			"remove": func(t *rapid.T) {
				if len(live) == 0 {
					t.Skip("empty")
				}
				ids := make([]uint64, 0, len(live))
				for id := range live {
					ids = append(ids, id)
				}
				slices.Sort(ids)
				id := rapid.SampledFrom(ids).Draw(t, "id")
				if !r.RemoveID(id) {
					t.Fatalf("RemoveID(%d) found nothing", id)
				}
				if c := live[id]; c != "" {
					delete(customs, c)
				}
				delete(live, id)
			},
			"": func(t *rapid.T) {
				if r.Len() != len(live) {
					t.Fatalf("len %d, model %d", r.Len(), len(live))
				}
				for c, id := range customs {
					p, ok := r.Find(c)
					if !ok || p.ID != id {
						t.Fatalf("Find(%q) = %d,%v want %d", c, p.ID, ok, id)
					}
				}
			},
		})
	})
}
