// Package registry holds the live pastes of a process.
//
// Every exported operation takes the registry lock, drops expired pastes,
// and only then looks at or changes the collection. Nothing outside the
// package can observe an expired paste or hold the lock.
package registry

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"slugbin/metrics"
	"slugbin/pkg/domain"
	"slugbin/pkg/slug"
	"slugbin/svc/util"
)

// maxSkips bounds how many IDs Insert may pass over because their derived
// slug is held as a custom URL. Each skip needs a distinct live custom URL,
// so reaching it means the codec is misbehaving.
const maxSkips = 1 << 16

type Registry struct {
	mu     sync.Mutex
	pastes []*domain.Paste
	codec  slug.Codec
	now    func() time.Time
	nextID uint64
}

type Option func(*Registry)

// WithClock replaces time.Now as the registry's notion of the current time.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithFirstID sets the ID given to the first inserted paste. Defaults to 1.
func WithFirstID(id uint64) Option {
	return func(r *Registry) { r.nextID = id }
}

func New(codec slug.Codec, opts ...Option) *Registry {
	r := &Registry{
		codec:  codec,
		now:    time.Now,
		nextID: 1,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Codec() slug.Codec { return r.codec }

func (r *Registry) lock(op string) func() {
	r.mu.Lock()
	start := time.Now()
	return func() {
		metrics.RegistrySize.Set(float64(len(r.pastes)))
		r.mu.Unlock()
		metrics.RegistryLockHold.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// IsSlugAvailable reports whether candidate is free in the shared namespace
// of custom URLs and derived slugs. Comparison is case-sensitive.
func (r *Registry) IsSlugAvailable(candidate string) bool {
	defer r.lock("available")()
	r.sweepLocked()
	return r.availableLocked(candidate)
}

// Find resolves slug to a copy of the live paste it names.
func (r *Registry) Find(slug string) (domain.Paste, bool) {
	defer r.lock("find")()
	r.sweepLocked()
	i := r.findLocked(slug)
	if i < 0 {
		return domain.Paste{}, false
	}
	return r.pastes[i].Clone(), true
}

// Read resolves slug like Find and counts the access. A paste whose read
// budget is used up by this access is returned once and swept afterwards.
func (r *Registry) Read(slug string) (domain.Paste, bool) {
	defer r.lock("read")()
	r.sweepLocked()
	i := r.findLocked(slug)
	if i < 0 {
		return domain.Paste{}, false
	}
	p := r.pastes[i]
	p.ReadCount++
	p.LastReadAt = r.now()
	return p.Clone(), true
}

// Insert assigns the next ID to p and stores it. The custom URL check and
// the append happen under one lock hold, so of two concurrent inserts with
// the same custom URL exactly one succeeds. On ErrSlugTaken nothing changes.
func (r *Registry) Insert(p domain.Paste) (uint64, error) {
	defer r.lock("insert")()
	r.sweepLocked()
	if p.CustomURL != "" && !r.availableLocked(p.CustomURL) {
		metrics.SlugTaken.Inc()
		return 0, domain.ErrSlugTaken
	}
	id, err := r.allocLocked()
	if err != nil {
		return 0, err
	}
	p.ID = id
	stored := p.Clone()
	r.pastes = append(r.pastes, &stored)
	return id, nil
}

// allocLocked returns the next ID whose derived slug is not a live custom
// URL. Skipped IDs are burnt.
func (r *Registry) allocLocked() (uint64, error) {
	for skips := 0; skips < maxSkips; skips++ {
		id := r.nextID
		if id == ^uint64(0) {
			return 0, errors.New("registry: id space exhausted")
		}
		r.nextID++
		if !r.customURLLocked(r.codec.Encode(id)) {
			return id, nil
		}
		metrics.SlugSkipped.Inc()
		util.Debug().Uint64("id", id).Msg("skipping id whose slug is claimed as a custom url")
	}
	return 0, errors.New("registry: too many ids skipped")
}

// Remove deletes the paste slug resolves to. Removing a slug that resolves
// to nothing is a no-op.
func (r *Registry) Remove(slug string) bool {
	defer r.lock("remove")()
	r.sweepLocked()
	i := r.findLocked(slug)
	if i < 0 {
		return false
	}
	r.deleteLocked(i)
	return true
}

// RemoveID deletes the paste with the given ID, if it is live.
func (r *Registry) RemoveID(id uint64) bool {
	defer r.lock("remove")()
	r.sweepLocked()
	i := r.indexLocked(id)
	if i < 0 {
		return false
	}
	r.deleteLocked(i)
	return true
}

// Update applies fn to the live paste with the given ID. fn runs under the
// registry lock and must not call back into the registry. ID and CustomURL
// changes made by fn are ignored.
func (r *Registry) Update(id uint64, fn func(*domain.Paste) error) (domain.Paste, error) {
	defer r.lock("update")()
	r.sweepLocked()
	i := r.indexLocked(id)
	if i < 0 {
		return domain.Paste{}, domain.ErrPasteNotFound
	}
	next := r.pastes[i].Clone()
	if err := fn(&next); err != nil {
		return domain.Paste{}, err
	}
	next.ID = r.pastes[i].ID
	next.CustomURL = r.pastes[i].CustomURL
	*r.pastes[i] = next
	return next.Clone(), nil
}

// List returns copies of all live pastes in insertion order.
func (r *Registry) List() []domain.Paste {
	defer r.lock("list")()
	r.sweepLocked()
	out := make([]domain.Paste, 0, len(r.pastes))
	for _, p := range r.pastes {
		out = append(out, p.Clone())
	}
	return out
}

func (r *Registry) Len() int {
	defer r.lock("len")()
	r.sweepLocked()
	return len(r.pastes)
}

// Sweep drops expired pastes and returns how many went. Other operations
// sweep on their own; calling Sweep only reclaims memory sooner.
func (r *Registry) Sweep() int {
	defer r.lock("sweep")()
	return r.sweepLocked()
}

// Slug is the public slug of p: its custom URL when set, else its derived slug.
func (r *Registry) Slug(p domain.Paste) string {
	if p.CustomURL != "" {
		return p.CustomURL
	}
	return r.codec.Encode(p.ID)
}

func (r *Registry) sweepLocked() int {
	now := r.now()
	kept := r.pastes[:0]
	removed := 0
	for _, p := range r.pastes {
		if domain.IsExpired(p, now) {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	clear(r.pastes[len(kept):])
	r.pastes = kept
	if removed > 0 {
		metrics.PastesSwept.Add(float64(removed))
		util.Debug().Int("removed", removed).Int("live", len(kept)).Msg("swept expired pastes")
	}
	return removed
}

func (r *Registry) availableLocked(candidate string) bool {
	if r.customURLLocked(candidate) {
		return false
	}
	for _, p := range r.pastes {
		if r.codec.Encode(p.ID) == candidate {
			return false
		}
	}
	return true
}

func (r *Registry) customURLLocked(s string) bool {
	for _, p := range r.pastes {
		if p.CustomURL != "" && p.CustomURL == s {
			return true
		}
	}
	return false
}

// findLocked returns the index of the paste slug names, custom URLs first.
func (r *Registry) findLocked(slug string) int {
	if slug == "" {
		metrics.SlugLookups.WithLabelValues("malformed").Inc()
		return -1
	}
	for i, p := range r.pastes {
		if p.CustomURL == slug {
			metrics.SlugLookups.WithLabelValues("custom").Inc()
			return i
		}
	}
	id, ok := r.codec.Decode(slug)
	if !ok {
		metrics.SlugLookups.WithLabelValues("malformed").Inc()
		return -1
	}
	if i := r.indexLocked(id); i >= 0 {
		metrics.SlugLookups.WithLabelValues("derived").Inc()
		return i
	}
	metrics.SlugLookups.WithLabelValues("miss").Inc()
	return -1
}

// indexLocked relies on pastes being sorted by ID, which holds because IDs
// only grow and removal preserves order.
func (r *Registry) indexLocked(id uint64) int {
	lo, hi := 0, len(r.pastes)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if r.pastes[mid].ID < id {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(r.pastes) && r.pastes[lo].ID == id {
		return lo
	}
	return -1
}

func (r *Registry) deleteLocked(i int) {
	copy(r.pastes[i:], r.pastes[i+1:])
	r.pastes[len(r.pastes)-1] = nil
	r.pastes = r.pastes[:len(r.pastes)-1]
}
