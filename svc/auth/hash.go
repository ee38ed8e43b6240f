package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"

	"slugbin/svc/util"
)

const (
	maxPasswordLength = 1024
	defaultQueueSize  = 4096
	defaultVerifyPad  = 350 * time.Millisecond
)

var (
	ErrNotStarted   = errors.New("hasher not started")
	ErrShuttingDown = errors.New("hasher is shutting down")
	ErrTooLong      = errors.New("password too long")
	ErrQueueFull    = errors.New("hash queue full")
)

// Hasher runs argon2id on a bounded worker pool so password work cannot
// starve request goroutines. Passwords are HMAC-peppered before hashing.
type Hasher struct {
	iterations  uint32
	memory      uint32
	parallelism uint8
	keyLength   uint32
	verifyPad   time.Duration

	mu     sync.RWMutex
	pepper []byte

	jobs     chan hashJob
	quit     chan struct{}
	wg       sync.WaitGroup
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

type hashJob struct {
	password string
	resp     chan hashResult
}

type hashResult struct {
	hash string
	err  error
}

type Option func(*Hasher)

// WithVerifyPad sets the minimum wall time of Verify.
func WithVerifyPad(d time.Duration) Option {
	return func(h *Hasher) { h.verifyPad = d }
}

func NewHasher(iterations, memory uint32, parallelism uint8, pepper []byte, opts ...Option) (*Hasher, error) {
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	if iterations == 0 || iterations > 100 {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if memory < 1024 || memory > 2*1024*1024 {
		return nil, errors.New("memory must be between 1024 and 2097152 KiB")
	}
	if parallelism == 0 || parallelism > 128 {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	h := &Hasher{
		iterations:  iterations,
		memory:      memory,
		parallelism: parallelism,
		keyLength:   32,
		verifyPad:   defaultVerifyPad,
		pepper:      append([]byte(nil), pepper...),
		jobs:        make(chan hashJob, defaultQueueSize),
		quit:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Hasher) Start(workers int) error {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.started {
		return errors.New("hasher already started")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go h.worker()
	}
	h.started = true
	return nil
}

func (h *Hasher) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.wg.Wait()
		h.mu.Lock()
		util.Wipe(h.pepper)
		h.pepper = nil
		h.mu.Unlock()
	})
}

func (h *Hasher) worker() {
	defer h.wg.Done()
	for {
		select {
		case job := <-h.jobs:
			hash, err := h.doHash(job.password)
			job.resp <- hashResult{hash: hash, err: err}
		case <-h.quit:
			return
		}
	}
}

// Hash returns an encoded argon2id hash of password.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	h.startMu.Lock()
	started := h.started
	h.startMu.Unlock()
	if !started {
		return "", ErrNotStarted
	}
	if len(password) > maxPasswordLength {
		return "", ErrTooLong
	}
	resp := make(chan hashResult, 1)
	select {
	case h.jobs <- hashJob{password: password, resp: resp}:
	case <-h.quit:
		return "", ErrShuttingDown
	case <-ctx.Done():
		return "", errors.Wrap(ErrQueueFull, ctx.Err().Error())
	}
	select {
	case res := <-resp:
		return res.hash, res.err
	case <-h.quit:
		return "", ErrShuttingDown
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "hash")
	}
}

func (h *Hasher) doHash(password string) (string, error) {
	peppered := h.applyPepper(password)
	if peppered == nil {
		return "", ErrShuttingDown
	}
	defer util.Wipe(peppered)
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "salt")
	}
	hash := argon2.IDKey(peppered, salt, h.iterations, h.memory, h.parallelism, h.keyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.iterations, h.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// Verify reports whether pwd matches encoded, and whether encoded was
// produced with parameters other than the current ones.
func (h *Hasher) Verify(pwd, encoded string) (match, needsRehash bool) {
	start := time.Now()
	defer func() {
		if elapsed := time.Since(start); elapsed < h.verifyPad {
			time.Sleep(h.verifyPad - elapsed)
		}
	}()
	if len(pwd) > maxPasswordLength {
		pwd = strings.Repeat("x", maxPasswordLength)
		encoded = ""
	}
	return h.verify(pwd, encoded)
}

func (h *Hasher) verify(pwd, encoded string) (bool, bool) {
	mem, iter, threads := h.memory, h.iterations, h.parallelism
	salt := make([]byte, 16)
	hash := make([]byte, h.keyLength)
	valid := false
	parts := strings.Split(encoded, "$")
	if len(parts) == 6 && parts[0] == "" && parts[1] == "argon2id" {
		var m, t uint32
		var p uint8
		_, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &m, &t, &p)
		s, serr := base64.RawStdEncoding.DecodeString(parts[4])
		k, kerr := base64.RawStdEncoding.DecodeString(parts[5])
		if err == nil && serr == nil && kerr == nil &&
			m >= 8 && m <= 2*1024*1024 && t >= 1 && t <= 1000 && p >= 1 && p <= 128 &&
			len(s) > 0 && len(k) > 0 && len(k) <= 256 {
			mem, iter, threads, salt, hash = m, t, p, s, k
			valid = true
		}
	}
	defer util.Wipe(hash)
	peppered := h.applyPepper(pwd)
	if peppered == nil {
		return false, false
	}
	defer util.Wipe(peppered)
	other := argon2.IDKey(peppered, salt, iter, mem, threads, uint32(len(hash)))
	defer util.Wipe(other)
	if subtle.ConstantTimeCompare(hash, other) != 1 || !valid {
		return false, false
	}
	return true, mem != h.memory || iter != h.iterations || threads != h.parallelism
}

func (h *Hasher) applyPepper(password string) []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.pepper) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(password))
	return mac.Sum(nil)
}

// UpdatePepper swaps the pepper, e.g. after a KMS fetch.
func (h *Hasher) UpdatePepper(pepper []byte) error {
	if len(pepper) < 32 {
		return errors.New("pepper must be at least 32 bytes")
	}
	next := append([]byte(nil), pepper...)
	h.mu.Lock()
	old := h.pepper
	h.pepper = next
	h.mu.Unlock()
	util.Wipe(old)
	return nil
}
