package lim

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"slugbin/metrics"
	"slugbin/svc/util"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
	adaptiveWindow  = 60 * time.Second
)

// Store is a shared fixed-window counter, normally *db.Redis.
type Store interface {
	RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

type Limiter struct {
	store             Store
	trustedProxies    []string
	detector          *AnomalyDetector
	adaptiveModeUntil int64
	localLimiters     map[string]*limiterEntry
	mu                sync.Mutex
	conservativeLimit int
	burstLimit        int
	perIPRPM          int
	quit              chan struct{}
	stopOnce          sync.Once
	evictionSem       chan struct{}
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// New builds a limiter. store may be nil, in which case only the in-process
// token buckets apply.
func New(perIPRPM, burst, conservativeLimit int, store Store, trustedProxies []string) (*Limiter, error) {
	for _, proxy := range trustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return nil, errors.Wrapf(err, "invalid CIDR in trusted proxies: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return nil, errors.Errorf("invalid IP in trusted proxies: %s", proxy)
		}
	}
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		store:             store,
		trustedProxies:    trustedProxies,
		localLimiters:     make(map[string]*limiterEntry),
		conservativeLimit: conservativeLimit,
		burstLimit:        burst,
		perIPRPM:          perIPRPM,
		quit:              make(chan struct{}),
		evictionSem:       make(chan struct{}, 1),
	}
	l.detector = NewAnomalyDetector(l.TriggerAdaptiveMode)
	return l, nil
}

// Start launches the limiter's housekeeping goroutines.
func (l *Limiter) Start() {
	l.detector.Start()
	go l.cleanupLoop()
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
		l.detector.Stop()
	})
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictExpired(time.Now())
		case <-l.quit:
			return
		}
	}
}

func (l *Limiter) evictExpired(now time.Time) int {
	l.mu.Lock()
	evicted := 0
	for key, entry := range l.localLimiters {
		if now.Sub(entry.lastAccess) > limiterTTL {
			delete(l.localLimiters, key)
			evicted++
		}
	}
	remaining := len(l.localLimiters)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
	return evicted
}

func (l *Limiter) TriggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveModeUntil, time.Now().Add(adaptiveWindow).Unix())
}

func (l *Limiter) isAdaptiveMode() bool {
	return time.Now().Unix() < atomic.LoadInt64(&l.adaptiveModeUntil)
}

func (l *Limiter) RecordRequest() { l.detector.RecordRequest() }
func (l *Limiter) RecordError()   { l.detector.RecordError() }

func halve(n int) int {
	if n /= 2; n < 1 {
		return 1
	}
	return n
}

// Check applies the per-client limit for endpoint. The shared store is
// consulted first; when it is unreachable the limiter falls back to a
// stricter in-process bucket instead of failing open.
func (l *Limiter) Check(r *http.Request, endpoint string) *Result {
	ip := GetRealIP(r, l.trustedProxies)
	limit := l.perIPRPM
	if l.isAdaptiveMode() {
		limit = halve(limit)
	}
	if l.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 100*time.Millisecond)
		defer cancel()
		usage, err := l.store.RateLimit(ctx, endpoint+":"+ip, limit, time.Minute)
		if err == nil {
			res := &Result{Allowed: usage <= limit, Limit: limit, Reset: time.Now().Add(time.Minute)}
			if res.Allowed {
				res.Remaining = limit - usage
			}
			l.observe(res, endpoint)
			return res
		}
		util.Warn().Err(err).Msg("shared rate limit unavailable, using local fallback")
		res := l.local(ip, endpoint, l.conservativeLimit)
		l.observe(res, endpoint)
		return res
	}
	res := l.local(ip, endpoint, limit)
	l.observe(res, endpoint)
	return res
}

func (l *Limiter) observe(res *Result, endpoint string) {
	if !res.Allowed {
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
	}
}

func (l *Limiter) local(ip, endpoint string, limit int) *Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.localLimiters); n >= (maxLimiters*9)/10 {
		select {
		case l.evictionSem <- struct{}{}:
			go func() {
				defer func() { <-l.evictionSem }()
				l.evictOldest(n / 10)
			}()
		default:
		}
	}
	reset := time.Now().Add(time.Minute)
	if len(l.localLimiters) >= maxLimiters {
		util.Warn().
			Int("limiters", len(l.localLimiters)).
			Str("ip", util.RedactIP(ip)).
			Msg("rate limiter at capacity, rejecting request")
		return &Result{Allowed: false, Limit: limit, Reset: reset}
	}
	if l.isAdaptiveMode() {
		limit = halve(limit)
	}
	key := ip + ":" + endpoint
	entry, ok := l.localLimiters[key]
	if !ok {
		burst := min(l.burstLimit, limit)
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(float64(limit)/60.0), burst)}
		l.localLimiters[key] = entry
	}
	entry.lastAccess = time.Now()
	if !entry.limiter.Allow() {
		return &Result{Allowed: false, Limit: limit, Reset: reset}
	}
	return &Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: int(entry.limiter.Tokens()),
		Reset:     reset,
	}
}

func (l *Limiter) evictOldest(count int) {
	type kv struct {
		key        string
		lastAccess time.Time
	}
	l.mu.Lock()
	entries := make([]kv, 0, len(l.localLimiters))
	for k, v := range l.localLimiters {
		entries = append(entries, kv{k, v.lastAccess})
	}
	l.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < count && i < len(entries); i++ {
		delete(l.localLimiters, entries[i].key)
	}
}

// GetRealIP walks X-Forwarded-For from the right, returning the first hop
// that is not a trusted proxy. Without trusted proxies it is RemoteAddr.
func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	const maxIPsToParse = 100
	parsed := 0
	for xff != "" && parsed < maxIPsToParse {
		var ipStr string
		if i := strings.LastIndexByte(xff, ','); i >= 0 {
			ipStr, xff = strings.TrimSpace(xff[i+1:]), xff[:i]
		} else {
			ipStr, xff = strings.TrimSpace(xff), ""
		}
		if ipStr == "" {
			continue
		}
		parsed++
		if net.ParseIP(ipStr) == nil {
			continue
		}
		if !isTrustedProxy(ipStr, trustedProxies) {
			return ipStr
		}
	}
	return remoteIP
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	parsed := net.ParseIP(ip)
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") && parsed != nil {
			if _, subnet, err := net.ParseCIDR(proxy); err == nil && subnet.Contains(parsed) {
				return true
			}
		}
	}
	return false
}

func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
